package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ecclesia-hub/dmsync"
	"github.com/ecclesia-hub/dmsync/kafkafeed"
	"github.com/ecclesia-hub/dmsync/pgsource"
	"github.com/ecclesia-hub/dmsync/redisfeed"
)

var relayFrom string

func init() {
	relayCmd.Flags().StringVar(&relayFrom, "from", "postgres", "source feed: postgres or kafka")
	rootCmd.AddCommand(relayCmd)
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Republish database or Kafka change events to per-user Redis channels",
	Long: "Consume every change event from the postgres NOTIFY trigger or the Kafka topics\n" +
		"and publish it to the Redis channel of each participant, so clients can use\n" +
		"feed.transport = redis.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Redis.URL == "" {
			return errors.New("redis.url is not set")
		}
		target, err := redisfeed.NewFromURL(cfg.Redis.URL, cfg.Redis.Prefix, logger)
		if err != nil {
			return err
		}
		defer target.Close()

		source, run, closeSource, err := relaySource(ctx, cfg, relayFrom)
		if err != nil {
			return err
		}
		defer closeSource()

		sub, err := source.Subscribe(ctx, dmsync.Scope{Table: valueOrDefault(cfg.Feed.Table, dmsync.DefaultTable)}, func(ev dmsync.ChangeEvent) {
			if err := relayEvent(ctx, target, ev); err != nil {
				logger.Warn("relay failed", "message_id", ev.MessageID(), "error", err)
			}
		})
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()

		fmt.Printf("Relaying %s events to %s\n", relayFrom, target.Channel("<user>"))
		if err := run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

// eventPublisher is the part of redisfeed.Feed the relay needs.
type eventPublisher interface {
	PublishEvent(ctx context.Context, ev dmsync.ChangeEvent) error
}

// relayEvent forwards ev unless it cannot be routed to any user.
func relayEvent(ctx context.Context, target eventPublisher, ev dmsync.ChangeEvent) error {
	if len(ev.Participants) == 0 {
		logger.Debug("skipping event without participants", "message_id", ev.MessageID())
		return nil
	}
	return target.PublishEvent(ctx, ev)
}

// relaySource builds a multi-user feed and the loop that drives it.
func relaySource(ctx context.Context, cfg *Config, from string) (dmsync.Feed, func(context.Context) error, func(), error) {
	switch from {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return nil, nil, nil, errors.New("postgres.dsn is not set")
		}
		pool, err := pgsource.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		nf := pgsource.NewNotifyFeed(pool, cfg.Postgres.Channel, logger)
		return nf, nf.Run, pool.Close, nil
	case "kafka":
		kf, err := kafkafeed.New(kafkafeed.Config{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topics:  cfg.Kafka.Topics,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return kf, kf.Run, func() { kf.Close() }, nil
	}
	return nil, nil, nil, fmt.Errorf("relay source must be postgres or kafka, got %q", from)
}
