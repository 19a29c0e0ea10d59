package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ecclesia-hub/dmsync"
	"github.com/ecclesia-hub/dmsync/kafkafeed"
	"github.com/ecclesia-hub/dmsync/pgsource"
	"github.com/ecclesia-hub/dmsync/redisfeed"
)

var transports = []string{"ws", "sse", "webhook", "postgres", "kafka", "redis", "none"}

func validTransport(t string) bool { return slices.Contains(transports, t) }

// stack is everything a session needs, built from the config.
type stack struct {
	cfg     *Config
	userID  string
	api     dmsync.API
	feed    dmsync.Feed
	webhook *dmsync.WebhookFeed

	runners []func(context.Context) error
	closers []func()
}

// buildStack wires the API and the change feed selected by cfg.
func buildStack(ctx context.Context, cfg *Config) (*stack, error) {
	st := &stack{cfg: cfg}
	if err := st.build(ctx); err != nil {
		st.close()
		return nil, err
	}
	return st, nil
}

func (st *stack) build(ctx context.Context) error {
	cfg := st.cfg
	st.userID = cfg.Auth.UserID
	if st.userID == "" && cfg.Auth.Token != "" {
		id, err := dmsync.UserIDFromToken(cfg.Auth.Token)
		if err != nil {
			return fmt.Errorf("cannot read user id from token: %w", err)
		}
		st.userID = id
	}
	if st.userID == "" {
		return errors.New("not signed in. Run 'dmsync init <token>' first")
	}

	var pool *pgxpool.Pool
	needPool := cfg.Default.Source == "postgres" || cfg.Feed.Transport == "postgres"
	if needPool {
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is not set")
		}
		p, err := pgsource.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		pool = p
		st.closers = append(st.closers, pool.Close)
	}

	client := dmsync.NewClient(cfg.Auth.Token, dmsync.WithBaseURL(valueOrDefault(cfg.Default.BaseURL, dmsync.DefaultBaseURL)))
	if cfg.Default.Source == "postgres" {
		st.api = pgsource.NewStore(pool, st.userID, logger)
	} else {
		if cfg.Auth.Token == "" {
			return errors.New("no access token. Run 'dmsync init <token>' first")
		}
		st.api = client
	}

	rt := &dmsync.RealtimeConfig{AutoReconnect: true, Logger: logger}
	switch valueOrDefault(cfg.Feed.Transport, "ws") {
	case "ws":
		st.feed = client.WSFeed(rt)
	case "sse":
		st.feed = client.SSEFeed(rt)
	case "webhook":
		wh, err := dmsync.NewWebhookFeed(cfg.Feed.WebhookSecret, dmsync.WithWebhookLogger(logger))
		if err != nil {
			return err
		}
		st.feed, st.webhook = wh, wh
	case "postgres":
		nf := pgsource.NewNotifyFeed(pool, cfg.Postgres.Channel, logger)
		st.feed = nf
		st.runners = append(st.runners, nf.Run)
	case "kafka":
		kf, err := kafkafeed.New(kafkafeed.Config{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topics:  cfg.Kafka.Topics,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		st.feed = kf
		st.runners = append(st.runners, kf.Run)
		st.closers = append(st.closers, func() { kf.Close() })
	case "redis":
		rf, err := redisfeed.NewFromURL(cfg.Redis.URL, cfg.Redis.Prefix, logger)
		if err != nil {
			return err
		}
		st.feed = rf
		st.closers = append(st.closers, func() { rf.Close() })
	case "none":
	default:
		return fmt.Errorf("unknown feed transport %q", cfg.Feed.Transport)
	}
	return nil
}

// start runs background feed consumers until ctx ends.
func (st *stack) start(ctx context.Context) {
	for _, run := range st.runners {
		go func() {
			if err := run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("feed consumer stopped", "error", err)
			}
		}()
	}
}

func (st *stack) close() {
	for i := len(st.closers) - 1; i >= 0; i-- {
		st.closers[i]()
	}
}

func (st *stack) newSession() *dmsync.Session {
	opts := &dmsync.SessionOptions{Table: st.cfg.Feed.Table, Logger: logger}
	if d, err := time.ParseDuration(st.cfg.Feed.RefreshInterval); err == nil {
		opts.RefreshInterval = d
	}
	return dmsync.NewSession(st.userID, st.api, st.feed, opts)
}

// checkTransport rejects the webhook transport for commands that do not
// serve the webhook endpoint, since no events would ever arrive.
func checkTransport(cfg *Config, webhookMounted bool) error {
	if cfg.Feed.Transport == "webhook" && !webhookMounted {
		return errors.New("feed.transport webhook needs 'dmsync serve' to receive events; use ws, sse, postgres, kafka or redis here")
	}
	return nil
}

// openStack loads the effective config and starts a session on it. Only
// serve mounts the webhook handler. The returned cleanup closes the session
// and releases the stack.
func openStack(ctx context.Context, webhookMounted bool) (*stack, *dmsync.Session, func(), error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := checkTransport(cfg, webhookMounted); err != nil {
		return nil, nil, nil, err
	}
	st, err := buildStack(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	st.start(ctx)
	session := st.newSession()
	if err := session.Start(ctx); err != nil {
		st.close()
		return nil, nil, nil, err
	}
	cleanup := func() {
		session.Close()
		st.close()
	}
	return st, session, cleanup, nil
}

// maskKey shows the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
