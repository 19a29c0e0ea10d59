// Package kafkafeed consumes change events from a CDC topic.
package kafkafeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/ecclesia-hub/dmsync"
)

// Config configures the consumer group.
type Config struct {
	Brokers []string
	GroupID string
	Topics  []string
	// Sarama overrides the client configuration; nil uses sarama.NewConfig.
	Sarama *sarama.Config
	Logger *slog.Logger
}

// Feed publishes every decodable record of its topics into a hub.
type Feed struct {
	*dmsync.Hub
	group  sarama.ConsumerGroup
	topics []string
	logger *slog.Logger
}

var _ dmsync.Feed = (*Feed)(nil)

// New joins the consumer group. Call Run to start consuming.
func New(cfg Config) (*Feed, error) {
	if len(cfg.Brokers) == 0 || len(cfg.Topics) == 0 {
		return nil, errors.New("kafkafeed: brokers and topics are required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "dmsync"
	}
	sc := cfg.Sarama
	if sc == nil {
		sc = sarama.NewConfig()
	}
	sc.Version = sarama.V2_5_0_0
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	g, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("kafkafeed: consumer group: %w", err)
	}
	return newFeed(g, cfg.Topics, cfg.Logger), nil
}

func newFeed(group sarama.ConsumerGroup, topics []string, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Feed{
		Hub:    dmsync.NewHub(),
		group:  group,
		topics: topics,
		logger: logger.With("component", "kafkafeed"),
	}
}

// Run consumes until ctx ends.
func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := f.group.Consume(ctx, f.topics, consumerGroupHandler{feed: f}); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close leaves the consumer group.
func (f *Feed) Close() error {
	return f.group.Close()
}

// Handle decodes one record and publishes it. Undecodable records are
// reported and must still be marked, since redelivery cannot fix them.
func (f *Feed) Handle(_ context.Context, msg *sarama.ConsumerMessage) error {
	ev, err := dmsync.DecodeChangeEvent(msg.Value)
	if err != nil {
		return fmt.Errorf("kafkafeed: %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	if ev.Table == "" {
		ev.Table = tableHeader(msg)
	}
	f.Publish(ev)
	return nil
}

func tableHeader(msg *sarama.ConsumerMessage) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == "table" {
			return string(h.Value)
		}
	}
	return ""
}

type consumerGroupHandler struct {
	feed *Feed
}

func (h consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := h.feed.Handle(sess.Context(), message); err != nil {
			h.feed.logger.Warn("skipping record", "error", err)
		}
		sess.MarkMessage(message, "")
	}
	return nil
}
