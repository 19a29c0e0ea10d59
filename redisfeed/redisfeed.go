// Package redisfeed receives change events over Redis pub/sub.
//
// Publishers send each event to the channel of every participant, e.g.
// "dm:user:<id>", so a subscriber only receives its own events.
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/ecclesia-hub/dmsync"
)

// DefaultPrefix is the channel prefix of per-user channels.
const DefaultPrefix = "dm:user:"

// Feed is a dmsync.Feed over Redis pub/sub. Each subscription holds its own
// PubSub on the user's channel.
type Feed struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ dmsync.Feed = (*Feed)(nil)

// NewFromURL connects to Redis at url and verifies the connection.
func NewFromURL(url, prefix string, logger *slog.Logger) (*Feed, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return New(c, prefix, logger), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string, logger *slog.Logger) *Feed {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Feed{client: client, prefix: prefix, logger: logger.With("component", "redisfeed")}
}

// Channel returns the channel of userID.
func (f *Feed) Channel(userID string) string {
	return f.prefix + userID
}

// Publish sends payload to the channel of every participant.
func (f *Feed) Publish(ctx context.Context, payload []byte, participants ...string) error {
	var errs []error
	for _, p := range participants {
		if err := f.client.Publish(ctx, f.Channel(p), payload).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishEvent sends ev to the channel of each of its participants. Events
// without participants cannot be routed and are rejected.
func (f *Feed) PublishEvent(ctx context.Context, ev dmsync.ChangeEvent) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return f.Publish(ctx, payload, ev.Participants...)
}

// EncodeEvent marshals ev in the shape Subscribe decodes.
func EncodeEvent(ev dmsync.ChangeEvent) ([]byte, error) {
	if len(ev.Participants) == 0 {
		return nil, fmt.Errorf("redisfeed: event %s has no participants", ev.MessageID())
	}
	return json.Marshal(ev)
}

// Subscribe implements dmsync.Feed.
func (f *Feed) Subscribe(ctx context.Context, scope dmsync.Scope, onEvent func(dmsync.ChangeEvent)) (dmsync.Subscription, error) {
	if scope.UserID == "" {
		return nil, errors.New("redisfeed: scope needs a user id")
	}
	ps := f.client.Subscribe(ctx, f.Channel(scope.UserID))
	// Receive blocks until the subscription is confirmed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				f.handle(msg, scope, onEvent)
			}
		}
	}()
	return dmsync.SubscriptionFunc(func() error {
		cancel()
		return ps.Close()
	}), nil
}

func (f *Feed) handle(msg *redis.Message, scope dmsync.Scope, onEvent func(dmsync.ChangeEvent)) bool {
	if msg == nil || !strings.HasPrefix(msg.Channel, f.prefix) {
		return false
	}
	ev, err := dmsync.DecodeChangeEvent([]byte(msg.Payload))
	if err != nil {
		f.logger.Debug("dropping message", "channel", msg.Channel, "error", err)
		return false
	}
	if !scope.Match(ev) {
		return false
	}
	func() {
		defer func() { recover() }()
		onEvent(ev)
	}()
	return true
}

// Close closes the client.
func (f *Feed) Close() error {
	return f.client.Close()
}
