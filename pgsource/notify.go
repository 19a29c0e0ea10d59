package pgsource

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ecclesia-hub/dmsync"
)

// DefaultChannel is the NOTIFY channel the schema trigger publishes to.
const DefaultChannel = "dm_changes"

// NotifyFeed turns PostgreSQL NOTIFY payloads into change events and fans
// them out to subscribers. Run holds one pooled connection in LISTEN mode.
type NotifyFeed struct {
	*dmsync.Hub
	pool       *pgxpool.Pool
	channel    string
	retryDelay time.Duration
	logger     *slog.Logger

	// loadBody fetches the full body of a message whose payload was trimmed.
	loadBody func(ctx context.Context, id string) (string, error)
}

var _ dmsync.Feed = (*NotifyFeed)(nil)

// NewNotifyFeed creates a feed listening on channel (DefaultChannel if empty).
func NewNotifyFeed(pool *pgxpool.Pool, channel string, logger *slog.Logger) *NotifyFeed {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	f := &NotifyFeed{
		Hub:        dmsync.NewHub(),
		pool:       pool,
		channel:    channel,
		retryDelay: 2 * time.Second,
		logger:     logger.With("component", "pgsource.notify", "channel", channel),
	}
	f.loadBody = f.queryBody
	return f
}

func (f *NotifyFeed) queryBody(ctx context.Context, id string) (string, error) {
	if f.pool == nil {
		return "", fmt.Errorf("no pool")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var body string
	err := f.pool.QueryRow(ctx, `SELECT body FROM direct_messages WHERE id = $1`, id).Scan(&body)
	return body, err
}

// Run listens until ctx ends, re-acquiring the connection after failures.
func (f *NotifyFeed) Run(ctx context.Context) error {
	for {
		err := f.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("listen connection lost", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.retryDelay):
		}
	}
}

func (f *NotifyFeed) listen(ctx context.Context) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	f.logger.Info("listening")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if err := f.handleNotification(ctx, n); err != nil {
			f.logger.Debug("dropping notification", "error", err)
		}
	}
}

// payloadFlags carries trigger metadata outside the row itself.
type payloadFlags struct {
	Truncated bool `json:"truncated"`
}

func (f *NotifyFeed) handleNotification(ctx context.Context, n *pgconn.Notification) error {
	if n.Channel != f.channel {
		return nil
	}
	ev, err := dmsync.DecodeChangeEvent([]byte(n.Payload))
	if err != nil {
		return err
	}
	var flags payloadFlags
	if err := json.Unmarshal([]byte(n.Payload), &flags); err == nil && flags.Truncated && ev.Kind != dmsync.EventDelete {
		body, err := f.loadBody(ctx, ev.Row.ID)
		if err != nil {
			f.logger.Warn("keeping trimmed body", "message_id", ev.Row.ID, "error", err)
		} else {
			ev.Row.Body = body
		}
	}
	f.Publish(ev)
	return nil
}
