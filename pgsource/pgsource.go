// Package pgsource serves the direct-message API and change feed straight
// from PostgreSQL.
package pgsource

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ecclesia-hub/dmsync"
)

//go:embed schema.sql
var schema string

// ErrNotParticipant is returned when the user is not a member of the
// requested conversation.
var ErrNotParticipant = errors.New("pgsource: not a participant")

// Connect creates a pgx connection pool using the provided DSN and verifies
// the connection with a ping.
func Connect(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = 1 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate creates the messaging tables and the change trigger if missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// normalizeDSN converts known non-pgx DSN variants to a pgx-compatible DSN.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	s = strings.Replace(s, "postgresql+asyncpg://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+asyncpg://", "postgres://", 1)
	s = strings.Replace(s, "postgresql+pgx://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+pgx://", "postgres://", 1)
	return s
}

// ParticipantsKey is the unique key of a participant set: sorted, deduplicated
// ids joined by commas.
func ParticipantsKey(ids ...string) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return strings.Join(sorted, ",")
}

// ============================================================================
// Store
// ============================================================================

// Store implements dmsync.API for one user against PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	userID string
	logger *slog.Logger
}

var (
	_ dmsync.API        = (*Store)(nil)
	_ dmsync.ReadMarker = (*Store)(nil)
)

// NewStore creates a store acting as userID.
func NewStore(pool *pgxpool.Pool, userID string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{pool: pool, userID: userID, logger: logger.With("component", "pgsource.store")}
}

// Conversations implements dmsync.API.
func (s *Store) Conversations(ctx context.Context) ([]dmsync.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.last_message_at, COALESCE(c.last_message_id, ''), c.last_message_preview,
		       (SELECT count(*) FROM direct_messages m
		         WHERE m.conversation_id = c.id
		           AND m.sender_id <> $1
		           AND (p.last_read_at IS NULL OR m.created_at > p.last_read_at))
		FROM dm_conversations c
		JOIN dm_participants p ON p.conversation_id = c.id AND p.user_id = $1
		ORDER BY c.last_message_at DESC NULLS LAST, c.id`, s.userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []dmsync.Conversation
	index := make(map[string]int)
	for rows.Next() {
		var c dmsync.Conversation
		var lastAt *time.Time
		var unread int64
		if err := rows.Scan(&c.ID, &lastAt, &c.LastMessageID, &c.Preview, &unread); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if lastAt != nil {
			c.LastMessageAt = *lastAt
		}
		c.UnreadCount = int(unread)
		index[c.ID] = len(out)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(out))
	for _, c := range out {
		ids = append(ids, c.ID)
	}
	prow, err := s.pool.Query(ctx, `
		SELECT p.conversation_id, p.user_id, COALESCE(pr.display_name, ''), COALESCE(pr.avatar_url, '')
		FROM dm_participants p
		LEFT JOIN profiles pr ON pr.id = p.user_id
		WHERE p.conversation_id = ANY($1)
		ORDER BY p.conversation_id, p.joined_at, p.user_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer prow.Close()
	for prow.Next() {
		var convID string
		var p dmsync.Participant
		if err := prow.Scan(&convID, &p.ID, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		if i, ok := index[convID]; ok {
			out[i].Participants = append(out[i].Participants, p)
		}
	}
	if err := prow.Err(); err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	return out, nil
}

// Messages implements dmsync.API.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]dmsync.Message, error) {
	if err := s.checkParticipant(ctx, s.pool, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, sender_id, body, created_at, status
		FROM direct_messages
		WHERE conversation_id = $1
		ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []dmsync.Message
	for rows.Next() {
		var m dmsync.Message
		var status string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.CreatedAt, &status); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Status = dmsync.MessageStatus(status)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return out, nil
}

// SendMessage implements dmsync.API. The message insert and the
// conversation preview update commit together.
func (s *Store) SendMessage(ctx context.Context, conversationID, body string) (dmsync.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dmsync.Message{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.checkParticipant(ctx, tx, conversationID); err != nil {
		return dmsync.Message{}, err
	}

	m := dmsync.Message{ConversationID: conversationID, SenderID: s.userID, Body: body}
	var status string
	err = tx.QueryRow(ctx, `
		INSERT INTO direct_messages (conversation_id, sender_id, body)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, status`, conversationID, s.userID, body).Scan(&m.ID, &m.CreatedAt, &status)
	if err != nil {
		return dmsync.Message{}, fmt.Errorf("insert message: %w", err)
	}
	m.Status = dmsync.MessageStatus(status)

	if _, err := tx.Exec(ctx, `
		UPDATE dm_conversations
		SET last_message_id = $2, last_message_at = $3, last_message_preview = $4
		WHERE id = $1 AND (last_message_at IS NULL OR last_message_at <= $3)`,
		conversationID, m.ID, m.CreatedAt, body); err != nil {
		return dmsync.Message{}, fmt.Errorf("update conversation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return dmsync.Message{}, fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("message stored", "conversation_id", conversationID, "message_id", m.ID)
	return m, nil
}

// MarkRead implements dmsync.ReadMarker.
func (s *Store) MarkRead(ctx context.Context, conversationID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE dm_participants SET last_read_at = now()
		WHERE conversation_id = $1 AND user_id = $2`, conversationID, s.userID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotParticipant
	}
	return nil
}

// StartConversation returns the conversation between the user and others,
// creating it if none exists. A participant set maps to at most one
// conversation.
func (s *Store) StartConversation(ctx context.Context, others ...string) (string, error) {
	members := append([]string{s.userID}, others...)
	key := ParticipantsKey(members...)
	if !strings.Contains(key, ",") {
		return "", fmt.Errorf("start conversation: need at least one other participant")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO dm_conversations (participants_key) VALUES ($1)
		ON CONFLICT (participants_key) DO NOTHING
		RETURNING id`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := tx.QueryRow(ctx, `SELECT id FROM dm_conversations WHERE participants_key = $1`, key).Scan(&id); err != nil {
			return "", fmt.Errorf("find conversation: %w", err)
		}
		return id, tx.Commit(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	for _, uid := range strings.Split(key, ",") {
		if _, err := tx.Exec(ctx, `
			INSERT INTO dm_participants (conversation_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, id, uid); err != nil {
			return "", fmt.Errorf("add participant: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) checkParticipant(ctx context.Context, q querier, conversationID string) error {
	var ok bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM dm_participants WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, s.userID).Scan(&ok)
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if !ok {
		return ErrNotParticipant
	}
	return nil
}
