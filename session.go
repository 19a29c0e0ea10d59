package dmsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// External interfaces
// ============================================================================

// API is the server side of the messaging layer.
type API interface {
	// Conversations returns the signed-in user's conversations.
	Conversations(ctx context.Context) ([]Conversation, error)
	// Messages returns the messages of a conversation in timestamp order.
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	// SendMessage stores a message and returns it with its durable id.
	SendMessage(ctx context.Context, conversationID, body string) (Message, error)
}

// ReadMarker is implemented by APIs that persist read receipts. A Session
// calls it when a conversation is opened.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID string) error
}

var (
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("dmsync: session closed")
	// ErrNoConversation is returned when an operation needs an open conversation.
	ErrNoConversation = errors.New("dmsync: no conversation open")
)

// ============================================================================
// Session
// ============================================================================

// SessionOptions configures a Session.
type SessionOptions struct {
	// RefreshInterval is the period of the fallback refetch. Zero means 30s,
	// a negative value disables the timer.
	RefreshInterval time.Duration
	// RequestTimeout bounds background fetches (periodic and event-driven).
	RequestTimeout time.Duration
	// Table scopes the feed subscription. Defaults to DefaultTable.
	Table  string
	Logger *slog.Logger
	// Clock stamps provisional messages. Defaults to time.Now.
	Clock func() time.Time
}

// Session is the reconciliation engine of one mounted view. It owns the
// conversation and message stores, holds exactly one feed subscription while
// started, and merges feed events, periodic refetches, user actions and send
// results into its stores. All of these paths are serialized by one lock.
//
// Presentations share a Session and observe it through OnChange and
// OnNotification.
type Session struct {
	sessionEmitter

	self string
	api  API
	feed Feed

	refreshInterval time.Duration
	requestTimeout  time.Duration
	scope           Scope
	logger          *slog.Logger
	now             func() time.Time

	mu            sync.Mutex
	conversations *ConversationStore
	messages      *MessageStore
	drafts        map[string]string
	lastErr       error
	started       bool
	closed        bool
	refreshing    bool
	openSeq       uint64
	sub           *onceSubscription

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession creates a session for the signed-in user self. feed may be nil,
// in which case the session relies on the periodic refetch alone.
func NewSession(self string, api API, feed Feed, opts *SessionOptions) *Session {
	s := &Session{
		self:            self,
		api:             api,
		feed:            feed,
		refreshInterval: 30 * time.Second,
		requestTimeout:  15 * time.Second,
		scope:           Scope{Table: DefaultTable, UserID: self},
		logger:          slog.New(slog.DiscardHandler),
		now:             time.Now,
		conversations:   NewConversationStore(),
		messages:        NewMessageStore(),
		drafts:          make(map[string]string),
	}
	if opts != nil {
		if opts.RefreshInterval != 0 {
			s.refreshInterval = opts.RefreshInterval
		}
		if opts.RequestTimeout > 0 {
			s.requestTimeout = opts.RequestTimeout
		}
		if opts.Table != "" {
			s.scope.Table = opts.Table
		}
		if opts.Logger != nil {
			s.logger = opts.Logger
		}
		if opts.Clock != nil {
			s.now = opts.Clock
		}
	}
	s.logger = s.logger.With("component", "dmsync.session", "user_id", self)
	return s
}

// Self returns the signed-in user id.
func (s *Session) Self() string { return s.self }

// Start mounts the session: it subscribes to the feed, loads the
// conversation list and starts the periodic refetch. A failed list fetch
// leaves an empty list (see LastError) and is not returned. Start only fails
// when the session is closed or ctx ends while mounting; in that case
// everything acquired so far is released.
func (s *Session) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if err := s.subscribe(); err != nil {
		s.logger.Warn("change feed unavailable, relying on periodic refresh", "error", err)
	}

	if err := s.Refresh(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("start session: %w", ctxErr)
		}
		s.logger.Warn("initial conversation fetch failed", "error", err)
	}

	if s.refreshInterval > 0 {
		go s.refreshLoop(s.ctx, s.refreshInterval)
	}
	s.logger.Info("session started", "conversations", s.conversationsLen())
	return nil
}

func (s *Session) subscribe() error {
	if s.feed == nil {
		return ErrNoFeed
	}
	sub, err := s.feed.Subscribe(s.ctx, s.scope, s.HandleEvent)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.scope.Table, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.Unsubscribe()
		return ErrSessionClosed
	}
	s.sub = releaseOnce(sub)
	return nil
}

// Close unmounts the session: the feed subscription is released exactly
// once, the refresh timer stops and registered handlers are dropped.
// In-flight sends are not cancelled; their results are discarded.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sub := s.sub
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.removeAll()

	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	s.logger.Info("session closed")
	return err
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FeedActive reports whether a feed subscription is held.
func (s *Session) FeedActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil && !s.closed
}

// ── Reconciliation ────────────────────────────────────────

// HandleEvent applies one change event. It is the feed callback and is
// safe to call with duplicated or out-of-order events.
func (s *Session) HandleEvent(ev ChangeEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.scope.Match(ev) {
		s.mu.Unlock()
		return
	}

	var p pending
	convID := ev.ConversationID()
	open := s.messages.ConversationID()

	if open != "" && convID == open {
		switch ev.Kind {
		case EventInsert:
			if s.messages.Append(ev.Row) {
				p.mark(ChangeMessages)
			}
		case EventUpdate:
			if s.messages.Update(ev.Row) || s.messages.Append(ev.Row) {
				p.mark(ChangeMessages)
			}
		case EventDelete:
			if s.messages.Remove(ev.MessageID()) {
				p.mark(ChangeMessages)
			}
		}
	}

	out := s.conversations.ApplyEvent(ev, s.self, open)
	if out.Applied {
		p.mark(ChangeConversations)
	}
	if out.Unknown || out.NeedsRefetch {
		s.logger.Debug("event needs list refetch", "conversation_id", convID, "kind", ev.Kind)
		s.refetchLocked()
	}
	if out.Bumped {
		note := Notification{
			Kind:           NotifyMessage,
			ConversationID: convID,
			MessageID:      ev.Row.ID,
			SenderID:       ev.Row.SenderID,
			Preview:        ev.Row.Body,
		}
		if c, ok := s.conversations.Get(convID); ok {
			if sender, ok := c.Participant(ev.Row.SenderID); ok {
				note.SenderName = sender.DisplayName
			}
		}
		p.notify(note)
	}
	s.mu.Unlock()
	s.emit(p)
}

// refetchLocked schedules an asynchronous list refetch unless one is
// already running. Callers hold s.mu.
func (s *Session) refetchLocked() {
	if s.refreshing || s.ctx == nil {
		return
	}
	s.refreshing = true
	ctx := s.ctx
	go func() {
		defer func() {
			s.mu.Lock()
			s.refreshing = false
			s.mu.Unlock()
		}()
		rctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
		if err := s.Refresh(rctx); err != nil && !errors.Is(err, ErrSessionClosed) {
			s.logger.Warn("event-driven refresh failed", "error", err)
		}
	}()
}

func (s *Session) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
			if err := s.Refresh(rctx); err != nil && !errors.Is(err, ErrSessionClosed) && ctx.Err() == nil {
				s.logger.Warn("periodic refresh failed", "error", err)
			}
			cancel()
		}
	}
}

// Refresh refetches the conversation list and, if a conversation is open,
// its messages. Fetched data goes through the same idempotent merge as feed
// events.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	open := s.messages.ConversationID()
	seq := s.openSeq
	s.mu.Unlock()

	convs, err := s.api.Conversations(ctx)
	if err != nil {
		s.setErr(err)
		return fmt.Errorf("fetch conversations: %w", err)
	}
	var msgs []Message
	var msgErr error
	if open != "" {
		msgs, msgErr = s.api.Messages(ctx, open)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	var p pending
	s.conversations.ReplaceAll(convs)
	if cur := s.messages.ConversationID(); cur != "" {
		s.conversations.MarkRead(cur)
	}
	p.mark(ChangeConversations)
	if open != "" && msgErr == nil && seq == s.openSeq && s.messages.ConversationID() == open {
		if s.messages.Merge(msgs) {
			p.mark(ChangeMessages)
		}
	}
	s.lastErr = msgErr
	s.mu.Unlock()
	s.emit(p)

	if msgErr != nil {
		return fmt.Errorf("fetch messages %s: %w", open, msgErr)
	}
	return nil
}

// OpenConversation loads a conversation into the message pane and resets
// its unread count. On fetch failure the pane stays empty and the error is
// returned; the user may retry. Reopening the conversation already shown
// merges the fetch into the pane and keeps pending sends.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.openSeq++
	seq := s.openSeq
	if s.messages.ConversationID() != conversationID {
		s.messages.Load(conversationID, nil)
	}
	var p pending
	p.mark(ChangeMessages | ChangeDraft)
	if s.conversations.MarkRead(conversationID) {
		p.mark(ChangeConversations)
	}
	s.mu.Unlock()
	s.emit(p)

	msgs, err := s.api.Messages(ctx, conversationID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if seq != s.openSeq {
		// Another conversation was opened meanwhile.
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.lastErr = err
		s.mu.Unlock()
		s.emit(pending{change: ChangeMessages})
		return fmt.Errorf("fetch messages %s: %w", conversationID, err)
	}
	s.lastErr = nil
	s.messages.Merge(msgs)
	s.mu.Unlock()
	s.emit(pending{change: ChangeMessages})

	if marker, ok := s.api.(ReadMarker); ok {
		if err := marker.MarkRead(ctx, conversationID); err != nil {
			s.logger.Warn("mark read failed", "conversation_id", conversationID, "error", err)
		}
	}
	return nil
}

// CloseConversation empties the message pane.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	if s.closed || s.messages.ConversationID() == "" {
		s.mu.Unlock()
		return
	}
	s.openSeq++
	s.messages.Reset()
	s.mu.Unlock()
	s.emit(pending{change: ChangeMessages | ChangeDraft})
}

// ── Snapshots ─────────────────────────────────────────────

// Conversations returns the conversation list, most recent first.
func (s *Session) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations.List()
}

// Conversation returns one conversation of the list.
func (s *Session) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations.Get(id)
}

// FindConversation returns the conversation whose participant set is exactly
// ids, in any order.
func (s *Session) FindConversation(ids ...string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations.FindByParticipants(ids...)
}

// Messages returns the messages of the open conversation.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.Messages()
}

// OpenConversationID returns the conversation loaded in the message pane.
func (s *Session) OpenConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.ConversationID()
}

// UnreadTotal sums unread counts over all conversations.
func (s *Session) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations.TotalUnread()
}

// LastError returns the most recent fetch error, or nil after a successful
// fetch. Views use it to render an empty state with a retry action.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) conversationsLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations.Len()
}
