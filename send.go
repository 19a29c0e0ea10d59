package dmsync

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ============================================================================
// Optimistic Send Coordinator
// ============================================================================

// SendState is the lifecycle state of an outgoing message.
type SendState uint8

const (
	SendComposing SendState = iota
	SendPending
	SendConfirmed
	SendFailed
)

func (s SendState) String() string {
	switch s {
	case SendComposing:
		return "composing"
	case SendPending:
		return "pending"
	case SendConfirmed:
		return "confirmed"
	case SendFailed:
		return "failed"
	}
	return "unknown"
}

// CanTransition reports whether moving from s to next is legal:
// composing -> pending -> {confirmed | failed}.
func (s SendState) CanTransition(next SendState) bool {
	switch s {
	case SendComposing:
		return next == SendPending
	case SendPending:
		return next == SendConfirmed || next == SendFailed
	}
	return false
}

// Terminal reports whether s is confirmed or failed.
func (s SendState) Terminal() bool {
	return s == SendConfirmed || s == SendFailed
}

// errNoMessageID is returned when the server confirms a send without an id.
var errNoMessageID = errors.New("dmsync: send confirmed without message id")

// Outgoing tracks one optimistic send.
type Outgoing struct {
	ConversationID string
	TempID         string
	Body           string

	// draft is the untrimmed composer content, restored on failure.
	draft     string
	fromDraft bool

	mu      sync.Mutex
	state   SendState
	message Message
	err     error
	done    chan struct{}
}

func newOutgoing(conversationID, body, draft string, fromDraft bool) *Outgoing {
	return &Outgoing{
		ConversationID: conversationID,
		Body:           body,
		draft:          draft,
		fromDraft:      fromDraft,
		state:          SendComposing,
		done:           make(chan struct{}),
	}
}

func (o *Outgoing) transition(next SendState) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.CanTransition(next) {
		return false
	}
	o.state = next
	if next.Terminal() {
		close(o.done)
	}
	return true
}

func (o *Outgoing) confirm(m Message) {
	o.mu.Lock()
	o.message = m
	o.mu.Unlock()
	o.transition(SendConfirmed)
}

func (o *Outgoing) fail(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
	o.transition(SendFailed)
}

// State returns the current state.
func (o *Outgoing) State() SendState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Message returns the server message once confirmed.
func (o *Outgoing) Message() (Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.message, o.state == SendConfirmed
}

// Err returns the send error once failed.
func (o *Outgoing) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Done is closed when the send is confirmed or failed.
func (o *Outgoing) Done() <-chan struct{} { return o.done }

// Wait blocks until the send resolves or ctx ends.
func (o *Outgoing) Wait(ctx context.Context) (Message, error) {
	select {
	case <-o.done:
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.message, o.err
}

// ── Composer ──────────────────────────────────────────────

// Composer is the text input of the open conversation. Drafts are kept per
// conversation.
type Composer struct {
	s *Session
}

// Composer returns the session's composer.
func (s *Session) Composer() *Composer { return &Composer{s: s} }

// SetDraft replaces the draft of the open conversation.
func (c *Composer) SetDraft(text string) error {
	s := c.s
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	conv := s.messages.ConversationID()
	if conv == "" {
		s.mu.Unlock()
		return ErrNoConversation
	}
	if text == "" {
		delete(s.drafts, conv)
	} else {
		s.drafts[conv] = text
	}
	s.mu.Unlock()
	s.emit(pending{change: ChangeDraft})
	return nil
}

// Draft returns the draft of the open conversation.
func (c *Composer) Draft() string {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[s.messages.ConversationID()]
}

// Submit sends the draft optimistically. A draft that is empty after
// trimming is a no-op and returns (nil, nil).
func (c *Composer) Submit(ctx context.Context) (*Outgoing, error) {
	return c.s.submit(ctx, "", true)
}

// Send sends body to the open conversation optimistically, bypassing the
// composer draft. Empty bodies are a no-op and return (nil, nil).
func (s *Session) Send(ctx context.Context, body string) (*Outgoing, error) {
	return s.submit(ctx, body, false)
}

func (s *Session) submit(ctx context.Context, body string, fromDraft bool) (*Outgoing, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	conv := s.messages.ConversationID()
	if conv == "" {
		s.mu.Unlock()
		return nil, ErrNoConversation
	}
	if fromDraft {
		body = s.drafts[conv]
	}
	text := strings.TrimSpace(body)
	if text == "" {
		s.mu.Unlock()
		return nil, nil
	}

	o := newOutgoing(conv, text, body, fromDraft)
	o.TempID = TempIDPrefix + uuid.NewString()
	provisional := Message{
		ID:             o.TempID,
		ConversationID: conv,
		SenderID:       s.self,
		Body:           text,
		CreatedAt:      s.now(),
		Status:         StatusPending,
	}
	o.transition(SendPending)

	var p pending
	s.messages.Append(provisional)
	p.mark(ChangeMessages)
	prev, touched := s.conversations.Touch(provisional)
	if touched {
		p.mark(ChangeConversations)
	}
	if fromDraft {
		delete(s.drafts, conv)
		p.mark(ChangeDraft)
	}
	s.mu.Unlock()
	s.emit(p)

	go s.deliver(ctx, o, provisional, prev, touched)
	return o, nil
}

// deliver issues the real send and resolves the optimistic entry.
func (s *Session) deliver(ctx context.Context, o *Outgoing, provisional Message, prev Conversation, touched bool) {
	msg, err := s.api.SendMessage(ctx, o.ConversationID, o.Body)
	if err == nil && msg.ID == "" {
		err = errNoMessageID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if err != nil {
			o.fail(err)
		} else {
			o.confirm(msg)
		}
		return
	}

	var p pending
	if err != nil {
		if s.messages.ConversationID() == o.ConversationID && s.messages.Rollback(o.TempID) {
			p.mark(ChangeMessages)
		}
		if touched {
			s.conversations.Restore(prev, o.TempID)
			p.mark(ChangeConversations)
		}
		if o.fromDraft && s.drafts[o.ConversationID] == "" {
			s.drafts[o.ConversationID] = o.draft
			p.mark(ChangeDraft)
		}
		p.notify(Notification{
			Kind:           NotifySendFailed,
			ConversationID: o.ConversationID,
			MessageID:      o.TempID,
			SenderID:       s.self,
			Preview:        o.Body,
			Err:            err,
		})
		s.logger.Warn("send failed, rolled back", "conversation_id", o.ConversationID, "temp_id", o.TempID, "error", err)
		s.mu.Unlock()
		o.fail(err)
		s.emit(p)
		return
	}

	if msg.ConversationID == "" {
		msg.ConversationID = o.ConversationID
	}
	if msg.SenderID == "" {
		msg.SenderID = s.self
	}
	if msg.Body == "" {
		msg.Body = o.Body
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = provisional.CreatedAt
	}
	if msg.Status == "" || msg.Status == StatusPending {
		msg.Status = StatusSent
	}
	if s.messages.ConversationID() == o.ConversationID && s.messages.Reconcile(o.TempID, msg) {
		p.mark(ChangeMessages)
	}
	s.conversations.Promote(o.ConversationID, o.TempID, msg)
	p.mark(ChangeConversations)
	s.mu.Unlock()
	o.confirm(msg)
	s.emit(p)
}
