package dmsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic response envelope of the messaging API.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Conversations & Messages
// ============================================================================

// Participant is a member of a conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Conversation is one entry of the signed-in user's conversation list.
type Conversation struct {
	ID            string        `json:"id"`
	LastMessageAt time.Time     `json:"lastMessageAt"`
	LastMessageID string        `json:"lastMessageId,omitempty"`
	Preview       string        `json:"preview"`
	UnreadCount   int           `json:"unreadCount"`
	Participants  []Participant `json:"participants"`
}

// Participant returns the participant with the given id.
func (c Conversation) Participant(id string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// Counterpart returns the first participant that is not self.
func (c Conversation) Counterpart(self string) Participant {
	for _, p := range c.Participants {
		if p.ID != self {
			return p
		}
	}
	return Participant{}
}

func (c Conversation) clone() Conversation {
	c.Participants = append([]Participant(nil), c.Participants...)
	return c
}

// MessageStatus is the delivery status of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Message is a single direct message.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Body           string        `json:"body"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         MessageStatus `json:"status"`
}

// TempIDPrefix marks identifiers fabricated locally for optimistic sends.
const TempIDPrefix = "tmp-"

// IsProvisional reports whether the message has not been confirmed by the server yet.
func (m Message) IsProvisional() bool {
	return m.Status == StatusPending || strings.HasPrefix(m.ID, TempIDPrefix)
}

// ============================================================================
// Change Events
// ============================================================================

// EventKind is the row operation a change event describes.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// DefaultTable is the messaging table the change feed is scoped to.
const DefaultTable = "direct_messages"

// ChangeEvent is a row-level change notification from the change feed.
type ChangeEvent struct {
	Kind         EventKind `json:"eventKind"`
	Table        string    `json:"table,omitempty"`
	Row          Message   `json:"row"`
	Old          *Message  `json:"old,omitempty"`
	Participants []string  `json:"participants,omitempty"`
}

// ConversationID returns the conversation the event belongs to.
func (e ChangeEvent) ConversationID() string {
	if e.Row.ConversationID == "" && e.Old != nil {
		return e.Old.ConversationID
	}
	return e.Row.ConversationID
}

// MessageID returns the id of the affected row.
func (e ChangeEvent) MessageID() string {
	if e.Row.ID == "" && e.Old != nil {
		return e.Old.ID
	}
	return e.Row.ID
}

// Inbound reports whether the event was authored by someone other than self.
func (e ChangeEvent) Inbound(self string) bool {
	return e.Row.SenderID != "" && e.Row.SenderID != self
}

// wireEvent accepts both camelCase and snake_case row fields, since database
// triggers usually emit column names as-is.
type wireEvent struct {
	Kind         string          `json:"eventKind"`
	Type         string          `json:"type"`
	Table        string          `json:"table"`
	Row          json.RawMessage `json:"row"`
	Record       json.RawMessage `json:"record"`
	Old          json.RawMessage `json:"old"`
	OldRecord    json.RawMessage `json:"old_record"`
	Participants []string        `json:"participants"`
}

type wireRow struct {
	ID                  string `json:"id"`
	ConversationID      string `json:"conversationId"`
	ConversationIDSnake string `json:"conversation_id"`
	SenderID            string `json:"senderId"`
	SenderIDSnake       string `json:"sender_id"`
	Body                string `json:"body"`
	Content             string `json:"content"`
	CreatedAt           string `json:"createdAt"`
	CreatedAtSnake      string `json:"created_at"`
	Status              string `json:"status"`
}

func (w wireRow) message() Message {
	m := Message{
		ID:             w.ID,
		ConversationID: firstNonEmpty(w.ConversationID, w.ConversationIDSnake),
		SenderID:       firstNonEmpty(w.SenderID, w.SenderIDSnake),
		Body:           firstNonEmpty(w.Body, w.Content),
		Status:         MessageStatus(w.Status),
	}
	if ts := firstNonEmpty(w.CreatedAt, w.CreatedAtSnake); ts != "" {
		if t, err := parseTimestamp(ts); err == nil {
			m.CreatedAt = t
		}
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	return m
}

// DecodeChangeEvent parses a change-feed payload of the shape
// {"eventKind": "INSERT", "row": {...}, "old": {...}}.
func DecodeChangeEvent(data []byte) (ChangeEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	kind := EventKind(strings.ToUpper(firstNonEmpty(w.Kind, w.Type)))
	switch kind {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return ChangeEvent{}, fmt.Errorf("decode change event: unknown event kind %q", kind)
	}

	ev := ChangeEvent{Kind: kind, Table: w.Table, Participants: w.Participants}
	if raw := firstRaw(w.Row, w.Record); raw != nil {
		var row wireRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return ChangeEvent{}, fmt.Errorf("decode change event row: %w", err)
		}
		ev.Row = row.message()
	}
	if raw := firstRaw(w.Old, w.OldRecord); raw != nil {
		var row wireRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return ChangeEvent{}, fmt.Errorf("decode change event old row: %w", err)
		}
		old := row.message()
		ev.Old = &old
	}
	if ev.MessageID() == "" || ev.ConversationID() == "" {
		return ChangeEvent{}, fmt.Errorf("decode change event: row id and conversation id are required")
	}
	return ev, nil
}

// Scope restricts feed delivery to events relevant to one user.
type Scope struct {
	Table  string
	UserID string
}

// Match reports whether ev belongs to the scope. Events without a participant
// list are assumed to be filtered by the transport already.
func (s Scope) Match(ev ChangeEvent) bool {
	if s.Table != "" && ev.Table != "" && ev.Table != s.Table {
		return false
	}
	if s.UserID == "" || len(ev.Participants) == 0 {
		return true
	}
	for _, p := range ev.Participants {
		if p == s.UserID {
			return true
		}
	}
	return false
}

// ============================================================================
// Helpers
// ============================================================================

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	// Postgres text output: "2026-01-02 15:04:05.999999+00"
	return time.Parse("2006-01-02 15:04:05.999999-07", s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstRaw(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		if len(v) > 0 && string(v) != "null" {
			return v
		}
	}
	return nil
}
