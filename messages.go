package dmsync

import (
	"sort"
)

// MessageStore holds the message sequence of the open conversation in
// timestamp order. It is not safe for concurrent use; a Session serializes
// access to it.
type MessageStore struct {
	conversationID string
	items          []Message
}

// NewMessageStore creates an empty store with no conversation loaded.
func NewMessageStore() *MessageStore {
	return &MessageStore{}
}

// Load replaces the contents with the fetched messages of a conversation.
func (s *MessageStore) Load(conversationID string, messages []Message) {
	s.conversationID = conversationID
	s.items = make([]Message, 0, len(messages))
	seen := make(map[string]struct{}, len(messages))
	for _, m := range messages {
		if _, dup := seen[m.ID]; dup || m.ID == "" {
			continue
		}
		seen[m.ID] = struct{}{}
		s.items = append(s.items, m)
	}
	sort.SliceStable(s.items, func(i, j int) bool {
		return s.items[i].CreatedAt.Before(s.items[j].CreatedAt)
	})
}

// Reset unloads the current conversation.
func (s *MessageStore) Reset() {
	s.conversationID = ""
	s.items = nil
}

// ConversationID returns the loaded conversation, or "" when none is open.
func (s *MessageStore) ConversationID() string { return s.conversationID }

// Len returns the number of messages.
func (s *MessageStore) Len() int { return len(s.items) }

// Messages returns a copy of the sequence.
func (s *MessageStore) Messages() []Message {
	return append([]Message(nil), s.items...)
}

// Index returns the position of the message with the given id, or -1.
func (s *MessageStore) Index(id string) int {
	for i, m := range s.items {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Get returns the message with the given id.
func (s *MessageStore) Get(id string) (Message, bool) {
	if i := s.Index(id); i >= 0 {
		return s.items[i], true
	}
	return Message{}, false
}

// Append inserts m in timestamp order. Appending an id that is already
// present is a no-op; the return value reports whether m was inserted.
func (s *MessageStore) Append(m Message) bool {
	if m.ID == "" || s.Index(m.ID) >= 0 {
		return false
	}
	pos := sort.Search(len(s.items), func(i int) bool {
		return s.items[i].CreatedAt.After(m.CreatedAt)
	})
	s.items = append(s.items, Message{})
	copy(s.items[pos+1:], s.items[pos:])
	s.items[pos] = m
	return true
}

// Reconcile replaces the provisional entry tempID with the confirmed server
// message, keeping its position. A copy of the server message that already
// arrived through the change feed is dropped so the durable id appears once.
func (s *MessageStore) Reconcile(tempID string, server Message) bool {
	i := s.Index(tempID)
	if i < 0 {
		return false
	}
	if server.Status == "" || server.Status == StatusPending {
		server.Status = StatusSent
	}
	if j := s.Index(server.ID); j >= 0 && j != i {
		if s.items[j].Status.rank() > server.Status.rank() {
			server.Status = s.items[j].Status
		}
		s.items = append(s.items[:j], s.items[j+1:]...)
		if j < i {
			i--
		}
	}
	if server.ConversationID == "" {
		server.ConversationID = s.items[i].ConversationID
	}
	s.items[i] = server
	return true
}

// Rollback removes the provisional entry tempID.
func (s *MessageStore) Rollback(tempID string) bool {
	i := s.Index(tempID)
	if i < 0 {
		return false
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return true
}

// Update applies an edit or status change in place. Status never moves
// backwards (read stays read when a stale "sent" row is replayed).
func (s *MessageStore) Update(m Message) bool {
	i := s.Index(m.ID)
	if i < 0 {
		return false
	}
	cur := &s.items[i]
	changed := false
	if m.Body != "" && m.Body != cur.Body {
		cur.Body = m.Body
		changed = true
	}
	if m.Status.rank() > cur.Status.rank() {
		cur.Status = m.Status
		changed = true
	}
	return changed
}

// Remove deletes the message with the given id.
func (s *MessageStore) Remove(id string) bool {
	return s.Rollback(id)
}

// Merge folds a refetched sequence into the store: unknown messages are
// appended, known ones updated. It reports whether anything changed.
func (s *MessageStore) Merge(messages []Message) bool {
	changed := false
	for _, m := range messages {
		if s.Append(m) {
			changed = true
			continue
		}
		if s.Update(m) {
			changed = true
		}
	}
	return changed
}
