package dmsync

import (
	"slices"
	"sort"
	"strings"
)

// seenLimit bounds how many applied message ids the conversation store
// remembers for duplicate suppression.
const seenLimit = 4096

// ApplyOutcome describes what ConversationStore.ApplyEvent did.
type ApplyOutcome struct {
	// Unknown is set when the event names a conversation missing from the
	// list. The caller is expected to refetch the whole list.
	Unknown bool
	// Applied is false for duplicates and for events older than the
	// conversation's current last message.
	Applied bool
	// Bumped is set for the first delivery of an inbound message to a
	// conversation other than the open one. For known conversations the
	// unread count was incremented; unknown ones get theirs from the refetch.
	Bumped bool
	// NeedsRefetch is set when the event invalidated the preview and the
	// event payload is not enough to rebuild it.
	NeedsRefetch bool
}

// ConversationStore holds the signed-in user's conversation list, sorted by
// most recent activity. It is not safe for concurrent use; a Session
// serializes access to it.
type ConversationStore struct {
	items []Conversation
	index map[string]int

	seen      map[string]struct{}
	seenOrder []string
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		index: make(map[string]int),
		seen:  make(map[string]struct{}),
	}
}

// ReplaceAll overwrites the list with the result of a full refetch.
// Entries with a repeated id or a repeated participant set are dropped.
func (s *ConversationStore) ReplaceAll(conversations []Conversation) {
	s.items = make([]Conversation, 0, len(conversations))
	ids := make(map[string]struct{}, len(conversations))
	keys := make(map[string]struct{}, len(conversations))
	for _, c := range conversations {
		if c.ID == "" {
			continue
		}
		if _, dup := ids[c.ID]; dup {
			continue
		}
		key := participantKey(c.Participants)
		if _, dup := keys[key]; dup && key != "" {
			continue
		}
		ids[c.ID] = struct{}{}
		keys[key] = struct{}{}
		c = c.clone()
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		s.items = append(s.items, c)
		if c.LastMessageID != "" {
			s.remember(c.LastMessageID)
		}
	}
	s.resort()
}

// Insert adds a conversation if neither its id nor its participant set is
// already present. It reports whether the entry was added.
func (s *ConversationStore) Insert(c Conversation) bool {
	if c.ID == "" {
		return false
	}
	if _, ok := s.index[c.ID]; ok {
		return false
	}
	if _, ok := s.FindByParticipants(participantIDs(c.Participants)...); ok {
		return false
	}
	c = c.clone()
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	s.items = append(s.items, c)
	s.resort()
	return true
}

// ApplyEvent applies one change event to the list. self is the signed-in
// user and openID the conversation currently shown in the message pane.
func (s *ConversationStore) ApplyEvent(ev ChangeEvent, self, openID string) ApplyOutcome {
	i, ok := s.index[ev.ConversationID()]
	if !ok {
		out := ApplyOutcome{Unknown: true}
		if ev.Kind == EventInsert && !s.hasSeen(ev.Row.ID) {
			s.remember(ev.Row.ID)
			out.Bumped = ev.Inbound(self) && ev.ConversationID() != openID
		}
		return out
	}
	c := &s.items[i]

	var out ApplyOutcome
	switch ev.Kind {
	case EventInsert:
		if s.hasSeen(ev.Row.ID) {
			return out
		}
		s.remember(ev.Row.ID)
		out.Applied = true
		if !ev.Row.CreatedAt.Before(c.LastMessageAt) {
			c.LastMessageAt = ev.Row.CreatedAt
			c.LastMessageID = ev.Row.ID
			c.Preview = ev.Row.Body
		}
		if ev.Inbound(self) && ev.ConversationID() != openID {
			c.UnreadCount++
			out.Bumped = true
		}
	case EventUpdate:
		if c.LastMessageID == ev.Row.ID && c.Preview != ev.Row.Body {
			c.Preview = ev.Row.Body
			out.Applied = true
		}
	case EventDelete:
		if c.LastMessageID == ev.MessageID() {
			out.Applied = true
			out.NeedsRefetch = true
		}
	}
	if out.Applied {
		s.resort()
	}
	return out
}

// MarkRead resets the unread count of a conversation.
func (s *ConversationStore) MarkRead(id string) bool {
	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.items[i].UnreadCount = 0
	return true
}

// Touch moves a locally sent message into the conversation preview and
// returns the previous entry so the change can be undone with Restore.
func (s *ConversationStore) Touch(m Message) (Conversation, bool) {
	i, ok := s.index[m.ConversationID]
	if !ok {
		return Conversation{}, false
	}
	prev := s.items[i].clone()
	s.items[i].LastMessageAt = m.CreatedAt
	s.items[i].LastMessageID = m.ID
	s.items[i].Preview = m.Body
	s.resort()
	return prev, true
}

// Promote swaps a provisional last-message id for the durable one.
func (s *ConversationStore) Promote(conversationID, tempID string, m Message) {
	i, ok := s.index[conversationID]
	if !ok {
		return
	}
	c := &s.items[i]
	if c.LastMessageID == tempID {
		s.remember(m.ID)
		c.LastMessageID = m.ID
		c.Preview = m.Body
		if !m.CreatedAt.IsZero() {
			c.LastMessageAt = m.CreatedAt
		}
		s.resort()
		return
	}
	// The provisional preview is gone (a refetch replaced the entry, or a
	// newer message arrived). Apply m like an own insert.
	if s.hasSeen(m.ID) {
		return
	}
	s.remember(m.ID)
	if m.CreatedAt.Before(c.LastMessageAt) {
		return
	}
	c.LastMessageAt = m.CreatedAt
	c.LastMessageID = m.ID
	c.Preview = m.Body
	s.resort()
}

// Restore undoes Touch, provided the preview still shows tempID. Unread
// counts changed since Touch are kept.
func (s *ConversationStore) Restore(prev Conversation, tempID string) {
	i, ok := s.index[prev.ID]
	if !ok {
		return
	}
	c := &s.items[i]
	if c.LastMessageID != tempID {
		return
	}
	c.LastMessageAt = prev.LastMessageAt
	c.LastMessageID = prev.LastMessageID
	c.Preview = prev.Preview
	s.resort()
}

// Get returns a copy of the conversation with the given id.
func (s *ConversationStore) Get(id string) (Conversation, bool) {
	i, ok := s.index[id]
	if !ok {
		return Conversation{}, false
	}
	return s.items[i].clone(), true
}

// FindByParticipants looks up a conversation by its participant set,
// regardless of order.
func (s *ConversationStore) FindByParticipants(ids ...string) (Conversation, bool) {
	key := idsKey(ids)
	if key == "" {
		return Conversation{}, false
	}
	for _, c := range s.items {
		if participantKey(c.Participants) == key {
			return c.clone(), true
		}
	}
	return Conversation{}, false
}

// List returns a copy of the list, most recent first.
func (s *ConversationStore) List() []Conversation {
	out := make([]Conversation, len(s.items))
	for i, c := range s.items {
		out[i] = c.clone()
	}
	return out
}

// Len returns the number of conversations.
func (s *ConversationStore) Len() int { return len(s.items) }

// TotalUnread sums the unread counts of all conversations.
func (s *ConversationStore) TotalUnread() int {
	n := 0
	for _, c := range s.items {
		n += c.UnreadCount
	}
	return n
}

func (s *ConversationStore) resort() {
	sort.SliceStable(s.items, func(i, j int) bool {
		a, b := s.items[i], s.items[j]
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		return a.ID < b.ID
	})
	clear(s.index)
	for i, c := range s.items {
		s.index[c.ID] = i
	}
}

func (s *ConversationStore) hasSeen(id string) bool {
	_, ok := s.seen[id]
	return ok
}

func (s *ConversationStore) remember(id string) {
	if id == "" || s.hasSeen(id) {
		return
	}
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > seenLimit {
		drop := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, drop)
	}
}

func participantIDs(ps []Participant) []string {
	ids := make([]string, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.ID)
	}
	return ids
}

func participantKey(ps []Participant) string {
	return idsKey(participantIDs(ps))
}

func idsKey(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return strings.Join(slices.Compact(sorted), "\x00")
}
