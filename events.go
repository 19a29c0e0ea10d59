package dmsync

import (
	"sync"
)

// NotificationKind distinguishes passive notifications raised by a Session.
type NotificationKind string

const (
	// NotifyMessage is raised for an inbound message in a conversation that
	// is not open.
	NotifyMessage NotificationKind = "message"
	// NotifySendFailed is raised when an optimistic send was rolled back.
	NotifySendFailed NotificationKind = "send.failed"
)

// Notification is a transient, toast-style notice. Failing to display one is
// never an error.
type Notification struct {
	Kind           NotificationKind
	ConversationID string
	MessageID      string
	SenderID       string
	SenderName     string
	Preview        string
	Err            error
}

// Change is a bit set of the view parts a mutation touched.
type Change uint8

const (
	ChangeConversations Change = 1 << iota
	ChangeMessages
	ChangeDraft
)

// Has reports whether c includes part.
func (c Change) Has(part Change) bool { return c&part != 0 }

// sessionEmitter holds view callbacks. Handlers run synchronously and never
// while the session lock is held; panics are swallowed.
type sessionEmitter struct {
	mu       sync.RWMutex
	onNotify []func(Notification)
	onChange []func(Change)
}

// OnNotification registers a handler for passive notifications.
func (e *sessionEmitter) OnNotification(h func(Notification)) {
	e.mu.Lock()
	e.onNotify = append(e.onNotify, h)
	e.mu.Unlock()
}

// OnChange registers a handler called after every state mutation.
func (e *sessionEmitter) OnChange(h func(Change)) {
	e.mu.Lock()
	e.onChange = append(e.onChange, h)
	e.mu.Unlock()
}

func (e *sessionEmitter) emit(p pending) {
	if p.change == 0 && len(p.notes) == 0 {
		return
	}
	e.mu.RLock()
	notify := append([]func(Notification){}, e.onNotify...)
	change := append([]func(Change){}, e.onChange...)
	e.mu.RUnlock()

	for _, n := range p.notes {
		for _, h := range notify {
			safeCall(func() { h(n) })
		}
	}
	if p.change != 0 {
		for _, h := range change {
			safeCall(func() { h(p.change) })
		}
	}
}

func (e *sessionEmitter) removeAll() {
	e.mu.Lock()
	e.onNotify = nil
	e.onChange = nil
	e.mu.Unlock()
}

// pending collects what to emit once the session lock is released.
type pending struct {
	change Change
	notes  []Notification
}

func (p *pending) mark(c Change) { p.change |= c }

func (p *pending) notify(n Notification) { p.notes = append(p.notes, n) }

func safeCall(fn func()) {
	defer func() { recover() }()
	fn()
}
