package dmsync

import (
	"context"
	"errors"
	"sync"
)

// ============================================================================
// Change-Feed Listener
// ============================================================================

// Feed is a push channel of row-level change events.
type Feed interface {
	// Subscribe starts delivering events matching scope to onEvent until the
	// returned subscription is released or ctx is done.
	Subscribe(ctx context.Context, scope Scope, onEvent func(ChangeEvent)) (Subscription, error)
}

// Subscription is a handle to an active feed subscription.
type Subscription interface {
	Unsubscribe() error
}

// SubscriptionFunc adapts a release function to Subscription.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Unsubscribe() error { return f() }

// FeedFunc adapts a function to Feed.
type FeedFunc func(ctx context.Context, scope Scope, onEvent func(ChangeEvent)) (Subscription, error)

func (f FeedFunc) Subscribe(ctx context.Context, scope Scope, onEvent func(ChangeEvent)) (Subscription, error) {
	return f(ctx, scope, onEvent)
}

// ErrNoFeed is returned when a session is started without a feed.
var ErrNoFeed = errors.New("dmsync: no change feed configured")

// onceSubscription releases the wrapped subscription at most once.
type onceSubscription struct {
	once sync.Once
	sub  Subscription
	err  error
}

func releaseOnce(sub Subscription) *onceSubscription {
	return &onceSubscription{sub: sub}
}

func (o *onceSubscription) Unsubscribe() error {
	o.once.Do(func() {
		if o.sub != nil {
			o.err = o.sub.Unsubscribe()
		}
	})
	return o.err
}

// ============================================================================
// Hub
// ============================================================================

// Hub fans events out to scoped subscribers. Transports that receive the
// events of many users (webhooks, Kafka, Redis, LISTEN/NOTIFY) publish into a
// Hub and expose it as their Feed.
type Hub struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]hubSubscriber
}

type hubSubscriber struct {
	scope   Scope
	onEvent func(ChangeEvent)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]hubSubscriber)}
}

// Subscribe registers onEvent for events matching scope.
func (h *Hub) Subscribe(ctx context.Context, scope Scope, onEvent func(ChangeEvent)) (Subscription, error) {
	if onEvent == nil {
		return nil, errors.New("dmsync: onEvent is required")
	}
	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = hubSubscriber{scope: scope, onEvent: onEvent}
	h.mu.Unlock()

	remove := func() error {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		return nil
	}
	sub := releaseOnce(SubscriptionFunc(remove))
	if ctx != nil {
		stop := context.AfterFunc(ctx, func() { sub.Unsubscribe() })
		return SubscriptionFunc(func() error {
			stop()
			return sub.Unsubscribe()
		}), nil
	}
	return sub, nil
}

// Publish delivers ev to every matching subscriber and returns how many
// received it. Subscriber panics are recovered.
func (h *Hub) Publish(ev ChangeEvent) int {
	h.mu.RLock()
	targets := make([]func(ChangeEvent), 0, len(h.subs))
	for _, s := range h.subs {
		if s.scope.Match(ev) {
			targets = append(targets, s.onEvent)
		}
	}
	h.mu.RUnlock()

	for _, fn := range targets {
		func() {
			defer func() { recover() }()
			fn(ev)
		}()
	}
	return len(targets)
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
