package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ecclesia-hub/dmsync"
)

type fakeFinder struct {
	convs     []dmsync.Conversation
	refreshed int
}

func (f *fakeFinder) FindConversation(ids ...string) (dmsync.Conversation, bool) {
	for _, c := range f.convs {
		_, a := c.Participant(ids[0])
		_, b := c.Participant(ids[1])
		if a && b && len(c.Participants) == len(ids) {
			return c, true
		}
	}
	return dmsync.Conversation{}, false
}

func (f *fakeFinder) Refresh(context.Context) error {
	f.refreshed++
	return nil
}

type readOnlyAPI struct{}

func (readOnlyAPI) Conversations(context.Context) ([]dmsync.Conversation, error) { return nil, nil }
func (readOnlyAPI) Messages(context.Context, string) ([]dmsync.Message, error) { return nil, nil }
func (readOnlyAPI) SendMessage(context.Context, string, string) (dmsync.Message, error) {
	return dmsync.Message{}, nil
}

type startingAPI struct {
	readOnlyAPI
	started []string
	err     error
}

func (a *startingAPI) StartConversation(_ context.Context, others ...string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.started = append(a.started, others...)
	return "c-new", nil
}

func TestResolveConversation(t *testing.T) {
	ctx := context.Background()
	existing := dmsync.Conversation{ID: "c1", Participants: []dmsync.Participant{{ID: "me"}, {ID: "ana"}}}

	t.Run("plain id", func(t *testing.T) {
		id, err := resolveConversation(ctx, &fakeFinder{}, readOnlyAPI{}, "me", "c9")
		if err != nil || id != "c9" {
			t.Fatalf("got %q, %v", id, err)
		}
	})

	t.Run("existing conversation", func(t *testing.T) {
		api := &startingAPI{}
		id, err := resolveConversation(ctx, &fakeFinder{convs: []dmsync.Conversation{existing}}, api, "me", "@ana")
		if err != nil || id != "c1" {
			t.Fatalf("got %q, %v", id, err)
		}
		if len(api.started) != 0 {
			t.Fatal("existing conversation must not be recreated")
		}
	})

	t.Run("source without create", func(t *testing.T) {
		_, err := resolveConversation(ctx, &fakeFinder{}, readOnlyAPI{}, "me", "@bia")
		if err == nil || !strings.Contains(err.Error(), "no conversation with bia") {
			t.Fatalf("unexpected error %v", err)
		}
	})

	t.Run("creates and refreshes", func(t *testing.T) {
		finder := &fakeFinder{}
		api := &startingAPI{}
		id, err := resolveConversation(ctx, finder, api, "me", "@bia")
		if err != nil || id != "c-new" {
			t.Fatalf("got %q, %v", id, err)
		}
		if len(api.started) != 1 || api.started[0] != "bia" {
			t.Fatalf("unexpected participants %v", api.started)
		}
		if finder.refreshed != 1 {
			t.Fatal("list should be refreshed after creating")
		}
	})

	t.Run("create failure", func(t *testing.T) {
		api := &startingAPI{err: errors.New("denied")}
		if _, err := resolveConversation(ctx, &fakeFinder{}, api, "me", "@bia"); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("invalid user", func(t *testing.T) {
		for _, arg := range []string{"@", "@me"} {
			if _, err := resolveConversation(ctx, &fakeFinder{}, &startingAPI{}, "me", arg); err == nil {
				t.Fatalf("%q should be rejected", arg)
			}
		}
	})
}

type recordingPublisher struct {
	events []dmsync.ChangeEvent
}

func (p *recordingPublisher) PublishEvent(_ context.Context, ev dmsync.ChangeEvent) error {
	p.events = append(p.events, ev)
	return nil
}

func TestRelayEvent(t *testing.T) {
	pub := &recordingPublisher{}
	routed := dmsync.ChangeEvent{Kind: dmsync.EventInsert, Row: dmsync.Message{ID: "m1", ConversationID: "c1"}, Participants: []string{"u1", "u2"}}
	if err := relayEvent(context.Background(), pub, routed); err != nil {
		t.Fatal(err)
	}
	if err := relayEvent(context.Background(), pub, dmsync.ChangeEvent{Kind: dmsync.EventInsert, Row: dmsync.Message{ID: "m2", ConversationID: "c1"}}); err != nil {
		t.Fatal(err)
	}
	if len(pub.events) != 1 || pub.events[0].MessageID() != "m1" {
		t.Fatalf("unexpected relayed events %+v", pub.events)
	}
}
