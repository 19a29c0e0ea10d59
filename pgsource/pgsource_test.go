package pgsource

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ecclesia-hub/dmsync"
)

func TestNormalizeDSN(t *testing.T) {
	cases := map[string]string{
		"postgresql+asyncpg://u:p@h/db": "postgresql://u:p@h/db",
		"postgres+pgx://u:p@h/db":       "postgres://u:p@h/db",
		"  postgres://u:p@h/db  ":       "postgres://u:p@h/db",
	}
	for in, want := range cases {
		if got := normalizeDSN(in); got != want {
			t.Errorf("normalizeDSN(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParticipantsKey(t *testing.T) {
	if got := ParticipantsKey("u2", "u1", "u2"); got != "u1,u2" {
		t.Fatalf("unexpected key %q", got)
	}
	if ParticipantsKey("a", "b") != ParticipantsKey("b", "a") {
		t.Fatal("key must not depend on order")
	}
}

func TestNotifyFeedHandleNotification(t *testing.T) {
	f := NewNotifyFeed(nil, "", nil)

	var got []dmsync.ChangeEvent
	sub, err := f.Subscribe(context.Background(), dmsync.Scope{Table: dmsync.DefaultTable, UserID: "u1"}, func(ev dmsync.ChangeEvent) {
		got = append(got, ev)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	payload := `{"type":"INSERT","table":"direct_messages",
		"record":{"id":"m1","conversation_id":"c1","sender_id":"u2","body":"Oi","status":"sent",
		          "created_at":"2026-03-01T10:00:00.123456+00:00"},
		"old_record":null,"participants":["u1","u2"]}`

	t.Run("matching channel", func(t *testing.T) {
		if err := f.handleNotification(context.Background(), &pgconn.Notification{Channel: DefaultChannel, Payload: payload}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 event, got %d", len(got))
		}
		if got[0].Row.ID != "m1" || got[0].Row.SenderID != "u2" || got[0].Row.CreatedAt.IsZero() {
			t.Fatalf("unexpected row: %+v", got[0].Row)
		}
	})

	t.Run("other channel ignored", func(t *testing.T) {
		got = nil
		f.handleNotification(context.Background(), &pgconn.Notification{Channel: "other", Payload: payload})
		if len(got) != 0 {
			t.Fatalf("expected no events, got %d", len(got))
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		if err := f.handleNotification(context.Background(), &pgconn.Notification{Channel: DefaultChannel, Payload: "{"}); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("delete uses old record", func(t *testing.T) {
		got = nil
		del := `{"type":"DELETE","table":"direct_messages","record":null,
			"old_record":{"id":"m1","conversation_id":"c1","sender_id":"u2","body":"Oi"},
			"participants":["u1","u2"]}`
		if err := f.handleNotification(context.Background(), &pgconn.Notification{Channel: DefaultChannel, Payload: del}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 1 || got[0].Kind != dmsync.EventDelete || got[0].MessageID() != "m1" {
			t.Fatalf("unexpected events: %+v", got)
		}
	})

	trimmed := `{"type":"INSERT","table":"direct_messages",
		"record":{"id":"m2","conversation_id":"c1","sender_id":"u2","body":"aaaa","status":"sent",
		          "created_at":"2026-03-01T10:00:00+00:00"},
		"old_record":null,"truncated":true,"participants":["u1","u2"]}`

	t.Run("trimmed body is refilled", func(t *testing.T) {
		got = nil
		var asked string
		f.loadBody = func(_ context.Context, id string) (string, error) {
			asked = id
			return "aaaaaaaa", nil
		}
		if err := f.handleNotification(context.Background(), &pgconn.Notification{Channel: DefaultChannel, Payload: trimmed}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if asked != "m2" {
			t.Fatalf("expected body lookup for m2, got %q", asked)
		}
		if len(got) != 1 || got[0].Row.Body != "aaaaaaaa" {
			t.Fatalf("unexpected events: %+v", got)
		}
	})

	t.Run("lookup failure keeps trimmed body", func(t *testing.T) {
		got = nil
		f.loadBody = func(context.Context, string) (string, error) { return "", errors.New("gone") }
		if err := f.handleNotification(context.Background(), &pgconn.Notification{Channel: DefaultChannel, Payload: trimmed}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 1 || got[0].Row.Body != "aaaa" {
			t.Fatalf("unexpected events: %+v", got)
		}
	})

	t.Run("untrimmed payload skips lookup", func(t *testing.T) {
		got = nil
		f.loadBody = func(context.Context, string) (string, error) {
			t.Fatal("unexpected body lookup")
			return "", nil
		}
		if err := f.handleNotification(context.Background(), &pgconn.Notification{Channel: DefaultChannel, Payload: payload}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 1 || got[0].Row.Body != "Oi" {
			t.Fatalf("unexpected events: %+v", got)
		}
	})
}
