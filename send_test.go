package dmsync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSendStateTransitions(t *testing.T) {
	tests := []struct {
		from, to SendState
		want     bool
	}{
		{SendComposing, SendPending, true},
		{SendComposing, SendConfirmed, false},
		{SendPending, SendConfirmed, true},
		{SendPending, SendFailed, true},
		{SendPending, SendComposing, false},
		{SendConfirmed, SendFailed, false},
		{SendFailed, SendPending, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Fatalf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}
	if !SendConfirmed.Terminal() || !SendFailed.Terminal() || SendPending.Terminal() {
		t.Fatal("unexpected Terminal result")
	}
}

func openedSession(t *testing.T, api *stubAPI) (*Session, *countingFeed, *recorder) {
	t.Helper()
	s, feed, rec := startSession(t, api)
	if err := s.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, feed, rec
}

func waitOutgoing(t *testing.T, o *Outgoing) (Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := o.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("send did not resolve")
	}
	return m, err
}

func TestComposerSubmitConfirmed(t *testing.T) {
	api := newStubAPI()
	api.gate = make(chan struct{})
	s, feed, _ := openedSession(t, api)
	composer := s.Composer()

	if err := composer.SetDraft("Oi"); err != nil {
		t.Fatalf("set draft: %v", err)
	}
	out, err := composer.Submit(context.Background())
	if err != nil || out == nil {
		t.Fatalf("submit: %v", err)
	}
	if out.State() != SendPending || !strings.HasPrefix(out.TempID, TempIDPrefix) {
		t.Fatalf("unexpected outgoing %+v", out)
	}
	if composer.Draft() != "" {
		t.Fatal("draft should be cleared on submit")
	}

	msgs := s.Messages()
	last := msgs[len(msgs)-1]
	if last.ID != out.TempID || last.Status != StatusPending || last.SenderID != "me" || last.Body != "Oi" {
		t.Fatalf("unexpected provisional message %+v", last)
	}
	if top := s.Conversations()[0]; top.ID != "c1" || top.Preview != "Oi" {
		t.Fatalf("provisional message did not move c1 up: %+v", top)
	}

	// The feed echo of our own message arrives before the send returns.
	feed.Publish(ChangeEvent{Kind: EventInsert, Row: Message{ID: "m-42", ConversationID: "c1", SenderID: "me", Body: "Oi", CreatedAt: t0.Add(time.Hour)}})
	close(api.gate)

	m, err := waitOutgoing(t, out)
	if err != nil || m.ID != "m-42" {
		t.Fatalf("unexpected result %+v, %v", m, err)
	}
	if out.State() != SendConfirmed {
		t.Fatalf("unexpected state %s", out.State())
	}

	count := 0
	for _, msg := range s.Messages() {
		if msg.ID == "m-42" {
			count++
		}
		if msg.IsProvisional() {
			t.Fatalf("provisional message left behind: %+v", msg)
		}
	}
	if count != 1 {
		t.Fatalf("expected m-42 once, found %d times", count)
	}
	if c, _ := s.Conversation("c1"); c.LastMessageID != "m-42" || c.UnreadCount != 0 {
		t.Fatalf("unexpected conversation %+v", c)
	}
}

func TestComposerSubmitFailed(t *testing.T) {
	api := newStubAPI()
	api.sendErr = errors.New("network down")
	s, _, rec := openedSession(t, api)
	before, _ := s.Conversation("c1")
	composer := s.Composer()

	composer.SetDraft("Oi")
	out, err := composer.Submit(context.Background())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := waitOutgoing(t, out); err == nil {
		t.Fatal("expected the send to fail")
	}
	if out.State() != SendFailed || out.Err() == nil {
		t.Fatalf("unexpected state %s", out.State())
	}

	if msgs := s.Messages(); len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("provisional message not rolled back: %+v", msgs)
	}
	if composer.Draft() != "Oi" {
		t.Fatalf("draft not restored, got %q", composer.Draft())
	}
	if c, _ := s.Conversation("c1"); c.Preview != before.Preview || !c.LastMessageAt.Equal(before.LastMessageAt) {
		t.Fatalf("conversation not restored: %+v", c)
	}

	eventually(t, "failure notification", func() bool {
		for _, n := range rec.notifications() {
			if n.Kind == NotifySendFailed && n.MessageID == out.TempID && n.Err != nil {
				return true
			}
		}
		return false
	})
}

func TestComposerEdgeCases(t *testing.T) {
	t.Run("empty draft is a no-op", func(t *testing.T) {
		api := newStubAPI()
		s, _, _ := openedSession(t, api)
		s.Composer().SetDraft("   \n")
		out, err := s.Composer().Submit(context.Background())
		if out != nil || err != nil {
			t.Fatalf("expected (nil, nil), got (%v, %v)", out, err)
		}
		if len(s.Messages()) != 1 || len(api.sent) != 0 {
			t.Fatal("nothing should be sent")
		}
	})

	t.Run("no open conversation", func(t *testing.T) {
		s, _, _ := startSession(t, newStubAPI())
		if err := s.Composer().SetDraft("Oi"); !errors.Is(err, ErrNoConversation) {
			t.Fatalf("expected ErrNoConversation, got %v", err)
		}
		if _, err := s.Send(context.Background(), "Oi"); !errors.Is(err, ErrNoConversation) {
			t.Fatalf("expected ErrNoConversation, got %v", err)
		}
	})

	t.Run("drafts are kept per conversation", func(t *testing.T) {
		s, _, _ := openedSession(t, newStubAPI())
		s.Composer().SetDraft("para Ana")
		s.OpenConversation(context.Background(), "c2")
		if s.Composer().Draft() != "" {
			t.Fatal("c2 should have no draft")
		}
		s.OpenConversation(context.Background(), "c1")
		if s.Composer().Draft() != "para Ana" {
			t.Fatalf("c1 draft lost, got %q", s.Composer().Draft())
		}
	})

	t.Run("pane switched before confirmation", func(t *testing.T) {
		api := newStubAPI()
		api.gate = make(chan struct{})
		s, _, _ := openedSession(t, api)
		out, _ := s.Send(context.Background(), "Oi")
		s.OpenConversation(context.Background(), "c2")
		close(api.gate)
		if _, err := waitOutgoing(t, out); err != nil {
			t.Fatal(err)
		}
		if c, _ := s.Conversation("c1"); c.LastMessageID != "m-42" {
			t.Fatalf("conversation not promoted: %+v", c)
		}
		for _, m := range s.Messages() {
			if m.ConversationID == "c1" {
				t.Fatalf("c1 message leaked into c2 pane: %+v", m)
			}
		}
	})

	t.Run("session closed before confirmation", func(t *testing.T) {
		api := newStubAPI()
		api.gate = make(chan struct{})
		s, _, _ := openedSession(t, api)
		out, _ := s.Send(context.Background(), "Oi")
		s.Close()
		close(api.gate)
		if m, err := waitOutgoing(t, out); err != nil || m.ID != "m-42" {
			t.Fatalf("unexpected result %+v, %v", m, err)
		}
		if _, err := s.Send(context.Background(), "again"); !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
	})
}

func TestSendConfirmedAfterListRefresh(t *testing.T) {
	api := newStubAPI()
	api.gate = make(chan struct{})
	s, feed, _ := openedSession(t, api)

	out, err := s.Send(context.Background(), "Oi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	close(api.gate)
	if _, err := waitOutgoing(t, out); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	feed.Publish(ChangeEvent{Kind: EventInsert, Row: Message{ID: "m-42", ConversationID: "c1", SenderID: "me", Body: "Oi", CreatedAt: t0.Add(time.Hour)}})
	c, _ := s.Conversation("c1")
	if c.LastMessageID != "m-42" || c.Preview != "Oi" {
		t.Fatalf("preview went stale: %+v", c)
	}
	if top := s.Conversations()[0]; top.ID != "c1" {
		t.Fatalf("expected c1 on top, got %s", top.ID)
	}
}

func TestReopenKeepsPendingSend(t *testing.T) {
	api := newStubAPI()
	api.gate = make(chan struct{})
	s, _, _ := openedSession(t, api)

	out, err := s.Send(context.Background(), "Oi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	found := false
	for _, m := range s.Messages() {
		if m.ID == out.TempID {
			found = true
		}
	}
	if !found {
		t.Fatal("reopening the same conversation dropped the provisional message")
	}

	close(api.gate)
	if m, err := waitOutgoing(t, out); err != nil || m.ID != "m-42" {
		t.Fatalf("unexpected result %+v, %v", m, err)
	}
	msgs := s.Messages()
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m-42" {
		t.Fatalf("unexpected pane %+v", msgs)
	}
	for _, m := range msgs {
		if m.IsProvisional() {
			t.Fatalf("provisional message left behind: %+v", m)
		}
	}

	if err := s.OpenConversation(context.Background(), "c2"); err != nil {
		t.Fatalf("open c2: %v", err)
	}
	for _, m := range s.Messages() {
		if m.ConversationID != "c2" {
			t.Fatalf("switching conversations kept %+v", m)
		}
	}
}
