package dmsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("tok", WithBaseURL(srv.URL+"/"), WithTimeout(5*time.Second))
}

func writeResult(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestClientConversations(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/dm/conversations" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization %q", got)
		}
		writeResult(w, http.StatusOK, map[string]any{
			"ok": true,
			"data": []map[string]any{{
				"id":            "c1",
				"lastMessageAt": "2026-03-01T10:00:00Z",
				"preview":       "oi",
				"unreadCount":   2,
				"participants":  []map[string]any{{"id": "me"}, {"id": "ana", "displayName": "Ana"}},
			}},
		})
	})

	convs, err := c.Conversations(context.Background())
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(convs) != 1 || convs[0].UnreadCount != 2 || convs[0].Counterpart("me").DisplayName != "Ana" {
		t.Fatalf("unexpected conversations %+v", convs)
	}
}

func TestClientMessagesAndSend(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/dm/conversations/c 1/messages":
			writeResult(w, http.StatusOK, map[string]any{"ok": true, "data": []Message{{ID: "m1", ConversationID: "c 1", Body: "oi"}}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/dm/conversations/c 1/messages":
			body, _ := io.ReadAll(r.Body)
			var req map[string]string
			json.Unmarshal(body, &req)
			if req["body"] != "Oi" || r.Header.Get("Content-Type") != "application/json" {
				t.Errorf("unexpected send body %s", body)
			}
			writeResult(w, http.StatusCreated, map[string]any{"ok": true, "data": Message{ID: "m-42", ConversationID: "c 1", Body: "Oi", Status: StatusSent}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/dm/conversations/c 1/read":
			writeResult(w, http.StatusOK, map[string]any{"ok": true})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	msgs, err := c.Messages(context.Background(), "c 1")
	if err != nil || len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("messages: %+v, %v", msgs, err)
	}
	m, err := c.SendMessage(context.Background(), "c 1", "Oi")
	if err != nil || m.ID != "m-42" {
		t.Fatalf("send: %+v, %v", m, err)
	}
	if err := c.MarkRead(context.Background(), "c 1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
}

func TestClientErrors(t *testing.T) {
	t.Run("error envelope", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeResult(w, http.StatusForbidden, map[string]any{"ok": false, "error": map[string]string{"code": "FORBIDDEN", "message": "not a participant"}})
		})
		_, err := c.Messages(context.Background(), "c1")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "FORBIDDEN" {
			t.Fatalf("expected FORBIDDEN, got %v", err)
		}
	})

	t.Run("non-json failure", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		})
		_, err := c.Conversations(context.Background())
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "HTTP_502" {
			t.Fatalf("expected HTTP_502, got %v", err)
		}
	})

	t.Run("not ok without error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeResult(w, http.StatusOK, map[string]any{"ok": false})
		})
		if _, err := c.SendMessage(context.Background(), "c1", "Oi"); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		c := NewClient("tok", WithBaseURL("http://127.0.0.1:1"), WithTimeout(time.Second))
		if _, err := c.Conversations(context.Background()); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestClientFeeds(t *testing.T) {
	c := NewClient("tok", WithBaseURL("https://app.example.org"))
	if got := c.WSURL(); got != "wss://app.example.org/realtime/ws" {
		t.Fatalf("unexpected ws url %s", got)
	}
	if got := c.SSEURL(); got != "https://app.example.org/realtime/sse" {
		t.Fatalf("unexpected sse url %s", got)
	}

	ws := c.WSFeed(nil)
	if ws.config.Token != "tok" || !ws.config.AutoReconnect {
		t.Fatalf("unexpected ws config %+v", ws.config)
	}
	sse := c.SSEFeed(&RealtimeConfig{Token: "other"})
	if sse.config.Token != "other" || sse.config.HTTPClient == nil || sse.config.HTTPClient.Timeout != 0 {
		t.Fatalf("unexpected sse config %+v", sse.config)
	}

	c.SetToken("new")
	if c.WSFeed(nil).config.Token != "new" {
		t.Fatal("SetToken not applied")
	}
}
