package dmsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestSignature(body, secret string) string {
	return "sha256=" + Sign(body, secret)
}

func makeTestPayload() map[string]any {
	return map[string]any{
		"type":   "INSERT",
		"table":  "direct_messages",
		"schema": "public",
		"record": map[string]any{
			"id":              "msg-001",
			"conversation_id": "conv-001",
			"sender_id":       "user-002",
			"body":            "Hello from test",
			"created_at":      "2026-01-01 00:00:00.000000+00",
		},
		"old_record":   nil,
		"participants": []string{"user-001", "user-002"},
	}
}

func makeTestPayloadString() string {
	b, _ := json.Marshal(makeTestPayload())
	return string(b)
}

// ============================================================================
// VerifySignature
// ============================================================================

func TestVerifySignature(t *testing.T) {
	t.Run("valid signature", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := makeTestSignature(body, testSecret)
		if !VerifySignature(body, sig, testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := strings.TrimPrefix(makeTestSignature(body, testSecret), "sha256=")
		if !VerifySignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := "sha256=" + strings.Repeat("0", 64)
		if VerifySignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := makeTestSignature(body, "wrong-secret")
		if VerifySignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := makeTestSignature(body, testSecret)
		if VerifySignature(body+"tampered", sig, testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifySignature("", "sha256=abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifySignature("body", "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifySignature("body", "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
		if VerifySignature("body", "sha256=", testSecret) {
			t.Fatal("expected false for sha256= prefix only")
		}
	})
}

// ============================================================================
// NewWebhookFeed
// ============================================================================

func TestNewWebhookFeed(t *testing.T) {
	t.Run("empty secret", func(t *testing.T) {
		if _, err := NewWebhookFeed(""); err == nil {
			t.Fatal("expected error for empty secret")
		}
	})

	t.Run("valid creation", func(t *testing.T) {
		wh, err := NewWebhookFeed(testSecret)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if wh.Len() != 0 {
			t.Fatalf("expected no subscribers, got %d", wh.Len())
		}
	})
}

// ============================================================================
// WebhookFeed.Handle
// ============================================================================

func TestWebhookFeedHandle(t *testing.T) {
	t.Run("invalid signature", func(t *testing.T) {
		wh, _ := NewWebhookFeed(testSecret)
		status, data := wh.Handle(makeTestPayloadString(), "sha256=bad")
		if status != 401 {
			t.Fatalf("expected 401, got %d", status)
		}
		m := data.(map[string]string)
		if m["error"] != "Invalid signature" {
			t.Fatalf("unexpected error: %s", m["error"])
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		wh, _ := NewWebhookFeed(testSecret)
		body := `{"type": "TRUNCATE"}`
		status, _ := wh.Handle(body, makeTestSignature(body, testSecret))
		if status != 400 {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("publishes to matching subscribers", func(t *testing.T) {
		wh, _ := NewWebhookFeed(testSecret)
		var got []ChangeEvent
		sub, err := wh.Subscribe(context.Background(), Scope{Table: DefaultTable, UserID: "user-001"}, func(ev ChangeEvent) {
			got = append(got, ev)
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer sub.Unsubscribe()
		other, _ := wh.Subscribe(context.Background(), Scope{Table: DefaultTable, UserID: "user-999"}, func(ev ChangeEvent) {
			t.Error("event delivered to a non-participant")
		})
		defer other.Unsubscribe()

		body := makeTestPayloadString()
		status, data := wh.Handle(body, makeTestSignature(body, testSecret))
		if status != 200 {
			t.Fatalf("expected 200, got %d", status)
		}
		m := data.(map[string]any)
		if m["subscribers"] != 1 {
			t.Fatalf("expected 1 subscriber, got %v", m["subscribers"])
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 event, got %d", len(got))
		}
		ev := got[0]
		if ev.Kind != EventInsert || ev.Row.ID != "msg-001" || ev.ConversationID() != "conv-001" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Row.Body != "Hello from test" || ev.Row.CreatedAt.IsZero() {
			t.Fatalf("row not decoded: %+v", ev.Row)
		}
	})

	t.Run("unsubscribed receives nothing", func(t *testing.T) {
		wh, _ := NewWebhookFeed(testSecret)
		calls := 0
		sub, _ := wh.Subscribe(context.Background(), Scope{}, func(ChangeEvent) { calls++ })
		sub.Unsubscribe()
		sub.Unsubscribe()

		body := makeTestPayloadString()
		wh.Handle(body, makeTestSignature(body, testSecret))
		if calls != 0 {
			t.Fatalf("expected no calls, got %d", calls)
		}
	})
}

// ============================================================================
// WebhookFeed.HTTPHandler
// ============================================================================

func TestWebhookFeedHTTPHandler(t *testing.T) {
	t.Run("GET returns 405", func(t *testing.T) {
		wh, _ := NewWebhookFeed(testSecret)
		req := httptest.NewRequest(http.MethodGet, "/hooks/dm", nil)
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 405 {
			t.Fatalf("expected 405, got %d", w.Code)
		}
	})

	t.Run("invalid signature returns 401", func(t *testing.T) {
		wh, _ := NewWebhookFeed(testSecret)
		req := httptest.NewRequest(http.MethodPost, "/hooks/dm", strings.NewReader(makeTestPayloadString()))
		req.Header.Set(SignatureHeader, "sha256=bad")
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 401 {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("valid returns 200", func(t *testing.T) {
		wh, _ := NewWebhookFeed(testSecret)
		received := 0
		sub, _ := wh.Subscribe(context.Background(), Scope{UserID: "user-002"}, func(ChangeEvent) { received++ })
		defer sub.Unsubscribe()

		body := makeTestPayloadString()
		req := httptest.NewRequest(http.MethodPost, "/hooks/dm", strings.NewReader(body))
		req.Header.Set(SignatureHeader, makeTestSignature(body, testSecret))
		w := httptest.NewRecorder()
		wh.HTTPHandlerFunc()(w, req)
		if w.Code != 200 {
			t.Fatalf("expected 200, got %d", w.Code)
		}

		var result map[string]any
		json.NewDecoder(w.Body).Decode(&result)
		if result["ok"] != true {
			t.Fatal("expected ok:true")
		}
		if id, _ := result["delivery"].(string); id == "" {
			t.Fatal("expected a delivery id")
		}
		if received != 1 {
			t.Fatalf("expected 1 event, got %d", received)
		}
	})
}
