package dmsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Signature"

// maxWebhookBody bounds the size of a webhook request body.
const maxWebhookBody = 1 << 20

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifySignature verifies an HMAC-SHA256 signature of body, given as hex
// with an optional "sha256=" prefix. The comparison is constant-time.
func VerifySignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := Sign(body, secret)
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// ============================================================================
// WebhookFeed
// ============================================================================

// WebhookFeed receives signed database webhooks (one change event per
// request) and fans them out to its subscribers.
type WebhookFeed struct {
	*Hub
	secret string
	logger *slog.Logger
}

var _ Feed = (*WebhookFeed)(nil)

// WebhookOption configures a WebhookFeed.
type WebhookOption func(*WebhookFeed)

// WithWebhookLogger sets the logger of a WebhookFeed.
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(w *WebhookFeed) { w.logger = logger }
}

// NewWebhookFeed creates a webhook feed verifying requests with secret.
func NewWebhookFeed(secret string, opts ...WebhookOption) (*WebhookFeed, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	w := &WebhookFeed{
		Hub:    NewHub(),
		secret: secret,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "dmsync.webhook")
	return w, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookFeed) Verify(body, signature string) bool {
	return VerifySignature(body, signature, w.secret)
}

// Handle processes one webhook delivery (verify, decode, publish) and returns
// the status code and response body for the caller to write.
func (w *WebhookFeed) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	ev, err := DecodeChangeEvent([]byte(body))
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	delivery := uuid.NewString()
	n := w.Publish(ev)
	w.logger.Debug("webhook delivered",
		"delivery_id", delivery,
		"kind", ev.Kind,
		"conversation_id", ev.ConversationID(),
		"subscribers", n,
	)
	return http.StatusOK, map[string]any{"ok": true, "delivery": delivery, "subscribers": n}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	feed, _ := dmsync.NewWebhookFeed(secret)
//	http.Handle("/hooks/dm", feed.HTTPHandler())
//	session := dmsync.NewSession(userID, client, feed, nil)
func (w *WebhookFeed) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *WebhookFeed) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}

// Subscribe implements Feed.
func (w *WebhookFeed) Subscribe(ctx context.Context, scope Scope, onEvent func(ChangeEvent)) (Subscription, error) {
	return w.Hub.Subscribe(ctx, scope, onEvent)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
