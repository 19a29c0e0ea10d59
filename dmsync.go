// Package dmsync keeps a signed-in member's direct-message view in sync with
// the messaging backend of the church management platform.
//
// A Session loads the conversation list, subscribes to a change feed for the
// messaging table, merges feed events and periodic refetches into local
// stores, and sends messages optimistically with rollback on failure.
//
// Example:
//
//	client := dmsync.NewClient(token, dmsync.WithBaseURL("https://app.example.org"))
//	feed := client.WSFeed(nil)
//	session := dmsync.NewSession(userID, client, feed, nil)
//	if err := session.Start(ctx); err != nil { ... }
//	defer session.Close()
//
//	session.OpenConversation(ctx, "conv-123")
//	composer := session.Composer()
//	composer.SetDraft("Oi")
//	out, _ := composer.Submit(ctx)
package dmsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:3000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

var (
	_ API        = (*Client)(nil)
	_ ReadMarker = (*Client)(nil)
)

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithToken overrides the token passed to NewClient.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a client authenticated with the user's access token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the access token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// API
// ============================================================================

// Conversations implements API.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.call(ctx, "GET", "/api/dm/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages implements API.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message
	path := "/api/dm/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.call(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage implements API.
func (c *Client) SendMessage(ctx context.Context, conversationID, body string) (Message, error) {
	var out Message
	path := "/api/dm/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.call(ctx, "POST", path, map[string]string{"body": body}, &out); err != nil {
		return Message{}, err
	}
	return out, nil
}

// MarkRead implements ReadMarker.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/api/dm/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.call(ctx, "POST", path, nil, nil)
}

// ============================================================================
// Realtime factories
// ============================================================================

// WSURL returns the WebSocket endpoint of the change feed.
func (c *Client) WSURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/realtime/ws"
}

// SSEURL returns the server-sent events endpoint of the change feed.
func (c *Client) SSEURL() string {
	return c.baseURL + "/realtime/sse"
}

// WSFeed creates a WebSocket change feed using the client's token.
func (c *Client) WSFeed(config *RealtimeConfig) *WSFeed {
	cfg := c.realtimeConfig(config)
	return NewWSFeed(c.WSURL(), cfg)
}

// SSEFeed creates an SSE change feed using the client's token.
func (c *Client) SSEFeed(config *RealtimeConfig) *SSEFeed {
	cfg := c.realtimeConfig(config)
	if cfg.HTTPClient == nil {
		// SSE streams outlive the request timeout of the API client.
		cfg.HTTPClient = &http.Client{Transport: c.httpClient.Transport}
	}
	return NewSSEFeed(c.SSEURL(), cfg)
}

func (c *Client) realtimeConfig(config *RealtimeConfig) *RealtimeConfig {
	cfg := &RealtimeConfig{AutoReconnect: true}
	if config != nil {
		*cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	return cfg
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	data, status, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	result, err := decodeJSON[APIResult](data)
	if err != nil {
		if status >= 400 {
			return &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: http.StatusText(status)}
		}
		return err
	}
	if !result.OK {
		if result.Error != nil {
			return result.Error
		}
		return &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: "request failed"}
	}
	if out == nil {
		return nil
	}
	if err := result.Decode(out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	u := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
