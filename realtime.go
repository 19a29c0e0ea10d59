package dmsync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// RealtimeEnvelope is the wire format of every realtime frame.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// SubscribePayload asks the server to start streaming a table's changes.
type SubscribePayload struct {
	Table  string `json:"table"`
	UserID string `json:"userId,omitempty"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

const (
	frameAuthenticated = "authenticated"
	frameSubscribe     = "subscribe"
	frameSubscribed    = "subscribed"
	frameChange        = "change"
	frameError         = "error"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the WebSocket and SSE feeds.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// StaleAfter closes an SSE stream that has been silent this long.
	StaleAfter    time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
	OnStateChange func(RealtimeState)
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 45 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that stayed up for a minute starts a fresh backoff.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Shared subscription plumbing
// ============================================================================

// stream is one realtime subscription: it owns the current connection and
// redials it until released.
type stream struct {
	scope   Scope
	onEvent func(ChangeEvent)
	config  *RealtimeConfig
	recon   *reconnector
	logger  *slog.Logger

	mu     sync.Mutex
	state  RealtimeState
	cancel context.CancelFunc
	once   sync.Once
}

func (s *stream) setState(state RealtimeState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed && s.config.OnStateChange != nil {
		safeCall(func() { s.config.OnStateChange(state) })
	}
}

// State returns the connection state.
func (s *stream) State() RealtimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stream) deliver(data []byte) {
	var env RealtimeEnvelope
	if json.Unmarshal(data, &env) != nil {
		return
	}
	switch env.Type {
	case frameChange:
		ev, err := DecodeChangeEvent(env.Payload)
		if err != nil {
			s.logger.Debug("dropping malformed change event", "error", err)
			return
		}
		if !s.scope.Match(ev) {
			return
		}
		safeCall(func() { s.onEvent(ev) })
	case frameError:
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			s.logger.Warn("realtime server error", "message", p.Message)
		}
	}
}

// supervise runs connect/read cycles until ctx ends or reconnects run out.
func (s *stream) supervise(ctx context.Context, read func(context.Context) error, connect func(context.Context) error) {
	defer s.setState(StateDisconnected)
	for {
		err := read(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("realtime connection lost", "error", err)
		if !s.config.AutoReconnect {
			return
		}
		if !s.redial(ctx, connect) {
			return
		}
	}
}

func (s *stream) redial(ctx context.Context, connect func(context.Context) error) bool {
	for s.recon.shouldReconnect() {
		delay := s.recon.nextDelay()
		s.setState(StateReconnecting)
		s.logger.Info("realtime reconnecting", "attempt", s.recon.attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if err := connect(ctx); err == nil {
			return true
		} else if ctx.Err() != nil {
			return false
		}
	}
	s.logger.Warn("realtime reconnect attempts exhausted")
	return false
}

func feedURL(base string, config *RealtimeConfig, scope Scope) string {
	q := url.Values{}
	if config.Token != "" {
		q.Set("token", config.Token)
	}
	if scope.Table != "" {
		q.Set("table", scope.Table)
	}
	if len(q) == 0 {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

// ============================================================================
// WSFeed
// ============================================================================

// WSFeed is a WebSocket change feed with heartbeat and auto-reconnect.
type WSFeed struct {
	url    string
	config RealtimeConfig
}

var _ Feed = (*WSFeed)(nil)

// NewWSFeed creates a feed dialing wsURL. config may be nil.
func NewWSFeed(wsURL string, config *RealtimeConfig) *WSFeed {
	f := &WSFeed{url: wsURL}
	if config != nil {
		f.config = *config
	}
	f.config.defaults()
	return f
}

// WSSubscription is an active WebSocket subscription.
type WSSubscription struct {
	stream
	url  string
	conn *websocket.Conn
}

// Subscribe dials the feed, authenticates and subscribes to scope. The
// connection is redialed in the background until Unsubscribe or ctx ends.
func (f *WSFeed) Subscribe(ctx context.Context, scope Scope, onEvent func(ChangeEvent)) (Subscription, error) {
	cfg := f.config
	sub := &WSSubscription{
		stream: stream{
			scope:   scope,
			onEvent: onEvent,
			config:  &cfg,
			recon:   newReconnector(&cfg),
			logger:  cfg.Logger.With("component", "dmsync.ws", "table", scope.Table),
			state:   StateDisconnected,
		},
		url: feedURL(f.url, &cfg, scope),
	}
	runCtx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel
	if err := sub.connect(runCtx); err != nil {
		cancel()
		return nil, err
	}
	go sub.supervise(runCtx, sub.readLoop, sub.connect)
	return sub, nil
}

func (ws *WSSubscription) connect(ctx context.Context) error {
	ws.setState(StateConnecting)

	conn, _, err := websocket.Dial(ctx, ws.url, &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != frameAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected %q, got %q", frameAuthenticated, env.Type)
	}

	cmd, err := json.Marshal(&RealtimeCommand{
		Type:    frameSubscribe,
		Payload: SubscribePayload{Table: ws.scope.Table, UserID: ws.scope.UserID},
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, cmd); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("send subscribe: %w", err)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.setState(StateConnected)
	return nil
}

func (ws *WSSubscription) readLoop(ctx context.Context) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go ws.heartbeatLoop(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			ws.mu.Lock()
			if ws.conn == conn {
				ws.conn = nil
			}
			ws.mu.Unlock()
			ws.setState(StateDisconnected)
			return err
		}
		ws.deliver(data)
	}
}

func (ws *WSSubscription) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				// Heartbeat failed, force the read loop to reconnect.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// Unsubscribe closes the connection and stops reconnecting.
func (ws *WSSubscription) Unsubscribe() error {
	var err error
	ws.once.Do(func() {
		ws.mu.Lock()
		cancel := ws.cancel
		conn := ws.conn
		ws.conn = nil
		ws.mu.Unlock()
		if conn != nil {
			err = conn.Close(websocket.StatusNormalClosure, "client unsubscribe")
		}
		if cancel != nil {
			cancel()
		}
		ws.setState(StateDisconnected)
	})
	return err
}

// ============================================================================
// SSEFeed
// ============================================================================

// SSEFeed is a server-sent events change feed (server push only) with a
// staleness watchdog and auto-reconnect.
type SSEFeed struct {
	url    string
	config RealtimeConfig
}

var _ Feed = (*SSEFeed)(nil)

// NewSSEFeed creates a feed reading sseURL. config may be nil.
func NewSSEFeed(sseURL string, config *RealtimeConfig) *SSEFeed {
	f := &SSEFeed{url: sseURL}
	if config != nil {
		f.config = *config
	}
	f.config.defaults()
	return f
}

// SSESubscription is an active SSE subscription.
type SSESubscription struct {
	stream
	url string

	dataMu       sync.Mutex
	resp         *http.Response
	lastDataTime time.Time
}

// Subscribe opens the event stream. The stream is reopened in the
// background until Unsubscribe or ctx ends.
func (f *SSEFeed) Subscribe(ctx context.Context, scope Scope, onEvent func(ChangeEvent)) (Subscription, error) {
	cfg := f.config
	sub := &SSESubscription{
		stream: stream{
			scope:   scope,
			onEvent: onEvent,
			config:  &cfg,
			recon:   newReconnector(&cfg),
			logger:  cfg.Logger.With("component", "dmsync.sse", "table", scope.Table),
			state:   StateDisconnected,
		},
		url: feedURL(f.url, &cfg, scope),
	}
	runCtx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel
	if err := sub.connect(runCtx); err != nil {
		cancel()
		return nil, err
	}
	go sub.supervise(runCtx, sub.readLoop, sub.connect)
	return sub, nil
}

func (sse *SSESubscription) connect(ctx context.Context) error {
	sse.setState(StateConnecting)

	req, err := http.NewRequestWithContext(ctx, "GET", sse.url, nil)
	if err != nil {
		sse.setState(StateDisconnected)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if sse.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sse.config.Token)
	}

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.dataMu.Lock()
	sse.resp = resp
	sse.lastDataTime = time.Now()
	sse.dataMu.Unlock()
	sse.recon.markConnected()
	sse.setState(StateConnected)
	return nil
}

func (sse *SSESubscription) readLoop(ctx context.Context) error {
	sse.dataMu.Lock()
	resp := sse.resp
	sse.resp = nil
	sse.dataMu.Unlock()
	if resp == nil {
		return errors.New("not connected")
	}
	defer resp.Body.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sse.watchdog(connCtx, resp)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		sse.dataMu.Lock()
		sse.lastDataTime = time.Now()
		sse.dataMu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			sse.deliver([]byte(strings.TrimSpace(data)))
		}
	}
	sse.setState(StateDisconnected)
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("stream ended")
}

func (sse *SSESubscription) watchdog(ctx context.Context, resp *http.Response) {
	interval := sse.config.StaleAfter / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.dataMu.Lock()
			stale := time.Since(sse.lastDataTime) > sse.config.StaleAfter
			sse.dataMu.Unlock()
			if stale {
				sse.logger.Warn("SSE stream stale, closing")
				resp.Body.Close()
				return
			}
		}
	}
}

// Unsubscribe closes the stream and stops reconnecting.
func (sse *SSESubscription) Unsubscribe() error {
	sse.once.Do(func() {
		sse.mu.Lock()
		cancel := sse.cancel
		sse.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		sse.dataMu.Lock()
		if sse.resp != nil {
			sse.resp.Body.Close()
			sse.resp = nil
		}
		sse.dataMu.Unlock()
		sse.setState(StateDisconnected)
	})
	return nil
}
