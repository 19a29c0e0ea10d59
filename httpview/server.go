// Package httpview exposes a dmsync.Session to a browser: JSON snapshots of
// the list and split views, composer actions, and a server-sent event stream
// of view changes.
package httpview

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	gin "github.com/gin-gonic/gin"

	"github.com/ecclesia-hub/dmsync"
)

// Config configures the view server.
type Config struct {
	Addr string
	Env  string
	// Webhook, when set, is mounted at POST /hooks/dm.
	Webhook *dmsync.WebhookFeed
	Logger  *slog.Logger
}

// Server serves one shared session.
type Server struct {
	session *dmsync.Session
	addr    string
	logger  *slog.Logger
	router  *gin.Engine

	mu      sync.Mutex
	next    uint64
	clients map[uint64]chan streamEvent
}

type streamEvent struct {
	name string
	data any
}

// New creates the server and registers its session observers.
func New(session *dmsync.Session, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	mode := configureGinMode(cfg.Env)
	s := &Server{
		session: session,
		addr:    cfg.Addr,
		logger:  logger.With("component", "httpview"),
		clients: make(map[uint64]chan streamEvent),
	}
	s.logger.Info("gin initialized", "mode", mode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/livez", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	api := router.Group("/api/view")
	api.GET("/conversations", s.listConversations)
	api.GET("/conversations/:id", s.getConversation)
	api.POST("/conversations/:id/open", s.openConversation)
	api.DELETE("/open", s.closeConversation)
	api.GET("/messages", s.listMessages)
	api.GET("/draft", s.getDraft)
	api.PUT("/draft", s.putDraft)
	api.POST("/send", s.send)
	api.POST("/refresh", s.refresh)
	api.GET("/events", s.events)

	if cfg.Webhook != nil {
		router.POST("/hooks/dm", gin.WrapH(cfg.Webhook.HTTPHandler()))
	}
	s.router = router

	session.OnChange(func(ch dmsync.Change) {
		s.broadcast(streamEvent{name: "change", data: changeParts(ch)})
	})
	session.OnNotification(func(n dmsync.Notification) {
		s.broadcast(streamEvent{name: "notification", data: notificationView(n)})
	})
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// HTTPServer returns an http.Server serving the view on the configured address.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
}

func configureGinMode(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "debug", "dev", "local":
		gin.SetMode(gin.DebugMode)
		return gin.DebugMode
	case "test", "testing":
		gin.SetMode(gin.TestMode)
		return gin.TestMode
	default:
		gin.SetMode(gin.ReleaseMode)
		return gin.ReleaseMode
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// ── Handlers ──────────────────────────────────────────────

type conversationsResponse struct {
	Items       []dmsync.Conversation `json:"items"`
	UnreadTotal int                   `json:"unreadTotal"`
	OpenID      string                `json:"openId,omitempty"`
	Error       string                `json:"error,omitempty"`
}

func (s *Server) listConversations(c *gin.Context) {
	resp := conversationsResponse{
		Items:       s.session.Conversations(),
		UnreadTotal: s.session.UnreadTotal(),
		OpenID:      s.session.OpenConversationID(),
	}
	if resp.Items == nil {
		resp.Items = []dmsync.Conversation{}
	}
	if err := s.session.LastError(); err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getConversation(c *gin.Context) {
	conv, ok := s.session.Conversation(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) openConversation(c *gin.Context) {
	id := c.Param("id")
	if err := s.session.OpenConversation(c.Request.Context(), id); err != nil {
		s.respondError(c, err, "open conversation", "conversation_id", id)
		return
	}
	c.JSON(http.StatusOK, gin.H{"openId": id, "items": nonNil(s.session.Messages())})
}

func (s *Server) closeConversation(c *gin.Context) {
	s.session.CloseConversation()
	c.Status(http.StatusNoContent)
}

func (s *Server) listMessages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"openId": s.session.OpenConversationID(),
		"items":  nonNil(s.session.Messages()),
	})
}

type draftRequest struct {
	Text string `json:"text"`
}

func (s *Server) getDraft(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"text": s.session.Composer().Draft()})
}

func (s *Server) putDraft(c *gin.Context) {
	var req draftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := s.session.Composer().SetDraft(req.Text); err != nil {
		s.respondError(c, err, "set draft")
		return
	}
	c.Status(http.StatusNoContent)
}

type sendRequest struct {
	Body string `json:"body"`
}

// send submits the draft, or body when given. It answers as soon as the
// provisional message is in place; the outcome arrives on the event stream.
func (s *Server) send(c *gin.Context) {
	var req sendRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
	}

	// The send outlives this request.
	ctx := context.WithoutCancel(c.Request.Context())
	var (
		out *dmsync.Outgoing
		err error
	)
	if req.Body != "" {
		out, err = s.session.Send(ctx, req.Body)
	} else {
		out, err = s.session.Composer().Submit(ctx)
	}
	if err != nil {
		s.respondError(c, err, "send")
		return
	}
	if out == nil {
		c.JSON(http.StatusOK, gin.H{"sent": false})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"sent":           true,
		"tempId":         out.TempID,
		"conversationId": out.ConversationID,
		"state":          out.State().String(),
	})
}

func (s *Server) refresh(c *gin.Context) {
	if err := s.session.Refresh(c.Request.Context()); err != nil {
		s.respondError(c, err, "refresh")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) respondError(c *gin.Context, err error, op string, attrs ...any) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, dmsync.ErrNoConversation):
		status = http.StatusConflict
	case errors.Is(err, dmsync.ErrSessionClosed):
		status = http.StatusServiceUnavailable
	}
	s.logger.Warn(op+" failed", append(attrs, "error", err)...)
	c.JSON(status, gin.H{"error": err.Error()})
}

func nonNil(msgs []dmsync.Message) []dmsync.Message {
	if msgs == nil {
		return []dmsync.Message{}
	}
	return msgs
}

// ── Event stream ──────────────────────────────────────────

func changeParts(ch dmsync.Change) []string {
	var parts []string
	if ch.Has(dmsync.ChangeConversations) {
		parts = append(parts, "conversations")
	}
	if ch.Has(dmsync.ChangeMessages) {
		parts = append(parts, "messages")
	}
	if ch.Has(dmsync.ChangeDraft) {
		parts = append(parts, "draft")
	}
	return parts
}

func notificationView(n dmsync.Notification) gin.H {
	v := gin.H{
		"kind":           string(n.Kind),
		"conversationId": n.ConversationID,
		"messageId":      n.MessageID,
		"senderId":       n.SenderID,
		"senderName":     n.SenderName,
		"preview":        n.Preview,
	}
	if n.Err != nil {
		v["error"] = n.Err.Error()
	}
	return v
}

func (s *Server) addClient() (uint64, chan streamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	ch := make(chan streamEvent, 32)
	s.clients[s.next] = ch
	return s.next, ch
}

func (s *Server) removeClient(id uint64) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// broadcast never blocks; a slow client misses events and resyncs from the
// next snapshot it fetches.
func (s *Server) broadcast(ev streamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Server) events(c *gin.Context) {
	id, ch := s.addClient()
	defer s.removeClient(id)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent("ready", gin.H{"openId": s.session.OpenConversationID()})
	c.Writer.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			c.SSEvent(ev.name, ev.data)
			c.Writer.Flush()
		case <-keepalive.C:
			c.Writer.WriteString(": keepalive\n\n")
			c.Writer.Flush()
		}
	}
}
