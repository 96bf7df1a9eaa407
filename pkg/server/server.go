// package server exposes the relay over HTTP: a streaming chat
// endpoint plus read-only session and model listings.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Xuzeipan/ai-chat/pkg/provider"
	"github.com/Xuzeipan/ai-chat/pkg/relay"
	"github.com/Xuzeipan/ai-chat/pkg/store"
)

type Server struct {
	addr      string
	engine    *gin.Engine
	relay     *relay.Relay
	store     store.Store
	providers *provider.Registry
	logger    *slog.Logger
}

func New(addr string, r *relay.Relay, st store.Store, providers *provider.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	srv := &Server{
		addr:      addr,
		engine:    engine,
		relay:     r,
		store:     st,
		providers: providers,
		logger:    logger,
	}
	engine.Use(gin.Recovery(), srv.requestLog)
	srv.registerRoutes()
	return srv
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := s.engine.Group("/v1")
	api.POST("/chat", s.chat)
	api.GET("/models", s.listModels)
	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id/messages", s.listMessages)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.engine,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("listening", "address", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Mode      string `json:"mode"`
}

func (s *Server) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	events, err := s.relay.Run(c.Request.Context(), relay.TurnRequest{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Message:   req.Message,
		Provider:  req.Provider,
		Model:     req.Model,
		Mode:      req.Mode,
	})
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrSessionBusy):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, store.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, relay.ErrEmptyMessage),
			errors.Is(err, relay.ErrEmptyModel),
			errors.Is(err, relay.ErrUnknownProvider),
			errors.Is(err, relay.ErrUnknownMode),
			errors.Is(err, relay.ErrProviderMismatch):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	for ev := range events {
		writeEvent(c, ev)
	}
}

func writeEvent(c *gin.Context, ev relay.Event) {
	var payload any
	switch ev.Type {
	case relay.EventSession:
		payload = gin.H{"session_id": ev.SessionID}
	case relay.EventMessage:
		payload = gin.H{"content": ev.Content}
	case relay.EventDone:
		data := gin.H{
			"message_id":       ev.MessageID,
			"response_time_ms": ev.ResponseTime.Milliseconds(),
		}
		if ev.TokenCount > 0 {
			data["token_count"] = ev.TokenCount
		}
		payload = data
	case relay.EventError:
		payload = gin.H{"error": ev.Err.Error()}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, encoded)
	c.Writer.Flush()
}

func (s *Server) listModels(c *gin.Context) {
	name := c.Query("provider")
	prov, ok := s.providers.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown provider %q", name)})
		return
	}
	models, err := prov.ListModels(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

type sessionResponse struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Mode      string    `json:"mode"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) listSessions(c *gin.Context) {
	userID := c.Query("user")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user is required"})
		return
	}
	sessions, err := s.store.ListSessions(c.Request.Context(), userID, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionResponse{
			ID:        sess.ID,
			UserID:    sess.UserID,
			Title:     sess.Title,
			Mode:      sess.Mode,
			Provider:  sess.Provider,
			Model:     sess.Model,
			CreatedAt: sess.CreatedAt,
			UpdatedAt: sess.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

type messageResponse struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	TokenCount   int       `json:"token_count,omitempty"`
	ResponseTime int64     `json:"response_time_ms,omitempty"`
	Partial      bool      `json:"partial,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Server) listMessages(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetSession(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	msgs, err := s.store.ListHistory(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ID:           m.ID,
			Role:         string(m.Role),
			Content:      m.Content,
			TokenCount:   m.TokenCount,
			ResponseTime: m.ResponseTime.Milliseconds(),
			Partial:      m.Partial,
			CreatedAt:    m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}
