// Package gateway is the optional ops surface: a small gin HTTP API over the
// live sessions, transcripts, and platform toggles, plus a WebSocket feed of
// the session.> and update.> bus events. It is read-mostly and disabled by
// default; chat remains the primary interface.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/httpmw"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/events"
	"github.com/threadline/threadline/internal/events/bus"
	"github.com/threadline/threadline/internal/session"
	"github.com/threadline/threadline/internal/session/store"
	"github.com/threadline/threadline/internal/transcript"
	"github.com/threadline/threadline/pkg/wire"
)

const defaultLogLimit = 200

// SessionSource supplies live session snapshots. The session manager
// implements it.
type SessionSource interface {
	SessionInfos() []session.Info
	SessionInfo(sessionID string) (session.Info, bool)
}

// TranscriptSource supplies per-thread transcript history. The transcript
// store implements it; nil disables the logs endpoints.
type TranscriptSource interface {
	ForThread(ctx context.Context, platformID, threadID string, limit int) ([]transcript.Entry, error)
}

// Server is the ops gateway.
type Server struct {
	cfg      config.GatewayConfig
	sessions SessionSource
	logs     TranscriptSource
	store    *store.Store
	bus      bus.EventBus
	hub      *Hub
	router   *gin.Engine
	upgrader gorillaws.Upgrader
	version  string
	log      *logger.Logger
}

// New assembles the gateway. logs may be nil when transcripts are off.
func New(cfg config.GatewayConfig, sessions SessionSource, logs TranscriptSource, st *store.Store, eventBus bus.EventBus, version string, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		logs:     logs,
		store:    st,
		bus:      eventBus,
		router:   gin.New(),
		version:  version,
		log:      log.WithFields(zap.String("component", "gateway")),
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The gateway binds to an operator-chosen address; origin
			// checks stay open like the rest of the local surface.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.hub = NewHub(s.buildDispatcher(), s.log)

	s.router.Use(httpmw.RequestLogger(s.log, "gateway"), httpmw.OtelTracing("gateway"), gin.Recovery())
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler, for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWS)

	api := s.router.Group("/api/v1")
	{
		api.GET("/sessions", s.handleSessionList)
		api.GET("/sessions/:id", s.handleSessionGet)
		api.GET("/threads/:platform/:thread/logs", s.handleThreadLogs)
		api.POST("/platforms/:id/enabled", s.handlePlatformEnabled)
	}
}

// Run serves HTTP until the context ends, forwarding session and update bus
// events to the WebSocket clients.
func (s *Server) Run(ctx context.Context) error {
	for _, subject := range []string{events.AllSessionEventsSubject(), events.AllUpdateEventsSubject()} {
		sub, err := s.bus.Subscribe(subject, s.onBusEvent)
		if err != nil {
			return err
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("gateway listening", zap.String("addr", s.cfg.ListenAddr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// onBusEvent wraps a bus event in a notification frame; the event type is
// the frame action so clients filter without decoding payloads.
func (s *Server) onBusEvent(_ context.Context, evt *bus.Event) error {
	msg, err := wire.NewNotification(evt.Type, evt.Data)
	if err != nil {
		return err
	}
	s.hub.Broadcast(msg)
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.version})
}

func (s *Server) handleSessionList(c *gin.Context) {
	infos := s.sessions.SessionInfos()
	if infos == nil {
		infos = []session.Info{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": infos})
}

func (s *Server) handleSessionGet(c *gin.Context) {
	info, ok := s.sessions.SessionInfo(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session with that id"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleThreadLogs(c *gin.Context) {
	if s.logs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transcripts are disabled"})
		return
	}
	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := s.logs.ForThread(c.Request.Context(), c.Param("platform"), c.Param("thread"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type platformEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// handlePlatformEnabled flips the kill switch for one platform and nudges
// the sticky post so the channel sees the change.
func (s *Server) handlePlatformEnabled(c *gin.Context) {
	var req platformEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"enabled\": bool}"})
		return
	}
	platformID := c.Param("id")
	if err := s.store.SetPlatformEnabled(platformID, req.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.publishPlatformToggle(c.Request.Context(), platformID, req.Enabled)
	c.JSON(http.StatusOK, gin.H{"platformId": platformID, "enabled": req.Enabled})
}

func (s *Server) publishPlatformToggle(ctx context.Context, platformID string, enabled bool) {
	payload := events.PlatformPayload{PlatformID: platformID, Enabled: enabled}
	if evt, err := bus.NewPayloadEvent(events.PlatformToggled, "gateway", payload); err == nil {
		_ = s.bus.Publish(ctx, events.PlatformToggled, evt)
	}
	if evt, err := bus.NewPayloadEvent(events.StickyRefreshRequested, "gateway", events.PlatformPayload{PlatformID: platformID}); err == nil {
		_ = s.bus.Publish(ctx, events.StickyRefreshRequested, evt)
	}
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(uuid.New().String(), conn, s.hub, s.log)
	s.hub.Register(client)
	go client.WritePump()
	go client.ReadPump(c.Request.Context())
}

// buildDispatcher wires the request actions the WS surface answers.
func (s *Server) buildDispatcher() *wire.Dispatcher {
	d := wire.NewDispatcher()
	d.RegisterFunc(wire.ActionHealthCheck, func(_ context.Context, msg *wire.Message) (*wire.Message, error) {
		return wire.NewResponse(msg.ID, msg.Action, gin.H{"status": "ok", "version": s.version})
	})
	d.RegisterFunc(wire.ActionSessionList, func(_ context.Context, msg *wire.Message) (*wire.Message, error) {
		infos := s.sessions.SessionInfos()
		if infos == nil {
			infos = []session.Info{}
		}
		return wire.NewResponse(msg.ID, msg.Action, gin.H{"sessions": infos})
	})
	d.RegisterFunc(wire.ActionSessionGet, func(_ context.Context, msg *wire.Message) (*wire.Message, error) {
		var req struct {
			SessionID string `json:"sessionId"`
		}
		if err := msg.ParsePayload(&req); err != nil || req.SessionID == "" {
			return wire.NewError(msg.ID, msg.Action, wire.ErrorCodeBadRequest, "sessionId is required")
		}
		info, ok := s.sessions.SessionInfo(req.SessionID)
		if !ok {
			return wire.NewError(msg.ID, msg.Action, wire.ErrorCodeNotFound, "no active session with that id")
		}
		return wire.NewResponse(msg.ID, msg.Action, info)
	})
	d.RegisterFunc(wire.ActionThreadLogs, func(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
		if s.logs == nil {
			return wire.NewError(msg.ID, msg.Action, wire.ErrorCodeNotFound, "transcripts are disabled")
		}
		var req struct {
			PlatformID string `json:"platformId"`
			ThreadID   string `json:"threadId"`
			Limit      int    `json:"limit"`
		}
		if err := msg.ParsePayload(&req); err != nil || req.PlatformID == "" || req.ThreadID == "" {
			return wire.NewError(msg.ID, msg.Action, wire.ErrorCodeBadRequest, "platformId and threadId are required")
		}
		if req.Limit <= 0 {
			req.Limit = defaultLogLimit
		}
		entries, err := s.logs.ForThread(ctx, req.PlatformID, req.ThreadID, req.Limit)
		if err != nil {
			return nil, err
		}
		return wire.NewResponse(msg.ID, msg.Action, gin.H{"entries": entries})
	})
	return d
}
