// Package api provides the read-only status server for Stallarr: cycle
// status, classifier observations, the event journal, Prometheus metrics
// and a websocket stream of events and log lines.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mescon/stallarr/internal/config"
	"github.com/mescon/stallarr/internal/db"
	"github.com/mescon/stallarr/internal/domain"
	"github.com/mescon/stallarr/internal/eventbus"
	"github.com/mescon/stallarr/internal/logger"
	"github.com/mescon/stallarr/internal/services"
)

// StatusProvider reports the poll loop state. *services.Poller satisfies it.
type StatusProvider interface {
	LastSummary() *domain.CycleSummary
	Observations() []services.Observation
}

// EventStore reads the event journal. *db.Repository satisfies it.
type EventStore interface {
	RecentEvents(filter db.EventFilter) ([]domain.Event, error)
}

var (
	_ StatusProvider = (*services.Poller)(nil)
	_ EventStore     = (*db.Repository)(nil)
)

type RESTServer struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        *config.Config
	status     StatusProvider
	events     EventStore
	metrics    http.Handler
	hub        *WebSocketHub
	startTime  time.Time
}

// ServerDeps contains all dependencies required for the REST server.
// Events, EventBus and Metrics are optional; their routes answer 503 or are
// not registered when missing.
type ServerDeps struct {
	Config   *config.Config
	Status   StatusProvider
	Events   EventStore
	EventBus eventbus.Publisher
	Metrics  http.Handler
}

func NewRESTServer(deps ServerDeps) *RESTServer {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Request ID middleware for correlation/tracing
	r.Use(func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	})

	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		reqID := c.GetString("request_id")
		logger.Errorf("[PANIC RECOVERY] request_id=%s path=%s method=%s error=%v",
			reqID, c.Request.URL.Path, c.Request.Method, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      ErrMsgInternalError,
			"request_id": reqID,
		})
	}))

	var corsOrigins string
	if deps.Config != nil {
		corsOrigins = deps.Config.CORSOrigins
	}
	r.Use(corsMiddleware(corsOrigins))

	s := &RESTServer{
		router:    r,
		cfg:       deps.Config,
		status:    deps.Status,
		events:    deps.Events,
		metrics:   deps.Metrics,
		hub:       NewWebSocketHub(deps.EventBus, corsOrigins),
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

// corsMiddleware sets CORS headers for the configured origins. With no
// origins configured the browser's same-origin policy applies.
func corsMiddleware(corsOrigins string) gin.HandlerFunc {
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if corsOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *RESTServer) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/observations", s.handleObservations)
		api.GET("/events", s.handleEvents)
		api.GET("/ws", s.hub.HandleConnection)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})
}

// Handler exposes the router, mainly for tests.
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

func (s *RESTServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// formatUptime returns a human-readable uptime string
func formatUptime(uptime time.Duration) string {
	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
