// Package api exposes the pipeline engine over HTTP: REST endpoints for
// submission and session management, a WebSocket endpoint for live event
// streams, and health/metrics surfaces.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comicgen/comicd/pkg/config"
	"github.com/comicgen/comicd/pkg/engine"
	"github.com/comicgen/comicd/pkg/store"
)

// HealthChecker is implemented by stores that can report backend health.
// The in-memory store does not; the health endpoint degrades gracefully.
type HealthChecker interface {
	Health(ctx context.Context) (*store.HealthStatus, error)
}

// Server wires HTTP routes to the engine.
type Server struct {
	engine *engine.Engine
	cfg    *config.Config
	store  store.Store
	logger *slog.Logger
	router *gin.Engine
}

// NewServer builds the HTTP surface. The registry carries the engine's
// metrics and is served on /metrics.
func NewServer(cfg *config.Config, eng *engine.Engine, st store.Store, registry *prometheus.Registry) *Server {
	s := &Server{
		engine: eng,
		cfg:    cfg,
		store:  st,
		logger: slog.Default(),
		router: gin.New(),
	}

	s.router.Use(gin.Recovery(), securityHeaders())

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/stories", s.handleSubmitStory)
		v1.GET("/sessions", s.handleListSessions)
		v1.GET("/sessions/:id", s.handleGetSession)
		v1.POST("/sessions/:id/cancel", s.handleCancelSession)
		v1.POST("/sessions/:id/feedback", s.handleSubmitFeedback)
		v1.POST("/sessions/:id/override", s.handleOverrideGate)
		v1.GET("/sessions/:id/events", s.handleListEvents)
		v1.GET("/sessions/:id/versions", s.handleListVersions)
		v1.GET("/sessions/:id/versions/diff", s.handleDiffVersions)
		v1.POST("/sessions/:id/versions/:version/restore", s.handleRestoreVersion)
	}

	return s
}

// Handler returns the full HTTP surface. The WebSocket upgrade hijacks the
// connection and must see the raw http.ResponseWriter, so its route is
// mounted beside the router rather than through gin's buffered writer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/sessions/{id}/ws", s.handleWebSocket)
	mux.Handle("/", s.router)
	return mux
}

// handleHealth reports service liveness and, when the store supports it,
// database health with pool statistics.
func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{"status": "ok", "service": "comicd"}

	hc, ok := s.store.(HealthChecker)
	if !ok {
		c.JSON(http.StatusOK, resp)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	health, err := hc.Health(ctx)
	if err != nil {
		s.logger.Error("Database health check failed", "error", err)
		resp["status"] = "degraded"
		resp["database"] = health
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	resp["database"] = health
	c.JSON(http.StatusOK, resp)
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
