// Package restapi serves the /metrics Prometheus-text endpoint plus the
// placeholder index routes from the original CherryPy MainAdapter /
// MetricsAdapter, rebuilt on gin. Grounded on the teacher's webui.Server
// (route setup, request-id middleware, gin.Default).
package restapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/saline-io/saline/internal/config"
	"github.com/saline-io/saline/internal/merger"
	"github.com/saline-io/saline/internal/pipeline"
)

// Server is the public Saline HTTP API: /metrics for Prometheus scrape,
// / for the placeholder GET/POST the original exposed, and /status for
// a small operational snapshot.
//
// /metrics serves the last buffer the maintenance loop published via
// Publish, not a live read of the merger — the endpoint and the merger
// are decoupled the way the original restapi.py's MetricsAdapter reads
// from a cache the DataManager refreshes on its own schedule, not on
// every request. Until the first publish happens there is nothing to
// serve, matching the original's "no metrics connection available" 500.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        *config.Config
	log        *slog.Logger
	merger     *merger.Merger
	pipeline   *pipeline.Pipeline

	mu        sync.RWMutex
	published string
	hasBuf    bool

	maintenance *merger.Maintenance
}

// SetMaintenance wires the maintenance loop in for /status reporting,
// called once both are constructed since Maintenance itself takes the
// Server as its Publisher (avoiding a constructor cycle).
func (s *Server) SetMaintenance(mt *merger.Maintenance) {
	s.maintenance = mt
}

func New(cfg *config.Config, logger *slog.Logger, m *merger.Merger, p *pipeline.Pipeline, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), logRequests(logger))

	s := &Server{router: router, cfg: cfg, log: logger, merger: m, pipeline: p}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/metrics", s.handleMetrics)
	s.router.GET("/", s.handleIndexGet)
	s.router.POST("/", s.handleIndexPost)
	s.router.GET("/status", s.handleStatus)
}

// requestID stamps every request with a request id, mirroring the
// original's hypermedia_in/out tools that annotated every response.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func logRequests(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString("request_id"),
		)
	}
}

// Publish implements merger.Publisher: it swaps the buffer /metrics
// serves, called by the maintenance loop whenever the store's publish
// epoch advances. /metrics never reads the merger directly.
func (s *Server) Publish(buf string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = buf
	s.hasBuf = true
}

// handleMetrics serves the last published Prometheus text buffer with
// the same headers the original MetricsAdapter.GET set, and the same
// "no metrics connection available" 500 for a brand-new server that
// hasn't completed its first publish yet.
func (s *Server) handleMetrics(c *gin.Context) {
	s.mu.RLock()
	buf, ok := s.published, s.hasBuf
	s.mu.RUnlock()

	if !ok {
		c.String(http.StatusInternalServerError, "No metrics connection available")
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "text/plain;version=0.0.4;charset=utf-8", []byte(buf))
}

func (s *Server) handleIndexGet(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"return": "GET placeholder"})
}

func (s *Server) handleIndexPost(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"return": "POST placeholder"})
}

func (s *Server) handleStatus(c *gin.Context) {
	stats := s.pipeline.Stats()
	body := gin.H{
		"epoch":          s.merger.MetricsEpoch(),
		"pool_workers":   stats.Pool.Workers,
		"pool_active":    stats.Pool.Active,
		"pool_queued":    stats.Pool.Queued,
		"pool_completed": stats.Pool.Completed,
		"pool_failed":    stats.Pool.Failed,
		"dropped":        stats.Dropped,
	}
	if s.maintenance != nil {
		body["maintenance"] = s.maintenance.Health()
	}
	c.JSON(http.StatusOK, body)
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
