// Package server exposes the ledger, the pending drafts and the review
// workflow over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/elonfeng/newsledger/internal/health"
	"github.com/elonfeng/newsledger/internal/state"
	"github.com/elonfeng/newsledger/internal/store"
	"github.com/elonfeng/newsledger/pkg/metrics"
	"github.com/elonfeng/newsledger/pkg/processor"
	"github.com/elonfeng/newsledger/pkg/reconcile"
)

// Config holds the server's collaborators.
type Config struct {
	Port       int
	Store      store.Reader
	Docs       *state.File
	Processor  *processor.Processor
	Reconciler *reconcile.Reconciler
	// Queued routes review events through the reconciler's Run loop. Set it
	// only when Run is active.
	Queued bool
	Health *health.Tracker
	Logger zerolog.Logger
}

// Server provides the HTTP API.
type Server struct {
	store      store.Reader
	docs       *state.File
	processor  *processor.Processor
	reconciler *reconcile.Reconciler
	queued     bool
	health     *health.Tracker
	port       int
	logger     zerolog.Logger
	engine     *gin.Engine
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	s := &Server{
		store:      cfg.Store,
		docs:       cfg.Docs,
		processor:  cfg.Processor,
		reconciler: cfg.Reconciler,
		queued:     cfg.Queued,
		health:     cfg.Health,
		port:       cfg.Port,
		logger:     cfg.Logger.With().Str("component", "server").Logger(),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), prometheusMiddleware())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		api.GET("/items", s.handleItems)
		api.GET("/clusters", s.handleClusters)
		api.GET("/clusters/:id", s.handleCluster)
		api.GET("/drafts", s.handleDrafts)
		api.GET("/sources", s.handleSources)
		api.POST("/ingest", s.handleIngest)
		api.POST("/drafts/:id/edit", s.handleEdit)
		api.POST("/reconcile", s.handleReconcile)
		api.POST("/events", s.handleEvent)
	}
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info().Msg("server stopped")
	return nil
}

// prometheusMiddleware records request counts and latency per route.
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		metrics.HttpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HttpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			ev = s.logger.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
