// Package server exposes the reputation engine over HTTP for the
// orchestration layer.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/elonfeng/sourcerep/pkg/reputation"
)

// Server provides the HTTP API.
type Server struct {
	engine *reputation.Engine
	router *gin.Engine
	port   int
	log    *zap.Logger
}

// New creates a new HTTP server. gatherer backs /metrics and may be nil.
func New(engine *reputation.Engine, gatherer prometheus.Gatherer, port int, log *zap.Logger) *Server {
	if port == 0 {
		port = 8080
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		engine: engine,
		router: gin.New(),
		port:   port,
		log:    log.With(zap.String("component", "server")),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes(gatherer)
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", s.handleHealth)
	if gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := s.router.Group("/api/v1")
	{
		api.POST("/sources", s.handleRegisterSource)
		api.GET("/sources", s.handleListSources)
		api.GET("/sources/:id", s.handleGetReputation)
		api.POST("/sources/:id/ratings", s.handleSubmitRating)
		api.GET("/sources/:id/ratings", s.handleListRatings)
		api.GET("/sources/:id/history", s.handleHistory)
		api.POST("/sources/:id/cross-references", s.handleCrossReference)
		api.POST("/sources/:id/articles", s.handleArticle)
		api.POST("/sources/:id/recompute", s.handleRecompute)
		api.GET("/sources/:id/anomalies", s.handleListAnomalies)
		api.POST("/anomalies/:id/resolve", s.handleResolveAnomaly)
		api.POST("/decay", s.handleDecay)
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("sourcerep server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

// writeError maps engine errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	var rl *reputation.RateLimitError
	switch {
	case errors.As(err, &rl):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error(), "limit": rl.Limit})
	case errors.Is(err, reputation.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, reputation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, reputation.ErrStorage):
		s.log.Error("storage failure", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable, retry later"})
	default:
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
