// Package server exposes a read-only HTTP status API over recent alerts and engine metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/flowwatch/internal/logger"
	"github.com/rewired-gh/flowwatch/internal/models"
	"github.com/rewired-gh/flowwatch/internal/monitor"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Store is the read side of persistence the API serves from.
type Store interface {
	Ping() error
	GetTopAlerts(k int) ([]models.CompositeAlert, error)
	GetRecentAlerts(since time.Time, limit int) ([]models.CompositeAlert, error)
	GetRecentFlags(symbol string, since time.Time, limit int) ([]models.AnomalyFlag, error)
}

type Config struct {
	Host  string
	Port  int
	Debug bool
}

type Server struct {
	config   Config
	engine   *gin.Engine
	store    Store
	stats    func() monitor.Stats
	gatherer prometheus.Gatherer
}

// New builds the router. stats and gatherer may be nil.
func New(cfg Config, store Store, stats func() monitor.Stats, gatherer prometheus.Gatherer) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:   cfg,
		engine:   gin.New(),
		store:    store,
		stats:    stats,
		gatherer: gatherer,
	}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.getHealth)
	s.engine.GET("/alerts", s.getAlerts)
	s.engine.GET("/flags", s.getFlags)
	if s.gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Status API listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down status API: %w", err)
		}
		return nil
	}
}

func (s *Server) getHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.stats != nil {
		st := s.stats()
		body["tracked_symbols"] = st.TrackedSymbols
		body["buffered_flags"] = st.BufferedFlags
		body["cycles"] = st.Cycles
		if !st.LastCycle.IsZero() {
			body["last_cycle"] = st.LastCycle.UTC().Format(time.RFC3339)
		}
	}
	if s.store != nil {
		if err := s.store.Ping(); err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}

// getAlerts serves ?order=recent|top&limit=N&since=RFC3339.
func (s *Server) getAlerts(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	since, ok := parseSince(c)
	if !ok {
		return
	}

	var alerts []models.CompositeAlert
	var err error
	switch order := c.DefaultQuery("order", "recent"); order {
	case "recent":
		alerts, err = s.store.GetRecentAlerts(since, limit)
	case "top":
		alerts, err = s.store.GetTopAlerts(limit)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown order %q", order)})
		return
	}
	if err != nil {
		logger.Error("Failed to load alerts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) getFlags(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	since, ok := parseSince(c)
	if !ok {
		return
	}
	flags, err := s.store.GetRecentFlags(c.Query("symbol"), since, limit)
	if err != nil {
		logger.Error("Failed to load flags: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load flags"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flags": flags, "count": len(flags)})
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("limit must be an integer in [1, %d]", maxLimit)})
		return 0, false
	}
	return n, true
}

func parseSince(c *gin.Context) (time.Time, bool) {
	raw := c.Query("since")
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC3339 timestamp"})
		return time.Time{}, false
	}
	return t, true
}

func requestLogger() gin.HandlerFunc {
	log := logger.Component("server")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
