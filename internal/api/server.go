// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/FairForge/shipyard/internal/devops"
	"github.com/FairForge/shipyard/internal/metrics"
)

// Config configures the HTTP surface of `shipyard serve`
type Config struct {
	Addr         string
	Environment  devops.Environment
	Version      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// CacheTTL bounds how often /healthz re-runs the probes
	CacheTTL time.Duration
}

// Server exposes the health aggregator and the metrics registry over HTTP
type Server struct {
	config     Config
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server
	aggregator *devops.Aggregator
	probes     []devops.Probe
	metrics    *metrics.Collector
	limiter    *RateLimiter
	startTime  time.Time
	now        func() time.Time

	mu         sync.Mutex
	lastReport *devops.HealthReport
	lastAt     time.Time
}

// NewServer creates a server and registers its routes
func NewServer(cfg Config, aggregator *devops.Aggregator, probes []devops.Probe, collector *metrics.Collector, logger *zap.Logger) *Server {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}

	s := &Server{
		config:     cfg,
		logger:     logger,
		router:     chi.NewRouter(),
		aggregator: aggregator,
		probes:     probes,
		metrics:    collector,
		limiter:    NewRateLimiter(10, 20),
		startTime:  time.Now(),
		now:        time.Now,
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/livez", s.handleLive)
	s.router.With(RateLimitMiddleware(s.limiter)).Get("/healthz", s.handleHealth)
	s.router.Get("/version", s.handleVersion)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth runs the probes (or serves a recent report) and maps the
// overall status to 200 for PASS/DEGRADED and 503 for FAIL.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.evaluate(r.Context())
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.Canceled) {
			status = http.StatusRequestTimeout
		}
		writeJSON(w, status, map[string]string{
			"overall_status": string(devops.HealthFail),
			"error":          err.Error(),
		})
		return
	}

	status := http.StatusOK
	if !report.OverallStatus.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) evaluate(ctx context.Context) (devops.HealthReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastReport != nil && s.now().Sub(s.lastAt) < s.config.CacheTTL {
		return *s.lastReport, nil
	}

	report, err := s.aggregator.Evaluate(ctx, s.probes)
	if err != nil {
		return report, err
	}
	s.lastReport = &report
	s.lastAt = s.now()
	return report, nil
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"environment": s.config.Environment,
		"uptime":      time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": s.config.Version,
		"go":      runtime.Version(),
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", zap.String("addr", s.config.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down server")
		return s.Shutdown(shutdownCtx)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
