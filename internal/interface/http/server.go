// Package http exposes Ascend over REST: inbound completion signals from the
// learning system, wallet and notification reads for the UI, and
// administrative endpoints.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/interface/http/handlers"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Host - address to bind (default: "0.0.0.0").
	Host string

	// Port - port to listen on (default: 8080).
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// RequestTimeout bounds one handler; the admin sweep is exempt.
	RequestTimeout time.Duration

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64

	// EnableMetrics mounts GET /metrics.
	EnableMetrics bool

	// RateLimitPerMinute - requests per minute per IP (0 = disabled).
	RateLimitPerMinute int

	// AdminSecret guards the admin routes. Empty disables them.
	AdminSecret string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       30 * time.Second,
		IdleTimeout:        60 * time.Second,
		RequestTimeout:     20 * time.Second,
		MaxBodyBytes:       64 << 10,
		EnableMetrics:      true,
		RateLimitPerMinute: 600,
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	api        *api
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(config Config, deps Dependencies) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	defaults := DefaultConfig()
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}

	log := deps.Logger
	if log == nil {
		log = logger.Discard()
	}
	log = log.With(logger.Component("http"))

	s := &Server{
		config: config,
		logger: log,
		api: &api{
			deps:     deps,
			validate: validator.New(validator.WithRequiredStructEnabled()),
			logger:   log,
		},
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              config.Address(),
		Handler:           s.router,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return s, nil
}

// Handler returns the root handler, used by tests and embedding servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(handlers.SecurityHeadersMiddleware)
	if s.config.RateLimitPerMinute > 0 {
		r.Use(handlers.NewIPRateLimiter(s.config.RateLimitPerMinute, 0).Middleware)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Health & Status Endpoints
	// ─────────────────────────────────────────────────────────────────────────
	r.Get("/health", s.api.health)
	r.Get("/healthz", s.api.health)
	r.Get("/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
	if s.config.EnableMetrics {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	// ─────────────────────────────────────────────────────────────────────────
	// API v1
	// ─────────────────────────────────────────────────────────────────────────
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(handlers.RequestSizeLimitMiddleware(s.config.MaxBodyBytes))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.config.RequestTimeout))

			r.Post("/signals/completed", s.api.signalCompleted)
			r.Post("/signals/incomplete", s.api.signalIncomplete)

			r.Route("/users/{id}", func(r chi.Router) {
				r.Get("/balance", s.api.balance)
				r.Get("/notifications", s.api.notifications)
				r.Post("/multiplier", s.api.multiplier)
				r.Post("/spend", s.api.spend)
			})
		})

		// Admin routes run without the request timeout: a sweep may take
		// minutes and is bounded by its own deadline.
		if s.config.AdminSecret != "" {
			r.Group(func(r chi.Router) {
				r.Use(handlers.NewAdminAuth(s.config.AdminSecret).Middleware)
				r.Post("/sweep", s.api.sweep)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not_found", "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})
	return r
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ascend",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests",
	}, []string{"route", "method", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ascend",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
)

// loggingMiddleware logs every request and records route metrics. The
// logger with the request id is put on the context for the handlers.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())
		log := s.logger.With(logger.RequestID(reqID))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context(), log)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		httpRequests.WithLabelValues(route, r.Method, fmt.Sprint(status)).Inc()
		httpDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		} else if route == "/health" || route == "/metrics" {
			level = slog.LevelDebug
		}
		log.Log(r.Context(), level, "http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.String("ip", r.RemoteAddr),
			logger.Latency(elapsed),
		)
	})
}

// recoveryMiddleware recovers from panics and returns 500.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.FromContext(r.Context()).Error("panic recovered",
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
					slog.String("path", r.URL.Path),
				)
				writeJSONError(w, http.StatusInternalServerError, "internal_server_error", "An unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("http server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("http server starting", slog.String("address", s.config.Address()))
	err := s.httpServer.ListenAndServe()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartAsync starts the server in a goroutine. The channel receives the
// terminal error, if any, and is closed when the server stops.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.Start(); err != nil {
			errCh <- err
		}
	}()
	return errCh
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt)
}
