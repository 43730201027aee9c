// Package api is the zapd admin HTTP API: span and channel inspection,
// operator-driven state changes and tone map management.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/openzap/internal/api/middleware"
	"github.com/flowpbx/openzap/internal/database"
	"github.com/flowpbx/openzap/internal/zap"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Options are the Server dependencies. Metrics may be nil.
type Options struct {
	HAL        *zap.HAL
	Spans      database.SpanRepository
	ToneMaps   database.ToneMapRepository
	Operators  database.AdminUserRepository
	Tokens     *middleware.TokenIssuer
	Metrics    http.Handler
	Logger     *slog.Logger
	TLSEnabled bool
	StartTime  time.Time
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	hal       *zap.HAL
	spans     database.SpanRepository
	toneMaps  database.ToneMapRepository
	operators database.AdminUserRepository
	tokens    *middleware.TokenIssuer
	metrics   http.Handler
	logger    *slog.Logger
	tls       bool
	startTime time.Time

	apiLimiter   *middleware.IPRateLimiter
	loginLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. Close
// releases its background workers.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("subsystem", "api")
	start := opts.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	s := &Server{
		router:       chi.NewRouter(),
		hal:          opts.HAL,
		spans:        opts.Spans,
		toneMaps:     opts.ToneMaps,
		operators:    opts.Operators,
		tokens:       opts.Tokens,
		metrics:      opts.Metrics,
		logger:       logger,
		tls:          opts.TLSEnabled,
		startTime:    start,
		apiLimiter:   middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig(), logger),
		loginLimiter: middleware.NewIPRateLimiter(middleware.LoginRateLimitConfig(), logger),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter sweepers.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.loginLimiter.Stop()
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders(s.tls))

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.apiLimiter))

		r.Get("/health", s.handleHealth)
		r.With(middleware.RateLimit(s.loginLimiter)).Post("/auth/login", s.handleLogin)

		r.Route("/spans", func(r chi.Router) {
			r.Get("/", s.handleListSpans)
			r.Route("/{span}", func(r chi.Router) {
				r.Get("/", s.handleGetSpan)
				r.Get("/channels/{chan}", s.handleGetChannel)

				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireOperator(s.tokens, s.logger))
					r.Post("/channels/{chan}/state", s.handleSetChannelState)
					r.Post("/reset", s.handleResetSpan)
					r.Post("/tones", s.handleLoadTones)
				})
			})
		})

		r.Route("/tonemaps", func(r chi.Router) {
			r.Get("/", s.handleListToneMaps)
			r.Get("/{name}", s.handleGetToneMap)
			r.With(middleware.RequireOperator(s.tokens, s.logger)).Put("/{name}", s.handlePutToneMap)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}
