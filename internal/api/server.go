// Package api serves conversation turns over HTTP. A turn streams its
// events as Server-Sent Events; the event hub can be tailed separately.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/rendis/querypilot/internal/engine"
	"github.com/rendis/querypilot/internal/streaming"
	"github.com/rendis/querypilot/pkg/schema"
)

// DefaultRequestTimeout bounds the non-streaming endpoints.
const DefaultRequestTimeout = 30 * time.Second

// Server exposes an orchestrator over HTTP.
type Server struct {
	router    chi.Router
	orc       engine.Orchestrator
	hub       streaming.EventHub
	logger    *slog.Logger
	heartbeat time.Duration
	origins   []string
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHeartbeat sets the interval of SSE keep-alive comments.
func WithHeartbeat(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithAllowedOrigins restricts CORS origins. The default allows any.
func WithAllowedOrigins(origins ...string) ServerOption {
	return func(s *Server) {
		s.origins = origins
	}
}

// NewServer creates an API server. hub may be nil, in which case the
// event tail endpoint answers 503.
func NewServer(orc engine.Orchestrator, hub streaming.EventHub, opts ...ServerOption) *Server {
	s := &Server{
		orc:       orc,
		hub:       hub,
		logger:    slog.Default(),
		heartbeat: 15 * time.Second,
		origins:   []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}).Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// Streams run as long as the turn or the subscriber does.
		r.Post("/threads/{threadID}/turns", s.handleTurn)
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(DefaultRequestTimeout))
			r.Get("/threads", s.handleListThreads)
			r.Get("/threads/{threadID}", s.handleGetThread)
		})
	})
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", slog.String("error", err.Error()))
		}
	}
}

// respondError writes err as {"error": {...}} with a status derived from
// its code.
func respondError(w http.ResponseWriter, err error) {
	pe := schema.AsPipelineError(err, schema.ErrCodeExecution)
	respondJSON(w, statusFor(pe.Code), map[string]any{"error": pe})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeSecurityViolation:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeUpstreamUnavailable, schema.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case schema.ErrCodeCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
