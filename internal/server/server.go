// Package server implements a local agent backend: the session store HTTP
// surface plus a scripted streaming run service. It exists for development
// and integration testing against the same wire contract the production
// backend speaks.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config holds backend server configuration.
type Config struct {
	Listen string
	Token  string
	// TokenDelay paces token frames so streaming is visible in the TUI.
	// Zero in tests.
	TokenDelay time.Duration
}

// Server represents the HTTP backend server.
type Server struct {
	config    Config
	store     *Store
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	mu      sync.Mutex
	pending map[string]pendingInterrupt
}

// pendingInterrupt is an unresolved human-in-the-loop pause on a thread.
type pendingInterrupt struct {
	runID   string
	content string
}

// New creates a new backend server instance.
func New(config Config, store *Store, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		store:     store,
		logger:    logger,
		startedAt: time.Now(),
		pending:   map[string]pendingInterrupt{},
	}
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.Routes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // run streams are long-lived SSE responses
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("backend server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("backend server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes configures the HTTP router. Exposed so tests can mount the handler
// on an httptest server.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated
	r.Get("/healthz", s.handleHealthz)

	// Protected
	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Patch("/sessions/{session_id}", s.handleRenameSession)
		r.Delete("/sessions/{session_id}", s.handleDeleteSession)
		r.Get("/sessions/{session_id}/messages", s.handleGetMessages)
		r.Post("/threads/{thread_id}/runs/stream", s.handleRunStream)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// bearerAuth is middleware that validates Bearer token authentication.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			s.writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			s.writeError(w, http.StatusUnauthorized, "invalid Authorization header format")
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
		if token == "" {
			s.writeError(w, http.StatusUnauthorized, "missing token")
			return
		}

		if !constantTimeEqual(token, s.config.Token) {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
