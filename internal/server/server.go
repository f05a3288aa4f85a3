package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/api"
	"github.com/michaelbrown/runbox/internal/bridge"
	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/limiter"
	"github.com/michaelbrown/runbox/internal/notifier"
	"github.com/michaelbrown/runbox/internal/storage"
)

const anonymous = "anonymous"

// Options tunes the HTTP surface.
type Options struct {
	Rate  float64 // requests per second per caller
	Burst int
}

// Server is the HTTP server for the runbox API and stream endpoints.
type Server struct {
	store     storage.Store
	languages *language.Registry
	bridge    *bridge.Bridge
	notifier  *notifier.Notifier
	limiter   *limiter.RateLimiter
	sessions  *SessionManager
	logger    *zerolog.Logger
	router    chi.Router
	http      *http.Server
}

// New creates a new Server.
func New(store storage.Store, languages *language.Registry, br *bridge.Bridge, n *notifier.Notifier, opts Options, logger *zerolog.Logger) *Server {
	s := &Server{
		store:     store,
		languages: languages,
		bridge:    br,
		notifier:  n,
		limiter:   limiter.New(opts.Rate, opts.Burst, limitKey),
		sessions:  NewSessionManager(),
		logger:    logger,
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Use(jsonContentType)

			// Jobs
			r.Post("/submit", s.handleSubmit)
			r.Get("/status/{id}", s.handleStatus)
			r.Get("/submissions", s.handleSubmissions)

			// Interactive sessions
			r.Post("/repl/start", s.handleStartREPL)

			r.Get("/languages", s.handleLanguages)

			// Open stream connections
			r.Get("/connections", s.handleListConnections)
			r.Delete("/connections/{id}", s.handleCloseConnection)
		})

		// WebSocket (no JSON content-type)
		r.Get("/ws/status/{id}", s.handleStatusStream)
		r.Get("/ws/interactive/{session_id}", s.handleInteractive)
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Sessions returns the tracker of open stream connections.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// callerID returns the caller named by api.UserHeader, or "anonymous".
func callerID(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get(api.UserHeader)); u != "" {
		return u
	}
	return anonymous
}

// limitKey buckets named callers by name and anonymous ones by address.
func limitKey(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get(api.UserHeader)); u != "" {
		return "user:" + u
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := make(chan struct{})
	defer close(stop)
	s.limiter.StartCleanup(10*time.Minute, stop)

	s.logger.Info().Str("addr", addr).Msg("runbox server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server. Open stream connections are
// cancelled and their containers stopped before it returns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server")
	s.sessions.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.sessions.Wait(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("stream connections still open")
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(shutdownCtx)
}
