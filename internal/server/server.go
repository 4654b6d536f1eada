// Package server exposes the two external interfaces spec.md §6 names for a
// session already claimed by this worker: an SSE event stream and a control
// endpoint. It intentionally does not expose session creation, listing, or
// project/provider management — those live in the task-management platform
// this supervisor is embedded in, not here.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agendo-io/supervisor/internal/event"
	"github.com/agendo-io/supervisor/internal/logging"
	"github.com/agendo-io/supervisor/internal/supervisor"
	"github.com/agendo-io/supervisor/pkg/types"
)

// Config holds HTTP server configuration.
type Config struct {
	Port         int
	Hostname     string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the defaults the `run-worker` command starts from.
func DefaultConfig() Config {
	return Config{
		Port:         8089,
		Hostname:     "127.0.0.1",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout: SSE connections stay open indefinitely
	}
}

// EventStore is the replay and existence-check surface the server needs.
// *storage.Store satisfies it.
type EventStore interface {
	EventsSince(ctx context.Context, sessionID string, sinceID int64) ([]types.AgendoEvent, error)
	Get(ctx context.Context, sessionID string) (*types.Session, error)
}

// Server is the per-worker HTTP server fronting every session this worker
// currently holds a claim on.
type Server struct {
	config   Config
	router   *chi.Mux
	httpSrv  *http.Server
	store    EventStore
	registry *supervisor.Registry
	bus      *event.Bus
}

// New constructs a Server. registry and bus are shared with the worker loop
// that runs the Session Runner; store backs reconnect replay.
func New(cfg Config, store EventStore, registry *supervisor.Registry, bus *event.Bus) *Server {
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		store:    store,
		registry: registry,
		bus:      bus,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Last-Event-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.router.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/events", s.sessionEvents)
		r.Post("/control", s.postControl)
	})
	s.router.Get("/healthz", s.healthz)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "{\"sessions\":%d}", s.registry.Len())
}

// Start begins serving and blocks until Shutdown is called or an
// unrecoverable error occurs.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Hostname, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	logging.Info().Str("addr", s.httpSrv.Addr).Msg("supervisor HTTP server listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
