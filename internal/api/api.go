// Package api provides HTTP handlers and the API server for ContactPipe.
//
// It exposes endpoints to trigger a planning run, poll the dispatcher,
// inspect tasks and report inbound user activity. The bot layer in front of
// the engine calls POST /inbound for every message it receives.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ContactPipe/internal/dispatch"
	"github.com/BTreeMap/ContactPipe/internal/planner"
	"github.com/BTreeMap/ContactPipe/internal/store"
	"github.com/BTreeMap/ContactPipe/internal/tracker"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// DefaultDispatchLimit caps tasks per dispatch cycle when the request does
// not specify one.
const DefaultDispatchLimit = 50

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the engine components behind HTTP endpoints.
type Server struct {
	store      store.Store
	planner    *planner.Planner
	dispatcher *dispatch.Dispatcher
	tracker    *tracker.Tracker
	httpServer *http.Server
}

// NewServer creates an API server over the given components.
func NewServer(st store.Store, pl *planner.Planner, d *dispatch.Dispatcher, tr *tracker.Tracker, opts ...Option) *Server {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	s := &Server{store: st, planner: pl, dispatcher: d, tracker: tr}
	mux := http.NewServeMux()
	mux.HandleFunc("/plan", s.planHandler)
	mux.HandleFunc("/dispatch", s.dispatchHandler)
	mux.HandleFunc("/tasks", s.tasksHandler)
	mux.HandleFunc("/inbound", s.inboundHandler)
	mux.HandleFunc("/health", s.healthHandler)
	s.httpServer = &http.Server{
		Addr:              o.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	slog.Info("Server.Start: API listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
