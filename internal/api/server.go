package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/twinshift/twinshift/internal/audit"
	"github.com/twinshift/twinshift/internal/engine"
	"github.com/twinshift/twinshift/internal/guard"
	"github.com/twinshift/twinshift/internal/ws"
)

// Server is the REST API over a workflow engine.
type Server struct {
	engine  *engine.Engine
	hub     *ws.Hub
	queue   *guard.Queue
	audit   audit.Store
	logger  *slog.Logger
	port    int
	server  *http.Server
	devMode bool
	baseCtx context.Context

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// Option configures the API server.
type Option func(*Server)

// WithDevMode enables CORS for development.
func WithDevMode(dev bool) Option {
	return func(s *Server) {
		s.devMode = dev
	}
}

// WithHub sets the WebSocket hub.
func WithHub(hub *ws.Hub) Option {
	return func(s *Server) {
		s.hub = hub
	}
}

// WithQueue exposes pending guard approvals.
func WithQueue(q *guard.Queue) Option {
	return func(s *Server) {
		s.queue = q
	}
}

// WithAudit exposes the audit trail.
func WithAudit(store audit.Store) Option {
	return func(s *Server) {
		s.audit = store
	}
}

// WithBaseContext sets the context workflow runs started over HTTP use.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		s.baseCtx = ctx
	}
}

// New creates a new API server.
func New(eng *engine.Engine, logger *slog.Logger, port int, opts ...Option) *Server {
	s := &Server{
		engine:  eng,
		logger:  logger,
		port:    port,
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = mux
	if s.devMode {
		handler = cors(handler)
	}
	return requestLogger(s.logger, handler)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler: s.Handler(),
	}

	s.logger.Info("starting API server", "port", s.port, "dev_mode", s.devMode)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and waits for a workflow started
// over HTTP to return.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/state", s.handleGetState)
	mux.HandleFunc("POST /api/run", s.handleRun)
	mux.HandleFunc("GET /api/results/files", s.handleFiles)
	mux.HandleFunc("GET /api/results/tests", s.handleTests)
	mux.HandleFunc("GET /api/results/comparisons", s.handleComparisons)
	mux.HandleFunc("GET /api/audit", s.handleAudit)
	mux.HandleFunc("GET /api/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /api/approvals/{id}", s.handleResolveApproval)

	if s.hub != nil {
		mux.HandleFunc("/api/ws", s.hub.HandleWebSocket)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
