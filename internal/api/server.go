// Package api implements the HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nugget/mnemo/internal/agent"
	"github.com/nugget/mnemo/internal/buildinfo"
	"github.com/nugget/mnemo/internal/connwatch"
	"github.com/nugget/mnemo/internal/events"
	"github.com/nugget/mnemo/internal/memory"
	"github.com/nugget/mnemo/internal/todo"
)

// maxRequestBodySize bounds turn request bodies (1MB).
const maxRequestBodySize = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Agent runs turns and resets conversations. *agent.Loop satisfies it.
type Agent interface {
	HandleTurn(ctx context.Context, sessionID, userID, userMessage string) (*agent.Reply, error)
	ResetConversation(ctx context.Context, userID, sessionID string) agent.ResetResult
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	agent   Agent
	store   memory.Store
	todos   *todo.Store
	bus     *events.Bus
	health  func() map[string]connwatch.ServiceStatus
	logger  *slog.Logger

	// Event stream keepalive. A client that sends nothing, not even a
	// pong, for pongWait is dropped.
	pingInterval time.Duration
	pongWait     time.Duration

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, a Agent, store memory.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		agent:   a,
		store:   store,
		logger:  logger,

		pingInterval: wsPingInterval,
		pongWait:     wsPongWait,
	}
}

// SetTodoStore enables the to-do read endpoint.
func (s *Server) SetTodoStore(ts *todo.Store) {
	s.todos = ts
}

// SetEventBus enables the websocket event stream.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetHealthSource adds dependency status to the /health response.
func (s *Server) SetHealthSource(fn func() map[string]connwatch.ServiceStatus) {
	s.health = fn
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.withLogging)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/v1/version", s.handleVersion)
	r.Get("/v1/events", s.handleEvents)

	r.Route("/v1/sessions/{sessionID}", func(r chi.Router) {
		r.Delete("/", s.handleReset)
		r.Post("/turns", s.handleTurn)
		r.Get("/messages", s.handleMessages)
		r.Get("/facts", s.handleFacts)
		r.Get("/steps", s.handleSteps)
		r.Get("/todos", s.handleTodos)
		r.Get("/transcript", s.handleTranscript)
	})
	return r
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Turns can run for minutes and websockets stay open.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chiMiddleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Running(), s.logger)
}

// handleHealth always answers 200 while the process is serving. An
// unreachable dependency marks the status "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.health != nil {
		services := s.health()
		for _, st := range services {
			if !st.Ready {
				resp["status"] = "degraded"
			}
		}
		resp["services"] = services
	}
	if sr, ok := s.store.(memory.StatsReporter); ok {
		stats, err := sr.Stats(r.Context())
		if err != nil {
			s.logger.Warn("store stats unavailable", "error", err)
			resp["status"] = "degraded"
		} else if stats != nil {
			resp["store"] = stats
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
