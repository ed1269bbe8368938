// Package api implements the OpenAI-compatible HTTP gateway in front of
// the feedback loop.
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

	"github.com/nugget/loopgate/internal/agent"
	"github.com/nugget/loopgate/internal/buildinfo"
	"github.com/nugget/loopgate/internal/events"
	"github.com/nugget/loopgate/internal/llm"
	"github.com/nugget/loopgate/internal/usage"
)

// streamWriteTimeout is the write deadline applied after every streamed
// event so long tool rounds do not trip the server's WriteTimeout.
const streamWriteTimeout = 120 * time.Second

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Chatter runs chat requests through the feedback loop. *agent.Loop
// satisfies it.
type Chatter interface {
	Run(ctx context.Context, req *agent.Request) (*agent.Response, error)
	RunStream(ctx context.Context, req *agent.Request, cb agent.StreamCallback) (*agent.Response, error)
}

// ModelLister reports the model names the gateway can route.
// *llm.Router satisfies it.
type ModelLister interface {
	Models() []string
}

// UsageReader serves the run log and trimmed-history archive.
// *usage.Store satisfies it.
type UsageReader interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByTermination(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	GetArchive(ctx context.Context, key string) ([]llm.Message, error)
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	loop    Chatter
	models  ModelLister
	usage   UsageReader
	bus     *events.Bus
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// NewServer creates a new API server.
func NewServer(address string, port int, loop Chatter, models ModelLister, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		loop:    loop,
		models:  models,
		logger:  logger.With("component", "api"),
	}
}

// SetUsageStore configures the store behind the usage and archive
// endpoints.
func (s *Server) SetUsageStore(u UsageReader) {
	s.usage = u
}

// SetEventBus configures the bus streamed by the events endpoint and
// used for gateway events.
func (s *Server) SetEventBus(b *events.Bus) {
	s.bus = b
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// OpenAI-compatible endpoints
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Run log
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/archive/{key}", s.handleArchive)

	// Live loop events
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: streamWriteTimeout,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server. A later Start returns
// [http.ErrServerClosed].
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Loopgate",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	created := buildinfo.StartTime().Unix()
	data := []map[string]any{}
	if s.models != nil {
		for _, name := range s.models.Models() {
			data = append(data, map[string]any{
				"id":       name,
				"object":   "model",
				"created":  created,
				"owned_by": "loopgate",
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"object": "list",
		"data":   data,
	}, s.logger)
}

// Error types used in the OpenAI-style error body.
const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeProvider       = "provider_error"
	errTypeServer         = "server_error"
	errTypeNotFound       = "not_found_error"
)

func (s *Server) errorResponse(w http.ResponseWriter, code int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, errorBody(code, errType, message), s.logger)
}

func errorBody(code int, errType, message string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}
}
