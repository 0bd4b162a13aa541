// Package api implements the supporthub HTTP API: the chat and ticket
// endpoints used by the web client, knowledge base administration,
// analytics, and WebSocket streams for chat and live events.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/supporthub/internal/buildinfo"
	"github.com/nugget/supporthub/internal/chat"
	"github.com/nugget/supporthub/internal/events"
	"github.com/nugget/supporthub/internal/health"
	"github.com/nugget/supporthub/internal/knowledge"
	"github.com/nugget/supporthub/internal/session"
	"github.com/nugget/supporthub/internal/ticket"
	"github.com/nugget/supporthub/internal/usage"
)

// ServiceName is reported by / and /health.
const ServiceName = "Intelligent Support Hub API"

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	logger  *slog.Logger

	mu     sync.Mutex // guards server
	server *http.Server

	chat     *chat.Service
	tickets  *ticket.Manager
	sessions *session.Store
	bus      *events.Bus
	usage    *usage.Store
	health   *health.Monitor

	docs      *knowledge.Store
	ingester  *knowledge.Ingester
	maxUpload int64

	corsOrigins []string
}

// NewServer creates a server for the chat and ticket endpoints. Optional
// collaborators are attached with the Set methods before Start.
func NewServer(address string, port int, chatSvc *chat.Service, tickets *ticket.Manager, sessions *session.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:     address,
		port:        port,
		chat:        chatSvc,
		tickets:     tickets,
		sessions:    sessions,
		logger:      logger.With("component", "api"),
		maxUpload:   10 << 20,
		corsOrigins: []string{"*"},
	}
}

// SetKnowledge enables the knowledge base endpoints.
func (s *Server) SetKnowledge(store *knowledge.Store, ingester *knowledge.Ingester, maxUpload int64) {
	s.docs = store
	s.ingester = ingester
	if maxUpload > 0 {
		s.maxUpload = maxUpload
	}
}

// SetUsageStore enables usage figures in /v1/analytics.
func (s *Server) SetUsageStore(u *usage.Store) {
	s.usage = u
}

// SetEventBus enables the /v1/events stream.
func (s *Server) SetEventBus(b *events.Bus) {
	s.bus = b
}

// SetHealth adds dependency status to /health.
func (s *Server) SetHealth(m *health.Monitor) {
	s.health = m
}

// SetCORSOrigins sets the allowed origins. "*" allows any.
func (s *Server) SetCORSOrigins(origins []string) {
	if len(origins) > 0 {
		s.corsOrigins = origins
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /ticket", s.handleTicket)
	mux.HandleFunc("POST /upload-document", s.handleUpload)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/knowledge/documents", s.handleDocumentList)
	mux.HandleFunc("POST /v1/knowledge/documents", s.handleDocumentCreate)
	mux.HandleFunc("GET /v1/knowledge/documents/{id}", s.handleDocumentGet)
	mux.HandleFunc("GET /v1/knowledge/search", s.handleKnowledgeSearch)
	mux.HandleFunc("GET /v1/tickets", s.handleTicketList)
	mux.HandleFunc("GET /v1/tickets/{id}", s.handleTicketGet)
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("GET /v1/analytics", s.handleAnalytics)

	mux.HandleFunc("GET /ws/chat", s.handleWSChat)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(s.withCORS(mux))
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      180 * time.Second, // reasoning calls can be slow
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for request logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the WebSocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	anyOrigin := slices.Contains(s.corsOrigins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (anyOrigin || slices.Contains(s.corsOrigins, origin)) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	errType := "invalid_request_error"
	switch {
	case code == http.StatusBadGateway || code == http.StatusGatewayTimeout:
		errType = "reasoning_error"
	case code >= 500:
		errType = "server_error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"detail": message,
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) ok(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, v, s.logger)
}

// decodeJSON reads a bounded JSON body into v, writing a 400 on failure.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// queryInt parses an integer query parameter, falling back to def and
// clamping to [1, max].
func queryInt(r *http.Request, name string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 1 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.ok(w, http.StatusOK, map[string]any{
		"message": ServiceName,
		"version": buildinfo.Version,
		"endpoints": map[string]string{
			"chat":      "/chat",
			"ticket":    "/ticket",
			"upload":    "/upload-document",
			"health":    "/health",
			"ws_chat":   "/ws/chat",
			"knowledge": "/v1/knowledge/documents",
			"tickets":   "/v1/tickets",
			"analytics": "/v1/analytics",
			"events":    "/v1/events",
		},
	})
}

// handleHealth is a liveness check: it answers 200 while the process
// serves requests. Dependency state is informational.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok", "service": ServiceName}
	if s.health != nil {
		resp["ready"] = s.health.Ready()
		resp["dependencies"] = s.health.Status()
	}
	s.ok(w, http.StatusOK, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.ok(w, http.StatusOK, buildinfo.RuntimeInfo())
}
