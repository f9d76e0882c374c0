// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/chatrelay/internal/chat"
	"github.com/jeranaias/chatrelay/internal/config"
	"github.com/jeranaias/chatrelay/internal/inference"
	"github.com/jeranaias/chatrelay/internal/relay"
	"github.com/jeranaias/chatrelay/internal/util"
)

// ============================================================================
// CONSTANTS
// ============================================================================

// Version is the server version, overridden at build time with
// -ldflags "-X github.com/jeranaias/chatrelay/internal/server.Version=...".
var Version = "0.1.0-dev"

// Error categories reported in JSON error bodies. The inference categories
// come from inference.Category; the rest originate in this package.
const (
	CategoryInvalidRequest = "invalid_request"
	CategoryUnauthorized   = "unauthorized"
	CategoryRateLimited    = "rate_limited"
	CategoryInternal       = "internal_error"
)

const (
	// readHeaderTimeout bounds how long a client may take to send headers.
	readHeaderTimeout = 10 * time.Second

	// writeTimeoutSlack keeps the connection deadline past the request
	// ceiling so the in-band timeout frame can still be written.
	writeTimeoutSlack = 30 * time.Second
)

// ============================================================================
// SERVER STATS
// ============================================================================

// ServerStats counts requests for /stats. Counters are observational only.
type ServerStats struct {
	requests        atomic.Int64
	completed       atomic.Int64
	disconnected    atomic.Int64
	droppedMessages atomic.Int64
	ignoredMessages atomic.Int64
	deltas          atomic.Int64

	failures sync.Map // category -> *atomic.Int64

	startTime time.Time
}

// NewServerStats creates a new ServerStats instance.
func NewServerStats() *ServerStats {
	return &ServerStats{startTime: time.Now()}
}

func (s *ServerStats) recordFailure(category string) {
	counter, _ := s.failures.LoadOrStore(category, new(atomic.Int64))
	counter.(*atomic.Int64).Add(1)
}

// StatsSnapshot is the JSON form of ServerStats.
type StatsSnapshot struct {
	Requests        int64            `json:"requests"`
	Completed       int64            `json:"completed"`
	Disconnected    int64            `json:"disconnected"`
	Failures        map[string]int64 `json:"failures"`
	DroppedMessages int64            `json:"dropped_messages"`
	IgnoredMessages int64            `json:"ignored_messages"`
	Deltas          int64            `json:"deltas"`
	UptimeSeconds   int64            `json:"uptime_seconds"`
	StartTime       time.Time        `json:"start_time"`
}

// Snapshot returns the current counter values.
func (s *ServerStats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Requests:        s.requests.Load(),
		Completed:       s.completed.Load(),
		Disconnected:    s.disconnected.Load(),
		Failures:        make(map[string]int64),
		DroppedMessages: s.droppedMessages.Load(),
		IgnoredMessages: s.ignoredMessages.Load(),
		Deltas:          s.deltas.Load(),
		UptimeSeconds:   int64(time.Since(s.startTime).Seconds()),
		StartTime:       s.startTime,
	}
	s.failures.Range(func(key, value any) bool {
		snap.Failures[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return snap
}

// ============================================================================
// SERVER
// ============================================================================

// Server hosts the chat pipeline over HTTP.
type Server struct {
	cfg     config.ServerConfig
	svc     *chat.Service
	logger  *slog.Logger
	stats   *ServerStats
	ips     *ClientIPResolver
	limiter *RateLimiter

	router  *http.ServeMux
	handler http.Handler

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// New creates a server for cfg. A nil logger discards output.
func New(cfg config.Config, svc *chat.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		cfg:    cfg.Server,
		svc:    svc,
		logger: logger,
		stats:  NewServerStats(),
		ips:    NewClientIPResolver(cfg.Server.TrustedProxies),
		router: http.NewServeMux(),
	}
	if cfg.Server.RateLimitRPS > 0 {
		s.limiter = NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, 0)
	}

	s.setupRoutes()
	s.handler = Chain(
		RecoveryMiddleware(logger),
		RequestIDMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(logger, s.ips),
		CORSMiddleware(NewCORSConfig(cfg.Server.CORSOrigins)),
		AuthMiddleware(NewAuthConfig(cfg.Server.AuthToken, cfg.Server.AllowedIPs), s.ips, logger),
		RateLimitMiddleware(s.limiter, s.ips, logger),
	)(s.router)

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Stats returns the server counters.
func (s *Server) Stats() *ServerStats {
	return s.stats
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /api/chat", s.handleChat)
	s.router.HandleFunc("GET /api/models", s.handleModels)
	s.router.HandleFunc("GET /api/settings", s.handleSettings)

	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /stats", s.handleStats)
}

// ============================================================================
// CHAT HANDLER
// ============================================================================

// handleChat handles POST /api/chat.
//
// Failures before the backend stream opens are JSON errors with a status
// code. Once streaming starts the status is committed, and failures are
// delivered in-band as an error part.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.stats.requests.Add(1)
	requestID := RequestIDFromContext(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.MaxRequestDuration)
	defer cancel()

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.stats.recordFailure(CategoryInvalidRequest)
			writeError(w, http.StatusRequestEntityTooLarge, CategoryInvalidRequest, "Request body is too large")
			return
		}
		s.logger.Debug("REQUEST_INVALID", "request_id", requestID, "error", err)
		s.stats.recordFailure(CategoryInvalidRequest)
		writeError(w, http.StatusBadRequest, CategoryInvalidRequest, "Invalid request body")
		return
	}

	s.logger.Info("REQUEST_START",
		"request_id", requestID,
		"messages", len(req.Messages),
		"model", req.ResolvedOptions().SelectedModel,
	)

	prepared, events, err := s.svc.Stream(ctx, req)
	if prepared != nil {
		s.stats.ignoredMessages.Add(int64(prepared.Ignored))
		s.stats.droppedMessages.Add(int64(prepared.Truncation.Dropped()))
	}
	if err != nil {
		if r.Context().Err() != nil {
			s.stats.disconnected.Add(1)
			s.logger.Info("CLIENT_DISCONNECTED", "request_id", requestID, "error", err)
			return
		}
		s.writeFailure(w, requestID, err)
		return
	}

	relay.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	sink := relay.NewDataStreamWriter(w)

	res := relay.Run(ctx, events, sink)
	s.stats.deltas.Add(int64(res.Deltas))

	attrs := []any{
		"request_id", requestID,
		"message_id", sink.MessageID(),
		"model", prepared.Model,
		"deltas", res.Deltas,
		"chars", res.Chars,
		"duration", res.Duration.Round(time.Millisecond),
	}
	switch {
	case res.Completed():
		s.stats.completed.Add(1)
		s.logger.Info("REQUEST_COMPLETE", append(attrs, "finish_reason", res.FinishReason)...)
	case res.Disconnected:
		s.stats.disconnected.Add(1)
		s.logger.Info("CLIENT_DISCONNECTED", append(attrs, "error", res.Err)...)
	case inference.KindOf(res.Err) == inference.KindTimeout:
		s.stats.recordFailure(inference.KindTimeout.Category())
		s.logger.Warn("STREAM_TIMEOUT", append(attrs, "limit", s.cfg.MaxRequestDuration)...)
	default:
		s.stats.recordFailure(inference.KindStream.Category())
		s.logger.Warn("STREAM_ERROR", append(attrs, "error", util.Preview(res.Err.Error(), 200))...)
	}
}

// writeFailure reports a pre-stream pipeline error.
func (s *Server) writeFailure(w http.ResponseWriter, requestID string, err error) {
	status, category, message := describeError(err)
	s.stats.recordFailure(category)

	level := slog.LevelWarn
	if status >= 500 && category == CategoryInternal {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "REQUEST_FAILED",
		"request_id", requestID,
		"status", status,
		"category", category,
		"error", util.Preview(err.Error(), 200),
	)
	writeError(w, status, category, message)
}

// describeError maps err to an HTTP status, category and client message.
// Internal errors are not described to the client.
func describeError(err error) (int, string, string) {
	category := inference.Category(err)

	var ie *inference.Error
	if !errors.As(err, &ie) {
		if category == inference.KindUnavailable.Category() {
			return http.StatusServiceUnavailable, category, inference.ErrBackendOffline.Message
		}
		return http.StatusInternalServerError, CategoryInternal, "Internal Server Error"
	}

	switch ie.Kind {
	case inference.KindConfiguration:
		return http.StatusBadRequest, category, ie.Message
	case inference.KindUnavailable, inference.KindTimeout:
		return http.StatusServiceUnavailable, category, ie.Message
	case inference.KindRejected:
		status := ie.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		return status, category, ie.Message
	default:
		return http.StatusInternalServerError, CategoryInternal, "Internal Server Error"
	}
}

// ============================================================================
// MODELS / SETTINGS HANDLERS
// ============================================================================

// handleModels handles GET /api/models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListModels(r.Context())
	if err != nil {
		s.writeFailure(w, RequestIDFromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleSettings handles GET /api/settings.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Settings())
}

// ============================================================================
// HEALTH / STATS HANDLERS
// ============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Backend string `json:"backend"`
}

// handleHealth handles GET /health. The relay itself is healthy whenever it
// answers; the backend state is reported alongside.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Backend: s.svc.BackendStatus(r.Context()),
	})
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

func (s *Server) httpServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      s.cfg.MaxRequestDuration + writeTimeoutSlack,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
}

// ListenAndServe listens on the configured address and serves until
// Shutdown. It returns http.ErrServerClosed after a clean shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns http.ErrServerClosed
// immediately if Shutdown already ran.
func (s *Server) Serve(ln net.Listener) error {
	srv := s.httpServer(ln.Addr().String())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return http.ErrServerClosed
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("SERVER_START", "addr", ln.Addr().String(), "version", Version)
	return srv.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.mu.Lock()
	srv := s.server
	s.closed = true
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	snap := s.stats.Snapshot()
	s.logger.Info("SERVER_SHUTDOWN", "requests", snap.Requests, "completed", snap.Completed)
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Success  bool   `json:"success"`
	Error    string `json:"error"`
	Category string `json:"category"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, category, message string) {
	writeJSON(w, status, ErrorResponse{Success: false, Error: message, Category: category})
}
