// Package transport provides the spammer's HTTP API.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/blockspammer/internal/storage"
	"github.com/gateway-fm/blockspammer/pkg/types"
)

// Pagination limits.
const (
	defaultRunsLimit = 50
	maxRunsLimit     = 100
	defaultTxsLimit  = 100
	maxTxsLimit      = 1000
)

// RunStore is the read side of storage the API serves.
type RunStore interface {
	ListRuns(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error)
	GetRun(ctx context.Context, id types.RunID) (*types.Run, error)
	DeleteRun(ctx context.Context, id types.RunID) error
	GetRunTxs(ctx context.Context, id types.RunID, limit, offset int) (*storage.PaginatedRunTxs, error)
	GetRunTxByHash(ctx context.Context, hash string) (*types.RunTx, error)
}

// StatusProvider reports the live run.
type StatusProvider interface {
	Status() types.LiveStatus
}

// HealthCheck is one named readiness probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config configures a Server.
type Config struct {
	// Store may be nil when the spammer runs without a database; the run
	// endpoints then answer 503.
	Store  RunStore
	Status StatusProvider
	Checks []HealthCheck
	// Gatherer backs /metrics (default: prometheus.DefaultGatherer).
	Gatherer prometheus.Gatherer
	// CORSAllowedOrigins is a comma-separated list, or "*" for all.
	CORSAllowedOrigins string
	// BroadcastInterval paces live status pushes on /v1/ws (default 500ms).
	BroadcastInterval time.Duration
	Logger            *slog.Logger
}

// Server handles HTTP requests for the spammer.
type Server struct {
	store     RunStore
	status    StatusProvider
	checks    []HealthCheck
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a Server. When a StatusProvider is set the live status
// broadcaster starts immediately; call Close to stop it.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		store:     cfg.Store,
		status:    cfg.Status,
		checks:    cfg.Checks,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
	}
	if cfg.Status != nil {
		s.wsServer = NewWebSocketServer(cfg.Status, cfg.BroadcastInterval, logger)
		s.wsServer.Start()
	}

	origins := strings.TrimSpace(cfg.CORSAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		for _, o := range strings.Split(origins, ",") {
			s.corsAllowedOrigins = append(s.corsAllowedOrigins, strings.TrimSpace(o))
		}
	}

	return s
}

// Close stops the live status broadcaster.
func (s *Server) Close() {
	if s.wsServer != nil {
		s.wsServer.Stop()
	}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/runs", s.corsMiddleware(s.handleRuns))
	mux.HandleFunc("/v1/runs/", s.corsMiddleware(s.handleRunDetail))
	mux.HandleFunc("/v1/txs/", s.corsMiddleware(s.handleTxByHash))
	if s.wsServer != nil {
		mux.HandleFunc("/v1/ws", s.wsServer.Handler())
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", slog.Any("error", err))
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// storeError maps storage errors to status codes.
func (s *Server) storeError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	s.logger.Error("storage query failed", slog.String("query", what), slog.Any("error", err))
	s.writeJSONError(w, "Failed to "+what+": "+err.Error(), http.StatusInternalServerError)
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		s.writeJSONError(w, "Run storage is disabled", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var st types.LiveStatus
	if s.status != nil {
		st = s.status.Status()
	}
	s.writeJSON(w, st)
}

// handleRuns handles GET /v1/runs.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireStore(w) {
		return
	}

	limit, offset := pagination(r, defaultRunsLimit, maxRunsLimit)
	result, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.storeError(w, "list runs", err)
		return
	}
	s.writeJSON(w, result)
}

// handleRunDetail routes /v1/runs/{id} and /v1/runs/{id}/txs.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/runs/"), "/")
	parts := strings.Split(path, "/")

	if parts[0] == "" {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil || id == 0 {
		s.writeJSONError(w, "Invalid run ID: "+parts[0], http.StatusBadRequest)
		return
	}
	runID := types.RunID(id)

	switch {
	case len(parts) == 2 && parts[1] == "txs":
		s.handleRunTxs(w, r, runID)
		return
	case len(parts) > 1:
		s.writeJSONError(w, "Not found", http.StatusNotFound)
		return
	}
	if !s.requireStore(w) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		run, err := s.store.GetRun(r.Context(), runID)
		if err != nil {
			s.storeError(w, "get run", err)
			return
		}
		s.writeJSON(w, run)
	case http.MethodDelete:
		if err := s.store.DeleteRun(r.Context(), runID); err != nil {
			s.storeError(w, "delete run", err)
			return
		}
		s.writeJSON(w, map[string]bool{"deleted": true})
	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRunTxs handles GET /v1/runs/{id}/txs.
func (s *Server) handleRunTxs(w http.ResponseWriter, r *http.Request, runID types.RunID) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireStore(w) {
		return
	}

	limit, offset := pagination(r, defaultTxsLimit, maxTxsLimit)
	result, err := s.store.GetRunTxs(r.Context(), runID, limit, offset)
	if err != nil {
		s.storeError(w, "get run txs", err)
		return
	}
	s.writeJSON(w, result)
}

// handleTxByHash handles GET /v1/txs/{hash}.
func (s *Server) handleTxByHash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireStore(w) {
		return
	}

	hash := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/txs/"), "/")
	if !isTxHash(hash) {
		s.writeJSONError(w, "Invalid tx hash: "+hash, http.StatusBadRequest)
		return
	}

	tx, err := s.store.GetRunTxByHash(r.Context(), hash)
	if err != nil {
		s.storeError(w, "get tx", err)
		return
	}
	s.writeJSON(w, tx)
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok" or "failed"
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// handleReady runs every configured check.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make([]ReadinessCheck, 0, len(s.checks))
	allHealthy := true
	for _, hc := range s.checks {
		start := time.Now()
		err := hc.Check(ctx)
		check := ReadinessCheck{
			Name:      hc.Name,
			Status:    "ok",
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			allHealthy = false
		}
		checks = append(checks, check)
	}

	w.Header().Set("Content-Type", "application/json")
	if allHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"ready":  allHealthy,
		"checks": checks,
	})
}

// pagination reads limit and offset query parameters. Out-of-range values
// fall back to the defaults.
func pagination(r *http.Request, defLimit, maxLimit int) (int, int) {
	limit, offset := defLimit, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 && l <= maxLimit {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func isTxHash(s string) bool {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
