// Package server exposes the analysis service over HTTP: task submission
// and status, queue introspection, a WebSocket progress feed, health and
// Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tradingagents/analysisd/service"
	"github.com/tradingagents/analysisd/store"
	"github.com/tradingagents/analysisd/task"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// Server serves the HTTP API.
type Server struct {
	svc    *service.Service
	hub    *Hub
	logger *slog.Logger
	addr   string
}

// New creates the server. The hub may be nil when WebSocket fan-out is
// disabled.
func New(addr string, svc *service.Service, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, hub: hub, logger: logger, addr: addr}
}

// Routes registers all handlers on the mux:
//
//	POST /api/analysis                submit one task
//	POST /api/analysis/batch          submit a batch
//	GET  /api/analysis                list tasks
//	GET  /api/analysis/{id}           merged task status
//	POST /api/analysis/{id}/cancel    cancel a task
//	GET  /api/batches/{id}            batch counters
//	GET  /api/queue/stats             queue occupancy
//	GET  /api/queue/users/{id}        user admission headroom
//	POST /api/admin/cleanup           force zombie cleanup
//	GET  /healthz
//	GET  /metrics
//	GET  /ws/progress                 WebSocket task updates
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/analysis", s.handleAnalysis)
	mux.HandleFunc("/api/analysis/", s.handleAnalysisItem)
	mux.HandleFunc("/api/batches/", s.handleBatch)
	mux.HandleFunc("/api/queue/stats", s.handleQueueStats)
	mux.HandleFunc("/api/queue/users/", s.handleUserQueue)
	mux.HandleFunc("/api/admin/cleanup", s.handleCleanup)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		mux.Handle("/ws/progress", s.hub.Handler())
	}
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	s.Routes(mux)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type submitRequest struct {
	UserID  string      `json:"user_id"`
	Symbol  string      `json:"symbol"`
	Symbols []string    `json:"symbols,omitempty"`
	Params  task.Params `json:"parameters"`
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	t, err := s.svc.Submit(r.Context(), req.UserID, req.Symbol, req.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		UserID: q.Get("user_id"),
		Limit:  intQuery(q.Get("limit"), 20),
		Offset: intQuery(q.Get("offset"), 0),
	}
	if raw := q.Get("status"); raw != "" {
		status, err := task.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = status
	}

	tasks, err := s.svc.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// handleAnalysisItem routes /api/analysis/{id} and /api/analysis/{id}/cancel,
// plus POST /api/analysis/batch.
func (s *Server) handleAnalysisItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/analysis/")
	if rest == "batch" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleSubmitBatch(w, r)
		return
	}

	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "task id is required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleStatus(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		s.handleCancel(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown route")
	}
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	batch, tasks, errs, err := s.svc.SubmitBatch(r.Context(), req.UserID, req.Symbols, req.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rejected := make(map[string]string)
	for i, e := range errs {
		if e != nil {
			rejected[req.Symbols[i]] = e.Error()
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch":    batch,
		"tasks":    tasks,
		"rejected": rejected,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	status, err := s.svc.GetStatus(r.Context(), id)
	if errors.Is(err, service.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load task status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	err := s.svc.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, service.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "task already finished")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "cancelled"})
	}
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/batches/")
	if id == "" {
		writeError(w, http.StatusNotFound, "batch id is required")
		return
	}

	batch, err := s.svc.GetBatch(r.Context(), id)
	if errors.Is(err, service.ErrNotFound) {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load batch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch":    batch,
		"progress": batch.BatchProgress(),
		"done":     batch.Done(),
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.svc.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":    stats,
		"registry": s.svc.RegistryStats(),
	})
}

func (s *Server) handleUserQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := strings.TrimPrefix(r.URL.Path, "/api/queue/users/")
	if userID == "" {
		writeError(w, http.StatusNotFound, "user id is required")
		return
	}
	status, err := s.svc.UserQueueStatus(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read user queue status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	hours := intQuery(r.URL.Query().Get("max_running_hours"), 2)
	report, err := s.svc.CleanupZombies(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	if s.hub != nil {
		health["websocket_clients"] = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, health)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response is already partially written; nothing to recover.
		_ = err
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
