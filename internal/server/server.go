// Package server exposes the sync engine over HTTP: trigger endpoints, job
// status polling and a health check.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/evanharte/playsync/internal/logger"
	"github.com/evanharte/playsync/internal/queue"
	"github.com/evanharte/playsync/internal/sync"
)

// Server represents the HTTP server
type Server struct {
	server      *http.Server
	syncService *sync.Service
	logger      *logger.Logger
}

// New creates the HTTP server over the given sync service
func New(addr string, syncService *sync.Service, log *logger.Logger) *Server {
	s := &Server{
		server: &http.Server{
			Addr: addr,
		},
		syncService: syncService,
		logger:      log,
	}

	handler := http.NewServeMux()
	handler.HandleFunc("/healthz", s.handleHealthCheck)
	handler.HandleFunc("/sync", s.handleSync)
	handler.HandleFunc("/sync/item", s.handleSyncItem)
	handler.HandleFunc("/jobs/", s.handleJobStatus)

	s.server.Handler = logger.HTTPMiddleware(handler)

	s.server.ReadTimeout = 10 * time.Second
	s.server.WriteTimeout = 30 * time.Second
	s.server.IdleTimeout = 120 * time.Second

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	logger.Get().Info("Starting HTTP server", map[string]interface{}{
		"addr": s.server.Addr,
	})

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Get().Info("Shutting down HTTP server", nil)
	return s.server.Shutdown(ctx)
}

// handleHealthCheck handles health check requests
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// syncRequest is the body for POST /sync
type syncRequest struct {
	UserID         string   `json:"user_id"`
	Kind           string   `json:"kind"`
	ItemRefs       []string `json:"item_refs,omitempty"`
	ForceCatalog   bool     `json:"force_catalog,omitempty"`
	ForceListening bool     `json:"force_listening,omitempty"`
}

// handleSync enqueues a sync job and returns its task ID
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	var taskID string
	switch req.Kind {
	case "", queue.KindListen:
		taskID = s.syncService.EnqueueListeningSync(req.UserID)
	case queue.KindFull:
		taskID = s.syncService.EnqueueFullSync(req.UserID, req.ItemRefs)
	case queue.KindComposite:
		taskID = s.syncService.EnqueueCompositeSync(req.UserID, req.ForceCatalog, req.ForceListening)
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown sync kind %q", req.Kind))
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// syncItemRequest is the body for POST /sync/item
type syncItemRequest struct {
	UserID string `json:"user_id"`
	ItemID string `json:"item_id"`
}

// handleSyncItem runs a synchronous single-item sync
func (s *Server) handleSyncItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req syncItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.ItemID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id and item_id are required")
		return
	}

	result := s.syncService.SyncSingleItem(r.Context(), req.UserID, req.ItemID)
	status := http.StatusOK
	if !result.OK {
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, result)
}

// handleJobStatus returns a snapshot of one job by task ID
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if taskID == "" || strings.Contains(taskID, "/") {
		s.writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	snap := s.syncService.GetJobStatus(taskID)
	if snap == nil {
		s.writeError(w, http.StatusNotFound, "unknown task ID")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
