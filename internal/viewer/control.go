package viewer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/stacklok/frame-sync/internal/state"
	"github.com/stacklok/frame-sync/internal/status"
	"github.com/stacklok/frame-sync/internal/sync"
	"github.com/stacklok/frame-sync/internal/versions"
)

const (
	defaultRunLimit = 10
	maxRunLimit     = 500
)

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Running bool               `json:"running"`
	Status  *status.SyncStatus `json:"status,omitempty"`
	Runs    []state.RunRecord  `json:"runs"`
}

// healthz handles GET /healthz
func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, map[string]any{
		"status":  "ok",
		"version": versions.Get().Version,
	}, http.StatusOK)
}

// getStatus handles GET /status?limit=N
func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRunLimit {
			writeErrorResponse(w, "limit must be between 1 and "+strconv.Itoa(maxRunLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	resp := StatusResponse{Runs: []state.RunRecord{}}
	if h.cfg.trigger != nil {
		resp.Running = h.cfg.trigger.Running()
	}

	if h.cfg.status != nil {
		st, err := h.cfg.status.LoadStatus(r.Context())
		if err != nil {
			slog.Warn("Failed to load sync status", "error", err)
		} else {
			resp.Status = st
		}
	}

	if h.cfg.history != nil {
		runs, err := h.cfg.history.ListRuns(r.Context(), limit)
		if err != nil {
			slog.Error("Failed to list runs", "error", err)
			writeErrorResponse(w, "failed to read run history", http.StatusInternalServerError)
			return
		}
		if runs != nil {
			resp.Runs = runs
		}
	}

	writeJSONResponse(w, resp, http.StatusOK)
}

// startSync handles POST /sync
func (h *handlers) startSync(w http.ResponseWriter, _ *http.Request) {
	err := h.cfg.trigger.RunAsync(h.cfg.runCtx)
	switch {
	case errors.Is(err, sync.ErrRunInProgress):
		writeErrorResponse(w, "a sync run is already in progress", http.StatusConflict)
	case err != nil:
		slog.Error("Failed to start sync", "error", err)
		writeErrorResponse(w, "failed to start sync", http.StatusInternalServerError)
	default:
		writeJSONResponse(w, map[string]string{"status": "started"}, http.StatusAccepted)
	}
}

func writeJSONResponse(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

func writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	writeJSONResponse(w, map[string]string{"error": message}, statusCode)
}
