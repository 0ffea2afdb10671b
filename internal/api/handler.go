// Package api provides the HTTP API handlers and routing for the extraction service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"extractd/internal/apperrors"
	"extractd/internal/broadcast"
	"extractd/internal/health"
	"extractd/internal/job"
	"extractd/internal/observability"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Control is the orchestrator surface the API drives.
type Control interface {
	Start(ctx context.Context, req *job.Request) (*job.Response, error)
	Pause(ctx context.Context, jobID string) (*job.Job, error)
	Resume(ctx context.Context, jobID string) (*job.Job, error)
	Cancel(ctx context.Context, jobID string) (*job.Job, error)
	Progress(ctx context.Context, jobID string) (*job.Snapshot, error)
	Logs(ctx context.Context, jobID string) ([]job.LogLine, error)
	List(ctx context.Context, sessionID string) ([]*job.Job, error)
	Subscribe(jobID string) (<-chan broadcast.Event, func())
}

// Handler contains HTTP handlers for the extractions API
type Handler struct {
	orch    Control
	metrics *observability.Metrics
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(orch Control, metrics *observability.Metrics, healthChecker *health.Checker) *Handler {
	return &Handler{
		orch:    orch,
		metrics: metrics,
		health:  healthChecker,
	}
}

// StartExtraction handles POST /v1/extractions
func (h *Handler) StartExtraction(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.orch.Start(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListExtractions handles GET /v1/extractions?sessionId=
func (h *Handler) ListExtractions(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, "sessionId parameter is required")
		return
	}

	jobs, err := h.orch.List(r.Context(), sessionID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetExtraction handles GET /v1/extractions/{jobId}
func (h *Handler) GetExtraction(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	snapshot, err := h.orch.Progress(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, snapshot)
}

// GetExtractionLogs handles GET /v1/extractions/{jobId}/logs
func (h *Handler) GetExtractionLogs(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	// Logs exist only for known jobs; surface 404 for unknown IDs.
	if _, err := h.orch.Progress(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	logs, err := h.orch.Logs(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"jobId": jobID, "logs": logs})
}

// PauseExtraction handles POST /v1/extractions/{jobId}/pause
func (h *Handler) PauseExtraction(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.orch.Pause)
}

// ResumeExtraction handles POST /v1/extractions/{jobId}/resume
func (h *Handler) ResumeExtraction(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.orch.Resume)
}

// CancelExtraction handles POST /v1/extractions/{jobId}/cancel
func (h *Handler) CancelExtraction(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.orch.Cancel)
}

// control runs one synchronous lifecycle operation and writes the updated
// snapshot.
func (h *Handler) control(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*job.Job, error)) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	j, err := op(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, job.SnapshotOf(j))
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if dependencies (store, worker) are unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
