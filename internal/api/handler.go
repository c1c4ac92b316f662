// Package api provides the HTTP API handlers and routing for the compute gateway.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/natcap/invest-compute/internal/apperrors"
	"github.com/natcap/invest-compute/internal/health"
	"github.com/natcap/invest-compute/internal/job"
)

// maxRequestBodySize limits request body to 2MB to prevent memory exhaustion
const maxRequestBodySize = 2 << 20

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc    *job.Service
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		health: healthChecker,
	}
}

// executeRequest is the wire form of a job submission.
type executeRequest struct {
	ProcessID string        `json:"processId"`
	Script    string        `json:"script"`
	Callback  *job.Callback `json:"callback,omitempty"`
}

// ExecuteJob handles POST /v1/jobs.
// The execution mode follows the Prefer header: "respond-async" returns 202
// as soon as the job is accepted, otherwise the request blocks until the job
// finishes and returns its results.
func (h *Handler) ExecuteJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	req := &job.Request{
		ProcessID: body.ProcessID,
		Script:    []byte(body.Script),
		Callback:  body.Callback,
		Mode:      requestedMode(r),
	}

	resp, err := h.svc.Execute(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	status := http.StatusOK
	if req.Mode == job.ModeAsync {
		status = http.StatusAccepted
		w.Header().Set("Location", "/v1/jobs/"+resp.JobID)
	}
	h.writeJSON(w, status, resp)
}

// requestedMode resolves the execution mode from the Prefer header.
func requestedMode(r *http.Request) job.Mode {
	for _, pref := range r.Header.Values("Prefer") {
		for _, token := range strings.Split(pref, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "respond-async") {
				return job.ModeAsync
			}
		}
	}
	return job.ModeSync
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	status, err := h.svc.Status(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// GetJobResults handles GET /v1/jobs/{jobId}/results
func (h *Handler) GetJobResults(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	record, err := h.svc.Result(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, record)
}

// DeleteJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.svc.Cancel(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if the scheduler backend is unavailable.
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
