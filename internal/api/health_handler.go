package api

import (
	"net/http"
	"time"

	"github.com/nmslite/nmstrans/internal/middleware"
	"github.com/nmslite/nmstrans/internal/poller"
)

// Status is the view of the running service the API exposes.
type Status interface {
	Ready() bool
	Jobs() []poller.JobInfo
	Pools() poller.PoolsSnapshot
}

// HealthHandler handles health check and status endpoints
type HealthHandler struct {
	status Status
}

func NewHealthHandler(status Status) *HealthHandler {
	return &HealthHandler{status: status}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health (liveness probe)
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now()})
}

// Ready handles GET /ready (readiness probe). It reports 503 until the
// service has scheduled its servers and again once shutdown begins.
func (h *HealthHandler) Ready(w http.ResponseWriter, _ *http.Request) {
	resp := ReadinessResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Checks:    map[string]string{"service": "ok"},
	}
	status := http.StatusOK
	if !h.status.Ready() {
		resp.Status = "not_ready"
		resp.Checks["service"] = "not started"
		status = http.StatusServiceUnavailable
	}
	sendJSON(w, status, resp)
}

type JobsResponse struct {
	Jobs  []poller.JobInfo `json:"jobs"`
	Count int              `json:"count"`
}

// Jobs handles GET /api/v1/jobs
func (h *HealthHandler) Jobs(w http.ResponseWriter, _ *http.Request) {
	jobs := h.status.Jobs()
	if jobs == nil {
		jobs = []poller.JobInfo{}
	}
	sendJSON(w, http.StatusOK, JobsResponse{Jobs: jobs, Count: len(jobs)})
}

// Pools handles GET /api/v1/pools
func (h *HealthHandler) Pools(w http.ResponseWriter, r *http.Request) {
	if !h.status.Ready() {
		middleware.SendError(w, r, http.StatusServiceUnavailable, "NOT_READY", "service is not running", nil)
		return
	}
	sendJSON(w, http.StatusOK, h.status.Pools())
}
