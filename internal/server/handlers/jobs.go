package handlers

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gofetch/internal/errors"
	"github.com/3leaps/gofetch/internal/service"
	"github.com/3leaps/gofetch/pkg/jobregistry"
)

// heartbeatInterval paces SSE keepalive comments so idle streams are not
// reaped by intermediaries.
const heartbeatInterval = 15 * time.Second

// JobsHandler serves the job lifecycle API on top of the service layer.
// The zero service is tolerated: requests arriving before SetService get
// a 503 so the router can be built ahead of the service.
type JobsHandler struct {
	svc        *service.Service
	logger     *zap.Logger
	trustProxy bool
	heartbeat  time.Duration
}

// NewJobsHandler creates a handler with no service attached yet.
func NewJobsHandler(logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{
		logger:    logger,
		heartbeat: heartbeatInterval,
	}
}

// SetService attaches the service backing the API.
func (h *JobsHandler) SetService(svc *service.Service) {
	h.svc = svc
}

// SetTrustProxyHeaders controls whether owner identity honors
// X-Forwarded-For. Off unless the deployment fronts the service with a
// trusted proxy.
func (h *JobsHandler) SetTrustProxyHeaders(trust bool) {
	h.trustProxy = trust
}

func jobIDParam(r *http.Request) string {
	return chi.URLParam(r, "id")
}

func (h *JobsHandler) ready(w http.ResponseWriter, r *http.Request) (*service.Service, bool) {
	if h.svc == nil {
		apperrors.WriteError(w, r, http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable,
			"job service not initialized", nil)
		return nil, false
	}
	return h.svc, true
}

// ownerKey derives the admission identity for a request. The first hop
// of X-Forwarded-For wins when proxy headers are trusted, otherwise the
// peer address does.
func (h *JobsHandler) ownerKey(r *http.Request) string {
	if h.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			if ip := strings.TrimSpace(fwd); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type submitRequest struct {
	URL     string `json:"url"`
	Kind    string `json:"kind"`
	Quality string `json:"quality"`
	Preset  string `json:"preset"`
}

type submitResponse struct {
	JobID string               `json:"job_id"`
	State jobregistry.JobState `json:"state"`
}

// Submit accepts a fetch request and queues the job.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.ready(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, r, apperrors.NewValidation("invalid request body").WithDetail("error", err.Error()))
		return
	}

	job, err := svc.Submit(r.Context(), h.ownerKey(r), service.SubmitRequest{
		URL:     req.URL,
		Kind:    req.Kind,
		Quality: req.Quality,
		Preset:  req.Preset,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{JobID: job.JobID, State: job.State})
}

type jobListResponse struct {
	Jobs  []jobregistry.Job `json:"jobs"`
	Count int               `json:"count"`
}

// List returns all known jobs, newest first.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.ready(w, r)
	if !ok {
		return
	}

	jobs := svc.Jobs()
	writeJSON(w, http.StatusOK, jobListResponse{Jobs: jobs, Count: len(jobs)})
}

// Get returns the full view of one job.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.ready(w, r)
	if !ok {
		return
	}

	job, err := svc.Job(jobIDParam(r))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Cancel requests cancellation of a job. Accepted means the request was
// taken, not that the job already stopped.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.ready(w, r)
	if !ok {
		return
	}

	job, err := svc.Cancel(jobIDParam(r))
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	h.logger.Info("cancel accepted",
		zap.String("job_id", job.JobID),
		zap.String("state", string(job.State)))
	writeJSON(w, http.StatusAccepted, job)
}
