package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/gofetch/internal/errors"
	"github.com/3leaps/gofetch/internal/service"
	"github.com/3leaps/gofetch/pkg/cleanup"
)

// AdminHandler serves maintenance endpoints gated by a bearer token.
type AdminHandler struct {
	jobs  *JobsHandler
	token string
}

// NewAdminHandler wraps the jobs handler with token-gated admin
// operations. The token must be non-empty; the server only registers
// admin routes when one is configured.
func NewAdminHandler(jobs *JobsHandler, token string) *AdminHandler {
	return &AdminHandler{jobs: jobs, token: token}
}

func (h *AdminHandler) authorized(r *http.Request) bool {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	presented := strings.TrimPrefix(auth, prefix)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) == 1
}

type sweepResponse struct {
	Swept cleanup.Stats `json:"swept"`
	Stats service.Stats `json:"stats"`
}

// Sweep runs a retention sweep immediately and reports the result along
// with current service stats.
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		apperrors.WriteError(w, r, http.StatusUnauthorized, apperrors.CodeUnauthorized,
			"invalid or missing admin token", nil)
		return
	}

	svc, ok := h.jobs.ready(w, r)
	if !ok {
		return
	}

	stats := svc.SweepNow()
	h.jobs.logger.Info("manual sweep",
		zap.Int("expired", stats.Expired),
		zap.Int("evicted", stats.Evicted),
		zap.Int("reclaimed", stats.Reclaimed))
	writeJSON(w, http.StatusOK, sweepResponse{Swept: stats, Stats: svc.Stats()})
}
