package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-automation/internal/store"
)

// StageStatsHandler serves the per-stage aggregates written by the progress
// store sink.
type StageStatsHandler struct {
	repo    store.ProgressRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewStageStatsHandler builds a handler over repo.
func NewStageStatsHandler(repo store.ProgressRepository, logger *zap.Logger) *StageStatsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StageStatsHandler{repo: repo, timeout: 5 * time.Second, logger: logger}
}

// ServeHTTP handles GET /v1/runs/{run_id}/stages.
func (h *StageStatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stats, err := h.repo.ListStageStats(ctx, runID)
	if err != nil {
		h.logger.Error("list stage stats failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stage stats")
		return
	}
	if stats == nil {
		stats = []store.StageStats{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "stages": stats})
}
