package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/store"
)

const paperTimeout = 3 * time.Minute

// PaperMaintainer re-runs or removes paper analyses.
type PaperMaintainer interface {
	Reanalyze(ctx context.Context, paperID string) (crawler.PaperAnalysis, error)
	DeletePaper(ctx context.Context, paperID string) error
}

// PaperHandler exposes analysis maintenance endpoints.
type PaperHandler struct {
	papers  PaperMaintainer
	timeout time.Duration
	logger  *zap.Logger
}

// NewPaperHandler wires the analysis stage and logger.
func NewPaperHandler(papers PaperMaintainer, logger *zap.Logger) *PaperHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperHandler{papers: papers, timeout: paperTimeout, logger: logger}
}

// Reanalyze handles POST /v1/papers/{paper_id}/reanalyze. It returns the new
// analysis, 404 for an unknown paper, 502 when the model call or its output
// fails, or 500 otherwise.
func (h *PaperHandler) Reanalyze(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	paperID := chi.URLParam(r, "paper_id")

	analysis, err := h.papers.Reanalyze(ctx, paperID)
	if err != nil {
		status := paperStatus(err)
		h.logger.Warn("reanalyze failed", zap.String("paper_id", paperID), zap.Int("status", status), zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// Delete handles DELETE /v1/papers/{paper_id}, removing the paper, its
// analysis and its vector record.
func (h *PaperHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	paperID := chi.URLParam(r, "paper_id")

	if err := h.papers.DeletePaper(ctx, paperID); err != nil {
		status := paperStatus(err)
		h.logger.Warn("delete paper failed", zap.String("paper_id", paperID), zap.Int("status", status), zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func paperStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrLLMParse), errors.Is(err, crawler.ErrLLMTransport):
		return http.StatusBadGateway
	case errors.Is(err, crawler.ErrLLMTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
