package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/orivaflow/commerce-engine/internal/domain"
	"go.uber.org/zap"
)

type adResponse struct {
	Ad *domain.AdSelection `json:"ad"`
}

// SelectAdHandler runs the auction for one placement. No fill, including a
// selection that does not finish within the timeout, answers 204.
func (h *CommerceHandlers) SelectAdHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.PlacementRequest
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.selectTimeout)
	defer cancel()

	sel, err := h.ads.Select(ctx, req)
	if errors.Is(err, context.DeadlineExceeded) {
		h.logger.Warn("ad selection timed out", zap.String("placement", req.Placement), zap.Duration("timeout", h.selectTimeout))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if sel == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, adResponse{Ad: sel})
}
