package api

import (
	"net/http"

	"github.com/orivaflow/commerce-engine/internal/app"
)

type releaseRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

type resolveRequest struct {
	Outcome app.DisputeOutcome `json:"outcome"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// ReleaseEscrowHandler releases part or all of the held amount to the seller.
func (h *CommerceHandlers) ReleaseEscrowHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req releaseRequest
	if !decode(w, r, &req) {
		return
	}

	release, err := h.escrow.Release(r.Context(), app.ReleaseRequest{
		EscrowID: id,
		Actor:    actorOf(p),
		Amount:   req.AmountCents,
		Reason:   req.Reason,
	})
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, release)
}

// ConfirmDeliveryHandler records the buyer's confirmation for deliverable escrows.
func (h *CommerceHandlers) ConfirmDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	record, err := h.escrow.ConfirmDelivery(r.Context(), id, actorOf(p))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// CompleteMilestoneHandler marks a milestone of the escrow's agreement complete.
func (h *CommerceHandlers) CompleteMilestoneHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	milestoneID, ok := pathID(w, r, "milestone_id")
	if !ok {
		return
	}

	if err := h.escrow.CompleteMilestone(r.Context(), id, milestoneID, actorOf(p)); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "completed"})
}

// OpenDisputeHandler freezes the escrow until an arbitrator resolves it.
func (h *CommerceHandlers) OpenDisputeHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req disputeRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.escrow.OpenDispute(r.Context(), id, actorOf(p), req.Reason); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, statusResponse{Status: "disputed"})
}

// ResolveDisputeHandler settles a disputed escrow. Only arbitrators may call it.
func (h *CommerceHandlers) ResolveDisputeHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Outcome != app.DisputeRelease && req.Outcome != app.DisputeRefund {
		writeError(w, http.StatusBadRequest, "outcome must be release or refund")
		return
	}

	if err := h.escrow.ResolveDispute(r.Context(), id, actorOf(p), req.Outcome); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: string(req.Outcome)})
}
