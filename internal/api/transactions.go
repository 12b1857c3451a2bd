package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/domain"
)

// VisitorCookie carries the anonymous visitor id set by affiliate redirects.
const VisitorCookie = "ofv_vid"

// CheckoutHandler starts a purchase for the authenticated buyer.
func (h *CommerceHandlers) CheckoutHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req domain.CheckoutRequest
	if !decode(w, r, &req) {
		return
	}
	if req.BuyerID != uuid.Nil && req.BuyerID != p.UserID {
		writeError(w, http.StatusForbidden, "buyer_id does not match the authenticated user")
		return
	}
	req.BuyerID = p.UserID
	if req.VisitorID == "" {
		if cookie, err := r.Cookie(VisitorCookie); err == nil {
			req.VisitorID = cookie.Value
		}
	}

	resp, err := h.transactions.Checkout(r.Context(), req)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetTransactionHandler returns a transaction to its buyer or seller.
func (h *CommerceHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	tx, err := h.transactions.Get(r.Context(), p.UserID, id)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// CancelTransactionHandler cancels a pending transaction of the buyer.
func (h *CommerceHandlers) CancelTransactionHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	tx, err := h.transactions.Cancel(r.Context(), p.UserID, id)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}
