package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/app"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"go.uber.org/zap"
)

const visitorCookieMaxAge = 365 * 24 * time.Hour

type createLinkRequest struct {
	DestinationURL string `json:"destination_url"`
}

// RedirectHandler resolves a short link and sends the visitor on. The click is
// recorded in the background so the redirect never waits on the write.
func (h *CommerceHandlers) RedirectHandler(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	var visitorID string
	if cookie, err := r.Cookie(VisitorCookie); err == nil && cookie.Value != "" {
		visitorID = cookie.Value
	} else {
		visitorID = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     VisitorCookie,
			Value:    visitorID,
			Path:     "/",
			MaxAge:   int(visitorCookieMaxAge.Seconds()),
			HttpOnly: true,
			Secure:   r.TLS != nil,
			SameSite: http.SameSiteLaxMode,
		})
	}

	visitor := app.Visitor{VisitorID: visitorID}
	if p, ok := PrincipalFromContext(r.Context()); ok {
		userID := p.UserID
		visitor.UserID = &userID
	}

	link, err := h.affiliate.Resolve(r.Context(), code, visitor)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.logger.Debug("affiliate redirect", zap.String("short_code", code), zap.String("campaign_id", link.CampaignID.String()))
	http.Redirect(w, r, link.DestinationURL, http.StatusFound)
}

// CreateCampaignHandler creates a campaign owned by the authenticated affiliate.
func (h *CommerceHandlers) CreateCampaignHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req domain.CreateCampaignRequest
	if !decode(w, r, &req) {
		return
	}

	campaign, err := h.affiliate.CreateCampaign(r.Context(), p.UserID, req)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

// CreateLinkHandler issues a short link for one of the affiliate's campaigns.
func (h *CommerceHandlers) CreateLinkHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	campaignID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req createLinkRequest
	if !decode(w, r, &req) {
		return
	}

	link, err := h.affiliate.CreateLink(r.Context(), p.UserID, campaignID, req.DestinationURL)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

// DeactivateCampaignHandler stops a campaign from attributing new conversions.
func (h *CommerceHandlers) DeactivateCampaignHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	campaignID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.affiliate.DeactivateCampaign(r.Context(), p.UserID, campaignID); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
