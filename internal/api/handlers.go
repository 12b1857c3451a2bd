/**
 * @description
 * HTTP handlers of the commerce API. Each handler decodes the request, calls
 * the matching engine component and maps its errors onto status codes.
 *
 * @dependencies
 * - github.com/orivaflow/commerce-engine/internal/app: Engine components and error kinds.
 * - go.uber.org/zap: Structured logging.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/app"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"go.uber.org/zap"
)

// DefaultSelectTimeout bounds ad selection when no timeout is configured.
const DefaultSelectTimeout = 50 * time.Millisecond

type TransactionService interface {
	Checkout(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutResponse, error)
	Cancel(ctx context.Context, buyerID, txID uuid.UUID) (*domain.Transaction, error)
	Get(ctx context.Context, actorID, txID uuid.UUID) (*domain.Transaction, error)
}

type AffiliateService interface {
	CreateCampaign(ctx context.Context, affiliateID uuid.UUID, req domain.CreateCampaignRequest) (*domain.AffiliateCampaign, error)
	DeactivateCampaign(ctx context.Context, affiliateID, campaignID uuid.UUID) error
	CreateLink(ctx context.Context, affiliateID, campaignID uuid.UUID, destination string) (*domain.AffiliateLink, error)
	Resolve(ctx context.Context, code string, visitor app.Visitor) (*domain.AffiliateLink, error)
}

type EscrowService interface {
	Release(ctx context.Context, req app.ReleaseRequest) (*domain.EscrowRelease, error)
	ConfirmDelivery(ctx context.Context, escrowID uuid.UUID, actor app.Actor) (*domain.EscrowRecord, error)
	CompleteMilestone(ctx context.Context, escrowID, milestoneID uuid.UUID, actor app.Actor) error
	OpenDispute(ctx context.Context, escrowID uuid.UUID, actor app.Actor, reason string) error
	ResolveDispute(ctx context.Context, escrowID uuid.UUID, actor app.Actor, outcome app.DisputeOutcome) error
}

type AdSelector interface {
	Select(ctx context.Context, req domain.PlacementRequest) (*domain.AdSelection, error)
}

// CommerceHandlers holds the dependencies of the commerce API handlers.
type CommerceHandlers struct {
	transactions  TransactionService
	affiliate     AffiliateService
	escrow        EscrowService
	ads           AdSelector
	selectTimeout time.Duration
	logger        *zap.Logger
}

// NewCommerceHandlers creates the handler set. A non-positive selectTimeout uses DefaultSelectTimeout.
func NewCommerceHandlers(transactions TransactionService, affiliate AffiliateService, escrow EscrowService, ads AdSelector, selectTimeout time.Duration, logger *zap.Logger) *CommerceHandlers {
	if selectTimeout <= 0 {
		selectTimeout = DefaultSelectTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommerceHandlers{
		transactions:  transactions,
		affiliate:     affiliate,
		escrow:        escrow,
		ads:           ads,
		selectTimeout: selectTimeout,
		logger:        logger.With(zap.String("component", "api")),
	}
}

// writeJSON is a helper function to write a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError is a helper function to write a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAppError maps an engine error onto its status code.
func (h *CommerceHandlers) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var conditionErr *app.EscrowConditionUnmetError
	var gatewayErr *app.PaymentGatewayError

	switch {
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrInventoryExhausted):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrNotCancellable),
		errors.Is(err, app.ErrEscrowNotHeld),
		errors.Is(err, app.ErrEscrowReleaseExceedsBalance):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &conditionErr):
		writeError(w, http.StatusUnprocessableEntity, conditionErr.Error())
	case errors.As(err, &gatewayErr):
		h.logger.Error("payment gateway call failed",
			zap.String("endpoint", r.URL.Path),
			zap.String("op", gatewayErr.Op),
			zap.Error(gatewayErr.Err))
		writeError(w, http.StatusBadGateway, "payment provider unavailable")
	default:
		h.logger.Error("request failed", zap.String("endpoint", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func principal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
	}
	return p, ok
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// decode reads an optional JSON body into dst. An empty body leaves dst untouched.
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func actorOf(p Principal) app.Actor {
	return app.Actor{ID: p.UserID, Arbitrator: p.Arbitrator}
}
