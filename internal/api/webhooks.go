/**
 * @description
 * This file contains the HTTP handler for payment gateway webhooks. It is the
 * only entry point for payment state changes.
 *
 * Key features:
 * - Security: Verifies the timestamped HMAC signature before reading the payload.
 * - Parsing: Normalizes the gateway envelope into a domain.PaymentEvent.
 * - Durability: Acknowledges only after the event id is recorded and queued, so
 *   the gateway redelivers anything the engine could not take.
 *
 * @dependencies
 * - github.com/orivaflow/commerce-engine/pkg/paymentclient: Signature checks and envelope decoding.
 * - go.uber.org/zap: Structured logging.
 */

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/app"
	"github.com/orivaflow/commerce-engine/internal/clock"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/orivaflow/commerce-engine/pkg/paymentclient"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// Ingestor records and enqueues a verified event.
type Ingestor interface {
	Ingest(ctx context.Context, ev domain.PaymentEvent) error
}

// WebhookHandler processes incoming webhooks from the payment gateway.
type WebhookHandler struct {
	ingestor  Ingestor
	secret    string
	tolerance time.Duration
	clock     clock.Clock
	logger    *zap.Logger
}

// NewWebhookHandler creates the handler. A zero tolerance uses paymentclient.DefaultTolerance.
func NewWebhookHandler(ingestor Ingestor, secret string, tolerance time.Duration, clk clock.Clock, logger *zap.Logger) *WebhookHandler {
	if tolerance <= 0 {
		tolerance = paymentclient.DefaultTolerance
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{
		ingestor:  ingestor,
		secret:    secret,
		tolerance: tolerance,
		clock:     clk,
		logger:    logger.With(zap.String("component", "webhook_handler")),
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	logger := h.logger.With(zap.String("request_id", middleware.GetReqID(r.Context())))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		logger.Warn("cannot read webhook body", zap.Error(err))
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxWebhookBody {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := paymentclient.VerifySignature(body, r.Header.Get(paymentclient.SignatureHeader), h.secret, h.tolerance, h.clock.Now()); err != nil {
		logger.Warn("webhook signature rejected", zap.Error(err))
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	evt, obj, err := paymentclient.ParseEvent(body)
	if err != nil {
		logger.Warn("webhook payload rejected", zap.Error(err))
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	ev := PaymentEventFromGateway(evt, obj, body)

	err = h.ingestor.Ingest(r.Context(), ev)
	switch {
	case errors.Is(err, app.ErrDuplicateEvent):
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Duplicate event ignored"))
		return
	case errors.Is(err, app.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		logger.Error("webhook not accepted", zap.String("event_id", ev.EventID), zap.Error(err))
		http.Error(w, "Event could not be accepted, retry later", http.StatusServiceUnavailable)
		return
	}

	logger.Info("webhook processed",
		zap.String("event_id", ev.EventID),
		zap.String("event_type", ev.EventType),
		zap.Duration("elapsed", time.Since(startTime)))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Webhook received"))
}

// PaymentEventFromGateway maps the parsed gateway envelope onto the engine's event.
// The transaction id comes from the metadata attached at checkout, falling back to
// the subscription metadata on invoices.
func PaymentEventFromGateway(evt *paymentclient.Event, obj *paymentclient.EventObject, payload []byte) domain.PaymentEvent {
	ev := domain.PaymentEvent{
		EventID:        evt.ID,
		EventType:      evt.Type,
		SubscriptionID: obj.Subscription,
		Status:         obj.Status,
		AmountCents:    obj.Amount,
		Created:        time.Unix(evt.Created, 0).UTC(),
		Payload:        payload,
	}

	if obj.Object == "payment_intent" {
		ev.PaymentIntentID = obj.ID
	} else {
		ev.PaymentIntentID = obj.PaymentIntent
	}

	switch evt.Type {
	case domain.EventChargeRefunded:
		ev.AmountCents = obj.AmountRefunded
	case domain.EventInvoicePaid:
		ev.AmountCents = obj.AmountPaid
		ev.Status = obj.BillingReason
	}

	if obj.LastPaymentError != nil && obj.LastPaymentError.Message != "" {
		ev.FailureReason = obj.LastPaymentError.Message
	} else if obj.Reason != "" {
		ev.FailureReason = obj.Reason
	}

	raw := obj.Metadata["transaction_id"]
	if raw == "" && obj.SubscriptionDetails != nil {
		raw = obj.SubscriptionDetails.Metadata["transaction_id"]
	}
	if id, err := uuid.Parse(raw); err == nil {
		ev.TransactionID = &id
	}
	return ev
}
