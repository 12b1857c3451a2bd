package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Payment gateway event types consumed by the engine.
const (
	EventPaymentProcessing = "payment_intent.processing"
	EventPaymentSucceeded  = "payment_intent.succeeded"
	EventPaymentFailed     = "payment_intent.payment_failed"
	EventPaymentCanceled   = "payment_intent.canceled"
	EventChargeRefunded    = "charge.refunded"
	EventDisputeCreated    = "charge.dispute.created"
	EventInvoicePaid       = "invoice.paid"
)

// PaymentEvent is the normalized form of a gateway webhook, recorded before it is acknowledged.
// Created is the gateway's event timestamp and orders events for the same transaction.
type PaymentEvent struct {
	EventID         string          `json:"event_id"`
	EventType       string          `json:"event_type"`
	PaymentIntentID string          `json:"payment_intent_id,omitempty"`
	TransactionID   *uuid.UUID      `json:"transaction_id,omitempty"`
	SubscriptionID  string          `json:"subscription_id,omitempty"`
	Status          string          `json:"status,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	AmountCents     int64           `json:"amount_cents,omitempty"`
	Created         time.Time       `json:"created"`
	ReceivedAt      time.Time       `json:"received_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	Outcome         string          `json:"outcome,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}
