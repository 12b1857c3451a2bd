package domain

import (
	"time"

	"github.com/google/uuid"
)

type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowDisputed EscrowStatus = "disputed"
	EscrowRefunded EscrowStatus = "refunded"
)

// ReleaseType selects which condition set gates an escrow release.
type ReleaseType string

const (
	ReleaseManual      ReleaseType = "manual"
	ReleaseMilestone   ReleaseType = "milestone"
	ReleaseTimeBased   ReleaseType = "time_based"
	ReleaseDeliverable ReleaseType = "deliverable"
)

// Valid reports whether t is a known release type.
func (t ReleaseType) Valid() bool {
	switch t {
	case ReleaseManual, ReleaseMilestone, ReleaseTimeBased, ReleaseDeliverable:
		return true
	}
	return false
}

// ReleaseConditions carries the parameters of the configured release type.
type ReleaseConditions struct {
	ReleaseAt   *time.Time `json:"release_at,omitempty"`
	AgreementID *uuid.UUID `json:"agreement_id,omitempty"`
}

// EscrowRecord holds a succeeded transaction's seller proceeds until release.
type EscrowRecord struct {
	ID               uuid.UUID         `json:"id"`
	TransactionID    uuid.UUID         `json:"transaction_id"`
	BuyerID          uuid.UUID         `json:"buyer_id"`
	SellerID         uuid.UUID         `json:"seller_id"`
	EscrowedAmount   int64             `json:"escrowed_amount"`
	ReleasedAmount   int64             `json:"released_amount"`
	Currency         string            `json:"currency"`
	ReleaseType      ReleaseType       `json:"release_type"`
	Conditions       ReleaseConditions `json:"release_conditions"`
	Status           EscrowStatus      `json:"status"`
	BuyerConfirmedAt *time.Time        `json:"buyer_confirmed_at,omitempty"`
	DisputeReason    *string           `json:"dispute_reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Remaining is the amount still held.
func (e EscrowRecord) Remaining() int64 {
	return e.EscrowedAmount - e.ReleasedAmount
}

// EscrowRelease is an immutable release delta. Each release is a payable item for the seller.
type EscrowRelease struct {
	ID           uuid.UUID    `json:"id"`
	EscrowID     uuid.UUID    `json:"escrow_id"`
	RecipientID  uuid.UUID    `json:"recipient_id"`
	Amount       int64        `json:"amount"`
	ActorID      *uuid.UUID   `json:"actor_id,omitempty"`
	Reason       string       `json:"reason"`
	PayoutStatus PayoutStatus `json:"payout_status"`
	PayoutID     *uuid.UUID   `json:"payout_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Milestone belongs to a service agreement linked to an escrowed purchase.
type Milestone struct {
	ID          uuid.UUID  `json:"id"`
	AgreementID uuid.UUID  `json:"agreement_id"`
	Title       string     `json:"title"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
