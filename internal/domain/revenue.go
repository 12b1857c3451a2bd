package domain

import (
	"time"

	"github.com/google/uuid"
)

type RecipientType string

const (
	RecipientSeller    RecipientType = "seller"
	RecipientAffiliate RecipientType = "affiliate"
	RecipientPlatform  RecipientType = "platform"
)

// PayoutStatus is shared by revenue shares, escrow releases and payouts.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutEscrowed   PayoutStatus = "escrowed"
	PayoutProcessing PayoutStatus = "processing"
	PayoutPaid       PayoutStatus = "paid"
	PayoutFailed     PayoutStatus = "failed"
	PayoutReversed   PayoutStatus = "reversed"
	PayoutRetained   PayoutStatus = "retained"
	PayoutSettled    PayoutStatus = "settled"
)

// RevenueShare is one recipient's portion of a succeeded transaction.
type RevenueShare struct {
	ID            uuid.UUID     `json:"id"`
	TransactionID uuid.UUID     `json:"transaction_id"`
	RecipientID   uuid.UUID     `json:"recipient_id"`
	RecipientType RecipientType `json:"recipient_type"`
	Amount        int64         `json:"amount"`
	PayoutStatus  PayoutStatus  `json:"payout_status"`
	PayoutID      *uuid.UUID    `json:"payout_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// PayableKind identifies the ledger row behind a PayableItem.
type PayableKind string

const (
	PayableShare         PayableKind = "revenue_share"
	PayableEscrowRelease PayableKind = "escrow_release"
)

// PayableItem is a pending amount owed to an earner, from either ledger.
type PayableItem struct {
	Kind      PayableKind `json:"kind"`
	ID        uuid.UUID   `json:"id"`
	EarnerID  uuid.UUID   `json:"earner_id"`
	Amount    int64       `json:"amount"`
	CreatedAt time.Time   `json:"created_at"`
}

// Payout is one disbursement per earner per period. Net == Gross - Fees.
type Payout struct {
	ID            uuid.UUID    `json:"id"`
	EarnerID      uuid.UUID    `json:"earner_id"`
	PeriodStart   time.Time    `json:"period_start"`
	PeriodEnd     time.Time    `json:"period_end"`
	Gross         int64        `json:"gross"`
	Fees          int64        `json:"fees"`
	Net           int64        `json:"net"`
	Currency      string       `json:"currency"`
	Status        PayoutStatus `json:"status"`
	ProviderRef   *string      `json:"provider_ref,omitempty"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at,omitempty"`
	LastError     *string      `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
