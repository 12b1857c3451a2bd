/**
 * @description
 * This file defines the core data structures for commerce transactions. The
 * structs mirror the persisted rows and the request/response bodies of the
 * checkout API.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID types.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionStatus is the lifecycle state of a commerce transaction.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusSucceeded  TransactionStatus = "succeeded"
	StatusFailed     TransactionStatus = "failed"
	StatusRefunded   TransactionStatus = "refunded"
	StatusDisputed   TransactionStatus = "disputed"
	StatusCancelled  TransactionStatus = "cancelled"
)

// Transaction represents a single purchase of an item by a buyer.
// Amounts are integer cents and always satisfy Amount == PlatformFee + ProcessingFee + SellerNet.
type Transaction struct {
	ID                  uuid.UUID         `json:"id"`
	BuyerID             uuid.UUID         `json:"buyer_id"`
	SellerID            uuid.UUID         `json:"seller_id"`
	ItemID              uuid.UUID         `json:"item_id"`
	ItemType            ItemType          `json:"item_type"`
	Quantity            int64             `json:"quantity"`
	Amount              int64             `json:"amount"`
	Currency            string            `json:"currency"`
	PlatformFee         int64             `json:"platform_fee"`
	ProcessingFee       int64             `json:"processing_fee"`
	SellerNet           int64             `json:"seller_net"`
	Status              TransactionStatus `json:"status"`
	ExternalPaymentRef  *string           `json:"external_payment_ref,omitempty"`
	ClientSecret        *string           `json:"-"`
	UsesEscrow          bool              `json:"uses_escrow"`
	VisitorID           *string           `json:"visitor_id,omitempty"`
	SubscriptionID      *string           `json:"subscription_id,omitempty"`
	ParentTransactionID *uuid.UUID        `json:"parent_transaction_id,omitempty"`
	FailureReason       *string           `json:"failure_reason,omitempty"`
	NeedsReview         bool              `json:"needs_review"`
	LastEventAt         *time.Time        `json:"last_event_at,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// CheckoutRequest is the body of POST /transactions.
type CheckoutRequest struct {
	BuyerID   uuid.UUID `json:"buyer_id"`
	ItemID    uuid.UUID `json:"item_id"`
	Quantity  int64     `json:"quantity"`
	VisitorID string    `json:"visitor_id,omitempty"`
}

// CheckoutResponse is returned once the pending transaction and payment intent exist.
type CheckoutResponse struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	ClientSecret  string    `json:"client_secret"`
}

// EarnerType classifies an actor who can receive revenue through the platform.
type EarnerType string

const (
	EarnerDeveloper  EarnerType = "developer"
	EarnerCreator    EarnerType = "creator"
	EarnerInfluencer EarnerType = "influencer"
	EarnerVendor     EarnerType = "vendor"
	EarnerAdvertiser EarnerType = "advertiser"
	EarnerAffiliate  EarnerType = "affiliate"
)

// Earner is a seller, affiliate or other payee with an external payout account.
type Earner struct {
	ID              uuid.UUID  `json:"id"`
	EarnerType      EarnerType `json:"earner_type"`
	DisplayName     string     `json:"display_name"`
	PayoutAccountID *string    `json:"payout_account_id,omitempty"`
}

// FeeBreakdown is the output of the fee calculator.
type FeeBreakdown struct {
	PlatformFee    int64 `json:"platform_fee_cents"`
	ProcessingFee  int64 `json:"processing_fee_cents"`
	Net            int64 `json:"net_cents"`
	PlatformRateBP int64 `json:"platform_rate_bp"`
}
