/**
 * @description
 * This file defines the data access contracts of the engine. Each aggregate has
 * its own interface so the components only depend on what they touch, and the
 * combined Repository adds RunInTx for the operations that must apply as one unit.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID types.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/domain"
)

var (
	ErrNotFound                    = errors.New("record not found")
	ErrDuplicate                   = errors.New("record already exists")
	ErrInventoryExhausted          = errors.New("inventory exhausted")
	ErrReservationNotActive        = errors.New("reservation is not active")
	ErrEscrowNotHeld               = errors.New("escrow is not held")
	ErrEscrowReleaseExceedsBalance = errors.New("escrow release exceeds remaining balance")
	ErrEscrowStateConflict         = errors.New("escrow status changed concurrently")
	ErrClickAlreadyConverted       = errors.New("affiliate click already converted")
	ErrPayoutExists                = errors.New("payout already exists for earner and period")
	ErrNotPayable                  = errors.New("item is no longer payable")
	ErrBudgetExhausted             = errors.New("ad campaign daily budget exhausted")
)

// TransitionParams are the optional columns written with a status change.
type TransitionParams struct {
	FailureReason *string
	NeedsReview   bool
	EventAt       *time.Time
}

type CatalogStore interface {
	GetItem(ctx context.Context, id uuid.UUID) (*domain.Item, error)
	GetEarner(ctx context.Context, id uuid.UUID) (*domain.Earner, error)
}

type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	// LockTransaction reads the row for update; inside RunInTx no other writer can change it until commit.
	LockTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetTransactionByPaymentRef(ctx context.Context, ref string) (*domain.Transaction, error)
	// GetSubscriptionOrigin returns the first transaction that started the subscription.
	GetSubscriptionOrigin(ctx context.Context, subscriptionID string) (*domain.Transaction, error)
	AttachPaymentIntent(ctx context.Context, id uuid.UUID, ref, clientSecret string) error
	LinkSubscription(ctx context.Context, id uuid.UUID, subscriptionID string) error
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status domain.TransactionStatus, params TransitionParams) error
	// TrailingVolume sums the seller's succeeded gross volume since the given time.
	TrailingVolume(ctx context.Context, sellerID uuid.UUID, since time.Time) (int64, error)
}

type InventoryStore interface {
	GetInventory(ctx context.Context, itemID uuid.UUID) (*domain.InventoryRecord, error)
	// ReserveInventory atomically checks available >= qty, increments reserved and stores the reservation.
	ReserveInventory(ctx context.Context, r *domain.Reservation) error
	GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
	GetReservationByTransaction(ctx context.Context, txID uuid.UUID) (*domain.Reservation, error)
	CommitReservation(ctx context.Context, id uuid.UUID) error
	// ReleaseReservation returns the reserved stock; status is cancelled or expired.
	ReleaseReservation(ctx context.Context, id uuid.UUID, status domain.ReservationStatus) error
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
}

type EscrowStore interface {
	CreateEscrow(ctx context.Context, e *domain.EscrowRecord) error
	GetEscrow(ctx context.Context, id uuid.UUID) (*domain.EscrowRecord, error)
	GetEscrowByTransaction(ctx context.Context, txID uuid.UUID) (*domain.EscrowRecord, error)
	// AppendEscrowRelease applies the delta only while the escrow is held and the balance covers it.
	AppendEscrowRelease(ctx context.Context, rel *domain.EscrowRelease) (*domain.EscrowRecord, error)
	ListEscrowReleases(ctx context.Context, escrowID uuid.UUID) ([]domain.EscrowRelease, error)
	UpdateEscrowStatus(ctx context.Context, id uuid.UUID, from, to domain.EscrowStatus, reason *string) error
	SetBuyerConfirmed(ctx context.Context, id uuid.UUID, at time.Time) error
	ListDueTimeReleases(ctx context.Context, now time.Time, limit int) ([]domain.EscrowRecord, error)
	ListMilestones(ctx context.Context, agreementID uuid.UUID) ([]domain.Milestone, error)
	CompleteMilestone(ctx context.Context, agreementID, milestoneID uuid.UUID, at time.Time) error
}

type AffiliateStore interface {
	CreateCampaign(ctx context.Context, c *domain.AffiliateCampaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*domain.AffiliateCampaign, error)
	DeactivateCampaign(ctx context.Context, id uuid.UUID, at time.Time) error
	CreateLink(ctx context.Context, l *domain.AffiliateLink) error
	GetLinkByCode(ctx context.Context, code string) (*domain.AffiliateLink, error)
	// RecordClick stores the click and assigns its insertion sequence.
	RecordClick(ctx context.Context, c *domain.AffiliateClick) error
	// ListUnconvertedClicks returns candidate clicks newest first, ties by insertion order.
	ListUnconvertedClicks(ctx context.Context, itemID uuid.UUID, visitorID string, userID uuid.UUID, since time.Time) ([]domain.AffiliateClick, error)
	// MarkClickConverted is the attribution gate: it fails with ErrClickAlreadyConverted for a second caller.
	MarkClickConverted(ctx context.Context, clickID, conversionID uuid.UUID) error
	CreateConversion(ctx context.Context, c *domain.AffiliateConversion) error
	GetConversionByTransaction(ctx context.Context, txID uuid.UUID) (*domain.AffiliateConversion, error)
	CreateCommission(ctx context.Context, c *domain.AffiliateCommission) error
}

type RevenueStore interface {
	CreateRevenueShares(ctx context.Context, shares []domain.RevenueShare) error
	ListRevenueShares(ctx context.Context, txID uuid.UUID) ([]domain.RevenueShare, error)
	// UpdateShareStatuses moves a transaction's shares in one of the from states to the given state.
	UpdateShareStatuses(ctx context.Context, txID uuid.UUID, from []domain.PayoutStatus, to domain.PayoutStatus) (int64, error)
	ListEarnersWithPayables(ctx context.Context, before time.Time) ([]uuid.UUID, error)
	ListPayableItems(ctx context.Context, earnerID uuid.UUID, before time.Time) ([]domain.PayableItem, error)
	CreatePayout(ctx context.Context, p *domain.Payout) error
	GetPayout(ctx context.Context, id uuid.UUID) (*domain.Payout, error)
	UpdatePayout(ctx context.Context, p *domain.Payout) error
	// AssignPayoutItems marks the items processing under the payout.
	AssignPayoutItems(ctx context.Context, payoutID uuid.UUID, items []domain.PayableItem) error
	SettlePayoutItems(ctx context.Context, payoutID uuid.UUID, status domain.PayoutStatus) error
	ListRetryablePayouts(ctx context.Context, now time.Time, limit int) ([]domain.Payout, error)
}

type AdStore interface {
	ListActiveAdCampaigns(ctx context.Context, placement string) ([]domain.AdCampaign, error)
	MarkAdCampaignExhausted(ctx context.Context, id uuid.UUID, day time.Time) error
	ClearAdExhaustion(ctx context.Context, before time.Time) (int64, error)
	RecordImpression(ctx context.Context, imp *domain.AdImpression) error
	// DebitAdBudget adds amount to the day's spend only if the result stays within budget.
	DebitAdBudget(ctx context.Context, campaignID uuid.UUID, day time.Time, amount, budget int64) (int64, error)
	AdSpend(ctx context.Context, campaignID uuid.UUID, day time.Time) (int64, error)
}

type EventStore interface {
	// RecordEvent inserts the event once; inserted is false for a replayed id.
	RecordEvent(ctx context.Context, e *domain.PaymentEvent) (inserted bool, err error)
	GetEvent(ctx context.Context, eventID string) (*domain.PaymentEvent, error)
	MarkEventProcessed(ctx context.Context, eventID string, at time.Time, outcome string) error
}

// Repository is the full data access layer.
type Repository interface {
	CatalogStore
	TransactionStore
	InventoryStore
	EscrowStore
	AffiliateStore
	RevenueStore
	AdStore
	EventStore

	// RunInTx runs fn against a repository bound to one database transaction.
	// Any error returned by fn rolls back every write made through it.
	RunInTx(ctx context.Context, fn func(Repository) error) error
}
