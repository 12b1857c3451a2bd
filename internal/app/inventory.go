package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/clock"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/orivaflow/commerce-engine/internal/store"
	"go.uber.org/zap"
)

const DefaultReservationTTL = 15 * time.Minute

// InventoryManager holds stock for pending transactions. The availability check and
// the reserved increment happen in one store operation, so stock never goes negative.
type InventoryManager struct {
	store  store.InventoryStore
	clock  clock.Clock
	ttl    time.Duration
	logger *zap.Logger
}

func NewInventoryManager(s store.InventoryStore, clk clock.Clock, ttl time.Duration, logger *zap.Logger) *InventoryManager {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryManager{store: s, clock: clk, ttl: ttl, logger: logger.With(zap.String("component", "inventory"))}
}

// bind returns a copy working against s, used inside RunInTx.
func (m *InventoryManager) bind(s store.InventoryStore) *InventoryManager {
	cp := *m
	cp.store = s
	return &cp
}

// Reserve takes qty units of item for the transaction until the TTL passes.
func (m *InventoryManager) Reserve(ctx context.Context, itemID, txID uuid.UUID, qty int64) (*domain.Reservation, error) {
	if qty <= 0 {
		return nil, validation("quantity", "must be at least 1")
	}
	now := m.clock.Now()
	res := &domain.Reservation{
		ID:            uuid.New(),
		TransactionID: txID,
		ItemID:        itemID,
		Quantity:      qty,
		Status:        domain.ReservationReserved,
		ExpiresAt:     now.Add(m.ttl),
		CreatedAt:     now,
	}
	if err := m.store.ReserveInventory(ctx, res); err != nil {
		if errors.Is(err, store.ErrInventoryExhausted) {
			m.logger.Info("reservation rejected", zap.String("item_id", itemID.String()), zap.Int64("quantity", qty), zap.String("outcome", "sold_out"))
			return nil, ErrInventoryExhausted
		}
		return nil, fmt.Errorf("reserve inventory: %w", err)
	}
	return res, nil
}

// Commit turns the reservation into a permanent decrement.
func (m *InventoryManager) Commit(ctx context.Context, reservationID uuid.UUID) error {
	if err := m.store.CommitReservation(ctx, reservationID); err != nil {
		return fmt.Errorf("commit reservation %s: %w", reservationID, err)
	}
	return nil
}

// Cancel returns the reserved units. Cancelling a reservation that is no longer active is a no-op.
func (m *InventoryManager) Cancel(ctx context.Context, reservationID uuid.UUID) error {
	err := m.store.ReleaseReservation(ctx, reservationID, domain.ReservationCancelled)
	if err != nil && !errors.Is(err, store.ErrReservationNotActive) {
		return fmt.Errorf("cancel reservation %s: %w", reservationID, err)
	}
	return nil
}

// CommitForTransaction commits the transaction's reservation. Items without finite
// stock have none, which is fine. An expired or cancelled reservation is an error.
func (m *InventoryManager) CommitForTransaction(ctx context.Context, txID uuid.UUID) error {
	res, err := m.store.GetReservationByTransaction(ctx, txID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load reservation: %w", err)
	}
	switch res.Status {
	case domain.ReservationCommitted:
		return nil
	case domain.ReservationReserved:
		return m.Commit(ctx, res.ID)
	default:
		return fmt.Errorf("%w: reservation %s is %s", ErrReservationExpired, res.ID, res.Status)
	}
}

// CancelForTransaction releases the transaction's reservation if it still holds stock.
func (m *InventoryManager) CancelForTransaction(ctx context.Context, txID uuid.UUID) error {
	res, err := m.store.GetReservationByTransaction(ctx, txID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load reservation: %w", err)
	}
	return m.Cancel(ctx, res.ID)
}

// ExpireReservations releases every reservation past its expiry and returns them.
func (m *InventoryManager) ExpireReservations(ctx context.Context, limit int) ([]domain.Reservation, error) {
	now := m.clock.Now()
	due, err := m.store.ListExpiredReservations(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	expired := make([]domain.Reservation, 0, len(due))
	for _, res := range due {
		if err := m.store.ReleaseReservation(ctx, res.ID, domain.ReservationExpired); err != nil {
			if errors.Is(err, store.ErrReservationNotActive) {
				continue
			}
			return expired, fmt.Errorf("expire reservation %s: %w", res.ID, err)
		}
		res.Status = domain.ReservationExpired
		expired = append(expired, res)
	}
	return expired, nil
}
