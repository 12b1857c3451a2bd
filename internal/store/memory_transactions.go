package store

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/domain"
)

func transactionsTable(s *memState) map[uuid.UUID]domain.Transaction { return s.transactions }

func (m *MemoryRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	return m.with(func(s *memState) error {
		if _, exists := s.transactions[tx.ID]; exists {
			return ErrDuplicate
		}
		if tx.ExternalPaymentRef != nil {
			for _, other := range s.transactions {
				if other.ExternalPaymentRef != nil && *other.ExternalPaymentRef == *tx.ExternalPaymentRef {
					return ErrDuplicate
				}
			}
		}
		s.transactions[tx.ID] = *tx
		return nil
	})
}

func (m *MemoryRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return memGet(m, transactionsTable, id)
}

func (m *MemoryRepository) LockTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return memGet(m, transactionsTable, id)
}

func (m *MemoryRepository) GetTransactionByPaymentRef(ctx context.Context, ref string) (*domain.Transaction, error) {
	return memFind(m, transactionsTable, func(t domain.Transaction) bool {
		return t.ExternalPaymentRef != nil && *t.ExternalPaymentRef == ref
	})
}

func (m *MemoryRepository) GetSubscriptionOrigin(ctx context.Context, subscriptionID string) (*domain.Transaction, error) {
	return memFind(m, transactionsTable, func(t domain.Transaction) bool {
		return t.SubscriptionID != nil && *t.SubscriptionID == subscriptionID && t.ParentTransactionID == nil
	})
}

func (m *MemoryRepository) AttachPaymentIntent(ctx context.Context, id uuid.UUID, ref, clientSecret string) error {
	return m.with(func(s *memState) error {
		t, ok := s.transactions[id]
		if !ok {
			return ErrNotFound
		}
		for _, other := range s.transactions {
			if other.ID != id && other.ExternalPaymentRef != nil && *other.ExternalPaymentRef == ref {
				return ErrDuplicate
			}
		}
		t.ExternalPaymentRef = &ref
		t.ClientSecret = &clientSecret
		t.UpdatedAt = memNow()
		s.transactions[id] = t
		return nil
	})
}

func (m *MemoryRepository) LinkSubscription(ctx context.Context, id uuid.UUID, subscriptionID string) error {
	return m.with(func(s *memState) error {
		t, ok := s.transactions[id]
		if !ok {
			return ErrNotFound
		}
		t.SubscriptionID = &subscriptionID
		t.UpdatedAt = memNow()
		s.transactions[id] = t
		return nil
	})
}

func (m *MemoryRepository) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status domain.TransactionStatus, params TransitionParams) error {
	return m.with(func(s *memState) error {
		t, ok := s.transactions[id]
		if !ok {
			return ErrNotFound
		}
		t.Status = status
		if params.FailureReason != nil {
			t.FailureReason = params.FailureReason
		}
		if params.NeedsReview {
			t.NeedsReview = true
		}
		if params.EventAt != nil {
			t.LastEventAt = params.EventAt
		}
		t.UpdatedAt = memNow()
		s.transactions[id] = t
		return nil
	})
}

func (m *MemoryRepository) TrailingVolume(ctx context.Context, sellerID uuid.UUID, since time.Time) (int64, error) {
	var total int64
	err := m.with(func(s *memState) error {
		for _, t := range s.transactions {
			if t.SellerID == sellerID && t.Status == domain.StatusSucceeded && !t.CreatedAt.Before(since) {
				total += t.Amount
			}
		}
		return nil
	})
	return total, err
}

func (m *MemoryRepository) GetInventory(ctx context.Context, itemID uuid.UUID) (*domain.InventoryRecord, error) {
	return memGet(m, func(s *memState) map[uuid.UUID]domain.InventoryRecord { return s.inventory }, itemID)
}

func (m *MemoryRepository) ReserveInventory(ctx context.Context, r *domain.Reservation) error {
	return m.with(func(s *memState) error {
		inv, ok := s.inventory[r.ItemID]
		if !ok {
			return ErrNotFound
		}
		if inv.Available() < r.Quantity {
			return ErrInventoryExhausted
		}
		inv.Reserved += r.Quantity
		inv.UpdatedAt = memNow()
		s.inventory[r.ItemID] = inv
		s.reservations[r.ID] = *r
		return nil
	})
}

func reservationsTable(s *memState) map[uuid.UUID]domain.Reservation { return s.reservations }

func (m *MemoryRepository) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	return memGet(m, reservationsTable, id)
}

func (m *MemoryRepository) GetReservationByTransaction(ctx context.Context, txID uuid.UUID) (*domain.Reservation, error) {
	return memFind(m, reservationsTable, func(r domain.Reservation) bool { return r.TransactionID == txID })
}

func (m *MemoryRepository) CommitReservation(ctx context.Context, id uuid.UUID) error {
	return m.with(func(s *memState) error {
		r, ok := s.reservations[id]
		if !ok {
			return ErrNotFound
		}
		if r.Status != domain.ReservationReserved {
			return ErrReservationNotActive
		}
		inv := s.inventory[r.ItemID]
		inv.Quantity -= r.Quantity
		inv.Reserved -= r.Quantity
		inv.UpdatedAt = memNow()
		s.inventory[r.ItemID] = inv
		r.Status = domain.ReservationCommitted
		s.reservations[id] = r
		return nil
	})
}

func (m *MemoryRepository) ReleaseReservation(ctx context.Context, id uuid.UUID, status domain.ReservationStatus) error {
	return m.with(func(s *memState) error {
		r, ok := s.reservations[id]
		if !ok {
			return ErrNotFound
		}
		if r.Status != domain.ReservationReserved {
			return ErrReservationNotActive
		}
		inv := s.inventory[r.ItemID]
		inv.Reserved -= r.Quantity
		inv.UpdatedAt = memNow()
		s.inventory[r.ItemID] = inv
		r.Status = status
		s.reservations[id] = r
		return nil
	})
}

func (m *MemoryRepository) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	var out []domain.Reservation
	err := m.with(func(s *memState) error {
		for _, r := range s.reservations {
			if r.Status == domain.ReservationReserved && !r.ExpiresAt.After(now) {
				out = append(out, r)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b domain.Reservation) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (m *MemoryRepository) RecordEvent(ctx context.Context, e *domain.PaymentEvent) (bool, error) {
	inserted := false
	err := m.with(func(s *memState) error {
		if _, seen := s.events[e.EventID]; seen {
			return nil
		}
		s.events[e.EventID] = *e
		inserted = true
		return nil
	})
	return inserted, err
}

func (m *MemoryRepository) GetEvent(ctx context.Context, eventID string) (*domain.PaymentEvent, error) {
	return memGet(m, func(s *memState) map[string]domain.PaymentEvent { return s.events }, eventID)
}

func (m *MemoryRepository) MarkEventProcessed(ctx context.Context, eventID string, at time.Time, outcome string) error {
	return m.with(func(s *memState) error {
		e, ok := s.events[eventID]
		if !ok {
			return ErrNotFound
		}
		e.ProcessedAt = &at
		e.Outcome = outcome
		s.events[eventID] = e
		return nil
	})
}
