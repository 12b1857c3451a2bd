package store

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/domain"
)

func (m *MemoryRepository) CreateRevenueShares(ctx context.Context, shares []domain.RevenueShare) error {
	return m.with(func(s *memState) error {
		for _, sh := range shares {
			if _, exists := s.shares[sh.ID]; exists {
				return ErrDuplicate
			}
		}
		for _, sh := range shares {
			s.shares[sh.ID] = sh
		}
		return nil
	})
}

func (m *MemoryRepository) ListRevenueShares(ctx context.Context, txID uuid.UUID) ([]domain.RevenueShare, error) {
	var out []domain.RevenueShare
	err := m.with(func(s *memState) error {
		for _, sh := range s.shares {
			if sh.TransactionID == txID {
				out = append(out, sh)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b domain.RevenueShare) int {
		return strings.Compare(string(a.RecipientType), string(b.RecipientType))
	})
	return out, err
}

func (m *MemoryRepository) UpdateShareStatuses(ctx context.Context, txID uuid.UUID, from []domain.PayoutStatus, to domain.PayoutStatus) (int64, error) {
	var n int64
	err := m.with(func(s *memState) error {
		for id, sh := range s.shares {
			if sh.TransactionID == txID && slices.Contains(from, sh.PayoutStatus) {
				sh.PayoutStatus = to
				s.shares[id] = sh
				n++
			}
		}
		return nil
	})
	return n, err
}

func payableShare(sh domain.RevenueShare, before time.Time) bool {
	return sh.PayoutStatus == domain.PayoutPending && sh.RecipientType != domain.RecipientPlatform && sh.CreatedAt.Before(before)
}

func payableRelease(r domain.EscrowRelease, before time.Time) bool {
	return r.PayoutStatus == domain.PayoutPending && r.CreatedAt.Before(before)
}

func (m *MemoryRepository) ListEarnersWithPayables(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]struct{}{}
	err := m.with(func(s *memState) error {
		for _, sh := range s.shares {
			if payableShare(sh, before) {
				seen[sh.RecipientID] = struct{}{}
			}
		}
		for _, r := range s.releases {
			if payableRelease(r, before) {
				seen[r.RecipientID] = struct{}{}
			}
		}
		return nil
	})
	out := make([]uuid.UUID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b uuid.UUID) int { return strings.Compare(a.String(), b.String()) })
	return out, err
}

func (m *MemoryRepository) ListPayableItems(ctx context.Context, earnerID uuid.UUID, before time.Time) ([]domain.PayableItem, error) {
	var out []domain.PayableItem
	err := m.with(func(s *memState) error {
		for _, sh := range s.shares {
			if sh.RecipientID == earnerID && payableShare(sh, before) {
				out = append(out, domain.PayableItem{Kind: domain.PayableShare, ID: sh.ID, EarnerID: earnerID, Amount: sh.Amount, CreatedAt: sh.CreatedAt})
			}
		}
		for _, r := range s.releases {
			if r.RecipientID == earnerID && payableRelease(r, before) {
				out = append(out, domain.PayableItem{Kind: domain.PayableEscrowRelease, ID: r.ID, EarnerID: earnerID, Amount: r.Amount, CreatedAt: r.CreatedAt})
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b domain.PayableItem) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, err
}

func (m *MemoryRepository) CreatePayout(ctx context.Context, p *domain.Payout) error {
	return m.with(func(s *memState) error {
		for _, existing := range s.payouts {
			if existing.EarnerID == p.EarnerID && existing.PeriodStart.Equal(p.PeriodStart) && existing.PeriodEnd.Equal(p.PeriodEnd) {
				return ErrPayoutExists
			}
		}
		s.payouts[p.ID] = *p
		return nil
	})
}

func (m *MemoryRepository) GetPayout(ctx context.Context, id uuid.UUID) (*domain.Payout, error) {
	return memGet(m, func(s *memState) map[uuid.UUID]domain.Payout { return s.payouts }, id)
}

func (m *MemoryRepository) UpdatePayout(ctx context.Context, p *domain.Payout) error {
	return m.with(func(s *memState) error {
		if _, ok := s.payouts[p.ID]; !ok {
			return ErrNotFound
		}
		s.payouts[p.ID] = *p
		return nil
	})
}

func (m *MemoryRepository) AssignPayoutItems(ctx context.Context, payoutID uuid.UUID, items []domain.PayableItem) error {
	return m.with(func(s *memState) error {
		for _, it := range items {
			switch it.Kind {
			case domain.PayableShare:
				if sh, ok := s.shares[it.ID]; !ok || sh.PayoutStatus != domain.PayoutPending {
					return ErrNotPayable
				}
			case domain.PayableEscrowRelease:
				if r, ok := s.releases[it.ID]; !ok || r.PayoutStatus != domain.PayoutPending {
					return ErrNotPayable
				}
			}
		}
		for _, it := range items {
			id := payoutID
			switch it.Kind {
			case domain.PayableShare:
				sh := s.shares[it.ID]
				sh.PayoutStatus, sh.PayoutID = domain.PayoutProcessing, &id
				s.shares[it.ID] = sh
			case domain.PayableEscrowRelease:
				r := s.releases[it.ID]
				r.PayoutStatus, r.PayoutID = domain.PayoutProcessing, &id
				s.releases[it.ID] = r
			}
		}
		return nil
	})
}

func (m *MemoryRepository) SettlePayoutItems(ctx context.Context, payoutID uuid.UUID, status domain.PayoutStatus) error {
	return m.with(func(s *memState) error {
		for id, sh := range s.shares {
			if sh.PayoutID != nil && *sh.PayoutID == payoutID {
				sh.PayoutStatus = status
				s.shares[id] = sh
			}
		}
		for id, r := range s.releases {
			if r.PayoutID != nil && *r.PayoutID == payoutID {
				r.PayoutStatus = status
				s.releases[id] = r
			}
		}
		return nil
	})
}

func (m *MemoryRepository) ListRetryablePayouts(ctx context.Context, now time.Time, limit int) ([]domain.Payout, error) {
	var out []domain.Payout
	err := m.with(func(s *memState) error {
		for _, p := range s.payouts {
			if p.Status == domain.PayoutFailed && p.NextAttemptAt != nil && !p.NextAttemptAt.After(now) {
				out = append(out, p)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b domain.Payout) int { return a.NextAttemptAt.Compare(*b.NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

// Payouts returns every payout row.
func (m *MemoryRepository) Payouts() []domain.Payout {
	var out []domain.Payout
	_ = m.with(func(s *memState) error {
		for _, p := range s.payouts {
			out = append(out, p)
		}
		return nil
	})
	return out
}
