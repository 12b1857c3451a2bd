package store

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/domain"
)

func escrowsTable(s *memState) map[uuid.UUID]domain.EscrowRecord { return s.escrows }

func (m *MemoryRepository) CreateEscrow(ctx context.Context, e *domain.EscrowRecord) error {
	return m.with(func(s *memState) error {
		for _, existing := range s.escrows {
			if existing.TransactionID == e.TransactionID {
				return ErrDuplicate
			}
		}
		s.escrows[e.ID] = *e
		return nil
	})
}

func (m *MemoryRepository) GetEscrow(ctx context.Context, id uuid.UUID) (*domain.EscrowRecord, error) {
	return memGet(m, escrowsTable, id)
}

func (m *MemoryRepository) GetEscrowByTransaction(ctx context.Context, txID uuid.UUID) (*domain.EscrowRecord, error) {
	return memFind(m, escrowsTable, func(e domain.EscrowRecord) bool { return e.TransactionID == txID })
}

func (m *MemoryRepository) AppendEscrowRelease(ctx context.Context, rel *domain.EscrowRelease) (*domain.EscrowRecord, error) {
	var out domain.EscrowRecord
	err := m.with(func(s *memState) error {
		e, ok := s.escrows[rel.EscrowID]
		if !ok {
			return ErrNotFound
		}
		if e.Status != domain.EscrowHeld {
			return ErrEscrowNotHeld
		}
		if e.ReleasedAmount+rel.Amount > e.EscrowedAmount {
			return ErrEscrowReleaseExceedsBalance
		}
		e.ReleasedAmount += rel.Amount
		if e.ReleasedAmount == e.EscrowedAmount {
			e.Status = domain.EscrowReleased
		}
		e.UpdatedAt = memNow()
		s.escrows[e.ID] = e
		s.releases[rel.ID] = *rel
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *MemoryRepository) ListEscrowReleases(ctx context.Context, escrowID uuid.UUID) ([]domain.EscrowRelease, error) {
	var out []domain.EscrowRelease
	err := m.with(func(s *memState) error {
		for _, r := range s.releases {
			if r.EscrowID == escrowID {
				out = append(out, r)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b domain.EscrowRelease) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, err
}

func (m *MemoryRepository) UpdateEscrowStatus(ctx context.Context, id uuid.UUID, from, to domain.EscrowStatus, reason *string) error {
	return m.with(func(s *memState) error {
		e, ok := s.escrows[id]
		if !ok {
			return ErrNotFound
		}
		if e.Status != from {
			return ErrEscrowStateConflict
		}
		e.Status = to
		if reason != nil {
			e.DisputeReason = reason
		}
		e.UpdatedAt = memNow()
		s.escrows[id] = e
		return nil
	})
}

func (m *MemoryRepository) SetBuyerConfirmed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.with(func(s *memState) error {
		e, ok := s.escrows[id]
		if !ok {
			return ErrNotFound
		}
		if e.BuyerConfirmedAt == nil {
			e.BuyerConfirmedAt = &at
			e.UpdatedAt = memNow()
			s.escrows[id] = e
		}
		return nil
	})
}

func (m *MemoryRepository) ListDueTimeReleases(ctx context.Context, now time.Time, limit int) ([]domain.EscrowRecord, error) {
	var out []domain.EscrowRecord
	err := m.with(func(s *memState) error {
		for _, e := range s.escrows {
			if e.Status == domain.EscrowHeld && e.ReleaseType == domain.ReleaseTimeBased &&
				e.Conditions.ReleaseAt != nil && !e.Conditions.ReleaseAt.After(now) {
				out = append(out, e)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b domain.EscrowRecord) int { return a.Conditions.ReleaseAt.Compare(*b.Conditions.ReleaseAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (m *MemoryRepository) ListMilestones(ctx context.Context, agreementID uuid.UUID) ([]domain.Milestone, error) {
	var out []domain.Milestone
	err := m.with(func(s *memState) error {
		for key, ms := range s.milestones {
			if key.agreementID == agreementID {
				out = append(out, ms)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b domain.Milestone) int { return strings.Compare(a.ID.String(), b.ID.String()) })
	return out, err
}

func (m *MemoryRepository) CompleteMilestone(ctx context.Context, agreementID, milestoneID uuid.UUID, at time.Time) error {
	return m.with(func(s *memState) error {
		key := milestoneKey{agreementID, milestoneID}
		ms, ok := s.milestones[key]
		if !ok {
			return ErrNotFound
		}
		if ms.CompletedAt == nil {
			ms.CompletedAt = &at
			s.milestones[key] = ms
		}
		return nil
	})
}
