package store

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/domain"
)

func (m *MemoryRepository) ListActiveAdCampaigns(ctx context.Context, placement string) ([]domain.AdCampaign, error) {
	var out []domain.AdCampaign
	err := m.with(func(s *memState) error {
		for _, c := range s.adCampaigns {
			if c.Status != domain.AdCampaignActive {
				continue
			}
			if len(c.PlacementTypes) > 0 && !slices.Contains(c.PlacementTypes, placement) {
				continue
			}
			out = append(out, c)
		}
		return nil
	})
	slices.SortFunc(out, func(a, b domain.AdCampaign) int { return strings.Compare(a.ID.String(), b.ID.String()) })
	return out, err
}

func (m *MemoryRepository) MarkAdCampaignExhausted(ctx context.Context, id uuid.UUID, day time.Time) error {
	return m.with(func(s *memState) error {
		c, ok := s.adCampaigns[id]
		if !ok {
			return ErrNotFound
		}
		d := day.UTC()
		c.ExhaustedOn = &d
		s.adCampaigns[id] = c
		return nil
	})
}

func (m *MemoryRepository) ClearAdExhaustion(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := m.with(func(s *memState) error {
		for id, c := range s.adCampaigns {
			if c.ExhaustedOn != nil && c.ExhaustedOn.Before(before) {
				c.ExhaustedOn = nil
				s.adCampaigns[id] = c
				n++
			}
		}
		return nil
	})
	return n, err
}

func (m *MemoryRepository) RecordImpression(ctx context.Context, imp *domain.AdImpression) error {
	return m.with(func(s *memState) error {
		s.impressions[imp.ID] = *imp
		return nil
	})
}

func (m *MemoryRepository) DebitAdBudget(ctx context.Context, campaignID uuid.UUID, day time.Time, amount, budget int64) (int64, error) {
	var spent int64
	err := m.with(func(s *memState) error {
		key := spendKey{campaignID, dayKey(day)}
		current := s.adSpend[key]
		if current+amount > budget {
			spent = current
			return ErrBudgetExhausted
		}
		spent = current + amount
		s.adSpend[key] = spent
		return nil
	})
	return spent, err
}

func (m *MemoryRepository) AdSpend(ctx context.Context, campaignID uuid.UUID, day time.Time) (int64, error) {
	var spent int64
	err := m.with(func(s *memState) error {
		spent = s.adSpend[spendKey{campaignID, dayKey(day)}]
		return nil
	})
	return spent, err
}

// Impressions returns every served impression.
func (m *MemoryRepository) Impressions() []domain.AdImpression {
	var out []domain.AdImpression
	_ = m.with(func(s *memState) error {
		for _, imp := range s.impressions {
			out = append(out, imp)
		}
		return nil
	})
	return out
}
