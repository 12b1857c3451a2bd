package store

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/domain"
)

func (m *MemoryRepository) CreateCampaign(ctx context.Context, c *domain.AffiliateCampaign) error {
	return m.with(func(s *memState) error {
		if _, exists := s.campaigns[c.ID]; exists {
			return ErrDuplicate
		}
		s.campaigns[c.ID] = *c
		return nil
	})
}

func (m *MemoryRepository) GetCampaign(ctx context.Context, id uuid.UUID) (*domain.AffiliateCampaign, error) {
	return memGet(m, func(s *memState) map[uuid.UUID]domain.AffiliateCampaign { return s.campaigns }, id)
}

func (m *MemoryRepository) DeactivateCampaign(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.with(func(s *memState) error {
		c, ok := s.campaigns[id]
		if !ok {
			return ErrNotFound
		}
		c.IsActive = false
		c.UpdatedAt = at
		s.campaigns[id] = c
		return nil
	})
}

func (m *MemoryRepository) CreateLink(ctx context.Context, l *domain.AffiliateLink) error {
	return m.with(func(s *memState) error {
		if _, exists := s.links[l.ShortCode]; exists {
			return ErrDuplicate
		}
		s.links[l.ShortCode] = *l
		return nil
	})
}

func (m *MemoryRepository) GetLinkByCode(ctx context.Context, code string) (*domain.AffiliateLink, error) {
	return memGet(m, func(s *memState) map[string]domain.AffiliateLink { return s.links }, code)
}

func (m *MemoryRepository) RecordClick(ctx context.Context, c *domain.AffiliateClick) error {
	return m.with(func(s *memState) error {
		s.clickSeq++
		c.Seq = s.clickSeq
		s.clicks[c.ID] = *c
		return nil
	})
}

func (m *MemoryRepository) ListUnconvertedClicks(ctx context.Context, itemID uuid.UUID, visitorID string, userID uuid.UUID, since time.Time) ([]domain.AffiliateClick, error) {
	var out []domain.AffiliateClick
	err := m.with(func(s *memState) error {
		for _, c := range s.clicks {
			if c.Converted || c.ItemID != itemID || c.ClickedAt.Before(since) {
				continue
			}
			byVisitor := visitorID != "" && c.VisitorID == visitorID
			byUser := userID != uuid.Nil && c.UserID != nil && *c.UserID == userID
			if byVisitor || byUser {
				out = append(out, c)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b domain.AffiliateClick) int {
		if cmp := b.ClickedAt.Compare(a.ClickedAt); cmp != 0 {
			return cmp
		}
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out, err
}

func (m *MemoryRepository) MarkClickConverted(ctx context.Context, clickID, conversionID uuid.UUID) error {
	return m.with(func(s *memState) error {
		c, ok := s.clicks[clickID]
		if !ok {
			return ErrNotFound
		}
		if c.Converted {
			return ErrClickAlreadyConverted
		}
		c.Converted = true
		c.ConversionID = &conversionID
		s.clicks[clickID] = c
		return nil
	})
}

func (m *MemoryRepository) CreateConversion(ctx context.Context, c *domain.AffiliateConversion) error {
	return m.with(func(s *memState) error {
		for _, existing := range s.conversions {
			if existing.ClickID == c.ClickID || existing.TransactionID == c.TransactionID {
				return ErrDuplicate
			}
		}
		s.conversions[c.ID] = *c
		return nil
	})
}

func (m *MemoryRepository) GetConversionByTransaction(ctx context.Context, txID uuid.UUID) (*domain.AffiliateConversion, error) {
	return memFind(m, func(s *memState) map[uuid.UUID]domain.AffiliateConversion { return s.conversions },
		func(c domain.AffiliateConversion) bool { return c.TransactionID == txID })
}

func (m *MemoryRepository) CreateCommission(ctx context.Context, c *domain.AffiliateCommission) error {
	return m.with(func(s *memState) error {
		for _, existing := range s.commissions {
			if existing.TransactionID == c.TransactionID {
				return ErrDuplicate
			}
		}
		s.commissions[c.ID] = *c
		return nil
	})
}

// Clicks returns every recorded click, oldest first.
func (m *MemoryRepository) Clicks() []domain.AffiliateClick {
	var out []domain.AffiliateClick
	_ = m.with(func(s *memState) error {
		for _, c := range s.clicks {
			out = append(out, c)
		}
		return nil
	})
	slices.SortFunc(out, func(a, b domain.AffiliateClick) int { return int(a.Seq - b.Seq) })
	return out
}

// Commissions returns every commission credit.
func (m *MemoryRepository) Commissions() []domain.AffiliateCommission {
	var out []domain.AffiliateCommission
	_ = m.with(func(s *memState) error {
		for _, c := range s.commissions {
			out = append(out, c)
		}
		return nil
	})
	return out
}
