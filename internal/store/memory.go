package store

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/domain"
)

type milestoneKey struct {
	agreementID uuid.UUID
	milestoneID uuid.UUID
}

type spendKey struct {
	campaignID uuid.UUID
	day        string
}

type memState struct {
	items        map[uuid.UUID]domain.Item
	earners      map[uuid.UUID]domain.Earner
	inventory    map[uuid.UUID]domain.InventoryRecord
	transactions map[uuid.UUID]domain.Transaction
	reservations map[uuid.UUID]domain.Reservation
	escrows      map[uuid.UUID]domain.EscrowRecord
	releases     map[uuid.UUID]domain.EscrowRelease
	milestones   map[milestoneKey]domain.Milestone
	campaigns    map[uuid.UUID]domain.AffiliateCampaign
	links        map[string]domain.AffiliateLink
	clicks       map[uuid.UUID]domain.AffiliateClick
	clickSeq     int64
	conversions  map[uuid.UUID]domain.AffiliateConversion
	commissions  map[uuid.UUID]domain.AffiliateCommission
	shares       map[uuid.UUID]domain.RevenueShare
	payouts      map[uuid.UUID]domain.Payout
	adCampaigns  map[uuid.UUID]domain.AdCampaign
	adSpend      map[spendKey]int64
	impressions  map[uuid.UUID]domain.AdImpression
	events       map[string]domain.PaymentEvent
}

func newMemState() *memState {
	return &memState{
		items:        map[uuid.UUID]domain.Item{},
		earners:      map[uuid.UUID]domain.Earner{},
		inventory:    map[uuid.UUID]domain.InventoryRecord{},
		transactions: map[uuid.UUID]domain.Transaction{},
		reservations: map[uuid.UUID]domain.Reservation{},
		escrows:      map[uuid.UUID]domain.EscrowRecord{},
		releases:     map[uuid.UUID]domain.EscrowRelease{},
		milestones:   map[milestoneKey]domain.Milestone{},
		campaigns:    map[uuid.UUID]domain.AffiliateCampaign{},
		links:        map[string]domain.AffiliateLink{},
		clicks:       map[uuid.UUID]domain.AffiliateClick{},
		conversions:  map[uuid.UUID]domain.AffiliateConversion{},
		commissions:  map[uuid.UUID]domain.AffiliateCommission{},
		shares:       map[uuid.UUID]domain.RevenueShare{},
		payouts:      map[uuid.UUID]domain.Payout{},
		adCampaigns:  map[uuid.UUID]domain.AdCampaign{},
		adSpend:      map[spendKey]int64{},
		impressions:  map[uuid.UUID]domain.AdImpression{},
		events:       map[string]domain.PaymentEvent{},
	}
}

// clone copies every table. Row values are copied; slices and pointers inside rows
// are never mutated in place, so sharing them is safe.
func (s *memState) clone() *memState {
	return &memState{
		items:        maps.Clone(s.items),
		earners:      maps.Clone(s.earners),
		inventory:    maps.Clone(s.inventory),
		transactions: maps.Clone(s.transactions),
		reservations: maps.Clone(s.reservations),
		escrows:      maps.Clone(s.escrows),
		releases:     maps.Clone(s.releases),
		milestones:   maps.Clone(s.milestones),
		campaigns:    maps.Clone(s.campaigns),
		links:        maps.Clone(s.links),
		clicks:       maps.Clone(s.clicks),
		clickSeq:     s.clickSeq,
		conversions:  maps.Clone(s.conversions),
		commissions:  maps.Clone(s.commissions),
		shares:       maps.Clone(s.shares),
		payouts:      maps.Clone(s.payouts),
		adCampaigns:  maps.Clone(s.adCampaigns),
		adSpend:      maps.Clone(s.adSpend),
		impressions:  maps.Clone(s.impressions),
		events:       maps.Clone(s.events),
	}
}

// MemoryRepository is an in-process Repository. Every operation is serialised by
// one mutex, and RunInTx works on a copy that replaces the live state on success.
// It backs STORE_DRIVER=memory and the behavioural tests.
type MemoryRepository struct {
	mu    *sync.Mutex
	state *memState
	inTx  bool
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{mu: &sync.Mutex{}, state: newMemState()}
}

func (m *MemoryRepository) RunInTx(ctx context.Context, fn func(Repository) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	draft := m.state.clone()
	if err := fn(&MemoryRepository{mu: m.mu, state: draft, inTx: true}); err != nil {
		return err
	}
	*m.state = *draft
	return nil
}

// with runs fn against the live state, taking the lock unless already inside RunInTx.
func (m *MemoryRepository) with(fn func(s *memState) error) error {
	if m.inTx {
		return fn(m.state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

func memNow() time.Time { return time.Now().UTC() }

func dayKey(day time.Time) string { return day.UTC().Format("2006-01-02") }

// SeedItem stores a catalog item and, when it has finite stock, its inventory record.
func (m *MemoryRepository) SeedItem(item domain.Item) {
	_ = m.with(func(s *memState) error {
		s.items[item.ID] = item
		if item.InventoryCount != nil {
			s.inventory[item.ID] = domain.InventoryRecord{ItemID: item.ID, Quantity: *item.InventoryCount, UpdatedAt: memNow()}
		}
		return nil
	})
}

func (m *MemoryRepository) SeedEarner(earner domain.Earner) {
	_ = m.with(func(s *memState) error {
		s.earners[earner.ID] = earner
		return nil
	})
}

func (m *MemoryRepository) SeedMilestone(ms domain.Milestone) {
	_ = m.with(func(s *memState) error {
		s.milestones[milestoneKey{ms.AgreementID, ms.ID}] = ms
		return nil
	})
}

func (m *MemoryRepository) SeedAdCampaign(c domain.AdCampaign) {
	_ = m.with(func(s *memState) error {
		s.adCampaigns[c.ID] = c
		return nil
	})
}

func memGet[K comparable, V any](m *MemoryRepository, table func(*memState) map[K]V, key K) (*V, error) {
	var out V
	err := m.with(func(s *memState) error {
		v, ok := table(s)[key]
		if !ok {
			return ErrNotFound
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func memFind[K comparable, V any](m *MemoryRepository, table func(*memState) map[K]V, match func(V) bool) (*V, error) {
	var out V
	err := m.with(func(s *memState) error {
		for _, v := range table(s) {
			if match(v) {
				out = v
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *MemoryRepository) GetItem(ctx context.Context, id uuid.UUID) (*domain.Item, error) {
	return memGet(m, func(s *memState) map[uuid.UUID]domain.Item { return s.items }, id)
}

func (m *MemoryRepository) GetEarner(ctx context.Context, id uuid.UUID) (*domain.Earner, error) {
	return memGet(m, func(s *memState) map[uuid.UUID]domain.Earner { return s.earners }, id)
}
