package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/clock"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/orivaflow/commerce-engine/internal/store"
	"github.com/stretchr/testify/require"
)

func adCampaign(bid, budget int64, mutate ...func(*domain.AdCampaign)) domain.AdCampaign {
	c := domain.AdCampaign{
		ID:               uuid.New(),
		AdvertiserID:     uuid.New(),
		Name:             "campaign",
		Status:           domain.AdCampaignActive,
		PlacementTypes:   []string{"feed"},
		TargetSegments:   []string{"gamers"},
		Keywords:         []string{"keyboard"},
		BidAmountCents:   bid,
		DailyBudgetCents: budget,
		Creative:         domain.AdCreative{Headline: "Buy", ClickURL: "https://ads.example/c"},
		CreatedAt:        t0,
	}
	for _, m := range mutate {
		m(&c)
	}
	return c
}

var feedRequest = domain.PlacementRequest{
	Placement:      "feed",
	UserSegments:   []string{"Gamers"},
	ThreadKeywords: []string{"keyboard", "mouse"},
	Geo:            "US",
	Device:         "mobile",
}

func newAuction(repo *store.MemoryRepository, clk clock.Clock) *AdAuction {
	return NewAdAuction(repo, nil, clk, AuctionConfig{}, nil, nil)
}

func TestScore(t *testing.T) {
	c := adCampaign(100, 1000, func(c *domain.AdCampaign) {
		c.TargetSegments = []string{"a", "b", "c", "d"}
		c.Keywords = []string{"x", "y"}
	})
	req := domain.PlacementRequest{UserSegments: []string{"A", "c"}, ThreadKeywords: []string{"y"}}
	require.InDelta(t, 0.5, Score(c, req, 200), 1e-9)
	require.InDelta(t, 0.6, Score(c, req, 100), 1e-9)
	require.InDelta(t, 0.4, Score(c, req, 0), 1e-9)

	c.TargetSegments, c.Keywords = nil, nil
	require.InDelta(t, 0.2, Score(c, req, 100), 1e-9)
}

func TestBudgetCapsImpressions(t *testing.T) {
	repo := store.NewMemoryRepository()
	clk := clock.NewManual(t0)
	c := adCampaign(200, 1000)
	repo.SeedAdCampaign(c)
	auction := newAuction(repo, clk)

	served := 0
	for i := 0; i < 10; i++ {
		sel, err := auction.Select(context.Background(), feedRequest)
		require.NoError(t, err)
		if sel != nil {
			served++
			require.Equal(t, c.ID, sel.CampaignID)
			require.Equal(t, int64(200), sel.CostCents)
		}
	}
	require.Equal(t, 5, served)
	require.Len(t, repo.Impressions(), 5)

	spent, err := repo.AdSpend(context.Background(), c.ID, clock.StartOfDay(t0))
	require.NoError(t, err)
	require.Equal(t, int64(1000), spent)
}

func TestConcurrentSelectsNeverOverspend(t *testing.T) {
	repo := store.NewMemoryRepository()
	c := adCampaign(200, 1000)
	repo.SeedAdCampaign(c)
	auction := newAuction(repo, clock.NewManual(t0))

	var wg sync.WaitGroup
	var mu sync.Mutex
	served := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sel, err := auction.Select(context.Background(), feedRequest)
			if err != nil {
				t.Errorf("select: %v", err)
				return
			}
			if sel != nil {
				mu.Lock()
				served++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 5, served)
	spent, err := repo.AdSpend(context.Background(), c.ID, t0)
	require.NoError(t, err)
	require.Equal(t, int64(1000), spent)
}

func TestRelevanceFloor(t *testing.T) {
	repo := store.NewMemoryRepository()
	repo.SeedAdCampaign(adCampaign(100, 1000, func(c *domain.AdCampaign) {
		c.TargetSegments = []string{"cooks"}
		c.Keywords = []string{"recipes"}
	}))
	auction := NewAdAuction(repo, nil, clock.NewManual(t0), AuctionConfig{MaxBidCents: 1000}, nil, nil)

	sel, err := auction.Select(context.Background(), feedRequest)
	require.NoError(t, err)
	require.Nil(t, sel)
	require.Empty(t, repo.Impressions())
}

func TestBestScoreWinsAndFallsBackWhenExhausted(t *testing.T) {
	repo := store.NewMemoryRepository()
	clk := clock.NewManual(t0)
	strong := adCampaign(100, 100, func(c *domain.AdCampaign) { c.Keywords = []string{"keyboard", "mouse"} })
	weak := adCampaign(100, 1000, func(c *domain.AdCampaign) { c.Keywords = []string{"keyboard", "monitor"} })
	repo.SeedAdCampaign(strong)
	repo.SeedAdCampaign(weak)
	auction := newAuction(repo, clk)

	sel, err := auction.Select(context.Background(), feedRequest)
	require.NoError(t, err)
	require.Equal(t, strong.ID, sel.CampaignID)

	sel, err = auction.Select(context.Background(), feedRequest)
	require.NoError(t, err)
	require.Equal(t, weak.ID, sel.CampaignID)

	got, err := repo.ListActiveAdCampaigns(context.Background(), "feed")
	require.NoError(t, err)
	for _, c := range got {
		if c.ID == strong.ID {
			require.NotNil(t, c.ExhaustedOn)
			require.Equal(t, clock.StartOfDay(t0), *c.ExhaustedOn)
		}
	}
}

func TestEqualScoresPreferHigherBid(t *testing.T) {
	repo := store.NewMemoryRepository()
	low := adCampaign(100, 1000)
	high := adCampaign(150, 1000)
	repo.SeedAdCampaign(low)
	repo.SeedAdCampaign(high)
	auction := NewAdAuction(repo, nil, clock.NewManual(t0), AuctionConfig{MaxBidCents: 100}, nil, nil)

	// both bids normalize to 1.0
	sel, err := auction.Select(context.Background(), feedRequest)
	require.NoError(t, err)
	require.Equal(t, high.ID, sel.CampaignID)
}

func TestEligibilityFilters(t *testing.T) {
	later := t0.Add(time.Hour)
	earlier := t0.Add(-time.Hour)
	cases := []struct {
		name   string
		mutate func(*domain.AdCampaign)
	}{
		{"paused", func(c *domain.AdCampaign) { c.Status = domain.AdCampaignPaused }},
		{"not started", func(c *domain.AdCampaign) { c.StartsAt = &later }},
		{"ended", func(c *domain.AdCampaign) { c.EndsAt = &earlier }},
		{"other placement", func(c *domain.AdCampaign) { c.PlacementTypes = []string{"sidebar"} }},
		{"other geo", func(c *domain.AdCampaign) { c.Geo = []string{"DE"} }},
		{"other device", func(c *domain.AdCampaign) { c.Devices = []string{"desktop"} }},
		{"bid above budget", func(c *domain.AdCampaign) { c.DailyBudgetCents = 50 }},
		{"zero bid", func(c *domain.AdCampaign) { c.BidAmountCents = 0 }},
		{"exhausted today", func(c *domain.AdCampaign) { day := clock.StartOfDay(t0); c.ExhaustedOn = &day }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := store.NewMemoryRepository()
			repo.SeedAdCampaign(adCampaign(100, 1000, tc.mutate))
			sel, err := newAuction(repo, clock.NewManual(t0)).Select(context.Background(), feedRequest)
			require.NoError(t, err)
			require.Nil(t, sel)
		})
	}

	repo := store.NewMemoryRepository()
	repo.SeedAdCampaign(adCampaign(100, 1000, func(c *domain.AdCampaign) {
		c.Geo = []string{"us"}
		c.Devices = []string{"Mobile"}
		c.StartsAt = &earlier
		c.EndsAt = &later
	}))
	sel, err := newAuction(repo, clock.NewManual(t0)).Select(context.Background(), feedRequest)
	require.NoError(t, err)
	require.NotNil(t, sel)
}

func TestSelectRequiresPlacement(t *testing.T) {
	_, err := newAuction(store.NewMemoryRepository(), clock.NewManual(t0)).Select(context.Background(), domain.PlacementRequest{})
	require.ErrorIs(t, err, ErrValidation)
}

func TestResetDailyBudgets(t *testing.T) {
	repo := store.NewMemoryRepository()
	clk := clock.NewManual(t0)
	c := adCampaign(500, 500)
	repo.SeedAdCampaign(c)
	auction := newAuction(repo, clk)

	sel, err := auction.Select(context.Background(), feedRequest)
	require.NoError(t, err)
	require.NotNil(t, sel)
	sel, err = auction.Select(context.Background(), feedRequest)
	require.NoError(t, err)
	require.Nil(t, sel)

	n, err := auction.ResetDailyBudgets(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Advance(24 * time.Hour)
	n, err = auction.ResetDailyBudgets(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	sel, err = auction.Select(context.Background(), feedRequest)
	require.NoError(t, err)
	require.NotNil(t, sel)
}
