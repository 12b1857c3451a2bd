package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryLinkCache struct {
	mu    sync.Mutex
	links map[string]domain.AffiliateLink
	gets  int
	err   error
}

func newMemoryLinkCache() *memoryLinkCache {
	return &memoryLinkCache{links: map[string]domain.AffiliateLink{}}
}

func (c *memoryLinkCache) GetLink(ctx context.Context, code string) (*domain.AffiliateLink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.err != nil {
		return nil, c.err
	}
	link, ok := c.links[code]
	if !ok {
		return nil, ErrCacheMiss
	}
	return &link, nil
}

func (c *memoryLinkCache) SetLink(ctx context.Context, link *domain.AffiliateLink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links[link.ShortCode] = *link
	return nil
}

func (f *fixture) click(t *testing.T, campaign *domain.AffiliateCampaign, visitor string) *domain.AffiliateLink {
	t.Helper()
	ctx := context.Background()
	link, err := f.affiliate.CreateLink(ctx, campaign.AffiliateID, campaign.ID, "")
	require.NoError(t, err)
	_, err = f.affiliate.Resolve(ctx, link.ShortCode, Visitor{VisitorID: visitor})
	require.NoError(t, err)
	return link
}

func TestAttributionHonoursCookieWindow(t *testing.T) {
	cases := []struct {
		name   string
		after  time.Duration
		credit bool
	}{
		{"inside window", 29 * 24 * time.Hour, true},
		{"outside window", 31 * 24 * time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			item := f.seedItem(19900)
			campaign, affiliateID := f.campaign(t, item, 10, 30)
			f.click(t, campaign, "v-42")

			f.clock.Advance(tc.after)
			tx := f.checkout(t, item, "v-42")
			f.succeed(t, tx)

			shares := f.shares(t, tx.ID)
			aff, ok := shares[domain.RecipientAffiliate]
			require.Equal(t, tc.credit, ok)
			if tc.credit {
				require.Equal(t, affiliateID, aff.RecipientID)
				require.Equal(t, int64(1990), aff.Amount)
				require.Equal(t, int64(995), shares[domain.RecipientPlatform].Amount)
				require.Len(t, f.repo.Commissions(), 1)
				return
			}
			require.Equal(t, int64(2985), shares[domain.RecipientPlatform].Amount)
			require.Empty(t, f.repo.Commissions())
			require.False(t, f.repo.Clicks()[0].Converted)
		})
	}
}

func TestMostRecentClickWins(t *testing.T) {
	f := newFixture(t)
	item := f.seedItem(19900)
	older, _ := f.campaign(t, item, 5, 30)
	newer, newerAffiliate := f.campaign(t, item, 10, 30)

	f.click(t, older, "v-1")
	f.clock.Advance(time.Hour)
	f.click(t, newer, "v-1")

	tx := f.checkout(t, item, "v-1")
	f.succeed(t, tx)
	require.Equal(t, newerAffiliate, f.shares(t, tx.ID)[domain.RecipientAffiliate].RecipientID)
}

func TestSimultaneousClicksGoToFirstRecorded(t *testing.T) {
	f := newFixture(t)
	item := f.seedItem(19900)
	first, firstAffiliate := f.campaign(t, item, 5, 30)
	second, _ := f.campaign(t, item, 10, 30)

	f.click(t, first, "v-1")
	f.click(t, second, "v-1")

	tx := f.checkout(t, item, "v-1")
	f.succeed(t, tx)
	require.Equal(t, firstAffiliate, f.shares(t, tx.ID)[domain.RecipientAffiliate].RecipientID)
}

func TestClickConvertsOnce(t *testing.T) {
	f := newFixture(t)
	item := f.seedItem(19900)
	campaign, _ := f.campaign(t, item, 10, 30)
	f.click(t, campaign, "v-1")

	first := f.checkout(t, item, "v-1")
	second := f.checkout(t, item, "v-1")
	f.succeed(t, first)
	f.succeed(t, second)

	_, credited := f.shares(t, first.ID)[domain.RecipientAffiliate]
	require.True(t, credited)
	_, credited = f.shares(t, second.ID)[domain.RecipientAffiliate]
	require.False(t, credited)
	require.Len(t, f.repo.Commissions(), 1)
}

func TestParallelSuccessesConvertClickOnce(t *testing.T) {
	f := newFixture(t)
	item := f.seedItem(19900)
	campaign, _ := f.campaign(t, item, 10, 30)
	f.click(t, campaign, "v-1")

	txs := []*domain.Transaction{f.checkout(t, item, "v-1"), f.checkout(t, item, "v-1")}

	var wg sync.WaitGroup
	outcomes := make([]string, len(txs))
	errs := make([]error, len(txs))
	for i, tx := range txs {
		wg.Add(1)
		go func(i int, ev domain.PaymentEvent) {
			defer wg.Done()
			outcomes[i], errs[i] = f.txs.ApplyEvent(context.Background(), ev)
		}(i, f.event(tx, domain.EventPaymentSucceeded, f.clock.Now()))
	}
	wg.Wait()

	credited := 0
	for i, tx := range txs {
		require.NoError(t, errs[i])
		require.Equal(t, OutcomeApplied, outcomes[i])
		require.Equal(t, domain.StatusSucceeded, f.status(t, tx.ID))
		if _, ok := f.shares(t, tx.ID)[domain.RecipientAffiliate]; ok {
			credited++
		}
	}
	require.Equal(t, 1, credited)
	require.Len(t, f.repo.Commissions(), 1)
}

func TestClickByAuthenticatedUserMatchesAcrossDevices(t *testing.T) {
	f := newFixture(t)
	item := f.seedItem(19900)
	campaign, _ := f.campaign(t, item, 10, 30)
	link, err := f.affiliate.CreateLink(context.Background(), campaign.AffiliateID, campaign.ID, "")
	require.NoError(t, err)
	buyer := f.buyer
	_, err = f.affiliate.Resolve(context.Background(), link.ShortCode, Visitor{VisitorID: "phone", UserID: &buyer})
	require.NoError(t, err)

	tx := f.checkout(t, item, "laptop")
	f.succeed(t, tx)
	_, credited := f.shares(t, tx.ID)[domain.RecipientAffiliate]
	require.True(t, credited)
}

func TestSelfReferralEarnsNothing(t *testing.T) {
	f := newFixture(t)
	item := f.seedItem(19900)
	campaign, err := f.affiliate.CreateCampaign(context.Background(), f.buyer, domain.CreateCampaignRequest{
		ItemID:         item.ID,
		CommissionType: domain.CommissionPercentage,
		CommissionRate: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	require.Equal(t, 30, campaign.CookieWindowDays)
	f.click(t, campaign, "v-self")

	tx := f.checkout(t, item, "v-self")
	f.succeed(t, tx)
	_, credited := f.shares(t, tx.ID)[domain.RecipientAffiliate]
	require.False(t, credited)
}

func TestCommissionIsCappedAtPlatformFee(t *testing.T) {
	f := newFixture(t)
	item := f.seedItem(19900)
	campaign, _ := f.campaign(t, item, 50, 30)
	f.click(t, campaign, "v-1")

	tx := f.checkout(t, item, "v-1")
	f.succeed(t, tx)

	shares := f.shares(t, tx.ID)
	require.Equal(t, tx.PlatformFee, shares[domain.RecipientAffiliate].Amount)
	require.Equal(t, int64(0), shares[domain.RecipientPlatform].Amount)
	require.Equal(t, tx.SellerNet, shares[domain.RecipientSeller].Amount)
}

func TestDeactivatedCampaignStopsAttribution(t *testing.T) {
	f := newFixture(t)
	item := f.seedItem(19900)
	campaign, affiliateID := f.campaign(t, item, 10, 30)
	f.click(t, campaign, "v-1")
	ctx := context.Background()

	require.ErrorIs(t, f.affiliate.DeactivateCampaign(ctx, uuid.New(), campaign.ID), ErrForbidden)
	require.NoError(t, f.affiliate.DeactivateCampaign(ctx, affiliateID, campaign.ID))
	require.NoError(t, f.affiliate.DeactivateCampaign(ctx, affiliateID, campaign.ID))

	_, err := f.affiliate.CreateLink(ctx, affiliateID, campaign.ID, "")
	require.ErrorIs(t, err, ErrValidation)

	tx := f.checkout(t, item, "v-1")
	f.succeed(t, tx)
	_, credited := f.shares(t, tx.ID)[domain.RecipientAffiliate]
	require.False(t, credited)
}

func TestCreateCampaignValidation(t *testing.T) {
	f := newFixture(t)
	item := f.seedItem(1000)
	ctx := context.Background()
	affiliate := uuid.New()

	cases := []struct {
		name      string
		affiliate uuid.UUID
		req       domain.CreateCampaignRequest
	}{
		{"missing item", affiliate, domain.CreateCampaignRequest{CommissionType: domain.CommissionFixed}},
		{"rate above 100", affiliate, domain.CreateCampaignRequest{ItemID: item.ID, CommissionType: domain.CommissionPercentage, CommissionRate: decimal.NewFromInt(101)}},
		{"negative fixed", affiliate, domain.CreateCampaignRequest{ItemID: item.ID, CommissionType: domain.CommissionFixed, CommissionFixedCents: -1}},
		{"unknown type", affiliate, domain.CreateCampaignRequest{ItemID: item.ID, CommissionType: "tiered"}},
		{"window too long", affiliate, domain.CreateCampaignRequest{ItemID: item.ID, CommissionType: domain.CommissionFixed, CookieWindowDays: 400}},
		{"unknown item", affiliate, domain.CreateCampaignRequest{ItemID: uuid.New(), CommissionType: domain.CommissionFixed}},
		{"own item", f.seller.ID, domain.CreateCampaignRequest{ItemID: item.ID, CommissionType: domain.CommissionFixed}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.affiliate.CreateCampaign(ctx, tc.affiliate, tc.req)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCreateLink(t *testing.T) {
	f := newFixture(t)
	item := f.seedItem(1000)
	campaign, affiliateID := f.campaign(t, item, 10, 30)
	ctx := context.Background()

	_, err := f.affiliate.CreateLink(ctx, uuid.New(), campaign.ID, "")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.affiliate.CreateLink(ctx, affiliateID, campaign.ID, "ftp://files.example/x")
	require.ErrorIs(t, err, ErrValidation)

	link, err := f.affiliate.CreateLink(ctx, affiliateID, campaign.ID, "")
	require.NoError(t, err)
	require.Equal(t, "https://shop.example/items/"+item.ID.String(), link.DestinationURL)
	require.NotEmpty(t, link.ShortCode)

	custom, err := f.affiliate.CreateLink(ctx, affiliateID, campaign.ID, "https://blog.example/review")
	require.NoError(t, err)
	require.NotEqual(t, link.ShortCode, custom.ShortCode)
}

func TestResolveRecordsClick(t *testing.T) {
	f := newFixture(t)
	item := f.seedItem(1000)
	campaign, _ := f.campaign(t, item, 10, 30)
	link := f.click(t, campaign, "v-9")

	clicks := f.repo.Clicks()
	require.Len(t, clicks, 1)
	require.Equal(t, "v-9", clicks[0].VisitorID)
	require.Equal(t, campaign.ID, clicks[0].CampaignID)
	require.Equal(t, item.ID, clicks[0].ItemID)
	require.Equal(t, t0, clicks[0].ClickedAt)

	_, err := f.affiliate.Resolve(context.Background(), "nope", Visitor{VisitorID: "v-9"})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.affiliate.Resolve(context.Background(), "", Visitor{})
	require.ErrorIs(t, err, ErrNotFound)
	require.NotEmpty(t, link.ShortCode)
}

func TestResolveUsesLinkCache(t *testing.T) {
	f := newFixture(t)
	item := f.seedItem(1000)
	campaign, affiliateID := f.campaign(t, item, 10, 30)

	cache := newMemoryLinkCache()
	f.affiliate.cache = cache
	link, err := f.affiliate.CreateLink(context.Background(), affiliateID, campaign.ID, "")
	require.NoError(t, err)
	require.Contains(t, cache.links, link.ShortCode)

	got, err := f.affiliate.Resolve(context.Background(), link.ShortCode, Visitor{VisitorID: "v-1"})
	require.NoError(t, err)
	require.Equal(t, link.DestinationURL, got.DestinationURL)

	// a broken cache falls back to the store
	cache.err = errBoom
	got, err = f.affiliate.Resolve(context.Background(), link.ShortCode, Visitor{VisitorID: "v-2"})
	require.NoError(t, err)
	require.Equal(t, link.CampaignID, got.CampaignID)
	require.Equal(t, 2, cache.gets)
	require.Len(t, f.repo.Clicks(), 2)
}

func TestClickRecorderDropsWhenFull(t *testing.T) {
	f := newFixture(t)
	recorder := NewClickRecorder(f.repo, 1, 1, nil, nil)
	click := domain.AffiliateClick{ID: uuid.New(), CampaignID: uuid.New(), ItemID: uuid.New(), VisitorID: "v", ClickedAt: t0}

	require.True(t, recorder.Enqueue(click))
	click.ID = uuid.New()
	require.False(t, recorder.Enqueue(click))

	recorder.Stop()
	require.Len(t, f.repo.Clicks(), 1)
	require.False(t, recorder.Enqueue(click))
}

func TestClickRecorderWritesAsynchronously(t *testing.T) {
	f := newFixture(t)
	recorder := NewClickRecorder(f.repo, 2, 16, nil, nil)
	recorder.Start()
	f.affiliate.recorder = recorder

	item := f.seedItem(1000)
	campaign, _ := f.campaign(t, item, 10, 30)
	link, err := f.affiliate.CreateLink(context.Background(), campaign.AffiliateID, campaign.ID, "")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.affiliate.Resolve(context.Background(), link.ShortCode, Visitor{VisitorID: "v"})
		require.NoError(t, err)
	}

	recorder.Stop()
	require.Len(t, f.repo.Clicks(), 5)
}
