package cache

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/app"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	links := NewRedisLinkCache(nil, "commerce:", 0)
	require.Equal(t, "commerce:aff:link:3xYz", links.key("3xYz"))
	require.Equal(t, DefaultLinkTTL, links.ttl)

	ledger := NewRedisBudgetLedger(nil, "  ")
	id := uuid.MustParse("7f1c55c4-7b41-4b0f-9d1e-2f88a3e7c001")
	day := time.Date(2026, 3, 9, 23, 59, 0, 0, time.FixedZone("X", -5*3600))
	require.Equal(t, "orivaflow:ad:spend:7f1c55c4-7b41-4b0f-9d1e-2f88a3e7c001:2026-03-10", ledger.key(id, day))
}

// redisClient connects to REDIS_TEST_URL; tests that need a live server skip without it.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func TestLinkCacheRoundTrip(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	c := NewRedisLinkCache(client, "test:"+uuid.NewString(), time.Minute)

	_, err := c.GetLink(ctx, "missing")
	require.ErrorIs(t, err, app.ErrCacheMiss)

	link := &domain.AffiliateLink{ShortCode: "abc", CampaignID: uuid.New(), DestinationURL: "https://shop.example/items/1"}
	require.NoError(t, c.SetLink(ctx, link))
	got, err := c.GetLink(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, link.DestinationURL, got.DestinationURL)
	require.Equal(t, link.CampaignID, got.CampaignID)
}

func TestBudgetLedgerNeverExceedsBudget(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	ledger := NewRedisBudgetLedger(client, "test:"+uuid.NewString())
	campaign := uuid.New()
	day := time.Now().UTC()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Debit(ctx, campaign, day, 200, 1000)
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			if !errors.Is(err, app.ErrBudgetExhausted) {
				t.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 5, accepted)
	spent, err := ledger.Spent(ctx, campaign, day)
	require.NoError(t, err)
	require.Equal(t, int64(1000), spent)
}
