// Package cache holds the Redis-backed collaborators of the engine: the
// affiliate short-link cache and the ad budget ledger.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orivaflow/commerce-engine/internal/app"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix  = "orivaflow"
	DefaultLinkTTL = 24 * time.Hour
)

func normalizePrefix(prefix string) string {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		return DefaultPrefix
	}
	return p
}

// RedisLinkCache stores resolved affiliate links as JSON under aff:link:{code}.
type RedisLinkCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ app.LinkCache = (*RedisLinkCache)(nil)

func NewRedisLinkCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLinkCache {
	if ttl <= 0 {
		ttl = DefaultLinkTTL
	}
	return &RedisLinkCache{client: client, prefix: normalizePrefix(prefix), ttl: ttl}
}

func (c *RedisLinkCache) key(code string) string {
	return fmt.Sprintf("%s:aff:link:%s", c.prefix, code)
}

func (c *RedisLinkCache) GetLink(ctx context.Context, code string) (*domain.AffiliateLink, error) {
	raw, err := c.client.Get(ctx, c.key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, app.ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	var link domain.AffiliateLink
	if err := json.Unmarshal(raw, &link); err != nil {
		return nil, fmt.Errorf("decode cached link %s: %w", code, err)
	}
	return &link, nil
}

func (c *RedisLinkCache) SetLink(ctx context.Context, link *domain.AffiliateLink) error {
	raw, err := json.Marshal(link)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(link.ShortCode), raw, c.ttl).Err()
}
