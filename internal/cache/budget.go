package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/app"
	"github.com/redis/go-redis/v9"
)

const spendKeyTTL = 48 * time.Hour

// debitScript adds ARGV[1] to the counter unless that would pass ARGV[2].
// Returns {accepted, spend_after}.
var debitScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
local budget = tonumber(ARGV[2])
if current + amount > budget then
  return {0, current}
end
current = redis.call("INCRBY", KEYS[1], amount)
if redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return {1, current}
`)

// RedisBudgetLedger keeps per-campaign spend counters keyed by UTC day.
type RedisBudgetLedger struct {
	client redis.UniversalClient
	prefix string
}

var _ app.BudgetLedger = (*RedisBudgetLedger)(nil)

func NewRedisBudgetLedger(client redis.UniversalClient, prefix string) *RedisBudgetLedger {
	return &RedisBudgetLedger{client: client, prefix: normalizePrefix(prefix)}
}

func (l *RedisBudgetLedger) key(campaignID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("%s:ad:spend:%s:%s", l.prefix, campaignID, day.UTC().Format("2006-01-02"))
}

func (l *RedisBudgetLedger) Debit(ctx context.Context, campaignID uuid.UUID, day time.Time, amount, budget int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	raw, err := debitScript.Run(ctx, l.client, []string{l.key(campaignID, day)}, amount, budget, spendKeyTTL.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, fmt.Errorf("unexpected redis ledger response shape: %T", raw)
	}
	accepted, ok := values[0].(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected redis ledger flag type: %T", values[0])
	}
	spent, ok := values[1].(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected redis ledger spend type: %T", values[1])
	}
	if accepted == 0 {
		return spent, app.ErrBudgetExhausted
	}
	return spent, nil
}

func (l *RedisBudgetLedger) Spent(ctx context.Context, campaignID uuid.UUID, day time.Time) (int64, error) {
	raw, err := l.client.Get(ctx, l.key(campaignID, day)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}
