/**
 * @description
 * Periodic payouts. Each run groups every pending revenue share and pending
 * escrow release per earner into one payout for the period and submits a
 * transfer to the earner's connected account. Failed transfers are retried
 * with capped exponential backoff until the attempt limit is reached.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/clock"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/orivaflow/commerce-engine/internal/metrics"
	"github.com/orivaflow/commerce-engine/internal/store"
	"github.com/orivaflow/commerce-engine/pkg/paymentclient"
	"go.uber.org/zap"
)

// TransferProvider moves money from the platform balance to an earner.
type TransferProvider interface {
	CreateTransfer(ctx context.Context, req paymentclient.TransferRequest) (*paymentclient.Transfer, error)
}

type PayoutConfig struct {
	FeeCents    int64
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
	Currency    string
	PeriodDays  int
}

func (c PayoutConfig) withDefaults() PayoutConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 24 * time.Hour
	}
	if c.Currency == "" {
		c.Currency = "usd"
	}
	if c.PeriodDays <= 0 {
		c.PeriodDays = 7
	}
	return c
}

// PayoutRunResult summarizes a batch or retry run.
type PayoutRunResult struct {
	Evaluated int `json:"evaluated"`
	Created   int `json:"created"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type PayoutScheduler struct {
	repo     store.Repository
	provider TransferProvider
	clock    clock.Clock
	cfg      PayoutConfig
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewPayoutScheduler(repo store.Repository, provider TransferProvider, clk clock.Clock, cfg PayoutConfig, logger *zap.Logger, m *metrics.Metrics) *PayoutScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PayoutScheduler{
		repo:     repo,
		provider: provider,
		clock:    clk,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(zap.String("component", "payouts")),
		metrics:  m,
	}
}

// CurrentPeriod returns the period that ended at the most recent UTC midnight.
func (p *PayoutScheduler) CurrentPeriod() (time.Time, time.Time) {
	end := clock.StartOfDay(p.clock.Now())
	return end.AddDate(0, 0, -p.cfg.PeriodDays), end
}

// Backoff is the wait before retry number attempt, doubling from RetryBase up to RetryCap.
func (p *PayoutScheduler) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.cfg.RetryBase * time.Duration(1<<min(attempt-1, 8))
	return min(d, p.cfg.RetryCap)
}

// RunPayoutBatch creates and submits one payout per earner for [start, end).
// Items left unpaid by earlier periods are carried into this one.
func (p *PayoutScheduler) RunPayoutBatch(ctx context.Context, start, end time.Time) (*PayoutRunResult, error) {
	if !end.After(start) {
		return nil, validation("period", "end must be after start")
	}
	earners, err := p.repo.ListEarnersWithPayables(ctx, end)
	if err != nil {
		return nil, fmt.Errorf("list earners with payables: %w", err)
	}

	result := &PayoutRunResult{Evaluated: len(earners)}
	for _, earnerID := range earners {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		payout, account, err := p.open(ctx, earnerID, start, end)
		if err != nil {
			p.logger.Error("open payout failed", zap.String("earner_id", earnerID.String()), zap.Error(err))
			result.Failed++
			continue
		}
		if payout == nil {
			result.Skipped++
			continue
		}
		result.Created++
		if p.submit(ctx, payout, account) {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}

	p.logger.Info("payout batch finished",
		zap.Time("period_start", start),
		zap.Time("period_end", end),
		zap.Int("evaluated", result.Evaluated),
		zap.Int("created", result.Created),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

// open claims the earner's payable items for a new payout. It returns nil when
// there is nothing to pay out.
func (p *PayoutScheduler) open(ctx context.Context, earnerID uuid.UUID, start, end time.Time) (*domain.Payout, string, error) {
	earner, err := p.repo.GetEarner(ctx, earnerID)
	if err != nil {
		return nil, "", fmt.Errorf("load earner: %w", err)
	}
	if earner.PayoutAccountID == nil || *earner.PayoutAccountID == "" {
		p.logger.Warn("earner has no payout account; skipping", zap.String("earner_id", earnerID.String()), zap.String("outcome", "skipped"))
		p.metrics.Payout("skipped")
		return nil, "", nil
	}

	items, err := p.repo.ListPayableItems(ctx, earnerID, end)
	if err != nil {
		return nil, "", fmt.Errorf("list payable items: %w", err)
	}
	var gross int64
	for _, it := range items {
		gross += it.Amount
	}
	net := gross - p.cfg.FeeCents
	if len(items) == 0 || net <= 0 {
		p.logger.Info("payable balance below payout fee; deferring",
			zap.String("earner_id", earnerID.String()),
			zap.Int64("gross", gross),
			zap.String("outcome", "skipped"))
		return nil, "", nil
	}

	now := p.clock.Now()
	payout := &domain.Payout{
		ID:          uuid.New(),
		EarnerID:    earnerID,
		PeriodStart: start,
		PeriodEnd:   end,
		Gross:       gross,
		Fees:        p.cfg.FeeCents,
		Net:         net,
		Currency:    p.cfg.Currency,
		Status:      domain.PayoutProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = p.repo.RunInTx(ctx, func(r store.Repository) error {
		if err := r.CreatePayout(ctx, payout); err != nil {
			return err
		}
		return r.AssignPayoutItems(ctx, payout.ID, items)
	})
	if errors.Is(err, store.ErrPayoutExists) || errors.Is(err, store.ErrNotPayable) {
		p.logger.Info("payout already claimed for period", zap.String("earner_id", earnerID.String()), zap.Error(err))
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("create payout: %w", err)
	}
	return payout, *earner.PayoutAccountID, nil
}

// submit sends the transfer and records the result. It reports whether the payout was paid.
func (p *PayoutScheduler) submit(ctx context.Context, payout *domain.Payout, account string) bool {
	payout.Attempts++
	transfer, err := p.provider.CreateTransfer(ctx, paymentclient.TransferRequest{
		AmountCents:   payout.Net,
		Currency:      payout.Currency,
		Destination:   account,
		TransferGroup: "payout-" + payout.ID.String(),
		Metadata: map[string]string{
			"payout_id": payout.ID.String(),
			"earner_id": payout.EarnerID.String(),
		},
		IdempotencyKey: "payout-" + payout.ID.String(),
	})
	now := p.clock.Now()
	payout.UpdatedAt = now

	if err == nil {
		ref := transfer.ID
		payout.Status = domain.PayoutPaid
		payout.ProviderRef = &ref
		payout.NextAttemptAt = nil
		payout.LastError = nil
		if err := p.settle(ctx, payout, domain.PayoutPaid); err != nil {
			p.logger.Error("record paid payout failed", zap.String("payout_id", payout.ID.String()), zap.Error(err))
			return false
		}
		p.metrics.Payout("paid")
		p.logger.Info("payout paid",
			zap.String("payout_id", payout.ID.String()),
			zap.String("earner_id", payout.EarnerID.String()),
			zap.Int64("net", payout.Net),
			zap.String("provider_ref", ref))
		return true
	}

	providerErr := &PayoutProviderError{PayoutID: payout.ID, Attempt: payout.Attempts, Err: err}
	msg := providerErr.Error()
	payout.Status = domain.PayoutFailed
	payout.LastError = &msg

	var apiErr *paymentclient.ErrorResponse
	permanent := payout.Attempts >= p.cfg.MaxAttempts || (errors.As(err, &apiErr) && !apiErr.Retryable())
	if permanent {
		payout.NextAttemptAt = nil
		if err := p.settle(ctx, payout, domain.PayoutFailed); err != nil {
			p.logger.Error("record failed payout failed", zap.String("payout_id", payout.ID.String()), zap.Error(err))
		}
		p.metrics.Payout("failed_permanently")
		p.logger.Error("payout failed permanently; needs manual review",
			zap.String("payout_id", payout.ID.String()),
			zap.Int("attempts", payout.Attempts),
			zap.Error(providerErr))
		return false
	}

	next := now.Add(p.Backoff(payout.Attempts))
	payout.NextAttemptAt = &next
	if err := p.repo.UpdatePayout(ctx, payout); err != nil {
		p.logger.Error("schedule payout retry failed", zap.String("payout_id", payout.ID.String()), zap.Error(err))
	}
	p.metrics.Payout("retry_scheduled")
	p.logger.Warn("payout transfer failed; retry scheduled",
		zap.String("payout_id", payout.ID.String()),
		zap.Int("attempts", payout.Attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(providerErr))
	return false
}

func (p *PayoutScheduler) settle(ctx context.Context, payout *domain.Payout, status domain.PayoutStatus) error {
	return p.repo.RunInTx(ctx, func(r store.Repository) error {
		if err := r.UpdatePayout(ctx, payout); err != nil {
			return err
		}
		return r.SettlePayoutItems(ctx, payout.ID, status)
	})
}

// RetryFailedPayouts resubmits failed payouts whose next attempt is due.
func (p *PayoutScheduler) RetryFailedPayouts(ctx context.Context, limit int) (*PayoutRunResult, error) {
	due, err := p.repo.ListRetryablePayouts(ctx, p.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable payouts: %w", err)
	}
	result := &PayoutRunResult{Evaluated: len(due)}
	for i := range due {
		payout := &due[i]
		earner, err := p.repo.GetEarner(ctx, payout.EarnerID)
		if err != nil || earner.PayoutAccountID == nil {
			p.logger.Warn("payout retry skipped; earner account unavailable", zap.String("payout_id", payout.ID.String()), zap.Error(err))
			result.Skipped++
			continue
		}
		if p.submit(ctx, payout, *earner.PayoutAccountID) {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	p.metrics.Swept("payout_retry", result.Succeeded)
	return result, nil
}
