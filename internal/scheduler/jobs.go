/**
 * @description
 * Scheduled job implementations for the scheduler-service. Each job runs one
 * sweep of an engine component and logs what it did.
 */
package scheduler

import (
	"context"
	"time"

	"github.com/orivaflow/commerce-engine/internal/app"
	"github.com/orivaflow/commerce-engine/internal/config"
	"go.uber.org/zap"
)

const jobTimeout = 10 * time.Minute

type CheckoutExpirer interface {
	ExpireCheckouts(ctx context.Context, limit int) (int, error)
}

type EscrowSweeper interface {
	SweepTimeReleases(ctx context.Context, limit int) (int, error)
}

type PayoutRunner interface {
	CurrentPeriod() (time.Time, time.Time)
	RunPayoutBatch(ctx context.Context, start, end time.Time) (*app.PayoutRunResult, error)
	RetryFailedPayouts(ctx context.Context, limit int) (*app.PayoutRunResult, error)
}

type BudgetResetter interface {
	ResetDailyBudgets(ctx context.Context) (int64, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	checkouts CheckoutExpirer
	escrow    EscrowSweeper
	payouts   PayoutRunner
	ads       BudgetResetter
	logger    *zap.Logger
	config    config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(checkouts CheckoutExpirer, escrow EscrowSweeper, payouts PayoutRunner, ads BudgetResetter, logger *zap.Logger, cfg config.Config) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 500
	}
	return &Jobs{
		checkouts: checkouts,
		escrow:    escrow,
		payouts:   payouts,
		ads:       ads,
		logger:    logger.With(zap.String("component", "jobs")),
		config:    cfg,
	}
}

func (j *Jobs) jobContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), jobTimeout)
}

// ExpireReservations fails checkouts whose inventory hold ran out.
func (j *Jobs) ExpireReservations() {
	ctx, cancel := j.jobContext()
	defer cancel()

	n, err := j.checkouts.ExpireCheckouts(ctx, j.config.SweepBatchSize)
	if err != nil {
		j.logger.Error("reservation expiry job failed", zap.String("job", "reservation_expiry"), zap.Error(err))
		return
	}
	j.logger.Info("reservation expiry job finished", zap.String("job", "reservation_expiry"), zap.Int("expired", n))
}

// ReleaseEscrows releases time-based escrows that reached their release time.
func (j *Jobs) ReleaseEscrows() {
	ctx, cancel := j.jobContext()
	defer cancel()

	n, err := j.escrow.SweepTimeReleases(ctx, j.config.SweepBatchSize)
	if err != nil {
		j.logger.Error("escrow release job failed", zap.String("job", "escrow_time_release"), zap.Error(err))
		return
	}
	j.logger.Info("escrow release job finished", zap.String("job", "escrow_time_release"), zap.Int("released", n))
}

// RunPayoutBatch pays every earner for the period that just closed.
func (j *Jobs) RunPayoutBatch() {
	ctx, cancel := j.jobContext()
	defer cancel()

	start, end := j.payouts.CurrentPeriod()
	j.logger.Info("starting payout batch job", zap.Time("period_start", start), zap.Time("period_end", end))
	result, err := j.payouts.RunPayoutBatch(ctx, start, end)
	if err != nil {
		j.logger.Error("payout batch job failed", zap.String("job", "payout_batch"), zap.Error(err))
		return
	}
	j.logResult("payout batch job finished", "payout_batch", result)
}

// RetryPayouts resubmits failed payouts whose backoff has elapsed.
func (j *Jobs) RetryPayouts() {
	ctx, cancel := j.jobContext()
	defer cancel()

	result, err := j.payouts.RetryFailedPayouts(ctx, j.config.SweepBatchSize)
	if err != nil {
		j.logger.Error("payout retry job failed", zap.String("job", "payout_retry"), zap.Error(err))
		return
	}
	j.logResult("payout retry job finished", "payout_retry", result)
}

// ResetAdBudgets clears the exhaustion marks left by the previous day.
func (j *Jobs) ResetAdBudgets() {
	ctx, cancel := j.jobContext()
	defer cancel()

	n, err := j.ads.ResetDailyBudgets(ctx)
	if err != nil {
		j.logger.Error("ad budget reset job failed", zap.String("job", "ad_budget_reset"), zap.Error(err))
		return
	}
	j.logger.Info("ad budget reset job finished", zap.String("job", "ad_budget_reset"), zap.Int64("campaigns", n))
}

func (j *Jobs) logResult(msg, job string, r *app.PayoutRunResult) {
	j.logger.Info(msg,
		zap.String("job", job),
		zap.Int("evaluated", r.Evaluated),
		zap.Int("created", r.Created),
		zap.Int("succeeded", r.Succeeded),
		zap.Int("failed", r.Failed),
		zap.Int("skipped", r.Skipped))
}
