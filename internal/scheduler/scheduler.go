/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/orivaflow/commerce-engine/internal/config"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *zap.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance. Schedules are evaluated in UTC
// and a run that is still going when its next tick fires is skipped.
func NewScheduler(jobs *Jobs, logger *zap.Logger, cfg config.Config) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "scheduler"))
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

type scheduledJob struct {
	name     string
	schedule string
	run      func()
}

func (s *Scheduler) entries() []scheduledJob {
	return []scheduledJob{
		{"reservation expiry", s.config.ReservationExpirySchedule, s.jobs.ExpireReservations},
		{"escrow time release", s.config.EscrowReleaseSchedule, s.jobs.ReleaseEscrows},
		{"payout batch", s.config.PayoutBatchSchedule, s.jobs.RunPayoutBatch},
		{"payout retry", s.config.PayoutRetrySchedule, s.jobs.RetryPayouts},
		{"ad budget reset", s.config.AdBudgetResetSchedule, s.jobs.ResetAdBudgets},
	}
}

// Register adds every job with a schedule. It fails on the first invalid schedule.
func (s *Scheduler) Register() error {
	for _, job := range s.entries() {
		if job.schedule == "" {
			s.logger.Warn("job has no schedule; not registered", zap.String("job", job.name))
			continue
		}
		if _, err := s.cron.AddFunc(job.schedule, job.run); err != nil {
			return fmt.Errorf("schedule %s job %q: %w", job.name, job.schedule, err)
		}
		s.logger.Info("scheduled job", zap.String("job", job.name), zap.String("schedule", job.schedule))
	}
	return nil
}

// Start starts the cron scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler. The context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Len reports the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}
