package app

import (
	"context"
	"time"

	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/orivaflow/commerce-engine/internal/metrics"
	"github.com/orivaflow/commerce-engine/internal/store"
	"go.uber.org/zap"
)

const clickWriteTimeout = 5 * time.Second

// ClickRecorder writes affiliate clicks off the redirect path. When the queue is
// full the click is dropped and counted; the redirect is never delayed.
type ClickRecorder struct {
	store   store.AffiliateStore
	pool    *WorkerPool[domain.AffiliateClick]
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewClickRecorder(s store.AffiliateStore, workers, queueSize int, logger *zap.Logger, m *metrics.Metrics) *ClickRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ClickRecorder{store: s, logger: logger.With(zap.String("component", "click_recorder")), metrics: m}
	r.pool = NewWorkerPool("affiliate_clicks", workers, queueSize, r.write, r.logger)
	return r
}

func (r *ClickRecorder) Start() { r.pool.Start() }

// Stop flushes queued clicks.
func (r *ClickRecorder) Stop() { r.pool.Stop() }

// Enqueue hands the click to the workers and reports whether it was queued.
func (r *ClickRecorder) Enqueue(click domain.AffiliateClick) bool {
	if r.pool.Submit(click) {
		return true
	}
	r.metrics.Click("dropped")
	r.logger.Warn("click queue full, dropping click",
		zap.String("campaign_id", click.CampaignID.String()),
		zap.String("outcome", "dropped"))
	return false
}

func (r *ClickRecorder) write(click domain.AffiliateClick) {
	ctx, cancel := context.WithTimeout(context.Background(), clickWriteTimeout)
	defer cancel()

	if err := r.store.RecordClick(ctx, &click); err != nil {
		r.metrics.Click("error")
		r.logger.Error("record click failed", zap.String("click_id", click.ID.String()), zap.Error(err))
		return
	}
	r.metrics.Click("recorded")
}
