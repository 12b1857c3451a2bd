package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/clock"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/orivaflow/commerce-engine/internal/metrics"
	"github.com/orivaflow/commerce-engine/internal/store"
	"go.uber.org/zap"
)

const DefaultRelevanceFloor = 0.3

// BudgetLedger tracks daily ad spend. Debit adds amount to the day's spend only
// when the result stays within budget, and returns the spend after the call.
// A refused debit returns ErrBudgetExhausted.
type BudgetLedger interface {
	Debit(ctx context.Context, campaignID uuid.UUID, day time.Time, amount, budget int64) (int64, error)
	Spent(ctx context.Context, campaignID uuid.UUID, day time.Time) (int64, error)
}

// StoreBudgetLedger keeps spend in the relational store.
type StoreBudgetLedger struct {
	Store store.AdStore
}

func (l StoreBudgetLedger) Debit(ctx context.Context, campaignID uuid.UUID, day time.Time, amount, budget int64) (int64, error) {
	return l.Store.DebitAdBudget(ctx, campaignID, day, amount, budget)
}

func (l StoreBudgetLedger) Spent(ctx context.Context, campaignID uuid.UUID, day time.Time) (int64, error) {
	return l.Store.AdSpend(ctx, campaignID, day)
}

type AuctionConfig struct {
	// MaxBidCents normalizes bids. Zero uses the highest bid among the candidates.
	MaxBidCents    int64
	RelevanceFloor float64
}

type AdAuction struct {
	store   store.AdStore
	ledger  BudgetLedger
	clock   clock.Clock
	cfg     AuctionConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewAdAuction(s store.AdStore, ledger BudgetLedger, clk clock.Clock, cfg AuctionConfig, logger *zap.Logger, m *metrics.Metrics) *AdAuction {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ledger == nil {
		ledger = StoreBudgetLedger{Store: s}
	}
	if cfg.RelevanceFloor <= 0 {
		cfg.RelevanceFloor = DefaultRelevanceFloor
	}
	return &AdAuction{store: s, ledger: ledger, clock: clk, cfg: cfg, logger: logger.With(zap.String("component", "ad_auction")), metrics: m}
}

type candidate struct {
	campaign domain.AdCampaign
	score    float64
}

// Select returns the best eligible ad for the placement and charges its bid to the
// day's budget. It returns nil when no campaign qualifies.
func (a *AdAuction) Select(ctx context.Context, req domain.PlacementRequest) (*domain.AdSelection, error) {
	started := time.Now()
	defer func() { a.metrics.ObserveAuction(time.Since(started)) }()

	if strings.TrimSpace(req.Placement) == "" {
		return nil, validation("placement", "is required")
	}
	campaigns, err := a.store.ListActiveAdCampaigns(ctx, req.Placement)
	if err != nil {
		return nil, fmt.Errorf("list ad campaigns: %w", err)
	}

	now := a.clock.Now()
	day := clock.StartOfDay(now)
	eligible := make([]domain.AdCampaign, 0, len(campaigns))
	for _, c := range campaigns {
		ok, err := a.eligible(ctx, c, req, now, day)
		if err != nil {
			return nil, err
		}
		if ok {
			eligible = append(eligible, c)
		}
	}

	maxBid := a.cfg.MaxBidCents
	if maxBid <= 0 {
		for _, c := range eligible {
			maxBid = max(maxBid, c.BidAmountCents)
		}
	}
	ranked := make([]candidate, 0, len(eligible))
	for _, c := range eligible {
		score := Score(c, req, maxBid)
		if score < a.cfg.RelevanceFloor {
			continue
		}
		ranked = append(ranked, candidate{campaign: c, score: score})
	}
	slices.SortFunc(ranked, func(x, y candidate) int {
		switch {
		case x.score != y.score:
			if x.score > y.score {
				return -1
			}
			return 1
		case x.campaign.BidAmountCents != y.campaign.BidAmountCents:
			if x.campaign.BidAmountCents > y.campaign.BidAmountCents {
				return -1
			}
			return 1
		}
		return strings.Compare(x.campaign.ID.String(), y.campaign.ID.String())
	})

	for _, cand := range ranked {
		c := cand.campaign
		spent, err := a.ledger.Debit(ctx, c.ID, day, c.BidAmountCents, c.DailyBudgetCents)
		if errors.Is(err, ErrBudgetExhausted) {
			a.exhaust(ctx, c.ID, day)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("debit ad budget: %w", err)
		}
		if spent+c.BidAmountCents > c.DailyBudgetCents {
			a.exhaust(ctx, c.ID, day)
		}

		imp := &domain.AdImpression{
			ID:         uuid.New(),
			CampaignID: c.ID,
			Placement:  req.Placement,
			Score:      cand.score,
			CostCents:  c.BidAmountCents,
			ServedAt:   now,
		}
		if err := a.store.RecordImpression(ctx, imp); err != nil {
			// spend stays debited
			a.logger.Error("record impression failed", zap.String("campaign_id", c.ID.String()), zap.Error(err))
		}
		a.metrics.Impression("served")
		a.metrics.AdSpend(req.Placement, c.BidAmountCents)
		return &domain.AdSelection{
			CampaignID:   c.ID,
			ImpressionID: imp.ID,
			Score:        cand.score,
			CostCents:    c.BidAmountCents,
			Creative:     c.Creative,
		}, nil
	}
	a.metrics.Impression("no_fill")
	return nil, nil
}

func (a *AdAuction) eligible(ctx context.Context, c domain.AdCampaign, req domain.PlacementRequest, now, day time.Time) (bool, error) {
	if c.Status != domain.AdCampaignActive || c.BidAmountCents <= 0 {
		return false, nil
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return false, nil
	}
	if c.EndsAt != nil && !now.Before(*c.EndsAt) {
		return false, nil
	}
	if len(c.PlacementTypes) > 0 && !slices.Contains(c.PlacementTypes, req.Placement) {
		return false, nil
	}
	if len(c.Geo) > 0 && !containsFold(c.Geo, req.Geo) {
		return false, nil
	}
	if len(c.Devices) > 0 && !containsFold(c.Devices, req.Device) {
		return false, nil
	}
	if c.ExhaustedOn != nil && c.ExhaustedOn.Equal(day) {
		return false, nil
	}
	spent, err := a.ledger.Spent(ctx, c.ID, day)
	if err != nil {
		return false, fmt.Errorf("read ad spend: %w", err)
	}
	return spent+c.BidAmountCents <= c.DailyBudgetCents, nil
}

func (a *AdAuction) exhaust(ctx context.Context, id uuid.UUID, day time.Time) {
	if err := a.store.MarkAdCampaignExhausted(ctx, id, day); err != nil {
		a.logger.Warn("mark campaign exhausted failed", zap.String("campaign_id", id.String()), zap.Error(err))
		return
	}
	a.metrics.Impression("budget_exhausted")
	a.logger.Info("campaign budget exhausted for the day", zap.String("campaign_id", id.String()), zap.Time("day", day))
}

// ResetDailyBudgets clears exhaustion marks from previous UTC days.
func (a *AdAuction) ResetDailyBudgets(ctx context.Context) (int64, error) {
	n, err := a.store.ClearAdExhaustion(ctx, clock.StartOfDay(a.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("clear ad exhaustion: %w", err)
	}
	a.metrics.Swept("ad_budget_reset", int(n))
	return n, nil
}

// Score is 0.4 * segment match + 0.4 * keyword overlap + 0.2 * normalized bid.
// Matches are the share of the campaign's targets present in the request.
func Score(c domain.AdCampaign, req domain.PlacementRequest, maxBid int64) float64 {
	bid := 0.0
	if maxBid > 0 {
		bid = min(float64(c.BidAmountCents)/float64(maxBid), 1.0)
	}
	return 0.4*overlap(c.TargetSegments, req.UserSegments) + 0.4*overlap(c.Keywords, req.ThreadKeywords) + 0.2*bid
}

func overlap(targets, have []string) float64 {
	if len(targets) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	hits := 0
	for _, t := range targets {
		if _, ok := set[strings.ToLower(strings.TrimSpace(t))]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(targets))
}

func containsFold(list []string, v string) bool {
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, v) })
}
