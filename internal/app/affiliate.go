/**
 * @description
 * Affiliate attribution. Affiliates create campaigns for items and share
 * short links; resolving a link records a click and redirects. When a purchase
 * succeeds, the most recent unconverted click by the same visitor or user for
 * that item, inside the campaign window, earns the commission. Marking the
 * click converted is the gate that keeps one click to one conversion.
 *
 * @dependencies
 * - github.com/bwmarrin/snowflake: Short code generation.
 * - github.com/shopspring/decimal: Percentage commissions.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/clock"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/orivaflow/commerce-engine/internal/metrics"
	"github.com/orivaflow/commerce-engine/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned by a LinkCache that does not hold the code.
var ErrCacheMiss = errors.New("cache miss")

// LinkCache fronts short-link resolution.
type LinkCache interface {
	GetLink(ctx context.Context, code string) (*domain.AffiliateLink, error)
	SetLink(ctx context.Context, link *domain.AffiliateLink) error
}

// Visitor identifies who followed a link. UserID is set when the request was authenticated.
type Visitor struct {
	VisitorID string
	UserID    *uuid.UUID
}

// Attribution is the outcome of matching a transaction to a click.
type Attribution struct {
	ConversionID uuid.UUID
	ClickID      uuid.UUID
	CampaignID   uuid.UUID
	AffiliateID  uuid.UUID
	Commission   int64
	Recurring    bool
}

type AffiliateConfig struct {
	DefaultWindowDays int
	MaxWindowDays     int
	// DestinationBaseURL builds the default link target when none is given.
	DestinationBaseURL string
}

func (c AffiliateConfig) withDefaults() AffiliateConfig {
	if c.DefaultWindowDays <= 0 {
		c.DefaultWindowDays = 30
	}
	if c.MaxWindowDays <= 0 {
		c.MaxWindowDays = 365
	}
	return c
}

type AffiliateEngine struct {
	store    store.AffiliateStore
	catalog  store.CatalogStore
	cache    LinkCache
	recorder *ClickRecorder
	ids      *snowflake.Node
	clock    clock.Clock
	cfg      AffiliateConfig
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewAffiliateEngine wires the engine. cache and recorder are optional: without a
// cache every resolution hits the store, without a recorder clicks are written inline.
func NewAffiliateEngine(s store.AffiliateStore, catalog store.CatalogStore, cache LinkCache, recorder *ClickRecorder, ids *snowflake.Node, clk clock.Clock, cfg AffiliateConfig, logger *zap.Logger, m *metrics.Metrics) *AffiliateEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AffiliateEngine{
		store:    s,
		catalog:  catalog,
		cache:    cache,
		recorder: recorder,
		ids:      ids,
		clock:    clk,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(zap.String("component", "affiliate")),
		metrics:  m,
	}
}

func (e *AffiliateEngine) bind(s store.AffiliateStore) *AffiliateEngine {
	cp := *e
	cp.store = s
	return &cp
}

// CreateCampaign registers an affiliate campaign for an item.
func (e *AffiliateEngine) CreateCampaign(ctx context.Context, affiliateID uuid.UUID, req domain.CreateCampaignRequest) (*domain.AffiliateCampaign, error) {
	if affiliateID == uuid.Nil {
		return nil, validation("affiliate_id", "is required")
	}
	if req.ItemID == uuid.Nil {
		return nil, validation("item_id", "is required")
	}
	switch req.CommissionType {
	case domain.CommissionPercentage:
		if req.CommissionRate.IsNegative() || req.CommissionRate.GreaterThan(hundred) {
			return nil, validation("commission_rate", "must be between 0 and 100")
		}
	case domain.CommissionFixed:
		if req.CommissionFixedCents < 0 {
			return nil, validation("commission_fixed_cents", "must not be negative")
		}
	default:
		return nil, validation("commission_type", fmt.Sprintf("unknown commission type %q", req.CommissionType))
	}
	window := req.CookieWindowDays
	if window == 0 {
		window = e.cfg.DefaultWindowDays
	}
	if window < 1 || window > e.cfg.MaxWindowDays {
		return nil, validation("cookie_window_days", fmt.Sprintf("must be between 1 and %d", e.cfg.MaxWindowDays))
	}

	item, err := e.catalog.GetItem(ctx, req.ItemID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, validation("item_id", "unknown item")
	}
	if err != nil {
		return nil, fmt.Errorf("load item: %w", err)
	}
	if item.SellerID == affiliateID {
		return nil, validation("item_id", "sellers cannot promote their own items")
	}

	now := e.clock.Now()
	campaign := &domain.AffiliateCampaign{
		ID:                   uuid.New(),
		AffiliateID:          affiliateID,
		ItemID:               req.ItemID,
		CommissionType:       req.CommissionType,
		CommissionRate:       req.CommissionRate,
		CommissionFixedCents: req.CommissionFixedCents,
		CookieWindowDays:     window,
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.store.CreateCampaign(ctx, campaign); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	e.logger.Info("campaign created", zap.String("campaign_id", campaign.ID.String()), zap.String("affiliate_id", affiliateID.String()))
	return campaign, nil
}

// DeactivateCampaign stops future attribution. Conversions already made are kept.
func (e *AffiliateEngine) DeactivateCampaign(ctx context.Context, affiliateID, campaignID uuid.UUID) error {
	campaign, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.AffiliateID != affiliateID {
		return ErrForbidden
	}
	if !campaign.IsActive {
		return nil
	}
	return e.store.DeactivateCampaign(ctx, campaignID, e.clock.Now())
}

// CreateLink issues a short code for the campaign.
func (e *AffiliateEngine) CreateLink(ctx context.Context, affiliateID, campaignID uuid.UUID, destination string) (*domain.AffiliateLink, error) {
	campaign, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.AffiliateID != affiliateID {
		return nil, ErrForbidden
	}
	if !campaign.IsActive {
		return nil, validation("campaign_id", "campaign is not active")
	}

	if destination == "" {
		if e.cfg.DestinationBaseURL == "" {
			return nil, validation("destination_url", "is required")
		}
		destination = e.cfg.DestinationBaseURL + "/items/" + campaign.ItemID.String()
	}
	parsed, err := url.Parse(destination)
	if err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") || parsed.Host == "" {
		return nil, validation("destination_url", "must be an absolute http(s) URL")
	}

	link := &domain.AffiliateLink{
		ShortCode:      e.ids.Generate().Base58(),
		CampaignID:     campaign.ID,
		AffiliateID:    campaign.AffiliateID,
		ItemID:         campaign.ItemID,
		DestinationURL: parsed.String(),
		CreatedAt:      e.clock.Now(),
	}
	if err := e.store.CreateLink(ctx, link); err != nil {
		return nil, fmt.Errorf("create link: %w", err)
	}
	e.cacheLink(ctx, link)
	return link, nil
}

// Resolve maps a short code to its link and records the click without waiting for the write.
func (e *AffiliateEngine) Resolve(ctx context.Context, code string, visitor Visitor) (*domain.AffiliateLink, error) {
	if code == "" {
		return nil, ErrNotFound
	}
	link, err := e.lookupLink(ctx, code)
	if err != nil {
		return nil, err
	}

	click := domain.AffiliateClick{
		ID:          uuid.New(),
		CampaignID:  link.CampaignID,
		AffiliateID: link.AffiliateID,
		ItemID:      link.ItemID,
		VisitorID:   visitor.VisitorID,
		UserID:      visitor.UserID,
		ClickedAt:   e.clock.Now(),
	}
	if e.recorder != nil {
		e.recorder.Enqueue(click)
	} else if err := e.store.RecordClick(ctx, &click); err != nil {
		e.logger.Error("record click failed", zap.String("short_code", code), zap.Error(err))
	}
	return link, nil
}

func (e *AffiliateEngine) lookupLink(ctx context.Context, code string) (*domain.AffiliateLink, error) {
	if e.cache != nil {
		link, err := e.cache.GetLink(ctx, code)
		if err == nil {
			return link, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			e.logger.Warn("link cache read failed, falling back to store", zap.String("short_code", code), zap.Error(err))
		}
	}
	link, err := e.store.GetLinkByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	e.cacheLink(ctx, link)
	return link, nil
}

func (e *AffiliateEngine) cacheLink(ctx context.Context, link *domain.AffiliateLink) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetLink(ctx, link); err != nil {
		e.logger.Warn("link cache write failed", zap.String("short_code", link.ShortCode), zap.Error(err))
	}
}

// CommissionFor computes the commission on amount under the campaign's current terms,
// capped at the platform fee it is carved from.
func CommissionFor(c *domain.AffiliateCampaign, amount, platformFee int64) int64 {
	var commission int64
	switch c.CommissionType {
	case domain.CommissionPercentage:
		commission = decimal.NewFromInt(amount).Mul(c.CommissionRate).Div(hundred).Round(0).IntPart()
	case domain.CommissionFixed:
		commission = c.CommissionFixedCents
	}
	if commission > platformFee {
		commission = platformFee
	}
	if commission < 0 {
		commission = 0
	}
	return commission
}

// Match attributes tx to the most recent eligible click and records the conversion.
// It returns nil when no click qualifies. It must run inside the succeeded unit.
func (e *AffiliateEngine) Match(ctx context.Context, tx *domain.Transaction) (*Attribution, error) {
	now := e.clock.Now()
	visitorID := ""
	if tx.VisitorID != nil {
		visitorID = *tx.VisitorID
	}
	since := now.Add(-time.Duration(e.cfg.MaxWindowDays) * 24 * time.Hour)

	clicks, err := e.store.ListUnconvertedClicks(ctx, tx.ItemID, visitorID, tx.BuyerID, since)
	if err != nil {
		return nil, fmt.Errorf("list clicks: %w", err)
	}

	campaigns := map[uuid.UUID]*domain.AffiliateCampaign{}
	for _, click := range clicks {
		campaign, ok := campaigns[click.CampaignID]
		if !ok {
			campaign, err = e.store.GetCampaign(ctx, click.CampaignID)
			if err != nil {
				return nil, fmt.Errorf("load campaign %s: %w", click.CampaignID, err)
			}
			campaigns[click.CampaignID] = campaign
		}
		if !campaign.IsActive || now.Sub(click.ClickedAt) > campaign.Window() {
			continue
		}
		if campaign.AffiliateID == tx.BuyerID || campaign.AffiliateID == tx.SellerID {
			continue
		}

		commission := CommissionFor(campaign, tx.Amount, tx.PlatformFee)
		conversion := &domain.AffiliateConversion{
			ID:               uuid.New(),
			ClickID:          click.ID,
			TransactionID:    tx.ID,
			CampaignID:       campaign.ID,
			AffiliateID:      campaign.AffiliateID,
			CommissionAmount: commission,
			SubscriptionID:   tx.SubscriptionID,
			CreatedAt:        now,
		}
		if err := e.store.MarkClickConverted(ctx, click.ID, conversion.ID); err != nil {
			if errors.Is(err, store.ErrClickAlreadyConverted) {
				e.logger.Info("click converted concurrently, trying next candidate", zap.String("click_id", click.ID.String()))
				continue
			}
			return nil, fmt.Errorf("mark click converted: %w", err)
		}
		if err := e.store.CreateConversion(ctx, conversion); err != nil {
			return nil, fmt.Errorf("create conversion: %w", err)
		}
		if err := e.store.CreateCommission(ctx, &domain.AffiliateCommission{
			ID:            uuid.New(),
			ConversionID:  conversion.ID,
			TransactionID: tx.ID,
			AffiliateID:   campaign.AffiliateID,
			Amount:        commission,
			CreatedAt:     now,
		}); err != nil {
			return nil, fmt.Errorf("create commission: %w", err)
		}

		e.metrics.Conversion()
		e.logger.Info("conversion attributed",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("click_id", click.ID.String()),
			zap.String("campaign_id", campaign.ID.String()),
			zap.Int64("commission", commission))
		return &Attribution{
			ConversionID: conversion.ID,
			ClickID:      click.ID,
			CampaignID:   campaign.ID,
			AffiliateID:  campaign.AffiliateID,
			Commission:   commission,
		}, nil
	}
	return nil, nil
}

// MatchRecurring credits a recurring charge to the conversion of the subscription's
// first transaction, at the campaign's current rate. No new click is consulted.
func (e *AffiliateEngine) MatchRecurring(ctx context.Context, origin, charge *domain.Transaction) (*Attribution, error) {
	conversion, err := e.store.GetConversionByTransaction(ctx, origin.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load origin conversion: %w", err)
	}
	campaign, err := e.store.GetCampaign(ctx, conversion.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", conversion.CampaignID, err)
	}
	if !campaign.IsActive {
		return nil, nil
	}

	commission := CommissionFor(campaign, charge.Amount, charge.PlatformFee)
	if err := e.store.CreateCommission(ctx, &domain.AffiliateCommission{
		ID:            uuid.New(),
		ConversionID:  conversion.ID,
		TransactionID: charge.ID,
		AffiliateID:   conversion.AffiliateID,
		Amount:        commission,
		Recurring:     true,
		CreatedAt:     e.clock.Now(),
	}); err != nil {
		return nil, fmt.Errorf("create recurring commission: %w", err)
	}
	return &Attribution{
		ConversionID: conversion.ID,
		ClickID:      conversion.ClickID,
		CampaignID:   campaign.ID,
		AffiliateID:  conversion.AffiliateID,
		Commission:   commission,
		Recurring:    true,
	}, nil
}
