package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/orivaflow/commerce-engine/internal/domain"
)

func (r *PostgresRepository) ListActiveAdCampaigns(ctx context.Context, placement string) ([]domain.AdCampaign, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, advertiser_id, name, status, placement_types, target_segments, keywords, geo, devices,
		       bid_amount_cents, daily_budget_cents, starts_at, ends_at, exhausted_on,
		       headline, body, image_url, click_url, created_at
		FROM ad_campaigns
		WHERE status = 'active' AND (cardinality(placement_types) = 0 OR $1 = ANY(placement_types))
		ORDER BY id`, placement)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AdCampaign
	for rows.Next() {
		var c domain.AdCampaign
		if err := rows.Scan(&c.ID, &c.AdvertiserID, &c.Name, &c.Status, &c.PlacementTypes, &c.TargetSegments,
			&c.Keywords, &c.Geo, &c.Devices, &c.BidAmountCents, &c.DailyBudgetCents, &c.StartsAt, &c.EndsAt,
			&c.ExhaustedOn, &c.Creative.Headline, &c.Creative.Body, &c.Creative.ImageURL, &c.Creative.ClickURL,
			&c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) MarkAdCampaignExhausted(ctx context.Context, id uuid.UUID, day time.Time) error {
	return r.expectOne(r.db.Exec(ctx, `UPDATE ad_campaigns SET exhausted_on = $2::date WHERE id = $1`, id, day.UTC()))
}

func (r *PostgresRepository) ClearAdExhaustion(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `UPDATE ad_campaigns SET exhausted_on = NULL WHERE exhausted_on < $1::date`, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) RecordImpression(ctx context.Context, imp *domain.AdImpression) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO ad_impressions (id, campaign_id, placement, score, cost_cents, served_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		imp.ID, imp.CampaignID, imp.Placement, imp.Score, imp.CostCents, imp.ServedAt)
	return err
}

// DebitAdBudget upserts the day's spend row and only applies the increment when
// it keeps spent_cents within budget.
func (r *PostgresRepository) DebitAdBudget(ctx context.Context, campaignID uuid.UUID, day time.Time, amount, budget int64) (int64, error) {
	if amount > budget {
		return 0, ErrBudgetExhausted
	}
	var spent int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO ad_budget_spend (campaign_id, day, spent_cents)
		VALUES ($1, $2::date, $3)
		ON CONFLICT (campaign_id, day) DO UPDATE
		SET spent_cents = ad_budget_spend.spent_cents + EXCLUDED.spent_cents
		WHERE ad_budget_spend.spent_cents + EXCLUDED.spent_cents <= $4
		RETURNING spent_cents`, campaignID, day.UTC(), amount, budget).Scan(&spent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrBudgetExhausted
		}
		return 0, err
	}
	return spent, nil
}

func (r *PostgresRepository) AdSpend(ctx context.Context, campaignID uuid.UUID, day time.Time) (int64, error) {
	var spent int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE((SELECT spent_cents FROM ad_budget_spend WHERE campaign_id = $1 AND day = $2::date), 0)`,
		campaignID, day.UTC()).Scan(&spent)
	return spent, err
}
