package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/domain"
)

func (r *PostgresRepository) CreateCampaign(ctx context.Context, c *domain.AffiliateCampaign) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO affiliate_campaigns (id, affiliate_id, item_id, commission_type, commission_rate,
		                                 commission_fixed_cents, cookie_window_days, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.AffiliateID, c.ItemID, string(c.CommissionType), c.CommissionRate, c.CommissionFixedCents,
		c.CookieWindowDays, c.IsActive, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *PostgresRepository) GetCampaign(ctx context.Context, id uuid.UUID) (*domain.AffiliateCampaign, error) {
	var c domain.AffiliateCampaign
	err := r.db.QueryRow(ctx, `
		SELECT id, affiliate_id, item_id, commission_type, commission_rate, commission_fixed_cents,
		       cookie_window_days, is_active, created_at, updated_at
		FROM affiliate_campaigns WHERE id = $1`, id,
	).Scan(&c.ID, &c.AffiliateID, &c.ItemID, &c.CommissionType, &c.CommissionRate, &c.CommissionFixedCents,
		&c.CookieWindowDays, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *PostgresRepository) DeactivateCampaign(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.expectOne(r.db.Exec(ctx, `UPDATE affiliate_campaigns SET is_active = FALSE, updated_at = $2 WHERE id = $1`, id, at))
}

func (r *PostgresRepository) CreateLink(ctx context.Context, l *domain.AffiliateLink) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO affiliate_links (short_code, campaign_id, affiliate_id, item_id, destination_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ShortCode, l.CampaignID, l.AffiliateID, l.ItemID, l.DestinationURL, l.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *PostgresRepository) GetLinkByCode(ctx context.Context, code string) (*domain.AffiliateLink, error) {
	var l domain.AffiliateLink
	err := r.db.QueryRow(ctx, `
		SELECT short_code, campaign_id, affiliate_id, item_id, destination_url, created_at
		FROM affiliate_links WHERE short_code = $1`, code,
	).Scan(&l.ShortCode, &l.CampaignID, &l.AffiliateID, &l.ItemID, &l.DestinationURL, &l.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

func (r *PostgresRepository) RecordClick(ctx context.Context, c *domain.AffiliateClick) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO affiliate_clicks (id, campaign_id, affiliate_id, item_id, visitor_id, user_id, clicked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq`,
		c.ID, c.CampaignID, c.AffiliateID, c.ItemID, c.VisitorID, c.UserID, c.ClickedAt,
	).Scan(&c.Seq)
}

func (r *PostgresRepository) ListUnconvertedClicks(ctx context.Context, itemID uuid.UUID, visitorID string, userID uuid.UUID, since time.Time) ([]domain.AffiliateClick, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, seq, campaign_id, affiliate_id, item_id, visitor_id, user_id, clicked_at, converted, conversion_id
		FROM affiliate_clicks
		WHERE item_id = $1 AND converted = FALSE AND clicked_at >= $4
		  AND (($2 <> '' AND visitor_id = $2) OR ($3 <> '00000000-0000-0000-0000-000000000000'::uuid AND user_id = $3))
		ORDER BY clicked_at DESC, seq ASC`, itemID, visitorID, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AffiliateClick
	for rows.Next() {
		var c domain.AffiliateClick
		if err := rows.Scan(&c.ID, &c.Seq, &c.CampaignID, &c.AffiliateID, &c.ItemID, &c.VisitorID, &c.UserID,
			&c.ClickedAt, &c.Converted, &c.ConversionID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) MarkClickConverted(ctx context.Context, clickID, conversionID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE affiliate_clicks SET converted = TRUE, conversion_id = $2
		WHERE id = $1 AND converted = FALSE`, clickID, conversionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClickAlreadyConverted
	}
	return nil
}

func (r *PostgresRepository) CreateConversion(ctx context.Context, c *domain.AffiliateConversion) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO affiliate_conversions (id, click_id, transaction_id, campaign_id, affiliate_id,
		                                   commission_amount, subscription_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.ClickID, c.TransactionID, c.CampaignID, c.AffiliateID, c.CommissionAmount, c.SubscriptionID, c.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *PostgresRepository) GetConversionByTransaction(ctx context.Context, txID uuid.UUID) (*domain.AffiliateConversion, error) {
	var c domain.AffiliateConversion
	err := r.db.QueryRow(ctx, `
		SELECT id, click_id, transaction_id, campaign_id, affiliate_id, commission_amount, subscription_id, created_at
		FROM affiliate_conversions WHERE transaction_id = $1`, txID,
	).Scan(&c.ID, &c.ClickID, &c.TransactionID, &c.CampaignID, &c.AffiliateID, &c.CommissionAmount, &c.SubscriptionID, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *PostgresRepository) CreateCommission(ctx context.Context, c *domain.AffiliateCommission) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO affiliate_commissions (id, conversion_id, transaction_id, affiliate_id, amount, recurring, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.ConversionID, c.TransactionID, c.AffiliateID, c.Amount, c.Recurring, c.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}
