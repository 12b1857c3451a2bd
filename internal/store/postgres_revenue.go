package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/orivaflow/commerce-engine/internal/domain"
)

func (r *PostgresRepository) CreateRevenueShares(ctx context.Context, shares []domain.RevenueShare) error {
	batch := &pgx.Batch{}
	for _, sh := range shares {
		batch.Queue(`
			INSERT INTO revenue_shares (id, transaction_id, recipient_id, recipient_type, amount, payout_status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sh.ID, sh.TransactionID, sh.RecipientID, string(sh.RecipientType), sh.Amount, string(sh.PayoutStatus), sh.CreatedAt)
	}
	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for range shares {
		if _, err := results.Exec(); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("insert revenue share: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) ListRevenueShares(ctx context.Context, txID uuid.UUID) ([]domain.RevenueShare, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, transaction_id, recipient_id, recipient_type, amount, payout_status, payout_id, created_at
		FROM revenue_shares WHERE transaction_id = $1 ORDER BY recipient_type`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RevenueShare
	for rows.Next() {
		var sh domain.RevenueShare
		if err := rows.Scan(&sh.ID, &sh.TransactionID, &sh.RecipientID, &sh.RecipientType, &sh.Amount,
			&sh.PayoutStatus, &sh.PayoutID, &sh.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func statusStrings(in []domain.PayoutStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func (r *PostgresRepository) UpdateShareStatuses(ctx context.Context, txID uuid.UUID, from []domain.PayoutStatus, to domain.PayoutStatus) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE revenue_shares SET payout_status = $3
		WHERE transaction_id = $1 AND payout_status = ANY($2)`, txID, statusStrings(from), string(to))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) ListEarnersWithPayables(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT recipient_id FROM revenue_shares
		WHERE payout_status = 'pending' AND recipient_type <> 'platform' AND created_at < $1
		UNION
		SELECT recipient_id FROM escrow_releases
		WHERE payout_status = 'pending' AND created_at < $1
		ORDER BY 1`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListPayableItems locks the rows it returns; call it inside RunInTx.
func (r *PostgresRepository) ListPayableItems(ctx context.Context, earnerID uuid.UUID, before time.Time) ([]domain.PayableItem, error) {
	var out []domain.PayableItem
	queries := []struct {
		kind domain.PayableKind
		sql  string
	}{
		{domain.PayableShare, `
			SELECT id, amount, created_at FROM revenue_shares
			WHERE recipient_id = $1 AND payout_status = 'pending' AND recipient_type <> 'platform' AND created_at < $2
			ORDER BY created_at FOR UPDATE SKIP LOCKED`},
		{domain.PayableEscrowRelease, `
			SELECT id, amount, created_at FROM escrow_releases
			WHERE recipient_id = $1 AND payout_status = 'pending' AND created_at < $2
			ORDER BY created_at FOR UPDATE SKIP LOCKED`},
	}
	for _, q := range queries {
		rows, err := r.db.Query(ctx, q.sql, earnerID, before)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			item := domain.PayableItem{Kind: q.kind, EarnerID: earnerID}
			if err := rows.Scan(&item.ID, &item.Amount, &item.CreatedAt); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, item)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

const payoutColumns = `id, earner_id, period_start, period_end, gross, fees, net, currency, status, provider_ref,
	attempts, next_attempt_at, last_error, created_at, updated_at`

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	var p domain.Payout
	err := row.Scan(&p.ID, &p.EarnerID, &p.PeriodStart, &p.PeriodEnd, &p.Gross, &p.Fees, &p.Net, &p.Currency,
		&p.Status, &p.ProviderRef, &p.Attempts, &p.NextAttemptAt, &p.LastError, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *PostgresRepository) CreatePayout(ctx context.Context, p *domain.Payout) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		p.ID, p.EarnerID, p.PeriodStart, p.PeriodEnd, p.Gross, p.Fees, p.Net, p.Currency, string(p.Status),
		p.ProviderRef, p.Attempts, p.NextAttemptAt, p.LastError, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrPayoutExists
	}
	return err
}

func (r *PostgresRepository) GetPayout(ctx context.Context, id uuid.UUID) (*domain.Payout, error) {
	return scanPayout(r.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id))
}

func (r *PostgresRepository) UpdatePayout(ctx context.Context, p *domain.Payout) error {
	return r.expectOne(r.db.Exec(ctx, `
		UPDATE payouts
		SET status = $2, provider_ref = $3, attempts = $4, next_attempt_at = $5, last_error = $6, updated_at = NOW()
		WHERE id = $1`,
		p.ID, string(p.Status), p.ProviderRef, p.Attempts, p.NextAttemptAt, p.LastError))
}

func (r *PostgresRepository) AssignPayoutItems(ctx context.Context, payoutID uuid.UUID, items []domain.PayableItem) error {
	for _, it := range items {
		table := "revenue_shares"
		if it.Kind == domain.PayableEscrowRelease {
			table = "escrow_releases"
		}
		tag, err := r.db.Exec(ctx, `
			UPDATE `+table+` SET payout_status = 'processing', payout_id = $2
			WHERE id = $1 AND payout_status = 'pending'`, it.ID, payoutID)
		if err != nil {
			return fmt.Errorf("assign %s %s: %w", it.Kind, it.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotPayable
		}
	}
	return nil
}

func (r *PostgresRepository) SettlePayoutItems(ctx context.Context, payoutID uuid.UUID, status domain.PayoutStatus) error {
	for _, table := range []string{"revenue_shares", "escrow_releases"} {
		if _, err := r.db.Exec(ctx, `UPDATE `+table+` SET payout_status = $2 WHERE payout_id = $1`, payoutID, string(status)); err != nil {
			return fmt.Errorf("settle %s: %w", table, err)
		}
	}
	return nil
}

func (r *PostgresRepository) ListRetryablePayouts(ctx context.Context, now time.Time, limit int) ([]domain.Payout, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status = 'failed' AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
