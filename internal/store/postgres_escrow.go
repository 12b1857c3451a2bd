package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/orivaflow/commerce-engine/internal/domain"
)

const escrowColumns = `id, transaction_id, buyer_id, seller_id, escrowed_amount, released_amount, currency,
	release_type, release_at, agreement_id, status, buyer_confirmed_at, dispute_reason, created_at, updated_at`

func scanEscrow(row pgx.Row) (*domain.EscrowRecord, error) {
	var e domain.EscrowRecord
	err := row.Scan(&e.ID, &e.TransactionID, &e.BuyerID, &e.SellerID, &e.EscrowedAmount, &e.ReleasedAmount,
		&e.Currency, &e.ReleaseType, &e.Conditions.ReleaseAt, &e.Conditions.AgreementID, &e.Status,
		&e.BuyerConfirmedAt, &e.DisputeReason, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (r *PostgresRepository) CreateEscrow(ctx context.Context, e *domain.EscrowRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		e.ID, e.TransactionID, e.BuyerID, e.SellerID, e.EscrowedAmount, e.ReleasedAmount, e.Currency,
		string(e.ReleaseType), e.Conditions.ReleaseAt, e.Conditions.AgreementID, string(e.Status),
		e.BuyerConfirmedAt, e.DisputeReason, e.CreatedAt, e.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *PostgresRepository) GetEscrow(ctx context.Context, id uuid.UUID) (*domain.EscrowRecord, error) {
	return scanEscrow(r.db.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
}

func (r *PostgresRepository) GetEscrowByTransaction(ctx context.Context, txID uuid.UUID) (*domain.EscrowRecord, error) {
	return scanEscrow(r.db.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE transaction_id = $1`, txID))
}

func (r *PostgresRepository) AppendEscrowRelease(ctx context.Context, rel *domain.EscrowRelease) (*domain.EscrowRecord, error) {
	updated, err := scanEscrow(r.db.QueryRow(ctx, `
		UPDATE escrows
		SET released_amount = released_amount + $2,
		    status = CASE WHEN released_amount + $2 = escrowed_amount THEN 'released' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'held' AND released_amount + $2 <= escrowed_amount
		RETURNING `+escrowColumns, rel.EscrowID, rel.Amount))
	if errors.Is(err, ErrNotFound) {
		current, getErr := r.GetEscrow(ctx, rel.EscrowID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status != domain.EscrowHeld {
			return nil, ErrEscrowNotHeld
		}
		return nil, ErrEscrowReleaseExceedsBalance
	}
	if err != nil {
		return nil, fmt.Errorf("apply escrow release: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO escrow_releases (id, escrow_id, recipient_id, amount, actor_id, reason, payout_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rel.ID, rel.EscrowID, rel.RecipientID, rel.Amount, rel.ActorID, rel.Reason, string(rel.PayoutStatus), rel.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert escrow release: %w", err)
	}
	return updated, nil
}

func (r *PostgresRepository) ListEscrowReleases(ctx context.Context, escrowID uuid.UUID) ([]domain.EscrowRelease, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, escrow_id, recipient_id, amount, actor_id, reason, payout_status, payout_id, created_at
		FROM escrow_releases WHERE escrow_id = $1 ORDER BY created_at ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EscrowRelease
	for rows.Next() {
		var rel domain.EscrowRelease
		if err := rows.Scan(&rel.ID, &rel.EscrowID, &rel.RecipientID, &rel.Amount, &rel.ActorID, &rel.Reason,
			&rel.PayoutStatus, &rel.PayoutID, &rel.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpdateEscrowStatus(ctx context.Context, id uuid.UUID, from, to domain.EscrowStatus, reason *string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE escrows SET status = $3, dispute_reason = COALESCE($4, dispute_reason), updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, string(from), string(to), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetEscrow(ctx, id); getErr != nil {
			return getErr
		}
		return ErrEscrowStateConflict
	}
	return nil
}

func (r *PostgresRepository) SetBuyerConfirmed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.expectOne(r.db.Exec(ctx, `
		UPDATE escrows SET buyer_confirmed_at = COALESCE(buyer_confirmed_at, $2), updated_at = NOW()
		WHERE id = $1`, id, at))
}

func (r *PostgresRepository) ListDueTimeReleases(ctx context.Context, now time.Time, limit int) ([]domain.EscrowRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'held' AND release_type = 'time_based' AND release_at <= $1
		ORDER BY release_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EscrowRecord
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListMilestones(ctx context.Context, agreementID uuid.UUID) ([]domain.Milestone, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, agreement_id, title, completed_at FROM agreement_milestones
		WHERE agreement_id = $1 ORDER BY id`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Milestone
	for rows.Next() {
		var ms domain.Milestone
		if err := rows.Scan(&ms.ID, &ms.AgreementID, &ms.Title, &ms.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CompleteMilestone(ctx context.Context, agreementID, milestoneID uuid.UUID, at time.Time) error {
	return r.expectOne(r.db.Exec(ctx, `
		UPDATE agreement_milestones SET completed_at = COALESCE(completed_at, $3)
		WHERE agreement_id = $1 AND id = $2`, agreementID, milestoneID, at))
}
