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

func (r *PostgresRepository) GetItem(ctx context.Context, id uuid.UUID) (*domain.Item, error) {
	var item domain.Item
	var details []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, seller_id, title, item_type, price_cents, currency, inventory_count, uses_escrow,
		       escrow_release_type, escrow_release_after_hours, agreement_id, details, is_active, created_at
		FROM items WHERE id = $1`, id,
	).Scan(&item.ID, &item.SellerID, &item.Title, &item.ItemType, &item.PriceCents, &item.Currency,
		&item.InventoryCount, &item.UsesEscrow, &item.EscrowReleaseType, &item.EscrowReleaseAfter, &item.AgreementID,
		&details, &item.IsActive, &item.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	item.Details, err = domain.DecodeItemDetails(item.ItemType, details)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", id, err)
	}
	return &item, nil
}

func (r *PostgresRepository) GetEarner(ctx context.Context, id uuid.UUID) (*domain.Earner, error) {
	var e domain.Earner
	err := r.db.QueryRow(ctx, `SELECT id, earner_type, display_name, payout_account_id FROM earners WHERE id = $1`, id).
		Scan(&e.ID, &e.EarnerType, &e.DisplayName, &e.PayoutAccountID)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

const transactionColumns = `id, buyer_id, seller_id, item_id, item_type, quantity, amount, currency, platform_fee,
	processing_fee, seller_net, status, external_payment_ref, client_secret, uses_escrow, visitor_id,
	subscription_id, parent_transaction_id, failure_reason, needs_review, last_event_at, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.ItemID, &t.ItemType, &t.Quantity, &t.Amount, &t.Currency,
		&t.PlatformFee, &t.ProcessingFee, &t.SellerNet, &t.Status, &t.ExternalPaymentRef, &t.ClientSecret,
		&t.UsesEscrow, &t.VisitorID, &t.SubscriptionID, &t.ParentTransactionID, &t.FailureReason,
		&t.NeedsReview, &t.LastEventAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *PostgresRepository) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		t.ID, t.BuyerID, t.SellerID, t.ItemID, string(t.ItemType), t.Quantity, t.Amount, t.Currency,
		t.PlatformFee, t.ProcessingFee, t.SellerNet, string(t.Status), t.ExternalPaymentRef, t.ClientSecret,
		t.UsesEscrow, t.VisitorID, t.SubscriptionID, t.ParentTransactionID, t.FailureReason,
		t.NeedsReview, t.LastEventAt, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *PostgresRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

func (r *PostgresRepository) LockTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
}

func (r *PostgresRepository) GetTransactionByPaymentRef(ctx context.Context, ref string) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE external_payment_ref = $1`, ref))
}

func (r *PostgresRepository) GetSubscriptionOrigin(ctx context.Context, subscriptionID string) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE subscription_id = $1 AND parent_transaction_id IS NULL
		ORDER BY created_at ASC LIMIT 1`, subscriptionID))
}

func (r *PostgresRepository) AttachPaymentIntent(ctx context.Context, id uuid.UUID, ref, clientSecret string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE transactions SET external_payment_ref = $2, client_secret = $3, updated_at = NOW()
		WHERE id = $1`, id, ref, clientSecret)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return r.expectOne(tag, err)
}

func (r *PostgresRepository) LinkSubscription(ctx context.Context, id uuid.UUID, subscriptionID string) error {
	return r.expectOne(r.db.Exec(ctx, `
		UPDATE transactions SET subscription_id = $2, updated_at = NOW() WHERE id = $1`, id, subscriptionID))
}

func (r *PostgresRepository) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status domain.TransactionStatus, p TransitionParams) error {
	return r.expectOne(r.db.Exec(ctx, `
		UPDATE transactions
		SET status = $2,
		    failure_reason = COALESCE($3, failure_reason),
		    needs_review = needs_review OR $4,
		    last_event_at = COALESCE($5, last_event_at),
		    updated_at = NOW()
		WHERE id = $1`, id, string(status), p.FailureReason, p.NeedsReview, p.EventAt))
}

func (r *PostgresRepository) TrailingVolume(ctx context.Context, sellerID uuid.UUID, since time.Time) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE seller_id = $1 AND status = 'succeeded' AND created_at >= $2`, sellerID, since).Scan(&total)
	return total, err
}

func (r *PostgresRepository) GetInventory(ctx context.Context, itemID uuid.UUID) (*domain.InventoryRecord, error) {
	var inv domain.InventoryRecord
	err := r.db.QueryRow(ctx, `SELECT item_id, quantity, reserved_quantity, updated_at FROM inventory WHERE item_id = $1`, itemID).
		Scan(&inv.ItemID, &inv.Quantity, &inv.Reserved, &inv.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &inv, nil
}

// ReserveInventory is a single compare-and-increment on reserved_quantity followed by the reservation insert.
// Callers that need the pair to be atomic run it inside RunInTx.
func (r *PostgresRepository) ReserveInventory(ctx context.Context, res *domain.Reservation) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE inventory
		SET reserved_quantity = reserved_quantity + $2, updated_at = NOW()
		WHERE item_id = $1 AND quantity - reserved_quantity >= $2`, res.ItemID, res.Quantity)
	if err != nil {
		return fmt.Errorf("reserve inventory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetInventory(ctx, res.ItemID); getErr != nil {
			return getErr
		}
		return ErrInventoryExhausted
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO inventory_reservations (id, transaction_id, item_id, quantity, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		res.ID, res.TransactionID, res.ItemID, res.Quantity, string(res.Status), res.ExpiresAt, res.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

const reservationColumns = `id, transaction_id, item_id, quantity, status, expires_at, created_at`

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var res domain.Reservation
	if err := row.Scan(&res.ID, &res.TransactionID, &res.ItemID, &res.Quantity, &res.Status, &res.ExpiresAt, &res.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &res, nil
}

func (r *PostgresRepository) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	return scanReservation(r.db.QueryRow(ctx, `SELECT `+reservationColumns+` FROM inventory_reservations WHERE id = $1`, id))
}

func (r *PostgresRepository) GetReservationByTransaction(ctx context.Context, txID uuid.UUID) (*domain.Reservation, error) {
	return scanReservation(r.db.QueryRow(ctx, `SELECT `+reservationColumns+` FROM inventory_reservations WHERE transaction_id = $1`, txID))
}

// CommitReservation and ReleaseReservation flip the reservation first so a
// concurrent second caller matches zero rows and leaves inventory untouched.
func (r *PostgresRepository) CommitReservation(ctx context.Context, id uuid.UUID) error {
	var itemID uuid.UUID
	var qty int64
	err := r.db.QueryRow(ctx, `
		UPDATE inventory_reservations SET status = 'committed'
		WHERE id = $1 AND status = 'reserved'
		RETURNING item_id, quantity`, id).Scan(&itemID, &qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrReservationNotActive
		}
		return err
	}
	_, err = r.db.Exec(ctx, `
		UPDATE inventory
		SET quantity = quantity - $2, reserved_quantity = reserved_quantity - $2, updated_at = NOW()
		WHERE item_id = $1`, itemID, qty)
	return err
}

func (r *PostgresRepository) ReleaseReservation(ctx context.Context, id uuid.UUID, status domain.ReservationStatus) error {
	var itemID uuid.UUID
	var qty int64
	err := r.db.QueryRow(ctx, `
		UPDATE inventory_reservations SET status = $2
		WHERE id = $1 AND status = 'reserved'
		RETURNING item_id, quantity`, id, string(status)).Scan(&itemID, &qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrReservationNotActive
		}
		return err
	}
	_, err = r.db.Exec(ctx, `
		UPDATE inventory SET reserved_quantity = reserved_quantity - $2, updated_at = NOW()
		WHERE item_id = $1`, itemID, qty)
	return err
}

func (r *PostgresRepository) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+reservationColumns+` FROM inventory_reservations
		WHERE status = 'reserved' AND expires_at <= $1
		ORDER BY expires_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) RecordEvent(ctx context.Context, e *domain.PaymentEvent) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO payment_events (event_id, event_type, payment_intent_id, transaction_id, subscription_id,
		                            status, failure_reason, amount_cents, created, received_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.EventType, e.PaymentIntentID, e.TransactionID, e.SubscriptionID, e.Status,
		e.FailureReason, e.AmountCents, e.Created, e.ReceivedAt, []byte(e.Payload))
	if err != nil {
		return false, fmt.Errorf("record payment event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) GetEvent(ctx context.Context, eventID string) (*domain.PaymentEvent, error) {
	var e domain.PaymentEvent
	var intent, sub, status, reason, outcome *string
	var payload []byte
	err := r.db.QueryRow(ctx, `
		SELECT event_id, event_type, payment_intent_id, transaction_id, subscription_id, status, failure_reason,
		       amount_cents, created, received_at, processed_at, outcome, payload
		FROM payment_events WHERE event_id = $1`, eventID,
	).Scan(&e.EventID, &e.EventType, &intent, &e.TransactionID, &sub, &status, &reason,
		&e.AmountCents, &e.Created, &e.ReceivedAt, &e.ProcessedAt, &outcome, &payload)
	if err != nil {
		return nil, notFound(err)
	}
	e.PaymentIntentID = deref(intent)
	e.SubscriptionID = deref(sub)
	e.Status = deref(status)
	e.FailureReason = deref(reason)
	e.Outcome = deref(outcome)
	e.Payload = payload
	return &e, nil
}

func (r *PostgresRepository) MarkEventProcessed(ctx context.Context, eventID string, at time.Time, outcome string) error {
	return r.expectOne(r.db.Exec(ctx, `UPDATE payment_events SET processed_at = $2, outcome = $3 WHERE event_id = $1`, eventID, at, outcome))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
