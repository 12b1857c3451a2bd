/**
 * @description
 * The transaction state machine. Gateway events are the only input that moves
 * a transaction past pending, apart from buyer cancellation and escrow refunds.
 * Each event is applied under a row lock with an ordering check against the
 * last applied event, so replays and out-of-order deliveries cannot move a
 * transaction backwards or apply side effects twice.
 *
 * Reaching succeeded runs one store transaction that commits inventory,
 * attributes the affiliate click, opens escrow and writes the revenue shares.
 * If any part fails the whole unit rolls back and the transaction is failed.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/clock"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/orivaflow/commerce-engine/internal/metrics"
	"github.com/orivaflow/commerce-engine/internal/store"
	"github.com/orivaflow/commerce-engine/pkg/paymentclient"
	"go.uber.org/zap"
)

// Event outcomes recorded with processed webhook events.
const (
	OutcomeApplied            = "applied"
	OutcomeNoop               = "noop"
	OutcomeStale              = "stale"
	OutcomeAnomaly            = "anomaly"
	OutcomeIgnored            = "ignored"
	OutcomeFailed             = "failed"
	OutcomeUnknownTransaction = "unknown_transaction"
	OutcomeLinked             = "subscription_linked"
	OutcomeRecurringCharge    = "recurring_charge"
)

var transitions = map[domain.TransactionStatus][]domain.TransactionStatus{
	domain.StatusPending:    {domain.StatusProcessing, domain.StatusSucceeded, domain.StatusFailed, domain.StatusCancelled},
	domain.StatusProcessing: {domain.StatusSucceeded, domain.StatusFailed},
	domain.StatusSucceeded:  {domain.StatusRefunded, domain.StatusDisputed},
	domain.StatusDisputed:   {domain.StatusRefunded},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to domain.TransactionStatus) bool {
	return slices.Contains(transitions[from], to)
}

// PaymentGateway is the part of the gateway used by checkout and the state machine.
type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, req paymentclient.PaymentIntentRequest) (*paymentclient.PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, paymentIntentID string) (*paymentclient.PaymentIntent, error)
	Refunder
}

type TransactionConfig struct {
	Currency     string
	VolumeWindow time.Duration
	MaxQuantity  int64
}

func (c TransactionConfig) withDefaults() TransactionConfig {
	if c.Currency == "" {
		c.Currency = "usd"
	}
	if c.VolumeWindow <= 0 {
		c.VolumeWindow = 30 * 24 * time.Hour
	}
	if c.MaxQuantity <= 0 {
		c.MaxQuantity = 1000
	}
	return c
}

type TransactionService struct {
	repo      store.Repository
	fees      *FeeCalculator
	inventory *InventoryManager
	escrow    *EscrowManager
	affiliate *AffiliateEngine
	gateway   PaymentGateway
	clock     clock.Clock
	cfg       TransactionConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewTransactionService(repo store.Repository, fees *FeeCalculator, inventory *InventoryManager, escrow *EscrowManager, affiliate *AffiliateEngine, gateway PaymentGateway, clk clock.Clock, cfg TransactionConfig, logger *zap.Logger, m *metrics.Metrics) *TransactionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionService{
		repo:      repo,
		fees:      fees,
		inventory: inventory,
		escrow:    escrow,
		affiliate: affiliate,
		gateway:   gateway,
		clock:     clk,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(zap.String("component", "transactions")),
		metrics:   m,
	}
}

func targetStatus(eventType string) (domain.TransactionStatus, bool) {
	switch eventType {
	case domain.EventPaymentProcessing:
		return domain.StatusProcessing, true
	case domain.EventPaymentSucceeded:
		return domain.StatusSucceeded, true
	case domain.EventPaymentFailed, domain.EventPaymentCanceled:
		return domain.StatusFailed, true
	case domain.EventChargeRefunded:
		return domain.StatusRefunded, true
	case domain.EventDisputeCreated:
		return domain.StatusDisputed, true
	}
	return "", false
}

// ApplyEvent moves the transaction referenced by ev. Illegal and stale events return
// ErrInvalidTransition or ErrStaleEvent together with their outcome and change nothing.
func (s *TransactionService) ApplyEvent(ctx context.Context, ev domain.PaymentEvent) (string, error) {
	if ev.EventType == domain.EventInvoicePaid {
		return s.applyInvoicePaid(ctx, ev)
	}
	target, ok := targetStatus(ev.EventType)
	if !ok {
		return OutcomeIgnored, nil
	}

	tx, err := s.resolveTransaction(ctx, ev)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("no transaction for event; acknowledging",
			zap.String("event_id", ev.EventID),
			zap.String("payment_intent_id", ev.PaymentIntentID),
			zap.String("outcome", OutcomeUnknownTransaction))
		return OutcomeUnknownTransaction, nil
	}
	if err != nil {
		return "", err
	}
	if target == domain.StatusRefunded && ev.AmountCents > 0 && ev.AmountCents < tx.Amount {
		s.logger.Info("partial refund left transaction unchanged",
			zap.String("transaction_id", tx.ID.String()),
			zap.Int64("refunded", ev.AmountCents))
		return OutcomeIgnored, nil
	}
	return s.transition(ctx, tx.ID, target, ev)
}

func (s *TransactionService) resolveTransaction(ctx context.Context, ev domain.PaymentEvent) (*domain.Transaction, error) {
	if ev.TransactionID != nil {
		return s.repo.GetTransaction(ctx, *ev.TransactionID)
	}
	if ev.PaymentIntentID != "" {
		return s.repo.GetTransactionByPaymentRef(ctx, ev.PaymentIntentID)
	}
	return nil, store.ErrNotFound
}

func (s *TransactionService) transition(ctx context.Context, id uuid.UUID, target domain.TransactionStatus, ev domain.PaymentEvent) (string, error) {
	eventAt := ev.Created
	if eventAt.IsZero() {
		eventAt = s.clock.Now()
	}

	var outcome string
	var from domain.TransactionStatus
	var locked *domain.Transaction
	var unitErr error
	err := s.repo.RunInTx(ctx, func(r store.Repository) error {
		t, err := r.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		locked, from = t, t.Status
		if t.LastEventAt != nil && eventAt.Before(*t.LastEventAt) {
			outcome = OutcomeStale
			return ErrStaleEvent
		}
		if t.Status == target {
			outcome = OutcomeNoop
			return nil
		}
		if !CanTransition(t.Status, target) {
			outcome = OutcomeAnomaly
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, target)
		}

		switch target {
		case domain.StatusSucceeded:
			if err := s.applySucceeded(ctx, r, t, eventAt); err != nil {
				unitErr = err
				return err
			}
		case domain.StatusFailed:
			reason := ev.FailureReason
			if reason == "" {
				reason = "payment failed"
			}
			if err := r.UpdateTransactionStatus(ctx, t.ID, domain.StatusFailed, store.TransitionParams{FailureReason: &reason, EventAt: &eventAt}); err != nil {
				return err
			}
			if err := s.inventory.bind(r).CancelForTransaction(ctx, t.ID); err != nil {
				return err
			}
		case domain.StatusRefunded:
			if err := s.applyRefunded(ctx, r, t, eventAt); err != nil {
				return err
			}
		case domain.StatusDisputed:
			if err := s.applyDisputed(ctx, r, t, eventAt); err != nil {
				return err
			}
		default:
			if err := r.UpdateTransactionStatus(ctx, t.ID, target, store.TransitionParams{EventAt: &eventAt}); err != nil {
				return err
			}
		}
		outcome = OutcomeApplied
		return nil
	})

	switch {
	case unitErr != nil:
		return s.failSucceededUnit(ctx, id, eventAt, unitErr)
	case errors.Is(err, ErrInvalidTransition):
		s.metrics.Transition(string(target), OutcomeAnomaly)
		s.logger.Warn("illegal transition rejected",
			zap.String("transaction_id", id.String()),
			zap.String("event_id", ev.EventID),
			zap.String("from", string(from)),
			zap.String("to", string(target)),
			zap.String("outcome", OutcomeAnomaly))
		if target == domain.StatusSucceeded && (from == domain.StatusFailed || from == domain.StatusCancelled) {
			s.refundCaptured(ctx, locked, "payment succeeded after transaction closed")
		}
		return OutcomeAnomaly, err
	case errors.Is(err, ErrStaleEvent):
		s.metrics.Transition(string(target), OutcomeStale)
		s.logger.Info("stale event ignored", zap.String("transaction_id", id.String()), zap.String("event_id", ev.EventID))
		return OutcomeStale, err
	case err != nil:
		return "", fmt.Errorf("apply %s: %w", target, err)
	}

	s.metrics.Transition(string(target), outcome)
	s.logger.Info("transition handled",
		zap.String("transaction_id", id.String()),
		zap.String("event_id", ev.EventID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("outcome", outcome))
	return outcome, nil
}

// applySucceeded is the atomic success unit. r is bound to the open store transaction.
func (s *TransactionService) applySucceeded(ctx context.Context, r store.Repository, t *domain.Transaction, eventAt time.Time) error {
	item, err := r.GetItem(ctx, t.ItemID)
	if err != nil {
		return fmt.Errorf("load item: %w", err)
	}
	if err := s.inventory.bind(r).CommitForTransaction(ctx, t.ID); err != nil {
		return err
	}

	var attribution *Attribution
	if s.affiliate != nil {
		attribution, err = s.affiliate.bind(r).Match(ctx, t)
		if err != nil {
			return fmt.Errorf("attribute conversion: %w", err)
		}
	}

	escrowed := false
	if t.UsesEscrow {
		if _, err := s.escrow.Open(ctx, r, t, item); err != nil {
			return err
		}
		escrowed = true
	}

	if _, err := distributeRevenue(ctx, r, t, attribution, escrowed, s.clock.Now()); err != nil {
		return err
	}
	return r.UpdateTransactionStatus(ctx, t.ID, domain.StatusSucceeded, store.TransitionParams{EventAt: &eventAt})
}

func (s *TransactionService) failSucceededUnit(ctx context.Context, id uuid.UUID, eventAt time.Time, cause error) (string, error) {
	reason := "success processing failed: " + cause.Error()
	needsReview := errors.Is(cause, ErrInvariantViolation)

	var failed *domain.Transaction
	err := s.repo.RunInTx(ctx, func(r store.Repository) error {
		t, err := r.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(t.Status, domain.StatusFailed) {
			return nil
		}
		if err := r.UpdateTransactionStatus(ctx, id, domain.StatusFailed, store.TransitionParams{FailureReason: &reason, NeedsReview: needsReview, EventAt: &eventAt}); err != nil {
			return err
		}
		failed = t
		return s.inventory.bind(r).CancelForTransaction(ctx, id)
	})
	if err != nil {
		return "", fmt.Errorf("mark transaction failed after %v: %w", cause, err)
	}

	s.metrics.Transition(string(domain.StatusSucceeded), OutcomeFailed)
	s.logger.Error("succeeded unit rolled back; transaction failed",
		zap.String("transaction_id", id.String()),
		zap.Bool("needs_review", needsReview),
		zap.String("outcome", OutcomeFailed),
		zap.Error(cause))
	if failed != nil {
		s.refundCaptured(ctx, failed, "success processing failed")
	}
	return OutcomeFailed, nil
}

func (s *TransactionService) applyRefunded(ctx context.Context, r store.Repository, t *domain.Transaction, eventAt time.Time) error {
	if err := r.UpdateTransactionStatus(ctx, t.ID, domain.StatusRefunded, store.TransitionParams{EventAt: &eventAt}); err != nil {
		return err
	}
	if _, err := r.UpdateShareStatuses(ctx, t.ID, []domain.PayoutStatus{domain.PayoutPending, domain.PayoutEscrowed}, domain.PayoutReversed); err != nil {
		return fmt.Errorf("reverse shares: %w", err)
	}
	e, err := r.GetEscrowByTransaction(ctx, t.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if e.Status == domain.EscrowHeld || e.Status == domain.EscrowDisputed {
		reason := "charge refunded"
		return r.UpdateEscrowStatus(ctx, e.ID, e.Status, domain.EscrowRefunded, &reason)
	}
	return nil
}

func (s *TransactionService) applyDisputed(ctx context.Context, r store.Repository, t *domain.Transaction, eventAt time.Time) error {
	if err := r.UpdateTransactionStatus(ctx, t.ID, domain.StatusDisputed, store.TransitionParams{EventAt: &eventAt}); err != nil {
		return err
	}
	e, err := r.GetEscrowByTransaction(ctx, t.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if e.Status == domain.EscrowHeld {
		reason := "payment disputed"
		return r.UpdateEscrowStatus(ctx, e.ID, domain.EscrowHeld, domain.EscrowDisputed, &reason)
	}
	return nil
}

// refundCaptured returns funds the buyer paid for a transaction that cannot complete.
func (s *TransactionService) refundCaptured(ctx context.Context, t *domain.Transaction, reason string) {
	if t == nil || t.ExternalPaymentRef == nil || s.gateway == nil {
		return
	}
	_, err := s.gateway.CreateRefund(ctx, paymentclient.RefundRequest{
		PaymentIntentID: *t.ExternalPaymentRef,
		IdempotencyKey:  "auto-refund-" + t.ID.String(),
	})
	if err != nil {
		s.logger.Error("automatic refund failed",
			zap.String("transaction_id", t.ID.String()),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	s.logger.Info("automatic refund issued", zap.String("transaction_id", t.ID.String()), zap.String("reason", reason))
}

func (s *TransactionService) applyInvoicePaid(ctx context.Context, ev domain.PaymentEvent) (string, error) {
	if ev.SubscriptionID == "" {
		return OutcomeIgnored, nil
	}
	if ev.Status == "subscription_create" {
		tx, err := s.resolveTransaction(ctx, ev)
		if errors.Is(err, store.ErrNotFound) {
			return OutcomeUnknownTransaction, nil
		}
		if err != nil {
			return "", err
		}
		if err := s.repo.LinkSubscription(ctx, tx.ID, ev.SubscriptionID); err != nil {
			return "", fmt.Errorf("link subscription: %w", err)
		}
		return OutcomeLinked, nil
	}
	return s.chargeRecurring(ctx, ev)
}

// chargeRecurring records a renewal of a subscription as a child transaction and fans it out.
func (s *TransactionService) chargeRecurring(ctx context.Context, ev domain.PaymentEvent) (string, error) {
	origin, err := s.repo.GetSubscriptionOrigin(ctx, ev.SubscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("renewal for unknown subscription", zap.String("subscription_id", ev.SubscriptionID))
		return OutcomeUnknownTransaction, nil
	}
	if err != nil {
		return "", fmt.Errorf("load subscription origin: %w", err)
	}
	if ev.PaymentIntentID != "" {
		if _, err := s.repo.GetTransactionByPaymentRef(ctx, ev.PaymentIntentID); err == nil {
			return OutcomeNoop, nil
		}
	}

	seller, err := s.repo.GetEarner(ctx, origin.SellerID)
	if err != nil {
		return "", fmt.Errorf("load seller: %w", err)
	}
	now := s.clock.Now()
	volume, err := s.repo.TrailingVolume(ctx, origin.SellerID, now.Add(-s.cfg.VolumeWindow))
	if err != nil {
		return "", fmt.Errorf("trailing volume: %w", err)
	}
	amount := ev.AmountCents
	if amount <= 0 {
		amount = origin.Amount
	}
	fees, err := s.fees.Calculate(FeeInput{EarnerType: seller.EarnerType, ItemType: origin.ItemType, AmountCents: amount, TrailingVolumeCents: volume})
	if err != nil {
		return "", err
	}

	eventAt := ev.Created
	if eventAt.IsZero() {
		eventAt = now
	}
	subscriptionID := ev.SubscriptionID
	originID := origin.ID
	charge := &domain.Transaction{
		ID:                  uuid.New(),
		BuyerID:             origin.BuyerID,
		SellerID:            origin.SellerID,
		ItemID:              origin.ItemID,
		ItemType:            origin.ItemType,
		Quantity:            origin.Quantity,
		Amount:              amount,
		Currency:            origin.Currency,
		PlatformFee:         fees.PlatformFee,
		ProcessingFee:       fees.ProcessingFee,
		SellerNet:           fees.Net,
		Status:              domain.StatusSucceeded,
		SubscriptionID:      &subscriptionID,
		ParentTransactionID: &originID,
		LastEventAt:         &eventAt,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if ev.PaymentIntentID != "" {
		ref := ev.PaymentIntentID
		charge.ExternalPaymentRef = &ref
	}

	err = s.repo.RunInTx(ctx, func(r store.Repository) error {
		if err := r.CreateTransaction(ctx, charge); err != nil {
			return err
		}
		var attribution *Attribution
		if s.affiliate != nil {
			attribution, err = s.affiliate.bind(r).MatchRecurring(ctx, origin, charge)
			if err != nil {
				return err
			}
		}
		_, err := distributeRevenue(ctx, r, charge, attribution, false, now)
		return err
	})
	if errors.Is(err, store.ErrDuplicate) {
		return OutcomeNoop, nil
	}
	if err != nil {
		return "", fmt.Errorf("record recurring charge: %w", err)
	}
	s.logger.Info("recurring charge recorded",
		zap.String("transaction_id", charge.ID.String()),
		zap.String("origin_transaction_id", origin.ID.String()),
		zap.String("subscription_id", subscriptionID))
	return OutcomeRecurringCharge, nil
}
