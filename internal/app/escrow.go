/**
 * @description
 * Escrow holds a succeeded transaction's seller net until its release
 * conditions are met. Every release is an immutable row appended under a
 * status and balance guard, so the released total can never exceed what was
 * escrowed. Disputes freeze the escrow until an arbitrator releases or
 * refunds the remainder.
 *
 * @dependencies
 * - github.com/orivaflow/commerce-engine/pkg/paymentclient: Gateway refunds.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/clock"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/orivaflow/commerce-engine/internal/metrics"
	"github.com/orivaflow/commerce-engine/internal/store"
	"github.com/orivaflow/commerce-engine/pkg/paymentclient"
	"go.uber.org/zap"
)

const defaultTimeReleaseAfter = 14 * 24 * time.Hour

// Refunder returns captured funds to the buyer.
type Refunder interface {
	CreateRefund(ctx context.Context, req paymentclient.RefundRequest) (*paymentclient.Refund, error)
}

// ActorRole is the capacity in which a caller acts on an escrow.
type ActorRole string

const (
	RoleBuyer      ActorRole = "buyer"
	RoleSeller     ActorRole = "seller"
	RoleArbitrator ActorRole = "arbitrator"
	RoleSystem     ActorRole = "system"
)

// Actor is the authenticated caller. Arbitrator is granted by the identity provider.
type Actor struct {
	ID         uuid.UUID
	Arbitrator bool
}

// ReleaseRequest releases Amount cents, or the whole remainder when Amount is zero.
type ReleaseRequest struct {
	EscrowID uuid.UUID
	Actor    Actor
	Amount   int64
	Reason   string
}

type DisputeOutcome string

const (
	DisputeRelease DisputeOutcome = "release"
	DisputeRefund  DisputeOutcome = "refund"
)

type EscrowManager struct {
	repo     store.Repository
	refunder Refunder
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewEscrowManager(repo store.Repository, refunder Refunder, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics) *EscrowManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EscrowManager{repo: repo, refunder: refunder, clock: clk, logger: logger.With(zap.String("component", "escrow")), metrics: m}
}

// Open creates the escrow for a succeeded transaction through es.
func (m *EscrowManager) Open(ctx context.Context, es store.EscrowStore, tx *domain.Transaction, item *domain.Item) (*domain.EscrowRecord, error) {
	releaseType := item.EscrowReleaseType
	if releaseType == "" {
		releaseType = domain.ReleaseManual
	}
	if !releaseType.Valid() {
		return nil, validation("escrow_release_type", fmt.Sprintf("unknown release type %q", releaseType))
	}

	now := m.clock.Now()
	var conditions domain.ReleaseConditions
	switch releaseType {
	case domain.ReleaseTimeBased:
		after := defaultTimeReleaseAfter
		if item.EscrowReleaseAfter != nil && *item.EscrowReleaseAfter > 0 {
			after = time.Duration(*item.EscrowReleaseAfter) * time.Hour
		}
		at := now.Add(after)
		conditions.ReleaseAt = &at
	case domain.ReleaseMilestone:
		agreementID := item.AgreementID
		if agreementID == nil {
			if details, ok := item.Details.(domain.ServiceDetails); ok {
				agreementID = details.AgreementID
			}
		}
		if agreementID == nil {
			return nil, validation("agreement_id", "milestone escrow requires an agreement")
		}
		conditions.AgreementID = agreementID
	}

	record := &domain.EscrowRecord{
		ID:             uuid.New(),
		TransactionID:  tx.ID,
		BuyerID:        tx.BuyerID,
		SellerID:       tx.SellerID,
		EscrowedAmount: tx.SellerNet,
		Currency:       tx.Currency,
		ReleaseType:    releaseType,
		Conditions:     conditions,
		Status:         domain.EscrowHeld,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := es.CreateEscrow(ctx, record); err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}
	return record, nil
}

func (m *EscrowManager) get(ctx context.Context, id uuid.UUID) (*domain.EscrowRecord, error) {
	e, err := m.repo.GetEscrow(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load escrow: %w", err)
	}
	return e, nil
}

func roleOf(e *domain.EscrowRecord, actor Actor) (ActorRole, bool) {
	switch {
	case actor.Arbitrator:
		return RoleArbitrator, true
	case actor.ID == e.BuyerID:
		return RoleBuyer, true
	case actor.ID == e.SellerID:
		return RoleSeller, true
	}
	return "", false
}

// Release pays part or all of the held balance to the seller once the conditions hold.
func (m *EscrowManager) Release(ctx context.Context, req ReleaseRequest) (*domain.EscrowRelease, error) {
	e, err := m.get(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	role, ok := roleOf(e, req.Actor)
	if !ok {
		return nil, ErrForbidden
	}
	if e.Status != domain.EscrowHeld {
		return nil, ErrEscrowNotHeld
	}
	if role != RoleArbitrator {
		if err := m.checkConditions(ctx, e); err != nil {
			return nil, err
		}
	}
	actorID := req.Actor.ID
	return m.release(ctx, e, req.Amount, &actorID, role, req.Reason)
}

func (m *EscrowManager) checkConditions(ctx context.Context, e *domain.EscrowRecord) error {
	unmet := func(reason string) error {
		return &EscrowConditionUnmetError{EscrowID: e.ID, ReleaseType: e.ReleaseType, Reason: reason}
	}
	switch e.ReleaseType {
	case domain.ReleaseManual:
		// any party may release
	case domain.ReleaseMilestone:
		if e.Conditions.AgreementID == nil {
			return unmet("no agreement attached")
		}
		milestones, err := m.repo.ListMilestones(ctx, *e.Conditions.AgreementID)
		if err != nil {
			return fmt.Errorf("list milestones: %w", err)
		}
		if len(milestones) == 0 {
			return unmet("agreement has no milestones")
		}
		for _, ms := range milestones {
			if ms.CompletedAt == nil {
				return unmet(fmt.Sprintf("milestone %q is not complete", ms.Title))
			}
		}
	case domain.ReleaseTimeBased:
		if e.Conditions.ReleaseAt == nil || m.clock.Now().Before(*e.Conditions.ReleaseAt) {
			return unmet("release time not reached")
		}
	case domain.ReleaseDeliverable:
		if e.BuyerConfirmedAt == nil {
			return unmet("buyer has not confirmed delivery")
		}
	default:
		return unmet("unknown release type")
	}
	return nil
}

func (m *EscrowManager) release(ctx context.Context, e *domain.EscrowRecord, amount int64, actorID *uuid.UUID, role ActorRole, reason string) (*domain.EscrowRelease, error) {
	if amount < 0 {
		return nil, validation("amount", "must not be negative")
	}
	if amount == 0 {
		amount = e.Remaining()
	}
	if amount == 0 {
		return nil, ErrEscrowNotHeld
	}
	if amount > e.Remaining() {
		return nil, ErrEscrowReleaseExceedsBalance
	}
	if reason == "" {
		reason = string(role) + " release"
	}

	rel := &domain.EscrowRelease{
		ID:           uuid.New(),
		EscrowID:     e.ID,
		RecipientID:  e.SellerID,
		Amount:       amount,
		ActorID:      actorID,
		Reason:       reason,
		PayoutStatus: domain.PayoutPending,
		CreatedAt:    m.clock.Now(),
	}
	var updated *domain.EscrowRecord
	err := m.repo.RunInTx(ctx, func(r store.Repository) error {
		var err error
		updated, err = r.AppendEscrowRelease(ctx, rel)
		if err != nil {
			return err
		}
		if updated.Status == domain.EscrowReleased {
			if _, err := r.UpdateShareStatuses(ctx, e.TransactionID, []domain.PayoutStatus{domain.PayoutEscrowed}, domain.PayoutSettled); err != nil {
				return fmt.Errorf("settle seller share: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrEscrowNotHeld) || errors.Is(err, store.ErrEscrowReleaseExceedsBalance) {
			return nil, err
		}
		return nil, fmt.Errorf("append escrow release: %w", err)
	}

	m.metrics.EscrowRelease(string(e.ReleaseType))
	m.logger.Info("escrow released",
		zap.String("escrow_id", e.ID.String()),
		zap.String("transaction_id", e.TransactionID.String()),
		zap.String("actor_role", string(role)),
		zap.Int64("amount", amount),
		zap.Int64("remaining", updated.Remaining()))
	return rel, nil
}

// ConfirmDelivery records the buyer's confirmation and, for deliverable escrows, releases the remainder.
func (m *EscrowManager) ConfirmDelivery(ctx context.Context, escrowID uuid.UUID, actor Actor) (*domain.EscrowRecord, error) {
	e, err := m.get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if actor.ID != e.BuyerID {
		return nil, ErrForbidden
	}
	if err := m.repo.SetBuyerConfirmed(ctx, e.ID, m.clock.Now()); err != nil {
		return nil, fmt.Errorf("confirm delivery: %w", err)
	}
	if e.ReleaseType == domain.ReleaseDeliverable && e.Status == domain.EscrowHeld && e.Remaining() > 0 {
		if _, err := m.release(ctx, e, 0, &actor.ID, RoleBuyer, "delivery confirmed"); err != nil {
			return nil, err
		}
	}
	return m.get(ctx, escrowID)
}

// CompleteMilestone marks a milestone of the escrow's agreement complete. Only the
// seller or an arbitrator may do so.
func (m *EscrowManager) CompleteMilestone(ctx context.Context, escrowID, milestoneID uuid.UUID, actor Actor) error {
	e, err := m.get(ctx, escrowID)
	if err != nil {
		return err
	}
	role, ok := roleOf(e, actor)
	if !ok || role == RoleBuyer {
		return ErrForbidden
	}
	if e.Conditions.AgreementID == nil {
		return validation("escrow_id", "escrow has no agreement")
	}
	if err := m.repo.CompleteMilestone(ctx, *e.Conditions.AgreementID, milestoneID, m.clock.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("complete milestone: %w", err)
	}
	return nil
}

// OpenDispute freezes a held escrow. Time-based release stops until it is resolved.
func (m *EscrowManager) OpenDispute(ctx context.Context, escrowID uuid.UUID, actor Actor, reason string) error {
	e, err := m.get(ctx, escrowID)
	if err != nil {
		return err
	}
	if _, ok := roleOf(e, actor); !ok {
		return ErrForbidden
	}
	if reason == "" {
		return validation("reason", "is required")
	}
	if err := m.repo.UpdateEscrowStatus(ctx, e.ID, domain.EscrowHeld, domain.EscrowDisputed, &reason); err != nil {
		if errors.Is(err, store.ErrEscrowStateConflict) {
			return ErrEscrowNotHeld
		}
		return fmt.Errorf("open dispute: %w", err)
	}
	m.logger.Info("escrow disputed", zap.String("escrow_id", e.ID.String()), zap.String("reason", reason))
	return nil
}

// ResolveDispute settles a disputed escrow. Only arbitrators may resolve.
func (m *EscrowManager) ResolveDispute(ctx context.Context, escrowID uuid.UUID, actor Actor, outcome DisputeOutcome) error {
	if !actor.Arbitrator {
		return ErrForbidden
	}
	e, err := m.get(ctx, escrowID)
	if err != nil {
		return err
	}
	if e.Status != domain.EscrowDisputed {
		return validation("escrow_id", "escrow is not disputed")
	}

	switch outcome {
	case DisputeRelease:
		if err := m.repo.UpdateEscrowStatus(ctx, e.ID, domain.EscrowDisputed, domain.EscrowHeld, nil); err != nil {
			return fmt.Errorf("reopen escrow: %w", err)
		}
		e.Status = domain.EscrowHeld
		_, err := m.release(ctx, e, 0, &actor.ID, RoleArbitrator, "dispute resolved for seller")
		return err
	case DisputeRefund:
		return m.Refund(ctx, e, "dispute resolved for buyer")
	}
	return validation("outcome", fmt.Sprintf("unknown outcome %q", outcome))
}

// Refund returns the held remainder to the buyer and moves the transaction to refunded.
func (m *EscrowManager) Refund(ctx context.Context, e *domain.EscrowRecord, reason string) error {
	tx, err := m.repo.GetTransaction(ctx, e.TransactionID)
	if err != nil {
		return fmt.Errorf("load transaction: %w", err)
	}
	if remaining := e.Remaining(); remaining > 0 && tx.ExternalPaymentRef != nil && m.refunder != nil {
		if _, err := m.refunder.CreateRefund(ctx, paymentclient.RefundRequest{
			PaymentIntentID: *tx.ExternalPaymentRef,
			AmountCents:     remaining,
			Reason:          "requested_by_customer",
			IdempotencyKey:  "escrow-refund-" + e.ID.String(),
		}); err != nil {
			return &PaymentGatewayError{Op: "create_refund", Err: err}
		}
	}

	now := m.clock.Now()
	err = m.repo.RunInTx(ctx, func(r store.Repository) error {
		if err := r.UpdateEscrowStatus(ctx, e.ID, e.Status, domain.EscrowRefunded, &reason); err != nil {
			return err
		}
		locked, err := r.LockTransaction(ctx, tx.ID)
		if err != nil {
			return err
		}
		if CanTransition(locked.Status, domain.StatusRefunded) {
			if err := r.UpdateTransactionStatus(ctx, tx.ID, domain.StatusRefunded, store.TransitionParams{EventAt: &now}); err != nil {
				return err
			}
		}
		_, err = r.UpdateShareStatuses(ctx, tx.ID, []domain.PayoutStatus{domain.PayoutPending, domain.PayoutEscrowed}, domain.PayoutReversed)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrEscrowStateConflict) {
			return ErrEscrowNotHeld
		}
		return fmt.Errorf("record escrow refund: %w", err)
	}
	m.logger.Info("escrow refunded", zap.String("escrow_id", e.ID.String()), zap.Int64("amount", e.Remaining()))
	return nil
}

// SweepTimeReleases releases every time-based escrow whose release time has passed.
func (m *EscrowManager) SweepTimeReleases(ctx context.Context, limit int) (int, error) {
	due, err := m.repo.ListDueTimeReleases(ctx, m.clock.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list due escrows: %w", err)
	}
	released := 0
	for i := range due {
		e := &due[i]
		if _, err := m.release(ctx, e, 0, nil, RoleSystem, "release time reached"); err != nil {
			if errors.Is(err, store.ErrEscrowNotHeld) {
				continue
			}
			m.logger.Error("time release failed", zap.String("escrow_id", e.ID.String()), zap.Error(err))
			continue
		}
		released++
	}
	m.metrics.Swept("escrow_time_release", released)
	return released, nil
}
