package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/orivaflow/commerce-engine/internal/store"
	"github.com/orivaflow/commerce-engine/pkg/paymentclient"
	"go.uber.org/zap"
)

// Checkout prices the item, reserves stock, creates the pending transaction and
// opens a payment intent for it. A gateway failure fails the transaction and
// returns the reserved stock.
func (s *TransactionService) Checkout(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutResponse, error) {
	tx, err := s.prepare(ctx, req)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			s.metrics.Checkout("invalid")
		}
		return nil, err
	}

	err = s.repo.RunInTx(ctx, func(r store.Repository) error {
		if err := r.CreateTransaction(ctx, tx.Transaction); err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		if !tx.hasStock {
			return nil
		}
		_, err := s.inventory.bind(r).Reserve(ctx, tx.ItemID, tx.ID, tx.Quantity)
		return err
	})
	if errors.Is(err, ErrInventoryExhausted) {
		s.metrics.Checkout("sold_out")
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, paymentclient.PaymentIntentRequest{
		AmountCents:      tx.Amount,
		Currency:         tx.Currency,
		SetupFutureUsage: tx.setupFutureUsage,
		Metadata: map[string]string{
			"transaction_id": tx.ID.String(),
			"item_id":        tx.ItemID.String(),
		},
		IdempotencyKey: "checkout-" + tx.ID.String(),
	})
	if err != nil {
		s.metrics.Checkout("gateway_error")
		s.abandon(ctx, tx.ID, "payment intent creation failed")
		s.logger.Error("create payment intent failed", zap.String("transaction_id", tx.ID.String()), zap.Error(err))
		return nil, &PaymentGatewayError{Op: "create_payment_intent", Err: err}
	}
	if err := s.repo.AttachPaymentIntent(ctx, tx.ID, intent.ID, intent.ClientSecret); err != nil {
		return nil, fmt.Errorf("attach payment intent: %w", err)
	}

	s.metrics.Checkout("created")
	s.logger.Info("checkout created",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("item_id", tx.ItemID.String()),
		zap.Int64("amount", tx.Amount),
		zap.Int64("platform_fee", tx.PlatformFee),
		zap.Int64("processing_fee", tx.ProcessingFee),
		zap.Bool("uses_escrow", tx.UsesEscrow))
	return &domain.CheckoutResponse{TransactionID: tx.ID, ClientSecret: intent.ClientSecret}, nil
}

type pendingCheckout struct {
	*domain.Transaction
	hasStock         bool
	setupFutureUsage bool
}

func (s *TransactionService) prepare(ctx context.Context, req domain.CheckoutRequest) (pendingCheckout, error) {
	if req.BuyerID == uuid.Nil {
		return pendingCheckout{}, validation("buyer_id", "is required")
	}
	if req.ItemID == uuid.Nil {
		return pendingCheckout{}, validation("item_id", "is required")
	}
	qty := req.Quantity
	if qty == 0 {
		qty = 1
	}
	if qty < 0 || qty > s.cfg.MaxQuantity {
		return pendingCheckout{}, validation("quantity", fmt.Sprintf("must be between 1 and %d", s.cfg.MaxQuantity))
	}

	item, err := s.repo.GetItem(ctx, req.ItemID)
	if err != nil {
		return pendingCheckout{}, fmt.Errorf("load item: %w", err)
	}
	if !item.IsActive {
		return pendingCheckout{}, validation("item_id", "item is not available")
	}
	if item.SellerID == req.BuyerID {
		return pendingCheckout{}, validation("buyer_id", "sellers cannot buy their own items")
	}
	if item.ItemType == domain.ItemSubscription && qty != 1 {
		return pendingCheckout{}, validation("quantity", "subscriptions are sold one at a time")
	}

	seller, err := s.repo.GetEarner(ctx, item.SellerID)
	if err != nil {
		return pendingCheckout{}, fmt.Errorf("load seller: %w", err)
	}
	now := s.clock.Now()
	volume, err := s.repo.TrailingVolume(ctx, seller.ID, now.Add(-s.cfg.VolumeWindow))
	if err != nil {
		return pendingCheckout{}, fmt.Errorf("trailing volume: %w", err)
	}
	amount := item.PriceCents * qty
	fees, err := s.fees.Calculate(FeeInput{EarnerType: seller.EarnerType, ItemType: item.ItemType, AmountCents: amount, TrailingVolumeCents: volume})
	if err != nil {
		return pendingCheckout{}, err
	}

	currency := item.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}
	tx := &domain.Transaction{
		ID:            uuid.New(),
		BuyerID:       req.BuyerID,
		SellerID:      item.SellerID,
		ItemID:        item.ID,
		ItemType:      item.ItemType,
		Quantity:      qty,
		Amount:        amount,
		Currency:      currency,
		PlatformFee:   fees.PlatformFee,
		ProcessingFee: fees.ProcessingFee,
		SellerNet:     fees.Net,
		Status:        domain.StatusPending,
		UsesEscrow:    item.UsesEscrow && item.ItemType != domain.ItemSubscription,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.VisitorID != "" {
		visitor := req.VisitorID
		tx.VisitorID = &visitor
	}
	return pendingCheckout{
		Transaction:      tx,
		hasStock:         item.InventoryCount != nil,
		setupFutureUsage: item.ItemType == domain.ItemSubscription,
	}, nil
}

// abandon fails a pending transaction whose payment could not be started.
func (s *TransactionService) abandon(ctx context.Context, id uuid.UUID, reason string) {
	err := s.repo.RunInTx(ctx, func(r store.Repository) error {
		t, err := r.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != domain.StatusPending {
			return nil
		}
		if err := r.UpdateTransactionStatus(ctx, id, domain.StatusFailed, store.TransitionParams{FailureReason: &reason}); err != nil {
			return err
		}
		return s.inventory.bind(r).CancelForTransaction(ctx, id)
	})
	if err != nil {
		s.logger.Error("abandon transaction failed", zap.String("transaction_id", id.String()), zap.Error(err))
	}
}

// Cancel lets the buyer drop a checkout that has not been paid yet.
func (s *TransactionService) Cancel(ctx context.Context, buyerID, txID uuid.UUID) (*domain.Transaction, error) {
	var cancelled *domain.Transaction
	err := s.repo.RunInTx(ctx, func(r store.Repository) error {
		t, err := r.LockTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if t.BuyerID != buyerID {
			return ErrForbidden
		}
		if t.Status != domain.StatusPending {
			return ErrNotCancellable
		}
		if err := r.UpdateTransactionStatus(ctx, txID, domain.StatusCancelled, store.TransitionParams{}); err != nil {
			return err
		}
		if err := s.inventory.bind(r).CancelForTransaction(ctx, txID); err != nil {
			return err
		}
		t.Status = domain.StatusCancelled
		cancelled = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cancelIntent(ctx, cancelled)
	s.metrics.Transition(string(domain.StatusCancelled), OutcomeApplied)
	s.logger.Info("checkout cancelled", zap.String("transaction_id", txID.String()))
	return cancelled, nil
}

func (s *TransactionService) cancelIntent(ctx context.Context, t *domain.Transaction) {
	if t.ExternalPaymentRef == nil || s.gateway == nil {
		return
	}
	if _, err := s.gateway.CancelPaymentIntent(ctx, *t.ExternalPaymentRef); err != nil {
		s.logger.Warn("cancel payment intent failed",
			zap.String("transaction_id", t.ID.String()),
			zap.String("payment_intent_id", *t.ExternalPaymentRef),
			zap.Error(err))
	}
}

// Get returns a transaction to its buyer or seller.
func (s *TransactionService) Get(ctx context.Context, actorID, txID uuid.UUID) (*domain.Transaction, error) {
	t, err := s.repo.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if t.BuyerID != actorID && t.SellerID != actorID {
		return nil, ErrForbidden
	}
	return t, nil
}

// ExpireCheckouts releases reservations past their TTL and fails the pending
// transactions that held them. It returns the number of transactions failed.
func (s *TransactionService) ExpireCheckouts(ctx context.Context, limit int) (int, error) {
	expired, err := s.inventory.ExpireReservations(ctx, limit)
	if err != nil {
		return 0, err
	}
	reason := "checkout expired"
	failed := 0
	for _, res := range expired {
		var t *domain.Transaction
		err := s.repo.RunInTx(ctx, func(r store.Repository) error {
			locked, err := r.LockTransaction(ctx, res.TransactionID)
			if err != nil {
				return err
			}
			if locked.Status != domain.StatusPending {
				return nil
			}
			if err := r.UpdateTransactionStatus(ctx, locked.ID, domain.StatusFailed, store.TransitionParams{FailureReason: &reason}); err != nil {
				return err
			}
			t = locked
			return nil
		})
		if err != nil {
			s.logger.Error("expire checkout failed", zap.String("transaction_id", res.TransactionID.String()), zap.Error(err))
			continue
		}
		if t == nil {
			continue
		}
		s.cancelIntent(ctx, t)
		failed++
	}
	s.metrics.Swept("checkout_expiry", failed)
	if failed > 0 {
		s.logger.Info("expired checkouts", zap.Int("count", failed), zap.Int("reservations", len(expired)))
	}
	return failed, nil
}
