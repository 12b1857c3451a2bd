package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/orivaflow/commerce-engine/internal/store"
)

// PlatformRecipientID is the recipient of the retained platform share.
var PlatformRecipientID = uuid.Nil

// BuildShares fans a succeeded transaction out to seller, affiliate and platform.
// The affiliate commission is carved from the platform fee, so the shares always
// add up to seller net plus platform fee.
func BuildShares(tx *domain.Transaction, attribution *Attribution, escrowed bool, now time.Time) ([]domain.RevenueShare, error) {
	sellerStatus := domain.PayoutPending
	if escrowed {
		sellerStatus = domain.PayoutEscrowed
	}

	shares := []domain.RevenueShare{{
		ID:            uuid.New(),
		TransactionID: tx.ID,
		RecipientID:   tx.SellerID,
		RecipientType: domain.RecipientSeller,
		Amount:        tx.SellerNet,
		PayoutStatus:  sellerStatus,
		CreatedAt:     now,
	}}

	platform := tx.PlatformFee
	if attribution != nil && attribution.Commission > 0 {
		if attribution.Commission > tx.PlatformFee {
			return nil, fmt.Errorf("%w: commission %d exceeds platform fee %d", ErrInvariantViolation, attribution.Commission, tx.PlatformFee)
		}
		platform -= attribution.Commission
		shares = append(shares, domain.RevenueShare{
			ID:            uuid.New(),
			TransactionID: tx.ID,
			RecipientID:   attribution.AffiliateID,
			RecipientType: domain.RecipientAffiliate,
			Amount:        attribution.Commission,
			PayoutStatus:  domain.PayoutPending,
			CreatedAt:     now,
		})
	}
	shares = append(shares, domain.RevenueShare{
		ID:            uuid.New(),
		TransactionID: tx.ID,
		RecipientID:   PlatformRecipientID,
		RecipientType: domain.RecipientPlatform,
		Amount:        platform,
		PayoutStatus:  domain.PayoutRetained,
		CreatedAt:     now,
	})

	if err := reconcileShares(tx, shares); err != nil {
		return nil, err
	}
	return shares, nil
}

func reconcileShares(tx *domain.Transaction, shares []domain.RevenueShare) error {
	var total int64
	for _, sh := range shares {
		if sh.Amount < 0 {
			return fmt.Errorf("%w: negative %s share %d", ErrInvariantViolation, sh.RecipientType, sh.Amount)
		}
		total += sh.Amount
	}
	if want := tx.SellerNet + tx.PlatformFee; total != want {
		return fmt.Errorf("%w: shares sum to %d, expected %d", ErrInvariantViolation, total, want)
	}
	return nil
}

// distributeRevenue persists the fan-out for tx through rs.
func distributeRevenue(ctx context.Context, rs store.RevenueStore, tx *domain.Transaction, attribution *Attribution, escrowed bool, now time.Time) ([]domain.RevenueShare, error) {
	shares, err := BuildShares(tx, attribution, escrowed, now)
	if err != nil {
		return nil, err
	}
	if err := rs.CreateRevenueShares(ctx, shares); err != nil {
		return nil, fmt.Errorf("create revenue shares: %w", err)
	}
	return shares, nil
}
