package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/clock"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/orivaflow/commerce-engine/internal/store"
	"github.com/orivaflow/commerce-engine/pkg/paymentclient"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// stubGateway records every call and fails the ones it is told to.
type stubGateway struct {
	mu         sync.Mutex
	intents    []paymentclient.PaymentIntentRequest
	cancels    []string
	refunds    []paymentclient.RefundRequest
	transfers  []paymentclient.TransferRequest
	intentErr  error
	refundErr  error
	transferFn func(n int) error
}

func (g *stubGateway) CreatePaymentIntent(ctx context.Context, req paymentclient.PaymentIntentRequest) (*paymentclient.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.intentErr != nil {
		return nil, g.intentErr
	}
	g.intents = append(g.intents, req)
	id := "pi_" + req.Metadata["transaction_id"]
	return &paymentclient.PaymentIntent{ID: id, Status: "requires_payment_method", Amount: req.AmountCents, ClientSecret: id + "_secret"}, nil
}

func (g *stubGateway) CancelPaymentIntent(ctx context.Context, id string) (*paymentclient.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, id)
	return &paymentclient.PaymentIntent{ID: id, Status: "canceled"}, nil
}

func (g *stubGateway) CreateRefund(ctx context.Context, req paymentclient.RefundRequest) (*paymentclient.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refunds = append(g.refunds, req)
	return &paymentclient.Refund{ID: "re_" + req.PaymentIntentID, Status: "succeeded", Amount: req.AmountCents}, nil
}

func (g *stubGateway) CreateTransfer(ctx context.Context, req paymentclient.TransferRequest) (*paymentclient.Transfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers = append(g.transfers, req)
	if g.transferFn != nil {
		if err := g.transferFn(len(g.transfers)); err != nil {
			return nil, err
		}
	}
	return &paymentclient.Transfer{ID: "tr_" + req.Metadata["payout_id"], Amount: req.AmountCents, Destination: req.Destination}, nil
}

func (g *stubGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

type fixture struct {
	repo      *store.MemoryRepository
	clock     *clock.Manual
	gateway   *stubGateway
	fees      *FeeCalculator
	inventory *InventoryManager
	escrow    *EscrowManager
	affiliate *AffiliateEngine
	txs       *TransactionService
	seller    domain.Earner
	buyer     uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	clk := clock.NewManual(t0)
	gw := &stubGateway{}
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	schedule := DefaultFeeSchedule()
	schedule.ProcessingRounding = RoundDown
	fees := NewFeeCalculator(schedule)
	inventory := NewInventoryManager(repo, clk, 0, nil)
	escrow := NewEscrowManager(repo, gw, clk, nil, nil)
	affiliate := NewAffiliateEngine(repo, repo, nil, nil, node, clk, AffiliateConfig{DestinationBaseURL: "https://shop.example"}, nil, nil)
	txs := NewTransactionService(repo, fees, inventory, escrow, affiliate, gw, clk, TransactionConfig{}, nil, nil)

	account := "acct_seller"
	seller := domain.Earner{ID: uuid.New(), EarnerType: domain.EarnerCreator, DisplayName: "seller", PayoutAccountID: &account}
	repo.SeedEarner(seller)

	return &fixture{
		repo:      repo,
		clock:     clk,
		gateway:   gw,
		fees:      fees,
		inventory: inventory,
		escrow:    escrow,
		affiliate: affiliate,
		txs:       txs,
		seller:    seller,
		buyer:     uuid.New(),
	}
}

type itemOption func(*domain.Item)

func withStock(n int64) itemOption {
	return func(i *domain.Item) { i.InventoryCount = &n }
}

func withEscrow(rt domain.ReleaseType) itemOption {
	return func(i *domain.Item) {
		i.UsesEscrow = true
		i.EscrowReleaseType = rt
	}
}

func withType(it domain.ItemType, details domain.ItemDetails) itemOption {
	return func(i *domain.Item) {
		i.ItemType = it
		i.Details = details
	}
}

func (f *fixture) seedItem(price int64, opts ...itemOption) domain.Item {
	item := domain.Item{
		ID:         uuid.New(),
		SellerID:   f.seller.ID,
		Title:      "item",
		ItemType:   domain.ItemDigital,
		PriceCents: price,
		Currency:   "usd",
		Details:    domain.DigitalDetails{DeliveryURL: "https://cdn.example/file"},
		IsActive:   true,
		CreatedAt:  t0,
	}
	for _, opt := range opts {
		opt(&item)
	}
	f.repo.SeedItem(item)
	return item
}

func (f *fixture) checkout(t *testing.T, item domain.Item, visitor string) *domain.Transaction {
	t.Helper()
	resp, err := f.txs.Checkout(context.Background(), domain.CheckoutRequest{BuyerID: f.buyer, ItemID: item.ID, Quantity: 1, VisitorID: visitor})
	require.NoError(t, err)
	tx, err := f.repo.GetTransaction(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	return tx
}

func (f *fixture) event(tx *domain.Transaction, eventType string, at time.Time) domain.PaymentEvent {
	id := tx.ID
	return domain.PaymentEvent{
		EventID:         "evt_" + uuid.NewString(),
		EventType:       eventType,
		PaymentIntentID: *tx.ExternalPaymentRef,
		TransactionID:   &id,
		Created:         at,
	}
}

func (f *fixture) succeed(t *testing.T, tx *domain.Transaction) {
	t.Helper()
	outcome, err := f.txs.ApplyEvent(context.Background(), f.event(tx, domain.EventPaymentSucceeded, f.clock.Now()))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)
}

func (f *fixture) status(t *testing.T, id uuid.UUID) domain.TransactionStatus {
	t.Helper()
	tx, err := f.repo.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return tx.Status
}

func (f *fixture) shares(t *testing.T, txID uuid.UUID) map[domain.RecipientType]domain.RevenueShare {
	t.Helper()
	list, err := f.repo.ListRevenueShares(context.Background(), txID)
	require.NoError(t, err)
	out := map[domain.RecipientType]domain.RevenueShare{}
	for _, sh := range list {
		out[sh.RecipientType] = sh
	}
	return out
}

func (f *fixture) campaign(t *testing.T, item domain.Item, rate int64, window int) (*domain.AffiliateCampaign, uuid.UUID) {
	t.Helper()
	affiliateID := uuid.New()
	account := "acct_affiliate"
	f.repo.SeedEarner(domain.Earner{ID: affiliateID, EarnerType: domain.EarnerAffiliate, PayoutAccountID: &account})
	c, err := f.affiliate.CreateCampaign(context.Background(), affiliateID, domain.CreateCampaignRequest{
		ItemID:           item.ID,
		CommissionType:   domain.CommissionPercentage,
		CommissionRate:   decimal.NewFromInt(rate),
		CookieWindowDays: window,
	})
	require.NoError(t, err)
	return c, affiliateID
}

var errBoom = errors.New("boom")
