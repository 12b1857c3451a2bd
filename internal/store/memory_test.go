package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/stretchr/testify/require"
)

func seedStock(t *testing.T, repo *MemoryRepository, qty int64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	repo.SeedItem(domain.Item{ID: id, InventoryCount: &qty})
	return id
}

func reservation(itemID uuid.UUID, qty int64) *domain.Reservation {
	return &domain.Reservation{
		ID:            uuid.New(),
		TransactionID: uuid.New(),
		ItemID:        itemID,
		Quantity:      qty,
		Status:        domain.ReservationReserved,
		ExpiresAt:     time.Now().Add(15 * time.Minute),
	}
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	itemID := seedStock(t, repo, 5)

	boom := errors.New("boom")
	err := repo.RunInTx(ctx, func(tx Repository) error {
		require.NoError(t, tx.ReserveInventory(ctx, reservation(itemID, 3)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	inv, err := repo.GetInventory(ctx, itemID)
	require.NoError(t, err)
	require.Zero(t, inv.Reserved)
}

func TestRunInTxCommits(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	itemID := seedStock(t, repo, 5)
	r := reservation(itemID, 2)

	require.NoError(t, repo.RunInTx(ctx, func(tx Repository) error {
		if err := tx.ReserveInventory(ctx, r); err != nil {
			return err
		}
		return tx.CommitReservation(ctx, r.ID)
	}))

	inv, err := repo.GetInventory(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, int64(3), inv.Quantity)
	require.Zero(t, inv.Reserved)
	require.ErrorIs(t, repo.CommitReservation(ctx, r.ID), ErrReservationNotActive)
}

func TestReserveInventoryNeverOversells(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	itemID := seedStock(t, repo, 10)

	var wg sync.WaitGroup
	var ok, exhausted atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.ReserveInventory(ctx, reservation(itemID, 1))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInventoryExhausted):
				exhausted.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(10), ok.Load())
	require.Equal(t, int64(40), exhausted.Load())
	inv, err := repo.GetInventory(ctx, itemID)
	require.NoError(t, err)
	require.Zero(t, inv.Available())
}

func TestReleaseReservationReturnsStock(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	itemID := seedStock(t, repo, 1)
	r := reservation(itemID, 1)

	require.NoError(t, repo.ReserveInventory(ctx, r))
	require.ErrorIs(t, repo.ReserveInventory(ctx, reservation(itemID, 1)), ErrInventoryExhausted)
	require.NoError(t, repo.ReleaseReservation(ctx, r.ID, domain.ReservationExpired))
	require.NoError(t, repo.ReserveInventory(ctx, reservation(itemID, 1)))
}

func TestRecordEventIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	ev := &domain.PaymentEvent{EventID: "evt_1", EventType: "payment_intent.succeeded"}

	inserted, err := repo.RecordEvent(ctx, ev)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = repo.RecordEvent(ctx, ev)
	require.NoError(t, err)
	require.False(t, inserted)

	require.NoError(t, repo.MarkEventProcessed(ctx, "evt_1", time.Now(), "applied"))
	stored, err := repo.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	require.Equal(t, "applied", stored.Outcome)
	require.NotNil(t, stored.ProcessedAt)
}

func TestDebitAdBudgetStopsAtCeiling(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	campaignID := uuid.New()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = repo.DebitAdBudget(ctx, campaignID, day, 30, 500)
		}()
	}
	wg.Wait()

	spent, err := repo.AdSpend(ctx, campaignID, day)
	require.NoError(t, err)
	require.Equal(t, int64(480), spent)

	_, err = repo.DebitAdBudget(ctx, campaignID, day, 30, 500)
	require.ErrorIs(t, err, ErrBudgetExhausted)
}

func TestGetMissingRecords(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	_, err := repo.GetTransaction(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetLinkByCode(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTrailingVolumeCountsSucceededSalesInWindow(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	sellerID := uuid.New()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	since := now.AddDate(0, 0, -30)

	sales := []domain.Transaction{
		{Amount: 10000, SellerNet: 9000, Status: domain.StatusSucceeded, CreatedAt: now.Add(-time.Hour)},
		{Amount: 5000, SellerNet: 4500, Status: domain.StatusSucceeded, CreatedAt: since},
		{Amount: 7000, Status: domain.StatusRefunded, CreatedAt: now.Add(-time.Hour)},
		{Amount: 3000, Status: domain.StatusFailed, CreatedAt: now.Add(-time.Hour)},
		{Amount: 9000, Status: domain.StatusSucceeded, CreatedAt: since.Add(-time.Second)},
	}
	for i := range sales {
		sales[i].ID = uuid.New()
		sales[i].SellerID = sellerID
		require.NoError(t, repo.CreateTransaction(ctx, &sales[i]))
	}
	other := domain.Transaction{ID: uuid.New(), SellerID: uuid.New(), Amount: 4000, Status: domain.StatusSucceeded, CreatedAt: now}
	require.NoError(t, repo.CreateTransaction(ctx, &other))

	volume, err := repo.TrailingVolume(ctx, sellerID, since)
	require.NoError(t, err)
	require.Equal(t, int64(15000), volume)
}
