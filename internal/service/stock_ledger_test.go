package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"storefront-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveStock_Success(t *testing.T) {
	_, rc := newTestRedis(t)
	ledger := NewStockLedger(rc, 15*time.Minute)
	ctx := context.Background()

	require.NoError(t, ledger.SyncStockFromDB(ctx, 1, 10, 0, 0))
	require.NoError(t, ledger.SyncStockFromDB(ctx, 2, 5, 0, 0))

	outcome, err := ledger.ReserveStock(ctx, 100, []models.ReservationItem{
		{ProductID: 1, Quantity: 3},
		{ProductID: 2, Quantity: 2},
	})
	require.NoError(t, err)
	assert.True(t, outcome.OK)

	status, err := ledger.GetStockStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 7, status.Available)
	assert.Equal(t, 3, status.Reserved)
	assert.Equal(t, 0, status.Sold)

	status, err = ledger.GetStockStatus(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Available)
	assert.Equal(t, 2, status.Reserved)

	record, found, err := ledger.GetReservation(ctx, 100)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(100), record.OrderID)
	assert.Len(t, record.Items, 2)
}

func TestReserveStock_InsufficientLeavesNothingMutated(t *testing.T) {
	_, rc := newTestRedis(t)
	ledger := NewStockLedger(rc, 15*time.Minute)
	ctx := context.Background()

	require.NoError(t, ledger.SyncStockFromDB(ctx, 1, 10, 0, 0))
	require.NoError(t, ledger.SyncStockFromDB(ctx, 2, 1, 0, 0))

	outcome, err := ledger.ReserveStock(ctx, 100, []models.ReservationItem{
		{ProductID: 1, Quantity: 3},
		{ProductID: 2, Quantity: 2},
	})
	require.NoError(t, err)
	assert.False(t, outcome.OK)
	assert.Equal(t, []int64{2}, outcome.FailedProducts)

	// The sufficient item must not have been touched either.
	status, err := ledger.GetStockStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, status.Available)
	assert.Equal(t, 0, status.Reserved)

	_, found, err := ledger.GetReservation(ctx, 100)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReserveStock_DuplicateProductLines(t *testing.T) {
	_, rc := newTestRedis(t)
	ledger := NewStockLedger(rc, 15*time.Minute)
	ctx := context.Background()

	require.NoError(t, ledger.SyncStockFromDB(ctx, 1, 5, 0, 0))

	// Each line alone fits within available=5; their sum does not. The
	// reservation must be refused without overdrawing the counter.
	outcome, err := ledger.ReserveStock(ctx, 100, []models.ReservationItem{
		{ProductID: 1, Quantity: 3},
		{ProductID: 1, Quantity: 3},
	})
	require.NoError(t, err)
	assert.False(t, outcome.OK)
	assert.Equal(t, []int64{1}, outcome.FailedProducts)

	status, err := ledger.GetStockStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, status.Available)
	assert.Equal(t, 0, status.Reserved)

	// With enough stock the lines reserve as one combined quantity.
	require.NoError(t, ledger.SyncStockFromDB(ctx, 1, 6, 0, 0))
	outcome, err = ledger.ReserveStock(ctx, 100, []models.ReservationItem{
		{ProductID: 1, Quantity: 3},
		{ProductID: 1, Quantity: 3},
	})
	require.NoError(t, err)
	assert.True(t, outcome.OK)

	status, err = ledger.GetStockStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Available)
	assert.Equal(t, 6, status.Reserved)

	record, found, err := ledger.GetReservation(ctx, 100)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, record.Items, 1)
	assert.Equal(t, 6, record.Items[0].Quantity)

	released, err := ledger.ReleaseReservation(ctx, 100)
	require.NoError(t, err)
	assert.True(t, released)

	status, err = ledger.GetStockStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, status.Available)
	assert.Equal(t, 0, status.Reserved)
}

func TestReserveStock_IdempotentReentry(t *testing.T) {
	_, rc := newTestRedis(t)
	ledger := NewStockLedger(rc, 15*time.Minute)
	ctx := context.Background()

	require.NoError(t, ledger.SyncStockFromDB(ctx, 1, 10, 0, 0))
	items := []models.ReservationItem{{ProductID: 1, Quantity: 4}}

	outcome, err := ledger.ReserveStock(ctx, 100, items)
	require.NoError(t, err)
	require.True(t, outcome.OK)

	outcome, err = ledger.ReserveStock(ctx, 100, items)
	require.NoError(t, err)
	assert.True(t, outcome.OK)

	status, err := ledger.GetStockStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, status.Available)
	assert.Equal(t, 4, status.Reserved)
}

func TestReleaseReservation_RoundTrip(t *testing.T) {
	_, rc := newTestRedis(t)
	ledger := NewStockLedger(rc, 15*time.Minute)
	ctx := context.Background()

	require.NoError(t, ledger.SyncStockFromDB(ctx, 1, 10, 0, 0))

	outcome, err := ledger.ReserveStock(ctx, 100, []models.ReservationItem{{ProductID: 1, Quantity: 4}})
	require.NoError(t, err)
	require.True(t, outcome.OK)

	released, err := ledger.ReleaseReservation(ctx, 100)
	require.NoError(t, err)
	assert.True(t, released)

	status, err := ledger.GetStockStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, status.Available)
	assert.Equal(t, 0, status.Reserved)

	// Releasing again is a no-op.
	released, err = ledger.ReleaseReservation(ctx, 100)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestConfirmSale(t *testing.T) {
	_, rc := newTestRedis(t)
	ledger := NewStockLedger(rc, 15*time.Minute)
	ctx := context.Background()

	require.NoError(t, ledger.SyncStockFromDB(ctx, 1, 10, 0, 0))

	outcome, err := ledger.ReserveStock(ctx, 100, []models.ReservationItem{{ProductID: 1, Quantity: 4}})
	require.NoError(t, err)
	require.True(t, outcome.OK)

	require.NoError(t, ledger.ConfirmSale(ctx, 100))

	status, err := ledger.GetStockStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, status.Available)
	assert.Equal(t, 0, status.Reserved)
	assert.Equal(t, 4, status.Sold)

	// The record is consumed; a second confirm must fail cleanly.
	err = ledger.ConfirmSale(ctx, 100)
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestConfirmSale_AfterRelease(t *testing.T) {
	_, rc := newTestRedis(t)
	ledger := NewStockLedger(rc, 15*time.Minute)
	ctx := context.Background()

	require.NoError(t, ledger.SyncStockFromDB(ctx, 1, 10, 0, 0))

	outcome, err := ledger.ReserveStock(ctx, 100, []models.ReservationItem{{ProductID: 1, Quantity: 4}})
	require.NoError(t, err)
	require.True(t, outcome.OK)

	_, err = ledger.ReleaseReservation(ctx, 100)
	require.NoError(t, err)

	err = ledger.ConfirmSale(ctx, 100)
	assert.ErrorIs(t, err, ErrReservationNotFound)

	status, err := ledger.GetStockStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, status.Available)
	assert.Equal(t, 0, status.Sold)
}

func TestCleanupExpiredReservations(t *testing.T) {
	_, rc := newTestRedis(t)
	ledger := NewStockLedger(rc, time.Second)
	ctx := context.Background()

	require.NoError(t, ledger.SyncStockFromDB(ctx, 1, 10, 0, 0))

	outcome, err := ledger.ReserveStock(ctx, 100, []models.ReservationItem{{ProductID: 1, Quantity: 4}})
	require.NoError(t, err)
	require.True(t, outcome.OK)

	// Not due yet.
	cleaned, err := ledger.CleanupExpiredReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cleaned)

	time.Sleep(1100 * time.Millisecond)

	cleaned, err = ledger.CleanupExpiredReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	status, err := ledger.GetStockStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, status.Available)
	assert.Equal(t, 0, status.Reserved)

	_, found, err := ledger.GetReservation(ctx, 100)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReserveStock_ConservationUnderConcurrency(t *testing.T) {
	_, rc := newTestRedis(t)
	ledger := NewStockLedger(rc, 15*time.Minute)
	ctx := context.Background()

	const total = 10
	const attempts = 25
	require.NoError(t, ledger.SyncStockFromDB(ctx, 1, total, 0, 0))

	var wg sync.WaitGroup
	results := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(orderID int64) {
			defer wg.Done()
			outcome, err := ledger.ReserveStock(ctx, orderID, []models.ReservationItem{{ProductID: 1, Quantity: 1}})
			if err != nil {
				t.Error(err)
				return
			}
			results <- outcome.OK
		}(int64(1000 + i))
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for ok := range results {
		if ok {
			succeeded++
		}
	}
	assert.Equal(t, total, succeeded, fmt.Sprintf("expected exactly %d of %d reservations to win", total, attempts))

	status, err := ledger.GetStockStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Available)
	assert.Equal(t, total, status.Reserved)
	assert.Equal(t, 0, status.Sold)
}
