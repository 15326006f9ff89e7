package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryStartPaymentSession_AdmitsUpToLimit(t *testing.T) {
	_, rc := newTestRedis(t)
	queue := NewPaymentQueue(rc, 2, 15*time.Minute)
	ctx := context.Background()

	res, err := queue.TryStartPaymentSession(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, res.CanStart)

	res, err = queue.TryStartPaymentSession(ctx, 2, 20)
	require.NoError(t, err)
	assert.True(t, res.CanStart)

	res, err = queue.TryStartPaymentSession(ctx, 3, 30)
	require.NoError(t, err)
	assert.False(t, res.CanStart)
	assert.Equal(t, 1, res.Position)

	res, err = queue.TryStartPaymentSession(ctx, 4, 40)
	require.NoError(t, err)
	assert.False(t, res.CanStart)
	assert.Equal(t, 2, res.Position)
}

func TestTryStartPaymentSession_IdempotentReentry(t *testing.T) {
	_, rc := newTestRedis(t)
	queue := NewPaymentQueue(rc, 1, 15*time.Minute)
	ctx := context.Background()

	res, err := queue.TryStartPaymentSession(ctx, 1, 10)
	require.NoError(t, err)
	require.True(t, res.CanStart)

	// Re-entry of the active holder stays admitted without burning a slot.
	res, err = queue.TryStartPaymentSession(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, res.CanStart)

	res, err = queue.TryStartPaymentSession(ctx, 2, 20)
	require.NoError(t, err)
	require.False(t, res.CanStart)
	require.Equal(t, 1, res.Position)

	// Re-entry of a waiter reports its existing position, not a new one.
	res, err = queue.TryStartPaymentSession(ctx, 2, 20)
	require.NoError(t, err)
	assert.False(t, res.CanStart)
	assert.Equal(t, 1, res.Position)
}

func TestCompletePaymentSession_FIFOHandOff(t *testing.T) {
	_, rc := newTestRedis(t)
	queue := NewPaymentQueue(rc, 1, 15*time.Minute)
	ctx := context.Background()

	res, err := queue.TryStartPaymentSession(ctx, 1, 10)
	require.NoError(t, err)
	require.True(t, res.CanStart)

	for i, orderID := range []int64{2, 3} {
		res, err = queue.TryStartPaymentSession(ctx, orderID, orderID*10)
		require.NoError(t, err)
		require.False(t, res.CanStart)
		require.Equal(t, i+1, res.Position)
	}

	next, hasNext, err := queue.CompletePaymentSession(ctx, 1)
	require.NoError(t, err)
	require.True(t, hasNext)
	assert.Equal(t, int64(2), next)

	// The popped waiter now wins the freed slot.
	res, err = queue.TryStartPaymentSession(ctx, next, 20)
	require.NoError(t, err)
	assert.True(t, res.CanStart)

	next, hasNext, err = queue.CompletePaymentSession(ctx, 2)
	require.NoError(t, err)
	require.True(t, hasNext)
	assert.Equal(t, int64(3), next)

	_, hasNext, err = queue.CompletePaymentSession(ctx, 3)
	require.NoError(t, err)
	assert.False(t, hasNext)
}

func TestGetWaitingPosition(t *testing.T) {
	_, rc := newTestRedis(t)
	queue := NewPaymentQueue(rc, 1, 15*time.Minute)
	ctx := context.Background()

	_, err := queue.TryStartPaymentSession(ctx, 1, 10)
	require.NoError(t, err)
	_, err = queue.TryStartPaymentSession(ctx, 2, 20)
	require.NoError(t, err)

	state, pos, err := queue.GetWaitingPosition(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, QueueStateActive, state)
	assert.Equal(t, 0, pos)

	state, pos, err = queue.GetWaitingPosition(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, QueueStateWaiting, state)
	assert.Equal(t, 1, pos)

	state, _, err = queue.GetWaitingPosition(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, QueueStateNotFound, state)
}

func TestRemoveFromWaitingQueue(t *testing.T) {
	_, rc := newTestRedis(t)
	queue := NewPaymentQueue(rc, 1, 15*time.Minute)
	ctx := context.Background()

	_, err := queue.TryStartPaymentSession(ctx, 1, 10)
	require.NoError(t, err)
	_, err = queue.TryStartPaymentSession(ctx, 2, 20)
	require.NoError(t, err)
	_, err = queue.TryStartPaymentSession(ctx, 3, 30)
	require.NoError(t, err)

	removed, err := queue.RemoveFromWaitingQueue(ctx, 2)
	require.NoError(t, err)
	assert.True(t, removed)

	state, pos, err := queue.GetWaitingPosition(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, QueueStateWaiting, state)
	assert.Equal(t, 1, pos)

	removed, err = queue.RemoveFromWaitingQueue(ctx, 2)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestCleanupExpiredSessions(t *testing.T) {
	mr, rc := newTestRedis(t)
	queue := NewPaymentQueue(rc, 2, time.Minute)
	ctx := context.Background()

	_, err := queue.TryStartPaymentSession(ctx, 1, 10)
	require.NoError(t, err)
	_, err = queue.TryStartPaymentSession(ctx, 2, 20)
	require.NoError(t, err)

	expired, err := queue.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	mr.FastForward(2 * time.Minute)

	expired, err = queue.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, expired)

	// Both slots are free again.
	res, err := queue.TryStartPaymentSession(ctx, 3, 30)
	require.NoError(t, err)
	assert.True(t, res.CanStart)
}

func TestTryStartPaymentSession_StaleHolderReadmitted(t *testing.T) {
	mr, rc := newTestRedis(t)
	queue := NewPaymentQueue(rc, 1, time.Minute)
	ctx := context.Background()

	res, err := queue.TryStartPaymentSession(ctx, 1, 10)
	require.NoError(t, err)
	require.True(t, res.CanStart)

	mr.FastForward(2 * time.Minute)

	// The session hash lapsed; re-entry mints a fresh session instead of
	// trusting the stale active-set membership.
	res, err = queue.TryStartPaymentSession(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, res.CanStart)

	active, err := queue.HasActiveSession(ctx, 1)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestClearPaymentQueue(t *testing.T) {
	_, rc := newTestRedis(t)
	queue := NewPaymentQueue(rc, 1, 15*time.Minute)
	ctx := context.Background()

	_, err := queue.TryStartPaymentSession(ctx, 1, 10)
	require.NoError(t, err)
	_, err = queue.TryStartPaymentSession(ctx, 2, 20)
	require.NoError(t, err)
	_, err = queue.TryStartPaymentSession(ctx, 3, 30)
	require.NoError(t, err)

	sessions, waiting, err := queue.ClearPaymentQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sessions)
	assert.Equal(t, 2, waiting)

	state, _, err := queue.GetWaitingPosition(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, QueueStateNotFound, state)
}

func TestPaymentQueue_BoundedConcurrency(t *testing.T) {
	_, rc := newTestRedis(t)
	const maxConcurrent = 3
	const attempts = 20
	queue := NewPaymentQueue(rc, maxConcurrent, 15*time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	admitted := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(orderID int64) {
			defer wg.Done()
			res, err := queue.TryStartPaymentSession(ctx, orderID, orderID)
			if err != nil {
				t.Error(err)
				return
			}
			admitted <- res.CanStart
		}(int64(100 + i))
	}
	wg.Wait()
	close(admitted)

	count := 0
	for ok := range admitted {
		if ok {
			count++
		}
	}
	assert.Equal(t, maxConcurrent, count)
}
