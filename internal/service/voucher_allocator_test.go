package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptClaim_DecrementsBothCounters(t *testing.T) {
	_, rc := newTestRedis(t)
	alloc := NewVoucherAllocator(rc, 5)
	ctx := context.Background()

	require.NoError(t, alloc.InitializeVoucherCounters(ctx, 1, 10, 100, 500))

	outcome, err := alloc.AttemptClaim(ctx, 1, 10, 77, 0)
	require.NoError(t, err)
	assert.True(t, outcome.OK)

	tmpl, evt, err := alloc.GetCounters(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 99, tmpl)
	assert.Equal(t, 499, evt)
}

func TestAttemptClaim_RefusalReasons(t *testing.T) {
	_, rc := newTestRedis(t)
	alloc := NewVoucherAllocator(rc, 2)
	ctx := context.Background()

	// Template exhausted wins over every other refusal.
	require.NoError(t, alloc.SyncCountersFromDB(ctx, 1, 10, 0, 500))
	outcome, err := alloc.AttemptClaim(ctx, 1, 10, 77, 0)
	require.NoError(t, err)
	assert.False(t, outcome.OK)
	assert.Equal(t, ClaimReasonTemplateSoldOut, outcome.Reason)

	// Event exhausted is reported next.
	require.NoError(t, alloc.SyncCountersFromDB(ctx, 1, 10, 100, 0))
	outcome, err = alloc.AttemptClaim(ctx, 1, 10, 77, 0)
	require.NoError(t, err)
	assert.False(t, outcome.OK)
	assert.Equal(t, ClaimReasonEventSoldOut, outcome.Reason)

	// Nothing was mutated by the refusals.
	tmpl, evt, err := alloc.GetCounters(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 100, tmpl)
	assert.Equal(t, 0, evt)
}

func TestAttemptClaim_UserLimit(t *testing.T) {
	_, rc := newTestRedis(t)
	alloc := NewVoucherAllocator(rc, 2)
	ctx := context.Background()

	require.NoError(t, alloc.InitializeVoucherCounters(ctx, 1, 10, 100, 500))

	for i := 0; i < 2; i++ {
		outcome, err := alloc.AttemptClaim(ctx, 1, 10, 77, 0)
		require.NoError(t, err)
		require.True(t, outcome.OK)
	}

	outcome, err := alloc.AttemptClaim(ctx, 1, 10, 77, 0)
	require.NoError(t, err)
	assert.False(t, outcome.OK)
	assert.Equal(t, ClaimReasonUserLimitReached, outcome.Reason)

	// Another user is unaffected.
	outcome, err = alloc.AttemptClaim(ctx, 1, 10, 88, 0)
	require.NoError(t, err)
	assert.True(t, outcome.OK)
}

func TestAttemptClaim_TemplateCapOverridesDefault(t *testing.T) {
	_, rc := newTestRedis(t)
	alloc := NewVoucherAllocator(rc, 5)
	ctx := context.Background()

	require.NoError(t, alloc.InitializeVoucherCounters(ctx, 1, 10, 100, 500))

	outcome, err := alloc.AttemptClaim(ctx, 1, 10, 77, 1)
	require.NoError(t, err)
	require.True(t, outcome.OK)

	// The template's own cap of 1 applies instead of the default of 5.
	outcome, err = alloc.AttemptClaim(ctx, 1, 10, 77, 1)
	require.NoError(t, err)
	assert.False(t, outcome.OK)
	assert.Equal(t, ClaimReasonUserLimitReached, outcome.Reason)
}

func TestReleaseClaim_RestoresCounters(t *testing.T) {
	_, rc := newTestRedis(t)
	alloc := NewVoucherAllocator(rc, 2)
	ctx := context.Background()

	require.NoError(t, alloc.InitializeVoucherCounters(ctx, 1, 10, 100, 500))

	outcome, err := alloc.AttemptClaim(ctx, 1, 10, 77, 0)
	require.NoError(t, err)
	require.True(t, outcome.OK)

	require.NoError(t, alloc.ReleaseClaim(ctx, 1, 10, 77))

	tmpl, evt, err := alloc.GetCounters(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 100, tmpl)
	assert.Equal(t, 500, evt)

	// The user budget was given back too.
	for i := 0; i < 2; i++ {
		outcome, err = alloc.AttemptClaim(ctx, 1, 10, 77, 0)
		require.NoError(t, err)
		require.True(t, outcome.OK)
	}
}

func TestInitializeVoucherCounters_DoesNotOverwrite(t *testing.T) {
	_, rc := newTestRedis(t)
	alloc := NewVoucherAllocator(rc, 5)
	ctx := context.Background()

	require.NoError(t, alloc.InitializeVoucherCounters(ctx, 1, 10, 100, 500))

	outcome, err := alloc.AttemptClaim(ctx, 1, 10, 77, 0)
	require.NoError(t, err)
	require.True(t, outcome.OK)

	// A second seed attempt (another instance booting) must not reset
	// the live counters.
	require.NoError(t, alloc.InitializeVoucherCounters(ctx, 1, 10, 100, 500))

	tmpl, evt, err := alloc.GetCounters(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 99, tmpl)
	assert.Equal(t, 499, evt)
}

func TestAttemptClaim_LastVoucherRace(t *testing.T) {
	_, rc := newTestRedis(t)
	alloc := NewVoucherAllocator(rc, 5)
	ctx := context.Background()

	require.NoError(t, alloc.InitializeVoucherCounters(ctx, 1, 10, 1, 500))

	const claimers = 10
	var wg sync.WaitGroup
	results := make(chan bool, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			outcome, err := alloc.AttemptClaim(ctx, 1, 10, userID, 0)
			if err != nil {
				t.Error(err)
				return
			}
			results <- outcome.OK
		}(int64(100 + i))
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for ok := range results {
		if ok {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)

	tmpl, _, err := alloc.GetCounters(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, tmpl)
}

func TestAttemptClaim_UserCounterCarriesTTL(t *testing.T) {
	mr, rc := newTestRedis(t)
	alloc := NewVoucherAllocator(rc, 1)
	ctx := context.Background()

	require.NoError(t, alloc.InitializeVoucherCounters(ctx, 1, 10, 100, 500))

	outcome, err := alloc.AttemptClaim(ctx, 1, 10, 77, 0)
	require.NoError(t, err)
	require.True(t, outcome.OK)

	outcome, err = alloc.AttemptClaim(ctx, 1, 10, 77, 0)
	require.NoError(t, err)
	require.False(t, outcome.OK)
	require.Equal(t, ClaimReasonUserLimitReached, outcome.Reason)

	// The per-user budget window rolls over.
	mr.FastForward(8 * 24 * time.Hour)

	outcome, err = alloc.AttemptClaim(ctx, 1, 10, 77, 0)
	require.NoError(t, err)
	assert.True(t, outcome.OK)
}
