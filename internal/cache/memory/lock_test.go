package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

func TestLockManager_ExclusiveUntilUnlock(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()

	held, err := lm.Acquire(ctx, "exec:identity:0xabc", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "exec:identity:0xabc", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	held.Release()
	held.Release()

	again, err := lm.Acquire(ctx, "exec:identity:0xabc", time.Minute)
	require.NoError(t, err)
	again.Release()
}

func TestLockManager_ExpiredHolderIsReplaced(t *testing.T) {
	lm := NewLockManager()
	now := time.Now()
	lm.nowFn = func() time.Time { return now }

	stale, err := lm.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = lm.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	// The stale holder must not release its successor.
	stale.Release()
	assert.True(t, lm.Held("k"))
	assert.ErrorIs(t, stale.Extend(context.Background(), time.Second), domain.ErrLockLost)
}

func TestLockManager_ExtendKeepsHolder(t *testing.T) {
	lm := NewLockManager()
	now := time.Now()
	lm.nowFn = func() time.Time { return now }

	held, err := lm.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		now = now.Add(700 * time.Millisecond)
		require.NoError(t, held.Extend(context.Background(), time.Second))
	}
	_, err = lm.Acquire(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld, "renewed well past the original ttl")

	now = now.Add(2 * time.Second)
	assert.ErrorIs(t, held.Extend(context.Background(), time.Second), domain.ErrLockLost)
}

func TestLockManager_CleanupDropsExpired(t *testing.T) {
	lm := NewLockManager()
	now := time.Now()
	lm.nowFn = func() time.Time { return now }

	_, err := lm.Acquire(context.Background(), "short", time.Second)
	require.NoError(t, err)
	_, err = lm.Acquire(context.Background(), "forever", 0)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	lm.Cleanup()
	assert.Equal(t, 1, lm.Len())
}

func TestLockManager_ConcurrentAcquireSingleWinner(t *testing.T) {
	lm := NewLockManager()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := lm.Acquire(context.Background(), "claim:opp", time.Minute); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}
