package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/querypilot/pkg/schema"
)

func TestTurnPool_RunsWork(t *testing.T) {
	pool := NewTurnPool(2, nil)
	defer pool.Shutdown()

	var ran atomic.Int64
	require.NoError(t, pool.Submit(context.Background(), "t-1", func(context.Context) error {
		ran.Add(1)
		return nil
	}))
	pool.Wait()

	assert.Equal(t, int64(1), ran.Load())
	assert.Equal(t, int64(1), pool.Metrics().Completed)
}

func TestTurnPool_ConcurrencyLimit(t *testing.T) {
	const size = 3
	pool := NewTurnPool(size, nil)
	defer pool.Shutdown()

	var current, peak atomic.Int64
	for range 10 {
		require.NoError(t, pool.Submit(context.Background(), "t", func(context.Context) error {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(size))
	assert.Equal(t, int64(10), pool.Metrics().Completed)
}

func TestTurnPool_SubmitHonorsContextWhenFull(t *testing.T) {
	pool := NewTurnPool(1, nil)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "t-1", func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, "t-2", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
}

func TestTurnPool_PanicRecovery(t *testing.T) {
	var (
		mu      sync.Mutex
		panicky string
	)
	pool := NewTurnPool(1, func(threadID string, _ any) {
		mu.Lock()
		panicky = threadID
		mu.Unlock()
	})
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), "t-bad", func(context.Context) error {
		panic("boom")
	}))
	pool.Wait()

	require.NoError(t, pool.Submit(context.Background(), "t-good", func(context.Context) error { return nil }))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(1), m.Completed)
	mu.Lock()
	assert.Equal(t, "t-bad", panicky)
	mu.Unlock()
}

func TestTurnPool_FailedWork(t *testing.T) {
	pool := NewTurnPool(1, nil)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), "t-1", func(context.Context) error {
		return errors.New("turn failed")
	}))
	pool.Wait()
	assert.Equal(t, int64(1), pool.Metrics().Failed)
}

func TestTurnPool_Shutdown(t *testing.T) {
	pool := NewTurnPool(2, nil)

	var done atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), "t-1", func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
		return nil
	}))

	pool.Shutdown()
	assert.True(t, done.Load(), "shutdown waits for running turns")

	err := pool.Submit(context.Background(), "t-2", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)

	pool.Shutdown()
}

func TestThreadLocks_SerializePerThread(t *testing.T) {
	locks := newThreadLocks()
	ctx := context.Background()

	unlock, err := locks.Lock(ctx, "t-1")
	require.NoError(t, err)

	other, err := locks.Lock(ctx, "t-2")
	require.NoError(t, err, "different threads do not block each other")
	other()

	acquired := make(chan struct{})
	go func() {
		u, err := locks.Lock(ctx, "t-1")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second turn on the same thread must wait")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}

	assert.Eventually(t, func() bool { return locks.size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestThreadLocks_WaitHonorsContext(t *testing.T) {
	locks := newThreadLocks()
	unlock, err := locks.Lock(context.Background(), "t-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "t-1")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))
	assert.Equal(t, 1, locks.size())
}
