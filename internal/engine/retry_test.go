package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/querypilot/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"store error", schema.NewError(schema.ErrCodeStore, "disk full"), true},
		{"timeout", schema.NewError(schema.ErrCodeTimeout, "slow"), true},
		{"cas conflict", schema.NewError(schema.ErrCodeConflict, "stale version"), false},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad snapshot"), false},
		{"wrapped store error", fmt.Errorf("put: %w", schema.NewError(schema.ErrCodeStore, "x")), true},
		{"database locked", errors.New("database is locked"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"plain", errors.New("something else"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	base := RetryPolicy{Delay: 10 * time.Millisecond}

	tests := []struct {
		name    string
		backoff string
		max     time.Duration
		attempt int
		want    time.Duration
	}{
		{"constant", BackoffConstant, 0, 3, 10 * time.Millisecond},
		{"linear", BackoffLinear, 0, 2, 30 * time.Millisecond},
		{"exponential first", BackoffExponential, 0, 0, 10 * time.Millisecond},
		{"exponential third", BackoffExponential, 0, 2, 40 * time.Millisecond},
		{"capped", BackoffExponential, 25 * time.Millisecond, 4, 25 * time.Millisecond},
		{"unknown strategy", "fibonacci", 0, 5, 10 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			p.Backoff = tt.backoff
			p.MaxDelay = tt.max
			assert.Equal(t, tt.want, ComputeBackoff(p, tt.attempt))
		})
	}

	assert.Zero(t, ComputeBackoff(RetryPolicy{}, 3))
	assert.Equal(t, time.Second, ComputeBackoff(DefaultPersistRetry(), 30), "huge attempts stay capped")
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), -time.Second))

	start := time.Now()
	require.NoError(t, WaitForBackoff(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
}

func TestWithRetry(t *testing.T) {
	fast := RetryPolicy{Attempts: 3, Delay: time.Millisecond, Backoff: BackoffConstant}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := withRetry(context.Background(), fast, func(context.Context) error {
			calls++
			if calls < 3 {
				return schema.NewError(schema.ErrCodeStore, "database is locked")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after the attempts", func(t *testing.T) {
		calls := 0
		err := withRetry(context.Background(), fast, func(context.Context) error {
			calls++
			return schema.NewError(schema.ErrCodeStore, "disk full")
		})
		assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
		assert.Equal(t, 3, calls)
	})

	t.Run("never retries a conflict", func(t *testing.T) {
		calls := 0
		err := withRetry(context.Background(), fast, func(context.Context) error {
			calls++
			return schema.NewError(schema.ErrCodeConflict, "stale")
		})
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
		assert.Equal(t, 1, calls)
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		calls := 0
		_ = withRetry(context.Background(), RetryPolicy{}, func(context.Context) error {
			calls++
			return nil
		})
		assert.Equal(t, 1, calls)
	})
}
