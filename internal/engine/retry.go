package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/querypilot/pkg/schema"
)

// Backoff strategies.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy bounds retries of infrastructure calls (checkpoint writes).
// Pipeline retries are budgeted in the conversation state instead.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Backoff  string
}

// DefaultPersistRetry is the policy for checkpoint writes.
func DefaultPersistRetry() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 50 * time.Millisecond, MaxDelay: time.Second, Backoff: BackoffExponential}
}

// IsRetryableError classifies whether an infrastructure error is worth
// another attempt. CAS conflicts are never retried: the snapshot is stale.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pe *schema.PipelineError
	if errors.As(err, &pe) {
		switch pe.Code {
		case schema.ErrCodeStore, schema.ErrCodeTimeout, schema.ErrCodeUpstreamUnavailable:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"database is locked",
		"i/o timeout",
		"temporary failure",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case BackoffExponential:
		delay = policy.Delay << min(attempt, 20)
	case BackoffLinear:
		delay = policy.Delay * time.Duration(attempt+1)
	default:
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with the context error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withRetry runs fn until it succeeds, fails with a non-retryable error or
// the attempts run out. The last error is returned.
func withRetry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := max(policy.Attempts, 1)
	var err error
	for attempt := range attempts {
		if err = fn(ctx); err == nil || !IsRetryableError(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		if werr := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); werr != nil {
			return err
		}
	}
	return err
}
