package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/querypilot/internal/oracle"
	"github.com/rendis/querypilot/pkg/schema"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testBreakers(clock *fakeClock, threshold int) *CircuitBreakerRegistry {
	return NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         10 * time.Second,
		HalfOpenMax:      1,
		Now:              clock.Now,
	})
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	assert.NoError(t, cbr.AllowRequest(UpstreamOracle))
	assert.Equal(t, CircuitClosed, cbr.GetState(UpstreamOracle))
}

func TestCircuitBreaker_ZeroConfigUsesDefaults(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{})
	stats := cbr.GetStats(UpstreamGateway)
	assert.Equal(t, 5, stats["failure_threshold"])
	assert.Equal(t, "30s", stats["cooldown"])
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	cbr := testBreakers(clock, 3)

	cbr.RecordFailure(UpstreamOracle)
	cbr.RecordFailure(UpstreamOracle)
	assert.Equal(t, CircuitClosed, cbr.GetState(UpstreamOracle))

	assert.Equal(t, CircuitOpen, cbr.RecordFailure(UpstreamOracle))

	err := cbr.AllowRequest(UpstreamOracle)
	require.Error(t, err)
	var pe *schema.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeCircuitOpen, pe.Code)
	assert.Equal(t, UpstreamOracle, pe.Details["upstream"])
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	clock := newFakeClock()
	cbr := testBreakers(clock, 3)

	cbr.RecordFailure(UpstreamGateway)
	cbr.RecordFailure(UpstreamGateway)
	cbr.RecordSuccess(UpstreamGateway)
	cbr.RecordFailure(UpstreamGateway)
	cbr.RecordFailure(UpstreamGateway)
	assert.Equal(t, CircuitClosed, cbr.GetState(UpstreamGateway))
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := newFakeClock()
	cbr := testBreakers(clock, 2)

	cbr.RecordFailure(UpstreamSchemaSearch)
	cbr.RecordFailure(UpstreamSchemaSearch)
	require.Error(t, cbr.AllowRequest(UpstreamSchemaSearch))

	clock.Advance(10 * time.Second)
	require.NoError(t, cbr.AllowRequest(UpstreamSchemaSearch), "first probe after cooldown")
	assert.Equal(t, CircuitHalfOpen, cbr.GetState(UpstreamSchemaSearch))
	require.Error(t, cbr.AllowRequest(UpstreamSchemaSearch), "second probe while half-open")

	cbr.RecordSuccess(UpstreamSchemaSearch)
	assert.Equal(t, CircuitClosed, cbr.GetState(UpstreamSchemaSearch))
	assert.NoError(t, cbr.AllowRequest(UpstreamSchemaSearch))
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cbr := testBreakers(clock, 2)

	cbr.RecordFailure(UpstreamOracle)
	cbr.RecordFailure(UpstreamOracle)
	clock.Advance(11 * time.Second)
	require.NoError(t, cbr.AllowRequest(UpstreamOracle))

	assert.Equal(t, CircuitOpen, cbr.RecordFailure(UpstreamOracle))
	assert.Error(t, cbr.AllowRequest(UpstreamOracle))
}

func TestCircuitBreaker_PerUpstreamIsolation(t *testing.T) {
	clock := newFakeClock()
	cbr := testBreakers(clock, 1)

	cbr.RecordFailure(UpstreamOracle)
	assert.Equal(t, CircuitOpen, cbr.GetState(UpstreamOracle))
	assert.Equal(t, CircuitClosed, cbr.GetState(UpstreamGateway))
	assert.NoError(t, cbr.AllowRequest(UpstreamGateway))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(42).String())
}

func TestGuardedOracle(t *testing.T) {
	clock := newFakeClock()
	cbr := testBreakers(clock, 2)
	calls := 0
	down := oracle.Func(func(context.Context, oracle.Request) (oracle.Response, error) {
		calls++
		return oracle.Response{}, oracle.Unavailable("dsl", errors.New("connection refused"))
	})
	g := &guardedOracle{next: down, breakers: cbr}
	ctx := context.Background()

	for range 2 {
		_, err := g.Complete(ctx, oracle.Request{Task: "dsl"})
		require.Error(t, err)
	}
	_, err := g.Complete(ctx, oracle.Request{Task: "dsl"})
	require.Error(t, err)
	assert.Equal(t, 2, calls, "open circuit must not reach the oracle")

	var pe *schema.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeUpstreamUnavailable, pe.Code)
	assert.True(t, pe.IsTerminal())
	assert.True(t, schema.HasCode(pe.Cause, schema.ErrCodeCircuitOpen))
}

func TestGuardedOracle_BadAnswersDoNotTrip(t *testing.T) {
	clock := newFakeClock()
	cbr := testBreakers(clock, 1)
	sloppy := oracle.Func(func(context.Context, oracle.Request) (oracle.Response, error) {
		return oracle.Response{Text: "nope"}, schema.NewError(schema.ErrCodeValidation, "answer contains no JSON document")
	})
	g := &guardedOracle{next: sloppy, breakers: cbr}

	for range 3 {
		_, err := g.Complete(context.Background(), oracle.Request{})
		require.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	}
	assert.Equal(t, CircuitClosed, cbr.GetState(UpstreamOracle))
}

func TestGuardedGateway_ExecutionErrorsDoNotTrip(t *testing.T) {
	clock := newFakeClock()
	cbr := testBreakers(clock, 1)
	gw := &fakeGateway{err: schema.NewError(schema.ErrCodeExecution, `column "totl" does not exist`)}
	g := &guardedGateway{next: gw, breakers: cbr}

	_, err := g.RunSQL(context.Background(), "SELECT totl FROM orders")
	require.Error(t, err)
	assert.Equal(t, CircuitClosed, cbr.GetState(UpstreamGateway))

	gw.err = schema.NewError(schema.ErrCodeUpstreamUnavailable, "database unreachable")
	_, err = g.RunSQL(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, cbr.GetState(UpstreamGateway))

	_, err = g.RunSQL(context.Background(), "SELECT 1")
	var pe *schema.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.StepExecuteSQL, pe.Step)
	assert.Equal(t, 2, gw.Calls())
}

func TestGuardedSearch_CountsAnyFailure(t *testing.T) {
	clock := newFakeClock()
	cbr := testBreakers(clock, 2)
	g := &guardedSearch{next: &fakeSearch{err: errors.New("catalog unreadable")}, breakers: cbr}

	_, err := g.FindRelevantTables(context.Background(), "q", 3)
	require.Error(t, err)
	_, err = g.FullMetadata(context.Background())
	require.Error(t, err)

	_, err = g.Glossary(context.Background())
	assert.True(t, schema.HasCode(err, schema.ErrCodeUpstreamUnavailable))
}

func TestGuards_CancellationIsNotAnOutage(t *testing.T) {
	clock := newFakeClock()
	cbr := testBreakers(clock, 1)
	g := &guardedSearch{next: &fakeSearch{err: context.Canceled}, breakers: cbr}

	_, _ = g.FullMetadata(context.Background())
	assert.Equal(t, CircuitClosed, cbr.GetState(UpstreamSchemaSearch))
}
