package engine

import (
	"sync"
	"time"

	"github.com/rendis/querypilot/pkg/schema"
)

// Upstream collaborators guarded by a breaker.
const (
	UpstreamOracle       = "oracle"
	UpstreamSchemaSearch = "schema_search"
	UpstreamGateway      = "gateway"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is let through.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe calls allowed while half-open.
	HalfOpenMax int
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultCircuitBreakerConfig returns the configuration used for every
// upstream unless overridden.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per upstream.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a registry with the given config. Zero
// fields fall back to the defaults.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

// AllowRequest returns nil when a call to upstream may proceed, or a
// CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(upstream string) error {
	cb := r.getOrCreate(upstream)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := r.config.Now()
	switch cb.state {
	case CircuitOpen:
		elapsed := now.Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for %s after %d consecutive failures", upstream, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"upstream":             upstream,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for %s: probe already in flight", upstream).
				WithDetails(map[string]any{"upstream": upstream})
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for upstream.
func (r *CircuitBreakerRegistry) RecordSuccess(upstream string) {
	cb := r.getOrCreate(upstream)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure and returns the resulting state. Any
// failure while half-open reopens the circuit.
func (r *CircuitBreakerRegistry) RecordFailure(upstream string) CircuitState {
	cb := r.getOrCreate(upstream)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.config.Now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// GetState returns the state of the circuit for upstream.
func (r *CircuitBreakerRegistry) GetState(upstream string) CircuitState {
	cb := r.getOrCreate(upstream)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.config.Now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// GetStats returns diagnostic information about a breaker.
func (r *CircuitBreakerRegistry) GetStats(upstream string) map[string]any {
	cb := r.getOrCreate(upstream)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"upstream":             upstream,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(upstream string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[upstream]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[upstream] = cb
	}
	return cb
}
