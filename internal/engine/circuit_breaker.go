package engine

import (
	"sync"
	"time"

	"github.com/urbanpulse/conductor/pkg/schema"
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
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuitBreaker tracks failure state for a single agent kind.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// CircuitBreakerRegistry manages per-agent circuit breakers, keyed by the
// registered agent name ('uses' reference).
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

// AllowRequest checks whether an invocation of the given agent is allowed.
// Returns the circuit state that admitted or rejected the request; a request
// arriving after the cooldown moves the circuit from open to half-open and
// sees the new state. The error is a ConductorError when rejected.
func (r *CircuitBreakerRegistry) AllowRequest(agentName string) (CircuitState, error) {
	cb := r.getOrCreate(agentName)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return CircuitClosed, nil

	case CircuitOpen:
		// Check if cooldown has elapsed.
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first test request
			return CircuitHalfOpen, nil
		}
		return CircuitOpen, schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for agent %q: %d consecutive failures, cooldown remaining",
			agentName, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"agent":                agentName,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return CircuitHalfOpen, schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for agent %q: max test requests reached", agentName)
		}
		cb.halfOpenAttempts++
		return CircuitHalfOpen, nil
	}

	return cb.state, nil
}

// RecordSuccess records a successful invocation for the agent. It reports
// whether the success closed a previously open or half-open circuit.
func (r *CircuitBreakerRegistry) RecordSuccess(agentName string) bool {
	cb := r.getOrCreate(agentName)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	recovered := cb.state != CircuitClosed
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
	return recovered
}

// RecordFailure records a failed invocation for the agent.
// Returns the new circuit state.
func (r *CircuitBreakerRegistry) RecordFailure(agentName string) CircuitState {
	cb := r.getOrCreate(agentName)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		cb.state = CircuitOpen
		return CircuitOpen
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		return CircuitOpen
	}

	return cb.state
}

// GetState returns the current state of the circuit for an agent.
func (r *CircuitBreakerRegistry) GetState(agentName string) CircuitState {
	cb := r.getOrCreate(agentName)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Check for automatic transition from open to half-open.
	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}

	return cb.state
}

// GetStats returns diagnostic information about a circuit breaker.
func (r *CircuitBreakerRegistry) GetStats(agentName string) map[string]any {
	cb := r.getOrCreate(agentName)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"agent":                agentName,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(agentName string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[agentName]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[agentName] = cb
	}
	return cb
}
