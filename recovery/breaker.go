package recovery

import (
	"sync"
	"time"
)

// BreakerState is the lifecycle state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// ResetTimeout is how long the breaker stays open before permitting a
	// single half-open trial.
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout"`
}

// DefaultBreakerConfig returns the standard breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// CircuitBreaker gates calls to one operation id. It starts closed, opens
// after FailureThreshold consecutive failures, moves to half-open after
// ResetTimeout, and closes again on the first success.
type CircuitBreaker struct {
	config   BreakerConfig
	mutex    sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	now      func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	return &CircuitBreaker{
		config: config,
		state:  BreakerClosed,
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed. An open breaker whose reset
// timeout has elapsed moves to half-open and permits exactly one trial; any
// further calls are denied until the trial's outcome is recorded.
func (b *CircuitBreaker) Allow() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.config.ResetTimeout {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default: // half-open: the single trial is already in flight
		return false
	}
}

// RecordSuccess closes the breaker and resets the failure counter.
func (b *CircuitBreaker) RecordSuccess() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.state = BreakerClosed
	b.failures = 0
}

// RecordFailure increments the consecutive-failure count. A failed half-open
// trial reopens the breaker and restarts the reset timeout.
func (b *CircuitBreaker) RecordFailure() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.config.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.state
}

// IsOpen reports whether the breaker is currently open.
func (b *CircuitBreaker) IsOpen() bool {
	return b.State() == BreakerOpen
}

// BreakerRegistry holds one circuit breaker per operation id. It is shared
// across all sessions; breakers are created on first use and never silently
// reset.
type BreakerRegistry struct {
	config   BreakerConfig
	mutex    sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		config:   config,
		breakers: map[string]*CircuitBreaker{},
	}
}

// Get returns the breaker for an operation id, creating it on first use.
func (r *BreakerRegistry) Get(operationID string) *CircuitBreaker {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	breaker, ok := r.breakers[operationID]
	if !ok {
		breaker = NewCircuitBreaker(r.config)
		r.breakers[operationID] = breaker
	}
	return breaker
}

// IsOpen reports whether the breaker for an operation id is open. An unknown
// operation id has a closed breaker.
func (r *BreakerRegistry) IsOpen(operationID string) bool {
	return r.Get(operationID).IsOpen()
}
