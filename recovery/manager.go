package recovery

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Operation is a fallible unit of work executed under recovery. Run must be
// idempotent-safe so it can be retried.
type Operation struct {
	// ID identifies the operation for circuit breaking. All sessions invoking
	// the same external dependency should share an ID.
	ID string

	// Optional marks the operation as skippable when it fails degradably.
	Optional bool

	// Timeout bounds each individual attempt. Zero means no per-attempt
	// timeout.
	Timeout time.Duration

	// Run performs the work.
	Run func(ctx context.Context, octx *OperationContext) (any, error)
}

// OperationContext carries per-invocation context and accumulates partial
// results across attempts. Partials survive failure so callers can preserve
// them at the nearest checkpoint.
type OperationContext struct {
	SessionID string
	Stage     string
	Inputs    map[string]any

	mutex    sync.Mutex
	partials map[string]any
}

// NewOperationContext creates an operation context.
func NewOperationContext(sessionID, stage string, inputs map[string]any) *OperationContext {
	return &OperationContext{
		SessionID: sessionID,
		Stage:     stage,
		Inputs:    inputs,
		partials:  map[string]any{},
	}
}

// SetPartial records an intermediate result that should survive a failure.
func (c *OperationContext) SetPartial(key string, value any) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.partials[key] = value
}

// Partials returns a copy of the accumulated partial results.
func (c *OperationContext) Partials() map[string]any {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	copied := make(map[string]any, len(c.partials))
	for k, v := range c.partials {
		copied[k] = v
	}
	return copied
}

// Result is the final outcome of an operation executed under recovery. Either
// Output is set and Err is nil, or Err carries the classified failure along
// with the chosen recovery action and any partial results.
type Result struct {
	Output   any
	Err      *Error
	Action   Action
	Attempts int
	Record   *ErrorRecord
	Partials map[string]any
}

// Success reports whether the operation ultimately succeeded.
func (r *Result) Success() bool {
	return r.Err == nil
}

// ManagerOptions configures a recovery Manager.
type ManagerOptions struct {
	Breakers *BreakerRegistry
	Policies map[Kind]RetryPolicy
	Logger   *slog.Logger
}

// Manager wraps fallible operations with classification, retry, and circuit
// breaking. It is safe for concurrent use across sessions.
type Manager struct {
	breakers *BreakerRegistry
	policies map[Kind]RetryPolicy
	logger   *slog.Logger
}

// NewManager creates a recovery manager. A nil breaker registry gets a fresh
// one with default configuration; missing policies default to the standard
// taxonomy table.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Breakers == nil {
		opts.Breakers = NewBreakerRegistry(DefaultBreakerConfig())
	}
	if opts.Policies == nil {
		opts.Policies = DefaultPolicies()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		breakers: opts.Breakers,
		policies: opts.Policies,
		logger:   opts.Logger,
	}
}

// Breakers returns the shared circuit breaker registry.
func (m *Manager) Breakers() *BreakerRegistry {
	return m.breakers
}

// Execute runs the operation under the recovery contract: check the circuit
// breaker, attempt, classify failures, retry per policy, and finally settle
// on a recovery action. The returned result always includes any partial
// results accumulated up to the failure point.
func (m *Manager) Execute(ctx context.Context, op Operation, octx *OperationContext) *Result {
	breaker := m.breakers.Get(op.ID)
	attempts := 0

	for {
		if !breaker.Allow() {
			return m.shortCircuit(op, octx, attempts)
		}

		output, err := m.attempt(ctx, op, octx)
		attempts++
		if err == nil {
			breaker.RecordSuccess()
			return &Result{
				Output:   output,
				Attempts: attempts,
				Partials: octx.Partials(),
			}
		}
		breaker.RecordFailure()

		classified := Classify(err)
		policy := m.policies[classified.Kind]
		retriesSoFar := attempts - 1

		if retriesSoFar < policy.MaxRetries && ctx.Err() == nil {
			delay := policy.Delay(retriesSoFar)
			m.logger.Warn("operation failed, retrying",
				"operation_id", op.ID,
				"kind", classified.Kind,
				"attempt", attempts,
				"delay", delay,
				"error", classified.Cause)
			if !m.wait(ctx, delay) {
				classified = WrapError(KindFatal, ctx.Err())
			} else {
				continue
			}
		}

		action := TerminalAction(classified.Kind, op.Optional)
		record := &ErrorRecord{
			OperationID: op.ID,
			Kind:        classified.Kind,
			Attempts:    attempts,
			Action:      action,
			Cause:       classified.Cause,
			Timestamp:   time.Now(),
		}
		m.logger.Error("operation failed",
			"operation_id", op.ID,
			"kind", classified.Kind,
			"attempts", attempts,
			"action", action,
			"error", classified.Cause)
		return &Result{
			Err:      classified,
			Action:   action,
			Attempts: attempts,
			Record:   record,
			Partials: octx.Partials(),
		}
	}
}

// attempt runs one attempt with the configured per-attempt timeout.
func (m *Manager) attempt(ctx context.Context, op Operation, octx *OperationContext) (any, error) {
	if op.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, op.Timeout)
		defer cancel()
	}
	return op.Run(ctx, octx)
}

// wait sleeps for the delay, returning false if the context was canceled
// first.
func (m *Manager) wait(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// shortCircuit builds the result returned when the breaker denies the call.
// The operation is never invoked.
func (m *Manager) shortCircuit(op Operation, octx *OperationContext, attempts int) *Result {
	err := NewError(KindTransient, "circuit breaker open for operation "+op.ID)
	record := &ErrorRecord{
		OperationID: op.ID,
		Kind:        KindTransient,
		Attempts:    attempts,
		Action:      ActionCircuitBreakerOpen,
		Cause:       err.Cause,
		Timestamp:   time.Now(),
	}
	m.logger.Warn("circuit breaker open, short-circuiting", "operation_id", op.ID)
	return &Result{
		Err:      err,
		Action:   ActionCircuitBreakerOpen,
		Attempts: attempts,
		Record:   record,
		Partials: octx.Partials(),
	}
}
