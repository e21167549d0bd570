package recovery

import (
	"math"
	"math/rand"
	"time"
)

// JitterStrategy defines the jitter applied to retry delays.
type JitterStrategy string

const (
	JitterNone JitterStrategy = "NONE"
	JitterFull JitterStrategy = "FULL"
)

// RetryPolicy configures retry behavior for one error kind.
type RetryPolicy struct {
	MaxRetries  int            `json:"max_retries" yaml:"max_retries"`
	BaseDelay   time.Duration  `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay    time.Duration  `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	BackoffRate float64        `json:"backoff_rate,omitempty" yaml:"backoff_rate,omitempty"`
	Jitter      JitterStrategy `json:"jitter_strategy,omitempty" yaml:"jitter_strategy,omitempty"`
}

// Delay returns the wait before the given retry (0-based). A backoff rate of
// 1.0 gives linear spacing at BaseDelay; higher rates give exponential growth
// capped at MaxDelay.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	rate := p.BackoffRate
	if rate <= 0 {
		rate = 1.0
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(rate, float64(retry)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter == JitterFull && delay > 0 {
		delay = time.Duration(rand.Int63n(int64(delay)) + 1)
	}
	return delay
}

// DefaultPolicies returns the retry contract for the four error kinds:
// transient errors back off exponentially up to five retries, degradable
// errors get two short linear retries, and validation and fatal errors are
// never retried.
func DefaultPolicies() map[Kind]RetryPolicy {
	return map[Kind]RetryPolicy{
		KindTransient: {
			MaxRetries:  5,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			BackoffRate: 2.0,
			Jitter:      JitterNone,
		},
		KindValidation: {
			MaxRetries: 0,
		},
		KindDegradable: {
			MaxRetries:  2,
			BaseDelay:   500 * time.Millisecond,
			BackoffRate: 1.0,
			Jitter:      JitterNone,
		},
		KindFatal: {
			MaxRetries: 0,
		},
	}
}

// TerminalAction maps an error kind to its terminal recovery action. Optional
// marks the failed operation as skippable, which matters only for degradable
// failures.
func TerminalAction(kind Kind, optional bool) Action {
	switch kind {
	case KindTransient:
		return ActionManualRetry
	case KindValidation:
		return ActionUserInputRequired
	case KindDegradable:
		if optional {
			return ActionSkipAndContinue
		}
		return ActionDegradeAndContinue
	default:
		return ActionAbortWithPartial
	}
}
