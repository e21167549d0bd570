package designflow

import (
	"context"

	"github.com/deepnoodle-ai/designflow/recovery"
)

// StageContext carries the session context a stage executor runs against.
// Inputs holds the session's accumulated results; partial results recorded
// through SetPartial survive a failed attempt.
type StageContext struct {
	SessionID string
	Stage     Stage
	Inputs    map[string]any

	op *recovery.OperationContext
}

// NewStageContext builds a standalone stage context, for exercising
// executors outside an orchestrator.
func NewStageContext(sessionID string, stage Stage, inputs map[string]any) *StageContext {
	return &StageContext{
		SessionID: sessionID,
		Stage:     stage,
		Inputs:    inputs,
		op:        recovery.NewOperationContext(sessionID, string(stage), inputs),
	}
}

// SetPartial records an intermediate result that should be preserved at the
// nearest checkpoint even if the stage ultimately fails.
func (c *StageContext) SetPartial(key string, value any) {
	c.op.SetPartial(key, value)
}

// Partials returns the partial results recorded so far.
func (c *StageContext) Partials() map[string]any {
	return c.op.Partials()
}

// StageResult is the successful output of a stage executor.
type StageResult struct {
	// Outputs are merged into the session's results.
	Outputs map[string]any
}

// StageExecutor performs the actual work of one pipeline stage. Executors are
// supplied by the surrounding system and must be idempotent-safe to retry.
// Multiple executors may be registered for the same stage; they run as
// parallel tasks whose completions are serialized back into a single
// transition.
type StageExecutor interface {
	// Name identifies the executor within its stage and forms part of its
	// circuit breaker key.
	Name() string

	// Stage is the pipeline stage this executor serves.
	Stage() Stage

	// Optional marks the executor as skippable: a degradable failure results
	// in skip_and_continue instead of failing the stage.
	Optional() bool

	// Execute performs the stage work.
	Execute(ctx context.Context, sc *StageContext) (*StageResult, error)
}

// ExecutorFunc adapts a function to the StageExecutor interface.
type ExecutorFunc struct {
	name     string
	stage    Stage
	optional bool
	fn       func(ctx context.Context, sc *StageContext) (*StageResult, error)
}

// NewExecutorFunc creates a required executor from a function.
func NewExecutorFunc(stage Stage, name string, fn func(ctx context.Context, sc *StageContext) (*StageResult, error)) *ExecutorFunc {
	return &ExecutorFunc{name: name, stage: stage, fn: fn}
}

// NewOptionalExecutorFunc creates an optional executor from a function.
func NewOptionalExecutorFunc(stage Stage, name string, fn func(ctx context.Context, sc *StageContext) (*StageResult, error)) *ExecutorFunc {
	return &ExecutorFunc{name: name, stage: stage, optional: true, fn: fn}
}

func (e *ExecutorFunc) Name() string { return e.name }

func (e *ExecutorFunc) Stage() Stage { return e.stage }

func (e *ExecutorFunc) Optional() bool { return e.optional }

func (e *ExecutorFunc) Execute(ctx context.Context, sc *StageContext) (*StageResult, error) {
	return e.fn(ctx, sc)
}
