package designflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepnoodle-ai/designflow/decision"
	"github.com/deepnoodle-ai/designflow/recovery"
)

var (
	// ErrSessionBusy is returned when a second concurrent Execute is attempted
	// on a session that is already being driven.
	ErrSessionBusy = errors.New("session busy: an execution is already in progress")

	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotPaused is returned when Resume is called on a session that is not
	// paused.
	ErrNotPaused = errors.New("session is not paused")
)

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	// Executors perform the stage work. Multiple executors registered for the
	// same stage run as parallel tasks.
	Executors []StageExecutor

	// Decisions resolves branch points. When nil, an engine with the default
	// routing rules and no oracle is created.
	Decisions *decision.Engine

	// Recovery wraps all executor invocations. Defaults to a fresh manager.
	Recovery *recovery.Manager

	// Checkpoints persists milestone snapshots. Defaults to an in-memory
	// manager sharing the orchestrator's state store.
	Checkpoints *CheckpointManager

	// Broadcaster fans out session events. Defaults to a fresh broadcaster.
	Broadcaster *Broadcaster

	// Store persists session state. Defaults to an in-memory store.
	Store StateStore

	// DecisionPoints overrides the built-in branch point table.
	DecisionPoints map[Stage]DecisionPoint

	// StageTimeouts overrides per-stage timeouts.
	StageTimeouts map[Stage]time.Duration

	// DefaultStageTimeout bounds stages without an explicit timeout.
	// Defaults to 5 minutes.
	DefaultStageTimeout time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

// Orchestrator is the top-level driver of the design pipeline: it sequences
// stages, consults the decision engine at branch points, executes stage work
// through the recovery manager, checkpoints at milestones, and emits events
// through the broadcaster.
type Orchestrator struct {
	executors      map[Stage][]StageExecutor
	decisions      *decision.Engine
	recovery       *recovery.Manager
	checkpoints    *CheckpointManager
	broadcaster    *Broadcaster
	store          StateStore
	decisionPoints map[Stage]DecisionPoint
	stageTimeouts  map[Stage]time.Duration
	defaultTimeout time.Duration
	logger         *slog.Logger
	metrics        *Metrics

	mutex    sync.Mutex
	sessions map[string]*sessionHandle
}

// sessionHandle tracks runtime control state for one session. The execution
// lock serializes transitions, checkpointing, and pause/resume/abort; the
// executing flag rejects a second concurrent Execute.
type sessionHandle struct {
	session   *Session
	execLock  sync.Mutex
	executing atomic.Bool

	pauseRequested atomic.Bool
	abortRequested atomic.Bool

	controlMutex sync.Mutex
	abortReason  string
	cancelStage  context.CancelFunc
}

func (h *sessionHandle) setAbort(reason string) {
	h.controlMutex.Lock()
	h.abortReason = reason
	h.controlMutex.Unlock()
	h.abortRequested.Store(true)
}

func (h *sessionHandle) getAbortReason() string {
	h.controlMutex.Lock()
	defer h.controlMutex.Unlock()
	return h.abortReason
}

func (h *sessionHandle) setCancel(cancel context.CancelFunc) {
	h.controlMutex.Lock()
	h.cancelStage = cancel
	h.controlMutex.Unlock()
}

func (h *sessionHandle) cancelInFlight() {
	h.controlMutex.Lock()
	cancel := h.cancelStage
	h.controlMutex.Unlock()
	if cancel != nil {
		cancel()
	}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStateStore()
	}
	if opts.Recovery == nil {
		opts.Recovery = recovery.NewManager(recovery.ManagerOptions{Logger: opts.Logger})
	}
	if opts.Decisions == nil {
		opts.Decisions = decision.NewEngine(decision.EngineOptions{
			Rules:    DefaultRoutingRules(),
			Recovery: opts.Recovery,
			Logger:   opts.Logger,
		})
	}
	if opts.Checkpoints == nil {
		manager, err := NewCheckpointManager(CheckpointManagerOptions{
			Store:  NewMemoryCheckpointStore(),
			States: opts.Store,
			Logger: opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		opts.Checkpoints = manager
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = NewBroadcaster(BroadcasterOptions{Logger: opts.Logger})
	}
	if opts.DecisionPoints == nil {
		opts.DecisionPoints = DefaultDecisionPoints()
	}
	if opts.DefaultStageTimeout <= 0 {
		opts.DefaultStageTimeout = 5 * time.Minute
	}

	executors := map[Stage][]StageExecutor{}
	for _, executor := range opts.Executors {
		if !ValidStage(executor.Stage()) {
			return nil, fmt.Errorf("executor %q targets unknown stage %q", executor.Name(), executor.Stage())
		}
		executors[executor.Stage()] = append(executors[executor.Stage()], executor)
	}

	return &Orchestrator{
		executors:      executors,
		decisions:      opts.Decisions,
		recovery:       opts.Recovery,
		checkpoints:    opts.Checkpoints,
		broadcaster:    opts.Broadcaster,
		store:          opts.Store,
		decisionPoints: opts.DecisionPoints,
		stageTimeouts:  opts.StageTimeouts,
		defaultTimeout: opts.DefaultStageTimeout,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		sessions:       map[string]*sessionHandle{},
	}, nil
}

// StartSessionOptions configures a new session.
type StartSessionOptions struct {
	Owner  string
	Inputs map[string]any
}

// StartSession creates and persists a new session at the initial stage.
func (o *Orchestrator) StartSession(ctx context.Context, opts StartSessionOptions) (*Session, error) {
	session, err := NewSession(SessionOptions{
		Owner:  opts.Owner,
		Store:  o.store,
		Inputs: opts.Inputs,
	})
	if err != nil {
		return nil, err
	}
	if err := session.persist(ctx); err != nil {
		return nil, fmt.Errorf("failed to persist new session: %w", err)
	}
	o.register(session)
	o.logger.Info("session created", "session_id", session.ID(), "owner", opts.Owner)
	return session, nil
}

func (o *Orchestrator) register(session *Session) *sessionHandle {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	handle := &sessionHandle{session: session}
	o.sessions[session.ID()] = handle
	return handle
}

func (o *Orchestrator) handle(sessionID string) (*sessionHandle, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	handle, ok := o.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return handle, nil
}

// Session returns a registered session.
func (o *Orchestrator) Session(sessionID string) (*Session, error) {
	handle, err := o.handle(sessionID)
	if err != nil {
		return nil, err
	}
	return handle.session, nil
}

// State returns the current state snapshot for a session.
func (o *Orchestrator) State(sessionID string) (*StateSnapshot, error) {
	handle, err := o.handle(sessionID)
	if err != nil {
		return nil, err
	}
	snapshot := handle.session.State().Snapshot()
	return &snapshot, nil
}

// Execute drives the session's pipeline until a terminal stage, a pause, or
// an unrecovered failure. A session is driven by exactly one execution loop
// at a time; a second concurrent call returns ErrSessionBusy.
func (o *Orchestrator) Execute(ctx context.Context, sessionID string) error {
	handle, err := o.handle(sessionID)
	if err != nil {
		return err
	}
	if !handle.executing.CompareAndSwap(false, true) {
		return ErrSessionBusy
	}
	defer handle.executing.Store(false)

	session := handle.session
	logger := o.logger.With("session_id", session.ID())

	// A continuation after resume already announced itself with a resumed
	// event; only a fresh session gets a started one.
	machine := session.State()
	if machine.Current() == StageInitializing && len(machine.History()) == 0 {
		o.metrics.SessionStarted()
		o.emit(session, func(e *Event) {
			e.Kind = EventStarted
			e.Stage = machine.Current()
		})
	}
	logger.Info("execution started", "stage", machine.Current())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		current := machine.Current()
		switch current {
		case StageCompleted:
			return nil
		case StageFailed:
			return fmt.Errorf("session %s has failed", session.ID())
		case StagePaused:
			return nil
		}

		if handle.abortRequested.Load() {
			note := "aborted: " + handle.getAbortReason()
			if err := o.failSession(ctx, handle, nil, note); err != nil {
				return err
			}
			return fmt.Errorf("session %s failed: %s", session.ID(), note)
		}
		if handle.pauseRequested.Load() {
			if err := o.pauseSession(ctx, handle); err != nil {
				return err
			}
			return nil
		}

		// Run the stage work with its configured timeout. The cancel func is
		// published so pause/abort can release in-flight executor resources.
		stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout(current))
		handle.setCancel(cancel)
		outcomes := o.runStage(stageCtx, session, current)
		handle.setCancel(nil)
		cancel()

		if err := o.completeStage(ctx, handle, current, outcomes); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) stageTimeout(stage Stage) time.Duration {
	if timeout, ok := o.stageTimeouts[stage]; ok && timeout > 0 {
		return timeout
	}
	return o.defaultTimeout
}

// stageOutcome pairs an executor with its recovery result.
type stageOutcome struct {
	executor StageExecutor
	result   *recovery.Result
}

// runStage executes every executor registered for the stage as parallel
// tasks, each wrapped by the recovery manager. Completions are collected and
// later serialized through the execution lock.
func (o *Orchestrator) runStage(ctx context.Context, session *Session, stage Stage) []stageOutcome {
	executors := o.executors[stage]
	if len(executors) == 0 {
		return nil
	}

	outcomes := make([]stageOutcome, len(executors))
	var wg sync.WaitGroup
	for i, executor := range executors {
		wg.Add(1)
		go func(i int, executor StageExecutor) {
			defer wg.Done()
			op := recovery.Operation{
				ID:       fmt.Sprintf("stage:%s/%s", stage, executor.Name()),
				Optional: executor.Optional(),
				Run: func(ctx context.Context, octx *recovery.OperationContext) (any, error) {
					sc := &StageContext{
						SessionID: session.ID(),
						Stage:     stage,
						Inputs:    session.Results(),
						op:        octx,
					}
					return executor.Execute(ctx, sc)
				},
			}
			octx := recovery.NewOperationContext(session.ID(), string(stage), session.Results())
			outcomes[i] = stageOutcome{
				executor: executor,
				result:   o.recovery.Execute(ctx, op, octx),
			}
		}(i, executor)
	}
	wg.Wait()
	return outcomes
}

// completeStage serializes a stage's outcomes back into a single transition
// point under the session's execution lock.
func (o *Orchestrator) completeStage(ctx context.Context, handle *sessionHandle, stage Stage, outcomes []stageOutcome) error {
	handle.execLock.Lock()
	defer handle.execLock.Unlock()

	session := handle.session

	// Preserve partial results from every outcome, success or failure, so
	// they survive at the nearest checkpoint.
	for _, outcome := range outcomes {
		session.MergeResults(outcome.result.Partials)
		o.metrics.StageRetries(stage, outcome.result.Attempts-1)
	}

	// Pause and abort take priority over outcome processing: an interrupted
	// stage must not fail the session.
	if handle.abortRequested.Load() {
		note := "aborted: " + handle.getAbortReason()
		if err := o.failSessionLocked(ctx, handle, nil, note); err != nil {
			return err
		}
		return fmt.Errorf("session %s failed: %s", session.ID(), note)
	}
	if handle.pauseRequested.Load() {
		return o.pauseSessionLocked(ctx, handle)
	}

	retries := 0
	for _, outcome := range outcomes {
		result := outcome.result
		if result.Success() {
			retries += result.Attempts - 1
			if sr, ok := result.Output.(*StageResult); ok && sr != nil {
				session.MergeResults(sr.Outputs)
			}
			continue
		}

		session.AddError(result.Record)
		o.emit(session, func(e *Event) {
			e.Kind = EventError
			e.Stage = stage
			e.Error = result.Record
		})

		switch result.Action {
		case recovery.ActionSkipAndContinue:
			session.SetResult("skipped."+outcome.executor.Name(), result.Err.Cause)
			o.logger.Warn("optional operation skipped",
				"session_id", session.ID(), "stage", stage, "operation", outcome.executor.Name())
		case recovery.ActionDegradeAndContinue:
			session.SetResult("degraded."+outcome.executor.Name(), result.Err.Cause)
			o.logger.Warn("operation degraded, continuing with partial result",
				"session_id", session.ID(), "stage", stage, "operation", outcome.executor.Name())
		default:
			o.metrics.StageFailure(stage, string(result.Action))
			note := fmt.Sprintf("stage %s failed: %s (%s)", stage, result.Err.Cause, result.Action)
			if err := o.failSessionLocked(ctx, handle, result.Record, note); err != nil {
				return err
			}
			return fmt.Errorf("session %s failed: %s", session.ID(), note)
		}
	}

	// Milestone stages are checkpointed with the stage's own outputs included
	// before the pipeline moves on.
	if IsMilestone(stage) {
		if _, err := o.checkpoints.Create(ctx, session, "after-"+string(stage)); err != nil {
			o.logger.Error("failed to create checkpoint",
				"session_id", session.ID(), "stage", stage, "error", err)
		} else {
			o.metrics.CheckpointCreated()
		}
	}

	next, err := o.nextStage(ctx, session, stage)
	if err != nil {
		record := &recovery.ErrorRecord{
			OperationID: "routing:" + string(stage),
			Kind:        recovery.Classify(err).Kind,
			Attempts:    1,
			Action:      recovery.ActionAbortWithPartial,
			Cause:       err.Error(),
			Timestamp:   time.Now(),
		}
		session.AddError(record)
		note := "routing failed: " + err.Error()
		if err := o.failSessionLocked(ctx, handle, record, note); err != nil {
			return err
		}
		return fmt.Errorf("session %s failed: %s", session.ID(), note)
	}

	note := "stage " + string(stage) + " completed"
	if retries > 0 {
		note = fmt.Sprintf("stage %s completed after %d retries", stage, retries)
		o.logger.Info("stage recovered after retries",
			"session_id", session.ID(), "stage", stage, "retries", retries)
	}
	if err := session.State().Transition(ctx, next, note); err != nil {
		return err
	}
	snapshot := session.State().Snapshot()
	o.emit(session, func(e *Event) {
		e.Kind = EventStageChanged
		e.Stage = next
		e.Progress = snapshot.Progress
	})
	o.emit(session, func(e *Event) {
		e.Kind = EventProgressUpdated
		e.Stage = next
		e.Progress = snapshot.Progress
	})

	if next == StageCompleted {
		o.metrics.SessionCompleted()
		o.emit(session, func(e *Event) {
			e.Kind = EventCompleted
			e.Stage = next
			e.Progress = snapshot.Progress
		})
		o.logger.Info("session completed", "session_id", session.ID())
	}
	return nil
}

// nextStage determines where the pipeline goes after a completed stage,
// consulting the decision engine when the stage is a branch point.
func (o *Orchestrator) nextStage(ctx context.Context, session *Session, stage Stage) (Stage, error) {
	point, ok := o.decisionPoints[stage]
	if !ok {
		successors := AllowedSuccessors(stage)
		if len(successors) == 0 {
			return "", fmt.Errorf("stage %s has no successors", stage)
		}
		// The canonical forward successor is listed first
		return successors[0], nil
	}

	question := &decision.Question{
		ID:        fmt.Sprintf("%s-%s", session.ID(), point.QuestionType),
		SessionID: session.ID(),
		UserID:    session.Owner(),
		Stage:     string(stage),
		Type:      point.QuestionType,
		Options:   point.Options,
		Context:   session.Results(),
	}
	record, err := o.decisions.Resolve(ctx, question)
	if err != nil {
		return "", err
	}
	session.AddDecision(record)
	o.metrics.DecisionResolved(string(record.Method))
	o.emit(session, func(e *Event) {
		e.Kind = EventDecisionMade
		e.Stage = stage
		e.Decision = record
	})

	next, ok := point.Routes[record.Selected.ID]
	if !ok {
		return "", fmt.Errorf("decision %s selected %q which has no route", record.DecisionID, record.Selected.ID)
	}
	return next, nil
}

// Pause requests a pause. An idle session pauses immediately; a running
// session has its in-flight stage canceled and pauses at the next
// serialization point, releasing stage-executor resources.
func (o *Orchestrator) Pause(ctx context.Context, sessionID string) error {
	handle, err := o.handle(sessionID)
	if err != nil {
		return err
	}
	current := handle.session.State().Current()
	if IsTerminal(current) || current == StagePaused {
		return fmt.Errorf("cannot pause session in stage %s", current)
	}
	handle.pauseRequested.Store(true)
	handle.cancelInFlight()

	if !handle.executing.Load() {
		handle.execLock.Lock()
		defer handle.execLock.Unlock()
		return o.pauseSessionLocked(ctx, handle)
	}
	return nil
}

func (o *Orchestrator) pauseSession(ctx context.Context, handle *sessionHandle) error {
	handle.execLock.Lock()
	defer handle.execLock.Unlock()
	return o.pauseSessionLocked(ctx, handle)
}

func (o *Orchestrator) pauseSessionLocked(ctx context.Context, handle *sessionHandle) error {
	session := handle.session
	machine := session.State()
	if machine.Current() == StagePaused {
		handle.pauseRequested.Store(false)
		return nil
	}
	if err := machine.Transition(ctx, StagePaused, "pause requested"); err != nil {
		return err
	}
	handle.pauseRequested.Store(false)
	o.metrics.SessionPaused()
	o.emit(session, func(e *Event) {
		e.Kind = EventPaused
		e.Stage = machine.PausedFrom()
	})
	o.logger.Info("session paused", "session_id", session.ID(), "stage", machine.PausedFrom())
	return nil
}

// Resume moves a paused session back into the stage it was paused from. If
// the in-memory pause origin is unknown (for example after a restore), the
// most recent checkpoint's stage is used. Call Execute to continue driving
// the pipeline.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) error {
	handle, err := o.handle(sessionID)
	if err != nil {
		return err
	}

	handle.execLock.Lock()
	defer handle.execLock.Unlock()

	session := handle.session
	machine := session.State()
	if machine.Current() != StagePaused {
		return ErrNotPaused
	}

	target := machine.PausedFrom()
	if target == "" {
		checkpoints, err := o.checkpoints.List(ctx, session.ID())
		if err != nil {
			return err
		}
		if len(checkpoints) == 0 {
			return fmt.Errorf("cannot resume session %s: unknown pause origin and no checkpoints", session.ID())
		}
		target = checkpoints[len(checkpoints)-1].Stage
	}

	if err := machine.Transition(ctx, target, "resumed"); err != nil {
		return err
	}
	o.emit(session, func(e *Event) {
		e.Kind = EventResumed
		e.Stage = target
	})
	o.logger.Info("session resumed", "session_id", session.ID(), "stage", target)
	return nil
}

// Abort is a priority command that forces the session to failed regardless of
// in-flight stage progress, recording the reason.
func (o *Orchestrator) Abort(ctx context.Context, sessionID, reason string) error {
	handle, err := o.handle(sessionID)
	if err != nil {
		return err
	}
	if IsTerminal(handle.session.State().Current()) {
		return fmt.Errorf("session %s is already terminal", sessionID)
	}
	handle.setAbort(reason)
	handle.cancelInFlight()

	if !handle.executing.Load() {
		if err := o.failSession(ctx, handle, nil, "aborted: "+reason); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) failSession(ctx context.Context, handle *sessionHandle, record *recovery.ErrorRecord, note string) error {
	handle.execLock.Lock()
	defer handle.execLock.Unlock()
	return o.failSessionLocked(ctx, handle, record, note)
}

// failSessionLocked transitions the session to failed, preserving the last
// checkpoint and partial results for inspection. It returns nil once the
// session is failed; callers decide what error their own operation reports.
func (o *Orchestrator) failSessionLocked(ctx context.Context, handle *sessionHandle, record *recovery.ErrorRecord, note string) error {
	session := handle.session
	machine := session.State()
	if machine.Current() == StageFailed {
		return nil
	}

	if record == nil {
		record = &recovery.ErrorRecord{
			OperationID: "orchestrator",
			Kind:        recovery.KindFatal,
			Action:      recovery.ActionAbortWithPartial,
			Cause:       note,
			Timestamp:   time.Now(),
		}
		session.AddError(record)
	}

	if err := machine.Transition(ctx, StageFailed, note); err != nil {
		return err
	}
	o.metrics.SessionFailed()
	o.emit(session, func(e *Event) {
		e.Kind = EventFailed
		e.Stage = StageFailed
		e.Error = record
	})
	o.logger.Error("session failed",
		"session_id", session.ID(),
		"reason", note,
		"last_checkpoint", session.LastCheckpointID())
	return nil
}

// RestoreCheckpoint creates a new session from a checkpoint and registers it
// with the orchestrator. The original session is untouched.
func (o *Orchestrator) RestoreCheckpoint(ctx context.Context, checkpointID string) (*Session, error) {
	session, err := o.checkpoints.Restore(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	o.register(session)
	return session, nil
}

// ListCheckpoints returns a session's checkpoints.
func (o *Orchestrator) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	return o.checkpoints.List(ctx, sessionID)
}

// DecisionHistory returns a session's decision records in order.
func (o *Orchestrator) DecisionHistory(sessionID string) ([]*decision.Record, error) {
	handle, err := o.handle(sessionID)
	if err != nil {
		return nil, err
	}
	return handle.session.Decisions(), nil
}

// ExplainDecision reconstructs the explanation for a logged decision.
func (o *Orchestrator) ExplainDecision(decisionID string) (string, error) {
	return o.decisions.Explain(decisionID)
}

// DecisionFeedback applies user feedback to a logged decision.
func (o *Orchestrator) DecisionFeedback(ctx context.Context, decisionID string, feedback decision.Feedback) error {
	return o.decisions.Learn(ctx, decisionID, feedback)
}

// Subscribe attaches a subscriber to a session's event stream. The current
// state is delivered as an initial event so reconnecting subscribers start
// from a known position.
func (o *Orchestrator) Subscribe(sessionID string) (*Subscription, error) {
	handle, err := o.handle(sessionID)
	if err != nil {
		return nil, err
	}
	sub := o.broadcaster.Subscribe(sessionID)
	snapshot := handle.session.State().Snapshot()
	initial := newEvent(EventProgressUpdated, sessionID)
	initial.Stage = snapshot.Stage
	initial.Progress = snapshot.Progress
	o.broadcaster.send(sub, initial)
	return sub, nil
}

// Unsubscribe disconnects a subscription and closes its event channel, so a
// consumer ranging over Events() returns without waiting for the liveness
// probe to prune it.
func (o *Orchestrator) Unsubscribe(sub *Subscription) {
	o.broadcaster.Unsubscribe(sub)
}

// Close shuts down the orchestrator's broadcaster.
func (o *Orchestrator) Close() {
	o.broadcaster.Close()
}

// emit broadcasts an event for a session.
func (o *Orchestrator) emit(session *Session, build func(e *Event)) {
	event := newEvent("", session.ID())
	build(&event)
	o.broadcaster.Broadcast(session.ID(), event)
}
