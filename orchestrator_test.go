package designflow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/designflow/recovery"
)

// passThroughExecutors builds a minimal executor set that marks every
// pipeline stage as visited and routes forward at every branch point.
func passThroughExecutors() []StageExecutor {
	stages := PipelineStages()
	executors := make([]StageExecutor, 0, len(stages))
	for _, stage := range stages {
		stage := stage
		executors = append(executors, NewExecutorFunc(stage, "mark", func(ctx context.Context, sc *StageContext) (*StageResult, error) {
			return &StageResult{Outputs: map[string]any{"done." + string(stage): true}}, nil
		}))
	}
	return executors
}

func newTestOrchestrator(t *testing.T, opts OrchestratorOptions) *Orchestrator {
	t.Helper()
	if opts.Broadcaster == nil {
		opts.Broadcaster = NewBroadcaster(BroadcasterOptions{BufferSize: 128})
	}
	orchestrator, err := NewOrchestrator(opts)
	require.NoError(t, err)
	t.Cleanup(orchestrator.Close)
	return orchestrator
}

func startTestSession(t *testing.T, o *Orchestrator) *Session {
	t.Helper()
	session, err := o.StartSession(context.Background(), StartSessionOptions{Owner: "user-1"})
	require.NoError(t, err)
	return session
}

func TestExecuteRunsPipelineToCompletion(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, OrchestratorOptions{Executors: passThroughExecutors()})
	session := startTestSession(t, o)

	sub, err := o.Subscribe(session.ID())
	require.NoError(t, err)

	require.NoError(t, o.Execute(ctx, session.ID()))

	snapshot, err := o.State(session.ID())
	require.NoError(t, err)
	require.Equal(t, StageCompleted, snapshot.Stage)
	require.Equal(t, float64(100), snapshot.Progress)

	results := session.Results()
	for _, stage := range PipelineStages() {
		require.Equal(t, true, results["done."+string(stage)], "stage %s did not run", stage)
	}

	// One checkpoint per milestone stage, in pipeline order.
	checkpoints, err := o.ListCheckpoints(ctx, session.ID())
	require.NoError(t, err)
	require.Len(t, checkpoints, 4)
	require.Equal(t, StageSelectingMaterials, checkpoints[0].Stage)
	require.Equal(t, StageGeneratingExport, checkpoints[3].Stage)

	// Each branch point was answered by a rule and routed forward.
	decisions, err := o.DecisionHistory(session.ID())
	require.NoError(t, err)
	require.Len(t, decisions, 3)
	for _, record := range decisions {
		require.Equal(t, "proceed", record.Selected.ID)
	}

	// The event stream saw the initial snapshot and the completion.
	var kinds []EventKind
drain:
	for {
		select {
		case event := <-sub.Events():
			kinds = append(kinds, event.Kind)
			if event.Kind == EventCompleted {
				break drain
			}
		case <-time.After(time.Second):
			t.Fatalf("never saw completion event, got %v", kinds)
		}
	}
	require.Equal(t, EventProgressUpdated, kinds[0])
	require.Contains(t, kinds, EventStarted)
	require.Contains(t, kinds, EventStageChanged)
	require.Contains(t, kinds, EventDecisionMade)
}

func TestUnsubscribeReleasesConsumer(t *testing.T) {
	o := newTestOrchestrator(t, OrchestratorOptions{Executors: passThroughExecutors()})
	session := startTestSession(t, o)

	sub, err := o.Subscribe(session.ID())
	require.NoError(t, err)

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for range sub.Events() {
		}
	}()

	// Unsubscribe closes the channel right away, without waiting for the
	// broadcaster's liveness probe.
	o.Unsubscribe(sub)
	select {
	case <-consumed:
	case <-time.After(time.Second):
		t.Fatal("consumer still blocked after unsubscribe")
	}

	// The session keeps running for the remaining subscribers.
	require.NoError(t, o.Execute(context.Background(), session.ID()))
	require.Equal(t, StageCompleted, session.State().Current())
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	policies := recovery.DefaultPolicies()
	for kind, policy := range policies {
		policy.BaseDelay = 0
		policy.MaxDelay = 0
		policies[kind] = policy
	}
	manager := recovery.NewManager(recovery.ManagerOptions{Policies: policies})

	var attempts atomic.Int32
	flaky := NewExecutorFunc(StageRunningOptimization, "optimize", func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		if attempts.Add(1) <= 2 {
			return nil, recovery.NewError(recovery.KindTransient, "solver backend unavailable")
		}
		return &StageResult{Outputs: map[string]any{"optimization.done": true}}, nil
	})

	o := newTestOrchestrator(t, OrchestratorOptions{Executors: []StageExecutor{flaky}, Recovery: manager})
	session := startTestSession(t, o)

	require.NoError(t, o.Execute(ctx, session.ID()))
	require.Equal(t, int32(3), attempts.Load())
	require.Equal(t, StageCompleted, session.State().Current())
	require.Equal(t, true, session.Results()["optimization.done"])

	// The two failed attempts are visible in the session's history.
	var note string
	for _, record := range session.State().History() {
		if record.From == StageRunningOptimization {
			note = record.Note
		}
	}
	require.Contains(t, note, "after 2 retries")
}

func TestResumedExecutionEmitsNoStartedEvent(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, OrchestratorOptions{Executors: passThroughExecutors()})
	session := startTestSession(t, o)

	require.NoError(t, o.Pause(ctx, session.ID()))

	sub, err := o.Subscribe(session.ID())
	require.NoError(t, err)

	require.NoError(t, o.Resume(ctx, session.ID()))
	require.NoError(t, o.Execute(ctx, session.ID()))

	var kinds []EventKind
drain:
	for {
		select {
		case event := <-sub.Events():
			kinds = append(kinds, event.Kind)
			if event.Kind == EventCompleted {
				break drain
			}
		case <-time.After(time.Second):
			t.Fatalf("never saw completion event, got %v", kinds)
		}
	}
	require.Contains(t, kinds, EventResumed)
	require.NotContains(t, kinds, EventStarted)
}

func TestExecuteRejectsConcurrentExecution(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := NewExecutorFunc(StageParsingRequirements, "blocking", func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		close(entered)
		<-release
		return &StageResult{}, nil
	})

	o := newTestOrchestrator(t, OrchestratorOptions{Executors: []StageExecutor{blocking}})
	session := startTestSession(t, o)

	done := make(chan error, 1)
	go func() { done <- o.Execute(ctx, session.ID()) }()

	<-entered
	require.ErrorIs(t, o.Execute(ctx, session.ID()), ErrSessionBusy)

	close(release)
	require.NoError(t, <-done)

	// The loop is reusable once the first execution finishes.
	require.NoError(t, o.Execute(ctx, session.ID()))
}

func TestExecuteFailsOnFatalError(t *testing.T) {
	ctx := context.Background()
	var optimizeCalls atomic.Int32
	executors := []StageExecutor{
		NewExecutorFunc(StageSelectingMaterials, "materials", func(ctx context.Context, sc *StageContext) (*StageResult, error) {
			return &StageResult{Outputs: map[string]any{"material.grade": "A36"}}, nil
		}),
		NewExecutorFunc(StageRunningOptimization, "optimize", func(ctx context.Context, sc *StageContext) (*StageResult, error) {
			if optimizeCalls.Add(1) == 1 {
				sc.SetPartial("optimization.progress", 0.4)
				return nil, recovery.NewError(recovery.KindFatal, "solver diverged")
			}
			return &StageResult{}, nil
		}),
	}
	o := newTestOrchestrator(t, OrchestratorOptions{Executors: executors})
	session := startTestSession(t, o)

	err := o.Execute(ctx, session.ID())
	require.Error(t, err)
	require.Contains(t, err.Error(), "solver diverged")

	snapshot, stateErr := o.State(session.ID())
	require.NoError(t, stateErr)
	require.Equal(t, StageFailed, snapshot.Stage)

	// The failure report points at the materials checkpoint and keeps the
	// partial optimization output.
	report := session.Failure()
	require.NotNil(t, report)
	require.NotEmpty(t, report.LastCheckpointID)
	require.Equal(t, "A36", report.PartialResults["material.grade"])
	require.Equal(t, 0.4, report.PartialResults["optimization.progress"])
	require.NotNil(t, report.LastError)
	require.Equal(t, recovery.KindFatal, report.LastError.Kind)

	// A failed session cannot be driven again.
	require.Error(t, o.Execute(ctx, session.ID()))

	// Restoring the checkpoint yields a fresh session that completes now
	// that the solver behaves.
	restored, err := o.RestoreCheckpoint(ctx, report.LastCheckpointID)
	require.NoError(t, err)
	require.NotEqual(t, session.ID(), restored.ID())
	require.Equal(t, StageSelectingMaterials, restored.State().Current())
	require.Equal(t, "A36", restored.Results()["material.grade"])

	require.NoError(t, o.Execute(ctx, restored.ID()))
	require.Equal(t, StageCompleted, restored.State().Current())
}

func TestPauseAndResumeMidPipeline(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{}, 1)
	var block atomic.Bool
	block.Store(true)
	evaluator := NewExecutorFunc(StageEvaluatingDesigns, "evaluate", func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		if block.Load() {
			entered <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &StageResult{}, nil
	})

	o := newTestOrchestrator(t, OrchestratorOptions{Executors: []StageExecutor{evaluator}})
	session := startTestSession(t, o)

	done := make(chan error, 1)
	go func() { done <- o.Execute(ctx, session.ID()) }()

	<-entered
	require.NoError(t, o.Pause(ctx, session.ID()))
	require.NoError(t, <-done)

	snapshot, err := o.State(session.ID())
	require.NoError(t, err)
	require.Equal(t, StagePaused, snapshot.Stage)
	require.Equal(t, StageEvaluatingDesigns, session.State().PausedFrom())

	// Pausing a paused session is rejected.
	require.Error(t, o.Pause(ctx, session.ID()))

	block.Store(false)
	require.NoError(t, o.Resume(ctx, session.ID()))
	require.Equal(t, StageEvaluatingDesigns, session.State().Current())

	require.NoError(t, o.Execute(ctx, session.ID()))
	require.Equal(t, StageCompleted, session.State().Current())
}

func TestResumeRequiresPausedSession(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, OrchestratorOptions{})
	session := startTestSession(t, o)

	require.ErrorIs(t, o.Resume(ctx, session.ID()), ErrNotPaused)
}

func TestPauseIdleSessionTakesEffectImmediately(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, OrchestratorOptions{})
	session := startTestSession(t, o)

	require.NoError(t, o.Pause(ctx, session.ID()))
	require.Equal(t, StagePaused, session.State().Current())
	require.Equal(t, StageInitializing, session.State().PausedFrom())
}

func TestAbortIdleSession(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, OrchestratorOptions{})
	session := startTestSession(t, o)

	require.NoError(t, o.Abort(ctx, session.ID(), "requirements withdrawn"))
	require.Equal(t, StageFailed, session.State().Current())

	report := session.Failure()
	require.NotNil(t, report)
	require.NotNil(t, report.LastError)
	require.Contains(t, report.LastError.Cause, "requirements withdrawn")

	// Aborting a terminal session is rejected.
	require.Error(t, o.Abort(ctx, session.ID(), "again"))
}

func TestAbortInterruptsRunningStage(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	hanging := NewExecutorFunc(StageParsingRequirements, "hang", func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	o := newTestOrchestrator(t, OrchestratorOptions{Executors: []StageExecutor{hanging}})
	session := startTestSession(t, o)

	done := make(chan error, 1)
	go func() { done <- o.Execute(ctx, session.ID()) }()

	<-entered
	require.NoError(t, o.Abort(ctx, session.ID(), "operator stop"))

	err := <-done
	require.Error(t, err)
	require.Contains(t, err.Error(), "operator stop")
	require.Equal(t, StageFailed, session.State().Current())
}

func TestComplianceViolationsReworkMaterials(t *testing.T) {
	ctx := context.Background()
	var materialRuns, complianceRuns atomic.Int32
	executors := []StageExecutor{
		NewExecutorFunc(StageSelectingMaterials, "materials", func(ctx context.Context, sc *StageContext) (*StageResult, error) {
			run := materialRuns.Add(1)
			grade := "A36"
			if run > 1 {
				grade = "316L"
			}
			return &StageResult{Outputs: map[string]any{"material.grade": grade}}, nil
		}),
		NewExecutorFunc(StageCheckingCompliance, "compliance", func(ctx context.Context, sc *StageContext) (*StageResult, error) {
			violations := 0
			if complianceRuns.Add(1) == 1 {
				violations = 2
			}
			return &StageResult{Outputs: map[string]any{"compliance_violations": violations}}, nil
		}),
	}
	o := newTestOrchestrator(t, OrchestratorOptions{Executors: executors})
	session := startTestSession(t, o)

	require.NoError(t, o.Execute(ctx, session.ID()))
	require.Equal(t, StageCompleted, session.State().Current())
	require.Equal(t, int32(2), materialRuns.Load())
	require.Equal(t, int32(2), complianceRuns.Load())
	require.Equal(t, "316L", session.Results()["material.grade"])

	// The rework round trip shows up in the decision history.
	decisions, err := o.DecisionHistory(session.ID())
	require.NoError(t, err)
	var selections []string
	for _, record := range decisions {
		if record.QuestionType == "compliance_resolution" {
			selections = append(selections, record.Selected.ID)
		}
	}
	require.Equal(t, []string{"rematerialize", "proceed"}, selections)
}

func TestValidationFailureReoptimizes(t *testing.T) {
	ctx := context.Background()
	var validationRuns atomic.Int32
	validator := NewExecutorFunc(StageValidatingDesign, "validate", func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		passed := validationRuns.Add(1) > 1
		return &StageResult{Outputs: map[string]any{"validation_passed": passed}}, nil
	})
	o := newTestOrchestrator(t, OrchestratorOptions{Executors: []StageExecutor{validator}})
	session := startTestSession(t, o)

	require.NoError(t, o.Execute(ctx, session.ID()))
	require.Equal(t, StageCompleted, session.State().Current())
	require.Equal(t, int32(2), validationRuns.Load())

	snapshot := session.State().Snapshot()
	require.Equal(t, float64(100), snapshot.Progress)
	require.NotEmpty(t, session.State().History())
}

func TestOptionalExecutorSkippedOnDegradableFailure(t *testing.T) {
	ctx := context.Background()
	policies := recovery.DefaultPolicies()
	for kind, policy := range policies {
		policy.BaseDelay = 0
		policy.MaxDelay = 0
		policies[kind] = policy
	}
	manager := recovery.NewManager(recovery.ManagerOptions{Policies: policies})

	executors := []StageExecutor{
		NewOptionalExecutorFunc(StageRunningAnalyses, "wind", func(ctx context.Context, sc *StageContext) (*StageResult, error) {
			return nil, recovery.NewError(recovery.KindDegradable, "wind data unavailable")
		}),
		NewExecutorFunc(StageRunningAnalyses, "structural", func(ctx context.Context, sc *StageContext) (*StageResult, error) {
			return &StageResult{Outputs: map[string]any{"analysis.structural_passed": true}}, nil
		}),
	}
	o := newTestOrchestrator(t, OrchestratorOptions{Executors: executors, Recovery: manager})
	session := startTestSession(t, o)

	require.NoError(t, o.Execute(ctx, session.ID()))
	require.Equal(t, StageCompleted, session.State().Current())

	results := session.Results()
	require.Equal(t, "wind data unavailable", results["skipped.wind"])
	require.Equal(t, true, results["analysis.structural_passed"])
	require.NotEmpty(t, session.Errors())
}

func TestRequiredExecutorDegradesOnDegradableFailure(t *testing.T) {
	ctx := context.Background()
	policies := recovery.DefaultPolicies()
	for kind, policy := range policies {
		policy.BaseDelay = 0
		policy.MaxDelay = 0
		policies[kind] = policy
	}
	manager := recovery.NewManager(recovery.ManagerOptions{Policies: policies})

	analyzer := NewExecutorFunc(StageRunningAnalyses, "structural", func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		return nil, recovery.NewError(recovery.KindDegradable, "mesh too coarse")
	})
	o := newTestOrchestrator(t, OrchestratorOptions{Executors: []StageExecutor{analyzer}, Recovery: manager})
	session := startTestSession(t, o)

	require.NoError(t, o.Execute(ctx, session.ID()))
	require.Equal(t, StageCompleted, session.State().Current())
	require.Equal(t, "mesh too coarse", session.Results()["degraded.structural"])
}

func TestOrchestratorUnknownSession(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, OrchestratorOptions{})

	require.ErrorIs(t, o.Execute(ctx, "missing"), ErrSessionNotFound)
	require.ErrorIs(t, o.Pause(ctx, "missing"), ErrSessionNotFound)
	require.ErrorIs(t, o.Resume(ctx, "missing"), ErrSessionNotFound)
	require.ErrorIs(t, o.Abort(ctx, "missing", "x"), ErrSessionNotFound)
	_, err := o.Subscribe("missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestNewOrchestratorRejectsUnknownStage(t *testing.T) {
	bogus := NewExecutorFunc(Stage("polishing"), "polish", func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		return &StageResult{}, nil
	})
	_, err := NewOrchestrator(OrchestratorOptions{Executors: []StageExecutor{bogus}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown stage")
}

func TestSessionStatePersistedAcrossTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()
	o := newTestOrchestrator(t, OrchestratorOptions{Executors: passThroughExecutors(), Store: store})
	session := startTestSession(t, o)

	require.NoError(t, o.Execute(ctx, session.ID()))

	record, err := store.LoadState(ctx, session.ID())
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, StageCompleted, record.Stage)
	require.Equal(t, "user-1", record.Owner)
	require.NotEmpty(t, record.History)
	require.Equal(t, true, record.Results["done.parsing_requirements"])
}
