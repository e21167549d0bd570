package designflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCheckpointManager(t *testing.T) (*CheckpointManager, StateStore) {
	t.Helper()
	states := NewMemoryStateStore()
	manager, err := NewCheckpointManager(CheckpointManagerOptions{
		Store:  NewMemoryCheckpointStore(),
		States: states,
	})
	require.NoError(t, err)
	return manager, states
}

func sessionAtStage(t *testing.T, store StateStore, target Stage) *Session {
	t.Helper()
	session, err := NewSession(SessionOptions{Owner: "engineer-1", Store: store})
	require.NoError(t, err)

	ctx := context.Background()
	for _, stage := range PipelineStages()[1:] {
		require.NoError(t, session.State().Transition(ctx, stage, ""))
		if stage == target {
			return session
		}
	}
	t.Fatalf("stage %s not reached", target)
	return nil
}

func TestCheckpointOnlyAtMilestones(t *testing.T) {
	manager, states := newTestCheckpointManager(t)
	ctx := context.Background()

	session := sessionAtStage(t, states, StageRunningOptimization)
	_, err := manager.Create(ctx, session, "mid-optimization")
	require.ErrorContains(t, err, "not a checkpoint milestone")

	session = sessionAtStage(t, states, StageSelectingMaterials)
	checkpoint, err := manager.Create(ctx, session, "after-materials")
	require.NoError(t, err)
	require.Equal(t, StageSelectingMaterials, checkpoint.Stage)
	require.Equal(t, session.ID(), checkpoint.SessionID)
	require.Equal(t, []string{checkpoint.ID}, session.CheckpointIDs())
	require.Equal(t, checkpoint.ID, session.LastCheckpointID())
}

func TestCheckpointCapturesStageOutputs(t *testing.T) {
	manager, states := newTestCheckpointManager(t)
	ctx := context.Background()

	session := sessionAtStage(t, states, StageSelectingMaterials)
	session.SetResult("material.grade", "316L stainless")

	checkpoint, err := manager.Create(ctx, session, "after-materials")
	require.NoError(t, err)
	require.Equal(t, "316L stainless", checkpoint.Results["material.grade"])

	// Later session mutations do not leak into the stored checkpoint
	session.SetResult("material.grade", "2205 duplex")
	stored, err := manager.Get(ctx, checkpoint.ID)
	require.NoError(t, err)
	require.Equal(t, "316L stainless", stored.Results["material.grade"])
}

func TestRestoreCreatesNewSession(t *testing.T) {
	manager, states := newTestCheckpointManager(t)
	ctx := context.Background()

	original := sessionAtStage(t, states, StageSelectingMaterials)
	original.SetResult("material.grade", "316L stainless")
	checkpoint, err := manager.Create(ctx, original, "after-materials")
	require.NoError(t, err)

	// The original keeps running past the checkpoint
	require.NoError(t, original.State().Transition(ctx, StageRunningOptimization, ""))

	restored, err := manager.Restore(ctx, checkpoint.ID)
	require.NoError(t, err)
	require.NotEqual(t, original.ID(), restored.ID())
	require.Equal(t, StageSelectingMaterials, restored.State().Current())
	require.Equal(t, "engineer-1", restored.Owner())
	require.Equal(t, "316L stainless", restored.Results()["material.grade"])
	require.Equal(t, checkpoint.History, restored.State().History())
	require.Equal(t, checkpoint.ID, restored.LastCheckpointID())

	// The restored session was persisted under its new id
	record, err := states.LoadState(ctx, restored.ID())
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, StageSelectingMaterials, record.Stage)

	// The original session is untouched
	require.Equal(t, StageRunningOptimization, original.State().Current())

	// The restored session can move forward independently
	require.NoError(t, restored.State().Transition(ctx, StageRunningOptimization, ""))
	require.NoError(t, restored.State().Transition(ctx, StageEvaluatingDesigns, ""))
}

func TestRestoreUnknownCheckpoint(t *testing.T) {
	manager, _ := newTestCheckpointManager(t)
	_, err := manager.Restore(context.Background(), "ckpt_missing")
	require.ErrorContains(t, err, "not found")
}

func TestListCheckpointsOrdered(t *testing.T) {
	manager, states := newTestCheckpointManager(t)
	ctx := context.Background()

	session := sessionAtStage(t, states, StageSelectingMaterials)
	first, err := manager.Create(ctx, session, "materials")
	require.NoError(t, err)

	for _, stage := range []Stage{StageRunningOptimization, StageEvaluatingDesigns, StageSelectingOptimal} {
		require.NoError(t, session.State().Transition(ctx, stage, ""))
	}
	second, err := manager.Create(ctx, session, "optimal")
	require.NoError(t, err)

	checkpoints, err := manager.List(ctx, session.ID())
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)
	require.Equal(t, first.ID, checkpoints[0].ID)
	require.Equal(t, second.ID, checkpoints[1].ID)
}

func TestFailureReportAfterCheckpoint(t *testing.T) {
	manager, states := newTestCheckpointManager(t)
	ctx := context.Background()

	session := sessionAtStage(t, states, StageSelectingMaterials)
	require.Nil(t, session.Failure(), "no report while non-terminal")

	checkpoint, err := manager.Create(ctx, session, "after-materials")
	require.NoError(t, err)

	session.SetResult("optimization.candidate.0", map[string]any{"cost": 1200})
	require.NoError(t, session.State().Transition(ctx, StageRunningOptimization, ""))
	require.NoError(t, session.State().Transition(ctx, StageFailed, "solver crashed"))

	report := session.Failure()
	require.NotNil(t, report)
	require.Equal(t, session.ID(), report.SessionID)
	require.Equal(t, checkpoint.ID, report.LastCheckpointID)
	require.Contains(t, report.PartialResults, "optimization.candidate.0")
}
