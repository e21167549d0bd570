package designflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// CheckpointManagerOptions configures a CheckpointManager.
type CheckpointManagerOptions struct {
	Store  CheckpointStore
	States StateStore
	Logger *slog.Logger
}

// CheckpointManager creates and restores session checkpoints. Creation is
// restricted to the static milestone stage set; restoring always produces a
// new session and never mutates the original.
type CheckpointManager struct {
	store  CheckpointStore
	states StateStore
	logger *slog.Logger
}

// NewCheckpointManager creates a checkpoint manager.
func NewCheckpointManager(opts CheckpointManagerOptions) (*CheckpointManager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if opts.States == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CheckpointManager{
		store:  opts.Store,
		states: opts.States,
		logger: opts.Logger,
	}, nil
}

// Create captures a named snapshot of the session at its current stage. It
// fails if the current stage is not a milestone stage.
func (m *CheckpointManager) Create(ctx context.Context, session *Session, name string) (*Checkpoint, error) {
	stage := session.State().Current()
	if !IsMilestone(stage) {
		return nil, fmt.Errorf("stage %s is not a checkpoint milestone", stage)
	}
	checkpoint := &Checkpoint{
		ID:        NewCheckpointID(),
		SessionID: session.ID(),
		Owner:     session.Owner(),
		Name:      name,
		Stage:     stage,
		Results:   session.Results(),
		History:   session.State().History(),
		CreatedAt: time.Now(),
	}
	if err := m.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	session.AddCheckpoint(checkpoint.ID)
	m.logger.Info("checkpoint created",
		"session_id", session.ID(),
		"checkpoint_id", checkpoint.ID,
		"name", name,
		"stage", stage)
	return checkpoint, nil
}

// Restore produces a new session positioned at the checkpoint's stage with a
// history seeded from the checkpoint. The original session's state is left
// untouched.
func (m *CheckpointManager) Restore(ctx context.Context, checkpointID string) (*Session, error) {
	checkpoint, err := m.store.LoadCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if checkpoint == nil {
		return nil, fmt.Errorf("checkpoint %q not found", checkpointID)
	}
	session, err := restoreSession(checkpoint, m.states)
	if err != nil {
		return nil, err
	}
	session.AddCheckpoint(checkpoint.ID)
	if err := session.persist(ctx); err != nil {
		return nil, err
	}
	m.logger.Info("session restored from checkpoint",
		"checkpoint_id", checkpointID,
		"original_session_id", checkpoint.SessionID,
		"session_id", session.ID(),
		"stage", checkpoint.Stage)
	return session, nil
}

// List returns a session's checkpoints ordered by creation time.
func (m *CheckpointManager) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	return m.store.ListCheckpoints(ctx, sessionID)
}

// Get loads a checkpoint by id.
func (m *CheckpointManager) Get(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	return m.store.LoadCheckpoint(ctx, checkpointID)
}
