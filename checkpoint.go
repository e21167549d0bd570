package designflow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Checkpoint is an immutable named snapshot of session progress, usable for
// restore and rollback. Checkpoints are created only at milestone stages.
type Checkpoint struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	Owner     string             `json:"owner"`
	Name      string             `json:"name"`
	Stage     Stage              `json:"stage"`
	Results   map[string]any     `json:"results,omitempty"`
	History   []TransitionRecord `json:"history"`
	CreatedAt time.Time          `json:"created_at"`
}

// CheckpointStore persists checkpoints.
type CheckpointStore interface {
	// SaveCheckpoint saves a checkpoint.
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint loads a checkpoint by id, or nil if none exists.
	LoadCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error)

	// ListCheckpoints returns a session's checkpoints ordered by creation
	// time.
	ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error)

	// DeleteCheckpoints removes all checkpoints for a session.
	DeleteCheckpoints(ctx context.Context, sessionID string) error
}

// MemoryCheckpointStore is an in-memory CheckpointStore.
type MemoryCheckpointStore struct {
	mutex       sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: map[string]*Checkpoint{}}
}

func (s *MemoryCheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.checkpoints[checkpoint.ID] = copyCheckpoint(checkpoint)
	return nil
}

func (s *MemoryCheckpointStore) LoadCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	checkpoint, ok := s.checkpoints[checkpointID]
	if !ok {
		return nil, nil
	}
	return copyCheckpoint(checkpoint), nil
}

func (s *MemoryCheckpointStore) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []*Checkpoint
	for _, checkpoint := range s.checkpoints {
		if checkpoint.SessionID == sessionID {
			result = append(result, copyCheckpoint(checkpoint))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryCheckpointStore) DeleteCheckpoints(ctx context.Context, sessionID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for id, checkpoint := range s.checkpoints {
		if checkpoint.SessionID == sessionID {
			delete(s.checkpoints, id)
		}
	}
	return nil
}

func copyCheckpoint(c *Checkpoint) *Checkpoint {
	copied := *c
	copied.Results = copyMap(c.Results)
	copied.History = append([]TransitionRecord(nil), c.History...)
	return &copied
}
