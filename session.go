package designflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/designflow/decision"
	"github.com/deepnoodle-ai/designflow/recovery"
)

// SessionOptions configures a new session.
type SessionOptions struct {
	ID    string
	Owner string
	Store StateStore

	// Inputs seed the session's result map, typically the raw requirement
	// payload.
	Inputs map[string]any
}

// Session is one design pipeline run: its workflow state machine plus the
// append-only decision, checkpoint, and error records accumulated along the
// way. A session is exclusively owned by one orchestrator at a time.
type Session struct {
	id        string
	owner     string
	createdAt time.Time
	machine   *StateMachine
	store     StateStore

	mutex            sync.RWMutex
	results          map[string]any
	decisions        []*decision.Record
	errors           []*recovery.ErrorRecord
	checkpointIDs    []string
	lastCheckpointID string
}

// NewSession creates a session positioned at the initial stage. The state
// machine is wired so every transition persists the session record before the
// transition lock is released.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if opts.ID == "" {
		opts.ID = NewSessionID()
	}
	s := &Session{
		id:        opts.ID,
		owner:     opts.Owner,
		createdAt: time.Now(),
		machine:   NewStateMachine(opts.ID),
		store:     opts.Store,
		results:   copyMap(opts.Inputs),
	}
	if s.results == nil {
		s.results = map[string]any{}
	}
	s.machine.SetPersistence(s.persist)
	return s, nil
}

// restoreSession rebuilds a session from a checkpoint. The new session has a
// fresh identity and a history seeded from the checkpoint; the original
// session is never mutated.
func restoreSession(checkpoint *Checkpoint, store StateStore) (*Session, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	s := &Session{
		id:        NewSessionID(),
		owner:     checkpoint.Owner,
		createdAt: time.Now(),
		store:     store,
		results:   copyMap(checkpoint.Results),
	}
	if s.results == nil {
		s.results = map[string]any{}
	}
	s.machine = restoreStateMachine(s.id, checkpoint.Stage, "", checkpoint.History)
	s.machine.SetPersistence(s.persist)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Owner returns the session owner reference.
func (s *Session) Owner() string {
	return s.owner
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// State returns the session's state machine.
func (s *Session) State() *StateMachine {
	return s.machine
}

// persist writes the current session record to the state store. It is called
// by the state machine while the transition lock is held.
func (s *Session) persist(ctx context.Context) error {
	return s.store.SaveState(ctx, s.record())
}

func (s *Session) record() *SessionRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return &SessionRecord{
		SessionID:  s.id,
		Owner:      s.owner,
		CreatedAt:  s.createdAt,
		Stage:      s.machine.current,
		PausedFrom: s.machine.pausedFrom,
		History:    append([]TransitionRecord(nil), s.machine.history...),
		Results:    copyMap(s.results),
		UpdatedAt:  time.Now(),
	}
}

// SetResult records an intermediate result under the given key.
func (s *Session) SetResult(key string, value any) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.results[key] = value
}

// MergeResults merges a map of results into the session.
func (s *Session) MergeResults(values map[string]any) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for k, v := range values {
		s.results[k] = v
	}
}

// Results returns a copy of the accumulated results.
func (s *Session) Results() map[string]any {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return copyMap(s.results)
}

// AddDecision appends a decision record to the session.
func (s *Session) AddDecision(record *decision.Record) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.decisions = append(s.decisions, record)
}

// Decisions returns the session's decision records in append order.
func (s *Session) Decisions() []*decision.Record {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return append([]*decision.Record(nil), s.decisions...)
}

// AddError appends an error record to the session.
func (s *Session) AddError(record *recovery.ErrorRecord) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.errors = append(s.errors, record)
}

// Errors returns the session's error records in append order.
func (s *Session) Errors() []*recovery.ErrorRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return append([]*recovery.ErrorRecord(nil), s.errors...)
}

// AddCheckpoint records a created checkpoint reference.
func (s *Session) AddCheckpoint(checkpointID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.checkpointIDs = append(s.checkpointIDs, checkpointID)
	s.lastCheckpointID = checkpointID
}

// CheckpointIDs returns the ids of checkpoints created for this session.
func (s *Session) CheckpointIDs() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return append([]string(nil), s.checkpointIDs...)
}

// LastCheckpointID returns the most recent checkpoint id, or "".
func (s *Session) LastCheckpointID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.lastCheckpointID
}

// FailureReport describes a failed session: the last good checkpoint, the
// accumulated partial results, and the final classified error. It never
// exposes raw internal exceptions.
type FailureReport struct {
	SessionID        string                `json:"session_id"`
	LastCheckpointID string                `json:"last_checkpoint_id,omitempty"`
	PartialResults   map[string]any        `json:"partial_results,omitempty"`
	LastError        *recovery.ErrorRecord `json:"last_error,omitempty"`
}

// Failure returns the failure report for a failed session, or nil if the
// session has not failed.
func (s *Session) Failure() *FailureReport {
	if s.machine.Current() != StageFailed {
		return nil
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var lastError *recovery.ErrorRecord
	if len(s.errors) > 0 {
		lastError = s.errors[len(s.errors)-1]
	}
	return &FailureReport{
		SessionID:        s.id,
		LastCheckpointID: s.lastCheckpointID,
		PartialResults:   copyMap(s.results),
		LastError:        lastError,
	}
}
