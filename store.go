package designflow

import (
	"context"
	"sync"
	"time"
)

// SessionRecord is the serializable form of a session's workflow state. It is
// what a StateStore persists on every transition.
type SessionRecord struct {
	SessionID  string             `json:"session_id"`
	Owner      string             `json:"owner"`
	CreatedAt  time.Time          `json:"created_at"`
	Stage      Stage              `json:"stage"`
	PausedFrom Stage              `json:"paused_from,omitempty"`
	History    []TransitionRecord `json:"history"`
	Results    map[string]any     `json:"results,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Copy returns a deep-enough copy of the record for safe sharing.
func (r *SessionRecord) Copy() *SessionRecord {
	return &SessionRecord{
		SessionID:  r.SessionID,
		Owner:      r.Owner,
		CreatedAt:  r.CreatedAt,
		Stage:      r.Stage,
		PausedFrom: r.PausedFrom,
		History:    append([]TransitionRecord(nil), r.History...),
		Results:    copyMap(r.Results),
		UpdatedAt:  r.UpdatedAt,
	}
}

// StateStore persists session workflow state. Saves must complete before the
// session's execution lock is released, so implementations should be
// synchronous.
type StateStore interface {
	// SaveState persists the given session record, replacing any prior record
	// for the same session.
	SaveState(ctx context.Context, record *SessionRecord) error

	// LoadState returns the record for a session, or nil if none exists.
	LoadState(ctx context.Context, sessionID string) (*SessionRecord, error)

	// DeleteState removes all persisted state for a session.
	DeleteState(ctx context.Context, sessionID string) error

	// ListSessions returns the IDs of all persisted sessions.
	ListSessions(ctx context.Context) ([]string, error)
}

// MemoryStateStore is an in-memory StateStore suitable for tests and
// single-process use.
type MemoryStateStore struct {
	mutex   sync.RWMutex
	records map[string]*SessionRecord
}

// NewMemoryStateStore creates a new in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{records: map[string]*SessionRecord{}}
}

func (s *MemoryStateStore) SaveState(ctx context.Context, record *SessionRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.records[record.SessionID] = record.Copy()
	return nil
}

func (s *MemoryStateStore) LoadState(ctx context.Context, sessionID string) (*SessionRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	record, ok := s.records[sessionID]
	if !ok {
		return nil, nil
	}
	return record.Copy(), nil
}

func (s *MemoryStateStore) DeleteState(ctx context.Context, sessionID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.records, sessionID)
	return nil
}

func (s *MemoryStateStore) ListSessions(ctx context.Context) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids, nil
}

// copyMap creates a shallow copy of a map
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	copied := make(map[string]any, len(m))
	for k, v := range m {
		copied[k] = v
	}
	return copied
}
