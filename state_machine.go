package designflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TransitionRecord is one entry of a session's append-only stage history.
type TransitionRecord struct {
	From      Stage     `json:"from"`
	To        Stage     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// InvalidTransitionError is returned when a transition target is not in the
// current stage's allowed-successor set.
type InvalidTransitionError struct {
	From Stage
	To   Stage
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// StateSnapshot is a point-in-time view of a session's workflow state.
type StateSnapshot struct {
	SessionID   string             `json:"session_id"`
	Stage       Stage              `json:"stage"`
	PausedFrom  Stage              `json:"paused_from,omitempty"`
	Progress    float64            `json:"progress"`
	ETA         time.Time          `json:"eta"`
	History     []TransitionRecord `json:"history"`
	CanPause    bool               `json:"can_pause"`
	CanRollback bool               `json:"can_rollback"`
	NextStages  []Stage            `json:"next_stages"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// StateMachine validates and records stage transitions for one session. The
// history is append-only; a rollback is a new forward-in-time entry pointing
// backward in stage space, never a history edit.
type StateMachine struct {
	sessionID  string
	mutex      sync.RWMutex
	current    Stage
	pausedFrom Stage
	history    []TransitionRecord
	updatedAt  time.Time

	// persist, when set, is invoked while the transition lock is still held
	// so the save completes before the lock is released.
	persist func(ctx context.Context) error
}

// NewStateMachine creates a state machine positioned at the initial stage.
func NewStateMachine(sessionID string) *StateMachine {
	return &StateMachine{
		sessionID: sessionID,
		current:   StageInitializing,
		updatedAt: time.Now(),
	}
}

// restoreStateMachine rebuilds a state machine from persisted or checkpoint
// state.
func restoreStateMachine(sessionID string, stage, pausedFrom Stage, history []TransitionRecord) *StateMachine {
	return &StateMachine{
		sessionID:  sessionID,
		current:    stage,
		pausedFrom: pausedFrom,
		history:    append([]TransitionRecord(nil), history...),
		updatedAt:  time.Now(),
	}
}

// SetPersistence installs the persistence hook called on every transition.
func (m *StateMachine) SetPersistence(persist func(ctx context.Context) error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.persist = persist
}

// Current returns the current stage.
func (m *StateMachine) Current() Stage {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.current
}

// PausedFrom returns the stage the session was paused from, or "" if the
// session is not paused.
func (m *StateMachine) PausedFrom() Stage {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.pausedFrom
}

// History returns a copy of the transition history.
func (m *StateMachine) History() []TransitionRecord {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return append([]TransitionRecord(nil), m.history...)
}

// CanTransition reports whether a transition to target is currently allowed.
// It is a pure predicate with no side effects.
func (m *StateMachine) CanTransition(target Stage) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.canTransitionLocked(target)
}

func (m *StateMachine) canTransitionLocked(target Stage) bool {
	if !ValidStage(target) {
		return false
	}
	// Pause is orthogonal: any non-terminal stage may pause, and a paused
	// session may resume into any non-terminal pipeline stage.
	if target == StagePaused {
		return m.current != StagePaused && !IsTerminal(m.current)
	}
	if m.current == StagePaused {
		// Resume into any non-terminal stage; abort to failed is also allowed.
		return target == StageFailed || !IsTerminal(target)
	}
	for _, next := range AllowedSuccessors(m.current) {
		if next == target {
			return true
		}
	}
	return false
}

// Transition moves the state machine to target, appending a history entry and
// persisting the new state before returning. The note is free-form context
// recorded alongside the entry.
func (m *StateMachine) Transition(ctx context.Context, target Stage, note string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.canTransitionLocked(target) {
		return &InvalidTransitionError{From: m.current, To: target}
	}

	prev := m.current
	prevPausedFrom := m.pausedFrom
	prevUpdatedAt := m.updatedAt

	m.history = append(m.history, TransitionRecord{
		From:      m.current,
		To:        target,
		Timestamp: time.Now(),
		Note:      note,
	})
	if target == StagePaused {
		m.pausedFrom = m.current
	} else {
		m.pausedFrom = ""
	}
	m.current = target
	m.updatedAt = time.Now()

	if m.persist != nil {
		if err := m.persist(ctx); err != nil {
			// Roll back the in-memory change so state and store never diverge
			m.history = m.history[:len(m.history)-1]
			m.current = prev
			m.pausedFrom = prevPausedFrom
			m.updatedAt = prevUpdatedAt
			return fmt.Errorf("failed to persist transition: %w", err)
		}
	}
	return nil
}

// completedStages returns the set of distinct stages that have been completed,
// i.e. appear as a transition source with a forward outcome. Entries that led
// into paused or failed do not mark their source stage as completed.
func (m *StateMachine) completedStages() map[Stage]bool {
	completed := map[Stage]bool{}
	for _, entry := range m.history {
		if entry.To == StagePaused || entry.To == StageFailed {
			continue
		}
		if entry.From == StagePaused {
			continue
		}
		completed[entry.From] = true
	}
	return completed
}

// Snapshot computes the current state view, including weighted progress and a
// heuristic ETA.
func (m *StateMachine) Snapshot() StateSnapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	completed := m.completedStages()

	weight := 0
	for stage := range completed {
		weight += StageWeight(stage)
	}
	progress := float64(weight) * 100 / totalStageWeight

	var remaining time.Duration
	for _, stage := range PipelineStages() {
		if !completed[stage] {
			remaining += StageEstimate(stage)
		}
	}

	var nextStages []Stage
	canRollback := false
	if m.current != StagePaused {
		order := stageOrderIndex()
		for _, next := range AllowedSuccessors(m.current) {
			nextStages = append(nextStages, next)
			if next != StageFailed && order[next] < order[m.current] {
				canRollback = true
			}
		}
	}

	return StateSnapshot{
		SessionID:   m.sessionID,
		Stage:       m.current,
		PausedFrom:  m.pausedFrom,
		Progress:    progress,
		ETA:         time.Now().Add(remaining),
		History:     append([]TransitionRecord(nil), m.history...),
		CanPause:    m.current != StagePaused && !IsTerminal(m.current),
		CanRollback: canRollback,
		NextStages:  nextStages,
		UpdatedAt:   m.updatedAt,
	}
}

var stageOrder = buildStageOrder()

func stageOrderIndex() map[Stage]int {
	return stageOrder
}

func buildStageOrder() map[Stage]int {
	order := map[Stage]int{}
	for i, stage := range PipelineStages() {
		order[stage] = i
	}
	order[StageCompleted] = len(order)
	order[StageFailed] = len(order)
	return order
}
