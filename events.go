package designflow

import (
	"time"

	"github.com/deepnoodle-ai/designflow/decision"
	"github.com/deepnoodle-ai/designflow/recovery"
)

// EventKind identifies one of the session lifecycle event kinds.
type EventKind string

const (
	EventStarted         EventKind = "started"
	EventStageChanged    EventKind = "stage_changed"
	EventProgressUpdated EventKind = "progress_updated"
	EventDecisionMade    EventKind = "decision_made"
	EventError           EventKind = "error"
	EventPaused          EventKind = "paused"
	EventResumed         EventKind = "resumed"
	EventCompleted       EventKind = "completed"
	EventFailed          EventKind = "failed"
)

// Event is one session lifecycle or progress notification. Each event carries
// the session id, an RFC 3339 timestamp, and the payload fields relevant to
// its kind.
type Event struct {
	Kind      EventKind             `json:"kind"`
	SessionID string                `json:"session_id"`
	Timestamp time.Time             `json:"timestamp"`
	Stage     Stage                 `json:"stage,omitempty"`
	Progress  float64               `json:"progress,omitempty"`
	Decision  *decision.Record      `json:"decision,omitempty"`
	Error     *recovery.ErrorRecord `json:"error,omitempty"`
}

// newEvent builds an event stamped with the current time.
func newEvent(kind EventKind, sessionID string) Event {
	return Event{
		Kind:      kind,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}
