package designflow

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SessionSummary provides a summary view of a session.
type SessionSummary struct {
	SessionID      string        `json:"session_id"`
	Owner          string        `json:"owner,omitempty"`
	Stage          Stage         `json:"stage"`
	Progress       float64       `json:"progress"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Elapsed        time.Duration `json:"elapsed"`
	Transitions    int           `json:"transitions"`
	Decisions      int           `json:"decisions"`
	Errors         int           `json:"errors"`
	Checkpoints    int           `json:"checkpoints"`
	LastCheckpoint string        `json:"last_checkpoint,omitempty"`
}

// Summarize builds a summary view of a session.
func Summarize(session *Session) SessionSummary {
	snapshot := session.State().Snapshot()
	return SessionSummary{
		SessionID:      session.ID(),
		Owner:          session.Owner(),
		Stage:          snapshot.Stage,
		Progress:       snapshot.Progress,
		CreatedAt:      session.CreatedAt(),
		UpdatedAt:      snapshot.UpdatedAt,
		Elapsed:        snapshot.UpdatedAt.Sub(session.CreatedAt()),
		Transitions:    len(snapshot.History),
		Decisions:      len(session.Decisions()),
		Errors:         len(session.Errors()),
		Checkpoints:    len(session.CheckpointIDs()),
		LastCheckpoint: session.LastCheckpointID(),
	}
}

// FormatSummary renders a human-readable report of a session: its stage and
// progress, the transition history, decisions with reasoning, and recorded
// errors.
func FormatSummary(session *Session) string {
	snapshot := session.State().Snapshot()
	var b strings.Builder

	fmt.Fprintf(&b, "Session %s\n", session.ID())
	if session.Owner() != "" {
		fmt.Fprintf(&b, "  Owner:    %s\n", session.Owner())
	}
	fmt.Fprintf(&b, "  Stage:    %s\n", snapshot.Stage)
	fmt.Fprintf(&b, "  Progress: %.0f%%\n", snapshot.Progress)
	if !IsTerminal(snapshot.Stage) && !snapshot.ETA.IsZero() {
		fmt.Fprintf(&b, "  ETA:      %s\n", snapshot.ETA.Format(time.RFC3339))
	}

	if len(snapshot.History) > 0 {
		b.WriteString("\nTransitions:\n")
		for _, record := range snapshot.History {
			fmt.Fprintf(&b, "  %s  %s -> %s",
				record.Timestamp.Format(time.RFC3339), record.From, record.To)
			if record.Note != "" {
				fmt.Fprintf(&b, "  (%s)", record.Note)
			}
			b.WriteString("\n")
		}
	}

	if decisions := session.Decisions(); len(decisions) > 0 {
		b.WriteString("\nDecisions:\n")
		for _, record := range decisions {
			fmt.Fprintf(&b, "  [%s] %s: chose %q (%.0f%% confidence) via %s\n",
				record.Stage, record.QuestionType, record.Selected.Label,
				record.Confidence*100, record.Method)
			fmt.Fprintf(&b, "    %s\n", record.Reasoning)
		}
	}

	if errs := session.Errors(); len(errs) > 0 {
		b.WriteString("\nErrors:\n")
		for _, record := range errs {
			fmt.Fprintf(&b, "  %s  %s (%s, %d attempts) -> %s\n",
				record.Timestamp.Format(time.RFC3339), record.Cause,
				record.Kind, record.Attempts, record.Action)
		}
	}

	if results := session.Results(); len(results) > 0 {
		keys := make([]string, 0, len(results))
		for key := range results {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		b.WriteString("\nResults:\n")
		for _, key := range keys {
			fmt.Fprintf(&b, "  %s: %v\n", key, results[key])
		}
	}
	return b.String()
}
