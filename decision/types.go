package decision

import (
	"time"

	"go.jetify.com/typeid"
)

// Method identifies how a decision was resolved.
type Method string

const (
	MethodRule          Method = "rule"
	MethodModelAssisted Method = "model_assisted"
	MethodPreference    Method = "preference"
)

// Option is one candidate answer to a decision question.
type Option struct {
	ID         string         `json:"id"`
	Label      string         `json:"label,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Question is a branching question to be resolved to exactly one option.
type Question struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id,omitempty"`
	Stage       string         `json:"stage"`
	Type        string         `json:"type"`
	Options     []Option       `json:"options"`
	Constraints map[string]any `json:"constraints,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Alternative is an option that was considered but not chosen, with the
// reason it was rejected.
type Alternative struct {
	Option Option `json:"option"`
	Reason string `json:"reason"`
}

// Record is the immutable log entry for one resolved decision. Every record
// carries a non-empty reasoning string; a decision that cannot explain itself
// is a defect.
type Record struct {
	DecisionID   string        `json:"decision_id"`
	QuestionID   string        `json:"question_id"`
	SessionID    string        `json:"session_id"`
	UserID       string        `json:"user_id,omitempty"`
	Stage        string        `json:"stage"`
	QuestionType string        `json:"question_type"`
	Method       Method        `json:"method"`
	Selected     Option        `json:"selected"`
	Reasoning    string        `json:"reasoning"`
	Confidence   float64       `json:"confidence"`
	Alternatives []Alternative `json:"alternatives"`
	Timestamp    time.Time     `json:"timestamp"`
}

// FeedbackKind distinguishes user acceptance from correction.
type FeedbackKind string

const (
	FeedbackAccept   FeedbackKind = "accept"
	FeedbackOverride FeedbackKind = "override"
)

// Feedback is user feedback on a logged decision.
type Feedback struct {
	Kind FeedbackKind `json:"kind"`

	// CorrectedOptionID names the option the user actually wanted. Required
	// for overrides.
	CorrectedOptionID string `json:"corrected_option_id,omitempty"`

	Comment string `json:"comment,omitempty"`
}

// NewDecisionID returns a new unique decision identifier.
func NewDecisionID() string {
	id, err := typeid.WithPrefix("dec")
	if err != nil {
		panic(err)
	}
	return id.String()
}
