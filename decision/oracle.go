package decision

import "context"

// Answer is a decision oracle's response to a question.
type Answer struct {
	SelectedOptionID string        `json:"selected_option_id"`
	Reasoning        string        `json:"reasoning"`
	Confidence       float64       `json:"confidence"`
	Alternatives     []Alternative `json:"alternatives,omitempty"`
}

// Oracle is the external model-assisted reasoning backend consulted when no
// deterministic rule applies. Calls may fail and are retried by the caller;
// failures are treated as transient unless classified otherwise.
type Oracle interface {
	Decide(ctx context.Context, q *Question) (*Answer, error)
}

// FeedbackRecorder is optionally implemented by oracles that accept feedback
// on overridden decisions.
type FeedbackRecorder interface {
	RecordFeedback(ctx context.Context, record *Record, feedback Feedback) error
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, q *Question) (*Answer, error)

func (f OracleFunc) Decide(ctx context.Context, q *Question) (*Answer, error) {
	return f(ctx, q)
}
