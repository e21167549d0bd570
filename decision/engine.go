package decision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/designflow/recovery"
)

// oracleOperationID is the circuit breaker key shared by all oracle calls.
const oracleOperationID = "decision-oracle"

// EngineOptions configures a decision Engine.
type EngineOptions struct {
	// Rules is the ordered rule list. Order is part of the contract: the
	// first matching rule wins.
	Rules []Rule

	// Preferences holds learned user preferences. A fresh store is created
	// when nil.
	Preferences *PreferenceStore

	// Oracle is the model-assisted fallback. Optional; without it, questions
	// that no preference or rule resolves fail with a validation error.
	Oracle Oracle

	// Recovery wraps oracle calls. A default manager is created when nil.
	Recovery *recovery.Manager

	// PreferenceThreshold is the minimum stored confidence for a preference
	// to resolve a question directly. Defaults to 0.8.
	PreferenceThreshold float64

	// OracleTimeout bounds each oracle call. Defaults to 30s.
	OracleTimeout time.Duration

	Logger *slog.Logger
}

// Engine resolves decision questions to exactly one option with an
// explanation. Resolution order: stored preference, then the ordered rule
// list, then the oracle.
type Engine struct {
	rules         []Rule
	preferences   *PreferenceStore
	oracle        Oracle
	recovery      *recovery.Manager
	prefThreshold float64
	oracleTimeout time.Duration
	log           *Log
	logger        *slog.Logger
}

// NewEngine creates a decision engine.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Preferences == nil {
		opts.Preferences = NewPreferenceStore()
	}
	if opts.Recovery == nil {
		opts.Recovery = recovery.NewManager(recovery.ManagerOptions{})
	}
	if opts.PreferenceThreshold <= 0 {
		opts.PreferenceThreshold = 0.8
	}
	if opts.OracleTimeout <= 0 {
		opts.OracleTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		rules:         opts.Rules,
		preferences:   opts.Preferences,
		oracle:        opts.Oracle,
		recovery:      opts.Recovery,
		prefThreshold: opts.PreferenceThreshold,
		oracleTimeout: opts.OracleTimeout,
		log:           NewLog(),
		logger:        opts.Logger,
	}
}

// Log returns the append-only decision log.
func (e *Engine) Log() *Log {
	return e.log
}

// Preferences returns the preference store.
func (e *Engine) Preferences() *PreferenceStore {
	return e.preferences
}

// Resolve answers a question with exactly one option. The record is appended
// to the decision log before it is returned.
func (e *Engine) Resolve(ctx context.Context, q *Question) (*Record, error) {
	if len(q.Options) == 0 {
		return nil, recovery.NewError(recovery.KindValidation, fmt.Sprintf("question %q has no options", q.ID))
	}

	record, err := e.resolve(ctx, q)
	if err != nil {
		return nil, err
	}
	if record.Reasoning == "" {
		// A decision without reasoning is a defect, not an acceptable output
		return nil, fmt.Errorf("decision for question %q produced no reasoning", q.ID)
	}
	record.DecisionID = NewDecisionID()
	record.QuestionID = q.ID
	record.SessionID = q.SessionID
	record.UserID = q.UserID
	record.Stage = q.Stage
	record.QuestionType = q.Type
	record.Timestamp = time.Now()
	record.Confidence = clamp01(record.Confidence)
	record.Alternatives = fillAlternatives(q, record.Selected, record.Alternatives, record.Method)

	if err := e.log.Append(record); err != nil {
		return nil, err
	}
	e.logger.Info("decision resolved",
		"session_id", q.SessionID,
		"question_type", q.Type,
		"method", record.Method,
		"selected", record.Selected.ID,
		"confidence", record.Confidence)
	return record, nil
}

func (e *Engine) resolve(ctx context.Context, q *Question) (*Record, error) {
	// 1. Stored preference with high confidence wins immediately.
	if q.UserID != "" {
		if pref, ok := e.preferences.Get(q.UserID, q.Type); ok && pref.Confidence > e.prefThreshold {
			if opt, ok := findOption(q.Options, pref.OptionID); ok {
				return &Record{
					Method:   MethodPreference,
					Selected: opt,
					Reasoning: fmt.Sprintf("user %s has a stored preference for %q on %s questions (confidence %.2f)",
						q.UserID, pref.OptionID, q.Type, pref.Confidence),
					Confidence: pref.Confidence,
				}, nil
			}
		}
	}

	// 2. Ordered rule list, first match wins.
	for _, rule := range e.rules {
		if !rule.matches(q) {
			continue
		}
		selection, err := rule.Select(q)
		if err != nil {
			return nil, fmt.Errorf("rule %q failed to select: %w", rule.Name, err)
		}
		return &Record{
			Method:       MethodRule,
			Selected:     selection.Option,
			Reasoning:    selection.Reasoning,
			Confidence:   selection.Confidence,
			Alternatives: selection.Alternatives,
		}, nil
	}

	// 3. Model-assisted fallback.
	if e.oracle == nil {
		return nil, recovery.NewError(recovery.KindValidation,
			fmt.Sprintf("no rule matched question type %q and no oracle is configured", q.Type))
	}
	return e.consultOracle(ctx, q)
}

// consultOracle delegates to the external oracle through the recovery
// manager, since it is a fallible remote call.
func (e *Engine) consultOracle(ctx context.Context, q *Question) (*Record, error) {
	op := recovery.Operation{
		ID:      oracleOperationID,
		Timeout: e.oracleTimeout,
		Run: func(ctx context.Context, octx *recovery.OperationContext) (any, error) {
			return e.oracle.Decide(ctx, q)
		},
	}
	octx := recovery.NewOperationContext(q.SessionID, q.Stage, q.Context)

	result := e.recovery.Execute(ctx, op, octx)
	if !result.Success() {
		return nil, fmt.Errorf("oracle call failed (%s after %d attempts): %w",
			result.Action, result.Attempts, result.Err)
	}
	answer, ok := result.Output.(*Answer)
	if !ok || answer == nil {
		return nil, fmt.Errorf("oracle returned no answer for question %q", q.ID)
	}
	opt, found := findOption(q.Options, answer.SelectedOptionID)
	if !found {
		return nil, fmt.Errorf("oracle selected %q which is not an offered option", answer.SelectedOptionID)
	}
	return &Record{
		Method:       MethodModelAssisted,
		Selected:     opt,
		Reasoning:    answer.Reasoning,
		Confidence:   answer.Confidence,
		Alternatives: answer.Alternatives,
	}, nil
}

// Explain reconstructs a user-facing explanation from the logged record.
func (e *Engine) Explain(decisionID string) (string, error) {
	return e.log.Explain(decisionID)
}

// Learn applies user feedback to a logged decision. Acceptance reinforces the
// preference store; an override records the corrected option as the new
// preference and forwards feedback to the oracle when the original method was
// model-assisted.
func (e *Engine) Learn(ctx context.Context, decisionID string, feedback Feedback) error {
	record, ok := e.log.Get(decisionID)
	if !ok {
		return fmt.Errorf("decision %q not found", decisionID)
	}
	userID := e.userForRecord(record)

	switch feedback.Kind {
	case FeedbackAccept:
		if userID != "" {
			e.preferences.Reinforce(userID, record.QuestionType, record.Selected.ID)
		}
	case FeedbackOverride:
		if feedback.CorrectedOptionID == "" {
			return fmt.Errorf("override feedback requires a corrected option")
		}
		if userID != "" {
			e.preferences.Override(userID, record.QuestionType, feedback.CorrectedOptionID)
		}
		if record.Method == MethodModelAssisted {
			if recorder, ok := e.oracle.(FeedbackRecorder); ok {
				if err := recorder.RecordFeedback(ctx, record, feedback); err != nil {
					e.logger.Warn("failed to record oracle feedback", "decision_id", decisionID, "error", err)
				}
			} else {
				e.logger.Info("model-assisted decision overridden",
					"decision_id", decisionID,
					"selected", record.Selected.ID,
					"corrected", feedback.CorrectedOptionID)
			}
		}
	default:
		return fmt.Errorf("unknown feedback kind %q", feedback.Kind)
	}
	return nil
}

// userForRecord returns the preference scope for a record. Sessions are
// single-owner, so the session id doubles as the scope when no user id was
// attached to the question.
func (e *Engine) userForRecord(record *Record) string {
	if record.UserID != "" {
		return record.UserID
	}
	return record.SessionID
}

func findOption(options []Option, id string) (Option, bool) {
	for _, opt := range options {
		if opt.ID == id {
			return opt, true
		}
	}
	return Option{}, false
}

// fillAlternatives ensures every non-selected option appears in the
// alternatives list with a rejection reason.
func fillAlternatives(q *Question, selected Option, given []Alternative, method Method) []Alternative {
	byID := map[string]Alternative{}
	for _, alt := range given {
		byID[alt.Option.ID] = alt
	}
	var result []Alternative
	for _, opt := range q.Options {
		if opt.ID == selected.ID {
			continue
		}
		if alt, ok := byID[opt.ID]; ok {
			result = append(result, alt)
			continue
		}
		result = append(result, Alternative{
			Option: opt,
			Reason: genericRejection(method),
		})
	}
	return result
}

func genericRejection(method Method) string {
	switch method {
	case MethodPreference:
		return "not the user's stored preference"
	case MethodRule:
		return "not selected by the first matching rule"
	default:
		return "not selected by the decision oracle"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
