package decision

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/designflow/recovery"
)

func designQuestion(userID string) *Question {
	return &Question{
		ID:        "q1",
		SessionID: "session_1",
		UserID:    userID,
		Stage:     "evaluating_designs",
		Type:      "design_acceptance",
		Options: []Option{
			{ID: "proceed", Label: "Accept the designs"},
			{ID: "reoptimize", Label: "Run optimization again"},
		},
		Context: map[string]any{},
	}
}

func acceptRule(name string) Rule {
	return Rule{
		Name:         name,
		QuestionType: "design_acceptance",
		Select: func(q *Question) (*Selection, error) {
			opt, _ := findOption(q.Options, "proceed")
			return &Selection{Option: opt, Reasoning: "designs meet objectives", Confidence: 0.9}, nil
		},
	}
}

func TestResolveRequiresOptions(t *testing.T) {
	engine := NewEngine(EngineOptions{})
	q := designQuestion("")
	q.Options = nil

	_, err := engine.Resolve(context.Background(), q)
	var classified *recovery.Error
	require.ErrorAs(t, err, &classified)
	require.Equal(t, recovery.KindValidation, classified.Kind)
}

func TestResolveByRule(t *testing.T) {
	engine := NewEngine(EngineOptions{Rules: []Rule{acceptRule("accept")}})

	record, err := engine.Resolve(context.Background(), designQuestion(""))
	require.NoError(t, err)
	require.Equal(t, MethodRule, record.Method)
	require.Equal(t, "proceed", record.Selected.ID)
	require.NotEmpty(t, record.DecisionID)
	require.Equal(t, "session_1", record.SessionID)
	require.Equal(t, "design_acceptance", record.QuestionType)

	// Every non-selected option appears as a rejected alternative
	require.Len(t, record.Alternatives, 1)
	require.Equal(t, "reoptimize", record.Alternatives[0].Option.ID)
	require.NotEmpty(t, record.Alternatives[0].Reason)

	// The record is already in the log
	logged, ok := engine.Log().Get(record.DecisionID)
	require.True(t, ok)
	require.Equal(t, record.Selected.ID, logged.Selected.ID)
}

func TestResolveFirstMatchingRuleWins(t *testing.T) {
	// Two rules with overlapping conditions for the same question type; list
	// order decides
	reoptimize := Rule{
		Name:         "always-reoptimize",
		QuestionType: "design_acceptance",
		Select: func(q *Question) (*Selection, error) {
			opt, _ := findOption(q.Options, "reoptimize")
			return &Selection{Option: opt, Reasoning: "another pass requested", Confidence: 0.95}, nil
		},
	}

	first := NewEngine(EngineOptions{Rules: []Rule{reoptimize, acceptRule("accept")}})
	record, err := first.Resolve(context.Background(), designQuestion(""))
	require.NoError(t, err)
	require.Equal(t, "reoptimize", record.Selected.ID)

	flipped := NewEngine(EngineOptions{Rules: []Rule{acceptRule("accept"), reoptimize}})
	record, err = flipped.Resolve(context.Background(), designQuestion(""))
	require.NoError(t, err)
	require.Equal(t, "proceed", record.Selected.ID)
}

func TestResolveRuleConditionGates(t *testing.T) {
	conditional := Rule{
		Name:         "reoptimize-on-request",
		QuestionType: "design_acceptance",
		Condition: func(q *Question) bool {
			requested, _ := q.Context["reoptimize_requested"].(bool)
			return requested
		},
		Select: func(q *Question) (*Selection, error) {
			opt, _ := findOption(q.Options, "reoptimize")
			return &Selection{Option: opt, Reasoning: "requested", Confidence: 0.95}, nil
		},
	}
	engine := NewEngine(EngineOptions{Rules: []Rule{conditional, acceptRule("accept")}})

	q := designQuestion("")
	record, err := engine.Resolve(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, "proceed", record.Selected.ID)

	q = designQuestion("")
	q.Context["reoptimize_requested"] = true
	record, err = engine.Resolve(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, "reoptimize", record.Selected.ID)
}

func TestResolvePreferenceBeatsRules(t *testing.T) {
	prefs := NewPreferenceStore()
	prefs.Override("engineer-1", "design_acceptance", "reoptimize") // confidence 0.9

	engine := NewEngine(EngineOptions{
		Rules:       []Rule{acceptRule("accept")},
		Preferences: prefs,
	})

	record, err := engine.Resolve(context.Background(), designQuestion("engineer-1"))
	require.NoError(t, err)
	require.Equal(t, MethodPreference, record.Method)
	require.Equal(t, "reoptimize", record.Selected.ID)

	// Below the threshold the preference is ignored
	lowPrefs := NewPreferenceStore()
	lowPrefs.Set("engineer-2", "design_acceptance", Preference{OptionID: "reoptimize", Confidence: 0.6})
	engine = NewEngine(EngineOptions{
		Rules:       []Rule{acceptRule("accept")},
		Preferences: lowPrefs,
	})
	record, err = engine.Resolve(context.Background(), designQuestion("engineer-2"))
	require.NoError(t, err)
	require.Equal(t, MethodRule, record.Method)
}

func TestResolvePreferenceForWithdrawnOptionFallsThrough(t *testing.T) {
	prefs := NewPreferenceStore()
	prefs.Override("engineer-1", "design_acceptance", "defer") // not offered

	engine := NewEngine(EngineOptions{
		Rules:       []Rule{acceptRule("accept")},
		Preferences: prefs,
	})
	record, err := engine.Resolve(context.Background(), designQuestion("engineer-1"))
	require.NoError(t, err)
	require.Equal(t, MethodRule, record.Method)
}

type stubOracle struct {
	answer   *Answer
	err      error
	calls    int
	feedback []Feedback
}

func (o *stubOracle) Decide(ctx context.Context, q *Question) (*Answer, error) {
	o.calls++
	if o.err != nil {
		return nil, o.err
	}
	return o.answer, nil
}

func (o *stubOracle) RecordFeedback(ctx context.Context, record *Record, feedback Feedback) error {
	o.feedback = append(o.feedback, feedback)
	return nil
}

func TestResolveOracleFallback(t *testing.T) {
	oracle := &stubOracle{answer: &Answer{
		SelectedOptionID: "reoptimize",
		Reasoning:        "candidate spread is too wide",
		Confidence:       0.7,
	}}
	engine := NewEngine(EngineOptions{Oracle: oracle})

	record, err := engine.Resolve(context.Background(), designQuestion(""))
	require.NoError(t, err)
	require.Equal(t, MethodModelAssisted, record.Method)
	require.Equal(t, "reoptimize", record.Selected.ID)
	require.Equal(t, 1, oracle.calls)
}

func TestResolveOracleRejectsUnofferedOption(t *testing.T) {
	oracle := &stubOracle{answer: &Answer{SelectedOptionID: "defer", Reasoning: "wait"}}
	engine := NewEngine(EngineOptions{Oracle: oracle})

	_, err := engine.Resolve(context.Background(), designQuestion(""))
	require.ErrorContains(t, err, "not an offered option")
}

func TestResolveNoRuleNoOracleFails(t *testing.T) {
	engine := NewEngine(EngineOptions{})
	_, err := engine.Resolve(context.Background(), designQuestion(""))
	var classified *recovery.Error
	require.ErrorAs(t, err, &classified)
	require.Equal(t, recovery.KindValidation, classified.Kind)
}

func TestResolveOracleFailureSurfacesRecoveryOutcome(t *testing.T) {
	oracle := &stubOracle{err: recovery.NewError(recovery.KindFatal, "oracle unauthorized")}
	engine := NewEngine(EngineOptions{Oracle: oracle})

	_, err := engine.Resolve(context.Background(), designQuestion(""))
	require.Error(t, err)
	require.Equal(t, 1, oracle.calls, "fatal oracle errors are not retried")
	require.ErrorContains(t, err, "oracle call failed")
}

func TestLearnAcceptReinforcesPreference(t *testing.T) {
	engine := NewEngine(EngineOptions{Rules: []Rule{acceptRule("accept")}})
	record, err := engine.Resolve(context.Background(), designQuestion("engineer-1"))
	require.NoError(t, err)

	require.NoError(t, engine.Learn(context.Background(), record.DecisionID, Feedback{Kind: FeedbackAccept}))
	pref, ok := engine.Preferences().Get("engineer-1", "design_acceptance")
	require.True(t, ok)
	require.Equal(t, "proceed", pref.OptionID)
	require.InDelta(t, 0.6, pref.Confidence, 0.001)

	// Repeated acceptance reinforces up to the cap
	for i := 0; i < 10; i++ {
		require.NoError(t, engine.Learn(context.Background(), record.DecisionID, Feedback{Kind: FeedbackAccept}))
	}
	pref, _ = engine.Preferences().Get("engineer-1", "design_acceptance")
	require.InDelta(t, 1.0, pref.Confidence, 0.001)
}

func TestLearnOverrideSetsCorrectedPreference(t *testing.T) {
	oracle := &stubOracle{answer: &Answer{
		SelectedOptionID: "proceed",
		Reasoning:        "looks fine",
		Confidence:       0.6,
	}}
	engine := NewEngine(EngineOptions{Oracle: oracle})
	record, err := engine.Resolve(context.Background(), designQuestion("engineer-1"))
	require.NoError(t, err)

	err = engine.Learn(context.Background(), record.DecisionID, Feedback{Kind: FeedbackOverride})
	require.ErrorContains(t, err, "corrected option")

	require.NoError(t, engine.Learn(context.Background(), record.DecisionID, Feedback{
		Kind:              FeedbackOverride,
		CorrectedOptionID: "reoptimize",
	}))
	pref, ok := engine.Preferences().Get("engineer-1", "design_acceptance")
	require.True(t, ok)
	require.Equal(t, "reoptimize", pref.OptionID)
	require.InDelta(t, 0.9, pref.Confidence, 0.001)

	// Model-assisted overrides are forwarded to the oracle
	require.Len(t, oracle.feedback, 1)
}

func TestLearnScopesToSessionWithoutUser(t *testing.T) {
	engine := NewEngine(EngineOptions{Rules: []Rule{acceptRule("accept")}})
	record, err := engine.Resolve(context.Background(), designQuestion(""))
	require.NoError(t, err)

	require.NoError(t, engine.Learn(context.Background(), record.DecisionID, Feedback{Kind: FeedbackAccept}))
	_, ok := engine.Preferences().Get("session_1", "design_acceptance")
	require.True(t, ok)
}

func TestExplain(t *testing.T) {
	engine := NewEngine(EngineOptions{Rules: []Rule{acceptRule("accept")}})
	record, err := engine.Resolve(context.Background(), designQuestion(""))
	require.NoError(t, err)

	explanation, err := engine.Explain(record.DecisionID)
	require.NoError(t, err)
	require.Contains(t, explanation, "designs meet objectives")
	require.Contains(t, explanation, record.Selected.Label)

	_, err = engine.Explain("dec_missing")
	require.Error(t, err)
}

func TestLogIsAppendOnly(t *testing.T) {
	log := NewLog()
	record := &Record{
		DecisionID: "dec_1",
		SessionID:  "session_1",
		Selected:   Option{ID: "proceed"},
		Reasoning:  "fine",
	}
	require.NoError(t, log.Append(record))
	require.Error(t, log.Append(record), "duplicate ids are rejected")

	bySession := log.BySession("session_1")
	require.Len(t, bySession, 1)
	require.Empty(t, log.BySession("session_2"))
}

func TestPreferenceSwitchRestartsConfidence(t *testing.T) {
	prefs := NewPreferenceStore()
	prefs.Reinforce("engineer-1", "design_acceptance", "proceed")
	prefs.Reinforce("engineer-1", "design_acceptance", "proceed")
	pref, _ := prefs.Get("engineer-1", "design_acceptance")
	require.InDelta(t, 0.7, pref.Confidence, 0.001)

	// Choosing a different option restarts at the initial confidence
	prefs.Reinforce("engineer-1", "design_acceptance", "reoptimize")
	pref, _ = prefs.Get("engineer-1", "design_acceptance")
	require.Equal(t, "reoptimize", pref.OptionID)
	require.InDelta(t, 0.6, pref.Confidence, 0.001)
}

func TestRuleSelectErrorPropagates(t *testing.T) {
	failing := Rule{
		Name:         "broken",
		QuestionType: "design_acceptance",
		Select: func(q *Question) (*Selection, error) {
			return nil, errors.New("bad rule")
		},
	}
	engine := NewEngine(EngineOptions{Rules: []Rule{failing}})
	_, err := engine.Resolve(context.Background(), designQuestion(""))
	require.ErrorContains(t, err, fmt.Sprintf("rule %q", "broken"))
}
