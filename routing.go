package designflow

import (
	"fmt"

	"github.com/deepnoodle-ai/designflow/decision"
)

// DecisionPoint declares a branching question the orchestrator must resolve
// after a stage completes, and how each answer routes the pipeline.
type DecisionPoint struct {
	// QuestionType identifies the question for rule matching and preference
	// lookup.
	QuestionType string

	// Options are the candidate answers.
	Options []decision.Option

	// Routes maps a selected option id to the next stage.
	Routes map[string]Stage
}

// DefaultDecisionPoints returns the built-in branch points of the design
// pipeline: whether evaluated designs are acceptable, how to resolve
// compliance violations, and how to resolve a failed validation.
func DefaultDecisionPoints() map[Stage]DecisionPoint {
	return map[Stage]DecisionPoint{
		StageEvaluatingDesigns: {
			QuestionType: "design_acceptance",
			Options: []decision.Option{
				{ID: "proceed", Label: "Accept the evaluated designs"},
				{ID: "reoptimize", Label: "Re-run optimization with adjusted parameters"},
			},
			Routes: map[string]Stage{
				"proceed":    StageSelectingOptimal,
				"reoptimize": StageRunningOptimization,
			},
		},
		StageCheckingCompliance: {
			QuestionType: "compliance_resolution",
			Options: []decision.Option{
				{ID: "proceed", Label: "Design is compliant, continue"},
				{ID: "rematerialize", Label: "Rework material selection to resolve violations"},
			},
			Routes: map[string]Stage{
				"proceed":       StageValidatingDesign,
				"rematerialize": StageSelectingMaterials,
			},
		},
		StageValidatingDesign: {
			QuestionType: "validation_resolution",
			Options: []decision.Option{
				{ID: "proceed", Label: "Validation passed, generate export"},
				{ID: "reoptimize", Label: "Re-run optimization to fix validation findings"},
			},
			Routes: map[string]Stage{
				"proceed":    StageGeneratingExport,
				"reoptimize": StageRunningOptimization,
			},
		},
	}
}

// DefaultRoutingRules returns the deterministic rules that answer the
// built-in branch points from stage outputs, so the oracle is only consulted
// for questions these rules cannot settle. Order matters: the first matching
// rule wins.
func DefaultRoutingRules() []decision.Rule {
	return []decision.Rule{
		{
			Name:         "reoptimize-on-request",
			QuestionType: "design_acceptance",
			Condition: func(q *decision.Question) bool {
				return contextBool(q, "reoptimize_requested")
			},
			Select: selectFixed("reoptimize", "the evaluation stage requested another optimization pass", 0.95),
		},
		{
			Name:         "accept-evaluated-designs",
			QuestionType: "design_acceptance",
			Select:       selectFixed("proceed", "the evaluated designs meet their objectives and no re-optimization was requested", 0.9),
		},
		{
			Name:         "rework-materials-on-violations",
			QuestionType: "compliance_resolution",
			Condition: func(q *decision.Question) bool {
				return contextInt(q, "compliance_violations") > 0
			},
			Select: func(q *decision.Question) (*decision.Selection, error) {
				violations := contextInt(q, "compliance_violations")
				return buildSelection(q, "rematerialize",
					fmt.Sprintf("%d compliance violations require a different material selection", violations), 0.95)
			},
		},
		{
			Name:         "accept-compliant-design",
			QuestionType: "compliance_resolution",
			Select:       selectFixed("proceed", "no compliance violations were found", 0.9),
		},
		{
			Name:         "reoptimize-on-failed-validation",
			QuestionType: "validation_resolution",
			Condition: func(q *decision.Question) bool {
				passed, ok := q.Context["validation_passed"].(bool)
				return ok && !passed
			},
			Select: selectFixed("reoptimize", "design validation failed, so another optimization pass is needed", 0.95),
		},
		{
			Name:         "accept-validated-design",
			QuestionType: "validation_resolution",
			Select:       selectFixed("proceed", "design validation passed", 0.9),
		},
	}
}

func selectFixed(optionID, reasoning string, confidence float64) func(q *decision.Question) (*decision.Selection, error) {
	return func(q *decision.Question) (*decision.Selection, error) {
		return buildSelection(q, optionID, reasoning, confidence)
	}
}

func buildSelection(q *decision.Question, optionID, reasoning string, confidence float64) (*decision.Selection, error) {
	for _, opt := range q.Options {
		if opt.ID == optionID {
			return &decision.Selection{
				Option:     opt,
				Reasoning:  reasoning,
				Confidence: confidence,
			}, nil
		}
	}
	return nil, fmt.Errorf("option %q not offered for question %q", optionID, q.ID)
}

func contextBool(q *decision.Question, key string) bool {
	v, ok := q.Context[key].(bool)
	return ok && v
}

func contextInt(q *decision.Question, key string) int {
	switch v := q.Context[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
