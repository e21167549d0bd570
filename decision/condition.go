package decision

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
	"gopkg.in/yaml.v3"
)

// RuleSpec is the YAML form of a scripted rule. The condition and choose
// fields are Risor expressions evaluated against the question's context:
//
//   - name: prefer-stainless-over-budget
//     question_type: material_selection
//     condition: 'context["environment"] == "corrosive"'
//     choose: '"stainless_steel"'
//     reasoning: Corrosive service environments require stainless steel.
//     confidence: 0.95
//
// Expressions see the globals `context`, `constraints`, `options` (the list
// of option ids), and `stage`.
type RuleSpec struct {
	Name         string  `yaml:"name" json:"name"`
	QuestionType string  `yaml:"question_type" json:"question_type"`
	Condition    string  `yaml:"condition,omitempty" json:"condition,omitempty"`
	Choose       string  `yaml:"choose" json:"choose"`
	Reasoning    string  `yaml:"reasoning" json:"reasoning"`
	Confidence   float64 `yaml:"confidence,omitempty" json:"confidence,omitempty"`
}

var scriptGlobalNames = []string{"constraints", "context", "options", "stage"}

// CompileRule turns a RuleSpec into an executable Rule. Compilation errors
// surface here rather than at resolution time.
func CompileRule(ctx context.Context, spec RuleSpec) (Rule, error) {
	if spec.Name == "" {
		return Rule{}, fmt.Errorf("rule name required")
	}
	if spec.QuestionType == "" {
		return Rule{}, fmt.Errorf("rule %q: question_type required", spec.Name)
	}
	if spec.Choose == "" {
		return Rule{}, fmt.Errorf("rule %q: choose expression required", spec.Name)
	}
	if spec.Reasoning == "" {
		return Rule{}, fmt.Errorf("rule %q: reasoning required", spec.Name)
	}

	var conditionCode *compiler.Code
	if spec.Condition != "" {
		code, err := compileExpression(ctx, spec.Condition)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %q: invalid condition: %w", spec.Name, err)
		}
		conditionCode = code
	}
	chooseCode, err := compileExpression(ctx, spec.Choose)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: invalid choose expression: %w", spec.Name, err)
	}

	confidence := spec.Confidence
	if confidence <= 0 {
		confidence = 1.0
	}

	rule := Rule{
		Name:         spec.Name,
		QuestionType: spec.QuestionType,
		Select: func(q *Question) (*Selection, error) {
			obj, err := evalExpression(chooseCode, q)
			if err != nil {
				return nil, fmt.Errorf("rule %q: choose evaluation failed: %w", spec.Name, err)
			}
			optionID := objectToString(obj)
			for _, opt := range q.Options {
				if opt.ID == optionID {
					return &Selection{
						Option:     opt,
						Reasoning:  fmt.Sprintf("[rule %s] %s", spec.Name, spec.Reasoning),
						Confidence: confidence,
					}, nil
				}
			}
			return nil, fmt.Errorf("rule %q chose %q which is not an offered option", spec.Name, optionID)
		},
	}
	if conditionCode != nil {
		rule.Condition = func(q *Question) bool {
			obj, err := evalExpression(conditionCode, q)
			if err != nil {
				return false
			}
			return objectIsTruthy(obj)
		}
	}
	return rule, nil
}

// CompileRules compiles specs in order, preserving list order since rule
// ordering is first-match-wins.
func CompileRules(ctx context.Context, specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		rule, err := CompileRule(ctx, spec)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadRules reads an ordered list of RuleSpecs from a YAML file and compiles
// them.
func LoadRules(ctx context.Context, path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var specs []RuleSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return CompileRules(ctx, specs)
}

func compileExpression(ctx context.Context, code string) (*compiler.Code, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	names := append([]string(nil), scriptGlobalNames...)
	sort.Strings(names)
	return compiler.Compile(ast, compiler.WithGlobalNames(names))
}

func evalExpression(code *compiler.Code, q *Question) (object.Object, error) {
	optionIDs := make([]any, 0, len(q.Options))
	for _, opt := range q.Options {
		optionIDs = append(optionIDs, opt.ID)
	}
	globals := map[string]any{
		"constraints": emptyIfNil(q.Constraints),
		"context":     emptyIfNil(q.Context),
		"options":     optionIDs,
		"stage":       q.Stage,
	}
	return risor.EvalCode(context.Background(), code, risor.WithGlobals(globals))
}

func emptyIfNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func objectToString(obj object.Object) string {
	if s, ok := obj.(*object.String); ok {
		return s.Value()
	}
	return obj.Inspect()
}

func objectIsTruthy(obj object.Object) bool {
	switch o := obj.(type) {
	case *object.Bool:
		return o.Value()
	case *object.Int:
		return o.Value() != 0
	case *object.Float:
		return o.Value() != 0.0
	case *object.String:
		return o.Value() != "" && o.Value() != "false"
	case *object.NilType:
		return false
	default:
		return obj.IsTruthy()
	}
}
