package decision

// Selection is the output of a rule's select function.
type Selection struct {
	Option     Option
	Reasoning  string
	Confidence float64

	// Alternatives may carry per-option rejection reasons. Options absent
	// here get a generic rejection reason from the engine.
	Alternatives []Alternative
}

// Rule is one entry of the deterministic rule list. Rules are evaluated in
// list order and the first rule whose question type and condition match wins;
// the list order itself is part of the contract.
type Rule struct {
	// Name identifies the rule in logs and reasoning strings.
	Name string

	// QuestionType restricts the rule to questions of one type.
	QuestionType string

	// Condition reports whether the rule applies to the question. A nil
	// condition always applies.
	Condition func(q *Question) bool

	// Select picks one option from the question's option set.
	Select func(q *Question) (*Selection, error)
}

// matches reports whether the rule applies to q.
func (r Rule) matches(q *Question) bool {
	if r.QuestionType != q.Type {
		return false
	}
	if r.Condition == nil {
		return true
	}
	return r.Condition(q)
}
