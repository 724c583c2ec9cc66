package domain

import (
	"bytes"
	"fmt"
	"strings"

	"rule_worker/pkg/apperr"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Rule Document
// =============================================================================

// RuleMatch decides how the rules of a set combine.
type RuleMatch string

const (
	RuleMatchAny RuleMatch = "any"
	RuleMatchAll RuleMatch = "all"
)

// Predicate is the comparison a rule applies to a field.
type Predicate string

const (
	PredicateContains       Predicate = "contains"
	PredicateDoesNotContain Predicate = "does_not_contain"
	PredicateEquals         Predicate = "equals"
	PredicateDoesNotEqual   Predicate = "does_not_equal"
	PredicateGreaterThan    Predicate = "greater_than"
	PredicateLessThan       Predicate = "less_than"
)

// ActionType is a mailbox mutation triggered by a matching rule set.
type ActionType string

const (
	ActionMarkAsRead   ActionType = "mark_as_read"
	ActionMarkAsUnread ActionType = "mark_as_unread"
	ActionMoveMessage  ActionType = "move_message"
)

// RuleDocument is the ordered list of rule sets loaded once per run.
type RuleDocument struct {
	RuleSets []RuleSet `json:"rule_sets" yaml:"rule_sets"`
}

// RuleSet groups rules under one match mode and the actions they trigger.
type RuleSet struct {
	RuleMatch RuleMatch `json:"rule_match" yaml:"rule_match"`
	Rules     []Rule    `json:"rules" yaml:"rules"`
	Actions   []Action  `json:"actions" yaml:"actions"`
}

// Rule compares one record field with a value.
type Rule struct {
	Field     string    `json:"field" yaml:"field"`
	Predicate Predicate `json:"predicate" yaml:"predicate"`
	Value     RuleValue `json:"value" yaml:"value"`
}

// Action is a mutation with its optional parameter (label for move_message).
type Action struct {
	Action ActionType `json:"action" yaml:"action"`
	Value  string     `json:"value,omitempty" yaml:"value,omitempty"`
}

// String renders the action for log lines and reports.
func (a Action) String() string {
	if a.Value == "" {
		return string(a.Action)
	}
	return fmt.Sprintf("%s(%s)", a.Action, a.Value)
}

// MissingLabel reports a move_message action with no usable label.
func (a Action) MissingLabel() bool {
	return a.Action == ActionMoveMessage && strings.TrimSpace(a.Value) == ""
}

// RuleValue is the comparison value of a rule. Documents may write it as a
// string or a bare number; both decode to the same text.
type RuleValue string

// UnmarshalJSON accepts strings, numbers and null.
func (v *RuleValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*v = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = RuleValue(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("rule value must be a string or number: %s", data)
		}
		*v = RuleValue(n.String())
		return nil
	}
}

// UnmarshalYAML accepts any scalar.
func (v *RuleValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: rule value must be a scalar", node.Line)
	}
	if node.Tag == "!!null" {
		*v = ""
		return nil
	}
	*v = RuleValue(node.Value)
	return nil
}

// String returns the raw text.
func (v RuleValue) String() string {
	return string(v)
}

// Validate reports configuration errors that must stop a run before any
// processing. Unknown match modes, fields and predicates are not errors; they
// fail closed during evaluation.
func (d *RuleDocument) Validate() error {
	for i, set := range d.RuleSets {
		for j, action := range set.Actions {
			if action.MissingLabel() {
				field := fmt.Sprintf("rule_sets[%d].actions[%d].value", i, j)
				return apperr.Wrap(apperr.MissingField(field), apperr.CodeConfigError,
					"move_message requires a label")
			}
		}
	}
	return nil
}

// =============================================================================
// Evaluation Result
// =============================================================================

// EvaluationResult reports which actions were applied to one record.
type EvaluationResult struct {
	Email      string   `json:"email"`
	ProviderID string   `json:"email_provider_id"`
	Actions    []Action `json:"actions"`
}
