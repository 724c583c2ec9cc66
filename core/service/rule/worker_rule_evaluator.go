// Package rule evaluates rule documents against stored emails and applies the
// resulting mailbox actions.
package rule

import (
	"strconv"
	"strings"
	"time"

	"rule_worker/core/domain"
)

// absoluteTimeLayouts are tried in order for received_at values that are not
// a plain day count.
var absoluteTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// =============================================================================
// Evaluator
// =============================================================================

// Evaluator decides whether rules and rule sets match a record. It has no
// side effects.
type Evaluator struct {
	now func() time.Time
}

// NewEvaluator creates an evaluator. A nil clock means time.Now.
func NewEvaluator(now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{now: now}
}

// EvaluateRuleSet applies the set's match mode. "all" over no rules is true,
// "any" over no rules is false, any other mode is false.
func (e *Evaluator) EvaluateRuleSet(set domain.RuleSet, fields domain.FieldSet) bool {
	switch set.RuleMatch {
	case domain.RuleMatchAny:
		for _, r := range set.Rules {
			if e.EvaluateRule(r, fields) {
				return true
			}
		}
		return false
	case domain.RuleMatchAll:
		for _, r := range set.Rules {
			if !e.EvaluateRule(r, fields) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// EvaluateRule compares one field with the rule value. Absent fields, unknown
// predicates and values that cannot be interpreted all yield false.
func (e *Evaluator) EvaluateRule(r domain.Rule, fields domain.FieldSet) bool {
	value, ok := fields.Lookup(r.Field)
	if !ok {
		return false
	}

	if value.IsTime {
		return e.evaluateTime(r, value.Time)
	}
	return evaluateText(r.Predicate, value.Text, r.Value.String())
}

func evaluateText(p domain.Predicate, field, want string) bool {
	switch p {
	case domain.PredicateContains:
		return strings.Contains(strings.ToLower(field), strings.ToLower(want))
	case domain.PredicateDoesNotContain:
		return !strings.Contains(strings.ToLower(field), strings.ToLower(want))
	case domain.PredicateEquals:
		return strings.EqualFold(field, want)
	case domain.PredicateDoesNotEqual:
		return !strings.EqualFold(field, want)
	case domain.PredicateGreaterThan, domain.PredicateLessThan:
		a, errA := strconv.ParseFloat(strings.TrimSpace(field), 64)
		b, errB := strconv.ParseFloat(strings.TrimSpace(want), 64)
		if errA != nil || errB != nil {
			return false
		}
		if p == domain.PredicateGreaterThan {
			return a > b
		}
		return a < b
	default:
		return false
	}
}

// evaluateTime handles timestamp fields. A plain integer value is a relative
// age in days: greater_than N means received more than N days before now,
// less_than N means within the last N days. Any other value is parsed as an
// absolute timestamp and compared directly: greater_than T means after T.
// Text predicates never match a timestamp.
func (e *Evaluator) evaluateTime(r domain.Rule, received time.Time) bool {
	if r.Predicate != domain.PredicateGreaterThan && r.Predicate != domain.PredicateLessThan {
		return false
	}

	raw := strings.TrimSpace(r.Value.String())
	if days, err := strconv.Atoi(raw); err == nil {
		cutoff := e.now().AddDate(0, 0, -days)
		if r.Predicate == domain.PredicateGreaterThan {
			return received.Before(cutoff)
		}
		return received.After(cutoff)
	}

	at, ok := parseAbsoluteTime(raw)
	if !ok {
		return false
	}
	if r.Predicate == domain.PredicateGreaterThan {
		return received.After(at)
	}
	return received.Before(at)
}

func parseAbsoluteTime(s string) (time.Time, bool) {
	for _, layout := range absoluteTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
