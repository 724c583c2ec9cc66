package rule

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rule_worker/core/domain"
	"rule_worker/core/port/out"
	"rule_worker/pkg/apperr"
	"rule_worker/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fakes
// =============================================================================

type mutatorCall struct {
	Method string
	ID     string
	Label  string
}

type fakeMutator struct {
	calls  []mutatorCall
	failOn string
	err    error
}

func (m *fakeMutator) record(method, id, label string) error {
	m.calls = append(m.calls, mutatorCall{Method: method, ID: id, Label: label})
	if m.failOn == method {
		return m.err
	}
	return nil
}

func (m *fakeMutator) MarkAsRead(_ context.Context, id string) error {
	return m.record("MarkAsRead", id, "")
}

func (m *fakeMutator) MarkAsUnread(_ context.Context, id string) error {
	return m.record("MarkAsUnread", id, "")
}

func (m *fakeMutator) MoveToLabel(_ context.Context, id, label string) error {
	return m.record("MoveToLabel", id, label)
}

var _ out.MailMutator = (*fakeMutator)(nil)

func fixedClock() time.Time {
	return time.Date(2024, 7, 18, 0, 0, 0, 0, time.UTC)
}

func sampleDocument() *domain.RuleDocument {
	return &domain.RuleDocument{RuleSets: []domain.RuleSet{
		{
			RuleMatch: domain.RuleMatchAny,
			Rules: []domain.Rule{
				{Field: "subject", Predicate: domain.PredicateContains, Value: "urgent"},
			},
			Actions: []domain.Action{{Action: domain.ActionMarkAsRead}},
		},
		{
			RuleMatch: domain.RuleMatchAll,
			Rules: []domain.Rule{
				{Field: "sender_email", Predicate: domain.PredicateEquals, Value: "boss@example.com"},
				{Field: "subject", Predicate: domain.PredicateContains, Value: "meeting"},
			},
			Actions: []domain.Action{{Action: domain.ActionMoveMessage, Value: "Important"}},
		},
		{
			RuleMatch: domain.RuleMatchAll,
			Rules: []domain.Rule{
				{Field: "subject", Predicate: domain.PredicateDoesNotContain, Value: "urgent"},
				{Field: "received_at", Predicate: domain.PredicateGreaterThan, Value: "20"},
			},
			Actions: []domain.Action{{Action: domain.ActionMoveMessage, Value: "Archive"}},
		},
	}}
}

func sampleEmails() []*domain.Email {
	return []*domain.Email{
		{
			ProviderID:  "123",
			Subject:     "Urgent: Please read",
			Body:        "This is an urgent email.",
			SenderEmail: "colleague@example.com",
			ReceivedAt:  time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC),
		},
		{
			ProviderID:  "124",
			Subject:     "Meeting schedule",
			Body:        "Please check the attached meeting schedule.",
			SenderEmail: "boss@example.com",
			ReceivedAt:  time.Date(2024, 7, 2, 9, 0, 0, 0, time.UTC),
		},
		{
			ProviderID:  "125",
			Subject:     "Hello",
			Body:        "Just a friendly hello.",
			SenderEmail: "friend@example.com",
			ReceivedAt:  time.Date(2024, 7, 5, 15, 0, 0, 0, time.UTC),
		},
		{
			ProviderID:  "126",
			Subject:     "Hello",
			Body:        "Just a friendly hello.",
			SenderEmail: "friend@example.com",
			ReceivedAt:  time.Date(2024, 6, 20, 15, 0, 0, 0, time.UTC),
		},
	}
}

// =============================================================================
// Processor
// =============================================================================

func TestProcessor_ApplyRulesToEmails(t *testing.T) {
	mutator := &fakeMutator{}
	m := metrics.NewRunMetrics()
	p := NewProcessor(sampleDocument(), mutator, WithClock(fixedClock), WithMetrics(m))

	results, err := p.ApplyRulesToEmails(context.Background(), sampleEmails())
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, "Urgent: Please read", results[0].Email)
	assert.Equal(t, []domain.Action{{Action: domain.ActionMarkAsRead}}, results[0].Actions)

	assert.Equal(t, "Meeting schedule", results[1].Email)
	assert.Equal(t, []domain.Action{{Action: domain.ActionMoveMessage, Value: "Important"}}, results[1].Actions)

	assert.Equal(t, "Hello", results[2].Email)
	assert.Empty(t, results[2].Actions)

	assert.Equal(t, "Hello", results[3].Email)
	assert.Equal(t, []domain.Action{{Action: domain.ActionMoveMessage, Value: "Archive"}}, results[3].Actions)

	assert.Equal(t, []mutatorCall{
		{Method: "MarkAsRead", ID: "123"},
		{Method: "MoveToLabel", ID: "124", Label: "Important"},
		{Method: "MoveToLabel", ID: "126", Label: "Archive"},
	}, mutator.calls)

	applied, err := testutil.GatherAndCount(m.Gatherer(), "rule_worker_actions_applied_total")
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	evaluated, err := testutil.GatherAndCount(m.Gatherer(), "rule_worker_emails_evaluated_total")
	require.NoError(t, err)
	assert.Equal(t, 1, evaluated)
}

func TestProcessor_DuplicateActionsAccumulate(t *testing.T) {
	set := domain.RuleSet{
		RuleMatch: domain.RuleMatchAny,
		Rules:     []domain.Rule{{Field: "subject", Predicate: domain.PredicateContains, Value: "hello"}},
		Actions:   []domain.Action{{Action: domain.ActionMarkAsRead}},
	}
	doc := &domain.RuleDocument{RuleSets: []domain.RuleSet{set, set}}
	mutator := &fakeMutator{}

	results, err := NewProcessor(doc, mutator).ApplyRulesToEmails(context.Background(), []*domain.Email{
		{ProviderID: "1", Subject: "Hello"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Actions, 2)
	assert.Len(t, mutator.calls, 2)
}

func TestProcessor_FailureStopsRun(t *testing.T) {
	boom := out.NewProviderError("gmail", out.ProviderErrServer, "modify failed", errors.New("500"), true)
	mutator := &fakeMutator{failOn: "MoveToLabel", err: boom}
	p := NewProcessor(sampleDocument(), mutator, WithClock(fixedClock))

	results, err := p.ApplyRulesToEmails(context.Background(), sampleEmails())
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.True(t, out.IsProviderError(err, out.ProviderErrServer))

	// Email 123 completed; 124 failed and nothing after it ran.
	require.Len(t, results, 1)
	assert.Equal(t, "123", results[0].ProviderID)
	assert.Len(t, mutator.calls, 2)
}

func TestProcessor_EmptyInputs(t *testing.T) {
	mutator := &fakeMutator{}

	results, err := NewProcessor(sampleDocument(), mutator).ApplyRulesToEmails(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = NewProcessor(nil, mutator).ApplyRulesToEmails(context.Background(), sampleEmails())
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.NotNil(t, r.Actions)
		assert.Empty(t, r.Actions)
	}
	assert.Empty(t, mutator.calls)
}

// =============================================================================
// Executor
// =============================================================================

func TestExecutor_Execute(t *testing.T) {
	emails := sampleEmails()

	t.Run("mark_as_read calls provider once", func(t *testing.T) {
		mutator := &fakeMutator{}
		err := NewExecutor(mutator, nil).Execute(context.Background(),
			[]domain.Action{{Action: domain.ActionMarkAsRead}}, emails[0])
		require.NoError(t, err)
		assert.Equal(t, []mutatorCall{{Method: "MarkAsRead", ID: "123"}}, mutator.calls)
	})

	t.Run("move_message calls provider once", func(t *testing.T) {
		mutator := &fakeMutator{}
		err := NewExecutor(mutator, nil).Execute(context.Background(),
			[]domain.Action{{Action: domain.ActionMoveMessage, Value: "Archive"}}, emails[1])
		require.NoError(t, err)
		assert.Equal(t, []mutatorCall{{Method: "MoveToLabel", ID: "124", Label: "Archive"}}, mutator.calls)
	})

	t.Run("mark_as_unread", func(t *testing.T) {
		mutator := &fakeMutator{}
		err := NewExecutor(mutator, nil).Execute(context.Background(),
			[]domain.Action{{Action: domain.ActionMarkAsUnread}}, emails[2])
		require.NoError(t, err)
		assert.Equal(t, []mutatorCall{{Method: "MarkAsUnread", ID: "125"}}, mutator.calls)
	})

	for _, label := range []string{"", "  ", "\t"} {
		t.Run(fmt.Sprintf("move_message with label %q", label), func(t *testing.T) {
			mutator := &fakeMutator{}
			err := NewExecutor(mutator, nil).Execute(context.Background(),
				[]domain.Action{{Action: domain.ActionMoveMessage, Value: label}}, emails[1])
			require.Error(t, err)
			assert.True(t, apperr.IsConfigError(err))
			assert.Empty(t, mutator.calls)
		})
	}

	t.Run("unknown action is skipped", func(t *testing.T) {
		mutator := &fakeMutator{}
		err := NewExecutor(mutator, nil).Execute(context.Background(),
			[]domain.Action{{Action: "flag"}, {Action: domain.ActionMarkAsRead}}, emails[0])
		require.NoError(t, err)
		assert.Equal(t, []mutatorCall{{Method: "MarkAsRead", ID: "123"}}, mutator.calls)
	})

	t.Run("earlier actions stay applied on failure", func(t *testing.T) {
		mutator := &fakeMutator{failOn: "MoveToLabel", err: errors.New("boom")}
		m := metrics.NewRunMetrics()
		err := NewExecutor(mutator, m).Execute(context.Background(), []domain.Action{
			{Action: domain.ActionMarkAsRead},
			{Action: domain.ActionMoveMessage, Value: "Archive"},
			{Action: domain.ActionMarkAsUnread},
		}, emails[0])
		require.Error(t, err)
		assert.Len(t, mutator.calls, 2)
		failures, gerr := testutil.GatherAndCount(m.Gatherer(), "rule_worker_action_failures_total")
		require.NoError(t, gerr)
		assert.Equal(t, 1, failures)
	})
}

// =============================================================================
// Evaluator
// =============================================================================

func TestEvaluator_EvaluateRuleSet(t *testing.T) {
	e := NewEvaluator(fixedClock)
	fields := (&domain.Email{Subject: "Hello", SenderEmail: "a@b.c"}).Fields()
	never := domain.Rule{Field: "subject", Predicate: domain.PredicateEquals, Value: "nope"}
	always := domain.Rule{Field: "subject", Predicate: domain.PredicateEquals, Value: "hello"}

	tests := []struct {
		name string
		set  domain.RuleSet
		want bool
	}{
		{"all over empty rules", domain.RuleSet{RuleMatch: domain.RuleMatchAll}, true},
		{"any over empty rules", domain.RuleSet{RuleMatch: domain.RuleMatchAny}, false},
		{"unknown mode", domain.RuleSet{RuleMatch: "most", Rules: []domain.Rule{always}}, false},
		{"empty mode", domain.RuleSet{Rules: []domain.Rule{always}}, false},
		{"any with one match", domain.RuleSet{RuleMatch: domain.RuleMatchAny, Rules: []domain.Rule{never, always}}, true},
		{"all with one miss", domain.RuleSet{RuleMatch: domain.RuleMatchAll, Rules: []domain.Rule{always, never}}, false},
		{"all matching", domain.RuleSet{RuleMatch: domain.RuleMatchAll, Rules: []domain.Rule{always, always}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.EvaluateRuleSet(tt.set, fields))
		})
	}
}

func TestEvaluator_EvaluateRule(t *testing.T) {
	e := NewEvaluator(fixedClock)
	email := &domain.Email{
		ProviderID:      "42",
		Subject:         "Quarterly REPORT",
		SenderEmail:     "Boss@Example.com",
		RecipientEmails: "me@example.com",
		Status:          domain.EmailStatusUnread,
		Labels:          []string{"INBOX", "UNREAD"},
		ReceivedAt:      time.Date(2024, 6, 20, 15, 0, 0, 0, time.UTC),
	}
	fields := email.Fields()

	tests := []struct {
		name string
		rule domain.Rule
		want bool
	}{
		{"contains is case-insensitive", domain.Rule{Field: "subject", Predicate: "contains", Value: "report"}, true},
		{"does_not_contain", domain.Rule{Field: "subject", Predicate: "does_not_contain", Value: "urgent"}, true},
		{"does_not_contain on present text", domain.Rule{Field: "subject", Predicate: "does_not_contain", Value: "QUARTERLY"}, false},
		{"equals is case-insensitive", domain.Rule{Field: "sender_email", Predicate: "equals", Value: "boss@example.com"}, true},
		{"does_not_equal", domain.Rule{Field: "sender_email", Predicate: "does_not_equal", Value: "boss@example.com"}, false},
		{"labels joined", domain.Rule{Field: "labels", Predicate: "contains", Value: "unread"}, true},
		{"status", domain.Rule{Field: "status", Predicate: "equals", Value: "unread"}, true},
		{"numeric greater_than on text", domain.Rule{Field: "email_provider_id", Predicate: "greater_than", Value: "41"}, true},
		{"numeric less_than on text", domain.Rule{Field: "email_provider_id", Predicate: "less_than", Value: "41"}, false},
		{"non-numeric comparison", domain.Rule{Field: "subject", Predicate: "greater_than", Value: "1"}, false},
		{"absent field", domain.Rule{Field: "priority", Predicate: "equals", Value: "high"}, false},
		{"absent field negated predicate", domain.Rule{Field: "priority", Predicate: "does_not_equal", Value: "high"}, false},
		{"internal field hidden", domain.Rule{Field: "id", Predicate: "equals", Value: "0"}, false},
		{"unknown predicate", domain.Rule{Field: "subject", Predicate: "matches_regex", Value: ".*"}, false},
		{"older than 20 days", domain.Rule{Field: "received_at", Predicate: "greater_than", Value: "20"}, true},
		{"within 30 days", domain.Rule{Field: "received_at", Predicate: "less_than", Value: "30"}, true},
		{"not within 20 days", domain.Rule{Field: "received_at", Predicate: "less_than", Value: "20"}, false},
		{"older than a huge day count", domain.Rule{Field: "received_at", Predicate: "greater_than", Value: "200000"}, false},
		{"within a huge day count", domain.Rule{Field: "received_at", Predicate: "less_than", Value: "200000"}, true},
		{"after absolute date", domain.Rule{Field: "received_at", Predicate: "greater_than", Value: "2024-06-01"}, true},
		{"before absolute timestamp", domain.Rule{Field: "received_at", Predicate: "less_than", Value: "2024-06-20T12:00:00Z"}, false},
		{"after naive timestamp", domain.Rule{Field: "received_at", Predicate: "greater_than", Value: "2024-06-20T12:00:00"}, true},
		{"unparseable time value", domain.Rule{Field: "received_at", Predicate: "greater_than", Value: "last week"}, false},
		{"text predicate on time field", domain.Rule{Field: "received_at", Predicate: "contains", Value: "2024"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.EvaluateRule(tt.rule, fields))
		})
	}
}

// =============================================================================
// Loader
// =============================================================================

func TestLoadDocument(t *testing.T) {
	dir := t.TempDir()

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(dir, "rules.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
  "rule_sets": [
    {
      "rule_match": "all",
      "rules": [{"field": "received_at", "predicate": "greater_than", "value": 20}],
      "actions": [{"action": "move_message", "value": "Archive"}]
    }
  ]
}`), 0o600))

		doc, err := LoadDocument(path)
		require.NoError(t, err)
		require.Len(t, doc.RuleSets, 1)
		assert.Equal(t, domain.RuleValue("20"), doc.RuleSets[0].Rules[0].Value)
	})

	t.Run("yaml", func(t *testing.T) {
		path := filepath.Join(dir, "rules.yml")
		require.NoError(t, os.WriteFile(path, []byte(`rule_sets:
  - rule_match: any
    rules:
      - field: subject
        predicate: contains
        value: urgent
    actions:
      - action: mark_as_read
`), 0o600))

		doc, err := LoadDocument(path)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionMarkAsRead, doc.RuleSets[0].Actions[0].Action)
	})

	t.Run("move without label", func(t *testing.T) {
		_, err := ParseDocument([]byte(`{"rule_sets":[{"rule_match":"any","actions":[{"action":"move_message"}]}]}`), ".json")
		require.Error(t, err)
		assert.True(t, apperr.IsConfigError(err))
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseDocument([]byte(`{"rule_sets": [`), ".json")
		require.Error(t, err)
		assert.True(t, apperr.IsCode(err, apperr.CodeConfigError))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadDocument(filepath.Join(dir, "absent.json"))
		require.Error(t, err)
		assert.True(t, apperr.IsConfigError(err))
	})
}

func TestLoadDocument_ShippedRules(t *testing.T) {
	fromJSON, err := LoadDocument(filepath.Join("..", "..", "..", "rules", "email_rule.json"))
	require.NoError(t, err)
	fromYAML, err := LoadDocument(filepath.Join("..", "..", "..", "rules", "email_rule.example.yaml"))
	require.NoError(t, err)

	assert.Equal(t, fromJSON, fromYAML)
	require.Len(t, fromJSON.RuleSets, 3)
	assert.Equal(t, "move_message(Archive)", fromJSON.RuleSets[2].Actions[0].String())
}
