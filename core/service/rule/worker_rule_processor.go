package rule

import (
	"context"
	"time"

	"rule_worker/core/domain"
	"rule_worker/core/port/out"
	"rule_worker/pkg/metrics"
)

// =============================================================================
// Processor
// =============================================================================

// Processor runs a rule document over stored emails and applies the matched
// actions one email at a time.
type Processor struct {
	doc       *domain.RuleDocument
	evaluator *Evaluator
	executor  *Executor
	metrics   *metrics.RunMetrics
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*processorOptions)

type processorOptions struct {
	now     func() time.Time
	metrics *metrics.RunMetrics
}

// WithClock fixes the time used for relative received_at rules.
func WithClock(now func() time.Time) ProcessorOption {
	return func(o *processorOptions) { o.now = now }
}

// WithMetrics records evaluation and action counters.
func WithMetrics(m *metrics.RunMetrics) ProcessorOption {
	return func(o *processorOptions) { o.metrics = m }
}

// NewProcessor creates a processor for doc applying actions through mutator.
func NewProcessor(doc *domain.RuleDocument, mutator out.MailMutator, opts ...ProcessorOption) *Processor {
	var o processorOptions
	for _, opt := range opts {
		opt(&o)
	}
	if doc == nil {
		doc = &domain.RuleDocument{}
	}

	return &Processor{
		doc:       doc,
		evaluator: NewEvaluator(o.now),
		executor:  NewExecutor(mutator, o.metrics),
		metrics:   o.metrics,
	}
}

// MatchActions returns the concatenated actions of every matching rule set in
// document order. Duplicates are kept.
func (p *Processor) MatchActions(email *domain.Email) []domain.Action {
	fields := email.Fields()
	actions := []domain.Action{}
	for i, set := range p.doc.RuleSets {
		if p.evaluator.EvaluateRuleSet(set, fields) {
			p.metrics.RuleSetMatched(i)
			actions = append(actions, set.Actions...)
		}
	}
	return actions
}

// ApplyRulesToEmails evaluates every email in input order, executes its
// matched actions before moving on, and reports one result per email. An
// action failure stops the run; the results gathered so far are returned with
// the error.
func (p *Processor) ApplyRulesToEmails(ctx context.Context, emails []*domain.Email) ([]domain.EvaluationResult, error) {
	results := make([]domain.EvaluationResult, 0, len(emails))

	for _, email := range emails {
		p.metrics.EmailEvaluated()
		actions := p.MatchActions(email)

		if len(actions) > 0 {
			if err := p.executor.Execute(ctx, actions, email); err != nil {
				return results, err
			}
		}

		results = append(results, domain.EvaluationResult{
			Email:      email.Subject,
			ProviderID: email.ProviderID,
			Actions:    actions,
		})
	}

	return results, nil
}
