// Package metrics provides prometheus counters for fetch and rule runs.
package metrics

import (
	"database/sql"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "rule_worker"

// =============================================================================
// Run Metrics
// =============================================================================

// RunMetrics holds the counters of a single process run. A nil *RunMetrics is
// valid and records nothing.
type RunMetrics struct {
	registry *prometheus.Registry

	emailsIngested  prometheus.Counter
	emailsEvaluated prometheus.Counter
	ruleSetMatches  *prometheus.CounterVec
	actionsApplied  *prometheus.CounterVec
	actionFailures  *prometheus.CounterVec
}

// NewRunMetrics registers the run counters on a private registry.
func NewRunMetrics() *RunMetrics {
	m := &RunMetrics{
		registry: prometheus.NewRegistry(),
		emailsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_ingested_total",
			Help:      "Emails fetched from the provider and upserted.",
		}),
		emailsEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_evaluated_total",
			Help:      "Emails evaluated against the rule document.",
		}),
		ruleSetMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_set_matches_total",
			Help:      "Rule set matches by rule set position.",
		}, []string{"rule_set"}),
		actionsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_applied_total",
			Help:      "Mailbox actions applied by kind.",
		}, []string{"action"}),
		actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_failures_total",
			Help:      "Mailbox actions whose provider call failed.",
		}, []string{"action"}),
	}

	m.registry.MustRegister(
		m.emailsIngested,
		m.emailsEvaluated,
		m.ruleSetMatches,
		m.actionsApplied,
		m.actionFailures,
	)
	return m
}

// RegisterDB exposes database/sql pool statistics alongside the counters.
func (m *RunMetrics) RegisterDB(db *sql.DB, name string) {
	if m == nil || db == nil {
		return
	}
	m.registry.MustRegister(collectors.NewDBStatsCollector(db, name))
}

func (m *RunMetrics) EmailsIngested(n int) {
	if m == nil {
		return
	}
	m.emailsIngested.Add(float64(n))
}

func (m *RunMetrics) EmailEvaluated() {
	if m == nil {
		return
	}
	m.emailsEvaluated.Inc()
}

func (m *RunMetrics) RuleSetMatched(index int) {
	if m == nil {
		return
	}
	m.ruleSetMatches.WithLabelValues(strconv.Itoa(index)).Inc()
}

func (m *RunMetrics) ActionApplied(action string) {
	if m == nil {
		return
	}
	m.actionsApplied.WithLabelValues(action).Inc()
}

func (m *RunMetrics) ActionFailed(action string) {
	if m == nil {
		return
	}
	m.actionFailures.WithLabelValues(action).Inc()
}

// Gatherer returns the registry for inspection.
func (m *RunMetrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes the registry in the node_exporter textfile format.
// An empty path is a no-op.
func (m *RunMetrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
