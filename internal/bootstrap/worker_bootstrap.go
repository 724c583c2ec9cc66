package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rule_worker/config"
	"rule_worker/core/domain"
	mail "rule_worker/core/service/email"
	"rule_worker/core/service/rule"
	"rule_worker/pkg/apperr"
	"rule_worker/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Report is the JSON summary written after an apply run.
type Report struct {
	RunID      string                    `json:"run_id"`
	Mode       string                    `json:"mode"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
	Ingested   int                       `json:"ingested"`
	Results    []domain.EvaluationResult `json:"results"`
	Error      string                    `json:"error,omitempty"`
}

// Runner executes one fetch and/or apply pass.
type Runner struct {
	deps  *Dependencies
	runID string
	now   func() time.Time
	log   *logger.Logger
}

// NewRunner creates a runner with a fresh run id.
func NewRunner(deps *Dependencies) *Runner {
	runID := uuid.NewString()
	return &Runner{
		deps:  deps,
		runID: runID,
		now:   time.Now,
		log:   logger.WithField("run_id", runID),
	}
}

// WithClock fixes the time used for rule evaluation and report timestamps.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunID returns the id attached to every log line of this run.
func (r *Runner) RunID() string {
	return r.runID
}

// Run executes mode and writes the report and metrics when configured. The
// report is written even when the run fails part way.
func (r *Runner) Run(ctx context.Context, mode string) (*Report, error) {
	report := &Report{RunID: r.runID, Mode: mode, StartedAt: r.now().UTC(), Results: []domain.EvaluationResult{}}
	r.log.Info("Starting %s run", mode)

	err := r.run(ctx, mode, report)

	report.FinishedAt = r.now().UTC()
	if err != nil {
		report.Error = err.Error()
	}

	if path := r.deps.Config.ReportPath; path != "" {
		if werr := WriteReport(path, report); werr != nil {
			r.log.WithError(werr).Error("Failed to write report")
		}
	}
	if werr := r.deps.Metrics.WriteTextfile(r.deps.Config.MetricsTextfile); werr != nil {
		r.log.WithError(werr).Warn("Failed to write metrics textfile")
	}

	return report, err
}

func (r *Runner) run(ctx context.Context, mode string, report *Report) error {
	switch mode {
	case config.ModeFetch:
		n, err := r.RunFetch(ctx)
		report.Ingested = n
		return err
	case config.ModeApply, config.ModeAll:
	default:
		return apperr.ConfigError(fmt.Sprintf("unknown mode %q", mode))
	}

	// The rule document must be valid before the provider or store is touched.
	doc, err := r.LoadRules()
	if err != nil {
		return err
	}

	if mode == config.ModeAll {
		n, err := r.RunFetch(ctx)
		report.Ingested = n
		if err != nil {
			return err
		}
	}

	results, err := r.RunApply(ctx, doc)
	report.Results = append(report.Results, results...)
	return err
}

// LoadRules reads and validates the configured rule document.
func (r *Runner) LoadRules() (*domain.RuleDocument, error) {
	return rule.LoadDocument(r.deps.Config.RulesPath)
}

// RunFetch pulls the newest messages into the store.
func (r *Runner) RunFetch(ctx context.Context) (int, error) {
	fetcher, err := r.deps.Providers.NewFetcher(ctx)
	if err != nil {
		return 0, err
	}

	svc := mail.NewIngestService(fetcher, r.deps.EmailRepo, r.deps.Metrics)
	n, err := svc.Ingest(ctx)
	if err != nil {
		return 0, err
	}

	r.log.Info("Fetched and stored %d emails", n)
	return n, nil
}

// RunApply evaluates doc against every stored email.
func (r *Runner) RunApply(ctx context.Context, doc *domain.RuleDocument) ([]domain.EvaluationResult, error) {
	emails, err := r.deps.EmailRepo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		r.log.Info("No stored emails to evaluate")
		return []domain.EvaluationResult{}, nil
	}

	mutator, err := r.deps.Providers.NewMutator(ctx)
	if err != nil {
		return nil, err
	}

	processor := rule.NewProcessor(doc, mutator,
		rule.WithClock(r.now),
		rule.WithMetrics(r.deps.Metrics),
	)

	results, err := processor.ApplyRulesToEmails(ctx, emails)
	for _, res := range results {
		r.log.WithFields(map[string]any{
			"email_provider_id": res.ProviderID,
			"actions":           len(res.Actions),
		}).Info("Email: %s, Actions: %v", res.Email, res.Actions)
	}
	return results, err
}

// WriteReport writes report as indented JSON, creating parent directories.
func WriteReport(path string, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
