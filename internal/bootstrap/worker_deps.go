package bootstrap

import (
	"context"
	"time"

	"rule_worker/adapter/out/persistence"
	"rule_worker/adapter/out/provider"
	"rule_worker/config"
	"rule_worker/core/port/out"
	"rule_worker/infra/database"
	"rule_worker/pkg/logger"
	"rule_worker/pkg/metrics"

	"github.com/jmoiron/sqlx"
)

// ProviderFactory builds the mail provider capabilities on demand, so a run
// only authenticates for the capability it uses.
type ProviderFactory interface {
	NewFetcher(ctx context.Context) (out.MailFetcher, error)
	NewMutator(ctx context.Context) (out.MailMutator, error)
}

// Dependencies holds everything a run needs.
type Dependencies struct {
	Config *config.Config

	DB        *sqlx.DB
	EmailRepo out.EmailRepository
	Providers ProviderFactory
	Metrics   *metrics.RunMetrics
}

// NewDependencies opens the store, applies migrations and prepares the
// provider factory. The returned cleanup closes the database.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg, Metrics: metrics.NewRunMetrics()}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	dbCfg := database.DefaultConfig()
	dbCfg.Driver = cfg.DBDriver
	dbCfg.URL = cfg.PostgresURL()
	dbCfg.SQLitePath = cfg.SQLitePath

	logger.Debug("Connecting to %s database...", cfg.DBDriver)
	db, err := database.Open(ctx, dbCfg)
	if err != nil {
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	startTime := time.Now()
	if err := database.Migrate(db); err != nil {
		cleanup()
		return nil, nil, err
	}
	logger.WithDuration(time.Since(startTime)).Debug("Migrations checked")

	deps.Metrics.RegisterDB(db.DB, "emails")
	deps.EmailRepo = persistence.NewEmailAdapter(db)
	deps.Providers = provider.NewFactory(cfg)

	return deps, cleanup, nil
}
