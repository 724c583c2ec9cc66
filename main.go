package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"rule_worker/config"
	"rule_worker/internal/bootstrap"
	"rule_worker/pkg/logger"

	"github.com/joho/godotenv"
)

func main() {
	mode := flag.String("mode", config.ModeAll, "Run mode: fetch, apply, all")
	configFile := flag.String("config", "", "Optional TOML config file")
	reportPath := flag.String("report", "", "Write a JSON run report to this path")
	flag.Parse()

	// Load .env file if exists (for local development)
	envErr := godotenv.Load()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Init(logger.Config{Level: logger.LevelInfo})
		logger.Fatal("Failed to load config: %v", err)
	}
	if *reportPath != "" {
		cfg.ReportPath = *reportPath
	}

	logger.Init(logger.Config{
		Level:   logger.ParseLevel(cfg.LogLevel),
		Console: cfg.LogConsole || cfg.IsDevelopment(),
	})
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	if err := cfg.Validate(*mode); err != nil {
		logger.Fatal("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *mode); err != nil {
		logger.Error("Run failed: %v", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, mode string) error {
	deps, cleanup, err := bootstrap.NewDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	runner := bootstrap.NewRunner(deps)
	_, err = runner.Run(ctx, mode)
	return err
}
