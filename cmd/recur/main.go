package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/config"
	"github.com/platinummonkey/recur/pkg/observability"
)

var version = "dev"

type options struct {
	runOnce  bool
	dryRun   bool
	schedule string
	envFile  string
	logLevel string
}

func parseFlags(args []string) (options, error) {
	var opts options
	fsFlags := flag.NewFlagSet("recur", flag.ContinueOnError)
	fsFlags.BoolVar(&opts.runOnce, "run-once", false, "Run billing once and exit")
	fsFlags.BoolVar(&opts.dryRun, "dry-run", false, "Evaluate due subscriptions without charging or updating them")
	fsFlags.StringVar(&opts.schedule, "schedule", "", "Cron schedule in the business timezone (overrides RECUR_SCHEDULE)")
	fsFlags.StringVar(&opts.envFile, "env-file", "", "Load environment variables from this file (default .env if present)")
	fsFlags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	err := fsFlags.Parse(args)
	return opts, err
}

// applyOverrides exports flag values so LoadConfig sees them.
func applyOverrides(opts options) error {
	overrides := map[string]string{}
	if opts.dryRun {
		overrides["RECUR_DRY_RUN"] = "true"
	}
	if opts.schedule != "" {
		overrides["RECUR_SCHEDULE"] = opts.schedule
	}
	if opts.logLevel != "" {
		overrides["RECUR_LOG_LEVEL"] = opts.logLevel
	}
	for k, v := range overrides {
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("failed to set %s: %w", k, err)
		}
	}
	return nil
}

func loadEnvFile(path string) error {
	if path != "" {
		return godotenv.Load(path)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	os.Exit(run(opts))
}

func run(opts options) int {
	bootstrap := observability.NewLogger("info", "text", os.Stderr)

	if err := loadEnvFile(opts.envFile); err != nil {
		bootstrap.WithError(err).Error("Failed to load env file")
		return 1
	}
	if err := applyOverrides(opts); err != nil {
		bootstrap.WithError(err).Error("Failed to apply flags")
		return 1
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		bootstrap.WithError(err).Error("Invalid configuration")
		return 1
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	log := logger.WithFields(logrus.Fields{"service": "recur", "version": version})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.StartTelemetry(ctx, cfg.Observability.OTel, log)
	if err != nil {
		log.WithError(err).Error("Failed to initialize OpenTelemetry")
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("OpenTelemetry shutdown incomplete")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	app, err := newApp(ctx, cfg, log, metrics)
	if err != nil {
		log.WithError(err).Error("Failed to start")
		return 1
	}
	defer app.Close()

	if opts.runOnce {
		code := runOnce(ctx, app, cfg.Billing.DryRun, log)
		pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := observability.PushMetrics(pushCtx, cfg.Observability.PushgatewayURL, cfg.Observability.PushJob, registry); err != nil {
			log.WithError(err).Warn("Failed to push metrics")
		}
		return code
	}

	if err := serve(ctx, app, cfg, registry, log); err != nil {
		log.WithError(err).Error("Scheduler failed")
		return 1
	}
	return 0
}

func runOnce(ctx context.Context, app *App, dryRun bool, log logrus.FieldLogger) int {
	report, err := app.Run(ctx, dryRun)
	if err != nil {
		if errors.Is(err, billing.ErrRunInProgress) {
			log.WithError(err).Warn("Another billing run is in progress")
		} else {
			log.WithError(err).Error("Billing run failed")
		}
		return 1
	}

	log.WithFields(logrus.Fields{
		"run_id":          report.RunID,
		"processed":       report.Processed,
		"succeeded":       report.Succeeded,
		"card_failures":   report.CardFailures,
		"system_failures": report.SystemFailures,
	}).Info("Billing run finished")
	return 0
}
