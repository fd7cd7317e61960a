package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/recur/pkg/async"
	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/config"
	"github.com/platinummonkey/recur/pkg/gateway"
	"github.com/platinummonkey/recur/pkg/ledger"
	"github.com/platinummonkey/recur/pkg/observability"
	"github.com/platinummonkey/recur/pkg/pricecache"
	"github.com/platinummonkey/recur/pkg/reports"
	"github.com/platinummonkey/recur/pkg/runlock"
	"github.com/platinummonkey/recur/pkg/shopify"
	"github.com/platinummonkey/recur/pkg/storage"
)

// App holds the wired billing engine and its backing connections.
type App struct {
	orchestrator *billing.Orchestrator
	db           *sql.DB
	redis        *redis.Client
	health       *observability.HealthChecker
	log          logrus.FieldLogger

	lastRun atomic.Int64
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, metrics *observability.Metrics) (_ *App, err error) {
	app := &App{log: log}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	client, err := shopify.NewClient(cfg.Shopify, shopify.WithLogger(log), shopify.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create shopify client: %w", err)
	}

	charger := gateway.NewProcessCharger(cfg.Gateway.Process,
		gateway.WithClassifier(cfg.Gateway.NewClassifier()),
		gateway.WithLogger(log),
	)

	cacheOpts := []pricecache.Option{pricecache.WithLogger(log), pricecache.WithMetrics(metrics)}
	opts := []billing.Option{
		billing.WithLocation(cfg.Billing.Location),
		billing.WithCardResolver(client),
		billing.WithConcurrency(cfg.Billing.Concurrency),
		billing.WithSubscriptionTimeout(cfg.Billing.SubscriptionTimeout),
		billing.WithOrderTags(cfg.Billing.OrderTags...),
		billing.WithGatewayName(cfg.Gateway.Name),
		billing.WithLogger(log),
		billing.WithMetrics(metrics),
	}

	if cfg.Storage.RedisURL != "" {
		rdb, err := storage.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		app.redis = rdb
		app.closers = append(app.closers, rdb.Close)

		cacheOpts = append(cacheOpts, pricecache.WithRedis(rdb))
		opts = append(opts, billing.WithLocker(runlock.New(rdb, cfg.Lock.Key, cfg.Lock.TTL)))
		log.Info("Redis run lock and price cache enabled")
	} else {
		log.Warn("RECUR_REDIS_URL not set; runs are not guarded against overlap")
	}
	opts = append(opts, billing.WithPriceLookup(pricecache.New(client, cfg.PriceCache, cacheOpts...)))

	if cfg.Storage.PostgresURL != "" {
		db, err := storage.OpenPostgres(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		app.db = db
		app.closers = append(app.closers, db.Close)

		store, err := ledger.NewStore(db)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		opts = append(opts, billing.WithRecorder(store))
		log.Info("Billing ledger enabled")

		async.SafeGo(ctx, log, 30*time.Second, "reconciliation check", func(ctx context.Context) error {
			return reportPendingReconciliation(ctx, store, log)
		})
	}

	if cfg.Storage.S3Bucket != "" {
		s3Client, err := storage.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		archive, err := reports.NewArchive(s3Client, cfg.Storage.S3Bucket, cfg.Storage.S3Prefix)
		if err != nil {
			return nil, err
		}
		opts = append(opts, billing.WithReportSink(archive))
		log.WithField("bucket", cfg.Storage.S3Bucket).Info("Run report archive enabled")
	}

	app.orchestrator = billing.NewOrchestrator(client, charger, opts...)

	var redisCheck redis.Cmdable
	if app.redis != nil {
		redisCheck = app.redis
	}
	app.health = observability.NewHealthChecker(app.db, redisCheck, cfg.Observability.OTel.ServiceVersion)
	app.health.SetLastRun(app.LastRun)

	return app, nil
}

// Run executes one billing run.
func (a *App) Run(ctx context.Context, dryRun bool) (*billing.RunReport, error) {
	report, err := a.orchestrator.Run(ctx, billing.RunOptions{DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	a.lastRun.Store(report.FinishedAt.UnixNano())
	return report, nil
}

// LastRun returns when the latest run finished.
func (a *App) LastRun() (time.Time, bool) {
	ns := a.lastRun.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Close releases backing connections in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("Failed to close connection")
		}
	}
	a.closers = nil
}

func reportPendingReconciliation(ctx context.Context, store *ledger.Store, log logrus.FieldLogger) error {
	pending, err := store.PendingReconciliation(ctx, 100)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	for _, a := range pending {
		log.WithFields(logrus.Fields{
			"subscription_id": a.SubscriptionID,
			"order_id":        a.ChargeOrderID,
			"amount":          billing.FormatAmount(a.Amount),
			"attempted_at":    a.AttemptedAt,
		}).Error("Charge taken without a fulfillment order; reconcile manually")
	}
	return nil
}

// serve runs billing on cfg.Schedule.Cron and serves health and metrics
// until ctx is cancelled.
func serve(ctx context.Context, app *App, cfg *config.Config, registry prometheus.Gatherer, log logrus.FieldLogger) error {
	scheduler := cron.New(cron.WithLocation(cfg.Billing.Location))

	_, err := scheduler.AddFunc(cfg.Schedule.Cron, func() {
		log.Info("Starting scheduled billing run")
		if _, err := app.Run(ctx, cfg.Billing.DryRun); err != nil {
			if errors.Is(err, billing.ErrRunInProgress) {
				log.WithError(err).Warn("Skipping scheduled run")
				return
			}
			log.WithError(err).Error("Scheduled billing run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule billing run: %w", err)
	}

	router := mux.NewRouter()
	observability.RegisterRoutes(router, app.health, registry)
	server := &http.Server{
		Addr:              cfg.Observability.HealthAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	scheduler.Start()
	log.WithFields(logrus.Fields{
		"schedule": cfg.Schedule.Cron,
		"timezone": cfg.Billing.TimeZone,
		"addr":     cfg.Observability.HealthAddr,
	}).Info("Recur scheduler started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("health server failed: %w", err)
		}
	}

	// Wait for an in-flight run to finish.
	<-scheduler.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Health server shutdown error")
	}

	log.Info("Scheduler stopped")
	return runErr
}
