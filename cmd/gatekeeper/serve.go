package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/honestinvoice/gatekeeper/pkg/api"
	"github.com/honestinvoice/gatekeeper/pkg/apikeys"
	"github.com/honestinvoice/gatekeeper/pkg/async"
	"github.com/honestinvoice/gatekeeper/pkg/audit"
	"github.com/honestinvoice/gatekeeper/pkg/config"
	"github.com/honestinvoice/gatekeeper/pkg/entitlements"
	"github.com/honestinvoice/gatekeeper/pkg/invoices"
	"github.com/honestinvoice/gatekeeper/pkg/jobs"
	"github.com/honestinvoice/gatekeeper/pkg/middleware"
	"github.com/honestinvoice/gatekeeper/pkg/observability"
	"github.com/honestinvoice/gatekeeper/pkg/plans"
	"github.com/honestinvoice/gatekeeper/pkg/ratelimit"
	"github.com/honestinvoice/gatekeeper/pkg/storage/postgres"
	"github.com/honestinvoice/gatekeeper/pkg/subscriptions"
	"github.com/honestinvoice/gatekeeper/pkg/team"
	"github.com/honestinvoice/gatekeeper/pkg/usage"
)

func loadConfig(args []string, name string) (*config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	envFile := fs.String("env-file", ".env", "Optional .env file loaded before reading the environment")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := config.LoadDotEnv(*envFile); err != nil {
		return nil, err
	}
	return config.LoadConfig()
}

func connect(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*postgres.ConnectionManager, error) {
	return postgres.NewConnectionManager(ctx, postgres.ConnectionConfig{
		PrimaryURL:  cfg.Storage.PostgresURL,
		ReplicaURLs: postgres.ParseReplicaURLs(cfg.Storage.ReplicaURLs),
		MaxConns:    cfg.Storage.MaxOpenConns,
		MinConns:    cfg.Storage.MaxIdleConns,
		MaxLifetime: cfg.Storage.ConnMaxLifetime,
	}, logger)
}

// migrate applies pending schema migrations and exits
func migrate(log *logrus.Logger, args []string) error {
	cfg, err := loadConfig(args, "migrate")
	if err != nil {
		return err
	}
	ctx := context.Background()
	conns, err := connect(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer conns.Close()

	applied, err := postgres.Migrate(ctx, conns.Primary())
	if err != nil {
		return err
	}
	log.WithField("applied", applied).Info("migrations complete")
	return nil
}

// serve runs the HTTP API until SIGINT or SIGTERM
func serve(log *logrus.Logger, args []string) error {
	cfg, err := loadConfig(args, "serve")
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithFields(map[string]interface{}{"service": "gatekeeper", "version": version})
	if cfg.Observability.LogLevel == observability.DebugLevel {
		log.SetLevel(logrus.DebugLevel)
	}
	log.WithFields(logrus.Fields{
		"version":         version,
		"addr":            cfg.Server.Addr(),
		"counter_backend": cfg.Storage.CounterBackend,
		"plans_source":    cfg.Plans.Source,
		"entitlement":     cfg.Entitlements.Mode,
	}).Info("starting gatekeeper")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otel, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return err
	}

	var (
		metrics  *observability.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Observability.MetricsEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(registry)
		gatherer = registry
	}

	conns, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	db := conns.Primary()
	if cfg.Storage.MigrateOnStartup {
		applied, err := postgres.Migrate(ctx, db)
		if err != nil {
			conns.Close()
			return err
		}
		log.WithField("applied", applied).Info("migrations complete")
	}

	var redisClient *redis.Client
	if cfg.Storage.RedisURL != "" {
		redisClient, err = postgres.NewRedisClient(ctx, postgres.RedisConfig{
			URL:      cfg.Storage.RedisURL,
			PoolSize: cfg.Storage.RedisPoolSize,
		})
		if err != nil {
			conns.Close()
			return err
		}
	}

	catalog, watcher, err := buildCatalog(ctx, cfg, db, logger, metrics)
	if err != nil {
		conns.Close()
		return err
	}

	// security events: the DB store is the source of truth and serves admin
	// queries; Kafka is an optional stream; delivery is off the request path
	auditStore, err := audit.NewDBStore(db, audit.WithReader(conns.Replica()))
	if err != nil {
		conns.Close()
		return err
	}
	sinks := []audit.Sink{auditStore}
	var kafka *audit.KafkaSink
	if len(cfg.Audit.KafkaBrokers) > 0 {
		producer, err := audit.NewKafkaProducer(cfg.Audit.KafkaBrokers)
		if err != nil {
			conns.Close()
			return err
		}
		kafka = audit.NewKafkaSink(producer, cfg.Audit.KafkaTopic)
		sinks = append(sinks, kafka)
	}
	eventPool := async.NewWorkerPool(ctx, 4, 1024, "security events", cfg.Audit.AsyncTimeout, logger)
	events := audit.NewAsyncSink(audit.NewMultiSink(sinks...), eventPool, logger, metrics)

	ledger, windows, history := counterBackend(cfg, db, redisClient)

	subs := subscriptions.NewStore(db)
	teamStore := team.NewStore(db)
	gate := entitlements.NewGate(subs, catalog, ledger,
		entitlements.WithMode(entitlements.Mode(cfg.Entitlements.Mode)),
		entitlements.WithLogger(logger),
		entitlements.WithMetrics(metrics),
		entitlements.WithEventSink(events),
		entitlements.WithHeadcounter(teamStore),
	)

	limiter := ratelimit.NewLimiter(windows,
		ratelimit.WithTiers(tierTable(cfg.RateLimit.Tiers)),
		ratelimit.WithFailOpen(cfg.RateLimit.FailOpen),
		ratelimit.WithStoreTimeout(cfg.RateLimit.StoreTimeout),
		ratelimit.WithAbuseThreshold(cfg.RateLimit.AbuseThreshold),
		ratelimit.WithBlockDuration(cfg.RateLimit.BlockDuration),
		ratelimit.WithBlockLookup(auditStore),
		ratelimit.WithEventSink(events),
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(metrics),
	)

	auth := middleware.NewAuthenticator([]byte(cfg.Auth.JWTSecret),
		middleware.WithIssuer(cfg.Auth.Issuer),
		middleware.WithAudience(cfg.Auth.Audience),
		middleware.WithLeeway(cfg.Auth.Leeway),
		middleware.WithAuthEvents(events),
		middleware.WithAuthLogger(logger),
	)

	health := observability.NewHealthChecker(db, redisClient, version)
	health.RequireRedis(cfg.Storage.CounterBackend == "redis")

	srv := api.NewServer(api.Config{
		Gate:             gate,
		Catalog:          catalog,
		Limiter:          limiter,
		Auth:             auth,
		Subscriptions:    subs,
		Audit:            auditStore,
		Invoices:         invoices.NewService(invoices.NewStore(db), gate, logger),
		Team:             team.NewService(teamStore, gate, logger),
		History:          history,
		APIKeys:          apikeys.NewStore(db),
		Health:           health,
		Metrics:          metrics,
		Gatherer:         gatherer,
		Logger:           logger,
		RateLimitEnabled: cfg.RateLimit.Enabled,
		TrustProxy:       cfg.Server.TrustProxyHeaders,
		RequestTimeout:   cfg.Server.RequestTimeout,
		MaxBodyBytes:     cfg.Server.MaxBodyBytes,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      observability.InstrumentHandler(srv, "gatekeeper"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)

	if watcher != nil {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.WithError(err).Error("plan catalog watcher stopped")
			}
		}()
	}

	if cfg.Jobs.Enabled {
		scheduler, err := buildScheduler(ctx, cfg, log, logger, limiter, auditStore)
		if err != nil {
			conns.Close()
			return err
		}
		scheduler.Start(ctx)
		shutdown.Register(scheduler.Stop)
	}

	// registration order does not matter; cleanups run concurrently once
	// the HTTP server has drained
	shutdown.Register(func(context.Context) error { return eventPool.Shutdown(cfg.Audit.AsyncTimeout) })
	if kafka != nil {
		shutdown.Register(func(context.Context) error { return kafka.Close() })
	}
	if otel != nil {
		shutdown.Register(otel.Shutdown)
	}
	shutdown.Register(func(context.Context) error {
		cancel()
		var errs []error
		if redisClient != nil {
			errs = append(errs, redisClient.Close())
		}
		errs = append(errs, conns.Close())
		return errors.Join(errs...)
	})

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", httpServer.Addr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	waitCtx, stopWaiting := context.WithCancel(context.Background())
	defer stopWaiting()
	go func() {
		if err, ok := <-serveErr; ok && err != nil {
			log.WithError(err).Error("http server failed")
			stopWaiting()
		}
	}()
	if err := shutdown.Wait(waitCtx); err != nil {
		return err
	}
	log.Info("gatekeeper stopped")
	return nil
}

// buildCatalog returns the configured plan catalog and, for a watched file,
// the watcher that keeps it current
func buildCatalog(ctx context.Context, cfg *config.Config, db *sql.DB, logger *observability.Logger, metrics *observability.Metrics) (api.PlanCatalog, *plans.Watcher, error) {
	switch cfg.Plans.Source {
	case "file":
		initial, err := plans.LoadFile(cfg.Plans.File)
		if err != nil {
			return nil, nil, err
		}
		catalog := plans.NewSwappableCatalog(initial)
		if !cfg.Plans.Watch {
			return catalog, nil, nil
		}
		return catalog, plans.NewWatcher(cfg.Plans.File, catalog, logger, metrics), nil
	case "db":
		catalog := plans.NewDBCatalog(db, cfg.Plans.CacheTTL)
		added, err := catalog.Seed(ctx, plans.DefaultPlans())
		if err != nil {
			return nil, nil, err
		}
		if added > 0 {
			logger.WithField("plans", added).Info("seeded built-in plans")
		}
		if err := catalog.Verify(ctx); err != nil {
			return nil, nil, fmt.Errorf("plan table is invalid: %w", err)
		}
		return catalog, nil, nil
	default:
		return plans.DefaultCatalog(), nil, nil
	}
}

// counterBackend picks where usage counters and rate windows live. Monthly
// history is only kept by the Postgres ledger.
func counterBackend(cfg *config.Config, db *sql.DB, client *redis.Client) (usage.Ledger, ratelimit.WindowStore, api.UsageHistory) {
	if cfg.Storage.CounterBackend == "redis" {
		return usage.NewRedisLedger(client), ratelimit.NewRedisStore(client), nil
	}
	ledger := usage.NewPostgresLedger(db)
	return ledger, ratelimit.NewPostgresStore(db), ledger
}

func tierTable(in map[string]config.TierLimits) map[ratelimit.Tier]ratelimit.Limits {
	out := make(map[ratelimit.Tier]ratelimit.Limits, len(in))
	for name, l := range in {
		out[ratelimit.ParseTier(name)] = ratelimit.Limits{Hourly: l.Hourly, Minute: l.Minute}
	}
	return out
}

func buildScheduler(ctx context.Context, cfg *config.Config, log *logrus.Logger, logger *observability.Logger,
	limiter *ratelimit.Limiter, auditStore *audit.DBStore) (*jobs.Scheduler, error) {
	scheduler := jobs.NewScheduler(log, logger)
	if err := scheduler.Add(jobs.PruneWindows(cfg.Jobs.PruneSchedule, limiter, cfg.RateLimit.WindowRetention, logger)); err != nil {
		return nil, err
	}

	if cfg.Audit.S3Bucket == "" {
		return scheduler, nil
	}
	s3, err := postgres.NewS3Client(ctx, postgres.S3Config{
		Bucket:       cfg.Audit.S3Bucket,
		Region:       cfg.Audit.S3Region,
		Endpoint:     cfg.Audit.S3Endpoint,
		UsePathStyle: cfg.Audit.S3Endpoint != "",
	})
	if err != nil {
		return nil, err
	}
	archiver := audit.NewArchiver(auditStore, s3, cfg.Audit.S3Prefix, cfg.Audit.ArchiveAfter, logger)
	if err := scheduler.Add(jobs.ArchiveEvents(cfg.Jobs.ArchiveSchedule, archiver, logger)); err != nil {
		return nil, err
	}
	return scheduler, nil
}
