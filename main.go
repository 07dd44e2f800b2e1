package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"lims-eln-sync/internal/adapter"
	"lims-eln-sync/internal/config"
	"lims-eln-sync/internal/domain"
	"lims-eln-sync/internal/lease"
	"lims-eln-sync/internal/ledger"
	"lims-eln-sync/internal/publisher"
	"lims-eln-sync/internal/repository"
	"lims-eln-sync/internal/retry"
	"lims-eln-sync/internal/server"
	"lims-eln-sync/internal/service"
	"lims-eln-sync/internal/telemetry"
	"lims-eln-sync/internal/trigger"
	"lims-eln-sync/internal/validation"
)

const version = "1.0.0"

var errLedgerHalted = errors.New("audit ledger halted")

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)

	if err := godotenv.Load(); err != nil {
		log.Warn("Could not load .env file.")
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Could not load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	configureLogging(cfg.Log)

	schema, err := domain.LoadSchema(cfg.SchemaFile)
	if err != nil {
		log.WithError(err).WithField("file", cfg.SchemaFile).Fatal("Could not load record schema")
	}
	log.WithField("record_types", schema.TypeNames()).Info("Record schema loaded")

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx, shutdown := context.WithCancelCause(sigCtx)
	defer shutdown(nil)

	db, err := repository.Open(cfg.DB.URL, repository.Pool{
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.DB.ConnMaxIdleTime,
	})
	if err != nil {
		log.WithError(err).Fatal("Could not connect to the database")
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		log.WithError(err).Fatal("Could not ping the database")
	}
	log.Info("Starting database migration...")
	if err := db.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("Could not apply migration")
	}
	log.WithField("dialect", db.Dialect()).Info("Database migration finished successfully.")

	audit, err := ledger.New(ctx, repository.NewLedgerStore(db), ledger.WithAlert(func(d ledger.Divergence) {
		log.WithFields(log.Fields{
			"sequence_no": d.Sequence,
			"reason":      d.Reason,
		}).Error("OPERATOR ALERT: audit chain diverged, shutting down")
		shutdown(errLedgerHalted)
	}))
	if err != nil {
		log.WithError(err).Fatal("Could not open the audit ledger")
	}
	if v, err := audit.VerifyChain(ctx, 1, 0); err != nil {
		log.WithError(err).Fatal("Could not verify the audit ledger")
	} else if !v.Valid {
		log.WithField("sequence_no", v.Divergence.Sequence).Fatal("Audit ledger failed verification at startup")
	}

	status := service.NewStatusService()
	if err := status.Rebuild(ctx, audit); err != nil {
		log.WithError(err).Fatal("Could not rebuild sync status")
	}
	audit.Subscribe(status.Apply)

	probes := map[string]server.Pinger{"database": db}

	var locker lease.Locker = lease.NewMemoryLocker()
	if cfg.Redis.URL != "" {
		redisLocker, err := lease.NewRedisLocker(cfg.Redis.URL)
		if err != nil {
			log.WithError(err).Fatal("Could not connect to redis")
		}
		defer redisLocker.Close()
		locker = redisLocker
		probes["redis"] = server.PingFunc(redisLocker.Ping)
	}

	var auditPublisher *publisher.AuditPublisher
	if cfg.Kafka.BootstrapServers != "" {
		auditPublisher, err = publisher.NewAuditPublisher(cfg.Kafka.BootstrapServers, cfg.Kafka.AuditTopic, cfg.Kafka.DeadLetterTopic)
		if err != nil {
			log.WithError(err).Fatal("Could not create audit publisher")
		}
		audit.Subscribe(auditPublisher.HandleEntry)
	}

	provider, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:  "lims-eln-sync",
		Version:      version,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
	})
	if err != nil {
		log.WithError(err).Fatal("Could not set up telemetry")
	}
	metrics, err := service.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		log.WithError(err).Fatal("Could not register metrics")
	}

	var classifier validation.Classifier = validation.NoopClassifier{}
	if cfg.Classifier.URL != "" {
		classifier = validation.NewHTTPClassifier(cfg.Classifier.URL)
	}
	validator, err := validation.New(schema, validation.Options{
		Classifier: classifier,
		Timeout:    cfg.Classifier.Timeout,
		Threshold:  cfg.Classifier.Threshold,
	})
	if err != nil {
		log.WithError(err).Fatal("Could not compile validation pipeline")
	}

	deps := service.Dependencies{
		Schema:      schema,
		LIMS:        newAdapter(domain.SystemLIMS, cfg.LIMS, schema),
		ELN:         newAdapter(domain.SystemELN, cfg.ELN, schema),
		Baselines:   repository.NewBaselineRepository(db),
		Jobs:        repository.NewJobRepository(db),
		DeadLetters: repository.NewDeadLetterRepository(db),
		Validator:   validator,
		Audit:       service.NewAuditService(audit),
		Retry: retry.NewManager(retry.Policy{
			MaxAttempts: cfg.Sync.MaxAttempts,
			Base:        cfg.Sync.BackoffBase,
			Cap:         cfg.Sync.BackoffCap,
			MaxJitter:   cfg.Sync.MaxJitter,
		}),
		Locker:  locker,
		Metrics: metrics,
	}
	if auditPublisher != nil {
		deps.Sink = auditPublisher
	}
	syncService, err := service.NewSyncService(deps, service.Options{
		Workers:     cfg.Sync.Workers,
		QueueSize:   cfg.Sync.QueueSize,
		CallTimeout: cfg.Sync.CallTimeout,
		JobTTL:      cfg.Sync.JobTTL,
		LeaseTTL:    cfg.Sync.LeaseTTL,
	})
	if err != nil {
		log.WithError(err).Fatal("Could not create sync service")
	}
	if err := syncService.Start(ctx); err != nil {
		log.WithError(err).Fatal("Could not start sync service")
	}

	cursors := repository.NewCursorRepository(db)
	for _, a := range []adapter.Adapter{deps.LIMS, deps.ELN} {
		poller := trigger.NewFeedPoller(a, cursors, syncService, cfg.Feed.BatchSize, cfg.Feed.PollInterval)
		go func() {
			if err := poller.Run(ctx); err != nil {
				log.WithError(err).WithField("system", a.System()).Error("Change feed poller stopped")
			}
		}()
	}
	go trigger.NewScheduler(deps.Baselines, syncService, cfg.Feed.ResyncInterval).Run(ctx)
	go audit.RunVerifier(ctx, cfg.Ledger.VerifyInterval)
	go status.Follow(ctx, audit, cfg.Ledger.TailInterval)

	srv := server.NewServer(syncService, status, audit, probes)
	e := echo.New()
	e.HideBanner = true
	srv.Routes(e)

	go func() {
		log.WithField("port", cfg.HTTP.Port).Info("LIMS/ELN sync service is starting with Echo")
		if err := e.Start(":" + cfg.HTTP.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Echo server failed")
			shutdown(err)
		}
	}()

	<-ctx.Done()
	log.WithField("cause", context.Cause(ctx)).Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown incomplete")
	}
	if err := syncService.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("Sync workers did not stop in time")
	}
	if auditPublisher != nil {
		auditPublisher.Close()
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Telemetry shutdown failed")
	}

	if errors.Is(context.Cause(ctx), errLedgerHalted) {
		os.Exit(2)
	}
}

func configureLogging(cfg config.Log) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

// newAdapter returns the REST adapter of a system, or an in-process one
// when no URL is configured.
func newAdapter(system domain.System, cfg config.System, schema *domain.Schema) adapter.Adapter {
	if cfg.URL == "" {
		log.WithField("system", system).Warn("No API url configured, using in-memory adapter")
		return adapter.NewMemory(system, time.Now)
	}
	return adapter.NewHTTPAdapter(system, adapter.HTTPConfig{
		BaseURL:           cfg.URL,
		APIKey:            cfg.APIKey,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Timeout:           cfg.Timeout,
	}, schema)
}
