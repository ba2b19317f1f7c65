package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"warehouse-choreography/api/internal/consumer"
	"warehouse-choreography/api/internal/migrations"
	"warehouse-choreography/api/internal/provisioner"
	"warehouse-choreography/api/internal/publisher"
	"warehouse-choreography/api/internal/repos"
	"warehouse-choreography/api/internal/stock"
	"warehouse-choreography/api/internal/uow"
	"warehouse-choreography/shared/cachex"
	"warehouse-choreography/shared/config"
	"warehouse-choreography/shared/dbx"
	"warehouse-choreography/shared/events"
	"warehouse-choreography/shared/influxx"
	"warehouse-choreography/shared/logx"
	"warehouse-choreography/shared/metricsx"
	"warehouse-choreography/shared/mqx"
	"warehouse-choreography/shared/observability"
	"warehouse-choreography/shared/routing"
)

// stream binds one topic to the handler that consumes it under its own group.
type stream struct {
	topic   string
	group   string
	handler consumer.Handler
}

func main() {
	cfg, problems := config.Load("stock", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}
	group := cfg.KafkaGroupID
	if group == "" {
		group = cfg.ServiceName
	}

	tracerCfg := observability.TracerConfigFrom(cfg)
	if !cfg.OtelEnabled {
		tracerCfg.Endpoint = ""
	}
	if shutdown, err := observability.InitTracer(context.Background(), tracerCfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	dbPool, err := dbx.NewPool(context.Background(), cfg)
	if err != nil {
		fatal(logger, "db_init_failed", "db init failed", err)
	}
	defer dbPool.Close()

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		fatal(logger, "kafka_init_failed", "kafka producer init failed", err)
	}
	defer producer.Close()

	routes, err := routing.Load(routing.New(cfg.ServiceStream, cfg.TenantStream), cfg.StreamRoutesPath)
	if err != nil {
		fatal(logger, "routes_invalid", "stream routes invalid", err)
	}

	tenantSet, err := migrations.Tenant()
	if err != nil {
		fatal(logger, "migrations_invalid", "embedded tenant migrations invalid", err)
	}

	var ledger consumer.Ledger = consumer.NewPgLedger(repos.NewProcessedEventsRepo(dbPool), dbPool)
	if cfg.RedisAddr != "" {
		cache, err := cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "redis_init_failed", "dedup cache disabled", slog.String("error", err.Error()))
		} else {
			defer cache.Close()
			ledger = consumer.NewCachedLedger(ledger, cache, time.Duration(cfg.DedupCacheTTLSec)*time.Second, logger)
		}
	}

	var telemetry consumer.PointWriter
	prov := provisioner.New(provisioner.NewPgNamespaces(dbPool), tenantSet, cfg.ServiceName, logger)
	if influxx.Enabled(cfg) {
		influx, err := influxx.New(cfg, func(err error) {
			logger.Warn(context.Background(), "influx_write_failed", "telemetry write failed", slog.String("error", err.Error()))
		})
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "telemetry disabled", slog.String("error", err.Error()))
		} else {
			defer influx.Close()
			telemetry = influx
			prov = prov.WithTelemetry(influx)
		}
	}

	tx := uow.New(dbPool, logger)
	outboxRepo := repos.NewOutboxRepo(dbPool)
	pub := publisher.New(publisher.Options{
		Sender:  producer,
		Outbox:  outboxRepo,
		DB:      dbPool,
		Backlog: outboxRepo,
		Router:  routes,
		Mode:    cfg.PublishMode,
		Timeout: cfg.PublishTimeout,
		Logger:  logger,
	})
	projection := stock.NewProjection(dbPool, pub, decimal.NewFromFloat(cfg.StockLowThreshold), logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
		cancel()
	}()

	streams := []stream{
		{topic: cfg.TenantStream, group: group + ".tenants", handler: prov.Handle},
		{topic: cfg.ServiceStream, group: group + ".projection", handler: projection.Handle},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range streams {
		reader, err := mqx.NewConsumer(cfg, s.topic, s.group)
		if err != nil {
			fatal(logger, "kafka_init_failed", "kafka reader init failed", err)
		}
		defer reader.Close()

		proc, err := consumer.NewProcessor(consumer.Options{
			Group:          s.group,
			Registry:       events.DefaultRegistry(),
			Handler:        s.handler,
			Ledger:         ledger,
			Tx:             tx,
			DeadLetters:    repos.NewDeadLettersRepo(dbPool),
			DLQ:            producer,
			DLQSuffix:      cfg.DLQTopicSuffix,
			UnknownPolicy:  cfg.UnknownEventPolicy,
			MaxAttempts:    cfg.ConsumerMaxAttempts,
			InitialBackoff: time.Duration(cfg.ConsumerBackoffInitialMS) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.ConsumerBackoffMaxMS) * time.Millisecond,
			Telemetry:      telemetry,
			Logger:         logger,
		})
		if err != nil {
			fatal(logger, "consumer_init_failed", "consumer init failed", err)
		}
		runner := consumer.NewRunner(reader, proc, logger)
		g.Go(func() error { return runner.Run(gctx) })

		logger.Info(ctx, "consumer_start", "stream consumer started",
			slog.String("topic", s.topic),
			slog.String("group", s.group),
		)
	}

	if err := g.Wait(); err != nil {
		logger.Error(context.Background(), "consumer_failed", "consumer stopped with error",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	logger.Info(context.Background(), "consumer_stop", "stream consumers stopped")
}

func fatal(logger logx.Logger, event string, msg string, err error) {
	logger.Error(context.Background(), event, msg,
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", err.Error()),
	)
	os.Exit(1)
}
