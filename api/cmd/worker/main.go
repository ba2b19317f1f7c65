package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"warehouse-choreography/api/internal/relay"
	"warehouse-choreography/api/internal/repos"
	"warehouse-choreography/shared/cachex"
	"warehouse-choreography/shared/config"
	"warehouse-choreography/shared/dbx"
	"warehouse-choreography/shared/lockx"
	"warehouse-choreography/shared/logx"
	"warehouse-choreography/shared/metricsx"
	"warehouse-choreography/shared/mqx"
	"warehouse-choreography/shared/observability"
)

const staleClaimAfter = 2 * time.Minute

func main() {
	cfg, problems := config.Load("outbox-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required for replay locks"})
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

	cache, err := cachex.New(cfg)
	if err != nil {
		fatal(logger, "redis_init_failed", "redis init failed", err)
	}
	defer cache.Close()

	outboxRepo := repos.NewOutboxRepo(dbPool)
	processedRepo := repos.NewProcessedEventsRepo(dbPool)
	rl := &relay.Relay{
		Outbox:       outboxRepo,
		DeadLetters:  repos.NewDeadLettersRepo(dbPool),
		Sender:       producer,
		MaxAttempts:  cfg.OutboxMaxAttempts,
		MaxReplayAge: relay.ReplayWindow(cfg.LedgerRetentionDays),
		Logger:       logger,
		Lock: func(ctx context.Context, key string, fn func(ctx context.Context) error) error {
			return lockx.WithLock(ctx, cache.Client(), key, 30*time.Second, fn)
		},
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()
	scheduler := relay.Scheduler{Client: client, Queue: cfg.AsynqQueue}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(relay.TaskOutboxScan, func(ctx context.Context, t *asynq.Task) error {
		batches, err := rl.Claim(ctx, cfg.ServiceName, cfg.OutboxBatchSize)
		if err != nil {
			return err
		}
		for _, batch := range batches {
			if err := scheduler.ScheduleDispatch(ctx, batch); err != nil {
				logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("aggregate", batch.Aggregate),
					slog.Int("events", len(batch.EventIDs)),
					slog.String("error", err.Error()),
				)
				if err := rl.Release(ctx, batch); err != nil {
					logger.Warn(ctx, "outbox_release_failed", "claimed rows wait for the stale-claim release",
						slog.String("aggregate", batch.Aggregate),
						slog.String("error", err.Error()),
					)
				}
			}
		}
		return nil
	})
	mux.HandleFunc(relay.TaskOutboxDispatch, func(ctx context.Context, t *asynq.Task) error {
		batch, err := relay.ParseDispatch(t)
		if err != nil {
			return err
		}
		ctx, span := otel.Tracer("asynq").Start(ctx, "outbox.dispatch")
		span.SetAttributes(
			attribute.String("queue", cfg.AsynqQueue),
			attribute.String("aggregate", batch.Aggregate),
			attribute.Int("events", len(batch.EventIDs)),
		)
		defer span.End()
		return rl.Dispatch(ctx, batch)
	})
	mux.HandleFunc(relay.TaskOutboxReclaim, func(ctx context.Context, t *asynq.Task) error {
		released, err := outboxRepo.ReleaseStale(ctx, staleClaimAfter)
		if err != nil {
			return err
		}
		if released > 0 {
			logger.Warn(ctx, "outbox_reclaimed", "released stale outbox claims", slog.Int64("count", released))
		}
		counts, err := outboxRepo.CountByStatus(ctx)
		if err != nil {
			return err
		}
		for _, status := range []string{repos.OutboxStatusPending, repos.OutboxStatusSending, repos.OutboxStatusDead} {
			metricsx.SetOutboxBacklog(status, counts[status])
		}
		return nil
	})
	mux.HandleFunc(relay.TaskLedgerPurge, func(ctx context.Context, t *asynq.Task) error {
		purged, err := processedRepo.PurgeOlderThan(ctx, "", cfg.LedgerRetentionDays)
		if err != nil {
			return err
		}
		logger.Info(ctx, "ledger_purged", "purged processed event ledger",
			slog.Int64("count", purged),
			slog.Int("retention_days", cfg.LedgerRetentionDays),
		)
		return nil
	})
	mux.HandleFunc(relay.TaskDeadLetterReplay, func(ctx context.Context, t *asynq.Task) error {
		id, err := relay.ParseReplay(t)
		if err != nil {
			return err
		}
		// a held lock means another worker is replaying it; asynq retries later
		err = rl.Replay(ctx, id, lockx.DeadLetterReplayKey(id))
		if errors.Is(err, relay.ErrAlreadyReplayed) {
			return nil
		}
		if errors.Is(err, relay.ErrReplayExpired) {
			logger.Warn(ctx, "dead_letter_replay_expired", "dead letter is past the ledger retention window",
				slog.String("dead_letter_id", id.String()),
				slog.Int("retention_days", cfg.LedgerRetentionDays),
			)
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return err
	})

	sched := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer sched.Shutdown()
	periodic := []struct {
		spec string
		task string
	}{
		{spec: "@every " + strconv.Itoa(cfg.OutboxScanSec) + "s", task: relay.TaskOutboxScan},
		{spec: "@every 1m", task: relay.TaskOutboxReclaim},
		{spec: "@daily", task: relay.TaskLedgerPurge},
	}
	for _, p := range periodic {
		if _, err := sched.Register(p.spec, asynq.NewTask(p.task, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
			fatal(logger, "scheduler_init_failed", "scheduler init failed", err)
		}
	}
	if err := sched.Start(); err != nil {
		fatal(logger, "scheduler_start_failed", "scheduler start failed", err)
	}

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "outbox worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "outbox worker stopped")
}

func fatal(logger logx.Logger, event string, msg string, err error) {
	logger.Error(context.Background(), event, msg,
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", err.Error()),
	)
	os.Exit(1)
}
