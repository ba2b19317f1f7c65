package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"warehouse-choreography/api/internal/aggregate"
	"warehouse-choreography/api/internal/httpapi"
	"warehouse-choreography/api/internal/middleware"
	"warehouse-choreography/api/internal/migrations"
	"warehouse-choreography/api/internal/provisioner"
	"warehouse-choreography/api/internal/publisher"
	"warehouse-choreography/api/internal/relay"
	"warehouse-choreography/api/internal/repos"
	"warehouse-choreography/api/internal/stock"
	"warehouse-choreography/api/internal/tenants"
	"warehouse-choreography/api/internal/uow"
	"warehouse-choreography/shared/authx"
	"warehouse-choreography/shared/cachex"
	"warehouse-choreography/shared/config"
	"warehouse-choreography/shared/dbx"
	"warehouse-choreography/shared/httpx"
	"warehouse-choreography/shared/lineagex"
	"warehouse-choreography/shared/lockx"
	"warehouse-choreography/shared/logx"
	"warehouse-choreography/shared/metricsx"
	"warehouse-choreography/shared/mqx"
	"warehouse-choreography/shared/observability"
	"warehouse-choreography/shared/routing"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

// directReplays replays in-process when no asynq broker is configured.
type directReplays struct {
	relay *relay.Relay
}

func (d directReplays) ScheduleReplay(ctx context.Context, id uuid.UUID) error {
	return d.relay.Replay(ctx, id, lockx.DeadLetterReplayKey(id))
}

func main() {
	cfg, readyProblems := config.Load("api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	tracerCfg := observability.TracerConfigFrom(cfg)
	if !cfg.OtelEnabled {
		tracerCfg.Endpoint = ""
	}
	if shutdown, err := observability.InitTracer(context.Background(), tracerCfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		logger.Warn(context.Background(), "otel_init_failed", "tracing disabled", slog.String("error", err.Error()))
	}

	var missing []string
	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
		missing = append(missing, "database")
	} else {
		var err error
		dbPool, err = dbx.NewPool(context.Background(), cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			missing = append(missing, "database")
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	routes, err := routing.Load(routing.New(cfg.ServiceStream, cfg.TenantStream), cfg.StreamRoutesPath)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "STREAM_ROUTES_PATH", Message: err.Error()})
		routes = routing.New(cfg.ServiceStream, cfg.TenantStream)
	}

	var sender publisher.Sender
	var producer *mqx.Producer
	if p, err := mqx.NewProducer(cfg); err == nil {
		producer = p
		sender = p
		defer producer.Close()
	} else if cfg.PublishMode == config.PublishModeDirect {
		readyProblems = append(readyProblems, config.Problem{Field: "KAFKA_BROKERS", Message: err.Error()})
	}

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		if c, err := cachex.New(cfg); err == nil {
			cache = c
			defer cache.Close()
		} else {
			logger.Warn(context.Background(), "redis_init_failed", "redis unavailable", slog.String("error", err.Error()))
		}
	}

	var asynqClient *asynq.Client
	if cfg.AsynqRedisAddr != "" {
		asynqClient = asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.AsynqRedisAddr,
			Password: cfg.AsynqRedisPass,
			DB:       cfg.AsynqRedisDB,
		})
		defer asynqClient.Close()
	}

	tenantSet, err := migrations.Tenant()
	if err != nil {
		logger.Error(context.Background(), "migrations_invalid", "embedded tenant migrations invalid",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	tenantsRepo := repos.NewTenantsRepo(dbPool)
	outboxRepo := repos.NewOutboxRepo(dbPool)
	deadLetters := repos.NewDeadLettersRepo(dbPool)
	tx := uow.New(dbPool, logger)
	pub := publisher.New(publisher.Options{
		Sender:  sender,
		Outbox:  outboxRepo,
		DB:      dbPool,
		Backlog: outboxRepo,
		Router:  routes,
		Mode:    cfg.PublishMode,
		Timeout: cfg.PublishTimeout,
		Logger:  logger,
	})

	var replays httpapi.ReplayScheduler
	if asynqClient != nil {
		replays = relay.Scheduler{Client: asynqClient, Queue: cfg.AsynqQueue}
	} else {
		r := &relay.Relay{DeadLetters: deadLetters, Sender: sender, MaxReplayAge: relay.ReplayWindow(cfg.LedgerRetentionDays), Logger: logger}
		if cache != nil {
			r.Lock = func(ctx context.Context, key string, fn func(ctx context.Context) error) error {
				return lockx.WithLock(ctx, cache.Client(), key, 30*time.Second, fn)
			}
		}
		replays = directReplays{relay: r}
	}

	handlers := httpapi.Handlers{
		Tenants:      tenants.NewService(tx, tenantsRepo, dbPool, pub, logger),
		Stock:        stock.NewService(tx, aggregate.NewPgStore(dbPool), pub),
		Schemas:      provisioner.New(provisioner.NewPgNamespaces(dbPool), tenantSet, cfg.ServiceName, logger),
		DeadLetters:  deadLetters,
		Replays:      replays,
		Outbox:       outboxRepo,
		MaxReplayAge: relay.ReplayWindow(cfg.LedgerRetentionDays),
		Logger:       logger,
	}

	var verifier authx.Verifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		v, err := authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		} else {
			verifier = v
		}
	}

	skipProbe := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}
	limiter := middleware.RateLimitMiddleware{
		Limiter: middleware.NewKeyedRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
	}
	admin := func(next http.Handler) http.Handler {
		return limiter.Wrap(middleware.RequireRole(next, authx.RoleAdmin))
	}
	scoped := func(next http.Handler) http.Handler {
		return middleware.TenantMiddleware{Tenants: tenantsRepo}.Wrap(
			limiter.Wrap(middleware.RequireRole(next, authx.RoleAdmin, authx.RoleOperator)),
		)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: invalid configuration", map[string]any{"problems": readyProblems})
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: database unavailable", map[string]any{"problem": "db_ping_failed"})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	handlers.Register(mux, admin, scoped)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DependencyGate{Missing: missing, Skip: skipProbe}.Wrap(handler)
	if verifier != nil || cfg.Env != "dev" {
		handler = middleware.AuthMiddleware{Verifier: verifier, Skip: skipProbe}.Wrap(handler)
	} else {
		logger.Warn(context.Background(), "auth_disabled", "OIDC not configured, running without authentication")
	}
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = lineagex.Middleware(authx.ActorFromRequest, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.String("publish_mode", cfg.PublishMode),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
