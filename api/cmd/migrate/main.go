package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"strings"

	"warehouse-choreography/api/internal/migrations"
	"warehouse-choreography/api/internal/provisioner"
	"warehouse-choreography/api/internal/repos"
	"warehouse-choreography/shared/config"
	"warehouse-choreography/shared/dbx"
	"warehouse-choreography/shared/logx"
)

func main() {
	withTenants := flag.Bool("tenants", false, "also bring every registered tenant namespace to the latest version")
	flag.Parse()

	cfg, _ := config.Load("migrate", 8084)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	ctx := context.Background()

	pool, err := dbx.NewPool(ctx, cfg)
	if err != nil {
		fatal(logger, "db_init_failed", "db init failed", err)
	}
	defer pool.Close()

	platformSet, err := migrations.Platform()
	if err != nil {
		fatal(logger, "migrations_invalid", "embedded platform migrations invalid", err)
	}
	namespaces := provisioner.NewPgNamespaces(pool)
	st, err := provisioner.New(namespaces, platformSet, cfg.ServiceName, logger).Migrate(ctx, "public")
	if err != nil {
		fatal(logger, "platform_migrate_failed", "platform migrations failed", err)
	}
	logger.Info(ctx, "platform_migrated", "platform schema up to date", slog.Int("version", st.AppliedVersion))

	if !*withTenants {
		return
	}
	tenantSet, err := migrations.Tenant()
	if err != nil {
		fatal(logger, "migrations_invalid", "embedded tenant migrations invalid", err)
	}
	prov := provisioner.New(namespaces, tenantSet, cfg.ServiceName, logger)
	tenantsRepo := repos.NewTenantsRepo(pool)
	failed := 0
	after := ""
	for {
		page, err := tenantsRepo.ListTenants(ctx, after, 100)
		if err != nil {
			fatal(logger, "tenant_list_failed", "failed to list tenants", err)
		}
		if len(page) == 0 {
			break
		}
		for _, t := range page {
			if _, err := prov.Provision(ctx, t.TenantID, t.SchemaName); err != nil {
				failed++
			}
		}
		after = page[len(page)-1].TenantID
	}
	if failed > 0 {
		logger.Error(ctx, "tenant_migrate_incomplete", "some tenant namespaces failed; rerun to resume",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.Int("failed", failed),
		)
		os.Exit(1)
	}
}

func fatal(logger logx.Logger, event string, msg string, err error) {
	logger.Error(context.Background(), event, msg,
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", err.Error()),
	)
	os.Exit(1)
}
