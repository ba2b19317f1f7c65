//go:build integration

package integration

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warehouse-choreography/api/internal/aggregate"
	"warehouse-choreography/api/internal/migrations"
	"warehouse-choreography/api/internal/provisioner"
	"warehouse-choreography/api/internal/uow"
	"warehouse-choreography/shared/logx"
	"warehouse-choreography/shared/workflow"
)

func pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	require.NoError(t, p.Ping(ctx))
	t.Cleanup(p.Close)

	platform, err := migrations.Platform()
	require.NoError(t, err)
	_, err = provisioner.New(provisioner.NewPgNamespaces(p), platform, "integration", logx.Nop()).Migrate(ctx, "public")
	require.NoError(t, err)
	return p
}

func TestConcurrentProvisioningConverges(t *testing.T) {
	p := pool(t)
	ctx := context.Background()
	tenantSet, err := migrations.Tenant()
	require.NoError(t, err)

	tenantID := "it" + strings.ReplaceAll(time.Now().UTC().Format("150405.000000"), ".", "")
	schema := "tenant_" + tenantID + "_schema"
	t.Cleanup(func() { _, _ = p.Exec(context.Background(), `DROP SCHEMA IF EXISTS "`+schema+`" CASCADE`) })

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prov := provisioner.New(provisioner.NewPgNamespaces(p), tenantSet, "svc-"+string(rune('a'+i)), logx.Nop())
			_, errs[i] = prov.Provision(ctx, tenantID, schema)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	st, err := provisioner.New(provisioner.NewPgNamespaces(p), tenantSet, "check", logx.Nop()).Status(ctx, schema)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateMigrated, st.State)
	assert.Equal(t, migrations.Latest(tenantSet), st.AppliedVersion)
}

func TestOptimisticLockingAgainstPostgres(t *testing.T) {
	p := pool(t)
	ctx := context.Background()
	store := aggregate.NewPgStore(p)
	tx := uow.New(p, logx.Nop())

	id := "it-" + time.Now().UTC().Format(time.RFC3339Nano)
	rec := aggregate.Record{AggregateType: "IntegrationProbe", AggregateID: id, TenantID: "it", Version: 1, State: []byte(`{}`)}
	require.NoError(t, tx.Do(ctx, func(ctx context.Context) error { return store.Insert(ctx, rec) }))

	rec.Version = 2
	require.NoError(t, store.Update(ctx, rec, 1))
	err := store.Update(ctx, rec, 1)
	assert.ErrorIs(t, err, aggregate.ErrConcurrencyConflict)
}

func TestDependencies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	conn, err := kafka.Dial("tcp", strings.TrimSpace(brokers[0]))
	if err != nil {
		t.Fatalf("kafka dial failed: %v", err)
	}
	_ = conn.Close()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	_ = redisClient.Close()

	influxURL := os.Getenv("INFLUX_URL")
	if influxURL == "" {
		t.Skip("INFLUX_URL not set")
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, influxURL+"/health", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("influx health failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.Fatalf("influx health status: %d", resp.StatusCode)
	}

	asynqRedis := os.Getenv("ASYNQ_REDIS_ADDR")
	if asynqRedis == "" {
		t.Skip("ASYNQ_REDIS_ADDR not set")
	}
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: asynqRedis})
	defer inspector.Close()
	if _, err := inspector.GetQueueInfo("default"); err != nil && !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("asynq inspector failed: %v", err)
	}
}
