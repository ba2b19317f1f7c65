package provisioner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"warehouse-choreography/api/internal/migrations"
)

const (
	pgDuplicateSchema = "42P06"
	pgUniqueViolation = "23505"
	pgUndefinedTable  = "42P01"
	ledgerTable       = "schema_migrations"
	createLockPrefix  = "namespace:create:"
	migrateLockPrefix = "namespace:migrate:"
)

const ledgerColumns = ` (
	version    INT PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Namespaces is the storage side of provisioning. Every method is safe to call
// concurrently from several processes.
type Namespaces interface {
	// CreateNamespace creates schema and its migration ledger if absent. created is
	// false when another caller got there first.
	CreateNamespace(ctx context.Context, schema string) (created bool, err error)
	NamespaceExists(ctx context.Context, schema string) (bool, error)
	// AppliedVersion is the highest recorded migration, 0 when none.
	AppliedVersion(ctx context.Context, schema string) (int, error)
	// ApplyMigration runs m and records it in one transaction. applied is false when
	// the ledger already holds m.Version.
	ApplyMigration(ctx context.Context, schema string, m migrations.Migration) (applied bool, err error)
}

type PgNamespaces struct {
	pool *pgxpool.Pool
}

func NewPgNamespaces(pool *pgxpool.Pool) *PgNamespaces {
	return &PgNamespaces{pool: pool}
}

func (n *PgNamespaces) CreateNamespace(ctx context.Context, schema string) (bool, error) {
	ident := pgx.Identifier{schema}.Sanitize()
	created := false
	err := pgx.BeginFunc(ctx, n.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, createLockPrefix+schema); err != nil {
			return err
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_namespace WHERE nspname = $1)`, schema).Scan(&exists); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+ident); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+pgx.Identifier{schema, ledgerTable}.Sanitize()+ledgerColumns); err != nil {
			return err
		}
		created = !exists
		return nil
	})
	if err != nil {
		if isPgCode(err, pgDuplicateSchema, pgUniqueViolation) {
			return false, nil
		}
		return false, fmt.Errorf("create namespace %s: %w", schema, err)
	}
	return created, nil
}

func (n *PgNamespaces) NamespaceExists(ctx context.Context, schema string) (bool, error) {
	var exists bool
	err := n.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_namespace WHERE nspname = $1)`, schema).Scan(&exists)
	return exists, err
}

func (n *PgNamespaces) AppliedVersion(ctx context.Context, schema string) (int, error) {
	var version int
	err := n.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM `+pgx.Identifier{schema, ledgerTable}.Sanitize()).Scan(&version)
	if err != nil {
		if isPgCode(err, pgUndefinedTable) {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

func (n *PgNamespaces) ApplyMigration(ctx context.Context, schema string, m migrations.Migration) (bool, error) {
	ledger := pgx.Identifier{schema, ledgerTable}.Sanitize()
	applied := false
	err := pgx.BeginFunc(ctx, n.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, migrateLockPrefix+schema); err != nil {
			return err
		}
		// namespaces that predate the ledger, such as public, get it on first use
		if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+ledger+ledgerColumns); err != nil {
			return err
		}
		var done bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+ledger+` WHERE version = $1)`, m.Version).Scan(&done); err != nil {
			return err
		}
		if done {
			return nil
		}
		if _, err := tx.Exec(ctx, `SET LOCAL search_path TO `+pgx.Identifier{schema}.Sanitize()); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("migration %04d_%s: %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO `+ledger+` (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("apply to %s: %w", schema, err)
	}
	return applied, nil
}

func isPgCode(err error, codes ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	for _, c := range codes {
		if pgErr.Code == c {
			return true
		}
	}
	return false
}

// MemoryNamespaces keeps namespaces in process. FailOn makes ApplyMigration fail for
// the given version until the entry is removed.
type MemoryNamespaces struct {
	mu      sync.Mutex
	schemas map[string]map[int]string
	creates int
	FailOn  map[int]error
}

func NewMemoryNamespaces() *MemoryNamespaces {
	return &MemoryNamespaces{schemas: map[string]map[int]string{}, FailOn: map[int]error{}}
}

func (n *MemoryNamespaces) CreateNamespace(_ context.Context, schema string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.schemas[schema]; ok {
		return false, nil
	}
	n.schemas[schema] = map[int]string{}
	n.creates++
	return true, nil
}

func (n *MemoryNamespaces) NamespaceExists(_ context.Context, schema string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.schemas[schema]
	return ok, nil
}

func (n *MemoryNamespaces) AppliedVersion(_ context.Context, schema string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	latest := 0
	for v := range n.schemas[schema] {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

func (n *MemoryNamespaces) ApplyMigration(_ context.Context, schema string, m migrations.Migration) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ledger, ok := n.schemas[schema]
	if !ok {
		return false, fmt.Errorf("apply to %s: namespace does not exist", schema)
	}
	if err := n.FailOn[m.Version]; err != nil {
		return false, fmt.Errorf("migration %04d_%s: %w", m.Version, m.Name, err)
	}
	if _, done := ledger[m.Version]; done {
		return false, nil
	}
	ledger[m.Version] = m.Name
	return true, nil
}

func (n *MemoryNamespaces) Creates() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.creates
}

// Applied lists recorded versions of schema in ascending order.
func (n *MemoryNamespaces) Applied(schema string) []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]int, 0, len(n.schemas[schema]))
	for v := range n.schemas[schema] {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
