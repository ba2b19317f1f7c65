// Package uowtest provides an in-process transaction source for tests of code that
// runs inside uow.Do without a database.
package uowtest

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is what statements issued inside a transaction are forwarded to.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type DB struct {
	mu        sync.Mutex
	Begins    int
	Commits   int
	Rollbacks int
	CommitErr error
	// Conn receives the statements run through the transaction. Without it they fail.
	Conn Conn
}

var errNoConn = errors.New("uowtest: no Conn configured")

type tx struct {
	pgx.Tx
	db *DB
}

func (d *DB) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Begins++
	return &tx{db: d}, nil
}

func (d *DB) Counts() (begins, commits, rollbacks int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Begins, d.Commits, d.Rollbacks
}

func (t *tx) Commit(context.Context) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if t.db.CommitErr != nil {
		return t.db.CommitErr
	}
	t.db.Commits++
	return nil
}

func (t *tx) Rollback(context.Context) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.db.Rollbacks++
	return nil
}

func (t *tx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.db.Conn == nil {
		return pgconn.CommandTag{}, errNoConn
	}
	return t.db.Conn.Exec(ctx, sql, args...)
}

func (t *tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if t.db.Conn == nil {
		return nil, errNoConn
	}
	return t.db.Conn.Query(ctx, sql, args...)
}

func (t *tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if t.db.Conn == nil {
		return errRow{}
	}
	return t.db.Conn.QueryRow(ctx, sql, args...)
}

type errRow struct{}

func (errRow) Scan(...any) error { return errNoConn }
