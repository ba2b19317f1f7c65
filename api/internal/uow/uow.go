// Package uow scopes a pgx transaction to a context and runs registered callbacks
// only once that transaction has committed.
package uow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"warehouse-choreography/api/internal/repos"
	"warehouse-choreography/shared/logx"
)

type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type scope struct {
	tx    pgx.Tx
	hooks []func(context.Context)
}

type txKey struct{}

type UnitOfWork struct {
	db     Beginner
	logger logx.Logger
}

func New(db Beginner, logger logx.Logger) *UnitOfWork {
	return &UnitOfWork{db: db, logger: logger}
}

// Do runs fn in a transaction carried by the context passed to fn. A nested Do joins
// the enclosing transaction. After-commit callbacks run in registration order once
// Commit has returned successfully, with a context that keeps the caller's values but
// no longer carries the transaction.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := current(ctx); ok {
		return fn(ctx)
	}
	if u == nil || u.db == nil {
		return errors.New("unit of work not configured")
	}

	tx, err := u.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	s := &scope{tx: tx}
	rollbackCtx := context.WithoutCancel(ctx)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(rollbackCtx)
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		if rbErr := tx.Rollback(rollbackCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			u.logger.Error(ctx, "tx_rollback_failed", "rollback failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", rbErr.Error()),
			)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	hookCtx := context.WithoutCancel(ctx)
	for _, hook := range s.hooks {
		u.runHook(hookCtx, hook)
	}
	return nil
}

func (u *UnitOfWork) runHook(ctx context.Context, hook func(context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			u.logger.Error(ctx, "after_commit_panic", "after-commit callback panicked",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.Any("error", p),
			)
		}
	}()
	hook(ctx)
}

// AfterCommit registers fn on the transaction in ctx. It reports false, and does not
// keep fn, when ctx carries no transaction.
func AfterCommit(ctx context.Context, fn func(context.Context)) bool {
	s, ok := current(ctx)
	if !ok {
		return false
	}
	s.hooks = append(s.hooks, fn)
	return true
}

func InTx(ctx context.Context) bool {
	_, ok := current(ctx)
	return ok
}

func Tx(ctx context.Context) (pgx.Tx, bool) {
	s, ok := current(ctx)
	if !ok {
		return nil, false
	}
	return s.tx, true
}

// Querier returns the transaction in ctx, or fallback outside a unit of work.
func Querier(ctx context.Context, fallback repos.DBTX) repos.DBTX {
	if tx, ok := Tx(ctx); ok {
		return tx
	}
	return fallback
}

func current(ctx context.Context) (*scope, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(txKey{}).(*scope)
	return s, ok && s != nil
}
