package uow

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warehouse-choreography/shared/lineagex"
	"warehouse-choreography/shared/logx"
)

type fakeTx struct {
	pgx.Tx
	log       *[]string
	commitErr error
}

func (t *fakeTx) Commit(context.Context) error {
	if t.commitErr != nil {
		*t.log = append(*t.log, "commit-failed")
		return t.commitErr
	}
	*t.log = append(*t.log, "commit")
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	*t.log = append(*t.log, "rollback")
	return nil
}

type fakeDB struct {
	log       []string
	begins    int
	commitErr error
}

func (d *fakeDB) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	d.begins++
	d.log = append(d.log, "begin")
	return &fakeTx{log: &d.log, commitErr: d.commitErr}, nil
}

func TestAfterCommitRunsOnlyAfterCommit(t *testing.T) {
	db := &fakeDB{}
	u := New(db, logx.Nop())

	err := u.Do(context.Background(), func(ctx context.Context) error {
		require.True(t, InTx(ctx))
		ok := AfterCommit(ctx, func(hookCtx context.Context) {
			assert.False(t, InTx(hookCtx), "hook must not see the finished transaction")
			db.log = append(db.log, "hook")
		})
		require.True(t, ok)
		db.log = append(db.log, "work")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"begin", "work", "commit", "hook"}, db.log)
}

func TestRollbackSkipsHooks(t *testing.T) {
	db := &fakeDB{}
	u := New(db, logx.Nop())
	boom := errors.New("boom")

	err := u.Do(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func(context.Context) { db.log = append(db.log, "hook") })
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"begin", "rollback"}, db.log)
}

func TestCommitFailureSkipsHooks(t *testing.T) {
	db := &fakeDB{commitErr: errors.New("serialization failure")}
	u := New(db, logx.Nop())

	err := u.Do(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func(context.Context) { db.log = append(db.log, "hook") })
		return nil
	})
	require.Error(t, err)
	assert.NotContains(t, db.log, "hook")
}

func TestNestedDoJoinsOuterTransaction(t *testing.T) {
	db := &fakeDB{}
	u := New(db, logx.Nop())

	err := u.Do(context.Background(), func(ctx context.Context) error {
		outer, _ := Tx(ctx)
		return u.Do(ctx, func(inner context.Context) error {
			tx, _ := Tx(inner)
			assert.Same(t, outer, tx)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, db.begins)
}

func TestAfterCommitWithoutTransaction(t *testing.T) {
	assert.False(t, AfterCommit(context.Background(), func(context.Context) {}))
	assert.False(t, InTx(context.Background()))
}

func TestHookContextKeepsLineage(t *testing.T) {
	db := &fakeDB{}
	u := New(db, logx.Nop())
	ctx := lineagex.With(context.Background(), lineagex.Lineage{CorrelationID: "c-1"})

	var seen string
	require.NoError(t, u.Do(ctx, func(ctx context.Context) error {
		AfterCommit(ctx, func(hookCtx context.Context) { seen = lineagex.CorrelationIDFromContext(hookCtx) })
		return nil
	}))
	assert.Equal(t, "c-1", seen)
}

func TestHookPanicIsContained(t *testing.T) {
	db := &fakeDB{}
	u := New(db, logx.Nop())
	ran := false
	err := u.Do(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func(context.Context) { panic("broker exploded") })
		AfterCommit(ctx, func(context.Context) { ran = true })
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}
