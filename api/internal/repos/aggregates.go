package repos

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"warehouse-choreography/api/internal/models"
)

var ErrVersionMismatch = errors.New("aggregate version mismatch")

type AggregatesRepo struct {
	pool *pgxpool.Pool
}

func NewAggregatesRepo(pool *pgxpool.Pool) *AggregatesRepo {
	return &AggregatesRepo{pool: pool}
}

func (r *AggregatesRepo) Get(ctx context.Context, db DBTX, aggregateType string, aggregateID string) (models.AggregateRecord, error) {
	var rec models.AggregateRecord
	err := db.QueryRow(ctx, `
		SELECT aggregate_type, aggregate_id, tenant_id, version, state, updated_at
		FROM aggregates
		WHERE aggregate_type = $1 AND aggregate_id = $2
	`, aggregateType, aggregateID).Scan(&rec.AggregateType, &rec.AggregateID, &rec.TenantID, &rec.Version, &rec.State, &rec.UpdatedAt)
	return rec, err
}

// Insert stores the first version of an aggregate. Another writer having created the
// same id first is a version mismatch, not a duplicate to be ignored.
func (r *AggregatesRepo) Insert(ctx context.Context, db DBTX, rec models.AggregateRecord) error {
	tag, err := db.Exec(ctx, `
		INSERT INTO aggregates (aggregate_type, aggregate_id, tenant_id, version, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (aggregate_type, aggregate_id) DO NOTHING
	`, rec.AggregateType, rec.AggregateID, rec.TenantID, rec.Version, json.RawMessage(rec.State))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionMismatch
	}
	return nil
}

// UpdateVersioned writes rec only if the stored version still equals expected.
func (r *AggregatesRepo) UpdateVersioned(ctx context.Context, db DBTX, rec models.AggregateRecord, expected int64) error {
	tag, err := db.Exec(ctx, `
		UPDATE aggregates
		SET version = $4, state = $5, updated_at = now()
		WHERE aggregate_type = $1 AND aggregate_id = $2 AND version = $3
	`, rec.AggregateType, rec.AggregateID, expected, rec.Version, json.RawMessage(rec.State))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionMismatch
	}
	return nil
}
