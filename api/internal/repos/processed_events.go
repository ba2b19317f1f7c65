package repos

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ProcessedEventsRepo struct {
	pool *pgxpool.Pool
}

func NewProcessedEventsRepo(pool *pgxpool.Pool) *ProcessedEventsRepo {
	return &ProcessedEventsRepo{pool: pool}
}

func (r *ProcessedEventsRepo) Exists(ctx context.Context, db DBTX, group string, eventID uuid.UUID) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM processed_events WHERE consumer_group = $1 AND event_id = $2)
	`, group, eventID).Scan(&exists)
	return exists, err
}

// Insert records eventID for group and reports whether this call created the row.
// Under a concurrent insert of the same key the second transaction waits for the
// first and then sees the conflict.
func (r *ProcessedEventsRepo) Insert(ctx context.Context, db DBTX, group string, eventID uuid.UUID, eventType string) (bool, error) {
	tag, err := db.Exec(ctx, `
		INSERT INTO processed_events (consumer_group, event_id, event_type, processed_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (consumer_group, event_id) DO NOTHING
	`, group, eventID, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// PurgeOlderThan drops ledger rows older than days. An empty group purges every group.
func (r *ProcessedEventsRepo) PurgeOlderThan(ctx context.Context, group string, days int) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM processed_events
		WHERE ($1 = '' OR consumer_group = $1) AND processed_at < now() - make_interval(days => $2)
	`, group, days)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
