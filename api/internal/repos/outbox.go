package repos

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"warehouse-choreography/api/internal/models"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusSending   = "sending"
	OutboxStatusDelivered = "delivered"
	OutboxStatusDead      = "dead"
)

// outboxClaimLock serializes claimers so an aggregate's rows are never split between
// two concurrent scans.
const outboxClaimLock = 7301

const outboxColumns = `event_id, tenant_id, event_type, aggregate_type, aggregate_id, topic, payload, headers, status, attempts,
	next_retry_at, locked_at, locked_by, last_error, created_at, updated_at, published_at, seq`

type OutboxRepo struct {
	pool *pgxpool.Pool
}

func NewOutboxRepo(pool *pgxpool.Pool) *OutboxRepo {
	return &OutboxRepo{pool: pool}
}

// Insert writes through db so the row commits or rolls back with the caller's transaction.
// A repeated event id is ignored.
func (r *OutboxRepo) Insert(ctx context.Context, db DBTX, event models.OutboxEvent) (models.OutboxEvent, error) {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = event.CreatedAt
	}
	if event.Headers == nil {
		event.Headers = map[string]string{}
	}

	_, err := db.Exec(ctx, `
		INSERT INTO outbox_events (
			event_id, tenant_id, event_type, aggregate_type, aggregate_id, topic, payload, headers, status, attempts,
			next_retry_at, last_error, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, event.TenantID, event.EventType, event.AggregateType, event.AggregateID, event.Topic, event.Payload, event.Headers,
		event.Status, event.Attempts, event.NextRetryAt, event.LastError, event.CreatedAt, event.UpdatedAt)
	return event, err
}

// ClaimPending marks up to limit due rows as sending under owner and returns them in
// append order. A row is only claimable when every earlier row of its aggregate is
// delivered or claimable in the same batch, so a failed, in-flight or dead row holds
// back the rest of its aggregate.
func (r *OutboxRepo) ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, outboxClaimLock); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
		WITH candidates AS (
			SELECT o.event_id
			FROM outbox_events o
			WHERE o.status = $1 AND (o.next_retry_at IS NULL OR o.next_retry_at <= now())
				AND NOT EXISTS (
					SELECT 1
					FROM outbox_events p
					WHERE p.aggregate_type = o.aggregate_type
						AND p.aggregate_id = o.aggregate_id
						AND p.seq < o.seq
						AND p.status <> $5
						AND NOT (p.status = $1 AND (p.next_retry_at IS NULL OR p.next_retry_at <= now()))
				)
			ORDER BY o.seq ASC
			LIMIT $2
			FOR UPDATE
		)
		UPDATE outbox_events o
		SET status = $3, locked_at = now(), locked_by = $4, updated_at = now()
		FROM candidates c
		WHERE o.event_id = c.event_id
		RETURNING o.event_id, o.tenant_id, o.event_type, o.aggregate_type, o.aggregate_id, o.topic, o.payload, o.headers, o.status,
			o.attempts, o.next_retry_at, o.locked_at, o.locked_by, o.last_error, o.created_at, o.updated_at, o.published_at, o.seq
	`, OutboxStatusPending, limit, OutboxStatusSending, owner, OutboxStatusDelivered)
	if err != nil {
		return nil, err
	}

	events := make([]models.OutboxEvent, 0, limit)
	for rows.Next() {
		event, err := scanOutbox(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, event)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

// Release hands rows claimed by owner back to pending without counting an attempt.
func (r *OutboxRepo) Release(ctx context.Context, owner string, eventIDs []uuid.UUID) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE event_id = ANY($2) AND status = $3 AND locked_by = $4
	`, OutboxStatusPending, eventIDs, OutboxStatusSending, owner)
	return err
}

// Unsettled reports whether the aggregate still has rows waiting in the outbox.
func (r *OutboxRepo) Unsettled(ctx context.Context, aggregateType string, aggregateID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM outbox_events
			WHERE aggregate_type = $1 AND aggregate_id = $2 AND status <> $3
		)
	`, aggregateType, aggregateID, OutboxStatusDelivered).Scan(&exists)
	return exists, err
}

func (r *OutboxRepo) GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE event_id = $1`, eventID)
	return scanOutbox(row)
}

func (r *OutboxRepo) MarkDelivered(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, published_at = now(), updated_at = now(), locked_at = NULL, locked_by = NULL
		WHERE event_id = $1
	`, eventID, OutboxStatusDelivered)
	return err
}

func (r *OutboxRepo) MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	status := OutboxStatusPending
	if dead {
		status = OutboxStatusDead
		nextRetryAt = nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = $3, next_retry_at = $4, last_error = $5, updated_at = now(), locked_at = NULL, locked_by = NULL
		WHERE event_id = $1
	`, eventID, status, attempts, nextRetryAt, lastErr)
	return err
}

// ReleaseStale returns rows stuck in sending, e.g. after a worker crash, to pending.
func (r *OutboxRepo) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = $2 AND locked_at < $3
	`, OutboxStatusPending, OutboxStatusSending, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Requeue gives a dead row a fresh set of attempts. It reports false when the row is
// missing or not dead.
func (r *OutboxRepo) Requeue(ctx context.Context, eventID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = 0, next_retry_at = NULL, updated_at = now()
		WHERE event_id = $1 AND status = $3
	`, eventID, OutboxStatusPending, OutboxStatusDead)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *OutboxRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, count(*) FROM outbox_events WHERE status <> $1 GROUP BY status`, OutboxStatusDelivered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func scanOutbox(row pgx.Row) (models.OutboxEvent, error) {
	var event models.OutboxEvent
	err := row.Scan(
		&event.EventID, &event.TenantID, &event.EventType, &event.AggregateType, &event.AggregateID, &event.Topic, &event.Payload, &event.Headers,
		&event.Status, &event.Attempts, &event.NextRetryAt, &event.LockedAt, &event.LockedBy, &event.LastError, &event.CreatedAt, &event.UpdatedAt, &event.PublishedAt,
		&event.Seq,
	)
	return event, err
}
