package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"warehouse-choreography/api/internal/models"
)

const (
	DeadLetterStatusPending  = "pending"
	DeadLetterStatusReplayed = "replayed"
)

const deadLetterColumns = `dead_letter_id, consumer_group, topic, partition, "offset", message_key, payload, headers, event_id, event_type,
	reason, last_error, attempts, status, created_at, replayed_at`

type DeadLettersRepo struct {
	pool *pgxpool.Pool
}

func NewDeadLettersRepo(pool *pgxpool.Pool) *DeadLettersRepo {
	return &DeadLettersRepo{pool: pool}
}

// Insert is idempotent per (group, topic, partition, offset) so a crash between the
// insert and the offset commit does not duplicate the entry on redelivery.
func (r *DeadLettersRepo) Insert(ctx context.Context, dl models.DeadLetter) (models.DeadLetter, error) {
	if dl.DeadLetterID == uuid.Nil {
		dl.DeadLetterID = uuid.New()
	}
	if dl.Status == "" {
		dl.Status = DeadLetterStatusPending
	}
	if dl.Headers == nil {
		dl.Headers = map[string]string{}
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO dead_letters (
			dead_letter_id, consumer_group, topic, partition, "offset", message_key, payload, headers, event_id, event_type,
			reason, last_error, attempts, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
		ON CONFLICT (consumer_group, topic, partition, "offset") DO UPDATE
		SET attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error
		RETURNING `+deadLetterColumns,
		dl.DeadLetterID, dl.ConsumerGroup, dl.Topic, dl.Partition, dl.Offset, dl.MessageKey, dl.Payload, dl.Headers, dl.EventID, dl.EventType,
		dl.Reason, dl.LastError, dl.Attempts, dl.Status)
	return scanDeadLetter(row)
}

func (r *DeadLettersRepo) GetByID(ctx context.Context, id uuid.UUID) (models.DeadLetter, error) {
	return scanDeadLetter(r.pool.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE dead_letter_id = $1`, id))
}

// List returns the newest entries first. Empty group or status match everything.
func (r *DeadLettersRepo) List(ctx context.Context, group string, status string, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		WHERE ($1 = '' OR consumer_group = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, group, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.DeadLetter, 0)
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (r *DeadLettersRepo) MarkReplayed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE dead_letters SET status = $2, replayed_at = $3 WHERE dead_letter_id = $1
	`, id, DeadLetterStatusReplayed, at)
	return err
}

func scanDeadLetter(row pgx.Row) (models.DeadLetter, error) {
	var dl models.DeadLetter
	err := row.Scan(
		&dl.DeadLetterID, &dl.ConsumerGroup, &dl.Topic, &dl.Partition, &dl.Offset, &dl.MessageKey, &dl.Payload, &dl.Headers, &dl.EventID, &dl.EventType,
		&dl.Reason, &dl.LastError, &dl.Attempts, &dl.Status, &dl.CreatedAt, &dl.ReplayedAt,
	)
	return dl, err
}
