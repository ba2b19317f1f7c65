// Package relay moves parked outbox rows onto their streams and replays dead-lettered
// deliveries. The worker drives it from asynq tasks.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"

	"warehouse-choreography/api/internal/models"
	"warehouse-choreography/api/internal/repos"
	"warehouse-choreography/shared/logx"
	"warehouse-choreography/shared/metricsx"
)

const (
	TaskOutboxScan       = "outbox.scan"
	TaskOutboxDispatch   = "outbox.dispatch"
	TaskOutboxReclaim    = "outbox.reclaim"
	TaskLedgerPurge      = "ledger.purge"
	TaskDeadLetterReplay = "deadletter.replay"

	HeaderReplayOf    = "replay_of"
	HeaderPublishedAt = "published_at"
)

var ErrAlreadyReplayed = errors.New("dead letter already replayed")

// ErrReplayExpired marks a dead letter older than the relay's MaxReplayAge.
var ErrReplayExpired = errors.New("dead letter older than the replay window")

// Batch is one aggregate's claimed outbox rows in append order. A single dispatch
// task sends them, so rows of one aggregate never race each other onto the broker.
type Batch struct {
	Owner     string      `json:"owner"`
	Aggregate string      `json:"aggregate"`
	EventIDs  []uuid.UUID `json:"event_ids"`
}

type ReplayPayload struct {
	DeadLetterID string `json:"dead_letter_id"`
}

func NewDispatchTask(batch Batch, queue string) *asynq.Task {
	payload, _ := json.Marshal(batch)
	return asynq.NewTask(TaskOutboxDispatch, payload, asynq.Queue(queue))
}

// NewReplayTask builds a replay task. The task id is derived from the dead letter so
// a double click enqueues it once.
func NewReplayTask(deadLetterID uuid.UUID, queue string) *asynq.Task {
	payload, _ := json.Marshal(ReplayPayload{DeadLetterID: deadLetterID.String()})
	return asynq.NewTask(TaskDeadLetterReplay, payload,
		asynq.Queue(queue),
		asynq.TaskID("replay:"+deadLetterID.String()),
		asynq.MaxRetry(5),
	)
}

func ParseDispatch(t *asynq.Task) (Batch, error) {
	var batch Batch
	if err := json.Unmarshal(t.Payload(), &batch); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if batch.Owner == "" || len(batch.EventIDs) == 0 {
		return Batch{}, fmt.Errorf("%w: dispatch batch needs an owner and event ids", asynq.SkipRetry)
	}
	return batch, nil
}

func ParseReplay(t *asynq.Task) (uuid.UUID, error) {
	var payload ReplayPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	id, err := uuid.Parse(strings.TrimSpace(payload.DeadLetterID))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return id, nil
}

type Sender interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type OutboxStore interface {
	ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error)
	GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error
	Release(ctx context.Context, owner string, eventIDs []uuid.UUID) error
}

type DeadLetterStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (models.DeadLetter, error)
	MarkReplayed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// LockFunc runs fn while holding key exclusively.
type LockFunc func(ctx context.Context, key string, fn func(ctx context.Context) error) error

type Relay struct {
	Outbox      OutboxStore
	DeadLetters DeadLetterStore
	Sender      Sender
	Lock        LockFunc
	MaxAttempts int
	// MaxReplayAge must not exceed the processed-events retention; zero disables the check.
	MaxReplayAge time.Duration
	Logger       logx.Logger
	Now          func() time.Time
}

func (r *Relay) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Claim marks up to limit due rows as sending under a fresh owner derived from worker
// and groups them into one batch per aggregate.
func (r *Relay) Claim(ctx context.Context, worker string, limit int) ([]Batch, error) {
	owner := worker + ":" + uuid.NewString()
	rows, err := r.Outbox.ClaimPending(ctx, owner, limit)
	if err != nil {
		return nil, err
	}
	return groupBatches(owner, rows), nil
}

func groupBatches(owner string, rows []models.OutboxEvent) []Batch {
	index := map[string]int{}
	var batches []Batch
	for _, row := range rows {
		key := row.AggregateType + "/" + row.AggregateID
		i, ok := index[key]
		if !ok {
			i = len(batches)
			index[key] = i
			batches = append(batches, Batch{Owner: owner, Aggregate: key})
		}
		batches[i].EventIDs = append(batches[i].EventIDs, row.EventID)
	}
	return batches
}

// Release hands a batch that could not be scheduled back to the scan.
func (r *Relay) Release(ctx context.Context, batch Batch) error {
	return r.Outbox.Release(ctx, batch.Owner, batch.EventIDs)
}

// Dispatch sends a batch in order and stops at the first row it cannot send. That row
// is rescheduled with backoff, or turns dead once attempts run out, and the rows
// behind it go back to pending; the next scan picks the aggregate up again only when
// the failed row is due. Rows already delivered are skipped. A row whose claim was
// lost to a stale-claim release ends the batch.
func (r *Relay) Dispatch(ctx context.Context, batch Batch) error {
	for i, id := range batch.EventIDs {
		event, err := r.Outbox.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				_ = r.Outbox.Release(ctx, batch.Owner, batch.EventIDs[i+1:])
				return fmt.Errorf("%w: outbox event %s not found", asynq.SkipRetry, id)
			}
			return err
		}
		if event.Status == repos.OutboxStatusDelivered {
			continue
		}
		if event.Status != repos.OutboxStatusSending || event.LockedBy == nil || *event.LockedBy != batch.Owner {
			r.Logger.Warn(ctx, "outbox_claim_lost", "outbox batch no longer holds its claim",
				slog.String("event_id", id.String()),
				slog.String("aggregate", batch.Aggregate),
				slog.String("status", event.Status),
			)
			return r.Outbox.Release(ctx, batch.Owner, batch.EventIDs[i+1:])
		}

		if err := r.send(ctx, event); err != nil {
			if _, markErr := r.Fail(ctx, event, err); markErr != nil {
				return errors.Join(err, markErr)
			}
			r.Logger.Warn(ctx, "outbox_dispatch_failed", "outbox send failed; aggregate held until retry",
				slog.String("event_id", id.String()),
				slog.String("aggregate", batch.Aggregate),
				slog.Int("held", len(batch.EventIDs)-i-1),
				slog.String("error", err.Error()),
			)
			return r.Outbox.Release(ctx, batch.Owner, batch.EventIDs[i+1:])
		}
		if err := r.Outbox.MarkDelivered(ctx, event.EventID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) send(ctx context.Context, event models.OutboxEvent) error {
	headers := make(map[string]string, len(event.Headers)+1)
	for k, v := range event.Headers {
		headers[k] = v
	}
	headers[HeaderPublishedAt] = r.now().Format(time.RFC3339Nano)

	start := time.Now()
	err := r.Sender.Publish(ctx, event.Topic, []byte(event.AggregateID), event.Payload, headers)
	metricsx.ObservePublishLatency(event.Topic, time.Since(start))
	if err != nil {
		metricsx.IncPublished(event.Topic, "failed")
		return err
	}
	metricsx.IncPublished(event.Topic, "relayed")
	return nil
}

// Fail records a failed attempt on event and reports whether it is now dead.
func (r *Relay) Fail(ctx context.Context, event models.OutboxEvent, cause error) (bool, error) {
	attempts := event.Attempts + 1
	nextRetry := r.now().Add(RetryDelay(attempts))
	dead := r.MaxAttempts > 0 && attempts >= r.MaxAttempts
	if err := r.Outbox.MarkFailed(ctx, event.EventID, attempts, &nextRetry, cause.Error(), dead); err != nil {
		return false, err
	}
	if dead {
		r.Logger.Warn(ctx, "outbox_dead", "outbox event gave up after max attempts",
			slog.String("event_id", event.EventID.String()),
			slog.String("event_type", event.EventType),
			slog.Int("attempts", attempts),
		)
	}
	return dead, nil
}

// Replay republishes a dead-lettered delivery to its original topic, tagged with
// replay_of, and marks it replayed. Concurrent replays of one entry are serialized by
// Lock; the loser sees ErrAlreadyReplayed.
func (r *Relay) Replay(ctx context.Context, deadLetterID uuid.UUID, lockKey string) error {
	if r.Sender == nil {
		return errors.New("relay has no sender")
	}
	run := func(ctx context.Context) error {
		dl, err := r.DeadLetters.GetByID(ctx, deadLetterID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: dead letter %s not found", asynq.SkipRetry, deadLetterID)
			}
			return err
		}
		if dl.Status == repos.DeadLetterStatusReplayed {
			return ErrAlreadyReplayed
		}
		if ReplayExpired(dl, r.now(), r.MaxReplayAge) {
			return fmt.Errorf("%w: created %s", ErrReplayExpired, dl.CreatedAt.Format(time.RFC3339))
		}
		headers := make(map[string]string, len(dl.Headers)+1)
		for k, v := range dl.Headers {
			if strings.HasPrefix(k, "dead_letter_") || k == "attempts" {
				continue
			}
			headers[k] = v
		}
		headers[HeaderReplayOf] = dl.DeadLetterID.String()
		if err := r.Sender.Publish(ctx, dl.Topic, dl.MessageKey, dl.Payload, headers); err != nil {
			return err
		}
		if err := r.DeadLetters.MarkReplayed(ctx, dl.DeadLetterID, r.now()); err != nil {
			return err
		}
		r.Logger.Info(ctx, "dead_letter_replayed", "dead letter replayed",
			slog.String("dead_letter_id", dl.DeadLetterID.String()),
			slog.String("topic", dl.Topic),
			slog.String("consumer_group", dl.ConsumerGroup),
		)
		return nil
	}
	if r.Lock == nil {
		return run(ctx)
	}
	return r.Lock(ctx, lockKey, run)
}

// ReplayExpired reports whether dl was created more than maxAge before now.
func ReplayExpired(dl models.DeadLetter, now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(dl.CreatedAt) > maxAge
}

// ReplayWindow is the replay age that matches a ledger retention of days.
func ReplayWindow(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// RetryDelay grows quadratically from 5s and is capped at 5m.
func RetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
