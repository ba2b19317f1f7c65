package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warehouse-choreography/api/internal/models"
	"warehouse-choreography/api/internal/repos"
	"warehouse-choreography/shared/logx"
)

type sent struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type fakeSender struct {
	mu       sync.Mutex
	err      error
	failNext int
	sent     []sent
}

func (s *fakeSender) Publish(_ context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.failNext > 0 {
		s.failNext--
		return errors.New("broker unavailable")
	}
	s.sent = append(s.sent, sent{topic: topic, key: string(key), value: value, headers: headers})
	return nil
}

func (s *fakeSender) eventIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.headers["event_id"])
	}
	return out
}

type clock struct{ t time.Time }

func newClock() *clock { return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time { return c.t }

func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// memOutbox keeps rows in append order and claims them with the same rule as the
// Postgres query: a due row is claimable only when every earlier row of its aggregate
// is delivered or due itself.
type memOutbox struct {
	mu    sync.Mutex
	clock *clock
	seq   int64
	rows  []*models.OutboxEvent
}

func newMemOutbox(c *clock) *memOutbox { return &memOutbox{clock: c} }

func (o *memOutbox) Insert(_ context.Context, _ repos.DBTX, ev models.OutboxEvent) (models.OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.rows {
		if r.EventID == ev.EventID {
			return ev, nil
		}
	}
	o.seq++
	ev.Seq = o.seq
	if ev.Status == "" {
		ev.Status = repos.OutboxStatusPending
	}
	row := ev
	o.rows = append(o.rows, &row)
	return ev, nil
}

func (o *memOutbox) add(aggregateID string) uuid.UUID {
	id := uuid.New()
	_, _ = o.Insert(context.Background(), nil, models.OutboxEvent{
		EventID:       id,
		EventType:     "StockAdjusted",
		AggregateType: "StockLevel",
		AggregateID:   aggregateID,
		Topic:         "stock-events",
		Payload:       []byte(`{}`),
		Headers:       map[string]string{"event_id": id.String()},
	})
	return id
}

func (o *memOutbox) due(r *models.OutboxEvent) bool {
	return r.Status == repos.OutboxStatusPending && (r.NextRetryAt == nil || !r.NextRetryAt.After(o.clock.Now()))
}

func (o *memOutbox) ClaimPending(_ context.Context, owner string, limit int) ([]models.OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	blocked := map[string]bool{}
	var out []models.OutboxEvent
	for _, r := range o.rows {
		key := r.AggregateType + "/" + r.AggregateID
		if r.Status == repos.OutboxStatusDelivered {
			continue
		}
		if !o.due(r) {
			blocked[key] = true
			continue
		}
		if blocked[key] || len(out) >= limit {
			continue
		}
		r.Status = repos.OutboxStatusSending
		lockedBy := owner
		r.LockedBy = &lockedBy
		out = append(out, *r)
	}
	return out, nil
}

func (o *memOutbox) find(id uuid.UUID) *models.OutboxEvent {
	for _, r := range o.rows {
		if r.EventID == id {
			return r
		}
	}
	return nil
}

func (o *memOutbox) GetByID(_ context.Context, id uuid.UUID) (models.OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r := o.find(id); r != nil {
		return *r, nil
	}
	return models.OutboxEvent{}, pgx.ErrNoRows
}

func (o *memOutbox) MarkDelivered(_ context.Context, id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.find(id)
	r.Status = repos.OutboxStatusDelivered
	r.LockedBy = nil
	return nil
}

func (o *memOutbox) MarkFailed(_ context.Context, id uuid.UUID, attempts int, next *time.Time, lastErr string, dead bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.find(id)
	r.Status = repos.OutboxStatusPending
	r.NextRetryAt = next
	if dead {
		r.Status = repos.OutboxStatusDead
		r.NextRetryAt = nil
	}
	r.Attempts = attempts
	r.LastError = &lastErr
	r.LockedBy = nil
	return nil
}

func (o *memOutbox) Release(_ context.Context, owner string, ids []uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		r := o.find(id)
		if r != nil && r.Status == repos.OutboxStatusSending && r.LockedBy != nil && *r.LockedBy == owner {
			r.Status = repos.OutboxStatusPending
			r.LockedBy = nil
		}
	}
	return nil
}

func (o *memOutbox) Unsettled(_ context.Context, aggregateType, aggregateID string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.rows {
		if r.AggregateType == aggregateType && r.AggregateID == aggregateID && r.Status != repos.OutboxStatusDelivered {
			return true, nil
		}
	}
	return false, nil
}

func (o *memOutbox) row(id uuid.UUID) models.OutboxEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.find(id)
}

func dispatchAll(t *testing.T, r *Relay) []Batch {
	t.Helper()
	batches, err := r.Claim(context.Background(), "worker", 50)
	require.NoError(t, err)
	for _, b := range batches {
		require.NoError(t, r.Dispatch(context.Background(), b))
	}
	return batches
}

type fakeDeadLetters struct {
	rows     map[uuid.UUID]models.DeadLetter
	replayed []uuid.UUID
}

func (d *fakeDeadLetters) GetByID(_ context.Context, id uuid.UUID) (models.DeadLetter, error) {
	return d.rows[id], nil
}

func (d *fakeDeadLetters) MarkReplayed(_ context.Context, id uuid.UUID, _ time.Time) error {
	dl := d.rows[id]
	dl.Status = repos.DeadLetterStatusReplayed
	d.rows[id] = dl
	d.replayed = append(d.replayed, id)
	return nil
}

func TestDispatchSendsEachAggregateInOrder(t *testing.T) {
	c := newClock()
	outbox := newMemOutbox(c)
	e1, e2 := outbox.add("t1:sku-1@A1"), outbox.add("t1:sku-1@A1")
	e3 := outbox.add("t1:sku-2@A1")
	sender := &fakeSender{}
	r := &Relay{Outbox: outbox, Sender: sender, MaxAttempts: 3, Logger: logx.Nop(), Now: c.Now}

	batches := dispatchAll(t, r)
	require.Len(t, batches, 2)
	assert.Equal(t, "StockLevel/t1:sku-1@A1", batches[0].Aggregate)
	assert.Equal(t, []uuid.UUID{e1, e2}, batches[0].EventIDs)
	assert.Equal(t, batches[0].Owner, batches[1].Owner)

	assert.Equal(t, []string{e1.String(), e2.String(), e3.String()}, sender.eventIDs())
	assert.Equal(t, "t1:sku-1@A1", sender.sent[0].key)
	assert.NotEmpty(t, sender.sent[0].headers[HeaderPublishedAt])
	for _, id := range []uuid.UUID{e1, e2, e3} {
		assert.Equal(t, repos.OutboxStatusDelivered, outbox.row(id).Status)
	}
}

func TestFailedRowHoldsBackLaterRowsOfItsAggregate(t *testing.T) {
	c := newClock()
	outbox := newMemOutbox(c)
	e1, e2 := outbox.add("t1:sku-1@A1"), outbox.add("t1:sku-1@A1")
	other := outbox.add("t1:sku-2@A1")
	sender := &fakeSender{failNext: 1}
	r := &Relay{Outbox: outbox, Sender: sender, MaxAttempts: 5, Logger: logx.Nop(), Now: c.Now}

	dispatchAll(t, r)
	assert.Equal(t, []string{other.String()}, sender.eventIDs())
	failed := outbox.row(e1)
	assert.Equal(t, repos.OutboxStatusPending, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, c.Now().Add(5*time.Second), *failed.NextRetryAt)
	held := outbox.row(e2)
	assert.Equal(t, repos.OutboxStatusPending, held.Status)
	assert.Equal(t, 0, held.Attempts)

	// e2 is due but must wait for e1
	assert.Empty(t, dispatchAll(t, r))
	assert.Len(t, sender.sent, 1)

	c.Advance(5 * time.Second)
	batches := dispatchAll(t, r)
	require.Len(t, batches, 1)
	assert.Equal(t, []uuid.UUID{e1, e2}, batches[0].EventIDs)
	assert.Equal(t, []string{other.String(), e1.String(), e2.String()}, sender.eventIDs())
}

func TestDeadRowBlocksItsAggregate(t *testing.T) {
	c := newClock()
	outbox := newMemOutbox(c)
	e1, e2 := outbox.add("t1:sku-1@A1"), outbox.add("t1:sku-1@A1")
	sender := &fakeSender{err: errors.New("broker down")}
	r := &Relay{Outbox: outbox, Sender: sender, MaxAttempts: 1, Logger: logx.Nop(), Now: c.Now}

	dispatchAll(t, r)
	assert.Equal(t, repos.OutboxStatusDead, outbox.row(e1).Status)
	assert.Nil(t, outbox.row(e1).NextRetryAt)
	assert.Equal(t, repos.OutboxStatusPending, outbox.row(e2).Status)

	sender.err = nil
	c.Advance(time.Hour)
	assert.Empty(t, dispatchAll(t, r))
	assert.Empty(t, sender.sent)
}

func TestDispatchSkipsDeliveredAndStopsOnLostClaim(t *testing.T) {
	c := newClock()
	outbox := newMemOutbox(c)
	e1, e2, e3 := outbox.add("agg"), outbox.add("agg"), outbox.add("agg")
	sender := &fakeSender{}
	r := &Relay{Outbox: outbox, Sender: sender, MaxAttempts: 3, Logger: logx.Nop(), Now: c.Now}

	batches, err := r.Claim(context.Background(), "worker", 50)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.NoError(t, outbox.MarkDelivered(context.Background(), e1))
	stolen := "worker:other"
	outbox.find(e2).LockedBy = &stolen

	require.NoError(t, r.Dispatch(context.Background(), batches[0]))
	assert.Empty(t, sender.sent)
	assert.Equal(t, repos.OutboxStatusSending, outbox.row(e2).Status)
	assert.Equal(t, repos.OutboxStatusPending, outbox.row(e3).Status)
}

func TestReleaseReturnsBatchToScan(t *testing.T) {
	c := newClock()
	outbox := newMemOutbox(c)
	e1 := outbox.add("agg")
	r := &Relay{Outbox: outbox, Sender: &fakeSender{}, Logger: logx.Nop(), Now: c.Now}

	batches, err := r.Claim(context.Background(), "worker", 50)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.NoError(t, r.Release(context.Background(), batches[0]))
	assert.Equal(t, repos.OutboxStatusPending, outbox.row(e1).Status)
	assert.Len(t, dispatchAll(t, r), 1)
}

func TestReplayRepublishesOnce(t *testing.T) {
	id := uuid.New()
	dls := &fakeDeadLetters{rows: map[uuid.UUID]models.DeadLetter{
		id: {
			DeadLetterID: id, Topic: "tenant-lifecycle-events", MessageKey: []byte("t1"), Status: repos.DeadLetterStatusPending,
			Headers: map[string]string{"event_id": "e1", "dead_letter_reason": "handler_failed", "attempts": "5"},
		},
	}}
	sender := &fakeSender{}
	var locked []string
	r := &Relay{
		DeadLetters: dls,
		Sender:      sender,
		Logger:      logx.Nop(),
		Lock: func(ctx context.Context, key string, fn func(context.Context) error) error {
			locked = append(locked, key)
			return fn(ctx)
		},
	}

	require.NoError(t, r.Replay(context.Background(), id, "lock-key"))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "tenant-lifecycle-events", sender.sent[0].topic)
	assert.Equal(t, id.String(), sender.sent[0].headers[HeaderReplayOf])
	assert.Equal(t, "e1", sender.sent[0].headers["event_id"])
	assert.NotContains(t, sender.sent[0].headers, "dead_letter_reason")
	assert.NotContains(t, sender.sent[0].headers, "attempts")
	assert.Equal(t, []string{"lock-key"}, locked)

	err := r.Replay(context.Background(), id, "lock-key")
	assert.ErrorIs(t, err, ErrAlreadyReplayed)
	assert.Len(t, sender.sent, 1)
}

func TestReplayRefusesDeadLettersPastRetention(t *testing.T) {
	c := newClock()
	stale, fresh := uuid.New(), uuid.New()
	store := &fakeDeadLetters{rows: map[uuid.UUID]models.DeadLetter{
		stale: {DeadLetterID: stale, Topic: "stock-events", Status: repos.DeadLetterStatusPending, CreatedAt: c.Now().Add(-31 * 24 * time.Hour)},
		fresh: {DeadLetterID: fresh, Topic: "stock-events", Status: repos.DeadLetterStatusPending, CreatedAt: c.Now().Add(-29 * 24 * time.Hour)},
	}}
	sender := &fakeSender{}
	r := &Relay{DeadLetters: store, Sender: sender, MaxReplayAge: ReplayWindow(30), Logger: logx.Nop(), Now: c.Now}

	err := r.Replay(context.Background(), stale, "lock-key")
	assert.ErrorIs(t, err, ErrReplayExpired)
	assert.Empty(t, sender.sent)
	assert.Equal(t, repos.DeadLetterStatusPending, store.rows[stale].Status)

	require.NoError(t, r.Replay(context.Background(), fresh, "lock-key"))
	assert.Equal(t, []uuid.UUID{fresh}, store.replayed)

	r.MaxReplayAge = 0
	assert.False(t, ReplayExpired(store.rows[stale], c.Now(), r.MaxReplayAge))
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, RetryDelay(0))
	assert.Equal(t, 5*time.Second, RetryDelay(1))
	assert.Equal(t, 45*time.Second, RetryDelay(3))
	assert.Equal(t, 5*time.Minute, RetryDelay(20))
}

func TestTaskPayloads(t *testing.T) {
	id := uuid.New()
	got, err := ParseReplay(NewReplayTask(id, "default"))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	batch := Batch{Owner: "worker:1", Aggregate: "StockLevel/a", EventIDs: []uuid.UUID{id, uuid.New()}}
	parsed, err := ParseDispatch(NewDispatchTask(batch, "default"))
	require.NoError(t, err)
	assert.Equal(t, batch, parsed)

	_, err = ParseDispatch(asynq.NewTask(TaskOutboxDispatch, []byte(`{"owner":"w","event_ids":["nope"]}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	_, err = ParseDispatch(asynq.NewTask(TaskOutboxDispatch, []byte(`{"owner":"w","event_ids":[]}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (e *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func TestSchedulerTreatsConflictAsQueued(t *testing.T) {
	q := &fakeEnqueuer{}
	s := Scheduler{Client: q, Queue: "default"}
	require.NoError(t, s.ScheduleReplay(context.Background(), uuid.New()))
	require.Len(t, q.tasks, 1)
	assert.Equal(t, TaskDeadLetterReplay, q.tasks[0].Type())

	q.err = asynq.ErrTaskIDConflict
	assert.NoError(t, s.ScheduleReplay(context.Background(), uuid.New()))
}
