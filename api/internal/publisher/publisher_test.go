package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warehouse-choreography/api/internal/models"
	"warehouse-choreography/api/internal/repos"
	"warehouse-choreography/api/internal/uow"
	"warehouse-choreography/api/internal/uow/uowtest"
	"warehouse-choreography/shared/config"
	"warehouse-choreography/shared/events"
	"warehouse-choreography/shared/lineagex"
	"warehouse-choreography/shared/logx"
	"warehouse-choreography/shared/routing"
	"warehouse-choreography/shared/tenantx"
)

type sent struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type recordingSender struct {
	mu     sync.Mutex
	msgs   []sent
	failAt int // 1-based call number that fails; 0 never fails
	calls  int
}

func (s *recordingSender) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failAt > 0 && s.calls >= s.failAt {
		return errors.New("broker unavailable")
	}
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("send without deadline")
	}
	s.msgs = append(s.msgs, sent{topic: topic, key: string(key), value: value, headers: headers})
	return nil
}

type fakeOutbox struct {
	rows []models.OutboxEvent
	dbs  []repos.DBTX
}

func (o *fakeOutbox) Insert(_ context.Context, db repos.DBTX, ev models.OutboxEvent) (models.OutboxEvent, error) {
	o.rows = append(o.rows, ev)
	o.dbs = append(o.dbs, db)
	return ev, nil
}

// Unsettled treats every stored row as still waiting.
func (o *fakeOutbox) Unsettled(_ context.Context, aggregateType string, aggregateID string) (bool, error) {
	for _, row := range o.rows {
		if row.AggregateType == aggregateType && row.AggregateID == aggregateID {
			return true, nil
		}
	}
	return false, nil
}

type nopDB struct{ repos.DBTX }

func adjusted(sku string, delta int64) events.DomainEvent {
	return events.NewEvent(sku+"@A1", events.AggregateStock, events.StockAdjusted{
		SKU:      sku,
		Location: "A1",
		Delta:    decimal.NewFromInt(delta),
		OnHand:   decimal.NewFromInt(10 + delta),
		Reason:   "cycle-count",
	})
}

func newPublisher(mode string, sender Sender, outbox Outbox) *Publisher {
	return New(Options{
		Sender:  sender,
		Outbox:  outbox,
		Router:  routing.New("stock-events", events.StreamTenantLifecycle),
		Mode:    mode,
		Timeout: time.Second,
		Logger:  logx.Nop(),
	})
}

func TestPublishWaitsForCommit(t *testing.T) {
	sender := &recordingSender{}
	pub := newPublisher(config.PublishModeDirect, sender, &fakeOutbox{})
	work := uow.New(&uowtest.DB{}, logx.Nop())
	ctx := lineagex.With(context.Background(), lineagex.Lineage{CorrelationID: "corr-1", CausationID: "cause-1", ActorID: "user-7"})

	err := work.Do(ctx, func(ctx context.Context) error {
		require.NoError(t, pub.PublishAfterCommit(ctx, []events.DomainEvent{adjusted("sku-1", 2)}))
		assert.Empty(t, sender.msgs, "nothing may leave before commit")
		return nil
	})
	require.NoError(t, err)
	require.Len(t, sender.msgs, 1)

	msg := sender.msgs[0]
	assert.Equal(t, "stock-events", msg.topic)
	assert.Equal(t, "sku-1@A1", msg.key)
	assert.Equal(t, "corr-1", msg.headers[events.HeaderCorrelationID])
	assert.Equal(t, events.TypeStockAdjusted, msg.headers[events.HeaderEventType])

	ev, err := events.DefaultRegistry().Decode(msg.value)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", ev.CorrelationID())
	assert.Equal(t, "cause-1", ev.CausationID())
	assert.Equal(t, "user-7", ev.ActorID())
}

func TestRolledBackWorkPublishesNothing(t *testing.T) {
	sender := &recordingSender{}
	pub := newPublisher(config.PublishModeDirect, sender, &fakeOutbox{})
	work := uow.New(&uowtest.DB{}, logx.Nop())

	err := work.Do(context.Background(), func(ctx context.Context) error {
		require.NoError(t, pub.PublishAfterCommit(ctx, []events.DomainEvent{adjusted("sku-1", 1)}))
		return errors.New("validation failed")
	})
	require.Error(t, err)
	assert.Empty(t, sender.msgs)
}

func TestPublishOutsideTransactionGeneratesCorrelation(t *testing.T) {
	sender := &recordingSender{}
	pub := newPublisher(config.PublishModeDirect, sender, &fakeOutbox{})
	ctx := tenantx.WithTenant(context.Background(), tenantx.TenantContext{ID: "t-42"})

	require.NoError(t, pub.PublishAfterCommit(ctx, []events.DomainEvent{adjusted("sku-1", 1)}))
	require.Len(t, sender.msgs, 1)

	ev, err := events.DefaultRegistry().Decode(sender.msgs[0].value)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.CorrelationID())
	assert.Empty(t, ev.CausationID())
	assert.Equal(t, "t-42", ev.TenantID)
	assert.Equal(t, "t-42", sender.msgs[0].headers[events.HeaderTenantID])
}

func TestFailedSendParksRemainingEventsInOrder(t *testing.T) {
	sender := &recordingSender{failAt: 2}
	outbox := &fakeOutbox{}
	pub := newPublisher(config.PublishModeDirect, sender, outbox)
	pub.db = nopDB{}
	work := uow.New(&uowtest.DB{}, logx.Nop())

	batch := []events.DomainEvent{adjusted("sku-1", 1), adjusted("sku-1", 2), adjusted("sku-1", 3)}
	err := work.Do(context.Background(), func(ctx context.Context) error {
		return pub.PublishAfterCommit(ctx, batch)
	})
	require.NoError(t, err, "send failures after commit are not returned")

	require.Len(t, sender.msgs, 1)
	require.Len(t, outbox.rows, 2)
	assert.Equal(t, batch[1].EventID, outbox.rows[0].EventID)
	assert.Equal(t, batch[2].EventID, outbox.rows[1].EventID)
	assert.True(t, outbox.rows[0].CreatedAt.Before(outbox.rows[1].CreatedAt))
	for _, row := range outbox.rows {
		assert.Equal(t, repos.OutboxStatusPending, row.Status)
		require.NotNil(t, row.LastError)
		assert.Equal(t, 1, row.Attempts)
	}
}

func TestSendQueuesBehindParkedEventsOfSameAggregate(t *testing.T) {
	sender := &recordingSender{failAt: 1}
	outbox := &fakeOutbox{}
	pub := newPublisher(config.PublishModeDirect, sender, outbox)
	pub.db = nopDB{}
	pub.backlog = outbox

	first := adjusted("sku-1", 1)
	require.NoError(t, pub.PublishAfterCommit(context.Background(), []events.DomainEvent{first}))
	require.Len(t, outbox.rows, 1)

	sender.failAt = 0
	second, unrelated := adjusted("sku-1", 2), adjusted("sku-2", 5)
	require.NoError(t, pub.PublishAfterCommit(context.Background(), []events.DomainEvent{unrelated, second}))

	require.Len(t, sender.msgs, 1)
	assert.Equal(t, "sku-2@A1", sender.msgs[0].key)
	require.Len(t, outbox.rows, 2)
	assert.Equal(t, first.EventID, outbox.rows[0].EventID)
	assert.Equal(t, second.EventID, outbox.rows[1].EventID)
	assert.Nil(t, outbox.rows[1].LastError)
	assert.Equal(t, 0, outbox.rows[1].Attempts)
}

func TestOutboxModeWritesInsideTransaction(t *testing.T) {
	sender := &recordingSender{}
	outbox := &fakeOutbox{}
	pub := newPublisher(config.PublishModeOutbox, sender, outbox)
	work := uow.New(&uowtest.DB{}, logx.Nop())

	err := work.Do(context.Background(), func(ctx context.Context) error {
		require.NoError(t, pub.PublishAfterCommit(ctx, []events.DomainEvent{adjusted("sku-9", 4)}))
		tx, ok := uow.Tx(ctx)
		require.True(t, ok)
		require.Len(t, outbox.dbs, 1)
		assert.Same(t, tx, outbox.dbs[0])
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, sender.msgs)
	require.Len(t, outbox.rows, 1)
	assert.Nil(t, outbox.rows[0].LastError)
	assert.Equal(t, "stock-events", outbox.rows[0].Topic)
}

func TestTenantEventsRouteToLifecycleStream(t *testing.T) {
	sender := &recordingSender{}
	pub := newPublisher(config.PublishModeDirect, sender, &fakeOutbox{})
	ev := events.NewEvent("t-42", events.AggregateTenant, events.TenantSchemaCreated{TenantID: "t-42", SchemaName: "tenant_t-42_schema"})

	require.NoError(t, pub.PublishAfterCommit(context.Background(), []events.DomainEvent{ev}))
	require.Len(t, sender.msgs, 1)
	assert.Equal(t, events.StreamTenantLifecycle, sender.msgs[0].topic)
}
