package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warehouse-choreography/api/internal/aggregate"
	"warehouse-choreography/api/internal/consumer"
	"warehouse-choreography/api/internal/models"
	"warehouse-choreography/api/internal/publisher"
	"warehouse-choreography/api/internal/repos"
	"warehouse-choreography/api/internal/stock"
	"warehouse-choreography/api/internal/uow"
	"warehouse-choreography/api/internal/uow/uowtest"
	"warehouse-choreography/shared/events"
	"warehouse-choreography/shared/logx"
	"warehouse-choreography/shared/routing"
)

// stockTables stands in for one tenant's stock_movements and stock_levels tables.
type stockTables struct {
	mu        sync.Mutex
	movements map[uuid.UUID]bool
	deltas    []string
	levels    map[string]string
}

func newStockTables() *stockTables {
	return &stockTables{movements: map[uuid.UUID]bool{}, levels: map[string]string{}}
}

func (s *stockTables) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.Contains(sql, "stock_movements"):
		id := args[0].(uuid.UUID)
		if s.movements[id] {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		s.movements[id] = true
		s.deltas = append(s.deltas, args[3].(decimal.Decimal).String())
	case strings.Contains(sql, "stock_levels"):
		s.levels[args[0].(string)+"@"+args[1].(string)] = args[2].(decimal.Decimal).String()
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (s *stockTables) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (s *stockTables) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

type noDeadLetters struct{}

func (noDeadLetters) Insert(_ context.Context, dl models.DeadLetter) (models.DeadLetter, error) {
	return dl, errors.New("unexpected dead letter")
}

type pipeline struct {
	sender *fakeSender
	outbox *memOutbox
	relay  *Relay
	svc    *stock.Service
	tables *stockTables
	proc   *consumer.Processor
	ledger *consumer.MemoryLedger
}

func newPipeline(t *testing.T, failSends int) *pipeline {
	t.Helper()
	c := newClock()
	p := &pipeline{
		sender: &fakeSender{failNext: failSends},
		outbox: newMemOutbox(c),
		tables: newStockTables(),
		ledger: consumer.NewMemoryLedger(),
	}
	pub := publisher.New(publisher.Options{
		Sender:  p.sender,
		Outbox:  p.outbox,
		DB:      p.tables,
		Backlog: p.outbox,
		Router:  routing.New("stock-events", events.StreamTenantLifecycle),
		Timeout: time.Second,
		Logger:  logx.Nop(),
	})
	p.svc = stock.NewService(uow.New(&uowtest.DB{}, logx.Nop()), aggregate.NewMemoryStore(), pub)
	p.relay = &Relay{Outbox: p.outbox, Sender: p.sender, MaxAttempts: 3, Logger: logx.Nop(), Now: c.Now}

	projection := stock.NewProjection(p.tables, pub, decimal.Zero, logx.Nop())
	proc, err := consumer.NewProcessor(consumer.Options{
		Group:          "stock-projection",
		Registry:       events.DefaultRegistry(),
		Handler:        projection.Handle,
		Ledger:         p.ledger,
		Tx:             uow.New(&uowtest.DB{Conn: p.tables}, logx.Nop()),
		DeadLetters:    noDeadLetters{},
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Logger:         logx.Nop(),
	})
	require.NoError(t, err)
	p.proc = proc
	return p
}

func (p *pipeline) adjust(t *testing.T, delta int64) {
	t.Helper()
	_, err := p.svc.AdjustStock(context.Background(), stock.AdjustStock{
		TenantID: "t-42",
		SKU:      "sku-1",
		Location: "A1",
		Delta:    decimal.NewFromInt(delta),
		Reason:   "cycle-count",
	})
	require.NoError(t, err)
}

func (p *pipeline) deliver(t *testing.T, m sent, offset int64) consumer.Outcome {
	t.Helper()
	outcome, err := p.proc.Process(context.Background(), consumer.Message{
		Topic:   m.topic,
		Offset:  offset,
		Key:     []byte(m.key),
		Value:   m.value,
		Headers: m.headers,
	})
	require.NoError(t, err)
	return outcome
}

func (p *pipeline) consumeAll(t *testing.T) {
	t.Helper()
	for i, m := range p.sender.sent {
		assert.Equal(t, consumer.OutcomeProcessed, p.deliver(t, m, int64(i)))
	}
}

func TestParkedEventRecoversToSameProjection(t *testing.T) {
	baseline := newPipeline(t, 0)
	baseline.adjust(t, 12)
	baseline.adjust(t, -5)
	require.Len(t, baseline.sender.sent, 2)
	require.Empty(t, baseline.outbox.rows)
	baseline.consumeAll(t)

	recovered := newPipeline(t, 1)
	recovered.adjust(t, 12)
	recovered.adjust(t, -5)
	assert.Empty(t, recovered.sender.sent, "the failed send and the one behind it are both held")
	require.Len(t, recovered.outbox.rows, 2)
	assert.Equal(t, 1, recovered.outbox.rows[0].Attempts)
	assert.Equal(t, 0, recovered.outbox.rows[1].Attempts)

	batches := dispatchAll(t, recovered.relay)
	require.Len(t, batches, 1)
	require.Len(t, recovered.sender.sent, 2)
	for _, row := range recovered.outbox.rows {
		assert.Equal(t, repos.OutboxStatusDelivered, row.Status)
	}
	recovered.consumeAll(t)

	assert.Equal(t, map[string]string{"sku-1@A1": "7"}, baseline.tables.levels)
	assert.Equal(t, baseline.tables.levels, recovered.tables.levels)
	assert.Equal(t, []string{"12", "-5"}, recovered.tables.deltas)
	assert.Equal(t, baseline.tables.deltas, recovered.tables.deltas)
	assert.Equal(t, 2, recovered.ledger.Len())

	again := recovered.deliver(t, recovered.sender.sent[0], 99)
	assert.Equal(t, consumer.OutcomeDuplicate, again)
	assert.Equal(t, map[string]string{"sku-1@A1": "7"}, recovered.tables.levels)
	assert.Len(t, recovered.tables.deltas, 2)
}
