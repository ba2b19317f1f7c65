package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"warehouse-choreography/api/internal/models"
	"warehouse-choreography/api/internal/repos"
	"warehouse-choreography/api/internal/uow"
	"warehouse-choreography/shared/config"
	"warehouse-choreography/shared/events"
	"warehouse-choreography/shared/lineagex"
	"warehouse-choreography/shared/logx"
	"warehouse-choreography/shared/metricsx"
	"warehouse-choreography/shared/tenantx"
)

type Sender interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type Outbox interface {
	Insert(ctx context.Context, db repos.DBTX, event models.OutboxEvent) (models.OutboxEvent, error)
}

// Backlog reports whether an aggregate still has events waiting in the outbox.
type Backlog interface {
	Unsettled(ctx context.Context, aggregateType string, aggregateID string) (bool, error)
}

type Router interface {
	Stream(ev events.DomainEvent) string
}

type Options struct {
	Sender Sender
	Outbox Outbox
	// DB is used for outbox writes made outside a unit of work.
	DB repos.DBTX
	// Backlog, when set, makes direct sends queue behind events of the same aggregate
	// that are still parked.
	Backlog Backlog
	Router  Router
	Mode    string
	Timeout time.Duration
	Logger  logx.Logger
}

type Publisher struct {
	sender  Sender
	outbox  Outbox
	db      repos.DBTX
	backlog Backlog
	router  Router
	mode    string
	timeout time.Duration
	logger  logx.Logger
}

type message struct {
	event   events.DomainEvent
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

func New(opts Options) *Publisher {
	if opts.Mode == "" {
		opts.Mode = config.PublishModeDirect
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Publisher{
		sender:  opts.Sender,
		outbox:  opts.Outbox,
		db:      opts.DB,
		backlog: opts.Backlog,
		router:  opts.Router,
		mode:    opts.Mode,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
}

// PublishAfterCommit stamps evs with the lineage in ctx and hands them to the broker
// once the unit of work in ctx commits, or right away when there is none. In outbox
// mode the events are written to the outbox inside the same transaction instead.
//
// Errors are only returned for problems detected before anything is scheduled, so the
// caller's transaction can still roll back. A failed send after commit is logged and
// parked in the outbox.
func (p *Publisher) PublishAfterCommit(ctx context.Context, evs []events.DomainEvent) error {
	if len(evs) == 0 {
		return nil
	}
	msgs, err := p.prepare(ctx, evs)
	if err != nil {
		return err
	}

	if p.mode == config.PublishModeOutbox {
		return p.enqueue(ctx, uow.Querier(ctx, p.db), msgs, nil)
	}
	if p.sender == nil {
		return errors.New("publisher has no sender")
	}
	if uow.AfterCommit(ctx, func(committed context.Context) { p.send(committed, msgs) }) {
		return nil
	}
	p.send(ctx, msgs)
	return nil
}

func (p *Publisher) prepare(ctx context.Context, evs []events.DomainEvent) ([]message, error) {
	lineage := lineagex.Current(ctx)
	if lineage.CorrelationID == "" {
		lineage.CorrelationID = lineagex.NewCorrelationID()
		p.logger.Debug(ctx, "correlation_generated", "no correlation in context; starting a new flow",
			slog.String("correlation_id", lineage.CorrelationID),
		)
	}
	md := events.Metadata{
		CorrelationID: lineage.CorrelationID,
		CausationID:   lineage.CausationID,
		ActorID:       lineage.ActorID,
	}
	tenantID := tenantx.TenantIDFromContext(ctx)

	msgs := make([]message, 0, len(evs))
	for _, ev := range evs {
		if ev.TenantID == "" && tenantID != "" {
			ev = ev.WithTenant(tenantID)
		}
		ev = events.WithMetadata(ev, md)
		value, err := events.Encode(ev)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", ev.EventType, err)
		}
		topic := events.ServiceStream(ev.AggregateType)
		if p.router != nil {
			topic = p.router.Stream(ev)
		}
		msgs = append(msgs, message{
			event: ev,
			topic: topic,
			key:   []byte(ev.AggregateID),
			value: value,
			headers: map[string]string{
				events.HeaderEventID:       ev.EventID.String(),
				events.HeaderEventType:     ev.EventType,
				events.HeaderTenantID:      ev.TenantID,
				events.HeaderAggregateType: ev.AggregateType,
				events.HeaderCorrelationID: ev.CorrelationID(),
			},
		})
	}
	return msgs, nil
}

// send publishes in order and stops at the first failure; the failed message and
// everything after it are parked, and the relay sends an aggregate's parked rows in
// append order. A message whose aggregate already has parked rows is queued behind
// them instead of overtaking.
func (p *Publisher) send(ctx context.Context, msgs []message) {
	checked := map[string]bool{}
	for i, m := range msgs {
		if key := m.event.AggregateType + "/" + m.event.AggregateID; !checked[key] {
			checked[key] = true
			if p.heldBack(ctx, m) {
				err := p.enqueue(ctx, p.db, msgs[i:], nil)
				if err == nil {
					p.logger.Info(ctx, "publish_queued", "aggregate has parked events; queued behind them",
						slog.String("event_id", m.event.EventID.String()),
						slog.String("aggregate_id", m.event.AggregateID),
						slog.Int("queued", len(msgs)-i),
					)
					return
				}
				p.logger.Warn(ctx, "publish_queue_failed", "could not queue behind parked events; sending directly",
					slog.String("event_id", m.event.EventID.String()),
					slog.String("error", err.Error()),
				)
			}
		}

		sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
		start := time.Now()
		err := p.sender.Publish(sendCtx, m.topic, m.key, m.value, m.headers)
		cancel()
		metricsx.ObservePublishLatency(m.topic, time.Since(start))
		if err == nil {
			metricsx.IncPublished(m.topic, "sent")
			continue
		}

		metricsx.IncPublished(m.topic, "failed")
		p.logger.Error(ctx, "publish_failed", "broker send failed after commit",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
			slog.String("event_id", m.event.EventID.String()),
			slog.String("event_type", m.event.EventType),
			slog.String("topic", m.topic),
			slog.Int("remaining", len(msgs)-i),
		)
		if parkErr := p.enqueue(ctx, p.db, msgs[i:], err); parkErr != nil {
			p.logger.Error(ctx, "publish_lost", "failed to park events for replay",
				slog.String("error_code", "DATA_LOSS"),
				slog.String("error", parkErr.Error()),
				slog.String("event_id", m.event.EventID.String()),
				slog.String("envelope", string(m.value)),
			)
		}
		return
	}
}

func (p *Publisher) heldBack(ctx context.Context, m message) bool {
	if p.backlog == nil {
		return false
	}
	unsettled, err := p.backlog.Unsettled(ctx, m.event.AggregateType, m.event.AggregateID)
	if err != nil {
		p.logger.Warn(ctx, "outbox_backlog_check_failed", "could not check outbox backlog",
			slog.String("aggregate_id", m.event.AggregateID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return unsettled
}

func (p *Publisher) enqueue(ctx context.Context, db repos.DBTX, msgs []message, cause error) error {
	if p.outbox == nil || db == nil {
		return errors.New("outbox not configured")
	}
	now := time.Now().UTC()
	for i, m := range msgs {
		row := models.OutboxEvent{
			EventID:       m.event.EventID,
			TenantID:      m.event.TenantID,
			EventType:     m.event.EventType,
			AggregateType: m.event.AggregateType,
			AggregateID:   m.event.AggregateID,
			Topic:         m.topic,
			Payload:       m.value,
			Headers:       m.headers,
			Status:        repos.OutboxStatusPending,
			CreatedAt:     now.Add(time.Duration(i) * time.Microsecond),
		}
		if cause != nil {
			msg := cause.Error()
			row.LastError = &msg
			row.Attempts = 1
		}
		if _, err := p.outbox.Insert(ctx, db, row); err != nil {
			return fmt.Errorf("outbox insert %s: %w", m.event.EventID, err)
		}
		result := "outboxed"
		if cause != nil {
			result = "parked"
		}
		metricsx.IncPublished(m.topic, result)
	}
	return nil
}
