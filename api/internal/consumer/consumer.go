// Package consumer delivers decoded events to a handler at most once per consumer
// group, retrying transient failures and dead-lettering what cannot be processed.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"warehouse-choreography/api/internal/models"
	"warehouse-choreography/api/internal/repos"
	"warehouse-choreography/shared/config"
	"warehouse-choreography/shared/events"
	"warehouse-choreography/shared/lineagex"
	"warehouse-choreography/shared/logx"
	"warehouse-choreography/shared/metricsx"
	"warehouse-choreography/shared/tenantx"
)

type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeDropped      Outcome = "dropped"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

const (
	ReasonMalformed     = "malformed"
	ReasonUnknownType   = "unknown_event_type"
	ReasonHandlerFailed = "handler_failed"
)

const (
	HeaderDeadLetterReason = "dead_letter_reason"
	HeaderDeadLetterGroup  = "dead_letter_group"
	HeaderAttempts         = "attempts"
)

var errAlreadyRecorded = errors.New("event already recorded")

// Message is one delivery from a stream, independent of the broker client.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
}

// Handler applies one event. It runs inside a transaction; returning an error rolls
// back its effects. Wrap errors with Permanent to skip the remaining retries.
type Handler func(ctx context.Context, ev events.DomainEvent) error

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

type Transactor interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type DeadLetterStore interface {
	Insert(ctx context.Context, dl models.DeadLetter) (models.DeadLetter, error)
}

type Sender interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type PointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

type Options struct {
	Group         string
	Registry      *events.Registry
	Handler       Handler
	Ledger        Ledger
	Tx            Transactor
	DeadLetters   DeadLetterStore
	DLQ           Sender
	DLQSuffix     string
	UnknownPolicy string
	MaxAttempts   int
	// InitialBackoff and MaxBackoff bound the delay between attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Telemetry      PointWriter
	Logger         logx.Logger
}

type Processor struct {
	opts Options
}

func NewProcessor(opts Options) (*Processor, error) {
	if opts.Group == "" {
		return nil, errors.New("consumer group is required")
	}
	if opts.Registry == nil || opts.Handler == nil || opts.Ledger == nil || opts.Tx == nil {
		return nil, errors.New("registry, handler, ledger and transactor are required")
	}
	if opts.DeadLetters == nil {
		return nil, errors.New("dead letter store is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.DLQSuffix == "" {
		opts.DLQSuffix = ".dlq"
	}
	if opts.UnknownPolicy == "" {
		opts.UnknownPolicy = config.UnknownEventDeadLetter
	}
	return &Processor{opts: opts}, nil
}

func (p *Processor) Group() string { return p.opts.Group }

// Process handles one delivery. A nil error means the message may be acknowledged:
// it was applied, was a duplicate, was dropped by policy or now sits in the dead
// letter store. A non-nil error means it must be delivered again.
func (p *Processor) Process(ctx context.Context, msg Message) (Outcome, error) {
	start := time.Now()
	ev, err := p.opts.Registry.Decode(msg.Value)
	if err != nil {
		if errors.Is(err, events.ErrUnknownEventType) {
			return p.unknown(ctx, msg, ev, err)
		}
		return p.deadLetter(ctx, msg, nil, ReasonMalformed, err, 0)
	}

	ctx = lineagex.With(ctx, lineagex.FromEvent(ev.CorrelationID(), ev.ActorID(), ev.EventID.String()))
	if ev.TenantID != "" {
		ctx = tenantx.WithTenant(ctx, tenantx.TenantContext{ID: ev.TenantID})
	}

	attempts := 0
	var outcome Outcome
	op := func() error {
		attempts++
		o, err := p.attempt(ctx, ev)
		if err != nil {
			return err
		}
		outcome = o
		return nil
	}
	notify := func(err error, wait time.Duration) {
		p.opts.Logger.Warn(ctx, "event_retry", "handler failed; retrying",
			slog.String("error", err.Error()),
			slog.String("event_id", ev.EventID.String()),
			slog.String("event_type", ev.EventType),
			slog.Int("attempt", attempts),
			slog.Duration("wait", wait),
		)
	}
	err = backoff.RetryNotify(op, p.policy(ctx), notify)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("processing %s interrupted: %w", ev.EventID, ctx.Err())
		}
		return p.deadLetter(ctx, msg, &ev, ReasonHandlerFailed, err, attempts)
	}

	metricsx.IncConsumed(p.opts.Group, ev.EventType, string(outcome))
	p.telemetry(ctx, ev.EventType, outcome, attempts, time.Since(start))
	if outcome == OutcomeDuplicate {
		p.opts.Logger.Info(ctx, "event_duplicate", "event already processed; skipping",
			slog.String("event_id", ev.EventID.String()),
			slog.String("event_type", ev.EventType),
		)
	}
	return outcome, nil
}

func (p *Processor) attempt(ctx context.Context, ev events.DomainEvent) (Outcome, error) {
	seen, err := p.opts.Ledger.Seen(ctx, p.opts.Group, ev.EventID)
	if err != nil {
		return "", fmt.Errorf("ledger lookup: %w", err)
	}
	if seen {
		return OutcomeDuplicate, nil
	}
	err = p.opts.Tx.Do(ctx, func(ctx context.Context) error {
		if err := p.opts.Handler(ctx, ev); err != nil {
			return err
		}
		inserted, err := p.opts.Ledger.Record(ctx, p.opts.Group, ev.EventID, ev.EventType)
		if err != nil {
			return fmt.Errorf("ledger record: %w", err)
		}
		if !inserted {
			return errAlreadyRecorded
		}
		return nil
	})
	if errors.Is(err, errAlreadyRecorded) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

func (p *Processor) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.opts.InitialBackoff
	exp.MaxInterval = p.opts.MaxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.opts.MaxAttempts-1)), ctx)
}

func (p *Processor) unknown(ctx context.Context, msg Message, ev events.DomainEvent, cause error) (Outcome, error) {
	if p.opts.UnknownPolicy == config.UnknownEventDrop {
		p.opts.Logger.Warn(ctx, "event_dropped", "unknown event type dropped",
			slog.String("event_id", ev.EventID.String()),
			slog.String("event_type", ev.EventType),
			slog.String("topic", msg.Topic),
		)
		metricsx.IncConsumed(p.opts.Group, ev.EventType, string(OutcomeDropped))
		return OutcomeDropped, nil
	}
	return p.deadLetter(ctx, msg, &ev, ReasonUnknownType, cause, 0)
}

// deadLetter stores the raw message and then copies it to the dead letter topic. Only
// the store is required for the message to be acknowledged.
func (p *Processor) deadLetter(ctx context.Context, msg Message, ev *events.DomainEvent, reason string, cause error, attempts int) (Outcome, error) {
	dl := models.DeadLetter{
		ConsumerGroup: p.opts.Group,
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		MessageKey:    msg.Key,
		Payload:       msg.Value,
		Headers:       msg.Headers,
		Reason:        reason,
		LastError:     cause.Error(),
		Attempts:      attempts,
		Status:        repos.DeadLetterStatusPending,
	}
	if ev != nil {
		if ev.EventID != uuid.Nil {
			id := ev.EventID
			dl.EventID = &id
		}
		dl.EventType = ev.EventType
	}

	stored, err := p.opts.DeadLetters.Insert(ctx, dl)
	if err != nil {
		return "", fmt.Errorf("store dead letter: %w", err)
	}
	metricsx.IncDeadLetter(p.opts.Group, reason)
	metricsx.IncConsumed(p.opts.Group, dl.EventType, string(OutcomeDeadLettered))
	p.opts.Logger.Error(ctx, "event_dead_lettered", "message moved to dead letters",
		slog.String("error_code", "DEAD_LETTER"),
		slog.String("error", dl.LastError),
		slog.String("reason", reason),
		slog.String("dead_letter_id", stored.DeadLetterID.String()),
		slog.String("event_type", dl.EventType),
		slog.String("topic", msg.Topic),
		slog.Int("partition", msg.Partition),
		slog.Int64("offset", msg.Offset),
		slog.Int("attempts", attempts),
	)

	if p.opts.DLQ != nil {
		headers := make(map[string]string, len(msg.Headers)+3)
		for k, v := range msg.Headers {
			headers[k] = v
		}
		headers[HeaderDeadLetterReason] = reason
		headers[HeaderDeadLetterGroup] = p.opts.Group
		headers[HeaderAttempts] = strconv.Itoa(attempts)
		if err := p.opts.DLQ.Publish(ctx, msg.Topic+p.opts.DLQSuffix, msg.Key, msg.Value, headers); err != nil {
			p.opts.Logger.Warn(ctx, "dlq_publish_failed", "dead letter stored but not copied to topic",
				slog.String("error", err.Error()),
				slog.String("dead_letter_id", stored.DeadLetterID.String()),
			)
		}
	}
	p.telemetry(ctx, dl.EventType, OutcomeDeadLettered, attempts, 0)
	return OutcomeDeadLettered, nil
}

func (p *Processor) telemetry(ctx context.Context, eventType string, outcome Outcome, attempts int, took time.Duration) {
	if p.opts.Telemetry == nil {
		return
	}
	tags := map[string]string{
		"group":      p.opts.Group,
		"event_type": eventType,
		"outcome":    string(outcome),
	}
	fields := map[string]any{
		"attempts":    attempts,
		"duration_ms": took.Milliseconds(),
	}
	if err := p.opts.Telemetry.WritePoint(ctx, "event_consumption", tags, fields, time.Now().UTC()); err != nil {
		metricsx.IncInfluxWriteFailure()
		p.opts.Logger.Debug(ctx, "telemetry_write_failed", "influx write failed",
			slog.String("error", err.Error()),
		)
	}
}
