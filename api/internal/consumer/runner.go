package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"warehouse-choreography/shared/logx"
	"warehouse-choreography/shared/metricsx"
	"warehouse-choreography/shared/mqx"
)

// Reader is the part of *kafka.Reader the runner needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
}

type Runner struct {
	reader    Reader
	processor *Processor
	logger    logx.Logger
	// RetryDelay paces redelivery of a message the processor could not settle.
	RetryDelay time.Duration
}

func NewRunner(reader Reader, processor *Processor, logger logx.Logger) *Runner {
	return &Runner{reader: reader, processor: processor, logger: logger, RetryDelay: time.Second}
}

// Run fetches until ctx is cancelled. An offset is committed only after the processor
// settled the message; until then the same message is retried in place.
func (r *Runner) Run(ctx context.Context) error {
	group := r.processor.Group()
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			r.logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			if !sleep(ctx, 500*time.Millisecond) {
				return nil
			}
			continue
		}

		if !r.settle(ctx, msg) {
			return nil
		}
		if err := r.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := r.reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, group, stats.Lag)
	}
}

// settle reports false when ctx ended before the message could be settled.
func (r *Runner) settle(ctx context.Context, km kafka.Message) bool {
	headers := mqx.Headers(km)
	msg := Message{
		Topic:     km.Topic,
		Partition: km.Partition,
		Offset:    km.Offset,
		Key:       km.Key,
		Value:     km.Value,
		Headers:   headers,
	}
	for {
		spanCtx, span := otel.Tracer("mqx").Start(mqx.ExtractTrace(ctx, headers), "kafka.consume",
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", km.Topic),
			attribute.String("messaging.consumer.group", r.processor.Group()),
			attribute.Int64("messaging.kafka.offset", km.Offset),
		)
		outcome, err := r.processor.Process(spanCtx, msg)
		if err == nil {
			span.SetAttributes(attribute.String("outcome", string(outcome)))
			span.End()
			return true
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		if ctx.Err() != nil {
			return false
		}
		r.logger.Error(ctx, "event_unsettled", "message could not be settled; retrying",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
			slog.String("topic", km.Topic),
			slog.Int64("offset", km.Offset),
		)
		if !sleep(ctx, r.RetryDelay) {
			return false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
