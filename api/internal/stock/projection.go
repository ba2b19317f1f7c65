package stock

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"warehouse-choreography/api/internal/consumer"
	"warehouse-choreography/api/internal/repos"
	"warehouse-choreography/api/internal/uow"
	"warehouse-choreography/shared/events"
	"warehouse-choreography/shared/logx"
	"warehouse-choreography/shared/tenantx"
)

// Projection maintains the per-tenant stock tables and raises StockLevelLow when an
// adjustment takes a level below the threshold.
type Projection struct {
	db        repos.DBTX
	repo      *repos.StockRepo
	pub       Publisher
	threshold decimal.Decimal
	logger    logx.Logger
}

func NewProjection(db repos.DBTX, pub Publisher, threshold decimal.Decimal, logger logx.Logger) *Projection {
	return &Projection{db: db, repo: repos.NewStockRepo(), pub: pub, threshold: threshold, logger: logger}
}

func (p *Projection) Handle(ctx context.Context, ev events.DomainEvent) error {
	schema, err := tenantx.SchemaName(ev.TenantID)
	if err != nil {
		return consumer.Permanent(err)
	}
	q := uow.Querier(ctx, p.db)

	switch payload := ev.Payload.(type) {
	case events.StockAdjusted:
		inserted, err := p.repo.RecordMovement(ctx, q, schema, repos.StockMovement{
			EventID:       ev.EventID,
			SKU:           payload.SKU,
			Location:      payload.Location,
			Delta:         payload.Delta,
			Reason:        payload.Reason,
			CorrelationID: ev.CorrelationID(),
			OccurredAt:    ev.OccurredAt,
		})
		if err != nil {
			return fmt.Errorf("record movement: %w", err)
		}
		if !inserted {
			return nil
		}
		if err := p.repo.UpsertLevel(ctx, q, schema, payload.SKU, payload.Location, payload.OnHand); err != nil {
			return fmt.Errorf("upsert level: %w", err)
		}
		previous := payload.OnHand.Sub(payload.Delta)
		if payload.OnHand.LessThan(p.threshold) && !previous.LessThan(p.threshold) {
			low := events.NewEvent(ev.AggregateID, events.AggregateStock, events.StockLevelLow{
				SKU:       payload.SKU,
				Location:  payload.Location,
				OnHand:    payload.OnHand,
				Threshold: p.threshold,
			}).WithTenant(ev.TenantID)
			p.logger.Info(ctx, "stock_level_low", "stock fell below threshold",
				slog.String("sku", payload.SKU),
				slog.String("location", payload.Location),
				slog.String("on_hand", payload.OnHand.String()),
			)
			return p.pub.PublishAfterCommit(ctx, []events.DomainEvent{low})
		}
		return nil
	case events.StockLevelLow:
		if err := p.repo.RaiseAlert(ctx, q, schema, ev.EventID, payload.SKU, payload.Location, payload.OnHand, payload.Threshold); err != nil {
			return fmt.Errorf("raise alert: %w", err)
		}
		return nil
	default:
		return nil
	}
}
