package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// StockRepo writes the stock projection inside a tenant namespace. Every method
// takes the schema explicitly; nothing relies on the connection's search_path.
type StockRepo struct{}

func NewStockRepo() *StockRepo {
	return &StockRepo{}
}

type StockMovement struct {
	EventID       uuid.UUID
	SKU           string
	Location      string
	Delta         decimal.Decimal
	Reason        string
	CorrelationID string
	OccurredAt    time.Time
}

// RecordMovement reports false when the movement was already projected.
func (r *StockRepo) RecordMovement(ctx context.Context, db DBTX, schema string, m StockMovement) (bool, error) {
	tag, err := db.Exec(ctx, `
		INSERT INTO `+pgx.Identifier{schema, "stock_movements"}.Sanitize()+`
			(event_id, sku, location, delta, reason, correlation_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
	`, m.EventID, m.SKU, m.Location, m.Delta, m.Reason, m.CorrelationID, m.OccurredAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *StockRepo) UpsertLevel(ctx context.Context, db DBTX, schema string, sku string, location string, onHand decimal.Decimal) error {
	_, err := db.Exec(ctx, `
		INSERT INTO `+pgx.Identifier{schema, "stock_levels"}.Sanitize()+` AS l (sku, location, on_hand, version, updated_at)
		VALUES ($1, $2, $3, 1, now())
		ON CONFLICT (sku, location) DO UPDATE
		SET on_hand = EXCLUDED.on_hand, version = l.version + 1, updated_at = now()
	`, sku, location, onHand)
	return err
}

func (r *StockRepo) RaiseAlert(ctx context.Context, db DBTX, schema string, eventID uuid.UUID, sku string, location string, onHand decimal.Decimal, threshold decimal.Decimal) error {
	_, err := db.Exec(ctx, `
		INSERT INTO `+pgx.Identifier{schema, "replenishment_alerts"}.Sanitize()+`
			(event_id, sku, location, on_hand, threshold)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, sku, location, onHand, threshold)
	return err
}
