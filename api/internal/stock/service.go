package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"warehouse-choreography/api/internal/aggregate"
	"warehouse-choreography/shared/events"
)

type Transactor interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type Publisher interface {
	PublishAfterCommit(ctx context.Context, evs []events.DomainEvent) error
}

type AdjustStock struct {
	TenantID string
	SKU      string
	Location string
	Delta    decimal.Decimal
	Reason   string
	// ExpectedVersion, when set, must match the stored version.
	ExpectedVersion *int64
}

type Service struct {
	tx     Transactor
	levels *aggregate.Repository[*Level]
	pub    Publisher
}

func NewService(tx Transactor, store aggregate.Store, pub Publisher) *Service {
	return &Service{
		tx:     tx,
		levels: aggregate.NewRepository[*Level](store, events.AggregateStock, decodeLevel),
		pub:    pub,
	}
}

// AdjustStock loads or starts the level, applies the command and saves it. Its
// events leave only after the transaction commits.
func (s *Service) AdjustStock(ctx context.Context, cmd AdjustStock) (*Level, error) {
	cmd.SKU = strings.TrimSpace(cmd.SKU)
	cmd.Location = strings.TrimSpace(cmd.Location)
	if cmd.TenantID == "" || cmd.SKU == "" || cmd.Location == "" {
		return nil, fmt.Errorf("%w: tenant, sku and location are required", ErrInvalidAdjustment)
	}

	var out *Level
	err := s.tx.Do(ctx, func(ctx context.Context) error {
		level, err := s.levels.Load(ctx, LevelID(cmd.TenantID, cmd.SKU, cmd.Location))
		switch {
		case errors.Is(err, aggregate.ErrNotFound):
			level = NewLevel(cmd.TenantID, cmd.SKU, cmd.Location)
		case err != nil:
			return err
		}
		if cmd.ExpectedVersion != nil && *cmd.ExpectedVersion != level.Version() {
			return fmt.Errorf("%w: expected version %d, stored %d", aggregate.ErrConcurrencyConflict, *cmd.ExpectedVersion, level.Version())
		}
		if err := level.Adjust(cmd.Delta, cmd.Reason); err != nil {
			return err
		}
		if err := s.levels.Save(ctx, level); err != nil {
			return err
		}
		out = level
		return level.Drain(func(evs []events.DomainEvent) error {
			return s.pub.PublishAfterCommit(ctx, evs)
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
