// Package stock is the sample business aggregate: on-hand quantity of one SKU at one
// location, adjusted by commands and projected per tenant from its events.
package stock

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"warehouse-choreography/api/internal/aggregate"
	"warehouse-choreography/shared/events"
)

var (
	ErrInvalidAdjustment = errors.New("invalid stock adjustment")
	ErrInsufficientStock = errors.New("insufficient stock")
)

type levelState struct {
	SKU      string          `json:"sku"`
	Location string          `json:"location"`
	OnHand   decimal.Decimal `json:"on_hand"`
}

type Level struct {
	aggregate.Root
	state levelState
}

// LevelID scopes the aggregate id by tenant so one aggregate table serves every tenant.
func LevelID(tenantID string, sku string, location string) string {
	return tenantID + ":" + sku + "@" + location
}

func NewLevel(tenantID string, sku string, location string) *Level {
	return &Level{
		Root:  aggregate.NewRoot(events.AggregateStock, LevelID(tenantID, sku, location), tenantID),
		state: levelState{SKU: sku, Location: location, OnHand: decimal.Zero},
	}
}

func decodeLevel(root aggregate.Root, raw json.RawMessage) (*Level, error) {
	l := &Level{Root: root}
	return l, json.Unmarshal(raw, &l.state)
}

func (l *Level) State() any              { return l.state }
func (l *Level) SKU() string             { return l.state.SKU }
func (l *Level) Location() string        { return l.state.Location }
func (l *Level) OnHand() decimal.Decimal { return l.state.OnHand }

// Adjust applies delta and raises StockAdjusted. On-hand never goes negative.
func (l *Level) Adjust(delta decimal.Decimal, reason string) error {
	if delta.IsZero() {
		return fmt.Errorf("%w: delta must be non-zero", ErrInvalidAdjustment)
	}
	next := l.state.OnHand.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: %s on hand, delta %s", ErrInsufficientStock, l.state.OnHand, delta)
	}
	l.state.OnHand = next
	l.Raise(events.StockAdjusted{
		SKU:      l.state.SKU,
		Location: l.state.Location,
		Delta:    delta,
		OnHand:   next,
		Reason:   strings.TrimSpace(reason),
	})
	return nil
}
