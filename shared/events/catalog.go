package events

import "github.com/shopspring/decimal"

const (
	TypeTenantSchemaCreated = "TenantSchemaCreated"
	TypeStockAdjusted       = "StockAdjusted"
	TypeStockLevelLow       = "StockLevelLow"
)

// TenantSchemaCreated announces a provisioned tenant; every tenant-aware service
// creates SchemaName locally when it sees it.
type TenantSchemaCreated struct {
	TenantID   string `json:"tenantId"`
	SchemaName string `json:"schemaName"`
}

func (TenantSchemaCreated) EventType() string { return TypeTenantSchemaCreated }

type StockAdjusted struct {
	SKU      string          `json:"sku"`
	Location string          `json:"location"`
	Delta    decimal.Decimal `json:"delta"`
	OnHand   decimal.Decimal `json:"onHand"`
	Reason   string          `json:"reason,omitempty"`
}

func (StockAdjusted) EventType() string { return TypeStockAdjusted }

type StockLevelLow struct {
	SKU       string          `json:"sku"`
	Location  string          `json:"location"`
	OnHand    decimal.Decimal `json:"onHand"`
	Threshold decimal.Decimal `json:"threshold"`
}

func (StockLevelLow) EventType() string { return TypeStockLevelLow }

// DefaultRegistry knows every event type of the platform catalog.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterJSON[TenantSchemaCreated](r)
	RegisterJSON[StockAdjusted](r)
	RegisterJSON[StockLevelLow](r)
	return r
}
