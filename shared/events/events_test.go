package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventAssignsIdentity(t *testing.T) {
	a := NewEvent("t-42", AggregateTenant, TenantSchemaCreated{TenantID: "t-42", SchemaName: "tenant_t-42_schema"})
	b := NewEvent("t-42", AggregateTenant, TenantSchemaCreated{TenantID: "t-42", SchemaName: "tenant_t-42_schema"})

	assert.NotEqual(t, uuid.Nil, a.EventID)
	assert.NotEqual(t, a.EventID, b.EventID)
	assert.Equal(t, TypeTenantSchemaCreated, a.EventType)
	assert.False(t, a.OccurredAt.IsZero())
	assert.Nil(t, a.Metadata)
}

func TestWithMetadataIsSetOnce(t *testing.T) {
	ev := NewEvent("s-1", AggregateStock, StockAdjusted{SKU: "A"})
	first := WithMetadata(ev, Metadata{CorrelationID: "c-1", ActorID: "u-1"})
	second := WithMetadata(first, Metadata{CorrelationID: "c-2"})

	assert.Nil(t, ev.Metadata, "original must stay untouched")
	assert.Equal(t, "c-1", first.CorrelationID())
	assert.Equal(t, "c-1", second.CorrelationID())
	assert.Equal(t, "u-1", second.ActorID())
}

func TestEncodeDecodeDispatchesByType(t *testing.T) {
	reg := DefaultRegistry()
	ev := WithMetadata(
		NewEvent("s-1", AggregateStock, StockAdjusted{SKU: "A-1", Delta: decimal.RequireFromString("-2.5"), OnHand: decimal.NewFromInt(4)}).WithTenant("t-1"),
		Metadata{CorrelationID: "c-1", CausationID: "e-0", ActorID: "u-1"},
	)
	raw, err := Encode(ev)
	require.NoError(t, err)

	got, err := reg.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, got.EventID)
	assert.Equal(t, "t-1", got.TenantID)
	assert.Equal(t, "e-0", got.CausationID())
	payload, ok := got.Payload.(StockAdjusted)
	require.True(t, ok, "payload type %T", got.Payload)
	assert.True(t, payload.Delta.Equal(decimal.RequireFromString("-2.5")))
}

func TestDecodeToleratesUnknownFields(t *testing.T) {
	raw := []byte(`{
		"eventId": "6f1c1a8e-4c59-4d2c-9a55-0c7e1e9b2b11",
		"eventType": "TenantSchemaCreated",
		"aggregateId": "t-42",
		"aggregateType": "tenant",
		"occurredAt": "2026-01-02T03:04:05Z",
		"payload": {"tenantId": "t-42", "schemaName": "tenant_t-42_schema", "region": "eu"},
		"metadata": {"correlationId": "c-9"},
		"schemaVersion": 3
	}`)
	ev, err := DefaultRegistry().Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TenantSchemaCreated{TenantID: "t-42", SchemaName: "tenant_t-42_schema"}, ev.Payload)
	assert.Equal(t, "c-9", ev.CorrelationID())
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	raw, err := json.Marshal(Envelope{
		EventID:     uuid.New(),
		EventType:   "PickListPrinted",
		AggregateID: "p-1",
		Payload:     json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	ev, err := DefaultRegistry().Decode(raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownEventType))
	assert.Equal(t, "PickListPrinted", ev.EventType)
	assert.NotEqual(t, uuid.Nil, ev.EventID)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"eventId":`,
		"missing id":      `{"eventType":"StockAdjusted","aggregateId":"a","payload":{}}`,
		"missing type":    `{"eventId":"6f1c1a8e-4c59-4d2c-9a55-0c7e1e9b2b11","aggregateId":"a","payload":{}}`,
		"missing payload": `{"eventId":"6f1c1a8e-4c59-4d2c-9a55-0c7e1e9b2b11","eventType":"StockAdjusted","aggregateId":"a"}`,
		"bad payload":     `{"eventId":"6f1c1a8e-4c59-4d2c-9a55-0c7e1e9b2b11","eventType":"StockAdjusted","aggregateId":"a","payload":"nope"}`,
	}
	reg := DefaultRegistry()
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestServiceStream(t *testing.T) {
	assert.Equal(t, "stock-events", ServiceStream("stock"))
	assert.Equal(t, "stock-events", ServiceStream("stock-events"))
}
