package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"warehouse-choreography/shared/lineagex"
	"warehouse-choreography/shared/tenantx"
)

func TestLoggerLiftsLineageAndTenant(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "stock", "test", "1.0.0", "debug")

	ctx := lineagex.With(context.Background(), lineagex.Lineage{CorrelationID: "c-1", CausationID: "e-1", ActorID: "u-1"})
	ctx = tenantx.WithTenant(ctx, tenantx.TenantContext{ID: "t-42"})
	l.Info(ctx, "stock_adjusted", "stock adjusted", slog.String("sku", "A-1"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	want := map[string]string{
		"event":          "stock_adjusted",
		"msg":            "stock adjusted",
		"service":        "stock",
		"version":        "1.0.0",
		"correlation_id": "c-1",
		"causation_id":   "e-1",
		"actor_id":       "u-1",
		"tenant_id":      "t-42",
		"sku":            "A-1",
	}
	for k, v := range want {
		if rec[k] != v {
			t.Fatalf("expected %s=%q, got %v", k, v, rec[k])
		}
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "svc", "test", "", "warn")
	l.Info(context.Background(), "noise", "ignored")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %s", buf.String())
	}
	l.Warn(context.Background(), "kept", "kept")
	if buf.Len() == 0 {
		t.Fatalf("expected warn to be written")
	}
}
