package influxx

import (
	"context"
	"testing"
	"time"

	"warehouse-choreography/shared/config"
)

func TestEnabled(t *testing.T) {
	if Enabled(config.Config{InfluxURL: "http://influx:8086"}) {
		t.Fatalf("expected partial config to be disabled")
	}
	cfg := config.Config{InfluxURL: "http://influx:8086", InfluxToken: "tok", InfluxOrg: "wh", InfluxBucket: "telemetry"}
	if !Enabled(cfg) {
		t.Fatalf("expected full config to be enabled")
	}
}

func TestNilClientWrite(t *testing.T) {
	var c *Client
	if err := c.WritePoint(context.Background(), "m", nil, map[string]any{"v": 1}, time.Time{}); err == nil {
		t.Fatalf("expected error from nil client")
	}
	c.Close()
}
