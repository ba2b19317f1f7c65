package cachex

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"warehouse-choreography/shared/config"
)

func TestProcessedKey(t *testing.T) {
	id := uuid.MustParse("6f1c2b1e-8f7a-4f5e-9a55-0c1f1d2e3a4b")
	got := ProcessedKey("tenant-provisioner", id)
	if got != "processed:tenant-provisioner:6f1c2b1e-8f7a-4f5e-9a55-0c1f1d2e3a4b" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestNilClient(t *testing.T) {
	var c *Client
	if _, err := c.Seen(context.Background(), "k"); err == nil {
		t.Fatalf("expected error from nil client")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close on nil client should be a no-op, got %v", err)
	}
}

func TestNewRequiresAddr(t *testing.T) {
	if _, err := New(config.Config{}); err == nil {
		t.Fatalf("expected error without REDIS_ADDR")
	}
}
