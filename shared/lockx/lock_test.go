package lockx

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAcquireValidation(t *testing.T) {
	if _, _, err := Acquire(context.Background(), nil, "k", time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if err := WithLock(context.Background(), nil, "k", time.Second, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestDeadLetterReplayKey(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	if got := DeadLetterReplayKey(id); got != "lock:dead-letter-replay:11111111-2222-3333-4444-555555555555" {
		t.Fatalf("unexpected key %q", got)
	}
}
