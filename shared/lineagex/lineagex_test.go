package lineagex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithIsScoped(t *testing.T) {
	parent := With(context.Background(), Lineage{CorrelationID: "outer"})
	child := With(parent, Lineage{CorrelationID: "inner", CausationID: "evt-1"})

	assert.Equal(t, "inner", Current(child).CorrelationID)
	assert.Equal(t, "evt-1", Current(child).CausationID)
	assert.Equal(t, "outer", Current(parent).CorrelationID)
	assert.Empty(t, Current(parent).CausationID)
	assert.True(t, Current(context.Background()).IsZero())
}

func TestRunRestoresPreviousLineage(t *testing.T) {
	ctx := With(context.Background(), Lineage{CorrelationID: "req-1"})
	var seen Lineage
	err := Run(ctx, FromEvent("req-1", "alice", "evt-9"), func(inner context.Context) error {
		seen = Current(inner)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Lineage{CorrelationID: "req-1", CausationID: "evt-9", ActorID: "alice"}, seen)
	assert.Equal(t, Lineage{CorrelationID: "req-1"}, Current(ctx))
}

func TestFromEventFallsBackToEventID(t *testing.T) {
	l := FromEvent("  ", "", "evt-1")
	assert.Equal(t, "evt-1", l.CorrelationID)
	assert.Equal(t, "evt-1", l.CausationID)
}

func TestEnsureCorrelation(t *testing.T) {
	ctx := EnsureCorrelation(context.Background())
	id := CorrelationIDFromContext(ctx)
	require.NotEmpty(t, id)
	assert.Equal(t, id, CorrelationIDFromContext(EnsureCorrelation(ctx)))
}

func TestMiddlewareUsesInboundHeader(t *testing.T) {
	var got Lineage
	h := Middleware(func(*http.Request) string { return "user-7" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = Current(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stock", nil)
	req.Header.Set(HeaderCorrelationID, "corr-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "corr-123", got.CorrelationID)
	assert.Equal(t, "user-7", got.ActorID)
	assert.Empty(t, got.CausationID)
	assert.Equal(t, "corr-123", rec.Header().Get(HeaderCorrelationID))
}

func TestMiddlewareGeneratesCorrelation(t *testing.T) {
	var got Lineage
	h := Middleware(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = Current(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotEmpty(t, got.CorrelationID)
	assert.Equal(t, got.CorrelationID, rec.Header().Get(HeaderCorrelationID))
}
