// Package lineagex carries correlation, causation and actor identifiers through a
// context.Context so every log line and outbound event of one business flow can be
// tied back together.
package lineagex

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const HeaderCorrelationID = "X-Correlation-ID"

type contextKey struct{}

// Lineage is the ambient part of EventMetadata. CausationID is empty for work that
// started from a request rather than from an inbound event.
type Lineage struct {
	CorrelationID string
	CausationID   string
	ActorID       string
}

func (l Lineage) IsZero() bool {
	return l.CorrelationID == "" && l.CausationID == "" && l.ActorID == ""
}

// With returns a child context carrying l. The parent keeps whatever lineage it had,
// so the previous state is back in effect as soon as the child goes out of scope.
func With(ctx context.Context, l Lineage) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

func Current(ctx context.Context) Lineage {
	if ctx == nil {
		return Lineage{}
	}
	if v, ok := ctx.Value(contextKey{}).(Lineage); ok {
		return v
	}
	return Lineage{}
}

func CorrelationIDFromContext(ctx context.Context) string {
	return Current(ctx).CorrelationID
}

// Run executes fn with l as the ambient lineage.
func Run(ctx context.Context, l Lineage, fn func(context.Context) error) error {
	return fn(With(ctx, l))
}

// FromEvent seeds lineage at an event-consumption boundary: the correlation and actor
// are inherited and the consumed event becomes the cause of anything emitted next.
func FromEvent(correlationID string, actorID string, eventID string) Lineage {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		correlationID = eventID
	}
	return Lineage{
		CorrelationID: correlationID,
		CausationID:   eventID,
		ActorID:       strings.TrimSpace(actorID),
	}
}

func NewCorrelationID() string {
	return uuid.NewString()
}

// EnsureCorrelation returns ctx unchanged when it already has a correlation id and a
// derived context with a fresh one otherwise.
func EnsureCorrelation(ctx context.Context) context.Context {
	l := Current(ctx)
	if l.CorrelationID != "" {
		return ctx
	}
	l.CorrelationID = NewCorrelationID()
	return With(ctx, l)
}

// Middleware seeds lineage from the inbound correlation header or generates one, and
// echoes it on the response. actor resolves the caller identity, typically from the
// auth context set by an earlier middleware; it may be nil.
func Middleware(actor func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := strings.TrimSpace(r.Header.Get(HeaderCorrelationID))
		if correlationID == "" {
			correlationID = NewCorrelationID()
		}
		w.Header().Set(HeaderCorrelationID, correlationID)

		l := Lineage{CorrelationID: correlationID}
		if actor != nil {
			l.ActorID = strings.TrimSpace(actor(r))
		}
		next.ServeHTTP(w, r.WithContext(With(r.Context(), l)))
	})
}
