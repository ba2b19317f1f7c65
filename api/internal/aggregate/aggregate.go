package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"warehouse-choreography/shared/events"
	"warehouse-choreography/shared/metricsx"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrNotFound            = errors.New("aggregate not found")
)

// Root holds the identity, persisted version and pending events of an aggregate.
// Business types embed it.
type Root struct {
	aggregateType string
	id            string
	tenantID      string
	version       int64
	persisted     bool
	pending       []events.DomainEvent
}

func NewRoot(aggregateType string, id string, tenantID string) Root {
	return Root{
		aggregateType: strings.TrimSpace(aggregateType),
		id:            strings.TrimSpace(id),
		tenantID:      strings.TrimSpace(tenantID),
	}
}

func (r *Root) ID() string       { return r.id }
func (r *Root) Type() string     { return r.aggregateType }
func (r *Root) TenantID() string { return r.tenantID }
func (r *Root) Version() int64   { return r.version }

// IsNew reports whether the aggregate has never been stored. A loaded aggregate is
// never new, whatever its version.
func (r *Root) IsNew() bool { return !r.persisted }

// Raise records a fact produced by the current mutation.
func (r *Root) Raise(payload events.Payload) events.DomainEvent {
	ev := events.NewEvent(r.id, r.aggregateType, payload).WithTenant(r.tenantID)
	r.pending = append(r.pending, ev)
	return ev
}

func (r *Root) PendingEvents() []events.DomainEvent {
	out := make([]events.DomainEvent, len(r.pending))
	copy(out, r.pending)
	return out
}

// Drain hands the pending events to fn in the order they were raised and clears the
// buffer only if fn succeeds.
func (r *Root) Drain(fn func([]events.DomainEvent) error) error {
	if len(r.pending) == 0 {
		return nil
	}
	if err := fn(r.PendingEvents()); err != nil {
		return err
	}
	r.pending = nil
	return nil
}

func (r *Root) root() *Root { return r }

// Entity is satisfied by any struct embedding Root that can expose its state.
type Entity interface {
	root() *Root
	State() any
}

type Decoder[T Entity] func(root Root, state json.RawMessage) (T, error)

// Repository loads and saves one aggregate type through a Store.
type Repository[T Entity] struct {
	store         Store
	aggregateType string
	decode        Decoder[T]
}

func NewRepository[T Entity](store Store, aggregateType string, decode Decoder[T]) *Repository[T] {
	return &Repository[T]{store: store, aggregateType: aggregateType, decode: decode}
}

func (r *Repository[T]) Load(ctx context.Context, id string) (T, error) {
	var zero T
	rec, err := r.store.Get(ctx, r.aggregateType, id)
	if err != nil {
		return zero, err
	}
	root := Root{
		aggregateType: rec.AggregateType,
		id:            rec.AggregateID,
		tenantID:      rec.TenantID,
		version:       rec.Version,
		persisted:     true,
	}
	out, err := r.decode(root, rec.State)
	if err != nil {
		return zero, fmt.Errorf("decode %s %s: %w", r.aggregateType, id, err)
	}
	return out, nil
}

// Save writes the aggregate as version+1. A fresh aggregate is inserted; a loaded one
// is updated only if the stored version still matches. Save never publishes.
func (r *Repository[T]) Save(ctx context.Context, agg T) error {
	root := agg.root()
	state, err := json.Marshal(agg.State())
	if err != nil {
		return fmt.Errorf("encode %s state: %w", root.aggregateType, err)
	}
	rec := Record{
		AggregateType: root.aggregateType,
		AggregateID:   root.id,
		TenantID:      root.tenantID,
		Version:       root.version + 1,
		State:         state,
	}

	if root.persisted {
		err = r.store.Update(ctx, rec, root.version)
	} else {
		err = r.store.Insert(ctx, rec)
	}
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			metricsx.IncConcurrencyConflict(root.aggregateType)
		}
		return err
	}
	root.version = rec.Version
	root.persisted = true
	return nil
}
