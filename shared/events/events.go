package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payload is one variant of the event catalog. EventType is the discriminator written
// to the envelope and used to pick a decoder on the way back in.
type Payload interface {
	EventType() string
}

// Metadata is the lineage attached to an event when it is published.
type Metadata struct {
	CorrelationID string `json:"correlationId"`
	CausationID   string `json:"causationId,omitempty"`
	ActorID       string `json:"actorId,omitempty"`
}

// DomainEvent is an immutable fact. Construct it with NewEvent and derive copies with
// the With* methods; never mutate a published event.
type DomainEvent struct {
	EventID       uuid.UUID
	EventType     string
	AggregateID   string
	AggregateType string
	TenantID      string
	OccurredAt    time.Time
	Payload       Payload
	Metadata      *Metadata
}

func NewEvent(aggregateID string, aggregateType string, payload Payload) DomainEvent {
	ev := DomainEvent{
		EventID:       uuid.New(),
		AggregateID:   strings.TrimSpace(aggregateID),
		AggregateType: strings.TrimSpace(aggregateType),
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}
	if payload != nil {
		ev.EventType = payload.EventType()
	}
	return ev
}

// WithMetadata returns a copy carrying md. Metadata is attached once: an event that
// already has metadata is returned unchanged.
func WithMetadata(ev DomainEvent, md Metadata) DomainEvent {
	if ev.Metadata != nil {
		return ev
	}
	ev.Metadata = &md
	return ev
}

func (e DomainEvent) WithTenant(tenantID string) DomainEvent {
	e.TenantID = strings.TrimSpace(tenantID)
	return e
}

func (e DomainEvent) CorrelationID() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata.CorrelationID
}

func (e DomainEvent) CausationID() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata.CausationID
}

func (e DomainEvent) ActorID() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata.ActorID
}

const (
	AggregateTenant = "tenant"
	AggregateStock  = "stock"
)

const (
	StreamTenantLifecycle = "tenant-lifecycle-events"
	streamSuffix          = "-events"
)

// ServiceStream is the logical stream owned by one service.
func ServiceStream(service string) string {
	service = strings.TrimSpace(service)
	if strings.HasSuffix(service, streamSuffix) {
		return service
	}
	return service + streamSuffix
}

const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderTenantID      = "tenant_id"
	HeaderAggregateType = "aggregate_type"
	HeaderCorrelationID = "correlation_id"
	HeaderReplayOf      = "replay_of"
)
