package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMalformedEnvelope = errors.New("malformed event envelope")
	ErrUnknownEventType  = errors.New("unknown event type")
)

// Envelope is the wire form of a DomainEvent. Unknown fields are ignored on decode.
type Envelope struct {
	EventID       uuid.UUID       `json:"eventId"`
	EventType     string          `json:"eventType"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	TenantID      string          `json:"tenantId,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
}

func ToEnvelope(ev DomainEvent) (Envelope, error) {
	if ev.Payload == nil {
		return Envelope{}, fmt.Errorf("event %s has no payload", ev.EventID)
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", ev.EventType, err)
	}
	return Envelope{
		EventID:       ev.EventID,
		EventType:     ev.EventType,
		AggregateID:   ev.AggregateID,
		AggregateType: ev.AggregateType,
		TenantID:      ev.TenantID,
		OccurredAt:    ev.OccurredAt,
		Payload:       payload,
		Metadata:      ev.Metadata,
	}, nil
}

func Encode(ev DomainEvent) ([]byte, error) {
	env, err := ToEnvelope(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses the outer record only. Any parse failure or missing identity
// field is reported as ErrMalformedEnvelope, which callers treat as non-retryable.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	env.EventType = strings.TrimSpace(env.EventType)
	switch {
	case env.EventID == uuid.Nil:
		return env, fmt.Errorf("%w: missing eventId", ErrMalformedEnvelope)
	case env.EventType == "":
		return env, fmt.Errorf("%w: missing eventType", ErrMalformedEnvelope)
	case strings.TrimSpace(env.AggregateID) == "":
		return env, fmt.Errorf("%w: missing aggregateId", ErrMalformedEnvelope)
	case len(env.Payload) == 0:
		return env, fmt.Errorf("%w: missing payload", ErrMalformedEnvelope)
	}
	return env, nil
}

type Decoder func(json.RawMessage) (Payload, error)

// Registry maps event type discriminators to payload decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: map[string]Decoder{}}
}

func (r *Registry) Register(eventType string, dec Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[strings.TrimSpace(eventType)] = dec
}

func (r *Registry) Known(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[eventType]
	return ok
}

// RegisterJSON registers the plain JSON decoder for payload type T.
func RegisterJSON[T Payload](r *Registry) {
	var zero T
	r.Register(zero.EventType(), func(raw json.RawMessage) (Payload, error) {
		var p T
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Decode reads the discriminator and dispatches to the registered decoder. For an
// unregistered type the returned event still carries the envelope identity fields so
// the caller can log or dead-letter it.
func (r *Registry) Decode(raw []byte) (DomainEvent, error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return DomainEvent{}, err
	}
	ev := DomainEvent{
		EventID:       env.EventID,
		EventType:     env.EventType,
		AggregateID:   env.AggregateID,
		AggregateType: env.AggregateType,
		TenantID:      env.TenantID,
		OccurredAt:    env.OccurredAt,
		Metadata:      env.Metadata,
	}

	r.mu.RLock()
	dec, ok := r.decoders[env.EventType]
	r.mu.RUnlock()
	if !ok {
		return ev, fmt.Errorf("%w: %s", ErrUnknownEventType, env.EventType)
	}
	payload, err := dec(env.Payload)
	if err != nil {
		return ev, fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, env.EventType, err)
	}
	ev.Payload = payload
	return ev, nil
}
