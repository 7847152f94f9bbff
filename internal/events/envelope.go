package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrMissingField is returned by Validate when a required envelope field is absent.
var ErrMissingField = fmt.Errorf("missing required envelope field")

// Envelope is the wire form of a domain event. It is constructed once,
// serialized into the outbox payload, and published verbatim to the broker.
// Consumers de-duplicate by ID since delivery is at-least-once.
type Envelope struct {
	ID             uuid.UUID       `json:"id"`
	EventType      string          `json:"event_type"`
	Timestamp      time.Time       `json:"timestamp"`
	Version        int             `json:"version"`
	AggregateID    uuid.UUID       `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	UserID         string          `json:"user_id,omitempty"`
	OrganizationID string          `json:"organization_id,omitempty"`
	Data           json.RawMessage `json:"data"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Priority       Priority        `json:"priority"`
}

// EnvelopeOption customizes an envelope at construction time.
type EnvelopeOption func(*Envelope)

// WithUser attributes the event to a user, enabling per-user stream routing.
func WithUser(userID string) EnvelopeOption {
	return func(e *Envelope) { e.UserID = userID }
}

// WithOrganization attributes the event to an organization.
func WithOrganization(orgID string) EnvelopeOption {
	return func(e *Envelope) { e.OrganizationID = orgID }
}

// WithMetadata attaches opaque metadata carried alongside the payload.
func WithMetadata(metadata json.RawMessage) EnvelopeOption {
	return func(e *Envelope) { e.Metadata = metadata }
}

// WithVersion overrides the payload schema version (default CurrentSchemaVersion).
func WithVersion(v int) EnvelopeOption {
	return func(e *Envelope) { e.Version = v }
}

// WithPriority overrides the priority derived from the event category.
func WithPriority(p Priority) EnvelopeOption {
	return func(e *Envelope) { e.Priority = p }
}

// NewEnvelope builds an immutable event envelope. The event id, timestamp,
// schema version and category-derived priority are assigned here.
func NewEnvelope(eventType, aggregateType string, aggregateID uuid.UUID, data json.RawMessage, opts ...EnvelopeOption) *Envelope {
	env := &Envelope{
		ID:            uuid.New(),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		Version:       CurrentSchemaVersion,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Data:          data,
		Priority:      CategoryOf(eventType).Priority(),
	}
	for _, opt := range opts {
		opt(env)
	}
	return env
}

// Validate checks the fields every envelope must carry before it may be emitted.
func (e *Envelope) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("%w: event_type", ErrMissingField)
	}
	if e.AggregateType == "" {
		return fmt.Errorf("%w: aggregate_type", ErrMissingField)
	}
	if e.AggregateID == uuid.Nil {
		return fmt.Errorf("%w: aggregate_id", ErrMissingField)
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: data", ErrMissingField)
	}
	return nil
}

// TopicForEventType resolves the default broker topic for an event type:
// the segment before the first dot, suffixed with "-events".
// "trade.created" resolves to "trade-events".
func TopicForEventType(eventType string) string {
	prefix := eventType
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		prefix = eventType[:i]
	}
	return prefix + "-events"
}
