package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/commodex/backoffice/internal/events"
)

// Status is the delivery state of an outbox record.
//
// Transitions: PENDING -> PROCESSING -> {PUBLISHED | PENDING (retry) | FAILED}.
// PUBLISHED and FAILED are terminal for the dispatcher; a FAILED row can only
// be reopened by an explicit operator replay.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusPublished  Status = "PUBLISHED"
	StatusFailed     Status = "FAILED"
)

const (
	// DefaultMaxRetries bounds delivery attempts before a record lands in FAILED.
	DefaultMaxRetries = 5

	// maxLastErrorLen caps the stored error text.
	maxLastErrorLen = 1000
)

// Record is one row of the outbox table: a durable intent-to-publish written
// in the same transaction as the business mutation that produced the event.
type Record struct {
	ID             uuid.UUID
	AggregateID    uuid.UUID
	AggregateType  string
	EventType      string
	Payload        json.RawMessage
	Metadata       pqtype.NullRawMessage
	Status         Status
	RetryCount     int
	MaxRetries     int
	NextRetryAt    *time.Time
	LastError      *string
	TopicName      string
	MessageID      *string
	IdempotencyKey *string
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	PublishedAt    *time.Time
}

// Envelope decodes the wire envelope stored in the record payload.
// A record whose payload does not decode is permanently undeliverable.
func (r *Record) Envelope() (*events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(r.Payload, &env); err != nil {
		return nil, fmt.Errorf("decode outbox payload: %w", err)
	}
	return &env, nil
}

// Resolution is the state a dispatched record transitions to at the end of a
// dispatch cycle. All resolutions for one batch are persisted in one transaction.
type Resolution struct {
	ID          uuid.UUID
	Status      Status
	RetryCount  int
	MessageID   string     // set when Status is PUBLISHED
	PublishedAt time.Time  // set when Status is PUBLISHED
	NextRetryAt *time.Time // set when Status is PENDING (retry)
	LastError   string     // set when Status is PENDING or FAILED
}

// truncateError bounds error text to what the last_error column holds.
func truncateError(msg string) string {
	if len(msg) > maxLastErrorLen {
		return msg[:maxLastErrorLen]
	}
	return msg
}
