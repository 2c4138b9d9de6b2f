// Package bus abstracts the downstream message broker. The outbox relay is
// the only producer; consumers are external pipelines (audit, telemetry,
// notification fan-out).
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope is the wire format for every published event. ID is the exact
// outbox event ID and doubles as the consumer-side idempotency key.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     string          `json:"eventType"`
	OccurredAt    time.Time       `json:"occurredAt"`
	SchemaVersion int             `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload"`
}

// SchemaVersion is the current envelope schema version.
const SchemaVersion = 1

// Publisher delivers envelopes to the message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *Envelope) error
	Close() error
}
