// Package outbox implements the transactional outbox: producers append
// events inside their own database transaction, and a relay worker
// publishes them to the bus with at-least-once semantics.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aurelia-id/coreplane/engine/ident"
	"github.com/aurelia-id/coreplane/engine/store"
)

// DefaultMaxRetries is the per-event delivery retry budget.
const DefaultMaxRetries = 5

// StaleClaimAge is how old a PROCESSING claim must be before another
// worker may assume its owner crashed and reclaim the row.
const StaleClaimAge = 5 * time.Minute

// Event is the producer-facing shape of a pending notification.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       any
}

// Append inserts the event as a PENDING outbox row using the caller's
// transaction. tx must be the store view passed into Store.InTx; calling
// Append with a non-transactional handle fails with ErrNoTransaction,
// because an outbox row outside the producer's transaction breaks the
// engine's one invariant.
func Append(ctx context.Context, tx store.Store, ev Event) error {
	if ev.AggregateType == "" || ev.AggregateID == "" || ev.EventType == "" {
		return fmt.Errorf("outbox: aggregate type, aggregate id, and event type are required")
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload for %s: %w", ev.EventType, err)
	}

	row := &store.OutboxEvent{
		ID:            ident.New(),
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		EventType:     ev.EventType,
		Payload:       payload,
		Status:        store.OutboxPending,
		MaxRetries:    DefaultMaxRetries,
		CreatedAt:     time.Now().UTC(),
	}
	return tx.AppendOutboxEvent(ctx, row)
}

// Topic maps an outbox row to its bus routing key:
// coreplane.events.{aggregateType}.{eventType}, lowercased.
func Topic(ev *store.OutboxEvent) string {
	return strings.ToLower("coreplane.events." + ev.AggregateType + "." + ev.EventType)
}
