package legal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aurelia-id/coreplane/engine/ident"
	"github.com/aurelia-id/coreplane/engine/outbox"
	"github.com/aurelia-id/coreplane/engine/store"
)

// DSR request types.
const (
	DSRAccess  = "ACCESS"
	DSRErasure = "ERASURE"
	DSRExport  = "EXPORT"
	DSRRectify = "RECTIFICATION"
)

// DefaultDSRDeadline is the statutory response window applied when a
// request is opened without an explicit due date.
const DefaultDSRDeadline = 30 * 24 * time.Hour

// DSRManager opens and resolves data-subject requests. Deadline
// escalation is driven by the reconciler, not by this manager.
type DSRManager struct {
	store  store.Store
	logger *slog.Logger

	now func() time.Time
}

// NewDSRManager builds a DSRManager.
func NewDSRManager(st store.Store, logger *slog.Logger) *DSRManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DSRManager{
		store:  st,
		logger: logger.With("component", "dsr"),
		now:    time.Now,
	}
}

// Open records a new data-subject request at escalation level NONE and
// emits DSR_OPENED in the same transaction. A zero dueDate gets the
// default statutory window.
func (m *DSRManager) Open(ctx context.Context, accountID, requestType string, dueDate time.Time) (*store.DSRRequest, error) {
	if accountID == "" || requestType == "" {
		return nil, fmt.Errorf("account id and request type are required")
	}
	now := m.now().UTC()
	if dueDate.IsZero() {
		dueDate = now.Add(DefaultDSRDeadline)
	}

	r := &store.DSRRequest{
		ID:              ident.New(),
		AccountID:       accountID,
		RequestType:     requestType,
		Status:          store.DSROpen,
		EscalationLevel: store.EscalationNone,
		DueDate:         dueDate,
		CreatedAt:       now,
	}

	err := m.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.CreateDSRRequest(ctx, r); err != nil {
			return fmt.Errorf("create dsr request: %w", err)
		}
		return outbox.Append(ctx, tx, outbox.Event{
			AggregateType: aggregateDSR,
			AggregateID:   r.ID,
			EventType:     EventDSROpened,
			Payload: map[string]any{
				"requestId":   r.ID,
				"accountId":   accountID,
				"requestType": requestType,
				"dueDate":     dueDate,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("dsr request opened",
		"request_id", r.ID, "account_id", accountID, "request_type", requestType, "due_date", dueDate)
	return r, nil
}
