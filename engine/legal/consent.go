// Package legal manages consent grants and data-subject requests: the two
// record types whose deadlines the reconciler enforces.
package legal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aurelia-id/coreplane/engine/cache"
	"github.com/aurelia-id/coreplane/engine/ident"
	"github.com/aurelia-id/coreplane/engine/outbox"
	"github.com/aurelia-id/coreplane/engine/store"
)

// Outbox event types emitted by this package.
const (
	EventConsentGranted = "CONSENT_GRANTED"
	EventConsentRevoked = "CONSENT_REVOKED"
	EventDSROpened      = "DSR_OPENED"

	aggregateConsent = "consent"
	aggregateDSR     = "dsr_request"
)

// ConsentCache is the slice of the cache consent decisions go through.
type ConsentCache interface {
	GetConsentFlag(ctx context.Context, accountID, documentType string) (granted, ok bool, err error)
	SetConsentFlag(ctx context.Context, accountID, documentType string, granted bool) error
	InvalidateConsent(ctx context.Context, accountID, documentType string) error
}

var _ ConsentCache = (*cache.Cache)(nil)

// ConsentManager owns consent grants. The cache is optional and only ever
// denies fast: a cached grant still round-trips to the store, so a missed
// invalidation cannot keep granting a revoked consent.
type ConsentManager struct {
	store  store.Store
	cache  ConsentCache
	logger *slog.Logger

	now func() time.Time
}

// NewConsentManager builds a ConsentManager. cache may be nil.
func NewConsentManager(st store.Store, c ConsentCache, logger *slog.Logger) *ConsentManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsentManager{
		store:  st,
		cache:  c,
		logger: logger.With("component", "consent"),
		now:    time.Now,
	}
}

// Grant records consent for a document type. expiresAt may be nil for
// consents without a deadline. The consent row and its CONSENT_GRANTED
// event commit together.
func (m *ConsentManager) Grant(ctx context.Context, accountID, documentType string, expiresAt *time.Time) (*store.Consent, error) {
	if accountID == "" || documentType == "" {
		return nil, fmt.Errorf("account id and document type are required")
	}
	now := m.now().UTC()

	c := &store.Consent{
		ID:           ident.New(),
		AccountID:    accountID,
		DocumentType: documentType,
		Status:       store.ConsentActive,
		GrantedAt:    now,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
	}

	err := m.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.CreateConsent(ctx, c); err != nil {
			return fmt.Errorf("create consent: %w", err)
		}
		return outbox.Append(ctx, tx, outbox.Event{
			AggregateType: aggregateConsent,
			AggregateID:   c.ID,
			EventType:     EventConsentGranted,
			Payload: map[string]any{
				"consentId":    c.ID,
				"accountId":    accountID,
				"documentType": documentType,
				"grantedAt":    now,
				"expiresAt":    expiresAt,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if m.cache != nil {
		if err := m.cache.SetConsentFlag(ctx, accountID, documentType, true); err != nil {
			m.logger.Warn("consent cache write failed", "account_id", accountID, "error", err)
		}
	}
	m.logger.Info("consent granted", "consent_id", c.ID, "account_id", accountID, "document_type", documentType)
	return c, nil
}

// Check reports whether the account holds an unexpired consent for the
// given document type. Only a cached negative is served directly; a
// cached positive still verifies against the store, so a stale cache can
// deny but never grant.
func (m *ConsentManager) Check(ctx context.Context, accountID, documentType string) (bool, error) {
	if m.cache != nil {
		granted, ok, err := m.cache.GetConsentFlag(ctx, accountID, documentType)
		if err != nil {
			m.logger.Warn("consent cache read failed, falling through", "error", err)
		} else if ok && !granted {
			return false, nil
		}
	}

	granted, err := m.checkStore(ctx, accountID, documentType)
	if err != nil {
		return false, err
	}

	if m.cache != nil {
		if err := m.cache.SetConsentFlag(ctx, accountID, documentType, granted); err != nil {
			m.logger.Warn("consent cache write failed", "error", err)
		}
	}
	return granted, nil
}

func (m *ConsentManager) checkStore(ctx context.Context, accountID, documentType string) (bool, error) {
	c, err := m.store.GetConsent(ctx, accountID, documentType)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup consent: %w", err)
	}
	if c.Status != store.ConsentActive && c.Status != store.ConsentExpiring {
		return false, nil
	}
	if c.ExpiresAt != nil && !m.now().UTC().Before(*c.ExpiresAt) {
		return false, nil
	}
	return true, nil
}

// Revoke withdraws an active consent and invalidates the cache. Revoking
// a consent that is already expired or revoked returns ErrConflict.
func (m *ConsentManager) Revoke(ctx context.Context, accountID, documentType string) error {
	now := m.now().UTC()

	c, err := m.store.GetConsent(ctx, accountID, documentType)
	if err != nil {
		return fmt.Errorf("lookup consent: %w", err)
	}

	fromStatus := c.Status
	if fromStatus != store.ConsentActive && fromStatus != store.ConsentExpiring {
		return fmt.Errorf("consent %s is %s: %w", c.ID, fromStatus, store.ErrConflict)
	}

	err = m.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateConsentStatus(ctx, c.ID, fromStatus, store.ConsentRevoked, now); err != nil {
			return fmt.Errorf("revoke consent: %w", err)
		}
		return outbox.Append(ctx, tx, outbox.Event{
			AggregateType: aggregateConsent,
			AggregateID:   c.ID,
			EventType:     EventConsentRevoked,
			Payload: map[string]any{
				"consentId":    c.ID,
				"accountId":    accountID,
				"documentType": documentType,
				"revokedAt":    now,
			},
		})
	})
	if err != nil {
		return err
	}

	if m.cache != nil {
		if err := m.cache.InvalidateConsent(ctx, accountID, documentType); err != nil {
			m.logger.Warn("consent cache invalidation failed", "account_id", accountID, "error", err)
		}
	}
	m.logger.Info("consent revoked", "consent_id", c.ID, "account_id", accountID, "document_type", documentType)
	return nil
}
