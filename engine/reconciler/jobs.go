package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aurelia-id/coreplane/engine/cache"
	"github.com/aurelia-id/coreplane/engine/observability"
	"github.com/aurelia-id/coreplane/engine/outbox"
	"github.com/aurelia-id/coreplane/engine/store"
)

// Outbox event types emitted by reconciler jobs.
const (
	EventConsentExpiringSoon = "CONSENT_EXPIRING_SOON"
	EventConsentExpired      = "CONSENT_EXPIRED"
	EventDSRWarning          = "DSR_DEADLINE_WARNING"
	EventDSRCritical         = "DSR_DEADLINE_CRITICAL"
	EventDSROverdue          = "DSR_DEADLINE_OVERDUE"
)

// JobsConfig tunes schedules and retention windows. Zero values take the
// documented defaults.
type JobsConfig struct {
	SessionExpiryEvery  time.Duration // default 5m
	RevokedTokenGCEvery time.Duration // default 1h
	IdempotencyGCEvery  time.Duration // default 1h
	SagaTimeoutsEvery   time.Duration // default 5m
	DeadLetterGCEvery   time.Duration // default 24h
	OutboxGCEvery       time.Duration // default 1h
	ConsentExpiryEvery  time.Duration // default 1h
	DSRDeadlinesEvery   time.Duration // default 15m

	OutboxRetention     time.Duration // default 7 days
	DeadLetterRetention time.Duration // default 90 days
	SagaRetention       time.Duration // default 30 days
	ConsentWarnHorizon  time.Duration // default 30 days

	DSRWarningWindow  time.Duration // default 7 days
	DSRCriticalWindow time.Duration // default 2 days

	SweepBatchSize int // default 500
}

func (c *JobsConfig) applyDefaults() {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.SessionExpiryEvery, 5*time.Minute)
	def(&c.RevokedTokenGCEvery, time.Hour)
	def(&c.IdempotencyGCEvery, time.Hour)
	def(&c.SagaTimeoutsEvery, 5*time.Minute)
	def(&c.DeadLetterGCEvery, 24*time.Hour)
	def(&c.OutboxGCEvery, time.Hour)
	def(&c.ConsentExpiryEvery, time.Hour)
	def(&c.DSRDeadlinesEvery, 15*time.Minute)
	def(&c.OutboxRetention, 7*24*time.Hour)
	def(&c.DeadLetterRetention, 90*24*time.Hour)
	def(&c.SagaRetention, 30*24*time.Hour)
	def(&c.ConsentWarnHorizon, 30*24*time.Hour)
	def(&c.DSRWarningWindow, 7*24*time.Hour)
	def(&c.DSRCriticalWindow, 2*24*time.Hour)
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 500
	}
}

// jobs bundles the dependencies every sweep shares.
type jobs struct {
	store  store.Store
	cache  *cache.Cache
	cfg    JobsConfig
	logger *slog.Logger
	now    func() time.Time
}

// Jobs builds the full maintenance schedule. cache may be nil.
func Jobs(st store.Store, c *cache.Cache, cfg JobsConfig, logger *slog.Logger) []Job {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	j := &jobs{store: st, cache: c, cfg: cfg, logger: logger, now: time.Now}

	return []Job{
		{Name: "expire-sessions", Every: cfg.SessionExpiryEvery, Run: j.expireSessions},
		{Name: "gc-revoked-tokens", Every: cfg.RevokedTokenGCEvery, Run: j.gcRevokedTokens},
		{Name: "gc-idempotency", Every: cfg.IdempotencyGCEvery, Run: j.gcIdempotency},
		{Name: "saga-timeouts", Every: cfg.SagaTimeoutsEvery, Run: j.sagaTimeouts},
		{Name: "gc-dead-letters", Every: cfg.DeadLetterGCEvery, Run: j.gcDeadLetters},
		{Name: "gc-outbox", Every: cfg.OutboxGCEvery, Run: j.gcOutbox},
		{Name: "consent-expiry", Every: cfg.ConsentExpiryEvery, Run: j.consentExpiry},
		{Name: "dsr-deadlines", Every: cfg.DSRDeadlinesEvery, Run: j.dsrDeadlines},
	}
}

// expireSessions deactivates sessions past expires_at. Their tokens are
// not deny-listed: validation already rejects them on the expiry check.
func (j *jobs) expireSessions(ctx context.Context) (int64, error) {
	n, err := j.store.ExpireSessions(ctx, j.now().UTC())
	if err != nil {
		return 0, err
	}
	observability.ReconcilerRows.WithLabelValues("expire-sessions", "expired").Add(float64(n))
	return n, nil
}

func (j *jobs) gcRevokedTokens(ctx context.Context) (int64, error) {
	n, err := j.store.DeleteExpiredRevokedTokens(ctx, j.now().UTC())
	if err != nil {
		return 0, err
	}
	observability.ReconcilerRows.WithLabelValues("gc-revoked-tokens", "deleted").Add(float64(n))
	return n, nil
}

func (j *jobs) gcIdempotency(ctx context.Context) (int64, error) {
	n, err := j.store.DeleteExpiredIdempotencyKeys(ctx, j.now().UTC())
	if err != nil {
		return 0, err
	}
	observability.ReconcilerRows.WithLabelValues("gc-idempotency", "deleted").Add(float64(n))
	return n, nil
}

// sagaTimeouts marks RUNNING saga records whose timeout passed as
// TIMED_OUT. These are sagas whose orchestrator died mid-flight; a live
// orchestrator finishes its record first and the status guard in the
// update leaves finished records alone. Finished records past the
// retention window are dropped in the same pass.
func (j *jobs) sagaTimeouts(ctx context.Context) (int64, error) {
	now := j.now().UTC()
	n, err := j.store.TimeoutRunningSagas(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Warn("abandoned sagas timed out", "count", n)
	}
	observability.ReconcilerRows.WithLabelValues("saga-timeouts", "timed_out").Add(float64(n))

	deleted, err := j.store.DeleteFinishedSagasBefore(ctx, now.Add(-j.cfg.SagaRetention))
	if err != nil {
		return n, err
	}
	observability.ReconcilerRows.WithLabelValues("saga-timeouts", "deleted").Add(float64(deleted))
	return n + deleted, nil
}

func (j *jobs) gcDeadLetters(ctx context.Context) (int64, error) {
	cutoff := j.now().UTC().Add(-j.cfg.DeadLetterRetention)
	n, err := j.store.DeleteResolvedDeadLettersBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	observability.ReconcilerRows.WithLabelValues("gc-dead-letters", "deleted").Add(float64(n))
	return n, nil
}

// gcOutbox deletes delivered rows past retention and, in the same sweep,
// requeues PROCESSING rows whose worker went away mid-claim.
func (j *jobs) gcOutbox(ctx context.Context) (int64, error) {
	now := j.now().UTC()

	deleted, err := j.store.DeleteCompletedOutboxBefore(ctx, now.Add(-j.cfg.OutboxRetention))
	if err != nil {
		return 0, err
	}
	observability.ReconcilerRows.WithLabelValues("gc-outbox", "deleted").Add(float64(deleted))

	reclaimed, err := j.store.ReclaimStuckOutbox(ctx, now, outbox.StaleClaimAge)
	if err != nil {
		return deleted, err
	}
	if reclaimed > 0 {
		j.logger.Warn("stuck outbox claims reclaimed", "count", reclaimed)
	}
	observability.ReconcilerRows.WithLabelValues("gc-outbox", "reclaimed").Add(float64(reclaimed))

	return deleted + reclaimed, nil
}

// consentExpiry walks consents in two passes: those already past their
// deadline become EXPIRED, and ACTIVE consents inside the warning horizon
// become EXPIRING. Each row transitions in its own transaction together
// with its event; a lost CAS means another instance handled the row.
func (j *jobs) consentExpiry(ctx context.Context) (int64, error) {
	now := j.now().UTC()
	var total int64

	expired, err := j.store.ListConsentsPastExpiry(ctx, now, j.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}
	for _, c := range expired {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if err := j.transitionConsent(ctx, c, store.ConsentExpired, EventConsentExpired, now); err != nil {
			j.logger.Error("consent expiry failed", "consent_id", c.ID, "error", err)
			continue
		}
		if j.cache != nil {
			if err := j.cache.InvalidateConsent(ctx, c.AccountID, c.DocumentType); err != nil {
				j.logger.Warn("consent cache invalidation failed", "consent_id", c.ID, "error", err)
			}
		}
		observability.ReconcilerRows.WithLabelValues("consent-expiry", "expired").Inc()
		total++
	}

	expiring, err := j.store.ListConsentsExpiringWithin(ctx, now, j.cfg.ConsentWarnHorizon, j.cfg.SweepBatchSize)
	if err != nil {
		return total, err
	}
	for _, c := range expiring {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if c.Status != store.ConsentActive {
			continue
		}
		if err := j.transitionConsent(ctx, c, store.ConsentExpiring, EventConsentExpiringSoon, now); err != nil {
			j.logger.Error("consent warning failed", "consent_id", c.ID, "error", err)
			continue
		}
		observability.ReconcilerRows.WithLabelValues("consent-expiry", "warned").Inc()
		total++
	}

	return total, nil
}

func (j *jobs) transitionConsent(ctx context.Context, c *store.Consent, toStatus, eventType string, now time.Time) error {
	err := j.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateConsentStatus(ctx, c.ID, c.Status, toStatus, now); err != nil {
			return err
		}
		return outbox.Append(ctx, tx, outbox.Event{
			AggregateType: "consent",
			AggregateID:   c.ID,
			EventType:     eventType,
			Payload: map[string]any{
				"consentId":    c.ID,
				"accountId":    c.AccountID,
				"documentType": c.DocumentType,
				"expiresAt":    c.ExpiresAt,
			},
		})
	})
	if errors.Is(err, store.ErrConflict) {
		// Another instance moved the row first.
		return nil
	}
	return err
}

// dsrDeadlines escalates open requests as their due date approaches:
// WARNING inside the warning window, CRITICAL inside the critical window,
// OVERDUE past the due date. Levels only ever move up, and each step
// emits its own event in the row's transaction.
func (j *jobs) dsrDeadlines(ctx context.Context) (int64, error) {
	now := j.now().UTC()

	open, err := j.store.ListOpenDSRRequests(ctx, j.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, r := range open {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		target, eventType := j.targetEscalation(r.DueDate, now)
		if !store.EscalationAbove(target, r.EscalationLevel) {
			continue
		}
		if err := j.escalate(ctx, r, target, eventType, now); err != nil {
			j.logger.Error("dsr escalation failed", "request_id", r.ID, "error", err)
			continue
		}
		j.logger.Warn("dsr request escalated",
			"request_id", r.ID, "account_id", r.AccountID, "level", target, "due_date", r.DueDate)
		observability.ReconcilerRows.WithLabelValues("dsr-deadlines", "escalated").Inc()
		total++
	}
	return total, nil
}

func (j *jobs) targetEscalation(dueDate, now time.Time) (level, eventType string) {
	switch {
	case !now.Before(dueDate):
		return store.EscalationOverdue, EventDSROverdue
	case !dueDate.After(now.Add(j.cfg.DSRCriticalWindow)):
		return store.EscalationCritical, EventDSRCritical
	case !dueDate.After(now.Add(j.cfg.DSRWarningWindow)):
		return store.EscalationWarning, EventDSRWarning
	default:
		return store.EscalationNone, ""
	}
}

func (j *jobs) escalate(ctx context.Context, r *store.DSRRequest, target, eventType string, now time.Time) error {
	err := j.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.EscalateDSRRequest(ctx, r.ID, r.EscalationLevel, target); err != nil {
			return err
		}
		return outbox.Append(ctx, tx, outbox.Event{
			AggregateType: "dsr_request",
			AggregateID:   r.ID,
			EventType:     eventType,
			Payload: map[string]any{
				"requestId":       r.ID,
				"accountId":       r.AccountID,
				"requestType":     r.RequestType,
				"dueDate":         r.DueDate,
				"escalationLevel": target,
				"escalatedAt":     now,
			},
		})
	})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("escalate to %s: %w", target, err)
	}
	return nil
}
