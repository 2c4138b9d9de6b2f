package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all backends. Callers are expected to test
// with errors.Is rather than string matching.
var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional update loses its
	// compare-and-swap, or a unique constraint is violated.
	ErrConflict = errors.New("conflict")

	// ErrNoTransaction is returned by transactional operations invoked on
	// a store handle that is not bound to an open transaction. Appending
	// an outbox event outside the producer's transaction is a programming
	// error, not a runtime condition.
	ErrNoTransaction = errors.New("operation requires an open transaction")
)

// Store is the durable persistence contract for the engine. It is
// implemented by Postgres for production and Memory for tests.
//
// Methods documented as transactional must be called on the store view
// passed to the InTx closure; on the base handle they fail with
// ErrNoTransaction. This is how the engine upholds its core invariant:
// every domain write that needs downstream notification carries its
// outbox append in the same transaction.
type Store interface {
	// InTx runs fn inside a single database transaction. The Store passed
	// to fn is bound to that transaction; the transaction commits iff fn
	// returns nil.
	InTx(ctx context.Context, fn func(tx Store) error) error

	// --- Outbox operations ---

	// AppendOutboxEvent inserts a PENDING outbox row. Transactional.
	AppendOutboxEvent(ctx context.Context, ev *OutboxEvent) error

	// SelectDispatchableOutbox returns up to limit rows ready for
	// delivery (PENDING, or FAILED with retry_after elapsed), oldest
	// first, skipping any aggregate that still has an earlier
	// undelivered row in flight.
	SelectDispatchableOutbox(ctx context.Context, limit int, now time.Time) ([]*OutboxEvent, error)

	// MarkOutboxProcessing claims a row by CAS from expectedStatus to
	// PROCESSING, stamping claimed_at. Returns false when another worker
	// won the claim.
	MarkOutboxProcessing(ctx context.Context, id string, expectedStatus string) (bool, error)

	// ReclaimStuckOutbox returns PROCESSING rows whose claim is older
	// than stale to PENDING. Covers workers that crashed between the bus
	// ack and the completion write; resulting re-delivery is allowed by
	// the at-least-once contract.
	ReclaimStuckOutbox(ctx context.Context, now time.Time, stale time.Duration) (int64, error)

	// MarkOutboxCompleted transitions a PROCESSING row to COMPLETED and
	// stamps processed_at.
	MarkOutboxCompleted(ctx context.Context, id string, processedAt time.Time) error

	// MarkOutboxFailed records a delivery failure and schedules the retry.
	MarkOutboxFailed(ctx context.Context, id string, retryCount int, lastError string, retryAfter time.Time) error

	// MoveOutboxToDeadLetter copies an exhausted row into the dead-letter
	// table and deletes it from the outbox, atomically.
	MoveOutboxToDeadLetter(ctx context.Context, ev *OutboxEvent, failedAt time.Time) error

	// DeleteCompletedOutboxBefore garbage-collects delivered rows.
	DeleteCompletedOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// --- Dead-letter operations ---

	ListUnresolvedDeadLetters(ctx context.Context, limit int) ([]*DeadLetterEvent, error)
	ResolveDeadLetter(ctx context.Context, id string, status string, resolvedAt time.Time) error
	DeleteResolvedDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// --- Session operations ---

	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	GetSessionByRefreshHash(ctx context.Context, refreshHash string) (*Session, error)

	// FindReusedRefreshHash returns an active session whose
	// previous_refresh_token_hash equals hash, or ErrNotFound. A match is
	// the token-theft signal.
	FindReusedRefreshHash(ctx context.Context, hash string) (*Session, error)

	CountActiveSessions(ctx context.Context, accountID string, now time.Time) (int, error)

	// RotateSession atomically installs new token hashes, shifting the
	// old refresh hash into previous_refresh_token_hash. The update is
	// conditional on the old refresh hash still being current; a lost
	// race returns ErrConflict. Transactional.
	RotateSession(ctx context.Context, id, newTokenHash, newRefreshHash, oldRefreshHash string, expiresAt, now time.Time) error

	// RevokeSession deactivates one session. Transactional.
	RevokeSession(ctx context.Context, id, reason string, now time.Time) error

	// RevokeAllSessionsForAccount deactivates every active session of the
	// account in a single statement, optionally sparing excludeID.
	// Returns the affected sessions. Transactional.
	RevokeAllSessionsForAccount(ctx context.Context, accountID, excludeID, reason string, now time.Time) ([]*Session, error)

	// TouchSession updates last_activity_at. Missing sessions are a
	// silent no-op.
	TouchSession(ctx context.Context, id string, now time.Time) error

	// ExpireSessions deactivates active sessions past their expiry.
	ExpireSessions(ctx context.Context, now time.Time) (int64, error)

	// --- Directory lookups (accounts and devices live in the identity
	// service's tables; the engine only checks existence and ownership) ---

	AccountExists(ctx context.Context, accountID string) (bool, error)
	DeviceOwner(ctx context.Context, deviceID string) (string, error)

	// --- Revoked-token deny list ---

	InsertRevokedToken(ctx context.Context, tokenHash string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, tokenHash string) (bool, error)
	DeleteExpiredRevokedTokens(ctx context.Context, now time.Time) (int64, error)

	// --- Consents ---

	CreateConsent(ctx context.Context, c *Consent) error
	GetConsent(ctx context.Context, accountID, documentType string) (*Consent, error)
	UpdateConsentStatus(ctx context.Context, id, fromStatus, toStatus string, now time.Time) error
	ListConsentsExpiringWithin(ctx context.Context, now time.Time, horizon time.Duration, limit int) ([]*Consent, error)
	ListConsentsPastExpiry(ctx context.Context, now time.Time, limit int) ([]*Consent, error)

	// --- DSR requests ---

	CreateDSRRequest(ctx context.Context, r *DSRRequest) error
	GetDSRRequest(ctx context.Context, id string) (*DSRRequest, error)
	ListOpenDSRRequests(ctx context.Context, limit int) ([]*DSRRequest, error)

	// EscalateDSRRequest moves a request from one escalation level to a
	// strictly higher one by CAS; a lost race returns ErrConflict.
	// Transactional.
	EscalateDSRRequest(ctx context.Context, id, fromLevel, toLevel string) error

	// --- Saga audit records ---

	InsertSagaRecord(ctx context.Context, r *SagaRecord) error
	FinishSagaRecord(ctx context.Context, id, status, sagaErr string, completedAt time.Time) error
	TimeoutRunningSagas(ctx context.Context, now time.Time) (int64, error)
	DeleteFinishedSagasBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// --- Consumer idempotency keys ---

	// ClaimIdempotencyKey records key if unseen and reports whether this
	// caller claimed it. Re-processing a delivered event must be a no-op
	// on the consumer side; the claim is the durable half of that check.
	ClaimIdempotencyKey(ctx context.Context, key string, expiresAt time.Time) (bool, error)
	DeleteExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error)
}
