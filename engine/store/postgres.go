package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so the
// same query methods serve both the base store and its transactional view.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool, q: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// InTx runs fn inside a single transaction. fn receives a store view bound
// to that transaction; transactional methods are only valid on that view.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		// Nested InTx reuses the surrounding transaction.
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	view := &PostgresStore{pool: s.pool, q: tx, inTx: true}
	if err := fn(view); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// --- Outbox Operations ---

func (s *PostgresStore) AppendOutboxEvent(ctx context.Context, ev *OutboxEvent) error {
	if !s.inTx {
		return ErrNoTransaction
	}
	query := `
		INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, status, retry_count, max_retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.q.Exec(ctx, query,
		ev.ID, ev.AggregateType, ev.AggregateID, ev.EventType, ev.Payload,
		ev.Status, ev.RetryCount, ev.MaxRetries, ev.CreatedAt,
	)
	return err
}

func (s *PostgresStore) SelectDispatchableOutbox(ctx context.Context, limit int, now time.Time) ([]*OutboxEvent, error) {
	// Only the head of each aggregate's queue is dispatchable: any earlier
	// undelivered row blocks the ones behind it, so delivery within an
	// aggregate is FIFO even when a mid-batch failure schedules a retry.
	// Dead-lettered rows leave the table and stop blocking.
	query := `
		SELECT o.id, o.aggregate_type, o.aggregate_id, o.event_type, o.payload, o.status,
		       o.retry_count, o.max_retries, o.last_error, o.processed_at, o.retry_after, o.created_at
		FROM outbox_events o
		WHERE (o.status = 'PENDING' OR (o.status = 'FAILED' AND o.retry_after <= $1))
		  AND NOT EXISTS (
			SELECT 1 FROM outbox_events b
			WHERE b.aggregate_type = o.aggregate_type
			  AND b.aggregate_id = o.aggregate_id
			  AND (b.created_at, b.id) < (o.created_at, o.id)
			  AND b.status <> 'COMPLETED'
		  )
		ORDER BY o.created_at ASC, o.id ASC
		LIMIT $2
	`
	rows, err := s.q.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var ev OutboxEvent
		var lastError *string
		if err := rows.Scan(
			&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.EventType, &ev.Payload, &ev.Status,
			&ev.RetryCount, &ev.MaxRetries, &lastError, &ev.ProcessedAt, &ev.RetryAfter, &ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		if lastError != nil {
			ev.LastError = *lastError
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) MarkOutboxProcessing(ctx context.Context, id string, expectedStatus string) (bool, error) {
	query := `UPDATE outbox_events SET status = 'PROCESSING', claimed_at = NOW() WHERE id = $1 AND status = $2`
	tag, err := s.q.Exec(ctx, query, id, expectedStatus)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReclaimStuckOutbox(ctx context.Context, now time.Time, stale time.Duration) (int64, error) {
	query := `
		UPDATE outbox_events SET status = 'PENDING', claimed_at = NULL
		WHERE status = 'PROCESSING' AND claimed_at < $1
	`
	tag, err := s.q.Exec(ctx, query, now.Add(-stale))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) MarkOutboxCompleted(ctx context.Context, id string, processedAt time.Time) error {
	query := `UPDATE outbox_events SET status = 'COMPLETED', processed_at = $2 WHERE id = $1 AND status = 'PROCESSING'`
	tag, err := s.q.Exec(ctx, query, id, processedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) MarkOutboxFailed(ctx context.Context, id string, retryCount int, lastError string, retryAfter time.Time) error {
	query := `
		UPDATE outbox_events
		SET status = 'FAILED', retry_count = $2, last_error = $3, retry_after = $4
		WHERE id = $1 AND status = 'PROCESSING'
	`
	tag, err := s.q.Exec(ctx, query, id, retryCount, lastError, retryAfter)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) MoveOutboxToDeadLetter(ctx context.Context, ev *OutboxEvent, failedAt time.Time) error {
	return s.InTx(ctx, func(tx Store) error {
		p := tx.(*PostgresStore)
		insert := `
			INSERT INTO dead_letter_events
				(id, original_outbox_id, aggregate_type, aggregate_id, event_type, payload, last_error, retry_count, status, first_failed_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'UNRESOLVED', $9, $10)
		`
		if _, err := p.q.Exec(ctx, insert,
			ev.ID, ev.ID, ev.AggregateType, ev.AggregateID, ev.EventType, ev.Payload,
			ev.LastError, ev.RetryCount, failedAt, failedAt,
		); err != nil {
			return err
		}
		_, err := p.q.Exec(ctx, `DELETE FROM outbox_events WHERE id = $1`, ev.ID)
		return err
	})
}

func (s *PostgresStore) DeleteCompletedOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx,
		`DELETE FROM outbox_events WHERE status = 'COMPLETED' AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Dead-letter Operations ---

func (s *PostgresStore) ListUnresolvedDeadLetters(ctx context.Context, limit int) ([]*DeadLetterEvent, error) {
	query := `
		SELECT id, original_outbox_id, aggregate_type, aggregate_id, event_type, payload,
		       last_error, retry_count, status, first_failed_at, resolved_at, created_at
		FROM dead_letter_events
		WHERE status = 'UNRESOLVED'
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := s.q.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeadLetterEvent
	for rows.Next() {
		var d DeadLetterEvent
		if err := rows.Scan(
			&d.ID, &d.OriginalOutboxID, &d.AggregateType, &d.AggregateID, &d.EventType, &d.Payload,
			&d.LastError, &d.RetryCount, &d.Status, &d.FirstFailedAt, &d.ResolvedAt, &d.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResolveDeadLetter(ctx context.Context, id string, status string, resolvedAt time.Time) error {
	query := `UPDATE dead_letter_events SET status = $2, resolved_at = $3 WHERE id = $1 AND status = 'UNRESOLVED'`
	tag, err := s.q.Exec(ctx, query, id, status, resolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteResolvedDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx,
		`DELETE FROM dead_letter_events WHERE status IN ('RESOLVED', 'IGNORED') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Session Operations ---

const sessionColumns = `id, account_id, device_id, token_hash, refresh_token_hash, previous_refresh_token_hash,
	ip_address, user_agent, expires_at, is_active, revoked_at, revoked_reason, last_activity_at, created_at`

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	var deviceID, prevHash, ipAddress, userAgent, revokedReason *string
	err := row.Scan(
		&sess.ID, &sess.AccountID, &deviceID, &sess.TokenHash, &sess.RefreshTokenHash, &prevHash,
		&ipAddress, &userAgent, &sess.ExpiresAt, &sess.IsActive, &sess.RevokedAt, &revokedReason,
		&sess.LastActivityAt, &sess.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if deviceID != nil {
		sess.DeviceID = *deviceID
	}
	if prevHash != nil {
		sess.PreviousRefreshTokenHash = *prevHash
	}
	if ipAddress != nil {
		sess.IPAddress = *ipAddress
	}
	if userAgent != nil {
		sess.UserAgent = *userAgent
	}
	if revokedReason != nil {
		sess.RevokedReason = *revokedReason
	}
	return &sess, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, NULLIF($12, ''), $13, $14)
	`
	_, err := s.q.Exec(ctx, query,
		sess.ID, sess.AccountID, sess.DeviceID, sess.TokenHash, sess.RefreshTokenHash,
		sess.PreviousRefreshTokenHash, sess.IPAddress, sess.UserAgent, sess.ExpiresAt,
		sess.IsActive, sess.RevokedAt, sess.RevokedReason, sess.LastActivityAt, sess.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSession(s.q.QueryRow(ctx, query, id))
}

func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token_hash = $1`
	return scanSession(s.q.QueryRow(ctx, query, tokenHash))
}

func (s *PostgresStore) GetSessionByRefreshHash(ctx context.Context, refreshHash string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE refresh_token_hash = $1`
	return scanSession(s.q.QueryRow(ctx, query, refreshHash))
}

func (s *PostgresStore) FindReusedRefreshHash(ctx context.Context, hash string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE previous_refresh_token_hash = $1 AND is_active = TRUE`
	return scanSession(s.q.QueryRow(ctx, query, hash))
}

func (s *PostgresStore) CountActiveSessions(ctx context.Context, accountID string, now time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE account_id = $1 AND is_active = TRUE AND expires_at > $2`
	var count int
	if err := s.q.QueryRow(ctx, query, accountID, now).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) RotateSession(ctx context.Context, id, newTokenHash, newRefreshHash, oldRefreshHash string, expiresAt, now time.Time) error {
	if !s.inTx {
		return ErrNoTransaction
	}
	// Conditional on the old refresh hash still being current: a
	// concurrent refresh of the same session loses here instead of
	// double-rotating.
	query := `
		UPDATE sessions
		SET token_hash = $2, refresh_token_hash = $3, previous_refresh_token_hash = $4,
		    expires_at = $5, last_activity_at = $6
		WHERE id = $1 AND refresh_token_hash = $4 AND is_active = TRUE
	`
	tag, err := s.q.Exec(ctx, query, id, newTokenHash, newRefreshHash, oldRefreshHash, expiresAt, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) RevokeSession(ctx context.Context, id, reason string, now time.Time) error {
	if !s.inTx {
		return ErrNoTransaction
	}
	query := `
		UPDATE sessions SET is_active = FALSE, revoked_at = $2, revoked_reason = $3
		WHERE id = $1 AND is_active = TRUE
	`
	tag, err := s.q.Exec(ctx, query, id, now, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RevokeAllSessionsForAccount(ctx context.Context, accountID, excludeID, reason string, now time.Time) ([]*Session, error) {
	if !s.inTx {
		return nil, ErrNoTransaction
	}
	query := `
		UPDATE sessions SET is_active = FALSE, revoked_at = $2, revoked_reason = $3
		WHERE account_id = $1 AND is_active = TRUE AND ($4 = '' OR id <> $4)
		RETURNING ` + sessionColumns
	rows, err := s.q.Query(ctx, query, accountID, now, reason, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revoked []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		revoked = append(revoked, sess)
	}
	return revoked, rows.Err()
}

func (s *PostgresStore) TouchSession(ctx context.Context, id string, now time.Time) error {
	// Missing sessions are a deliberate no-op: touch runs on hot paths
	// that must not fail auth.
	_, err := s.q.Exec(ctx, `UPDATE sessions SET last_activity_at = $2 WHERE id = $1`, id, now)
	return err
}

func (s *PostgresStore) ExpireSessions(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE sessions SET is_active = FALSE, revoked_at = $1, revoked_reason = 'expired'
		WHERE is_active = TRUE AND expires_at < $1
	`
	tag, err := s.q.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Directory Lookups ---

func (s *PostgresStore) AccountExists(ctx context.Context, accountID string) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) DeviceOwner(ctx context.Context, deviceID string) (string, error) {
	var owner string
	err := s.q.QueryRow(ctx, `SELECT account_id FROM devices WHERE id = $1`, deviceID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return owner, err
}

// --- Revoked-token Deny List ---

func (s *PostgresStore) InsertRevokedToken(ctx context.Context, tokenHash string, expiresAt time.Time) error {
	if !s.inTx {
		return ErrNoTransaction
	}
	query := `
		INSERT INTO revoked_tokens (token_hash, expires_at, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (token_hash) DO NOTHING
	`
	_, err := s.q.Exec(ctx, query, tokenHash, expiresAt)
	return err
}

func (s *PostgresStore) IsTokenRevoked(ctx context.Context, tokenHash string) (bool, error) {
	var revoked bool
	err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token_hash = $1)`, tokenHash).Scan(&revoked)
	return revoked, err
}

func (s *PostgresStore) DeleteExpiredRevokedTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM revoked_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Consents ---

const consentColumns = `id, account_id, document_type, status, granted_at, expires_at, revoked_at, created_at`

func scanConsent(row pgx.Row) (*Consent, error) {
	var c Consent
	err := row.Scan(&c.ID, &c.AccountID, &c.DocumentType, &c.Status, &c.GrantedAt, &c.ExpiresAt, &c.RevokedAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateConsent(ctx context.Context, c *Consent) error {
	query := `
		INSERT INTO consents (` + consentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, document_type) DO UPDATE SET
			status = EXCLUDED.status,
			granted_at = EXCLUDED.granted_at,
			expires_at = EXCLUDED.expires_at,
			revoked_at = NULL
	`
	_, err := s.q.Exec(ctx, query,
		c.ID, c.AccountID, c.DocumentType, c.Status, c.GrantedAt, c.ExpiresAt, c.RevokedAt, c.CreatedAt)
	return err
}

func (s *PostgresStore) GetConsent(ctx context.Context, accountID, documentType string) (*Consent, error) {
	query := `SELECT ` + consentColumns + ` FROM consents WHERE account_id = $1 AND document_type = $2`
	return scanConsent(s.q.QueryRow(ctx, query, accountID, documentType))
}

func (s *PostgresStore) UpdateConsentStatus(ctx context.Context, id, fromStatus, toStatus string, now time.Time) error {
	if !s.inTx {
		return ErrNoTransaction
	}
	var revokedAt any
	if toStatus == ConsentRevoked {
		revokedAt = now
	}
	query := `UPDATE consents SET status = $3, revoked_at = COALESCE($4, revoked_at) WHERE id = $1 AND status = $2`
	tag, err := s.q.Exec(ctx, query, id, fromStatus, toStatus, revokedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListConsentsExpiringWithin(ctx context.Context, now time.Time, horizon time.Duration, limit int) ([]*Consent, error) {
	query := `
		SELECT ` + consentColumns + ` FROM consents
		WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at > $1 AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3
	`
	return s.queryConsents(ctx, query, now, now.Add(horizon), limit)
}

func (s *PostgresStore) ListConsentsPastExpiry(ctx context.Context, now time.Time, limit int) ([]*Consent, error) {
	query := `
		SELECT ` + consentColumns + ` FROM consents
		WHERE status IN ('ACTIVE', 'EXPIRING') AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`
	return s.queryConsents(ctx, query, now, limit)
}

func (s *PostgresStore) queryConsents(ctx context.Context, query string, args ...any) ([]*Consent, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Consent
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- DSR Requests ---

const dsrColumns = `id, account_id, request_type, status, escalation_level, due_date, completed_at, created_at`

func scanDSR(row pgx.Row) (*DSRRequest, error) {
	var r DSRRequest
	err := row.Scan(&r.ID, &r.AccountID, &r.RequestType, &r.Status, &r.EscalationLevel, &r.DueDate, &r.CompletedAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateDSRRequest(ctx context.Context, r *DSRRequest) error {
	query := `INSERT INTO dsr_requests (` + dsrColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.q.Exec(ctx, query,
		r.ID, r.AccountID, r.RequestType, r.Status, r.EscalationLevel, r.DueDate, r.CompletedAt, r.CreatedAt)
	return err
}

func (s *PostgresStore) GetDSRRequest(ctx context.Context, id string) (*DSRRequest, error) {
	query := `SELECT ` + dsrColumns + ` FROM dsr_requests WHERE id = $1`
	return scanDSR(s.q.QueryRow(ctx, query, id))
}

func (s *PostgresStore) ListOpenDSRRequests(ctx context.Context, limit int) ([]*DSRRequest, error) {
	query := `
		SELECT ` + dsrColumns + ` FROM dsr_requests
		WHERE status IN ('OPEN', 'IN_PROGRESS')
		ORDER BY due_date ASC
		LIMIT $1
	`
	rows, err := s.q.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DSRRequest
	for rows.Next() {
		r, err := scanDSR(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EscalateDSRRequest(ctx context.Context, id, fromLevel, toLevel string) error {
	if !s.inTx {
		return ErrNoTransaction
	}
	query := `UPDATE dsr_requests SET escalation_level = $3 WHERE id = $1 AND escalation_level = $2`
	tag, err := s.q.Exec(ctx, query, id, fromLevel, toLevel)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// --- Saga Records ---

func (s *PostgresStore) InsertSagaRecord(ctx context.Context, r *SagaRecord) error {
	query := `
		INSERT INTO saga_records (id, name, status, error, timeout_at, started_at, completed_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
	`
	_, err := s.q.Exec(ctx, query, r.ID, r.Name, r.Status, r.Error, r.TimeoutAt, r.StartedAt, r.CompletedAt)
	return err
}

func (s *PostgresStore) FinishSagaRecord(ctx context.Context, id, status, sagaErr string, completedAt time.Time) error {
	query := `UPDATE saga_records SET status = $2, error = NULLIF($3, ''), completed_at = $4 WHERE id = $1 AND status = 'RUNNING'`
	tag, err := s.q.Exec(ctx, query, id, status, sagaErr, completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) TimeoutRunningSagas(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE saga_records SET status = 'TIMED_OUT', completed_at = $1
		WHERE status = 'RUNNING' AND timeout_at < $1
	`
	tag, err := s.q.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteFinishedSagasBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM saga_records WHERE status <> 'RUNNING' AND completed_at < $1`
	tag, err := s.q.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Idempotency Keys ---

func (s *PostgresStore) ClaimIdempotencyKey(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	query := `
		INSERT INTO idempotency_keys (key, expires_at, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO NOTHING
	`
	tag, err := s.q.Exec(ctx, query, key, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) DeleteExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
