package store

import (
	"time"
)

// Outbox event statuses. Transitions are PENDING -> PROCESSING -> COMPLETED,
// or PROCESSING -> FAILED (with retry_after set) -> PROCESSING, until the
// retry budget is exhausted and the row moves to the dead-letter table.
const (
	OutboxPending    = "PENDING"
	OutboxProcessing = "PROCESSING"
	OutboxCompleted  = "COMPLETED"
	OutboxFailed     = "FAILED"
)

// Dead-letter statuses.
const (
	DeadLetterUnresolved = "UNRESOLVED"
	DeadLetterResolved   = "RESOLVED"
	DeadLetterIgnored    = "IGNORED"
)

// Consent statuses.
const (
	ConsentActive   = "ACTIVE"
	ConsentExpiring = "EXPIRING"
	ConsentExpired  = "EXPIRED"
	ConsentRevoked  = "REVOKED"
)

// DSR request escalation levels, strictly increasing in severity.
const (
	EscalationNone     = "NONE"
	EscalationWarning  = "WARNING"
	EscalationCritical = "CRITICAL"
	EscalationOverdue  = "OVERDUE"
)

// DSR request statuses.
const (
	DSROpen       = "OPEN"
	DSRInProgress = "IN_PROGRESS"
	DSRCompleted  = "COMPLETED"
	DSRRejected   = "REJECTED"
)

// Durable saga record statuses.
const (
	SagaRunning  = "RUNNING"
	SagaDone     = "COMPLETED"
	SagaFailed   = "FAILED"
	SagaRolled   = "COMPENSATED"
	SagaTimedOut = "TIMED_OUT"
)

// OutboxEvent is a pending durable message, written in the same database
// transaction as the domain change it describes.
type OutboxEvent struct {
	ID            string     `json:"id" db:"id"`
	AggregateType string     `json:"aggregate_type" db:"aggregate_type"`
	AggregateID   string     `json:"aggregate_id" db:"aggregate_id"`
	EventType     string     `json:"event_type" db:"event_type"`
	Payload       []byte     `json:"payload" db:"payload"` // JSONB in Postgres
	Status        string     `json:"status" db:"status"`
	RetryCount    int        `json:"retry_count" db:"retry_count"`
	MaxRetries    int        `json:"max_retries" db:"max_retries"`
	LastError     string     `json:"last_error" db:"last_error"`
	ProcessedAt   *time.Time `json:"processed_at" db:"processed_at"`
	RetryAfter    *time.Time `json:"retry_after" db:"retry_after"`
	ClaimedAt     *time.Time `json:"claimed_at" db:"claimed_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// DeadLetterEvent mirrors an outbox event whose delivery exhausted its
// retry budget. Retained for operator triage.
type DeadLetterEvent struct {
	ID               string     `json:"id" db:"id"`
	OriginalOutboxID string     `json:"original_outbox_id" db:"original_outbox_id"`
	AggregateType    string     `json:"aggregate_type" db:"aggregate_type"`
	AggregateID      string     `json:"aggregate_id" db:"aggregate_id"`
	EventType        string     `json:"event_type" db:"event_type"`
	Payload          []byte     `json:"payload" db:"payload"`
	LastError        string     `json:"last_error" db:"last_error"`
	RetryCount       int        `json:"retry_count" db:"retry_count"`
	Status           string     `json:"status" db:"status"` // UNRESOLVED, RESOLVED, IGNORED
	FirstFailedAt    time.Time  `json:"first_failed_at" db:"first_failed_at"`
	ResolvedAt       *time.Time `json:"resolved_at" db:"resolved_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// Session is an authenticated session. Only token hashes are persisted;
// plaintext tokens leave the process exactly once, in the create/refresh
// response.
type Session struct {
	ID                       string     `json:"id" db:"id"`
	AccountID                string     `json:"account_id" db:"account_id"`
	DeviceID                 string     `json:"device_id" db:"device_id"`
	TokenHash                string     `json:"-" db:"token_hash"`
	RefreshTokenHash         string     `json:"-" db:"refresh_token_hash"`
	PreviousRefreshTokenHash string     `json:"-" db:"previous_refresh_token_hash"`
	IPAddress                string     `json:"ip_address" db:"ip_address"`
	UserAgent                string     `json:"user_agent" db:"user_agent"`
	ExpiresAt                time.Time  `json:"expires_at" db:"expires_at"`
	IsActive                 bool       `json:"is_active" db:"is_active"`
	RevokedAt                *time.Time `json:"revoked_at" db:"revoked_at"`
	RevokedReason            string     `json:"revoked_reason" db:"revoked_reason"`
	LastActivityAt           time.Time  `json:"last_activity_at" db:"last_activity_at"`
	CreatedAt                time.Time  `json:"created_at" db:"created_at"`
}

// Valid reports whether the session grants access at instant now.
// Validity is always computed from is_active and expires_at; it is never
// stored as a column.
func (s *Session) Valid(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

// RevokedToken is a deny-list entry for an access token hash. Rows are
// garbage-collected once the underlying token would have expired anyway.
type RevokedToken struct {
	TokenHash string    `json:"-" db:"token_hash"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Consent is a legal consent grant with an optional expiry deadline.
type Consent struct {
	ID           string     `json:"id" db:"id"`
	AccountID    string     `json:"account_id" db:"account_id"`
	DocumentType string     `json:"document_type" db:"document_type"`
	Status       string     `json:"status" db:"status"`
	GrantedAt    time.Time  `json:"granted_at" db:"granted_at"`
	ExpiresAt    *time.Time `json:"expires_at" db:"expires_at"`
	RevokedAt    *time.Time `json:"revoked_at" db:"revoked_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// DSRRequest is a data-subject request with a statutory deadline. The
// reconciler walks requests through escalation levels as the deadline
// approaches.
type DSRRequest struct {
	ID              string     `json:"id" db:"id"`
	AccountID       string     `json:"account_id" db:"account_id"`
	RequestType     string     `json:"request_type" db:"request_type"`
	Status          string     `json:"status" db:"status"`
	EscalationLevel string     `json:"escalation_level" db:"escalation_level"`
	DueDate         time.Time  `json:"due_date" db:"due_date"`
	CompletedAt     *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// SagaRecord is the durable audit copy of a saga execution. The in-memory
// state lives in the orchestrator; this row exists so that crashed or
// abandoned sagas are visible and can be timed out by the reconciler.
type SagaRecord struct {
	ID          string     `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"`
	Status      string     `json:"status" db:"status"`
	Error       string     `json:"error" db:"error"`
	TimeoutAt   time.Time  `json:"timeout_at" db:"timeout_at"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
}

// escalationRank orders escalation levels so transitions stay monotonic.
var escalationRank = map[string]int{
	EscalationNone:     0,
	EscalationWarning:  1,
	EscalationCritical: 2,
	EscalationOverdue:  3,
}

// EscalationAbove reports whether level a is strictly more severe than b.
func EscalationAbove(a, b string) bool {
	return escalationRank[a] > escalationRank[b]
}
