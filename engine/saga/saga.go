// Package saga executes multi-step workflows with per-step compensation,
// retries with exponential backoff, and step and saga level timeouts. It
// approximates a distributed transaction: a failure at step k best-effort
// unwinds steps k-1 .. 0 in reverse.
package saga

import (
	"context"
	"errors"
	"time"
)

// Saga statuses.
const (
	StatusPending      = "PENDING"
	StatusExecuting    = "EXECUTING"
	StatusCompleted    = "COMPLETED"
	StatusFailed       = "FAILED"
	StatusCompensating = "COMPENSATING"
	StatusCompensated  = "COMPENSATED"
)

// Step statuses. Transitions are strictly forward:
// PENDING -> EXECUTING -> COMPLETED | FAILED -> COMPENSATING ->
// COMPENSATED | COMPENSATION_FAILED.
const (
	StepPending            = "PENDING"
	StepExecuting          = "EXECUTING"
	StepCompleted          = "COMPLETED"
	StepFailed             = "FAILED"
	StepCompensating       = "COMPENSATING"
	StepCompensated        = "COMPENSATED"
	StepCompensationFailed = "COMPENSATION_FAILED"
)

var (
	// ErrTimeout marks a step or saga deadline that elapsed.
	ErrTimeout = errors.New("timeout exceeded")

	// ErrShutdown marks sagas aborted because the service is stopping.
	// Shutdown is an administrative abort, not a rollback: no
	// compensation runs.
	ErrShutdown = errors.New("service shutdown during saga execution")
)

// RetryConfig controls in-step retries. MaxRetries is the total attempt
// budget; zero or one means a single attempt with no backoff.
type RetryConfig struct {
	MaxRetries        int
	Delay             time.Duration
	BackoffMultiplier float64
}

// Step is one unit of work plus its best-effort inverse. Execute returns
// the context value the next step receives; Compensate receives the
// context as of the failure. A nil Compensate means the step has no
// external effects to unwind.
type Step[C any] struct {
	Name       string
	Execute    func(ctx context.Context, c C) (C, error)
	Compensate func(ctx context.Context, c C) error
	Retry      *RetryConfig
}

// Definition is an ordered list of steps executed as one logical unit.
type Definition[C any] struct {
	Name  string
	Steps []Step[C]
}

// Options bounds a single execution.
type Options struct {
	StepTimeout time.Duration
	SagaTimeout time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		StepTimeout: 30 * time.Second,
		SagaTimeout: 5 * time.Minute,
	}
}

// StepState is the per-step progress record.
type StepState struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	Error       string     `json:"error,omitempty"`
}

// Result is returned to the caller when execution terminates.
// Success is true iff Status is COMPLETED.
type Result[C any] struct {
	Success bool
	SagaID  string
	Status  string
	Context C
	Error   string
	Steps   []StepState
}
