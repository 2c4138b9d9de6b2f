package saga

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/aurelia-id/coreplane/engine/ident"
	"github.com/aurelia-id/coreplane/engine/observability"
	"github.com/aurelia-id/coreplane/engine/store"
)

// state tracks one running saga in the active map.
type state struct {
	id     string
	name   string
	cancel context.CancelCauseFunc
}

// Orchestrator runs sagas over a shared context type C. The active map is
// process-wide state: created at construction, drained at Shutdown.
//
// When a store is attached, each execution writes a durable SagaRecord so
// that crashed executions stay visible and can be timed out by the
// reconciler; the in-flight context itself is never persisted.
type Orchestrator[C any] struct {
	defaults     Options
	defaultRetry RetryConfig
	store        store.Store
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]*state
	closed bool
	wg     sync.WaitGroup

	// sleep is swapped out by tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator constructs an orchestrator. s may be nil when durable
// audit records are not wanted (tests, embedded use).
func NewOrchestrator[C any](s store.Store, defaults Options, defaultRetry RetryConfig, logger *slog.Logger) *Orchestrator[C] {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.StepTimeout <= 0 {
		defaults.StepTimeout = DefaultOptions().StepTimeout
	}
	if defaults.SagaTimeout <= 0 {
		defaults.SagaTimeout = DefaultOptions().SagaTimeout
	}
	if defaultRetry.BackoffMultiplier <= 0 {
		defaultRetry.BackoffMultiplier = 2
	}
	return &Orchestrator[C]{
		defaults:     defaults,
		defaultRetry: defaultRetry,
		store:        s,
		logger:       logger,
		active:       make(map[string]*state),
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

// ActiveCount reports the number of currently executing sagas.
func (o *Orchestrator[C]) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Shutdown force-fails every active saga and waits for their Execute
// calls to return. No compensation is attempted; shutdown is an
// administrative abort, not a rollback.
func (o *Orchestrator[C]) Shutdown() {
	o.mu.Lock()
	o.closed = true
	for _, st := range o.active {
		st.cancel(ErrShutdown)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// Execute runs the definition to a terminal status. The returned Result is
// always populated; err is non-nil whenever Result.Success is false, and
// wraps ErrTimeout or ErrShutdown where those were the cause. The caller
// must not observe initial's value concurrently: the saga owns its context
// until Execute returns.
func (o *Orchestrator[C]) Execute(ctx context.Context, def Definition[C], initial C, opts *Options) (*Result[C], error) {
	options := o.defaults
	if opts != nil {
		if opts.StepTimeout > 0 {
			options.StepTimeout = opts.StepTimeout
		}
		if opts.SagaTimeout > 0 {
			options.SagaTimeout = opts.SagaTimeout
		}
	}

	sagaID := ident.New()
	started := time.Now().UTC()

	result := &Result[C]{
		SagaID:  sagaID,
		Status:  StatusPending,
		Context: initial,
		Steps:   make([]StepState, len(def.Steps)),
	}
	for i, s := range def.Steps {
		result.Steps[i] = StepState{Name: s.Name, Status: StepPending}
	}

	// Empty definition: completed with the original context, no events,
	// no durable record.
	if len(def.Steps) == 0 {
		result.Status = StatusCompleted
		result.Success = true
		return result, nil
	}

	sagaCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		result.Status = StatusFailed
		result.Error = ErrShutdown.Error()
		return result, ErrShutdown
	}
	o.active[sagaID] = &state{id: sagaID, name: def.Name, cancel: cancel}
	o.wg.Add(1)
	o.mu.Unlock()
	observability.ActiveSagas.Inc()

	defer func() {
		o.mu.Lock()
		delete(o.active, sagaID)
		o.mu.Unlock()
		o.wg.Done()
		observability.ActiveSagas.Dec()
		observability.SagaDurationSeconds.Observe(time.Since(started).Seconds())
		observability.SagaExecutions.WithLabelValues(def.Name, result.Status).Inc()
	}()

	if o.store != nil {
		rec := &store.SagaRecord{
			ID:        sagaID,
			Name:      def.Name,
			Status:    store.SagaRunning,
			TimeoutAt: started.Add(options.SagaTimeout),
			StartedAt: started,
		}
		if err := o.store.InsertSagaRecord(ctx, rec); err != nil {
			o.logger.Error("saga record insert failed", "saga_id", sagaID, "error", err)
		}
	}

	// The saga timer and every step timer derive from sagaCtx, so a
	// saga-level deadline propagates into whichever step is suspended.
	sagaCtx, cancelDeadline := context.WithDeadlineCause(sagaCtx, started.Add(options.SagaTimeout), ErrTimeout)
	defer cancelDeadline()

	result.Status = StatusExecuting
	o.logger.Info("saga started", "saga_id", sagaID, "saga", def.Name, "steps", len(def.Steps))

	var execErr error
	lastCompleted := -1

	for i := range def.Steps {
		stepErr := o.runStep(sagaCtx, def.Name, &def.Steps[i], &result.Steps[i], &result.Context, options.StepTimeout)
		if stepErr == nil {
			lastCompleted = i
			continue
		}
		execErr = stepErr
		break
	}

	if execErr == nil {
		result.Status = StatusCompleted
		result.Success = true
		o.finishRecord(ctx, sagaID, store.SagaDone, "")
		o.logger.Info("saga completed", "saga_id", sagaID, "saga", def.Name)
		return result, nil
	}

	result.Error = execErr.Error()

	// Shutdown aborts without compensation.
	if context.Cause(sagaCtx) == ErrShutdown {
		result.Status = StatusFailed
		result.Error = ErrShutdown.Error()
		o.finishRecord(ctx, sagaID, store.SagaFailed, result.Error)
		o.logger.Warn("saga aborted by shutdown", "saga_id", sagaID, "saga", def.Name)
		return result, ErrShutdown
	}

	if lastCompleted < 0 {
		result.Status = StatusFailed
		o.finishRecord(ctx, sagaID, store.SagaFailed, result.Error)
		o.logger.Error("saga failed with nothing to compensate",
			"saga_id", sagaID, "saga", def.Name, "error", execErr)
		return result, execErr
	}

	result.Status = StatusCompensating
	o.compensate(ctx, def, result, lastCompleted, options.StepTimeout)
	result.Status = StatusCompensated
	o.finishRecord(ctx, sagaID, store.SagaRolled, result.Error)
	o.logger.Warn("saga compensated",
		"saga_id", sagaID, "saga", def.Name, "failed_step", def.Steps[lastCompleted+1].Name, "error", execErr)
	return result, execErr
}

// runStep executes one step under the retry budget and the step timeout.
// On success *sagaContext holds the step's output.
func (o *Orchestrator[C]) runStep(sagaCtx context.Context, sagaName string, step *Step[C], st *StepState, sagaContext *C, stepTimeout time.Duration) error {
	retry := o.defaultRetry
	if step.Retry != nil {
		retry = *step.Retry
		if retry.BackoffMultiplier <= 0 {
			retry.BackoffMultiplier = 1
		}
	}
	maxAttempts := retry.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	now := time.Now().UTC()
	st.Status = StepExecuting
	st.StartedAt = &now

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		st.RetryCount = attempt - 1
		if attempt > 1 {
			observability.SagaStepRetries.WithLabelValues(sagaName, step.Name).Inc()
			delay := time.Duration(float64(retry.Delay) * pow(retry.BackoffMultiplier, attempt-2))
			if err := o.sleep(sagaCtx, delay); err != nil {
				lastErr = err
				break
			}
		}

		out, err := o.invoke(sagaCtx, stepTimeout, step.Execute, *sagaContext)
		if err == nil {
			*sagaContext = out
			done := time.Now().UTC()
			st.Status = StepCompleted
			st.CompletedAt = &done
			return nil
		}
		lastErr = err

		// A dead saga context means the deadline or shutdown fired, not a
		// retryable step failure.
		if sagaCtx.Err() != nil {
			lastErr = context.Cause(sagaCtx)
			break
		}
	}

	done := time.Now().UTC()
	st.Status = StepFailed
	st.CompletedAt = &done
	st.Error = lastErr.Error()
	return fmt.Errorf("step %s: %w", step.Name, lastErr)
}

// compensate unwinds steps last..0 that reached COMPLETED. Failures are
// recorded on the step and never abort the remaining compensations.
// Compensation runs detached from the saga deadline: an expired saga still
// gets its completed steps unwound, each under its own step timeout.
func (o *Orchestrator[C]) compensate(ctx context.Context, def Definition[C], result *Result[C], last int, stepTimeout time.Duration) {
	base := context.WithoutCancel(ctx)

	for i := last; i >= 0; i-- {
		st := &result.Steps[i]
		if st.Status != StepCompleted {
			continue
		}
		step := &def.Steps[i]
		if step.Compensate == nil {
			st.Status = StepCompensated
			continue
		}

		st.Status = StepCompensating
		_, err := o.invoke(base, stepTimeout, func(c context.Context, v C) (C, error) {
			return v, step.Compensate(c, v)
		}, result.Context)
		if err != nil {
			st.Status = StepCompensationFailed
			st.Error = err.Error()
			observability.SagaCompensationFailures.WithLabelValues(def.Name, step.Name).Inc()
			o.logger.Error("compensation failed",
				"saga_id", result.SagaID, "step", step.Name, "error", err)
			continue
		}
		st.Status = StepCompensated
	}
}

// invoke runs fn under a step timeout, racing the work against the
// deadline. The goroutine is abandoned on timeout; step bodies are
// expected to honor ctx, and ones that do not only leak until they return.
func (o *Orchestrator[C]) invoke(parent context.Context, timeout time.Duration, fn func(context.Context, C) (C, error), in C) (C, error) {
	stepCtx, cancel := context.WithTimeoutCause(parent, timeout, ErrTimeout)
	defer cancel()

	type outcome struct {
		out C
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero C
				ch <- outcome{zero, fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := fn(stepCtx, in)
		ch <- outcome{out, err}
	}()

	select {
	case res := <-ch:
		return res.out, res.err
	case <-stepCtx.Done():
		var zero C
		return zero, context.Cause(stepCtx)
	}
}

func (o *Orchestrator[C]) finishRecord(ctx context.Context, sagaID, status, sagaErr string) {
	if o.store == nil {
		return
	}
	if err := o.store.FinishSagaRecord(context.WithoutCancel(ctx), sagaID, status, sagaErr, time.Now().UTC()); err != nil {
		o.logger.Error("saga record update failed", "saga_id", sagaID, "error", err)
	}
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	return math.Pow(base, float64(exp))
}
