package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-id/coreplane/engine/store"
)

type orderCtx struct {
	Log []string
}

func newTestOrchestrator(s store.Store) *Orchestrator[orderCtx] {
	o := NewOrchestrator[orderCtx](s, DefaultOptions(), RetryConfig{MaxRetries: 1}, nil)
	o.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return o
}

func step(name string, fail bool) Step[orderCtx] {
	return Step[orderCtx]{
		Name: name,
		Execute: func(ctx context.Context, c orderCtx) (orderCtx, error) {
			if fail {
				return c, fmt.Errorf("%s exploded", name)
			}
			c.Log = append(c.Log, "exec:"+name)
			return c, nil
		},
		Compensate: func(ctx context.Context, c orderCtx) error {
			compensations.record(name)
			return nil
		},
	}
}

// compensations collects compensation invocations across goroutines.
var compensations = &compLog{}

type compLog struct {
	mu  sync.Mutex
	log []string
}

func (c *compLog) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, name)
}

func (c *compLog) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = nil
}

func (c *compLog) entries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

func TestExecuteAllStepsSucceed(t *testing.T) {
	compensations.reset()
	o := newTestOrchestrator(nil)

	def := Definition[orderCtx]{
		Name:  "provision",
		Steps: []Step[orderCtx]{step("reserve", false), step("charge", false), step("notify", false)},
	}

	res, err := o.Execute(context.Background(), def, orderCtx{}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []string{"exec:reserve", "exec:charge", "exec:notify"}, res.Context.Log)
	for _, st := range res.Steps {
		assert.Equal(t, StepCompleted, st.Status)
	}
	assert.Empty(t, compensations.entries())
}

func TestExecuteFailureCompensatesInReverse(t *testing.T) {
	compensations.reset()
	o := newTestOrchestrator(nil)

	def := Definition[orderCtx]{
		Name:  "provision",
		Steps: []Step[orderCtx]{step("reserve", false), step("charge", false), step("notify", true)},
	}

	res, err := o.Execute(context.Background(), def, orderCtx{}, nil)
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, StatusCompensated, res.Status)
	assert.Contains(t, res.Error, "notify exploded")

	// Completed steps unwind newest-first; the failed step never
	// compensates.
	assert.Equal(t, []string{"charge", "reserve"}, compensations.entries())
	assert.Equal(t, StepCompensated, res.Steps[0].Status)
	assert.Equal(t, StepCompensated, res.Steps[1].Status)
	assert.Equal(t, StepFailed, res.Steps[2].Status)
}

func TestExecuteFirstStepFailureNothingToCompensate(t *testing.T) {
	compensations.reset()
	o := newTestOrchestrator(nil)

	def := Definition[orderCtx]{
		Name:  "provision",
		Steps: []Step[orderCtx]{step("reserve", true), step("charge", false)},
	}

	res, err := o.Execute(context.Background(), def, orderCtx{}, nil)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, compensations.entries())
	assert.Equal(t, StepPending, res.Steps[1].Status)
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	o := newTestOrchestrator(nil)

	attempts := 0
	def := Definition[orderCtx]{
		Name: "flaky",
		Steps: []Step[orderCtx]{{
			Name: "unstable",
			Execute: func(ctx context.Context, c orderCtx) (orderCtx, error) {
				attempts++
				if attempts < 3 {
					return c, errors.New("transient")
				}
				return c, nil
			},
			Retry: &RetryConfig{MaxRetries: 3, Delay: time.Millisecond, BackoffMultiplier: 2},
		}},
	}

	res, err := o.Execute(context.Background(), def, orderCtx{}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, res.Steps[0].RetryCount)
}

func TestExecuteRetryBudgetExhausts(t *testing.T) {
	o := newTestOrchestrator(nil)

	attempts := 0
	def := Definition[orderCtx]{
		Name: "flaky",
		Steps: []Step[orderCtx]{{
			Name: "unstable",
			Execute: func(ctx context.Context, c orderCtx) (orderCtx, error) {
				attempts++
				return c, errors.New("still down")
			},
			Retry: &RetryConfig{MaxRetries: 3, Delay: time.Millisecond, BackoffMultiplier: 2},
		}},
	}

	res, err := o.Execute(context.Background(), def, orderCtx{}, nil)
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "still down")
}

func TestExecuteStepTimeout(t *testing.T) {
	compensations.reset()
	o := newTestOrchestrator(nil)

	def := Definition[orderCtx]{
		Name: "slow",
		Steps: []Step[orderCtx]{
			step("reserve", false),
			{
				Name: "hang",
				Execute: func(ctx context.Context, c orderCtx) (orderCtx, error) {
					select {
					case <-ctx.Done():
						return c, ctx.Err()
					case <-time.After(5 * time.Second):
						return c, nil
					}
				},
				Compensate: func(ctx context.Context, c orderCtx) error { return nil },
			},
		},
	}

	res, err := o.Execute(context.Background(), def, orderCtx{}, &Options{StepTimeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timeout")
	assert.Equal(t, StatusCompensated, res.Status)
	assert.Equal(t, []string{"reserve"}, compensations.entries())
}

func TestExecuteSagaTimeoutCancelsSuspendedStep(t *testing.T) {
	o := newTestOrchestrator(nil)

	def := Definition[orderCtx]{
		Name: "slow",
		Steps: []Step[orderCtx]{{
			Name: "hang",
			Execute: func(ctx context.Context, c orderCtx) (orderCtx, error) {
				<-ctx.Done()
				return c, ctx.Err()
			},
		}},
	}

	res, err := o.Execute(context.Background(), def, orderCtx{},
		&Options{StepTimeout: time.Minute, SagaTimeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout) || res.Error != "")
	assert.Contains(t, res.Error, "timeout")
}

func TestExecuteEmptyDefinition(t *testing.T) {
	o := newTestOrchestrator(nil)

	res, err := o.Execute(context.Background(), Definition[orderCtx]{Name: "noop"}, orderCtx{Log: []string{"seed"}}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []string{"seed"}, res.Context.Log)
}

func TestExecuteCompensationFailureContinuesUnwinding(t *testing.T) {
	compensations.reset()
	o := newTestOrchestrator(nil)

	bad := step("charge", false)
	bad.Compensate = func(ctx context.Context, c orderCtx) error {
		return errors.New("refund rejected")
	}

	def := Definition[orderCtx]{
		Name:  "provision",
		Steps: []Step[orderCtx]{step("reserve", false), bad, step("notify", true)},
	}

	res, err := o.Execute(context.Background(), def, orderCtx{}, nil)
	require.Error(t, err)
	assert.Equal(t, StatusCompensated, res.Status)
	assert.Equal(t, StepCompensationFailed, res.Steps[1].Status)
	assert.Contains(t, res.Steps[1].Error, "refund rejected")
	// reserve still unwinds even though charge's compensation failed.
	assert.Equal(t, []string{"reserve"}, compensations.entries())
}

func TestShutdownAbortsActiveSagasWithoutCompensation(t *testing.T) {
	compensations.reset()
	o := newTestOrchestrator(nil)

	entered := make(chan struct{})
	def := Definition[orderCtx]{
		Name: "longhaul",
		Steps: []Step[orderCtx]{
			step("reserve", false),
			{
				Name: "wait",
				Execute: func(ctx context.Context, c orderCtx) (orderCtx, error) {
					close(entered)
					<-ctx.Done()
					return c, ctx.Err()
				},
				Compensate: func(ctx context.Context, c orderCtx) error {
					compensations.record("wait")
					return nil
				},
			},
		},
	}

	type outcome struct {
		res *Result[orderCtx]
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := o.Execute(context.Background(), def, orderCtx{}, nil)
		done <- outcome{res, err}
	}()

	<-entered
	assert.Equal(t, 1, o.ActiveCount())
	o.Shutdown()

	out := <-done
	require.Error(t, out.err)
	assert.ErrorIs(t, out.err, ErrShutdown)
	assert.Equal(t, StatusFailed, out.res.Status)
	assert.Equal(t, ErrShutdown.Error(), out.res.Error)
	assert.Empty(t, compensations.entries())
	assert.Equal(t, 0, o.ActiveCount())
}

func TestExecuteAfterShutdownFailsImmediately(t *testing.T) {
	o := newTestOrchestrator(nil)
	o.Shutdown()

	def := Definition[orderCtx]{Name: "late", Steps: []Step[orderCtx]{step("reserve", false)}}
	res, err := o.Execute(context.Background(), def, orderCtx{}, nil)
	require.ErrorIs(t, err, ErrShutdown)
	assert.Equal(t, StatusFailed, res.Status)
}

func TestExecuteWritesDurableRecord(t *testing.T) {
	ms := store.NewMemoryStore()
	o := newTestOrchestrator(ms)

	def := Definition[orderCtx]{Name: "audited", Steps: []Step[orderCtx]{step("reserve", false)}}
	res, err := o.Execute(context.Background(), def, orderCtx{}, nil)
	require.NoError(t, err)

	rec := ms.SagaRecordByID(res.SagaID)
	require.NotNil(t, rec)
	assert.Equal(t, "audited", rec.Name)
	assert.Equal(t, store.SagaDone, rec.Status)
	require.NotNil(t, rec.CompletedAt)
}

func TestExecuteRecordsCompensatedStatus(t *testing.T) {
	ms := store.NewMemoryStore()
	o := newTestOrchestrator(ms)

	def := Definition[orderCtx]{
		Name:  "audited",
		Steps: []Step[orderCtx]{step("reserve", false), step("charge", true)},
	}
	res, err := o.Execute(context.Background(), def, orderCtx{}, nil)
	require.Error(t, err)

	rec := ms.SagaRecordByID(res.SagaID)
	require.NotNil(t, rec)
	assert.Equal(t, store.SagaRolled, rec.Status)
	assert.Contains(t, rec.Error, "charge exploded")
}

func TestExecutePanicInStepIsCapturedAndCompensated(t *testing.T) {
	compensations.reset()
	o := newTestOrchestrator(nil)

	def := Definition[orderCtx]{
		Name: "panicky",
		Steps: []Step[orderCtx]{
			step("reserve", false),
			{
				Name: "boom",
				Execute: func(ctx context.Context, c orderCtx) (orderCtx, error) {
					panic("unexpected nil")
				},
			},
		},
	}

	res, err := o.Execute(context.Background(), def, orderCtx{}, nil)
	require.Error(t, err)
	assert.Contains(t, res.Error, "panic")
	assert.Equal(t, StatusCompensated, res.Status)
	assert.Equal(t, []string{"reserve"}, compensations.entries())
}
