// Package reconciler runs the scheduled maintenance jobs: expiry sweeps,
// garbage collection, saga timeout enforcement, and legal deadline
// escalation. Each job runs on its own schedule under a per-job mutex;
// a tick that fires while the previous run is still active is dropped,
// never queued.
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aurelia-id/coreplane/engine/observability"
)

// Job is one scheduled maintenance task. Run returns the number of rows
// it acted on.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) (int64, error)
}

// Runner schedules jobs and owns their lifecycle.
type Runner struct {
	cron   *cron.Cron
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// wrapped holds each job's guarded run function, keyed by name.
	// Exposed to tests through jobFunc.
	wrapped map[string]func()
}

// NewRunner builds a Runner over the given jobs. Nothing runs until Start.
func NewRunner(jobs []Job, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reconciler")

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cron:    cron.New(cron.WithLogger(cronLogger{logger})),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		wrapped: make(map[string]func()),
	}
	for _, j := range jobs {
		r.register(j)
	}
	return r
}

func (r *Runner) register(j Job) {
	var mu sync.Mutex
	run := func() {
		if !mu.TryLock() {
			observability.ReconcilerTicksDropped.WithLabelValues(j.Name).Inc()
			r.logger.Warn("tick dropped, previous run still active", "job", j.Name)
			return
		}
		defer mu.Unlock()

		start := time.Now()
		rows, err := j.Run(r.ctx)
		elapsed := time.Since(start)
		observability.ReconcilerDuration.WithLabelValues(j.Name).Observe(elapsed.Seconds())

		if err != nil {
			observability.ReconcilerRuns.WithLabelValues(j.Name, "error").Inc()
			r.logger.Error("job failed", "job", j.Name, "elapsed", elapsed, "error", err)
			return
		}
		observability.ReconcilerRuns.WithLabelValues(j.Name, "ok").Inc()
		if rows > 0 {
			r.logger.Info("job completed", "job", j.Name, "rows", rows, "elapsed", elapsed)
		} else {
			r.logger.Debug("job completed", "job", j.Name, "rows", rows, "elapsed", elapsed)
		}
	}
	r.wrapped[j.Name] = run

	// @every schedules relative to registration, which also spreads the
	// jobs out instead of firing them all at the top of the minute.
	if _, err := r.cron.AddFunc("@every "+j.Every.String(), run); err != nil {
		// Every is a build-time constant; a parse failure is a bug.
		panic("reconciler: bad schedule for " + j.Name + ": " + err.Error())
	}
}

// jobFunc returns the guarded run function for a registered job.
func (r *Runner) jobFunc(name string) func() {
	return r.wrapped[name]
}

// Start begins scheduling. It returns immediately.
func (r *Runner) Start() {
	r.logger.Info("reconciler started")
	r.cron.Start()
}

// stopGrace bounds how long Stop waits for in-flight jobs before
// cancelling their context out from under them.
const stopGrace = 30 * time.Second

// Stop halts scheduling and blocks until every in-flight job returns.
// Jobs in progress are given their full pass; only a job still running
// after the grace period gets its context cancelled.
func (r *Runner) Stop() {
	defer r.cancel()

	done := r.cron.Stop().Done()
	select {
	case <-done:
	case <-time.After(stopGrace):
		r.logger.Warn("jobs still running after grace period, cancelling")
		r.cancel()
		<-done
	}
	r.logger.Info("reconciler stopped")
}

// cronLogger adapts slog to the cron logging interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
