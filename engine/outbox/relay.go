package outbox

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/aurelia-id/coreplane/engine/bus"
	"github.com/aurelia-id/coreplane/engine/observability"
	"github.com/aurelia-id/coreplane/engine/store"
)

// RelayConfig tunes the polling worker.
type RelayConfig struct {
	BatchSize       int
	MinPoll         time.Duration
	MaxPoll         time.Duration
	BaseBackoff     time.Duration
	MaxRetryBackoff time.Duration
	// PublishRate caps bus throughput in events per second; 0 disables
	// the limiter.
	PublishRate float64
}

// DefaultRelayConfig returns the production defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		MinPoll:         100 * time.Millisecond,
		MaxPoll:         10 * time.Second,
		BaseBackoff:     time.Second,
		MaxRetryBackoff: time.Hour,
		PublishRate:     0,
	}
}

// Relay is the single logical worker that drains the outbox table.
// Horizontal scaling happens through the database claim (the status CAS),
// not by sharing state between workers.
type Relay struct {
	store   store.Store
	bus     bus.Publisher
	cfg     RelayConfig
	logger  *slog.Logger
	limiter *rate.Limiter

	// interval is the current adaptive poll interval; mutated only by the
	// Run loop.
	interval time.Duration

	now func() time.Time
}

// NewRelay constructs a relay worker.
func NewRelay(s store.Store, b bus.Publisher, cfg RelayConfig, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig().BatchSize
	}
	if cfg.MinPoll <= 0 {
		cfg.MinPoll = DefaultRelayConfig().MinPoll
	}
	if cfg.MaxPoll < cfg.MinPoll {
		cfg.MaxPoll = DefaultRelayConfig().MaxPoll
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultRelayConfig().BaseBackoff
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = DefaultRelayConfig().MaxRetryBackoff
	}

	var limiter *rate.Limiter
	if cfg.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), cfg.BatchSize)
	}

	return &Relay{
		store:    s,
		bus:      b,
		cfg:      cfg,
		logger:   logger,
		limiter:  limiter,
		interval: time.Second,
		now:      time.Now,
	}
}

// Run polls until ctx is canceled. On shutdown the current item finishes
// and the loop exits; in-flight PROCESSING rows from a hard crash are
// reclaimed by the next worker via the retry path, which is what makes
// delivery at-least-once rather than at-most-once.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("outbox relay started",
		"batch_size", r.cfg.BatchSize, "min_poll", r.cfg.MinPoll, "max_poll", r.cfg.MaxPoll)

	// Rows stranded in PROCESSING by a crashed worker are returned to
	// PENDING once their claim goes stale. Other live workers may still
	// hold younger claims, so the threshold is not zero.
	if n, err := r.store.ReclaimStuckOutbox(ctx, r.now().UTC(), StaleClaimAge); err != nil {
		r.logger.Error("outbox reclaim failed", "error", err)
	} else if n > 0 {
		r.logger.Warn("reclaimed stuck outbox events", "count", n)
	}

	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-timer.C:
		}

		dispatched := r.RunOnce(ctx)
		r.adapt(dispatched)
		timer.Reset(r.interval)
	}
}

// RunOnce claims and dispatches a single batch. Returns the number of
// events claimed.
func (r *Relay) RunOnce(ctx context.Context) int {
	now := r.now().UTC()

	candidates, err := r.store.SelectDispatchableOutbox(ctx, r.cfg.BatchSize, now)
	if err != nil {
		r.logger.Error("outbox poll failed", "error", err)
		return 0
	}
	if len(candidates) == 0 {
		return 0
	}

	var claimed []*store.OutboxEvent
	for _, ev := range candidates {
		ok, err := r.store.MarkOutboxProcessing(ctx, ev.ID, ev.Status)
		if err != nil {
			r.logger.Error("outbox claim failed", "event_id", ev.ID, "error", err)
			continue
		}
		if !ok {
			// Another worker won the CAS.
			observability.OutboxClaimConflicts.Inc()
			continue
		}
		claimed = append(claimed, ev)
	}
	observability.OutboxBatchSize.Observe(float64(len(claimed)))

	for _, ev := range claimed {
		if ctx.Err() != nil {
			// Shutdown mid-batch: the remaining PROCESSING rows are
			// reclaimed after restart through the retry path.
			return len(claimed)
		}
		r.dispatch(ctx, ev)
	}
	return len(claimed)
}

// dispatch publishes one claimed event and records the outcome.
func (r *Relay) dispatch(ctx context.Context, ev *store.OutboxEvent) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			r.fail(ctx, ev, err)
			return
		}
	}

	env := &bus.Envelope{
		ID:            ev.ID,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		EventType:     ev.EventType,
		OccurredAt:    ev.CreatedAt,
		SchemaVersion: bus.SchemaVersion,
		Payload:       ev.Payload,
	}

	if err := r.bus.Publish(ctx, Topic(ev), env); err != nil {
		r.fail(ctx, ev, err)
		return
	}

	if err := r.store.MarkOutboxCompleted(ctx, ev.ID, r.now().UTC()); err != nil {
		// The bus acked but the completion write lost; the row will be
		// re-delivered, which the at-least-once contract allows.
		r.logger.Warn("outbox completion write failed, event will be re-delivered",
			"event_id", ev.ID, "error", err)
		return
	}
	observability.OutboxPublished.WithLabelValues(ev.AggregateType).Inc()
}

// fail schedules a retry or dead-letters the event once the budget is spent.
func (r *Relay) fail(ctx context.Context, ev *store.OutboxEvent, cause error) {
	ev.RetryCount++
	ev.LastError = cause.Error()

	if ev.RetryCount >= ev.MaxRetries {
		if err := r.store.MoveOutboxToDeadLetter(ctx, ev, r.now().UTC()); err != nil {
			r.logger.Error("dead-letter move failed", "event_id", ev.ID, "error", err)
			return
		}
		observability.OutboxDeadLettered.Inc()
		r.logger.Error("outbox event dead-lettered",
			"event_id", ev.ID, "event_type", ev.EventType, "retries", ev.RetryCount, "error", cause)
		return
	}

	backoff := r.cfg.BaseBackoff << uint(ev.RetryCount)
	if backoff > r.cfg.MaxRetryBackoff {
		backoff = r.cfg.MaxRetryBackoff
	}
	retryAfter := r.now().UTC().Add(backoff)

	if err := r.store.MarkOutboxFailed(ctx, ev.ID, ev.RetryCount, ev.LastError, retryAfter); err != nil {
		r.logger.Error("outbox failure write failed", "event_id", ev.ID, "error", err)
		return
	}
	observability.OutboxDispatchFailures.WithLabelValues(ev.AggregateType).Inc()
	r.logger.Warn("outbox dispatch failed",
		"event_id", ev.ID, "retry", ev.RetryCount, "retry_after", retryAfter, "error", cause)
}

// adapt doubles the poll interval after an empty poll (up to MaxPoll) and
// halves it after a full batch (down to MinPoll).
func (r *Relay) adapt(dispatched int) {
	switch {
	case dispatched == 0:
		r.interval *= 2
		if r.interval > r.cfg.MaxPoll {
			r.interval = r.cfg.MaxPoll
		}
	case dispatched >= r.cfg.BatchSize:
		r.interval /= 2
		if r.interval < r.cfg.MinPoll {
			r.interval = r.cfg.MinPoll
		}
	}
	observability.OutboxPollInterval.Set(r.interval.Seconds())
}
