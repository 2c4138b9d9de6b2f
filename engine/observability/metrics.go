package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Saga Orchestrator ===

	// SagaExecutions counts finished sagas by terminal status.
	SagaExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coreplane_saga_executions_total",
		Help: "Finished saga executions by terminal status",
	}, []string{"saga", "status"})

	// SagaDurationSeconds tracks end-to-end saga execution time.
	SagaDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coreplane_saga_duration_seconds",
		Help:    "Saga execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
	})

	// SagaStepRetries counts step retry attempts.
	SagaStepRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coreplane_saga_step_retries_total",
		Help: "Saga step retry attempts",
	}, []string{"saga", "step"})

	// SagaCompensationFailures counts compensations that themselves failed.
	SagaCompensationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coreplane_saga_compensation_failures_total",
		Help: "Compensation attempts that failed and were recorded on the step",
	}, []string{"saga", "step"})

	// ActiveSagas tracks currently executing sagas.
	ActiveSagas = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coreplane_saga_active",
		Help: "Currently executing sagas",
	})

	// === Outbox Relay ===

	// OutboxPublished counts delivered outbox events.
	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coreplane_outbox_published_total",
		Help: "Outbox events delivered to the bus",
	}, []string{"aggregate_type"})

	// OutboxDispatchFailures counts failed dispatch attempts.
	OutboxDispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coreplane_outbox_dispatch_failures_total",
		Help: "Outbox dispatch attempts that failed and were scheduled for retry",
	}, []string{"aggregate_type"})

	// OutboxDeadLettered counts events moved to the dead-letter table.
	OutboxDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coreplane_outbox_dead_lettered_total",
		Help: "Outbox events that exhausted retries and were dead-lettered",
	})

	// OutboxClaimConflicts counts CAS claims lost to another worker.
	OutboxClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coreplane_outbox_claim_conflicts_total",
		Help: "Outbox claim attempts lost to a concurrent relay worker",
	})

	// OutboxPollInterval reports the relay's current adaptive poll interval.
	OutboxPollInterval = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coreplane_outbox_poll_interval_seconds",
		Help: "Current adaptive poll interval of the outbox relay",
	})

	// OutboxBatchSize tracks claimed batch sizes.
	OutboxBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coreplane_outbox_batch_size",
		Help:    "Events claimed per relay poll",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	// === Session Lifecycle ===

	// SessionsCreated counts issued sessions.
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coreplane_sessions_created_total",
		Help: "Sessions issued",
	})

	// SessionsRevoked counts revocations by reason.
	SessionsRevoked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coreplane_sessions_revoked_total",
		Help: "Sessions revoked, by reason",
	}, []string{"reason"})

	// TokenReuseDetected counts refresh-token replay incidents.
	TokenReuseDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coreplane_token_reuse_detected_total",
		Help: "Refresh-token reuse incidents that triggered a revocation cascade",
	})

	// BindingRejections counts refreshes rejected by binding validation.
	BindingRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coreplane_session_binding_rejections_total",
		Help: "Token refreshes rejected by session-binding risk scoring",
	}, []string{"signal"})

	// === Scheduled Reconciler ===

	// ReconcilerRuns counts job executions by result.
	ReconcilerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coreplane_reconciler_runs_total",
		Help: "Reconciler job executions",
	}, []string{"job", "result"})

	// ReconcilerDuration tracks per-job run time.
	ReconcilerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coreplane_reconciler_duration_seconds",
		Help:    "Reconciler job run time distribution",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})

	// ReconcilerRows counts rows acted on per job.
	ReconcilerRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coreplane_reconciler_rows_total",
		Help: "Rows expired, escalated, or deleted by reconciler jobs",
	}, []string{"job", "action"})

	// ReconcilerTicksDropped counts ticks skipped because the previous run
	// of the same job was still executing.
	ReconcilerTicksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coreplane_reconciler_ticks_dropped_total",
		Help: "Job ticks dropped because the previous run was still active",
	}, []string{"job"})
)
