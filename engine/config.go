package main

import (
	"fmt"
	"os"
	"time"

	"github.com/aurelia-id/coreplane/engine/outbox"
	"github.com/aurelia-id/coreplane/engine/reconciler"
	"github.com/aurelia-id/coreplane/engine/saga"
	"github.com/aurelia-id/coreplane/engine/session"
)

// Config is the full service configuration, populated from the
// environment with production defaults.
type Config struct {
	DatabaseURL string
	RedisAddr   string
	RedisDB     int
	AMQPURL     string
	MetricsAddr string

	CacheTTL time.Duration

	Session    session.Config
	SagaOpts   saga.Options
	SagaRetry  saga.RetryConfig
	Relay      outbox.RelayConfig
	Reconciler reconciler.JobsConfig
}

// LoadConfig reads the environment. Every knob has a default; only the
// database URL is required.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   envString("REDIS_ADDR", "localhost:6379"),
		RedisDB:     envInt("REDIS_DB", 0),
		AMQPURL:     os.Getenv("AMQP_URL"),
		MetricsAddr: envString("METRICS_ADDR", ":9090"),
		CacheTTL:    envDuration("CACHE_TTL", 5*time.Minute),
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.Session = session.Config{
		DefaultDuration:       envDuration("SESSION_DEFAULT_DURATION", 24*time.Hour),
		MaxSessionsPerAccount: envInt("SESSION_MAX_PER_ACCOUNT", 10),
		EnableBinding:         envBool("SESSION_ENABLE_BINDING", true),
		IPBindingStrict:       envBool("SESSION_IP_BINDING_STRICT", false),
		EnableReuseDetection:  envBool("SESSION_ENABLE_REUSE_DETECTION", true),
	}

	cfg.SagaOpts = saga.Options{
		StepTimeout: envDuration("SAGA_STEP_TIMEOUT", 30*time.Second),
		SagaTimeout: envDuration("SAGA_TIMEOUT", 5*time.Minute),
	}
	cfg.SagaRetry = saga.RetryConfig{
		MaxRetries:        envInt("SAGA_MAX_RETRIES", 3),
		Delay:             envDuration("SAGA_RETRY_DELAY", time.Second),
		BackoffMultiplier: envFloat("SAGA_BACKOFF_MULTIPLIER", 2.0),
	}

	cfg.Relay = outbox.RelayConfig{
		BatchSize:       envInt("OUTBOX_BATCH_SIZE", 100),
		MinPoll:         envDuration("OUTBOX_MIN_POLL", 100*time.Millisecond),
		MaxPoll:         envDuration("OUTBOX_MAX_POLL", 10*time.Second),
		BaseBackoff:     envDuration("OUTBOX_BASE_BACKOFF", time.Second),
		MaxRetryBackoff: envDuration("OUTBOX_MAX_RETRY_BACKOFF", time.Hour),
		PublishRate:     envFloat("OUTBOX_PUBLISH_RATE", 0),
	}

	cfg.Reconciler = reconciler.JobsConfig{
		SessionExpiryEvery:  envDuration("RECONCILER_SESSION_EXPIRY_EVERY", 5*time.Minute),
		RevokedTokenGCEvery: envDuration("RECONCILER_REVOKED_TOKEN_GC_EVERY", time.Hour),
		IdempotencyGCEvery:  envDuration("RECONCILER_IDEMPOTENCY_GC_EVERY", time.Hour),
		SagaTimeoutsEvery:   envDuration("RECONCILER_SAGA_TIMEOUTS_EVERY", 5*time.Minute),
		DeadLetterGCEvery:   envDuration("RECONCILER_DEAD_LETTER_GC_EVERY", 24*time.Hour),
		OutboxGCEvery:       envDuration("RECONCILER_OUTBOX_GC_EVERY", time.Hour),
		ConsentExpiryEvery:  envDuration("RECONCILER_CONSENT_EXPIRY_EVERY", time.Hour),
		DSRDeadlinesEvery:   envDuration("RECONCILER_DSR_DEADLINES_EVERY", 15*time.Minute),
		OutboxRetention:     envDuration("OUTBOX_RETENTION", 7*24*time.Hour),
		DeadLetterRetention: envDuration("DEAD_LETTER_RETENTION", 90*24*time.Hour),
		SagaRetention:       envDuration("SAGA_RETENTION", 30*24*time.Hour),
		ConsentWarnHorizon:  envDuration("CONSENT_WARN_HORIZON", 30*24*time.Hour),
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
