// Command coreplane runs the engine's background processes: the outbox
// relay, the scheduled reconciler, and the metrics endpoint. The saga
// orchestrator and the session, consent, and DSR managers are library
// surface, constructed by the services that embed them.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aurelia-id/coreplane/engine/bus"
	"github.com/aurelia-id/coreplane/engine/cache"
	"github.com/aurelia-id/coreplane/engine/outbox"
	"github.com/aurelia-id/coreplane/engine/reconciler"
	"github.com/aurelia-id/coreplane/engine/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("connected to postgres")

	// Redis is optional: without it every consent check and revocation
	// lookup goes to the database.
	var c *cache.Cache
	if cfg.RedisAddr != "" {
		c, err = cache.New(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), cfg.RedisDB, cfg.CacheTTL)
		if err != nil {
			logger.Warn("redis unavailable, running without cache", "error", err)
			c = nil
		} else {
			defer c.Close()
			logger.Info("connected to redis", "addr", cfg.RedisAddr)
		}
	}

	// Without a broker, events go to the log. Useful in development and
	// harmless in production bring-up: rows stay durable in the outbox.
	var publisher bus.Publisher
	if cfg.AMQPURL != "" {
		publisher, err = bus.NewAMQPPublisher(cfg.AMQPURL, "coreplane.events")
		if err != nil {
			logger.Error("amqp connection failed", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to message broker")
	} else {
		publisher = bus.NewLogPublisher(logger)
		logger.Warn("AMQP_URL not set, publishing events to log only")
	}
	defer publisher.Close()

	relay := outbox.NewRelay(st, publisher, cfg.Relay, logger)
	relayCtx, stopRelay := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Run(relayCtx)
	}()

	runner := reconciler.NewRunner(reconciler.Jobs(st, c, cfg.Reconciler, logger), logger)
	runner.Start()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop intake first, then drain: reconciler jobs finish their pass,
	// the relay completes its current item, active sagas abort as failed.
	runner.Stop()
	stopRelay()
	<-relayDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
}

func logLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
