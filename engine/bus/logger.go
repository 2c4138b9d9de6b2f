package bus

import (
	"context"
	"log/slog"
)

// LogPublisher writes envelopes to the structured log instead of a broker.
// Used in development and in deployments that have not provisioned AMQP yet.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, env *Envelope) error {
	p.logger.InfoContext(ctx, "event published",
		"topic", topic,
		"event_id", env.ID,
		"event_type", env.EventType,
		"aggregate_type", env.AggregateType,
		"aggregate_id", env.AggregateID,
	)
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
