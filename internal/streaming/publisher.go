package streaming

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/precious112/prism_ai/worker/internal/circuitbreaker"
)

// Publisher delivers update events to whoever is listening
type Publisher interface {
	Publish(ctx context.Context, event UpdateEvent) error
}

// PublishError is returned when an event could not be delivered
type PublishError struct {
	Channel string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %q: %v", e.Channel, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// RedisPublisher publishes events as JSON on a Redis pub/sub channel
type RedisPublisher struct {
	client  redis.Cmdable
	channel string
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewRedisPublisher creates a publisher for channel. breaker may be nil.
func NewRedisPublisher(client redis.Cmdable, channel string, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		breaker: breaker,
		logger:  logger,
	}
}

// Publish sends event to the channel. Having no subscribers is not an error.
func (p *RedisPublisher) Publish(ctx context.Context, event UpdateEvent) error {
	body, err := event.Marshal()
	if err != nil {
		return &PublishError{Channel: p.channel, Err: fmt.Errorf("encode event: %w", err)}
	}

	publish := func(ctx context.Context) error {
		return p.client.Publish(ctx, p.channel, body).Err()
	}
	if p.breaker != nil {
		err = p.breaker.Execute(ctx, publish)
	} else {
		err = publish(ctx)
	}
	if err != nil {
		return &PublishError{Channel: p.channel, Err: err}
	}

	p.logger.Debug("Published update",
		zap.String("channel", p.channel),
		zap.String("status", event.Payload.Status),
		zap.String("request_id", event.RequestID()),
	)
	return nil
}

// LogPublisher writes events to the log instead of delivering them
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event UpdateEvent) error {
	p.logger.Info("Update event",
		zap.String("type", event.Type),
		zap.String("agent", event.Payload.Agent),
		zap.String("status", event.Payload.Status),
		zap.String("message", event.Payload.Message),
		zap.Any("data", event.Payload.Data),
	)
	return nil
}
