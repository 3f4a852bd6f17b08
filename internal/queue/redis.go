package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ConnectivityError means Redis could not be reached
type ConnectivityError struct {
	Addr string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("redis at %s unreachable: %v", e.Addr, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// RedisQueue is a FIFO task queue on a Redis list (RPUSH in, BLPOP out)
type RedisQueue struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

func NewRedisQueue(client *redis.Client, key string, logger *zap.Logger) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{client: client, key: key, logger: logger}
}

// Key returns the list name
func (q *RedisQueue) Key() string { return q.key }

// Pop blocks until a payload is available. The wait is unbounded; closing
// the client is what interrupts a pending pop at shutdown.
func (q *RedisQueue) Pop(ctx context.Context) ([]byte, error) {
	res, err := q.client.BLPop(ctx, 0, q.key).Result()
	if err != nil {
		return nil, fmt.Errorf("blpop %s: %w", q.key, err)
	}
	// Reply is [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("blpop %s: unexpected reply of %d elements", q.key, len(res))
	}
	return []byte(res[1]), nil
}

// Push appends task to the tail of the queue
func (q *RedisQueue) Push(ctx context.Context, task Task) error {
	body, err := task.Encode()
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, body).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", q.key, err)
	}
	q.logger.Debug("Task enqueued", zap.String("queue", q.key), zap.String("request_id", task.RequestID))
	return nil
}

// Len returns the number of queued payloads
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Ping checks connectivity and returns a *ConnectivityError on failure
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return &ConnectivityError{Addr: q.client.Options().Addr, Err: err}
	}
	return nil
}

// IsClosed reports whether err comes from a pop on a closed client
func IsClosed(err error) bool {
	return errors.Is(err, redis.ErrClosed)
}
