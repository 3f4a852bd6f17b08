package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/precious112/prism_ai/worker/internal/circuitbreaker"
	"github.com/precious112/prism_ai/worker/internal/worker"
)

// RedisHealthChecker checks Redis connectivity
type RedisHealthChecker struct {
	client  redis.Cmdable
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker. breaker may be nil.
func NewRedisHealthChecker(client redis.Cmdable, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *RedisHealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisHealthChecker{
		client:  client,
		breaker: breaker,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return true }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{}

	if r.breaker != nil && r.breaker.State() == circuitbreaker.StateOpen {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Redis circuit breaker is open"
		return result
	}

	err := r.client.Ping(ctx).Err()
	latency := time.Since(start)
	if err != nil {
		r.logger.Warn("Redis health check failed", zap.Error(err), zap.Duration("latency", latency))
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
		result.Details = map[string]any{"latency_ms": latency.Milliseconds()}
		return result
	}

	if latency > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "Redis healthy"
	}
	result.Details = map[string]any{"latency_ms": latency.Milliseconds()}
	return result
}

// WorkerStatus is the view of the task loop the worker checker needs
type WorkerStatus interface {
	ID() string
	State() worker.State
	Processed() int64
}

// WorkerHealthChecker reports the task loop state
type WorkerHealthChecker struct {
	worker WorkerStatus
}

func NewWorkerHealthChecker(w WorkerStatus) *WorkerHealthChecker {
	return &WorkerHealthChecker{worker: w}
}

func (c *WorkerHealthChecker) Name() string           { return "worker" }
func (c *WorkerHealthChecker) IsCritical() bool       { return false }
func (c *WorkerHealthChecker) Timeout() time.Duration { return time.Second }

func (c *WorkerHealthChecker) Check(ctx context.Context) CheckResult {
	state := c.worker.State()
	return CheckResult{
		Status:  StatusHealthy,
		Message: "Worker " + state.String(),
		Details: map[string]any{
			"worker_id": c.worker.ID(),
			"state":     state.String(),
			"processed": c.worker.Processed(),
		},
	}
}

// BreakerHealthChecker reports a circuit breaker guarding a dependency.
// Open is unhealthy, half-open is degraded.
type BreakerHealthChecker struct {
	breaker  *circuitbreaker.CircuitBreaker
	critical bool
}

func NewBreakerHealthChecker(breaker *circuitbreaker.CircuitBreaker, critical bool) *BreakerHealthChecker {
	return &BreakerHealthChecker{breaker: breaker, critical: critical}
}

func (c *BreakerHealthChecker) Name() string           { return c.breaker.Name() + "_circuit" }
func (c *BreakerHealthChecker) IsCritical() bool       { return c.critical }
func (c *BreakerHealthChecker) Timeout() time.Duration { return time.Second }

func (c *BreakerHealthChecker) Check(ctx context.Context) CheckResult {
	state := c.breaker.State()
	counts := c.breaker.Counts()
	result := CheckResult{
		Details: map[string]any{
			"state":                state.String(),
			"consecutive_failures": counts.ConsecutiveFailures,
		},
	}
	switch state {
	case circuitbreaker.StateOpen:
		result.Status = StatusUnhealthy
		result.Message = c.breaker.Name() + " circuit breaker is open"
	case circuitbreaker.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = c.breaker.Name() + " circuit breaker is probing"
	default:
		result.Status = StatusHealthy
		result.Message = c.breaker.Name() + " circuit breaker closed"
	}
	return result
}
