package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/precious112/prism_ai/worker/internal/circuitbreaker"
	"github.com/precious112/prism_ai/worker/internal/config"
	"github.com/precious112/prism_ai/worker/internal/health"
	"github.com/precious112/prism_ai/worker/internal/history"
	"github.com/precious112/prism_ai/worker/internal/llm"
	"github.com/precious112/prism_ai/worker/internal/logging"
	"github.com/precious112/prism_ai/worker/internal/planner"
	"github.com/precious112/prism_ai/worker/internal/queue"
	"github.com/precious112/prism_ai/worker/internal/streaming"
	"github.com/precious112/prism_ai/worker/internal/tracing"
	"github.com/precious112/prism_ai/worker/internal/worker"
)

func runCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the task worker until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), *cfgPath)
		},
	}
}

func runWorker(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	client, err := newRedisClient(cfg)
	if err != nil {
		logger.Error("Invalid Redis URL", zap.Error(err))
		return err
	}
	defer func() { _ = client.Close() }()

	tasks := queue.NewRedisQueue(client, cfg.Redis.TaskQueue, logger)
	pingCtx, cancelPing := context.WithTimeout(ctx, cfg.Redis.DialTimeout+time.Second)
	err = tasks.Ping(pingCtx)
	cancelPing()
	if err != nil {
		logger.Error("Could not connect to Redis", zap.Error(err))
		return err
	}
	logger.Info("Connected to Redis",
		zap.String("addr", client.Options().Addr),
		zap.String("task_queue", tasks.Key()),
		zap.String("updates_channel", cfg.Redis.UpdatesChannel),
	)

	// Updates use their own connection pool so acknowledgments still go out
	// after the queue client is closed at shutdown
	pubClient, err := newRedisClient(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = pubClient.Close() }()

	redisBreaker := circuitbreaker.New("redis", "publisher", breakerConfig(cfg.CircuitBreaker), logger)
	publisher := newPublisher(cfg, pubClient, redisBreaker, logger)

	hm := health.NewManager(logger)
	_ = hm.RegisterChecker(health.NewRedisHealthChecker(client, redisBreaker, logger))

	var plan worker.Planner
	if cfg.Worker.PlanningEnabled {
		agent, llmClient, err := newPlanner(cfg, logger)
		if err != nil {
			logger.Error("Failed to initialize planner", zap.Error(err))
			return err
		}
		plan = agent
		_ = hm.RegisterChecker(health.NewBreakerHealthChecker(llmClient.Breaker(), false))
	}

	w := worker.New(tasks, publisher, plan, worker.Options{
		AgentName:       cfg.Worker.AgentName,
		Backoff:         cfg.Worker.Backoff,
		PlanningEnabled: cfg.Worker.PlanningEnabled,
	}, logger)
	_ = hm.RegisterChecker(health.NewWorkerHealthChecker(w))

	if cfg.Admin.Enabled {
		admin := health.NewAdminServer(hm, cfg.Admin.Port, map[string]http.Handler{
			"/metrics": promhttp.Handler(),
		}, logger)
		go func() {
			logger.Info("Admin HTTP server listening", zap.Int("port", cfg.Admin.Port))
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Admin HTTP server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = admin.Shutdown(shutdownCtx)
		}()
	}

	// BLPOP with no timeout ignores ctx; closing the client releases it
	go func() {
		<-ctx.Done()
		logger.Info("Shutdown signal received")
		_ = client.Close()
	}()

	logger.Info("Waiting for tasks", zap.String("worker_id", w.ID()))
	return w.Run(ctx)
}

func newRedisClient(cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Redis.DialTimeout > 0 {
		opts.DialTimeout = cfg.Redis.DialTimeout
	}
	return redis.NewClient(opts), nil
}

func newPublisher(cfg *config.Config, client *redis.Client, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) streaming.Publisher {
	if cfg.Worker.Publisher == "log" {
		logger.Info("Publishing updates to the log only")
		return streaming.NewLogPublisher(logger)
	}
	return streaming.NewRedisPublisher(client, cfg.Redis.UpdatesChannel, breaker, logger)
}

func newPlanner(cfg *config.Config, logger *zap.Logger) (*planner.Agent, *llm.Client, error) {
	client, err := llm.NewClient(llm.Config{
		Provider:          cfg.LLM.Provider,
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.Providers.APIKey(llm.NormalizeProvider(cfg.LLM.Provider)),
		Model:             cfg.LLM.Model,
		Temperature:       cfg.LLM.Temperature,
		RequestTimeout:    cfg.LLM.RequestTimeout,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		Breaker:           breakerConfig(cfg.CircuitBreaker),
		KeyFor:            cfg.Providers.APIKey,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	compactor := history.NewCompactor(client.WithModel(cfg.LLM.SummaryModel), cfg.Compaction.MaxConcurrency, logger)
	agent := planner.NewAgent(client, compactor, logger).
		WithResolver(planner.ClientResolver(client, cfg.LLM.SummaryModel, cfg.Compaction.MaxConcurrency, logger))
	return agent, client, nil
}

func breakerConfig(c config.CircuitBreakerConfig) circuitbreaker.Config {
	out := circuitbreaker.DefaultConfig()
	if c.MaxRequests > 0 {
		out.MaxRequests = c.MaxRequests
	}
	if c.Interval > 0 {
		out.Interval = c.Interval
	}
	if c.Timeout > 0 {
		out.Timeout = c.Timeout
	}
	if c.FailureThreshold > 0 {
		out.FailureThreshold = c.FailureThreshold
	}
	if c.SuccessThreshold > 0 {
		out.SuccessThreshold = c.SuccessThreshold
	}
	return out
}
