package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/precious112/prism_ai/worker/internal/history"
	"github.com/precious112/prism_ai/worker/internal/llm"
	"github.com/precious112/prism_ai/worker/internal/metrics"
	"github.com/precious112/prism_ai/worker/internal/planner"
	"github.com/precious112/prism_ai/worker/internal/queue"
	"github.com/precious112/prism_ai/worker/internal/streaming"
	"github.com/precious112/prism_ai/worker/internal/tracing"
)

const (
	defaultAgentName = "Worker"
	defaultBackoff   = time.Second
	publishTimeout   = 5 * time.Second

	msgTaskStarted   = "Task received and started."
	msgPlanGenerated = "Research plan generated."
)

// State is what the worker loop is currently doing
type State int32

const (
	StateIdle State = iota
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// TaskSource yields raw task payloads, blocking until one is available
type TaskSource interface {
	Pop(ctx context.Context) ([]byte, error)
}

// Planner builds a research plan for a query, using the task's LLM override
// when it is non-zero
type Planner interface {
	GeneratePlan(ctx context.Context, query string, messages []history.Message, override llm.Override) (*planner.ResearchPlan, error)
}

// Options tune the worker loop
type Options struct {
	AgentName string
	// Backoff is the pause after a failed task or pop. Zero means one
	// second and a negative value disables it.
	Backoff time.Duration
	// PlanningEnabled runs the planner after acknowledging each task
	PlanningEnabled bool
}

// Worker consumes tasks one at a time and reports progress through a Publisher
type Worker struct {
	id        string
	source    TaskSource
	publisher streaming.Publisher
	planner   Planner
	opts      Options
	logger    *zap.Logger

	state     atomic.Int32
	processed atomic.Int64
}

// New creates a worker. plan may be nil when planning is disabled.
func New(source TaskSource, publisher streaming.Publisher, plan Planner, opts Options, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AgentName == "" {
		opts.AgentName = defaultAgentName
	}
	if opts.Backoff == 0 {
		opts.Backoff = defaultBackoff
	}
	if plan == nil {
		opts.PlanningEnabled = false
	}
	id := uuid.New().String()
	return &Worker{
		id:        id,
		source:    source,
		publisher: publisher,
		planner:   plan,
		opts:      opts,
		logger:    logger.With(zap.String("worker_id", id)),
	}
}

// ID identifies this worker instance in logs
func (w *Worker) ID() string { return w.id }

// State returns the current loop state
func (w *Worker) State() State { return State(w.state.Load()) }

// Processed returns the number of payloads handled so far
func (w *Worker) Processed() int64 { return w.processed.Load() }

// Run pops and handles tasks until ctx is cancelled, then returns nil.
// Failures of a single task never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started",
		zap.Bool("planning_enabled", w.opts.PlanningEnabled),
		zap.Duration("backoff", w.opts.Backoff),
	)
	defer w.logger.Info("Worker stopped", zap.Int64("processed", w.processed.Load()))

	for {
		if ctx.Err() != nil {
			return nil
		}

		w.state.Store(int32(StateIdle))
		payload, err := w.source.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if queue.IsClosed(err) {
				return fmt.Errorf("task source closed: %w", err)
			}
			metrics.QueuePopErrors.Inc()
			w.logger.Error("Failed to pop task", zap.Error(err))
			w.sleep(ctx)
			continue
		}

		w.state.Store(int32(StateProcessing))
		err = w.process(ctx, payload)
		w.processed.Add(1)
		w.state.Store(int32(StateIdle))
		if err != nil {
			w.sleep(ctx)
		}
	}
}

// process handles one payload, converting panics into errors
func (w *Worker) process(ctx context.Context, payload []byte) (err error) {
	start := time.Now()
	status := "success"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			err = fmt.Errorf("panic while processing task: %v", r)
			w.logger.Error("Recovered from panic in task", zap.Any("panic", r), zap.Stack("stack"))
		}
		metrics.TasksProcessed.WithLabelValues(status).Inc()
		metrics.TaskDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	metrics.TasksReceived.Inc()
	err = w.handle(ctx, payload)
	if err != nil {
		var decErr *queue.DecodeError
		if errors.As(err, &decErr) {
			status = "decode_error"
			w.logger.Error("Failed to decode task", zap.Error(err), zap.ByteString("payload", truncate(payload, 512)))
		} else {
			status = "failed"
			w.logger.Error("Task failed", zap.Error(err))
		}
	}
	return err
}

func (w *Worker) handle(ctx context.Context, payload []byte) error {
	task, err := queue.DecodeTask(payload)
	if err != nil {
		return err
	}

	ctx, span := tracing.StartSpan(ctx, "worker.handle_task",
		attribute.String("request_id", task.RequestID),
		attribute.Int("history.length", len(task.History)),
	)
	err = w.runTask(ctx, task)
	tracing.EndSpan(span, err)
	return err
}

func (w *Worker) runTask(ctx context.Context, task queue.Task) error {
	logger := w.logger.With(zap.String("request_id", task.RequestID))
	override := llm.OverrideFromTaskConfig(task.Config)
	logger.Info("Processing task",
		zap.String("query", task.Query),
		zap.Int("history_length", len(task.History)),
		zap.Int("config_keys", len(task.Config)),
		zap.String("llm_provider", override.Provider),
		zap.String("llm_model", override.Model),
	)
	if task.HistoryDropped > 0 {
		logger.Warn("Ignored unusable history entries", zap.Int("dropped", task.HistoryDropped))
	}

	w.emit(ctx, logger, streaming.NewAgentUpdate(w.opts.AgentName, streaming.StatusThinking, msgTaskStarted,
		map[string]any{"requestId": task.RequestID}))

	if !w.opts.PlanningEnabled {
		return nil
	}

	plan, err := w.planner.GeneratePlan(ctx, task.Query, task.History, override)
	if err != nil {
		w.emit(ctx, logger, streaming.NewAgentUpdate(w.opts.AgentName, streaming.StatusError, err.Error(),
			map[string]any{"requestId": task.RequestID}))
		return fmt.Errorf("request %s: %w", task.RequestID, err)
	}

	w.emit(ctx, logger, streaming.NewAgentUpdate(w.opts.AgentName, streaming.StatusCompleted, msgPlanGenerated,
		map[string]any{"requestId": task.RequestID, "sections": plan.Sections}))
	logger.Info("Task completed", zap.Int("sections", len(plan.Sections)))
	return nil
}

// emit publishes event; delivery failures are logged and never fail the task.
// Publishing outlives cancellation of ctx so a popped task is still
// acknowledged during shutdown.
func (w *Worker) emit(ctx context.Context, logger *zap.Logger, event streaming.UpdateEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := w.publisher.Publish(ctx, event); err != nil {
		metrics.UpdatesPublished.WithLabelValues("error").Inc()
		logger.Warn("Failed to publish update",
			zap.String("status", event.Payload.Status),
			zap.Error(err),
		)
		return
	}
	metrics.UpdatesPublished.WithLabelValues("success").Inc()
}

func (w *Worker) sleep(ctx context.Context) {
	if w.opts.Backoff <= 0 {
		return
	}
	t := time.NewTimer(w.opts.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
