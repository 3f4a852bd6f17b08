package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_worker_tasks_received_total",
			Help: "Total number of payloads popped from the task queue",
		},
	)

	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_worker_tasks_processed_total",
			Help: "Total number of tasks processed, by outcome",
		},
		[]string{"status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_worker_task_duration_seconds",
			Help:    "Time spent processing a single task",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	QueuePopErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_worker_queue_pop_errors_total",
			Help: "Total number of failed blocking pops",
		},
	)

	// Update channel metrics
	UpdatesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_worker_updates_published_total",
			Help: "Total number of update events handed to the publisher, by result",
		},
		[]string{"result"},
	)

	// Compaction metrics
	Compactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_worker_history_compactions_total",
			Help: "Total number of history compactions, by outcome",
		},
		[]string{"outcome"},
	)

	ChunkSummaries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_worker_chunk_summaries_total",
			Help: "Total number of chunk summarization calls, by result",
		},
		[]string{"result"},
	)

	CompactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_worker_history_compaction_duration_seconds",
			Help:    "Wall time of a full compaction including the fan-out",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// Planning metrics
	PlansGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_worker_plans_generated_total",
			Help: "Total number of plan generation attempts, by result",
		},
		[]string{"result"},
	)

	PlanSections = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_worker_plan_sections",
			Help:    "Number of sections per generated plan",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_worker_llm_requests_total",
			Help: "Total number of LLM requests, by kind and result",
		},
		[]string{"kind", "result"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_worker_llm_request_duration_seconds",
			Help:    "LLM request latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	LLMTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_worker_llm_tokens_total",
			Help: "Tokens reported by the LLM provider",
		},
		[]string{"kind", "direction"},
	)
)
