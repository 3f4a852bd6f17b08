package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/precious112/prism_ai/worker/internal/history"
	"github.com/precious112/prism_ai/worker/internal/llm"
	"github.com/precious112/prism_ai/worker/internal/planner"
	"github.com/precious112/prism_ai/worker/internal/queue"
	"github.com/precious112/prism_ai/worker/internal/streaming"
)

type chanSource struct {
	payloads chan []byte
	pops     atomic.Int32
	popTimes chan time.Time
}

func newChanSource() *chanSource {
	return &chanSource{payloads: make(chan []byte, 16), popTimes: make(chan time.Time, 64)}
}

func (s *chanSource) Pop(ctx context.Context) ([]byte, error) {
	s.pops.Add(1)
	select {
	case s.popTimes <- time.Now():
	default:
	}
	select {
	case p := <-s.payloads:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []streaming.UpdateEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event streaming.UpdateEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Events() []streaming.UpdateEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]streaming.UpdateEvent(nil), p.events...)
}

// noBackoff disables the pause after failed tasks
const noBackoff = -1

type fakePlanner struct {
	plan      *planner.ResearchPlan
	err       error
	panics    bool
	block     chan struct{}
	queries   []string
	overrides []llm.Override
	histories [][]history.Message
	mu        sync.Mutex
}

func (f *fakePlanner) GeneratePlan(ctx context.Context, query string, messages []history.Message, override llm.Override) (*planner.ResearchPlan, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.overrides = append(f.overrides, override)
	f.histories = append(f.histories, messages)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.panics {
		panic("planner exploded")
	}
	return f.plan, f.err
}

// startWorker runs w in the background and stops it at test cleanup
func startWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop")
		}
	})
}

func TestWorkerEmitsOneEventPerTask(t *testing.T) {
	src := newChanSource()
	pub := &recordingPublisher{}
	w := New(src, pub, nil, Options{}, zaptest.NewLogger(t))
	startWorker(t, w)

	src.payloads <- []byte(`{"requestId":"r1","query":"q","config":{}}`)

	require.Eventually(t, func() bool { return src.pops.Load() >= 2 }, time.Second, 5*time.Millisecond)

	events := pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "agent_update", events[0].Type)
	assert.Equal(t, "Worker", events[0].Payload.Agent)
	assert.Equal(t, "thinking", events[0].Payload.Status)
	assert.Equal(t, "Task received and started.", events[0].Payload.Message)
	assert.Equal(t, "r1", events[0].Payload.Data["requestId"])
	assert.Equal(t, int64(1), w.Processed())
}

func TestWorkerSurvivesMalformedPayload(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	src := newChanSource()
	pub := &recordingPublisher{}
	w := New(src, pub, nil, Options{Backoff: noBackoff}, zap.New(core))
	startWorker(t, w)

	src.payloads <- []byte(`{not json`)
	src.payloads <- []byte(`{"requestId":"r2","query":"q"}`)

	require.Eventually(t, func() bool { return src.pops.Load() >= 3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, logs.FilterMessage("Failed to decode task").Len())
	events := pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "r2", events[0].RequestID())
}

func TestWorkerSwallowsPublishErrors(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	src := newChanSource()
	pub := &recordingPublisher{err: &streaming.PublishError{Channel: "updates", Err: errors.New("down")}}
	w := New(src, pub, nil, Options{Backoff: time.Hour}, zap.New(core))
	startWorker(t, w)

	src.payloads <- []byte(`{"requestId":"r1","query":"q"}`)
	src.payloads <- []byte(`{"requestId":"r2","query":"q"}`)

	// A backoff of an hour would stall here if the publish error failed the task
	require.Eventually(t, func() bool { return src.pops.Load() >= 3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, logs.FilterMessage("Failed to publish update").Len())
	assert.Zero(t, logs.FilterMessage("Task failed").Len())
}

func TestWorkerPlanningSuccess(t *testing.T) {
	src := newChanSource()
	pub := &recordingPublisher{}
	plan := &fakePlanner{plan: &planner.ResearchPlan{Sections: []planner.Section{
		{Title: "Introduction", Description: "Intro"},
		{Title: "Conclusion", Description: "Outro"},
	}}}
	w := New(src, pub, plan, Options{PlanningEnabled: true}, zaptest.NewLogger(t))
	startWorker(t, w)

	src.payloads <- []byte(`{"requestId":"r1","query":"quantum batteries"}`)
	require.Eventually(t, func() bool { return src.pops.Load() >= 2 }, time.Second, 5*time.Millisecond)

	events := pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, streaming.StatusThinking, events[0].Payload.Status)
	assert.Equal(t, streaming.StatusCompleted, events[1].Payload.Status)
	assert.Equal(t, "Research plan generated.", events[1].Payload.Message)
	assert.Equal(t, "r1", events[1].RequestID())

	sections, ok := events[1].Payload.Data["sections"].([]planner.Section)
	require.True(t, ok)
	require.Len(t, sections, 2)
	assert.Equal(t, "Introduction", sections[0].Title)
	assert.Equal(t, []string{"quantum batteries"}, plan.queries)
}

func TestWorkerPlanningFailureEmitsError(t *testing.T) {
	src := newChanSource()
	pub := &recordingPublisher{}
	plan := &fakePlanner{err: &planner.PlanGenerationError{Stage: "generation", Err: errors.New("llm down")}}
	w := New(src, pub, plan, Options{PlanningEnabled: true, Backoff: noBackoff}, zaptest.NewLogger(t))
	startWorker(t, w)

	src.payloads <- []byte(`{"requestId":"r1","query":"q"}`)
	require.Eventually(t, func() bool { return src.pops.Load() >= 2 }, time.Second, 5*time.Millisecond)

	events := pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, streaming.StatusError, events[1].Payload.Status)
	assert.Contains(t, events[1].Payload.Message, "llm down")
	assert.Equal(t, "r1", events[1].RequestID())
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	src := newChanSource()
	pub := &recordingPublisher{}
	w := New(src, pub, &fakePlanner{panics: true}, Options{PlanningEnabled: true, Backoff: noBackoff}, zap.New(core))
	startWorker(t, w)

	src.payloads <- []byte(`{"requestId":"r1","query":"q"}`)
	require.Eventually(t, func() bool { return src.pops.Load() >= 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, logs.FilterMessage("Recovered from panic in task").Len())
	assert.Equal(t, StateIdle, w.State())
}

func TestWorkerBacksOffAfterFailure(t *testing.T) {
	src := newChanSource()
	backoff := 150 * time.Millisecond
	w := New(src, &recordingPublisher{}, nil, Options{Backoff: backoff}, zaptest.NewLogger(t))
	startWorker(t, w)

	first := <-src.popTimes
	src.payloads <- []byte(`garbage`)
	second := <-src.popTimes

	assert.GreaterOrEqual(t, second.Sub(first), backoff)
}

func TestWorkerBackoffDefaults(t *testing.T) {
	src := newChanSource()
	assert.Equal(t, time.Second, New(src, &recordingPublisher{}, nil, Options{}, nil).opts.Backoff)
	assert.Equal(t, 3*time.Second, New(src, &recordingPublisher{}, nil, Options{Backoff: 3 * time.Second}, nil).opts.Backoff)

	w := New(src, &recordingPublisher{}, nil, Options{Backoff: noBackoff}, nil)
	start := time.Now()
	w.sleep(context.Background())
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWorkerAcknowledgesTaskWithUnusableHistory(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	src := newChanSource()
	pub := &recordingPublisher{}
	plan := &fakePlanner{plan: &planner.ResearchPlan{Sections: []planner.Section{{Title: "A", Description: "a"}}}}
	w := New(src, pub, plan, Options{PlanningEnabled: true, Backoff: noBackoff}, zap.New(core))
	startWorker(t, w)

	src.payloads <- []byte(`{"requestId":"r1","query":"q","config":{},"history":"see thread 42"}`)
	src.payloads <- []byte(`{"requestId":"r2","query":"q","history":[{"role":"user","content":1},{"role":"user","content":"hi"}]}`)
	require.Eventually(t, func() bool { return src.pops.Load() >= 3 }, time.Second, 5*time.Millisecond)

	events := pub.Events()
	require.Len(t, events, 4)
	assert.Equal(t, "r1", events[0].RequestID())
	assert.Equal(t, streaming.StatusThinking, events[0].Payload.Status)
	assert.Equal(t, streaming.StatusCompleted, events[1].Payload.Status)
	assert.Equal(t, "r2", events[2].RequestID())
	assert.Equal(t, streaming.StatusThinking, events[2].Payload.Status)

	assert.Zero(t, logs.FilterMessage("Failed to decode task").Len())
	assert.Equal(t, 2, logs.FilterMessage("Ignored unusable history entries").Len())

	plan.mu.Lock()
	defer plan.mu.Unlock()
	assert.Empty(t, plan.histories[0])
	assert.Equal(t, []history.Message{{Role: history.RoleUser, Content: "hi"}}, plan.histories[1])
}

func TestWorkerPassesTaskLLMOverride(t *testing.T) {
	src := newChanSource()
	plan := &fakePlanner{plan: &planner.ResearchPlan{Sections: []planner.Section{{Title: "A", Description: "a"}}}}
	w := New(src, &recordingPublisher{}, plan, Options{PlanningEnabled: true}, zaptest.NewLogger(t))
	startWorker(t, w)

	src.payloads <- []byte(`{"requestId":"r1","query":"q","config":{"provider":"xai","model":"grok-3","api_key":"k"}}`)
	src.payloads <- []byte(`{"requestId":"r2","query":"q","config":{"depth":2}}`)
	require.Eventually(t, func() bool { return src.pops.Load() >= 3 }, time.Second, 5*time.Millisecond)

	plan.mu.Lock()
	defer plan.mu.Unlock()
	require.Len(t, plan.overrides, 2)
	assert.Equal(t, llm.Override{Provider: "xai", Model: "grok-3", APIKey: "k"}, plan.overrides[0])
	assert.True(t, plan.overrides[1].IsZero())
}

// cancellingSource hands out one payload and cancels the run context as it does
type cancellingSource struct {
	payload []byte
	cancel  context.CancelFunc
	served  atomic.Bool
}

func (s *cancellingSource) Pop(ctx context.Context) ([]byte, error) {
	if s.served.CompareAndSwap(false, true) {
		s.cancel()
		return s.payload, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

// ctxPublisher fails like a real transport once its context is done
type ctxPublisher struct {
	recordingPublisher
}

func (p *ctxPublisher) Publish(ctx context.Context, event streaming.UpdateEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.recordingPublisher.Publish(ctx, event)
}

func TestWorkerAcknowledgesTaskPoppedDuringShutdown(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx, cancel := context.WithCancel(context.Background())
	src := &cancellingSource{payload: []byte(`{"requestId":"r1","query":"q"}`), cancel: cancel}
	pub := &ctxPublisher{}
	w := New(src, pub, nil, Options{}, zap.New(core))

	require.NoError(t, w.Run(ctx))

	events := pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "r1", events[0].RequestID())
	assert.Zero(t, logs.FilterMessage("Failed to publish update").Len())
}

func TestWorkerState(t *testing.T) {
	src := newChanSource()
	plan := &fakePlanner{
		plan:  &planner.ResearchPlan{Sections: []planner.Section{{Title: "A"}}},
		block: make(chan struct{}),
	}
	w := New(src, &recordingPublisher{}, plan, Options{PlanningEnabled: true}, zaptest.NewLogger(t))
	assert.Equal(t, StateIdle, w.State())
	startWorker(t, w)

	src.payloads <- []byte(`{"requestId":"r1","query":"q"}`)
	require.Eventually(t, func() bool { return w.State() == StateProcessing }, time.Second, 5*time.Millisecond)

	close(plan.block)
	require.Eventually(t, func() bool { return src.pops.Load() >= 2 && w.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "idle", w.State().String())
	assert.Equal(t, "processing", StateProcessing.String())
}

func TestWorkerRunReturnsOnCancel(t *testing.T) {
	src := newChanSource()
	w := New(src, &recordingPublisher{}, nil, Options{}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return src.pops.Load() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWorkerWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zaptest.NewLogger(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, "updates")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	q := queue.NewRedisQueue(client, "research_tasks", logger)
	pub := streaming.NewRedisPublisher(client, "updates", nil, logger)
	w := New(q, pub, nil, Options{}, logger)

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	require.NoError(t, q.Push(ctx, queue.Task{RequestID: "r1", Query: "q"}))

	select {
	case msg := <-sub.Channel():
		var event streaming.UpdateEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
		assert.Equal(t, "agent_update", event.Type)
		assert.Equal(t, "r1", event.RequestID())
	case <-ctx.Done():
		t.Fatal("no update published")
	}

	// Shutdown: cancel, then close the client to release the blocking pop
	stop()
	require.NoError(t, client.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
