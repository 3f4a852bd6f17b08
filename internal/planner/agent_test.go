package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/precious112/prism_ai/worker/internal/history"
	"github.com/precious112/prism_ai/worker/internal/llm"
)

type fakeGenerator struct {
	calls   int
	prompts []string
	schemas []llm.Schema
	result  any
	err     error
}

func (f *fakeGenerator) GenerateStructured(ctx context.Context, prompt string, schema llm.Schema, out any) error {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	f.schemas = append(f.schemas, schema)
	if f.err != nil {
		return f.err
	}
	// Round-trip through JSON like a real provider response
	raw, err := json.Marshal(f.result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

type fakeSummarizer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSummarizer) GenerateText(ctx context.Context, prompt string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "Summarized text", nil
}

func introConclusion() ResearchPlan {
	return ResearchPlan{Sections: []Section{
		{Title: "Introduction", Description: "Intro"},
		{Title: "Conclusion", Description: "Outro"},
	}}
}

func makeHistory(n int) []history.Message {
	msgs := make([]history.Message, n)
	for i := range msgs {
		role := history.RoleUser
		if i%2 == 1 {
			role = history.RoleAssistant
		}
		msgs[i] = history.Message{Role: role, Content: fmt.Sprintf("msg %d", i)}
	}
	return msgs
}

func TestGeneratePlanNoHistory(t *testing.T) {
	gen := &fakeGenerator{result: introConclusion()}
	agent := NewAgent(gen, nil, zaptest.NewLogger(t))

	plan, err := agent.GeneratePlan(context.Background(), "Test Query", nil, llm.Override{})
	require.NoError(t, err)

	assert.Equal(t, 1, gen.calls)
	require.Len(t, plan.Sections, 2)
	assert.Equal(t, "Introduction", plan.Sections[0].Title)
	assert.Equal(t, "Conclusion", plan.Sections[1].Title)

	assert.Contains(t, gen.prompts[0], "Research query: Test Query")
	assert.NotContains(t, gen.prompts[0], "Conversation so far")
	assert.Equal(t, "research_plan", gen.schemas[0].Name)
}

func TestGeneratePlanKeepsGeneratorOrder(t *testing.T) {
	gen := &fakeGenerator{result: ResearchPlan{Sections: []Section{
		{Title: "Zeta", Description: "z"},
		{Title: "Alpha", Description: "a"},
		{Title: "Alpha", Description: "duplicate"},
	}}}
	agent := NewAgent(gen, nil, zaptest.NewLogger(t))

	plan, err := agent.GeneratePlan(context.Background(), "q", nil, llm.Override{})
	require.NoError(t, err)
	require.Len(t, plan.Sections, 3)
	assert.Equal(t, []string{"Zeta", "Alpha", "Alpha"},
		[]string{plan.Sections[0].Title, plan.Sections[1].Title, plan.Sections[2].Title})
}

func TestGeneratePlanShortHistoryNotCompacted(t *testing.T) {
	gen := &fakeGenerator{result: introConclusion()}
	sum := &fakeSummarizer{}
	agent := NewAgent(gen, history.NewCompactor(sum, 8, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	_, err := agent.GeneratePlan(context.Background(), "q", makeHistory(4), llm.Override{})
	require.NoError(t, err)
	assert.Zero(t, sum.calls.Load())
	assert.Contains(t, gen.prompts[0], "user: msg 0")
	assert.Contains(t, gen.prompts[0], "assistant: msg 3")
}

func TestGeneratePlanCompactsLongHistory(t *testing.T) {
	gen := &fakeGenerator{result: introConclusion()}
	sum := &fakeSummarizer{}
	agent := NewAgent(gen, history.NewCompactor(sum, 8, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	_, err := agent.GeneratePlan(context.Background(), "q", makeHistory(20), llm.Override{})
	require.NoError(t, err)

	assert.Equal(t, int32(8), sum.calls.Load())
	assert.Equal(t, 1, gen.calls)
	prompt := gen.prompts[0]
	assert.Contains(t, prompt, history.SummaryMarker)
	assert.Contains(t, prompt, "user: msg 16")
	assert.NotContains(t, prompt, "user: msg 0\n")
}

func TestGeneratePlanCompactionFailure(t *testing.T) {
	errLLM := errors.New("summarizer down")
	gen := &fakeGenerator{result: introConclusion()}
	sum := &fakeSummarizer{err: errLLM}
	agent := NewAgent(gen, history.NewCompactor(sum, 8, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	plan, err := agent.GeneratePlan(context.Background(), "q", makeHistory(10), llm.Override{})
	require.Error(t, err)
	assert.Nil(t, plan)
	assert.Zero(t, gen.calls)

	var planErr *PlanGenerationError
	require.ErrorAs(t, err, &planErr)
	assert.Equal(t, "compaction", planErr.Stage)

	var sumErr *history.SummarizationError
	require.ErrorAs(t, err, &sumErr)
	assert.ErrorIs(t, err, errLLM)
}

func TestGeneratePlanGeneratorFailure(t *testing.T) {
	errGen := errors.New("rate limited")
	gen := &fakeGenerator{err: errGen}
	agent := NewAgent(gen, nil, zaptest.NewLogger(t))

	plan, err := agent.GeneratePlan(context.Background(), "q", nil, llm.Override{})
	require.Error(t, err)
	assert.Nil(t, plan)
	assert.Equal(t, 1, gen.calls)

	var planErr *PlanGenerationError
	require.ErrorAs(t, err, &planErr)
	assert.Equal(t, "generation", planErr.Stage)
	assert.ErrorIs(t, err, errGen)
}

func TestGeneratePlanNonConforming(t *testing.T) {
	tests := []struct {
		name   string
		result any
	}{
		{"no sections", ResearchPlan{}},
		{"empty title", ResearchPlan{Sections: []Section{{Title: "Intro"}, {Title: "  ", Description: "x"}}}},
		{"wrong shape", map[string]any{"sections": "not a list"}},
		{"null sections", map[string]any{"sections": nil}},
		{"not an object", []any{"Introduction"}},
		{"missing description", map[string]any{"sections": []any{
			map[string]any{"title": "Intro"},
		}}},
		{"misnamed keys", map[string]any{"sections": []any{
			map[string]any{"Title": "Intro", "body": "x"},
		}}},
		{"extra section key", map[string]any{"sections": []any{
			map[string]any{"title": "Intro", "description": "d", "notes": "n"},
		}}},
		{"extra top-level key", map[string]any{
			"sections": []any{map[string]any{"title": "Intro", "description": "d"}},
			"summary":  "x",
		}},
		{"null title", map[string]any{"sections": []any{
			map[string]any{"title": nil, "description": "d"},
		}}},
		{"numeric description", map[string]any{"sections": []any{
			map[string]any{"title": "Intro", "description": 3},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{result: tt.result}
			agent := NewAgent(gen, nil, zaptest.NewLogger(t))

			plan, err := agent.GeneratePlan(context.Background(), "q", nil, llm.Override{})
			require.Error(t, err)
			assert.Nil(t, plan)
			assert.Equal(t, 1, gen.calls, "no retry")

			var planErr *PlanGenerationError
			require.ErrorAs(t, err, &planErr)
			assert.Equal(t, "validation", planErr.Stage)
		})
	}
}

func TestGeneratePlanAcceptsExactShape(t *testing.T) {
	gen := &fakeGenerator{result: map[string]any{"sections": []any{
		map[string]any{"title": "Intro", "description": ""},
	}}}
	plan, err := NewAgent(gen, nil, zaptest.NewLogger(t)).GeneratePlan(context.Background(), "q", nil, llm.Override{})
	require.NoError(t, err)
	assert.Equal(t, []Section{{Title: "Intro"}}, plan.Sections)
}

func TestGeneratePlanOverrideWithoutResolver(t *testing.T) {
	gen := &fakeGenerator{result: introConclusion()}
	agent := NewAgent(gen, nil, zaptest.NewLogger(t))

	_, err := agent.GeneratePlan(context.Background(), "q", nil, llm.Override{Model: "other"})
	require.NoError(t, err)
	assert.Equal(t, 1, gen.calls)
}

func TestGeneratePlanOverrideUsesResolver(t *testing.T) {
	base := &fakeGenerator{result: introConclusion()}
	override := &fakeGenerator{result: introConclusion()}
	sum := &fakeSummarizer{}

	var got llm.Override
	agent := NewAgent(base, nil, zaptest.NewLogger(t)).WithResolver(
		func(o llm.Override) (StructuredGenerator, HistoryCompactor, error) {
			got = o
			return override, history.NewCompactor(sum, 8, zaptest.NewLogger(t)), nil
		})

	o := llm.Override{Provider: "xai", Model: "grok-3"}
	_, err := agent.GeneratePlan(context.Background(), "q", makeHistory(6), o)
	require.NoError(t, err)
	assert.Equal(t, o, got)
	assert.Zero(t, base.calls)
	assert.Equal(t, 1, override.calls)
	assert.Equal(t, int32(1), sum.calls.Load())
}

func TestGeneratePlanResolverFailure(t *testing.T) {
	gen := &fakeGenerator{result: introConclusion()}
	errKey := errors.New("missing API key")
	agent := NewAgent(gen, nil, zaptest.NewLogger(t)).WithResolver(
		func(llm.Override) (StructuredGenerator, HistoryCompactor, error) {
			return nil, nil, errKey
		})

	_, err := agent.GeneratePlan(context.Background(), "q", nil, llm.Override{Provider: "anthropic"})
	var planErr *PlanGenerationError
	require.ErrorAs(t, err, &planErr)
	assert.Equal(t, "configuration", planErr.Stage)
	assert.ErrorIs(t, err, errKey)
	assert.Zero(t, gen.calls)
}

func TestGeneratePlanWithoutGenerator(t *testing.T) {
	agent := NewAgent(nil, nil, nil)
	_, err := agent.GeneratePlan(context.Background(), "q", nil, llm.Override{})

	var planErr *PlanGenerationError
	assert.ErrorAs(t, err, &planErr)
}
