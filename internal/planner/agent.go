package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/precious112/prism_ai/worker/internal/history"
	"github.com/precious112/prism_ai/worker/internal/llm"
	"github.com/precious112/prism_ai/worker/internal/metrics"
	"github.com/precious112/prism_ai/worker/internal/tracing"
)

// StructuredGenerator produces output conforming to a JSON schema
type StructuredGenerator interface {
	GenerateStructured(ctx context.Context, prompt string, schema llm.Schema, out any) error
}

// HistoryCompactor shortens long conversation histories
type HistoryCompactor interface {
	Compact(ctx context.Context, messages []history.Message) ([]history.Message, error)
}

// PlanGenerationError wraps every failure of GeneratePlan
type PlanGenerationError struct {
	Stage string // "configuration", "compaction", "generation" or "validation"
	Err   error
}

func (e *PlanGenerationError) Error() string {
	return fmt.Sprintf("plan generation failed during %s: %v", e.Stage, e.Err)
}

func (e *PlanGenerationError) Unwrap() error { return e.Err }

var (
	errNoSections   = errors.New("plan has no sections")
	errEmptyTitle   = errors.New("plan section has an empty title")
	errNilGenerator = errors.New("no structured generator configured")
	errNotObject    = errors.New("expected a JSON object")
	errMissingField = errors.New("missing field")
	errUnknownField = errors.New("unknown field")
)

// Resolver builds the generator and compactor used for a task's LLM override
type Resolver func(o llm.Override) (StructuredGenerator, HistoryCompactor, error)

// Agent turns a research query into a ResearchPlan
type Agent struct {
	generator StructuredGenerator
	compactor HistoryCompactor
	resolver  Resolver
	logger    *zap.Logger
}

// NewAgent creates a planning agent. compactor may be nil, in which case
// history is passed through uncompacted.
func NewAgent(generator StructuredGenerator, compactor HistoryCompactor, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{generator: generator, compactor: compactor, logger: logger}
}

// WithResolver enables per-task LLM overrides. Without a resolver,
// overrides are ignored.
func (a *Agent) WithResolver(r Resolver) *Agent {
	a.resolver = r
	return a
}

// ClientResolver derives per-task clients from client. Summaries keep
// summaryModel unless the override picks another provider or model.
func ClientResolver(client *llm.Client, summaryModel string, maxConcurrency int, logger *zap.Logger) Resolver {
	return func(o llm.Override) (StructuredGenerator, HistoryCompactor, error) {
		c, err := client.WithOverride(o)
		if err != nil {
			return nil, nil, err
		}
		summarizer := c
		if o.Model == "" && c.Provider() == client.Provider() {
			summarizer = c.WithModel(summaryModel)
		}
		return c, history.NewCompactor(summarizer, maxConcurrency, logger), nil
	}
}

// GeneratePlan compacts long histories, then issues exactly one structured
// generation call and validates its result. Sections keep generator order.
// A non-zero override routes both compaction and generation through the
// resolved LLM.
func (a *Agent) GeneratePlan(ctx context.Context, query string, messages []history.Message, override llm.Override) (*ResearchPlan, error) {
	ctx, span := tracing.StartSpan(ctx, "planner.generate_plan",
		attribute.Int("history.length", len(messages)),
		attribute.Bool("llm.override", !override.IsZero()),
	)
	plan, err := a.generatePlan(ctx, query, messages, override)
	tracing.EndSpan(span, err)

	if err != nil {
		metrics.PlansGenerated.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.PlansGenerated.WithLabelValues("success").Inc()
	metrics.PlanSections.Observe(float64(len(plan.Sections)))
	return plan, nil
}

func (a *Agent) generatePlan(ctx context.Context, query string, messages []history.Message, override llm.Override) (*ResearchPlan, error) {
	generator, compactor := a.generator, a.compactor
	if !override.IsZero() {
		if a.resolver == nil {
			a.logger.Warn("Ignoring task LLM override, no resolver configured")
		} else {
			g, c, err := a.resolver(override)
			if err != nil {
				return nil, &PlanGenerationError{Stage: "configuration", Err: err}
			}
			generator, compactor = g, c
			a.logger.Debug("Using task LLM override",
				zap.String("provider", override.Provider),
				zap.String("model", override.Model),
				zap.Bool("api_key", override.APIKey != ""),
			)
		}
	}
	if generator == nil {
		return nil, &PlanGenerationError{Stage: "generation", Err: errNilGenerator}
	}

	if compactor != nil && len(messages) > history.TailSize {
		compacted, err := compactor.Compact(ctx, messages)
		if err != nil {
			return nil, &PlanGenerationError{Stage: "compaction", Err: err}
		}
		a.logger.Debug("Compacted history for planning",
			zap.Int("before", len(messages)),
			zap.Int("after", len(compacted)),
		)
		messages = compacted
	}

	var raw json.RawMessage
	if err := generator.GenerateStructured(ctx, buildPrompt(query, messages), PlanSchema, &raw); err != nil {
		return nil, &PlanGenerationError{Stage: "generation", Err: err}
	}
	plan, err := decodePlan(raw)
	if err != nil {
		return nil, &PlanGenerationError{Stage: "validation", Err: err}
	}

	a.logger.Info("Research plan generated", zap.Int("sections", len(plan.Sections)))
	return plan, nil
}

// decodePlan accepts exactly the PlanSchema shape. Keys are matched
// case-sensitively and every section needs a string title and description.
func decodePlan(raw []byte) (*ResearchPlan, error) {
	doc, err := exactObject(raw, "sections")
	if err != nil {
		return nil, err
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(doc["sections"], &entries); err != nil {
		return nil, fmt.Errorf("sections: %w", err)
	}
	if len(entries) == 0 {
		return nil, errNoSections
	}

	plan := &ResearchPlan{Sections: make([]Section, 0, len(entries))}
	for i, entry := range entries {
		fields, err := exactObject(entry, "title", "description")
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", i, err)
		}
		var s Section
		if err := json.Unmarshal(fields["title"], &s.Title); err != nil {
			return nil, fmt.Errorf("section %d title: %w", i, err)
		}
		if err := json.Unmarshal(fields["description"], &s.Description); err != nil {
			return nil, fmt.Errorf("section %d description: %w", i, err)
		}
		if strings.TrimSpace(s.Title) == "" {
			return nil, fmt.Errorf("section %d: %w", i, errEmptyTitle)
		}
		plan.Sections = append(plan.Sections, s)
	}
	return plan, nil
}

// exactObject decodes a JSON object that has exactly the given non-null keys
func exactObject(raw []byte, keys ...string) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errNotObject
	}
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || string(v) == "null" {
			return nil, fmt.Errorf("%w: %q", errMissingField, k)
		}
	}
	if len(obj) != len(keys) {
		for k := range obj {
			if !slices.Contains(keys, k) {
				return nil, fmt.Errorf("%w: %q", errUnknownField, k)
			}
		}
	}
	return obj, nil
}

func buildPrompt(query string, messages []history.Message) string {
	var b strings.Builder
	b.WriteString("You are a research planner. Break the research query below into an ordered list of ")
	b.WriteString("report sections. Give each section a short title and a one or two sentence description ")
	b.WriteString("of what it should cover. Start with an introduction and end with a conclusion.\n\n")
	if len(messages) > 0 {
		b.WriteString("Conversation so far:\n")
		b.WriteString(history.Render(messages))
		b.WriteString("\n\n")
	}
	b.WriteString("Research query: ")
	b.WriteString(query)
	return b.String()
}
