package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/precious112/prism_ai/worker/internal/metrics"
	"github.com/precious112/prism_ai/worker/internal/tracing"
)

const (
	// TailSize is the number of most recent messages kept verbatim
	TailSize = 4
	// ChunkSize is the number of older messages summarized per call
	ChunkSize = 2
	// SummaryMarker prefixes the content of the synthetic summary message
	SummaryMarker = "Summary of previous conversation"

	defaultMaxConcurrency = 8
)

// Summarizer produces a free-text completion for a prompt
type Summarizer interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// SummarizationError reports the chunk whose summarization failed
type SummarizationError struct {
	Chunk int
	Err   error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("summarize chunk %d: %v", e.Chunk, e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }

// Compactor shrinks long conversation histories into one summary message
// followed by the most recent TailSize messages.
type Compactor struct {
	summarizer     Summarizer
	maxConcurrency int
	logger         *zap.Logger
}

// NewCompactor creates a compactor. maxConcurrency bounds the number of
// summarization calls in flight; values <= 0 use the default of 8.
func NewCompactor(summarizer Summarizer, maxConcurrency int, logger *zap.Logger) *Compactor {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{
		summarizer:     summarizer,
		maxConcurrency: maxConcurrency,
		logger:         logger,
	}
}

// IsSummary reports whether m was produced by a compaction
func IsSummary(m Message) bool {
	return m.Role == RoleSystem && strings.HasPrefix(m.Content, SummaryMarker)
}

// NeedsCompaction reports whether Compact would issue summarization calls
func NeedsCompaction(messages []Message) bool {
	if len(messages) <= TailSize {
		return false
	}
	// Own output: one summary followed by at most TailSize turns
	if len(messages) <= TailSize+1 && IsSummary(messages[0]) {
		for _, m := range messages[1:] {
			if IsSummary(m) {
				return true
			}
		}
		return false
	}
	return true
}

// Compact returns messages unchanged when no compaction is needed. Otherwise
// the head (all but the last TailSize messages) is split into chunks of
// ChunkSize, each chunk is summarized concurrently, and the result is a single
// system summary message followed by the tail. Any chunk failure aborts the
// whole compaction and no partial output is returned.
func (c *Compactor) Compact(ctx context.Context, messages []Message) ([]Message, error) {
	if !NeedsCompaction(messages) {
		metrics.Compactions.WithLabelValues("skipped").Inc()
		return messages, nil
	}

	start := time.Now()
	head := messages[:len(messages)-TailSize]
	tail := messages[len(messages)-TailSize:]
	chunks := splitChunks(head, ChunkSize)

	ctx, span := tracing.StartSpan(ctx, "history.compact",
		attribute.Int("history.length", len(messages)),
		attribute.Int("history.chunks", len(chunks)),
	)

	summaries, err := c.summarizeChunks(ctx, chunks)
	metrics.CompactionDuration.Observe(time.Since(start).Seconds())
	tracing.EndSpan(span, err)
	if err != nil {
		metrics.Compactions.WithLabelValues("failed").Inc()
		c.logger.Warn("History compaction failed",
			zap.Int("history_length", len(messages)),
			zap.Int("chunks", len(chunks)),
			zap.Error(err),
		)
		return nil, err
	}

	out := make([]Message, 0, TailSize+1)
	out = append(out, Message{
		Role:    RoleSystem,
		Content: SummaryMarker + ":\n" + strings.Join(summaries, "\n"),
	})
	out = append(out, tail...)

	metrics.Compactions.WithLabelValues("compacted").Inc()
	c.logger.Debug("History compacted",
		zap.Int("history_length", len(messages)),
		zap.Int("chunks", len(chunks)),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

func (c *Compactor) summarizeChunks(ctx context.Context, chunks [][]Message) ([]string, error) {
	summaries := make([]string, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency)

	launched := 0
	for i, chunk := range chunks {
		// A failed chunk cancels gctx; stop launching the rest
		if gctx.Err() != nil {
			break
		}
		launched++
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return &SummarizationError{Chunk: i, Err: err}
			}
			summary, err := c.summarizer.GenerateText(gctx, chunkPrompt(chunk))
			if err != nil {
				metrics.ChunkSummaries.WithLabelValues("failure").Inc()
				return &SummarizationError{Chunk: i, Err: err}
			}
			metrics.ChunkSummaries.WithLabelValues("success").Inc()
			summaries[i] = strings.TrimSpace(summary)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	// Parent cancelled before every chunk was launched
	if launched < len(chunks) {
		err := ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		return nil, &SummarizationError{Chunk: launched, Err: err}
	}
	return summaries, nil
}

func splitChunks(messages []Message, size int) [][]Message {
	chunks := make([][]Message, 0, (len(messages)+size-1)/size)
	for start := 0; start < len(messages); start += size {
		end := min(start+size, len(messages))
		chunks = append(chunks, messages[start:end])
	}
	return chunks
}

func chunkPrompt(chunk []Message) string {
	return "Summarize the following part of a conversation in a few sentences of plain prose. " +
		"Keep concrete facts and decisions.\n\n" +
		Render(chunk)
}
