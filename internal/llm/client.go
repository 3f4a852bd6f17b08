package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/precious112/prism_ai/worker/internal/circuitbreaker"
	"github.com/precious112/prism_ai/worker/internal/metrics"
	"github.com/precious112/prism_ai/worker/internal/tracing"
)

const (
	kindText       = "text"
	kindStructured = "structured"
)

// ErrEmptyCompletion is returned when the provider answers without content
var ErrEmptyCompletion = errors.New("llm returned an empty completion")

// Schema names a JSON schema the model output must conform to
type Schema struct {
	Name        string
	Description string
	Definition  jsonschema.Definition
}

// Config configures a Client
type Config struct {
	Provider          string
	BaseURL           string
	APIKey            string
	Model             string
	Temperature       float32
	RequestTimeout    time.Duration
	RequestsPerMinute int
	Breaker           circuitbreaker.Config
	// KeyFor returns the configured API key of a provider. It is consulted
	// when a task override switches provider without supplying a key.
	KeyFor func(provider string) string
}

// Client issues chat completions against an OpenAI-compatible endpoint.
// All calls share one rate limiter and one circuit breaker.
type Client struct {
	api         *openai.Client
	provider    string
	baseURL     string
	keyFor      func(provider string) string
	model       string
	temperature float32
	timeout     time.Duration
	limiter     *rate.Limiter
	breaker     *circuitbreaker.CircuitBreaker
	logger      *zap.Logger
}

// NewClient creates a client for cfg.Provider. An explicit BaseURL allows any
// OpenAI-compatible server, in which case the API key may be empty.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL, err := BaseURL(cfg.Provider, cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("missing API key for llm provider %q", cfg.Provider)
	}
	if cfg.Model == "" {
		return nil, errors.New("llm model is required")
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = baseURL

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerMinute > 0 {
		perSecond := float64(cfg.RequestsPerMinute) / time.Minute.Seconds()
		limiter = rate.NewLimiter(rate.Limit(perSecond), cfg.RequestsPerMinute)
	}

	breakerCfg := cfg.Breaker
	if breakerCfg.IsFailure == nil {
		breakerCfg.IsFailure = isProviderFailure
	}

	return &Client{
		api:         openai.NewClientWithConfig(apiCfg),
		provider:    NormalizeProvider(cfg.Provider),
		baseURL:     baseURL,
		keyFor:      cfg.KeyFor,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     cfg.RequestTimeout,
		limiter:     limiter,
		breaker:     circuitbreaker.New("llm", NormalizeProvider(cfg.Provider), breakerCfg, logger),
		logger:      logger.With(zap.String("llm_provider", NormalizeProvider(cfg.Provider))),
	}, nil
}

// WithModel returns a client for another model that shares the rate limiter,
// circuit breaker and HTTP client of c. An empty model returns c.
func (c *Client) WithModel(model string) *Client {
	if model == "" || model == c.model {
		return c
	}
	clone := *c
	clone.model = model
	return &clone
}

// WithOverride returns a client that applies o on top of c. Switching
// provider resolves that provider's endpoint and, without o.APIKey, its
// configured key. The rate limiter and circuit breaker stay shared.
func (c *Client) WithOverride(o Override) (*Client, error) {
	if o.IsZero() {
		return c, nil
	}
	clone := c.WithModel(o.Model)
	if clone == c {
		copied := *c
		clone = &copied
	}

	provider := c.provider
	if o.Provider != "" {
		provider = NormalizeProvider(o.Provider)
	}
	switched := provider != c.provider
	if !switched && o.APIKey == "" {
		return clone, nil
	}

	baseURL := c.baseURL
	if switched {
		u, err := BaseURL(provider, "")
		if err != nil {
			return nil, err
		}
		baseURL = u
	}
	key := o.APIKey
	if key == "" && c.keyFor != nil {
		key = c.keyFor(provider)
	}
	if key == "" {
		return nil, fmt.Errorf("missing API key for llm provider %q", provider)
	}

	apiCfg := openai.DefaultConfig(key)
	apiCfg.BaseURL = baseURL
	clone.api = openai.NewClientWithConfig(apiCfg)
	clone.provider = provider
	clone.baseURL = baseURL
	clone.logger = c.logger.With(zap.String("llm_override_provider", provider))
	return clone, nil
}

// Model returns the model requests are sent to
func (c *Client) Model() string { return c.model }

// Provider returns the canonical provider name
func (c *Client) Provider() string { return c.provider }

// BaseURL returns the endpoint requests are sent to
func (c *Client) BaseURL() string { return c.baseURL }

// Breaker exposes the circuit breaker for health reporting
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

// GenerateText returns the completion for a single user prompt
func (c *Client) GenerateText(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	content, err := c.complete(ctx, kindText, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// GenerateStructured asks for output conforming to schema and decodes it into out
func (c *Client) GenerateStructured(ctx context.Context, prompt string, schema Schema, out any) error {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:        schema.Name,
				Description: schema.Description,
				Schema:      &schema.Definition,
				Strict:      true,
			},
		},
	}
	content, err := c.complete(ctx, kindStructured, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(stripCodeFence(content)), out); err != nil {
		return fmt.Errorf("decode %s output: %w", schema.Name, err)
	}
	return nil
}

func (c *Client) complete(ctx context.Context, kind string, req openai.ChatCompletionRequest) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "llm."+kind,
		attribute.String("llm.model", req.Model),
	)
	start := time.Now()

	content, err := c.doComplete(ctx, kind, req)

	metrics.LLMRequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	tracing.EndSpan(span, err)
	if err != nil {
		metrics.LLMRequests.WithLabelValues(kind, "error").Inc()
		c.logger.Warn("LLM request failed",
			zap.String("kind", kind),
			zap.String("model", req.Model),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return "", err
	}
	metrics.LLMRequests.WithLabelValues(kind, "success").Inc()
	return content, nil
}

func (c *Client) doComplete(ctx context.Context, kind string, req openai.ChatCompletionRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm rate limiter: %w", err)
	}

	var content string
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		if c.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil {
			return fmt.Errorf("chat completion failed: %w", err)
		}
		metrics.LLMTokens.WithLabelValues(kind, "prompt").Add(float64(resp.Usage.PromptTokens))
		metrics.LLMTokens.WithLabelValues(kind, "completion").Add(float64(resp.Usage.CompletionTokens))

		if len(resp.Choices) == 0 {
			return ErrEmptyCompletion
		}
		content = resp.Choices[0].Message.Content
		if strings.TrimSpace(content) == "" {
			return ErrEmptyCompletion
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

// isProviderFailure keeps request-shaped errors (4xx other than 429) and
// cancellation from opening the breaker.
func isProviderFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.HTTPStatusCode
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			return false
		}
	}
	return true
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
