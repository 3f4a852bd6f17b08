package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/precious112/prism_ai/worker/internal/tracing"
)

// Config is the worker configuration. It is loaded once at startup and
// handed to constructors by pointer; nothing mutates it afterwards.
type Config struct {
	Environment    string               `mapstructure:"environment"`
	Redis          RedisConfig          `mapstructure:"redis"`
	LLM            LLMConfig            `mapstructure:"llm"`
	Providers      ProviderKeys         `mapstructure:"providers"`
	Compaction     CompactionConfig     `mapstructure:"compaction"`
	Worker         WorkerConfig         `mapstructure:"worker"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Admin          AdminConfig          `mapstructure:"admin"`
	Tracing        tracing.Config       `mapstructure:"tracing"`
}

type RedisConfig struct {
	URL            string        `mapstructure:"url"`
	TaskQueue      string        `mapstructure:"task_queue"`
	UpdatesChannel string        `mapstructure:"updates_channel"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

type LLMConfig struct {
	Provider          string        `mapstructure:"provider"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	SummaryModel      string        `mapstructure:"summary_model"`
	Temperature       float32       `mapstructure:"temperature"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

// ProviderKeys are the default credentials per provider
type ProviderKeys struct {
	OpenAI     string `mapstructure:"openai_api_key"`
	Anthropic  string `mapstructure:"anthropic_api_key"`
	Google     string `mapstructure:"google_api_key"`
	XAI        string `mapstructure:"xai_api_key"`
	OpenRouter string `mapstructure:"openrouter_api_key"`
}

type CompactionConfig struct {
	// MaxConcurrency caps in-flight chunk summarization calls per compaction
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

type WorkerConfig struct {
	AgentName       string        `mapstructure:"agent_name"`
	Backoff         time.Duration `mapstructure:"backoff"`
	PlanningEnabled bool          `mapstructure:"planning_enabled"`
	// Publisher selects the update publisher: "redis" or "log"
	Publisher string `mapstructure:"publisher"`
}

type CircuitBreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AdminConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// envBindings maps config keys to the environment variables that override them.
// Keys not listed here still get the automatic KEY_WITH_UNDERSCORES form.
var envBindings = map[string][]string{
	"redis.url":                    {"REDIS_URL"},
	"providers.openai_api_key":     {"OPENAI_API_KEY"},
	"providers.anthropic_api_key":  {"ANTHROPIC_API_KEY"},
	"providers.google_api_key":     {"GOOGLE_API_KEY"},
	"providers.xai_api_key":        {"XAI_API_KEY"},
	"providers.openrouter_api_key": {"OPENROUTER_API_KEY"},
	"logging.level":                {"LOG_LEVEL"},
	"logging.format":               {"LOG_FORMAT"},
	"admin.port":                   {"ADMIN_PORT", "HEALTH_PORT"},
	"tracing.otlp_endpoint":        {"OTEL_EXPORTER_OTLP_ENDPOINT", "TRACING_OTLP_ENDPOINT"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("redis.task_queue", "research_tasks")
	v.SetDefault("redis.updates_channel", "updates")
	v.SetDefault("redis.dial_timeout", 5*time.Second)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.summary_model", "")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.request_timeout", 60*time.Second)
	v.SetDefault("llm.requests_per_minute", 0)

	v.SetDefault("providers.openai_api_key", "")
	v.SetDefault("providers.anthropic_api_key", "")
	v.SetDefault("providers.google_api_key", "")
	v.SetDefault("providers.xai_api_key", "")
	v.SetDefault("providers.openrouter_api_key", "")

	v.SetDefault("compaction.max_concurrency", 8)

	v.SetDefault("worker.agent_name", "Worker")
	v.SetDefault("worker.backoff", time.Second)
	v.SetDefault("worker.planning_enabled", false)
	v.SetDefault("worker.publisher", "redis")

	v.SetDefault("circuit_breaker.max_requests", 3)
	v.SetDefault("circuit_breaker.interval", 60*time.Second)
	v.SetDefault("circuit_breaker.timeout", 15*time.Second)
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.success_threshold", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.port", 8081)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "research-worker")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Load builds the configuration from defaults, an optional YAML file, a .env
// file in the working directory, and the process environment (highest
// precedence). path may be empty; CONFIG_PATH is consulted in that case.
func Load(path string) (*Config, error) {
	// .env is optional; real environment variables win over it
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants the rest of the worker relies on
func (c *Config) Validate() error {
	var errs []error

	if c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required"))
	} else if u, err := url.Parse(c.Redis.URL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss" && u.Scheme != "unix") {
		errs = append(errs, fmt.Errorf("redis.url %q must use redis://, rediss:// or unix://", c.Redis.URL))
	}
	if c.Redis.TaskQueue == "" {
		errs = append(errs, errors.New("redis.task_queue is required"))
	}
	if c.Redis.UpdatesChannel == "" {
		errs = append(errs, errors.New("redis.updates_channel is required"))
	}
	if c.Compaction.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("compaction.max_concurrency must be positive, got %d", c.Compaction.MaxConcurrency))
	}
	if c.Worker.Backoff < 0 {
		errs = append(errs, fmt.Errorf("worker.backoff must not be negative, got %s", c.Worker.Backoff))
	}
	switch c.Worker.Publisher {
	case "redis", "log":
	default:
		errs = append(errs, fmt.Errorf("worker.publisher must be redis or log, got %q", c.Worker.Publisher))
	}
	if c.LLM.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("llm.requests_per_minute must not be negative, got %d", c.LLM.RequestsPerMinute))
	}
	if c.Admin.Enabled && (c.Admin.Port <= 0 || c.Admin.Port > 65535) {
		errs = append(errs, fmt.Errorf("admin.port out of range: %d", c.Admin.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// APIKey returns the credential configured for the given provider
func (p ProviderKeys) APIKey(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return p.OpenAI
	case "anthropic":
		return p.Anthropic
	case "google", "gemini":
		return p.Google
	case "xai", "grok":
		return p.XAI
	case "openrouter":
		return p.OpenRouter
	default:
		return ""
	}
}
