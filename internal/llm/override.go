package llm

import "strings"

// Task config keys that select the LLM for a single task
const (
	TaskConfigProvider = "provider"
	TaskConfigModel    = "model"
	TaskConfigAPIKey   = "api_key"
)

// Override replaces the provider, model or API key for one task.
// Empty fields keep the client's setting.
type Override struct {
	Provider string
	Model    string
	APIKey   string
}

// IsZero reports whether o changes nothing
func (o Override) IsZero() bool { return o == Override{} }

// OverrideFromTaskConfig reads provider, model and api_key (or apiKey) from
// a task's config. Missing, blank and non-string values are ignored.
func OverrideFromTaskConfig(cfg map[string]any) Override {
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := cfg[k].(string); ok {
				if v = strings.TrimSpace(v); v != "" {
					return v
				}
			}
		}
		return ""
	}
	return Override{
		Provider: str(TaskConfigProvider),
		Model:    str(TaskConfigModel),
		APIKey:   str(TaskConfigAPIKey, "apiKey"),
	}
}
