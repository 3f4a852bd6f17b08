package llm

import (
	"fmt"
	"strings"
)

// OpenAI-compatible endpoints of the supported providers
var providerBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"xai":        "https://api.x.ai/v1",
	"google":     "https://generativelanguage.googleapis.com/v1beta/openai",
	"anthropic":  "https://api.anthropic.com/v1",
}

var providerAliases = map[string]string{
	"grok":   "xai",
	"gemini": "google",
	"claude": "anthropic",
}

// NormalizeProvider lowercases name and resolves aliases
func NormalizeProvider(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := providerAliases[name]; ok {
		return canonical
	}
	return name
}

// BaseURL returns the endpoint for provider, or override when non-empty
func BaseURL(provider, override string) (string, error) {
	if override != "" {
		return strings.TrimRight(override, "/"), nil
	}
	url, ok := providerBaseURLs[NormalizeProvider(provider)]
	if !ok {
		return "", fmt.Errorf("unknown llm provider %q", provider)
	}
	return url, nil
}
