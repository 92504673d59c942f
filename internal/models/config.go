package models

import "strings"

// Provider tags the upstream wire protocol a model is served with.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

// KnownProviders lists every provider tag with an adapter.
var KnownProviders = []Provider{ProviderOpenAI, ProviderAnthropic, ProviderGemini}

// ParseProvider normalises a provider tag. ok is false for unknown tags.
func ParseProvider(s string) (Provider, bool) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range KnownProviders {
		if p == known {
			return p, true
		}
	}
	return p, false
}

// ModelConfig binds a client-facing model name to an upstream model and its credentials.
// Values are built once at start-up and never mutated.
type ModelConfig struct {
	LogicalName     string
	Provider        Provider
	UpstreamModelID string
	APIKey          string
	APIBase         string
}

// BaseURL returns APIBase without a trailing slash.
func (m ModelConfig) BaseURL() string {
	return strings.TrimRight(m.APIBase, "/")
}
