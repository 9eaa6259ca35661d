// Package llm sends prompts to hosted or local text-generation models.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Generator produces text for a prompt
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config represents one provider's connection settings
type Config struct {
	Provider  string        `json:"provider"` // openai, anthropic, google, groq, ollama
	Model     string        `json:"model"`
	APIKey    string        `json:"-"`
	BaseURL   string        `json:"base_url,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// Provider constants for different LLM providers
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderGroq      = "groq"
	ProviderOllama    = "ollama"
)

// Providers lists every supported provider name
var Providers = []string{ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderGroq, ProviderOllama}

var defaultModels = map[string]string{
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-haiku-latest",
	ProviderGoogle:    "gemini-1.5-flash",
	ProviderGroq:      "llama-3.1-8b-instant",
	ProviderOllama:    "llama3",
}

var defaultBaseURLs = map[string]string{
	ProviderOpenAI:    "https://api.openai.com/v1",
	ProviderAnthropic: "https://api.anthropic.com/v1",
	ProviderGoogle:    "https://generativelanguage.googleapis.com/v1beta",
	ProviderGroq:      "https://api.groq.com/openai/v1",
	ProviderOllama:    "http://localhost:11434",
}

// ServiceError is a non-success HTTP response from a provider. It is never
// retried against the same provider.
type ServiceError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}

	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, body)
}
