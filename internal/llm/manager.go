package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kyleking/sqlcontext/internal/config"
	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/logging"
	"github.com/kyleking/sqlcontext/internal/metrics"
)

// Manager tries the default provider first, then each fallback in order
type Manager struct {
	providers map[string]Generator
	order     []string
	timeout   time.Duration
}

// NewManager creates an empty manager. Calls are bounded by timeout when
// it is positive.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		providers: make(map[string]Generator),
		timeout:   timeout,
	}
}

// RegisterProvider appends a provider to the try order. Registering a name
// twice replaces the generator and keeps its position.
func (m *Manager) RegisterProvider(name string, g Generator) error {
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}

	if g == nil {
		return fmt.Errorf("generator cannot be nil")
	}

	if _, ok := m.providers[name]; !ok {
		m.order = append(m.order, name)
	}

	m.providers[name] = g

	return nil
}

// GetAvailableProviders returns the registered names in try order
func (m *Manager) GetAvailableProviders() []string {
	return append([]string(nil), m.order...)
}

// Generate returns the first successful reply. Validation errors stop the
// loop since every provider would reject the same prompt.
func (m *Manager) Generate(ctx context.Context, prompt string) (string, error) {
	if len(m.order) == 0 {
		return "", errors.NewConfigError("no LLM provider configured", "llm.provider")
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	logger := logging.FromContext(ctx)

	var lastErr error

	for _, name := range m.order {
		text, err := m.providers[name].Generate(ctx, prompt)
		if err == nil {
			metrics.LLMRequest(name, "ok")
			return text, nil
		}

		metrics.LLMRequest(name, string(errors.GetType(err)))
		logger.WithField("provider", name).ErrorWithErr("LLM request failed", err)

		if errors.IsType(err, errors.ErrTypeValidation) || ctx.Err() != nil {
			return "", err
		}

		lastErr = err
	}

	if len(m.order) == 1 {
		return "", lastErr
	}

	return "", errors.Wrapf(lastErr, errors.ErrTypeUpstream, "all %d LLM providers failed", len(m.order))
}

// NewManagerFromConfig registers the configured provider followed by every
// fallback provider. Fallbacks read their credentials from the environment.
func NewManagerFromConfig(cfg config.LLMConfig) (*Manager, error) {
	timeout := config.Duration(cfg.Timeout, 60*time.Second)
	m := NewManager(timeout)

	primary, err := NewClient(Config{
		Provider:  cfg.Provider,
		Model:     cfg.Model,
		APIKey:    firstNonEmpty(cfg.APIKey, envAPIKey(cfg.Provider)),
		BaseURL:   cfg.BaseURL,
		MaxTokens: cfg.MaxTokens,
		Timeout:   timeout,
	})
	if err != nil {
		return nil, err
	}

	if err := m.RegisterProvider(primary.Provider(), primary); err != nil {
		return nil, err
	}

	for _, name := range cfg.FallbackProviders {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == primary.Provider() {
			continue
		}

		client, err := NewClient(Config{
			Provider:  name,
			APIKey:    envAPIKey(name),
			BaseURL:   envBaseURL(name),
			MaxTokens: cfg.MaxTokens,
			Timeout:   timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure fallback provider %s: %w", name, err)
		}

		if err := m.RegisterProvider(name, client); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func envAPIKey(provider string) string {
	switch strings.ToLower(provider) {
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderGoogle:
		return firstNonEmpty(os.Getenv("GOOGLE_API_KEY"), os.Getenv("GEMINI_API_KEY"))
	case ProviderGroq:
		return os.Getenv("GROQ_API_KEY")
	}

	return ""
}

func envBaseURL(provider string) string {
	if provider == ProviderOllama {
		return os.Getenv("OLLAMA_BASE_URL")
	}

	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
