package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/kyleking/sqlcontext/internal/errors"
)

// Client calls a single provider
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient validates cfg, fills provider defaults and returns a client
func NewClient(cfg Config) (*Client, error) {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if !slices.Contains(Providers, cfg.Provider) {
		return nil, errors.NewConfigError(fmt.Sprintf("unsupported provider %q", cfg.Provider), "llm.provider").
			WithSuggestion("Use one of: " + strings.Join(Providers, ", "))
	}

	if cfg.APIKey == "" && cfg.Provider != ProviderOllama {
		return nil, errors.NewConfigError(fmt.Sprintf("API key is required for the %s provider", cfg.Provider), "llm.api_key")
	}

	if cfg.Model == "" {
		cfg.Model = defaultModels[cfg.Provider]
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURLs[cfg.Provider]
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Provider returns the provider name
func (c *Client) Provider() string {
	return c.config.Provider
}

// Generate sends prompt as a single user message and returns the reply text
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.NewValidationError("prompt must not be empty")
	}

	req, err := c.buildRequest(ctx, prompt)
	if err != nil {
		return "", err
	}

	body, err := c.do(req)
	if err != nil {
		return "", err
	}

	text, err := c.parseResponse(body)
	if err != nil {
		return "", errors.NewUpstreamError(err, c.config.Provider)
	}

	return text, nil
}

// OpenAI-compatible chat completions, also served by Groq
type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleRequest struct {
	Contents         []googleContent `json:"contents"`
	GenerationConfig struct {
		MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type googleResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (c *Client) buildRequest(ctx context.Context, prompt string) (*http.Request, error) {
	var (
		endpoint string
		payload  interface{}
		headers  = map[string]string{"Content-Type": "application/json"}
	)

	switch c.config.Provider {
	case ProviderOpenAI, ProviderGroq:
		endpoint = c.config.BaseURL + "/chat/completions"
		payload = openAIRequest{
			Model:     c.config.Model,
			Messages:  []openAIMessage{{Role: "user", Content: prompt}},
			MaxTokens: c.config.MaxTokens,
		}
		headers["Authorization"] = "Bearer " + c.config.APIKey
	case ProviderAnthropic:
		endpoint = c.config.BaseURL + "/messages"
		payload = anthropicRequest{
			Model:     c.config.Model,
			Messages:  []openAIMessage{{Role: "user", Content: prompt}},
			MaxTokens: c.config.MaxTokens,
		}
		headers["x-api-key"] = c.config.APIKey
		headers["anthropic-version"] = "2023-06-01"
	case ProviderGoogle:
		endpoint = fmt.Sprintf("%s/models/%s:generateContent?key=%s",
			c.config.BaseURL, url.PathEscape(c.config.Model), url.QueryEscape(c.config.APIKey))
		req := googleRequest{Contents: []googleContent{{Role: "user", Parts: []googlePart{{Text: prompt}}}}}
		req.GenerationConfig.MaxOutputTokens = c.config.MaxTokens
		payload = req
	case ProviderOllama:
		endpoint = c.config.BaseURL + "/api/generate"
		payload = ollamaRequest{Model: c.config.Model, Prompt: prompt}
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewUpstreamError(err, c.config.Provider)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewUpstreamError(fmt.Errorf("failed to read response: %w", err), c.config.Provider)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.NewUpstreamError(&ServiceError{
			Provider:   c.config.Provider,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}, c.config.Provider)
	}

	return body, nil
}

func (c *Client) parseResponse(body []byte) (string, error) {
	switch c.config.Provider {
	case ProviderOpenAI, ProviderGroq:
		var resp openAIResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to unmarshal response: %w", err)
		}

		if resp.Error != nil {
			return "", fmt.Errorf("API error: %s", resp.Error.Message)
		}

		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("no choices in response")
		}

		return resp.Choices[0].Message.Content, nil
	case ProviderAnthropic:
		var resp anthropicResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to unmarshal response: %w", err)
		}

		if resp.Error != nil {
			return "", fmt.Errorf("API error: %s", resp.Error.Message)
		}

		var sb strings.Builder

		for _, part := range resp.Content {
			if part.Type == "" || part.Type == "text" {
				sb.WriteString(part.Text)
			}
		}

		if sb.Len() == 0 {
			return "", fmt.Errorf("no text content in response")
		}

		return sb.String(), nil
	case ProviderGoogle:
		var resp googleResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to unmarshal response: %w", err)
		}

		if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
			return "", fmt.Errorf("no candidates in response")
		}

		return resp.Candidates[0].Content.Parts[0].Text, nil
	default:
		var resp ollamaResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to unmarshal response: %w", err)
		}

		if resp.Error != "" {
			return "", fmt.Errorf("API error: %s", resp.Error)
		}

		return resp.Response, nil
	}
}
