package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// OpenAIConfig configures the OpenAI-compatible clients. Any server that
// speaks /v1/chat/completions and /v1/embeddings works (vLLM, LM Studio,
// OpenRouter).
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string // default https://api.openai.com
	Timeout time.Duration
	Breaker *CircuitBreaker
}

func (c *OpenAIConfig) defaults(model string, timeout time.Duration) {
	if c.Model == "" {
		c.Model = model
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com"
	}
	if c.Timeout == 0 {
		c.Timeout = timeout
	}
	if c.Breaker == nil {
		c.Breaker = NewCircuitBreaker(BreakerConfig{Name: "openai"})
	}
}

func (c *OpenAIConfig) headers() map[string]string {
	if c.APIKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.APIKey}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// OpenAIClient is a chat-completions TextGenerator.
type OpenAIClient struct {
	cfg  OpenAIConfig
	http *http.Client
}

// NewOpenAIClient creates a chat completions client for an OpenAI compatible API.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	cfg.defaults("gpt-4o-mini", 60*time.Second)
	return &OpenAIClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return guarded(ctx, c.cfg.Breaker, "openai", func(ctx context.Context) (string, error) {
		var out chatResponse
		req := chatRequest{Model: c.cfg.Model, Messages: []chatMessage{{Role: "user", Content: prompt}}}
		if err := postJSON(ctx, c.http, "openai", c.cfg.BaseURL+"/v1/chat/completions", c.cfg.headers(), req, &out); err != nil {
			return "", err
		}
		if len(out.Choices) == 0 {
			return "", fmt.Errorf("openai returned no choices")
		}
		return out.Choices[0].Message.Content, nil
	})
}

func (c *OpenAIClient) GetModel() string { return c.cfg.Model }

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// OpenAIEmbeddingClient calls /v1/embeddings.
type OpenAIEmbeddingClient struct {
	cfg  OpenAIConfig
	http *http.Client
}

// NewOpenAIEmbeddingClient creates an embeddings client for an OpenAI compatible API.
func NewOpenAIEmbeddingClient(cfg OpenAIConfig) *OpenAIEmbeddingClient {
	cfg.defaults("text-embedding-3-small", 30*time.Second)
	return &OpenAIEmbeddingClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (c *OpenAIEmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return guarded(ctx, c.cfg.Breaker, "openai", func(ctx context.Context) ([]float32, error) {
		var out embeddingResponse
		req := embeddingRequest{Model: c.cfg.Model, Input: text}
		if err := postJSON(ctx, c.http, "openai", c.cfg.BaseURL+"/v1/embeddings", c.cfg.headers(), req, &out); err != nil {
			return nil, err
		}
		if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
			return nil, fmt.Errorf("openai returned an empty embedding")
		}
		return out.Data[0].Embedding, nil
	})
}

func (c *OpenAIEmbeddingClient) GetModel() string { return c.cfg.Model }

var (
	_ TextGenerator      = (*OpenAIClient)(nil)
	_ EmbeddingGenerator = (*OpenAIEmbeddingClient)(nil)
)
