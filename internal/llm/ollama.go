package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// OllamaConfig configures an OllamaClient.
type OllamaConfig struct {
	// BaseURL defaults to http://localhost:11434.
	BaseURL string
	// Model is used for both /api/generate and /api/embed.
	Model string
	// Timeout bounds each request. Default 30s.
	Timeout time.Duration
	Breaker *CircuitBreaker
}

// OllamaClient talks to a local Ollama server.
type OllamaClient struct {
	cfg     OllamaConfig
	http    *http.Client
	breaker *CircuitBreaker
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "qwen2.5:7b"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = NewCircuitBreaker(BreakerConfig{Name: "ollama"})
	}
	return &OllamaClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, breaker: breaker}
}

// Complete runs a non-streaming generation.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	return guarded(ctx, c.breaker, "ollama", func(ctx context.Context) (string, error) {
		var out ollamaGenerateResponse
		err := postJSON(ctx, c.http, "ollama", c.cfg.BaseURL+"/api/generate", nil,
			ollamaGenerateRequest{Model: c.cfg.Model, Prompt: prompt}, &out)
		if err != nil {
			return "", err
		}
		return out.Response, nil
	})
}

// Embed returns the first embedding from /api/embed.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return guarded(ctx, c.breaker, "ollama", func(ctx context.Context) ([]float32, error) {
		var out ollamaEmbedResponse
		err := postJSON(ctx, c.http, "ollama", c.cfg.BaseURL+"/api/embed", nil,
			ollamaEmbedRequest{Model: c.cfg.Model, Input: text}, &out)
		if err != nil {
			return nil, err
		}
		if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
			return nil, fmt.Errorf("ollama returned an empty embedding")
		}
		return out.Embeddings[0], nil
	})
}

// HealthCheck probes /api/version without going through the breaker.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/version", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ollama health check: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Provider: "ollama", Code: resp.StatusCode}
	}
	return nil
}

func (c *OllamaClient) GetModel() string { return c.cfg.Model }

var (
	_ TextGenerator      = (*OllamaClient)(nil)
	_ EmbeddingGenerator = (*OllamaClient)(nil)
)
