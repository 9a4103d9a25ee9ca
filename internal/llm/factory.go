package llm

import (
	"fmt"
	"log/slog"
	"time"
)

// ProviderConfig selects and configures one model provider.
type ProviderConfig struct {
	// Provider is "ollama", "openai", "anthropic" or "none". Embeddings
	// also accept "hash"; reranking accepts "http" and "llm".
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Enabled reports whether a provider is configured.
func (p ProviderConfig) Enabled() bool {
	return p.Provider != "" && p.Provider != "none"
}

func breakerFor(name string, logger *slog.Logger) *CircuitBreaker {
	return NewCircuitBreaker(BreakerConfig{Name: name, Logger: logger})
}

// NewTextGenerator returns nil, nil when no provider is configured.
func NewTextGenerator(cfg ProviderConfig, logger *slog.Logger) (TextGenerator, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "ollama":
		return NewOllamaClient(OllamaConfig{BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout,
			Breaker: breakerFor("ollama", logger)}), nil
	case "openai":
		return NewOpenAIClient(OpenAIConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout, Breaker: breakerFor("openai", logger)}), nil
	case "anthropic":
		return NewAnthropicClient(AnthropicConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout, Breaker: breakerFor("anthropic", logger)}), nil
	default:
		return nil, fmt.Errorf("unsupported text provider %q", cfg.Provider)
	}
}

// NewEmbeddingGenerator returns nil, nil when no provider is configured.
// dims only applies to the hash embedder.
func NewEmbeddingGenerator(cfg ProviderConfig, dims int, logger *slog.Logger) (EmbeddingGenerator, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "hash":
		return NewHashEmbedder(dims), nil
	case "ollama":
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		return NewOllamaClient(OllamaConfig{BaseURL: cfg.BaseURL, Model: model, Timeout: cfg.Timeout,
			Breaker: breakerFor("ollama-embed", logger)}), nil
	case "openai":
		return NewOpenAIEmbeddingClient(OpenAIConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout, Breaker: breakerFor("openai-embed", logger)}), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}
}

// NewReranker builds a cross-encoder client for "http", or a listwise
// reranker over gen for any chat provider. It returns nil, nil when
// reranking is disabled.
func NewReranker(cfg ProviderConfig, gen TextGenerator, logger *slog.Logger) (Reranker, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "http":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("http reranker requires base_url")
		}
		return NewHTTPReranker(HTTPRerankConfig{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Model: cfg.Model,
			Timeout: cfg.Timeout, Breaker: breakerFor("rerank", logger)}), nil
	case "llm":
		if gen == nil {
			return nil, fmt.Errorf("llm reranker requires a text provider")
		}
		return NewLLMReranker(gen, 0), nil
	default:
		return nil, fmt.Errorf("unsupported rerank provider %q", cfg.Provider)
	}
}
