package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures AnthropicClient.
type AnthropicConfig struct {
	APIKey    string
	Model     string // default claude-haiku-4-5
	BaseURL   string // override for proxies and tests
	MaxTokens int64  // default 4096
	// System is sent as the system prompt on every call.
	System  string
	Timeout time.Duration
	Breaker *CircuitBreaker
}

// AnthropicClient completes prompts through the Messages API.
type AnthropicClient struct {
	cfg    AnthropicConfig
	client anthropic.Client
}

// NewAnthropicClient creates a new Anthropic messages client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = NewCircuitBreaker(BreakerConfig{Name: "anthropic"})
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{cfg: cfg, client: anthropic.NewClient(opts...)}
}

func (c *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	return guarded(ctx, c.cfg.Breaker, "anthropic", func(ctx context.Context) (string, error) {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(c.cfg.Model),
			MaxTokens: c.cfg.MaxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		}
		if c.cfg.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: c.cfg.System}}
		}
		resp, err := c.client.Messages.New(ctx, params)
		if err != nil {
			return "", fmt.Errorf("anthropic: %w", err)
		}
		var sb strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		if sb.Len() == 0 {
			return "", fmt.Errorf("anthropic returned no text content")
		}
		return sb.String(), nil
	})
}

func (c *AnthropicClient) GetModel() string { return c.cfg.Model }

var _ TextGenerator = (*AnthropicClient)(nil)
