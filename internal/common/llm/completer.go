// Package llm is the hosted LLM capability: one synchronous completion per call.
package llm

import (
	"context"
	"errors"
	"time"

	"gtm-agents/internal/common/config"
	"gtm-agents/internal/common/logger"
	"gtm-agents/internal/common/resilience"
)

const capability = "llm"

var (
	ErrLLMTimeout       = errors.New("LLM_TIMEOUT")
	ErrLLMRequestFailed = errors.New("LLM_REQUEST_FAILED")
	ErrEmptyResponse    = errors.New("LLM_EMPTY_RESPONSE")
)

// Completer returns the whole completion text for one prompt pair.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

type CompletionRequest struct {
	System      string
	User        string
	Model       string // empty uses the client default
	Temperature float64
	MaxTokens   int
	// JSON asks providers that support it for a JSON-only response.
	JSON bool
}

type Config struct {
	Provider  string
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// ConfigFrom maps the application configuration onto client settings.
func ConfigFrom(cfg *config.Config) *Config {
	return &Config{
		Provider:  cfg.APIs.LLM.Provider,
		BaseURL:   cfg.APIs.LLM.BaseURL,
		APIKey:    cfg.APIs.LLM.APIKey,
		Model:     cfg.APIs.LLM.Model,
		MaxTokens: cfg.APIs.LLM.MaxTokens,
		Timeout:   config.GetDuration(cfg.APIs.LLM.Timeout),
	}
}

// New builds the completer for the configured provider.
func New(ctx context.Context, cfg *Config, breaker *resilience.Breaker, log logger.Logger) (Completer, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGeminiClient(ctx, cfg, breaker, log)
	default:
		return NewOpenRouterClient(cfg, breaker, log), nil
	}
}
