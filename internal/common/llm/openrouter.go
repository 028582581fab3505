package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	httpclient "gtm-agents/internal/common/http"
	"gtm-agents/internal/common/logger"
	"gtm-agents/internal/common/metrics"
	"gtm-agents/internal/common/resilience"
)

const (
	defaultOpenRouterModel = "qwen/qwen-2.5-7b-instruct"
	defaultMaxTokens       = 2000
)

// OpenRouterClient calls an OpenAI-compatible chat completions endpoint.
type OpenRouterClient struct {
	config *Config
	http   *httpclient.Client
	logger logger.Logger
}

func NewOpenRouterClient(cfg *Config, breaker *resilience.Breaker, log logger.Logger) *OpenRouterClient {
	return &OpenRouterClient{
		config: cfg,
		http:   httpclient.NewClient(cfg.Timeout, breaker),
		logger: log.With(map[string]interface{}{
			"capability": capability,
			"provider":   "openrouter",
		}),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *OpenRouterClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	model := firstNonEmpty(req.Model, c.config.Model, defaultOpenRouterModel)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.config.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	body := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	}
	headers := map[string]string{
		"Authorization": "Bearer " + c.config.APIKey,
		"X-Title":       "GTM Agents",
	}

	var resp chatResponse
	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/chat/completions"
	if err := c.http.DoJSON(ctx, http.MethodPost, endpoint, headers, body, &resp); err != nil {
		return "", c.classify(ctx, model, err)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		metrics.CapabilityCalls.WithLabelValues(capability, "empty").Inc()
		return "", ErrEmptyResponse
	}

	metrics.CapabilityCalls.WithLabelValues(capability, "ok").Inc()
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenRouterClient) classify(ctx context.Context, model string, err error) error {
	if httpclient.IsTimeout(ctx, err) && !errors.Is(err, resilience.ErrCircuitOpen) {
		metrics.CapabilityCalls.WithLabelValues(capability, "timeout").Inc()
		return fmt.Errorf("%w: %v", ErrLLMTimeout, err)
	}
	metrics.CapabilityCalls.WithLabelValues(capability, "error").Inc()
	c.logger.Error("completion request failed", map[string]interface{}{
		"model": model,
		"error": err.Error(),
	})
	return fmt.Errorf("%w: %w", ErrLLMRequestFailed, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
