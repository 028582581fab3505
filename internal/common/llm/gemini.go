package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"gtm-agents/internal/common/logger"
	"gtm-agents/internal/common/metrics"
	"gtm-agents/internal/common/resilience"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiClient calls the Gemini API through the genai SDK.
type GeminiClient struct {
	config  *Config
	client  *genai.Client
	breaker *resilience.Breaker
	logger  logger.Logger
}

func NewGeminiClient(ctx context.Context, cfg *Config, breaker *resilience.Breaker, log logger.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{
		config:  cfg,
		client:  client,
		breaker: breaker,
		logger: log.With(map[string]interface{}{
			"capability": capability,
			"provider":   "gemini",
		}),
	}, nil
}

func (c *GeminiClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	model := firstNonEmpty(req.Model, c.config.Model, defaultGeminiModel)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.config.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	gc := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		Temperature:       genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens:   int32(maxTokens),
	}
	if req.JSON {
		gc.ResponseMIMEType = "application/json"
	}
	contents := []*genai.Content{genai.NewContentFromText(req.User, genai.RoleUser)}

	var text string
	call := func() error {
		resp, err := c.client.Models.GenerateContent(ctx, model, contents, gc)
		if err != nil {
			return err
		}
		text = resp.Text()
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			metrics.CapabilityCalls.WithLabelValues(capability, "timeout").Inc()
			return "", fmt.Errorf("%w: %v", ErrLLMTimeout, err)
		}
		metrics.CapabilityCalls.WithLabelValues(capability, "error").Inc()
		c.logger.Error("completion request failed", map[string]interface{}{
			"model": model,
			"error": err.Error(),
		})
		return "", fmt.Errorf("%w: %w", ErrLLMRequestFailed, err)
	}

	if strings.TrimSpace(text) == "" {
		metrics.CapabilityCalls.WithLabelValues(capability, "empty").Inc()
		return "", ErrEmptyResponse
	}

	metrics.CapabilityCalls.WithLabelValues(capability, "ok").Inc()
	return text, nil
}
