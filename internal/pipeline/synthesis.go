package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gtm-agents/internal/common/llm"
	"gtm-agents/internal/common/validation"
)

const jsonInstruction = "CRITICAL: Respond ONLY with valid JSON matching this exact schema. No markdown, no code blocks, no preamble:"

// SynthesisError means the model call failed, came back empty or was not JSON.
type SynthesisError struct {
	Agent  string
	Reason string
	Raw    string
	Err    error
}

func (e *SynthesisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("synthesis failed for %s: %s: %v", e.Agent, e.Reason, e.Err)
	}
	return fmt.Sprintf("synthesis failed for %s: %s", e.Agent, e.Reason)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// SynthesisSchemaError means the model returned JSON of the wrong shape.
type SynthesisSchemaError struct {
	Agent    string
	Problems []string
}

func (e *SynthesisSchemaError) Error() string {
	return fmt.Sprintf("synthesis for %s does not match schema: %s", e.Agent, strings.Join(e.Problems, "; "))
}

// SynthesisRequest is one structured model call.
type SynthesisRequest struct {
	Agent       string
	System      string
	User        string
	Schema      validation.Schema
	Model       string
	Temperature float64
	MaxTokens   int
}

// Synthesizer turns prompts into validated JSON objects.
type Synthesizer struct {
	llm       llm.Completer
	model     string
	maxTokens int
}

func NewSynthesizer(completer llm.Completer, model string, maxTokens int) *Synthesizer {
	return &Synthesizer{llm: completer, model: model, maxTokens: maxTokens}
}

// Synthesize calls the model once and parses its answer. There is no retry.
func (s *Synthesizer) Synthesize(ctx context.Context, req SynthesisRequest) (map[string]interface{}, error) {
	system := req.System
	if req.Schema != nil {
		system += "\n\n" + jsonInstruction + "\n" + validation.Describe(req.Schema)
	}

	text, err := s.complete(ctx, req, system, req.Schema != nil)
	if err != nil {
		return nil, err
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(StripFences(text)), &out); err != nil || out == nil {
		if err == nil {
			err = errors.New("response is not a JSON object")
		}
		return nil, &SynthesisError{Agent: req.Agent, Reason: "model returned invalid JSON", Raw: Truncate(text, 200), Err: err}
	}

	if req.Schema != nil {
		result, err := validation.Validate(req.Schema, out)
		if err != nil {
			return nil, &SynthesisError{Agent: req.Agent, Reason: "schema check failed", Err: err}
		}
		if !result.Valid {
			return nil, &SynthesisSchemaError{Agent: req.Agent, Problems: result.Messages()}
		}
	}
	return out, nil
}

// Text calls the model for free-form prose.
func (s *Synthesizer) Text(ctx context.Context, req SynthesisRequest) (string, error) {
	text, err := s.complete(ctx, req, req.System, false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (s *Synthesizer) complete(ctx context.Context, req SynthesisRequest, system string, asJSON bool) (string, error) {
	if s.llm == nil {
		return "", &SynthesisError{Agent: req.Agent, Reason: "no LLM configured", Err: llm.ErrLLMRequestFailed}
	}
	model := req.Model
	if model == "" {
		model = s.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.maxTokens
	}

	text, err := s.llm.Complete(ctx, llm.CompletionRequest{
		System:      system,
		User:        req.User,
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
		JSON:        asJSON,
	})
	if err != nil {
		reason := "model call failed"
		if errors.Is(err, llm.ErrEmptyResponse) {
			reason = "model returned empty content"
		}
		return "", &SynthesisError{Agent: req.Agent, Reason: reason, Err: err}
	}
	return text, nil
}

var fencePattern = regexp.MustCompile("(?s)^\\s*```[a-zA-Z]*\\s*\\n?(.*?)\\n?\\s*```\\s*$")

// StripFences removes a Markdown code fence wrapped around a model answer.
func StripFences(text string) string {
	t := strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(t); m != nil {
		return strings.TrimSpace(m[1])
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}
