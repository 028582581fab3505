package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtm-agents/internal/common/llm"
	"gtm-agents/internal/common/validation"
)

var tierSchema = validation.Object(map[string]validation.Schema{
	"risk_tier": validation.Enum("tier", "Watch", "Intervene", "Escalate"),
	"evidence":  validation.Array(validation.String("item"), "evidence"),
}, "risk_tier")

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: `{"a":1}`, want: `{"a":1}`},
		{name: "json fence", in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "bare fence with padding", in: "  ```\n{\"a\":1}\n```  ", want: `{"a":1}`},
		{name: "unterminated fence", in: "```json\n{\"a\":1}", want: `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFences(tt.in))
		})
	}
}

func TestSynthesize(t *testing.T) {
	tests := []struct {
		name     string
		answer   string
		llmErr   error
		validate func(t *testing.T, out map[string]interface{}, err error)
	}{
		{
			name:   "fenced valid JSON",
			answer: "```json\n{\"risk_tier\":\"Watch\",\"evidence\":[\"usage flat\"]}\n```",
			validate: func(t *testing.T, out map[string]interface{}, err error) {
				require.NoError(t, err)
				assert.Equal(t, "Watch", out["risk_tier"])
			},
		},
		{
			name:   "prose is a synthesis error",
			answer: "I think the account is at risk.",
			validate: func(t *testing.T, out map[string]interface{}, err error) {
				var synthErr *SynthesisError
				require.ErrorAs(t, err, &synthErr)
				assert.Equal(t, "model returned invalid JSON", synthErr.Reason)
				assert.Nil(t, out)
			},
		},
		{
			name:   "array is not an object",
			answer: `[1,2]`,
			validate: func(t *testing.T, out map[string]interface{}, err error) {
				var synthErr *SynthesisError
				require.ErrorAs(t, err, &synthErr)
			},
		},
		{
			name:   "wrong shape is a schema error",
			answer: `{"risk_tier":"Panic"}`,
			validate: func(t *testing.T, out map[string]interface{}, err error) {
				var schemaErr *SynthesisSchemaError
				require.ErrorAs(t, err, &schemaErr)
				assert.NotEmpty(t, schemaErr.Problems)
			},
		},
		{
			name:   "empty completion",
			llmErr: llm.ErrEmptyResponse,
			validate: func(t *testing.T, out map[string]interface{}, err error) {
				var synthErr *SynthesisError
				require.ErrorAs(t, err, &synthErr)
				assert.Equal(t, "model returned empty content", synthErr.Reason)
				assert.ErrorIs(t, err, llm.ErrEmptyResponse)
			},
		},
		{
			name:   "timeout keeps the sentinel",
			llmErr: llm.ErrLLMTimeout,
			validate: func(t *testing.T, out map[string]interface{}, err error) {
				assert.ErrorIs(t, err, llm.ErrLLMTimeout)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &scriptedLLM{answers: map[string]string{"": tt.answer}, err: tt.llmErr}
			s := NewSynthesizer(model, "default-model", 1500)

			out, err := s.Synthesize(context.Background(), SynthesisRequest{
				Agent:       "churn-predictor",
				System:      "You are a churn analyst.",
				User:        "Account: Acme",
				Schema:      tierSchema,
				Temperature: 0.2,
			})
			tt.validate(t, out, err)

			require.Len(t, model.requests, 1, "never retried")
			req := model.requests[0]
			assert.Contains(t, req.System, jsonInstruction)
			assert.Contains(t, req.System, "Watch|Intervene|Escalate")
			assert.Equal(t, "default-model", req.Model)
			assert.Equal(t, 1500, req.MaxTokens)
			assert.Equal(t, 0.2, req.Temperature)
			assert.True(t, req.JSON)
		})
	}
}

func TestSynthesizer_NoLLM(t *testing.T) {
	s := NewSynthesizer(nil, "m", 100)
	_, err := s.Synthesize(context.Background(), SynthesisRequest{Agent: "x"})

	var synthErr *SynthesisError
	require.ErrorAs(t, err, &synthErr)
	assert.Equal(t, "x", synthErr.Agent)
}

func TestSynthesizer_Text(t *testing.T) {
	model := &scriptedLLM{answers: map[string]string{"": "  A LinkedIn post.\n"}}
	s := NewSynthesizer(model, "m", 100)

	text, err := s.Text(context.Background(), SynthesisRequest{Agent: "content", System: "Write."})
	require.NoError(t, err)
	assert.Equal(t, "A LinkedIn post.", text)
	assert.False(t, model.requests[0].JSON)
	assert.NotContains(t, model.requests[0].System, jsonInstruction)
}

func TestCritiqueGate_Review(t *testing.T) {
	model := &scriptedLLM{answers: map[string]string{
		"quality gate": `{"passed":false,"score":14,"issues":["cites no evidence"]}`,
	}}
	gate := NewCritiqueGate(NewSynthesizer(model, "primary", 100), "critic")

	c, err := gate.Review(context.Background(), "diagnostic", map[string]interface{}{"state_summary": "ok"}, []string{"Cite evidence", "No jargon"})
	require.NoError(t, err)

	assert.False(t, c.Passed)
	assert.Equal(t, float64(10), c.Score, "score is clamped")
	assert.Equal(t, []string{"cites no evidence"}, c.Issues)
	assert.Equal(t, []string{}, c.Improvements)
	assert.Equal(t, "Output quality score 10/10. Potential issues: cites no evidence", c.QualityNote())

	req := model.requests[0]
	assert.Equal(t, "critic", req.Model)
	assert.Equal(t, critiqueTemperature, req.Temperature)
	assert.Contains(t, req.System, "1. Cite evidence")
	assert.Contains(t, req.System, "2. No jargon")
	assert.Contains(t, req.User, `"state_summary": "ok"`)
}

func TestCritiqueGate_Unparseable(t *testing.T) {
	model := &scriptedLLM{answers: map[string]string{"": "looks fine to me"}}
	gate := NewCritiqueGate(NewSynthesizer(model, "m", 100), "")

	_, err := gate.Review(context.Background(), "diagnostic", map[string]interface{}{}, []string{"rule"})
	assert.Error(t, err)

	model.err = errors.New("down")
	_, err = gate.Review(context.Background(), "diagnostic", map[string]interface{}{}, []string{"rule"})
	assert.Error(t, err)
}
