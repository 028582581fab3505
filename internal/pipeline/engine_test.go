package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "gtm-agents/internal/common/errors"
	"gtm-agents/internal/common/events"
	"gtm-agents/internal/common/llm"
	"gtm-agents/internal/common/logger"
	"gtm-agents/internal/common/search"
	"gtm-agents/internal/common/validation"
	"gtm-agents/internal/pipeline"
	"gtm-agents/internal/pipeline/pipelinetest"
)

// tierAgent is a minimal agent exercising every stage.
func tierAgent() *pipeline.Agent {
	return &pipeline.Agent{
		ID:    "tier-test",
		Name:  "Tier Test",
		Swarm: pipeline.SwarmCS,
		Fields: []pipeline.Field{
			{Key: "account_name", Kind: "text", Required: true},
			{Key: "renewal_date", Kind: "date", Required: true},
			{Key: "segment", Kind: "select", Enum: []string{"SMB", "Enterprise"}},
		},
		Needs:       pipeline.Needs{LLM: true},
		Temperature: 0.2,
		System:      func(*pipeline.Run) string { return "You classify accounts." },
		User:        func(r *pipeline.Run) string { return "Account: " + r.Str("account_name") },
		Schema: validation.Object(map[string]validation.Schema{
			"tier":    validation.Enum("tier", "Watch", "Intervene", "Escalate"),
			"summary": validation.String("summary"),
		}, "tier"),
		Factors: func(r *pipeline.Run) []pipeline.Factor {
			return []pipeline.Factor{
				pipeline.F("account", r.Has("account_name"), 1),
				pipeline.F("renewal", r.Has("renewal_date"), 1),
			}
		},
		Rules: []pipeline.Rule{{
			Name: "segment_floor",
			When: `has(input.segment) && input.segment == "Enterprise" && output.tier == "Watch"`,
			Apply: func(r *pipeline.Run) *pipeline.Verdict {
				r.Output["tier"] = "Intervene"
				return &pipeline.Verdict{Field: "tier", From: "Watch", To: "Intervene", Note: "enterprise floor"}
			},
		}},
		CritiqueRules: []string{"Cite evidence"},
		Handoffs: []pipeline.Handoff{
			{Target: "health_monitor", When: `output.tier != "Watch"`},
			{Target: "expansion_radar", Check: func(r *pipeline.Run) bool { return false }},
		},
	}
}

func TestEngine_RunSuccess(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(map[string]interface{}{"tier": "Watch", "summary": "stable", "gaps": []string{"no NPS"}})
	model.OnCritique(true, 9)
	publisher := &recordingPublisher{}

	e, err := pipeline.NewEngine(pipeline.Capabilities{LLM: model}, pipeline.Options{
		Model:     "m",
		Publisher: publisher,
		Now:       func() time.Time { return pipelinetest.Now },
	}, logger.NewTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, e.Register(tierAgent()))

	out := pipelinetest.Run(t, e, "tier-test", map[string]interface{}{
		"account_name": "Acme",
		"renewal_date": "2025-09-01",
		"segment":      "Enterprise",
	})

	assert.Equal(t, "Intervene", out["tier"], "hard rule overrides synthesis")
	assert.Equal(t, "high", out["confidence"])
	assert.Equal(t, []string{"no NPS"}, pipelinetest.Gaps(out))
	assert.NotContains(t, out, "blocked_reason")
	assert.NotContains(t, out, "quality_note")

	meta := pipelinetest.Meta(out)
	assert.Equal(t, "tier-test", meta["agent"])
	assert.NotEmpty(t, meta["run_id"])
	assert.Equal(t, "2025-06-02T09:00:00Z", meta["generated_at"])
	assert.Equal(t, []interface{}{"segment_floor"}, meta["hard_rules_applied"])
	assert.Equal(t, float64(9), meta["verification_score"])
	assert.Equal(t, true, meta["verification_passed"])
	assert.Equal(t, true, meta["handoff_to_health_monitor"])
	assert.Equal(t, false, meta["handoff_to_expansion_radar"])

	require.Len(t, publisher.events, 1)
	assert.Equal(t, []string{"health_monitor"}, publisher.events[0].Handoffs)
	assert.Equal(t, meta["run_id"], publisher.events[0].RunID)

	synth := model.SynthesisRequests()
	require.Len(t, synth, 1)
	assert.Equal(t, "Account: Acme", synth[0].User)
	assert.Equal(t, 0.2, synth[0].Temperature)
}

func TestEngine_OverriddenClaimIsKept(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(map[string]interface{}{"tier": "Watch", "summary": "stable"})
	model.OnCritique(true, 9)
	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, tierAgent())

	out := pipelinetest.Run(t, e, "tier-test", map[string]interface{}{
		"account_name": "Acme",
		"renewal_date": "2025-09-01",
		"segment":      "Enterprise",
	})

	assert.Equal(t, "Intervene", out["tier"])
	verdicts, ok := pipelinetest.Meta(out)["hard_rule_verdicts"].([]interface{})
	require.True(t, ok)
	require.Len(t, verdicts, 1)
	assert.Equal(t, map[string]interface{}{
		"rule":  "segment_floor",
		"field": "tier",
		"from":  "Watch",
		"to":    "Intervene",
		"note":  "enterprise floor",
	}, verdicts[0])
}

func TestEngine_NoVerdictsWhenNoRuleFires(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(map[string]interface{}{"tier": "Watch", "summary": "stable"})
	model.OnCritique(true, 9)
	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, tierAgent())

	out := pipelinetest.Run(t, e, "tier-test", map[string]interface{}{
		"account_name": "Acme",
		"renewal_date": "2025-09-01",
		"segment":      "SMB",
	})

	meta := pipelinetest.Meta(out)
	assert.Equal(t, []interface{}{}, meta["hard_rules_applied"])
	assert.NotContains(t, meta, "hard_rule_verdicts")
}

func TestEngine_GapsAndEnumValidation(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(map[string]interface{}{"tier": "Watch"})
	model.OnCritique(true, 8)
	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, tierAgent())

	out := pipelinetest.Run(t, e, "tier-test", map[string]interface{}{
		"account_name": "Acme",
		"renewal_date": "",
		"segment":      "Galactic",
	})

	assert.Equal(t, []string{
		"segment must be one of: SMB, Enterprise",
		"renewal date not provided",
	}, pipelinetest.Gaps(out))
	assert.Equal(t, "Watch", out["tier"], "the rule predicate cannot see a rejected enum value")
	assert.Equal(t, "medium", out["confidence"])
	assert.Equal(t, []interface{}{}, pipelinetest.Meta(out)["hard_rules_applied"])
	assert.Equal(t, false, pipelinetest.Meta(out)["handoff_to_health_monitor"])
}

func TestEngine_CritiqueFailureIsNotFatal(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(map[string]interface{}{"tier": "Escalate"})
	model.On("Complete", mock.Anything, mock.MatchedBy(pipelinetest.IsCritique)).Return("not json", nil)
	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, tierAgent())

	out := pipelinetest.Run(t, e, "tier-test", map[string]interface{}{"account_name": "Acme", "renewal_date": "2025-09-01"})

	assert.Equal(t, "Escalate", out["tier"])
	assert.NotContains(t, out, "quality_note")
	meta := pipelinetest.Meta(out)
	assert.Equal(t, true, meta["verification_skipped"])
	assert.NotContains(t, meta, "verification_score")
}

func TestEngine_FailedCritiqueAddsQualityNote(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(map[string]interface{}{"tier": "Watch"})
	model.OnCritique(false, 4, "no evidence cited")
	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, tierAgent())

	out := pipelinetest.Run(t, e, "tier-test", map[string]interface{}{"account_name": "Acme", "renewal_date": "2025-09-01"})

	assert.Equal(t, "Output quality score 4/10. Potential issues: no evidence cited", out["quality_note"])
	assert.Equal(t, false, pipelinetest.Meta(out)["verification_passed"])
}

func TestEngine_SynthesisErrors(t *testing.T) {
	tests := []struct {
		name     string
		answer   string
		err      error
		wantCode apperrors.ErrorCode
	}{
		{name: "invalid JSON", answer: "Sure! Here is the analysis.", wantCode: apperrors.ErrCodeLLMSynthesisFailed},
		{name: "wrong shape", answer: `{"tier":"Unknown"}`, wantCode: apperrors.ErrCodeSynthesisSchemaInvalid},
		{name: "timeout", err: llm.ErrLLMTimeout, wantCode: apperrors.ErrCodeLLMTimeout},
		{name: "empty completion", err: llm.ErrEmptyResponse, wantCode: apperrors.ErrCodeLLMSynthesisFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &pipelinetest.LLM{}
			model.On("Complete", mock.Anything, mock.Anything).Return(tt.answer, tt.err)
			e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, tierAgent())

			resp, err := e.Run(context.Background(), "tier-test", map[string]interface{}{"account_name": "Acme", "renewal_date": "2025-09-01"})

			assert.Nil(t, resp)
			var stdErr *apperrors.StandardError
			require.ErrorAs(t, err, &stdErr)
			assert.Equal(t, tt.wantCode, stdErr.Code)
			model.AssertNumberOfCalls(t, "Complete", 1)
		})
	}
}

func TestEngine_UnknownAgent(t *testing.T) {
	e := pipelinetest.Engine(t, pipeline.Capabilities{})
	_, err := e.Run(context.Background(), "nope", nil)

	var stdErr *apperrors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Equal(t, apperrors.ErrCodeUnknownAgent, stdErr.Code)
}

func TestEngine_GateBlocksBeforeAnyCall(t *testing.T) {
	model := &pipelinetest.LLM{}
	searcher := &pipelinetest.Searcher{}
	a := tierAgent()
	a.Gates = []pipeline.Gate{{
		Name: "min_health",
		Check: func(r *pipeline.Run) *pipeline.Block {
			if score, _ := r.Num("health_score"); score < 70 {
				return &pipeline.Block{Reason: "health below 70", Confidence: pipeline.ConfidenceNA, Sections: map[string]interface{}{"current_health": score}}
			}
			return nil
		},
	}}
	a.Queries = func(r *pipeline.Run) []pipeline.Query { return []pipeline.Query{{Type: "HIRING", Text: "acme hiring"}} }
	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model, Search: searcher}, a)

	out := pipelinetest.Run(t, e, "tier-test", map[string]interface{}{"account_name": "Acme", "renewal_date": "2025-09-01", "health_score": 55})

	assert.Equal(t, "health below 70", out["blocked_reason"])
	assert.Equal(t, "n/a", out["confidence"])
	assert.Equal(t, float64(55), out["current_health"])
	assert.NotContains(t, out, "tier")
	assert.Equal(t, false, pipelinetest.Meta(out)["handoff_to_health_monitor"])
	model.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
	searcher.AssertNotCalled(t, "Search", mock.Anything, mock.Anything)
}

func TestEngine_LoadBearingEvidenceFailure(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(map[string]interface{}{"tier": "Watch"})
	model.OnCritique(true, 9)
	searcher := &pipelinetest.Searcher{}
	searcher.FailAll(search.ErrWebSearchTimeout)

	a := tierAgent()
	a.Queries = func(r *pipeline.Run) []pipeline.Query {
		return []pipeline.Query{{Type: "NEWS", Text: "acme news"}, {Type: "HIRING", Text: "acme hiring"}}
	}
	a.Evidence = pipeline.EvidencePolicy{LoadBearing: true, FailureGap: "Web search failed"}
	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model, Search: searcher}, a)

	out := pipelinetest.Run(t, e, "tier-test", map[string]interface{}{"account_name": "Acme", "renewal_date": "2025-09-01"})

	assert.Equal(t, "medium", out["confidence"], "high downgraded one level")
	assert.Contains(t, pipelinetest.Gaps(out), "Web search failed")
	assert.NotContains(t, out, "sources")
	searcher.AssertNumberOfCalls(t, "Search", 2)
}

func TestEngine_EvidenceSourcesAndCap(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(map[string]interface{}{"tier": "Watch"})
	model.OnCritique(true, 9)
	searcher := &pipelinetest.Searcher{}
	searcher.OnQuery("news", search.Result{Title: "Acme news", URL: "https://n.example/1", Content: "raised"})
	searcher.OnQuery("hiring", search.Result{Title: "Acme jobs", URL: "https://j.example/1", Content: "hiring"})

	a := tierAgent()
	a.Queries = func(r *pipeline.Run) []pipeline.Query {
		return []pipeline.Query{{Type: "NEWS", Text: "acme news"}, {Type: "HIRING", Text: "acme hiring"}}
	}
	a.ConfidenceCap = func(r *pipeline.Run) pipeline.Confidence {
		if len(pipeline.SignalTypes(r.Signals)) < 3 {
			return pipeline.ConfidenceLow
		}
		return ""
	}
	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model, Search: searcher}, a)

	out := pipelinetest.Run(t, e, "tier-test", map[string]interface{}{"account_name": "Acme", "renewal_date": "2025-09-01"})

	assert.Equal(t, "low", out["confidence"])
	assert.Len(t, out["sources"], 2)
}

func TestEngine_PreliminaryGate(t *testing.T) {
	model := &pipelinetest.LLM{}
	a := tierAgent()
	a.PostGates = []pipeline.Gate{{
		Name: "sample",
		Check: func(r *pipeline.Run) *pipeline.Block {
			return &pipeline.Block{Preliminary: true, Reason: "sample below minimum", Gaps: []string{"Sample too small"}, Sections: map[string]interface{}{"sample_size": 3}}
		},
	}}
	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, a)

	out := pipelinetest.Run(t, e, "tier-test", map[string]interface{}{"account_name": "Acme", "renewal_date": "2025-09-01"})

	assert.Equal(t, "low", out["confidence"])
	assert.NotContains(t, out, "blocked_reason")
	assert.Equal(t, []string{"Sample too small"}, pipelinetest.Gaps(out))
	assert.Equal(t, true, pipelinetest.Meta(out)["preliminary"])
	model.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestEngine_Register(t *testing.T) {
	e := pipelinetest.Engine(t, pipeline.Capabilities{})

	bad := tierAgent()
	bad.Rules[0].When = `output.tier ==`
	assert.Error(t, e.Register(bad), "invalid CEL is refused")

	ambiguous := tierAgent()
	ambiguous.Handoffs = []pipeline.Handoff{{Target: "x"}}
	assert.Error(t, e.Register(ambiguous))

	assert.Error(t, e.Register(&pipeline.Agent{}))

	require.NoError(t, e.Register(tierAgent()))
	assert.Error(t, e.Register(tierAgent()), "duplicate id")

	other := tierAgent()
	other.ID = "another"
	require.NoError(t, e.Register(other))

	agents := e.Agents()
	require.Len(t, agents, 2)
	assert.Equal(t, "another", agents[0].ID)
	_, ok := e.Agent("tier-test")
	assert.True(t, ok)
}

func TestEngine_PublishFailureIsLoggedOnly(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(map[string]interface{}{"tier": "Escalate"})
	model.OnCritique(true, 9)
	e, err := pipeline.NewEngine(pipeline.Capabilities{LLM: model}, pipeline.Options{
		Publisher: &recordingPublisher{err: errors.New("sns down")},
	}, logger.NewTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, e.Register(tierAgent()))

	resp, err := e.Run(context.Background(), "tier-test", map[string]interface{}{"account_name": "Acme", "renewal_date": "2025-09-01"})
	require.NoError(t, err)
	assert.Equal(t, true, resp.Meta["handoff_to_health_monitor"])
}

// The engine holds no per-run state: concurrent runs stay independent.
func TestEngine_ConcurrentRuns(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(map[string]interface{}{"tier": "Watch"})
	model.OnCritique(true, 9)
	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, tierAgent())

	done := make(chan map[string]interface{}, 8)
	for i := 0; i < 8; i++ {
		segment := "SMB"
		if i%2 == 0 {
			segment = "Enterprise"
		}
		go func(segment string) {
			resp, err := e.Run(context.Background(), "tier-test", map[string]interface{}{"account_name": "Acme", "renewal_date": "2025-09-01", "segment": segment})
			if err != nil {
				done <- nil
				return
			}
			done <- map[string]interface{}{"segment": segment, "tier": resp.Sections["tier"]}
		}(segment)
	}
	for i := 0; i < 8; i++ {
		got := <-done
		require.NotNil(t, got)
		if got["segment"] == "Enterprise" {
			assert.Equal(t, "Intervene", got["tier"])
		} else {
			assert.Equal(t, "Watch", got["tier"])
		}
	}
}

type recordingPublisher struct {
	events []events.HandoffEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.HandoffEvent) error {
	p.events = append(p.events, e)
	return p.err
}
