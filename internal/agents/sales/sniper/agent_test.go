package sniper

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "gtm-agents/internal/common/errors"
	"gtm-agents/internal/common/llm"
	"gtm-agents/internal/pipeline"
	"gtm-agents/internal/pipeline/pipelinetest"
)

const brief = "Acme raised a $30M Series B on 12 May led by Index, and is hiring 4 RevOps roles in London."

func payload(channel string) map[string]interface{} {
	return map[string]interface{}{
		"signal_brief":   brief,
		"target_persona": "VP Revenue Operations",
		"objective":      "First touch",
		"channel":        channel,
	}
}

func draft(words int) map[string]interface{} {
	return map[string]interface{}{
		"subject_line": "Your four RevOps hires",
		"message":      strings.TrimSpace(strings.Repeat("word ", words)),
		"signal_used":  "hiring 4 RevOps roles",
		"word_count":   12,
	}
}

func TestSniper_TwoDraftsForApproval(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(draft(60))
	model.OnCritique(true, 8)

	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, New())
	out := pipelinetest.Run(t, e, AgentID, payload("Email"))

	assert.Equal(t, "high", out["confidence"])
	assert.Equal(t, true, out["approval_required"])
	assert.NotContains(t, out, "length_warning")

	a := out["draft_a"].(map[string]interface{})
	assert.Equal(t, "Your four RevOps hires", a["subject_line"])
	assert.Equal(t, "hiring 4 RevOps roles", a["signal_anchor"])
	assert.Equal(t, float64(60), a["word_count"], "recounted in code")
	assert.Contains(t, out, "draft_b")

	meta := pipelinetest.Meta(out)
	assert.Equal(t, true, meta["never_auto_sends"])
	assert.Equal(t, "Email", meta["channel"])
	assert.Equal(t, false, meta["handoff_to_qualifier"])

	reqs := model.SynthesisRequests()
	require.Len(t, reqs, 2)
	temps := []float64{reqs[0].Temperature, reqs[1].Temperature}
	assert.ElementsMatch(t, []float64{0.5, 0.6}, temps)
	for _, req := range reqs {
		if req.Temperature == draftBTemp {
			assert.Contains(t, req.User, "Now write Draft B")
		} else {
			assert.NotContains(t, req.User, "Draft B")
			assert.Contains(t, req.User, "Body under 100 words.")
		}
	}
}

func TestSniper_LengthWarningPerChannel(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(draft(90))
	model.OnCritique(true, 7)

	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, New())

	out := pipelinetest.Run(t, e, AgentID, payload("LinkedIn DM"))
	assert.Equal(t, "Draft A has 90 words, draft B has 90 words: over the 80-word limit for LinkedIn DM. Consider trimming before sending.", out["length_warning"])
	assert.Equal(t, []interface{}{"channel_length"}, pipelinetest.Meta(out)["hard_rules_applied"])

	out = pipelinetest.Run(t, e, AgentID, payload("Email"))
	assert.NotContains(t, out, "length_warning")

	out = pipelinetest.Run(t, e, AgentID, payload("Call script"))
	assert.NotContains(t, out, "length_warning")
}

func TestSniper_ThinBriefBlocked(t *testing.T) {
	model := &pipelinetest.LLM{}
	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, New())

	p := payload("Email")
	p["signal_brief"] = "They raised money"
	out := pipelinetest.Run(t, e, AgentID, p)

	assert.Equal(t, thinBriefReason, out["blocked_reason"])
	assert.Equal(t, "low", out["confidence"])
	assert.Equal(t, []string{thinBriefGap}, pipelinetest.Gaps(out))
	assert.NotContains(t, out, "draft_a")
	assert.Equal(t, true, pipelinetest.Meta(out)["blocked"])
	model.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestSniper_DraftFailureFailsRun(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.On("Complete", mock.Anything, mock.Anything).Return("", llm.ErrLLMTimeout)

	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, New())
	_, err := e.Run(context.Background(), AgentID, payload("Email"))

	var stdErr *apperrors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Equal(t, apperrors.ErrCodeLLMTimeout, stdErr.Code)
}
