package qualifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtm-agents/internal/pipeline"
	"gtm-agents/internal/pipeline/pipelinetest"
)

func scorecard(present int) map[string]interface{} {
	card := map[string]interface{}{}
	for i, c := range criteria["MEDDIC"] {
		status := "missing"
		if i < present {
			status = "present"
		}
		card[c] = map[string]interface{}{"status": status, "evidence": nil}
	}
	return card
}

func synthesis(present int, integrity string) map[string]interface{} {
	return map[string]interface{}{
		"scorecard":              scorecard(present),
		"stage_integrity":        integrity,
		"stage_integrity_reason": "Pain and metrics are confirmed",
		"risk_flags":             []string{"No mutual close plan"},
		"gap_list":               []string{"Who signs off on spend above $50k?"},
		"stale_flag":             false,
		"single_thread_flag":     false,
		"summary":                "Healthy discovery with a clear pain.",
	}
}

func run(t *testing.T, model *pipelinetest.LLM, payload map[string]interface{}) map[string]interface{} {
	t.Helper()
	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, New())
	return pipelinetest.Run(t, e, AgentID, payload)
}

func TestQualifier_ProposalWithoutEconomicBuyerFails(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(synthesis(5, "pass"))
	model.OnCritique(true, 8)

	out := run(t, model, map[string]interface{}{
		"deal_context": "Champion is the Head of RevOps. Pain is forecast slippage of 20% each quarter.",
		"deal_stage":   "Proposal",
		"deal_value":   48000,
		"framework":    "MEDDIC",
	})

	assert.Equal(t, "fail", out["stage_integrity"])
	assert.True(t, strings.HasPrefix(out["stage_integrity_reason"].(string), "No economic buyer identified"))
	assert.Contains(t, out["stage_integrity_reason"], "Model assessment (pass)")
	assert.Equal(t, []interface{}{noBuyerAlert}, out["alerts"])
	assert.Contains(t, out, "qualification_scorecard")

	meta := pipelinetest.Meta(out)
	assert.Equal(t, []interface{}{"economic_buyer_gate"}, meta["hard_rules_applied"])
	assert.Equal(t, "MEDDIC", meta["framework"])
	assert.Equal(t, true, meta["handoff_to_deal_room"])
	assert.Equal(t, true, meta["handoff_to_forecast_analyser"])
	assert.Equal(t, []string{}, pipelinetest.Gaps(out))
}

func TestQualifier_ThinCriteriaAtNegotiationFails(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(synthesis(2, "flag"))
	model.OnCritique(true, 8)

	out := run(t, model, map[string]interface{}{
		"deal_context": "CFO joined the last call and approved budget.",
		"deal_stage":   "Negotiation",
		"deal_value":   90000,
		"framework":    "MEDDIC",
		"close_date":   "2025-06-30",
	})

	assert.Equal(t, "fail", out["stage_integrity"])
	assert.Contains(t, out["stage_integrity_reason"], "Only 2 of 6 criteria present")
	assert.Equal(t, []interface{}{}, out["alerts"])
	assert.Equal(t, []interface{}{"criteria_gate"}, pipelinetest.Meta(out)["hard_rules_applied"])
}

func TestQualifier_StaleSingleThreadedDeal(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(synthesis(3, "flag"))
	model.OnCritique(true, 7)

	notes := "Spoke with Dana, the VP Sales, about pipeline coverage. " +
		"Last touch was 21 days ago and nobody else from the buying group has engaged. " +
		"Dana mentioned a board review in Q3 and a rough budget range but no named process yet."
	out := run(t, model, map[string]interface{}{
		"deal_context": notes,
		"deal_stage":   "Qualifying",
		"deal_value":   "$35,000",
		"framework":    "MEDDIC",
		"close_date":   "2025-09-30",
	})

	assert.Equal(t, "flag", out["stage_integrity"])
	assert.Equal(t, []interface{}{staleAlert, singleAlert}, out["alerts"])

	meta := pipelinetest.Meta(out)
	assert.Equal(t, []interface{}{"stale_flag", "single_thread_flag"}, meta["hard_rules_applied"])
	assert.Equal(t, float64(21), meta["days_since_activity"])
	assert.Equal(t, float64(1), meta["contact_count"])
	assert.Equal(t, "high", out["confidence"])

	reqs := model.SynthesisRequests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].User, "Days Since Last Activity: 21")
	assert.Contains(t, reqs[0].System, "CRITERIA TO EVALUATE: Metrics, Economic Buyer")
}

func TestQualifier_FrameworkCriteria(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(synthesis(0, "pass"))
	model.OnCritique(true, 8)

	run(t, model, map[string]interface{}{
		"deal_context": "Intro call booked.",
		"deal_stage":   "Prospecting",
		"deal_value":   10000,
		"framework":    "BANT",
	})

	assert.Contains(t, model.SynthesisRequests()[0].System, "CRITERIA TO EVALUATE: Budget, Authority, Need, Timeline")
}

func TestPresentCriteria(t *testing.T) {
	assert.Equal(t, 0, presentCriteria(nil))
	assert.Equal(t, 2, presentCriteria(map[string]interface{}{
		"Pain":     map[string]interface{}{"status": "Present"},
		"Budget":   "present",
		"Timeline": map[string]interface{}{"status": "partial"},
	}))
}

func TestStageRank(t *testing.T) {
	assert.Equal(t, 1, stageRank("Prospecting"))
	assert.Equal(t, 4, stageRank("proposal"))
	assert.Equal(t, 0, stageRank("Unknown"))
}
