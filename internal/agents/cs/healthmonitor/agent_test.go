package healthmonitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"gtm-agents/internal/pipeline"
	"gtm-agents/internal/pipeline/pipelinetest"
)

const (
	usage      = "Weekly active users down from 140 to 95 over the quarter; reporting module adoption flat at 30% of seats."
	engagement = "QBR attended by the VP CS; exec sponsor skipped the last two calls."
	support    = "Two P1 tickets in May, both resolved within SLA; one escalation about SSO."
)

func synthesis(score float64, tier string) map[string]interface{} {
	return map[string]interface{}{
		"health_score": score,
		"health_tier":  tier,
		"score_breakdown": map[string]interface{}{
			"usage": map[string]interface{}{"score": 60, "evidence": "WAU down 32%"},
			"nps":   nil,
		},
		"change_driver":       "Usage decline after the reporting migration",
		"recommended_cs_play": "Adoption workshop",
		"data_quality_note":   nil,
	}
}

func TestHealthMonitor_DetractorNPSForcesAmber(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(synthesis(85, "Green"))

	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, New())
	out := pipelinetest.Run(t, e, AgentID, map[string]interface{}{
		"account_name":     "Acme",
		"usage_summary":    usage,
		"engagement_notes": engagement,
		"nps_score":        4,
	})

	assert.Equal(t, "Amber", out["health_tier"])
	assert.Equal(t, npsFloorNote, out["data_quality_note"])
	assert.Equal(t, "85/100", out["health_score"])
	assert.Equal(t, "3/4", out["dimensions_used"])
	assert.Equal(t, []string{"Support data would improve accuracy"}, pipelinetest.Gaps(out))
	// 3 + 3 + 2 of 10.
	assert.Equal(t, "high", out["confidence"])

	meta := pipelinetest.Meta(out)
	assert.Equal(t, true, meta["handoff_to_churn_predictor"])
	assert.Equal(t, false, meta["handoff_to_expansion_radar"])
	assert.Equal(t, []interface{}{"detractor_nps_floor"}, meta["hard_rules_applied"])

	user := model.SynthesisRequests()[0].User
	assert.Contains(t, user, "NPS Score: 4/10")
	assert.Contains(t, user, "Support data: Not provided")
	assert.Contains(t, user, "Dimensions available: 3/4")
}

func TestHealthMonitor_HealthyAccountRoutesToExpansion(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(synthesis(104, "Green"))

	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, New())
	out := pipelinetest.Run(t, e, AgentID, map[string]interface{}{
		"account_name":     "Acme",
		"usage_summary":    usage,
		"engagement_notes": engagement,
		"support_history":  support,
		"nps_score":        "9",
	})

	assert.Equal(t, "Green", out["health_tier"])
	assert.Equal(t, "100/100", out["health_score"])
	assert.NotContains(t, out, "data_quality_note")
	assert.Empty(t, pipelinetest.Gaps(out))

	meta := pipelinetest.Meta(out)
	assert.Equal(t, false, meta["handoff_to_churn_predictor"])
	assert.Equal(t, true, meta["handoff_to_expansion_radar"])
	assert.Equal(t, float64(4), meta["dimensions_present"])
}

func TestHealthMonitor_SingleDimensionBlocked(t *testing.T) {
	model := &pipelinetest.LLM{}
	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, New())

	out := pipelinetest.Run(t, e, AgentID, map[string]interface{}{
		"account_name":     "Acme",
		"usage_summary":    usage,
		"engagement_notes": "ok",
	})

	assert.Equal(t, "Minimum 2 of 4 data dimensions required (usage, engagement, support, NPS). Currently have 1.", out["blocked_reason"])
	assert.Equal(t, []string{"engagement data not provided", "support data not provided", "nps data not provided"}, pipelinetest.Gaps(out))
	assert.NotContains(t, out, "health_tier")
	model.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}
