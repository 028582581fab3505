package churnpredictor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gtm-agents/internal/pipeline"
	"gtm-agents/internal/pipeline/pipelinetest"
)

func synthesis(tier string, mitigating interface{}) map[string]interface{} {
	return map[string]interface{}{
		"risk_tier":              tier,
		"risk_evidence":          []string{"VP Sales sponsor departed in May"},
		"renewal_urgency":        "Renewal in under three weeks",
		"cs_play_recommendation": "Schedule risk mitigation call",
		"risk_score_breakdown": map[string]interface{}{
			"engagement_risk": 7, "product_risk": 4, "exec_relationship_risk": 9, "support_risk": 2,
		},
		"mitigating_factors": mitigating,
	}
}

// Scenario A: a critical signal with renewal inside 30 days escalates.
func TestChurnPredictor_CriticalSignalNearRenewalEscalates(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(synthesis("Intervene", nil))

	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, New())
	out := pipelinetest.Run(t, e, AgentID, map[string]interface{}{
		"account_name":   "Acme",
		"health_data":    "Health score 52, usage flat.",
		"renewal_date":   "2025-06-23",
		"contract_value": 50000,
		"risk_signals":   "Exec departure: our sponsor left in May",
	})

	assert.Equal(t, "Escalate", out["risk_tier"])
	assert.Equal(t, alerts[tierEscalate], out["alert"])
	assert.Equal(t, "medium", out["confidence"])
	assert.NotContains(t, out, "mitigating_factors")
	assert.Equal(t, []interface{}{"exec departure"}, out["critical_signals_detected"])

	meta := pipelinetest.Meta(out)
	assert.Equal(t, float64(20), meta["days_to_renewal"])
	assert.Equal(t, true, meta["handoff_to_health_monitor"])
	assert.Equal(t, []interface{}{"renewal_escalation"}, meta["hard_rules_applied"])

	user := model.SynthesisRequests()[0].User
	assert.Contains(t, user, "Contract Value: $50,000")
	assert.Contains(t, user, "Renewal Date: 2025-06-23 (20 days away)")
}

func TestChurnPredictor_YoungAccountNeverEscalates(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(synthesis("Escalate", []string{"CSM reports strong champion"}))

	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, New())
	out := pipelinetest.Run(t, e, AgentID, map[string]interface{}{
		"account_name":       "Acme",
		"health_data":        "Onboarding stalled; open escalation ticket on data import since week one.",
		"renewal_date":       "2025-06-20",
		"contract_value":     "$18,000",
		"account_start_date": "2025-05-23",
	})

	assert.Equal(t, "Intervene", out["risk_tier"])
	assert.Equal(t, []interface{}{"CSM reports strong champion", youngAccountNote}, out["mitigating_factors"])

	meta := pipelinetest.Meta(out)
	assert.Equal(t, float64(10), meta["account_age_days"])
	assert.Equal(t, []interface{}{"account_age_gate"}, meta["hard_rules_applied"])
	assert.Equal(t, true, meta["handoff_to_health_monitor"])
}

func TestChurnPredictor_WatchWithoutCriticalSignals(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(synthesis("Watch", nil))

	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, New())
	out := pipelinetest.Run(t, e, AgentID, map[string]interface{}{
		"account_name":   "Globex",
		"health_data":    "Seat utilisation 78%, two feature requests open, QBR held last month with the COO.",
		"renewal_date":   "2025-12-01",
		"contract_value": 120000,
	})

	assert.Equal(t, "Watch", out["risk_tier"])
	assert.Equal(t, alerts[tierWatch], out["alert"])
	assert.NotContains(t, out, "critical_signals_detected")
	assert.Equal(t, false, pipelinetest.Meta(out)["handoff_to_health_monitor"])
	assert.Equal(t, []interface{}{}, pipelinetest.Meta(out)["hard_rules_applied"])
}

func TestChurnPredictor_CriticalSignalFloor(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(synthesis("Watch", nil))

	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, New())
	out := pipelinetest.Run(t, e, AgentID, map[string]interface{}{
		"account_name":   "Globex",
		"health_data":    "Latest survey puts the admin as a detractor.",
		"renewal_date":   "2025-12-01",
		"contract_value": 120000,
	})

	assert.Equal(t, "Intervene", out["risk_tier"])
	assert.Equal(t, []interface{}{"critical_signal_floor"}, pipelinetest.Meta(out)["hard_rules_applied"])
}

// Notes that deny the risks must not trip the escalation rules.
func TestChurnPredictor_NegatedSignalsKeepModelTier(t *testing.T) {
	model := &pipelinetest.LLM{}
	model.OnSynthesis(synthesis("Watch", nil))

	e := pipelinetest.Engine(t, pipeline.Capabilities{LLM: model}, New())
	out := pipelinetest.Run(t, e, AgentID, map[string]interface{}{
		"account_name":   "Initech",
		"health_data":    "NPS 9 promoter, weekly logins steady, champion engaged in last QBR.",
		"renewal_date":   "2025-06-23",
		"contract_value": 80000,
		"risk_signals":   "None. No exec departure, nothing escalated, no detractors.",
	})

	assert.Equal(t, "Watch", out["risk_tier"])
	assert.NotContains(t, out, "critical_signals_detected")

	meta := pipelinetest.Meta(out)
	assert.Equal(t, []interface{}{}, meta["critical_signals"])
	assert.Equal(t, []interface{}{}, meta["hard_rules_applied"])
	assert.Equal(t, false, meta["handoff_to_health_monitor"])
}

func TestCriticalSignals(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{name: "asserted", text: "Champion left; usage dropped 45%", want: []string{"exec departure", "usage drop"}},
		{name: "nothing relevant", text: "all good", want: []string{}},
		{name: "negated", text: "None. No exec departure, nothing escalated, no detractors.", want: []string{}},
		{name: "negation in another clause", text: "No concerns at QBR, but the exec departure was confirmed", want: []string{"exec departure"}},
		{name: "negation far before phrase", text: "Not renewing the add-on was discussed and then usage dropped sharply", want: []string{"usage drop"}},
		{name: "negated then asserted", text: "no escalation last quarter; escalation ticket opened Monday", want: []string{"open escalation"}},
		{name: "phrase carrying its own negation", text: "No exec engagement in 70 days", want: []string{"no exec engagement"}},
		{name: "contraction", text: "The sponsor hasn't left the company", want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CriticalSignals(tt.text))
		})
	}
}
