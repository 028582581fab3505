package icpclarifier

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gtm-agents/internal/common/hubspot"
	"gtm-agents/internal/pipeline"
	"gtm-agents/internal/pipeline/pipelinetest"
)

func makeDeals(n int, industry string) []hubspot.Deal {
	out := make([]hubspot.Deal, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, hubspot.Deal{
			ID:        fmt.Sprintf("d%d", i),
			Name:      fmt.Sprintf("Deal %d", i),
			Amount:    20000,
			CloseDate: "2025-03-01",
			Company:   &hubspot.Company{Name: fmt.Sprintf("Co %d", i), Industry: industry, Employees: 120},
		})
	}
	return out
}

func synthesis() map[string]interface{} {
	return map[string]interface{}{
		"actual_icp_profile": map[string]interface{}{
			"company_size_range":     "100-250 employees",
			"industries":             []string{"Fintech 80%"},
			"deal_size_range":        "$15k-$30k",
			"avg_close_time_days":    41,
			"sweet_spot_description": "Mid-market fintech with a RevOps owner.",
		},
		"icp_drift":           "Stated ICP targets enterprise; wins are mid-market.",
		"concentration_risks": []string{},
		"outlier_deals":       []interface{}{"a", "b", "c", "d", "e", "f", "g"},
		"cost_of_drift":       map[string]interface{}{"in_icp_win_rate": 31, "out_of_icp_win_rate": 12, "in_icp_avg_cycle": 38, "out_of_icp_avg_cycle": 77},
		"sharpened_icp_brief": "Mid-market fintech, 100-250 employees.",
	}
}

// Fewer than 20 deals short-circuits before any model call.
func TestICP_MinimumSampleMakesNoLLMCall(t *testing.T) {
	crm := &pipelinetest.CRM{}
	crm.On("ClosedWonDeals", mock.Anything, mock.Anything, dealLimit).Return(makeDeals(12, "Fintech"), nil)
	model := &pipelinetest.LLM{}

	e := pipelinetest.Engine(t, pipeline.Capabilities{CRM: crm, LLM: model}, New())
	out := pipelinetest.Run(t, e, AgentID, map[string]interface{}{"lookback_period": "Last 12 months"})

	assert.Equal(t, "low", out["confidence"])
	assert.NotContains(t, out, "blocked_reason")
	assert.Equal(t, float64(12), out["sample_size"])
	assert.Contains(t, out["preliminary_note"], "Only 12 closed-won deals")
	assert.Equal(t, []string{smallSampleGap}, pipelinetest.Gaps(out))
	assert.Equal(t, float64(12), pipelinetest.Meta(out)["sample_size"])
	model.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestICP_LookbackWindow(t *testing.T) {
	tests := []struct {
		period string
		months int
	}{
		{period: "Last 6 months", months: 6},
		{period: "Last 12 months", months: 12},
		{period: "Last 24 months", months: 24},
		{period: "All time", months: 24},
	}
	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			crm := &pipelinetest.CRM{}
			since := pipelinetest.Now.AddDate(0, -tt.months, 0)
			crm.On("ClosedWonDeals", mock.Anything, mock.MatchedBy(func(ts time.Time) bool { return ts.Equal(since) }), dealLimit).
				Return([]hubspot.Deal{}, nil)

			e := pipelinetest.Engine(t, pipeline.Capabilities{CRM: crm, LLM: &pipelinetest.LLM{}}, New())
			pipelinetest.Run(t, e, AgentID, map[string]interface{}{"lookback_period": tt.period})
			crm.AssertExpectations(t)
		})
	}
}

func TestICP_FullAnalysis(t *testing.T) {
	found := append(makeDeals(22, "Fintech"), makeDeals(3, "Retail")...)
	found[0].Amount = 150000
	crm := &pipelinetest.CRM{}
	crm.On("ClosedWonDeals", mock.Anything, mock.Anything, dealLimit).Return(found, nil)
	model := &pipelinetest.LLM{}
	model.OnSynthesis(synthesis())

	e := pipelinetest.Engine(t, pipeline.Capabilities{CRM: crm, LLM: model}, New())
	out := pipelinetest.Run(t, e, AgentID, map[string]interface{}{
		"lookback_period": "Last 12 months",
		"stated_icp":      "Enterprise banks",
	})

	// 4 + 2 + 1 of 10 weight.
	assert.Equal(t, "medium", out["confidence"])
	assert.Equal(t, float64(25), out["sample_size"])
	assert.Equal(t, "12 months", out["lookback_period"])
	assert.Len(t, out["outliers"], maxOutliers)
	assert.Equal(t, "Stated ICP targets enterprise; wins are mid-market.", out["icp_drift_report"])
	require.Len(t, out["concentration_risks"], 1)
	assert.Contains(t, out["concentration_risks"].([]interface{})[0], "88% of closed-won deals are in Fintech")

	meta := pipelinetest.Meta(out)
	assert.ElementsMatch(t, []interface{}{"outlier_cap", "industry_concentration"}, meta["hard_rules_applied"])
	assert.Equal(t, true, meta["handoff_to_signals_scout"])
	assert.Equal(t, true, meta["handoff_to_listener"])
	assert.Equal(t, float64(25), meta["deals_analysed"])

	synth := model.SynthesisRequests()
	require.Len(t, synth, 1)
	assert.Contains(t, synth[0].System, "DATA PROVIDED: 25 closed-won deals from the last 12 months.")
	assert.Contains(t, synth[0].User, "Deal 0 ($150,000)")
	assert.Contains(t, synth[0].User, "Stated ICP:\nEnterprise banks")
}

func TestICP_CRMFailureDegradesToPreliminary(t *testing.T) {
	crm := &pipelinetest.CRM{}
	crm.On("ClosedWonDeals", mock.Anything, mock.Anything, dealLimit).Return(nil, fmt.Errorf("%w: boom", hubspot.ErrCRMRequestFailed))
	model := &pipelinetest.LLM{}

	e := pipelinetest.Engine(t, pipeline.Capabilities{CRM: crm, LLM: model}, New())
	out := pipelinetest.Run(t, e, AgentID, map[string]interface{}{"lookback_period": "Last 6 months"})

	assert.Equal(t, []string{crmFailedGap, smallSampleGap}, pipelinetest.Gaps(out))
	assert.Equal(t, float64(0), out["sample_size"])
	model.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestICP_NoCRMConfigured(t *testing.T) {
	r := &pipeline.Run{State: map[string]interface{}{}, Derived: map[string]interface{}{}, Input: map[string]interface{}{}}
	err := gather(context.Background(), r, pipeline.Capabilities{})
	assert.True(t, errors.Is(err, errNoCRM))
}
