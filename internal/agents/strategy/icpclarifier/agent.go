// Package icpclarifier derives the actual ICP from closed-won CRM deals and
// compares it with the stated one.
package icpclarifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"gtm-agents/internal/common/hubspot"
	"gtm-agents/internal/common/validation"
	"gtm-agents/internal/pipeline"
)

const AgentID = "icp-clarifier"

const (
	minSample         = 20
	dealLimit         = 100
	maxOutliers       = 5
	concentrationRisk = 0.7

	smallSampleGap = "Sample size below 20 deals — patterns are preliminary only"
	crmFailedGap   = "CRM closed-won deals could not be loaded"
)

var errNoCRM = errors.New("crm capability not configured")

const systemTemplate = `You are an ICP analyst at GTM-360.
Your job is to find the ACTUAL ICP (the profile of customers who close fastest with the highest win rate), not to validate what the stated ICP says.

DATA PROVIDED: %d closed-won deals from the last %d months.

ANALYSIS RULES:
- Look for patterns in: company size (employees), industry, deal value, close time
- Find the "sweet spot": the segment with the best combination of win rate, deal size and velocity
- Flag concentration risk if >70%% of wins are in one industry (strength AND risk)
- Exclude outliers (deals >3x average ACV or <0.2x) from the core ICP and flag them separately
- Recency matters: weight deals from the last 6 months 2x
- If a stated ICP is provided, compare actual vs stated and surface drift explicitly
- Do NOT recommend what to do. Surface the data.`

var schema = validation.Object(map[string]validation.Schema{
	"actual_icp_profile": validation.Object(map[string]validation.Schema{
		"company_size_range":     validation.String("e.g. '50-200 employees'"),
		"industries":             validation.Array(validation.String("industry with % of wins"), "top 3 industries"),
		"deal_size_range":        validation.String("deal size range"),
		"avg_close_time_days":    validation.Number("average days to close"),
		"sweet_spot_description": validation.String("2-3 sentences describing the core ICP"),
	}),
	"icp_drift":           validation.Nullable(validation.String("how the actual ICP differs from the stated one, null when none was given")),
	"concentration_risks": validation.Array(validation.String("flag"), "over-concentration flags (>70% in one dimension)"),
	"outlier_deals":       validation.Array(validation.Any("deal"), "deals outside the core pattern (>3x or <0.2x avg)"),
	"cost_of_drift": validation.Object(map[string]validation.Schema{
		"in_icp_win_rate":      validation.Number("estimated %"),
		"out_of_icp_win_rate":  validation.Number("estimated %"),
		"in_icp_avg_cycle":     validation.Number("days"),
		"out_of_icp_avg_cycle": validation.Number("days"),
	}),
	"sharpened_icp_brief": validation.String("one-page ICP definition ready for team alignment"),
}, "actual_icp_profile", "sharpened_icp_brief")

// dealRow is the per-deal view sent to the model.
type dealRow struct {
	Amount      float64 `json:"amount"`
	CloseDate   string  `json:"close_date"`
	CreateDate  string  `json:"create_date"`
	CompanyName string  `json:"company_name,omitempty"`
	Industry    string  `json:"industry,omitempty"`
	Employees   int     `json:"employees,omitempty"`
	Revenue     float64 `json:"revenue,omitempty"`
}

func New() *pipeline.Agent {
	return &pipeline.Agent{
		ID:          AgentID,
		Name:        "ICP Clarifier",
		Swarm:       pipeline.SwarmStrategy,
		Description: "Finds the actual ICP in closed-won CRM data and surfaces drift from the stated ICP.",
		Fields: []pipeline.Field{
			{Key: "lookback_period", Kind: "select", Required: true, Enum: []string{"Last 6 months", "Last 12 months", "Last 24 months", "All time"}},
			{Key: "stated_icp", Kind: "textarea"},
		},
		Needs:       pipeline.Needs{CRM: true, LLM: true},
		Temperature: 0.25,
		System: func(r *pipeline.Run) string {
			return fmt.Sprintf(systemTemplate, len(deals(r)), lookbackMonths(r))
		},
		User:     user,
		Schema:   schema,
		Prepare:  func(r *pipeline.Run) { r.Derived["lookback_months"] = lookbackMonths(r) },
		Gather:   gather,
		Evidence: pipeline.EvidencePolicy{FailureGap: crmFailedGap},
		PostGates: []pipeline.Gate{{
			Name:  "minimum_sample",
			Check: minimumSample,
		}},
		Factors: func(r *pipeline.Run) []pipeline.Factor {
			n := len(deals(r))
			return []pipeline.Factor{
				pipeline.F("sample_20", n >= minSample, 4),
				pipeline.F("sample_50", n >= 50, 3),
				pipeline.F("stated_icp", r.Has("stated_icp"), 2),
				pipeline.F("company_coverage", float64(withCompany(deals(r))) > float64(n)*0.8, 1),
			}
		},
		Rules: []pipeline.Rule{
			{Name: "outlier_cap", When: `size(output.outlier_deals) > 5`, Apply: capOutliers},
			{Name: "industry_concentration", When: `derived.top_industry_share > 0.7`, Apply: flagConcentration},
		},
		Handoffs: []pipeline.Handoff{
			{Target: "signals_scout", Check: pipeline.Always},
			{Target: "listener", Check: pipeline.Always},
		},
		MetaKeys: []string{"deals_analysed", "avg_acv"},
		Finalize: finalize,
	}
}

// lookbackMonths maps the selected period; anything else looks back 24 months.
func lookbackMonths(r *pipeline.Run) int {
	switch r.Str("lookback_period") {
	case "Last 6 months":
		return 6
	case "Last 12 months":
		return 12
	default:
		return 24
	}
}

func deals(r *pipeline.Run) []hubspot.Deal {
	d, _ := r.State["deals"].([]hubspot.Deal)
	return d
}

func gather(ctx context.Context, r *pipeline.Run, caps pipeline.Capabilities) error {
	if caps.CRM == nil {
		return errNoCRM
	}
	since := r.Now.AddDate(0, -lookbackMonths(r), 0)
	found, err := caps.CRM.ClosedWonDeals(ctx, since, dealLimit)
	if err != nil {
		return err
	}
	r.State["deals"] = found
	r.Derived["deals_analysed"] = len(found)
	profile(r, found)
	return nil
}

// profile computes the deterministic statistics the rules and prompt rely on.
func profile(r *pipeline.Run, found []hubspot.Deal) {
	var sum float64
	var count int
	for _, d := range found {
		if d.Amount > 0 {
			sum += d.Amount
			count++
		}
	}
	avg := 0.0
	if count > 0 {
		avg = sum / float64(count)
	}
	r.Derived["avg_acv"] = math.Round(avg)

	var outliers []string
	for _, d := range found {
		if d.Amount > 0 && avg > 0 && (d.Amount > avg*3 || d.Amount < avg*0.2) {
			outliers = append(outliers, fmt.Sprintf("%s (%s)", d.Name, pipeline.Money(d.Amount)))
		}
	}
	r.State["outliers"] = outliers

	industries := map[string]int{}
	withIndustry := 0
	for _, d := range found {
		if d.Company != nil && d.Company.Industry != "" {
			industries[d.Company.Industry]++
			withIndustry++
		}
	}
	top, topCount := "", 0
	for name, n := range industries {
		if n > topCount || (n == topCount && name < top) {
			top, topCount = name, n
		}
	}
	share := 0.0
	if withIndustry > 0 {
		share = float64(topCount) / float64(withIndustry)
	}
	r.Derived["top_industry"] = top
	r.Derived["top_industry_share"] = share
}

func withCompany(found []hubspot.Deal) int {
	n := 0
	for _, d := range found {
		if d.Company != nil {
			n++
		}
	}
	return n
}

func minimumSample(r *pipeline.Run) *pipeline.Block {
	n := len(deals(r))
	if n >= minSample {
		return nil
	}
	r.Meta["sample_size"] = n
	return &pipeline.Block{
		Preliminary: true,
		Confidence:  pipeline.ConfidenceLow,
		Gaps:        []string{smallSampleGap},
		Sections: map[string]interface{}{
			"preliminary_note": fmt.Sprintf("Only %d closed-won deals found in lookback period. Minimum %d required for confident ICP analysis. Patterns below are preliminary.", n, minSample),
			"sample_size":      n,
		},
	}
}

func user(r *pipeline.Run) string {
	found := deals(r)
	rows := make([]dealRow, 0, len(found))
	for _, d := range found {
		row := dealRow{Amount: d.Amount, CloseDate: d.CloseDate, CreateDate: d.CreateDate}
		if d.Company != nil {
			row.CompanyName = d.Company.Name
			row.Industry = d.Company.Industry
			row.Employees = d.Company.Employees
			row.Revenue = d.Company.Revenue
		}
		rows = append(rows, row)
	}
	data, _ := json.MarshalIndent(rows, "", "  ")

	avg, _ := r.Derived["avg_acv"].(float64)
	var b strings.Builder
	b.WriteString("Closed-won deals:\n" + string(data) + "\n\n")
	if r.Has("stated_icp") {
		b.WriteString("Stated ICP:\n" + r.Str("stated_icp") + "\n\n")
	}
	fmt.Fprintf(&b, "Average deal value: %s\nOutlier threshold (>3x avg): %s\n", pipeline.Money(avg), pipeline.Money(avg*3))
	if outliers, _ := r.State["outliers"].([]string); len(outliers) > 0 {
		b.WriteString("Deals outside 0.2x-3x of average: " + strings.Join(outliers, "; ") + "\n")
	}
	return b.String()
}

func capOutliers(r *pipeline.Run) *pipeline.Verdict {
	list, _ := r.Output["outlier_deals"].([]interface{})
	if len(list) <= maxOutliers {
		return nil
	}
	r.Output["outlier_deals"] = list[:maxOutliers]
	return &pipeline.Verdict{Field: "outlier_deals", From: len(list), To: maxOutliers, Note: "outliers capped at 5"}
}

// flagConcentration makes sure an industry above 70% of wins is always flagged.
func flagConcentration(r *pipeline.Run) *pipeline.Verdict {
	industry := pipeline.ToString(r.Derived["top_industry"])
	share, _ := r.Derived["top_industry_share"].(float64)
	risks := pipeline.ToStrings(r.Output["concentration_risks"])
	for _, risk := range risks {
		if pipeline.ContainsAny(risk, industry) {
			return nil
		}
	}
	flag := fmt.Sprintf("%.0f%% of closed-won deals are in %s: strength and concentration risk", share*100, industry)
	r.Output["concentration_risks"] = append(risks, flag)
	return &pipeline.Verdict{Field: "concentration_risks", To: flag, Note: "industry concentration above 70% added"}
}

func finalize(r *pipeline.Run) map[string]interface{} {
	outliers := r.Output["outlier_deals"]
	if outliers == nil {
		outliers = []interface{}{}
	}
	risks := pipeline.ToStrings(r.Output["concentration_risks"])
	if risks == nil {
		risks = []string{}
	}
	out := map[string]interface{}{
		"sample_size":         len(deals(r)),
		"lookback_period":     fmt.Sprintf("%d months", lookbackMonths(r)),
		"actual_icp_profile":  r.Output["actual_icp_profile"],
		"concentration_risks": risks,
		"outliers":            outliers,
		"cost_of_drift":       r.Output["cost_of_drift"],
		"sharpened_icp_brief": r.Output["sharpened_icp_brief"],
	}
	if drift := r.OutStr("icp_drift"); drift != "" {
		out["icp_drift_report"] = drift
	}
	return out
}
