// Package forecastanalyser produces an evidence-adjusted forecast and
// guarantees it never exceeds the rep-called number.
package forecastanalyser

import (
	"fmt"
	"math"
	"strings"

	"gtm-agents/internal/common/validation"
	"gtm-agents/internal/pipeline"
)

const AgentID = "forecast-analyser"

const (
	overconfidenceGap = 30.0
	overconfidenceMsg = "Rep-called exceeds evidence-adjusted by >30%. Review deal evidence before using this forecast in planning."
)

const system = `You are a Revenue Operations analyst at GTM-360.
Your job is to produce an evidence-adjusted forecast, not validate what reps have entered.

CORE PRINCIPLE: The gap between rep-called and evidence-adjusted is the most important output.

CONFIDENCE MULTIPLIERS (apply to each deal):
- Activity in last 7 days: +0.15
- Activity in last 14 days: +0.10
- No activity in 14+ days: -0.25
- Economic buyer identified: +0.15
- Multi-threaded (2+ contacts): +0.10
- Single-threaded: -0.20
- Close date within 30 days: +0.10
- Stage matches evidence: +0.15
- Stage ahead of evidence: -0.30
- Missing deal value: deal excluded

HARD RULES:
- Deals with no value = excluded from forecast (surfaced in gaps)
- Deals with no close date in the period = excluded
- Stale deals (14+ days no activity) get max 0.4 multiplier

OVERCONFIDENCE FLAG: If rep-called > evidence-adjusted by >30%, flag prominently.
Do NOT recommend what reps should do. Surface numbers and evidence only.`

var schema = validation.Object(map[string]validation.Schema{
	"rep_called_total":        validation.Number("sum of all deal values at face value"),
	"evidence_adjusted_total": validation.Number("confidence-weighted total"),
	"adjustment_percentage":   validation.Number("% difference between rep-called and adjusted"),
	"confidence_range": validation.Object(map[string]validation.Schema{
		"low":  validation.Number("realistic low"),
		"high": validation.Number("realistic high"),
	}),
	"coverage_ratio": validation.Nullable(validation.String("pipeline vs quota, e.g. '2.3x'")),
	"deal_adjustments": validation.Array(validation.Object(map[string]validation.Schema{
		"deal_name":             validation.String("deal"),
		"stage":                 validation.String("stage"),
		"rep_value":             validation.Number("face value"),
		"adjusted_value":        validation.Number("adjusted value"),
		"confidence_multiplier": validation.Number("multiplier"),
		"adjustment_reason":     validation.String("specific reason"),
	}), "per-deal adjustments"),
	"overconfidence_flag": validation.Boolean("rep-called exceeds adjusted by >30%"),
	"top_risks":           validation.Array(validation.String("risk"), "at most 3 deals or patterns at most risk"),
	"forecast_summary":    validation.String("2-3 sentence plain-English summary"),
}, "rep_called_total", "evidence_adjusted_total", "forecast_summary")

var critiqueRules = []string{
	"Evidence-adjusted total is always <= rep-called total (adjustments are always downward)",
	"Overconfidence flag is set if gap is >30%",
	"Deal adjustments have specific reasons, not generic ones",
	"Forecast summary does not recommend actions: surfaces numbers only",
}

func New() *pipeline.Agent {
	return &pipeline.Agent{
		ID:          AgentID,
		Name:        "Forecast Analyser",
		Swarm:       pipeline.SwarmRevOps,
		Description: "Re-weights the rep-called forecast by deal evidence and flags overconfidence.",
		Fields: []pipeline.Field{
			{Key: "pipeline_data", Kind: "textarea", Required: true},
			{Key: "hygiene_report", Kind: "textarea", Auto: true},
			{Key: "forecast_period", Kind: "select", Required: true, Enum: []string{"Current quarter", "Next 30 days", "Next 60 days"}},
			{Key: "quota", Kind: "number"},
		},
		Needs:       pipeline.Needs{LLM: true},
		Temperature: 0.15,
		System:      func(*pipeline.Run) string { return system },
		User:        user,
		Schema:      schema,
		Prepare: func(r *pipeline.Run) {
			r.Derived["period"] = r.Str("forecast_period")
			if q, ok := r.Num("quota"); ok && q > 0 {
				r.Derived["quota"] = q
			}
		},
		Factors: func(r *pipeline.Run) []pipeline.Factor {
			n := len(r.Str("pipeline_data"))
			return []pipeline.Factor{
				pipeline.F("pipeline_data", n > 100, 4),
				pipeline.F("hygiene_report", r.Has("hygiene_report"), 3),
				pipeline.F("quota", r.Has("quota"), 2),
				pipeline.F("pipeline_detail", n > 500, 1),
			}
		},
		Rules: []pipeline.Rule{
			{Name: "adjusted_ceiling", When: `output.evidence_adjusted_total > output.rep_called_total`, Apply: clampAdjusted},
			{Name: "adjustment_percentage", Apply: recomputeAdjustment},
			{Name: "overconfidence_flag", Apply: enforceOverconfidence},
			{Name: "coverage_ratio", When: `has(derived.quota)`, Apply: coverage},
		},
		CritiqueRules: critiqueRules,
		Handoffs: []pipeline.Handoff{
			{Target: "qualifier", Check: pipeline.Always},
			{Target: "planning_cycle", Check: pipeline.Always},
		},
		MetaKeys: []string{"period"},
		Finalize: finalize,
	}
}

func user(r *pipeline.Run) string {
	hygiene := r.Str("hygiene_report")
	if hygiene == "" {
		hygiene = "Not provided: running without hygiene baseline"
	}
	quota := "Not provided"
	if q, ok := r.Derived["quota"].(float64); ok {
		quota = pipeline.Money(q)
	}
	return fmt.Sprintf("Pipeline Data:\n%s\n\nHygiene Report: %s\nForecast Period: %s\nQuota/Target: %s",
		r.Str("pipeline_data"), hygiene, r.Str("forecast_period"), quota)
}

func totals(r *pipeline.Run) (rep, adjusted float64) {
	rep, _ = r.OutNum("rep_called_total")
	adjusted, _ = r.OutNum("evidence_adjusted_total")
	return rep, adjusted
}

// clampAdjusted holds the monotonicity invariant: adjustments only go down.
func clampAdjusted(r *pipeline.Run) *pipeline.Verdict {
	rep, adjusted := totals(r)
	r.Output["evidence_adjusted_total"] = rep
	return &pipeline.Verdict{
		Field: "evidence_adjusted_total",
		From:  adjusted,
		To:    rep,
		Note:  "evidence-adjusted total clamped to the rep-called total",
	}
}

// AdjustmentPct is the downward gap as a percentage of rep-called, to one decimal.
func AdjustmentPct(rep, adjusted float64) float64 {
	if rep <= 0 {
		return 0
	}
	return math.Round((rep-adjusted)/rep*1000) / 10
}

func recomputeAdjustment(r *pipeline.Run) *pipeline.Verdict {
	rep, adjusted := totals(r)
	pct := AdjustmentPct(rep, adjusted)
	from := r.Output["adjustment_percentage"]
	reported, ok := r.OutNum("adjustment_percentage")
	r.Output["adjustment_percentage"] = pct
	if ok && math.Abs(reported-pct) < 0.05 {
		return nil
	}
	return &pipeline.Verdict{Field: "adjustment_percentage", From: from, To: pct, Note: "recomputed from totals"}
}

func enforceOverconfidence(r *pipeline.Run) *pipeline.Verdict {
	pct, _ := r.OutNum("adjustment_percentage")
	want := pct > overconfidenceGap
	if r.Output["overconfidence_flag"] == want {
		return nil
	}
	from := r.Output["overconfidence_flag"]
	r.Output["overconfidence_flag"] = want
	return &pipeline.Verdict{Field: "overconfidence_flag", From: from, To: want, Note: fmt.Sprintf("adjustment of %s%%", pipeline.ToString(pct))}
}

// coverage replaces the model's ratio with rep-called over quota.
func coverage(r *pipeline.Run) *pipeline.Verdict {
	rep, _ := totals(r)
	quota := r.Derived["quota"].(float64)
	ratio := fmt.Sprintf("%.1fx", rep/quota)
	from := r.OutStr("coverage_ratio")
	r.Output["coverage_ratio"] = ratio
	if from == ratio {
		return nil
	}
	return &pipeline.Verdict{Field: "coverage_ratio", From: from, To: ratio, Note: "computed from rep-called and quota"}
}

func finalize(r *pipeline.Run) map[string]interface{} {
	rep, adjusted := totals(r)
	pct, _ := r.OutNum("adjustment_percentage")
	out := map[string]interface{}{
		"rep_called":        pipeline.Money(rep),
		"evidence_adjusted": pipeline.Money(adjusted),
		"adjustment":        pipeline.ToString(pct) + "% downward",
		"confidence_range":  r.Output["confidence_range"],
		"deal_adjustments":  r.Output["deal_adjustments"],
		"top_risks":         r.Output["top_risks"],
		"forecast_summary":  r.Output["forecast_summary"],
	}
	if ratio := strings.TrimSpace(r.OutStr("coverage_ratio")); ratio != "" {
		out["coverage_ratio"] = ratio
	}
	if r.Output["overconfidence_flag"] == true {
		out["overconfidence_warning"] = overconfidenceMsg
	}
	return out
}
