// Package hygiene audits a pipeline for data-quality issues and turns them
// into a prioritised fix queue. It never writes to the CRM.
package hygiene

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gtm-agents/internal/common/validation"
	"gtm-agents/internal/pipeline"
)

const AgentID = "hygiene"

const (
	version         = "2.0"
	sourcePasted    = "Pasted data"
	sourceCRM       = "CRM"
	crmDealLimit    = 100
	credibilityRisk = 0.30

	autoFixNote      = "No automatic CRM changes made. All fixes require explicit approval before anything is written back."
	credibilityAlert = "CRITICAL: >30% of pipeline is unforecastable due to data quality issues"
	parseGap         = "Pipeline data is not a JSON deal list: heuristics were not computed"
	crmFailedGap     = "CRM pipeline could not be loaded"
	noPipelineReason = "No pipeline data to audit. Paste a deal export or choose CRM as the source."
)

var errNoCRM = errors.New("no CRM configured")

var severityOrder = map[string]int{"BLOCKER": 0, "WARNING": 1, "ADVISORY": 2}

const system = `You are a CRM data integrity auditor for B2B SaaS pipelines.

Data quality issues are symptoms. For each one identify the data issue, infer the operational breakdown behind it and state what breaks because of it.

SEVERITY
BLOCKER (deal is unforecastable):
- Missing close date in the current forecast window
- Missing deal value
- Proposal stage or later with 0 contacts identified
- Close date in the past but stage still open
- Closed Won with $0 value
WARNING (reporting quality, deal still forecastable):
- No activity in 30+ days at stage 3 or later
- Single-threaded at decision-maker stage or later
- Close date more than 90 days out at Contract Sent
- Stage and value mismatch, e.g. Discovery at $500K
ADVISORY (hygiene improvement):
- Missing optional fields, inconsistent naming, duplicate companies

PATTERNS (use these names in pattern_flag)
- The Overconfident AE: early-stage deal above $100K
- The Zombie Pipeline: 30+ days without activity at stage 3 or later
- The Stage Jumper: Proposal or Contract with 0-1 contacts
- The Time Traveler: close date in the past, stage open
- The Spray and Pray: more than 40% of pipeline in the earliest two stages

FORECAST IMPACT
Raw pipeline is the sum of all deal values. Clean pipeline is the sum of non-BLOCKER deal values. At risk is raw minus clean.
If at risk is more than 30% of raw, set credibility_flag.

RULES
1. Every issue names a specific deal.
2. Severity follows the definitions above exactly.
3. suggested_fix is an action someone can take today, not "improve data quality".
4. When 3 or more deals share an issue, call it out in pattern_analysis.
5. The summary is sharp, not diplomatic.`

var schema = validation.Object(map[string]validation.Schema{
	"issues": validation.Array(validation.Object(map[string]validation.Schema{
		"deal_name":     validation.String("exact deal name"),
		"severity":      validation.Enum("issue severity", "BLOCKER", "WARNING", "ADVISORY"),
		"field":         validation.String("field with the issue"),
		"issue":         validation.String("specific diagnosis"),
		"suggested_fix": validation.String("actionable fix"),
		"pattern_flag":  validation.Nullable(validation.String("heuristic pattern name")),
	}, "deal_name", "severity", "issue"), "issues found"),
	"blocker_count":              validation.Number("number of BLOCKER issues"),
	"warning_count":              validation.Number("number of WARNING issues"),
	"advisory_count":             validation.Number("number of ADVISORY issues"),
	"raw_pipeline_value":         validation.Number("sum of all deal values"),
	"clean_pipeline_value":       validation.Number("sum of non-BLOCKER deal values"),
	"forecast_risk_from_hygiene": validation.Number("raw minus clean"),
	"stale_deal_count":           validation.Number("deals without activity for 30+ days"),
	"summary":                    validation.String("sharp diagnostic summary"),
	"pattern_analysis":           validation.Nullable(validation.String("patterns shared by 3+ deals")),
	"credibility_flag":           validation.Boolean("at risk exceeds 30% of raw"),
	"top_operational_breakdown":  validation.String("the process failure behind most issues"),
}, "issues", "summary")

var critiqueRules = []string{
	"Every issue has a specific deal name (not generic)",
	"Severity matches definition (BLOCKER = unforecastable)",
	"Suggested fixes are actionable (not \"improve quality\")",
	"If 3+ deals have same issue, pattern_analysis calls it out",
	"Summary is sharp and diagnostic (not diplomatic)",
	"At-risk >30% triggers credibility_flag = true",
}

func New() *pipeline.Agent {
	return &pipeline.Agent{
		ID:          AgentID,
		Name:        "Pipeline Hygiene",
		Swarm:       pipeline.SwarmRevOps,
		Description: "Audits pipeline data quality and produces a prioritised fix queue without touching the CRM.",
		Fields: []pipeline.Field{
			{Key: "pipeline_data", Kind: "textarea", Required: true},
			{Key: "audit_scope", Kind: "select", Enum: []string{"Full pipeline", "Current quarter only", "Specific stage range"}},
			{Key: "include_heuristics", Kind: "select", Enum: []string{"Yes", "No"}},
			{Key: "pipeline_source", Kind: "select", Enum: []string{sourcePasted, sourceCRM}},
		},
		Needs:       pipeline.Needs{LLM: true},
		Temperature: 0.1,
		System:      func(*pipeline.Run) string { return system },
		User:        user,
		Schema:      schema,
		Prepare:     prepare,
		Gather:      loadCRM,
		PostGates:   []pipeline.Gate{{Name: "pipeline_loaded", Check: pipelineLoaded}},
		Evidence:    pipeline.EvidencePolicy{FailureGap: crmFailedGap},
		Factors:     factors,
		Rules: []pipeline.Rule{
			{Name: "severity_counts", Apply: recount},
			{Name: "raw_pipeline_value", When: `derived.parsed_amount_total > 0.0`, Apply: rawFromDeals},
			{Name: "at_risk_value", Apply: atRisk},
			{Name: "credibility_flag", Apply: enforceCredibility},
		},
		CritiqueRules:    critiqueRules,
		QualityThreshold: 8,
		Handoffs: []pipeline.Handoff{
			{Target: "forecast_analyser", Check: pipeline.Always},
			{Target: "qualifier", When: `output.blocker_count > 3.0`},
		},
		MetaKeys: []string{"version", "audit_scope", "deals_analyzed", "pipeline_source"},
		Finalize: finalize,
	}
}

func scope(r *pipeline.Run) string {
	if s := r.Str("audit_scope"); s != "" {
		return s
	}
	return "Full pipeline"
}

func fromCRM(r *pipeline.Run) bool {
	return r.Str("pipeline_source") == sourceCRM
}

func prepare(r *pipeline.Run) {
	r.Derived["version"] = version
	r.Derived["audit_scope"] = scope(r)
	r.Derived["pipeline_source"] = sourcePasted
	if fromCRM(r) {
		r.Derived["pipeline_source"] = sourceCRM
	}
	var deals []Deal
	if !pipeline.IsMissing(r.Input, "pipeline_data") {
		parsed, err := ParseDeals(r.Input["pipeline_data"])
		if err != nil {
			r.Derived["parse_error"] = err.Error()
			r.AddGap(parseGap)
		}
		deals = parsed
	}
	analyse(r, deals)
}

// analyse records the deals and everything computed from them in code.
func analyse(r *pipeline.Run, deals []Deal) {
	r.State["deals"] = deals
	r.State["heuristics"] = Detect(deals, r.Now)
	var total float64
	amounts, closeDates := 0, 0
	for _, d := range deals {
		total += d.Amount
		if d.Amount != 0 {
			amounts++
		}
		if d.CloseDate != "" {
			closeDates++
		}
	}
	r.Derived["deals_analyzed"] = len(deals)
	r.Derived["parsed_amount_total"] = total
	r.Derived["deals_with_amount"] = amounts
	r.Derived["deals_with_close_date"] = closeDates
}

// loadCRM replaces the pasted pipeline with open CRM deals when asked to.
func loadCRM(ctx context.Context, r *pipeline.Run, caps pipeline.Capabilities) error {
	if !fromCRM(r) {
		return nil
	}
	if caps.CRM == nil {
		return errNoCRM
	}
	crmDeals, err := caps.CRM.PipelineDeals(ctx, crmDealLimit)
	if err != nil {
		return err
	}
	deals := FromCRM(crmDeals)
	r.State["crm_deals"] = crmDeals
	delete(r.Derived, "parse_error")
	gaps := r.Gaps[:0]
	for _, g := range r.Gaps {
		if g != parseGap && g != pipeline.GapMessage("pipeline_data") {
			gaps = append(gaps, g)
		}
	}
	r.Gaps = gaps
	analyse(r, deals)
	return nil
}

func pipelineLoaded(r *pipeline.Run) *pipeline.Block {
	if len(deals(r)) > 0 || r.Str("pipeline_data") != "" {
		return nil
	}
	return &pipeline.Block{Reason: noPipelineReason}
}

func deals(r *pipeline.Run) []Deal {
	d, _ := r.State["deals"].([]Deal)
	return d
}

func factors(r *pipeline.Run) []pipeline.Factor {
	n := len(deals(r))
	amounts, _ := r.Derived["deals_with_amount"].(int)
	closes, _ := r.Derived["deals_with_close_date"].(int)
	return []pipeline.Factor{
		pipeline.F("five_deals", n >= 5, 4),
		pipeline.F("ten_deals", n >= 10, 3),
		pipeline.F("parsed", n > 0, 2),
		pipeline.F("amounts", amounts > 0, 2),
		pipeline.F("close_dates", closes > 0, 1),
	}
}

func includeHeuristics(r *pipeline.Run) bool {
	return r.Str("include_heuristics") != "No"
}

func user(r *pipeline.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Audit Scope: %s\n", scope(r))
	if fromCRM(r) && r.State["crm_deals"] != nil {
		data, _ := json.Marshal(r.State["crm_deals"])
		fmt.Fprintf(&b, "\nPipeline Data (CRM, %d open deals):\n%s\n", len(deals(r)), data)
	} else {
		fmt.Fprintf(&b, "\nPipeline Data:\n%s\n", r.Str("pipeline_data"))
	}
	if includeHeuristics(r) && len(deals(r)) > 0 {
		data, _ := json.MarshalIndent(r.State["heuristics"], "", "  ")
		fmt.Fprintf(&b, "\nPre-computed heuristics (counted in code, treat as fact):\n%s\n", data)
	}
	if msg, ok := r.Derived["parse_error"].(string); ok {
		fmt.Fprintf(&b, "\nNote: the data could not be parsed as JSON (%s). Read it as free text.\n", msg)
	}
	return b.String()
}

func issues(r *pipeline.Run) []map[string]interface{} {
	raw, _ := r.Output["issues"].([]interface{})
	out := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

// recount derives the severity counts from the issue list itself.
func recount(r *pipeline.Run) *pipeline.Verdict {
	counts := map[string]float64{"blocker_count": 0, "warning_count": 0, "advisory_count": 0}
	for _, issue := range issues(r) {
		sev := strings.ToUpper(pipeline.ToString(issue["severity"]))
		counts[strings.ToLower(sev)+"_count"]++
	}
	var changed []string
	for _, key := range []string{"blocker_count", "warning_count", "advisory_count"} {
		reported, ok := r.OutNum(key)
		if !ok || reported != counts[key] {
			changed = append(changed, fmt.Sprintf("%s %s→%s", key, pipeline.ToString(r.Output[key]), pipeline.ToString(counts[key])))
		}
		r.Output[key] = counts[key]
	}
	if len(changed) == 0 {
		return nil
	}
	return &pipeline.Verdict{Field: "severity_counts", Note: "recounted from issues: " + strings.Join(changed, ", ")}
}

// rawFromDeals replaces the model's raw pipeline with the parsed sum.
func rawFromDeals(r *pipeline.Run) *pipeline.Verdict {
	total := r.Derived["parsed_amount_total"].(float64)
	reported, ok := r.OutNum("raw_pipeline_value")
	from := r.Output["raw_pipeline_value"]
	r.Output["raw_pipeline_value"] = total
	if clean, ok := r.OutNum("clean_pipeline_value"); ok && clean > total {
		r.Output["clean_pipeline_value"] = total
	}
	if ok && math.Abs(reported-total) < 0.5 {
		return nil
	}
	return &pipeline.Verdict{Field: "raw_pipeline_value", From: from, To: total, Note: "summed from parsed deal amounts"}
}

func atRisk(r *pipeline.Run) *pipeline.Verdict {
	raw, ok := r.OutNum("raw_pipeline_value")
	if !ok {
		return nil
	}
	clean, _ := r.OutNum("clean_pipeline_value")
	if clean > raw {
		clean = raw
		r.Output["clean_pipeline_value"] = clean
	}
	want := raw - clean
	reported, ok := r.OutNum("forecast_risk_from_hygiene")
	from := r.Output["forecast_risk_from_hygiene"]
	r.Output["forecast_risk_from_hygiene"] = want
	if ok && math.Abs(reported-want) < 0.5 {
		return nil
	}
	return &pipeline.Verdict{Field: "forecast_risk_from_hygiene", From: from, To: want, Note: "raw minus clean"}
}

// RiskShare is the at-risk value as a fraction of raw pipeline.
func RiskShare(raw, atRisk float64) float64 {
	if raw <= 0 {
		return 0
	}
	return atRisk / raw
}

func enforceCredibility(r *pipeline.Run) *pipeline.Verdict {
	raw, _ := r.OutNum("raw_pipeline_value")
	risk, _ := r.OutNum("forecast_risk_from_hygiene")
	want := RiskShare(raw, risk) > credibilityRisk
	if r.Output["credibility_flag"] == want {
		return nil
	}
	from := r.Output["credibility_flag"]
	r.Output["credibility_flag"] = want
	return &pipeline.Verdict{
		Field: "credibility_flag",
		From:  from,
		To:    want,
		Note:  fmt.Sprintf("%.0f%% of pipeline at risk", RiskShare(raw, risk)*100),
	}
}

// FixQueue orders issues BLOCKER first, keeping the model's order within a severity.
func FixQueue(items []map[string]interface{}) []map[string]interface{} {
	sorted := append([]map[string]interface{}(nil), items...)
	rank := func(m map[string]interface{}) int {
		if o, ok := severityOrder[strings.ToUpper(pipeline.ToString(m["severity"]))]; ok {
			return o
		}
		return len(severityOrder)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return rank(sorted[i]) < rank(sorted[j]) })
	queue := make([]map[string]interface{}, 0, len(sorted))
	for i, issue := range sorted {
		var pattern interface{}
		if p := pipeline.ToString(issue["pattern_flag"]); p != "" {
			pattern = p
		}
		queue = append(queue, map[string]interface{}{
			"priority":  i + 1,
			"deal":      issue["deal_name"],
			"severity":  strings.ToUpper(pipeline.ToString(issue["severity"])),
			"field":     issue["field"],
			"diagnosis": issue["issue"],
			"action":    issue["suggested_fix"],
			"pattern":   pattern,
		})
	}
	return queue
}

// PatternGroups lists the deals under each pattern for batch fixes.
func PatternGroups(queue []map[string]interface{}) map[string][]string {
	groups := map[string][]string{}
	for _, item := range queue {
		p, ok := item["pattern"].(string)
		if !ok {
			continue
		}
		groups[p] = append(groups[p], pipeline.ToString(item["deal"]))
	}
	return groups
}

func finalize(r *pipeline.Run) map[string]interface{} {
	queue := FixQueue(issues(r))
	out := map[string]interface{}{
		"hygiene_summary":       r.Output["summary"],
		"operational_breakdown": r.Output["top_operational_breakdown"],
		"blockers":              r.Output["blocker_count"],
		"warnings":              r.Output["warning_count"],
		"advisories":            r.Output["advisory_count"],
		"stale_deals":           r.Output["stale_deal_count"],
		"fix_queue":             queue,
		"auto_fix_note":         autoFixNote,
	}
	if out["stale_deals"] == nil {
		out["stale_deals"] = 0
	}
	if raw, ok := r.OutNum("raw_pipeline_value"); ok && raw > 0 {
		clean, _ := r.OutNum("clean_pipeline_value")
		risk, _ := r.OutNum("forecast_risk_from_hygiene")
		out["pipeline_impact"] = map[string]interface{}{
			"raw":                pipeline.Money(raw),
			"clean":              pipeline.Money(clean),
			"at_risk":            pipeline.Money(risk),
			"at_risk_percentage": fmt.Sprintf("%.0f%%", math.Round(RiskShare(raw, risk)*100)),
		}
	}
	if r.Output["credibility_flag"] == true {
		out["forecast_credibility_alert"] = credibilityAlert
	}
	if p := strings.TrimSpace(r.OutStr("pattern_analysis")); p != "" {
		out["pattern_diagnosis"] = p
	}
	if groups := PatternGroups(queue); len(groups) > 0 {
		out["pattern_groups"] = groups
	}
	if includeHeuristics(r) && len(deals(r)) > 0 {
		out["heuristics_detected"] = r.State["heuristics"]
	}
	return out
}
