// Package planningcycle runs the quarterly retrospective: assumption audit,
// focus areas and a pressure test of next quarter's goals.
package planningcycle

import (
	"regexp"
	"strconv"
	"strings"

	"gtm-agents/internal/common/validation"
	"gtm-agents/internal/pipeline"
)

const AgentID = "planning-cycle"

const (
	maxFocusAreas = 3

	outlierNote  = "Actuals exceeded targets by >50%: outlier, may distort retrospective"
	highRiskNote = "Proposed revenue goal is more than 2x prior actuals: high-risk without a clear rationale"
)

const system = `You are a GTM strategist at GTM-360 running the quarterly planning cycle.
Your job is to produce a structured retrospective and pressure-tested focus areas, not to write the plan.

GTM-360 PLANNING CYCLE (structure your entire output around these five questions):
1. Where are we, really?
2. How did we get here?
3. Where could we be?
4. How do we get there?
5. Are we getting there?

RETROSPECTIVE RULES:
- Assumption Audit: which assumptions from the prior quarter were correct vs wrong
- Be specific about what actually happened vs what was expected
- Surface learnings, not blame: this is a system review, not a performance review
- If diagnostic output is available, connect diagnostic findings to quarterly results

FOCUS AREAS RULES:
- Maximum 3 focus areas
- Each focus area has the leverage point, the evidence supporting it and the constraint it addresses
- Rank by impact on the planning questions, not by ease or urgency
- If proposed next quarter goals are provided, pressure-test them against the retrospective

PRESSURE-TEST RULES (if next goals provided):
- Goals >2x prior actuals without clear rationale = high-risk flag
- Check if goals address the constraints surfaced in the retrospective
- Surface the assumptions embedded in the goals

Do NOT recommend tactics. Surface focus areas as opportunities, not to-do lists.`

var schema = validation.Object(map[string]validation.Schema{
	"retrospective_brief": validation.String("what happened, why it happened, what the system learned"),
	"assumption_audit": validation.Array(validation.Object(map[string]validation.Schema{
		"assumption":  validation.String("assumption made last quarter"),
		"was_correct": validation.Boolean("whether it held"),
		"evidence":    validation.String("what shows it"),
	}), "assumptions from the prior quarter"),
	"focus_areas": validation.Array(validation.Object(map[string]validation.Schema{
		"area":                 validation.String("focus area"),
		"leverage_point":       validation.String("where effort compounds"),
		"evidence":             validation.String("supporting evidence"),
		"constraint_addressed": validation.String("constraint it addresses"),
	}), "at most 3 focus areas"),
	"pressure_test":           validation.Nullable(validation.String("achievability and risks of the proposed goals, null when none were given")),
	"strategic_observation":   validation.String("one sharp, non-obvious observation from the quarter"),
	"recommended_next_agents": validation.Array(validation.String("agent id"), "agents to run next"),
}, "retrospective_brief", "assumption_audit", "focus_areas", "strategic_observation")

var critiqueRules = []string{
	"Focus areas are limited to 3 maximum",
	"Each focus area has specific evidence cited, not generic observations",
	"Assumption audit has at least 3 entries if targets/actuals were provided",
	"If proposed goals >2x prior actuals, pressure test flags this explicitly",
	"Output does not prescribe tactics: surfaces focus areas only",
}

var revenuePattern = regexp.MustCompile(`(?i)revenue[:\s]+\$?([\d,]+)`)

func New() *pipeline.Agent {
	return &pipeline.Agent{
		ID:          AgentID,
		Name:        "Planning Cycle",
		Swarm:       pipeline.SwarmStrategy,
		Description: "Quarterly retrospective with assumption audit and pressure-tested focus areas.",
		Fields: []pipeline.Field{
			{Key: "prior_targets", Kind: "textarea", Required: true},
			{Key: "prior_actuals", Kind: "textarea", Required: true},
			{Key: "next_goals", Kind: "textarea"},
			{Key: "diagnostic_output", Kind: "textarea", Auto: true},
		},
		Needs:       pipeline.Needs{LLM: true},
		Temperature: 0.3,
		System:      func(*pipeline.Run) string { return system },
		User:        user,
		Schema:      schema,
		Prepare:     sanityCheck,
		Factors: func(r *pipeline.Run) []pipeline.Factor {
			return []pipeline.Factor{
				pipeline.F("prior_targets", len(r.Str("prior_targets")) > 50, 4),
				pipeline.F("prior_actuals", len(r.Str("prior_actuals")) > 50, 4),
				pipeline.F("diagnostic_output", r.Has("diagnostic_output"), 2),
				pipeline.F("next_goals", r.Has("next_goals"), 1),
			}
		},
		Rules: []pipeline.Rule{{
			Name:  "focus_area_cap",
			When:  `size(output.focus_areas) > 3`,
			Apply: capFocusAreas,
		}},
		CritiqueRules: critiqueRules,
		Handoffs: []pipeline.Handoff{
			{Target: "forecast_analyser", Check: pipeline.Always},
		},
		MetaKeys: []string{"revenue_target", "revenue_actual", "revenue_goal"},
		Finalize: finalize,
	}
}

// sanityCheck compares the revenue lines of targets, actuals and goals.
func sanityCheck(r *pipeline.Run) {
	target, hasTarget := revenue(r.Str("prior_targets"))
	actual, hasActual := revenue(r.Str("prior_actuals"))
	goal, hasGoal := revenue(r.Str("next_goals"))

	var checks []string
	if hasTarget {
		r.Derived["revenue_target"] = target
	}
	if hasActual {
		r.Derived["revenue_actual"] = actual
	}
	if hasGoal {
		r.Derived["revenue_goal"] = goal
	}
	if hasTarget && hasActual && actual > target*1.5 {
		checks = append(checks, outlierNote)
	}
	if hasActual && hasGoal && actual > 0 && goal > actual*2 {
		checks = append(checks, highRiskNote)
	}
	r.State["sanity_checks"] = checks
}

func revenue(text string) (float64, bool) {
	m := revenuePattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func user(r *pipeline.Run) string {
	var b strings.Builder
	b.WriteString("Prior Quarter Targets:\n" + r.Str("prior_targets") + "\n\n")
	b.WriteString("Prior Quarter Actuals:\n" + r.Str("prior_actuals") + "\n\n")
	if r.Has("next_goals") {
		b.WriteString("Proposed Next Quarter Goals:\n" + r.Str("next_goals") + "\n\n")
	}
	if r.Has("diagnostic_output") {
		b.WriteString("Diagnostic Context:\n" + r.Str("diagnostic_output") + "\n\n")
	}
	if checks, _ := r.State["sanity_checks"].([]string); len(checks) > 0 {
		b.WriteString("Sanity Checks:\n- " + strings.Join(checks, "\n- ") + "\n")
	}
	return b.String()
}

func capFocusAreas(r *pipeline.Run) *pipeline.Verdict {
	areas, _ := r.Output["focus_areas"].([]interface{})
	if len(areas) <= maxFocusAreas {
		return nil
	}
	r.Output["focus_areas"] = areas[:maxFocusAreas]
	return &pipeline.Verdict{Field: "focus_areas", From: len(areas), To: maxFocusAreas, Note: "focus areas capped at 3"}
}

func finalize(r *pipeline.Run) map[string]interface{} {
	r.Meta["recommended_handoffs"] = r.Output["recommended_next_agents"]
	out := map[string]interface{}{
		"retrospective_brief":   r.Output["retrospective_brief"],
		"assumption_audit":      r.Output["assumption_audit"],
		"focus_areas":           r.Output["focus_areas"],
		"strategic_observation": r.Output["strategic_observation"],
	}
	if pt := r.OutStr("pressure_test"); pt != "" {
		out["pressure_test_report"] = pt
	}
	if checks, _ := r.State["sanity_checks"].([]string); len(checks) > 0 {
		out["sanity_checks"] = checks
	}
	return out
}
