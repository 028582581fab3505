// Package qualifier scores a deal against a qualification framework and
// enforces stage integrity gates on the model's verdict.
package qualifier

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gtm-agents/internal/common/validation"
	"gtm-agents/internal/pipeline"
)

const AgentID = "qualifier"

const (
	staleDays       = 14
	minCriteriaLate = 3
	staleAlert      = "Stale deal: no activity detected in 14+ days"
	singleAlert     = "Single-threaded: only one contact engaged"
	noBuyerAlert    = "No economic buyer identified at this stage"
	integrityFail   = "fail"
	criteriaPresent = "present"
)

var stages = []string{"Prospecting", "Discovery", "Qualifying", "Proposal", "Negotiation", "Closed Won", "Closed Lost"}

// criteria per framework; unknown frameworks fall back to MEDDIC.
var criteria = map[string][]string{
	"MEDDIC": {"Metrics", "Economic Buyer", "Decision Criteria", "Decision Process", "Identify Pain", "Champion"},
	"SPICED": {"Situation", "Pain", "Impact", "Critical Event", "Decision"},
	"BANT":   {"Budget", "Authority", "Need", "Timeline"},
}

var (
	economicBuyerPattern = regexp.MustCompile(`(?i)economic buyer|CFO|CEO|VP|decision maker|budget holder`)
	activityPattern      = regexp.MustCompile(`(?i)(\d+)\s*days?\s*(ago|since|last)`)
	contactPattern       = regexp.MustCompile(`(?i)\b(contacted|spoke|met|emailed|called)\s+(\w+)`)
)

const systemTemplate = `You are a deal qualification specialist at GTM-360.
Your job is to surface what is missing or at risk in a deal, not to coach the rep on how to sell.

FRAMEWORK: %s
CRITERIA TO EVALUATE: %s

SCORING RULES:
- present: explicit evidence exists in the notes
- partial: implied but not confirmed
- missing: no evidence found
- Do NOT infer "present" from vague language. "They seem interested" is not a present Champion.

STAGE INTEGRITY RULES:
- pass: evidence fully supports the stage
- flag: 1-2 significant gaps for this stage
- fail: critical gaps that mean the deal should not be at this stage

LOGIC GATES (apply these hard rules):
- If stage is Proposal or later and no economic buyer: fail
- If no activity in 14+ days at any stage above Discovery: flag (stale)
- If only 1 contact engaged at stage 3+: flag (single-threaded risk)
- If <3 of the criteria are present at Proposal+: fail`

var schema = validation.Object(map[string]validation.Schema{
	"scorecard":              validation.Any("object keyed by criterion, each value { status: present|partial|missing, evidence: string or null }"),
	"stage_integrity":        validation.Enum("verdict", "pass", "flag", "fail"),
	"stage_integrity_reason": validation.String("specific reason for the integrity verdict"),
	"risk_flags":             validation.Array(validation.String("risk"), "specific risks ordered by severity"),
	"gap_list":               validation.Array(validation.String("question"), "specific questions the rep should ask to fill each gap"),
	"stale_flag":             validation.Boolean("no recent activity"),
	"single_thread_flag":     validation.Boolean("only one contact engaged"),
	"summary":                validation.String("2-3 sentence summary of deal health"),
}, "scorecard", "stage_integrity", "stage_integrity_reason", "summary")

var critiqueRules = []string{
	"Stage integrity verdict is consistent with the scorecard: fail if <3 criteria present at Proposal+",
	"Risk flags are specific to this deal, not generic sales advice",
	`Gap questions are specific and actionable, not generic ("find the economic buyer" requires more specificity)`,
	"Stale flag is set if no recent activity is detectable",
}

func New() *pipeline.Agent {
	return &pipeline.Agent{
		ID:          AgentID,
		Name:        "Deal Qualifier",
		Swarm:       pipeline.SwarmSales,
		Description: "Scores a deal against MEDDIC, SPICED or BANT and checks stage integrity.",
		Fields: []pipeline.Field{
			{Key: "deal_context", Kind: "textarea", Required: true},
			{Key: "deal_stage", Kind: "select", Required: true, Enum: stages},
			{Key: "deal_value", Kind: "number", Required: true},
			{Key: "framework", Kind: "select", Required: true, Enum: []string{"MEDDIC", "SPICED", "BANT"}},
			{Key: "close_date", Kind: "date"},
		},
		Needs:       pipeline.Needs{LLM: true},
		Temperature: 0.2,
		System: func(r *pipeline.Run) string {
			return fmt.Sprintf(systemTemplate, framework(r), strings.Join(frameworkCriteria(r), ", "))
		},
		User:    user,
		Schema:  schema,
		Prepare: extractSignals,
		Factors: func(r *pipeline.Run) []pipeline.Factor {
			return []pipeline.Factor{
				pipeline.F("deal_context", len(r.Str("deal_context")) > 200, 3),
				pipeline.F("deal_stage", r.Has("deal_stage"), 2),
				pipeline.F("deal_value", r.Has("deal_value"), 2),
				pipeline.F("close_date", r.Has("close_date"), 1),
				pipeline.F("economic_buyer", r.Derived["has_economic_buyer"] == true, 2),
			}
		},
		Rules: []pipeline.Rule{
			{Name: "economic_buyer_gate", When: `derived.late_stage && !derived.has_economic_buyer`, Apply: failNoEconomicBuyer},
			{Name: "criteria_gate", When: `derived.late_stage`, Apply: failThinCriteria},
			{Name: "stale_flag", When: `derived.stale`, Apply: setFlag("stale_flag", "no activity in 14+ days above Discovery")},
			{Name: "single_thread_flag", When: `derived.single_threaded`, Apply: setFlag("single_thread_flag", "one contact engaged at Qualifying or later")},
		},
		CritiqueRules: critiqueRules,
		Handoffs: []pipeline.Handoff{
			{Target: "deal_room", Check: pipeline.Always},
			{Target: "forecast_analyser", Check: pipeline.Always},
		},
		MetaKeys: []string{"framework", "days_since_activity", "contact_count"},
		Finalize: finalize,
	}
}

func framework(r *pipeline.Run) string {
	if _, ok := criteria[r.Str("framework")]; ok {
		return r.Str("framework")
	}
	return "MEDDIC"
}

func frameworkCriteria(r *pipeline.Run) []string {
	return criteria[framework(r)]
}

// stageRank is 1-based; unknown stages rank 0.
func stageRank(stage string) int {
	for i, s := range stages {
		if strings.EqualFold(s, stage) {
			return i + 1
		}
	}
	return 0
}

// extractSignals reads activity, contacts and buyer presence from the notes.
func extractSignals(r *pipeline.Run) {
	text := r.Str("deal_context")
	stage := r.Str("deal_stage")
	rank := stageRank(stage)

	r.Derived["framework"] = framework(r)
	r.Derived["stage_rank"] = rank
	r.Derived["has_economic_buyer"] = economicBuyerPattern.MatchString(text)
	r.Derived["late_stage"] = stage == "Proposal" || stage == "Negotiation"

	days := -1
	if m := activityPattern.FindStringSubmatch(text); m != nil {
		days, _ = strconv.Atoi(m[1])
		r.Derived["days_since_activity"] = days
	}
	contacts := len(contactPattern.FindAllString(text, -1))
	if contacts > 0 {
		r.Derived["contact_count"] = contacts
	}

	// Ranks above Discovery, excluding the closed stages.
	open := rank >= 3 && rank <= 5
	r.Derived["stale"] = open && days >= staleDays
	r.Derived["single_threaded"] = open && contacts == 1
}

func user(r *pipeline.Run) string {
	value := "not provided"
	if v, ok := r.Num("deal_value"); ok {
		value = pipeline.Money(v)
	}
	closeDate := r.Str("close_date")
	if closeDate == "" {
		closeDate = "not provided"
	}
	days, contacts := "unknown", "unknown"
	if d, ok := r.Derived["days_since_activity"].(int); ok {
		days = strconv.Itoa(d)
	}
	if c, ok := r.Derived["contact_count"].(int); ok {
		contacts = strconv.Itoa(c)
	}
	return fmt.Sprintf("Deal Stage: %s\nDeal Value: %s\nClose Date: %s\nDays Since Last Activity: %s\nContact Count: %s\n\nDeal Context:\n%s",
		r.Str("deal_stage"), value, closeDate, days, contacts, r.Str("deal_context"))
}

func failNoEconomicBuyer(r *pipeline.Run) *pipeline.Verdict {
	return fail(r, "economic_buyer_gate", "No economic buyer identified at Proposal or later")
}

func failThinCriteria(r *pipeline.Run) *pipeline.Verdict {
	present := presentCriteria(r.Output["scorecard"])
	if present >= minCriteriaLate {
		return nil
	}
	return fail(r, "criteria_gate", fmt.Sprintf("Only %d of %d criteria present at Proposal or later", present, len(frameworkCriteria(r))))
}

// fail forces the integrity verdict; the model's reason is kept after the gate's.
func fail(r *pipeline.Run, rule, reason string) *pipeline.Verdict {
	from := r.OutStr("stage_integrity")
	if from == integrityFail {
		return nil
	}
	r.Output["stage_integrity"] = integrityFail
	if prior := r.OutStr("stage_integrity_reason"); prior != "" {
		reason += ". Model assessment (" + from + "): " + prior
	}
	r.Output["stage_integrity_reason"] = reason
	return &pipeline.Verdict{Rule: rule, Field: "stage_integrity", From: from, To: integrityFail, Note: reason}
}

func setFlag(field, note string) func(r *pipeline.Run) *pipeline.Verdict {
	return func(r *pipeline.Run) *pipeline.Verdict {
		from := r.Output[field]
		if from == true {
			return nil
		}
		r.Output[field] = true
		return &pipeline.Verdict{Field: field, From: from, To: true, Note: note}
	}
}

// presentCriteria counts scorecard entries with status "present". Entries may
// be objects with a status key or bare status strings.
func presentCriteria(scorecard interface{}) int {
	card, _ := scorecard.(map[string]interface{})
	n := 0
	for _, v := range card {
		status := ""
		switch entry := v.(type) {
		case map[string]interface{}:
			status = pipeline.ToString(entry["status"])
		case string:
			status = entry
		}
		if strings.EqualFold(strings.TrimSpace(status), criteriaPresent) {
			n++
		}
	}
	return n
}

func finalize(r *pipeline.Run) map[string]interface{} {
	alerts := []string{}
	if r.Output["stale_flag"] == true {
		alerts = append(alerts, staleAlert)
	}
	if r.Output["single_thread_flag"] == true {
		alerts = append(alerts, singleAlert)
	}
	if r.Derived["late_stage"] == true && r.Derived["has_economic_buyer"] != true {
		alerts = append(alerts, noBuyerAlert)
	}
	return map[string]interface{}{
		"qualification_scorecard": r.Output["scorecard"],
		"stage_integrity":         r.Output["stage_integrity"],
		"stage_integrity_reason":  r.Output["stage_integrity_reason"],
		"risk_flags":              r.Output["risk_flags"],
		"gap_list":                r.Output["gap_list"],
		"summary":                 r.Output["summary"],
		"alerts":                  alerts,
	}
}
