// Package churnpredictor classifies retention risk into Watch, Intervene or
// Escalate with account-specific evidence.
package churnpredictor

import (
	"fmt"
	"math"
	"strings"

	"gtm-agents/internal/common/validation"
	"gtm-agents/internal/pipeline"
)

const AgentID = "churn-predictor"

const (
	tierWatch     = "Watch"
	tierIntervene = "Intervene"
	tierEscalate  = "Escalate"

	escalationWindowDays = 30
	minAccountAgeDays    = 90
	youngAccountNote     = "Account <90 days old: excluded from Escalate tier (insufficient pattern history)"
)

var alerts = map[string]string{
	tierEscalate:  "Escalate: Executive engagement required",
	tierIntervene: "Intervene: Active CSM intervention needed",
	tierWatch:     "Watch: Standard monitoring",
}

// criticalSignals are phrases that put an account at Intervene or above.
var criticalSignals = []struct {
	Name    string
	Phrases []string
}{
	{"exec departure", []string{"exec departure", "executive departure", "exec left", "sponsor left", "champion left", "left the company"}},
	{"open escalation", []string{"open escalation", "escalation ticket", "escalated"}},
	{"detractor NPS", []string{"detractor"}},
	{"no exec engagement", []string{"no exec engagement", "no executive engagement"}},
	{"usage drop", []string{"usage dropped", "usage drop", "usage down"}},
}

const system = `You are a Retention Risk analyst at GTM-360.
Your job is to classify churn risk into tiers with specific evidence, not to predict a probability.

RISK TIERS:
- Watch (1-2 risk signals): Standard monitoring
- Intervene (3+ signals OR any critical signal): Active CSM intervention needed
- Escalate (Intervene criteria + renewal <30 days): Executive escalation required

CRITICAL SIGNALS (any one triggers Intervene minimum):
- Exec departure at customer
- Open escalation ticket
- Detractor NPS (<6)
- No exec engagement in 60+ days
- Product usage dropped >40% month-over-month

TIER-SPECIFIC CS PLAYS:
- Watch: Standard QBR cadence
- Intervene: Schedule risk mitigation call, surface expansion as retention play
- Escalate: Executive engagement, contract terms review, emergency success plan

HARD RULES:
- Accounts <90 days old excluded from Escalate tier (insufficient pattern history)
- If CSM marked "engaged and healthy" in last 14 days, note this alongside risk tier (don't override)
- Every risk must be specific to this account, not a generic concern

Do NOT predict churn probability. Surface risk tier and evidence only.`

var schema = validation.Object(map[string]validation.Schema{
	"risk_tier":              validation.Enum("tier", tierWatch, tierIntervene, tierEscalate),
	"risk_evidence":          validation.Array(validation.String("signal"), "specific signals that triggered this tier"),
	"renewal_urgency":        validation.String("combines days to renewal and risk tier"),
	"cs_play_recommendation": validation.String("tier-appropriate play"),
	"risk_score_breakdown": validation.Object(map[string]validation.Schema{
		"engagement_risk":        validation.Number("0-10"),
		"product_risk":           validation.Number("0-10"),
		"exec_relationship_risk": validation.Number("0-10"),
		"support_risk":           validation.Number("0-10"),
	}),
	"mitigating_factors": validation.Nullable(validation.Array(validation.String("factor"), "anything that reduces risk")),
}, "risk_tier", "risk_evidence", "cs_play_recommendation")

func New() *pipeline.Agent {
	return &pipeline.Agent{
		ID:          AgentID,
		Name:        "Churn Predictor",
		Swarm:       pipeline.SwarmCS,
		Description: "Tiers retention risk and enforces renewal and account-age escalation rules.",
		Fields: []pipeline.Field{
			{Key: "account_name", Kind: "text", Required: true},
			{Key: "health_data", Kind: "textarea", Required: true, Auto: true},
			{Key: "renewal_date", Kind: "date", Required: true},
			{Key: "contract_value", Kind: "number", Required: true},
			{Key: "risk_signals", Kind: "textarea"},
			{Key: "account_start_date", Kind: "date"},
		},
		Needs:       pipeline.Needs{LLM: true},
		Temperature: 0.2,
		System:      func(*pipeline.Run) string { return system },
		User:        user,
		Schema:      schema,
		Prepare:     prepare,
		Factors: func(r *pipeline.Run) []pipeline.Factor {
			return []pipeline.Factor{
				pipeline.F("health_data", len(r.Str("health_data")) > 50, 4),
				pipeline.F("renewal_date", r.Has("renewal_date"), 3),
				pipeline.F("contract_value", r.Has("contract_value"), 2),
				pipeline.F("risk_signals", len(r.Str("risk_signals")) > 20, 1),
			}
		},
		Rules: []pipeline.Rule{
			{Name: "critical_signal_floor", When: `derived.has_critical && output.risk_tier == "Watch"`, Apply: setTier(tierIntervene, "critical signal present")},
			{
				Name:  "renewal_escalation",
				When:  `derived.has_critical && has(derived.days_to_renewal) && derived.days_to_renewal < 30 && output.risk_tier != "Escalate"`,
				Apply: setTier(tierEscalate, "critical signal with renewal inside 30 days"),
			},
			{
				Name:  "account_age_gate",
				When:  `output.risk_tier == "Escalate" && has(derived.account_age_days) && derived.account_age_days < 90`,
				Apply: excludeYoungAccount,
			},
		},
		Handoffs: []pipeline.Handoff{
			{Target: "health_monitor", When: `output.risk_tier in ["Intervene", "Escalate"]`},
		},
		MetaKeys: []string{"days_to_renewal", "account_age_days", "critical_signals"},
		Finalize: finalize,
	}
}

func prepare(r *pipeline.Run) {
	if days, ok := r.DaysUntil("renewal_date"); ok {
		r.Derived["days_to_renewal"] = days
	}
	if start, ok := pipeline.ParseDate(r.Str("account_start_date")); ok {
		r.Derived["account_age_days"] = int(math.Floor(r.Now.Sub(start).Hours() / 24))
	}
	found := CriticalSignals(r.Str("health_data") + "\n" + r.Str("risk_signals"))
	r.Derived["critical_signals"] = found
	r.Derived["has_critical"] = len(found) > 0
}

// CriticalSignals names the critical signal categories asserted in text.
// A phrase denied by a nearby negation ("no exec departure", "nothing
// escalated") does not count.
func CriticalSignals(text string) []string {
	lower := strings.ToLower(text)
	found := []string{}
	for _, s := range criticalSignals {
		for _, phrase := range s.Phrases {
			if asserted(lower, phrase) {
				found = append(found, s.Name)
				break
			}
		}
	}
	return found
}

// negationWindow is how many words before a phrase are checked for a negator.
const negationWindow = 3

var negators = map[string]bool{
	"no": true, "not": true, "nothing": true, "none": true, "never": true,
	"without": true, "zero": true, "isn't": true, "wasn't": true, "hasn't": true,
	"haven't": true, "hadn't": true, "didn't": true, "doesn't": true,
}

// asserted reports whether phrase occurs at least once without a negator in
// the preceding words of the same clause.
func asserted(lower, phrase string) bool {
	for from := 0; ; {
		i := strings.Index(lower[from:], phrase)
		if i < 0 {
			return false
		}
		at := from + i
		if !negated(lower[:at]) {
			return true
		}
		from = at + len(phrase)
	}
}

func negated(before string) bool {
	if cut := strings.LastIndexAny(before, ".;,!?:\n"); cut >= 0 {
		before = before[cut+1:]
	}
	words := strings.Fields(before)
	if len(words) > negationWindow {
		words = words[len(words)-negationWindow:]
	}
	for _, w := range words {
		if negators[strings.Trim(w, "\"'()[]-")] {
			return true
		}
	}
	return false
}

func user(r *pipeline.Run) string {
	value := "not provided"
	if v, ok := r.Num("contract_value"); ok {
		value = pipeline.Money(v)
	}
	renewal := r.Str("renewal_date")
	if renewal == "" {
		renewal = "not provided"
	}
	away := "unknown"
	if days, ok := r.Derived["days_to_renewal"].(int); ok {
		away = fmt.Sprintf("%d days away", days)
	}
	signals := "No additional risk signals provided"
	if s := r.Str("risk_signals"); s != "" {
		signals = "Known Risk Signals:\n" + s
	}
	return fmt.Sprintf("Account: %s\nContract Value: %s\nRenewal Date: %s (%s)\n\nHealth Data:\n%s\n\n%s",
		r.Str("account_name"), value, renewal, away, r.Str("health_data"), signals)
}

func setTier(tier, note string) func(r *pipeline.Run) *pipeline.Verdict {
	return func(r *pipeline.Run) *pipeline.Verdict {
		from := r.OutStr("risk_tier")
		r.Output["risk_tier"] = tier
		return &pipeline.Verdict{Field: "risk_tier", From: from, To: tier, Note: note}
	}
}

func excludeYoungAccount(r *pipeline.Run) *pipeline.Verdict {
	r.Output["risk_tier"] = tierIntervene
	r.Output["mitigating_factors"] = append(pipeline.ToStrings(r.Output["mitigating_factors"]), youngAccountNote)
	return &pipeline.Verdict{Field: "risk_tier", From: tierEscalate, To: tierIntervene, Note: youngAccountNote}
}

func finalize(r *pipeline.Run) map[string]interface{} {
	tier := r.OutStr("risk_tier")
	out := map[string]interface{}{
		"account_name":           r.Str("account_name"),
		"risk_tier":              tier,
		"risk_evidence":          r.Output["risk_evidence"],
		"renewal_urgency":        r.Output["renewal_urgency"],
		"cs_play_recommendation": r.Output["cs_play_recommendation"],
		"risk_breakdown":         r.Output["risk_score_breakdown"],
		"alert":                  alerts[tier],
	}
	if factors := pipeline.ToStrings(r.Output["mitigating_factors"]); len(factors) > 0 {
		out["mitigating_factors"] = factors
	}
	if !strings.EqualFold(tier, tierWatch) && len(pipeline.ToStrings(r.Derived["critical_signals"])) > 0 {
		out["critical_signals_detected"] = r.Derived["critical_signals"]
	}
	return out
}
