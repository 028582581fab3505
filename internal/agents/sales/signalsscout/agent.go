// Package signalsscout assesses whether a target account is in a buying
// window from corroborated public signals.
package signalsscout

import (
	"context"
	"fmt"
	"strings"

	"gtm-agents/internal/common/validation"
	"gtm-agents/internal/pipeline"
)

const AgentID = "signals-scout"

const (
	noSignalsGap = "No signals found for this domain in the lookback period"
	defaultICP   = "B2B SaaS, 50-500 employees, Series A-C"
)

const system = `You are a Signal-to-Intent analyst at GTM-360.
Your job is to assess whether a target account is in a buying window, not to qualify them.

CORE RULES:
- A single weak signal does not constitute intent. You need corroboration from at least 2 different signal types for medium confidence.
- You score Fit Tier (A/B/C/D) against the ICP. If no ICP is provided, use B2B SaaS mid-market as default.
- "Why Now" score (1-10) represents urgency of the buying window, not fit.
- Surface contradictions explicitly; do not resolve them.
- Fail loudly if evidence is thin. A "low confidence" output is better than a confident guess.
- Never fabricate signals. Only use what is in the provided signal data.

FIT TIERS:
- A: Perfect ICP match, strong buying signals
- B: Good ICP match, 1-2 buying signals
- C: Partial ICP match or weak signals only
- D: Outside ICP or disqualifying signals`

var schema = validation.Object(map[string]validation.Schema{
	"why_now_score":      validation.Number("1-10"),
	"fit_tier":           validation.Enum("fit tier", "A", "B", "C", "D"),
	"fit_tier_reasoning": validation.String("specific ICP match factors"),
	"intent_assessment":  validation.String("what the signal pattern indicates about the buying window, citing specific signals"),
	"strongest_signal":   validation.String("the single most compelling signal and why"),
	"contradictions":     validation.Nullable(validation.String("conflicting signals, null when none")),
	"recommended_action": validation.String("specific next step for the sales team"),
	"outreach_angle":     validation.String("the specific angle to use based on signals, for the Sniper agent"),
	"gaps":               validation.Array(validation.String("gap"), "what signals would strengthen or change this assessment"),
}, "why_now_score", "fit_tier", "intent_assessment")

var critiqueRules = []string{
	"Why Now score is corroborated by at least one specific signal cited",
	"Fit Tier has specific ICP criteria mentioned, not just a letter grade",
	"No signals were invented: all claims trace to the provided signal data",
	"Contradictions are surfaced if present",
	`Recommended action is specific, not generic ("reach out" is not acceptable)`,
}

func New() *pipeline.Agent {
	return &pipeline.Agent{
		ID:          AgentID,
		Name:        "Signals Scout",
		Swarm:       pipeline.SwarmSales,
		Description: "Scores fit tier and why-now urgency for one account from five signal dimensions.",
		Fields: []pipeline.Field{
			{Key: "target_domain", Kind: "text", Required: true},
			{Key: "lookback_days", Kind: "select", Required: true, Enum: []string{"30 days", "60 days", "90 days"}},
			{Key: "icp_profile", Kind: "textarea", Auto: true},
			{Key: "hypothesis", Kind: "select", Enum: []string{"New Logo", "Expansion", "Churn Risk", "No hypothesis"}},
		},
		Needs:       pipeline.Needs{Search: true, LLM: true},
		Temperature: 0.2,
		System:      func(*pipeline.Run) string { return system },
		User:        user,
		Schema:      schema,
		Prepare: func(r *pipeline.Run) {
			r.Derived["domain"] = targetDomain(r.Str("target_domain"))
		},
		Queries: queries,
		Evidence: pipeline.EvidencePolicy{
			ExcerptChars: 300,
			MaxSources:   8,
			LoadBearing:  true,
		},
		Gather: func(_ context.Context, r *pipeline.Run, _ pipeline.Capabilities) error {
			if len(r.Signals) == 0 {
				r.AddGap(noSignalsGap)
			}
			r.Derived["total_signals_found"] = len(r.Signals)
			r.Derived["signal_types_found"] = pipeline.SignalTypes(r.Signals)
			return nil
		},
		Factors: func(r *pipeline.Run) []pipeline.Factor {
			return []pipeline.Factor{
				pipeline.F("signals_3", len(r.Signals) >= 3, 3),
				pipeline.F("signal_types_2", len(pipeline.SignalTypes(r.Signals)) >= 2, 3),
				pipeline.F("icp_profile", r.Has("icp_profile"), 2),
				pipeline.F("signals_6", len(r.Signals) >= 6, 2),
			}
		},
		// A single signal type is never corroboration.
		ConfidenceCap: func(r *pipeline.Run) pipeline.Confidence {
			if len(pipeline.SignalTypes(r.Signals)) < 2 {
				return pipeline.ConfidenceLow
			}
			return ""
		},
		Rules: []pipeline.Rule{{
			Name:  "why_now_range",
			When:  `output.why_now_score < 1 || output.why_now_score > 10`,
			Apply: clampWhyNow,
		}},
		CritiqueRules: critiqueRules,
		Handoffs: []pipeline.Handoff{
			{Target: "sniper", When: `output.fit_tier in ["A", "B"] && output.why_now_score >= 6`},
		},
		MetaKeys: []string{"total_signals_found", "signal_types_found"},
		Finalize: finalize,
	}
}

// targetDomain takes the first domain of a possibly comma separated list.
func targetDomain(raw string) string {
	first := strings.TrimSpace(strings.Split(raw, ",")[0])
	return pipeline.Domain(first)
}

func queries(r *pipeline.Run) []pipeline.Query {
	d := pipeline.ToString(r.Derived["domain"])
	if d == "" {
		return nil
	}
	year := r.Now.Year()
	return []pipeline.Query{
		{Type: "FUNDING", Text: fmt.Sprintf("%s funding investment raised %d", d, year), MaxResults: 3},
		{Type: "EXEC_HIRE", Text: fmt.Sprintf("%s VP director executive hire leadership %d", d, year), MaxResults: 3},
		{Type: "PRODUCT_LAUNCH", Text: fmt.Sprintf("%s new product feature launch announcement %d", d, year), MaxResults: 3},
		{Type: "TECH_STACK", Text: d + " technology stack CRM tools integration", MaxResults: 3},
		{Type: "EXPANSION", Text: fmt.Sprintf("%s expansion hiring growth team %d", d, year), MaxResults: 3},
	}
}

func user(r *pipeline.Run) string {
	icp := r.Str("icp_profile")
	if icp == "" {
		icp = defaultICP
	}
	hypothesis := r.Str("hypothesis")
	if hypothesis == "" {
		hypothesis = "None, open search"
	}
	lookback := r.Str("lookback_days")
	if lookback == "" {
		lookback = "30 days"
	}

	blocks := make([]string, 0, len(r.Signals))
	for _, s := range r.Signals {
		blocks = append(blocks, fmt.Sprintf("[%s] %s\n%s", s.Type, s.Title, s.Excerpt))
	}
	return fmt.Sprintf("Target: %s\nICP Profile: %s\nHypothesis: %s\nLookback: %s\n\nSIGNALS FOUND:\n%s",
		pipeline.ToString(r.Derived["domain"]), icp, hypothesis, lookback, strings.Join(blocks, "\n\n"))
}

func clampWhyNow(r *pipeline.Run) *pipeline.Verdict {
	score, _ := r.OutNum("why_now_score")
	clamped := score
	if clamped < 1 {
		clamped = 1
	}
	if clamped > 10 {
		clamped = 10
	}
	r.Output["why_now_score"] = clamped
	return &pipeline.Verdict{Field: "why_now_score", From: score, To: clamped, Note: "why now score clamped to 1-10"}
}

func finalize(r *pipeline.Run) map[string]interface{} {
	log := make([]map[string]string, 0, len(r.Signals))
	for _, s := range r.Signals {
		log = append(log, map[string]string{"type": s.Type, "title": s.Title, "url": s.URL})
	}
	score, _ := r.OutNum("why_now_score")
	out := map[string]interface{}{
		"why_now_score":       fmt.Sprintf("%s/10", pipeline.ToString(score)),
		"fit_tier":            r.Output["fit_tier"],
		"fit_tier_reasoning":  r.Output["fit_tier_reasoning"],
		"intent_assessment":   r.Output["intent_assessment"],
		"strongest_signal":    r.Output["strongest_signal"],
		"recommended_action":  r.Output["recommended_action"],
		"outreach_angle":      r.Output["outreach_angle"],
		"signal_evidence_log": log,
		"gaps":                r.Output["gaps"],
	}
	if c := r.OutStr("contradictions"); c != "" {
		out["contradictions"] = c
	}
	return out
}
