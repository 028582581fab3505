// Package expansionradar spots Green accounts that are ready to expand and
// writes an internal brief for the CSM.
package expansionradar

import (
	"context"
	"fmt"
	"math"
	"strings"

	"gtm-agents/internal/common/validation"
	"gtm-agents/internal/pipeline"
)

const AgentID = "expansion-radar"

const (
	minHealth  = 70
	csmNote    = "This is an internal CSM brief. Proposal drafting is a separate step the CSM owns."
	gateReason = "Expansion Radar only processes Green health accounts (score >70). This account is below threshold."
	gateGap    = "Account health must be >70 for expansion assessment"
)

const system = `You are an Expansion Readiness analyst at GTM-360.
Your job is to identify when accounts are ready to expand, before they ask.

EXPANSION READINESS CRITERIA:
- Health: Must be Green (>70)
- Utilisation: >85% seat utilisation OR 30-day spike in premium feature usage
- External signals: Hiring in buyer role at the account (optional but strong signal)

READINESS SCORE (1-5 stars):
1 - Below threshold
2 - Early signals present
3 - Multiple signals aligned
4 - Strong utilisation + external validation
5 - All signals aligned, timing is now

EXPANSION BRIEF STRUCTURE:
- Why now: specific signals that indicate readiness
- What product: which tier/SKU/module makes sense based on usage
- What framing: how to position the expansion based on their current usage patterns
- Timing: when to raise the conversation (now vs next QBR vs wait)

HARD RULES:
- No expansion brief if utilisation <85% AND no premium feature spike
- CSM can override with "Not expansion ready" flag; if present, suppress for 60 days
- This is an internal brief for the CSM, NOT a customer-facing proposal

Do NOT draft the proposal. Surface readiness and framing only.`

var schema = validation.Object(map[string]validation.Schema{
	"expansion_readiness_stars": validation.Number("1-5"),
	"readiness_reasoning":       validation.String("why this score"),
	"expansion_brief": validation.Object(map[string]validation.Schema{
		"why_now":               validation.String("specific signals"),
		"what_product":          validation.String("which SKU, tier or module"),
		"what_framing":          validation.String("how to position"),
		"timing_recommendation": validation.String("when to raise"),
	}),
	"key_signals": validation.Array(validation.String("signal"), "utilisation, feature spikes, external hiring"),
	"gaps":        validation.Array(validation.String("gap"), "what would strengthen the expansion case"),
}, "expansion_readiness_stars", "readiness_reasoning", "expansion_brief")

func New() *pipeline.Agent {
	return &pipeline.Agent{
		ID:          AgentID,
		Name:        "Expansion Radar",
		Swarm:       pipeline.SwarmCS,
		Description: "Scores expansion readiness for healthy accounts from utilisation and hiring signals.",
		Fields: []pipeline.Field{
			{Key: "account_name", Kind: "text", Required: true},
			{Key: "health_score", Kind: "number", Required: true, Auto: true},
			{Key: "utilisation", Kind: "number", Required: true},
			{Key: "feature_notes", Kind: "textarea"},
			{Key: "account_domain", Kind: "text"},
		},
		Needs:       pipeline.Needs{Search: true, SearchOptional: true, LLM: true},
		Temperature: 0.25,
		System:      func(*pipeline.Run) string { return system },
		User:        user,
		Schema:      schema,
		Prepare:     prepare,
		Gates:       []pipeline.Gate{{Name: "green_health", Check: greenHealth}},
		Queries: func(r *pipeline.Run) []pipeline.Query {
			d := pipeline.Domain(r.Str("account_domain"))
			if d == "" {
				return nil
			}
			return []pipeline.Query{{Type: "HIRING", Text: fmt.Sprintf("%s hiring jobs growth %d", d, r.Now.Year()), MaxResults: 2}}
		},
		Evidence: pipeline.EvidencePolicy{MaxSources: 2},
		Gather: func(_ context.Context, r *pipeline.Run, _ pipeline.Capabilities) error {
			if len(r.Signals) > 0 {
				r.Derived["hiring_signal"] = r.Signals[0].Title
			}
			return nil
		},
		Factors: func(r *pipeline.Run) []pipeline.Factor {
			return []pipeline.Factor{
				pipeline.F("health_80", health(r) >= 80, 3),
				pipeline.F("utilisation_85", utilisation(r) >= 85, 4),
				pipeline.F("feature_notes", len(r.Str("feature_notes")) > 50, 2),
				pipeline.F("hiring_signal", r.Derived["hiring_signal"] != nil, 1),
			}
		},
		Rules:    []pipeline.Rule{{Name: "stars_range", Apply: clampStars}},
		Handoffs: []pipeline.Handoff{
			{Target: "signals_scout", When: `output.expansion_readiness_stars >= 4.0`},
		},
		MetaKeys: []string{"health_score", "utilisation"},
		Finalize: finalize,
	}
}

// ParseHealth reads "85", 85 or "85/100".
func ParseHealth(v interface{}) (float64, bool) {
	if s, ok := v.(string); ok {
		v = strings.SplitN(s, "/", 2)[0]
	}
	return pipeline.ToFloat(v)
}

func prepare(r *pipeline.Run) {
	h, _ := ParseHealth(r.Input["health_score"])
	u, _ := r.Num("utilisation")
	r.Derived["health_score"] = h
	r.Derived["utilisation"] = u
}

func health(r *pipeline.Run) float64 {
	h, _ := r.Derived["health_score"].(float64)
	return h
}

func utilisation(r *pipeline.Run) float64 {
	u, _ := r.Derived["utilisation"].(float64)
	return u
}

func greenHealth(r *pipeline.Run) *pipeline.Block {
	if health(r) >= minHealth {
		return nil
	}
	r.Meta["health_gate_failed"] = true
	return &pipeline.Block{
		Reason:     gateReason,
		Confidence: pipeline.ConfidenceNA,
		Gaps:       []string{gateGap},
		Sections:   map[string]interface{}{"current_health": fmt.Sprintf("%s/100", pipeline.ToString(health(r)))},
	}
}

func user(r *pipeline.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Account: %s\nHealth Score: %s\nSeat Utilisation: %s%%\n",
		r.Str("account_name"), r.Str("health_score"), pipeline.ToString(utilisation(r)))
	if notes := r.Str("feature_notes"); notes != "" {
		fmt.Fprintf(&b, "Feature Adoption Notes:\n%s\n", notes)
	} else {
		b.WriteString("Feature data: Not provided\n")
	}
	if signal, ok := r.Derived["hiring_signal"].(string); ok {
		fmt.Fprintf(&b, "External Hiring Signal: %s", signal)
	} else {
		b.WriteString("No external hiring signals detected")
	}
	return b.String()
}

func clampStars(r *pipeline.Run) *pipeline.Verdict {
	stars, _ := r.OutNum("expansion_readiness_stars")
	clamped := math.Max(1, math.Min(5, math.Round(stars)))
	if clamped == stars {
		return nil
	}
	r.Output["expansion_readiness_stars"] = clamped
	return &pipeline.Verdict{Field: "expansion_readiness_stars", From: stars, To: clamped, Note: "readiness stars clamped to whole 1-5"}
}

func finalize(r *pipeline.Run) map[string]interface{} {
	stars, _ := r.OutNum("expansion_readiness_stars")
	n := int(stars)
	r.Meta["readiness_stars"] = n
	out := map[string]interface{}{
		"account_name":        r.Str("account_name"),
		"expansion_readiness": fmt.Sprintf("%s%s (%d/5)", strings.Repeat("★", n), strings.Repeat("☆", 5-n), n),
		"readiness_reasoning": r.Output["readiness_reasoning"],
		"expansion_brief":     r.Output["expansion_brief"],
		"key_signals":         r.Output["key_signals"],
		"gaps":                r.Output["gaps"],
		"note":                csmNote,
	}
	if signal, ok := r.Derived["hiring_signal"]; ok {
		out["external_signal"] = signal
	}
	return out
}
