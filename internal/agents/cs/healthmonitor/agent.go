// Package healthmonitor scores account health from up to four data
// dimensions and explains what moved the score.
package healthmonitor

import (
	"context"
	"fmt"
	"math"
	"strings"

	"gtm-agents/internal/common/validation"
	"gtm-agents/internal/pipeline"
)

const AgentID = "health-monitor"

const (
	minDimensions  = 2
	minDetailChars = 20
	detractorNPS   = 6
	npsFloorNote   = "NPS <6 forces Amber tier minimum"
)

// dimension is one independent view of account health.
type dimension struct {
	Name  string
	Key   string
	Label string
}

var dimensions = []dimension{
	{Name: "usage", Key: "usage_summary", Label: "Usage Summary"},
	{Name: "engagement", Key: "engagement_notes", Label: "Engagement Notes"},
	{Name: "support", Key: "support_history", Label: "Support History"},
	{Name: "nps", Key: "nps_score"},
}

const system = `You are an Account Health analyst at GTM-360.
Your job is to score account health and explain what moved the score, not to predict the future.

SCORING DIMENSIONS (weight each based on what's available):
- Usage (30%): session frequency, feature adoption, seat utilisation
- Engagement (30%): meeting frequency, exec involvement, responsiveness
- Support (20%): ticket volume, escalations, resolution time
- NPS (20%): most recent score and trend if available

HEALTH TIERS:
- Green (70-100): Strong health, low risk
- Amber (40-69): Watch closely, some risks present
- Red (0-39): High risk, intervention needed

CRITICAL RULES:
- Detractor NPS (<6) within last 30 days: Amber minimum, regardless of other dimensions
- Declining trend (e.g., 80 to 60) is different from stable 60: call this out
- If data is partial (missing dimensions), mark health score as PARTIAL and list gaps
- Change driver: what moved the score since last assessment, be specific
- CS Play: recommend a play from the standard CS playbook, not a custom action

Do NOT predict churn probability. Surface health state only.`

var breakdown = validation.Nullable(validation.Object(map[string]validation.Schema{
	"score":    validation.Number("0-100"),
	"evidence": validation.String("evidence for the score"),
}))

var schema = validation.Object(map[string]validation.Schema{
	"health_score": validation.Number("0-100"),
	"health_tier":  validation.Enum("tier", "Green", "Amber", "Red"),
	"score_breakdown": validation.Object(map[string]validation.Schema{
		"usage":      breakdown,
		"engagement": breakdown,
		"support":    breakdown,
		"nps":        breakdown,
	}),
	"change_driver":       validation.String("what moved the score, or 'First assessment'"),
	"recommended_cs_play": validation.String("specific play from the CS playbook"),
	"data_quality_note":   validation.Nullable(validation.String("set when the score is PARTIAL")),
}, "health_score", "health_tier", "change_driver", "recommended_cs_play")

func New() *pipeline.Agent {
	return &pipeline.Agent{
		ID:          AgentID,
		Name:        "Health Monitor",
		Swarm:       pipeline.SwarmCS,
		Description: "Scores account health across usage, engagement, support and NPS.",
		Fields: []pipeline.Field{
			{Key: "account_name", Kind: "text", Required: true},
			{Key: "usage_summary", Kind: "textarea"},
			{Key: "support_history", Kind: "textarea"},
			{Key: "nps_score", Kind: "number"},
			{Key: "engagement_notes", Kind: "textarea"},
		},
		Needs:       pipeline.Needs{LLM: true},
		Temperature: 0.2,
		System:      func(*pipeline.Run) string { return system },
		User:        user,
		Schema:      schema,
		Prepare:     prepare,
		Gates:       []pipeline.Gate{{Name: "minimum_dimensions", Check: minimumDimensions}},
		Gather: func(_ context.Context, r *pipeline.Run, _ pipeline.Capabilities) error {
			for _, d := range missing(r) {
				r.AddGap(strings.ToUpper(d.Name[:1]) + d.Name[1:] + " data would improve accuracy")
			}
			return nil
		},
		Factors: func(r *pipeline.Run) []pipeline.Factor {
			n := present(r)
			return []pipeline.Factor{
				pipeline.F("dimensions_2", n >= 2, 3),
				pipeline.F("dimensions_3", n >= 3, 3),
				pipeline.F("dimensions_4", n == 4, 2),
				pipeline.F("usage_detail", len(r.Str("usage_summary")) > 100, 2),
			}
		},
		Rules: []pipeline.Rule{
			{Name: "health_score_range", When: `output.health_score < 0.0 || output.health_score > 100.0`, Apply: clampScore},
			{Name: "detractor_nps_floor", When: `has(derived.nps) && derived.nps < 6.0 && output.health_tier == "Green"`, Apply: npsFloor},
		},
		Handoffs: []pipeline.Handoff{
			{Target: "churn_predictor", When: `output.health_tier in ["Amber", "Red"]`},
			{Target: "expansion_radar", When: `output.health_tier == "Green" && output.health_score >= 80.0`},
		},
		MetaKeys: []string{"dimensions_present"},
		Finalize: finalize,
	}
}

func prepare(r *pipeline.Run) {
	if nps, ok := r.Num("nps_score"); ok {
		r.Derived["nps"] = nps
	}
	var have []string
	for _, d := range dimensions {
		if hasDimension(r, d) {
			have = append(have, d.Name)
		}
	}
	r.Derived["dimensions_present"] = len(have)
}

func hasDimension(r *pipeline.Run, d dimension) bool {
	if d.Name == "nps" {
		_, ok := r.Derived["nps"]
		return ok
	}
	return len(strings.TrimSpace(r.Str(d.Key))) > minDetailChars
}

func present(r *pipeline.Run) int {
	n, _ := r.Derived["dimensions_present"].(int)
	return n
}

func missing(r *pipeline.Run) []dimension {
	var out []dimension
	for _, d := range dimensions {
		if !hasDimension(r, d) {
			out = append(out, d)
		}
	}
	return out
}

func minimumDimensions(r *pipeline.Run) *pipeline.Block {
	n := present(r)
	if n >= minDimensions {
		return nil
	}
	gaps := make([]string, 0, len(dimensions))
	for _, d := range missing(r) {
		gaps = append(gaps, d.Name+" data not provided")
	}
	return &pipeline.Block{
		Reason: fmt.Sprintf("Minimum 2 of 4 data dimensions required (usage, engagement, support, NPS). Currently have %d.", n),
		Gaps:   gaps,
	}
}

func user(r *pipeline.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Account: %s\n\n", r.Str("account_name"))
	for _, d := range dimensions {
		switch {
		case d.Name == "nps" && hasDimension(r, d):
			fmt.Fprintf(&b, "NPS Score: %s/10\n", pipeline.ToString(r.Derived["nps"]))
		case d.Name == "nps":
			b.WriteString("NPS data: Not provided\n")
		case r.Has(d.Key):
			fmt.Fprintf(&b, "%s:\n%s\n\n", d.Label, r.Str(d.Key))
		default:
			fmt.Fprintf(&b, "%s data: Not provided\n", strings.ToUpper(d.Name[:1])+d.Name[1:])
		}
	}
	fmt.Fprintf(&b, "\nDimensions available: %d/4", present(r))
	return b.String()
}

func clampScore(r *pipeline.Run) *pipeline.Verdict {
	score, _ := r.OutNum("health_score")
	clamped := math.Max(0, math.Min(100, score))
	r.Output["health_score"] = clamped
	return &pipeline.Verdict{Field: "health_score", From: score, To: clamped, Note: "health score clamped to 0-100"}
}

// npsFloor moves a Green account to Amber when a detractor score is on record.
func npsFloor(r *pipeline.Run) *pipeline.Verdict {
	r.Output["health_tier"] = "Amber"
	note := npsFloorNote
	if prior := r.OutStr("data_quality_note"); prior != "" {
		note = prior + " | " + npsFloorNote
	}
	r.Output["data_quality_note"] = note
	return &pipeline.Verdict{Field: "health_tier", From: "Green", To: "Amber", Note: npsFloorNote}
}

func finalize(r *pipeline.Run) map[string]interface{} {
	score, _ := r.OutNum("health_score")
	out := map[string]interface{}{
		"account_name":        r.Str("account_name"),
		"health_score":        fmt.Sprintf("%s/100", pipeline.ToString(score)),
		"health_tier":         r.Output["health_tier"],
		"score_breakdown":     r.Output["score_breakdown"],
		"change_driver":       r.Output["change_driver"],
		"recommended_cs_play": r.Output["recommended_cs_play"],
		"dimensions_used":     fmt.Sprintf("%d/4", present(r)),
	}
	if note := r.OutStr("data_quality_note"); note != "" {
		out["data_quality_note"] = note
	}
	return out
}
