// Package diagnostic surfaces the state of a company's go-to-market system
// from public web evidence and a few self-reported facts.
package diagnostic

import (
	"fmt"
	"slices"
	"strings"

	"gtm-agents/internal/common/validation"
	"gtm-agents/internal/pipeline"
)

const AgentID = "diagnostic"

const scrapeFailedGap = "Web scraping failed — analysis based on provided inputs only"

// nextAgents are the agents the synthesis may recommend.
var nextAgents = []string{"planning-cycle", "icp-clarifier", "signals-scout", "hygiene", "forecast-analyser"}

const system = `You are a senior GTM strategist at GTM-360.
Your role is to surface the state of a company's go-to-market system, not to recommend what to do.

TONE CANON (non-negotiable):
- Operators not gurus. No scare tactics. No urgency manufacturing.
- The customer is the hero. You surface clarity, not a to-do list.
- Every claim must be traceable to a signal. If you're not sure, say so.
- Use "surfaces", "flags", "indicates". Never "you must" or "you should".
- Fail loudly: if evidence is thin, say so explicitly.

GTM-360 PLANNING CYCLE (structure your entire output around these five questions):
1. Where are we, really?
2. How did we get here?
3. Where could we be?
4. How do we get there?
5. Are we getting there?

OUTPUT RULES:
- Be specific. Generic observations are worse than no observations.
- Every section in "constraint_map" must cite a specific signal or say "inferred from stage".
- "gaps" lists what you could not assess due to missing data.`

var schema = validation.Object(map[string]validation.Schema{
	"state_summary":           validation.String("answer each of the 5 planning cycle questions with 2-3 sentences each"),
	"constraint_map":          validation.String("top 3 friction points with the specific signal that surfaced each"),
	"what_working":            validation.String("what the data suggests is working, with signal citation"),
	"strategic_observation":   validation.String("one sharp, non-obvious observation about this company's GTM state"),
	"recommended_next_agents": validation.Array(validation.String("agent id"), "agent IDs from: "+strings.Join(nextAgents, ", ")),
	"gaps":                    validation.Array(validation.String("gap"), "what could not be assessed and why"),
}, "state_summary", "constraint_map", "what_working", "strategic_observation")

var critiqueRules = []string{
	`Every claim in constraint_map has a signal cited or says "inferred"`,
	`No generic observations (e.g. "focus on pipeline" without specifics)`,
	"Gaps section is populated if any data was missing",
	"Tone is neutral: no urgency manufacturing, no scare tactics",
	"Output does not recommend actions: it surfaces state only",
}

func New() *pipeline.Agent {
	return &pipeline.Agent{
		ID:          AgentID,
		Name:        "GTM Diagnostic",
		Swarm:       pipeline.SwarmStrategy,
		Description: "Surfaces the current state of a GTM system from web evidence and stated constraints.",
		Fields: []pipeline.Field{
			{Key: "company_url", Kind: "text", Required: true},
			{Key: "revenue_stage", Kind: "select", Required: true, Enum: []string{"$0–2M", "$2–10M", "$10–50M", "$50M+"}},
			{Key: "gtm_team_size", Kind: "number", Required: true},
			{Key: "constraint", Kind: "textarea"},
		},
		Needs:       pipeline.Needs{Search: true, LLM: true},
		Temperature: 0.3,
		System:      func(*pipeline.Run) string { return system },
		User:        user,
		Schema:      schema,
		Queries:     queries,
		Evidence: pipeline.EvidencePolicy{
			ExcerptChars: 1500,
			MaxSources:   8,
			LoadBearing:  true,
			FailureGap:   scrapeFailedGap,
		},
		Factors: func(r *pipeline.Run) []pipeline.Factor {
			return []pipeline.Factor{
				pipeline.F("company_url", r.Has("company_url") && !r.EvidenceFailed, 3),
				pipeline.F("revenue_stage", r.Has("revenue_stage"), 2),
				pipeline.F("gtm_team_size", r.Has("gtm_team_size"), 2),
				pipeline.F("constraint", r.Has("constraint"), 1),
				pipeline.F("sources", len(r.Sources) > 3, 2),
			}
		},
		Rules: []pipeline.Rule{{
			Name:  "known_next_agents",
			When:  `has(output.recommended_next_agents)`,
			Apply: filterNextAgents,
		}},
		CritiqueRules: critiqueRules,
		Handoffs: []pipeline.Handoff{
			{Target: "planning_cycle", Check: pipeline.Always},
			{Target: "icp_clarifier", When: `has(output.recommended_next_agents) && "icp-clarifier" in output.recommended_next_agents`},
			{Target: "signals_scout", When: `has(output.recommended_next_agents) && "signals-scout" in output.recommended_next_agents`},
		},
		Finalize: finalize,
	}
}

func queries(r *pipeline.Run) []pipeline.Query {
	domain := pipeline.Domain(r.Str("company_url"))
	if domain == "" {
		return nil
	}
	year := r.Now.Year()
	return []pipeline.Query{
		{Type: "OVERVIEW", Text: domain + " company overview customers product", MaxResults: 3},
		{Type: "HIRING", Text: domain + " hiring jobs team growth", MaxResults: 3},
		{Type: "NEWS", Text: fmt.Sprintf("%s news funding %d %d", domain, year-1, year), MaxResults: 3},
	}
}

func user(r *pipeline.Run) string {
	constraint := r.Str("constraint")
	if constraint == "" {
		constraint = "Not provided"
	}
	web := pipeline.EvidenceDigest(r.Signals, 4000)
	if web == "" {
		web = "No web context available."
	}
	return fmt.Sprintf(`Company URL: %s
Revenue Stage: %s
GTM Team Size: %s
Stated Constraint: %s

WEB CONTEXT:
%s

Produce a GTM state diagnostic. Be honest about confidence. Flag contradictions. Do not invent signals.`,
		r.Str("company_url"), r.Str("revenue_stage"), r.Str("gtm_team_size"), constraint, web)
}

func filterNextAgents(r *pipeline.Run) *pipeline.Verdict {
	raw := pipeline.ToStrings(r.Output["recommended_next_agents"])
	kept := make([]interface{}, 0, len(raw))
	var dropped []string
	for _, id := range raw {
		if slices.Contains(nextAgents, id) {
			kept = append(kept, id)
		} else {
			dropped = append(dropped, id)
		}
	}
	r.Output["recommended_next_agents"] = kept
	if len(dropped) == 0 {
		return nil
	}
	return &pipeline.Verdict{
		Field: "recommended_next_agents",
		From:  raw,
		To:    kept,
		Note:  "dropped unknown agents: " + strings.Join(dropped, ", "),
	}
}

func finalize(r *pipeline.Run) map[string]interface{} {
	r.Meta["recommended_handoffs"] = r.Output["recommended_next_agents"]
	return map[string]interface{}{
		"state_summary":         r.Output["state_summary"],
		"constraint_map":        r.Output["constraint_map"],
		"what_working":          r.Output["what_working"],
		"strategic_observation": r.Output["strategic_observation"],
		"gaps":                  r.Output["gaps"],
	}
}
