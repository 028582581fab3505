// Package contentmultiplier turns one insight into several marketing formats,
// generated in parallel and tone-checked together.
package contentmultiplier

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"gtm-agents/internal/pipeline"
)

const AgentID = "content-multiplier"

const (
	minSourceChars = 30
	approvalNote   = "These are first drafts. Human editing expected before publishing."

	thinSourceReason = "Source input is too thin to produce quality content. Provide a richer signal, insight, or talking point."
	thinSourceGap    = "source_input needs more detail: paste the full signal or insight"
	noFormatsReason  = "Select at least one output format."
)

var formats = []string{"LinkedIn post", "Email nurture snippet", "Talk track", "One-pager bullets"}

var formatInstructions = map[string]string{
	"LinkedIn post":         "Write a LinkedIn post (250-400 words). Hook first sentence. One clear insight. Call to action at end. Max 3 hashtags.",
	"Email nurture snippet": "Write an email nurture snippet (80-120 words). This slots into an existing sequence; it's not a standalone email. One clear point. Soft CTA.",
	"Talk track":            "Write a talk track. Opening: one sentence that earns 10 more seconds. 2-3 proof points from the source. Bridge question to open dialogue.",
	"One-pager bullets":     "Write 5-7 bullets for a one-pager or slide. Each bullet is one complete, self-contained insight. No filler.",
}

const system = `You are a content strategist at GTM-360.
You convert signals and insights into high-quality marketing content.

GTM-360 TONE CANON (non-negotiable):
- No scare tactics, no urgency manufacturing
- No "AI magic" or "revolutionary" language
- No generic observations: every piece must have a specific, defensible point of view
- Customer is the hero: content serves the reader, not the brand
- Operators, not gurus: practical and grounded, never preachy
- Every factual claim must trace to the source input. Do not fabricate statistics.

FORMAT RULES:
- LinkedIn post: 250-400 words, hook-body-CTA, native format (no hashtag spam, max 3 hashtags)
- Email nurture snippet: 80-120 words, designed to slot into a sequence, clear single point
- Talk track: Opening (10 sec), 2-3 proof points, bridge question, NOT a script to read verbatim
- One-pager bullets: 5-7 bullets, each self-contained, suitable for a PDF or slide`

func New() *pipeline.Agent {
	return &pipeline.Agent{
		ID:          AgentID,
		Name:        "Content Multiplier",
		Swarm:       pipeline.SwarmMarketing,
		Description: "Drafts LinkedIn, email, talk track and one-pager content from a single insight.",
		Fields: []pipeline.Field{
			{Key: "source_input", Kind: "textarea", Required: true, Auto: true},
			{Key: "target_audience", Kind: "text", Required: true},
			{Key: "formats", Kind: "multiselect", Required: true, Enum: formats},
			{Key: "style_guide", Kind: "textarea"},
		},
		Needs:       pipeline.Needs{LLM: true},
		Temperature: 0.55,
		System:      func(*pipeline.Run) string { return system },
		Prepare: func(r *pipeline.Run) {
			r.Derived["formats_produced"] = selected(r)
		},
		Gates: []pipeline.Gate{
			{Name: "source_depth", Check: func(r *pipeline.Run) *pipeline.Block {
				if len(strings.TrimSpace(r.Str("source_input"))) >= minSourceChars {
					return nil
				}
				return &pipeline.Block{Reason: thinSourceReason, Gaps: []string{thinSourceGap}}
			}},
			{Name: "formats", Check: func(r *pipeline.Run) *pipeline.Block {
				if len(selected(r)) > 0 {
					return nil
				}
				return &pipeline.Block{Reason: noFormatsReason}
			}},
		},
		Factors: func(r *pipeline.Run) []pipeline.Factor {
			return []pipeline.Factor{
				pipeline.F("source_input", len(r.Str("source_input")) > 100, 4),
				pipeline.F("target_audience", r.Has("target_audience"), 3),
				pipeline.F("formats", len(selected(r)) > 0, 2),
				pipeline.F("style_guide", r.Has("style_guide"), 1),
			}
		},
		Generate: generate,
		CritiqueRules: []string{
			"No scare tactics or urgency manufacturing",
			`No "AI magic" or "revolutionary" language`,
			"The customer is the hero, not the brand",
			"Every factual claim traces to the source input; no fabricated statistics",
		},
		Handoffs: []pipeline.Handoff{{Target: "sniper", Check: pipeline.Manual}},
		MetaKeys: []string{"formats_produced"},
		Finalize: finalize,
	}
}

// selected keeps the chosen formats in catalogue order, without duplicates.
func selected(r *pipeline.Run) []string {
	chosen := map[string]bool{}
	for _, f := range r.List("formats") {
		chosen[f] = true
	}
	out := []string{}
	for _, f := range formats {
		if chosen[f] {
			out = append(out, f)
		}
	}
	return out
}

// SectionKey is the response key for a format, e.g. "linkedin_post".
func SectionKey(format string) string {
	return strings.Join(strings.Fields(strings.ToLower(format)), "_")
}

func userPrompt(r *pipeline.Run, format string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source Input:\n%s\n\nTarget Audience: %s\n", r.Str("source_input"), r.Str("target_audience"))
	if guide := r.Str("style_guide"); guide != "" {
		fmt.Fprintf(&b, "Style Guide: %s\n", guide)
	}
	fmt.Fprintf(&b, "\nFormat: %s\nInstructions: %s", format, formatInstructions[format])
	return b.String()
}

// generate writes one piece per format concurrently.
func generate(ctx context.Context, r *pipeline.Run, s *pipeline.Synthesizer) (map[string]interface{}, error) {
	chosen := selected(r)
	pieces := make([]string, len(chosen))
	base := r.Agent.Request(r)

	g, gctx := errgroup.WithContext(ctx)
	for i, format := range chosen {
		i, format := i, format
		req := base
		req.User = userPrompt(r, format)
		g.Go(func() (err error) {
			pieces[i], err = s.Text(gctx, req)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]interface{}, len(chosen))
	for i, format := range chosen {
		out[SectionKey(format)] = pieces[i]
	}
	return out, nil
}

func finalize(r *pipeline.Run) map[string]interface{} {
	out := make(map[string]interface{}, len(r.Output)+2)
	for k, v := range r.Output {
		out[k] = v
	}
	out["approval_note"] = approvalNote
	if c := r.Critique; c != nil {
		tone := map[string]interface{}{"passed": c.Passed}
		if len(c.Issues) > 0 {
			tone["violations"] = c.Issues
		}
		out["tone_check"] = tone
		r.Meta["tone_passed"] = c.Passed
	}
	return out
}
