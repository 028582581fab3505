// Package sniper drafts two signal-anchored outreach messages for a rep to
// review. Nothing is ever sent.
package sniper

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"gtm-agents/internal/common/validation"
	"gtm-agents/internal/pipeline"
)

const AgentID = "sniper"

const (
	minBriefChars = 50
	draftBTemp    = 0.6

	thinBriefReason = "Insufficient signal context. Provide a specific signal (funding news, job posting, product launch, etc.) to generate a relevant draft. Generic outreach is not supported."
	thinBriefGap    = "signal_brief is too thin: paste the actual signal text or auto-fill from Signals Scout"
)

// wordLimits per channel; call scripts are timed, not counted.
var wordLimits = map[string]int{
	"Email":       100,
	"LinkedIn DM": 80,
}

var channelInstructions = map[string]string{
	"Email":       "Write a subject line and email body. Body under 100 words.",
	"LinkedIn DM": `Write a LinkedIn DM. Under 80 words. No "Dear" or formal greeting.`,
	"Call script": "Write a 15-second opening, a bridge to the signal, and a permission question.",
}

const system = `You are a precision outreach specialist at GTM-360.
You write messages that are grounded in specific signals, not templates.

GTM-360 TONE CANON (non-negotiable):
- No urgency manufacturing ("Act now", "Don't miss out")
- No false familiarity ("I've been following your journey")
- No scare tactics
- No AI magic language ("leverage AI-powered")
- Customer is the hero: your message serves them, not the sender
- Be specific. One clear observation beats three vague ones.
- Short wins. First touch: under 100 words for email, under 80 for LinkedIn.

CHANNEL-SPECIFIC RULES:
- Email: Subject line required. Under 100 words body. One CTA.
- LinkedIn DM: Under 80 words. No formal greeting. Direct.
- Call script: Opening (15 sec), bridge statement, permission question.`

const draftBSuffix = `

Now write Draft B: a completely different angle using the same signal.
If Draft A led with the signal as a trigger, Draft B should lead with the implication for the buyer.
Same channel and length constraints apply.`

var schema = validation.Object(map[string]validation.Schema{
	"subject_line": validation.Nullable(validation.String("email only")),
	"message":      validation.String("the actual draft"),
	"signal_used":  validation.String("which specific part of the signal this message is anchored to"),
	"word_count":   validation.Number("words in the message"),
}, "message", "signal_used")

func New() *pipeline.Agent {
	return &pipeline.Agent{
		ID:          AgentID,
		Name:        "Sniper",
		Swarm:       pipeline.SwarmSales,
		Description: "Drafts two outreach variants anchored to one buying signal, for human approval.",
		Fields: []pipeline.Field{
			{Key: "signal_brief", Kind: "textarea", Required: true, Auto: true},
			{Key: "target_persona", Kind: "text", Required: true},
			{Key: "objective", Kind: "select", Required: true, Enum: []string{"First touch", "Follow-up", "Re-engagement", "Multi-thread"}},
			{Key: "channel", Kind: "select", Required: true, Enum: []string{"Email", "LinkedIn DM", "Call script"}},
			{Key: "style_guide", Kind: "textarea"},
		},
		Needs:       pipeline.Needs{LLM: true},
		Temperature: 0.5,
		System:      func(*pipeline.Run) string { return system },
		User:        draftA,
		Schema:      schema,
		Prepare: func(r *pipeline.Run) {
			r.Derived["channel"] = r.Str("channel")
			r.Derived["objective"] = r.Str("objective")
			r.Derived["never_auto_sends"] = true
		},
		Gates: []pipeline.Gate{{Name: "specific_signal", Check: specificSignal}},
		Factors: func(r *pipeline.Run) []pipeline.Factor {
			return []pipeline.Factor{
				pipeline.F("signal_brief", len(r.Str("signal_brief")) > minBriefChars, 4),
				pipeline.F("target_persona", r.Has("target_persona"), 3),
				pipeline.F("objective", r.Has("objective"), 2),
				pipeline.F("style_guide", r.Has("style_guide"), 1),
			}
		},
		Generate: generate,
		Rules:    []pipeline.Rule{{Name: "channel_length", Apply: channelLength}},
		CritiqueRules: []string{
			"Both drafts reference the specific signal, not a generic trigger",
			"No urgency manufacturing, false familiarity, scare tactics or AI magic language",
			"The customer is the hero of each message",
			"Each draft has exactly one clear call to action",
		},
		Handoffs: []pipeline.Handoff{{Target: "qualifier", Check: pipeline.Manual}},
		MetaKeys: []string{"channel", "objective", "never_auto_sends"},
		Finalize: finalize,
	}
}

func specificSignal(r *pipeline.Run) *pipeline.Block {
	if len(strings.TrimSpace(r.Str("signal_brief"))) > minBriefChars {
		return nil
	}
	return &pipeline.Block{Reason: thinBriefReason, Gaps: []string{thinBriefGap}}
}

func draftA(r *pipeline.Run) string {
	instructions, ok := channelInstructions[r.Str("channel")]
	if !ok {
		instructions = channelInstructions["Email"]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Signal Brief:\n%s\n\nTarget Persona: %s\nObjective: %s\nChannel: %s\n",
		r.Str("signal_brief"), r.Str("target_persona"), r.Str("objective"), r.Str("channel"))
	if guide := r.Str("style_guide"); guide != "" {
		fmt.Fprintf(&b, "Style Guide:\n%s\n", guide)
	}
	fmt.Fprintf(&b, "\nInstructions: %s\n\nWrite Draft A. Reference the specific signal. Be precise. Do not be generic.", instructions)
	return b.String()
}

// generate writes both drafts concurrently; either failing fails the run.
func generate(ctx context.Context, r *pipeline.Run, s *pipeline.Synthesizer) (map[string]interface{}, error) {
	reqA := r.Agent.Request(r)
	reqB := reqA
	reqB.User += draftBSuffix
	reqB.Temperature = draftBTemp

	var a, b map[string]interface{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		a, err = s.Synthesize(gctx, reqA)
		return err
	})
	g.Go(func() (err error) {
		b, err = s.Synthesize(gctx, reqB)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return map[string]interface{}{"draft_a": a, "draft_b": b}, nil
}

// channelLength recounts words in code and warns when a draft is over the
// channel's limit.
func channelLength(r *pipeline.Run) *pipeline.Verdict {
	limit, ok := wordLimits[r.Str("channel")]
	var over []string
	for _, key := range []string{"draft_a", "draft_b"} {
		draft, _ := r.Output[key].(map[string]interface{})
		if draft == nil {
			continue
		}
		words := len(strings.Fields(pipeline.ToString(draft["message"])))
		draft["word_count"] = words
		if ok && words > limit {
			over = append(over, fmt.Sprintf("%s has %d words", strings.ToUpper(key[len(key)-1:]), words))
		}
	}
	if len(over) == 0 {
		return nil
	}
	warning := fmt.Sprintf("Draft %s: over the %d-word limit for %s. Consider trimming before sending.",
		strings.Join(over, ", draft "), limit, r.Str("channel"))
	r.Output["length_warning"] = warning
	return &pipeline.Verdict{Field: "length_warning", To: warning, Note: warning}
}

func shape(draft interface{}) map[string]interface{} {
	d, _ := draft.(map[string]interface{})
	out := map[string]interface{}{
		"message":       d["message"],
		"signal_anchor": d["signal_used"],
		"word_count":    d["word_count"],
	}
	if subject := pipeline.ToString(d["subject_line"]); subject != "" {
		out["subject_line"] = subject
	}
	return out
}

func finalize(r *pipeline.Run) map[string]interface{} {
	out := map[string]interface{}{
		"draft_a":           shape(r.Output["draft_a"]),
		"draft_b":           shape(r.Output["draft_b"]),
		"approval_required": true,
	}
	if w, ok := r.Output["length_warning"]; ok {
		out["length_warning"] = w
	}
	return out
}
