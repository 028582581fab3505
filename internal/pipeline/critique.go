package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gtm-agents/internal/common/validation"
)

const critiqueTemperature = 0.1

// Critique is the advisory verdict of the self-critique call.
type Critique struct {
	Passed       bool     `json:"passed"`
	Score        float64  `json:"score"`
	Issues       []string `json:"issues"`
	Improvements []string `json:"improvements"`
}

var critiqueSchema = validation.Object(map[string]validation.Schema{
	"passed":       validation.Boolean("whether the output satisfies every rule"),
	"score":        validation.Number("1-10"),
	"issues":       validation.Array(validation.String("rule violation"), "specific problems found"),
	"improvements": validation.Array(validation.String("suggestion"), "how the output could improve"),
}, "passed", "score")

// CritiqueGate scores output against natural-language rules with a second,
// cheaper model call.
type CritiqueGate struct {
	synth *Synthesizer
	model string
}

func NewCritiqueGate(synth *Synthesizer, model string) *CritiqueGate {
	return &CritiqueGate{synth: synth, model: model}
}

// Review returns the verdict. Callers treat an error as "no quality note".
func (g *CritiqueGate) Review(ctx context.Context, agentID string, output map[string]interface{}, rules []string) (*Critique, error) {
	numbered := make([]string, len(rules))
	for i, rule := range rules {
		numbered[i] = fmt.Sprintf("%d. %s", i+1, rule)
	}

	var parts []string
	parts = append(parts, "You are a quality gate for a GTM intelligence agent.")
	parts = append(parts, "Your job is to score the output against the rules and return a structured assessment.")
	parts = append(parts, "Rules:")
	parts = append(parts, numbered...)

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal output: %w", err)
	}

	raw, err := g.synth.Synthesize(ctx, SynthesisRequest{
		Agent:       agentID,
		System:      strings.Join(parts, "\n"),
		User:        "Output to evaluate:\n" + string(data),
		Schema:      critiqueSchema,
		Model:       g.model,
		Temperature: critiqueTemperature,
	})
	if err != nil {
		return nil, err
	}

	c := &Critique{
		Passed:       raw["passed"] == true,
		Issues:       ToStrings(raw["issues"]),
		Improvements: ToStrings(raw["improvements"]),
	}
	if score, ok := ToFloat(raw["score"]); ok {
		c.Score = clamp(score, 1, 10)
	}
	if c.Issues == nil {
		c.Issues = []string{}
	}
	if c.Improvements == nil {
		c.Improvements = []string{}
	}
	return c, nil
}

// QualityNote renders a failed or low-scoring critique for the caller.
func (c *Critique) QualityNote() string {
	note := fmt.Sprintf("Output quality score %s/10.", ToString(c.Score))
	if len(c.Issues) > 0 {
		note += " Potential issues: " + strings.Join(c.Issues, "; ")
	}
	return note
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
