package pipeline

import (
	"context"

	"gtm-agents/internal/common/validation"
)

// Swarm groups agents by the team that uses them.
type Swarm string

const (
	SwarmStrategy  Swarm = "strategy"
	SwarmSales     Swarm = "sales"
	SwarmMarketing Swarm = "marketing"
	SwarmCS        Swarm = "cs"
	SwarmRevOps    Swarm = "revops"
)

// Field describes one input key an agent accepts.
type Field struct {
	Key      string   `json:"key" yaml:"key"`
	Kind     string   `json:"kind" yaml:"kind"` // text, textarea, number, date, select, multiselect
	Required bool     `json:"required" yaml:"required"`
	// Auto fields are filled from an upstream agent's output, never typed by a user.
	Auto bool     `json:"auto,omitempty" yaml:"auto,omitempty"`
	Enum []string `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Needs lists the capabilities an agent calls.
type Needs struct {
	Search bool `json:"search" yaml:"search"`
	// SearchOptional means search enriches the output but its absence is tolerated at startup.
	SearchOptional bool `json:"search_optional,omitempty" yaml:"search_optional,omitempty"`
	CRM            bool `json:"crm" yaml:"crm"`
	LLM            bool `json:"llm" yaml:"llm"`
}

// EvidencePolicy bounds evidence gathering.
type EvidencePolicy struct {
	// ExcerptChars truncates each signal excerpt. Zero means 300.
	ExcerptChars int
	// MaxSignals caps signals kept for the prompt. Zero means no cap.
	MaxSignals int
	// MaxSources caps cited sources. Zero means 8.
	MaxSources int
	// LoadBearing marks evidence the analysis depends on: when every query
	// fails a gap is recorded and confidence is downgraded one level.
	LoadBearing bool
	FailureGap  string
}

// Block is a terminal precondition failure. No synthesis is attempted.
type Block struct {
	Reason     string
	Confidence Confidence // empty means low
	Gaps       []string
	// Sections carries context such as the sample size that tripped the gate.
	Sections map[string]interface{}
	// Preliminary ends the run with an ordinary low-confidence response
	// instead of a blocked one; Reason is then ignored.
	Preliminary bool
}

// Gate inspects the run and returns a Block to stop it.
type Gate struct {
	Name  string
	Check func(r *Run) *Block
}

// Verdict records a deterministic override of synthesis output.
type Verdict struct {
	Rule  string      `json:"rule"`
	Field string      `json:"field"`
	From  interface{} `json:"from,omitempty"`
	To    interface{} `json:"to,omitempty"`
	Note  string      `json:"note"`
}

// Rule is a hard business rule applied after synthesis. When is an optional
// CEL predicate over input, output and derived; Apply runs when it holds (or
// always when empty) and returns nil when nothing changed.
type Rule struct {
	Name  string
	When  string
	Apply func(r *Run) *Verdict
}

// Handoff is an advisory routing hint to another agent. Exactly one of When
// (CEL) or Check is set.
type Handoff struct {
	Target string `json:"target" yaml:"target"`
	When   string `json:"when,omitempty" yaml:"when,omitempty"`
	Check  func(r *Run) bool `json:"-" yaml:"-"`
}

// Always is a handoff check that always suggests the target.
func Always(*Run) bool { return true }

// Manual declares a target the user picks; its flag is never raised.
func Manual(*Run) bool { return false }

// Agent is the declarative configuration that specialises the pipeline.
type Agent struct {
	ID          string
	Name        string
	Swarm       Swarm
	Description string
	Fields      []Field
	Needs       Needs

	Temperature float64
	MaxTokens   int
	System      func(r *Run) string
	User        func(r *Run) string
	Schema      validation.Schema

	// Prepare derives values from the input before any gate runs.
	Prepare func(r *Run)
	// Gates run before evidence gathering; PostGates after it.
	Gates     []Gate
	PostGates []Gate

	Queries  func(r *Run) []Query
	Evidence EvidencePolicy
	// Gather runs after the search fan-out for CRM reads or bespoke evidence.
	// An error is recorded as a gap; post gates decide whether to continue.
	Gather func(ctx context.Context, r *Run, caps Capabilities) error

	Factors func(r *Run) []Factor
	// ConfidenceCap returns a ceiling for the final confidence; empty means none.
	ConfidenceCap func(r *Run) Confidence

	// Generate replaces the single synthesis call, e.g. for parallel drafts.
	Generate func(ctx context.Context, r *Run, s *Synthesizer) (map[string]interface{}, error)

	Rules         []Rule
	CritiqueRules []string
	// QualityThreshold adds a quality note when the critique score is below it,
	// in addition to a failed critique. Zero disables the score check.
	QualityThreshold float64

	Handoffs []Handoff
	// MetaKeys are derived values copied into _meta.
	MetaKeys []string
	// Finalize shapes r.Output into response sections.
	Finalize func(r *Run) map[string]interface{}
}

// Request builds the default synthesis call for the run. Generate hooks
// start from it and adjust temperature or prompts.
func (a *Agent) Request(r *Run) SynthesisRequest {
	req := SynthesisRequest{
		Agent:       a.ID,
		Schema:      a.Schema,
		Temperature: a.Temperature,
		MaxTokens:   a.MaxTokens,
	}
	if a.System != nil {
		req.System = a.System(r)
	}
	if a.User != nil {
		req.User = a.User(r)
	}
	return req
}

// RequiredKeys lists required input keys in declaration order.
func (a *Agent) RequiredKeys() []string {
	var keys []string
	for _, f := range a.Fields {
		if f.Required {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

// HandoffTargets lists the declared handoff targets.
func (a *Agent) HandoffTargets() []string {
	out := make([]string, 0, len(a.Handoffs))
	for _, h := range a.Handoffs {
		out = append(out, h.Target)
	}
	return out
}
