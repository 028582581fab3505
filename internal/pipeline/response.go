package pipeline

import (
	"encoding/json"
)

// reserved keys are owned by the assembler and never taken from sections.
var reserved = map[string]bool{
	"confidence":     true,
	"gaps":           true,
	"sources":        true,
	"blocked_reason": true,
	"_meta":          true,
}

// Response is the assembled output of a run. It serialises as one flat JSON
// object: the sections side by side with confidence, gaps, sources and _meta.
type Response struct {
	Confidence    Confidence
	BlockedReason string
	Sections      map[string]interface{}
	Gaps          []string
	Sources       []Source
	Meta          map[string]interface{}
}

// Blocked reports whether the run stopped at a precondition.
func (r *Response) Blocked() bool {
	return r.BlockedReason != ""
}

func (r *Response) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Sections)+5)
	for k, v := range r.Sections {
		if !reserved[k] {
			out[k] = v
		}
	}
	out["confidence"] = r.Confidence
	gaps := r.Gaps
	if gaps == nil {
		gaps = []string{}
	}
	out["gaps"] = gaps
	if len(r.Sources) > 0 {
		out["sources"] = r.Sources
	}
	if r.BlockedReason != "" {
		out["blocked_reason"] = r.BlockedReason
	}
	meta := r.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	out["_meta"] = meta
	return json.Marshal(out)
}

// assemble merges the run into a success response. Gaps reported by the
// model come first, followed by those the pipeline accumulated.
func assemble(r *Run) *Response {
	sections := r.Sections
	if sections == nil {
		sections = r.Output
	}

	var gaps []string
	if sections != nil {
		gaps = append(gaps, ToStrings(sections["gaps"])...)
	}
	gaps = append(gaps, r.Gaps...)

	clean := make(map[string]interface{}, len(sections))
	for k, v := range sections {
		if !reserved[k] {
			clean[k] = v
		}
	}

	return &Response{
		Confidence: r.Confidence,
		Sections:   clean,
		Gaps:       dedupe(gaps),
		Sources:    r.Sources,
		Meta:       r.Meta,
	}
}

// assembleBlocked builds the terminal response for a failed precondition or
// a preliminary short-circuit.
func assembleBlocked(r *Run, b *Block) *Response {
	conf := b.Confidence
	if conf == "" {
		conf = ConfidenceLow
	}
	reason := b.Reason
	if b.Preliminary {
		reason = ""
		r.Meta["preliminary"] = true
	} else {
		r.Meta["blocked"] = true
	}

	sections := make(map[string]interface{}, len(b.Sections))
	for k, v := range b.Sections {
		if !reserved[k] {
			sections[k] = v
		}
	}

	return &Response{
		Confidence:    conf,
		BlockedReason: reason,
		Sections:      sections,
		Gaps:          dedupe(append(append([]string{}, r.Gaps...), b.Gaps...)),
		Meta:          r.Meta,
	}
}
