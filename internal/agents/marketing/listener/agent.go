// Package listener monitors a watch list of domains for GTM trigger events
// and keeps only the signals that fit the ICP.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gtm-agents/internal/common/validation"
	"gtm-agents/internal/pipeline"
)

const AgentID = "listener"

const (
	maxDomains       = 20
	searchedDomains  = 10
	resultsPerSearch = 2
	excerptChars     = 200
	promptSignals    = 30
	digestLimit      = 15
	vetoLimit        = 10
	briefLimit       = 3

	broadThreshold   = 4
	focusedThreshold = 7
	focusedMode      = "Focused (buying signals only)"

	noDomainsReason = "No valid domains in watch list"
	smallListGap    = "Watch list has fewer than 5 domains: expand for better coverage"
	searchFailedGap = "Signal searches failed for every monitored domain"
)

// trigger keywords per signal type, searched in this order.
var triggers = []struct {
	Type     string
	Keywords []string
}{
	{"funding", []string{"funding", "raised", "investment", "series"}},
	{"leadership", []string{"VP", "director", "CEO", "CFO", "hire", "appoint"}},
	{"product", []string{"launch", "release", "new feature", "beta"}},
	{"expansion", []string{"hiring", "team growth", "office", "expand"}},
	{"tech", []string{"integration", "API", "CRM", "tech stack"}},
}

const systemTemplate = `You are a Signal Validator at GTM-360.
Your job is to validate each signal against the ICP and veto those that don't meet the threshold.

ICP Profile:
%s

Signal Sensitivity: %s

VALIDATION RULES:
- Score each signal 0-10 against ICP fit
- Broad mode: threshold 4+
- Focused mode: threshold 7+
- Signals below threshold = veto (with reason)
- Signals at/above threshold = pass (with confidence score)
- Noise threshold: single-source signals from press releases only = auto-veto

For each signal, return: pass (boolean), score (0-10), reason (string)`

var schema = validation.Object(map[string]validation.Schema{
	"validated": validation.Array(validation.Object(map[string]validation.Schema{
		"domain": validation.String("signal domain"),
		"type":   validation.String("signal type"),
		"title":  validation.String("signal title, verbatim"),
		"passed": validation.Boolean("meets the threshold"),
		"score":  validation.Number("0-10 ICP fit"),
		"reason": validation.String("why it passed or was vetoed"),
	}, "domain", "title", "passed", "score"), "one verdict per signal"),
}, "validated")

// Scored is a signal with its validation verdict.
type Scored struct {
	pipeline.Signal
	Score  float64
	Reason string
}

func New() *pipeline.Agent {
	return &pipeline.Agent{
		ID:          AgentID,
		Name:        "Listener",
		Swarm:       pipeline.SwarmMarketing,
		Description: "Watches up to 20 domains for trigger events and vetoes signals outside the ICP.",
		Fields: []pipeline.Field{
			{Key: "icp_profile", Kind: "textarea", Required: true, Auto: true},
			{Key: "watch_list", Kind: "textarea", Required: true},
			{Key: "signal_sensitivity", Kind: "select", Required: true, Enum: []string{"Broad (all 52 triggers)", focusedMode, "Custom"}},
		},
		Needs:       pipeline.Needs{Search: true, LLM: true},
		Temperature: 0.2,
		System: func(r *pipeline.Run) string {
			return fmt.Sprintf(systemTemplate, r.Str("icp_profile"), r.Str("signal_sensitivity"))
		},
		User:    user,
		Schema:  schema,
		Prepare: prepare,
		Gates: []pipeline.Gate{{Name: "watch_list", Check: func(r *pipeline.Run) *pipeline.Block {
			if len(domains(r)) > 0 {
				return nil
			}
			return &pipeline.Block{Reason: noDomainsReason}
		}}},
		Queries: queries,
		Evidence: pipeline.EvidencePolicy{
			ExcerptChars: excerptChars,
			MaxSignals:   promptSignals,
			MaxSources:   digestLimit,
			LoadBearing:  true,
			FailureGap:   searchFailedGap,
		},
		Gather: func(_ context.Context, r *pipeline.Run, _ pipeline.Capabilities) error {
			r.Derived["total_signals_found"] = len(r.Signals)
			if len(domains(r)) < 5 {
				r.AddGap(smallListGap)
			}
			return nil
		},
		// Nothing to validate: report the sweep without a model call.
		PostGates: []pipeline.Gate{{Name: "signals_found", Check: func(r *pipeline.Run) *pipeline.Block {
			if len(r.Signals) > 0 {
				return nil
			}
			return &pipeline.Block{Preliminary: true, Sections: map[string]interface{}{
				"signal_digest":  []interface{}{},
				"vetoed_signals": []interface{}{},
				"content_briefs": []interface{}{},
				"summary":        summary(r, 0, 0),
			}}
		}}},
		Factors: func(r *pipeline.Run) []pipeline.Factor {
			return []pipeline.Factor{
				pipeline.F("icp_profile", len(r.Str("icp_profile")) > 50, 3),
				pipeline.F("domains_5", len(domains(r)) >= 5, 2),
				pipeline.F("signal_sensitivity", r.Has("signal_sensitivity"), 1),
				pipeline.F("signal_types_2", len(pipeline.SignalTypes(r.Signals)) >= 2, 2),
			}
		},
		Rules: []pipeline.Rule{{Name: "sensitivity_threshold", Apply: applyThreshold}},
		Handoffs: []pipeline.Handoff{
			{Target: "signals_scout", When: `"funding" in derived.passed_types || "leadership" in derived.passed_types`},
			{Target: "content_multiplier", When: `derived.signals_passed > 0`},
		},
		MetaKeys: []string{"domains_monitored", "total_signals_found", "signals_passed", "signals_vetoed", "threshold"},
		Finalize: finalize,
	}
}

// ParseWatchList splits a comma or newline separated list into bare domains,
// keeping the first maxDomains.
func ParseWatchList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if d := pipeline.Domain(p); d != "" {
			out = append(out, d)
		}
		if len(out) == maxDomains {
			break
		}
	}
	return out
}

func prepare(r *pipeline.Run) {
	ds := ParseWatchList(r.Str("watch_list"))
	r.State["domains"] = ds
	r.Derived["domains_monitored"] = len(ds)
	threshold := broadThreshold
	if r.Str("signal_sensitivity") == focusedMode {
		threshold = focusedThreshold
	}
	r.Derived["threshold"] = threshold
	r.Derived["passed_types"] = []string{}
	r.Derived["signals_passed"] = 0
	r.Derived["signals_vetoed"] = 0
}

func domains(r *pipeline.Run) []string {
	d, _ := r.State["domains"].([]string)
	return d
}

func queries(r *pipeline.Run) []pipeline.Query {
	ds := domains(r)
	if len(ds) > searchedDomains {
		ds = ds[:searchedDomains]
	}
	out := make([]pipeline.Query, 0, len(ds)*len(triggers))
	for _, d := range ds {
		for _, t := range triggers {
			out = append(out, pipeline.Query{
				Type:       t.Type,
				Domain:     d,
				Text:       fmt.Sprintf("%s %s %d", d, strings.Join(t.Keywords, " OR "), r.Now.Year()),
				MaxResults: resultsPerSearch,
			})
		}
	}
	return out
}

func user(r *pipeline.Run) string {
	data, _ := json.MarshalIndent(r.Signals, "", "  ")
	return "Signals to validate:\n" + string(data)
}

func signalKey(domain, title string) string {
	return domain + "\x00" + title
}

// applyThreshold matches verdicts back to gathered signals and enforces the
// sensitivity threshold in code. A model veto always stands.
func applyThreshold(r *pipeline.Run) *pipeline.Verdict {
	threshold := float64(r.Derived["threshold"].(int))
	bySignal := make(map[string]pipeline.Signal, len(r.Signals))
	for _, s := range r.Signals {
		if _, ok := bySignal[signalKey(s.Domain, s.Title)]; !ok {
			bySignal[signalKey(s.Domain, s.Title)] = s
		}
	}

	var passed, vetoed []Scored
	overridden := 0
	verdicts, _ := r.Output["validated"].([]interface{})
	for _, raw := range verdicts {
		v, _ := raw.(map[string]interface{})
		s, ok := bySignal[signalKey(pipeline.ToString(v["domain"]), pipeline.ToString(v["title"]))]
		if !ok {
			continue
		}
		score, _ := pipeline.ToFloat(v["score"])
		scored := Scored{Signal: s, Score: score, Reason: pipeline.ToString(v["reason"])}
		switch {
		case v["passed"] == true && score < threshold:
			overridden++
			v["passed"] = false
			scored.Reason = fmt.Sprintf("ICP score %s/10 is below the threshold of %d", pipeline.ToString(score), int(threshold))
			vetoed = append(vetoed, scored)
		case v["passed"] == true:
			passed = append(passed, scored)
		default:
			vetoed = append(vetoed, scored)
		}
	}
	sort.SliceStable(passed, func(i, j int) bool { return passed[i].Score > passed[j].Score })

	types := []string{}
	seen := map[string]bool{}
	for _, p := range passed {
		if !seen[p.Type] {
			seen[p.Type] = true
			types = append(types, p.Type)
		}
	}
	r.State["passed"] = passed
	r.State["vetoed"] = vetoed
	r.Derived["passed_types"] = types
	r.Derived["signals_passed"] = len(passed)
	r.Derived["signals_vetoed"] = len(vetoed)

	if overridden == 0 {
		return nil
	}
	return &pipeline.Verdict{Field: "validated", To: overridden, Note: fmt.Sprintf("%d signals below threshold %d vetoed", overridden, int(threshold))}
}

func summary(r *pipeline.Run, passed, vetoed int) string {
	return fmt.Sprintf("Monitored %d domains. Found %d total signals. %d passed ICP validation. %d vetoed.",
		len(domains(r)), len(r.Signals), passed, vetoed)
}

func finalize(r *pipeline.Run) map[string]interface{} {
	passed, _ := r.State["passed"].([]Scored)
	vetoed, _ := r.State["vetoed"].([]Scored)

	digest := make([]map[string]interface{}, 0, digestLimit)
	for i, p := range passed {
		if i == digestLimit {
			break
		}
		digest = append(digest, map[string]interface{}{
			"domain":       p.Domain,
			"type":         p.Type,
			"title":        p.Title,
			"url":          p.URL,
			"found_at":     p.FoundAt,
			"icp_score":    fmt.Sprintf("%s/10", pipeline.ToString(p.Score)),
			"why_relevant": p.Reason,
		})
	}
	vetoes := make([]map[string]interface{}, 0, vetoLimit)
	for i, v := range vetoed {
		if i == vetoLimit {
			break
		}
		vetoes = append(vetoes, map[string]interface{}{"domain": v.Domain, "title": v.Title, "veto_reason": v.Reason})
	}
	briefs := make([]map[string]interface{}, 0, briefLimit)
	for i, p := range passed {
		if i == briefLimit {
			break
		}
		briefs = append(briefs, map[string]interface{}{
			"signal_title": p.Title,
			"domain":       p.Domain,
			"brief": fmt.Sprintf("Signal: %s at %s. ICP score: %s/10. Potential angle: %s",
				p.Type, p.Domain, pipeline.ToString(p.Score), p.Reason),
		})
	}
	return map[string]interface{}{
		"signal_digest":  digest,
		"vetoed_signals": vetoes,
		"content_briefs": briefs,
		"summary":        summary(r, len(passed), len(vetoed)),
	}
}
