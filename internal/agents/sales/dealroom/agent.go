// Package dealroom builds a pre-call deal brief from the CRM record, its
// contacts and recent notes.
package dealroom

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"gtm-agents/internal/common/hubspot"
	"gtm-agents/internal/common/validation"
	"gtm-agents/internal/pipeline"
)

const AgentID = "deal-room"

const (
	staleDays     = 21
	promptNotes   = 5
	noteChars     = 200
	notSet        = "Not set"
	crmFailedGap  = "CRM deal record could not be loaded"
	noDealReason  = "Deal could not be loaded from the CRM and no deal context was provided."
	noBuyerFlag   = "No economic buyer identified in contacts"
	singleFlag    = "Single-threaded: only one contact engaged"
	staleFlag     = "Stale: no activity in 21+ days"
	noCloseFlag   = "No close date set"
	missingDealID = "deal_id required to load the deal from the CRM"
)

var (
	errNoCRM = errors.New("crm capability not configured")

	seniorTitle = regexp.MustCompile(`(?i)VP|Director|CFO|CEO|Head|Chief`)
)

const system = `You are a Deal Intelligence specialist at GTM-360.
Your job is to produce a structured deal brief: what the rep needs to know before the next call.

OUTPUT RULES:
- Deal summary: 3-4 sentences max, current state, not history
- Stakeholder map: who's engaged, who's missing, who's the economic buyer
- Risk log: specific risks ordered by severity, not generic concerns
- Next action: ONE concrete recommendation, not a list of 5 things
- Buyer Readiness: 1-10 score with specific reasoning based on engagement signals

BUYER READINESS SCORING:
1-3: Early stage, no clear buying process
4-6: Active evaluation, some stakeholders engaged
7-8: Decision phase, economic buyer engaged, timeline defined
9-10: Contract stage, legal/procurement involved

Do NOT recommend how to sell. Surface the deal state only.`

var schema = validation.Object(map[string]validation.Schema{
	"deal_summary": validation.String("3-4 sentence current state summary"),
	"stakeholder_map": validation.Object(map[string]validation.Schema{
		"economic_buyer":       validation.String("name or 'Not identified'"),
		"champion":             validation.String("name or 'Not identified'"),
		"engaged_contacts":     validation.Array(validation.String("contact"), "engaged contacts"),
		"missing_stakeholders": validation.Array(validation.String("role"), "roles not yet engaged"),
	}),
	"buyer_readiness_score":     validation.Number("1-10"),
	"buyer_readiness_reasoning": validation.String("reasoning based on engagement signals"),
	"risk_log":                  validation.Array(validation.String("risk"), "ordered by severity"),
	"key_dates":                 validation.Array(validation.Any("{ date, event }"), "key dates"),
	"open_items":                validation.Array(validation.String("item"), "unresolved questions or gaps"),
	"next_action":               validation.String("ONE specific recommendation"),
}, "deal_summary", "buyer_readiness_score", "next_action")

func New() *pipeline.Agent {
	return &pipeline.Agent{
		ID:          AgentID,
		Name:        "Deal Room",
		Swarm:       pipeline.SwarmSales,
		Description: "Turns a CRM deal, its contacts and notes into a pre-call brief with deterministic risk flags.",
		Fields: []pipeline.Field{
			{Key: "deal_id", Kind: "text", Required: true},
			{Key: "deal_context", Kind: "textarea"},
			{Key: "stakeholders", Kind: "textarea"},
			{Key: "call_transcript", Kind: "textarea"},
		},
		Needs:       pipeline.Needs{CRM: true, LLM: true},
		Temperature: 0.2,
		System:      func(*pipeline.Run) string { return system },
		User:        user,
		Schema:      schema,
		Prepare:     func(r *pipeline.Run) { r.Derived["deal_id"] = r.Str("deal_id") },
		Gates: []pipeline.Gate{{Name: "deal_id", Check: func(r *pipeline.Run) *pipeline.Block {
			if r.Has("deal_id") {
				return nil
			}
			return &pipeline.Block{Reason: missingDealID}
		}}},
		Gather:   gather,
		Evidence: pipeline.EvidencePolicy{FailureGap: crmFailedGap},
		PostGates: []pipeline.Gate{{Name: "deal_loaded", Check: func(r *pipeline.Run) *pipeline.Block {
			if details(r) != nil || r.Has("deal_context") {
				return nil
			}
			return &pipeline.Block{Reason: noDealReason}
		}}},
		Factors: func(r *pipeline.Run) []pipeline.Factor {
			d := details(r)
			contacts := 0
			notes := 0
			if d != nil {
				contacts, notes = len(d.Contacts), len(d.Notes)
			}
			return []pipeline.Factor{
				pipeline.F("deal", d != nil, 3),
				pipeline.F("contacts", contacts > 0, 3),
				pipeline.F("notes", notes > 0, 2),
				pipeline.F("multi_threaded", contacts > 1, 2),
			}
		},
		Rules: []pipeline.Rule{
			{Name: "crm_risk_flags", When: `size(derived.risk_flags) > 0`, Apply: prependRiskFlags},
			{Name: "readiness_range", Apply: clampReadiness},
		},
		CritiqueRules: []string{
			"Deal summary describes the current state in 3-4 sentences, not history",
			"Next action is one concrete recommendation",
			"Buyer readiness score is consistent with the stakeholder map and risks",
		},
		Handoffs: []pipeline.Handoff{
			{Target: "qualifier", Check: pipeline.Always},
			{Target: "forecast_analyser", Check: pipeline.Always},
		},
		MetaKeys: []string{"deal_id", "contacts_count", "notes_analysed", "days_since_update"},
		Finalize: finalize,
	}
}

func details(r *pipeline.Run) *hubspot.DealDetails {
	d, _ := r.State["details"].(*hubspot.DealDetails)
	return d
}

func gather(ctx context.Context, r *pipeline.Run, caps pipeline.Capabilities) error {
	r.Derived["risk_flags"] = []string{}
	if caps.CRM == nil {
		return errNoCRM
	}
	d, err := caps.CRM.DealDetails(ctx, r.Str("deal_id"))
	if err != nil {
		return err
	}
	r.State["details"] = d
	r.Derived["contacts_count"] = len(d.Contacts)
	r.Derived["notes_analysed"] = len(d.Notes)

	days, known := daysSince(r, d.Deal.LastModified)
	if known {
		r.Derived["days_since_update"] = days
	}
	r.Derived["risk_flags"] = riskFlags(d, days, known)
	return nil
}

func daysSince(r *pipeline.Run, stamp string) (int, bool) {
	t, ok := pipeline.ParseDate(stamp)
	if !ok {
		return 0, false
	}
	return int(math.Floor(r.Now.Sub(t).Hours() / 24)), true
}

// riskFlags are derived from the CRM record alone and lead the risk log.
func riskFlags(d *hubspot.DealDetails, days int, known bool) []string {
	flags := []string{}
	buyer := false
	for _, c := range d.Contacts {
		if c.JobTitle != "" && seniorTitle.MatchString(c.JobTitle) {
			buyer = true
			break
		}
	}
	if !buyer {
		flags = append(flags, noBuyerFlag)
	}
	if len(d.Contacts) == 1 {
		flags = append(flags, singleFlag)
	}
	if known && days > staleDays {
		flags = append(flags, staleFlag)
	}
	if d.Deal.CloseDate == "" {
		flags = append(flags, noCloseFlag)
	}
	return flags
}

func amount(d *hubspot.DealDetails) string {
	if d == nil || d.Deal.Amount == 0 {
		return notSet
	}
	return pipeline.Money(d.Deal.Amount)
}

func orNotSet(s string) string {
	if s == "" {
		return notSet
	}
	return s
}

func user(r *pipeline.Run) string {
	var b strings.Builder
	if d := details(r); d != nil {
		updated := "unknown"
		if days, ok := r.Derived["days_since_update"].(int); ok {
			updated = fmt.Sprintf("%d days ago", days)
		}
		fmt.Fprintf(&b, "Deal: %s\nStage: %s\nAmount: %s\nClose Date: %s\nLast Updated: %s\n\n",
			d.Deal.Name, d.Deal.Stage, amount(d), orNotSet(d.Deal.CloseDate), updated)

		fmt.Fprintf(&b, "Contacts (%d):\n", len(d.Contacts))
		for _, c := range d.Contacts {
			title := c.JobTitle
			if title == "" {
				title = "no title"
			}
			fmt.Fprintf(&b, "- %s %s, %s, %s\n", c.FirstName, c.LastName, title, c.Email)
		}

		notes := d.Notes
		if len(notes) > promptNotes {
			notes = notes[:promptNotes]
		}
		fmt.Fprintf(&b, "\nRecent Notes (%d):\n", len(d.Notes))
		for _, n := range notes {
			date := "undated"
			if t, ok := pipeline.ParseDate(n.Timestamp); ok {
				date = t.Format("2006-01-02")
			}
			fmt.Fprintf(&b, "[%s] %s\n\n", date, pipeline.Truncate(n.Body, noteChars))
		}
	}
	for _, key := range []string{"deal_context", "stakeholders", "call_transcript"} {
		if v := r.Str(key); v != "" {
			fmt.Fprintf(&b, "\n%s:\n%s\n", pipeline.FieldLabel(key), v)
		}
	}
	return strings.TrimSpace(b.String())
}

func prependRiskFlags(r *pipeline.Run) *pipeline.Verdict {
	flags := pipeline.ToStrings(r.Derived["risk_flags"])
	r.Output["risk_log"] = append(flags, pipeline.ToStrings(r.Output["risk_log"])...)
	return &pipeline.Verdict{Field: "risk_log", Note: fmt.Sprintf("%d CRM risk flags prepended", len(flags))}
}

func clampReadiness(r *pipeline.Run) *pipeline.Verdict {
	score, ok := r.OutNum("buyer_readiness_score")
	if !ok {
		return nil
	}
	clamped := math.Max(1, math.Min(10, math.Round(score)))
	if clamped == score {
		return nil
	}
	r.Output["buyer_readiness_score"] = clamped
	return &pipeline.Verdict{Field: "buyer_readiness_score", From: score, To: clamped, Note: "clamped to 1-10"}
}

func finalize(r *pipeline.Run) map[string]interface{} {
	brief := map[string]interface{}{
		"deal_name":  r.Str("deal_id"),
		"stage":      notSet,
		"amount":     notSet,
		"close_date": notSet,
		"summary":    r.Output["deal_summary"],
	}
	if d := details(r); d != nil {
		brief["deal_name"] = d.Deal.Name
		brief["stage"] = orNotSet(d.Deal.Stage)
		brief["amount"] = amount(d)
		brief["close_date"] = orNotSet(d.Deal.CloseDate)
	}
	score, _ := r.OutNum("buyer_readiness_score")
	return map[string]interface{}{
		"deal_brief":      brief,
		"stakeholder_map": r.Output["stakeholder_map"],
		"buyer_readiness": map[string]interface{}{
			"score":     fmt.Sprintf("%g/10", score),
			"reasoning": r.Output["buyer_readiness_reasoning"],
		},
		"risk_log":    nonNil(pipeline.ToStrings(r.Output["risk_log"])),
		"key_dates":   nonNilAny(r.Output["key_dates"]),
		"open_items":  nonNil(pipeline.ToStrings(r.Output["open_items"])),
		"next_action": r.Output["next_action"],
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilAny(v interface{}) interface{} {
	if v == nil {
		return []interface{}{}
	}
	return v
}
