package hygiene

import (
	"encoding/json"
	"strings"
	"time"

	"gtm-agents/internal/common/hubspot"
	"gtm-agents/internal/pipeline"
)

const (
	staleAfterDays = 30
	earlyStageCap  = 100000
)

// Deal is one pipeline row, normalised from pasted JSON or the CRM.
type Deal struct {
	Name         string
	Stage        string
	Amount       float64
	CloseDate    string
	LastActivity string
	// Contacts is zero when the row does not say.
	Contacts int
}

// Heuristics are counted in code before the model sees the pipeline.
type Heuristics struct {
	ProposalWithoutContact int `json:"proposal_without_contact"`
	CloseDateInPast        int `json:"close_date_in_past"`
	MissingAmount          int `json:"missing_amount"`
	StaleDeals             int `json:"stale_deals"`
	EarlyStageHighValue    int `json:"early_stage_high_value"`
	SingleThreaded         int `json:"single_threaded"`
}

// ParseDeals reads a JSON array of deal objects given as text or as an
// already decoded array.
func ParseDeals(raw interface{}) ([]Deal, error) {
	var rows []interface{}
	switch v := raw.(type) {
	case []interface{}:
		rows = v
	case string:
		if err := json.Unmarshal([]byte(strings.TrimSpace(v)), &rows); err != nil {
			return nil, err
		}
	default:
		return nil, nil
	}
	deals := make([]Deal, 0, len(rows))
	for _, row := range rows {
		m, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		d := Deal{
			Name:         first(m, "deal_name", "dealname", "name"),
			Stage:        first(m, "stage", "dealstage"),
			CloseDate:    first(m, "closedate", "close_date"),
			LastActivity: first(m, "last_activity", "lastmodifieddate"),
		}
		for _, k := range []string{"amount", "value"} {
			if f, ok := pipeline.ToFloat(m[k]); ok && f != 0 {
				d.Amount = f
				break
			}
		}
		for _, k := range []string{"num_contacts", "contacts"} {
			if f, ok := pipeline.ToFloat(m[k]); ok {
				d.Contacts = int(f)
				break
			}
		}
		deals = append(deals, d)
	}
	return deals, nil
}

func first(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := pipeline.ToString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

// FromCRM converts open CRM deals into pipeline rows.
func FromCRM(deals []hubspot.Deal) []Deal {
	out := make([]Deal, 0, len(deals))
	for _, d := range deals {
		last := d.LastContacted
		if last == "" {
			last = d.LastModified
		}
		out = append(out, Deal{
			Name:         d.Name,
			Stage:        d.Stage,
			Amount:       d.Amount,
			CloseDate:    d.CloseDate,
			LastActivity: last,
			Contacts:     d.ContactCount,
		})
	}
	return out
}

func stageHas(stage string, words ...string) bool {
	return pipeline.ContainsAny(stage, words...)
}

// Detect counts the heuristic patterns as of now.
func Detect(deals []Deal, now time.Time) Heuristics {
	var h Heuristics
	for _, d := range deals {
		if stageHas(d.Stage, "proposal", "contract") && d.Contacts == 0 {
			h.ProposalWithoutContact++
		}
		if t, ok := pipeline.ParseDate(d.CloseDate); ok && t.Before(now) && !stageHas(d.Stage, "closed") {
			h.CloseDateInPast++
		}
		if d.Amount == 0 {
			h.MissingAmount++
		}
		if t, ok := pipeline.ParseDate(d.LastActivity); ok && now.Sub(t).Hours()/24 > staleAfterDays {
			h.StaleDeals++
		}
		if stageHas(d.Stage, "discovery", "qualification", "appointment") && d.Amount > earlyStageCap {
			h.EarlyStageHighValue++
		}
		if d.Contacts == 1 && !stageHas(d.Stage, "discovery") {
			h.SingleThreaded++
		}
	}
	return h
}
