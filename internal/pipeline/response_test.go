package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, resp *Response) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestAssemble_MergesGapsAndReservesKeys(t *testing.T) {
	r := newRun("r1", &Agent{ID: "diagnostic"}, nil, evidenceNow)
	r.Confidence = ConfidenceMedium
	r.Gaps = []string{"revenue stage not provided", "Web scraping failed"}
	r.Sources = []Source{{Title: "Acme", URL: "https://acme.com"}}
	r.Output = map[string]interface{}{
		"state_summary":  "Acme sells to mid-market.",
		"gaps":           []interface{}{"No churn data", "revenue stage not provided"},
		"confidence":     "high",
		"blocked_reason": "model made this up",
	}
	r.Meta["agent"] = "diagnostic"

	out := decode(t, assemble(r))

	assert.Equal(t, "medium", out["confidence"], "the model cannot set confidence")
	assert.NotContains(t, out, "blocked_reason")
	assert.Equal(t, "Acme sells to mid-market.", out["state_summary"])
	assert.Equal(t, []interface{}{"No churn data", "revenue stage not provided", "Web scraping failed"}, out["gaps"])
	assert.Len(t, out["sources"], 1)
	assert.Equal(t, "diagnostic", out["_meta"].(map[string]interface{})["agent"])
}

func TestAssembleBlocked(t *testing.T) {
	r := newRun("r1", &Agent{ID: "expansion-radar"}, nil, evidenceNow)
	r.Gaps = []string{"utilisation not provided"}

	out := decode(t, assembleBlocked(r, &Block{
		Reason:     "Expansion Radar only processes Green health accounts",
		Confidence: ConfidenceNA,
		Sections:   map[string]interface{}{"current_health": float64(55), "gaps": "ignored"},
	}))

	assert.Equal(t, "n/a", out["confidence"])
	assert.Equal(t, "Expansion Radar only processes Green health accounts", out["blocked_reason"])
	assert.Equal(t, float64(55), out["current_health"])
	assert.Equal(t, []interface{}{"utilisation not provided"}, out["gaps"])
	assert.Equal(t, true, out["_meta"].(map[string]interface{})["blocked"])
	assert.NotContains(t, out, "sources")
}

func TestAssembleBlocked_Preliminary(t *testing.T) {
	r := newRun("r1", &Agent{ID: "icp-clarifier"}, nil, evidenceNow)
	resp := assembleBlocked(r, &Block{
		Reason:      "ignored",
		Preliminary: true,
		Gaps:        []string{"Sample size below 20 deals"},
		Sections:    map[string]interface{}{"sample_size": 4},
	})

	assert.False(t, resp.Blocked())
	out := decode(t, resp)
	assert.Equal(t, "low", out["confidence"])
	assert.NotContains(t, out, "blocked_reason")
	assert.Equal(t, float64(4), out["sample_size"])
	assert.Equal(t, []interface{}{"Sample size below 20 deals"}, out["gaps"])
}

func TestResponse_EmptyGapsSerialiseAsArray(t *testing.T) {
	out := decode(t, &Response{Confidence: ConfidenceHigh})
	assert.Equal(t, []interface{}{}, out["gaps"])
	assert.Equal(t, map[string]interface{}{}, out["_meta"])
}
