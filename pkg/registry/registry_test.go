package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catalog() *Catalog {
	return &Catalog{
		Version: "1",
		Agents: []Agent{
			{
				ID:       "forecast-analyser",
				Name:     "Forecast Analyser",
				Swarm:    "revops",
				Inputs:   []Input{{Key: "pipeline_data", Kind: "textarea", Required: true}, {Key: "quota", Kind: "number"}},
				Needs:    []string{"llm"},
				Handoffs: []string{"qualifier"},
			},
			{ID: "qualifier", Name: "Qualifier", Swarm: "sales", Needs: []string{"llm"}},
		},
	}
}

func TestSaveLoad_RoundTripsBothFormats(t *testing.T) {
	for _, format := range []string{"json", "yaml"} {
		t.Run(format, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "catalog."+format)
			require.NoError(t, Save(catalog(), path, format))

			got, err := Load(path)
			require.NoError(t, err)

			want := catalog().Agents
			want[1].Inputs = []Input{}
			want[1].Handoffs = []string{}
			assert.Equal(t, want, got.Agents)
		})
	}
}

func TestEncode_WritesEmptyListsForAbsentOnes(t *testing.T) {
	cat := &Catalog{Version: "1", Agents: []Agent{{ID: "qualifier"}}}

	data, err := Encode(cat, "json")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"inputs": []`)
	assert.NotContains(t, string(data), "null")

	data, err = Encode(cat, "yaml")
	require.NoError(t, err)
	assert.Contains(t, string(data), "inputs: []")
	assert.Nil(t, cat.Agents[0].Inputs, "caller's catalogue is left untouched")
}

func TestLoad_FillsOmittedLists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"1","agents":[{"id":"qualifier"}]}`), 0o644))

	got, err := Load(path)
	require.NoError(t, err)
	require.Len(t, got.Agents, 1)
	assert.Equal(t, []Input{}, got.Agents[0].Inputs)
	assert.Equal(t, []string{}, got.Agents[0].Needs)
	assert.Equal(t, []string{}, got.Agents[0].Handoffs)
}

func TestEncode_RejectsUnknownFormat(t *testing.T) {
	_, err := Encode(catalog(), "toml")
	assert.Error(t, err)
}

func TestDrift(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Catalog)
		validate func(t *testing.T, issues []string)
	}{
		{
			name:   "in sync",
			mutate: func(*Catalog) {},
			validate: func(t *testing.T, issues []string) {
				assert.Empty(t, issues)
			},
		},
		{
			name: "missing agent and stale agent",
			mutate: func(c *Catalog) {
				c.Agents[1].ID = "deal-desk"
			},
			validate: func(t *testing.T, issues []string) {
				assert.Contains(t, issues, "qualifier: missing from catalogue")
				assert.Contains(t, issues, "deal-desk: no such agent in code")
			},
		},
		{
			name: "required fields and handoffs changed",
			mutate: func(c *Catalog) {
				c.Agents[0].Inputs[1].Required = true
				c.Agents[0].Handoffs = []string{"qualifier", "planning_cycle"}
			},
			validate: func(t *testing.T, issues []string) {
				assert.Contains(t, issues, "forecast-analyser: required fields changed: [pipeline_data,quota] → [pipeline_data]")
				assert.Contains(t, issues, "forecast-analyser: handoffs changed: [planning_cycle,qualifier] → [qualifier]")
				assert.Contains(t, issues, "forecast-analyser: handoff target planning_cycle does not exist")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored := catalog()
			tt.mutate(stored)
			tt.validate(t, Drift(stored, catalog()))
		})
	}
}
