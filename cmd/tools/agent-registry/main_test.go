package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtm-agents/pkg/registry"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestExportThenValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent-registry.yaml")

	out, err := execute(t, "export", "--format", "yaml", "--out", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote 14 agents")

	out, err = execute(t, "validate", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "in sync (14 agents)")
}

func TestValidate_ReportsDrift(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent-registry.json")
	stale := &registry.Catalog{Version: "0.1", Agents: []registry.Agent{
		{ID: "qualifier", Handoffs: []string{"deal_desk"}},
	}}
	require.NoError(t, registry.Save(stale, path, "json"))

	out, err := execute(t, "validate", "--path", path)
	require.Error(t, err)
	assert.Contains(t, out, "hygiene: missing from catalogue")
	assert.Contains(t, out, "qualifier: handoff target deal_desk does not exist")
}

func TestExport_Stdout(t *testing.T) {
	out, err := execute(t, "export")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "signals-scout"`)
}
