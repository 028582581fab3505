// pkg/registry/registry.go
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a catalogue file. The format follows the extension: .yaml and
// .yml are YAML, anything else JSON.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cat Catalog
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cat)
	} else {
		err = json.Unmarshal(data, &cat)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cat.normalized(), nil
}

// Encode renders the catalogue as json or yaml. Absent lists are written as
// empty lists in both formats.
func Encode(cat *Catalog, format string) ([]byte, error) {
	cat = cat.normalized()
	switch strings.ToLower(format) {
	case "yaml", "yml":
		return yaml.Marshal(cat)
	case "json", "":
		data, err := json.MarshalIndent(cat, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

func Save(cat *Catalog, path, format string) error {
	data, err := Encode(cat, format)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Find returns the agent with the given id.
func (c *Catalog) Find(id string) (Agent, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// Drift lists the differences between a stored catalogue and the one built
// from code, plus handoff targets that name no known agent.
func Drift(stored, code *Catalog) []string {
	var issues []string
	for _, want := range code.Agents {
		got, ok := stored.Find(want.ID)
		if !ok {
			issues = append(issues, fmt.Sprintf("%s: missing from catalogue", want.ID))
			continue
		}
		if a, b := strings.Join(got.Required(), ","), strings.Join(want.Required(), ","); a != b {
			issues = append(issues, fmt.Sprintf("%s: required fields changed: [%s] → [%s]", want.ID, a, b))
		}
		if a, b := sorted(got.Handoffs), sorted(want.Handoffs); a != b {
			issues = append(issues, fmt.Sprintf("%s: handoffs changed: [%s] → [%s]", want.ID, a, b))
		}
	}
	for _, got := range stored.Agents {
		if _, ok := code.Find(got.ID); !ok {
			issues = append(issues, fmt.Sprintf("%s: no such agent in code", got.ID))
		}
	}

	known := map[string]bool{}
	for _, a := range code.Agents {
		known[HandoffName(a.ID)] = true
	}
	for _, a := range stored.Agents {
		for _, target := range a.Handoffs {
			if !known[target] {
				issues = append(issues, fmt.Sprintf("%s: handoff target %s does not exist", a.ID, target))
			}
		}
	}
	return issues
}

// HandoffName converts an agent id to the form used in handoff flags.
func HandoffName(id string) string {
	return strings.ReplaceAll(id, "-", "_")
}

func sorted(items []string) string {
	out := append([]string(nil), items...)
	sort.Strings(out)
	return strings.Join(out, ",")
}

// normalized returns a copy whose agent lists are never nil.
func (c *Catalog) normalized() *Catalog {
	out := *c
	out.Agents = make([]Agent, len(c.Agents))
	for i, a := range c.Agents {
		if a.Inputs == nil {
			a.Inputs = []Input{}
		}
		if a.Needs == nil {
			a.Needs = []string{}
		}
		if a.Handoffs == nil {
			a.Handoffs = []string{}
		}
		out.Agents[i] = a
	}
	return &out
}
