// Package agents assembles the agent catalogue and registers it with the engine.
package agents

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gtm-agents/internal/agents/cs/churnpredictor"
	"gtm-agents/internal/agents/cs/expansionradar"
	"gtm-agents/internal/agents/cs/healthmonitor"
	"gtm-agents/internal/agents/marketing/contentmultiplier"
	"gtm-agents/internal/agents/marketing/listener"
	"gtm-agents/internal/agents/revops/forecastanalyser"
	"gtm-agents/internal/agents/revops/hygiene"
	"gtm-agents/internal/agents/sales/dealroom"
	"gtm-agents/internal/agents/sales/qualifier"
	"gtm-agents/internal/agents/sales/signalsscout"
	"gtm-agents/internal/agents/sales/sniper"
	"gtm-agents/internal/agents/strategy/diagnostic"
	"gtm-agents/internal/agents/strategy/icpclarifier"
	"gtm-agents/internal/agents/strategy/planningcycle"
	"gtm-agents/internal/common/config"
	"gtm-agents/internal/common/logger"
	"gtm-agents/internal/pipeline"
	"gtm-agents/pkg/registry"
)

// CatalogVersion changes whenever an agent's inputs or handoffs change.
const CatalogVersion = "1.4.0"

// All builds every agent definition, sorted by id.
func All() []*pipeline.Agent {
	all := []*pipeline.Agent{
		diagnostic.New(),
		planningcycle.New(),
		icpclarifier.New(),
		signalsscout.New(),
		qualifier.New(),
		sniper.New(),
		dealroom.New(),
		listener.New(),
		contentmultiplier.New(),
		healthmonitor.New(),
		churnpredictor.New(),
		expansionradar.New(),
		forecastanalyser.New(),
		hygiene.New(),
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// Needs maps an agent's declared capabilities onto the credentials it
// cannot start without. Optional search is not a startup requirement.
func Needs(a *pipeline.Agent) config.Capabilities {
	return config.Capabilities{
		Search: a.Needs.Search && !a.Needs.SearchOptional,
		CRM:    a.Needs.CRM,
		LLM:    a.Needs.LLM,
	}
}

// Registration reports what Register did.
type Registration struct {
	Enabled  []string
	Disabled []string
}

// Register adds every enabled agent to the engine. It refuses to start when
// an enabled agent is missing a credential it needs.
func Register(e *pipeline.Engine, cfg *config.Config, log logger.Logger) (*Registration, error) {
	reg := &Registration{}
	var problems []string
	for _, a := range All() {
		if !config.IsAgentEnabled(cfg, a.ID) {
			reg.Disabled = append(reg.Disabled, a.ID)
			continue
		}
		if missing := cfg.MissingCredentials(Needs(a)); len(missing) > 0 {
			problems = append(problems, fmt.Sprintf("%s needs %s", a.ID, strings.Join(missing, ", ")))
			continue
		}
		if err := e.Register(a); err != nil {
			return nil, err
		}
		reg.Enabled = append(reg.Enabled, a.ID)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("missing credentials: %s", strings.Join(problems, "; "))
	}
	log.Info("agents registered", map[string]interface{}{
		"enabled":  len(reg.Enabled),
		"disabled": reg.Disabled,
	})
	return reg, nil
}

// Describe converts an agent definition into its catalogue entry.
func Describe(a *pipeline.Agent) registry.Agent {
	entry := registry.Agent{
		ID:          a.ID,
		Name:        a.Name,
		Swarm:       string(a.Swarm),
		Description: a.Description,
		Handoffs:    a.HandoffTargets(),
		Needs:       []string{},
	}
	for _, f := range a.Fields {
		entry.Inputs = append(entry.Inputs, registry.Input{
			Key:      f.Key,
			Kind:     f.Kind,
			Required: f.Required,
			Auto:     f.Auto,
			Enum:     f.Enum,
		})
	}
	if a.Needs.LLM {
		entry.Needs = append(entry.Needs, "llm")
	}
	switch {
	case a.Needs.Search && a.Needs.SearchOptional:
		entry.Needs = append(entry.Needs, "search (optional)")
	case a.Needs.Search:
		entry.Needs = append(entry.Needs, "search")
	}
	if a.Needs.CRM {
		entry.Needs = append(entry.Needs, "crm")
	}
	return entry
}

// Catalog describes the given agents.
func Catalog(agents []*pipeline.Agent, now time.Time) *registry.Catalog {
	cat := &registry.Catalog{
		Version:     CatalogVersion,
		LastUpdated: now.UTC().Format("2006-01-02"),
		Agents:      make([]registry.Agent, 0, len(agents)),
	}
	for _, a := range agents {
		cat.Agents = append(cat.Agents, Describe(a))
	}
	return cat
}
