// pkg/registry/schema.go
package registry

// Catalog is the exported description of every agent the service can run.
type Catalog struct {
	Version     string  `json:"version" yaml:"version"`
	LastUpdated string  `json:"lastUpdated" yaml:"lastUpdated"`
	Agents      []Agent `json:"agents" yaml:"agents"`
}

type Agent struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Swarm       string   `json:"swarm" yaml:"swarm"`
	Description string   `json:"description" yaml:"description"`
	Inputs      []Input  `json:"inputs" yaml:"inputs"`
	Needs       []string `json:"needs" yaml:"needs"`
	Handoffs    []string `json:"handoffs" yaml:"handoffs"`
	Enabled     *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

type Input struct {
	Key      string   `json:"key" yaml:"key"`
	Kind     string   `json:"kind" yaml:"kind"`
	Required bool     `json:"required" yaml:"required"`
	Auto     bool     `json:"auto,omitempty" yaml:"auto,omitempty"`
	Enum     []string `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Required lists the required input keys in declaration order.
func (a Agent) Required() []string {
	var keys []string
	for _, in := range a.Inputs {
		if in.Required {
			keys = append(keys, in.Key)
		}
	}
	return keys
}
