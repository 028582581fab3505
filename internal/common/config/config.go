// internal/common/config/config.go
package config

import "sort"

// Config is the main application configuration struct.
type Config struct {
	App        AppConfig              `mapstructure:"app"`
	Server     ServerConfig           `mapstructure:"server"`
	Agents     map[string]AgentConfig `mapstructure:"agents"`
	APIs       APIsConfig             `mapstructure:"apis"`
	Resilience ResilienceConfig       `mapstructure:"resilience"`
	Cache      CacheConfig            `mapstructure:"cache"`
	Database   DatabaseConfig         `mapstructure:"database"`
	Events     EventsConfig           `mapstructure:"events"`
	Tracing    TracingConfig          `mapstructure:"tracing"`
	Logging    LoggingConfig          `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Port           int `mapstructure:"port"`
	ReadTimeout    int `mapstructure:"read_timeout"`    // milliseconds
	WriteTimeout   int `mapstructure:"write_timeout"`   // milliseconds
	RequestTimeout int `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AgentConfig holds the settings applicable to every agent.
type AgentConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Timeout int  `mapstructure:"timeout"` // milliseconds, whole run
}

// APIsConfig holds settings for the external capabilities the pipeline consumes.
type APIsConfig struct {
	LLM struct {
		Provider      string `mapstructure:"provider"` // openrouter | gemini
		BaseURL       string `mapstructure:"base_url"`
		APIKey        string `mapstructure:"api_key"`
		Model         string `mapstructure:"model"`
		CritiqueModel string `mapstructure:"critique_model"`
		MaxTokens     int    `mapstructure:"max_tokens"`
		Timeout       int    `mapstructure:"timeout"` // milliseconds
	} `mapstructure:"llm"`

	Search struct {
		BaseURL string `mapstructure:"base_url"`
		APIKey  string `mapstructure:"api_key"`
		Depth   string `mapstructure:"depth"`
		Timeout int    `mapstructure:"timeout"` // milliseconds
	} `mapstructure:"search"`

	CRM struct {
		BaseURL string `mapstructure:"base_url"`
		APIKey  string `mapstructure:"api_key"`
		Timeout int    `mapstructure:"timeout"` // milliseconds
	} `mapstructure:"crm"`
}

// ResilienceConfig tunes the circuit breaker placed in front of every capability.
type ResilienceConfig struct {
	MaxFailures int `mapstructure:"max_failures"`
	OpenTimeout int `mapstructure:"open_timeout"` // milliseconds
}

// CacheConfig selects the search response cache backend.
type CacheConfig struct {
	Backend string `mapstructure:"backend"` // none | memory | redis
	TTL     int    `mapstructure:"ttl"`     // milliseconds
	MaxCost int64  `mapstructure:"max_cost"`
}

// EventsConfig holds settings for handoff event publishing.
type EventsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	TopicARN string `mapstructure:"topic_arn"`
	Region   string `mapstructure:"region"`
}

type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Capabilities names the external capabilities an agent depends on.
type Capabilities struct {
	Search bool
	CRM    bool
	LLM    bool
}

// MissingCredentials lists the credential options absent for the given needs.
func (c *Config) MissingCredentials(needs Capabilities) []string {
	var missing []string
	if needs.LLM && c.APIs.LLM.APIKey == "" {
		missing = append(missing, "apis.llm.api_key")
	}
	if needs.Search && c.APIs.Search.APIKey == "" {
		missing = append(missing, "apis.search.api_key")
	}
	if needs.CRM {
		if c.APIs.CRM.APIKey == "" {
			missing = append(missing, "apis.crm.api_key")
		}
		if c.APIs.CRM.BaseURL == "" {
			missing = append(missing, "apis.crm.base_url")
		}
	}
	return missing
}

// EnabledAgents returns the ids explicitly listed as enabled, sorted.
func (c *Config) EnabledAgents() []string {
	var ids []string
	for id, a := range c.Agents {
		if a.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
