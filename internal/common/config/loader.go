// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	// APIS_LLM_API_KEY style overrides
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // optional

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return finish(v)
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// findProjectRoot walks up from the working directory looking for go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// overrideEmptyConfig fills credentials from well-known variables when the file left them empty.
func overrideEmptyConfig(cfg *Config) {
	setIfEmpty(&cfg.APIs.LLM.APIKey, "LLM_API_KEY")
	if cfg.APIs.LLM.Provider == "gemini" {
		setIfEmpty(&cfg.APIs.LLM.APIKey, "GEMINI_API_KEY")
	} else {
		setIfEmpty(&cfg.APIs.LLM.APIKey, "OPENROUTER_API_KEY")
	}
	setIfEmpty(&cfg.APIs.Search.APIKey, "SEARCH_API_KEY")
	setIfEmpty(&cfg.APIs.Search.APIKey, "TAVILY_API_KEY")
	setIfEmpty(&cfg.APIs.CRM.APIKey, "CRM_API_KEY")
	setIfEmpty(&cfg.APIs.CRM.APIKey, "HUBSPOT_ACCESS_TOKEN")
	setIfEmpty(&cfg.APIs.CRM.BaseURL, "CRM_BASE_URL")
	setIfEmpty(&cfg.Database.Redis.Password, "REDIS_PASSWORD")
	setIfEmpty(&cfg.Events.TopicARN, "HANDOFF_TOPIC_ARN")
}

func setIfEmpty(dst *string, envKey string) {
	if *dst != "" {
		return
	}
	if val := os.Getenv(envKey); val != "" {
		*dst = val
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "gtm-agents"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15000
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 180000
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 170000
	}

	if cfg.APIs.LLM.Provider == "" {
		cfg.APIs.LLM.Provider = "openrouter"
	}
	if cfg.APIs.LLM.BaseURL == "" && cfg.APIs.LLM.Provider == "openrouter" {
		cfg.APIs.LLM.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.APIs.LLM.Model == "" {
		if cfg.APIs.LLM.Provider == "gemini" {
			cfg.APIs.LLM.Model = "gemini-2.0-flash"
		} else {
			cfg.APIs.LLM.Model = "qwen/qwen-2.5-7b-instruct"
		}
	}
	if cfg.APIs.LLM.CritiqueModel == "" {
		cfg.APIs.LLM.CritiqueModel = cfg.APIs.LLM.Model
	}
	if cfg.APIs.LLM.MaxTokens == 0 {
		cfg.APIs.LLM.MaxTokens = 2000
	}
	if cfg.APIs.LLM.Timeout == 0 {
		cfg.APIs.LLM.Timeout = 45000
	}

	if cfg.APIs.Search.BaseURL == "" {
		cfg.APIs.Search.BaseURL = "https://api.tavily.com"
	}
	if cfg.APIs.Search.Depth == "" {
		cfg.APIs.Search.Depth = "basic"
	}
	if cfg.APIs.Search.Timeout == 0 {
		cfg.APIs.Search.Timeout = 20000
	}

	if cfg.APIs.CRM.BaseURL == "" {
		cfg.APIs.CRM.BaseURL = "https://api.hubapi.com"
	}
	if cfg.APIs.CRM.Timeout == 0 {
		cfg.APIs.CRM.Timeout = 20000
	}

	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = 5
	}
	if cfg.Resilience.OpenTimeout == 0 {
		cfg.Resilience.OpenTimeout = 30000
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "none"
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 900000
	}
	if cfg.Cache.MaxCost == 0 {
		cfg.Cache.MaxCost = 32 << 20
	}

	if cfg.Events.Region == "" {
		cfg.Events.Region = "us-east-1"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	for key, agent := range cfg.Agents {
		if agent.Timeout == 0 {
			agent.Timeout = 150000
		}
		cfg.Agents[key] = agent
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	switch cfg.APIs.LLM.Provider {
	case "openrouter", "gemini":
	default:
		return fmt.Errorf("apis.llm.provider must be openrouter or gemini, got %q", cfg.APIs.LLM.Provider)
	}

	switch cfg.Cache.Backend {
	case "none", "memory":
	case "redis":
		if cfg.Database.Redis.Address == "" {
			return fmt.Errorf("database.redis.address is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend must be none, memory or redis, got %q", cfg.Cache.Backend)
	}

	if cfg.Events.Enabled && cfg.Events.TopicARN == "" {
		return fmt.Errorf("events.topic_arn is required when events are enabled")
	}

	if cfg.Tracing.Enabled && cfg.Tracing.JaegerEndpoint == "" {
		return fmt.Errorf("tracing.jaeger_endpoint is required when tracing is enabled")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}

	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

// GetAgentConfig retrieves agent-specific configuration with fallback to defaults
func GetAgentConfig(cfg *Config, agentID string) AgentConfig {
	if agent, exists := cfg.Agents[agentID]; exists {
		return agent
	}

	return AgentConfig{
		Enabled: true,
		Timeout: 150000,
	}
}

// IsAgentEnabled reports whether an agent should be served; unlisted agents are enabled.
func IsAgentEnabled(cfg *Config, agentID string) bool {
	if agent, exists := cfg.Agents[agentID]; exists {
		return agent.Enabled
	}
	return true
}
