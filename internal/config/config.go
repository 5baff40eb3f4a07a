package config

import "time"

// Config is the switchboard runtime configuration.
type Config struct {
	Agent     AgentConfig     `json:"agent" mapstructure:"agent"`
	Bus       BusConfig       `json:"bus" mapstructure:"bus"`
	Session   SessionConfig   `json:"session" mapstructure:"session"`
	Subagent  SubagentConfig  `json:"subagent" mapstructure:"subagent"`
	Tools     ToolsConfig     `json:"tools" mapstructure:"tools"`
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`

	DataDir       string `json:"data_dir" mapstructure:"data_dir"`
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	Model             string  `json:"model" mapstructure:"model"`
	MaxTokens         int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature       float64 `json:"temperature" mapstructure:"temperature"`
	MaxToolIterations int     `json:"max_tool_iterations" mapstructure:"max_tool_iterations"`
	MemoryWindow      int     `json:"memory_window" mapstructure:"memory_window"`
	ProviderTimeoutS  int     `json:"provider_timeout_s" mapstructure:"provider_timeout_s"`
	ToolTimeoutS      int     `json:"tool_timeout_s" mapstructure:"tool_timeout_s"`
	MaxRetries        int     `json:"max_retries" mapstructure:"max_retries"`
	SystemPrompt      string  `json:"system_prompt" mapstructure:"system_prompt"`
}

type BusConfig struct {
	Capacity int `json:"capacity" mapstructure:"capacity"`
}

// SessionConfig selects the durable session backend.
type SessionConfig struct {
	Backend    string `json:"backend" mapstructure:"backend"` // jsonl, sqlite
	Dir        string `json:"dir" mapstructure:"dir"`
	SQLitePath string `json:"sqlite_path" mapstructure:"sqlite_path"`
}

type SubagentConfig struct {
	MaxIterations  int    `json:"max_iterations" mapstructure:"max_iterations"`
	MaxPerParent   int    `json:"max_per_parent" mapstructure:"max_per_parent"`
	RegistryPath   string `json:"registry_path" mapstructure:"registry_path"`
	RetentionHours int    `json:"retention_hours" mapstructure:"retention_hours"`
}

type ToolsConfig struct {
	Allow     []string `json:"allow" mapstructure:"allow"`
	Deny      []string `json:"deny" mapstructure:"deny"`
	AuditFile string   `json:"audit_file" mapstructure:"audit_file"`
}

type ProvidersConfig struct {
	Profiles []ProviderProfile `json:"profiles" mapstructure:"profiles"`
}

// ProviderProfile is one credential for one vendor. Lower priority is tried first.
type ProviderProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"`
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

type MetricsConfig struct {
	Addr string `json:"addr" mapstructure:"addr"` // empty disables the listener
}

// DefaultConfig returns the configuration used for any unset field.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:             "claude-sonnet-4-5",
			MaxTokens:         4096,
			Temperature:       0.7,
			MaxToolIterations: 20,
			MemoryWindow:      50,
			ProviderTimeoutS:  120,
			ToolTimeoutS:      30,
			MaxRetries:        3,
		},
		Bus:     BusConfig{Capacity: 100},
		Session: SessionConfig{Backend: "jsonl"},
		Subagent: SubagentConfig{
			MaxIterations:  15,
			MaxPerParent:   4,
			RetentionHours: 24,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   50,
			MaxAge:    7,
			Redaction: true,
		},
	}
}

func (c AgentConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutS) * time.Second
}

func (c AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutS) * time.Second
}

func (c SubagentConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}
