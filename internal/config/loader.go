package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix      = "SWITCHBOARD"
	configDirName  = ".switchboard"
	configFileName = "switchboard.json"
)

// Loader reads the JSON config file and environment overrides.
type Loader struct {
	configPath string
}

func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Path returns the file the loader reads, resolving the default location.
func (l *Loader) Path() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return configFileName
	}
	return filepath.Join(home, configDirName, configFileName)
}

// Load returns the merged configuration. A missing file is not an error:
// defaults plus SWITCHBOARD_* environment variables are used instead.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerDefaults(v, DefaultConfig())

	path := l.Path()
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.fillPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// registerDefaults makes every scalar key known to viper so AutomaticEnv can
// override it even when the file does not mention the key.
func registerDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("agent.model", d.Agent.Model)
	v.SetDefault("agent.max_tokens", d.Agent.MaxTokens)
	v.SetDefault("agent.temperature", d.Agent.Temperature)
	v.SetDefault("agent.max_tool_iterations", d.Agent.MaxToolIterations)
	v.SetDefault("agent.memory_window", d.Agent.MemoryWindow)
	v.SetDefault("agent.provider_timeout_s", d.Agent.ProviderTimeoutS)
	v.SetDefault("agent.tool_timeout_s", d.Agent.ToolTimeoutS)
	v.SetDefault("agent.max_retries", d.Agent.MaxRetries)
	v.SetDefault("agent.system_prompt", d.Agent.SystemPrompt)
	v.SetDefault("bus.capacity", d.Bus.Capacity)
	v.SetDefault("session.backend", d.Session.Backend)
	v.SetDefault("session.dir", d.Session.Dir)
	v.SetDefault("session.sqlite_path", d.Session.SQLitePath)
	v.SetDefault("subagent.max_iterations", d.Subagent.MaxIterations)
	v.SetDefault("subagent.max_per_parent", d.Subagent.MaxPerParent)
	v.SetDefault("subagent.registry_path", d.Subagent.RegistryPath)
	v.SetDefault("subagent.retention_hours", d.Subagent.RetentionHours)
	v.SetDefault("tools.audit_file", d.Tools.AuditFile)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.redaction", d.Logging.Redaction)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("workspace_path", d.WorkspacePath)
}

func (c *Config) fillPaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, configDirName)
	}
	if c.WorkspacePath == "" {
		c.WorkspacePath = filepath.Join(c.DataDir, "workspace")
	}
	if c.Session.Dir == "" {
		c.Session.Dir = filepath.Join(c.DataDir, "sessions")
	}
	if c.Session.SQLitePath == "" {
		c.Session.SQLitePath = filepath.Join(c.DataDir, "sessions.db")
	}
	if c.Subagent.RegistryPath == "" {
		c.Subagent.RegistryPath = filepath.Join(c.DataDir, "subagents.json")
	}
	return nil
}

// Load is shorthand for NewLoader(path).Load().
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
