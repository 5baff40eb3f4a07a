package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	validLogLevels = []string{"debug", "info", "warn", "error"}
	validBackends  = []string{"jsonl", "sqlite"}
	validProviders = []string{"anthropic", "openai"}
)

// Validate checks every section and returns all problems joined together.
func (c *Config) Validate() error {
	var errs []error

	if c.Agent.MaxToolIterations <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_tool_iterations must be positive, got %d", c.Agent.MaxToolIterations))
	}
	if c.Agent.MaxTokens <= 0 || c.Agent.MaxTokens > 200000 {
		errs = append(errs, fmt.Errorf("agent.max_tokens must be in 1..200000, got %d", c.Agent.MaxTokens))
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		errs = append(errs, fmt.Errorf("agent.temperature must be in 0..2, got %g", c.Agent.Temperature))
	}
	if c.Agent.ProviderTimeoutS <= 0 {
		errs = append(errs, errors.New("agent.provider_timeout_s must be positive"))
	}
	if c.Agent.ToolTimeoutS <= 0 {
		errs = append(errs, errors.New("agent.tool_timeout_s must be positive"))
	}
	if c.Agent.MemoryWindow < 0 {
		errs = append(errs, errors.New("agent.memory_window must be >= 0"))
	}
	if c.Bus.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("bus.capacity must be positive, got %d", c.Bus.Capacity))
	}
	if !slices.Contains(validBackends, c.Session.Backend) {
		errs = append(errs, fmt.Errorf("session.backend %q must be one of: %s", c.Session.Backend, strings.Join(validBackends, ", ")))
	}
	if c.Subagent.MaxIterations <= 0 {
		errs = append(errs, errors.New("subagent.max_iterations must be positive"))
	}
	if c.Subagent.MaxPerParent < 0 {
		errs = append(errs, errors.New("subagent.max_per_parent must be >= 0"))
	}
	if !slices.Contains(validLogLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level %q must be one of: %s", c.Logging.Level, strings.Join(validLogLevels, ", ")))
	}

	seen := map[string]bool{}
	for i, p := range c.Providers.Profiles {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("providers.profiles[%d]: id is required", i))
		} else if seen[p.ID] {
			errs = append(errs, fmt.Errorf("providers.profiles[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if !slices.Contains(validProviders, p.Provider) {
			errs = append(errs, fmt.Errorf("providers.profiles[%d] (%s): provider %q must be one of: %s", i, p.ID, p.Provider, strings.Join(validProviders, ", ")))
		}
		if err := validateAPIKey(p.Provider, p.APIKey); err != nil {
			errs = append(errs, fmt.Errorf("providers.profiles[%d] (%s): %w", i, p.ID, err))
		}
	}

	return errors.Join(errs...)
}

func validateAPIKey(provider, key string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}
	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return errors.New("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return errors.New("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}
