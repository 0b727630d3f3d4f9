// Package budget caps LLM spend for a single run. Limits come from config
// with optional per-run overrides; an absent limit means unlimited.
package budget

import (
	"fmt"

	"github.com/mohammad-safakhou/errand/config"
)

// Config defines spend guardrails for one run.
type Config struct {
	MaxCost        *float64 `json:"max_cost,omitempty"`
	MaxTokens      *int64   `json:"max_tokens,omitempty"`
	MaxTimeSeconds *int64   `json:"max_time_seconds,omitempty"`
}

// FromAppConfig converts the application budget section into limits; zero
// values are treated as "no limit".
func FromAppConfig(cfg config.BudgetConfig) Config {
	var out Config
	if cfg.MaxCost > 0 {
		v := cfg.MaxCost
		out.MaxCost = &v
	}
	if cfg.MaxTokens > 0 {
		v := cfg.MaxTokens
		out.MaxTokens = &v
	}
	return out
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.MaxCost != nil && *c.MaxCost < 0 {
		return fmt.Errorf("max_cost cannot be negative")
	}
	if c.MaxTokens != nil && *c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	if c.MaxTimeSeconds != nil && *c.MaxTimeSeconds < 0 {
		return fmt.Errorf("max_time_seconds cannot be negative")
	}
	return nil
}

// Clone produces a deep copy of the config.
func (c Config) Clone() Config {
	clone := Config{}
	if c.MaxCost != nil {
		v := *c.MaxCost
		clone.MaxCost = &v
	}
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	if c.MaxTimeSeconds != nil {
		v := *c.MaxTimeSeconds
		clone.MaxTimeSeconds = &v
	}
	return clone
}

// Merge overlays non-nil limits from override onto base, so a run request can
// tighten or relax the configured defaults.
func Merge(base Config, override Config) Config {
	result := base.Clone()
	if override.MaxCost != nil {
		v := *override.MaxCost
		result.MaxCost = &v
	}
	if override.MaxTokens != nil {
		v := *override.MaxTokens
		result.MaxTokens = &v
	}
	if override.MaxTimeSeconds != nil {
		v := *override.MaxTimeSeconds
		result.MaxTimeSeconds = &v
	}
	return result
}

// IsZero reports whether the config defines no limits at all.
func (c Config) IsZero() bool {
	return c.MaxCost == nil && c.MaxTokens == nil && c.MaxTimeSeconds == nil
}
