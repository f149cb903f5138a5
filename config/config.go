// Package config loads and validates the static configuration Berry API is
// booted from: settings, users, providers, and logical models.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/berry-api/berry/utils/array"
	"github.com/berry-api/berry/utils/env"
)

// BillingMode describes whether a backend can be probed actively without cost.
type BillingMode string

const (
	BillingPerToken   BillingMode = "per_token"
	BillingPerRequest BillingMode = "per_request"
)

// Strategy names accepted in [models.<id>].strategy.
const (
	StrategyRandom                = "random"
	StrategyRoundRobin            = "round_robin"
	StrategyWeightedRandom        = "weighted_random"
	StrategyLeastLatency          = "least_latency"
	StrategyFailover              = "failover"
	StrategyWeightedFailover      = "weighted_failover"
	StrategySmartWeightedFailover = "smart_weighted_failover"
)

// Settings is the [settings] block.
type Settings struct {
	HealthCheckIntervalSeconds     int    `toml:"health_check_interval_seconds"`
	RequestTimeoutSeconds          int    `toml:"request_timeout_seconds"`
	MaxRetries                     int    `toml:"max_retries"`
	CircuitBreakerFailureThreshold int    `toml:"circuit_breaker_failure_threshold"`
	CircuitBreakerTimeoutSeconds   int    `toml:"circuit_breaker_timeout_seconds"`
	RecoveryCheckIntervalSeconds   int    `toml:"recovery_check_interval_seconds"`
	MaxInternalRetries             int    `toml:"max_internal_retries"`
	HealthCheckTimeoutSeconds      int    `toml:"health_check_timeout_seconds"`
	ListenAddr                     string `toml:"listen_addr"`
	AdminToken                     string `toml:"admin_token"`
	LogLevel                       string `toml:"log_level"`
	LogFormat                      string `toml:"log_format"`
	MetricsNamespace               string `toml:"metrics_namespace"`
}

func defaultSettings() Settings {
	return Settings{
		HealthCheckIntervalSeconds:     30,
		RequestTimeoutSeconds:          30,
		MaxRetries:                     2,
		CircuitBreakerFailureThreshold: 5,
		CircuitBreakerTimeoutSeconds:   60,
		RecoveryCheckIntervalSeconds:   10,
		MaxInternalRetries:             3,
		HealthCheckTimeoutSeconds:      5,
		ListenAddr:                     ":8080",
		LogLevel:                       "info",
		LogFormat:                      "json",
		MetricsNamespace:               "berry",
	}
}

// User is a static bearer-token identity, [users.<id>].
type User struct {
	ID            string   `toml:"-"`
	Name          string   `toml:"name"`
	Token         string   `toml:"token"`
	AllowedModels []string `toml:"allowed_models"`
	Enabled       bool     `toml:"enabled"`
	Tags          []string `toml:"tags"`
}

// AllowsModel reports whether the user may address the given logical model.
func (u *User) AllowsModel(model string) bool {
	if len(u.AllowedModels) == 0 {
		return true
	}
	return array.Contains(u.AllowedModels, model)
}

// Provider is a static upstream endpoint, [providers.<id>].
type Provider struct {
	ID             string            `toml:"-"`
	Name           string            `toml:"name"`
	BaseURL        string            `toml:"base_url"`
	APIKey         string            `toml:"api_key"`
	APIKeyEnv      string            `toml:"api_key_env"`
	Models         []string          `toml:"models"`
	Enabled        bool              `toml:"enabled"`
	TimeoutSeconds int               `toml:"timeout_seconds"`
	MaxRetries     int               `toml:"max_retries"`
	Headers        map[string]string `toml:"headers"`
}

func (p *Provider) hasModel(model string) bool {
	return array.Contains(p.Models, model)
}

// Backend is one entry of [[models.<id>.backends]].
type Backend struct {
	// Index is the backend's position within its logical model's backend
	// list, assigned at load time. Together with the logical model id it is
	// the identity used by the health registry and circuit breaker.
	Index       int
	Provider    string      `toml:"provider"`
	Model       string      `toml:"model"`
	Weight      float64     `toml:"weight"`
	Priority    int         `toml:"priority"`
	Enabled     bool        `toml:"enabled"`
	Tags        []string    `toml:"tags"`
	BillingMode BillingMode `toml:"billing_mode"`
}

// Key returns the (logical-model, backend-index) identity string used to key
// dynamic state in the health registry and circuit breaker.
func (b *Backend) Key(logicalModel string) string {
	return logicalModel + "#" + fmt.Sprint(b.Index)
}

// LogicalModel is [models.<id>].
type LogicalModel struct {
	ID       string     `toml:"-"`
	Name     string     `toml:"name"`
	Strategy string     `toml:"strategy"`
	Enabled  bool       `toml:"enabled"`
	Backends []*Backend `toml:"backends"`
}

// EnabledBackends returns the enabled backends of the model, in declared order.
func (m *LogicalModel) EnabledBackends() []*Backend {
	out := make([]*Backend, 0, len(m.Backends))
	for _, b := range m.Backends {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out
}

// Config is the frozen, validated snapshot of the whole configuration file.
type Config struct {
	Settings  Settings                 `toml:"settings"`
	Users     map[string]*User         `toml:"users"`
	Providers map[string]*Provider     `toml:"providers"`
	Models    map[string]*LogicalModel `toml:"models"`
}

// Load reads and validates a TOML configuration file at path. Provider API
// keys may additionally be supplied via `<PROVIDERID>_API_KEY` environment
// variables (or the provider's configured api_key_env), which take
// precedence over an api_key literal in the file, so secrets need not be
// committed to disk.
func Load(path string) (*Config, error) {
	cfg := &Config{Settings: defaultSettings()}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	for id, u := range cfg.Users {
		u.ID = id
	}
	for id, p := range cfg.Providers {
		p.ID = id
		envName := p.APIKeyEnv
		if envName == "" {
			envName = strings.ToUpper(id) + "_API_KEY"
		}
		p.APIKey = env.OptionalStringVariable(envName, p.APIKey)
	}
	for id, m := range cfg.Models {
		m.ID = id
		for i, b := range m.Backends {
			b.Index = i
			if b.BillingMode == "" {
				b.BillingMode = BillingPerToken
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every load-time invariant named in the specification.
// Any violation is a fatal ConfigInvalid error.
func (c *Config) Validate() error {
	for pid, p := range c.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("config: provider %q missing base_url", pid)
		}
	}

	for mid, m := range c.Models {
		if !m.Enabled {
			continue
		}
		if !isKnownStrategy(m.Strategy) {
			return fmt.Errorf("config: model %q has unknown strategy %q", mid, m.Strategy)
		}

		enabledCount := 0
		for _, b := range m.Backends {
			p, ok := c.Providers[b.Provider]
			if !ok {
				return fmt.Errorf("config: model %q backend references unknown provider %q", mid, b.Provider)
			}
			if !p.hasModel(b.Model) {
				return fmt.Errorf("config: model %q backend model %q not declared by provider %q", mid, b.Model, b.Provider)
			}
			if b.Weight <= 0 {
				return fmt.Errorf("config: model %q backend %d has non-positive weight %v", mid, b.Index, b.Weight)
			}
			if b.Priority < 0 {
				return fmt.Errorf("config: model %q backend %d has negative priority %v", mid, b.Index, b.Priority)
			}
			if b.Enabled {
				enabledCount++
			}
		}
		if enabledCount == 0 {
			return fmt.Errorf("config: enabled model %q has no enabled backend", mid)
		}
	}

	for uid, u := range c.Users {
		for _, name := range u.AllowedModels {
			if _, ok := c.Models[name]; !ok {
				return fmt.Errorf("config: user %q allowed_models references unknown model %q", uid, name)
			}
		}
	}

	return nil
}

func isKnownStrategy(s string) bool {
	switch s {
	case StrategyRandom, StrategyRoundRobin, StrategyWeightedRandom, StrategyLeastLatency,
		StrategyFailover, StrategyWeightedFailover, StrategySmartWeightedFailover:
		return true
	default:
		return false
	}
}

// UserByToken finds an enabled user whose token matches, or nil.
func (c *Config) UserByToken(token string) *User {
	for _, u := range c.Users {
		if !u.Enabled {
			continue
		}
		if constantTimeEqual(u.Token, token) {
			return u
		}
	}
	return nil
}
