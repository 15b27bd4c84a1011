// Copyright 2025 ModelGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the gateway configuration from a YAML file with
// environment-variable expansion, then applies environment overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"modelgate/platform/gateway/llm"
)

// Config is the root gateway configuration.
type Config struct {
	Version string `yaml:"version"`

	Server    ServerConfig         `yaml:"server"`
	Routing   RoutingConfig        `yaml:"routing"`
	Registry  RegistryConfig       `yaml:"registry"`
	Providers []llm.ProviderConfig `yaml:"providers"`
	Options   []OptionConfig       `yaml:"model_options"`
	Policies  PolicyConfig         `yaml:"policies"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
	Telemetry TelemetryConfig      `yaml:"telemetry"`

	// PricingFile points at an optional YAML pricing override.
	PricingFile string `yaml:"pricing_file,omitempty"`

	// RedisURL enables the Redis spend ledger and rate limiter.
	RedisURL string `yaml:"redis_url,omitempty"`

	// DatabaseURL enables the PostgreSQL usage store.
	DatabaseURL string `yaml:"database_url,omitempty"`

	// SecretsRegion selects the AWS region for secret resolution.
	SecretsRegion string `yaml:"secrets_region,omitempty"`
}

// ServerConfig holds HTTP surface settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	JWTSecret   string   `yaml:"jwt_secret,omitempty"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// RoutingConfig holds routing engine tunables.
type RoutingConfig struct {
	Strategy    string `yaml:"strategy,omitempty"`
	MaxAttempts int    `yaml:"max_attempts,omitempty"`

	Weights *WeightsConfig `yaml:"balanced_weights,omitempty"`
}

// WeightsConfig overrides the balanced strategy weights.
type WeightsConfig struct {
	Cost      float64 `yaml:"cost"`
	Quality   float64 `yaml:"quality"`
	Speed     float64 `yaml:"speed"`
	TaskMatch float64 `yaml:"task_match"`
}

// RegistryConfig holds provider registry tunables.
type RegistryConfig struct {
	HealthAlpha          float64 `yaml:"health_alpha,omitempty"`
	CooldownThreshold    int     `yaml:"cooldown_threshold,omitempty"`
	CooldownResetSeconds int     `yaml:"cooldown_reset_seconds,omitempty"`
	SuccessRateFloor     float64 `yaml:"success_rate_floor,omitempty"`
	HealthFloor          float64 `yaml:"health_floor,omitempty"`
	HealthCheckSeconds   int     `yaml:"health_check_seconds,omitempty"`
}

// OptionConfig declares one routable provider/model pair with its
// static priors.
type OptionConfig struct {
	Provider     string   `yaml:"provider"`
	Model        string   `yaml:"model"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	CostPerCall  float64  `yaml:"cost_per_call,omitempty"`
	Quality      float64  `yaml:"quality,omitempty"`
	LatencyMs    float64  `yaml:"latency_ms,omitempty"`
	Weight       float64  `yaml:"weight,omitempty"`
}

// PolicyConfig declares the admission rule set.
type PolicyConfig struct {
	Budgets  []BudgetConfig  `json:"budgets,omitempty" yaml:"budgets,omitempty"`
	Content  *ContentConfig  `json:"content,omitempty" yaml:"content,omitempty"`
	Identity *IdentityConfig `json:"identity,omitempty" yaml:"identity,omitempty"`
	Models   *ModelsConfig   `json:"models,omitempty" yaml:"models,omitempty"`
	Time     *TimeConfig     `json:"time,omitempty" yaml:"time,omitempty"`
}

// BudgetConfig declares one spend limit. Action defaults to block.
type BudgetConfig struct {
	ID       string  `json:"id" yaml:"id"`
	Scope    string  `json:"scope" yaml:"scope"`  // user, team, global
	Window   string  `json:"window" yaml:"window"` // daily, weekly, monthly
	LimitUSD float64 `json:"limit_usd" yaml:"limit_usd"`
	Action   string  `json:"action,omitempty" yaml:"action,omitempty"` // block or warn
	Disabled bool    `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// ContentConfig declares content screening rules.
type ContentConfig struct {
	BlockedPatterns []string `json:"blocked_patterns,omitempty" yaml:"blocked_patterns,omitempty"`
	PatternAction   string   `json:"pattern_action,omitempty" yaml:"pattern_action,omitempty"`
	BlockedKeywords []string `json:"blocked_keywords,omitempty" yaml:"blocked_keywords,omitempty"`
	KeywordAction   string   `json:"keyword_action,omitempty" yaml:"keyword_action,omitempty"`
	Disabled        bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// IdentityConfig declares principal allow and block lists.
type IdentityConfig struct {
	BlockedUsers []string `json:"blocked_users,omitempty" yaml:"blocked_users,omitempty"`
	BlockedTeams []string `json:"blocked_teams,omitempty" yaml:"blocked_teams,omitempty"`
	AllowedUsers []string `json:"allowed_users,omitempty" yaml:"allowed_users,omitempty"`
	AllowedTeams []string `json:"allowed_teams,omitempty" yaml:"allowed_teams,omitempty"`
	Disabled     bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// ModelsConfig declares model access restrictions.
type ModelsConfig struct {
	Blocked   []string `json:"blocked,omitempty" yaml:"blocked,omitempty"`
	Allowed   []string `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	MaxTokens int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Disabled  bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// TimeConfig declares time-of-day restrictions in UTC.
type TimeConfig struct {
	AllowedHours    []int    `json:"allowed_utc_hours,omitempty" yaml:"allowed_utc_hours,omitempty"`
	BlockedWeekdays []string `json:"blocked_weekdays,omitempty" yaml:"blocked_weekdays,omitempty"`
	Disabled        bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// RateLimitConfig bounds per-principal request rates.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`
}

// TelemetryConfig tunes the broadcast hub.
type TelemetryConfig struct {
	HeartbeatSeconds int `yaml:"heartbeat_seconds,omitempty"`

	// CostAlertUSD fires a cost_alert event once per spend bucket
	// crossing this threshold. Zero disables alerts.
	CostAlertUSD float64 `yaml:"cost_alert_usd,omitempty"`
}

// Error reports a configuration problem with its source.
type Error struct {
	Path    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config %s: %s", e.Path, e.Message)
	}
	return "config: " + e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Default returns a config with working development defaults.
func Default() *Config {
	return &Config{
		Version: "1",
		Server:  ServerConfig{Port: 8080},
	}
}

// Load reads and validates a YAML config file. Environment variable
// references in the file (${VAR} or ${VAR:-default}) are expanded
// before parsing, and process-level overrides are applied after.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Message: "failed to read file", Cause: err}
	}

	cfg := Default()
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, &Error{Path: path, Message: "failed to parse YAML", Cause: err}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a config entirely from environment variables, used
// when no config file is given.
func FromEnv() *Config {
	cfg := Default()
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MODELGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("MODELGATE_JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("MODELGATE_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("MODELGATE_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("MODELGATE_ROUTING_STRATEGY"); v != "" {
		c.Routing.Strategy = v
	}
	if v := os.Getenv("MODELGATE_SECRETS_REGION"); v != "" {
		c.SecretsRegion = v
	}
	if v := os.Getenv("MODELGATE_PRICING_CONFIG_FILE"); v != "" {
		c.PricingFile = v
	}
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return &Error{Message: fmt.Sprintf("invalid port %d", c.Server.Port)}
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return &Error{Message: fmt.Sprintf("provider %d has no name", i)}
		}
		if seen[p.Name] {
			return &Error{Message: fmt.Sprintf("duplicate provider %q", p.Name)}
		}
		seen[p.Name] = true
		if p.Type == "" {
			return &Error{Message: fmt.Sprintf("provider %q has no type", p.Name)}
		}
	}

	for _, o := range c.Options {
		if o.Provider == "" || o.Model == "" {
			return &Error{Message: "model option missing provider or model"}
		}
		if !seen[o.Provider] {
			return &Error{Message: fmt.Sprintf("model option references unknown provider %q", o.Provider)}
		}
	}

	for _, b := range c.Policies.Budgets {
		switch b.Scope {
		case "user", "team", "global":
		default:
			return &Error{Message: fmt.Sprintf("budget %q has invalid scope %q", b.ID, b.Scope)}
		}
		switch b.Window {
		case "daily", "weekly", "monthly":
		default:
			return &Error{Message: fmt.Sprintf("budget %q has invalid window %q", b.ID, b.Window)}
		}
		if b.LimitUSD <= 0 {
			return &Error{Message: fmt.Sprintf("budget %q has non-positive limit", b.ID)}
		}
		switch b.Action {
		case "", "block", "warn":
		default:
			return &Error{Message: fmt.Sprintf("budget %q has invalid action %q", b.ID, b.Action)}
		}
	}

	if c.Policies.Content != nil {
		for _, p := range c.Policies.Content.BlockedPatterns {
			if _, err := regexp.Compile(p); err != nil {
				return &Error{Message: fmt.Sprintf("invalid blocked pattern %q", p), Cause: err}
			}
		}
	}

	return nil
}

// envVarRegex matches ${VAR} and ${VAR:-default} references.
var envVarRegex = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*(:-[^}]*)?\}`)

// expandEnvVars expands environment variable references, honoring
// ${VAR:-default} fallbacks. Undefined variables expand to empty.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		inner := match[2 : len(match)-1]
		name := inner
		def := ""
		if idx := strings.Index(inner, ":-"); idx >= 0 {
			name = inner[:idx]
			def = inner[idx+2:]
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return def
	})
}
