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

package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"modelgate/platform/gateway/llm"
	"modelgate/platform/gateway/policy"
	"modelgate/platform/gateway/registry"
)

// BuildRules converts the policy section into an ordered rule set.
// Budget rules come last so cheap checks run first. Validate must have
// passed before calling.
func (c *Config) BuildRules(spend policy.SpendReader) []policy.Rule {
	var rules []policy.Rule

	if id := c.Policies.Identity; id != nil && !id.Disabled {
		rules = append(rules, &policy.IdentityRule{
			RuleID:       "identity",
			BlockedUsers: id.BlockedUsers,
			BlockedTeams: id.BlockedTeams,
			AllowedUsers: id.AllowedUsers,
			AllowedTeams: id.AllowedTeams,
		})
	}

	if m := c.Policies.Models; m != nil && !m.Disabled {
		rules = append(rules, &policy.ModelRule{
			RuleID:        "models",
			BlockedModels: m.Blocked,
			AllowedModels: m.Allowed,
			MaxTokens:     m.MaxTokens,
		})
	}

	if t := c.Policies.Time; t != nil && !t.Disabled {
		rules = append(rules, &policy.TimeRule{
			RuleID:          "time",
			AllowedHours:    t.AllowedHours,
			BlockedWeekdays: parseWeekdays(t.BlockedWeekdays),
		})
	}

	if ct := c.Policies.Content; ct != nil && !ct.Disabled {
		patterns := make([]*regexp.Regexp, 0, len(ct.BlockedPatterns))
		for _, p := range ct.BlockedPatterns {
			patterns = append(patterns, regexp.MustCompile(p))
		}
		rules = append(rules, &policy.ContentRule{
			RuleID:          "content",
			BlockedPatterns: patterns,
			PatternAction:   parseAction(ct.PatternAction, policy.ActionBlock),
			BlockedKeywords: ct.BlockedKeywords,
			KeywordAction:   parseAction(ct.KeywordAction, policy.ActionWarn),
		})
	}

	for _, b := range c.Policies.Budgets {
		if b.Disabled {
			continue
		}
		id := b.ID
		if id == "" {
			id = fmt.Sprintf("budget-%s-%s", b.Scope, b.Window)
		}
		rules = append(rules, &policy.BudgetRule{
			RuleID:   id,
			Scope:    policy.Scope(b.Scope),
			Window:   policy.Window(b.Window),
			LimitUSD: b.LimitUSD,
			Action:   parseAction(b.Action, policy.ActionBlock),
			Spend:    spend,
		})
	}

	return rules
}

// BuildOptions converts the model_options section into registry entries.
func (c *Config) BuildOptions() []registry.ModelOption {
	opts := make([]registry.ModelOption, 0, len(c.Options))
	for _, o := range c.Options {
		caps := make([]llm.Capability, 0, len(o.Capabilities))
		for _, cp := range o.Capabilities {
			caps = append(caps, llm.Capability(cp))
		}
		opts = append(opts, registry.ModelOption{
			Provider:     o.Provider,
			Model:        o.Model,
			Capabilities: caps,
			CostPerCall:  o.CostPerCall,
			Quality:      o.Quality,
			LatencyMs:    o.LatencyMs,
			Weight:       o.Weight,
		})
	}
	return opts
}

// RegistryOptions converts registry tunables into constructor options.
func (c *Config) RegistryOptions() []registry.Option {
	var opts []registry.Option
	r := c.Registry
	if r.HealthAlpha > 0 {
		opts = append(opts, registry.WithHealthAlpha(r.HealthAlpha))
	}
	if r.CooldownThreshold > 0 || r.CooldownResetSeconds > 0 {
		threshold := r.CooldownThreshold
		if threshold <= 0 {
			threshold = registry.DefaultCooldownThreshold
		}
		reset := time.Duration(r.CooldownResetSeconds) * time.Second
		if reset <= 0 {
			reset = registry.DefaultCooldownReset
		}
		opts = append(opts, registry.WithCooldown(threshold, reset))
	}
	if r.SuccessRateFloor > 0 {
		opts = append(opts, registry.WithSuccessRateFloor(r.SuccessRateFloor))
	}
	if r.HealthFloor > 0 {
		opts = append(opts, registry.WithHealthFloor(r.HealthFloor))
	}
	return opts
}

func parseAction(s string, fallback policy.Action) policy.Action {
	switch strings.ToLower(s) {
	case "allow":
		return policy.ActionAllow
	case "warn":
		return policy.ActionWarn
	case "block":
		return policy.ActionBlock
	default:
		return fallback
	}
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseWeekdays(names []string) []time.Weekday {
	days := make([]time.Weekday, 0, len(names))
	for _, n := range names {
		if d, ok := weekdayNames[strings.ToLower(n)]; ok {
			days = append(days, d)
		}
	}
	return days
}
