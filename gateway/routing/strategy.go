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

package routing

import (
	"fmt"
	"os"
)

// Strategy determines how model options are scored for a request.
type Strategy string

const (
	// StrategyCost prefers the cheapest eligible option.
	StrategyCost Strategy = "cost"

	// StrategyQuality prefers the highest-quality eligible option.
	StrategyQuality Strategy = "quality"

	// StrategySpeed prefers the lowest-latency eligible option.
	StrategySpeed Strategy = "speed"

	// StrategyBalanced weighs cost, quality, speed, and task fit together.
	StrategyBalanced Strategy = "balanced"

	// StrategyFailover prefers the option most likely to succeed,
	// scoring by health and recent error rate alone.
	StrategyFailover Strategy = "failover"
)

// ValidStrategies lists all supported routing strategies.
var ValidStrategies = []Strategy{
	StrategyCost,
	StrategyQuality,
	StrategySpeed,
	StrategyBalanced,
	StrategyFailover,
}

// IsValidStrategy checks if the given strategy is supported.
func IsValidStrategy(s Strategy) bool {
	for _, valid := range ValidStrategies {
		if s == valid {
			return true
		}
	}
	return false
}

// ParseStrategy validates a raw strategy string.
func ParseStrategy(raw string) (Strategy, error) {
	s := Strategy(raw)
	if !IsValidStrategy(s) {
		return "", fmt.Errorf("invalid routing strategy %q (valid: %v)", raw, ValidStrategies)
	}
	return s, nil
}

// StrategyFromEnv reads MODELGATE_ROUTING_STRATEGY, defaulting to balanced.
func StrategyFromEnv() Strategy {
	raw := os.Getenv("MODELGATE_ROUTING_STRATEGY")
	if raw == "" {
		return StrategyBalanced
	}
	s, err := ParseStrategy(raw)
	if err != nil {
		return StrategyBalanced
	}
	return s
}

// BalancedWeights holds the base weights of the balanced strategy.
// User quality and speed preferences shift QualityWeight and SpeedWeight
// at scoring time; the result is renormalized.
type BalancedWeights struct {
	Cost      float64 `json:"cost" yaml:"cost"`
	Quality   float64 `json:"quality" yaml:"quality"`
	Speed     float64 `json:"speed" yaml:"speed"`
	TaskMatch float64 `json:"task_match" yaml:"task_match"`
}

// DefaultBalancedWeights returns the stock balanced weighting.
func DefaultBalancedWeights() BalancedWeights {
	return BalancedWeights{
		Cost:      0.25,
		Quality:   0.35,
		Speed:     0.20,
		TaskMatch: 0.20,
	}
}

// Preferences carry per-request routing preferences from the caller.
type Preferences struct {
	// Strategy overrides the engine default when set.
	Strategy Strategy `json:"strategy,omitempty"`

	// QualityPreference in [0,1] raises the quality weight under balanced.
	QualityPreference float64 `json:"quality_preference,omitempty"`

	// SpeedPreference in [0,1] raises the speed weight under balanced.
	SpeedPreference float64 `json:"speed_preference,omitempty"`

	// BudgetCeiling, when positive, excludes options whose predicted
	// per-call cost exceeds it.
	BudgetCeiling float64 `json:"budget_ceiling,omitempty"`

	// MinQuality, when positive, excludes options whose effective
	// quality on the 0-10 scale falls below it.
	MinQuality float64 `json:"min_quality,omitempty"`
}
