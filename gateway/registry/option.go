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

package registry

import (
	"time"

	"modelgate/platform/gateway/llm"
)

// ModelOption describes one routable (provider, model) pair together with
// its static performance priors. Priors are blended with observed history
// by the routing engine.
type ModelOption struct {
	// Provider is the provider instance name.
	Provider string `json:"provider" yaml:"provider"`

	// Model is the model identifier on that provider.
	Model string `json:"model" yaml:"model"`

	// Capabilities advertises what the model is good at.
	Capabilities []llm.Capability `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	// CostPerCall is the expected cost in USD for a typical request.
	CostPerCall float64 `json:"cost_per_call" yaml:"cost_per_call"`

	// Quality is a 0-10 static quality prior.
	Quality float64 `json:"quality" yaml:"quality"`

	// LatencyMs is the expected end-to-end latency in milliseconds.
	LatencyMs float64 `json:"latency_ms" yaml:"latency_ms"`

	// Weight biases selection when scores tie (0 means 1.0).
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// optionState holds the mutable runtime stats for one model option.
// All access goes through the owning shard's lock.
type optionState struct {
	opt ModelOption

	cooldown *cooldown

	// health is an exponentially weighted success score in [0,1].
	health float64

	// Observed performance, exponentially weighted.
	latencyMs   float64
	costPerCall float64

	observedCount int

	// quality is an exponentially weighted average of post-response
	// quality scores (0-10). Zero samples means no observation yet.
	quality      float64
	qualityCount int

	// outcomes is a ring of recent results, true = success.
	outcomes  []bool
	outcomeAt int
}

// OptionSnapshot is an immutable view of a model option used for scoring.
// Snapshots taken from the same registry state are identical, which keeps
// route computation repeatable.
type OptionSnapshot struct {
	Provider     string           `json:"provider"`
	Model        string           `json:"model"`
	Capabilities []llm.Capability `json:"capabilities,omitempty"`

	// Static priors.
	CostPerCall float64 `json:"cost_per_call"`
	Quality     float64 `json:"quality"`
	LatencyMs   float64 `json:"latency_ms"`
	Weight      float64 `json:"weight"`

	// Observed history.
	Health              float64 `json:"health"`
	ObservedLatencyMs   float64 `json:"observed_latency_ms"`
	ObservedCostPerCall float64 `json:"observed_cost_per_call"`
	ObservedCount       int     `json:"observed_count"`
	ErrorRate           float64 `json:"error_rate"`
	ObservedQuality     float64 `json:"observed_quality"`
	QualityCount        int     `json:"quality_count"`

	CooldownState CooldownState `json:"cooldown_state"`
	Eligible      bool          `json:"eligible"`
}

// Key returns the canonical "provider/model" identifier.
func (s OptionSnapshot) Key() string {
	return s.Provider + "/" + s.Model
}

func newOptionState(opt ModelOption, threshold int, resetTimeout time.Duration, window int) *optionState {
	if opt.Weight <= 0 {
		opt.Weight = 1.0
	}
	return &optionState{
		opt:      opt,
		cooldown: newCooldown(threshold, resetTimeout),
		health:   1.0,
		outcomes: make([]bool, 0, window),
	}
}

// record applies one dispatch outcome with EWMA smoothing.
func (s *optionState) record(success bool, latency time.Duration, costUSD float64, alpha float64, now time.Time) {
	target := 0.0
	if success {
		target = 1.0
	}
	s.health = clamp01(s.health + alpha*(target-s.health))

	if success {
		ms := float64(latency.Milliseconds())
		if s.observedCount == 0 {
			s.latencyMs = ms
			s.costPerCall = costUSD
		} else {
			s.latencyMs += alpha * (ms - s.latencyMs)
			s.costPerCall += alpha * (costUSD - s.costPerCall)
		}
		s.cooldown.recordSuccess()
	} else {
		s.cooldown.recordFailure(now)
	}
	s.observedCount++

	if len(s.outcomes) < cap(s.outcomes) {
		s.outcomes = append(s.outcomes, success)
	} else if cap(s.outcomes) > 0 {
		s.outcomes[s.outcomeAt] = success
		s.outcomeAt = (s.outcomeAt + 1) % cap(s.outcomes)
	}
}

// errorRate returns the failure fraction over the recent outcome window.
func (s *optionState) errorRate() float64 {
	if len(s.outcomes) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range s.outcomes {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(s.outcomes))
}

// successRate returns the success fraction over the recent outcome
// window. An empty window reads as fully successful.
func (s *optionState) successRate() float64 {
	if len(s.outcomes) == 0 {
		return 1
	}
	successes := 0
	for _, ok := range s.outcomes {
		if ok {
			successes++
		}
	}
	return float64(successes) / float64(len(s.outcomes))
}

// windowFull reports whether enough outcomes exist to trust the error rate.
func (s *optionState) windowFull() bool {
	return cap(s.outcomes) > 0 && len(s.outcomes) == cap(s.outcomes)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
