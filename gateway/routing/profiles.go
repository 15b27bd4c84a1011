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

import "modelgate/platform/gateway/llm"

// ModelProfile holds the static priors for a known model.
type ModelProfile struct {
	// CostPerCall is the expected USD cost of a typical request.
	CostPerCall float64

	// Quality is a 0-10 quality prior.
	Quality float64

	// LatencyMs is the expected end-to-end latency.
	LatencyMs float64

	// Capabilities the model is known for.
	Capabilities []llm.Capability
}

// DefaultModelProfiles holds priors for well-known models. Entries are
// used to seed registry options when the operator config does not set
// explicit values.
var DefaultModelProfiles = map[string]ModelProfile{
	"gpt-4": {
		CostPerCall: 0.045, Quality: 9.0, LatencyMs: 3500,
		Capabilities: []llm.Capability{llm.CapabilityChat, llm.CapabilityCodeGeneration, llm.CapabilityMath, llm.CapabilityLongContext},
	},
	"gpt-4-turbo": {
		CostPerCall: 0.02, Quality: 8.8, LatencyMs: 2500,
		Capabilities: []llm.Capability{llm.CapabilityChat, llm.CapabilityCodeGeneration, llm.CapabilityLongContext},
	},
	"gpt-4o": {
		CostPerCall: 0.0125, Quality: 8.7, LatencyMs: 1800,
		Capabilities: []llm.Capability{llm.CapabilityChat, llm.CapabilityCodeGeneration, llm.CapabilityCreative, llm.CapabilityLongContext},
	},
	"gpt-4o-mini": {
		CostPerCall: 0.00075, Quality: 7.5, LatencyMs: 1000,
		Capabilities: []llm.Capability{llm.CapabilityChat, llm.CapabilityFast},
	},
	"gpt-3.5-turbo": {
		CostPerCall: 0.002, Quality: 7.0, LatencyMs: 800,
		Capabilities: []llm.Capability{llm.CapabilityChat, llm.CapabilityFast},
	},
	"claude-3-opus": {
		CostPerCall: 0.045, Quality: 9.2, LatencyMs: 4000,
		Capabilities: []llm.Capability{llm.CapabilityChat, llm.CapabilityCodeGeneration, llm.CapabilityMath, llm.CapabilityCreative, llm.CapabilityLongContext},
	},
	"claude-3-5-sonnet": {
		CostPerCall: 0.018, Quality: 9.0, LatencyMs: 2200,
		Capabilities: []llm.Capability{llm.CapabilityChat, llm.CapabilityCodeGeneration, llm.CapabilityCreative, llm.CapabilityLongContext},
	},
	"claude-3-sonnet": {
		CostPerCall: 0.018, Quality: 8.5, LatencyMs: 2000,
		Capabilities: []llm.Capability{llm.CapabilityChat, llm.CapabilityCodeGeneration, llm.CapabilityLongContext},
	},
	"claude-3-haiku": {
		CostPerCall: 0.0015, Quality: 7.2, LatencyMs: 600,
		Capabilities: []llm.Capability{llm.CapabilityChat, llm.CapabilityFast},
	},
	"claude-3-5-haiku": {
		CostPerCall: 0.005, Quality: 7.8, LatencyMs: 700,
		Capabilities: []llm.Capability{llm.CapabilityChat, llm.CapabilityFast},
	},
}

// modelEquivalents maps a model to close substitutes on other providers,
// best first. Used to widen the failover chain when the caller pinned a
// model.
var modelEquivalents = map[string][]string{
	"gpt-4":             {"claude-3-sonnet", "claude-3-opus"},
	"gpt-4-turbo":       {"claude-3-5-sonnet"},
	"gpt-4o":            {"claude-3-5-sonnet"},
	"gpt-4o-mini":       {"claude-3-5-haiku", "claude-3-haiku"},
	"gpt-3.5-turbo":     {"claude-3-haiku"},
	"claude-3-opus":     {"gpt-4"},
	"claude-3-5-sonnet": {"gpt-4o", "gpt-4-turbo"},
	"claude-3-sonnet":   {"gpt-4"},
	"claude-3-5-haiku":  {"gpt-4o-mini"},
	"claude-3-haiku":    {"gpt-3.5-turbo"},
}

// EquivalentModels returns acceptable substitute models for the given
// model, best first. The model itself is not included.
func EquivalentModels(model string) []string {
	return append([]string(nil), modelEquivalents[model]...)
}
