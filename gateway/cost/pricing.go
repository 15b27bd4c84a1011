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

// Package cost holds per-model pricing tables and the cost arithmetic
// used by dispatch accounting and budget admission checks.
package cost

import (
	"encoding/json"
	"math"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ModelPricing contains pricing per 1K tokens for a model
type ModelPricing struct {
	InputPer1K  float64 `json:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" yaml:"output_per_1k"`
}

// PricingConfig holds pricing information for all providers and models
type PricingConfig struct {
	Providers map[string]map[string]ModelPricing `json:"providers" yaml:"providers"`
	mu        sync.RWMutex
}

// DefaultPricing contains default pricing for common model providers.
// Prices are per 1K tokens in USD.
var DefaultPricing = &PricingConfig{
	Providers: map[string]map[string]ModelPricing{
		"anthropic": {
			"claude-3-5-sonnet":          {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-3-5-haiku":           {InputPer1K: 0.0008, OutputPer1K: 0.004},
			"claude-3-opus":              {InputPer1K: 0.015, OutputPer1K: 0.075},
			"claude-3-sonnet":            {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-3-haiku":             {InputPer1K: 0.00025, OutputPer1K: 0.00125},
			// Default for unknown Anthropic models
			"*": {InputPer1K: 0.003, OutputPer1K: 0.015},
		},
		"openai": {
			"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
			"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
			"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
			"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
			// Default for unknown OpenAI models
			"*": {InputPer1K: 0.01, OutputPer1K: 0.03},
		},
		"bedrock": {
			"anthropic.claude-3-opus-20240229-v1:0":      {InputPer1K: 0.015, OutputPer1K: 0.075},
			"anthropic.claude-3-sonnet-20240229-v1:0":    {InputPer1K: 0.003, OutputPer1K: 0.015},
			"anthropic.claude-3-haiku-20240307-v1:0":     {InputPer1K: 0.00025, OutputPer1K: 0.00125},
			"anthropic.claude-3-5-sonnet-20241022-v2:0":  {InputPer1K: 0.003, OutputPer1K: 0.015},
			"amazon.titan-text-express-v1":               {InputPer1K: 0.0002, OutputPer1K: 0.0006},
			"meta.llama3-70b-instruct-v1:0":              {InputPer1K: 0.00265, OutputPer1K: 0.0035},
			"*":                                          {InputPer1K: 0.003, OutputPer1K: 0.015},
		},
		"local": {
			// Self-hosted = free (compute cost not tracked here)
			"*": {InputPer1K: 0, OutputPer1K: 0},
		},
	},
}

// NewPricingConfig creates a new pricing configuration with defaults
func NewPricingConfig() *PricingConfig {
	return &PricingConfig{
		Providers: copyProviders(DefaultPricing.Providers),
	}
}

// LoadPricingFromEnv loads custom pricing from MODELGATE_PRICING_CONFIG.
// The value is a JSON object merged over the defaults.
func LoadPricingFromEnv() *PricingConfig {
	config := NewPricingConfig()

	pricingJSON := os.Getenv("MODELGATE_PRICING_CONFIG")
	if pricingJSON != "" {
		var custom PricingConfig
		if err := json.Unmarshal([]byte(pricingJSON), &custom); err == nil {
			config.merge(&custom)
		}
	}

	return config
}

// LoadPricingFromFile loads pricing from a YAML file and merges it over
// the defaults.
func LoadPricingFromFile(path string) (*PricingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := NewPricingConfig()
	var custom PricingConfig
	if err := yaml.Unmarshal(data, &custom); err != nil {
		return nil, err
	}
	config.merge(&custom)

	return config, nil
}

func (p *PricingConfig) merge(custom *PricingConfig) {
	for provider, models := range custom.Providers {
		if p.Providers[provider] == nil {
			p.Providers[provider] = make(map[string]ModelPricing)
		}
		for model, pricing := range models {
			p.Providers[provider][model] = pricing
		}
	}
}

// CalculateCost calculates the cost in USD for a call, rounded to six
// decimal places.
func (p *PricingConfig) CalculateCost(provider, model string, tokensIn, tokensOut int) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	provider = strings.ToLower(provider)

	providerPricing, ok := p.Providers[provider]
	if !ok {
		return 0
	}

	// Exact match, then normalized, then wildcard
	modelPricing, ok := providerPricing[model]
	if !ok {
		modelPricing, ok = providerPricing[strings.ToLower(model)]
		if !ok {
			modelPricing, ok = providerPricing["*"]
			if !ok {
				return 0
			}
		}
	}

	inputCost := float64(tokensIn) / 1000.0 * modelPricing.InputPer1K
	outputCost := float64(tokensOut) / 1000.0 * modelPricing.OutputPer1K

	return Round(inputCost + outputCost)
}

// Round rounds a cost to six decimal places.
func Round(cost float64) float64 {
	return math.Round(cost*1e6) / 1e6
}

// GetModelPricing returns pricing for a specific model
func (p *PricingConfig) GetModelPricing(provider, model string) (ModelPricing, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	provider = strings.ToLower(provider)

	providerPricing, ok := p.Providers[provider]
	if !ok {
		return ModelPricing{}, false
	}

	pricing, ok := providerPricing[model]
	if !ok {
		pricing, ok = providerPricing["*"]
	}

	return pricing, ok
}

// SetModelPricing sets pricing for a specific model
func (p *PricingConfig) SetModelPricing(provider, model string, pricing ModelPricing) {
	p.mu.Lock()
	defer p.mu.Unlock()

	provider = strings.ToLower(provider)

	if p.Providers[provider] == nil {
		p.Providers[provider] = make(map[string]ModelPricing)
	}
	p.Providers[provider][model] = pricing
}

// ListProviders returns all configured providers
func (p *PricingConfig) ListProviders() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	providers := make([]string, 0, len(p.Providers))
	for provider := range p.Providers {
		providers = append(providers, provider)
	}
	return providers
}

// ListModels returns all configured models for a provider
func (p *PricingConfig) ListModels(provider string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	provider = strings.ToLower(provider)

	providerPricing, ok := p.Providers[provider]
	if !ok {
		return nil
	}

	models := make([]string, 0, len(providerPricing))
	for model := range providerPricing {
		if model != "*" {
			models = append(models, model)
		}
	}
	return models
}

// EstimateCost estimates cost for a request before execution
func (p *PricingConfig) EstimateCost(provider, model string, estimatedTokensIn, estimatedTokensOut int) float64 {
	return p.CalculateCost(provider, model, estimatedTokensIn, estimatedTokensOut)
}

func copyProviders(src map[string]map[string]ModelPricing) map[string]map[string]ModelPricing {
	dst := make(map[string]map[string]ModelPricing)
	for provider, models := range src {
		dst[provider] = make(map[string]ModelPricing)
		for model, pricing := range models {
			dst[provider][model] = pricing
		}
	}
	return dst
}
