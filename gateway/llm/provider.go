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

package llm

import (
	"context"
)

// Provider is the unified interface for all model providers.
// Implementations must be safe for concurrent use.
//
// Minimal implementation requires Name(), Type(), Complete(), and
// HealthCheck(). The remaining methods inform routing and accounting.
type Provider interface {
	// Name returns the unique identifier for this provider instance.
	// This is used for routing, logging, and metrics.
	// Example: "anthropic-primary", "openai-backup"
	Name() string

	// Type returns the provider type (e.g., "openai", "anthropic", "bedrock").
	Type() ProviderType

	// Complete generates a completion for the given request.
	// The context should be used for cancellation and timeout.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// HealthCheck verifies the provider is operational.
	// Implementations should check API connectivity and authentication
	// and complete within a reasonable timeout.
	HealthCheck(ctx context.Context) (*HealthCheckResult, error)

	// Capabilities returns the list of features this provider supports.
	Capabilities() []Capability

	// EstimateCost provides a cost estimate for a given request.
	// Returns nil if cost estimation is not supported.
	EstimateCost(req CompletionRequest) *CostEstimate
}

// ProviderConfig contains configuration for creating or updating a provider.
type ProviderConfig struct {
	// Name is the unique identifier for this provider instance.
	Name string `json:"name" yaml:"name"`

	// Type identifies the provider implementation to use.
	Type ProviderType `json:"type" yaml:"type"`

	// APIKey is the authentication key for the provider API.
	// For AWS Bedrock, this may be empty (uses IAM).
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// APIKeySecretARN is the AWS Secrets Manager ARN for the API key.
	// Used instead of APIKey for production deployments.
	APIKeySecretARN string `json:"api_key_secret_arn,omitempty" yaml:"api_key_secret_arn,omitempty"`

	// Endpoint is the API endpoint URL.
	// If empty, provider defaults are used.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Model is the default model to use.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// Region is the cloud region (for AWS Bedrock).
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// Enabled indicates if this provider is available for routing.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Weight biases routing toward this provider when scores tie.
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`

	// TimeoutSeconds is the request timeout (0 = default).
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// Settings contains provider-specific configuration.
	Settings map[string]any `json:"settings,omitempty" yaml:"settings,omitempty"`
}
