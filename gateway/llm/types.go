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

// Package llm defines the unified provider abstraction used across all
// model integrations in ModelGate, enabling pluggable provider
// implementations behind a single request/response shape.
package llm

import (
	"fmt"
	"time"
)

// ProviderType identifies the type of model provider.
// Standard types are defined as constants, but custom types can be used
// for third-party or self-hosted providers.
type ProviderType string

// Standard provider types supported out of the box.
const (
	// ProviderTypeOpenAI represents OpenAI's GPT models.
	ProviderTypeOpenAI ProviderType = "openai"

	// ProviderTypeAnthropic represents Anthropic's Claude models.
	ProviderTypeAnthropic ProviderType = "anthropic"

	// ProviderTypeBedrock represents AWS Bedrock managed models.
	ProviderTypeBedrock ProviderType = "bedrock"

	// ProviderTypeCustom represents a custom/third-party provider.
	ProviderTypeCustom ProviderType = "custom"
)

// Message is a single turn in a chat-style request.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`
}

// CompletionRequest encapsulates all parameters for a model completion
// request. This is the unified request type used across all providers.
type CompletionRequest struct {
	// Messages holds the conversation so far, in order.
	Messages []Message `json:"messages,omitempty"`

	// Prompt is a bare input for single-shot requests. When both Prompt
	// and Messages are set, Prompt is appended as a final user turn.
	Prompt string `json:"prompt,omitempty"`

	// SystemPrompt is an optional system message that sets behavior.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// MaxTokens limits the maximum number of tokens in the response.
	// If 0, provider defaults are used.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 = deterministic). Nil leaves
	// the provider default in place.
	Temperature *float64 `json:"temperature,omitempty"`

	// Model overrides the routed model selection.
	Model string `json:"model,omitempty"`

	// StopSequences are strings that cause generation to stop.
	StopSequences []string `json:"stop_sequences,omitempty"`

	// Metadata contains provider-specific options.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// JoinedContent returns the text the admission and analysis layers
// inspect: all message contents plus the bare prompt, newline joined.
func (r *CompletionRequest) JoinedContent() string {
	out := ""
	for _, m := range r.Messages {
		if out != "" {
			out += "\n"
		}
		out += m.Content
	}
	if r.Prompt != "" {
		if out != "" {
			out += "\n"
		}
		out += r.Prompt
	}
	return out
}

// EstimateTokens returns a rough token count for the request content.
// Roughly four characters per token, never below one.
func (r *CompletionRequest) EstimateTokens() int {
	n := len(r.JoinedContent()) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// CompletionResponse contains the normalized result of a model call.
// Provider adapters produce this shape at the dispatch boundary so that
// nothing downstream ever sees a provider wire format.
type CompletionResponse struct {
	// Content is the generated text response.
	Content string `json:"content"`

	// Model is the actual model used (may differ from requested).
	Model string `json:"model"`

	// Provider is the provider instance that served the request.
	Provider string `json:"provider"`

	// Usage contains token usage statistics.
	Usage UsageStats `json:"usage"`

	// Cost is the accounted cost in USD for this call.
	Cost float64 `json:"cost"`

	// Latency is the time taken to generate the response.
	Latency time.Duration `json:"latency"`

	// FinishReason indicates why generation stopped.
	// Common values: "stop", "max_tokens", "content_filter".
	FinishReason string `json:"finish_reason,omitempty"`

	// Metadata contains provider-specific response data.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UsageStats tracks token usage for billing and monitoring.
type UsageStats struct {
	// PromptTokens is the number of tokens in the input.
	PromptTokens int `json:"prompt_tokens"`

	// CompletionTokens is the number of tokens generated.
	CompletionTokens int `json:"completion_tokens"`

	// TotalTokens is the sum of prompt and completion tokens.
	TotalTokens int `json:"total_tokens"`

	// Estimated is true when token counts were derived from content
	// length because the provider did not report usage.
	Estimated bool `json:"estimated,omitempty"`
}

// HealthStatus represents the health state of a provider.
type HealthStatus string

const (
	// HealthStatusHealthy indicates the provider is operational.
	HealthStatusHealthy HealthStatus = "healthy"

	// HealthStatusDegraded indicates the provider is working but with issues.
	HealthStatusDegraded HealthStatus = "degraded"

	// HealthStatusUnhealthy indicates the provider is not operational.
	HealthStatusUnhealthy HealthStatus = "unhealthy"

	// HealthStatusUnknown indicates health status hasn't been checked.
	HealthStatusUnknown HealthStatus = "unknown"
)

// HealthCheckResult contains detailed health check information.
type HealthCheckResult struct {
	// Status is the overall health status.
	Status HealthStatus `json:"status"`

	// Latency is the time taken for the health check.
	Latency time.Duration `json:"latency"`

	// Message provides additional context about the status.
	Message string `json:"message,omitempty"`

	// LastChecked is when the health check was performed.
	LastChecked time.Time `json:"last_checked"`

	// ConsecutiveFailures tracks recent failures for cooldown logic.
	ConsecutiveFailures int `json:"consecutive_failures,omitempty"`
}

// Capability represents a specific feature supported by a model option.
type Capability string

// Standard capabilities that model options may advertise.
const (
	// CapabilityChat indicates support for conversational chat.
	CapabilityChat Capability = "chat"

	// CapabilityCompletion indicates support for text completion.
	CapabilityCompletion Capability = "completion"

	// CapabilityCodeGeneration indicates optimized code generation.
	CapabilityCodeGeneration Capability = "code_generation"

	// CapabilityMath indicates strength at mathematical reasoning.
	CapabilityMath Capability = "math"

	// CapabilityCreative indicates strength at creative writing.
	CapabilityCreative Capability = "creative"

	// CapabilityLongContext indicates support for >32K context windows.
	CapabilityLongContext Capability = "long_context"

	// CapabilityFast marks low-latency small models.
	CapabilityFast Capability = "fast"
)

// CostEstimate provides estimated costs for a request.
type CostEstimate struct {
	// InputCostPer1K is the cost per 1000 input tokens.
	InputCostPer1K float64 `json:"input_cost_per_1k"`

	// OutputCostPer1K is the cost per 1000 output tokens.
	OutputCostPer1K float64 `json:"output_cost_per_1k"`

	// EstimatedInputTokens is the estimated input token count.
	EstimatedInputTokens int `json:"estimated_input_tokens"`

	// EstimatedOutputTokens is the estimated output token count.
	EstimatedOutputTokens int `json:"estimated_output_tokens"`

	// TotalEstimate is the total estimated cost.
	TotalEstimate float64 `json:"total_estimate"`

	// Currency is the currency for costs (default: "USD").
	Currency string `json:"currency"`
}

// ProviderError represents an error from a model provider.
type ProviderError struct {
	// Provider is the name of the provider that returned the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates if the request can be retried elsewhere.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	// ErrCodeRateLimit indicates rate limiting.
	ErrCodeRateLimit = "rate_limit"

	// ErrCodeAuth indicates authentication failure.
	ErrCodeAuth = "authentication_error"

	// ErrCodeInvalidRequest indicates malformed request.
	ErrCodeInvalidRequest = "invalid_request"

	// ErrCodeModelNotFound indicates requested model doesn't exist.
	ErrCodeModelNotFound = "model_not_found"

	// ErrCodeContextLength indicates input exceeds context window.
	ErrCodeContextLength = "context_length_exceeded"

	// ErrCodeContentFilter indicates content was filtered.
	ErrCodeContentFilter = "content_filter"

	// ErrCodeServerError indicates provider server error.
	ErrCodeServerError = "server_error"

	// ErrCodeTimeout indicates request timeout.
	ErrCodeTimeout = "timeout"

	// ErrCodeUnavailable indicates provider is unavailable.
	ErrCodeUnavailable = "unavailable"
)

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

// isRetryableCode determines if an error code is retryable.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}
