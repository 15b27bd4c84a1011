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

// Package anthropic adapts the Anthropic Messages API to the gateway
// provider interface. Responses are normalized at this boundary so
// nothing downstream sees the Anthropic wire format.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"modelgate/platform/gateway/llm"
)

const (
	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the Anthropic API version.
	DefaultAPIVersion = "2023-06-01"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default max tokens for completions.
	DefaultMaxTokens = 4096

	// DefaultModel is used when a request does not pin a model.
	DefaultModel = "claude-3-5-sonnet-20241022"
)

// HTTPClient is the subset of http.Client used by the adapter. Tests
// substitute a fake.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider for Anthropic Claude models.
type Provider struct {
	name       string
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	client     HTTPClient
}

// Config contains configuration for the Anthropic provider.
type Config struct {
	Name       string        // Optional: instance name (default: "anthropic")
	APIKey     string        // Required: Anthropic API key
	BaseURL    string        // Optional: API base URL
	APIVersion string        // Optional: API version
	Model      string        // Optional: default model
	Timeout    time.Duration // Optional: HTTP timeout
	HTTPClient HTTPClient    // Optional: injected client for tests
}

// New creates an Anthropic provider instance.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Provider{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		model:      cfg.Model,
		client:     cfg.HTTPClient,
	}, nil
}

// Factory builds Anthropic providers from gateway configuration.
func Factory(cfg llm.ProviderConfig) (llm.Provider, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	return New(Config{
		Name:    cfg.Name,
		APIKey:  cfg.APIKey,
		BaseURL: cfg.Endpoint,
		Model:   cfg.Model,
		Timeout: timeout,
	})
}

// Name returns the provider instance name.
func (p *Provider) Name() string {
	return p.name
}

// Type returns the provider type.
func (p *Provider) Type() llm.ProviderType {
	return llm.ProviderTypeAnthropic
}

// Capabilities returns the features Claude models support.
func (p *Provider) Capabilities() []llm.Capability {
	return []llm.Capability{
		llm.CapabilityChat,
		llm.CapabilityCompletion,
		llm.CapabilityCodeGeneration,
		llm.CapabilityCreative,
		llm.CapabilityLongContext,
	}
}

// EstimateCost returns a rough estimate based on Claude 3.5 Sonnet
// pricing. Authoritative accounting happens in the cost package.
func (p *Provider) EstimateCost(req llm.CompletionRequest) *llm.CostEstimate {
	inputTokens := req.EstimateTokens()
	outputTokens := req.MaxTokens
	if outputTokens <= 0 {
		outputTokens = DefaultMaxTokens
	}

	const inPer1K, outPer1K = 0.003, 0.015
	return &llm.CostEstimate{
		InputCostPer1K:        inPer1K,
		OutputCostPer1K:       outPer1K,
		EstimatedInputTokens:  inputTokens,
		EstimatedOutputTokens: outputTokens,
		TotalEstimate:         float64(inputTokens)/1000*inPer1K + float64(outputTokens)/1000*outPer1K,
		Currency:              "USD",
	}
}

// Complete sends a Messages API request and normalizes the response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	apiReq := messagesRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  buildMessages(req),
	}

	// 0.0 is a valid deterministic setting; nil means unset.
	if req.Temperature != nil {
		t := *req.Temperature
		apiReq.Temperature = &t
	}
	if req.SystemPrompt != "" {
		apiReq.System = req.SystemPrompt
	}
	if len(req.StopSequences) > 0 {
		apiReq.StopSequences = req.StopSequences
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, p.parseAPIError(resp.StatusCode, body)
	}

	var apiResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var contentBuilder strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			contentBuilder.WriteString(block.Text)
		}
	}

	return &llm.CompletionResponse{
		Content:      contentBuilder.String(),
		Model:        apiResp.Model,
		Provider:     p.name,
		FinishReason: normalizeStopReason(apiResp.StopReason),
		Usage: llm.UsageStats{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// HealthCheck issues a minimal completion to verify connectivity and
// authentication.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	start := time.Now()

	_, err := p.Complete(ctx, llm.CompletionRequest{
		Prompt:    "ping",
		MaxTokens: 1,
	})

	result := &llm.HealthCheckResult{
		Latency:     time.Since(start),
		LastChecked: time.Now().UTC(),
	}

	if err != nil {
		result.Status = llm.HealthStatusUnhealthy
		result.Message = err.Error()
		return result, err
	}

	result.Status = llm.HealthStatusHealthy
	return result, nil
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.apiVersion)
}

func (p *Provider) transportError(ctx context.Context, err error) error {
	code := llm.ErrCodeUnavailable
	if ctx.Err() != nil {
		code = llm.ErrCodeTimeout
	}
	perr := llm.NewProviderError(p.name, code, err.Error())
	perr.Cause = err
	return perr
}

// parseAPIError maps an Anthropic error body to a ProviderError.
func (p *Provider) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := string(body)
	apiType := ""
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		apiType = errResp.Error.Type
	}

	perr := llm.NewProviderError(p.name, codeForStatus(statusCode, apiType), message)
	perr.StatusCode = statusCode
	return perr
}

func codeForStatus(statusCode int, apiType string) string {
	switch {
	case statusCode == http.StatusTooManyRequests || apiType == "rate_limit_error":
		return llm.ErrCodeRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden || apiType == "authentication_error":
		return llm.ErrCodeAuth
	case apiType == "not_found_error" || statusCode == http.StatusNotFound:
		return llm.ErrCodeModelNotFound
	case statusCode == http.StatusServiceUnavailable || apiType == "overloaded_error":
		return llm.ErrCodeUnavailable
	case statusCode >= 500:
		return llm.ErrCodeServerError
	case statusCode == http.StatusBadRequest:
		return llm.ErrCodeInvalidRequest
	default:
		return llm.ErrCodeServerError
	}
}

// buildMessages converts the unified request into Anthropic message
// turns. A bare Prompt becomes a final user turn.
func buildMessages(req llm.CompletionRequest) []wireMessage {
	msgs := make([]wireMessage, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		if m.Role == "system" {
			// System turns travel in the dedicated field.
			continue
		}
		msgs = append(msgs, wireMessage{Role: m.Role, Content: m.Content})
	}
	if req.Prompt != "" || len(msgs) == 0 {
		msgs = append(msgs, wireMessage{Role: "user", Content: req.Prompt})
	}
	return msgs
}

func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "max_tokens"
	default:
		return reason
	}
}

// Wire types for the Messages API.

type messagesRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens"`
	System        string        `json:"system,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Role       string `json:"role"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
