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

// Package openai adapts the OpenAI Chat Completions API to the gateway
// provider interface.
package openai

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
	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default max tokens for completions.
	DefaultMaxTokens = 4096

	// DefaultModel is used when a request does not pin a model.
	DefaultModel = "gpt-4o"
)

// HTTPClient is the subset of http.Client used by the adapter. Tests
// substitute a fake.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider for OpenAI models.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	orgID   string
	model   string
	client  HTTPClient
}

// Config contains configuration for the OpenAI provider.
type Config struct {
	Name       string        // Optional: instance name (default: "openai")
	APIKey     string        // Required: OpenAI API key
	BaseURL    string        // Optional: API base URL
	OrgID      string        // Optional: organization header
	Model      string        // Optional: default model
	Timeout    time.Duration // Optional: HTTP timeout
	HTTPClient HTTPClient    // Optional: injected client for tests
}

// New creates an OpenAI provider instance.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
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
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		orgID:   cfg.OrgID,
		model:   cfg.Model,
		client:  cfg.HTTPClient,
	}, nil
}

// Factory builds OpenAI providers from gateway configuration.
func Factory(cfg llm.ProviderConfig) (llm.Provider, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	orgID := ""
	if v, ok := cfg.Settings["org_id"].(string); ok {
		orgID = v
	}
	return New(Config{
		Name:    cfg.Name,
		APIKey:  cfg.APIKey,
		BaseURL: cfg.Endpoint,
		OrgID:   orgID,
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
	return llm.ProviderTypeOpenAI
}

// Capabilities returns the features OpenAI models support.
func (p *Provider) Capabilities() []llm.Capability {
	return []llm.Capability{
		llm.CapabilityChat,
		llm.CapabilityCompletion,
		llm.CapabilityCodeGeneration,
		llm.CapabilityMath,
		llm.CapabilityLongContext,
	}
}

// EstimateCost returns a rough estimate based on GPT-4o pricing.
// Authoritative accounting happens in the cost package.
func (p *Provider) EstimateCost(req llm.CompletionRequest) *llm.CostEstimate {
	inputTokens := req.EstimateTokens()
	outputTokens := req.MaxTokens
	if outputTokens <= 0 {
		outputTokens = DefaultMaxTokens
	}

	const inPer1K, outPer1K = 0.005, 0.015
	return &llm.CostEstimate{
		InputCostPer1K:        inPer1K,
		OutputCostPer1K:       outPer1K,
		EstimatedInputTokens:  inputTokens,
		EstimatedOutputTokens: outputTokens,
		TotalEstimate:         float64(inputTokens)/1000*inPer1K + float64(outputTokens)/1000*outPer1K,
		Currency:              "USD",
	}
}

// Complete sends a Chat Completions request and normalizes the
// response from choices[0].
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

	apiReq := chatRequest{
		Model:       model,
		Messages:    buildMessages(req),
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	if len(req.StopSequences) > 0 {
		apiReq.Stop = req.StopSequences
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewBuffer(reqBody))
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

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(apiResp.Choices) == 0 {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeServerError, "response contained no choices")
	}
	choice := apiResp.Choices[0]

	return &llm.CompletionResponse{
		Content:      choice.Message.Content,
		Model:        apiResp.Model,
		Provider:     p.name,
		FinishReason: normalizeFinishReason(choice.FinishReason),
		Usage: llm.UsageStats{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// HealthCheck lists models to verify connectivity and authentication.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

	result := &llm.HealthCheckResult{LastChecked: time.Now().UTC()}

	resp, err := p.client.Do(httpReq)
	result.Latency = time.Since(start)
	if err != nil {
		result.Status = llm.HealthStatusUnhealthy
		result.Message = err.Error()
		return result, p.transportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		apiErr := p.parseAPIError(resp.StatusCode, body)
		result.Status = llm.HealthStatusUnhealthy
		result.Message = apiErr.Error()
		return result, apiErr
	}

	result.Status = llm.HealthStatusHealthy
	return result, nil
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.orgID != "" {
		req.Header.Set("OpenAI-Organization", p.orgID)
	}
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

// parseAPIError maps an OpenAI error body to a ProviderError.
func (p *Provider) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	message := string(body)
	apiCode := ""
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		apiCode = errResp.Error.Code
	}

	perr := llm.NewProviderError(p.name, codeForStatus(statusCode, apiCode), message)
	perr.StatusCode = statusCode
	return perr
}

func codeForStatus(statusCode int, apiCode string) string {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return llm.ErrCodeRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return llm.ErrCodeAuth
	case apiCode == "model_not_found" || statusCode == http.StatusNotFound:
		return llm.ErrCodeModelNotFound
	case apiCode == "context_length_exceeded":
		return llm.ErrCodeContextLength
	case statusCode == http.StatusServiceUnavailable:
		return llm.ErrCodeUnavailable
	case statusCode >= 500:
		return llm.ErrCodeServerError
	case statusCode == http.StatusBadRequest:
		return llm.ErrCodeInvalidRequest
	default:
		return llm.ErrCodeServerError
	}
}

// buildMessages converts the unified request into chat turns. The
// system prompt leads, a bare Prompt becomes a final user turn.
func buildMessages(req llm.CompletionRequest) []wireMessage {
	msgs := make([]wireMessage, 0, len(req.Messages)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage{Role: m.Role, Content: m.Content})
	}
	if req.Prompt != "" || len(msgs) == 0 {
		msgs = append(msgs, wireMessage{Role: "user", Content: req.Prompt})
	}
	return msgs
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "stop"
	case "length":
		return "max_tokens"
	case "content_filter":
		return "content_filter"
	default:
		return reason
	}
}

// Wire types for the Chat Completions API.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
