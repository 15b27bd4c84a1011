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

// Package bedrock adapts AWS Bedrock managed models to the gateway
// provider interface. Requests are signed with AWS Signature V4 via
// the SDK; the request and response bodies differ per model family.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"modelgate/platform/gateway/llm"
)

const (
	// DefaultRegion is used when no region is configured.
	DefaultRegion = "us-east-1"

	// DefaultModel is used when a request does not pin a model.
	DefaultModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

	// DefaultMaxTokens is the default max tokens for completions.
	DefaultMaxTokens = 4096
)

// InvokeAPI is the subset of the Bedrock runtime client used by the
// adapter. Tests substitute a fake.
type InvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider implements llm.Provider for AWS Bedrock.
type Provider struct {
	name   string
	client InvokeAPI
	region string
	model  string
}

// Config contains configuration for the Bedrock provider.
type Config struct {
	Name      string // Optional: instance name (default: "bedrock")
	Region    string // Optional: AWS region (default: us-east-1)
	Model     string // Optional: default model ID
	AccessKey string // Optional: static credentials; IAM role when empty
	SecretKey string
	Client    InvokeAPI // Optional: injected client for tests
}

// New creates a Bedrock provider. Without an injected client, AWS
// configuration is loaded from the environment (IAM role, profile, or
// static credentials from Config).
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Name == "" {
		cfg.Name = "bedrock"
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	client := cfg.Client
	if client == nil {
		cfgOpts := []func(*config.LoadOptions) error{
			config.WithRegion(cfg.Region),
		}
		if cfg.AccessKey != "" && cfg.SecretKey != "" {
			cfgOpts = append(cfgOpts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
			))
		}

		awsCfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", cfg.Region, err)
		}
		client = bedrockruntime.NewFromConfig(awsCfg)
	}

	return &Provider{
		name:   cfg.Name,
		client: client,
		region: cfg.Region,
		model:  cfg.Model,
	}, nil
}

// Factory builds Bedrock providers from gateway configuration.
func Factory(cfg llm.ProviderConfig) (llm.Provider, error) {
	accessKey, _ := cfg.Settings["access_key"].(string)
	secretKey, _ := cfg.Settings["secret_key"].(string)
	return New(context.Background(), Config{
		Name:      cfg.Name,
		Region:    cfg.Region,
		Model:     cfg.Model,
		AccessKey: accessKey,
		SecretKey: secretKey,
	})
}

// Name returns the provider instance name.
func (p *Provider) Name() string {
	return p.name
}

// Type returns the provider type.
func (p *Provider) Type() llm.ProviderType {
	return llm.ProviderTypeBedrock
}

// Capabilities returns the features Bedrock-hosted models support.
func (p *Provider) Capabilities() []llm.Capability {
	return []llm.Capability{
		llm.CapabilityChat,
		llm.CapabilityCompletion,
		llm.CapabilityLongContext,
	}
}

// EstimateCost returns a rough estimate based on Bedrock Claude
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

// Complete invokes the model and normalizes the family-specific
// response body.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}

	requestBody, err := buildRequestBody(req, model)
	if err != nil {
		perr := llm.NewProviderError(p.name, llm.ErrCodeInvalidRequest, err.Error())
		perr.Cause = err
		return nil, perr
	}

	requestJSON, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, p.invokeError(ctx, err)
	}

	resp, err := parseResponseBody(output.Body, model)
	if err != nil {
		perr := llm.NewProviderError(p.name, llm.ErrCodeServerError, err.Error())
		perr.Cause = err
		return nil, perr
	}

	resp.Model = model
	resp.Provider = p.name
	resp.Latency = time.Since(start)
	resp.Metadata = map[string]any{"region": p.region}

	return resp, nil
}

// HealthCheck reports configuration validity. Invoking a model for
// health would bill per check, so connectivity is verified lazily.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	result := &llm.HealthCheckResult{
		LastChecked: time.Now().UTC(),
	}

	if p.region == "" || detectModelFamily(p.model) == "" {
		result.Status = llm.HealthStatusUnhealthy
		result.Message = fmt.Sprintf("invalid configuration: region=%q model=%q", p.region, p.model)
		return result, fmt.Errorf("bedrock provider misconfigured")
	}

	result.Status = llm.HealthStatusHealthy
	return result, nil
}

func (p *Provider) invokeError(ctx context.Context, err error) error {
	code := llm.ErrCodeServerError
	msg := err.Error()
	switch {
	case ctx.Err() != nil:
		code = llm.ErrCodeTimeout
	case strings.Contains(msg, "ThrottlingException"):
		code = llm.ErrCodeRateLimit
	case strings.Contains(msg, "AccessDeniedException") || strings.Contains(msg, "UnrecognizedClientException"):
		code = llm.ErrCodeAuth
	case strings.Contains(msg, "ResourceNotFoundException"):
		code = llm.ErrCodeModelNotFound
	case strings.Contains(msg, "ServiceUnavailableException"):
		code = llm.ErrCodeUnavailable
	case strings.Contains(msg, "ValidationException"):
		code = llm.ErrCodeInvalidRequest
	}

	perr := llm.NewProviderError(p.name, code, msg)
	perr.Cause = err
	return perr
}

// buildRequestBody builds the request body for the model family.
func buildRequestBody(req llm.CompletionRequest, model string) (map[string]any, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	switch detectModelFamily(model) {
	case "anthropic":
		messages := make([]map[string]string, 0, len(req.Messages)+1)
		for _, m := range req.Messages {
			if m.Role == "system" {
				continue
			}
			messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
		}
		if req.Prompt != "" || len(messages) == 0 {
			messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})
		}

		body := map[string]any{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        maxTokens,
			"messages":          messages,
		}
		if req.Temperature != nil {
			body["temperature"] = *req.Temperature
		}
		if req.SystemPrompt != "" {
			body["system"] = req.SystemPrompt
		}
		return body, nil
	case "amazon":
		cfg := map[string]any{
			"maxTokenCount": maxTokens,
			"topP":          0.9,
		}
		if req.Temperature != nil {
			cfg["temperature"] = *req.Temperature
		}
		return map[string]any{
			"inputText":            req.JoinedContent(),
			"textGenerationConfig": cfg,
		}, nil
	case "meta":
		body := map[string]any{
			"prompt":      req.JoinedContent(),
			"max_gen_len": maxTokens,
			"top_p":       0.9,
		}
		if req.Temperature != nil {
			body["temperature"] = *req.Temperature
		}
		return body, nil
	case "mistral":
		body := map[string]any{
			"prompt":      req.JoinedContent(),
			"max_tokens":  maxTokens,
			"top_p":       0.9,
		}
		if req.Temperature != nil {
			body["temperature"] = *req.Temperature
		}
		return body, nil
	default:
		return nil, fmt.Errorf("unsupported model family for %q", model)
	}
}

// parseResponseBody normalizes the family-specific response body.
func parseResponseBody(body []byte, model string) (*llm.CompletionResponse, error) {
	switch detectModelFamily(model) {
	case "anthropic":
		return parseAnthropicResponse(body)
	case "amazon":
		return parseTitanResponse(body)
	case "meta":
		return parseLlamaResponse(body)
	case "mistral":
		return parseMistralResponse(body)
	default:
		return nil, fmt.Errorf("unsupported model family for %q", model)
	}
}

func parseAnthropicResponse(body []byte) (*llm.CompletionResponse, error) {
	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	content := ""
	if len(resp.Content) > 0 {
		content = resp.Content[0].Text
	}

	finish := "stop"
	if resp.StopReason == "max_tokens" {
		finish = "max_tokens"
	}

	return &llm.CompletionResponse{
		Content:      content,
		FinishReason: finish,
		Usage: llm.UsageStats{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func parseTitanResponse(body []byte) (*llm.CompletionResponse, error) {
	var resp struct {
		Results []struct {
			OutputText string `json:"outputText"`
			TokenCount int    `json:"tokenCount"`
		} `json:"results"`
		InputTextTokenCount int `json:"inputTextTokenCount"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	content := ""
	outputTokens := 0
	if len(resp.Results) > 0 {
		content = resp.Results[0].OutputText
		outputTokens = resp.Results[0].TokenCount
	}

	return &llm.CompletionResponse{
		Content: content,
		Usage: llm.UsageStats{
			PromptTokens:     resp.InputTextTokenCount,
			CompletionTokens: outputTokens,
			TotalTokens:      resp.InputTextTokenCount + outputTokens,
		},
	}, nil
}

func parseLlamaResponse(body []byte) (*llm.CompletionResponse, error) {
	var resp struct {
		Generation       string `json:"generation"`
		PromptTokenCount int    `json:"prompt_token_count"`
		GenTokenCount    int    `json:"generation_token_count"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &llm.CompletionResponse{
		Content: resp.Generation,
		Usage: llm.UsageStats{
			PromptTokens:     resp.PromptTokenCount,
			CompletionTokens: resp.GenTokenCount,
			TotalTokens:      resp.PromptTokenCount + resp.GenTokenCount,
		},
	}, nil
}

func parseMistralResponse(body []byte) (*llm.CompletionResponse, error) {
	var resp struct {
		Outputs []struct {
			Text string `json:"text"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	content := ""
	if len(resp.Outputs) > 0 {
		content = resp.Outputs[0].Text
	}

	// Mistral does not report token counts.
	return &llm.CompletionResponse{
		Content: content,
		Usage:   llm.UsageStats{Estimated: true},
	}, nil
}

// inferenceProfilePrefixes are the known Bedrock inference profile
// regional prefixes.
var inferenceProfilePrefixes = []string{"eu", "us", "apac", "global"}

var supportedFamilies = []string{"anthropic", "amazon", "meta", "mistral"}

// detectModelFamily extracts the model family from a Bedrock model ID
// such as "anthropic.claude-3-5-sonnet-20240620-v1:0" or an inference
// profile ID such as "us.anthropic.claude-sonnet-4-5-20250929-v1:0".
func detectModelFamily(modelID string) string {
	segments := strings.Split(modelID, ".")
	if len(segments) < 2 {
		return ""
	}

	first := segments[0]
	for _, prefix := range inferenceProfilePrefixes {
		if first == prefix {
			return validateFamily(segments[1])
		}
	}
	return validateFamily(first)
}

func validateFamily(family string) string {
	for _, supported := range supportedFamilies {
		if family == supported {
			return family
		}
	}
	return ""
}
