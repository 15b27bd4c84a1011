// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"errors"
	"strings"
	"testing"
)

func TestJoinedContent(t *testing.T) {
	tests := []struct {
		name string
		req  CompletionRequest
		want string
	}{
		{
			name: "prompt only",
			req:  CompletionRequest{Prompt: "hello"},
			want: "hello",
		},
		{
			name: "messages only",
			req: CompletionRequest{Messages: []Message{
				{Role: "user", Content: "first"},
				{Role: "assistant", Content: "second"},
			}},
			want: "first\nsecond",
		},
		{
			name: "messages then prompt",
			req: CompletionRequest{
				Messages: []Message{{Role: "user", Content: "context"}},
				Prompt:   "question",
			},
			want: "context\nquestion",
		},
		{
			name: "empty",
			req:  CompletionRequest{},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.JoinedContent(); got != tt.want {
				t.Errorf("JoinedContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		req  CompletionRequest
		want int
	}{
		{"empty floors at one", CompletionRequest{}, 1},
		{"short floors at one", CompletionRequest{Prompt: "hi"}, 1},
		{"four chars per token", CompletionRequest{Prompt: strings.Repeat("a", 400)}, 100},
		{"rounds down", CompletionRequest{Prompt: strings.Repeat("a", 7)}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.EstimateTokens(); got != tt.want {
				t.Errorf("EstimateTokens() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNewProviderErrorRetryable(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
	}{
		{ErrCodeRateLimit, true},
		{ErrCodeServerError, true},
		{ErrCodeTimeout, true},
		{ErrCodeUnavailable, true},
		{ErrCodeAuth, false},
		{ErrCodeInvalidRequest, false},
		{ErrCodeModelNotFound, false},
		{ErrCodeContextLength, false},
		{ErrCodeContentFilter, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := NewProviderError("test", tt.code, "boom")
			if err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", err.Retryable, tt.retryable)
			}
		})
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{Provider: "openai", Message: "bad model", StatusCode: 404}
	if got := err.Error(); got != "openai error (status 404): bad model" {
		t.Errorf("Error() = %q", got)
	}

	err = &ProviderError{Provider: "openai", Message: "bad model"}
	if got := err.Error(); got != "openai error: bad model" {
		t.Errorf("Error() without status = %q", got)
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &ProviderError{Provider: "openai", Message: "transport", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}
