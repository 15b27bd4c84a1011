// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"modelgate/platform/gateway/llm"
)

type stubProvider struct {
	name       string
	completeFn func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

func (p *stubProvider) Name() string           { return p.name }
func (p *stubProvider) Type() llm.ProviderType { return llm.ProviderTypeCustom }

func (p *stubProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.completeFn != nil {
		return p.completeFn(ctx, req)
	}
	return &llm.CompletionResponse{Content: "ok", Provider: p.name}, nil
}

func (p *stubProvider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	return &llm.HealthCheckResult{Status: llm.HealthStatusHealthy}, nil
}

func (p *stubProvider) Capabilities() []llm.Capability {
	return []llm.Capability{llm.CapabilityChat}
}

func (p *stubProvider) EstimateCost(req llm.CompletionRequest) *llm.CostEstimate {
	return &llm.CostEstimate{Currency: "USD"}
}

type stubResolver struct {
	secrets map[string]map[string]string
	err     error
	calls   int
}

func (r *stubResolver) GetSecret(ctx context.Context, ref string) (map[string]string, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.secrets[ref], nil
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name     string
		config   *llm.ProviderConfig
		wantCode string
	}{
		{
			name:     "nil config",
			config:   nil,
			wantCode: ErrInvalidConfig,
		},
		{
			name:     "missing name",
			config:   &llm.ProviderConfig{Type: llm.ProviderTypeOpenAI},
			wantCode: ErrInvalidConfig,
		},
		{
			name:     "missing type",
			config:   &llm.ProviderConfig{Name: "primary"},
			wantCode: ErrInvalidConfig,
		},
		{
			name:   "valid",
			config: &llm.ProviderConfig{Name: "primary", Type: llm.ProviderTypeOpenAI},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			err := r.Register(context.Background(), tt.config)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Register() error = %v, want nil", err)
				}
				return
			}
			var regErr *Error
			if !errors.As(err, &regErr) {
				t.Fatalf("Register() error = %v, want *Error", err)
			}
			if regErr.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", regErr.Code, tt.wantCode)
			}
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	cfg := &llm.ProviderConfig{Name: "primary", Type: llm.ProviderTypeAnthropic}

	if err := r.Register(context.Background(), cfg); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	err := r.Register(context.Background(), cfg)
	var regErr *Error
	if !errors.As(err, &regErr) || regErr.Code != ErrDuplicate {
		t.Fatalf("second Register() error = %v, want duplicate", err)
	}
}

func TestGetNotFound(t *testing.T) {
	r := New()
	_, err := r.Get(context.Background(), "missing")
	var regErr *Error
	if !errors.As(err, &regErr) || regErr.Code != ErrNotFound {
		t.Fatalf("Get() error = %v, want not found", err)
	}
}

func TestGetLazyInstantiation(t *testing.T) {
	r := New()
	created := 0
	r.RegisterFactory(llm.ProviderTypeCustom, func(cfg llm.ProviderConfig) (llm.Provider, error) {
		created++
		return &stubProvider{name: cfg.Name}, nil
	})
	if err := r.Register(context.Background(), &llm.ProviderConfig{Name: "local", Type: llm.ProviderTypeCustom}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	p1, err := r.Get(context.Background(), "local")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	p2, err := r.Get(context.Background(), "local")
	if err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
	if p1 != p2 {
		t.Error("Get() returned distinct instances, want cached provider")
	}
	if created != 1 {
		t.Errorf("factory invoked %d times, want 1", created)
	}
}

func TestGetNoFactory(t *testing.T) {
	r := New()
	if err := r.Register(context.Background(), &llm.ProviderConfig{Name: "orphan", Type: llm.ProviderTypeCustom}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	_, err := r.Get(context.Background(), "orphan")
	var regErr *Error
	if !errors.As(err, &regErr) || regErr.Code != ErrCreationFailed {
		t.Fatalf("Get() error = %v, want creation failed", err)
	}
}

func TestGetResolvesSecret(t *testing.T) {
	resolver := &stubResolver{secrets: map[string]map[string]string{
		"arn:aws:secretsmanager:us-east-1:123:secret:llm": {"api_key": "sk-resolved"},
	}}
	r := New(WithSecretResolver(resolver))

	var gotKey string
	r.RegisterFactory(llm.ProviderTypeAnthropic, func(cfg llm.ProviderConfig) (llm.Provider, error) {
		gotKey = cfg.APIKey
		return &stubProvider{name: cfg.Name}, nil
	})
	err := r.Register(context.Background(), &llm.ProviderConfig{
		Name:            "claude",
		Type:            llm.ProviderTypeAnthropic,
		APIKeySecretARN: "arn:aws:secretsmanager:us-east-1:123:secret:llm",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := r.Get(context.Background(), "claude"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotKey != "sk-resolved" {
		t.Errorf("factory received APIKey %q, want %q", gotKey, "sk-resolved")
	}
	if resolver.calls != 1 {
		t.Errorf("resolver called %d times, want 1", resolver.calls)
	}
}

func TestGetSecretResolutionFailure(t *testing.T) {
	resolver := &stubResolver{err: errors.New("access denied")}
	r := New(WithSecretResolver(resolver))
	r.RegisterFactory(llm.ProviderTypeOpenAI, func(cfg llm.ProviderConfig) (llm.Provider, error) {
		t.Fatal("factory should not be invoked when resolution fails")
		return nil, nil
	})
	err := r.Register(context.Background(), &llm.ProviderConfig{
		Name:            "gpt",
		Type:            llm.ProviderTypeOpenAI,
		APIKeySecretARN: "arn:broken",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	_, err = r.Get(context.Background(), "gpt")
	var regErr *Error
	if !errors.As(err, &regErr) || regErr.Code != ErrCreationFailed {
		t.Fatalf("Get() error = %v, want creation failed", err)
	}
}

func TestRegisterProviderAndList(t *testing.T) {
	r := New()
	if err := r.RegisterProvider("beta", &stubProvider{name: "beta"}, nil); err != nil {
		t.Fatalf("RegisterProvider() error = %v", err)
	}
	if err := r.Register(context.Background(), &llm.ProviderConfig{Name: "alpha", Type: llm.ProviderTypeCustom}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got := r.List()
	want := []string{"alpha", "beta"}
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if !r.Has("alpha") || !r.Has("beta") {
		t.Error("Has() should report both providers")
	}
	if r.Has("gamma") {
		t.Error("Has(gamma) = true, want false")
	}
}

func TestAddOptionDuplicate(t *testing.T) {
	r := New()
	opt := ModelOption{Provider: "anthropic", Model: "claude-3-haiku"}
	if err := r.AddOption(opt); err != nil {
		t.Fatalf("AddOption() error = %v", err)
	}
	err := r.AddOption(opt)
	var regErr *Error
	if !errors.As(err, &regErr) || regErr.Code != ErrDuplicate {
		t.Fatalf("duplicate AddOption() error = %v, want duplicate", err)
	}
}

func TestAddOptionRequiresProviderAndModel(t *testing.T) {
	r := New()
	if err := r.AddOption(ModelOption{Model: "claude-3-haiku"}); err == nil {
		t.Error("AddOption() without provider should fail")
	}
	if err := r.AddOption(ModelOption{Provider: "anthropic"}); err == nil {
		t.Error("AddOption() without model should fail")
	}
}

func TestRemoveOption(t *testing.T) {
	r := New()
	if err := r.AddOption(ModelOption{Provider: "openai", Model: "gpt-4o"}); err != nil {
		t.Fatalf("AddOption() error = %v", err)
	}
	if err := r.RemoveOption("openai", "gpt-4o"); err != nil {
		t.Fatalf("RemoveOption() error = %v", err)
	}
	if err := r.RemoveOption("openai", "gpt-4o"); err == nil {
		t.Error("second RemoveOption() should fail")
	}
	if got := len(r.Snapshot()); got != 0 {
		t.Errorf("Snapshot() has %d options after removal, want 0", got)
	}
}

func TestSetWeight(t *testing.T) {
	r := New()
	if err := r.AddOption(ModelOption{Provider: "openai", Model: "gpt-4o"}); err != nil {
		t.Fatalf("AddOption() error = %v", err)
	}

	if err := r.SetWeight("openai", "gpt-4o", 2.5); err != nil {
		t.Fatalf("SetWeight() error = %v", err)
	}
	if got := r.Snapshot()[0].Weight; got != 2.5 {
		t.Errorf("Weight = %v, want 2.5", got)
	}

	if err := r.SetWeight("openai", "gpt-4o", 0); err == nil {
		t.Error("SetWeight(0) should fail")
	}
	var regErr *Error
	err := r.SetWeight("openai", "gpt-5", 1.0)
	if !errors.As(err, &regErr) || regErr.Code != ErrNotFound {
		t.Fatalf("SetWeight() unknown model error = %v, want not found", err)
	}
}

func TestSnapshotSortedAndDefaults(t *testing.T) {
	r := New()
	opts := []ModelOption{
		{Provider: "openai", Model: "gpt-4o", Quality: 9.0},
		{Provider: "anthropic", Model: "claude-3-sonnet", Quality: 8.5},
		{Provider: "anthropic", Model: "claude-3-haiku", Quality: 7.0},
	}
	for _, opt := range opts {
		if err := r.AddOption(opt); err != nil {
			t.Fatalf("AddOption(%s/%s) error = %v", opt.Provider, opt.Model, err)
		}
	}

	snaps := r.Snapshot()
	wantOrder := []string{
		"anthropic/claude-3-haiku",
		"anthropic/claude-3-sonnet",
		"openai/gpt-4o",
	}
	if len(snaps) != len(wantOrder) {
		t.Fatalf("Snapshot() returned %d options, want %d", len(snaps), len(wantOrder))
	}
	for i, snap := range snaps {
		if snap.Key() != wantOrder[i] {
			t.Errorf("Snapshot()[%d] = %s, want %s", i, snap.Key(), wantOrder[i])
		}
		if snap.Health != 1.0 {
			t.Errorf("%s initial health = %v, want 1.0", snap.Key(), snap.Health)
		}
		if snap.Weight != 1.0 {
			t.Errorf("%s default weight = %v, want 1.0", snap.Key(), snap.Weight)
		}
		if !snap.Eligible {
			t.Errorf("%s should start eligible", snap.Key())
		}
		if snap.CooldownState != CooldownClosed {
			t.Errorf("%s cooldown = %v, want closed", snap.Key(), snap.CooldownState)
		}
	}
}

func TestMarkOutcomeHealthSmoothing(t *testing.T) {
	r := New(WithHealthAlpha(0.5))
	if err := r.AddOption(ModelOption{Provider: "openai", Model: "gpt-4o"}); err != nil {
		t.Fatalf("AddOption() error = %v", err)
	}

	// First outcome seeds the observed stats directly.
	r.MarkOutcome("openai", "gpt-4o", true, 200*time.Millisecond, 0.002)
	snap := r.Snapshot()[0]
	if snap.Health != 1.0 {
		t.Errorf("health after success = %v, want 1.0", snap.Health)
	}
	if snap.ObservedLatencyMs != 200 {
		t.Errorf("seeded latency = %v, want 200", snap.ObservedLatencyMs)
	}
	if snap.ObservedCostPerCall != 0.002 {
		t.Errorf("seeded cost = %v, want 0.002", snap.ObservedCostPerCall)
	}

	r.MarkOutcome("openai", "gpt-4o", false, 100*time.Millisecond, 0)
	snap = r.Snapshot()[0]
	if snap.Health != 0.5 {
		t.Errorf("health after failure = %v, want 0.5", snap.Health)
	}
	if snap.ObservedLatencyMs != 200 {
		t.Errorf("latency after failure = %v, want 200 (failures do not feed performance)", snap.ObservedLatencyMs)
	}

	r.MarkOutcome("openai", "gpt-4o", true, 400*time.Millisecond, 0.004)
	snap = r.Snapshot()[0]
	if snap.Health != 0.75 {
		t.Errorf("health after recovery = %v, want 0.75", snap.Health)
	}
	if snap.ObservedLatencyMs != 300 {
		t.Errorf("smoothed latency = %v, want 300", snap.ObservedLatencyMs)
	}
	if snap.ObservedCount != 3 {
		t.Errorf("observed count = %d, want 3", snap.ObservedCount)
	}
}

func TestMarkOutcomeUnknownOptionIsNoop(t *testing.T) {
	r := New()
	// Must not panic or create state.
	r.MarkOutcome("ghost", "model", true, time.Second, 0.01)
	if got := len(r.Snapshot()); got != 0 {
		t.Errorf("Snapshot() has %d options, want 0", got)
	}
}

func TestScatteredFailuresStayEligible(t *testing.T) {
	r := New(WithCooldown(100, time.Hour))
	if err := r.AddOption(ModelOption{Provider: "openai", Model: "gpt-4o"}); err != nil {
		t.Fatalf("AddOption() error = %v", err)
	}

	// 8 successes and 2 scattered failures over the full window: an
	// option succeeding 80% of the time stays in rotation.
	outcomes := []bool{true, true, false, true, true, false, true, true, true, true}
	for _, ok := range outcomes {
		r.MarkOutcome("openai", "gpt-4o", ok, time.Second, 0)
	}

	snap := r.Snapshot()[0]
	if snap.ErrorRate != 0.2 {
		t.Errorf("error rate = %v, want 0.2", snap.ErrorRate)
	}
	if snap.CooldownState != CooldownClosed {
		t.Errorf("cooldown = %v, want closed", snap.CooldownState)
	}
	if !snap.Eligible {
		t.Error("option with 0.8 success rate should remain eligible")
	}
}

func TestSuccessRateCollapseOpensCooldown(t *testing.T) {
	r := New(WithOutcomeWindow(4), WithCooldown(100, 15*time.Millisecond))
	if err := r.AddOption(ModelOption{Provider: "openai", Model: "gpt-4o"}); err != nil {
		t.Fatalf("AddOption() error = %v", err)
	}

	// Two failures out of two outcomes: the window is not yet full, so
	// the option stays in rotation.
	r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)
	r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)
	snap := r.Snapshot()[0]
	if !snap.Eligible {
		t.Error("option with partial window should remain eligible")
	}

	// Two more fill the window with an all-failure record, dropping the
	// success rate below the floor and opening the cooldown.
	r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)
	r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)
	snap = r.Snapshot()[0]
	if snap.CooldownState != CooldownOpen {
		t.Errorf("cooldown = %v, want open", snap.CooldownState)
	}
	if snap.Eligible {
		t.Error("option below the success-rate floor should be ineligible")
	}

	// After the reset timeout the option gets a half-open probe, and a
	// successful probe restores it.
	time.Sleep(20 * time.Millisecond)
	if !r.Allow("openai", "gpt-4o") {
		t.Fatal("Allow() should grant the half-open probe")
	}
	r.MarkOutcome("openai", "gpt-4o", true, time.Second, 0)
	snap = r.Snapshot()[0]
	if snap.CooldownState != CooldownClosed {
		t.Errorf("cooldown after probe success = %v, want closed", snap.CooldownState)
	}
	if !snap.Eligible {
		t.Error("recovered option should be eligible again")
	}
}

func TestHalfOpenProbeReleasedWithoutOutcome(t *testing.T) {
	r := New(WithCooldown(3, 15*time.Millisecond))
	if err := r.AddOption(ModelOption{Provider: "openai", Model: "gpt-4o"}); err != nil {
		t.Fatalf("AddOption() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)
	}
	if r.Allow("openai", "gpt-4o") {
		t.Fatal("Allow() should deny while the cooldown is open")
	}

	time.Sleep(20 * time.Millisecond)
	if !r.Allow("openai", "gpt-4o") {
		t.Fatal("Allow() should grant the half-open probe")
	}
	// The probe slot is held while the attempt is in flight.
	if r.Allow("openai", "gpt-4o") {
		t.Fatal("Allow() should deny a second concurrent probe")
	}

	// An attempt that ends without an outcome hands the slot back;
	// the next caller can probe instead of the option being stranded.
	r.ReleaseProbe("openai", "gpt-4o")
	if !r.Allow("openai", "gpt-4o") {
		t.Fatal("Allow() should grant a fresh probe after release")
	}

	// Unknown options are a no-op.
	r.ReleaseProbe("ghost", "model")
}

func TestCooldownOpensAfterConsecutiveFailures(t *testing.T) {
	r := New(WithCooldown(3, time.Hour))
	if err := r.AddOption(ModelOption{Provider: "openai", Model: "gpt-4o"}); err != nil {
		t.Fatalf("AddOption() error = %v", err)
	}

	r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)
	r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)
	if !r.Allow("openai", "gpt-4o") {
		t.Error("Allow() = false below the failure threshold, want true")
	}

	r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)
	if r.Allow("openai", "gpt-4o") {
		t.Error("Allow() = true with open cooldown, want false")
	}
	snap := r.Snapshot()[0]
	if snap.CooldownState != CooldownOpen {
		t.Errorf("cooldown state = %v, want open", snap.CooldownState)
	}
	if snap.Eligible {
		t.Error("option with open cooldown should be ineligible")
	}
}

func TestCooldownSuccessResetsFailureCount(t *testing.T) {
	r := New(WithCooldown(3, time.Hour))
	if err := r.AddOption(ModelOption{Provider: "openai", Model: "gpt-4o"}); err != nil {
		t.Fatalf("AddOption() error = %v", err)
	}

	r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)
	r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)
	r.MarkOutcome("openai", "gpt-4o", true, time.Second, 0.001)
	r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)
	r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)

	// Failures are not consecutive past the threshold: still closed.
	if !r.Allow("openai", "gpt-4o") {
		t.Error("Allow() = false after interleaved success, want true")
	}
}

func TestCooldownHalfOpenSingleProbe(t *testing.T) {
	r := New(WithCooldown(1, 10*time.Millisecond))
	if err := r.AddOption(ModelOption{Provider: "openai", Model: "gpt-4o"}); err != nil {
		t.Fatalf("AddOption() error = %v", err)
	}

	r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)
	if r.Allow("openai", "gpt-4o") {
		t.Fatal("Allow() = true immediately after opening, want false")
	}

	time.Sleep(20 * time.Millisecond)

	if !r.Allow("openai", "gpt-4o") {
		t.Fatal("Allow() = false after reset timeout, want one probe admitted")
	}
	if r.Allow("openai", "gpt-4o") {
		t.Error("Allow() = true for second concurrent probe, want false")
	}

	// Failed probe re-opens immediately.
	r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)
	if r.Allow("openai", "gpt-4o") {
		t.Error("Allow() = true right after failed probe, want false")
	}

	time.Sleep(20 * time.Millisecond)
	if !r.Allow("openai", "gpt-4o") {
		t.Fatal("Allow() = false after second reset timeout, want probe admitted")
	}
	r.MarkOutcome("openai", "gpt-4o", true, time.Second, 0.001)
	if !r.Allow("openai", "gpt-4o") {
		t.Error("Allow() = false after successful probe, want closed cooldown")
	}
}

func TestResetCooldown(t *testing.T) {
	r := New(WithCooldown(1, time.Hour))
	if err := r.AddOption(ModelOption{Provider: "openai", Model: "gpt-4o"}); err != nil {
		t.Fatalf("AddOption() error = %v", err)
	}

	r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)
	if r.Allow("openai", "gpt-4o") {
		t.Fatal("Allow() = true with open cooldown, want false")
	}

	r.ResetCooldown("openai", "gpt-4o")
	if !r.Allow("openai", "gpt-4o") {
		t.Error("Allow() = false after ResetCooldown(), want true")
	}
}

func TestEligibleOptions(t *testing.T) {
	r := New(WithCooldown(1, time.Hour))
	if err := r.AddOption(ModelOption{Provider: "anthropic", Model: "claude-3-haiku"}); err != nil {
		t.Fatalf("AddOption() error = %v", err)
	}
	if err := r.AddOption(ModelOption{Provider: "openai", Model: "gpt-4o"}); err != nil {
		t.Fatalf("AddOption() error = %v", err)
	}

	r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)

	eligible := r.EligibleOptions()
	if len(eligible) != 1 {
		t.Fatalf("EligibleOptions() returned %d options, want 1", len(eligible))
	}
	if eligible[0].Key() != "anthropic/claude-3-haiku" {
		t.Errorf("eligible option = %s, want anthropic/claude-3-haiku", eligible[0].Key())
	}
}

func TestMarkUnhealthyOpensCooldownImmediately(t *testing.T) {
	r := New(WithCooldown(5, 10*time.Millisecond))
	if err := r.AddOption(ModelOption{Provider: "openai", Model: "gpt-4o"}); err != nil {
		t.Fatalf("AddOption() error = %v", err)
	}

	// A single demotion opens the cooldown despite the threshold of 5.
	r.MarkUnhealthy("openai", "gpt-4o", "authentication_error: key revoked")
	if r.Allow("openai", "gpt-4o") {
		t.Fatal("Allow() = true after MarkUnhealthy(), want false")
	}
	snap := r.Snapshot()[0]
	if snap.CooldownState != CooldownOpen {
		t.Errorf("cooldown state = %v, want open", snap.CooldownState)
	}
	if snap.Health >= 1.0 {
		t.Errorf("health = %v, want degraded", snap.Health)
	}

	// Recovery goes through the normal half-open probe.
	time.Sleep(20 * time.Millisecond)
	if !r.Allow("openai", "gpt-4o") {
		t.Fatal("Allow() = false after reset timeout, want probe admitted")
	}
	r.MarkOutcome("openai", "gpt-4o", true, time.Second, 0.001)
	if !r.Allow("openai", "gpt-4o") {
		t.Error("Allow() = false after successful probe, want closed cooldown")
	}

	// Unknown options are ignored.
	r.MarkUnhealthy("ghost", "model", "whatever")
}

func TestHealthFloorEligibility(t *testing.T) {
	r := New(WithHealthAlpha(0.5), WithHealthFloor(0.3), WithCooldown(100, time.Hour))
	if err := r.AddOption(ModelOption{Provider: "openai", Model: "gpt-4o"}); err != nil {
		t.Fatalf("AddOption() error = %v", err)
	}

	// Health halves per failure: 0.5, then 0.25, crossing the floor.
	r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)
	if snap := r.Snapshot()[0]; !snap.Eligible {
		t.Errorf("option at health %v should still be eligible above the floor", snap.Health)
	}

	r.MarkOutcome("openai", "gpt-4o", false, time.Second, 0)
	snap := r.Snapshot()[0]
	if snap.Health != 0.25 {
		t.Fatalf("health = %v, want 0.25", snap.Health)
	}
	if snap.Eligible {
		t.Error("option below the health floor should be ineligible")
	}
	if snap.CooldownState != CooldownClosed {
		t.Errorf("cooldown state = %v, the floor must act independently of the cooldown", snap.CooldownState)
	}

	// Successes lift it back over the floor.
	r.MarkOutcome("openai", "gpt-4o", true, time.Second, 0.001)
	if snap := r.Snapshot()[0]; !snap.Eligible {
		t.Errorf("recovered option at health %v should be eligible", snap.Health)
	}
}

func TestRecordQualityBlending(t *testing.T) {
	r := New()
	if err := r.AddOption(ModelOption{Provider: "openai", Model: "gpt-4o", Quality: 9.0}); err != nil {
		t.Fatalf("AddOption() error = %v", err)
	}

	snap := r.Snapshot()[0]
	if snap.QualityCount != 0 || snap.ObservedQuality != 0 {
		t.Errorf("fresh option quality = %v (%d samples), want none", snap.ObservedQuality, snap.QualityCount)
	}

	// First sample seeds directly.
	r.RecordQuality("openai", "gpt-4o", 8.0)
	snap = r.Snapshot()[0]
	if snap.ObservedQuality != 8.0 {
		t.Errorf("seeded quality = %v, want 8.0", snap.ObservedQuality)
	}
	if snap.QualityCount != 1 {
		t.Errorf("quality count = %d, want 1", snap.QualityCount)
	}

	// Later samples smooth toward the new value.
	r.RecordQuality("openai", "gpt-4o", 4.0)
	snap = r.Snapshot()[0]
	want := 8.0 + qualityBlend*(4.0-8.0)
	if snap.ObservedQuality != want {
		t.Errorf("smoothed quality = %v, want %v", snap.ObservedQuality, want)
	}

	// Out-of-range samples and unknown options are dropped.
	r.RecordQuality("openai", "gpt-4o", 11.0)
	r.RecordQuality("openai", "gpt-4o", -1.0)
	r.RecordQuality("ghost", "model", 5.0)
	if got := r.Snapshot()[0].QualityCount; got != 2 {
		t.Errorf("quality count = %d, want 2 after rejected samples", got)
	}
}

func TestHealthCheck(t *testing.T) {
	r := New()
	healthy := &stubProvider{name: "up"}
	if err := r.RegisterProvider("up", healthy, nil); err != nil {
		t.Fatalf("RegisterProvider() error = %v", err)
	}

	results := r.HealthCheck(context.Background())
	res, ok := results["up"]
	if !ok {
		t.Fatal("HealthCheck() missing result for provider")
	}
	if res.Status != llm.HealthStatusHealthy {
		t.Errorf("status = %v, want healthy", res.Status)
	}
	if cached := r.GetHealthResult("up"); cached == nil || cached.Status != llm.HealthStatusHealthy {
		t.Error("GetHealthResult() should return the cached result")
	}
}

func TestCooldownStateString(t *testing.T) {
	tests := []struct {
		state CooldownState
		want  string
	}{
		{CooldownClosed, "closed"},
		{CooldownOpen, "open"},
		{CooldownHalfOpen, "half-open"},
		{CooldownState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CooldownState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
