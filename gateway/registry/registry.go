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

// Package registry manages provider instances and the arena of routable
// model options, including health tracking and failure cooldowns.
//
// The option arena is sharded by provider: each shard carries its own
// lock so outcome recording for one provider never contends with
// another's.
package registry

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"modelgate/platform/gateway/llm"
)

// Defaults for health and cooldown tracking.
const (
	// DefaultHealthAlpha is the EWMA smoothing factor for health and
	// observed performance.
	DefaultHealthAlpha = 0.1

	// DefaultOutcomeWindow is how many recent outcomes feed the error rate.
	DefaultOutcomeWindow = 10

	// DefaultCooldownThreshold is the consecutive failures that open a cooldown.
	DefaultCooldownThreshold = 3

	// DefaultCooldownReset is how long an open cooldown lasts before a probe.
	DefaultCooldownReset = 5 * time.Minute

	// DefaultSuccessRateFloor is the windowed success rate below which a
	// fully observed option is placed in cooldown.
	DefaultSuccessRateFloor = 0.1

	// DefaultHealthFloor is the health score below which an option is
	// pulled from rotation regardless of its cooldown state.
	DefaultHealthFloor = 0.2

	// qualityBlend weights the prior quality sample against a new one.
	qualityBlend = 0.3
)

// Factory creates a provider instance from its configuration.
type Factory func(cfg llm.ProviderConfig) (llm.Provider, error)

// SecretResolver resolves stored credential references into secret values.
// The gateway/secrets package provides the AWS Secrets Manager implementation.
type SecretResolver interface {
	GetSecret(ctx context.Context, ref string) (map[string]string, error)
}

// Registry holds provider configs, lazily instantiated provider clients,
// and the sharded model-option arena.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]llm.Provider
	configs   map[string]*llm.ProviderConfig
	factories map[llm.ProviderType]Factory

	shards   map[string]*shard
	shardsMu sync.RWMutex

	resolver SecretResolver
	logger   *log.Logger

	alpha             float64
	outcomeWindow     int
	cooldownThreshold int
	cooldownReset     time.Duration
	successRateFloor  float64
	healthFloor       float64

	healthResults map[string]*llm.HealthCheckResult
	healthMu      sync.RWMutex
}

// shard holds the option states for a single provider.
type shard struct {
	mu      sync.RWMutex
	options map[string]*optionState // keyed by model id
}

// Option configures the registry during creation.
type Option func(*Registry)

// WithLogger sets a custom logger for the registry.
func WithLogger(logger *log.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithSecretResolver enables credential resolution for configs that
// reference a secret instead of carrying an API key inline.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(r *Registry) {
		r.resolver = resolver
	}
}

// WithHealthAlpha overrides the EWMA smoothing factor.
func WithHealthAlpha(alpha float64) Option {
	return func(r *Registry) {
		if alpha > 0 && alpha <= 1 {
			r.alpha = alpha
		}
	}
}

// WithCooldown overrides the cooldown threshold and reset timeout.
func WithCooldown(threshold int, reset time.Duration) Option {
	return func(r *Registry) {
		if threshold > 0 {
			r.cooldownThreshold = threshold
		}
		if reset > 0 {
			r.cooldownReset = reset
		}
	}
}

// WithOutcomeWindow overrides the size of the recent-outcome window.
func WithOutcomeWindow(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.outcomeWindow = n
		}
	}
}

// WithSuccessRateFloor overrides the windowed success rate below which
// an option is cooled down.
func WithSuccessRateFloor(floor float64) Option {
	return func(r *Registry) {
		if floor > 0 && floor <= 1 {
			r.successRateFloor = floor
		}
	}
}

// WithHealthFloor overrides the minimum health for eligibility.
func WithHealthFloor(floor float64) Option {
	return func(r *Registry) {
		if floor >= 0 && floor < 1 {
			r.healthFloor = floor
		}
	}
}

// New creates a new registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		providers:         make(map[string]llm.Provider),
		configs:           make(map[string]*llm.ProviderConfig),
		factories:         make(map[llm.ProviderType]Factory),
		shards:            make(map[string]*shard),
		healthResults:     make(map[string]*llm.HealthCheckResult),
		logger:            log.New(os.Stdout, "[REGISTRY] ", log.LstdFlags),
		alpha:             DefaultHealthAlpha,
		outcomeWindow:     DefaultOutcomeWindow,
		cooldownThreshold: DefaultCooldownThreshold,
		cooldownReset:     DefaultCooldownReset,
		successRateFloor:  DefaultSuccessRateFloor,
		healthFloor:       DefaultHealthFloor,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// RegisterFactory installs the constructor for a provider type.
func (r *Registry) RegisterFactory(t llm.ProviderType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// Register adds a provider configuration to the registry.
// The provider client is instantiated lazily on first use.
func (r *Registry) Register(ctx context.Context, config *llm.ProviderConfig) error {
	if config == nil {
		return &Error{Code: ErrInvalidConfig, Message: "config cannot be nil"}
	}
	if config.Name == "" {
		return &Error{Code: ErrInvalidConfig, Message: "provider name is required"}
	}
	if config.Type == "" {
		return &Error{ProviderName: config.Name, Code: ErrInvalidConfig, Message: "provider type is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.configs[config.Name]; exists {
		return &Error{
			ProviderName: config.Name,
			Code:         ErrDuplicate,
			Message:      fmt.Sprintf("provider %q already registered", config.Name),
		}
	}

	configCopy := *config
	r.configs[config.Name] = &configCopy

	r.logger.Printf("Registered provider config: %s (type: %s)", config.Name, config.Type)
	return nil
}

// RegisterProvider adds a pre-instantiated provider to the registry.
func (r *Registry) RegisterProvider(name string, provider llm.Provider, config *llm.ProviderConfig) error {
	if provider == nil {
		return &Error{Code: ErrInvalidConfig, Message: "provider cannot be nil"}
	}
	if name == "" {
		return &Error{Code: ErrInvalidConfig, Message: "provider name is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return &Error{
			ProviderName: name,
			Code:         ErrDuplicate,
			Message:      fmt.Sprintf("provider %q already registered", name),
		}
	}

	r.providers[name] = provider
	if config != nil {
		configCopy := *config
		r.configs[name] = &configCopy
	}

	return nil
}

// Get retrieves a provider by name, instantiating it lazily if needed.
func (r *Registry) Get(ctx context.Context, name string) (llm.Provider, error) {
	r.mu.RLock()
	provider, exists := r.providers[name]
	config, hasConfig := r.configs[name]
	r.mu.RUnlock()

	if exists {
		return provider, nil
	}

	if hasConfig {
		return r.lazyInstantiate(ctx, name, config)
	}

	return nil, &Error{
		ProviderName: name,
		Code:         ErrNotFound,
		Message:      fmt.Sprintf("provider %q not found", name),
	}
}

// lazyInstantiate creates a provider instance from its config.
func (r *Registry) lazyInstantiate(ctx context.Context, name string, config *llm.ProviderConfig) (llm.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check: another goroutine may have created it
	if provider, exists := r.providers[name]; exists {
		return provider, nil
	}

	cfg := *config
	if cfg.APIKey == "" && cfg.APIKeySecretARN != "" && r.resolver != nil {
		secret, err := r.resolver.GetSecret(ctx, cfg.APIKeySecretARN)
		if err != nil {
			return nil, &Error{
				ProviderName: name,
				Code:         ErrCreationFailed,
				Message:      fmt.Sprintf("failed to resolve credentials: %v", err),
				Cause:        err,
			}
		}
		if v, ok := secret["api_key"]; ok {
			cfg.APIKey = v
		} else if v, ok := secret["value"]; ok {
			cfg.APIKey = v
		}
	}

	factory, ok := r.factories[cfg.Type]
	if !ok {
		return nil, &Error{
			ProviderName: name,
			Code:         ErrCreationFailed,
			Message:      fmt.Sprintf("no factory registered for provider type %q", cfg.Type),
		}
	}

	provider, err := factory(cfg)
	if err != nil {
		return nil, &Error{
			ProviderName: name,
			Code:         ErrCreationFailed,
			Message:      fmt.Sprintf("failed to create provider: %v", err),
			Cause:        err,
		}
	}

	r.providers[name] = provider
	r.logger.Printf("Instantiated provider: %s (type: %s)", name, cfg.Type)

	return provider, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nameSet := make(map[string]bool)
	for name := range r.configs {
		nameSet[name] = true
	}
	for name := range r.providers {
		nameSet[name] = true
	}

	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if a provider is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, hasConfig := r.configs[name]
	_, hasProvider := r.providers[name]
	return hasConfig || hasProvider
}

// AddOption adds a model option to the arena for its provider.
func (r *Registry) AddOption(opt ModelOption) error {
	if opt.Provider == "" || opt.Model == "" {
		return &Error{Code: ErrInvalidConfig, Message: "option requires provider and model"}
	}

	r.shardsMu.Lock()
	sh, ok := r.shards[opt.Provider]
	if !ok {
		sh = &shard{options: make(map[string]*optionState)}
		r.shards[opt.Provider] = sh
	}
	r.shardsMu.Unlock()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.options[opt.Model]; exists {
		return &Error{
			ProviderName: opt.Provider,
			Code:         ErrDuplicate,
			Message:      fmt.Sprintf("option %s/%s already registered", opt.Provider, opt.Model),
		}
	}

	sh.options[opt.Model] = newOptionState(opt, r.cooldownThreshold, r.cooldownReset, r.outcomeWindow)
	return nil
}

// RemoveOption drops a model option from the arena.
func (r *Registry) RemoveOption(provider, model string) error {
	r.shardsMu.RLock()
	sh, ok := r.shards[provider]
	r.shardsMu.RUnlock()
	if !ok {
		return &Error{ProviderName: provider, Code: ErrNotFound, Message: "no options for provider"}
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.options[model]; !exists {
		return &Error{
			ProviderName: provider,
			Code:         ErrNotFound,
			Message:      fmt.Sprintf("option %s/%s not found", provider, model),
		}
	}
	delete(sh.options, model)
	return nil
}

// SetWeight adjusts an option's selection bias at runtime.
func (r *Registry) SetWeight(provider, model string, weight float64) error {
	if weight <= 0 {
		return &Error{Code: ErrInvalidConfig, Message: "weight must be positive"}
	}

	r.shardsMu.RLock()
	sh, ok := r.shards[provider]
	r.shardsMu.RUnlock()
	if !ok {
		return &Error{ProviderName: provider, Code: ErrNotFound, Message: "no options for provider"}
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	state, ok := sh.options[model]
	if !ok {
		return &Error{
			ProviderName: provider,
			Code:         ErrNotFound,
			Message:      fmt.Sprintf("option %s/%s not found", provider, model),
		}
	}
	state.opt.Weight = weight
	return nil
}

// MarkOutcome records a dispatch result against an option, feeding its
// health score, observed performance, and cooldown.
func (r *Registry) MarkOutcome(provider, model string, success bool, latency time.Duration, costUSD float64) {
	r.shardsMu.RLock()
	sh, ok := r.shards[provider]
	r.shardsMu.RUnlock()
	if !ok {
		return
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	state, ok := sh.options[model]
	if !ok {
		return
	}
	now := time.Now()
	state.record(success, latency, costUSD, r.alpha, now)

	// A collapsed success rate over the full window opens the cooldown
	// even when the failures are not consecutive. Recovery goes through
	// the usual half-open probe.
	if !success && state.windowFull() && state.successRate() < r.successRateFloor {
		state.cooldown.forceOpen(now)
		r.logger.Printf("Cooling down %s/%s: success rate %.2f over last %d outcomes", provider, model, state.successRate(), r.outcomeWindow)
	}
}

// MarkUnhealthy immediately demotes an option after a hard dispatch
// failure: the failure is recorded and the cooldown opens at once,
// independent of the rolling error rate. The option re-enters rotation
// through the usual half-open probe.
func (r *Registry) MarkUnhealthy(provider, model, reason string) {
	r.shardsMu.RLock()
	sh, ok := r.shards[provider]
	r.shardsMu.RUnlock()
	if !ok {
		return
	}

	sh.mu.Lock()
	state, ok := sh.options[model]
	if !ok {
		sh.mu.Unlock()
		return
	}
	state.record(false, 0, 0, r.alpha, time.Now())
	state.cooldown.forceOpen(time.Now())
	sh.mu.Unlock()

	r.logger.Printf("Marked %s/%s unhealthy: %s", provider, model, reason)
}

// RecordQuality feeds an observed quality score (0-10) into an option's
// history. Quality arrives after response analysis, separately from the
// dispatch outcome.
func (r *Registry) RecordQuality(provider, model string, quality float64) {
	if quality < 0 || quality > 10 {
		return
	}

	r.shardsMu.RLock()
	sh, ok := r.shards[provider]
	r.shardsMu.RUnlock()
	if !ok {
		return
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	state, ok := sh.options[model]
	if !ok {
		return
	}
	if state.qualityCount == 0 {
		state.quality = quality
	} else {
		state.quality += qualityBlend * (quality - state.quality)
	}
	state.qualityCount++
}

// Allow reports whether the option's cooldown admits a request right now.
// A half-open cooldown admits exactly one probe per reset period.
func (r *Registry) Allow(provider, model string) bool {
	r.shardsMu.RLock()
	sh, ok := r.shards[provider]
	r.shardsMu.RUnlock()
	if !ok {
		return false
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	state, ok := sh.options[model]
	if !ok {
		return false
	}
	return state.cooldown.allow(time.Now())
}

// ReleaseProbe hands back an admission granted by Allow when the attempt
// ended without an outcome, such as a caller hanging up mid-flight. A
// half-open option would otherwise hold its probe slot forever.
func (r *Registry) ReleaseProbe(provider, model string) {
	r.shardsMu.RLock()
	sh, ok := r.shards[provider]
	r.shardsMu.RUnlock()
	if !ok {
		return
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if state, ok := sh.options[model]; ok {
		state.cooldown.abortProbe()
	}
}

// ResetCooldown force-closes an option's cooldown.
func (r *Registry) ResetCooldown(provider, model string) {
	r.shardsMu.RLock()
	sh, ok := r.shards[provider]
	r.shardsMu.RUnlock()
	if !ok {
		return
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if state, ok := sh.options[model]; ok {
		state.cooldown.reset()
	}
}

// Snapshot returns a stable view of every model option, sorted by
// provider id then model id. Scoring over one snapshot is repeatable
// regardless of concurrent outcome recording.
func (r *Registry) Snapshot() []OptionSnapshot {
	r.shardsMu.RLock()
	shards := make(map[string]*shard, len(r.shards))
	for name, sh := range r.shards {
		shards[name] = sh
	}
	r.shardsMu.RUnlock()

	now := time.Now()
	var out []OptionSnapshot
	for _, sh := range shards {
		sh.mu.RLock()
		for _, state := range sh.options {
			snap := OptionSnapshot{
				Provider:            state.opt.Provider,
				Model:               state.opt.Model,
				Capabilities:        append([]llm.Capability(nil), state.opt.Capabilities...),
				CostPerCall:         state.opt.CostPerCall,
				Quality:             state.opt.Quality,
				LatencyMs:           state.opt.LatencyMs,
				Weight:              state.opt.Weight,
				Health:              state.health,
				ObservedLatencyMs:   state.latencyMs,
				ObservedCostPerCall: state.costPerCall,
				ObservedCount:       state.observedCount,
				ErrorRate:           state.errorRate(),
				ObservedQuality:     state.quality,
				QualityCount:        state.qualityCount,
			}
			snap.CooldownState = state.cooldown.state
			if snap.CooldownState == CooldownOpen && now.Sub(state.cooldown.lastFailureTime) >= state.cooldown.resetTimeout {
				snap.CooldownState = CooldownHalfOpen
			}
			snap.Eligible = snap.CooldownState != CooldownOpen &&
				snap.Health > r.healthFloor
			out = append(out, snap)
		}
		sh.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// EligibleOptions returns the snapshot filtered to eligible options only.
func (r *Registry) EligibleOptions() []OptionSnapshot {
	all := r.Snapshot()
	out := all[:0]
	for _, snap := range all {
		if snap.Eligible {
			out = append(out, snap)
		}
	}
	return out
}

// HealthCheck performs health checks on all instantiated providers.
func (r *Registry) HealthCheck(ctx context.Context) map[string]*llm.HealthCheckResult {
	r.mu.RLock()
	providers := make(map[string]llm.Provider, len(r.providers))
	for name, p := range r.providers {
		providers[name] = p
	}
	r.mu.RUnlock()

	results := make(map[string]*llm.HealthCheckResult, len(providers))

	for name, provider := range providers {
		start := time.Now()
		result, err := provider.HealthCheck(ctx)
		if err != nil {
			result = &llm.HealthCheckResult{
				Status:      llm.HealthStatusUnhealthy,
				Latency:     time.Since(start),
				Message:     err.Error(),
				LastChecked: time.Now(),
			}
		}
		if result.LastChecked.IsZero() {
			result.LastChecked = time.Now()
		}
		results[name] = result

		r.healthMu.Lock()
		r.healthResults[name] = result
		r.healthMu.Unlock()
	}

	return results
}

// GetHealthResult returns the cached health result for a provider.
func (r *Registry) GetHealthResult(name string) *llm.HealthCheckResult {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	return r.healthResults[name]
}

// StartPeriodicHealthCheck starts a background goroutine for health checking.
func (r *Registry) StartPeriodicHealthCheck(ctx context.Context, interval time.Duration) {
	r.logger.Printf("Starting periodic health check (every %v)", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Println("Stopping periodic health check")
				return
			case <-ticker.C:
				results := r.HealthCheck(ctx)
				unhealthy := 0
				for _, result := range results {
					if result.Status != llm.HealthStatusHealthy {
						unhealthy++
					}
				}
				if unhealthy > 0 {
					r.logger.Printf("Health check: %d of %d providers unhealthy", unhealthy, len(results))
				}
			}
		}
	}()
}

// Close clears the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.providers = make(map[string]llm.Provider)
	r.configs = make(map[string]*llm.ProviderConfig)
	r.mu.Unlock()

	r.shardsMu.Lock()
	r.shards = make(map[string]*shard)
	r.shardsMu.Unlock()

	r.healthMu.Lock()
	r.healthResults = make(map[string]*llm.HealthCheckResult)
	r.healthMu.Unlock()

	return nil
}

// Error represents an error from registry operations.
type Error struct {
	ProviderName string
	Code         string
	Message      string
	Cause        error
}

// Registry error codes.
const (
	// ErrNotFound indicates the provider or option was not found.
	ErrNotFound = "registry_not_found"

	// ErrDuplicate indicates a provider or option with that name exists.
	ErrDuplicate = "registry_duplicate"

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = "registry_invalid_config"

	// ErrCreationFailed indicates provider creation failed.
	ErrCreationFailed = "registry_creation_failed"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ProviderName != "" {
		return fmt.Sprintf("registry error for %q: %s", e.ProviderName, e.Message)
	}
	return fmt.Sprintf("registry error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}
