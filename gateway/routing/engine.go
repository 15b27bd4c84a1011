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

// Package routing scores model options against request features and
// builds ranked failover plans. Strategies are pure functions over an
// option snapshot: the same snapshot and request always produce the same
// plan.
package routing

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"modelgate/platform/gateway/llm"
	"modelgate/platform/gateway/registry"
)

// Scoring constants.
const (
	// costCeiling is the per-call cost at which the cost score reaches
	// zero; costlier options score negative.
	costCeiling = 0.05

	// latencyCeilingMs is the latency at which the speed score reaches
	// zero; slower options score negative.
	latencyCeilingMs = 5000.0

	// staticBlend is the share of the static prior in effective metrics;
	// the remainder comes from observed history.
	staticBlend = 0.7

	// confidenceWindow is the observation count at which confidence peaks.
	confidenceWindow = 10

	// DefaultMaxAttempts caps how many plan candidates dispatch may try.
	DefaultMaxAttempts = 3
)

// SnapshotSource supplies a stable option snapshot for scoring.
// *registry.Registry satisfies this.
type SnapshotSource interface {
	Snapshot() []registry.OptionSnapshot
}

// Candidate is one scored entry in a routing plan.
type Candidate struct {
	Option registry.OptionSnapshot `json:"option"`

	// Score is the strategy score, higher is better. At most 1; cost
	// and speed scores run negative past their normalization ceilings.
	Score float64 `json:"score"`

	// TaskMatch is the task fit component in [0,1].
	TaskMatch float64 `json:"task_match"`

	// Confidence reflects how much observed history backs the score.
	Confidence float64 `json:"confidence"`

	// Substitute is true when the candidate's model is an equivalence
	// substitute rather than the model the caller asked for.
	Substitute bool `json:"substitute,omitempty"`
}

// Plan is a ranked failover chain for one request.
type Plan struct {
	Strategy    Strategy    `json:"strategy"`
	Features    Features    `json:"features"`
	Candidates  []Candidate `json:"candidates"`
	MaxAttempts int         `json:"max_attempts"`
}

// Best returns the top candidate. Valid plans always have at least one.
func (p *Plan) Best() Candidate {
	return p.Candidates[0]
}

// NoEligibleProviderError reports that no model option could serve a
// request. Attempted carries every option that was considered.
type NoEligibleProviderError struct {
	Model     string
	Attempted []string
}

// Error implements the error interface.
func (e *NoEligibleProviderError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("no eligible provider for model %q (considered: %s)", e.Model, strings.Join(e.Attempted, ", "))
	}
	return fmt.Sprintf("no eligible provider (considered: %s)", strings.Join(e.Attempted, ", "))
}

// Engine builds routing plans over a registry snapshot.
type Engine struct {
	source      SnapshotSource
	strategy    Strategy
	weights     BalancedWeights
	maxAttempts int
	logger      *log.Logger
}

// EngineOption configures the engine during creation.
type EngineOption func(*Engine)

// WithStrategy sets the default routing strategy.
func WithStrategy(s Strategy) EngineOption {
	return func(e *Engine) {
		if IsValidStrategy(s) {
			e.strategy = s
		}
	}
}

// WithBalancedWeights overrides the balanced strategy base weights.
func WithBalancedWeights(w BalancedWeights) EngineOption {
	return func(e *Engine) {
		if w.Cost+w.Quality+w.Speed+w.TaskMatch > 0 {
			e.weights = w
		}
	}
}

// WithMaxAttempts overrides how many candidates dispatch may try.
func WithMaxAttempts(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithEngineLogger sets a custom logger.
func WithEngineLogger(logger *log.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates a routing engine over the given snapshot source.
func NewEngine(source SnapshotSource, opts ...EngineOption) *Engine {
	e := &Engine{
		source:      source,
		strategy:    StrategyBalanced,
		weights:     DefaultBalancedWeights(),
		maxAttempts: DefaultMaxAttempts,
		logger:      log.New(os.Stdout, "[ROUTING] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Route builds a ranked failover plan for the request. Exact matches for
// a pinned model rank ahead of equivalence substitutes; within each group
// candidates order by score, then weight, then provider id, then model id.
func (e *Engine) Route(req llm.CompletionRequest, prefs Preferences) (*Plan, error) {
	strategy := e.strategy
	if prefs.Strategy != "" && IsValidStrategy(prefs.Strategy) {
		strategy = prefs.Strategy
	}

	features := ExtractFeatures(req.JoinedContent())
	snapshot := e.source.Snapshot()

	var considered []string
	var candidates []Candidate

	substitutes := map[string]bool{}
	if req.Model != "" {
		for _, m := range EquivalentModels(req.Model) {
			substitutes[m] = true
		}
	}

	for _, opt := range snapshot {
		if req.Model != "" && opt.Model != req.Model && !substitutes[opt.Model] {
			continue
		}
		considered = append(considered, opt.Key())
		if !opt.Eligible {
			continue
		}
		if prefs.BudgetCeiling > 0 && effectiveCost(opt) > prefs.BudgetCeiling {
			continue
		}
		if prefs.MinQuality > 0 && effectiveQuality(opt) < prefs.MinQuality {
			continue
		}

		score, taskMatch := e.score(opt, features, prefs, strategy)
		candidates = append(candidates, Candidate{
			Option:     opt,
			Score:      score,
			TaskMatch:  taskMatch,
			Confidence: confidence(opt.ObservedCount),
			Substitute: req.Model != "" && opt.Model != req.Model,
		})
	}

	if len(candidates) == 0 {
		return nil, &NoEligibleProviderError{Model: req.Model, Attempted: considered}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Substitute != b.Substitute {
			return !a.Substitute
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Option.Weight != b.Option.Weight {
			return a.Option.Weight > b.Option.Weight
		}
		if a.Option.Provider != b.Option.Provider {
			return a.Option.Provider < b.Option.Provider
		}
		return a.Option.Model < b.Option.Model
	})

	return &Plan{
		Strategy:    strategy,
		Features:    features,
		Candidates:  candidates,
		MaxAttempts: e.maxAttempts,
	}, nil
}

// score computes the strategy score and task match for one option.
func (e *Engine) score(opt registry.OptionSnapshot, f Features, prefs Preferences, strategy Strategy) (float64, float64) {
	effCost := effectiveCost(opt)
	effLatency := blend(opt.LatencyMs, opt.ObservedLatencyMs, opt.ObservedCount)
	effQuality := effectiveQuality(opt)

	// Cost and speed scores stay strictly monotone past their ceilings:
	// options beyond the ceiling go negative instead of clamping to a
	// shared zero, so the cheapest (or fastest) option always wins.
	normCost := 1 - effCost/costCeiling
	normQuality := effQuality / 10
	normSpeed := 1 - effLatency/latencyCeilingMs
	taskMatch := taskMatchScore(opt, f)

	switch strategy {
	case StrategyCost:
		return normCost, taskMatch
	case StrategyQuality:
		return normQuality, taskMatch
	case StrategySpeed:
		return normSpeed, taskMatch
	case StrategyFailover:
		return opt.Health * (1 - opt.ErrorRate), taskMatch
	default:
		wc := e.weights.Cost
		wq := e.weights.Quality + 0.15*clampUnit(prefs.QualityPreference)
		ws := e.weights.Speed + 0.10*clampUnit(prefs.SpeedPreference)
		wt := e.weights.TaskMatch
		total := wc + wq + ws + wt
		score := (wc*normCost + wq*normQuality + ws*normSpeed + wt*taskMatch) / total
		return score, taskMatch
	}
}

// taskMatchScore starts at a neutral 0.5 and adds bonuses for
// capability/feature agreement, capped at 1.0.
func taskMatchScore(opt registry.OptionSnapshot, f Features) float64 {
	score := 0.5
	caps := make(map[llm.Capability]bool, len(opt.Capabilities))
	for _, c := range opt.Capabilities {
		caps[c] = true
	}

	if f.ContainsCode && caps[llm.CapabilityCodeGeneration] {
		score += 0.3
	}
	if f.ContainsMath && caps[llm.CapabilityMath] {
		score += 0.3
	}
	if f.Creative && caps[llm.CapabilityCreative] {
		score += 0.2
	}
	switch f.Complexity {
	case ComplexityComplex, ComplexityVeryComplex:
		if caps[llm.CapabilityLongContext] {
			score += 0.2
		}
	case ComplexitySimple:
		if caps[llm.CapabilityFast] {
			score += 0.2
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// effectiveCost is the predicted per-call cost for an option.
func effectiveCost(opt registry.OptionSnapshot) float64 {
	return blend(opt.CostPerCall, opt.ObservedCostPerCall, opt.ObservedCount)
}

// effectiveQuality blends the static quality prior with observed quality
// feedback once at least one sample exists. 0-10 scale.
func effectiveQuality(opt registry.OptionSnapshot) float64 {
	if opt.QualityCount == 0 {
		return opt.Quality
	}
	return staticBlend*opt.Quality + (1-staticBlend)*opt.ObservedQuality
}

// blend mixes a static prior with observed history once history exists.
func blend(static, observed float64, count int) float64 {
	if count == 0 {
		return static
	}
	return staticBlend*static + (1-staticBlend)*observed
}

// confidence grows with observation count, capped at 0.95.
func confidence(count int) float64 {
	if count > confidenceWindow {
		count = confidenceWindow
	}
	c := 0.5 + 0.45*float64(count)/float64(confidenceWindow)
	if c > 0.95 {
		c = 0.95
	}
	return c
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
