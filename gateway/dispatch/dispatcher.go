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

// Package dispatch executes routing plans. It walks the ranked
// candidate chain, calls providers with per-attempt timeouts, accounts
// cost, records outcomes back into the registry, and emits live
// telemetry for every attempt.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"modelgate/platform/gateway/cost"
	"modelgate/platform/gateway/ledger"
	"modelgate/platform/gateway/llm"
	"modelgate/platform/gateway/metrics"
	"modelgate/platform/gateway/registry"
	"modelgate/platform/gateway/routing"
	"modelgate/platform/gateway/telemetry"
	"modelgate/platform/shared/logger"
)

// DefaultAttemptTimeout bounds a single provider call.
const DefaultAttemptTimeout = 60 * time.Second

// Result is the outcome of a successful dispatch.
type Result struct {
	// Response is the normalized provider response, with Cost set.
	Response *llm.CompletionResponse

	// Plan is the routing plan that produced the response.
	Plan *routing.Plan

	// Attempts is how many provider calls were made, including the
	// successful one.
	Attempts int

	// Attempted lists every "provider/model" tried, in order.
	Attempted []string
}

// ExhaustedError reports that every candidate in the plan failed.
type ExhaustedError struct {
	Attempted []string
	Cause     error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all providers failed (attempted: %s): %v", strings.Join(e.Attempted, ", "), e.Cause)
}

// Unwrap returns the last provider error.
func (e *ExhaustedError) Unwrap() error {
	return e.Cause
}

// Dispatcher executes routing plans against registered providers.
type Dispatcher struct {
	registry       *registry.Registry
	router         *routing.Engine
	pricing        *cost.PricingConfig
	spend          ledger.Ledger
	hub            *telemetry.Hub
	attemptTimeout time.Duration
	log            *logger.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAttemptTimeout overrides the per-attempt provider timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.attemptTimeout = d
		}
	}
}

// WithSpendLedger sets the ledger that accumulates accounted cost.
func WithSpendLedger(l ledger.Ledger) Option {
	return func(dp *Dispatcher) {
		dp.spend = l
	}
}

// WithTelemetry sets the hub receiving live events.
func WithTelemetry(hub *telemetry.Hub) Option {
	return func(dp *Dispatcher) {
		dp.hub = hub
	}
}

// New creates a Dispatcher.
func New(reg *registry.Registry, router *routing.Engine, pricing *cost.PricingConfig, log *logger.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = logger.New("dispatch")
	}
	if pricing == nil {
		pricing = cost.NewPricingConfig()
	}

	d := &Dispatcher{
		registry:       reg,
		router:         router,
		pricing:        pricing,
		attemptTimeout: DefaultAttemptTimeout,
		log:            log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch routes and executes a completion request. On success the
// winning candidate's outcome, cost, and telemetry are all recorded.
// On total failure the last provider error is wrapped in an
// ExhaustedError carrying every attempted option.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID, principal, team string, req llm.CompletionRequest, prefs routing.Preferences) (*Result, error) {
	plan, err := d.router.Route(req, prefs)
	if err != nil {
		return nil, err
	}

	d.emit(telemetry.Event{
		Type:      telemetry.EventLiveRequest,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
		Principal: principal,
		Team:      team,
		Data: map[string]interface{}{
			"preview":    telemetry.Preview(req.JoinedContent()),
			"model":      req.Model,
			"strategy":   string(plan.Strategy),
			"candidates": len(plan.Candidates),
		},
	})

	maxAttempts := plan.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = routing.DefaultMaxAttempts
	}

	var (
		attempted []string
		attempts  int
		lastErr   error
	)

	for _, cand := range plan.Candidates {
		if attempts >= maxAttempts {
			break
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		key := cand.Option.Key()

		// Cooldown state may have changed since the plan was scored.
		if !d.registry.Allow(cand.Option.Provider, cand.Option.Model) {
			continue
		}

		prov, err := d.registry.Get(ctx, cand.Option.Provider)
		if err != nil {
			d.log.Warn(principal, requestID, fmt.Sprintf("Provider %s unavailable: %v", cand.Option.Provider, err), nil)
			d.registry.ReleaseProbe(cand.Option.Provider, cand.Option.Model)
			attempted = append(attempted, key)
			lastErr = err
			continue
		}

		attempts++
		attempted = append(attempted, key)
		metrics.RouteAttempts.WithLabelValues(strconv.Itoa(attempts)).Inc()

		attemptReq := req
		attemptReq.Model = cand.Option.Model

		attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
		start := time.Now()
		resp, err := prov.Complete(attemptCtx, attemptReq)
		latency := time.Since(start)
		cancel()

		if err != nil {
			lastErr = err

			// A caller that hung up says nothing about the option's
			// health, so the failure is not held against it.
			if ctx.Err() != nil {
				d.log.Warn(principal, requestID, fmt.Sprintf("Dispatch abandoned on %s: %v", key, ctx.Err()), nil)
				d.registry.ReleaseProbe(cand.Option.Provider, cand.Option.Model)
				break
			}

			if hardFailure(err) {
				d.registry.MarkUnhealthy(cand.Option.Provider, cand.Option.Model, err.Error())
			} else {
				d.registry.MarkOutcome(cand.Option.Provider, cand.Option.Model, false, latency, 0)
			}
			metrics.ProviderCalls.WithLabelValues(cand.Option.Provider, "error").Inc()

			d.emit(telemetry.Event{
				Type:      telemetry.EventLiveError,
				Timestamp: time.Now().UTC(),
				RequestID: requestID,
				Principal: principal,
				Team:      team,
				Data: map[string]interface{}{
					"provider": cand.Option.Provider,
					"model":    cand.Option.Model,
					"attempt":  attempts,
					"error":    err.Error(),
				},
			})

			d.log.Warn(principal, requestID, fmt.Sprintf("Attempt %d failed on %s: %v", attempts, key, err), nil)

			if !retryable(err) {
				break
			}
			continue
		}

		costUSD := d.account(resp, &attemptReq, cand.Option.Provider, cand.Option.Model)
		d.registry.MarkOutcome(cand.Option.Provider, cand.Option.Model, true, latency, costUSD)
		metrics.ProviderCalls.WithLabelValues(cand.Option.Provider, "success").Inc()
		metrics.CostTotal.WithLabelValues(cand.Option.Provider, cand.Option.Model).Add(costUSD)

		if d.spend != nil {
			if err := d.spend.Record(ctx, principal, team, costUSD); err != nil {
				d.log.Warn(principal, requestID, fmt.Sprintf("Spend record failed for %s: %v", principal, err), nil)
			}
		}

		d.emit(telemetry.Event{
			Type:      telemetry.EventLiveResponse,
			Timestamp: time.Now().UTC(),
			RequestID: requestID,
			Principal: principal,
			Team:      team,
			Data: map[string]interface{}{
				"provider":   cand.Option.Provider,
				"model":      resp.Model,
				"preview":    telemetry.Preview(resp.Content),
				"cost_usd":   costUSD,
				"latency_ms": latency.Milliseconds(),
				"attempts":   attempts,
			},
		})

		return &Result{
			Response:  resp,
			Plan:      plan,
			Attempts:  attempts,
			Attempted: attempted,
		}, nil
	}

	if lastErr == nil {
		lastErr = &routing.NoEligibleProviderError{Model: req.Model, Attempted: attempted}
	}

	d.emit(telemetry.Event{
		Type:      telemetry.EventLiveError,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
		Principal: principal,
		Team:      team,
		Data: map[string]interface{}{
			"status":    "exhausted",
			"model":     req.Model,
			"attempted": strings.Join(attempted, ","),
			"error":     lastErr.Error(),
		},
	})

	return nil, &ExhaustedError{Attempted: attempted, Cause: lastErr}
}

// account fills in token usage and cost on the response. Token counts
// missing from the provider are estimated from content length.
func (d *Dispatcher) account(resp *llm.CompletionResponse, req *llm.CompletionRequest, provider, model string) float64 {
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.PromptTokens = req.EstimateTokens()
		resp.Usage.CompletionTokens = estimateTokens(resp.Content)
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
		resp.Usage.Estimated = true
	}

	costUSD := d.pricing.CalculateCost(provider, model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	resp.Cost = costUSD
	return costUSD
}

func (d *Dispatcher) emit(event telemetry.Event) {
	if d.hub != nil {
		d.hub.Broadcast(event)
	}
}

// retryable reports whether a failed attempt should fail over to the
// next candidate. Errors inherent to the request itself stop the chain.
func retryable(err error) bool {
	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		switch perr.Code {
		case llm.ErrCodeContentFilter, llm.ErrCodeContextLength:
			return false
		}
		return true
	}
	// Unknown error shapes are treated as transient.
	return true
}

// hardFailure reports whether an error should pull the option from
// rotation immediately rather than count toward the failure threshold.
// Auth failures and provider outages will not heal on their own within
// a few requests.
func hardFailure(err error) bool {
	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		switch perr.Code {
		case llm.ErrCodeAuth, llm.ErrCodeUnavailable:
			return true
		}
	}
	return false
}

func estimateTokens(content string) int {
	n := len(content) / 4
	if n < 1 {
		n = 1
	}
	return n
}
