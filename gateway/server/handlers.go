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

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"modelgate/platform/gateway/analysis"
	"modelgate/platform/gateway/audit"
	"modelgate/platform/gateway/config"
	"modelgate/platform/gateway/dispatch"
	"modelgate/platform/gateway/llm"
	"modelgate/platform/gateway/metrics"
	"modelgate/platform/gateway/policy"
	"modelgate/platform/gateway/routing"
	"modelgate/platform/gateway/telemetry"
)

// Fallback per-1K rates for the pre-dispatch budget estimate, when the
// route (and so the real pricing row) is not yet known.
const (
	estimateInputPer1K  = 0.01
	estimateOutputPer1K = 0.03
	estimateOutputCap   = 1000
)

type completionRequest struct {
	llm.CompletionRequest

	Strategy          string  `json:"strategy,omitempty"`
	QualityPreference float64 `json:"quality_preference,omitempty"`
	SpeedPreference   float64 `json:"speed_preference,omitempty"`
	BudgetCeiling     float64 `json:"budget_ceiling,omitempty"`
	MinQuality        float64 `json:"min_quality,omitempty"`
}

type completionResponse struct {
	RequestID    string             `json:"request_id"`
	Content      string             `json:"content"`
	Model        string             `json:"model"`
	Provider     string             `json:"provider"`
	FinishReason string             `json:"finish_reason,omitempty"`
	Usage        llm.UsageStats     `json:"usage"`
	CostUSD      float64            `json:"cost_usd"`
	LatencyMs    int64              `json:"latency_ms"`
	Attempts     int                `json:"attempts"`
	Warnings     []policy.Violation `json:"warnings,omitempty"`

	Quality *qualitySummary `json:"quality,omitempty"`
}

type qualitySummary struct {
	RiskLevel    analysis.RiskLevel `json:"risk_level"`
	QualityScore float64            `json:"quality_score"`
	Confidence   float64            `json:"confidence"`
	Alerts       []analysis.Alert   `json:"alerts,omitempty"`
	Degraded     bool               `json:"degraded,omitempty"`
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	id := identityFrom(r.Context())

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.JoinedContent() == "" {
		writeError(w, http.StatusBadRequest, "request has no content")
		return
	}

	if s.deps.Limiter != nil && s.deps.Config.RateLimit.RequestsPerMinute > 0 {
		if err := s.deps.Limiter.Check(r.Context(), id.Principal, s.deps.Config.RateLimit.RequestsPerMinute); err != nil {
			metrics.RequestsTotal.WithLabelValues("rate_limited").Inc()
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
	}

	content := req.JoinedContent()

	// Security scan runs before policy so threat findings can be
	// audited even when policy would block anyway.
	scan := s.deps.Pipeline.ScanRequest(id.Principal, requestID, content)
	for _, t := range scan.Threats {
		metrics.ThreatsDetected.WithLabelValues(string(t.Category), string(t.Severity)).Inc()
	}
	if scan.Blocked {
		metrics.RequestsTotal.WithLabelValues("blocked").Inc()
		metrics.AdmissionDecisions.WithLabelValues("block").Inc()
		s.emitViolation(requestID, id, "security", fmt.Sprintf("request blocked: %d threats, max severity %s", len(scan.Threats), scan.MaxSeverity))
		s.recordUsage(&audit.Entry{
			RequestID:      requestID,
			Principal:      id.Principal,
			Team:           id.Team,
			Decision:       "blocked",
			Violations:     threatNames(scan),
			ThreatSeverity: string(scan.MaxSeverity),
			LatencyMs:      time.Since(start).Milliseconds(),
		})
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":        "request blocked by security scan",
			"request_id":   requestID,
			"max_severity": scan.MaxSeverity,
			"risk_score":   scan.RiskScore,
		})
		return
	}

	decision := s.deps.Policies.Evaluate(r.Context(), &policy.Request{
		Principal:     id.Principal,
		Team:          id.Team,
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		EstimatedCost: estimateRequestCost(&req.CompletionRequest),
		Content:       content,
		Now:           time.Now().UTC(),
	})
	metrics.AdmissionDecisions.WithLabelValues(string(decision.Action)).Inc()

	if !decision.Allowed {
		metrics.RequestsTotal.WithLabelValues("blocked").Inc()
		verr := &policy.ViolationError{Decision: decision}
		s.emitViolation(requestID, id, "policy", verr.Error())
		s.recordUsage(&audit.Entry{
			RequestID:  requestID,
			Principal:  id.Principal,
			Team:       id.Team,
			Decision:   "blocked",
			Violations: violationMessages(decision),
			LatencyMs:  time.Since(start).Milliseconds(),
		})
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":      verr.Error(),
			"request_id": requestID,
			"violations": decision.Violations,
		})
		return
	}

	if decision.Action == policy.ActionWarn {
		s.emitViolation(requestID, id, "policy", strings.Join(violationMessages(decision), "; "))
	}

	prefs := routing.Preferences{
		Strategy:          routing.Strategy(req.Strategy),
		QualityPreference: req.QualityPreference,
		SpeedPreference:   req.SpeedPreference,
		BudgetCeiling:     req.BudgetCeiling,
		MinQuality:        req.MinQuality,
	}

	result, err := s.deps.Dispatcher.Dispatch(r.Context(), requestID, id.Principal, id.Team, req.CompletionRequest, prefs)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("error").Inc()
		s.recordUsage(&audit.Entry{
			RequestID:    requestID,
			Principal:    id.Principal,
			Team:         id.Team,
			Decision:     "error",
			Model:        req.Model,
			ErrorMessage: err.Error(),
			LatencyMs:    time.Since(start).Milliseconds(),
		})
		writeDispatchError(w, requestID, err)
		return
	}

	quality := s.deps.Pipeline.AssessResponse(r.Context(), id.Principal, requestID, result.Response.Content)
	s.deps.Registry.RecordQuality(result.Response.Provider, result.Response.Model, quality.QualityScore)
	s.emitQualityAlerts(requestID, id, result.Response, quality)

	decisionLabel := "allowed"
	if decision.Action == policy.ActionWarn {
		decisionLabel = "warned"
	}
	s.recordUsage(&audit.Entry{
		RequestID:      requestID,
		Principal:      id.Principal,
		Team:           id.Team,
		Decision:       decisionLabel,
		Violations:     violationMessages(decision),
		Provider:       result.Response.Provider,
		Model:          result.Response.Model,
		PromptTokens:   result.Response.Usage.PromptTokens,
		OutputTokens:   result.Response.Usage.CompletionTokens,
		CostUSD:        result.Response.Cost,
		LatencyMs:      time.Since(start).Milliseconds(),
		Attempts:       result.Attempts,
		RiskLevel:      string(quality.RiskLevel),
		QualityScore:   quality.QualityScore,
		ThreatSeverity: string(scan.MaxSeverity),
	})

	metrics.RequestsTotal.WithLabelValues("success").Inc()
	metrics.RequestDuration.WithLabelValues("total").Observe(float64(time.Since(start).Milliseconds()))

	writeJSON(w, http.StatusOK, completionResponse{
		RequestID:    requestID,
		Content:      result.Response.Content,
		Model:        result.Response.Model,
		Provider:     result.Response.Provider,
		FinishReason: result.Response.FinishReason,
		Usage:        result.Response.Usage,
		CostUSD:      result.Response.Cost,
		LatencyMs:    time.Since(start).Milliseconds(),
		Attempts:     result.Attempts,
		Warnings:     warnViolations(decision),
		Quality: &qualitySummary{
			RiskLevel:    quality.RiskLevel,
			QualityScore: quality.QualityScore,
			Confidence:   quality.Confidence,
			Alerts:       quality.Alerts,
			Degraded:     quality.Degraded,
		},
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	snapshot := s.deps.Registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": s.deps.Registry.List(),
		"options":   snapshot,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot := s.deps.Registry.Snapshot()

	type optionStats struct {
		Provider    string  `json:"provider"`
		Model       string  `json:"model"`
		Health      float64 `json:"health"`
		ErrorRate   float64 `json:"error_rate"`
		LatencyMs   float64 `json:"observed_latency_ms"`
		CostPerCall float64 `json:"observed_cost_per_call"`
		Calls       int     `json:"observed_calls"`
		Cooldown    string  `json:"cooldown_state"`
		Eligible    bool    `json:"eligible"`
	}

	stats := make([]optionStats, 0, len(snapshot))
	for _, opt := range snapshot {
		stats = append(stats, optionStats{
			Provider:    opt.Provider,
			Model:       opt.Model,
			Health:      opt.Health,
			ErrorRate:   opt.ErrorRate,
			LatencyMs:   opt.ObservedLatencyMs,
			CostPerCall: opt.ObservedCostPerCall,
			Calls:       opt.ObservedCount,
			Cooldown:    opt.CooldownState.String(),
			Eligible:    opt.Eligible,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"options":        stats,
		"policy_version": s.deps.Policies.Version(),
		"telemetry":      s.deps.Hub.Stats(),
		"timestamp":      time.Now().UTC(),
	})
}

// handleReplacePolicies swaps the active rule set. The body is the
// policies section of the config file, as JSON.
func (s *Server) handleReplacePolicies(w http.ResponseWriter, r *http.Request) {
	var pc config.PolicyConfig
	if err := json.NewDecoder(r.Body).Decode(&pc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy body: "+err.Error())
		return
	}

	staged := config.Config{Policies: pc}
	if err := staged.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var spend policy.SpendReader
	if s.deps.Spend != nil {
		spend = s.deps.Spend
	}
	s.deps.Policies.Replace(staged.BuildRules(spend))

	id := identityFrom(r.Context())
	s.log.Info("", "", fmt.Sprintf("Policy rules replaced by %s, version %d", id.Principal, s.deps.Policies.Version()), nil)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": s.deps.Policies.Version(),
		"rules":   len(s.deps.Policies.Rules()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if s.deps.Usage != nil && !s.deps.Usage.IsHealthy() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"service":   "modelgate",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) emitViolation(requestID string, id Identity, source, message string) {
	if s.deps.Hub == nil {
		return
	}
	s.deps.Hub.Broadcast(telemetry.Event{
		Type:      telemetry.EventPolicyViolation,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
		Principal: id.Principal,
		Team:      id.Team,
		Data: map[string]interface{}{
			"source":  source,
			"message": message,
		},
	})
}

// emitQualityAlerts pushes critical and high quality findings to the
// telemetry hub. Lower severities stay in the response body only.
func (s *Server) emitQualityAlerts(requestID string, id Identity, resp *llm.CompletionResponse, quality *analysis.QualityReport) {
	if s.deps.Hub == nil {
		return
	}
	for _, alert := range quality.Alerts {
		if alert.Severity != analysis.SeverityCritical && alert.Severity != analysis.SeverityHigh {
			continue
		}
		s.deps.Hub.Broadcast(telemetry.Event{
			Type:      telemetry.EventAlert,
			Timestamp: time.Now().UTC(),
			RequestID: requestID,
			Principal: id.Principal,
			Team:      id.Team,
			Data: map[string]interface{}{
				"alert_type":    string(alert.Type),
				"severity":      string(alert.Severity),
				"message":       alert.Message,
				"provider":      resp.Provider,
				"model":         resp.Model,
				"quality_score": quality.QualityScore,
				"risk_level":    string(quality.RiskLevel),
			},
		})
	}
}

func (s *Server) recordUsage(entry *audit.Entry) {
	if s.deps.Usage != nil {
		s.deps.Usage.Record(entry)
	}
}

// estimateRequestCost is the pre-dispatch budget estimate. The routed
// provider is unknown at admission time, so conservative flat rates
// are applied to the token estimates.
func estimateRequestCost(req *llm.CompletionRequest) float64 {
	in := req.EstimateTokens()
	out := req.MaxTokens
	if out <= 0 || out > estimateOutputCap {
		out = estimateOutputCap
	}
	return float64(in)/1000*estimateInputPer1K + float64(out)/1000*estimateOutputPer1K
}

func violationMessages(d *policy.Decision) []string {
	msgs := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.RuleID, v.Message))
	}
	return msgs
}

func warnViolations(d *policy.Decision) []policy.Violation {
	var warns []policy.Violation
	for _, v := range d.Violations {
		if v.Action == policy.ActionWarn {
			warns = append(warns, v)
		}
	}
	return warns
}

func threatNames(scan *analysis.SecurityReport) []string {
	names := make([]string, 0, len(scan.Threats))
	for _, t := range scan.Threats {
		names = append(names, t.Name)
	}
	return names
}

func writeDispatchError(w http.ResponseWriter, requestID string, err error) {
	status := http.StatusBadGateway

	var noRoute *routing.NoEligibleProviderError
	var exhausted *dispatch.ExhaustedError
	switch {
	case errors.As(err, &noRoute):
		status = http.StatusServiceUnavailable
	case errors.As(err, &exhausted):
		status = http.StatusBadGateway
	}

	writeJSON(w, status, map[string]interface{}{
		"error":      err.Error(),
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
