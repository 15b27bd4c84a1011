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

// Package analysis screens request content for security threats and
// grades response quality. Analysis is advisory on the response side: a
// degraded or failed assessment never fails an otherwise successful
// dispatch.
package analysis

import (
	"context"
	"fmt"

	"modelgate/platform/shared/logger"
)

// DegradedError reports that an analysis stage ran in degraded mode.
type DegradedError struct {
	Stage string
	Cause error
}

// Error implements the error interface.
func (e *DegradedError) Error() string {
	return fmt.Sprintf("analysis degraded at %s: %v", e.Stage, e.Cause)
}

// Unwrap returns the underlying error.
func (e *DegradedError) Unwrap() error {
	return e.Cause
}

// Pipeline bundles the request scanner and response analyzer.
type Pipeline struct {
	scanner  *Scanner
	analyzer *QualityAnalyzer
	log      *logger.Logger
}

// NewPipeline assembles the analysis pipeline.
func NewPipeline(scanner *Scanner, analyzer *QualityAnalyzer, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.New("analysis")
	}
	return &Pipeline{scanner: scanner, analyzer: analyzer, log: log}
}

// ScanRequest screens inbound content before dispatch.
func (p *Pipeline) ScanRequest(principal, requestID, content string) *SecurityReport {
	report := p.scanner.Scan(content)
	if report.Blocked {
		p.log.Warn(principal, requestID, "request blocked by security scan", map[string]interface{}{
			"max_severity": string(report.MaxSeverity),
			"risk_score":   report.RiskScore,
			"threats":      len(report.Threats),
		})
	}
	return report
}

// AssessResponse grades an outbound response. Degradation is logged and
// flagged on the report, never surfaced as a dispatch failure.
func (p *Pipeline) AssessResponse(ctx context.Context, principal, requestID, response string) *QualityReport {
	report := p.analyzer.Analyze(ctx, response)
	if report.Degraded {
		p.log.Warn(principal, requestID, "quality assessment degraded", map[string]interface{}{
			"risk_level": string(report.RiskLevel),
		})
	}
	for _, alert := range report.Alerts {
		p.log.Warn(principal, requestID, "quality alert", map[string]interface{}{
			"type":     string(alert.Type),
			"severity": string(alert.Severity),
			"message":  alert.Message,
		})
	}
	return report
}
