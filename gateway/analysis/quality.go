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

package analysis

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// RiskLevel grades hallucination risk for a response.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Claim is one factual statement extracted from a response.
type Claim struct {
	Text       string  `json:"text"`
	Validated  bool    `json:"validated"`
	Confidence float64 `json:"confidence"`
}

// AlertType identifies a quality alert family.
type AlertType string

const (
	AlertHallucination    AlertType = "hallucination"
	AlertLowQuality       AlertType = "low_quality"
	AlertMultipleFailures AlertType = "multiple_failures"
)

// Alert flags a quality problem worth surfacing.
type Alert struct {
	Type     AlertType `json:"type"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

// QualityReport is the aggregate quality assessment of a response.
type QualityReport struct {
	RiskLevel      RiskLevel     `json:"risk_level"`
	Confidence     float64       `json:"confidence"`
	QualityScore   float64       `json:"quality_score"`
	Claims         []Claim       `json:"claims,omitempty"`
	FailedClaims   int           `json:"failed_claims"`
	Alerts         []Alert       `json:"alerts,omitempty"`
	Degraded       bool          `json:"degraded,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Corroborator looks up reference material for a claim. The analyzer
// compares the claim against the returned text; an error marks the
// report degraded instead of failing the request.
type Corroborator interface {
	Corroborate(ctx context.Context, claim string) (string, error)
}

// Analyzer constants.
const (
	// maxValidatedClaims caps how many claims are corroborated per response.
	maxValidatedClaims = 10

	// minClaimLength filters out fragments.
	minClaimLength = 10

	// overlapThreshold is the keyword overlap ratio that validates a claim.
	overlapThreshold = 0.3

	// corroborationTimeout bounds each corroboration lookup.
	corroborationTimeout = 10 * time.Second
)

var (
	factualMarkers = []*regexp.Regexp{
		regexp.MustCompile(`\d`),
		regexp.MustCompile(`(?i)\bin\s+\d{4}\b`),
		regexp.MustCompile(`(?i)\b(founded|created|established|invented|discovered)\b`),
		regexp.MustCompile(`(?i)\b(located|situated|based)\s+in\b`),
		regexp.MustCompile(`(?i)\b(known|famous|renowned)\s+for\b`),
		regexp.MustCompile(`(?i)\b(according\s+to|research\s+shows|studies\s+show)\b`),
	}

	opinionOpeners = []string{
		"i think", "i believe", "in my opinion", "maybe", "perhaps",
		"possibly", "it seems", "arguably",
	}

	hedgingWords = []string{
		"may", "might", "could", "appears", "suggests", "likely",
		"approximately", "around", "roughly",
	}

	certaintyWords = []string{
		"definitely", "certainly", "absolutely", "undoubtedly",
		"always", "never", "guaranteed", "100%",
	}

	citationPattern = regexp.MustCompile(`(?i)(\[\d+\]|\(\d{4}\)|according\s+to\s+[A-Z]|https?://)`)

	stopWords = map[string]bool{
		"the": true, "a": true, "an": true, "and": true, "or": true,
		"of": true, "in": true, "on": true, "at": true, "to": true,
		"is": true, "are": true, "was": true, "were": true, "be": true,
		"it": true, "its": true, "this": true, "that": true, "with": true,
		"for": true, "as": true, "by": true, "from": true, "has": true,
		"have": true, "had": true,
	}

	sentenceSplit = regexp.MustCompile(`[.!?]+\s+`)
)

// QualityAnalyzer validates factual claims in responses and scores
// overall response quality.
type QualityAnalyzer struct {
	corroborator Corroborator
}

// NewQualityAnalyzer creates an analyzer. The corroborator may be nil,
// in which case every report is marked degraded.
func NewQualityAnalyzer(corroborator Corroborator) *QualityAnalyzer {
	return &QualityAnalyzer{corroborator: corroborator}
}

// Analyze extracts claims from the response, corroborates a bounded
// number of them, and grades the response. Corroboration failure
// degrades the report; it never produces an error.
func (a *QualityAnalyzer) Analyze(ctx context.Context, response string) *QualityReport {
	start := time.Now()

	claims := ExtractClaims(response)
	report := &QualityReport{}

	if len(claims) == 0 {
		report.RiskLevel = RiskLow
		report.Confidence = 0.6
		report.QualityScore = 7.5
	} else {
		validated, failed, degraded := a.validateClaims(ctx, claims)
		report.Claims = append(validated, failed...)
		report.FailedClaims = len(failed)
		report.Degraded = degraded

		failureRate := float64(len(failed)) / float64(len(validated)+len(failed))
		switch {
		case failureRate > 0.5:
			report.RiskLevel = RiskHigh
			report.Confidence = 0.85
			report.QualityScore = 4.0
		case failureRate > 0.25:
			report.RiskLevel = RiskMedium
			report.Confidence = 0.75
			report.QualityScore = 6.5
		default:
			report.RiskLevel = RiskLow
			report.Confidence = 0.80
			report.QualityScore = 8.5
		}
	}

	a.applyToneAdjustments(response, report)

	if report.QualityScore < 0 {
		report.QualityScore = 0
	}
	if report.QualityScore > 10 {
		report.QualityScore = 10
	}

	report.Alerts = buildAlerts(report)
	report.ProcessingTime = time.Since(start)
	return report
}

// validateClaims corroborates up to maxValidatedClaims claims.
func (a *QualityAnalyzer) validateClaims(ctx context.Context, claims []string) (validated, failed []Claim, degraded bool) {
	if a.corroborator == nil {
		for _, c := range claims {
			validated = append(validated, Claim{Text: c, Validated: true, Confidence: 0.5})
		}
		return validated, nil, true
	}

	checked := 0
	for _, text := range claims {
		if checked >= maxValidatedClaims {
			break
		}
		checked++

		cctx, cancel := context.WithTimeout(ctx, corroborationTimeout)
		reference, err := a.corroborator.Corroborate(cctx, text)
		cancel()
		if err != nil {
			// Treat an unreachable corroborator as inconclusive
			degraded = true
			validated = append(validated, Claim{Text: text, Validated: true, Confidence: 0.5})
			continue
		}

		ratio := keywordOverlap(text, reference)
		conf := ratio * 1.5
		if conf > 0.9 {
			conf = 0.9
		}
		claim := Claim{Text: text, Confidence: conf}
		if ratio > overlapThreshold {
			claim.Validated = true
			validated = append(validated, claim)
		} else {
			failed = append(failed, claim)
		}
	}

	return validated, failed, degraded
}

// applyToneAdjustments tunes the score for hedging, citations, and
// overconfident phrasing.
func (a *QualityAnalyzer) applyToneAdjustments(response string, report *QualityReport) {
	lower := strings.ToLower(response)

	for _, h := range hedgingWords {
		if strings.Contains(lower, h) {
			report.QualityScore += 0.5
			break
		}
	}

	if citationPattern.MatchString(response) {
		report.QualityScore += 1.0
		if report.RiskLevel == RiskMedium {
			report.RiskLevel = RiskLow
		}
	}

	certain := 0
	for _, w := range certaintyWords {
		certain += strings.Count(lower, w)
	}
	if certain > 2 {
		report.QualityScore -= 1.0
		report.Confidence -= 0.1
	}
}

func buildAlerts(report *QualityReport) []Alert {
	var alerts []Alert

	if report.RiskLevel == RiskHigh {
		alerts = append(alerts, Alert{
			Type:     AlertHallucination,
			Severity: SeverityCritical,
			Message:  "high hallucination risk: most factual claims failed corroboration",
		})
	}

	if report.QualityScore < 5.0 {
		alerts = append(alerts, Alert{
			Type:     AlertLowQuality,
			Severity: SeverityHigh,
			Message:  "response quality score below acceptable threshold",
		})
	}

	lowConfFailures := 0
	for _, c := range report.Claims {
		if !c.Validated && c.Confidence < 0.3 {
			lowConfFailures++
		}
	}
	if lowConfFailures > 2 {
		alerts = append(alerts, Alert{
			Type:     AlertMultipleFailures,
			Severity: SeverityHigh,
			Message:  "multiple claims failed corroboration with low confidence",
		})
	}

	return alerts
}

// ExtractClaims pulls factual statements out of response text.
// A claim is a sentence of at least minClaimLength characters carrying a
// factual marker, excluding questions and opinion phrasing.
func ExtractClaims(response string) []string {
	sentences := sentenceSplit.Split(response, -1)

	var claims []string
	for _, raw := range sentences {
		s := strings.TrimSpace(raw)
		if len(s) < minClaimLength {
			continue
		}
		if strings.HasSuffix(s, "?") || strings.Contains(s, "? ") {
			continue
		}

		lower := strings.ToLower(s)
		opinion := false
		for _, o := range opinionOpeners {
			if strings.Contains(lower, o) {
				opinion = true
				break
			}
		}
		if opinion {
			continue
		}

		for _, marker := range factualMarkers {
			if marker.MatchString(s) {
				claims = append(claims, s)
				break
			}
		}
	}

	return claims
}

// keywordOverlap computes how many content words of the claim appear in
// the reference text.
func keywordOverlap(claim, reference string) float64 {
	claimWords := contentWords(claim)
	if len(claimWords) == 0 {
		return 0
	}

	refWords := make(map[string]bool)
	for _, w := range contentWords(reference) {
		refWords[w] = true
	}

	hits := 0
	for _, w := range claimWords {
		if refWords[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(claimWords))
}

func contentWords(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]")
		if f == "" || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}
