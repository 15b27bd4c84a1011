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
	"regexp"
	"strings"
	"time"
)

// Severity grades how dangerous a detected threat is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for max-aggregation.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// weight converts a severity into a risk-score contribution factor.
func (s Severity) weight() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.8
	case SeverityMedium:
		return 0.5
	default:
		return 0.25
	}
}

// ThreatCategory groups related threat patterns.
type ThreatCategory string

const (
	CategoryPromptInjection  ThreatCategory = "prompt_injection"
	CategoryJailbreak        ThreatCategory = "jailbreak"
	CategoryDataExfiltration ThreatCategory = "data_exfiltration"
	CategorySensitiveData    ThreatCategory = "sensitive_data"
	CategoryAdversarialInput ThreatCategory = "adversarial_input"
)

// ThreatPattern is one compiled detection pattern.
type ThreatPattern struct {
	Name        string
	Category    ThreatCategory
	Regex       *regexp.Regexp
	Confidence  float64
	Severity    Severity
	Description string
}

// Threat is one detection hit.
type Threat struct {
	Name       string         `json:"name"`
	Category   ThreatCategory `json:"category"`
	Confidence float64        `json:"confidence"`
	Severity   Severity       `json:"severity"`
	Evidence   string         `json:"evidence,omitempty"`
}

// SecurityReport is the aggregate result of a scan.
type SecurityReport struct {
	Threats          []Threat      `json:"threats,omitempty"`
	MaxSeverity      Severity      `json:"max_severity"`
	RiskScore        float64       `json:"risk_score"`
	Blocked          bool          `json:"blocked"`
	PatternsChecked  int           `json:"patterns_checked"`
	ProcessingTime   time.Duration `json:"processing_time"`
}

// evidenceLimit caps how much matched text a threat report carries.
const evidenceLimit = 80

func defaultThreatPatterns() []ThreatPattern {
	return []ThreatPattern{
		// Prompt injection
		{
			Name:        "ignore_instructions",
			Category:    CategoryPromptInjection,
			Regex:       regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+|your\s+|previous\s+|prior\s+)*(instructions|rules|guidelines|prompts?)`),
			Confidence:  0.9,
			Severity:    SeverityHigh,
			Description: "Attempts to override system instructions",
		},
		{
			Name:        "role_manipulation",
			Category:    CategoryPromptInjection,
			Regex:       regexp.MustCompile(`(?i)(you\s+are\s+now|act\s+as|pretend\s+(to\s+be|you\s+are)|roleplay\s+as)\s+`),
			Confidence:  0.7,
			Severity:    SeverityMedium,
			Description: "Attempts to reassign the assistant's role",
		},
		{
			Name:        "system_prompt_extraction",
			Category:    CategoryPromptInjection,
			Regex:       regexp.MustCompile(`(?i)(show|reveal|print|repeat|output)\s+(me\s+)?(your|the)\s+(system\s+prompt|initial\s+instructions|hidden\s+rules)`),
			Confidence:  0.8,
			Severity:    SeverityHigh,
			Description: "Attempts to extract the system prompt",
		},

		// Jailbreak
		{
			Name:        "dan_style",
			Category:    CategoryJailbreak,
			Regex:       regexp.MustCompile(`(?i)(\bDAN\b|do\s+anything\s+now|jailbreak|developer\s+mode|no\s+restrictions\s+mode)`),
			Confidence:  0.95,
			Severity:    SeverityCritical,
			Description: "Known jailbreak persona prompts",
		},
		{
			Name:        "ethical_bypass",
			Category:    CategoryJailbreak,
			Regex:       regexp.MustCompile(`(?i)(without\s+(any\s+)?(ethical|moral|safety)\s+(concerns|restrictions|guidelines)|bypass\s+(your\s+)?safety)`),
			Confidence:  0.8,
			Severity:    SeverityHigh,
			Description: "Requests to drop safety behavior",
		},
		{
			Name:        "hypothetical_scenarios",
			Category:    CategoryJailbreak,
			Regex:       regexp.MustCompile(`(?i)(hypothetically|in\s+a\s+fictional\s+world|for\s+a\s+story|imagine\s+you\s+(could|had\s+no))\s+.{0,40}(illegal|harmful|dangerous|weapon)`),
			Confidence:  0.6,
			Severity:    SeverityMedium,
			Description: "Hypothetical framing around harmful asks",
		},

		// Data exfiltration
		{
			Name:        "data_requests",
			Category:    CategoryDataExfiltration,
			Regex:       regexp.MustCompile(`(?i)(list|dump|export|give\s+me)\s+(all\s+)?(users?|customers?|accounts?|records|database|emails)\b`),
			Confidence:  0.8,
			Severity:    SeverityHigh,
			Description: "Bulk data extraction requests",
		},
		{
			Name:        "credential_harvesting",
			Category:    CategoryDataExfiltration,
			Regex:       regexp.MustCompile(`(?i)(passwords?|credentials|api\s+keys?|secret\s+keys?|access\s+tokens?)\s+(for|of|belonging\s+to)\b`),
			Confidence:  0.9,
			Severity:    SeverityCritical,
			Description: "Requests for other parties' credentials",
		},

		// Sensitive data
		{
			Name:        "ssn",
			Category:    CategorySensitiveData,
			Regex:       regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Confidence:  0.95,
			Severity:    SeverityHigh,
			Description: "US Social Security number",
		},
		{
			Name:        "credit_card",
			Category:    CategorySensitiveData,
			Regex:       regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),
			Confidence:  0.9,
			Severity:    SeverityHigh,
			Description: "Credit card number",
		},
		{
			Name:        "email_address",
			Category:    CategorySensitiveData,
			Regex:       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			Confidence:  0.8,
			Severity:    SeverityMedium,
			Description: "Email address",
		},
		{
			Name:        "phone_number",
			Category:    CategorySensitiveData,
			Regex:       regexp.MustCompile(`\b(\+?1[ .-]?)?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`),
			Confidence:  0.7,
			Severity:    SeverityMedium,
			Description: "Phone number",
		},
		{
			Name:        "api_keys",
			Category:    CategorySensitiveData,
			Regex:       regexp.MustCompile(`\b(sk-[A-Za-z0-9]{20,}|AKIA[0-9A-Z]{16}|AIza[0-9A-Za-z_-]{35})\b`),
			Confidence:  0.95,
			Severity:    SeverityCritical,
			Description: "Provider or cloud API key",
		},
		{
			Name:        "passwords",
			Category:    CategorySensitiveData,
			Regex:       regexp.MustCompile(`(?i)\bpassword\s*[:=]\s*\S+`),
			Confidence:  0.7,
			Severity:    SeverityHigh,
			Description: "Inline password assignment",
		},
	}
}

// Scanner screens request content for security threats.
type Scanner struct {
	patterns []ThreatPattern

	// blockSeverity is the lowest single-threat severity that blocks.
	blockSeverity Severity

	// mediumBlockCount is how many medium threats together block.
	mediumBlockCount int

	// maxContentLength is the adversarial length ceiling.
	maxContentLength int
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithPatterns replaces the default pattern table.
func WithPatterns(patterns []ThreatPattern) ScannerOption {
	return func(s *Scanner) {
		s.patterns = patterns
	}
}

// WithMaxContentLength overrides the excessive-length threshold.
func WithMaxContentLength(n int) ScannerOption {
	return func(s *Scanner) {
		if n > 0 {
			s.maxContentLength = n
		}
	}
}

// NewScanner creates a scanner with the default pattern table.
func NewScanner(opts ...ScannerOption) *Scanner {
	s := &Scanner{
		patterns:         defaultThreatPatterns(),
		blockSeverity:    SeverityHigh,
		mediumBlockCount: 2,
		maxContentLength: 50000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan checks content against every pattern plus the adversarial-input
// heuristics and aggregates the result.
func (s *Scanner) Scan(content string) *SecurityReport {
	start := time.Now()
	report := &SecurityReport{MaxSeverity: SeverityLow}

	for _, p := range s.patterns {
		report.PatternsChecked++
		loc := p.Regex.FindString(content)
		if loc == "" {
			continue
		}
		if len(loc) > evidenceLimit {
			loc = loc[:evidenceLimit]
		}
		report.Threats = append(report.Threats, Threat{
			Name:       p.Name,
			Category:   p.Category,
			Confidence: p.Confidence,
			Severity:   p.Severity,
			Evidence:   loc,
		})
	}

	report.Threats = append(report.Threats, s.adversarialChecks(content)...)

	mediums := 0
	risk := 0.0
	for _, t := range report.Threats {
		if t.Severity.rank() > report.MaxSeverity.rank() {
			report.MaxSeverity = t.Severity
		}
		if t.Severity == SeverityMedium {
			mediums++
		}
		risk += t.Confidence * t.Severity.weight()
	}
	if risk > 1.0 {
		risk = 1.0
	}
	report.RiskScore = risk

	report.Blocked = report.MaxSeverity.rank() >= s.blockSeverity.rank() ||
		mediums >= s.mediumBlockCount
	report.ProcessingTime = time.Since(start)

	return report
}

// adversarialChecks applies the structural heuristics that regexes
// cannot express: repetition floods, low-entropy noise, oversized input.
func (s *Scanner) adversarialChecks(content string) []Threat {
	var out []Threat

	words := strings.Fields(content)
	if len(words) > 10 {
		counts := make(map[string]int, len(words))
		maxCount := 0
		for _, w := range words {
			counts[w]++
			if counts[w] > maxCount {
				maxCount = counts[w]
			}
		}
		if float64(maxCount) > 0.3*float64(len(words)) {
			out = append(out, Threat{
				Name:       "excessive_repetition",
				Category:   CategoryAdversarialInput,
				Confidence: 0.8,
				Severity:   SeverityMedium,
			})
		}
	}

	if len(content) > 50 {
		unique := make(map[rune]bool)
		for _, r := range content {
			unique[r] = true
		}
		if float64(len(unique)) < 0.1*float64(len(content)) {
			out = append(out, Threat{
				Name:       "low_character_diversity",
				Category:   CategoryAdversarialInput,
				Confidence: 0.7,
				Severity:   SeverityLow,
			})
		}
	}

	if len(content) > s.maxContentLength {
		out = append(out, Threat{
			Name:       "excessive_length",
			Category:   CategoryAdversarialInput,
			Confidence: 0.9,
			Severity:   SeverityHigh,
		})
	}

	return out
}
