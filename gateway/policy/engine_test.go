// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"
)

type stubSpend struct {
	spend map[string]float64
	err   error
}

func (s *stubSpend) CurrentSpend(ctx context.Context, scope Scope, key string, window Window) (float64, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.spend[string(scope)+":"+key+":"+string(window)], nil
}

func TestActionCombineMonotone(t *testing.T) {
	tests := []struct {
		a, b, want Action
	}{
		{ActionAllow, ActionAllow, ActionAllow},
		{ActionAllow, ActionWarn, ActionWarn},
		{ActionWarn, ActionAllow, ActionWarn},
		{ActionWarn, ActionBlock, ActionBlock},
		{ActionBlock, ActionWarn, ActionBlock},
		{ActionBlock, ActionAllow, ActionBlock},
	}
	for _, tt := range tests {
		if got := tt.a.Combine(tt.b); got != tt.want {
			t.Errorf("%s.Combine(%s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestBudgetRule(t *testing.T) {
	spend := &stubSpend{spend: map[string]float64{
		"user:alice:daily": 9.50,
		"team:ml:monthly":  480.0,
		"global::daily":    9999.0,
	}}

	tests := []struct {
		name       string
		rule       BudgetRule
		req        Request
		wantAction Action
	}{
		{
			name:       "under limit passes",
			rule:       BudgetRule{RuleID: "b1", Scope: ScopeUser, Window: WindowDaily, LimitUSD: 10.0, Spend: spend},
			req:        Request{Principal: "alice", EstimatedCost: 0.40},
			wantAction: "",
		},
		{
			name:       "estimated cost pushes past limit",
			rule:       BudgetRule{RuleID: "b1", Scope: ScopeUser, Window: WindowDaily, LimitUSD: 10.0, Spend: spend},
			req:        Request{Principal: "alice", EstimatedCost: 0.60},
			wantAction: ActionBlock,
		},
		{
			name:       "team scope uses team key",
			rule:       BudgetRule{RuleID: "b2", Scope: ScopeTeam, Window: WindowMonthly, LimitUSD: 500.0, Spend: spend},
			req:        Request{Principal: "alice", Team: "ml", EstimatedCost: 30.0},
			wantAction: ActionBlock,
		},
		{
			name:       "global scope ignores identity",
			rule:       BudgetRule{RuleID: "b3", Scope: ScopeGlobal, Window: WindowDaily, LimitUSD: 10000.0, Spend: spend},
			req:        Request{Principal: "anyone", EstimatedCost: 500.0},
			wantAction: ActionBlock,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.rule.Evaluate(context.Background(), &tt.req)
			if tt.wantAction == "" {
				if len(got) != 0 {
					t.Fatalf("Evaluate() = %v, want no violations", got)
				}
				return
			}
			if len(got) != 1 {
				t.Fatalf("Evaluate() returned %d violations, want 1", len(got))
			}
			if got[0].Action != tt.wantAction {
				t.Errorf("action = %s, want %s", got[0].Action, tt.wantAction)
			}
			if got[0].Kind != RuleKindBudget {
				t.Errorf("kind = %s, want budget", got[0].Kind)
			}
		})
	}
}

func TestBudgetRuleLedgerFailureWarnsInsteadOfBlocking(t *testing.T) {
	rule := BudgetRule{
		RuleID:   "b1",
		Scope:    ScopeUser,
		Window:   WindowDaily,
		LimitUSD: 10.0,
		Spend:    &stubSpend{err: errors.New("redis unreachable")},
	}

	got := rule.Evaluate(context.Background(), &Request{Principal: "alice", EstimatedCost: 100.0})
	if len(got) != 1 {
		t.Fatalf("Evaluate() returned %d violations, want 1", len(got))
	}
	if got[0].Action != ActionWarn {
		t.Errorf("action = %s, want warn (fail open)", got[0].Action)
	}
}

func TestBudgetRuleWarnAction(t *testing.T) {
	rule := BudgetRule{
		RuleID:   "b-soft",
		Scope:    ScopeUser,
		Window:   WindowDaily,
		LimitUSD: 10.0,
		Action:   ActionWarn,
		Spend:    &stubSpend{spend: map[string]float64{"user:alice:daily": 9.50}},
	}

	got := rule.Evaluate(context.Background(), &Request{Principal: "alice", EstimatedCost: 1.0})
	if len(got) != 1 {
		t.Fatalf("Evaluate() returned %d violations, want 1", len(got))
	}
	if got[0].Action != ActionWarn {
		t.Errorf("action = %s, want warn", got[0].Action)
	}
}

func TestContentRule(t *testing.T) {
	rule := ContentRule{
		RuleID:          "c1",
		BlockedPatterns: []*regexp.Regexp{regexp.MustCompile(`(?i)internal[- ]only`)},
		BlockedKeywords: []string{"Codename"},
	}

	got := rule.Evaluate(context.Background(), &Request{Content: "This is INTERNAL-ONLY, codename Zeus"})
	if len(got) != 2 {
		t.Fatalf("Evaluate() returned %d violations, want 2", len(got))
	}
	if got[0].Action != ActionBlock {
		t.Errorf("pattern action = %s, want block default", got[0].Action)
	}
	if got[1].Action != ActionWarn {
		t.Errorf("keyword action = %s, want warn default", got[1].Action)
	}

	clean := rule.Evaluate(context.Background(), &Request{Content: "nothing to see"})
	if len(clean) != 0 {
		t.Errorf("clean content produced violations: %v", clean)
	}
}

func TestContentRuleActionOverrides(t *testing.T) {
	rule := ContentRule{
		RuleID:          "c2",
		BlockedPatterns: []*regexp.Regexp{regexp.MustCompile("secret")},
		PatternAction:   ActionWarn,
		BlockedKeywords: []string{"forbidden"},
		KeywordAction:   ActionBlock,
	}

	got := rule.Evaluate(context.Background(), &Request{Content: "secret forbidden"})
	if len(got) != 2 {
		t.Fatalf("Evaluate() returned %d violations, want 2", len(got))
	}
	if got[0].Action != ActionWarn || got[1].Action != ActionBlock {
		t.Errorf("actions = %s/%s, want warn/block", got[0].Action, got[1].Action)
	}
}

func TestIdentityRule(t *testing.T) {
	tests := []struct {
		name      string
		rule      IdentityRule
		req       Request
		wantBlock bool
	}{
		{
			name:      "blocked user",
			rule:      IdentityRule{RuleID: "i1", BlockedUsers: []string{"mallory"}},
			req:       Request{Principal: "mallory"},
			wantBlock: true,
		},
		{
			name:      "blocked team",
			rule:      IdentityRule{RuleID: "i1", BlockedTeams: []string{"contractors"}},
			req:       Request{Principal: "alice", Team: "contractors"},
			wantBlock: true,
		},
		{
			name:      "allow list admits member",
			rule:      IdentityRule{RuleID: "i1", AllowedUsers: []string{"alice"}},
			req:       Request{Principal: "alice"},
			wantBlock: false,
		},
		{
			name:      "allow list excludes non-member",
			rule:      IdentityRule{RuleID: "i1", AllowedUsers: []string{"alice"}},
			req:       Request{Principal: "bob"},
			wantBlock: true,
		},
		{
			name:      "block list wins over allow list",
			rule:      IdentityRule{RuleID: "i1", BlockedUsers: []string{"alice"}, AllowedUsers: []string{"alice"}},
			req:       Request{Principal: "alice"},
			wantBlock: true,
		},
		{
			name:      "team allow list",
			rule:      IdentityRule{RuleID: "i1", AllowedTeams: []string{"ml"}},
			req:       Request{Principal: "alice", Team: "web"},
			wantBlock: true,
		},
		{
			name:      "no lists admits everyone",
			rule:      IdentityRule{RuleID: "i1"},
			req:       Request{Principal: "anyone"},
			wantBlock: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.rule.Evaluate(context.Background(), &tt.req)
			blocked := len(got) > 0 && got[0].Action == ActionBlock
			if blocked != tt.wantBlock {
				t.Errorf("blocked = %v, want %v (violations: %v)", blocked, tt.wantBlock, got)
			}
		})
	}
}

func TestModelRule(t *testing.T) {
	tests := []struct {
		name           string
		rule           ModelRule
		req            Request
		wantViolations int
	}{
		{
			name:           "blocked model",
			rule:           ModelRule{RuleID: "m1", BlockedModels: []string{"gpt-4"}},
			req:            Request{Model: "gpt-4"},
			wantViolations: 1,
		},
		{
			name:           "model outside allow list",
			rule:           ModelRule{RuleID: "m1", AllowedModels: []string{"claude-3-haiku"}},
			req:            Request{Model: "gpt-4"},
			wantViolations: 1,
		},
		{
			name:           "empty model skips model checks",
			rule:           ModelRule{RuleID: "m1", AllowedModels: []string{"claude-3-haiku"}},
			req:            Request{},
			wantViolations: 0,
		},
		{
			name:           "max tokens ceiling",
			rule:           ModelRule{RuleID: "m1", MaxTokens: 4096},
			req:            Request{MaxTokens: 8000},
			wantViolations: 1,
		},
		{
			name:           "blocked model and token ceiling both reported",
			rule:           ModelRule{RuleID: "m1", BlockedModels: []string{"gpt-4"}, MaxTokens: 4096},
			req:            Request{Model: "gpt-4", MaxTokens: 8000},
			wantViolations: 2,
		},
		{
			name:           "allowed model under ceiling",
			rule:           ModelRule{RuleID: "m1", AllowedModels: []string{"claude-3-haiku"}, MaxTokens: 4096},
			req:            Request{Model: "claude-3-haiku", MaxTokens: 1000},
			wantViolations: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.rule.Evaluate(context.Background(), &tt.req)
			if len(got) != tt.wantViolations {
				t.Errorf("violations = %d, want %d: %v", len(got), tt.wantViolations, got)
			}
		})
	}
}

func TestTimeRule(t *testing.T) {
	// 2026-08-24 is a Monday; 14:00 UTC.
	monday := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		rule      TimeRule
		now       time.Time
		wantBlock bool
	}{
		{
			name:      "allowed hour passes",
			rule:      TimeRule{RuleID: "t1", AllowedHours: []int{13, 14, 15}},
			now:       monday,
			wantBlock: false,
		},
		{
			name:      "hour outside window",
			rule:      TimeRule{RuleID: "t1", AllowedHours: []int{9, 10}},
			now:       monday,
			wantBlock: true,
		},
		{
			name:      "blocked weekday",
			rule:      TimeRule{RuleID: "t1", BlockedWeekdays: []time.Weekday{time.Monday}},
			now:       monday,
			wantBlock: true,
		},
		{
			name:      "other weekday passes",
			rule:      TimeRule{RuleID: "t1", BlockedWeekdays: []time.Weekday{time.Sunday}},
			now:       monday,
			wantBlock: false,
		},
		{
			name:      "non-UTC time normalized",
			rule:      TimeRule{RuleID: "t1", AllowedHours: []int{14}},
			now:       monday.In(time.FixedZone("UTC+5", 5*3600)),
			wantBlock: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.rule.Evaluate(context.Background(), &Request{Now: tt.now})
			blocked := len(got) > 0
			if blocked != tt.wantBlock {
				t.Errorf("blocked = %v, want %v (violations: %v)", blocked, tt.wantBlock, got)
			}
		})
	}
}

func TestEngineCombinesAllViolations(t *testing.T) {
	spend := &stubSpend{spend: map[string]float64{"user:alice:daily": 100.0}}
	rules := []Rule{
		&ContentRule{RuleID: "c1", BlockedKeywords: []string{"codename"}},
		&BudgetRule{RuleID: "b1", Scope: ScopeUser, Window: WindowDaily, LimitUSD: 10.0, Spend: spend},
		&ModelRule{RuleID: "m1", MaxTokens: 4096},
	}
	e := NewEngine(rules, nil)

	decision := e.Evaluate(context.Background(), &Request{
		Principal:     "alice",
		Content:       "the codename is Zeus",
		EstimatedCost: 1.0,
		MaxTokens:     8000,
	})

	if decision.Allowed {
		t.Error("decision.Allowed = true, want false")
	}
	if decision.Action != ActionBlock {
		t.Errorf("decision.Action = %s, want block", decision.Action)
	}
	if len(decision.Violations) != 3 {
		t.Errorf("violations = %d, want all 3 reported", len(decision.Violations))
	}
	if decision.ChecksPerformed != 3 {
		t.Errorf("checks performed = %d, want 3", decision.ChecksPerformed)
	}
}

func TestEngineWarnStillAllows(t *testing.T) {
	rules := []Rule{
		&ContentRule{RuleID: "c1", BlockedKeywords: []string{"codename"}},
	}
	e := NewEngine(rules, nil)

	decision := e.Evaluate(context.Background(), &Request{Content: "codename Zeus"})
	if !decision.Allowed {
		t.Error("warn-only decision should be allowed")
	}
	if decision.Action != ActionWarn {
		t.Errorf("decision.Action = %s, want warn", decision.Action)
	}
	if len(decision.Violations) != 1 {
		t.Errorf("violations = %d, want 1", len(decision.Violations))
	}
}

func TestEngineNoRules(t *testing.T) {
	e := NewEngine(nil, nil)
	decision := e.Evaluate(context.Background(), &Request{Principal: "alice"})
	if !decision.Allowed || decision.Action != ActionAllow {
		t.Errorf("empty engine decision = %+v, want allow", decision)
	}
}

func TestEngineReplaceBumpsVersion(t *testing.T) {
	e := NewEngine(nil, nil)
	v1 := e.Version()

	e.Replace([]Rule{&ModelRule{RuleID: "m1", MaxTokens: 100}})
	v2 := e.Version()
	if v2 <= v1 {
		t.Errorf("version after Replace() = %d, want > %d", v2, v1)
	}

	decision := e.Evaluate(context.Background(), &Request{MaxTokens: 500})
	if decision.Allowed {
		t.Error("replaced rules should apply to new evaluations")
	}
	if got := len(e.Rules()); got != 1 {
		t.Errorf("Rules() = %d entries, want 1", got)
	}
}

func TestViolationErrorMessage(t *testing.T) {
	err := &ViolationError{Decision: &Decision{
		Violations: []Violation{
			{Action: ActionWarn, Message: "warned"},
			{Action: ActionBlock, Message: "user blocked"},
		},
	}}
	got := err.Error()
	want := "request blocked by policy: user blocked"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
