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

package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Action is the outcome a rule requests for a violation.
type Action string

const (
	// ActionAllow permits the request.
	ActionAllow Action = "allow"

	// ActionWarn permits the request but records the violation.
	ActionWarn Action = "warn"

	// ActionBlock rejects the request.
	ActionBlock Action = "block"
)

// severity ranks actions for monotone combination: block > warn > allow.
func (a Action) severity() int {
	switch a {
	case ActionBlock:
		return 2
	case ActionWarn:
		return 1
	default:
		return 0
	}
}

// Combine returns the stricter of two actions.
func (a Action) Combine(b Action) Action {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// RuleKind identifies the rule family.
type RuleKind string

const (
	RuleKindBudget   RuleKind = "budget"
	RuleKindContent  RuleKind = "content"
	RuleKindIdentity RuleKind = "identity"
	RuleKindModel    RuleKind = "model"
	RuleKindTime     RuleKind = "time"
)

// Scope selects whose spend a budget rule measures.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeTeam   Scope = "team"
	ScopeGlobal Scope = "global"
)

// Window selects the accounting period for a budget rule.
type Window string

const (
	WindowDaily   Window = "daily"
	WindowWeekly  Window = "weekly"
	WindowMonthly Window = "monthly"
)

// Request is the admission view of an inbound completion request.
type Request struct {
	Principal     string
	Team          string
	Model         string
	MaxTokens     int
	EstimatedCost float64
	Content       string
	Now           time.Time
}

// Violation records one rule trigger. Evaluation returns every
// violation, not just the first.
type Violation struct {
	RuleID  string   `json:"rule_id"`
	Kind    RuleKind `json:"kind"`
	Action  Action   `json:"action"`
	Message string   `json:"message"`
}

// Rule is a single admission rule. Evaluate returns the violations the
// request triggers; an empty slice means the rule passes.
// Implementations must be safe for concurrent use: the engine shares
// one rule set snapshot across requests.
type Rule interface {
	ID() string
	Kind() RuleKind
	Evaluate(ctx context.Context, req *Request) []Violation
}

// SpendReader reports accumulated spend for budget evaluation.
// The gateway/ledger implementations satisfy this.
type SpendReader interface {
	CurrentSpend(ctx context.Context, scope Scope, key string, window Window) (float64, error)
}

// BudgetRule triggers when the estimated cost would push the scoped
// spend past the limit. Breaches block unless the rule is configured
// to warn only.
type BudgetRule struct {
	RuleID   string
	Scope    Scope
	Window   Window
	LimitUSD float64
	Action   Action
	Spend    SpendReader
}

func (r *BudgetRule) ID() string     { return r.RuleID }
func (r *BudgetRule) Kind() RuleKind { return RuleKindBudget }

func (r *BudgetRule) Evaluate(ctx context.Context, req *Request) []Violation {
	key := ""
	switch r.Scope {
	case ScopeUser:
		key = req.Principal
	case ScopeTeam:
		key = req.Team
	}

	current, err := r.Spend.CurrentSpend(ctx, r.Scope, key, r.Window)
	if err != nil {
		// Ledger unavailable: admit with a warning rather than block
		return []Violation{{
			RuleID:  r.RuleID,
			Kind:    RuleKindBudget,
			Action:  ActionWarn,
			Message: fmt.Sprintf("budget check degraded: %v", err),
		}}
	}

	if current+req.EstimatedCost > r.LimitUSD {
		action := r.Action
		if action == "" {
			action = ActionBlock
		}
		return []Violation{{
			RuleID: r.RuleID,
			Kind:   RuleKindBudget,
			Action: action,
			Message: fmt.Sprintf("%s %s budget exceeded: %.4f + %.4f > %.4f USD",
				r.Scope, r.Window, current, req.EstimatedCost, r.LimitUSD),
		}}
	}
	return nil
}

// ContentRule screens request content against blocked regex patterns
// (block by default) and blocked keywords (warn by default).
type ContentRule struct {
	RuleID          string
	BlockedPatterns []*regexp.Regexp
	PatternAction   Action
	BlockedKeywords []string
	KeywordAction   Action
}

func (r *ContentRule) ID() string     { return r.RuleID }
func (r *ContentRule) Kind() RuleKind { return RuleKindContent }

func (r *ContentRule) Evaluate(ctx context.Context, req *Request) []Violation {
	var out []Violation

	patternAction := r.PatternAction
	if patternAction == "" {
		patternAction = ActionBlock
	}
	for _, p := range r.BlockedPatterns {
		if p.MatchString(req.Content) {
			out = append(out, Violation{
				RuleID:  r.RuleID,
				Kind:    RuleKindContent,
				Action:  patternAction,
				Message: fmt.Sprintf("content matches blocked pattern %q", p.String()),
			})
		}
	}

	keywordAction := r.KeywordAction
	if keywordAction == "" {
		keywordAction = ActionWarn
	}
	lower := strings.ToLower(req.Content)
	for _, kw := range r.BlockedKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			out = append(out, Violation{
				RuleID:  r.RuleID,
				Kind:    RuleKindContent,
				Action:  keywordAction,
				Message: fmt.Sprintf("content contains blocked keyword %q", kw),
			})
		}
	}

	return out
}

// IdentityRule gates on who is asking. Blocked lists are checked first;
// when an allow-list exists, anyone not on it is blocked.
type IdentityRule struct {
	RuleID        string
	BlockedUsers  []string
	BlockedTeams  []string
	AllowedUsers  []string
	AllowedTeams  []string
}

func (r *IdentityRule) ID() string     { return r.RuleID }
func (r *IdentityRule) Kind() RuleKind { return RuleKindIdentity }

func (r *IdentityRule) Evaluate(ctx context.Context, req *Request) []Violation {
	for _, u := range r.BlockedUsers {
		if u == req.Principal {
			return []Violation{{
				RuleID:  r.RuleID,
				Kind:    RuleKindIdentity,
				Action:  ActionBlock,
				Message: fmt.Sprintf("user %q is blocked", req.Principal),
			}}
		}
	}
	for _, t := range r.BlockedTeams {
		if t == req.Team {
			return []Violation{{
				RuleID:  r.RuleID,
				Kind:    RuleKindIdentity,
				Action:  ActionBlock,
				Message: fmt.Sprintf("team %q is blocked", req.Team),
			}}
		}
	}

	if len(r.AllowedUsers) > 0 && !contains(r.AllowedUsers, req.Principal) {
		return []Violation{{
			RuleID:  r.RuleID,
			Kind:    RuleKindIdentity,
			Action:  ActionBlock,
			Message: fmt.Sprintf("user %q is not on the allow list", req.Principal),
		}}
	}
	if len(r.AllowedTeams) > 0 && !contains(r.AllowedTeams, req.Team) {
		return []Violation{{
			RuleID:  r.RuleID,
			Kind:    RuleKindIdentity,
			Action:  ActionBlock,
			Message: fmt.Sprintf("team %q is not on the allow list", req.Team),
		}}
	}

	return nil
}

// ModelRule restricts which models may be requested and caps max tokens.
type ModelRule struct {
	RuleID        string
	BlockedModels []string
	AllowedModels []string
	MaxTokens     int
}

func (r *ModelRule) ID() string     { return r.RuleID }
func (r *ModelRule) Kind() RuleKind { return RuleKindModel }

func (r *ModelRule) Evaluate(ctx context.Context, req *Request) []Violation {
	var out []Violation

	if req.Model != "" {
		if contains(r.BlockedModels, req.Model) {
			out = append(out, Violation{
				RuleID:  r.RuleID,
				Kind:    RuleKindModel,
				Action:  ActionBlock,
				Message: fmt.Sprintf("model %q is blocked", req.Model),
			})
		} else if len(r.AllowedModels) > 0 && !contains(r.AllowedModels, req.Model) {
			out = append(out, Violation{
				RuleID:  r.RuleID,
				Kind:    RuleKindModel,
				Action:  ActionBlock,
				Message: fmt.Sprintf("model %q is not on the allow list", req.Model),
			})
		}
	}

	if r.MaxTokens > 0 && req.MaxTokens > r.MaxTokens {
		out = append(out, Violation{
			RuleID:  r.RuleID,
			Kind:    RuleKindModel,
			Action:  ActionBlock,
			Message: fmt.Sprintf("max_tokens %d exceeds ceiling %d", req.MaxTokens, r.MaxTokens),
		})
	}

	return out
}

// TimeRule restricts when requests may run. Hours are UTC.
type TimeRule struct {
	RuleID          string
	AllowedHours    []int
	BlockedWeekdays []time.Weekday
}

func (r *TimeRule) ID() string     { return r.RuleID }
func (r *TimeRule) Kind() RuleKind { return RuleKindTime }

func (r *TimeRule) Evaluate(ctx context.Context, req *Request) []Violation {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	for _, d := range r.BlockedWeekdays {
		if now.Weekday() == d {
			return []Violation{{
				RuleID:  r.RuleID,
				Kind:    RuleKindTime,
				Action:  ActionBlock,
				Message: fmt.Sprintf("requests are blocked on %s", d),
			}}
		}
	}

	if len(r.AllowedHours) > 0 {
		hour := now.Hour()
		allowed := false
		for _, h := range r.AllowedHours {
			if h == hour {
				allowed = true
				break
			}
		}
		if !allowed {
			return []Violation{{
				RuleID:  r.RuleID,
				Kind:    RuleKindTime,
				Action:  ActionBlock,
				Message: fmt.Sprintf("hour %02d UTC is outside the allowed window", hour),
			}}
		}
	}

	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
