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

// Package policy implements the admission policy engine. Rules are held
// in a copy-on-write snapshot: evaluation reads the current snapshot
// without locking, and updates swap in a whole new rule set.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"modelgate/platform/shared/logger"
)

// Decision is the combined outcome of evaluating every rule.
type Decision struct {
	// Allowed is true unless any violation demanded a block.
	Allowed bool `json:"allowed"`

	// Action is the strictest action requested by any violation.
	Action Action `json:"action"`

	// Violations lists every rule trigger, in rule order.
	Violations []Violation `json:"violations,omitempty"`

	// ChecksPerformed counts rules evaluated.
	ChecksPerformed int `json:"checks_performed"`

	// ProcessingTime is how long evaluation took.
	ProcessingTime time.Duration `json:"processing_time"`
}

// ViolationError is returned when callers need a blocked decision as an
// error value.
type ViolationError struct {
	Decision *Decision
}

// Error implements the error interface.
func (e *ViolationError) Error() string {
	msgs := make([]string, 0, len(e.Decision.Violations))
	for _, v := range e.Decision.Violations {
		if v.Action == ActionBlock {
			msgs = append(msgs, v.Message)
		}
	}
	return fmt.Sprintf("request blocked by policy: %s", strings.Join(msgs, "; "))
}

// ruleSet is an immutable snapshot of the active rules.
type ruleSet struct {
	rules   []Rule
	version int64
}

// Engine evaluates admission rules against inbound requests.
type Engine struct {
	snapshot atomic.Pointer[ruleSet]
	version  atomic.Int64
	log      *logger.Logger
}

// NewEngine creates an engine with the given initial rules.
func NewEngine(rules []Rule, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.New("policy")
	}
	e := &Engine{log: log}
	e.Replace(rules)
	return e
}

// Replace swaps in a new rule set. In-flight evaluations keep reading
// the snapshot they started with.
func (e *Engine) Replace(rules []Rule) {
	rs := &ruleSet{
		rules:   append([]Rule(nil), rules...),
		version: e.version.Add(1),
	}
	e.snapshot.Store(rs)
}

// Rules returns the current rule set.
func (e *Engine) Rules() []Rule {
	rs := e.snapshot.Load()
	if rs == nil {
		return nil
	}
	return append([]Rule(nil), rs.rules...)
}

// Version returns the current rule set version, bumped on each Replace.
func (e *Engine) Version() int64 {
	rs := e.snapshot.Load()
	if rs == nil {
		return 0
	}
	return rs.version
}

// Evaluate runs every rule and combines their outcomes. The combination
// is monotone: adding a violation can only keep or raise the action,
// never lower it.
func (e *Engine) Evaluate(ctx context.Context, req *Request) *Decision {
	start := time.Now()
	rs := e.snapshot.Load()

	decision := &Decision{
		Allowed: true,
		Action:  ActionAllow,
	}
	if rs == nil {
		decision.ProcessingTime = time.Since(start)
		return decision
	}

	for _, rule := range rs.rules {
		decision.ChecksPerformed++
		for _, v := range rule.Evaluate(ctx, req) {
			decision.Violations = append(decision.Violations, v)
			decision.Action = decision.Action.Combine(v.Action)
		}
	}

	decision.Allowed = decision.Action != ActionBlock
	decision.ProcessingTime = time.Since(start)

	if !decision.Allowed {
		e.log.Warn(req.Principal, "", "request blocked by policy", map[string]interface{}{
			"violations": len(decision.Violations),
			"model":      req.Model,
		})
	}

	return decision
}
