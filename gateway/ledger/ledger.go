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

// Package ledger accumulates spend per user, team, and globally across
// daily, weekly, and monthly windows. It backs budget admission checks
// and cost alerting. Two implementations exist: an in-memory ledger for
// single-instance deployments and tests, and a Redis ledger shared
// across replicas.
package ledger

import (
	"context"
	"fmt"
	"time"

	"modelgate/platform/gateway/policy"
)

// Ledger records spend and reports window totals.
type Ledger interface {
	// Record adds a completed call's cost under every scope and window.
	Record(ctx context.Context, principal, team string, costUSD float64) error

	// CurrentSpend returns accumulated spend for a scope key in a window.
	// The key is ignored for the global scope.
	CurrentSpend(ctx context.Context, scope policy.Scope, key string, window policy.Window) (float64, error)
}

// AlertFunc is invoked when a scope's spend crosses an alert threshold.
type AlertFunc func(scope policy.Scope, key string, window policy.Window, spendUSD, thresholdUSD float64)

// windowPeriod returns the bucket label for a window at a given time.
// Weekly buckets use the ISO week.
func windowPeriod(window policy.Window, now time.Time) string {
	now = now.UTC()
	switch window {
	case policy.WindowDaily:
		return now.Format("2006-01-02")
	case policy.WindowWeekly:
		year, week := now.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case policy.WindowMonthly:
		return now.Format("2006-01")
	default:
		return now.Format("2006-01-02")
	}
}

// windowTTL bounds how long a Redis bucket must survive.
func windowTTL(window policy.Window) time.Duration {
	switch window {
	case policy.WindowDaily:
		return 48 * time.Hour
	case policy.WindowWeekly:
		return 8 * 24 * time.Hour
	case policy.WindowMonthly:
		return 32 * 24 * time.Hour
	default:
		return 48 * time.Hour
	}
}

// bucketKey builds the storage key for one scope/key/window bucket.
func bucketKey(scope policy.Scope, key string, window policy.Window, now time.Time) string {
	if scope == policy.ScopeGlobal {
		key = "*"
	}
	return fmt.Sprintf("spend:%s:%s:%s:%s", scope, key, window, windowPeriod(window, now))
}

// allWindows enumerates the windows every record feeds.
var allWindows = []policy.Window{policy.WindowDaily, policy.WindowWeekly, policy.WindowMonthly}

// scopeKeys returns the (scope, key) pairs a record feeds.
func scopeKeys(principal, team string) [][2]string {
	pairs := [][2]string{{string(policy.ScopeGlobal), "*"}}
	if principal != "" {
		pairs = append(pairs, [2]string{string(policy.ScopeUser), principal})
	}
	if team != "" {
		pairs = append(pairs, [2]string{string(policy.ScopeTeam), team})
	}
	return pairs
}
