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

package ledger

import (
	"context"
	"sync"
	"time"

	"modelgate/platform/gateway/policy"
)

// MemoryLedger is the in-process ledger used for single-instance
// deployments and tests.
type MemoryLedger struct {
	mu      sync.RWMutex
	buckets map[string]float64

	alertThreshold float64
	alertFn        AlertFunc
	alerted        map[string]bool

	now func() time.Time
}

// MemoryOption configures a MemoryLedger.
type MemoryOption func(*MemoryLedger)

// WithAlert installs a cost alert fired once per bucket when spend
// crosses the threshold.
func WithAlert(thresholdUSD float64, fn AlertFunc) MemoryOption {
	return func(l *MemoryLedger) {
		l.alertThreshold = thresholdUSD
		l.alertFn = fn
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLedger) {
		l.now = now
	}
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(opts ...MemoryOption) *MemoryLedger {
	l := &MemoryLedger{
		buckets: make(map[string]float64),
		alerted: make(map[string]bool),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record adds the cost under every scope and window bucket.
func (l *MemoryLedger) Record(ctx context.Context, principal, team string, costUSD float64) error {
	if costUSD <= 0 {
		return nil
	}
	now := l.now()

	type crossing struct {
		scope  policy.Scope
		key    string
		window policy.Window
		spend  float64
	}
	var crossings []crossing

	l.mu.Lock()
	for _, pair := range scopeKeys(principal, team) {
		scope, key := policy.Scope(pair[0]), pair[1]
		for _, window := range allWindows {
			bucket := bucketKey(scope, key, window, now)
			l.buckets[bucket] += costUSD
			if l.alertFn != nil && l.alertThreshold > 0 &&
				l.buckets[bucket] >= l.alertThreshold && !l.alerted[bucket] {
				l.alerted[bucket] = true
				crossings = append(crossings, crossing{scope, key, window, l.buckets[bucket]})
			}
		}
	}
	l.mu.Unlock()

	for _, c := range crossings {
		l.alertFn(c.scope, c.key, c.window, c.spend, l.alertThreshold)
	}
	return nil
}

// CurrentSpend returns the accumulated spend for the current bucket.
func (l *MemoryLedger) CurrentSpend(ctx context.Context, scope policy.Scope, key string, window policy.Window) (float64, error) {
	bucket := bucketKey(scope, key, window, l.now())

	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buckets[bucket], nil
}
