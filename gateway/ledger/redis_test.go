// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"modelgate/platform/gateway/policy"
)

func newTestRedisLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLedgerWithClient(client), mr
}

func TestRedisLedgerRecordAndCurrentSpend(t *testing.T) {
	l, _ := newTestRedisLedger(t)
	ctx := context.Background()

	if err := l.Record(ctx, "alice", "ml", 0.5); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := l.Record(ctx, "alice", "ml", 0.25); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	tests := []struct {
		scope  policy.Scope
		key    string
		window policy.Window
		want   float64
	}{
		{policy.ScopeUser, "alice", policy.WindowDaily, 0.75},
		{policy.ScopeTeam, "ml", policy.WindowWeekly, 0.75},
		{policy.ScopeGlobal, "", policy.WindowMonthly, 0.75},
	}
	for _, tt := range tests {
		got, err := l.CurrentSpend(ctx, tt.scope, tt.key, tt.window)
		if err != nil {
			t.Fatalf("CurrentSpend(%s) error = %v", tt.scope, err)
		}
		if got != tt.want {
			t.Errorf("CurrentSpend(%s/%s/%s) = %v, want %v", tt.scope, tt.key, tt.window, got, tt.want)
		}
	}
}

func TestRedisLedgerEmptyBucketReadsZero(t *testing.T) {
	l, _ := newTestRedisLedger(t)

	got, err := l.CurrentSpend(context.Background(), policy.ScopeUser, "nobody", policy.WindowDaily)
	if err != nil {
		t.Fatalf("CurrentSpend() error = %v", err)
	}
	if got != 0 {
		t.Errorf("CurrentSpend() = %v, want 0", got)
	}
}

func TestRedisLedgerSetsBucketTTL(t *testing.T) {
	l, mr := newTestRedisLedger(t)
	ctx := context.Background()

	if err := l.Record(ctx, "alice", "", 1.0); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	now := time.Now()
	daily := bucketKey(policy.ScopeUser, "alice", policy.WindowDaily, now)
	if ttl := mr.TTL(daily); ttl <= 0 || ttl > 48*time.Hour {
		t.Errorf("daily bucket TTL = %v, want within 48h", ttl)
	}
	monthly := bucketKey(policy.ScopeGlobal, "", policy.WindowMonthly, now)
	if ttl := mr.TTL(monthly); ttl <= 24*time.Hour {
		t.Errorf("monthly bucket TTL = %v, want multi-day", ttl)
	}
}

func TestRedisLedgerSkipsNonPositiveCost(t *testing.T) {
	l, mr := newTestRedisLedger(t)

	if err := l.Record(context.Background(), "alice", "", 0); err != nil {
		t.Fatalf("Record(0) error = %v", err)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Errorf("keys after zero-cost record = %v, want none", keys)
	}
}

func TestRedisLedgerCostAlert(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	type firing struct {
		scope policy.Scope
		key   string
		spend float64
	}
	var fired []firing
	l := NewRedisLedgerWithClient(client, WithRedisAlert(1.0, func(scope policy.Scope, key string, window policy.Window, spendUSD, thresholdUSD float64) {
		fired = append(fired, firing{scope, key, spendUSD})
	}))
	ctx := context.Background()

	// Below the threshold: no alert.
	if err := l.Record(ctx, "alice", "ml", 0.6); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("alerts below threshold = %d, want 0", len(fired))
	}

	// The crossing call alerts once per bucket: user/team/global across
	// the three windows.
	if err := l.Record(ctx, "alice", "ml", 0.6); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if len(fired) != 9 {
		t.Fatalf("alerts at crossing = %d, want 9", len(fired))
	}
	seenUser := false
	for _, f := range fired {
		if f.spend != 1.2 {
			t.Errorf("alert spend = %v, want 1.2", f.spend)
		}
		if f.scope == policy.ScopeUser && f.key == "alice" {
			seenUser = true
		}
	}
	if !seenUser {
		t.Error("no alert fired for the user scope")
	}

	// Already past the threshold: no repeat alerts.
	fired = fired[:0]
	if err := l.Record(ctx, "alice", "ml", 0.6); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if len(fired) != 0 {
		t.Errorf("alerts past threshold = %d, want 0", len(fired))
	}
}

func TestRedisLedgerRecordFailure(t *testing.T) {
	l, mr := newTestRedisLedger(t)
	mr.Close()

	if err := l.Record(context.Background(), "alice", "", 1.0); err == nil {
		t.Error("Record() against a down Redis should fail")
	}
	if _, err := l.CurrentSpend(context.Background(), policy.ScopeUser, "alice", policy.WindowDaily); err == nil {
		t.Error("CurrentSpend() against a down Redis should fail")
	}
}

func TestRedisRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rl := NewRedisRateLimiter(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := rl.Check(ctx, "alice", 3); err != nil {
			t.Fatalf("Check() %d error = %v, want admit", i, err)
		}
	}
	if err := rl.Check(ctx, "alice", 3); err == nil {
		t.Error("Check() over the limit should fail")
	}

	if err := rl.Check(ctx, "bob", 3); err != nil {
		t.Errorf("Check(bob) error = %v, want separate window", err)
	}

	if err := rl.Check(ctx, "carol", 0); err != nil {
		t.Errorf("Check() with zero limit error = %v", err)
	}
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	rl := NewRedisRateLimiter(client)
	if err := rl.Check(context.Background(), "alice", 1); err != nil {
		t.Errorf("Check() with Redis down = %v, want fail open", err)
	}
}
