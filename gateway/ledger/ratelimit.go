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
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimiter enforces a per-principal sliding-window request limit.
type RateLimiter interface {
	// Check returns an error when the principal has exceeded the limit.
	Check(ctx context.Context, principal string, limitPerMinute int) error
}

// RedisRateLimiter implements a one-minute sliding window over a Redis
// sorted set. Redis failures fail open: a broken limiter must not take
// the gateway down with it.
type RedisRateLimiter struct {
	client *redis.Client
}

// NewRedisRateLimiter wraps a Redis client.
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

// Check counts requests in the last minute and records this one.
func (rl *RedisRateLimiter) Check(ctx context.Context, principal string, limitPerMinute int) error {
	if limitPerMinute <= 0 {
		return nil
	}

	now := time.Now()
	key := fmt.Sprintf("ratelimit:%s", principal)

	pipe := rl.client.Pipeline()

	// Drop timestamps older than one minute
	minScore := now.Add(-time.Minute).Unix()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.Unix()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*time.Minute)

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		// Fail open on Redis errors
		return nil
	}

	count := cmds[1].(*redis.IntCmd).Val()
	if count >= int64(limitPerMinute) {
		return fmt.Errorf("rate limit exceeded: %d requests/minute (limit: %d)", count+1, limitPerMinute)
	}

	return nil
}

// MemoryRateLimiter is the in-process fallback sliding window.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	history map[string][]time.Time
}

// NewMemoryRateLimiter creates an empty in-memory limiter.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{history: make(map[string][]time.Time)}
}

// Check counts requests in the last minute and records this one.
func (rl *MemoryRateLimiter) Check(ctx context.Context, principal string, limitPerMinute int) error {
	if limitPerMinute <= 0 {
		return nil
	}

	now := time.Now()
	cutoff := now.Add(-time.Minute)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	recent := rl.history[principal][:0]
	for _, t := range rl.history[principal] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= limitPerMinute {
		rl.history[principal] = recent
		return fmt.Errorf("rate limit exceeded: %d requests/minute (limit: %d)", len(recent)+1, limitPerMinute)
	}

	rl.history[principal] = append(recent, now)
	return nil
}
