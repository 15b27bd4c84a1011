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
	"time"

	"github.com/go-redis/redis/v8"

	"modelgate/platform/gateway/policy"
)

// RedisLedger shares spend accounting across gateway replicas.
// Buckets are plain float counters with a TTL slightly past their window.
type RedisLedger struct {
	client *redis.Client
	now    func() time.Time

	alertThreshold float64
	alertFn        AlertFunc
}

// RedisOption configures a RedisLedger.
type RedisOption func(*RedisLedger)

// WithRedisAlert installs a cost alert fired when a bucket crosses the
// threshold. IncrByFloat is atomic, so across replicas exactly one
// Record call observes the crossing.
func WithRedisAlert(thresholdUSD float64, fn AlertFunc) RedisOption {
	return func(l *RedisLedger) {
		l.alertThreshold = thresholdUSD
		l.alertFn = fn
	}
}

// NewRedisLedger connects to Redis at the given URL
// (format: redis://host:port or redis://host:port/db).
func NewRedisLedger(redisURL string, opts ...RedisOption) (*RedisLedger, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisLedgerWithClient(client, opts...), nil
}

// NewRedisLedgerWithClient wraps an existing client. Used by tests.
func NewRedisLedgerWithClient(client *redis.Client, opts ...RedisOption) *RedisLedger {
	l := &RedisLedger{client: client, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Client exposes the underlying connection for components that share
// it, such as the rate limiter.
func (l *RedisLedger) Client() *redis.Client {
	return l.client
}

// Record adds the cost under every scope and window bucket atomically.
func (l *RedisLedger) Record(ctx context.Context, principal, team string, costUSD float64) error {
	if costUSD <= 0 {
		return nil
	}
	now := l.now()

	type bucketIncr struct {
		scope  policy.Scope
		key    string
		window policy.Window
		cmd    *redis.FloatCmd
	}
	var incrs []bucketIncr

	pipe := l.client.TxPipeline()
	for _, pair := range scopeKeys(principal, team) {
		scope, key := policy.Scope(pair[0]), pair[1]
		for _, window := range allWindows {
			bucket := bucketKey(scope, key, window, now)
			cmd := pipe.IncrByFloat(ctx, bucket, costUSD)
			pipe.Expire(ctx, bucket, windowTTL(window))
			if l.alertFn != nil && l.alertThreshold > 0 {
				incrs = append(incrs, bucketIncr{scope, key, window, cmd})
			}
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record spend: %w", err)
	}

	// IncrByFloat returns the new bucket total; alert on the call that
	// carried the bucket over the threshold.
	for _, in := range incrs {
		total := in.cmd.Val()
		if total >= l.alertThreshold && total-costUSD < l.alertThreshold {
			l.alertFn(in.scope, in.key, in.window, total, l.alertThreshold)
		}
	}
	return nil
}

// CurrentSpend returns the accumulated spend for the current bucket.
func (l *RedisLedger) CurrentSpend(ctx context.Context, scope policy.Scope, key string, window policy.Window) (float64, error) {
	bucket := bucketKey(scope, key, window, l.now())

	val, err := l.client.Get(ctx, bucket).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read spend: %w", err)
	}
	return val, nil
}

// Close releases the Redis connection pool.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
