// Copyright 2025 MCPGate
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

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimiter throttles evaluation requests per principal. With Redis
// configured it uses a sliding window over a sorted set so the limit holds
// across engine replicas; without Redis it falls back to a per-process
// fixed window.
type RateLimiter struct {
	client         *redis.Client // nil means in-memory only
	limitPerMinute int

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	count     int
	resetTime time.Time
}

// NewRateLimiter creates an in-memory rate limiter.
func NewRateLimiter(limitPerMinute int) *RateLimiter {
	return &RateLimiter{
		limitPerMinute: limitPerMinute,
		windows:        make(map[string]*rateWindow),
	}
}

// NewRedisRateLimiter connects to Redis and returns a distributed limiter.
func NewRedisRateLimiter(redisURL string, limitPerMinute int) (*RateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RateLimiter{
		client:         client,
		limitPerMinute: limitPerMinute,
		windows:        make(map[string]*rateWindow),
	}, nil
}

// Allow returns an error if the principal exceeded its per-minute budget.
func (rl *RateLimiter) Allow(ctx context.Context, principalID string) error {
	if rl.client != nil {
		if err := rl.allowRedis(ctx, principalID); err == nil || isRateLimitError(err) {
			return err
		}
		// Redis unreachable: degrade to the in-memory window rather than
		// failing evaluation requests.
	}
	return rl.allowMemory(principalID)
}

func (rl *RateLimiter) allowRedis(ctx context.Context, principalID string) error {
	now := time.Now()
	key := fmt.Sprintf("ratelimit:eval:%s", principalID)

	pipe := rl.client.Pipeline()

	// Drop timestamps older than one minute (sliding window), count the
	// remainder, record this request, and keep the key from leaking.
	minScore := now.Add(-time.Minute).UnixNano()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis rate limit check failed: %w", err)
	}

	if int(countCmd.Val()) >= rl.limitPerMinute {
		return &rateLimitExceededError{principalID: principalID, limit: rl.limitPerMinute}
	}
	return nil
}

func (rl *RateLimiter) allowMemory(principalID string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	window, ok := rl.windows[principalID]
	if !ok || now.After(window.resetTime) {
		rl.windows[principalID] = &rateWindow{count: 1, resetTime: now.Add(time.Minute)}
		return nil
	}

	if window.count >= rl.limitPerMinute {
		return &rateLimitExceededError{principalID: principalID, limit: rl.limitPerMinute}
	}
	window.count++
	return nil
}

type rateLimitExceededError struct {
	principalID string
	limit       int
}

func (e *rateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for principal %s: %d requests per minute", e.principalID, e.limit)
}

func isRateLimitError(err error) bool {
	_, ok := err.(*rateLimitExceededError)
	return ok
}
