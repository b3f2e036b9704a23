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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestMemoryRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := rl.Allow(ctx, "user-1"); err != nil {
			t.Fatalf("request %d should be allowed: %v", i, err)
		}
	}

	err := rl.Allow(ctx, "user-1")
	if err == nil {
		t.Fatal("fourth request should exceed the budget")
	}
	if !isRateLimitError(err) {
		t.Errorf("expected rate limit error, got %v", err)
	}

	// budgets are per principal
	if err := rl.Allow(ctx, "user-2"); err != nil {
		t.Errorf("other principal should have its own budget: %v", err)
	}
}

func TestRedisRateLimiterSlidingWindow(t *testing.T) {
	srv := miniredis.RunT(t)
	rl, err := NewRedisRateLimiter("redis://"+srv.Addr(), 3)
	if err != nil {
		t.Fatalf("NewRedisRateLimiter failed: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := rl.Allow(ctx, "user-1"); err != nil {
			t.Fatalf("request %d should be allowed: %v", i, err)
		}
	}

	err = rl.Allow(ctx, "user-1")
	if err == nil || !isRateLimitError(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}

	if err := rl.Allow(ctx, "user-2"); err != nil {
		t.Errorf("other principal should have its own budget: %v", err)
	}

	// the key carries an expiry so idle principals do not leak
	if ttl := srv.TTL("ratelimit:eval:user-1"); ttl <= 0 || ttl > 2*time.Minute {
		t.Errorf("unexpected key TTL: %v", ttl)
	}
}

func TestRedisRateLimiterDegradesToMemory(t *testing.T) {
	srv := miniredis.RunT(t)
	rl, err := NewRedisRateLimiter("redis://"+srv.Addr(), 2)
	if err != nil {
		t.Fatalf("NewRedisRateLimiter failed: %v", err)
	}
	ctx := context.Background()

	// with Redis down the limiter must keep serving from the local window
	srv.Close()

	for i := 0; i < 2; i++ {
		if err := rl.Allow(ctx, "user-1"); err != nil {
			t.Fatalf("request %d should fall back to memory: %v", i, err)
		}
	}
	err = rl.Allow(ctx, "user-1")
	if err == nil || !isRateLimitError(err) {
		t.Errorf("memory fallback should still enforce the limit, got %v", err)
	}
}

func TestRedisRateLimiterBadURL(t *testing.T) {
	if _, err := NewRedisRateLimiter("not a url", 10); err == nil {
		t.Error("expected error for malformed Redis URL")
	}
}
