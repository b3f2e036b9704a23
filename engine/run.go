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
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// Run is the exported entry point for the policy engine service.
//
// It selects a backing store, loads the policy working set, seeds the system
// guardrails on first start, and serves the evaluation and management APIs.
// The function blocks until the server is shut down.
//
// Environment variables used:
//   - PORT: HTTP server port (default: 8082)
//   - DATABASE_URL: PostgreSQL connection string (preferred backing store)
//   - POLICY_DIR: directory of YAML policy files (used when DATABASE_URL is unset, default: ./policies)
//   - REDIS_URL: Redis connection string for distributed evaluation rate limiting (optional)
//   - EVAL_RATE_LIMIT: evaluations per principal per minute, 0 disables (default: 0)
//   - ADMIN_JWT_SECRET: HS256 secret protecting the management API; empty disables auth
//   - SEED_SYSTEM_POLICIES: set to "false" to skip guardrail seeding (default: true)
func Run() {
	log.Println("Starting MCPGate policy engine...")

	ctx := context.Background()

	backend := buildBackend(ctx)
	store := NewPolicyStore(backend)

	loaded, err := store.ReloadAll(ctx)
	if err != nil {
		log.Fatalf("Failed to load policy working set: %v", err)
	}
	log.Printf("Loaded %d policies", loaded)

	if getEnv("SEED_SYSTEM_POLICIES", "true") != "false" {
		if err := SeedSystemPolicies(ctx, store); err != nil {
			log.Printf("Warning: system policy seeding failed: %v", err)
		}
	}
	workingSetSize.Set(float64(store.Count()))

	decisionEngine := NewDecisionEngine(store)
	service := NewPolicyService(store)
	adminAuth := NewAdminAuth(os.Getenv("ADMIN_JWT_SECRET"))

	var rateLimiter *RateLimiter
	if limit := envInt("EVAL_RATE_LIMIT", 0); limit > 0 {
		rateLimiter = buildRateLimiter(limit)
	}

	// Setup router
	r := mux.NewRouter()
	r.Use(protectManagementAPI(adminAuth))

	r.HandleFunc("/health", healthHandler(store)).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	NewEvaluateHandler(decisionEngine, rateLimiter).RegisterRoutes(r)
	NewPolicyAPIHandler(service).RegisterRoutes(r)

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	port := getEnv("PORT", "8082")
	log.Printf("MCPGate policy engine listening on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port, c.Handler(r)))
}

// buildBackend prefers Postgres and falls back to the file backend so a
// zero-config start still works.
func buildBackend(ctx context.Context) PolicyBackend {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		backend, err := OpenPostgresBackend(dbURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		if err := backend.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to ensure schema: %v", err)
		}
		log.Println("Policy store backed by PostgreSQL")
		return backend
	}

	dir := getEnv("POLICY_DIR", "./policies")
	backend, err := NewFileBackend(dir)
	if err != nil {
		log.Fatalf("Failed to open policy directory: %v", err)
	}
	log.Printf("Policy store backed by YAML files in %s", dir)
	return backend
}

func buildRateLimiter(limit int) *RateLimiter {
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		rl, err := NewRedisRateLimiter(redisURL, limit)
		if err == nil {
			log.Printf("Evaluation rate limiting via Redis: %d req/min per principal", limit)
			return rl
		}
		log.Printf("Redis unavailable (%v), using in-memory rate limiting", err)
	}
	log.Printf("Evaluation rate limiting in-memory: %d req/min per principal", limit)
	return NewRateLimiter(limit)
}

// protectManagementAPI applies admin auth to the policy management surface
// only; the evaluation API is gateway-internal.
func protectManagementAPI(auth *AdminAuth) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/v1/policies") {
				auth.Middleware(next).ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func healthHandler(store *PolicyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "healthy",
			"policies": store.Count(),
			"time":     time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
