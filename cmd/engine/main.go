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

// Package main is the entry point for the MCPGate policy engine service.
//
// The policy engine decides, for each tool request the gateway mediates,
// whether it is allowed, denied, redacted, transformed, or merely logged:
// - Declarative policies with nested AND/OR condition trees
// - Priority-based conflict resolution with a global-deny safety net
// - Lifecycle-managed policies (draft, active, suspended, retired)
// - PostgreSQL or YAML-file policy persistence with atomic reload
//
// Usage:
//
//	./engine
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8082)
//	DATABASE_URL - PostgreSQL connection string (optional)
//	POLICY_DIR - YAML policy directory when no database is configured
//	REDIS_URL - Redis endpoint for distributed rate limiting (optional)
//	ADMIN_JWT_SECRET - management API bearer token secret (optional)
package main

import (
	"mcpgate/platform/engine"
)

func main() {
	engine.Run()
}
