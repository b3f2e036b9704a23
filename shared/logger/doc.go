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

/*
Package logger provides structured JSON logging for MCPGate components.

Each log entry is a single JSON line on stdout, ready for CloudWatch, ELK, or
any other log aggregation system, and carries:

  - Timestamp (RFC3339Nano)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (engine, gateway, ...)
  - Instance ID and container name (for distributed tracing)
  - Principal ID (whose request triggered the entry)
  - Request ID (for request correlation)
  - Custom fields

Create a logger for your component:

	log := logger.New("engine")

Log messages with principal and request context:

	log.Info("user-123", "req-456", "Evaluating request", map[string]interface{}{
	    "resource": "jira",
	    "tool":     "create_issue",
	})

The logger reads INSTANCE_ID from the environment and auto-detects the
container hostname. Logger instances are safe for concurrent use.
*/
package logger
