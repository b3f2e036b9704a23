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
Package engine implements the MCPGate policy decision engine: the component
that decides, for a (principal, resource, action, context) tuple, whether a
tool request is allowed, denied, redacted, transformed, or merely logged.

# Architecture

Three layers, leaves first:

  - Condition evaluator: pure recursive matching of a nested AND/OR condition
    tree against an evaluation context. Stateless.
  - Policy store: the authoritative working set of policies, held as an
    immutable snapshot behind an atomic pointer. Writes are serialized and
    publish a new snapshot; reads and in-flight evaluations never block.
  - Decision engine: filters the snapshot to applicable policies, evaluates
    rule conditions, and resolves conflicts by (policy priority, rule
    priority) with policy_code as the deterministic tiebreak.

Two safety invariants hold everywhere:

  - Fail closed: when no active, applicable policy matches, the decision is
    deny. Absence of coverage never silently permits access.
  - Global deny short-circuit: a deny from a policy with no principal scope
    (one that applies to everyone) wins regardless of priority, so a scoped
    allow can never outrank an organization-wide block.

# Persistence

Policies persist one record per policy through a PolicyBackend: PostgreSQL
rows with JSON rule columns, or one YAML file per policy for self-hosted
deployments. ReloadAll rebuilds the working set off to the side and swaps it
in as a single pointer update.

# APIs

The gateway calls POST /api/v1/evaluate (and /evaluate/batch); evaluation
always returns a decision, never an error. Administrators manage policies via
CRUD, lifecycle transitions (draft -> active <-> suspended -> retired),
resource/scope bindings, a validation endpoint, and an explicit reload, all
under /api/v1/policies with optional JWT protection.
*/
package engine
