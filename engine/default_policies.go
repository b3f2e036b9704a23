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
	"log"
)

// defaultSystemPolicies returns the guardrail policies seeded into an empty
// store. All are global deny policies, so they short-circuit evaluation and
// cannot be outranked by a scoped allow. Administrators can suspend or retire
// them like any other policy.
func defaultSystemPolicies() []*Policy {
	return []*Policy{
		{
			PolicyCode:  "system-deny-destructive-tools",
			Description: "Blocks tool invocations whose name indicates a destructive operation",
			Status:      StatusActive,
			Priority:    1000,
			Rules: []Rule{
				{
					RuleID:   "destructive-tool-name",
					Priority: 100,
					Conditions: &Condition{
						Field:    "tool",
						Operator: "matches",
						Value:    StringValue(`(?i)(delete|drop|truncate|destroy|wipe)`),
					},
					Actions: []Action{{Type: ActionDeny, Params: map[string]interface{}{
						"reason": "destructive tool invocations are blocked by default",
					}}},
				},
			},
			Owner: "system",
		},
		{
			PolicyCode:  "system-deny-sql-injection",
			Description: "Blocks tool arguments carrying SQL injection patterns",
			Status:      StatusActive,
			Priority:    1000,
			Rules: []Rule{
				{
					RuleID:   "sqli-union-select",
					Priority: 100,
					Conditions: &Condition{
						Any: []Condition{
							{Field: "payload.query", Operator: "matches", Value: StringValue(`(?i)union\s+select`)},
							{Field: "payload.query", Operator: "matches", Value: StringValue(`(?i)or\s+1\s*=\s*1`)},
							{Field: "payload.query", Operator: "matches", Value: StringValue(`(?i)drop\s+table`)},
						},
					},
					Actions: []Action{{Type: ActionDeny, Params: map[string]interface{}{
						"reason": "SQL injection pattern detected in tool arguments",
					}}},
				},
			},
			Owner: "system",
		},
	}
}

// SeedSystemPolicies creates the default guardrails when the working set is
// empty, typically on first startup against a fresh backing store.
func SeedSystemPolicies(ctx context.Context, store *PolicyStore) error {
	if store.Count() > 0 {
		return nil
	}

	for _, p := range defaultSystemPolicies() {
		if _, err := store.Create(ctx, p); err != nil {
			return fmt.Errorf("failed to seed policy %s: %w", p.PolicyCode, err)
		}
		log.Printf("[Seed] Created system policy %s", p.PolicyCode)
	}
	return nil
}
