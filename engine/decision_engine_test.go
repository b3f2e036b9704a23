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
)

func mustCreateActive(t *testing.T, store *PolicyStore, spec *Policy) *Policy {
	t.Helper()
	created, err := store.Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("create %s failed: %v", spec.PolicyCode, err)
	}
	activated, err := store.Transition(context.Background(), created.PolicyID, StatusActive)
	if err != nil {
		t.Fatalf("activate %s failed: %v", spec.PolicyCode, err)
	}
	return activated
}

func denyRule(id string, priority int) Rule {
	return Rule{RuleID: id, Priority: priority, Actions: []Action{{Type: ActionDeny}}}
}

func TestDefaultDenyWhenNoPolicies(t *testing.T) {
	engine := NewDecisionEngine(NewPolicyStore(nil))

	d := engine.Evaluate(testContext())
	if d.Action != ActionDeny {
		t.Errorf("expected deny, got %s", d.Action)
	}
	if d.Reason != "no matching policy - default deny" {
		t.Errorf("unexpected reason: %q", d.Reason)
	}
	if d.PolicyID != "" {
		t.Errorf("default deny should not cite a policy, got %q", d.PolicyID)
	}
}

func TestDefaultDenyWhenNothingMatches(t *testing.T) {
	store := NewPolicyStore(nil)
	spec := specWithCode("narrow")
	spec.Rules = []Rule{{
		RuleID:     "r1",
		Conditions: &Condition{Field: "role", Operator: "equals", Value: StringValue("nobody")},
		Actions:    []Action{{Type: ActionAllow}},
	}}
	mustCreateActive(t, store, spec)

	d := NewDecisionEngine(store).Evaluate(testContext())
	if d.Action != ActionDeny || d.Reason != "no matching policy - default deny" {
		t.Errorf("expected default deny, got %s (%s)", d.Action, d.Reason)
	}
}

func TestUnconditionalRuleMatches(t *testing.T) {
	store := NewPolicyStore(nil)
	created := mustCreateActive(t, store, specWithCode("open-door"))

	d := NewDecisionEngine(store).Evaluate(testContext())
	if d.Action != ActionAllow {
		t.Errorf("expected allow, got %s", d.Action)
	}
	if d.PolicyID != created.PolicyID || d.RuleID != "r1" {
		t.Errorf("decision should cite winning policy and rule: %+v", d)
	}
}

func TestDraftAndSuspendedPoliciesDoNotApply(t *testing.T) {
	store := NewPolicyStore(nil)
	engine := NewDecisionEngine(store)
	ctx := context.Background()

	// draft: invisible to evaluation
	created, _ := store.Create(ctx, specWithCode("gated"))
	if d := engine.Evaluate(testContext()); d.Action != ActionDeny {
		t.Errorf("draft policy must not apply, got %s", d.Action)
	}

	// active: applies
	if _, err := store.Transition(ctx, created.PolicyID, StatusActive); err != nil {
		t.Fatal(err)
	}
	if d := engine.Evaluate(testContext()); d.Action != ActionAllow {
		t.Errorf("active policy should apply, got %s", d.Action)
	}

	// suspended: invisible again
	if _, err := store.Transition(ctx, created.PolicyID, StatusSuspended); err != nil {
		t.Fatal(err)
	}
	if d := engine.Evaluate(testContext()); d.Action != ActionDeny {
		t.Errorf("suspended policy must not apply, got %s", d.Action)
	}

	// reactivated: applies once more
	if _, err := store.Transition(ctx, created.PolicyID, StatusActive); err != nil {
		t.Fatal(err)
	}
	if d := engine.Evaluate(testContext()); d.Action != ActionAllow {
		t.Errorf("reactivated policy should apply, got %s", d.Action)
	}
}

func TestEffectiveWindowGatesEvaluation(t *testing.T) {
	store := NewPolicyStore(nil)
	engine := NewDecisionEngine(store)
	ec := testContext() // timestamp 2025-06-01 23:15 UTC

	from := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	future := specWithCode("not-yet")
	future.EffectiveFrom = &from
	mustCreateActive(t, store, future)

	if d := engine.Evaluate(ec); d.Action != ActionDeny {
		t.Errorf("policy before effective_from must not apply, got %s", d.Action)
	}

	to := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	expired := specWithCode("expired")
	expired.EffectiveTo = &to
	mustCreateActive(t, store, expired)

	if d := engine.Evaluate(ec); d.Action != ActionDeny {
		t.Errorf("policy past effective_to must not apply, got %s", d.Action)
	}

	within := specWithCode("current")
	f2 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	within.EffectiveFrom = &f2
	within.EffectiveTo = &t2
	mustCreateActive(t, store, within)

	if d := engine.Evaluate(ec); d.Action != ActionAllow {
		t.Errorf("policy inside its window should apply, got %s", d.Action)
	}
}

func TestScopeMatching(t *testing.T) {
	tests := []struct {
		name  string
		scope ScopeBinding
		want  ActionType
	}{
		{"user scope match", ScopeBinding{PrincipalType: "user", PrincipalID: "user-1"}, ActionAllow},
		{"user scope mismatch", ScopeBinding{PrincipalType: "user", PrincipalID: "user-2"}, ActionDeny},
		{"primary role", ScopeBinding{PrincipalType: "role", PrincipalID: "admin"}, ActionAllow},
		{"secondary role", ScopeBinding{PrincipalType: "role", PrincipalID: "operator"}, ActionAllow},
		{"role mismatch", ScopeBinding{PrincipalType: "role", PrincipalID: "auditor"}, ActionDeny},
		{"group match", ScopeBinding{PrincipalType: "group", PrincipalID: "platform"}, ActionAllow},
		{"org match", ScopeBinding{PrincipalType: "org", PrincipalID: "acme"}, ActionAllow},
		{"org mismatch", ScopeBinding{PrincipalType: "org", PrincipalID: "globex"}, ActionDeny},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewPolicyStore(nil)
			spec := specWithCode("scoped")
			spec.Scopes = []ScopeBinding{tt.scope}
			mustCreateActive(t, store, spec)

			d := NewDecisionEngine(store).Evaluate(testContext())
			if d.Action != tt.want {
				t.Errorf("expected %s, got %s", tt.want, d.Action)
			}
		})
	}
}

func TestResourceMatching(t *testing.T) {
	tests := []struct {
		name    string
		binding ResourceBinding
		want    ActionType
	}{
		{"exact match", ResourceBinding{ResourceType: "mcp_server", ResourceID: "jira"}, ActionAllow},
		{"wildcard id", ResourceBinding{ResourceType: "mcp_server", ResourceID: "*"}, ActionAllow},
		{"id mismatch", ResourceBinding{ResourceType: "mcp_server", ResourceID: "slack"}, ActionDeny},
		{"type mismatch", ResourceBinding{ResourceType: "connector", ResourceID: "jira"}, ActionDeny},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewPolicyStore(nil)
			spec := specWithCode("bound")
			spec.Resources = []ResourceBinding{tt.binding}
			mustCreateActive(t, store, spec)

			d := NewDecisionEngine(store).Evaluate(testContext())
			if d.Action != tt.want {
				t.Errorf("expected %s, got %s", tt.want, d.Action)
			}
		})
	}
}

func TestPolicyPriorityWins(t *testing.T) {
	store := NewPolicyStore(nil)

	low := specWithCode("low-allow")
	low.Priority = 10
	mustCreateActive(t, store, low)

	high := specWithCode("high-deny")
	high.Priority = 100
	high.Rules = []Rule{denyRule("r1", 10)}
	high.Scopes = []ScopeBinding{{PrincipalType: "role", PrincipalID: "admin"}}
	mustCreateActive(t, store, high)

	d := NewDecisionEngine(store).Evaluate(testContext())
	if d.Action != ActionDeny || d.PolicyCode != "high-deny" {
		t.Errorf("higher policy priority should win, got %s from %s", d.Action, d.PolicyCode)
	}
}

func TestRulePriorityBreaksTieWithinPolicy(t *testing.T) {
	store := NewPolicyStore(nil)

	spec := specWithCode("multi-rule")
	spec.Rules = []Rule{
		allowRule("broad-allow", 10),
		denyRule("strict-deny", 50),
	}
	mustCreateActive(t, store, spec)

	d := NewDecisionEngine(store).Evaluate(testContext())
	if d.Action != ActionDeny || d.RuleID != "strict-deny" {
		t.Errorf("higher rule priority should win, got %s from rule %s", d.Action, d.RuleID)
	}
}

func TestPolicyCodeBreaksFullTie(t *testing.T) {
	store := NewPolicyStore(nil)

	b := specWithCode("bravo")
	b.Priority = 50
	b.Rules = []Rule{denyRule("r1", 10)}
	mustCreateActive(t, store, b)

	a := specWithCode("alpha")
	a.Priority = 50
	mustCreateActive(t, store, a)

	// identical priorities resolve by policy_code ascending
	d := NewDecisionEngine(store).Evaluate(testContext())
	if d.PolicyCode != "alpha" {
		t.Errorf("tie should break to lexicographically first code, got %s", d.PolicyCode)
	}
}

func TestEvaluationIsDeterministic(t *testing.T) {
	store := NewPolicyStore(nil)
	for _, code := range []string{"delta", "alpha", "charlie", "bravo"} {
		spec := specWithCode(code)
		spec.Priority = 50
		mustCreateActive(t, store, spec)
	}

	engine := NewDecisionEngine(store)
	first := engine.Evaluate(testContext())
	for i := 0; i < 50; i++ {
		d := engine.Evaluate(testContext())
		if d.Action != first.Action || d.PolicyCode != first.PolicyCode || d.RuleID != first.RuleID {
			t.Fatalf("evaluation not deterministic: run %d gave %s/%s", i, d.PolicyCode, d.RuleID)
		}
	}
}

func TestGlobalDenyShortCircuitsScopedAllow(t *testing.T) {
	store := NewPolicyStore(nil)

	// scoped allow at maximum priority
	allow := specWithCode("admin-allow")
	allow.Priority = 1000
	allow.Scopes = []ScopeBinding{{PrincipalType: "role", PrincipalID: "admin"}}
	mustCreateActive(t, store, allow)

	// low-priority global deny on destructive tools
	deny := specWithCode("global-deny-destructive")
	deny.Priority = 1
	deny.Rules = []Rule{{
		RuleID:     "r1",
		Conditions: &Condition{Field: "tool", Operator: "begins_with", Value: StringValue("delete")},
		Actions:    []Action{{Type: ActionDeny}},
	}}
	mustCreateActive(t, store, deny)

	engine := NewDecisionEngine(store)

	ec := testContext()
	ec.Tool = "delete_project"
	d := engine.Evaluate(ec)
	if d.Action != ActionDeny || d.PolicyCode != "global-deny-destructive" {
		t.Errorf("global deny must outrank scoped allow, got %s from %s", d.Action, d.PolicyCode)
	}
	if d.Reason != "denied by global policy global-deny-destructive" {
		t.Errorf("unexpected reason: %q", d.Reason)
	}

	// the global deny only bites when its condition matches
	d = engine.Evaluate(testContext())
	if d.Action != ActionAllow || d.PolicyCode != "admin-allow" {
		t.Errorf("non-destructive tool should still be allowed, got %s from %s", d.Action, d.PolicyCode)
	}
}

func TestScopedDenyDoesNotShortCircuit(t *testing.T) {
	store := NewPolicyStore(nil)

	allow := specWithCode("allow-high")
	allow.Priority = 100
	mustCreateActive(t, store, allow)

	// a deny scoped to a role is ordinary priority resolution, not a safety net
	deny := specWithCode("deny-low")
	deny.Priority = 1
	deny.Rules = []Rule{denyRule("r1", 1)}
	deny.Scopes = []ScopeBinding{{PrincipalType: "role", PrincipalID: "admin"}}
	mustCreateActive(t, store, deny)

	d := NewDecisionEngine(store).Evaluate(testContext())
	if d.Action != ActionAllow {
		t.Errorf("scoped low-priority deny must not short-circuit, got %s", d.Action)
	}
}

func TestDecisionCarriesActionParams(t *testing.T) {
	store := NewPolicyStore(nil)

	spec := specWithCode("redactor")
	spec.Rules = []Rule{{
		RuleID: "r1",
		Actions: []Action{{
			Type:   ActionRedact,
			Params: map[string]interface{}{"fields": []interface{}{"ssn", "email"}},
		}},
	}}
	mustCreateActive(t, store, spec)

	d := NewDecisionEngine(store).Evaluate(testContext())
	if d.Action != ActionRedact {
		t.Fatalf("expected redact, got %s", d.Action)
	}
	fields, ok := d.Params["fields"].([]interface{})
	if !ok || len(fields) != 2 {
		t.Errorf("redaction params should be carried through: %+v", d.Params)
	}
}

func TestDecisionParamsDetachedFromWorkingSet(t *testing.T) {
	store := NewPolicyStore(nil)

	spec := specWithCode("param-owner")
	spec.Rules = []Rule{{
		RuleID:  "r1",
		Actions: []Action{{Type: ActionRedact, Params: map[string]interface{}{"fields": "ssn"}}},
	}}
	mustCreateActive(t, store, spec)

	engine := NewDecisionEngine(store)
	first := engine.Evaluate(testContext())
	first.Params["fields"] = "everything"

	second := engine.Evaluate(testContext())
	if second.Params["fields"] != "ssn" {
		t.Errorf("mutating a decision's params must not reach the working set, got %v", second.Params["fields"])
	}
}

func TestCorruptRuleIsSkippedNotFatal(t *testing.T) {
	store := NewPolicyStore(nil)
	created := mustCreateActive(t, store, specWithCode("partly-broken"))

	// corrupt one rule behind the store's validation, as a bad reload would
	snap := store.Snapshot()
	for _, p := range snap {
		if p.PolicyID == created.PolicyID {
			p.Rules = append([]Rule{{RuleID: "", Actions: nil}}, p.Rules...)
		}
	}

	d := NewDecisionEngine(store).Evaluate(testContext())
	if d.Action != ActionAllow || d.RuleID != "r1" {
		t.Errorf("healthy rule should still win, got %s from rule %q", d.Action, d.RuleID)
	}
}

// After-hours deny and business-hours allow, together, end to end.
func TestAfterHoursDenyScenario(t *testing.T) {
	store := NewPolicyStore(nil)

	afterHours := specWithCode("deny-after-hours")
	afterHours.Priority = 500
	afterHours.Rules = []Rule{{
		RuleID: "r1",
		Conditions: &Condition{
			Any: []Condition{
				{Field: "request.hour", Operator: "gte", Value: NumberValue(22)},
				{Field: "request.hour", Operator: "lt", Value: NumberValue(6)},
			},
		},
		Actions: []Action{{Type: ActionDeny}},
	}}
	mustCreateActive(t, store, afterHours)

	adminAllow := specWithCode("allow-admin-jira")
	adminAllow.Priority = 100
	adminAllow.Scopes = []ScopeBinding{{PrincipalType: "role", PrincipalID: "admin"}}
	adminAllow.Resources = []ResourceBinding{{ResourceType: "mcp_server", ResourceID: "jira"}}
	mustCreateActive(t, store, adminAllow)

	engine := NewDecisionEngine(store)

	// 23:15 UTC: the global after-hours deny wins despite the scoped allow
	late := testContext()
	d := engine.Evaluate(late)
	if d.Action != ActionDeny || d.PolicyCode != "deny-after-hours" {
		t.Errorf("after-hours request should be denied, got %s from %s", d.Action, d.PolicyCode)
	}

	// 10:00 UTC: the after-hours rule does not match; admin allow applies
	morning := testContext()
	morning.Request.Timestamp = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	d = engine.Evaluate(morning)
	if d.Action != ActionAllow || d.PolicyCode != "allow-admin-jira" {
		t.Errorf("business-hours admin request should be allowed, got %s from %s", d.Action, d.PolicyCode)
	}

	// 10:00 UTC as a non-admin: no policy matches, fail closed
	viewer := testContext()
	viewer.Request.Timestamp = morning.Request.Timestamp
	viewer.Principal.Role = "viewer"
	viewer.Principal.Roles = nil
	d = engine.Evaluate(viewer)
	if d.Action != ActionDeny || d.Reason != "no matching policy - default deny" {
		t.Errorf("uncovered principal should fail closed, got %s (%s)", d.Action, d.Reason)
	}
}
