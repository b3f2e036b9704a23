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
	"testing"
	"time"
)

func testContext() *EvaluationContext {
	return &EvaluationContext{
		Principal: Principal{
			ID:     "user-1",
			Role:   "admin",
			Roles:  []string{"admin", "operator"},
			Groups: []string{"platform"},
			Org:    "acme",
		},
		Resource: Resource{Type: "mcp_server", ID: "jira"},
		Tool:     "create_issue",
		Payload: map[string]interface{}{
			"project": "OPS",
			"count":   float64(42),
			"nested":  map[string]interface{}{"flag": true},
		},
		Request: RequestMeta{
			IP:        "10.1.2.3",
			UserAgent: "gateway/1.0",
			Timestamp: time.Date(2025, 6, 1, 23, 15, 0, 0, time.UTC),
		},
		Auth: AuthMeta{Provider: "google", Scopes: []string{"openid"}, Verified: true, MFA: true},
	}
}

func TestEvaluateNilConditionAlwaysMatches(t *testing.T) {
	if !EvaluateCondition(nil, testContext()) {
		t.Error("nil condition should always match")
	}
}

func TestLeafOperators(t *testing.T) {
	ec := testContext()

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals match", Condition{Field: "role", Operator: "equals", Value: StringValue("admin")}, true},
		{"equals mismatch", Condition{Field: "role", Operator: "equals", Value: StringValue("viewer")}, false},
		{"equals numeric stringified", Condition{Field: "payload.count", Operator: "equals", Value: NumberValue(42)}, true},
		{"equals bool stringified", Condition{Field: "payload.nested.flag", Operator: "equals", Value: BoolValue(true)}, true},
		{"not_equals", Condition{Field: "role", Operator: "not_equals", Value: StringValue("viewer")}, true},
		{"in match", Condition{Field: "resource.id", Operator: "in", Value: ListValue("jira", "slack")}, true},
		{"in mismatch", Condition{Field: "resource.id", Operator: "in", Value: ListValue("github")}, false},
		{"not_in", Condition{Field: "resource.id", Operator: "not_in", Value: ListValue("github")}, true},
		{"contains", Condition{Field: "tool", Operator: "contains", Value: StringValue("issue")}, true},
		{"not_contains", Condition{Field: "tool", Operator: "not_contains", Value: StringValue("delete")}, true},
		{"begins_with", Condition{Field: "tool", Operator: "begins_with", Value: StringValue("create")}, true},
		{"ends_with", Condition{Field: "tool", Operator: "ends_with", Value: StringValue("issue")}, true},
		{"matches", Condition{Field: "tool", Operator: "matches", Value: StringValue(`^create_\w+$`)}, true},
		{"matches invalid pattern is non-match", Condition{Field: "tool", Operator: "matches", Value: StringValue(`([`)}, false},
		{"gt", Condition{Field: "payload.count", Operator: "gt", Value: NumberValue(40)}, true},
		{"lt", Condition{Field: "payload.count", Operator: "lt", Value: NumberValue(40)}, false},
		{"gte equal", Condition{Field: "payload.count", Operator: "gte", Value: NumberValue(42)}, true},
		{"lte equal", Condition{Field: "payload.count", Operator: "lte", Value: NumberValue(42)}, true},
		{"gt non-numeric field is false", Condition{Field: "tool", Operator: "gt", Value: NumberValue(1)}, false},
		{"gt non-numeric value is false", Condition{Field: "payload.count", Operator: "gt", Value: StringValue("abc")}, false},
		{"gt string number parses", Condition{Field: "payload.count", Operator: "gt", Value: StringValue("40")}, true},
		{"in_ip_range match", Condition{Field: "ip", Operator: "in_ip_range", Value: ListValue("10.0.0.0/8")}, true},
		{"in_ip_range mismatch", Condition{Field: "ip", Operator: "in_ip_range", Value: ListValue("192.168.0.0/16")}, false},
		{"in_ip_range bad cidr skipped", Condition{Field: "ip", Operator: "in_ip_range", Value: ListValue("not-a-cidr", "10.0.0.0/8")}, true},
		{"not_in_ip_range", Condition{Field: "ip", Operator: "not_in_ip_range", Value: ListValue("192.168.0.0/16")}, true},
		{"exists", Condition{Field: "payload.project", Operator: "exists"}, true},
		{"exists missing", Condition{Field: "payload.missing", Operator: "exists"}, false},
		{"not_exists", Condition{Field: "payload.missing", Operator: "not_exists"}, true},
		{"missing field is non-match", Condition{Field: "payload.missing", Operator: "equals", Value: StringValue("x")}, false},
		{"unknown field is non-match", Condition{Field: "bogus.path", Operator: "equals", Value: StringValue("x")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateCondition(&tt.cond, ec); got != tt.want {
				t.Errorf("EvaluateCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFieldResolution(t *testing.T) {
	ec := testContext()

	tests := []struct {
		field string
		want  string
	}{
		{"principal.id", "user-1"},
		{"principal.role", "admin"},
		{"principal.org", "acme"},
		{"resource.type", "mcp_server"},
		{"resource.id", "jira"},
		{"tool", "create_issue"},
		{"payload.project", "OPS"},
		{"request.ip", "10.1.2.3"},
		{"request.user_agent", "gateway/1.0"},
		{"auth.provider", "google"},
		{"role", "admin"},
		{"org", "acme"},
		{"ip", "10.1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			cond := Condition{Field: tt.field, Operator: "equals", Value: StringValue(tt.want)}
			if !EvaluateCondition(&cond, ec) {
				t.Errorf("field %s did not resolve to %q", tt.field, tt.want)
			}
		})
	}
}

func TestRequestHourField(t *testing.T) {
	ec := testContext() // timestamp at 23:15 UTC

	late := Condition{Field: "request.hour", Operator: "gte", Value: NumberValue(22)}
	if !EvaluateCondition(&late, ec) {
		t.Error("request.hour should be 23 and satisfy gte 22")
	}

	early := Condition{Field: "request.hour", Operator: "lt", Value: NumberValue(22)}
	if EvaluateCondition(&early, ec) {
		t.Error("request.hour 23 should not satisfy lt 22")
	}
}

func TestCompositeConditions(t *testing.T) {
	ec := testContext()

	// role=admin AND (ip in 10.0.0.0/8 OR mfa=true)
	cond := Condition{
		All: []Condition{
			{Field: "role", Operator: "equals", Value: StringValue("admin")},
			{
				Any: []Condition{
					{Field: "ip", Operator: "in_ip_range", Value: ListValue("10.0.0.0/8")},
					{Field: "mfa", Operator: "equals", Value: BoolValue(true)},
				},
			},
		},
	}
	if !EvaluateCondition(&cond, ec) {
		t.Error("composite should match admin with matching ip")
	}

	ec.Principal.Role = "viewer"
	if EvaluateCondition(&cond, ec) {
		t.Error("composite should fail when role is not admin")
	}

	// any branch satisfied by mfa even with non-matching ip
	ec.Principal.Role = "admin"
	ec.Request.IP = "203.0.113.9"
	if !EvaluateCondition(&cond, ec) {
		t.Error("composite should match via mfa branch")
	}
}

func TestEmptyCompositeNeutralElements(t *testing.T) {
	ec := testContext()

	emptyAll := Condition{All: []Condition{}}
	if !EvaluateCondition(&emptyAll, ec) {
		t.Error("empty all should evaluate to true")
	}

	emptyAny := Condition{Any: []Condition{}}
	if EvaluateCondition(&emptyAny, ec) {
		t.Error("empty any should evaluate to false")
	}
}

func TestDeeplyNestedComposition(t *testing.T) {
	ec := testContext()

	cond := Condition{
		Any: []Condition{
			{
				All: []Condition{
					{Field: "org", Operator: "equals", Value: StringValue("acme")},
					{
						Any: []Condition{
							{Field: "tool", Operator: "begins_with", Value: StringValue("delete")},
							{Field: "payload.count", Operator: "gte", Value: NumberValue(10)},
						},
					},
				},
			},
			{Field: "role", Operator: "equals", Value: StringValue("superuser")},
		},
	}
	if !EvaluateCondition(&cond, ec) {
		t.Error("nested composition should match via org+count branch")
	}
}
