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
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// =============================================================================
// Condition Evaluator
// =============================================================================
//
// Pure, side-effect-free matching of a condition tree against an evaluation
// context. The evaluator assumes structurally valid input (enforced at policy
// create/update time) but tolerates missing or mistyped runtime values: an
// unexpected value yields a non-match, never a panic or an error.

// EvaluateCondition evaluates a condition tree against a context. A nil
// condition always matches.
func EvaluateCondition(c *Condition, ec *EvaluationContext) bool {
	if c == nil {
		return true
	}

	if c.IsComposite() {
		if c.All != nil {
			for i := range c.All {
				if !EvaluateCondition(&c.All[i], ec) {
					return false
				}
			}
			return true
		}
		// empty "any" is false: no disjunct can be satisfied
		for i := range c.Any {
			if EvaluateCondition(&c.Any[i], ec) {
				return true
			}
		}
		return false
	}

	return evaluateLeaf(c, ec)
}

func evaluateLeaf(c *Condition, ec *EvaluationContext) bool {
	fieldValue, present := resolveField(c.Field, ec)

	switch c.Operator {
	case "exists":
		return present && fieldValue != nil
	case "not_exists":
		return !present || fieldValue == nil
	}

	if !present {
		return false
	}

	switch c.Operator {
	case "equals":
		return stringify(fieldValue) == valueString(c.Value)
	case "not_equals":
		return stringify(fieldValue) != valueString(c.Value)
	case "in":
		return valueListContains(c.Value, stringify(fieldValue))
	case "not_in":
		return !valueListContains(c.Value, stringify(fieldValue))
	case "contains":
		return strings.Contains(stringify(fieldValue), valueString(c.Value))
	case "not_contains":
		return !strings.Contains(stringify(fieldValue), valueString(c.Value))
	case "begins_with":
		return strings.HasPrefix(stringify(fieldValue), valueString(c.Value))
	case "ends_with":
		return strings.HasSuffix(stringify(fieldValue), valueString(c.Value))
	case "matches":
		return matchRegex(stringify(fieldValue), valueString(c.Value))
	case "gt":
		return compareNumeric(fieldValue, c.Value, ">")
	case "lt":
		return compareNumeric(fieldValue, c.Value, "<")
	case "gte":
		return compareNumeric(fieldValue, c.Value, ">=")
	case "lte":
		return compareNumeric(fieldValue, c.Value, "<=")
	case "in_ip_range":
		return matchIPRange(stringify(fieldValue), c.Value)
	case "not_in_ip_range":
		return !matchIPRange(stringify(fieldValue), c.Value)
	default:
		// unreachable for validated policies
		return false
	}
}

// =============================================================================
// Field Resolution
// =============================================================================

// resolveField resolves a dot-addressable path against the context. The
// payload.* namespace indexes into tool arguments; short aliases (role, ip,
// mfa) cover the most common comparison targets.
func resolveField(field string, ec *EvaluationContext) (interface{}, bool) {
	parts := strings.Split(field, ".")

	switch parts[0] {
	case "principal":
		if len(parts) < 2 {
			return nil, false
		}
		switch parts[1] {
		case "id":
			return ec.Principal.ID, ec.Principal.ID != ""
		case "role":
			return ec.Principal.Role, ec.Principal.Role != ""
		case "roles":
			return ec.Principal.Roles, len(ec.Principal.Roles) > 0
		case "groups":
			return ec.Principal.Groups, len(ec.Principal.Groups) > 0
		case "org":
			return ec.Principal.Org, ec.Principal.Org != ""
		}
		return nil, false

	case "resource":
		if len(parts) < 2 {
			return nil, false
		}
		switch parts[1] {
		case "type":
			return ec.Resource.Type, ec.Resource.Type != ""
		case "id":
			return ec.Resource.ID, ec.Resource.ID != ""
		}
		return nil, false

	case "tool":
		return ec.Tool, ec.Tool != ""

	case "payload":
		if len(parts) < 2 {
			return ec.Payload, ec.Payload != nil
		}
		return resolvePayloadPath(ec.Payload, parts[1:])

	case "request":
		if len(parts) < 2 {
			return nil, false
		}
		switch parts[1] {
		case "ip":
			return ec.Request.IP, ec.Request.IP != ""
		case "user_agent":
			return ec.Request.UserAgent, ec.Request.UserAgent != ""
		case "timestamp":
			return ec.Request.Timestamp, !ec.Request.Timestamp.IsZero()
		case "hour":
			if ec.Request.Timestamp.IsZero() {
				return nil, false
			}
			return ec.Request.Timestamp.Hour(), true
		}
		return nil, false

	case "auth":
		if len(parts) < 2 {
			return nil, false
		}
		switch parts[1] {
		case "provider":
			return ec.Auth.Provider, ec.Auth.Provider != ""
		case "scopes":
			return ec.Auth.Scopes, len(ec.Auth.Scopes) > 0
		case "verified":
			return ec.Auth.Verified, true
		case "mfa":
			return ec.Auth.MFA, true
		}
		return nil, false

	// short aliases
	case "role":
		return ec.Principal.Role, ec.Principal.Role != ""
	case "org":
		return ec.Principal.Org, ec.Principal.Org != ""
	case "ip":
		return ec.Request.IP, ec.Request.IP != ""
	case "mfa":
		return ec.Auth.MFA, true

	default:
		return nil, false
	}
}

// resolvePayloadPath walks nested tool arguments one map level per path part.
func resolvePayloadPath(payload map[string]interface{}, parts []string) (interface{}, bool) {
	var current interface{} = payload
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// =============================================================================
// Operator Helpers
// =============================================================================

// stringify normalizes a runtime field value for string comparison. Policies
// come from heterogeneous sources, so "42", 42 and 42.0 compare equal.
func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

// valueString normalizes a condition value for string comparison.
func valueString(v *ConditionValue) string {
	if v == nil {
		return ""
	}
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// valueListContains performs the stringified membership test for in/not_in.
// A scalar value degrades to a single-element list.
func valueListContains(v *ConditionValue, needle string) bool {
	if v == nil {
		return false
	}
	if v.Kind != KindList {
		return valueString(v) == needle
	}
	for i := range v.List {
		if valueString(&v.List[i]) == needle {
			return true
		}
	}
	return false
}

// compareNumeric applies an ordering operator. Both operands must parse as
// numbers; anything else yields false rather than erroring.
func compareNumeric(field interface{}, value *ConditionValue, op string) bool {
	a, aOK := toFloat64(field)
	b, bOK := conditionValueFloat(value)
	if !aOK || !bOK {
		return false
	}

	switch op {
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	default:
		return false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func conditionValueFloat(v *ConditionValue) (float64, bool) {
	if v == nil {
		return 0, false
	}
	switch v.Kind {
	case KindNumber:
		return v.Num, true
	case KindString:
		f, err := strconv.ParseFloat(v.Str, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// matchRegex compiles the value as a pattern against the field. An invalid
// pattern is a non-match, not a crash.
func matchRegex(text, pattern string) bool {
	matched, err := regexp.MatchString(pattern, text)
	if err != nil {
		return false
	}
	return matched
}

// matchIPRange reports whether the field parses as an IP address falling in
// any of the CIDR ranges listed in the value. Unparseable addresses and
// ranges are skipped as non-matches.
func matchIPRange(fieldValue string, v *ConditionValue) bool {
	ip := net.ParseIP(strings.TrimSpace(fieldValue))
	if ip == nil {
		return false
	}

	for _, cidr := range valueStrings(v) {
		_, ipNet, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			continue
		}
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// valueStrings flattens a condition value into a string list. A scalar value
// degrades to a single-element list.
func valueStrings(v *ConditionValue) []string {
	if v == nil {
		return nil
	}
	if v.Kind != KindList {
		return []string{valueString(v)}
	}
	out := make([]string, 0, len(v.List))
	for i := range v.List {
		out = append(out, valueString(&v.List[i]))
	}
	return out
}
