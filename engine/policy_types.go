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
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// Policy Data Model
// =============================================================================

// PolicyStatus represents the lifecycle state of a policy.
// Only active policies within their effective window participate in evaluation.
type PolicyStatus string

const (
	// StatusDraft is the initial state of a newly created policy.
	StatusDraft PolicyStatus = "draft"

	// StatusActive indicates the policy participates in evaluation.
	StatusActive PolicyStatus = "active"

	// StatusSuspended indicates the policy is temporarily excluded.
	StatusSuspended PolicyStatus = "suspended"

	// StatusRetired is terminal; the policy is kept for audit history only.
	StatusRetired PolicyStatus = "retired"
)

// ActionType represents what happens when a rule matches.
type ActionType string

const (
	ActionAllow           ActionType = "allow"
	ActionDeny            ActionType = "deny"
	ActionRedact          ActionType = "redact"
	ActionTransform       ActionType = "transform"
	ActionAudit           ActionType = "audit"
	ActionLogOnly         ActionType = "log_only"
	ActionRequireApproval ActionType = "require_approval"
	ActionRateLimit       ActionType = "rate_limit"
)

// Policy is the authoritative access-control unit: a versioned, lifecycle-managed
// bundle of rules with priority and scope/resource bindings.
type Policy struct {
	PolicyID      string            `json:"policy_id" yaml:"policy_id"`
	PolicyCode    string            `json:"policy_code" yaml:"policy_code"`
	Description   string            `json:"description,omitempty" yaml:"description,omitempty"`
	Rules         []Rule            `json:"rules" yaml:"rules"`
	Status        PolicyStatus      `json:"status" yaml:"status"`
	EffectiveFrom *time.Time        `json:"effective_from,omitempty" yaml:"effective_from,omitempty"`
	EffectiveTo   *time.Time        `json:"effective_to,omitempty" yaml:"effective_to,omitempty"`
	Priority      int               `json:"priority" yaml:"priority"`
	Version       int               `json:"version" yaml:"version"`
	Resources     []ResourceBinding `json:"resources,omitempty" yaml:"resources,omitempty"`
	Scopes        []ScopeBinding    `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	Owner         string            `json:"owner,omitempty" yaml:"owner,omitempty"`
	Approver      string            `json:"approver,omitempty" yaml:"approver,omitempty"`
	CreatedAt     time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" yaml:"updated_at"`
}

// ResourceBinding attaches a policy to a target resource. An empty binding set
// means the policy is unbound by resource and applies regardless of target.
type ResourceBinding struct {
	ResourceType string `json:"resource_type" yaml:"resource_type"`
	ResourceID   string `json:"resource_id" yaml:"resource_id"`
}

// ScopeBinding attaches a policy to a principal. An empty scope set means the
// policy is global and applies to every principal.
type ScopeBinding struct {
	PrincipalType string `json:"principal_type" yaml:"principal_type"` // user, role, group, org
	PrincipalID   string `json:"principal_id" yaml:"principal_id"`
}

// Rule is one entry in a policy's rule list. Insertion order is not
// significant; priority resolves which matching rule wins within a policy.
type Rule struct {
	RuleID     string     `json:"rule_id" yaml:"rule_id"`
	Priority   int        `json:"priority" yaml:"priority"`
	Conditions *Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"` // nil means "always matches"
	Actions    []Action   `json:"actions" yaml:"actions"`
}

// Action is the rule's effect. The first action's type is the rule's effective
// decision; later entries carry side-channel parameters (e.g. redaction fields).
type Action struct {
	Type   ActionType             `json:"type" yaml:"type"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// =============================================================================
// Condition Tree
// =============================================================================

// Condition is a node in a boolean condition tree. A node is either a leaf
// (field/operator/value) or a composite (all/any); never both. An empty "all"
// evaluates to true and an empty "any" to false, the neutral element of the
// respective boolean operator.
type Condition struct {
	Field    string          `json:"field,omitempty" yaml:"field,omitempty"`
	Operator string          `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    *ConditionValue `json:"value,omitempty" yaml:"value,omitempty"`

	All []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any []Condition `json:"any,omitempty" yaml:"any,omitempty"`
}

// IsLeaf reports whether the node carries a field comparison.
func (c *Condition) IsLeaf() bool {
	return c.Field != "" || c.Operator != ""
}

// IsComposite reports whether the node carries child conditions.
func (c *Condition) IsComposite() bool {
	return c.All != nil || c.Any != nil
}

// ValueKind tags the variant held by a ConditionValue.
type ValueKind int

const (
	KindString ValueKind = iota
	KindNumber
	KindBool
	KindList
)

// ConditionValue is a tagged variant for condition comparison values. Policies
// arrive from heterogeneous sources (JSON bodies, YAML files, DB rows), so the
// value side of a comparison may be a string, number, boolean, or list.
type ConditionValue struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	List []ConditionValue
}

// StringValue builds a string-kinded value.
func StringValue(s string) *ConditionValue {
	return &ConditionValue{Kind: KindString, Str: s}
}

// NumberValue builds a number-kinded value.
func NumberValue(n float64) *ConditionValue {
	return &ConditionValue{Kind: KindNumber, Num: n}
}

// BoolValue builds a bool-kinded value.
func BoolValue(b bool) *ConditionValue {
	return &ConditionValue{Kind: KindBool, Bool: b}
}

// ListValue builds a list-kinded value from string elements.
func ListValue(items ...string) *ConditionValue {
	v := &ConditionValue{Kind: KindList}
	for _, item := range items {
		v.List = append(v.List, ConditionValue{Kind: KindString, Str: item})
	}
	return v
}

// UnmarshalJSON accepts any JSON scalar or array and tags it accordingly.
func (v *ConditionValue) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return v.fromInterface(raw)
}

// MarshalJSON writes the underlying scalar or array back out.
func (v ConditionValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.toInterface())
}

// UnmarshalYAML mirrors the JSON behavior for file-backed policies.
func (v *ConditionValue) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return v.fromInterface(raw)
}

// MarshalYAML mirrors the JSON behavior for file-backed policies.
func (v ConditionValue) MarshalYAML() (interface{}, error) {
	return v.toInterface(), nil
}

func (v *ConditionValue) fromInterface(raw interface{}) error {
	switch val := raw.(type) {
	case nil:
		*v = ConditionValue{Kind: KindString}
	case string:
		*v = ConditionValue{Kind: KindString, Str: val}
	case bool:
		*v = ConditionValue{Kind: KindBool, Bool: val}
	case float64:
		*v = ConditionValue{Kind: KindNumber, Num: val}
	case int:
		*v = ConditionValue{Kind: KindNumber, Num: float64(val)}
	case int64:
		*v = ConditionValue{Kind: KindNumber, Num: float64(val)}
	case []interface{}:
		list := make([]ConditionValue, 0, len(val))
		for _, item := range val {
			var cv ConditionValue
			if err := cv.fromInterface(item); err != nil {
				return err
			}
			list = append(list, cv)
		}
		*v = ConditionValue{Kind: KindList, List: list}
	default:
		return fmt.Errorf("unsupported condition value type %T", raw)
	}
	return nil
}

func (v ConditionValue) toInterface() interface{} {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindList:
		out := make([]interface{}, 0, len(v.List))
		for _, item := range v.List {
			out = append(out, item.toInterface())
		}
		return out
	default:
		return nil
	}
}

// =============================================================================
// Evaluation Context and Decision
// =============================================================================

// Principal identifies who is making the request.
type Principal struct {
	ID     string   `json:"id"`
	Role   string   `json:"role,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	Groups []string `json:"groups,omitempty"`
	Org    string   `json:"org,omitempty"`
}

// Resource identifies the target of the request (an MCP server, a tool, etc.).
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// RequestMeta carries transport-level request metadata.
type RequestMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// AuthMeta carries authentication metadata from the gateway's auth layer.
type AuthMeta struct {
	Provider string   `json:"provider,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	Verified bool     `json:"verified,omitempty"`
	MFA      bool     `json:"mfa,omitempty"`
}

// EvaluationContext is the read-only input to a decision. The engine never
// mutates it.
type EvaluationContext struct {
	Principal Principal              `json:"principal"`
	Resource  Resource               `json:"resource"`
	Tool      string                 `json:"tool,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Request   RequestMeta            `json:"request,omitempty"`
	Auth      AuthMeta               `json:"auth,omitempty"`
}

// Decision is the ephemeral outcome of one evaluation. Decisions are never
// persisted as authoritative state; audit persistence is the gateway's job.
type Decision struct {
	Action      ActionType             `json:"decision"`
	PolicyID    string                 `json:"policy_id,omitempty"`
	PolicyCode  string                 `json:"policy_code,omitempty"`
	RuleID      string                 `json:"matched_rule,omitempty"`
	Reason      string                 `json:"reason"`
	Params      map[string]interface{} `json:"params,omitempty"`
	EvaluatedAt time.Time              `json:"timestamp"`
}

// Allowed reports whether the decision permits the request to proceed.
// Redact and transform permit the call with enforcement applied by the gateway.
func (d *Decision) Allowed() bool {
	switch d.Action {
	case ActionAllow, ActionRedact, ActionTransform, ActionAudit, ActionLogOnly:
		return true
	default:
		return false
	}
}

// =============================================================================
// Validation
// =============================================================================

// ValidConditionOperators lists every operator the evaluator recognizes.
var ValidConditionOperators = []string{
	"equals",
	"not_equals",
	"in",
	"not_in",
	"contains",
	"not_contains",
	"begins_with",
	"ends_with",
	"matches",
	"gt",
	"lt",
	"gte",
	"lte",
	"in_ip_range",
	"not_in_ip_range",
	"exists",
	"not_exists",
}

// ValidActionTypes lists every action type a rule may carry.
var ValidActionTypes = []string{
	string(ActionAllow),
	string(ActionDeny),
	string(ActionRedact),
	string(ActionTransform),
	string(ActionAudit),
	string(ActionLogOnly),
	string(ActionRequireApproval),
	string(ActionRateLimit),
}

// ValidPrincipalTypes lists the principal axes a scope binding may name.
var ValidPrincipalTypes = []string{"user", "role", "group", "org"}

func isValidOperator(op string) bool {
	for _, valid := range ValidConditionOperators {
		if op == valid {
			return true
		}
	}
	return false
}

func isValidActionType(t ActionType) bool {
	for _, valid := range ValidActionTypes {
		if string(t) == valid {
			return true
		}
	}
	return false
}

func isValidStatus(s PolicyStatus) bool {
	switch s {
	case StatusDraft, StatusActive, StatusSuspended, StatusRetired:
		return true
	}
	return false
}

// ValidateRules performs structural validation of a policy's rule list.
// Invalid rules are rejected before they ever reach storage; the evaluator
// assumes well-formed input.
func ValidateRules(rules []Rule) error {
	if len(rules) == 0 {
		return NewValidationError("rules", "policy must have at least one rule")
	}

	seen := make(map[string]bool, len(rules))
	for i, rule := range rules {
		if rule.RuleID == "" {
			return NewValidationError(fmt.Sprintf("rules[%d].rule_id", i), "rule_id is required")
		}
		if seen[rule.RuleID] {
			return NewValidationError(fmt.Sprintf("rules[%d].rule_id", i),
				fmt.Sprintf("duplicate rule_id %q", rule.RuleID))
		}
		seen[rule.RuleID] = true

		if len(rule.Actions) == 0 {
			return NewValidationError(fmt.Sprintf("rules[%d].actions", i), "rule must have at least one action")
		}
		for j, action := range rule.Actions {
			if !isValidActionType(action.Type) {
				return NewValidationError(fmt.Sprintf("rules[%d].actions[%d].type", i, j),
					fmt.Sprintf("unknown action type %q", action.Type))
			}
		}

		if rule.Conditions != nil {
			if err := validateCondition(rule.Conditions, fmt.Sprintf("rules[%d].conditions", i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateCondition walks the condition tree rejecting malformed nodes.
func validateCondition(c *Condition, path string) error {
	leaf := c.IsLeaf()
	composite := c.IsComposite()

	if leaf && composite {
		return NewValidationError(path, "condition must be a leaf or a composite, not both")
	}
	if !leaf && !composite {
		return NewValidationError(path, "condition must have field/operator or all/any children")
	}

	if leaf {
		if c.Field == "" {
			return NewValidationError(path+".field", "field is required")
		}
		if !isValidOperator(c.Operator) {
			return NewValidationError(path+".operator", fmt.Sprintf("unknown operator %q", c.Operator))
		}
		if c.Value == nil && c.Operator != "exists" && c.Operator != "not_exists" {
			return NewValidationError(path+".value", fmt.Sprintf("operator %q requires a value", c.Operator))
		}
		return nil
	}

	if c.All != nil && c.Any != nil {
		return NewValidationError(path, "condition may use all or any, not both")
	}
	children := c.All
	kind := "all"
	if c.Any != nil {
		children = c.Any
		kind = "any"
	}
	for i := range children {
		if err := validateCondition(&children[i], fmt.Sprintf("%s.%s[%d]", path, kind, i)); err != nil {
			return err
		}
	}
	return nil
}

// clonePolicy deep-copies a policy so snapshots stay immutable once published.
func clonePolicy(p *Policy) *Policy {
	cp := *p
	if p.EffectiveFrom != nil {
		t := *p.EffectiveFrom
		cp.EffectiveFrom = &t
	}
	if p.EffectiveTo != nil {
		t := *p.EffectiveTo
		cp.EffectiveTo = &t
	}
	cp.Rules = make([]Rule, len(p.Rules))
	for i, r := range p.Rules {
		cp.Rules[i] = cloneRule(r)
	}
	cp.Resources = append([]ResourceBinding(nil), p.Resources...)
	cp.Scopes = append([]ScopeBinding(nil), p.Scopes...)
	return &cp
}

func cloneRule(r Rule) Rule {
	cr := r
	if r.Conditions != nil {
		cr.Conditions = cloneCondition(r.Conditions)
	}
	cr.Actions = make([]Action, len(r.Actions))
	for i, a := range r.Actions {
		cr.Actions[i] = Action{Type: a.Type, Params: cloneParams(a.Params)}
	}
	return cr
}

func cloneCondition(c *Condition) *Condition {
	cc := *c
	if c.Value != nil {
		v := *c.Value
		v.List = append([]ConditionValue(nil), c.Value.List...)
		cc.Value = &v
	}
	if c.All != nil {
		cc.All = make([]Condition, len(c.All))
		for i := range c.All {
			cc.All[i] = *cloneCondition(&c.All[i])
		}
	}
	if c.Any != nil {
		cc.Any = make([]Condition, len(c.Any))
		for i := range c.Any {
			cc.Any[i] = *cloneCondition(&c.Any[i])
		}
	}
	return &cc
}

func cloneParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
