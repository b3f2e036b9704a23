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
	"sort"
	"time"

	"mcpgate/platform/shared/logger"
)

// =============================================================================
// Decision Engine
// =============================================================================

// DecisionEngine turns an evaluation context into a single decision. It only
// reads from the policy store; concurrent evaluations share the same snapshot
// and never block each other.
type DecisionEngine struct {
	store *PolicyStore
	log   *logger.Logger
}

// NewDecisionEngine creates an engine over the given store.
func NewDecisionEngine(store *PolicyStore) *DecisionEngine {
	return &DecisionEngine{
		store: store,
		log:   logger.New("decision-engine"),
	}
}

// candidate is a matching (policy, rule) pair awaiting conflict resolution.
type candidate struct {
	policy *Policy
	rule   *Rule
}

// Evaluate produces exactly one decision for the context. Evaluation never
// returns an error: absence of policy coverage, corrupt stored policies, and
// unexpected runtime values all degrade to a safe decision, worst case a
// default deny.
func (e *DecisionEngine) Evaluate(ec *EvaluationContext) *Decision {
	start := time.Now()

	now := ec.Request.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// Snapshot is already ordered by priority desc, policy_code asc.
	var applicable []*Policy
	for _, p := range e.store.Snapshot() {
		if !e.eligible(p, now) {
			continue
		}
		if !scopeMatches(p, &ec.Principal) {
			continue
		}
		if !resourceMatches(p, &ec.Resource) {
			continue
		}
		applicable = append(applicable, p)
	}

	// Global deny policies short-circuit before priority resolution. A deny
	// that applies to every principal is a safety net that a higher-priority
	// scoped allow must not outrank.
	if d := e.globalDeny(applicable, ec, start); d != nil {
		recordDecision(d, start)
		return d
	}

	var matches []candidate
	for _, p := range applicable {
		matches = append(matches, e.matchRules(p, ec)...)
	}

	if len(matches) == 0 {
		d := e.defaultDeny(start)
		recordDecision(d, start)
		return d
	}

	winner := resolvePriority(matches)
	d := e.decide(winner, start)
	recordDecision(d, start)
	return d
}

// eligible reports whether the policy participates in evaluation at all:
// active status and effective window containing now.
func (e *DecisionEngine) eligible(p *Policy, now time.Time) bool {
	if p.Status != StatusActive {
		return false
	}
	if p.EffectiveFrom != nil && now.Before(*p.EffectiveFrom) {
		return false
	}
	if p.EffectiveTo != nil && now.After(*p.EffectiveTo) {
		return false
	}
	return true
}

// matchRules evaluates each rule's condition tree and returns the matching
// pairs. A structurally corrupt rule is skipped with a logged warning; one
// bad policy must not deny or allow unrelated requests by crashing the engine.
func (e *DecisionEngine) matchRules(p *Policy, ec *EvaluationContext) []candidate {
	var out []candidate
	for i := range p.Rules {
		rule := &p.Rules[i]
		if rule.RuleID == "" || len(rule.Actions) == 0 {
			e.log.Warn(ec.Principal.ID, ec.Request.RequestID,
				"Skipping corrupt rule during evaluation", map[string]interface{}{
					"policy_id":   p.PolicyID,
					"policy_code": p.PolicyCode,
					"rule_index":  i,
				})
			continue
		}
		if EvaluateCondition(rule.Conditions, ec) {
			out = append(out, candidate{policy: p, rule: rule})
		}
	}
	return out
}

// globalDeny returns an immediate deny if any global-scope policy (empty
// scope set) has a matching rule whose effective action is deny.
func (e *DecisionEngine) globalDeny(applicable []*Policy, ec *EvaluationContext, start time.Time) *Decision {
	var denies []candidate
	for _, p := range applicable {
		if len(p.Scopes) != 0 {
			continue
		}
		for _, m := range e.matchRules(p, ec) {
			if m.rule.Actions[0].Type == ActionDeny {
				denies = append(denies, m)
			}
		}
	}
	if len(denies) == 0 {
		return nil
	}
	winner := resolvePriority(denies)
	d := e.decide(winner, start)
	d.Reason = "denied by global policy " + winner.policy.PolicyCode
	return d
}

// resolvePriority picks the winning pair: highest (policy.priority,
// rule.priority) tuple, ties broken by policy_code then rule_id ascending so
// the order is total and the result deterministic.
func resolvePriority(matches []candidate) candidate {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.policy.Priority != b.policy.Priority {
			return a.policy.Priority > b.policy.Priority
		}
		if a.rule.Priority != b.rule.Priority {
			return a.rule.Priority > b.rule.Priority
		}
		if a.policy.PolicyCode != b.policy.PolicyCode {
			return a.policy.PolicyCode < b.policy.PolicyCode
		}
		return a.rule.RuleID < b.rule.RuleID
	})
	return matches[0]
}

// decide builds the decision from the winning pair. The first action's type
// is the effective decision; its params are carried unchanged for the gateway
// to enforce (redaction fields, transform specs, rate limit settings).
func (e *DecisionEngine) decide(winner candidate, start time.Time) *Decision {
	action := winner.rule.Actions[0]
	return &Decision{
		Action:      action.Type,
		PolicyID:    winner.policy.PolicyID,
		PolicyCode:  winner.policy.PolicyCode,
		RuleID:      winner.rule.RuleID,
		Reason:      "matched rule " + winner.rule.RuleID + " of policy " + winner.policy.PolicyCode,
		Params:      cloneParams(action.Params),
		EvaluatedAt: start.UTC(),
	}
}

// defaultDeny is the fail-closed decision: absence of policy coverage must
// never silently permit access.
func (e *DecisionEngine) defaultDeny(start time.Time) *Decision {
	return &Decision{
		Action:      ActionDeny,
		Reason:      "no matching policy - default deny",
		EvaluatedAt: start.UTC(),
	}
}

// =============================================================================
// Applicability
// =============================================================================

// scopeMatches reports whether the policy applies to the principal. An empty
// scope set means global: the policy applies to every principal.
func scopeMatches(p *Policy, principal *Principal) bool {
	if len(p.Scopes) == 0 {
		return true
	}
	for _, sc := range p.Scopes {
		switch sc.PrincipalType {
		case "user":
			if sc.PrincipalID == principal.ID {
				return true
			}
		case "role":
			if sc.PrincipalID == principal.Role {
				return true
			}
			for _, role := range principal.Roles {
				if sc.PrincipalID == role {
					return true
				}
			}
		case "group":
			for _, group := range principal.Groups {
				if sc.PrincipalID == group {
					return true
				}
			}
		case "org":
			if sc.PrincipalID == principal.Org {
				return true
			}
		}
	}
	return false
}

// resourceMatches reports whether the policy applies to the target resource.
// An empty binding set means the policy is unbound by resource and applies
// regardless of target. A binding with resource_id "*" covers every resource
// of its type.
func resourceMatches(p *Policy, resource *Resource) bool {
	if len(p.Resources) == 0 {
		return true
	}
	for _, rb := range p.Resources {
		if rb.ResourceType != resource.Type {
			continue
		}
		if rb.ResourceID == "*" || rb.ResourceID == resource.ID {
			return true
		}
	}
	return false
}
