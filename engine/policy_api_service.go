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
	"errors"
	"fmt"
)

// PolicyService implements PolicyServicer over a PolicyStore. It owns request
// validation; the store owns consistency and persistence.
type PolicyService struct {
	store *PolicyStore
}

// NewPolicyService creates a new policy service.
func NewPolicyService(store *PolicyStore) *PolicyService {
	return &PolicyService{store: store}
}

// CreatePolicy validates and creates a new policy.
func (s *PolicyService) CreatePolicy(ctx context.Context, req *CreatePolicyRequest) (*Policy, error) {
	if err := validateBindings(req.Resources, req.Scopes); err != nil {
		return nil, err
	}

	spec := &Policy{
		PolicyCode:    req.PolicyCode,
		Description:   req.Description,
		Rules:         req.Rules,
		Status:        req.Status,
		EffectiveFrom: req.EffectiveFrom,
		EffectiveTo:   req.EffectiveTo,
		Priority:      req.Priority,
		Resources:     req.Resources,
		Scopes:        req.Scopes,
		Owner:         req.Owner,
		Approver:      req.Approver,
	}
	return s.store.Create(ctx, spec)
}

// GetPolicy retrieves a policy by id, falling back to lookup by code.
func (s *PolicyService) GetPolicy(ctx context.Context, idOrCode string) (*Policy, error) {
	p, err := s.store.Get(idOrCode)
	if err == nil {
		return p, nil
	}
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return s.store.GetByCode(idOrCode)
	}
	return nil, err
}

// ListPolicies retrieves policies matching the filter, sorted by priority
// descending then policy_code ascending.
func (s *PolicyService) ListPolicies(ctx context.Context, params ListPoliciesParams) (*PoliciesListResponse, error) {
	if params.Status != "" && !isValidStatus(PolicyStatus(params.Status)) {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", params.Status))
	}

	policies := s.store.ListByFilter(PolicyFilter{
		Status:       PolicyStatus(params.Status),
		Org:          params.Org,
		Owner:        params.Owner,
		ResourceType: params.ResourceType,
		ResourceID:   params.ResourceID,
	})
	if policies == nil {
		policies = []*Policy{}
	}
	return &PoliciesListResponse{Policies: policies, Total: len(policies)}, nil
}

// UpdatePolicy merges the request into the stored policy.
func (s *PolicyService) UpdatePolicy(ctx context.Context, policyID string, req *UpdatePolicyRequest) (*Policy, error) {
	patch := PolicyPatch{
		PolicyCode:    req.PolicyCode,
		Description:   req.Description,
		Rules:         req.Rules,
		Priority:      req.Priority,
		EffectiveFrom: req.EffectiveFrom,
		EffectiveTo:   req.EffectiveTo,
		Owner:         req.Owner,
		Approver:      req.Approver,
	}
	return s.store.Update(ctx, policyID, patch, req.ExpectedVersion)
}

// DeletePolicy removes a policy.
func (s *PolicyService) DeletePolicy(ctx context.Context, policyID string) error {
	return s.store.Delete(ctx, policyID)
}

// TransitionPolicy moves a policy through its lifecycle state machine.
func (s *PolicyService) TransitionPolicy(ctx context.Context, policyID string, target PolicyStatus) (*Policy, error) {
	return s.store.Transition(ctx, policyID, target)
}

// BindResource attaches or detaches a resource binding.
func (s *PolicyService) BindResource(ctx context.Context, policyID string, req *ResourceBindingRequest, bind bool) (*Policy, error) {
	if req.ResourceType == "" {
		return nil, NewValidationError("resource_type", "resource_type is required")
	}
	if req.ResourceID == "" {
		return nil, NewValidationError("resource_id", "resource_id is required")
	}
	binding := ResourceBinding{ResourceType: req.ResourceType, ResourceID: req.ResourceID}
	if bind {
		return s.store.BindResource(ctx, policyID, binding)
	}
	return s.store.UnbindResource(ctx, policyID, binding)
}

// BindScope attaches or detaches a principal scope binding.
func (s *PolicyService) BindScope(ctx context.Context, policyID string, req *ScopeBindingRequest, bind bool) (*Policy, error) {
	if !isValidPrincipalType(req.PrincipalType) {
		return nil, NewValidationError("principal_type",
			fmt.Sprintf("principal_type must be one of %v", ValidPrincipalTypes))
	}
	if req.PrincipalID == "" {
		return nil, NewValidationError("principal_id", "principal_id is required")
	}
	binding := ScopeBinding{PrincipalType: req.PrincipalType, PrincipalID: req.PrincipalID}
	if bind {
		return s.store.BindScope(ctx, policyID, binding)
	}
	return s.store.UnbindScope(ctx, policyID, binding)
}

// ValidatePolicy runs the exact same validation as CreatePolicy without
// persisting anything.
func (s *PolicyService) ValidatePolicy(ctx context.Context, req *CreatePolicyRequest) *ValidatePolicyResponse {
	if err := s.validateAsCreate(req); err != nil {
		return &ValidatePolicyResponse{Valid: false, Error: err.Error()}
	}
	return &ValidatePolicyResponse{Valid: true}
}

// Reload replaces the working set from the backing store.
func (s *PolicyService) Reload(ctx context.Context) (int, error) {
	return s.store.ReloadAll(ctx)
}

func (s *PolicyService) validateAsCreate(req *CreatePolicyRequest) error {
	if req.PolicyCode == "" {
		return NewValidationError("policy_code", "policy_code is required")
	}
	if req.Status != "" && !isValidStatus(req.Status) {
		return NewValidationError("status", fmt.Sprintf("unknown status %q", req.Status))
	}
	if _, err := s.store.GetByCode(req.PolicyCode); err == nil {
		return NewValidationError("policy_code", fmt.Sprintf("policy_code %q already exists", req.PolicyCode))
	}
	if err := validateBindings(req.Resources, req.Scopes); err != nil {
		return err
	}
	return ValidateRules(req.Rules)
}

func validateBindings(resources []ResourceBinding, scopes []ScopeBinding) error {
	for i, rb := range resources {
		if rb.ResourceType == "" {
			return NewValidationError(fmt.Sprintf("resources[%d].resource_type", i), "resource_type is required")
		}
		if rb.ResourceID == "" {
			return NewValidationError(fmt.Sprintf("resources[%d].resource_id", i), "resource_id is required")
		}
	}
	for i, sc := range scopes {
		if !isValidPrincipalType(sc.PrincipalType) {
			return NewValidationError(fmt.Sprintf("scopes[%d].principal_type", i),
				fmt.Sprintf("principal_type must be one of %v", ValidPrincipalTypes))
		}
		if sc.PrincipalID == "" {
			return NewValidationError(fmt.Sprintf("scopes[%d].principal_id", i), "principal_id is required")
		}
	}
	return nil
}

func isValidPrincipalType(t string) bool {
	for _, valid := range ValidPrincipalTypes {
		if t == valid {
			return true
		}
	}
	return false
}
