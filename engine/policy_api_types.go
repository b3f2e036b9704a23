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
	"time"
)

// CreatePolicyRequest for POST /api/v1/policies
type CreatePolicyRequest struct {
	PolicyCode    string            `json:"policy_code"`
	Description   string            `json:"description,omitempty"`
	Rules         []Rule            `json:"rules"`
	Status        PolicyStatus      `json:"status,omitempty"` // defaults to draft
	EffectiveFrom *time.Time        `json:"effective_from,omitempty"`
	EffectiveTo   *time.Time        `json:"effective_to,omitempty"`
	Priority      int               `json:"priority"`
	Resources     []ResourceBinding `json:"resources,omitempty"`
	Scopes        []ScopeBinding    `json:"scopes,omitempty"`
	Owner         string            `json:"owner,omitempty"`
	Approver      string            `json:"approver,omitempty"`
}

// UpdatePolicyRequest for PUT /api/v1/policies/{id}. Omitted fields are left
// untouched. ExpectedVersion enables optimistic concurrency: when positive,
// the update fails with 409 if the stored version differs.
type UpdatePolicyRequest struct {
	PolicyCode      *string    `json:"policy_code,omitempty"`
	Description     *string    `json:"description,omitempty"`
	Rules           []Rule     `json:"rules,omitempty"`
	Priority        *int       `json:"priority,omitempty"`
	EffectiveFrom   *time.Time `json:"effective_from,omitempty"`
	EffectiveTo     *time.Time `json:"effective_to,omitempty"`
	Owner           *string    `json:"owner,omitempty"`
	Approver        *string    `json:"approver,omitempty"`
	ExpectedVersion int        `json:"expected_version,omitempty"`
}

// ListPoliciesParams for GET /api/v1/policies query params
type ListPoliciesParams struct {
	Status       string `json:"status"`
	Org          string `json:"org"`
	Owner        string `json:"owner"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

// ResourceBindingRequest for POST/DELETE /api/v1/policies/{id}/resources
type ResourceBindingRequest struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

// ScopeBindingRequest for POST/DELETE /api/v1/policies/{id}/scopes
type ScopeBindingRequest struct {
	PrincipalType string `json:"principal_type"`
	PrincipalID   string `json:"principal_id"`
}

// ValidatePolicyResponse for POST /api/v1/policies/validate
type ValidatePolicyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ReloadResponse for POST /api/v1/policies/reload
type ReloadResponse struct {
	Loaded int `json:"loaded"`
}

// PoliciesListResponse for GET /api/v1/policies
type PoliciesListResponse struct {
	Policies []*Policy `json:"policies"`
	Total    int       `json:"total"`
}

// EvaluateResponse is the wire form of a Decision. The gateway consumes
// policy_ids as a list for forward compatibility with multi-policy evidence.
type EvaluateResponse struct {
	Decision    ActionType             `json:"decision"`
	PolicyIDs   []string               `json:"policy_ids"`
	PolicyCode  string                 `json:"policy_code,omitempty"`
	MatchedRule string                 `json:"matched_rule,omitempty"`
	Reason      string                 `json:"reason"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// APIError is the error envelope returned by every endpoint.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail carries a machine-readable code plus a human message.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PolicyServicer defines the interface for policy management operations.
// This interface enables dependency injection and testability.
type PolicyServicer interface {
	CreatePolicy(ctx context.Context, req *CreatePolicyRequest) (*Policy, error)
	GetPolicy(ctx context.Context, idOrCode string) (*Policy, error)
	ListPolicies(ctx context.Context, params ListPoliciesParams) (*PoliciesListResponse, error)
	UpdatePolicy(ctx context.Context, policyID string, req *UpdatePolicyRequest) (*Policy, error)
	DeletePolicy(ctx context.Context, policyID string) error
	TransitionPolicy(ctx context.Context, policyID string, target PolicyStatus) (*Policy, error)
	BindResource(ctx context.Context, policyID string, req *ResourceBindingRequest, bind bool) (*Policy, error)
	BindScope(ctx context.Context, policyID string, req *ScopeBindingRequest, bind bool) (*Policy, error)
	ValidatePolicy(ctx context.Context, req *CreatePolicyRequest) *ValidatePolicyResponse
	Reload(ctx context.Context) (int, error)
}
