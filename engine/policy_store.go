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
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PolicyBackend persists policies as individually addressable records keyed by
// policy_id. reloadAll reconstructs the full working set from whatever the
// backing store holds.
type PolicyBackend interface {
	Save(ctx context.Context, policy *Policy) error
	Delete(ctx context.Context, policyID string) error
	LoadAll(ctx context.Context) ([]*Policy, error)
}

// NullBackend is a no-op backend for tests and memory-only deployments.
type NullBackend struct{}

func (NullBackend) Save(ctx context.Context, policy *Policy) error { return nil }
func (NullBackend) Delete(ctx context.Context, policyID string) error { return nil }
func (NullBackend) LoadAll(ctx context.Context) ([]*Policy, error) { return nil, nil }

// storeSnapshot is an immutable view of the working set. Writers build a new
// snapshot off to the side and publish it with a single pointer swap, so
// in-flight evaluations always see either the old or the new set, never a mix.
type storeSnapshot struct {
	byID    map[string]*Policy
	byCode  map[string]*Policy
	ordered []*Policy // priority desc, policy_code asc
}

func emptySnapshot() *storeSnapshot {
	return &storeSnapshot{
		byID:   make(map[string]*Policy),
		byCode: make(map[string]*Policy),
	}
}

// PolicyStore owns the authoritative set of policy records. Reads never block
// on writes; writes are serialized among themselves and publish atomically.
type PolicyStore struct {
	backend  PolicyBackend
	snapshot atomic.Pointer[storeSnapshot]
	writeMu  sync.Mutex
}

// NewPolicyStore creates a store over the given backend with an empty working
// set. Call ReloadAll to populate it from the backing store.
func NewPolicyStore(backend PolicyBackend) *PolicyStore {
	if backend == nil {
		backend = NullBackend{}
	}
	s := &PolicyStore{backend: backend}
	s.snapshot.Store(emptySnapshot())
	return s
}

// PolicyPatch carries the fields an update may change. Nil pointers are left
// untouched; a non-nil Rules slice replaces the rule list wholesale.
type PolicyPatch struct {
	PolicyCode    *string
	Description   *string
	Rules         []Rule
	Priority      *int
	EffectiveFrom *time.Time
	EffectiveTo   *time.Time
	Owner         *string
	Approver      *string
}

// PolicyFilter narrows ListByFilter results. Zero values match everything.
type PolicyFilter struct {
	Status       PolicyStatus
	Org          string // matches policies scoped to org:<Org>
	Owner        string
	ResourceType string
	ResourceID   string
}

// =============================================================================
// Reads
// =============================================================================

// Get returns the policy with the given id.
func (s *PolicyStore) Get(id string) (*Policy, error) {
	snap := s.snapshot.Load()
	p, ok := snap.byID[id]
	if !ok {
		return nil, &NotFoundError{Key: id}
	}
	return p, nil
}

// GetByCode returns the policy with the given human-readable code.
func (s *PolicyStore) GetByCode(code string) (*Policy, error) {
	snap := s.snapshot.Load()
	p, ok := snap.byCode[code]
	if !ok {
		return nil, &NotFoundError{Key: code}
	}
	return p, nil
}

// ListByFilter returns matching policies sorted by priority descending, then
// policy_code ascending for determinism.
func (s *PolicyStore) ListByFilter(filter PolicyFilter) []*Policy {
	snap := s.snapshot.Load()

	var out []*Policy
	for _, p := range snap.ordered {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.Owner != "" && p.Owner != filter.Owner {
			continue
		}
		if filter.Org != "" && !policyScopedToOrg(p, filter.Org) {
			continue
		}
		if filter.ResourceType != "" || filter.ResourceID != "" {
			if !policyBoundToResource(p, filter.ResourceType, filter.ResourceID) {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// Snapshot returns the current ordered working set. The returned slice and
// the policies it holds are immutable; callers must not modify them.
func (s *PolicyStore) Snapshot() []*Policy {
	return s.snapshot.Load().ordered
}

// Count returns the size of the working set.
func (s *PolicyStore) Count() int {
	return len(s.snapshot.Load().ordered)
}

func policyScopedToOrg(p *Policy, org string) bool {
	for _, sc := range p.Scopes {
		if sc.PrincipalType == "org" && sc.PrincipalID == org {
			return true
		}
	}
	return false
}

func policyBoundToResource(p *Policy, resourceType, resourceID string) bool {
	for _, rb := range p.Resources {
		if resourceType != "" && rb.ResourceType != resourceType {
			continue
		}
		if resourceID != "" && rb.ResourceID != resourceID {
			continue
		}
		return true
	}
	return false
}

// =============================================================================
// Writes
// =============================================================================

// Create validates and stores a new policy. The policy_id is assigned here;
// status defaults to draft and version starts at 1.
func (s *PolicyStore) Create(ctx context.Context, spec *Policy) (*Policy, error) {
	if spec.PolicyCode == "" {
		return nil, NewValidationError("policy_code", "policy_code is required")
	}
	if spec.Status == "" {
		spec.Status = StatusDraft
	}
	if !isValidStatus(spec.Status) {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", spec.Status))
	}
	if err := ValidateRules(spec.Rules); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap := s.snapshot.Load()
	if _, exists := snap.byCode[spec.PolicyCode]; exists {
		return nil, NewValidationError("policy_code", fmt.Sprintf("policy_code %q already exists", spec.PolicyCode))
	}

	now := time.Now().UTC()
	stored := clonePolicy(spec)
	stored.PolicyID = uuid.New().String()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if err := s.backend.Save(ctx, stored); err != nil {
		return nil, fmt.Errorf("failed to persist policy: %w", err)
	}

	s.publish(snap, stored)
	return stored, nil
}

// Update merges the patch into the stored policy and increments its version.
// expectedVersion guards against stale writes: if it is positive and does not
// match the current version, the update fails with ConflictError.
func (s *PolicyStore) Update(ctx context.Context, id string, patch PolicyPatch, expectedVersion int) (*Policy, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap := s.snapshot.Load()
	current, ok := snap.byID[id]
	if !ok {
		return nil, &NotFoundError{Key: id}
	}
	if expectedVersion > 0 && expectedVersion != current.Version {
		return nil, &ConflictError{PolicyID: id, ExpectedVersion: expectedVersion, CurrentVersion: current.Version}
	}

	updated := clonePolicy(current)
	if patch.PolicyCode != nil && *patch.PolicyCode != current.PolicyCode {
		if *patch.PolicyCode == "" {
			return nil, NewValidationError("policy_code", "policy_code cannot be empty")
		}
		if _, exists := snap.byCode[*patch.PolicyCode]; exists {
			return nil, NewValidationError("policy_code", fmt.Sprintf("policy_code %q already exists", *patch.PolicyCode))
		}
		updated.PolicyCode = *patch.PolicyCode
	}
	if patch.Description != nil {
		updated.Description = *patch.Description
	}
	if patch.Rules != nil {
		if err := ValidateRules(patch.Rules); err != nil {
			return nil, err
		}
		// deep-copy so the published snapshot never aliases caller memory
		updated.Rules = make([]Rule, len(patch.Rules))
		for i, r := range patch.Rules {
			updated.Rules[i] = cloneRule(r)
		}
	}
	if patch.Priority != nil {
		updated.Priority = *patch.Priority
	}
	if patch.EffectiveFrom != nil {
		t := *patch.EffectiveFrom
		updated.EffectiveFrom = &t
	}
	if patch.EffectiveTo != nil {
		t := *patch.EffectiveTo
		updated.EffectiveTo = &t
	}
	if patch.Owner != nil {
		updated.Owner = *patch.Owner
	}
	if patch.Approver != nil {
		updated.Approver = *patch.Approver
	}

	updated.Version = current.Version + 1
	updated.UpdatedAt = time.Now().UTC()

	if err := s.backend.Save(ctx, updated); err != nil {
		return nil, fmt.Errorf("failed to persist policy: %w", err)
	}

	s.publish(snap, updated)
	return updated, nil
}

// Delete removes a policy from the working set and the backing store.
func (s *PolicyStore) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap := s.snapshot.Load()
	current, ok := snap.byID[id]
	if !ok {
		return &NotFoundError{Key: id}
	}

	if err := s.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}

	next := emptySnapshot()
	for pid, p := range snap.byID {
		if pid == current.PolicyID {
			continue
		}
		next.byID[pid] = p
		next.byCode[p.PolicyCode] = p
	}
	rebuildOrder(next)
	s.snapshot.Store(next)
	return nil
}

// validTransitions is the lifecycle state machine:
// draft -> active <-> suspended -> retired; retired is terminal.
var validTransitions = map[PolicyStatus][]PolicyStatus{
	StatusDraft:     {StatusActive},
	StatusActive:    {StatusSuspended, StatusRetired},
	StatusSuspended: {StatusActive, StatusRetired},
	StatusRetired:   {},
}

// Transition moves a policy to the target lifecycle status. Every transition
// increments the version.
func (s *PolicyStore) Transition(ctx context.Context, id string, target PolicyStatus) (*Policy, error) {
	if !isValidStatus(target) {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", target))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap := s.snapshot.Load()
	current, ok := snap.byID[id]
	if !ok {
		return nil, &NotFoundError{Key: id}
	}

	allowed := false
	for _, next := range validTransitions[current.Status] {
		if next == target {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, &InvalidTransitionError{From: current.Status, To: target}
	}

	updated := clonePolicy(current)
	updated.Status = target
	updated.Version = current.Version + 1
	updated.UpdatedAt = time.Now().UTC()

	if err := s.backend.Save(ctx, updated); err != nil {
		return nil, fmt.Errorf("failed to persist policy: %w", err)
	}

	s.publish(snap, updated)
	return updated, nil
}

// BindResource attaches a resource binding. Binding an already-bound pair is
// a no-op, not an error.
func (s *PolicyStore) BindResource(ctx context.Context, id string, binding ResourceBinding) (*Policy, error) {
	return s.mutateBindings(ctx, id, func(p *Policy) bool {
		for _, rb := range p.Resources {
			if rb == binding {
				return false
			}
		}
		p.Resources = append(p.Resources, binding)
		return true
	})
}

// UnbindResource removes a resource binding; removing an absent pair is a no-op.
func (s *PolicyStore) UnbindResource(ctx context.Context, id string, binding ResourceBinding) (*Policy, error) {
	return s.mutateBindings(ctx, id, func(p *Policy) bool {
		for i, rb := range p.Resources {
			if rb == binding {
				p.Resources = append(p.Resources[:i], p.Resources[i+1:]...)
				return true
			}
		}
		return false
	})
}

// BindScope attaches a principal scope binding; idempotent.
func (s *PolicyStore) BindScope(ctx context.Context, id string, binding ScopeBinding) (*Policy, error) {
	return s.mutateBindings(ctx, id, func(p *Policy) bool {
		for _, sc := range p.Scopes {
			if sc == binding {
				return false
			}
		}
		p.Scopes = append(p.Scopes, binding)
		return true
	})
}

// UnbindScope removes a principal scope binding; idempotent.
func (s *PolicyStore) UnbindScope(ctx context.Context, id string, binding ScopeBinding) (*Policy, error) {
	return s.mutateBindings(ctx, id, func(p *Policy) bool {
		for i, sc := range p.Scopes {
			if sc == binding {
				p.Scopes = append(p.Scopes[:i], p.Scopes[i+1:]...)
				return true
			}
		}
		return false
	})
}

func (s *PolicyStore) mutateBindings(ctx context.Context, id string, mutate func(*Policy) bool) (*Policy, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap := s.snapshot.Load()
	current, ok := snap.byID[id]
	if !ok {
		return nil, &NotFoundError{Key: id}
	}

	updated := clonePolicy(current)
	if !mutate(updated) {
		// no change; keep the version stable
		return current, nil
	}

	updated.Version = current.Version + 1
	updated.UpdatedAt = time.Now().UTC()

	if err := s.backend.Save(ctx, updated); err != nil {
		return nil, fmt.Errorf("failed to persist policy: %w", err)
	}

	s.publish(snap, updated)
	return updated, nil
}

// ReloadAll atomically replaces the working set from the backing store.
// Readers never observe a partially loaded state: the new snapshot is built
// off to the side and swapped in as a single pointer update.
func (s *PolicyStore) ReloadAll(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	policies, err := s.backend.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load policies: %w", err)
	}

	next := emptySnapshot()
	for _, p := range policies {
		stored := clonePolicy(p)
		next.byID[stored.PolicyID] = stored
		next.byCode[stored.PolicyCode] = stored
	}
	rebuildOrder(next)
	s.snapshot.Store(next)
	return len(next.ordered), nil
}

// publish builds the successor snapshot with one policy added or replaced.
func (s *PolicyStore) publish(prev *storeSnapshot, updated *Policy) {
	next := emptySnapshot()
	for pid, p := range prev.byID {
		if pid == updated.PolicyID {
			continue
		}
		next.byID[pid] = p
		next.byCode[p.PolicyCode] = p
	}
	next.byID[updated.PolicyID] = updated
	next.byCode[updated.PolicyCode] = updated
	rebuildOrder(next)
	s.snapshot.Store(next)
}

func rebuildOrder(snap *storeSnapshot) {
	snap.ordered = make([]*Policy, 0, len(snap.byID))
	for _, p := range snap.byID {
		snap.ordered = append(snap.ordered, p)
	}
	sort.SliceStable(snap.ordered, func(i, j int) bool {
		if snap.ordered[i].Priority != snap.ordered[j].Priority {
			return snap.ordered[i].Priority > snap.ordered[j].Priority
		}
		return snap.ordered[i].PolicyCode < snap.ordered[j].PolicyCode
	})
}
