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
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileBackend persists each policy as one YAML file named <policy_id>.yaml
// under a directory. Suitable for self-hosted deployments without a database.
type FileBackend struct {
	dir string
}

// NewFileBackend creates the policy directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create policy directory %s: %w", dir, err)
	}
	return &FileBackend{dir: dir}, nil
}

// Save writes the policy to a temp file and renames it into place so a crash
// mid-write never leaves a truncated record.
func (b *FileBackend) Save(ctx context.Context, policy *Policy) error {
	data, err := yaml.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to marshal policy %s: %w", policy.PolicyID, err)
	}

	target := b.path(policy.PolicyID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write policy file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to finalize policy file: %w", err)
	}
	return nil
}

// Delete removes the policy file; a missing file is not an error.
func (b *FileBackend) Delete(ctx context.Context, policyID string) error {
	err := os.Remove(b.path(policyID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete policy file: %w", err)
	}
	return nil
}

// LoadAll parses every .yaml/.yml file in the directory. Corrupt files are
// skipped with a logged warning so one bad record cannot block a reload.
func (b *FileBackend) LoadAll(ctx context.Context) ([]*Policy, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy directory %s: %w", b.dir, err)
	}

	var policies []*Policy
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(b.dir, name))
		if err != nil {
			log.Printf("[FileBackend] Failed to read policy file %s: %v", name, err)
			continue
		}

		policy := &Policy{}
		if err := yaml.Unmarshal(data, policy); err != nil {
			log.Printf("[FileBackend] Failed to parse policy file %s: %v", name, err)
			continue
		}
		if policy.PolicyID == "" || policy.PolicyCode == "" {
			log.Printf("[FileBackend] Skipping policy file %s: missing policy_id or policy_code", name)
			continue
		}

		policies = append(policies, policy)
	}
	return policies, nil
}

func (b *FileBackend) path(policyID string) string {
	return filepath.Join(b.dir, policyID+".yaml")
}
