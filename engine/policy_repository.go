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
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// PostgresBackend persists policies as one row per policy with JSON columns
// for rules and bindings.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend creates a backend over an open database handle.
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// OpenPostgresBackend connects to the database and verifies the connection.
func OpenPostgresBackend(databaseURL string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresBackend{db: db}, nil
}

// EnsureSchema creates the policies table if it does not exist.
func (r *PostgresBackend) EnsureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS policies (
			policy_id      TEXT PRIMARY KEY,
			policy_code    TEXT UNIQUE NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			rules          JSONB NOT NULL,
			status         TEXT NOT NULL,
			effective_from TIMESTAMPTZ,
			effective_to   TIMESTAMPTZ,
			priority       INTEGER NOT NULL DEFAULT 0,
			version        INTEGER NOT NULL DEFAULT 1,
			resources      JSONB NOT NULL DEFAULT '[]',
			scopes         JSONB NOT NULL DEFAULT '[]',
			owner          TEXT NOT NULL DEFAULT '',
			approver       TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create policies table: %w", err)
	}
	return nil
}

// Save upserts a policy row.
func (r *PostgresBackend) Save(ctx context.Context, policy *Policy) error {
	rulesJSON, err := json.Marshal(policy.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}
	resourcesJSON, err := json.Marshal(policy.Resources)
	if err != nil {
		return fmt.Errorf("failed to marshal resources: %w", err)
	}
	scopesJSON, err := json.Marshal(policy.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}

	query := `
		INSERT INTO policies (
			policy_id, policy_code, description, rules, status,
			effective_from, effective_to, priority, version,
			resources, scopes, owner, approver, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (policy_id) DO UPDATE SET
			policy_code = EXCLUDED.policy_code,
			description = EXCLUDED.description,
			rules = EXCLUDED.rules,
			status = EXCLUDED.status,
			effective_from = EXCLUDED.effective_from,
			effective_to = EXCLUDED.effective_to,
			priority = EXCLUDED.priority,
			version = EXCLUDED.version,
			resources = EXCLUDED.resources,
			scopes = EXCLUDED.scopes,
			owner = EXCLUDED.owner,
			approver = EXCLUDED.approver,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		policy.PolicyID, policy.PolicyCode, policy.Description, rulesJSON,
		string(policy.Status), nullTime(policy.EffectiveFrom), nullTime(policy.EffectiveTo),
		policy.Priority, policy.Version, resourcesJSON, scopesJSON,
		policy.Owner, policy.Approver, policy.CreatedAt, policy.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert policy %s: %w", policy.PolicyID, err)
	}
	return nil
}

// Delete removes a policy row.
func (r *PostgresBackend) Delete(ctx context.Context, policyID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM policies WHERE policy_id = $1`, policyID)
	if err != nil {
		return fmt.Errorf("failed to delete policy %s: %w", policyID, err)
	}
	return nil
}

// LoadAll reads every policy row. A corrupt row is skipped with a logged
// warning so one bad record cannot block a reload.
func (r *PostgresBackend) LoadAll(ctx context.Context) ([]*Policy, error) {
	query := `
		SELECT policy_id, policy_code, description, rules, status,
		       effective_from, effective_to, priority, version,
		       resources, scopes, owner, approver, created_at, updated_at
		FROM policies
		ORDER BY priority DESC, policy_code ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var policies []*Policy
	for rows.Next() {
		policy := &Policy{}
		var rulesJSON, resourcesJSON, scopesJSON []byte
		var status string
		var effectiveFrom, effectiveTo sql.NullTime

		if err := rows.Scan(
			&policy.PolicyID, &policy.PolicyCode, &policy.Description, &rulesJSON, &status,
			&effectiveFrom, &effectiveTo, &policy.Priority, &policy.Version,
			&resourcesJSON, &scopesJSON, &policy.Owner, &policy.Approver,
			&policy.CreatedAt, &policy.UpdatedAt,
		); err != nil {
			log.Printf("[PolicyRepository] Error scanning policy row: %v", err)
			continue
		}

		policy.Status = PolicyStatus(status)
		if effectiveFrom.Valid {
			t := effectiveFrom.Time
			policy.EffectiveFrom = &t
		}
		if effectiveTo.Valid {
			t := effectiveTo.Time
			policy.EffectiveTo = &t
		}

		if err := json.Unmarshal(rulesJSON, &policy.Rules); err != nil {
			log.Printf("[PolicyRepository] Error parsing rules for policy %s: %v", policy.PolicyID, err)
			continue
		}
		if err := json.Unmarshal(resourcesJSON, &policy.Resources); err != nil {
			log.Printf("[PolicyRepository] Error parsing resources for policy %s: %v", policy.PolicyID, err)
			continue
		}
		if err := json.Unmarshal(scopesJSON, &policy.Scopes); err != nil {
			log.Printf("[PolicyRepository] Error parsing scopes for policy %s: %v", policy.PolicyID, err)
			continue
		}

		policies = append(policies, policy)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policies: %w", err)
	}
	return policies, nil
}

// Close closes the underlying database handle.
func (r *PostgresBackend) Close() error {
	return r.db.Close()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
