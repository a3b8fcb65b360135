/*
Copyright 2024 The Bootnode Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package launcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	bnerrors "github.com/hanzoai/bootnode/pkg/errors"
)

const networksSchema = `
CREATE TABLE IF NOT EXISTS networks (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    brand_name      TEXT NOT NULL,
    brand_domain    TEXT NOT NULL,
    logo_url        TEXT NOT NULL DEFAULT '',
    primary_color   TEXT NOT NULL DEFAULT '#000000',
    accent_color    TEXT NOT NULL DEFAULT '#fd4444',
    tier            TEXT NOT NULL,
    status          TEXT NOT NULL,
    region          TEXT NOT NULL,
    chain_id        BIGINT,
    iam_org         TEXT NOT NULL,
    iam_client_id   TEXT NOT NULL,
    iam_domain      TEXT NOT NULL,
    web_replicas    INTEGER NOT NULL,
    api_replicas    INTEGER NOT NULL,
    validator_count INTEGER NOT NULL,
    cluster_id      TEXT,
    namespace       TEXT NOT NULL,
    error           TEXT,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    provisioned_at  TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_networks_name ON networks (name);
`

// Store persists launched networks in Postgres.
type Store struct {
	db *sqlx.DB
}

// NewStore builds a Store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the networks schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, networksSchema); err != nil {
		return fmt.Errorf("failed to migrate networks schema: %w", err)
	}
	return nil
}

// Insert writes a new network row.
func (s *Store) Insert(ctx context.Context, n *Network) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO networks (
			id, name, brand_name, brand_domain, logo_url, primary_color, accent_color,
			tier, status, region, chain_id, iam_org, iam_client_id, iam_domain,
			web_replicas, api_replicas, validator_count, cluster_id, namespace, error,
			created_at, updated_at, provisioned_at
		) VALUES (
			:id, :name, :brand_name, :brand_domain, :logo_url, :primary_color, :accent_color,
			:tier, :status, :region, :chain_id, :iam_org, :iam_client_id, :iam_domain,
			:web_replicas, :api_replicas, :validator_count, :cluster_id, :namespace, :error,
			:created_at, :updated_at, :provisioned_at
		)`, n)
	if err != nil {
		return fmt.Errorf("failed to insert network: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of a network row.
func (s *Store) Update(ctx context.Context, n *Network) error {
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE networks SET
			status = :status,
			web_replicas = :web_replicas,
			api_replicas = :api_replicas,
			validator_count = :validator_count,
			cluster_id = :cluster_id,
			error = :error,
			updated_at = :updated_at,
			provisioned_at = :provisioned_at
		WHERE id = :id`, n)
	if err != nil {
		return fmt.Errorf("failed to update network: %w", err)
	}
	return nil
}

// Get loads a network by id.
func (s *Store) Get(ctx context.Context, id string) (*Network, error) {
	var n Network
	err := s.db.GetContext(ctx, &n, `SELECT * FROM networks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", bnerrors.ErrNetworkNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load network: %w", err)
	}
	return &n, nil
}

// List returns every network that has not been deleted, newest first.
func (s *Store) List(ctx context.Context) ([]Network, error) {
	var networks []Network
	err := s.db.SelectContext(ctx, &networks, `
		SELECT * FROM networks WHERE status != $1 ORDER BY created_at DESC`, StatusDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}
	return networks, nil
}
