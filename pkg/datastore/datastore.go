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

// Package datastore is the ClickHouse client for usage analytics. Billing
// correctness never depends on it: the hot counters live in redis, and a
// failed insert here loses only analytics samples.
package datastore

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// APIUsageSchema is the DDL for the per-request usage log.
const APIUsageSchema = `
CREATE TABLE IF NOT EXISTS api_usage (
    project_id      String,
    api_key_id      String,
    chain_id        UInt32,
    network         String,
    endpoint        String,
    method          String,
    compute_units   UInt32,
    response_time_ms UInt32,
    status_code     UInt16,
    ip_address      String,
    user_agent      String,
    timestamp       DateTime64(3),
    event_date      Date DEFAULT toDate(timestamp)
)
ENGINE = MergeTree()
PARTITION BY toYYYYMM(event_date)
ORDER BY (project_id, timestamp)
TTL event_date + INTERVAL 395 DAY
SETTINGS index_granularity = 8192;
`

// UsageRecord is one API call's accounting sample.
type UsageRecord struct {
	ProjectID      string    `json:"project_id"`
	APIKeyID       string    `json:"api_key_id,omitempty"`
	ChainID        uint32    `json:"chain_id"`
	Network        string    `json:"network"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	ComputeUnits   uint32    `json:"compute_units"`
	ResponseTimeMs uint32    `json:"response_time_ms"`
	StatusCode     uint16    `json:"status_code"`
	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent"`
	Timestamp      time.Time `json:"timestamp"`
}

// Options configures the ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Client wraps a ClickHouse connection.
type Client struct {
	conn driver.Conn
	log  *zap.SugaredLogger
}

// New connects to ClickHouse and verifies the connection.
func New(ctx context.Context, log *zap.SugaredLogger, opts Options) (*Client, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return &Client{conn: conn, log: log}, nil
}

// Migrate applies the usage table DDL.
func (c *Client) Migrate(ctx context.Context) error {
	if err := c.conn.Exec(ctx, APIUsageSchema); err != nil {
		return fmt.Errorf("failed to create api_usage table: %w", err)
	}
	return nil
}

// InsertUsage bulk-inserts usage records in one batch.
func (c *Client) InsertUsage(ctx context.Context, records []UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO api_usage (project_id, api_key_id, chain_id, network, endpoint, method, compute_units, response_time_ms, status_code, ip_address, user_agent, timestamp)")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, r := range records {
		if err := batch.Append(
			r.ProjectID, r.APIKeyID, r.ChainID, r.Network, r.Endpoint, r.Method,
			r.ComputeUnits, r.ResponseTimeMs, r.StatusCode, r.IPAddress, r.UserAgent,
			r.Timestamp,
		); err != nil {
			return fmt.Errorf("failed to append usage record: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send usage batch: %w", err)
	}
	c.log.Debugw("Inserted usage batch", "count", len(records))
	return nil
}

// Close shuts down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
