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

// Package tracker accounts for API usage in redis and buffers samples for
// the analytics datastore. The monthly counter increment is the durability
// boundary; the buffer is best effort.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanzoai/bootnode/pkg/billing/tiers"
	"github.com/hanzoai/bootnode/pkg/datastore"
)

const (
	usageKeyFmt   = "cu:usage:%s:%s"     // cu:usage:{project}:{YYYY-MM}
	rateKeyFmt    = "rate:%s:%d"         // rate:{project}:{unix_s}
	bufferKeyFmt  = "cu:buffer:%s"       // cu:buffer:{project}
	unsyncKeyFmt  = "billing:unsync:cu:%s"

	usageTTL  = 35 * 24 * time.Hour
	batchSize = 100
)

// UsageSink receives flushed usage batches. Satisfied by *datastore.Client.
type UsageSink interface {
	InsertUsage(ctx context.Context, records []datastore.UsageRecord) error
}

// Sample describes one API call to account for.
type Sample struct {
	ProjectID      string
	Method         string
	ComputeUnits   int64 // 0 means resolve from the catalog
	APIKeyID       string
	ChainID        uint32
	Network        string
	ResponseTimeMs uint32
	StatusCode     uint16
	IPAddress      string
	UserAgent      string
}

// Stats summarizes a project's position within its tier.
type Stats struct {
	CurrentCU          int64   `json:"current_cu"`
	LimitCU            int64   `json:"limit_cu"`
	RemainingCU        *int64  `json:"remaining_cu"`
	PercentageUsed     float64 `json:"percentage_used"`
	RateLimitPerSecond int     `json:"rate_limit_per_second"`
	EstimatedCostCents int64   `json:"estimated_cost_cents"`
	Tier               string  `json:"tier"`
}

// Tracker tracks compute units in redis and batches samples to the sink.
type Tracker struct {
	rdb  *redis.Client
	sink UsageSink
	log  *zap.SugaredLogger

	// now is swapped in tests to pin the billing period.
	now func() time.Time
}

// New builds a Tracker. sink may be nil when analytics is disabled; flushes
// then drop the buffer contents without touching the counters.
func New(log *zap.SugaredLogger, rdb *redis.Client, sink UsageSink) *Tracker {
	return &Tracker{rdb: rdb, sink: sink, log: log, now: time.Now}
}

func (t *Tracker) usageKey(projectID string) string {
	return fmt.Sprintf(usageKeyFmt, projectID, t.now().UTC().Format("2006-01"))
}

func bufferKey(projectID string) string {
	return fmt.Sprintf(bufferKeyFmt, projectID)
}

// Track accounts for one API call: increments the monthly and unsynced
// counters, appends the sample to the project buffer, and flushes the buffer
// once it reaches the batch size. Counter failures are logged, not returned;
// accounting must never fail the request that is being billed.
func (t *Tracker) Track(ctx context.Context, s Sample) {
	cu := s.ComputeUnits
	if cu == 0 {
		cu = tiers.ComputeUnits(s.Method)
	}

	usageKey := t.usageKey(s.ProjectID)
	pipe := t.rdb.Pipeline()
	pipe.IncrBy(ctx, usageKey, cu)
	pipe.Expire(ctx, usageKey, usageTTL)
	pipe.IncrBy(ctx, fmt.Sprintf(unsyncKeyFmt, s.ProjectID), cu)
	if _, err := pipe.Exec(ctx); err != nil {
		t.log.Errorw("Failed to track usage", "project", s.ProjectID, zap.Error(err))
	}

	record := datastore.UsageRecord{
		ProjectID:      s.ProjectID,
		APIKeyID:       s.APIKeyID,
		ChainID:        s.ChainID,
		Network:        s.Network,
		Endpoint:       "/rpc/" + s.Network,
		Method:         s.Method,
		ComputeUnits:   uint32(cu),
		ResponseTimeMs: s.ResponseTimeMs,
		StatusCode:     s.StatusCode,
		IPAddress:      s.IPAddress,
		UserAgent:      s.UserAgent,
		Timestamp:      t.now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		t.log.Errorw("Failed to marshal usage record", zap.Error(err))
		return
	}

	key := bufferKey(s.ProjectID)
	if err := t.rdb.RPush(ctx, key, payload).Err(); err != nil {
		t.log.Errorw("Failed to buffer usage", "project", s.ProjectID, zap.Error(err))
		return
	}
	if length, err := t.rdb.LLen(ctx, key).Result(); err == nil && length >= batchSize {
		t.Flush(ctx, s.ProjectID)
	}
}

// Flush drains the project buffer and bulk-inserts it into the datastore.
// The read-and-delete is pipelined so no sample is flushed twice. Datastore
// unavailability drops only the analytics samples; counters are untouched.
func (t *Tracker) Flush(ctx context.Context, projectID string) {
	key := bufferKey(projectID)

	pipe := t.rdb.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		t.log.Errorw("Failed to drain usage buffer", "project", projectID, zap.Error(err))
		return
	}

	raw := rangeCmd.Val()
	if len(raw) == 0 || t.sink == nil {
		return
	}

	records := make([]datastore.UsageRecord, 0, len(raw))
	for _, item := range raw {
		var r datastore.UsageRecord
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	if len(records) == 0 {
		return
	}

	if err := t.sink.InsertUsage(ctx, records); err != nil {
		t.log.Errorw("Failed to flush usage to datastore", "project", projectID, "count", len(records), zap.Error(err))
		return
	}
	t.log.Debugw("Flushed usage", "project", projectID, "count", len(records))
}

// FlushAll scans every project buffer with cursor pagination and flushes
// each. Called on shutdown and from the periodic flusher.
func (t *Tracker) FlushAll(ctx context.Context) {
	var cursor uint64
	for {
		keys, next, err := t.rdb.Scan(ctx, cursor, "cu:buffer:*", 100).Result()
		if err != nil {
			t.log.Errorw("Failed to scan usage buffers", zap.Error(err))
			return
		}
		for _, key := range keys {
			projectID := strings.TrimPrefix(key, "cu:buffer:")
			t.Flush(ctx, projectID)
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// CurrentUsage reads the monthly CU counter.
func (t *Tracker) CurrentUsage(ctx context.Context, projectID string) int64 {
	val, err := t.rdb.Get(ctx, t.usageKey(projectID)).Int64()
	if err != nil {
		return 0
	}
	return val
}

// CheckQuota reports whether the project is within its monthly CU quota.
// Unlimited tiers always pass.
func (t *Tracker) CheckQuota(ctx context.Context, projectID string, tier tiers.Tier) bool {
	limits, err := tiers.GetLimits(tier)
	if err != nil {
		return false
	}
	if limits.MonthlyCU == 0 {
		return true
	}
	return t.CurrentUsage(ctx, projectID) < limits.MonthlyCU
}

// CheckRateLimit enforces a 1-second fixed window via INCR + EXPIRE. Redis
// errors fail open so an outage never blocks legitimate traffic.
func (t *Tracker) CheckRateLimit(ctx context.Context, projectID string, tier tiers.Tier) (bool, int) {
	limits, err := tiers.GetLimits(tier)
	if err != nil {
		return false, 0
	}
	limit := limits.RateLimitPerSecond
	key := fmt.Sprintf(rateKeyFmt, projectID, t.now().Unix())

	pipe := t.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		t.log.Errorw("Rate limit check failed", "project", projectID, zap.Error(err))
		return true, limit
	}

	count := int(incr.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= limit, remaining
}

// UsageStats summarizes current usage against tier limits.
func (t *Tracker) UsageStats(ctx context.Context, projectID string, tier tiers.Tier) (*Stats, error) {
	limits, err := tiers.GetLimits(tier)
	if err != nil {
		return nil, err
	}
	current := t.CurrentUsage(ctx, projectID)

	stats := &Stats{
		CurrentCU:          current,
		LimitCU:            limits.MonthlyCU,
		RateLimitPerSecond: limits.RateLimitPerSecond,
		EstimatedCostCents: tiers.MonthlyCost(tier, current),
		Tier:               string(tier),
	}
	if limits.MonthlyCU > 0 {
		remaining := limits.MonthlyCU - current
		if remaining < 0 {
			remaining = 0
		}
		stats.RemainingCU = &remaining
		stats.PercentageUsed = float64(current) / float64(limits.MonthlyCU) * 100
	}
	return stats, nil
}

// UnsyncedUsage reads the CU accumulated since the last Commerce sync.
func (t *Tracker) UnsyncedUsage(ctx context.Context, projectID string) int64 {
	val, err := t.rdb.Get(ctx, fmt.Sprintf(unsyncKeyFmt, projectID)).Int64()
	if err != nil {
		return 0
	}
	return val
}
