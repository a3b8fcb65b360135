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

package tracker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanzoai/bootnode/pkg/billing/tiers"
	"github.com/hanzoai/bootnode/pkg/datastore"
)

type fakeSink struct {
	records []datastore.UsageRecord
	err     error
}

func (f *fakeSink) InsertUsage(ctx context.Context, records []datastore.UsageRecord) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, records...)
	return nil
}

func testTracker(t *testing.T, sink UsageSink) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	tr := New(zap.NewNop().Sugar(), rdb, sink)
	tr.now = func() time.Time {
		return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	}
	return tr, mr
}

func TestTrackAccumulatesUsage(t *testing.T) {
	tr, _ := testTracker(t, nil)
	ctx := context.Background()

	// Two eth_getBalance calls at 5 CU each.
	tr.Track(ctx, Sample{ProjectID: "proj-1", Method: "eth_getBalance"})
	tr.Track(ctx, Sample{ProjectID: "proj-1", Method: "eth_getBalance"})

	if got := tr.CurrentUsage(ctx, "proj-1"); got != 10 {
		t.Errorf("expected 10 CU, got %d", got)
	}
	if got := tr.UnsyncedUsage(ctx, "proj-1"); got != 10 {
		t.Errorf("expected 10 unsynced CU, got %d", got)
	}
}

func TestTrackUsesMonthlyKey(t *testing.T) {
	tr, mr := testTracker(t, nil)
	tr.Track(context.Background(), Sample{ProjectID: "proj-1", Method: "eth_chainId"})

	if !mr.Exists("cu:usage:proj-1:2024-06") {
		t.Error("expected monthly usage key cu:usage:proj-1:2024-06")
	}
	ttl := mr.TTL("cu:usage:proj-1:2024-06")
	if ttl != 35*24*time.Hour {
		t.Errorf("expected 35d TTL, got %s", ttl)
	}
}

func TestTrackExplicitComputeUnits(t *testing.T) {
	tr, _ := testTracker(t, nil)
	ctx := context.Background()

	tr.Track(ctx, Sample{ProjectID: "proj-1", Method: "batch", ComputeUnits: 42})
	if got := tr.CurrentUsage(ctx, "proj-1"); got != 42 {
		t.Errorf("expected 42 CU, got %d", got)
	}
}

func TestFlushOnBatchSize(t *testing.T) {
	sink := &fakeSink{}
	tr, mr := testTracker(t, sink)
	ctx := context.Background()

	for i := 0; i < batchSize; i++ {
		tr.Track(ctx, Sample{ProjectID: "proj-1", Method: "eth_chainId", Network: "mainnet"})
	}

	if len(sink.records) != batchSize {
		t.Fatalf("expected %d flushed records, got %d", batchSize, len(sink.records))
	}
	if mr.Exists("cu:buffer:proj-1") {
		t.Error("buffer must be drained after flush")
	}
	if sink.records[0].Endpoint != "/rpc/mainnet" {
		t.Errorf("unexpected endpoint %q", sink.records[0].Endpoint)
	}
	if sink.records[0].ComputeUnits != 1 {
		t.Errorf("unexpected compute units %d", sink.records[0].ComputeUnits)
	}
}

func TestFlushSinkFailureKeepsCounters(t *testing.T) {
	sink := &fakeSink{err: errors.New("clickhouse down")}
	tr, _ := testTracker(t, sink)
	ctx := context.Background()

	for i := 0; i < batchSize; i++ {
		tr.Track(ctx, Sample{ProjectID: "proj-1", Method: "eth_chainId"})
	}

	// Analytics samples are lost; the billing counter is not.
	if got := tr.CurrentUsage(ctx, "proj-1"); got != int64(batchSize) {
		t.Errorf("expected %d CU despite sink failure, got %d", batchSize, got)
	}
}

func TestFlushAll(t *testing.T) {
	sink := &fakeSink{}
	tr, _ := testTracker(t, sink)
	ctx := context.Background()

	tr.Track(ctx, Sample{ProjectID: "proj-1", Method: "eth_chainId"})
	tr.Track(ctx, Sample{ProjectID: "proj-2", Method: "eth_getBalance"})

	tr.FlushAll(ctx)
	if len(sink.records) != 2 {
		t.Fatalf("expected 2 flushed records, got %d", len(sink.records))
	}
}

func TestCheckQuota(t *testing.T) {
	tr, _ := testTracker(t, nil)
	ctx := context.Background()

	// Free tier: 30M monthly CU. Fill to just under, then cross.
	tr.Track(ctx, Sample{ProjectID: "proj-1", Method: "x", ComputeUnits: 29_999_990})
	if !tr.CheckQuota(ctx, "proj-1", tiers.Free) {
		t.Error("expected quota ok below the limit")
	}

	tr.Track(ctx, Sample{ProjectID: "proj-1", Method: "eth_getBalance"})
	tr.Track(ctx, Sample{ProjectID: "proj-1", Method: "eth_getBalance"})
	if got := tr.CurrentUsage(ctx, "proj-1"); got != 30_000_000 {
		t.Fatalf("expected 30000000 CU, got %d", got)
	}
	if tr.CheckQuota(ctx, "proj-1", tiers.Free) {
		t.Error("expected quota exceeded at the limit")
	}

	// PAYG is unlimited.
	if !tr.CheckQuota(ctx, "proj-1", tiers.PayAsYouGo) {
		t.Error("payg must never hit a CU quota")
	}
}

func TestCheckRateLimit(t *testing.T) {
	tr, _ := testTracker(t, nil)
	ctx := context.Background()

	limit := tiers.MustLimits(tiers.Free).RateLimitPerSecond
	for i := 1; i <= limit; i++ {
		allowed, remaining := tr.CheckRateLimit(ctx, "proj-1", tiers.Free)
		if !allowed {
			t.Fatalf("request %d unexpectedly blocked", i)
		}
		if remaining != limit-i {
			t.Fatalf("request %d: expected remaining %d, got %d", i, limit-i, remaining)
		}
	}

	allowed, remaining := tr.CheckRateLimit(ctx, "proj-1", tiers.Free)
	if allowed {
		t.Error("request above the limit must be blocked")
	}
	if remaining != 0 {
		t.Errorf("expected remaining 0, got %d", remaining)
	}
}

func TestCheckRateLimitFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tr := New(zap.NewNop().Sugar(), rdb, nil)
	mr.Close()

	allowed, _ := tr.CheckRateLimit(context.Background(), "proj-1", tiers.Free)
	if !allowed {
		t.Error("redis outage must fail open")
	}
}

func TestUsageStats(t *testing.T) {
	tr, _ := testTracker(t, nil)
	ctx := context.Background()

	tr.Track(ctx, Sample{ProjectID: "proj-1", Method: "x", ComputeUnits: 15_000_000})

	stats, err := tr.UsageStats(ctx, "proj-1", tiers.Free)
	if err != nil {
		t.Fatal(err)
	}
	if stats.CurrentCU != 15_000_000 {
		t.Errorf("expected 15M current, got %d", stats.CurrentCU)
	}
	if stats.LimitCU != 30_000_000 {
		t.Errorf("expected 30M limit, got %d", stats.LimitCU)
	}
	if stats.RemainingCU == nil || *stats.RemainingCU != 15_000_000 {
		t.Errorf("unexpected remaining: %v", stats.RemainingCU)
	}
	if stats.PercentageUsed != 50 {
		t.Errorf("expected 50%%, got %f", stats.PercentageUsed)
	}
	if stats.EstimatedCostCents != 0 {
		t.Errorf("free tier must estimate 0 cents, got %d", stats.EstimatedCostCents)
	}

	// Unlimited tiers report no remaining but do estimate cost.
	stats, err = tr.UsageStats(ctx, "proj-1", tiers.PayAsYouGo)
	if err != nil {
		t.Fatal(err)
	}
	if stats.RemainingCU != nil {
		t.Errorf("payg must not report remaining, got %d", *stats.RemainingCU)
	}
	if stats.EstimatedCostCents != 15*40 {
		t.Errorf("expected 600 cents for 15M payg CU, got %d", stats.EstimatedCostCents)
	}
}

func TestUsageKeyFormat(t *testing.T) {
	tr, _ := testTracker(t, nil)
	expected := fmt.Sprintf(usageKeyFmt, "proj-1", "2024-06")
	if got := tr.usageKey("proj-1"); got != expected {
		t.Errorf("expected %q, got %q", expected, got)
	}
}
