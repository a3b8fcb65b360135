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

package commerce

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanzoai/bootnode/pkg/billing/subscriptions"
)

type fakeLister struct {
	subs []subscriptions.Subscription
}

func (f *fakeLister) ListPayg(ctx context.Context) ([]subscriptions.Subscription, error) {
	return f.subs, nil
}

type usageReport struct {
	subscriptionID string
	quantity       int64
	idempotencyKey string
}

type fakeReporter struct {
	reports  []usageReport
	err      error
	onReport func()
}

func (f *fakeReporter) ReportUsage(ctx context.Context, subID string, cu int64, ts time.Time, key string) error {
	if f.onReport != nil {
		f.onReport()
	}
	if f.err != nil {
		return f.err
	}
	f.reports = append(f.reports, usageReport{subscriptionID: subID, quantity: cu, idempotencyKey: key})
	return nil
}

func paygSub(projectID uuid.UUID) subscriptions.Subscription {
	return subscriptions.Subscription{
		ProjectID:              projectID,
		Tier:                   "payg",
		CommerceCustomerID:     sql.NullString{String: "cust_1", Valid: true},
		CommerceSubscriptionID: sql.NullString{String: "sub_1", Valid: true},
	}
}

func testWorker(t *testing.T, lister PaygLister, reporter UsageReporter) (*SyncWorker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	w := NewSyncWorker(zap.NewNop().Sugar(), rdb, lister, reporter)
	w.now = func() time.Time {
		return time.Date(2024, 6, 15, 14, 30, 0, 0, time.UTC)
	}
	return w, mr
}

func TestSyncOnceReportsUsage(t *testing.T) {
	projectID := uuid.New()
	reporter := &fakeReporter{}
	w, mr := testWorker(t, &fakeLister{subs: []subscriptions.Subscription{paygSub(projectID)}}, reporter)

	mr.Set(fmt.Sprintf(unsyncKeyFmt, projectID), "7500000")

	if err := w.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if len(reporter.reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reporter.reports))
	}
	r := reporter.reports[0]
	if r.subscriptionID != "sub_1" || r.quantity != 7_500_000 {
		t.Errorf("unexpected report: %+v", r)
	}
	if expected := projectID.String() + ":2024-06-15-14"; r.idempotencyKey != expected {
		t.Errorf("expected idempotency key %q, got %q", expected, r.idempotencyKey)
	}

	val, err := mr.Get(fmt.Sprintf(unsyncKeyFmt, projectID))
	if err != nil {
		t.Fatal(err)
	}
	if val != "0" {
		t.Errorf("expected unsync counter 0, got %s", val)
	}

	if _, err := mr.Get(syncLastKey); err != nil {
		t.Error("expected billing:sync:last to be written")
	}
	if mr.Exists(syncLockKey) {
		t.Error("lock must be released after the run")
	}
}

func TestSyncOnceSkipsZeroUsage(t *testing.T) {
	projectID := uuid.New()
	reporter := &fakeReporter{}
	w, _ := testWorker(t, &fakeLister{subs: []subscriptions.Subscription{paygSub(projectID)}}, reporter)

	if err := w.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(reporter.reports) != 0 {
		t.Errorf("expected no reports for zero usage, got %v", reporter.reports)
	}
}

func TestSyncOnceSingleFlight(t *testing.T) {
	projectID := uuid.New()
	reporter := &fakeReporter{}
	w, mr := testWorker(t, &fakeLister{subs: []subscriptions.Subscription{paygSub(projectID)}}, reporter)

	mr.Set(fmt.Sprintf(unsyncKeyFmt, projectID), "7500000")
	// Another replica already holds the lock.
	mr.Set(syncLockKey, "2024-06-15T14:00:00Z")
	mr.SetTTL(syncLockKey, syncLockExpiry)

	if err := w.SyncOnce(context.Background()); err != nil {
		t.Fatalf("locked run must return nil, got %v", err)
	}
	if len(reporter.reports) != 0 {
		t.Errorf("locked run must not report, got %v", reporter.reports)
	}

	val, _ := mr.Get(fmt.Sprintf(unsyncKeyFmt, projectID))
	if val != "7500000" {
		t.Errorf("locked run must leave the counter intact, got %s", val)
	}
}

func TestSyncOnceCommerceFailureKeepsCounter(t *testing.T) {
	projectID := uuid.New()
	reporter := &fakeReporter{err: errors.New("commerce 503")}
	w, mr := testWorker(t, &fakeLister{subs: []subscriptions.Subscription{paygSub(projectID)}}, reporter)

	mr.Set(fmt.Sprintf(unsyncKeyFmt, projectID), "1000000")

	if err := w.SyncOnce(context.Background()); err != nil {
		t.Fatalf("per-project failures must not fail the run: %v", err)
	}
	val, _ := mr.Get(fmt.Sprintf(unsyncKeyFmt, projectID))
	if val != "1000000" {
		t.Errorf("counter must survive a failed report, got %s", val)
	}
}

func TestSyncOnceReleasesLockAfterCancellation(t *testing.T) {
	projectID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shutdown arrives while the report is in flight.
	reporter := &fakeReporter{err: context.Canceled, onReport: cancel}
	w, mr := testWorker(t, &fakeLister{subs: []subscriptions.Subscription{paygSub(projectID)}}, reporter)
	mr.Set(fmt.Sprintf(unsyncKeyFmt, projectID), "1000000")

	if err := w.SyncOnce(ctx); err != nil {
		t.Fatalf("per-project failures must not fail the run: %v", err)
	}
	if mr.Exists(syncLockKey) {
		t.Error("lock must be released even when the run's context is cancelled")
	}
}

func TestSyncWorkerRunCancellable(t *testing.T) {
	w, _ := testWorker(t, &fakeLister{}, &fakeReporter{})
	w.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestLastSync(t *testing.T) {
	w, mr := testWorker(t, &fakeLister{}, &fakeReporter{})

	if _, ok := w.LastSync(context.Background()); ok {
		t.Error("expected no last sync before the first run")
	}

	mr.Set(syncLastKey, "2024-06-15T14:30:00Z")
	ts, ok := w.LastSync(context.Background())
	if !ok {
		t.Fatal("expected last sync timestamp")
	}
	if ts.Hour() != 14 || ts.Minute() != 30 {
		t.Errorf("unexpected timestamp %s", ts)
	}
}
