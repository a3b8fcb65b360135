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
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanzoai/bootnode/pkg/billing/subscriptions"
	bnerrors "github.com/hanzoai/bootnode/pkg/errors"
)

const (
	syncLockKey    = "billing:sync:lock"
	syncLastKey    = "billing:sync:last"
	unsyncKeyFmt   = "billing:unsync:cu:%s"
	syncLockExpiry = 5 * time.Minute
	syncInterval   = time.Hour
)

// UsageReporter is the slice of the Commerce client the sync worker needs.
type UsageReporter interface {
	ReportUsage(ctx context.Context, subscriptionID string, computeUnits int64, timestamp time.Time, idempotencyKey string) error
}

// PaygLister enumerates the subscriptions eligible for usage reporting.
type PaygLister interface {
	ListPayg(ctx context.Context) ([]subscriptions.Subscription, error)
}

// SyncWorker pushes unsynced CU counters to Commerce every hour. A redis
// lock keeps concurrent replicas from double-reporting; the hourly
// idempotency key makes a retried report after a crashed run a no-op.
type SyncWorker struct {
	rdb      *redis.Client
	store    PaygLister
	reporter UsageReporter
	log      *zap.SugaredLogger

	interval time.Duration
	now      func() time.Time
}

// NewSyncWorker builds the worker with the default hourly interval.
func NewSyncWorker(log *zap.SugaredLogger, rdb *redis.Client, store PaygLister, reporter UsageReporter) *SyncWorker {
	return &SyncWorker{
		rdb:      rdb,
		store:    store,
		reporter: reporter,
		log:      log,
		interval: syncInterval,
		now:      time.Now,
	}
}

// SetInterval overrides the sync interval. Non-positive values are ignored.
func (w *SyncWorker) SetInterval(d time.Duration) {
	if d > 0 {
		w.interval = d
	}
}

// Run loops until the context is cancelled, syncing once per interval.
func (w *SyncWorker) Run(ctx context.Context) error {
	w.log.Infow("Usage sync worker started", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.SyncOnce(ctx); err != nil {
			w.log.Errorw("Usage sync run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.log.Info("Usage sync worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SyncOnce reports every PAYG project's unsynced usage to Commerce. Returns
// nil when another replica holds the lock.
func (w *SyncWorker) SyncOnce(ctx context.Context) error {
	ok, err := w.rdb.SetNX(ctx, syncLockKey, w.now().UTC().Format(time.RFC3339), syncLockExpiry).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !ok {
		w.log.Debugw("Usage sync skipped", "reason", bnerrors.ErrLockNotAcquired)
		return nil
	}
	// Release with a detached context: a shutdown that cancels mid-run must
	// not leave the lock pinned for its full TTL.
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.rdb.Del(relCtx, syncLockKey).Err(); err != nil {
			w.log.Warnw("Failed to release sync lock", zap.Error(err))
		}
	}()

	subs, err := w.store.ListPayg(ctx)
	if err != nil {
		return err
	}

	var synced, failed int
	for _, sub := range subs {
		if err := w.syncProject(ctx, sub); err != nil {
			w.log.Errorw("Failed to sync project usage", "project", sub.ProjectID, zap.Error(err))
			failed++
			continue
		}
		synced++
	}

	w.rdb.Set(ctx, syncLastKey, w.now().UTC().Format(time.RFC3339), 0)
	w.log.Infow("Usage sync complete", "subscriptions", len(subs), "synced", synced, "failed", failed)
	return nil
}

// syncProject reports one project's accumulated CU and decrements the
// counter by exactly the amount reported, so usage tracked during the report
// is carried into the next run. Commerce failures leave the counter intact.
func (w *SyncWorker) syncProject(ctx context.Context, sub subscriptions.Subscription) error {
	projectID := sub.ProjectID.String()
	key := fmt.Sprintf(unsyncKeyFmt, projectID)

	unsynced, err := w.rdb.Get(ctx, key).Int64()
	if err != nil || unsynced <= 0 {
		return nil
	}

	idempotencyKey := fmt.Sprintf("%s:%s", projectID, w.now().UTC().Format("2006-01-02-15"))
	if err := w.reporter.ReportUsage(ctx, sub.CommerceSubscriptionID.String, unsynced, w.now(), idempotencyKey); err != nil {
		return err
	}

	remaining, err := w.rdb.DecrBy(ctx, key, unsynced).Result()
	if err != nil {
		return fmt.Errorf("failed to decrement unsynced counter: %w", err)
	}
	if remaining < 0 {
		w.rdb.Set(ctx, key, 0, 0)
	}

	w.log.Debugw("Reported usage to Commerce", "project", projectID, "cu", unsynced)
	return nil
}

// LastSync reads the timestamp of the most recent completed sync run.
func (w *SyncWorker) LastSync(ctx context.Context) (time.Time, bool) {
	raw, err := w.rdb.Get(ctx, syncLastKey).Result()
	if err != nil {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
