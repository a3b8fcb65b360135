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

// Package subscriptions stores per-project billing state. The SQL row is
// authoritative for limits; redis carries a short-lived cache that webhook
// reconciliation invalidates.
package subscriptions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanzoai/bootnode/pkg/billing/tiers"
	bnerrors "github.com/hanzoai/bootnode/pkg/errors"
)

const (
	cacheKeyFmt = "billing:subscription:%s"
	cacheTTL    = 5 * time.Minute
)

const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
    project_id               UUID PRIMARY KEY,
    tier                     TEXT NOT NULL DEFAULT 'free',
    monthly_cu_limit         BIGINT NOT NULL DEFAULT 0,
    rate_limit_per_second    INTEGER NOT NULL DEFAULT 0,
    max_apps                 INTEGER NOT NULL DEFAULT 0,
    max_webhooks             INTEGER NOT NULL DEFAULT 0,
    commerce_customer_id     TEXT,
    commerce_subscription_id TEXT,
    scheduled_tier           TEXT,
    billing_cycle_start      TIMESTAMPTZ NOT NULL DEFAULT now(),
    billing_cycle_end        TIMESTAMPTZ,
    created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_commerce_sub
    ON subscriptions (commerce_subscription_id);
`

// Subscription is one project's billing state.
type Subscription struct {
	ProjectID              uuid.UUID      `db:"project_id" json:"project_id"`
	Tier                   tiers.Tier     `db:"tier" json:"tier"`
	MonthlyCULimit         int64          `db:"monthly_cu_limit" json:"monthly_cu_limit"`
	RateLimitPerSecond     int            `db:"rate_limit_per_second" json:"rate_limit_per_second"`
	MaxApps                int            `db:"max_apps" json:"max_apps"`
	MaxWebhooks            int            `db:"max_webhooks" json:"max_webhooks"`
	CommerceCustomerID     sql.NullString `db:"commerce_customer_id" json:"commerce_customer_id,omitempty"`
	CommerceSubscriptionID sql.NullString `db:"commerce_subscription_id" json:"commerce_subscription_id,omitempty"`
	ScheduledTier          sql.NullString `db:"scheduled_tier" json:"scheduled_tier,omitempty"`
	BillingCycleStart      time.Time      `db:"billing_cycle_start" json:"billing_cycle_start"`
	BillingCycleEnd        sql.NullTime   `db:"billing_cycle_end" json:"billing_cycle_end,omitempty"`
	CreatedAt              time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time      `db:"updated_at" json:"updated_at"`
}

// Store persists subscriptions in Postgres with a redis read cache.
type Store struct {
	db  *sqlx.DB
	rdb *redis.Client
	log *zap.SugaredLogger
}

// NewStore builds a Store. rdb may be nil; caching is then disabled.
func NewStore(log *zap.SugaredLogger, db *sqlx.DB, rdb *redis.Client) *Store {
	return &Store{db: db, rdb: rdb, log: log}
}

// Migrate applies the subscriptions schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate subscriptions schema: %w", err)
	}
	return nil
}

func cacheKey(projectID uuid.UUID) string {
	return fmt.Sprintf(cacheKeyFmt, projectID)
}

// Get loads a subscription by project, preferring the cache.
func (s *Store) Get(ctx context.Context, projectID uuid.UUID) (*Subscription, error) {
	if s.rdb != nil {
		if raw, err := s.rdb.Get(ctx, cacheKey(projectID)).Bytes(); err == nil {
			var sub Subscription
			if json.Unmarshal(raw, &sub) == nil {
				return &sub, nil
			}
		}
	}

	var sub Subscription
	err := s.db.GetContext(ctx, &sub,
		`SELECT * FROM subscriptions WHERE project_id = $1`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s", bnerrors.ErrSubscriptionNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	if s.rdb != nil {
		if raw, err := json.Marshal(&sub); err == nil {
			s.rdb.Set(ctx, cacheKey(projectID), raw, cacheTTL)
		}
	}
	return &sub, nil
}

// GetByCommerceID loads a subscription by its Commerce subscription id.
func (s *Store) GetByCommerceID(ctx context.Context, commerceSubID string) (*Subscription, error) {
	var sub Subscription
	err := s.db.GetContext(ctx, &sub,
		`SELECT * FROM subscriptions WHERE commerce_subscription_id = $1`, commerceSubID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: commerce subscription %s", bnerrors.ErrSubscriptionNotFound, commerceSubID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &sub, nil
}

// Upsert writes the full row keyed by project_id. Repeated upserts from
// different webhook paths are equivalent; the last write wins wholesale.
func (s *Store) Upsert(ctx context.Context, sub *Subscription) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO subscriptions (
			project_id, tier, monthly_cu_limit, rate_limit_per_second,
			max_apps, max_webhooks, commerce_customer_id, commerce_subscription_id,
			scheduled_tier, billing_cycle_start, billing_cycle_end
		) VALUES (
			:project_id, :tier, :monthly_cu_limit, :rate_limit_per_second,
			:max_apps, :max_webhooks, :commerce_customer_id, :commerce_subscription_id,
			:scheduled_tier, :billing_cycle_start, :billing_cycle_end
		)
		ON CONFLICT (project_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			monthly_cu_limit = EXCLUDED.monthly_cu_limit,
			rate_limit_per_second = EXCLUDED.rate_limit_per_second,
			max_apps = EXCLUDED.max_apps,
			max_webhooks = EXCLUDED.max_webhooks,
			commerce_customer_id = EXCLUDED.commerce_customer_id,
			commerce_subscription_id = EXCLUDED.commerce_subscription_id,
			scheduled_tier = EXCLUDED.scheduled_tier,
			billing_cycle_end = EXCLUDED.billing_cycle_end,
			updated_at = now()`, sub)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return s.InvalidateCache(ctx, sub.ProjectID)
}

// ApplyPlan upserts the subscription for a project from a Commerce plan slug,
// overwriting limits with the tier catalog values.
func (s *Store) ApplyPlan(ctx context.Context, projectID uuid.UUID, planSlug, commerceSubID, commerceCustID string, periodEnd *time.Time) (*Subscription, error) {
	tier := tiers.TierForPlan(planSlug)
	limits := tiers.MustLimits(tier)

	sub := &Subscription{
		ProjectID:          projectID,
		Tier:               tier,
		MonthlyCULimit:     limits.MonthlyCU,
		RateLimitPerSecond: limits.RateLimitPerSecond,
		MaxApps:            limits.MaxApps,
		MaxWebhooks:        limits.MaxWebhooks,
		BillingCycleStart:  time.Now().UTC(),
	}
	if commerceSubID != "" {
		sub.CommerceSubscriptionID = sql.NullString{String: commerceSubID, Valid: true}
	}
	if commerceCustID != "" {
		sub.CommerceCustomerID = sql.NullString{String: commerceCustID, Valid: true}
	}
	if periodEnd != nil {
		sub.BillingCycleEnd = sql.NullTime{Time: *periodEnd, Valid: true}
	}

	if err := s.Upsert(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// UpdatePlan rewrites tier and limits for the row addressed by its Commerce
// subscription id.
func (s *Store) UpdatePlan(ctx context.Context, commerceSubID, planSlug string, periodEnd *time.Time) (*Subscription, error) {
	sub, err := s.GetByCommerceID(ctx, commerceSubID)
	if err != nil {
		return nil, err
	}
	tier := tiers.TierForPlan(planSlug)
	limits := tiers.MustLimits(tier)

	sub.Tier = tier
	sub.MonthlyCULimit = limits.MonthlyCU
	sub.RateLimitPerSecond = limits.RateLimitPerSecond
	sub.MaxApps = limits.MaxApps
	sub.MaxWebhooks = limits.MaxWebhooks
	if periodEnd != nil {
		sub.BillingCycleEnd = sql.NullTime{Time: *periodEnd, Valid: true}
	}
	if err := s.Upsert(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Cancel downgrades a subscription. Immediate cancellation resets to free
// limits now and drops the Commerce binding; otherwise the downgrade is
// scheduled for the end of the billing period.
func (s *Store) Cancel(ctx context.Context, commerceSubID string, immediately bool) (*Subscription, error) {
	sub, err := s.GetByCommerceID(ctx, commerceSubID)
	if err != nil {
		return nil, err
	}

	if immediately {
		limits := tiers.MustLimits(tiers.Free)
		sub.Tier = tiers.Free
		sub.MonthlyCULimit = limits.MonthlyCU
		sub.RateLimitPerSecond = limits.RateLimitPerSecond
		sub.MaxApps = limits.MaxApps
		sub.MaxWebhooks = limits.MaxWebhooks
		sub.CommerceSubscriptionID = sql.NullString{}
	} else {
		sub.ScheduledTier = sql.NullString{String: string(tiers.Free), Valid: true}
	}
	if err := s.Upsert(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Reactivate restores the tier implied by planSlug and clears any scheduled
// downgrade.
func (s *Store) Reactivate(ctx context.Context, commerceSubID, planSlug string) (*Subscription, error) {
	sub, err := s.GetByCommerceID(ctx, commerceSubID)
	if err != nil {
		return nil, err
	}
	tier := tiers.TierForPlan(planSlug)
	limits := tiers.MustLimits(tier)

	sub.Tier = tier
	sub.MonthlyCULimit = limits.MonthlyCU
	sub.RateLimitPerSecond = limits.RateLimitPerSecond
	sub.MaxApps = limits.MaxApps
	sub.MaxWebhooks = limits.MaxWebhooks
	sub.ScheduledTier = sql.NullString{}
	if err := s.Upsert(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// ListPayg returns every pay-as-you-go subscription bound to Commerce, the
// set the usage sync worker reports for.
func (s *Store) ListPayg(ctx context.Context) ([]Subscription, error) {
	var subs []Subscription
	err := s.db.SelectContext(ctx, &subs, `
		SELECT * FROM subscriptions
		WHERE tier = $1
		  AND commerce_subscription_id IS NOT NULL
		  AND commerce_customer_id IS NOT NULL`, tiers.PayAsYouGo)
	if err != nil {
		return nil, fmt.Errorf("failed to list payg subscriptions: %w", err)
	}
	return subs, nil
}

// InvalidateCache drops the cached subscription row.
func (s *Store) InvalidateCache(ctx context.Context, projectID uuid.UUID) error {
	if s.rdb == nil {
		return nil
	}
	if err := s.rdb.Del(ctx, cacheKey(projectID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.log.Warnw("Failed to invalidate subscription cache", "project", projectID, zap.Error(err))
	}
	return nil
}
