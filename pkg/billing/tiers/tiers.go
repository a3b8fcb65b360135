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

// Package tiers holds the static pricing catalogs: tier limits, plan slugs,
// and per-method compute unit costs.
package tiers

import "fmt"

// Tier is a pricing tier. Ordering: free < payg < growth < enterprise.
type Tier string

const (
	Free       Tier = "free"
	PayAsYouGo Tier = "payg"
	Growth     Tier = "growth"
	Enterprise Tier = "enterprise"
)

// Limits is the quota and pricing bundle of one tier. A zero monthly_cu or
// max_apps means unlimited; a zero price means free or custom pricing.
type Limits struct {
	MonthlyCU           int64    `json:"monthly_cu"`
	RateLimitPerSecond  int      `json:"rate_limit_per_second"`
	MaxApps             int      `json:"max_apps"`
	MaxWebhooks         int      `json:"max_webhooks"`
	PricePerMillionCU   int64    `json:"price_per_million_cu"`
	OveragePerMillionCU int64    `json:"overage_price_per_million_cu"`
	SupportLevel        string   `json:"support_level"`
	Features            []string `json:"features"`
}

var tierLimits = map[Tier]Limits{
	Free: {
		MonthlyCU:          30_000_000,
		RateLimitPerSecond: 25,
		MaxApps:            5,
		MaxWebhooks:        5,
		SupportLevel:       "community",
		Features: []string{
			"30M compute units/month",
			"25 requests/second",
			"5 apps",
			"5 webhooks",
			"Standard APIs",
			"Community support",
		},
	},
	PayAsYouGo: {
		MonthlyCU:           0,
		RateLimitPerSecond:  300,
		MaxApps:             30,
		MaxWebhooks:         100,
		PricePerMillionCU:   40,
		OveragePerMillionCU: 40,
		SupportLevel:        "email",
		Features: []string{
			"Pay as you go",
			"300 requests/second",
			"30 apps",
			"100 webhooks",
			"Enhanced APIs",
			"Email support",
			"Usage analytics",
		},
	},
	Growth: {
		MonthlyCU:           100_000_000,
		RateLimitPerSecond:  500,
		MaxApps:             50,
		MaxWebhooks:         250,
		PricePerMillionCU:   35,
		OveragePerMillionCU: 35,
		SupportLevel:        "priority",
		Features: []string{
			"100M compute units included",
			"500 requests/second",
			"50 apps",
			"250 webhooks",
			"All Enhanced APIs",
			"Priority support",
			"Advanced analytics",
			"Custom webhooks",
		},
	},
	Enterprise: {
		MonthlyCU:          0,
		RateLimitPerSecond: 1000,
		MaxApps:            0,
		MaxWebhooks:        500,
		SupportLevel:       "dedicated",
		Features: []string{
			"Custom compute units",
			"Custom rate limits",
			"Unlimited apps",
			"500+ webhooks",
			"All APIs + custom",
			"Dedicated support",
			"SLA guarantee",
			"Private endpoints",
			"Custom integrations",
		},
	},
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierLimits[t]
	return ok
}

// GetLimits returns the limits of a tier.
func GetLimits(t Tier) (Limits, error) {
	l, ok := tierLimits[t]
	if !ok {
		return Limits{}, fmt.Errorf("unknown tier %q", t)
	}
	return l, nil
}

// MustLimits is GetLimits for static tiers that are known to exist.
func MustLimits(t Tier) Limits {
	l, err := GetLimits(t)
	if err != nil {
		panic(err)
	}
	return l
}

// Plan slugs are the contract with the Commerce service.
var tierToPlan = map[Tier]string{
	Free:       "bootnode-free",
	PayAsYouGo: "bootnode-payg",
	Growth:     "bootnode-growth",
	Enterprise: "bootnode-enterprise",
}

// PlanSlug returns the Commerce plan slug for a tier.
func PlanSlug(t Tier) string {
	return tierToPlan[t]
}

// TierForPlan maps a Commerce plan slug back to a tier; unknown slugs fall
// back to free so a malformed webhook can never grant a paid tier.
func TierForPlan(slug string) Tier {
	for t, s := range tierToPlan {
		if s == slug {
			return t
		}
	}
	return Free
}

// MonthlyCost computes the cost in cents for one billing period. Free and
// enterprise never bill here (enterprise pricing is custom and handled by
// Commerce). Growth subtracts its included CU before metering.
func MonthlyCost(t Tier, computeUnitsUsed int64) int64 {
	limits, ok := tierLimits[t]
	if !ok || t == Free || t == Enterprise {
		return 0
	}

	billable := computeUnitsUsed - limits.MonthlyCU
	if billable < 0 {
		billable = 0
	}
	// Whole millions only; partial millions carry into the next period's count.
	return billable / 1_000_000 * limits.PricePerMillionCU
}
