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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hanzoai/bootnode/pkg/billing/subscriptions"
)

// SignatureHeader carries the HMAC of the webhook body.
const SignatureHeader = "X-Commerce-Signature"

// Event is a Commerce webhook payload. Data fields vary per event type, so
// the envelope is decoded and the rest is kept loose.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// SubscriptionStore is the slice of the subscriptions store that webhook
// reconciliation needs.
type SubscriptionStore interface {
	ApplyPlan(ctx context.Context, projectID uuid.UUID, planSlug, commerceSubID, commerceCustID string, periodEnd *time.Time) (*subscriptions.Subscription, error)
	UpdatePlan(ctx context.Context, commerceSubID, planSlug string, periodEnd *time.Time) (*subscriptions.Subscription, error)
	Cancel(ctx context.Context, commerceSubID string, immediately bool) (*subscriptions.Subscription, error)
	Reactivate(ctx context.Context, commerceSubID, planSlug string) (*subscriptions.Subscription, error)
}

// WebhookHandler verifies and applies Commerce webhook events.
type WebhookHandler struct {
	secret string
	store  SubscriptionStore
	log    *zap.SugaredLogger
}

// NewWebhookHandler builds a handler. An empty secret disables signature
// verification, which is only acceptable in development.
func NewWebhookHandler(log *zap.SugaredLogger, secret string, store SubscriptionStore) *WebhookHandler {
	return &WebhookHandler{secret: secret, store: store, log: log}
}

// VerifySignature checks the HMAC-SHA256 hex signature over the raw body.
func (h *WebhookHandler) VerifySignature(body []byte, signature string) bool {
	if h.secret == "" {
		h.log.Warn("Commerce webhook secret not configured, skipping signature verification")
		return true
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// HandleEvent dispatches one verified event and returns a result map that is
// echoed back to Commerce for debugging. Unknown event types are acknowledged
// so Commerce stops retrying them.
func (h *WebhookHandler) HandleEvent(ctx context.Context, event Event) map[string]any {
	h.log.Infow("Commerce webhook received", "type", event.Type)

	var result map[string]any
	switch event.Type {
	case "subscription.created":
		result = h.subscriptionCreated(ctx, event.Data)
	case "subscription.updated":
		result = h.subscriptionUpdated(ctx, event.Data)
	case "subscription.cancelled":
		result = h.subscriptionCancelled(ctx, event.Data)
	case "subscription.reactivated":
		result = h.subscriptionReactivated(ctx, event.Data)
	case "order.completed":
		result = h.orderCompleted(ctx, event.Data)
	case "order.cancelled", "invoice.paid", "invoice.failed",
		"payment.paid", "payment.failed", "payment.refunded",
		"customer.created", "customer.updated":
		h.log.Debugw("Commerce event acknowledged", "type", event.Type, "data", event.Data)
		result = map[string]any{"acknowledged": true}
	default:
		return map[string]any{
			"handled":    false,
			"event_type": event.Type,
			"reason":     "unknown_type",
		}
	}

	if errMsg, failed := result["error"]; failed {
		return map[string]any{
			"handled":    false,
			"event_type": event.Type,
			"error":      errMsg,
		}
	}
	return map[string]any{
		"handled":    true,
		"event_type": event.Type,
		"result":     result,
	}
}

func metadataValue(data map[string]any, key string) string {
	meta, ok := data["metadata"].(map[string]any)
	if !ok {
		return ""
	}
	val, _ := meta[key].(string)
	return val
}

func stringValue(data map[string]any, key string) string {
	val, _ := data[key].(string)
	return val
}

func periodEnd(data map[string]any) *time.Time {
	raw := stringValue(data, "current_period_end")
	if raw == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &ts
}

func (h *WebhookHandler) subscriptionCreated(ctx context.Context, data map[string]any) map[string]any {
	rawProject := metadataValue(data, "project_id")
	if rawProject == "" {
		return map[string]any{"error": "missing_project_id"}
	}
	projectID, err := uuid.Parse(rawProject)
	if err != nil {
		return map[string]any{"error": "invalid_project_id"}
	}

	planSlug := stringValue(data, "plan_slug")
	sub, err := h.store.ApplyPlan(ctx, projectID, planSlug,
		stringValue(data, "id"), stringValue(data, "customer_id"), periodEnd(data))
	if err != nil {
		h.log.Errorw("Failed to apply subscription", "project", projectID, zap.Error(err))
		return map[string]any{"error": err.Error()}
	}
	h.log.Infow("Subscription activated", "project", projectID, "tier", sub.Tier)
	return map[string]any{"project_id": projectID.String(), "tier": string(sub.Tier)}
}

func (h *WebhookHandler) subscriptionUpdated(ctx context.Context, data map[string]any) map[string]any {
	commerceSubID := stringValue(data, "id")
	if commerceSubID == "" {
		return map[string]any{"error": "subscription_not_found"}
	}
	sub, err := h.store.UpdatePlan(ctx, commerceSubID, stringValue(data, "plan_slug"), periodEnd(data))
	if err != nil {
		h.log.Warnw("Subscription update failed", "subscription", commerceSubID, zap.Error(err))
		return map[string]any{"error": "subscription_not_found"}
	}
	return map[string]any{"project_id": sub.ProjectID.String(), "tier": string(sub.Tier)}
}

func (h *WebhookHandler) subscriptionCancelled(ctx context.Context, data map[string]any) map[string]any {
	commerceSubID := stringValue(data, "id")
	if commerceSubID == "" {
		return map[string]any{"error": "subscription_not_found"}
	}
	immediately, _ := data["immediately"].(bool)
	sub, err := h.store.Cancel(ctx, commerceSubID, immediately)
	if err != nil {
		h.log.Warnw("Subscription cancellation failed", "subscription", commerceSubID, zap.Error(err))
		return map[string]any{"error": "subscription_not_found"}
	}
	h.log.Infow("Subscription cancelled", "project", sub.ProjectID, "immediately", immediately)
	return map[string]any{
		"project_id":  sub.ProjectID.String(),
		"tier":        string(sub.Tier),
		"immediately": immediately,
	}
}

func (h *WebhookHandler) subscriptionReactivated(ctx context.Context, data map[string]any) map[string]any {
	commerceSubID := stringValue(data, "id")
	if commerceSubID == "" {
		return map[string]any{"error": "subscription_not_found"}
	}
	sub, err := h.store.Reactivate(ctx, commerceSubID, stringValue(data, "plan_slug"))
	if err != nil {
		h.log.Warnw("Subscription reactivation failed", "subscription", commerceSubID, zap.Error(err))
		return map[string]any{"error": "subscription_not_found"}
	}
	return map[string]any{"project_id": sub.ProjectID.String(), "tier": string(sub.Tier)}
}

// orderCompleted covers one-off plan purchases that do not create a
// recurring subscription. It is a no-op unless the order metadata carries a
// plan and project binding.
func (h *WebhookHandler) orderCompleted(ctx context.Context, data map[string]any) map[string]any {
	planSlug := metadataValue(data, "plan_slug")
	rawProject := metadataValue(data, "project_id")
	if planSlug == "" || rawProject == "" {
		h.log.Debugw("Order completed without plan binding", "order", stringValue(data, "id"))
		return map[string]any{"acknowledged": true}
	}
	projectID, err := uuid.Parse(rawProject)
	if err != nil {
		return map[string]any{"error": "invalid_project_id"}
	}

	sub, err := h.store.ApplyPlan(ctx, projectID, planSlug,
		stringValue(data, "subscription_id"), stringValue(data, "customer_id"), nil)
	if err != nil {
		h.log.Errorw("Failed to apply order", "project", projectID, zap.Error(err))
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{"project_id": projectID.String(), "tier": string(sub.Tier)}
}

// DecodeEvent parses a webhook body.
func DecodeEvent(body []byte) (Event, error) {
	var event Event
	err := json.Unmarshal(body, &event)
	return event, err
}
