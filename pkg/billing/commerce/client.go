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

// Package commerce integrates with the Hanzo Commerce billing service:
// customer and subscription lifecycle, checkout, usage metering for PAYG
// plans, and webhook-driven state reconciliation.
package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// APIError is a non-2xx response from the Commerce API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("commerce api error (status %d): %s", e.StatusCode, e.Message)
}

// Customer is a Commerce customer record.
type Customer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Name     string            `json:"name"`
	Org      string            `json:"org"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Subscription is a Commerce subscription record.
type Subscription struct {
	ID                 string            `json:"id"`
	CustomerID         string            `json:"customer_id"`
	PlanSlug           string            `json:"plan_slug"`
	Status             string            `json:"status"`
	CurrentPeriodStart time.Time         `json:"current_period_start"`
	CurrentPeriodEnd   time.Time         `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// CheckoutResult is the response of a checkout authorization.
type CheckoutResult struct {
	OrderID         string `json:"order_id"`
	AuthorizationID string `json:"authorization_id,omitempty"`
	CheckoutURL     string `json:"checkout_url,omitempty"`
}

// Client talks to the Commerce HTTP API. Every request carries the bearer
// key and an X-Source header identifying this service.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	log     *zap.SugaredLogger
}

// NewClient builds a Commerce client.
func NewClient(log *zap.SugaredLogger, baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode commerce request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Source", "bootnode")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &APIError{StatusCode: http.StatusServiceUnavailable, Message: fmt.Sprintf("failed to reach commerce api: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read commerce response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errBody struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &errBody)
		if errBody.Message == "" {
			errBody.Message = "commerce api error"
		}
		c.log.Errorw("Commerce API error", "status", resp.StatusCode, "path", path, "message", errBody.Message)
		return &APIError{StatusCode: resp.StatusCode, Message: errBody.Message}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode commerce response: %w", err)
		}
	}
	return nil
}

// CreateCustomer creates a Commerce customer and returns its id.
func (c *Client) CreateCustomer(ctx context.Context, iamUserID, email, name, org string) (string, error) {
	if org == "" {
		org = "hanzo"
	}
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/user", nil, map[string]any{
		"email": email,
		"name":  name,
		"org":   org,
		"metadata": map[string]string{
			"iam_id": iamUserID,
			"source": "bootnode",
		},
	}, &resp)
	if err != nil {
		return "", err
	}
	c.log.Infow("Customer created in Commerce", "customer", resp.ID, "email", email)
	return resp.ID, nil
}

// GetCustomer fetches a customer by id.
func (c *Client) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	var cust Customer
	if err := c.do(ctx, http.MethodGet, "/api/v1/user/"+customerID, nil, nil, &cust); err != nil {
		return nil, err
	}
	return &cust, nil
}

// UpdateCustomer patches customer fields; empty values are left unchanged.
func (c *Client) UpdateCustomer(ctx context.Context, customerID, email, name string) (*Customer, error) {
	patch := map[string]any{}
	if email != "" {
		patch["email"] = email
	}
	if name != "" {
		patch["name"] = name
	}
	var cust Customer
	if err := c.do(ctx, http.MethodPatch, "/api/v1/user/"+customerID, nil, patch, &cust); err != nil {
		return nil, err
	}
	return &cust, nil
}

// CreateCheckout authorizes a payment for a plan purchase.
func (c *Client) CreateCheckout(ctx context.Context, customerID, planSlug string, projectID uuid.UUID, nonce string) (*CheckoutResult, error) {
	payload := map[string]any{
		"customer_id": customerID,
		"plan_slug":   planSlug,
		"metadata": map[string]string{
			"project_id": projectID.String(),
			"source":     "bootnode",
		},
	}
	if nonce != "" {
		payload["nonce"] = nonce
	}
	var result CheckoutResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/checkout/authorize", nil, payload, &result); err != nil {
		return nil, err
	}
	c.log.Infow("Checkout authorized", "order", result.OrderID, "customer", customerID, "plan", planSlug)
	return &result, nil
}

// CaptureCheckout captures a previously authorized payment.
func (c *Client) CaptureCheckout(ctx context.Context, orderID string) error {
	if err := c.do(ctx, http.MethodPost, "/api/v1/checkout/capture/"+orderID, nil, nil, nil); err != nil {
		return err
	}
	c.log.Infow("Checkout captured", "order", orderID)
	return nil
}

// GetUserOrders lists a customer's orders.
func (c *Client) GetUserOrders(ctx context.Context, customerID string, limit int) ([]map[string]any, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var resp struct {
		Data []map[string]any `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/user/"+customerID+"/orders", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// CreateSubscription subscribes a customer to a plan.
func (c *Client) CreateSubscription(ctx context.Context, customerID, planSlug string, projectID uuid.UUID) (*Subscription, error) {
	var sub Subscription
	err := c.do(ctx, http.MethodPost, "/api/v1/subscribe", nil, map[string]any{
		"customer_id": customerID,
		"plan_slug":   planSlug,
		"metadata": map[string]string{
			"project_id": projectID.String(),
			"source":     "bootnode",
		},
	}, &sub)
	if err != nil {
		return nil, err
	}
	c.log.Infow("Subscription created", "subscription", sub.ID, "customer", customerID, "plan", planSlug)
	return &sub, nil
}

// GetSubscription fetches a subscription by id.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub Subscription
	if err := c.do(ctx, http.MethodGet, "/api/v1/subscribe/"+subscriptionID, nil, nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpdateSubscription switches a subscription to another plan.
func (c *Client) UpdateSubscription(ctx context.Context, subscriptionID, planSlug string) (*Subscription, error) {
	var sub Subscription
	err := c.do(ctx, http.MethodPatch, "/api/v1/subscribe/"+subscriptionID, nil,
		map[string]any{"plan_slug": planSlug}, &sub)
	if err != nil {
		return nil, err
	}
	c.log.Infow("Subscription updated", "subscription", subscriptionID, "plan", planSlug)
	return &sub, nil
}

// CancelSubscription cancels a subscription, at period end by default.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string, immediately bool) error {
	err := c.do(ctx, http.MethodDelete, "/api/v1/subscribe/"+subscriptionID, nil,
		map[string]any{"immediately": immediately}, nil)
	if err != nil {
		return err
	}
	c.log.Infow("Subscription cancelled", "subscription", subscriptionID, "immediately", immediately)
	return nil
}

// ReportUsage reports metered CU for PAYG billing. The idempotency key makes
// retried reports within the same hour a no-op on the Commerce side.
func (c *Client) ReportUsage(ctx context.Context, subscriptionID string, computeUnits int64, timestamp time.Time, idempotencyKey string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/subscribe/"+subscriptionID+"/usage", nil, map[string]any{
		"quantity":        computeUnits,
		"timestamp":       timestamp.UTC().Format(time.RFC3339),
		"action":          "increment",
		"idempotency_key": idempotencyKey,
	}, nil)
}

// GetPaymentMethods lists a customer's cards on file.
func (c *Client) GetPaymentMethods(ctx context.Context, customerID string) ([]map[string]any, error) {
	var resp struct {
		Data []map[string]any `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/user/"+customerID+"/paymentmethods", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}
