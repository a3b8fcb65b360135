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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type recordedRequest struct {
	method string
	path   string
	body   map[string]any
}

func testClient(t *testing.T, status int, response any) (*Client, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		if got := r.Header.Get("X-Source"); got != "bootnode" {
			t.Errorf("unexpected X-Source header %q", got)
		}

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		requests = append(requests, recordedRequest{method: r.Method, path: r.URL.Path, body: body})

		w.WriteHeader(status)
		if response != nil {
			_ = json.NewEncoder(w).Encode(response)
		}
	}))
	t.Cleanup(srv.Close)

	return NewClient(zap.NewNop().Sugar(), srv.URL, "test-key"), &requests
}

func TestCreateCustomer(t *testing.T) {
	c, requests := testClient(t, http.StatusCreated, map[string]string{"id": "cust_1"})

	id, err := c.CreateCustomer(context.Background(), "iam_1", "dev@hanzo.ai", "Dev", "")
	if err != nil {
		t.Fatal(err)
	}
	if id != "cust_1" {
		t.Errorf("expected cust_1, got %s", id)
	}

	req := (*requests)[0]
	if req.method != http.MethodPost || req.path != "/api/v1/user" {
		t.Errorf("unexpected request %s %s", req.method, req.path)
	}
	if req.body["org"] != "hanzo" {
		t.Errorf("expected default org hanzo, got %v", req.body["org"])
	}
	meta := req.body["metadata"].(map[string]any)
	if meta["source"] != "bootnode" || meta["iam_id"] != "iam_1" {
		t.Errorf("unexpected metadata %v", meta)
	}
}

func TestCreateSubscription(t *testing.T) {
	projectID := uuid.New()
	c, requests := testClient(t, http.StatusCreated, map[string]any{
		"id":          "sub_1",
		"customer_id": "cust_1",
		"plan_slug":   "bootnode-payg",
		"status":      "active",
	})

	sub, err := c.CreateSubscription(context.Background(), "cust_1", "bootnode-payg", projectID)
	if err != nil {
		t.Fatal(err)
	}
	if sub.ID != "sub_1" || sub.PlanSlug != "bootnode-payg" {
		t.Errorf("unexpected subscription %+v", sub)
	}

	req := (*requests)[0]
	if req.path != "/api/v1/subscribe" {
		t.Errorf("unexpected path %s", req.path)
	}
	meta := req.body["metadata"].(map[string]any)
	if meta["project_id"] != projectID.String() {
		t.Errorf("unexpected metadata %v", meta)
	}
}

func TestCancelSubscription(t *testing.T) {
	c, requests := testClient(t, http.StatusOK, nil)

	if err := c.CancelSubscription(context.Background(), "sub_1", true); err != nil {
		t.Fatal(err)
	}
	req := (*requests)[0]
	if req.method != http.MethodDelete || req.path != "/api/v1/subscribe/sub_1" {
		t.Errorf("unexpected request %s %s", req.method, req.path)
	}
	if req.body["immediately"] != true {
		t.Errorf("expected immediately=true, got %v", req.body)
	}
}

func TestReportUsage(t *testing.T) {
	c, requests := testClient(t, http.StatusOK, nil)

	ts := time.Date(2024, 6, 15, 14, 0, 0, 0, time.UTC)
	err := c.ReportUsage(context.Background(), "sub_1", 7_500_000, ts, "proj:2024-06-15-14")
	if err != nil {
		t.Fatal(err)
	}

	req := (*requests)[0]
	if req.path != "/api/v1/subscribe/sub_1/usage" {
		t.Errorf("unexpected path %s", req.path)
	}
	if req.body["quantity"] != float64(7_500_000) {
		t.Errorf("unexpected quantity %v", req.body["quantity"])
	}
	if req.body["action"] != "increment" {
		t.Errorf("unexpected action %v", req.body["action"])
	}
	if req.body["idempotency_key"] != "proj:2024-06-15-14" {
		t.Errorf("unexpected idempotency key %v", req.body["idempotency_key"])
	}
	if req.body["timestamp"] != "2024-06-15T14:00:00Z" {
		t.Errorf("unexpected timestamp %v", req.body["timestamp"])
	}
}

func TestAPIErrorSurface(t *testing.T) {
	c, _ := testClient(t, http.StatusPaymentRequired, map[string]string{"message": "card declined"})

	_, err := c.CreateCheckout(context.Background(), "cust_1", "bootnode-growth", uuid.New(), "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusPaymentRequired || apiErr.Message != "card declined" {
		t.Errorf("unexpected error %+v", apiErr)
	}
}

func TestClientUnreachable(t *testing.T) {
	c := NewClient(zap.NewNop().Sugar(), "http://127.0.0.1:1", "test-key")
	_, err := c.GetCustomer(context.Background(), "cust_1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for transport failure, got %d", apiErr.StatusCode)
	}
}
