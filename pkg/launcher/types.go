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

// Package launcher provisions white-labeled network portals: a branded web
// frontend, TLS ingresses with cross-tenant CORS, and IAM SSO wiring, all in
// the shared bootnode namespace.
package launcher

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hanzoai/bootnode/pkg/helm"
)

// Status is the lifecycle state of a launched network.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusDeploying    Status = "deploying"
	StatusRunning      Status = "running"
	StatusUpdating     Status = "updating"
	StatusError        Status = "error"
	StatusDeleting     Status = "deleting"
	StatusDeleted      Status = "deleted"
)

// Tier sizes the network's resource allocation.
type Tier string

const (
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

type tierDefaults struct {
	webReplicas    int
	apiReplicas    int
	validatorCount int
}

var tierSizes = map[Tier]tierDefaults{
	TierStarter:    {webReplicas: 2, apiReplicas: 0, validatorCount: 0},
	TierPro:        {webReplicas: 2, apiReplicas: 3, validatorCount: 3},
	TierEnterprise: {webReplicas: 3, apiReplicas: 5, validatorCount: 5},
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierSizes[t]
	return ok
}

// Brand is the white-label configuration of a network portal.
type Brand struct {
	Name         string `json:"name"`
	Domain       string `json:"domain"`
	LogoURL      string `json:"logo_url,omitempty"`
	PrimaryColor string `json:"primary_color,omitempty"`
	AccentColor  string `json:"accent_color,omitempty"`
}

// CreateRequest launches a new network.
type CreateRequest struct {
	Name             string `json:"name"`
	Brand            Brand  `json:"brand"`
	Tier             Tier   `json:"tier,omitempty"`
	Region           string `json:"region,omitempty"`
	ChainID          *int64 `json:"chain_id,omitempty"`
	DeployValidators bool   `json:"deploy_validators,omitempty"`
	ValidatorCount   int    `json:"validator_count,omitempty"`
	IAMOrg           string `json:"iam_org,omitempty"`
	IAMDomain        string `json:"iam_domain,omitempty"`
}

// Validate checks the request and fills defaults.
func (r *CreateRequest) Validate() error {
	if !helm.ValidateDNSLabel(r.Name) {
		return fmt.Errorf("invalid network name %q: must be a DNS label", r.Name)
	}
	if r.Brand.Name == "" {
		return fmt.Errorf("brand name is required")
	}
	if r.Brand.Domain == "" {
		return fmt.Errorf("brand domain is required")
	}
	if r.Tier == "" {
		r.Tier = TierStarter
	}
	if !r.Tier.Valid() {
		return fmt.Errorf("invalid tier %q", r.Tier)
	}
	if r.Region == "" {
		r.Region = "sfo3"
	}
	if r.ValidatorCount == 0 {
		r.ValidatorCount = 3
	}
	return nil
}

// ScaleRequest adjusts network resources. Only web replicas are applied to
// the cluster today; API replicas and validators are recorded for the
// dedicated-tier rollout.
type ScaleRequest struct {
	WebReplicas    *int `json:"web_replicas,omitempty"`
	APIReplicas    *int `json:"api_replicas,omitempty"`
	ValidatorCount *int `json:"validator_count,omitempty"`
}

// Network is one launched tenant network.
type Network struct {
	ID             string         `db:"id" json:"id"`
	Name           string         `db:"name" json:"name"`
	BrandName      string         `db:"brand_name" json:"-"`
	BrandDomain    string         `db:"brand_domain" json:"-"`
	LogoURL        string         `db:"logo_url" json:"-"`
	PrimaryColor   string         `db:"primary_color" json:"-"`
	AccentColor    string         `db:"accent_color" json:"-"`
	Tier           Tier           `db:"tier" json:"tier"`
	Status         Status         `db:"status" json:"status"`
	Region         string         `db:"region" json:"region"`
	ChainID        sql.NullInt64  `db:"chain_id" json:"chain_id,omitempty"`
	IAMOrg         string         `db:"iam_org" json:"iam_org"`
	IAMClientID    string         `db:"iam_client_id" json:"iam_app_client_id"`
	IAMDomain      string         `db:"iam_domain" json:"iam_domain"`
	WebReplicas    int            `db:"web_replicas" json:"web_replicas"`
	APIReplicas    int            `db:"api_replicas" json:"api_replicas"`
	ValidatorCount int            `db:"validator_count" json:"validator_count"`
	ClusterID      sql.NullString `db:"cluster_id" json:"cluster_id,omitempty"`
	Namespace      string         `db:"namespace" json:"namespace"`
	Error          sql.NullString `db:"error" json:"error,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
	ProvisionedAt  sql.NullTime   `db:"provisioned_at" json:"provisioned_at,omitempty"`
}

// Brand reassembles the brand configuration from the flattened columns.
func (n *Network) Brand() Brand {
	return Brand{
		Name:         n.BrandName,
		Domain:       n.BrandDomain,
		LogoURL:      n.LogoURL,
		PrimaryColor: n.PrimaryColor,
		AccentColor:  n.AccentColor,
	}
}

// CloudURL is the branded portal URL.
func (n *Network) CloudURL() string { return "https://cloud." + n.BrandDomain }

// APIURL is the branded API endpoint.
func (n *Network) APIURL() string { return "https://api.cloud." + n.BrandDomain }

// WSURL is the branded websocket endpoint.
func (n *Network) WSURL() string { return "wss://ws.cloud." + n.BrandDomain }

// RPCURL is the branded RPC endpoint.
func (n *Network) RPCURL() string {
	return fmt.Sprintf("https://api.cloud.%s/v1/rpc/%s", n.BrandDomain, n.Name)
}

// NewNetworkID generates a short, URL-safe network identifier.
func NewNetworkID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "net-" + raw[:12]
}
