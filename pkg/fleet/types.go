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

// Package fleet manages Helm-packaged validator deployments on remote
// Kubernetes clusters. The cluster is the source of truth; fleet state is
// derived on read from the Helm release, StatefulSet, and pod list.
package fleet

import (
	"fmt"
	"regexp"
	"time"
)

// Network identifies one of the chain networks a fleet can join.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Devnet  Network = "devnet"
)

// NetworkConfig holds the per-network constants. These must match the chart's
// .networks.* values exactly; no other combination is valid.
type NetworkConfig struct {
	NetworkID   int    `json:"network_id"`
	ChainID     int    `json:"chain_id"`
	HTTPPort    int    `json:"http_port"`
	StakingPort int    `json:"staking_port"`
	Namespace   string `json:"namespace"`
}

var networkConfigs = map[Network]NetworkConfig{
	Mainnet: {NetworkID: 1, ChainID: 96369, HTTPPort: 9630, StakingPort: 9631, Namespace: "lux-mainnet"},
	Testnet: {NetworkID: 2, ChainID: 96368, HTTPPort: 9640, StakingPort: 9641, Namespace: "lux-testnet"},
	Devnet:  {NetworkID: 3, ChainID: 96370, HTTPPort: 9650, StakingPort: 9651, Namespace: "lux-devnet"},
}

// Networks lists all known networks in canonical order.
func Networks() []Network {
	return []Network{Mainnet, Testnet, Devnet}
}

// Valid reports whether n is a known network.
func (n Network) Valid() bool {
	_, ok := networkConfigs[n]
	return ok
}

// Config returns the constants for n. It panics on an unknown network; callers
// validate first.
func (n Network) Config() NetworkConfig {
	cfg, ok := networkConfigs[n]
	if !ok {
		panic(fmt.Sprintf("unknown network %q", n))
	}
	return cfg
}

// ReleaseName is the Helm release name for a network. One fleet per
// (cluster, network) pair.
func (n Network) ReleaseName() string {
	return "luxd-" + string(n)
}

// Status is the derived lifecycle state of a fleet.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDeploying  Status = "deploying"
	StatusRunning    Status = "running"
	StatusDegraded   Status = "degraded"
	StatusUpdating   Status = "updating"
	StatusError      Status = "error"
	StatusDestroying Status = "destroying"
	StatusDestroyed  Status = "destroyed"
)

// NodeState is the status of one validator pod within a fleet.
type NodeState string

const (
	NodePending   NodeState = "pending"
	NodeInit      NodeState = "init"
	NodeHealthy   NodeState = "healthy"
	NodeUnhealthy NodeState = "unhealthy"
)

// ImageConfig maps to values.image.
type ImageConfig struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	PullPolicy string `json:"pull_policy"`
}

// DefaultImage returns the chart-default container image reference.
func DefaultImage() ImageConfig {
	return ImageConfig{
		Repository: "registry.digitalocean.com/hanzo/bootnode",
		Tag:        "luxd-v1.23.11",
		PullPolicy: "Always",
	}
}

// RLPImportConfig maps to values.bootstrap.rlpImport.
type RLPImportConfig struct {
	Enabled     bool     `json:"enabled"`
	BaseURL     string   `json:"base_url"`
	RLPFilename string   `json:"rlp_filename"`
	MultiPart   bool     `json:"multi_part"`
	Parts       []string `json:"parts,omitempty"`
	MinHeight   int      `json:"min_height"`
	Timeout     int      `json:"timeout"`
}

// BootstrapConfig maps to values.bootstrap.
type BootstrapConfig struct {
	NodeIDs      []string        `json:"node_ids,omitempty"`
	UseHostnames bool            `json:"use_hostnames"`
	ExternalIPs  []string        `json:"external_ips,omitempty"`
	RLPImport    RLPImportConfig `json:"rlp_import"`
}

// ConsensusConfig maps to values.consensus.
type ConsensusConfig struct {
	SampleSize                int  `json:"sample_size"`
	QuorumSize                int  `json:"quorum_size"`
	SybilProtectionEnabled    bool `json:"sybil_protection_enabled"`
	RequireValidatorToConnect bool `json:"require_validator_to_connect"`
	AllowPrivateIPs           bool `json:"allow_private_ips"`
}

// ChainTrackingConfig maps to values.chainTracking.
type ChainTrackingConfig struct {
	TrackAllChains bool     `json:"track_all_chains"`
	TrackedChains  []string `json:"tracked_chains,omitempty"`
	Aliases        []string `json:"aliases,omitempty"`
}

// ResourceSpec is one K8s request/limit pair.
type ResourceSpec struct {
	Memory string `json:"memory"`
	CPU    string `json:"cpu"`
}

// ResourceConfig maps to values.resources.
type ResourceConfig struct {
	Requests ResourceSpec `json:"requests"`
	Limits   ResourceSpec `json:"limits"`
}

// StorageConfig maps to values.storage.
type StorageConfig struct {
	Size         string `json:"size"`
	StorageClass string `json:"storage_class"`
}

// NodeServicesConfig maps to values.nodeServices.
type NodeServicesConfig struct {
	Enabled bool   `json:"enabled"`
	Type    string `json:"type"`
}

// APIConfig maps to values.api.
type APIConfig struct {
	AdminEnabled     bool   `json:"admin_enabled"`
	MetricsEnabled   bool   `json:"metrics_enabled"`
	IndexEnabled     bool   `json:"index_enabled"`
	HTTPAllowedHosts string `json:"http_allowed_hosts"`
}

// CreateRequest creates a new fleet. Nil sub-configs mean chart defaults.
type CreateRequest struct {
	Name      string  `json:"name"`
	ClusterID string  `json:"cluster_id"`
	Network   Network `json:"network"`
	Replicas  int     `json:"replicas"`

	Image         *ImageConfig         `json:"image,omitempty"`
	Bootstrap     *BootstrapConfig     `json:"bootstrap,omitempty"`
	Consensus     *ConsensusConfig     `json:"consensus,omitempty"`
	ChainTracking *ChainTrackingConfig `json:"chain_tracking,omitempty"`
	Resources     *ResourceConfig      `json:"resources,omitempty"`
	Storage       *StorageConfig       `json:"storage,omitempty"`
	NodeServices  *NodeServicesConfig  `json:"node_services,omitempty"`
	API           *APIConfig           `json:"api,omitempty"`

	LogLevel string `json:"log_level,omitempty"`
	DBType   string `json:"db_type,omitempty"`
}

// UpdateRequest updates an existing fleet. Only non-nil fields are applied;
// everything else reuses the current release values.
type UpdateRequest struct {
	Replicas      *int                 `json:"replicas,omitempty"`
	Image         *ImageConfig         `json:"image,omitempty"`
	Consensus     *ConsensusConfig     `json:"consensus,omitempty"`
	ChainTracking *ChainTrackingConfig `json:"chain_tracking,omitempty"`
	Resources     *ResourceConfig      `json:"resources,omitempty"`
	LogLevel      *string              `json:"log_level,omitempty"`
}

// NodeInfo is the status of a single validator pod.
type NodeInfo struct {
	PodName        string    `json:"pod_name"`
	PodIndex       int       `json:"pod_index"`
	Status         NodeState `json:"status"`
	ExternalIP     string    `json:"external_ip,omitempty"`
	HTTPPort       int       `json:"http_port"`
	StakingPort    int       `json:"staking_port"`
	IsBootstrapped *bool     `json:"is_bootstrapped,omitempty"`
	CChainHeight   *int64    `json:"c_chain_height,omitempty"`
}

// Fleet is the full derived state of one fleet.
type Fleet struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	ClusterID       string     `json:"cluster_id"`
	Network         Network    `json:"network"`
	Status          Status     `json:"status"`
	Replicas        int        `json:"replicas"`
	ReadyReplicas   int        `json:"ready_replicas"`
	Namespace       string     `json:"namespace"`
	HelmRevision    int        `json:"helm_revision,omitempty"`
	RPCEndpoint     string     `json:"rpc_endpoint,omitempty"`
	StakingEndpoint string     `json:"staking_endpoint,omitempty"`
	Nodes           []NodeInfo `json:"nodes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	Error           string     `json:"error,omitempty"`
}

// Stats aggregates fleet counts across clusters.
type Stats struct {
	TotalFleets     int            `json:"total_fleets"`
	TotalNodes      int            `json:"total_nodes"`
	HealthyNodes    int            `json:"healthy_nodes"`
	FleetsByNetwork map[string]int `json:"fleets_by_network"`
	FleetsByStatus  map[string]int `json:"fleets_by_status"`
}

// FleetID derives the identity "{name}-{network}".
func FleetID(name string, network Network) string {
	return fmt.Sprintf("%s-%s", name, network)
}

const (
	minReplicas = 1
	maxReplicas = 20
)

// Fleet names are DNS labels whose first character must be a letter, so the
// derived release and pod names stay valid.
var fleetNamePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Validate checks a create request. It must reject before any side effect.
func (r *CreateRequest) Validate() error {
	if !fleetNamePattern.MatchString(r.Name) {
		return fmt.Errorf("invalid fleet name %q: must be a DNS label starting with a letter", r.Name)
	}
	if r.ClusterID == "" {
		return fmt.Errorf("cluster_id is required")
	}
	if !r.Network.Valid() {
		return fmt.Errorf("unknown network %q", r.Network)
	}
	if r.Replicas < minReplicas || r.Replicas > maxReplicas {
		return fmt.Errorf("replicas must be between %d and %d, got %d", minReplicas, maxReplicas, r.Replicas)
	}
	return nil
}

// Validate checks an update request.
func (r *UpdateRequest) Validate() error {
	if r.Replicas != nil && (*r.Replicas < minReplicas || *r.Replicas > maxReplicas) {
		return fmt.Errorf("replicas must be between %d and %d, got %d", minReplicas, maxReplicas, *r.Replicas)
	}
	return nil
}
