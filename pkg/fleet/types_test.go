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

package fleet

import (
	"strings"
	"testing"

	"github.com/go-test/deep"
)

func TestNetworkConstants(t *testing.T) {
	tests := []struct {
		network  Network
		expected NetworkConfig
	}{
		{Mainnet, NetworkConfig{NetworkID: 1, ChainID: 96369, HTTPPort: 9630, StakingPort: 9631, Namespace: "lux-mainnet"}},
		{Testnet, NetworkConfig{NetworkID: 2, ChainID: 96368, HTTPPort: 9640, StakingPort: 9641, Namespace: "lux-testnet"}},
		{Devnet, NetworkConfig{NetworkID: 3, ChainID: 96370, HTTPPort: 9650, StakingPort: 9651, Namespace: "lux-devnet"}},
	}
	for _, tc := range tests {
		t.Run(string(tc.network), func(t *testing.T) {
			if diff := deep.Equal(tc.network.Config(), tc.expected); diff != nil {
				t.Error(diff)
			}
		})
	}
}

func TestNetworkValid(t *testing.T) {
	if !Devnet.Valid() {
		t.Error("devnet should be valid")
	}
	if Network("staging").Valid() {
		t.Error("staging should not be valid")
	}
}

func TestReleaseName(t *testing.T) {
	if got := Mainnet.ReleaseName(); got != "luxd-mainnet" {
		t.Errorf("expected luxd-mainnet, got %s", got)
	}
}

func TestFleetID(t *testing.T) {
	if got := FleetID("alpha", Devnet); got != "alpha-devnet" {
		t.Errorf("expected alpha-devnet, got %s", got)
	}
}

func TestCreateRequestValidate(t *testing.T) {
	valid := func() *CreateRequest {
		return &CreateRequest{Name: "alpha", ClusterID: "c1", Network: Devnet, Replicas: 5}
	}

	tests := []struct {
		name    string
		mutate  func(*CreateRequest)
		wantErr bool
	}{
		{name: "valid", mutate: func(*CreateRequest) {}, wantErr: false},
		{name: "replicas at minimum", mutate: func(r *CreateRequest) { r.Replicas = 1 }, wantErr: false},
		{name: "replicas at maximum", mutate: func(r *CreateRequest) { r.Replicas = 20 }, wantErr: false},
		{name: "replicas zero", mutate: func(r *CreateRequest) { r.Replicas = 0 }, wantErr: true},
		{name: "replicas above maximum", mutate: func(r *CreateRequest) { r.Replicas = 21 }, wantErr: true},
		{name: "name 63 chars", mutate: func(r *CreateRequest) { r.Name = "a" + strings.Repeat("b", 62) }, wantErr: false},
		{name: "name 64 chars", mutate: func(r *CreateRequest) { r.Name = "a" + strings.Repeat("b", 63) }, wantErr: true},
		{name: "name starts with digit", mutate: func(r *CreateRequest) { r.Name = "1alpha" }, wantErr: true},
		{name: "name with uppercase", mutate: func(r *CreateRequest) { r.Name = "Alpha" }, wantErr: true},
		{name: "name ends with dash", mutate: func(r *CreateRequest) { r.Name = "alpha-" }, wantErr: true},
		{name: "name with dashes", mutate: func(r *CreateRequest) { r.Name = "alpha-node-1" }, wantErr: false},
		{name: "missing cluster", mutate: func(r *CreateRequest) { r.ClusterID = "" }, wantErr: true},
		{name: "unknown network", mutate: func(r *CreateRequest) { r.Network = "staging" }, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := valid()
			tc.mutate(req)
			err := req.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestUpdateRequestValidate(t *testing.T) {
	for _, tc := range []struct {
		name     string
		replicas int
		wantErr  bool
	}{
		{"minimum", 1, false},
		{"maximum", 20, false},
		{"zero", 0, true},
		{"too many", 21, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := &UpdateRequest{Replicas: &tc.replicas}
			err := req.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}

	if err := (&UpdateRequest{}).Validate(); err != nil {
		t.Errorf("empty update must be valid: %v", err)
	}
}
