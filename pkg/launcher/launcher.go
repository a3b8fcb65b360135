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

package launcher

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultNamespace = "bootnode"

// Kubectl is the slice of the cluster client the launcher needs.
// Satisfied by *helm.Deployer.
type Kubectl interface {
	ApplyManifest(ctx context.Context, manifest string) (string, error)
	DeleteResource(ctx context.Context, kind, name, namespace string) error
	ScaleDeployment(ctx context.Context, name, namespace string, replicas int) error
}

// Launcher provisions and manages tenant networks.
type Launcher struct {
	store *Store
	kube  Kubectl
	log   *zap.SugaredLogger
}

// New builds a Launcher.
func New(log *zap.SugaredLogger, store *Store, kube Kubectl) *Launcher {
	return &Launcher{store: store, kube: kube, log: log}
}

// Launch provisions a complete network: the branded web portal, its service,
// and TLS ingresses with cross-tenant CORS. Deploy failures are recorded on
// the network row rather than returned, so the caller always gets the row
// back with its error state.
func (l *Launcher) Launch(ctx context.Context, req *CreateRequest) (*Network, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	size := tierSizes[req.Tier]
	validatorCount := 0
	if req.DeployValidators {
		validatorCount = size.validatorCount
	}

	iamOrg := req.IAMOrg
	if iamOrg == "" {
		iamOrg = req.Name
	}
	iamDomain := req.IAMDomain
	if iamDomain == "" {
		iamDomain = req.Name + ".id"
	}

	now := time.Now().UTC()
	n := &Network{
		ID:             NewNetworkID(),
		Name:           req.Name,
		BrandName:      req.Brand.Name,
		BrandDomain:    req.Brand.Domain,
		LogoURL:        req.Brand.LogoURL,
		PrimaryColor:   req.Brand.PrimaryColor,
		AccentColor:    req.Brand.AccentColor,
		Tier:           req.Tier,
		Status:         StatusProvisioning,
		Region:         req.Region,
		IAMOrg:         iamOrg,
		IAMClientID:    req.Name + "-cloud",
		IAMDomain:      iamDomain,
		WebReplicas:    size.webReplicas,
		APIReplicas:    size.apiReplicas,
		ValidatorCount: validatorCount,
		Namespace:      defaultNamespace,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if n.PrimaryColor == "" {
		n.PrimaryColor = "#000000"
	}
	if n.AccentColor == "" {
		n.AccentColor = "#fd4444"
	}
	if req.ChainID != nil {
		n.ChainID = sql.NullInt64{Int64: *req.ChainID, Valid: true}
	}

	if err := l.store.Insert(ctx, n); err != nil {
		return nil, err
	}

	if err := l.deploy(ctx, n); err != nil {
		n.Status = StatusError
		n.Error = sql.NullString{String: err.Error(), Valid: true}
		n.UpdatedAt = time.Now().UTC()
		if uerr := l.store.Update(ctx, n); uerr != nil {
			l.log.Errorw("Failed to record network error", "network", n.ID, zap.Error(uerr))
		}
		return n, nil
	}

	n.Status = StatusRunning
	n.ProvisionedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	n.UpdatedAt = time.Now().UTC()
	if err := l.store.Update(ctx, n); err != nil {
		return nil, err
	}

	l.log.Infow("Network launched",
		"network", n.ID, "name", n.Name, "domain", n.BrandDomain, "tier", n.Tier)
	return n, nil
}

func (l *Launcher) deploy(ctx context.Context, n *Network) error {
	web, err := renderWebManifest(n)
	if err != nil {
		return err
	}
	if _, err := l.kube.ApplyManifest(ctx, web); err != nil {
		return fmt.Errorf("failed to deploy web frontend: %w", err)
	}

	ingress, err := renderIngressManifest(n)
	if err != nil {
		return err
	}
	if _, err := l.kube.ApplyManifest(ctx, ingress); err != nil {
		return fmt.Errorf("failed to deploy ingresses: %w", err)
	}
	return nil
}

// Get loads a network by id.
func (l *Launcher) Get(ctx context.Context, id string) (*Network, error) {
	return l.store.Get(ctx, id)
}

// List returns all live networks.
func (l *Launcher) List(ctx context.Context) ([]Network, error) {
	return l.store.List(ctx)
}

// Scale adjusts network resources. Web replica changes are applied to the
// cluster; API replica and validator counts are recorded only.
func (l *Launcher) Scale(ctx context.Context, id string, req *ScaleRequest) (*Network, error) {
	n, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.WebReplicas != nil {
		if err := l.kube.ScaleDeployment(ctx, n.Name+"-cloud-web", n.Namespace, *req.WebReplicas); err != nil {
			return nil, fmt.Errorf("failed to scale web deployment: %w", err)
		}
		n.WebReplicas = *req.WebReplicas
	}
	if req.APIReplicas != nil {
		n.APIReplicas = *req.APIReplicas
	}
	if req.ValidatorCount != nil {
		n.ValidatorCount = *req.ValidatorCount
	}

	n.UpdatedAt = time.Now().UTC()
	if err := l.store.Update(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// Delete tears down the network's cluster resources and marks the row
// deleted. Each delete is ignore-not-found so a partial earlier teardown
// does not block this one.
func (l *Launcher) Delete(ctx context.Context, id string) (*Network, error) {
	n, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	n.Status = StatusDeleting
	n.UpdatedAt = time.Now().UTC()
	if err := l.store.Update(ctx, n); err != nil {
		return nil, err
	}

	resources := []struct{ kind, name string }{
		{"deployment", n.Name + "-cloud-web"},
		{"service", n.Name + "-cloud-web"},
		{"ingress", n.Name + "-cloud-ingress"},
		{"ingress", n.Name + "-cloud-api-ingress"},
	}
	for _, r := range resources {
		if err := l.kube.DeleteResource(ctx, r.kind, r.name, n.Namespace); err != nil {
			l.log.Warnw("Failed to delete network resource",
				"network", n.ID, "kind", r.kind, "name", r.name, zap.Error(err))
		}
	}

	n.Status = StatusDeleted
	n.UpdatedAt = time.Now().UTC()
	if err := l.store.Update(ctx, n); err != nil {
		return nil, err
	}

	l.log.Infow("Network deleted", "network", n.ID, "name", n.Name)
	return n, nil
}
