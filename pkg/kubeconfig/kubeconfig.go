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

// Package kubeconfig fetches cluster credentials from DigitalOcean. The API
// is tried first and the doctl CLI second; both transports fail before an
// operation errors out.
package kubeconfig

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/digitalocean/godo"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// TokenSource feeds a static DO token into the oauth2 transport.
type TokenSource struct {
	AccessToken string
}

func (t *TokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: t.AccessToken}, nil
}

func getClient(ctx context.Context, token string) *godo.Client {
	tokenSource := &TokenSource{AccessToken: token}
	oauthClient := oauth2.NewClient(ctx, tokenSource)
	return godo.NewClient(oauthClient)
}

// Provider fetches kubeconfigs for DOKS clusters and writes them to
// short-lived temp files.
type Provider struct {
	token string
	log   *zap.SugaredLogger
}

// NewProvider builds a Provider from a DO API token.
func NewProvider(log *zap.SugaredLogger, token string) *Provider {
	return &Provider{token: token, log: log}
}

// Fetch retrieves the kubeconfig for clusterID and writes it to a temp file.
// The returned cleanup removes the file; it must run on every exit path
// because the file carries cluster credentials.
func (p *Provider) Fetch(ctx context.Context, clusterID string) (string, func(), error) {
	raw, err := p.fetchRaw(ctx, clusterID)
	if err != nil {
		return "", nil, err
	}

	f, err := os.CreateTemp("", "bootnode-kubeconfig-*.yaml")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create kubeconfig file: %w", err)
	}
	if _, err := f.WriteString(raw); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("failed to write kubeconfig file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}

	path := f.Name()
	cleanup := func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.log.Warnw("Failed to remove kubeconfig file", "path", path, zap.Error(err))
		}
	}
	return path, cleanup, nil
}

func (p *Provider) fetchRaw(ctx context.Context, clusterID string) (string, error) {
	client := getClient(ctx, p.token)
	cfg, _, err := client.Kubernetes.GetKubeConfig(ctx, clusterID)
	if err == nil && len(cfg.KubeconfigYAML) > 0 {
		return string(cfg.KubeconfigYAML), nil
	}
	p.log.Warnw("DO API kubeconfig fetch failed, falling back to doctl", "cluster", clusterID, zap.Error(err))

	out, doctlErr := p.doctlKubeconfig(ctx, clusterID)
	if doctlErr != nil {
		return "", fmt.Errorf("failed to fetch kubeconfig for cluster %s: api: %v, doctl: %v", clusterID, err, doctlErr)
	}
	return out, nil
}

// doctlKubeconfig shells out to the doctl CLI. This covers API responses the
// godo client cannot parse and environments where only doctl is authorized.
func (p *Provider) doctlKubeconfig(ctx context.Context, clusterID string) (string, error) {
	cmd := exec.CommandContext(ctx, "doctl", "kubernetes", "cluster", "kubeconfig", "show",
		clusterID, "--access-token", p.token)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("doctl failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return "", fmt.Errorf("doctl returned an empty kubeconfig")
	}
	return stdout.String(), nil
}
