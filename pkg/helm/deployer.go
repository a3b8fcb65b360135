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

// Package helm wraps the helm and kubectl binaries for a single target
// cluster. All chart mutations go through the helm CLI because the chart
// template logic is authoritative; read paths parse kubectl JSON output.
package helm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	bnerrors "github.com/hanzoai/bootnode/pkg/errors"
)

const (
	defaultTimeout = 5 * time.Minute
	execTimeout    = 30 * time.Second
)

// dnsLabel is the RFC 1123 label pattern. Pod and namespace arguments that
// reach exec MUST match it; this is the injection boundary.
var dnsLabel = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateDNSLabel reports whether s is a valid RFC 1123 DNS label.
func ValidateDNSLabel(s string) bool {
	return dnsLabel.MatchString(s)
}

// Release is the parsed result of a helm install/upgrade/status call.
type Release struct {
	Name       string `json:"name"`
	Namespace  string `json:"namespace"`
	Revision   int    `json:"revision"`
	Status     string `json:"status"`
	Chart      string `json:"chart"`
	AppVersion string `json:"app_version"`
	Updated    string `json:"updated"`
}

// Pod is a condensed view of one pod from kubectl output.
type Pod struct {
	Name     string `json:"name"`
	Ready    bool   `json:"ready"`
	Status   string `json:"status"`
	Restarts int    `json:"restarts"`
	Node     string `json:"node"`
	IP       string `json:"ip"`
}

// ServicePort is one exposed port of a Service.
type ServicePort struct {
	Name       string `json:"name"`
	Port       int    `json:"port"`
	TargetPort string `json:"target_port"`
	NodePort   int    `json:"node_port,omitempty"`
}

// Service is a condensed view of one Service from kubectl output.
type Service struct {
	Name        string        `json:"name"`
	Type        string        `json:"type"`
	ClusterIP   string        `json:"cluster_ip"`
	ExternalIPs []string      `json:"external_ips"`
	Ports       []ServicePort `json:"ports"`
}

// InstallOptions controls a helm install or upgrade invocation.
type InstallOptions struct {
	Release         string
	Namespace       string
	Values          map[string]any
	ValuesFiles     []string
	Wait            bool
	CreateNamespace bool
	ReuseValues     bool
	Timeout         time.Duration
}

// Deployer runs helm and kubectl against one cluster, identified by a
// kubeconfig path and optional context. The zero value is not usable;
// construct with New.
type Deployer struct {
	chartPath   string
	kubeconfig  string
	kubeContext string
	log         *zap.SugaredLogger

	mu        sync.Mutex
	tempFiles []string
	locks     map[string]*sync.Mutex
}

// New returns a Deployer bound to chartPath and, if non-empty, the given
// kubeconfig file and context.
func New(log *zap.SugaredLogger, chartPath, kubeconfig, kubeContext string) *Deployer {
	return &Deployer{
		chartPath:   chartPath,
		kubeconfig:  kubeconfig,
		kubeContext: kubeContext,
		log:         log,
		locks:       map[string]*sync.Mutex{},
	}
}

// releaseLock returns the mutex serializing mutations of one release name.
// Operations on different releases proceed in parallel.
func (d *Deployer) releaseLock(release string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[release]
	if !ok {
		l = &sync.Mutex{}
		d.locks[release] = l
	}
	return l
}

// Cleanup removes every temp file created by this deployer. Callers must
// invoke it on every exit path of an operation that constructed a Deployer;
// the files carry chart values and must not outlive the operation.
func (d *Deployer) Cleanup() {
	d.mu.Lock()
	files := d.tempFiles
	d.tempFiles = nil
	d.mu.Unlock()

	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			d.log.Warnw("Failed to remove temp values file", "path", f, zap.Error(err))
		}
	}
}

// writeValuesFile marshals values to YAML in a tracked temp file. YAML is the
// only values transport: helm's --set cannot express list values.
func (d *Deployer) writeValuesFile(values map[string]any) (string, error) {
	data, err := yaml.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to marshal values: %w", err)
	}
	f, err := os.CreateTemp("", "bootnode-values-*.yaml")
	if err != nil {
		return "", fmt.Errorf("failed to create values file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write values file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	d.mu.Lock()
	d.tempFiles = append(d.tempFiles, f.Name())
	d.mu.Unlock()
	return f.Name(), nil
}

// run executes one binary with the deployer's cluster flags. A non-zero exit
// is normalized to a CommandError; the child is killed on context timeout.
func (d *Deployer) run(ctx context.Context, timeout time.Duration, bin string, args ...string) (string, error) {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	d.log.Debugw("Executing", "bin", bin, "args", args)
	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", bnerrors.NewCommandError(fmt.Sprintf("%s timed out after %s", bin, timeout), stderr.String(), -1)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), bnerrors.NewCommandError(fmt.Sprintf("%s %s failed", bin, args[0]), strings.TrimSpace(stderr.String()), exitErr.ExitCode())
		}
		return "", bnerrors.NewCommandError(fmt.Sprintf("failed to start %s", bin), err.Error(), -1)
	}
	return stdout.String(), nil
}

// runWithStdin is run with the given string piped to the child's stdin.
func (d *Deployer) runWithStdin(ctx context.Context, stdin, bin string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", bnerrors.NewCommandError(fmt.Sprintf("%s timed out", bin), stderr.String(), -1)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), bnerrors.NewCommandError(fmt.Sprintf("%s %s failed", bin, args[0]), strings.TrimSpace(stderr.String()), exitErr.ExitCode())
		}
		return "", bnerrors.NewCommandError(fmt.Sprintf("failed to start %s", bin), err.Error(), -1)
	}
	return stdout.String(), nil
}

func (d *Deployer) helmArgs(args ...string) []string {
	out := make([]string, 0, len(args)+4)
	if d.kubeconfig != "" {
		out = append(out, "--kubeconfig", d.kubeconfig)
	}
	if d.kubeContext != "" {
		out = append(out, "--kube-context", d.kubeContext)
	}
	return append(out, args...)
}

func (d *Deployer) kubectlArgs(args ...string) []string {
	out := make([]string, 0, len(args)+4)
	if d.kubeconfig != "" {
		out = append(out, "--kubeconfig", d.kubeconfig)
	}
	if d.kubeContext != "" {
		out = append(out, "--context", d.kubeContext)
	}
	return append(out, args...)
}

// parseRelease decodes helm's JSON release output. Helm occasionally changes
// the emitted shape between versions; if the command succeeded but the JSON
// does not decode, the release is deployed and we return a best-effort record.
func parseRelease(release, namespace, out string) *Release {
	var raw struct {
		Name      string `json:"name"`
		Namespace string `json:"namespace"`
		Version   int    `json:"version"`
		Info      struct {
			Status       string `json:"status"`
			LastDeployed string `json:"last_deployed"`
		} `json:"info"`
		Chart struct {
			Metadata struct {
				Name       string `json:"name"`
				Version    string `json:"version"`
				AppVersion string `json:"appVersion"`
			} `json:"metadata"`
		} `json:"chart"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil || raw.Name == "" {
		return &Release{Name: release, Namespace: namespace, Revision: 1, Status: "deployed"}
	}
	return &Release{
		Name:       raw.Name,
		Namespace:  raw.Namespace,
		Revision:   raw.Version,
		Status:     raw.Info.Status,
		Chart:      fmt.Sprintf("%s-%s", raw.Chart.Metadata.Name, raw.Chart.Metadata.Version),
		AppVersion: raw.Chart.Metadata.AppVersion,
		Updated:    raw.Info.LastDeployed,
	}
}

// Install runs `helm upgrade --install`. The values dict, if any, is written
// to a temp file and passed last so it takes priority over opts.ValuesFiles.
func (d *Deployer) Install(ctx context.Context, opts InstallOptions) (*Release, error) {
	l := d.releaseLock(opts.Release)
	l.Lock()
	defer l.Unlock()

	args := []string{"upgrade", "--install", opts.Release, d.chartPath,
		"--namespace", opts.Namespace, "--output", "json"}
	if opts.CreateNamespace {
		args = append(args, "--create-namespace")
	}
	if opts.Wait {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		args = append(args, "--wait", "--timeout", fmt.Sprintf("%ds", int(timeout.Seconds())))
	}
	for _, f := range opts.ValuesFiles {
		args = append(args, "-f", f)
	}
	if len(opts.Values) > 0 {
		vf, err := d.writeValuesFile(opts.Values)
		if err != nil {
			return nil, err
		}
		args = append(args, "-f", vf)
	}

	out, err := d.run(ctx, opts.Timeout, "helm", d.helmArgs(args...)...)
	if err != nil {
		return nil, err
	}
	d.log.Infow("Installed release", "release", opts.Release, "namespace", opts.Namespace)
	return parseRelease(opts.Release, opts.Namespace, out), nil
}

// Upgrade runs `helm upgrade` on an existing release.
func (d *Deployer) Upgrade(ctx context.Context, opts InstallOptions) (*Release, error) {
	l := d.releaseLock(opts.Release)
	l.Lock()
	defer l.Unlock()

	args := []string{"upgrade", opts.Release, d.chartPath,
		"--namespace", opts.Namespace, "--output", "json"}
	if opts.ReuseValues {
		args = append(args, "--reuse-values")
	}
	if opts.Wait {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		args = append(args, "--wait", "--timeout", fmt.Sprintf("%ds", int(timeout.Seconds())))
	}
	for _, f := range opts.ValuesFiles {
		args = append(args, "-f", f)
	}
	if len(opts.Values) > 0 {
		vf, err := d.writeValuesFile(opts.Values)
		if err != nil {
			return nil, err
		}
		args = append(args, "-f", vf)
	}

	out, err := d.run(ctx, opts.Timeout, "helm", d.helmArgs(args...)...)
	if err != nil {
		return nil, err
	}
	d.log.Infow("Upgraded release", "release", opts.Release, "namespace", opts.Namespace)
	return parseRelease(opts.Release, opts.Namespace, out), nil
}

// Uninstall removes a release. A release that is already gone counts as
// success so destroy stays idempotent.
func (d *Deployer) Uninstall(ctx context.Context, release, namespace string) error {
	l := d.releaseLock(release)
	l.Lock()
	defer l.Unlock()

	_, err := d.run(ctx, 0, "helm", d.helmArgs("uninstall", release, "--namespace", namespace)...)
	if err != nil {
		var cmdErr *bnerrors.CommandError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "not found") {
			d.log.Infow("Release already gone", "release", release)
			return nil
		}
		return err
	}
	return nil
}

// Rollback reverts a release; revision 0 means the previous one.
func (d *Deployer) Rollback(ctx context.Context, release, namespace string, revision int) error {
	l := d.releaseLock(release)
	l.Lock()
	defer l.Unlock()

	args := []string{"rollback", release, fmt.Sprintf("%d", revision), "--namespace", namespace}
	_, err := d.run(ctx, 0, "helm", d.helmArgs(args...)...)
	return err
}

// Status fetches the current release record.
func (d *Deployer) Status(ctx context.Context, release, namespace string) (*Release, error) {
	out, err := d.run(ctx, 0, "helm", d.helmArgs("status", release, "--namespace", namespace, "--output", "json")...)
	if err != nil {
		var cmdErr *bnerrors.CommandError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "not found") {
			return nil, bnerrors.ErrReleaseNotFound
		}
		return nil, err
	}
	return parseRelease(release, namespace, out), nil
}

// ListReleases lists releases, optionally scoped to one namespace and
// filtered by a helm name regex.
func (d *Deployer) ListReleases(ctx context.Context, namespace string, allNamespaces bool, filter string) ([]Release, error) {
	args := []string{"list", "--output", "json"}
	if allNamespaces {
		args = append(args, "--all-namespaces")
	} else if namespace != "" {
		args = append(args, "--namespace", namespace)
	}
	if filter != "" {
		args = append(args, "--filter", filter)
	}
	out, err := d.run(ctx, 0, "helm", d.helmArgs(args...)...)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Name       string `json:"name"`
		Namespace  string `json:"namespace"`
		Revision   string `json:"revision"`
		Status     string `json:"status"`
		Chart      string `json:"chart"`
		AppVersion string `json:"app_version"`
		Updated    string `json:"updated"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse helm list output: %w", err)
	}
	releases := make([]Release, 0, len(raw))
	for _, r := range raw {
		rev := 0
		fmt.Sscanf(r.Revision, "%d", &rev)
		releases = append(releases, Release{
			Name: r.Name, Namespace: r.Namespace, Revision: rev,
			Status: r.Status, Chart: r.Chart, AppVersion: r.AppVersion, Updated: r.Updated,
		})
	}
	return releases, nil
}
