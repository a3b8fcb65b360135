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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-test/deep"
	"go.uber.org/zap"

	bnerrors "github.com/hanzoai/bootnode/pkg/errors"
	"github.com/hanzoai/bootnode/pkg/helm"
)

type fakeKubeProvider struct{}

func (fakeKubeProvider) Fetch(ctx context.Context, clusterID string) (string, func(), error) {
	return "/tmp/fake-kubeconfig-" + clusterID, func() {}, nil
}

// fakeDeployer records calls and serves canned responses.
type fakeDeployer struct {
	installs   []helm.InstallOptions
	upgrades   []helm.InstallOptions
	uninstalls []string
	deleted    []string

	installErr error
	pods       []helm.Pod
	services   []helm.Service
	statefuls  []helm.StatefulSet
	releases   []helm.Release
	statusErr  error
	execOut    map[string]string
}

func (f *fakeDeployer) Install(ctx context.Context, opts helm.InstallOptions) (*helm.Release, error) {
	f.installs = append(f.installs, opts)
	if f.installErr != nil {
		return nil, f.installErr
	}
	return &helm.Release{Name: opts.Release, Namespace: opts.Namespace, Revision: 1, Status: "deployed"}, nil
}

func (f *fakeDeployer) Upgrade(ctx context.Context, opts helm.InstallOptions) (*helm.Release, error) {
	f.upgrades = append(f.upgrades, opts)
	return &helm.Release{Name: opts.Release, Namespace: opts.Namespace, Revision: 2, Status: "deployed"}, nil
}

func (f *fakeDeployer) Uninstall(ctx context.Context, release, namespace string) error {
	f.uninstalls = append(f.uninstalls, release)
	return nil
}

func (f *fakeDeployer) Status(ctx context.Context, release, namespace string) (*helm.Release, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &helm.Release{Name: release, Namespace: namespace, Revision: 3, Status: "deployed"}, nil
}

func (f *fakeDeployer) ListReleases(ctx context.Context, namespace string, allNamespaces bool, filter string) ([]helm.Release, error) {
	return f.releases, nil
}

func (f *fakeDeployer) GetPods(ctx context.Context, namespace, labelSelector string) ([]helm.Pod, error) {
	return f.pods, nil
}

func (f *fakeDeployer) GetServices(ctx context.Context, namespace string) ([]helm.Service, error) {
	return f.services, nil
}

func (f *fakeDeployer) GetStatefulSets(ctx context.Context, namespace string) ([]helm.StatefulSet, error) {
	return f.statefuls, nil
}

func (f *fakeDeployer) GetPodLogs(ctx context.Context, pod, namespace string, tail int, container string) (string, error) {
	return "log line\n", nil
}

func (f *fakeDeployer) DeletePod(ctx context.Context, pod, namespace string) error {
	f.deleted = append(f.deleted, pod)
	return nil
}

func (f *fakeDeployer) ExecPod(ctx context.Context, pod, namespace string, argv []string, timeout time.Duration) (string, error) {
	if f.execOut == nil {
		return "", errors.New("exec not configured")
	}
	out, ok := f.execOut[argv[len(argv)-1]]
	if !ok {
		return "", errors.New("connection refused")
	}
	return out, nil
}

func (f *fakeDeployer) Cleanup() {}

func testManager(t *testing.T, d *fakeDeployer) *Manager {
	t.Helper()
	m := NewManager(zap.NewNop().Sugar(), fakeKubeProvider{}, "/opt/charts/lux")
	m.newDeploy = func(string) Deployer { return d }
	m.pollEvery = time.Millisecond
	m.pollTries = 3
	return m
}

func TestManagerCreate(t *testing.T) {
	d := &fakeDeployer{}
	m := testManager(t, d)

	resp, err := m.Create(context.Background(), &CreateRequest{
		Name: "alpha", ClusterID: "c1", Network: Devnet, Replicas: 5,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if resp.ID != "alpha-devnet" {
		t.Errorf("expected id alpha-devnet, got %s", resp.ID)
	}
	if resp.Status != StatusDeploying {
		t.Errorf("expected status deploying, got %s", resp.Status)
	}
	if resp.Namespace != "lux-devnet" {
		t.Errorf("expected namespace lux-devnet, got %s", resp.Namespace)
	}

	if len(d.installs) != 1 {
		t.Fatalf("expected one install, got %d", len(d.installs))
	}
	opts := d.installs[0]
	if opts.Release != "luxd-devnet" {
		t.Errorf("expected release luxd-devnet, got %s", opts.Release)
	}
	if !opts.CreateNamespace || opts.Wait {
		t.Errorf("expected create_namespace=true wait=false, got %+v", opts)
	}
	if diff := deep.Equal(opts.Values["network"], "devnet"); diff != nil {
		t.Error(diff)
	}
	if opts.Values["replicas"] != 5 {
		t.Errorf("expected replicas 5 in values, got %v", opts.Values["replicas"])
	}
}

func TestManagerCreateDuplicate(t *testing.T) {
	d := &fakeDeployer{}
	m := testManager(t, d)
	req := &CreateRequest{Name: "alpha", ClusterID: "c1", Network: Devnet, Replicas: 5}

	if _, err := m.Create(context.Background(), req); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	_, err := m.Create(context.Background(), req)
	if !errors.Is(err, bnerrors.ErrFleetExists) {
		t.Fatalf("expected ErrFleetExists, got %v", err)
	}
}

func TestManagerCreateHelmFailure(t *testing.T) {
	d := &fakeDeployer{installErr: bnerrors.NewCommandError("helm failed", "chart not found", 1)}
	m := testManager(t, d)

	resp, err := m.Create(context.Background(), &CreateRequest{
		Name: "alpha", ClusterID: "c1", Network: Devnet, Replicas: 5,
	})
	if err != nil {
		t.Fatalf("create must not return a transport error: %v", err)
	}
	if resp.Status != StatusError {
		t.Errorf("expected status error, got %s", resp.Status)
	}
	if resp.Error == "" {
		t.Error("expected error message on response")
	}

	// A failed create leaves no registry entry, so a retry is not a conflict.
	d.installErr = nil
	if _, err := m.Create(context.Background(), &CreateRequest{
		Name: "alpha", ClusterID: "c1", Network: Devnet, Replicas: 5,
	}); err != nil {
		t.Fatalf("retry after failure must succeed: %v", err)
	}
}

func TestManagerStatusAggregation(t *testing.T) {
	tests := []struct {
		name     string
		pods     []helm.Pod
		expected Status
	}{
		{
			name: "all ready",
			pods: []helm.Pod{
				{Name: "luxd-0", Status: "Running", Ready: true},
				{Name: "luxd-1", Status: "Running", Ready: true},
			},
			expected: StatusRunning,
		},
		{
			name: "partially ready",
			pods: []helm.Pod{
				{Name: "luxd-0", Status: "Running", Ready: true},
				{Name: "luxd-1", Status: "Running", Ready: false},
			},
			expected: StatusDegraded,
		},
		{
			name:     "none ready",
			pods:     []helm.Pod{{Name: "luxd-0", Status: "CrashLoopBackOff", Ready: false}},
			expected: StatusError,
		},
		{
			name:     "no pods yet",
			pods:     nil,
			expected: StatusDeploying,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDeployer{pods: tc.pods}
			m := testManager(t, d)
			if _, err := m.Create(context.Background(), &CreateRequest{
				Name: "alpha", ClusterID: "c1", Network: Devnet, Replicas: 2,
			}); err != nil {
				t.Fatal(err)
			}

			resp, err := m.Status(context.Background(), "alpha-devnet")
			if err != nil {
				t.Fatalf("status failed: %v", err)
			}
			if resp.Status != tc.expected {
				t.Errorf("expected %s, got %s", tc.expected, resp.Status)
			}
		})
	}
}

func TestManagerStatusNoReleaseNoPods(t *testing.T) {
	d := &fakeDeployer{statusErr: bnerrors.ErrReleaseNotFound}
	m := testManager(t, d)
	if _, err := m.Create(context.Background(), &CreateRequest{
		Name: "alpha", ClusterID: "c1", Network: Devnet, Replicas: 2,
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := m.Status(context.Background(), "alpha-devnet")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if resp.Status != StatusError {
		t.Errorf("expected status error, got %s", resp.Status)
	}
	if resp.Error != "no fleet found (no helm release or pods)" {
		t.Errorf("unexpected error message: %q", resp.Error)
	}
}

func TestManagerStatusEndpoints(t *testing.T) {
	d := &fakeDeployer{
		pods: []helm.Pod{{Name: "luxd-0", Status: "Running", Ready: true}},
		services: []helm.Service{{
			Name:        "luxd-lb",
			ExternalIPs: []string{"203.0.113.7"},
			Ports: []helm.ServicePort{
				{Port: 9650},
				{Port: 9651},
			},
		}},
	}
	m := testManager(t, d)
	if _, err := m.Create(context.Background(), &CreateRequest{
		Name: "alpha", ClusterID: "c1", Network: Devnet, Replicas: 1,
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := m.Status(context.Background(), "alpha-devnet")
	if err != nil {
		t.Fatal(err)
	}
	if resp.RPCEndpoint != "http://203.0.113.7:9650" {
		t.Errorf("unexpected rpc endpoint %q", resp.RPCEndpoint)
	}
	if resp.StakingEndpoint != "203.0.113.7:9651" {
		t.Errorf("unexpected staking endpoint %q", resp.StakingEndpoint)
	}
}

func TestManagerStatusNotFound(t *testing.T) {
	m := testManager(t, &fakeDeployer{})
	_, err := m.Status(context.Background(), "missing-devnet")
	if !errors.Is(err, bnerrors.ErrFleetNotFound) {
		t.Fatalf("expected ErrFleetNotFound, got %v", err)
	}
}

func TestManagerScale(t *testing.T) {
	d := &fakeDeployer{}
	m := testManager(t, d)
	if _, err := m.Create(context.Background(), &CreateRequest{
		Name: "alpha", ClusterID: "c1", Network: Devnet, Replicas: 5,
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := m.Scale(context.Background(), "alpha-devnet", 10)
	if err != nil {
		t.Fatalf("scale failed: %v", err)
	}
	if resp.Status != StatusUpdating {
		t.Errorf("expected status updating, got %s", resp.Status)
	}
	if len(d.upgrades) != 1 {
		t.Fatalf("expected one upgrade, got %d", len(d.upgrades))
	}
	opts := d.upgrades[0]
	if !opts.ReuseValues {
		t.Error("scale must reuse values")
	}
	expected := map[string]any{"replicas": 10}
	if diff := deep.Equal(opts.Values, expected); diff != nil {
		t.Error(diff)
	}
}

func TestManagerDestroy(t *testing.T) {
	d := &fakeDeployer{}
	m := testManager(t, d)
	if _, err := m.Create(context.Background(), &CreateRequest{
		Name: "alpha", ClusterID: "c1", Network: Devnet, Replicas: 5,
	}); err != nil {
		t.Fatal(err)
	}

	if err := m.Destroy(context.Background(), "alpha-devnet"); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if diff := deep.Equal(d.uninstalls, []string{"luxd-devnet"}); diff != nil {
		t.Error(diff)
	}
	if _, err := m.Status(context.Background(), "alpha-devnet"); !errors.Is(err, bnerrors.ErrFleetNotFound) {
		t.Errorf("expected ErrFleetNotFound after destroy, got %v", err)
	}
}

func TestManagerRollingRestartOrder(t *testing.T) {
	d := &fakeDeployer{
		pods: []helm.Pod{
			{Name: "luxd-2", Status: "Running", Ready: true},
			{Name: "luxd-0", Status: "Running", Ready: true},
			{Name: "luxd-1", Status: "Running", Ready: true},
		},
	}
	m := testManager(t, d)
	if _, err := m.Create(context.Background(), &CreateRequest{
		Name: "alpha", ClusterID: "c1", Network: Devnet, Replicas: 3,
	}); err != nil {
		t.Fatal(err)
	}

	restarted, err := m.RollingRestart(context.Background(), "alpha-devnet")
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	expected := []string{"luxd-0", "luxd-1", "luxd-2"}
	if diff := deep.Equal(restarted, expected); diff != nil {
		t.Error(diff)
	}
	if diff := deep.Equal(d.deleted, expected); diff != nil {
		t.Error(diff)
	}
}

func TestManagerRollingRestartCancelled(t *testing.T) {
	d := &fakeDeployer{
		pods: []helm.Pod{{Name: "luxd-0", Status: "Running", Ready: false}},
	}
	m := testManager(t, d)
	if _, err := m.Create(context.Background(), &CreateRequest{
		Name: "alpha", ClusterID: "c1", Network: Devnet, Replicas: 1,
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.RollingRestart(ctx, "alpha-devnet")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestManagerProbeNodeHealth(t *testing.T) {
	d := &fakeDeployer{
		pods: []helm.Pod{{Name: "luxd-0", Status: "Running", Ready: true}},
		execOut: map[string]string{
			"http://localhost:9650/ext/health":   `{"healthy":true}`,
			"http://localhost:9650/ext/bc/C/rpc": `{"jsonrpc":"2.0","result":"0x10","id":1}`,
		},
	}
	m := testManager(t, d)
	if _, err := m.Create(context.Background(), &CreateRequest{
		Name: "alpha", ClusterID: "c1", Network: Devnet, Replicas: 1,
	}); err != nil {
		t.Fatal(err)
	}

	probe, err := m.ProbeNodeHealth(context.Background(), "alpha-devnet", "luxd-0")
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if !probe.Healthy {
		t.Error("expected healthy=true")
	}
	if probe.CChainHeight == nil || *probe.CChainHeight != 16 {
		t.Errorf("expected c_chain_height=16, got %v", probe.CChainHeight)
	}
}

func TestManagerProbeNodeHealthUnreachable(t *testing.T) {
	d := &fakeDeployer{pods: []helm.Pod{{Name: "luxd-0", Status: "Running", Ready: true}}}
	m := testManager(t, d)
	if _, err := m.Create(context.Background(), &CreateRequest{
		Name: "alpha", ClusterID: "c1", Network: Devnet, Replicas: 1,
	}); err != nil {
		t.Fatal(err)
	}

	// Both probes failing still yields a result, not an error.
	probe, err := m.ProbeNodeHealth(context.Background(), "alpha-devnet", "luxd-0")
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if probe.Healthy {
		t.Error("expected healthy=false")
	}
	if probe.CChainHeight != nil {
		t.Errorf("expected nil height, got %d", *probe.CChainHeight)
	}
}

func TestManagerListDiscovery(t *testing.T) {
	d := &fakeDeployer{
		releases: []helm.Release{
			{Name: "luxd-mainnet", Namespace: "lux-mainnet", Revision: 4, Status: "deployed"},
			{Name: "luxd-other", Namespace: "default", Revision: 1, Status: "deployed"},
		},
		pods: []helm.Pod{
			{Name: "luxd-0", Status: "Running", Ready: true},
		},
		statefuls: []helm.StatefulSet{
			{Name: "luxd", Replicas: 3, ReadyReplicas: 2},
		},
	}
	m := testManager(t, d)

	fleets, err := m.List(context.Background(), "c1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	// One fleet from the helm release (luxd-other is skipped: unknown
	// network), plus statefulset fallbacks for testnet and devnet.
	if len(fleets) != 3 {
		t.Fatalf("expected 3 fleets, got %d: %+v", len(fleets), fleets)
	}
	if fleets[0].ID != "c1:luxd-mainnet" {
		t.Errorf("unexpected id %q", fleets[0].ID)
	}
	if fleets[0].HelmRevision != 4 {
		t.Errorf("expected revision 4, got %d", fleets[0].HelmRevision)
	}
	for _, f := range fleets[1:] {
		if f.Status != StatusDegraded {
			t.Errorf("statefulset fleet %s: expected degraded, got %s", f.ID, f.Status)
		}
	}
}

func TestManagerStats(t *testing.T) {
	d := &fakeDeployer{
		releases: []helm.Release{
			{Name: "luxd-devnet", Namespace: "lux-devnet", Revision: 1, Status: "deployed"},
		},
		pods: []helm.Pod{
			{Name: "luxd-0", Status: "Running", Ready: true},
			{Name: "luxd-1", Status: "Running", Ready: false},
		},
	}
	m := testManager(t, d)
	if _, err := m.Create(context.Background(), &CreateRequest{
		Name: "alpha", ClusterID: "c1", Network: Devnet, Replicas: 2,
	}); err != nil {
		t.Fatal(err)
	}

	stats, err := m.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.TotalFleets != 1 {
		t.Errorf("expected 1 fleet, got %d", stats.TotalFleets)
	}
	if stats.TotalNodes != 2 || stats.HealthyNodes != 1 {
		t.Errorf("expected 2 nodes / 1 healthy, got %d / %d", stats.TotalNodes, stats.HealthyNodes)
	}
	if stats.FleetsByNetwork["devnet"] != 1 {
		t.Errorf("unexpected network breakdown: %v", stats.FleetsByNetwork)
	}
}
