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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	bnerrors "github.com/hanzoai/bootnode/pkg/errors"
	"github.com/hanzoai/bootnode/pkg/helm"
)

const (
	// DefaultChartPath is where the luxd chart ships in the api image.
	DefaultChartPath = "/opt/charts/lux"

	podLabelSelector = "app=luxd"

	restartPollInterval = 5 * time.Second
	restartPollAttempts = 60
)

// networkValuesFiles maps a network to its chart values override file.
// Devnet runs on chart defaults and has none.
var networkValuesFiles = map[Network]string{
	Mainnet: "values-mainnet.yaml",
	Testnet: "values-testnet.yaml",
}

// Deployer is the subset of the helm deployer the manager drives. Satisfied
// by *helm.Deployer; tests substitute fakes.
type Deployer interface {
	Install(ctx context.Context, opts helm.InstallOptions) (*helm.Release, error)
	Upgrade(ctx context.Context, opts helm.InstallOptions) (*helm.Release, error)
	Uninstall(ctx context.Context, release, namespace string) error
	Status(ctx context.Context, release, namespace string) (*helm.Release, error)
	ListReleases(ctx context.Context, namespace string, allNamespaces bool, filter string) ([]helm.Release, error)
	GetPods(ctx context.Context, namespace, labelSelector string) ([]helm.Pod, error)
	GetServices(ctx context.Context, namespace string) ([]helm.Service, error)
	GetStatefulSets(ctx context.Context, namespace string) ([]helm.StatefulSet, error)
	GetPodLogs(ctx context.Context, pod, namespace string, tail int, container string) (string, error)
	DeletePod(ctx context.Context, pod, namespace string) error
	ExecPod(ctx context.Context, pod, namespace string, argv []string, timeout time.Duration) (string, error)
	Cleanup()
}

// KubeconfigProvider fetches a cluster's kubeconfig into a short-lived file.
// The cleanup func removes the file; it must run on every exit path because
// the file carries cluster credentials.
type KubeconfigProvider interface {
	Fetch(ctx context.Context, clusterID string) (path string, cleanup func(), err error)
}

// registryEntry caches which cluster a fleet was created on. The cluster
// remains authoritative; this only answers "where do I look".
type registryEntry struct {
	Name      string
	ClusterID string
	Network   Network
	CreatedAt time.Time
}

// Manager orchestrates fleet lifecycle across clusters.
type Manager struct {
	log        *zap.SugaredLogger
	chartPath  string
	kube       KubeconfigProvider
	registry   *gocache.Cache
	newDeploy  func(kubeconfigPath string) Deployer
	pollEvery  time.Duration
	pollTries  int
}

// NewManager builds a Manager using the real helm deployer.
func NewManager(log *zap.SugaredLogger, kube KubeconfigProvider, chartPath string) *Manager {
	if chartPath == "" {
		chartPath = DefaultChartPath
	}
	m := &Manager{
		log:       log,
		chartPath: chartPath,
		kube:      kube,
		registry:  gocache.New(gocache.NoExpiration, 10*time.Minute),
		pollEvery: restartPollInterval,
		pollTries: restartPollAttempts,
	}
	m.newDeploy = func(kubeconfigPath string) Deployer {
		return helm.New(log, chartPath, kubeconfigPath, "")
	}
	return m
}

// withDeployer fetches the kubeconfig, builds a deployer, runs fn, and
// guarantees temp-file cleanup on every exit path.
func (m *Manager) withDeployer(ctx context.Context, clusterID string, fn func(d Deployer) error) error {
	kcPath, kcCleanup, err := m.kube.Fetch(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("failed to get kubeconfig for cluster %s: %w", clusterID, err)
	}
	defer kcCleanup()

	d := m.newDeploy(kcPath)
	defer d.Cleanup()

	return fn(d)
}

// valuesFiles returns the network-specific values file if the chart ships one.
func (m *Manager) valuesFiles(network Network) []string {
	name, ok := networkValuesFiles[network]
	if !ok {
		return nil
	}
	full := filepath.Join(m.chartPath, name)
	if _, err := os.Stat(full); err != nil {
		return nil
	}
	return []string{full}
}

// Create installs a new fleet. A duplicate fleet id is a conflict; a helm
// failure yields a fleet record in error state rather than an HTTP failure,
// so the client can poll for recovery.
func (m *Manager) Create(ctx context.Context, req *CreateRequest) (*Fleet, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := FleetID(req.Name, req.Network)
	if _, exists := m.registry.Get(id); exists {
		return nil, fmt.Errorf("%w: %s", bnerrors.ErrFleetExists, id)
	}

	cfg := req.Network.Config()
	resp := &Fleet{
		ID:        id,
		Name:      req.Name,
		ClusterID: req.ClusterID,
		Network:   req.Network,
		Replicas:  req.Replicas,
		Namespace: cfg.Namespace,
		CreatedAt: time.Now().UTC(),
	}

	err := m.withDeployer(ctx, req.ClusterID, func(d Deployer) error {
		release, err := d.Install(ctx, helm.InstallOptions{
			Release:         req.Network.ReleaseName(),
			Namespace:       cfg.Namespace,
			Values:          CreateValues(req),
			ValuesFiles:     m.valuesFiles(req.Network),
			Wait:            false,
			CreateNamespace: true,
		})
		if err != nil {
			return err
		}
		resp.HelmRevision = release.Revision
		return nil
	})
	if err != nil {
		m.log.Errorw("Fleet creation failed", "fleet", id, zap.Error(err))
		resp.Status = StatusError
		resp.Error = err.Error()
		return resp, nil
	}

	m.registry.Set(id, registryEntry{
		Name:      req.Name,
		ClusterID: req.ClusterID,
		Network:   req.Network,
		CreatedAt: resp.CreatedAt,
	}, gocache.NoExpiration)

	m.log.Infow("Fleet deploying", "fleet", id, "cluster", req.ClusterID, "replicas", req.Replicas)
	resp.Status = StatusDeploying
	return resp, nil
}

// lookup resolves a fleet id through the registry.
func (m *Manager) lookup(id string) (registryEntry, error) {
	v, ok := m.registry.Get(id)
	if !ok {
		return registryEntry{}, fmt.Errorf("%w: %s", bnerrors.ErrFleetNotFound, id)
	}
	return v.(registryEntry), nil
}

// Update applies a partial upgrade with --reuse-values.
func (m *Manager) Update(ctx context.Context, id string, req *UpdateRequest) (*Fleet, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	entry, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	cfg := entry.Network.Config()
	resp := &Fleet{
		ID:        id,
		Name:      entry.Name,
		ClusterID: entry.ClusterID,
		Network:   entry.Network,
		Namespace: cfg.Namespace,
		CreatedAt: entry.CreatedAt,
	}

	err = m.withDeployer(ctx, entry.ClusterID, func(d Deployer) error {
		release, err := d.Upgrade(ctx, helm.InstallOptions{
			Release:     entry.Network.ReleaseName(),
			Namespace:   cfg.Namespace,
			Values:      UpdateValues(req),
			ReuseValues: true,
		})
		if err != nil {
			return err
		}
		resp.HelmRevision = release.Revision

		pods, err := d.GetPods(ctx, cfg.Namespace, podLabelSelector)
		if err != nil {
			return nil
		}
		resp.Replicas = len(pods)
		for _, p := range pods {
			if p.Ready {
				resp.ReadyReplicas++
			}
		}
		return nil
	})
	if err != nil {
		m.log.Errorw("Fleet update failed", "fleet", id, zap.Error(err))
		resp.Status = StatusError
		resp.Error = err.Error()
		if req.Replicas != nil {
			resp.Replicas = *req.Replicas
		}
		return resp, nil
	}

	resp.Status = StatusUpdating
	return resp, nil
}

// Scale is an update that only changes the replica count.
func (m *Manager) Scale(ctx context.Context, id string, replicas int) (*Fleet, error) {
	return m.Update(ctx, id, &UpdateRequest{Replicas: &replicas})
}

// Destroy uninstalls the release and drops the registry entry. Persistent
// volumes are deliberately retained.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	entry, err := m.lookup(id)
	if err != nil {
		return err
	}

	err = m.withDeployer(ctx, entry.ClusterID, func(d Deployer) error {
		return d.Uninstall(ctx, entry.Network.ReleaseName(), entry.Network.Config().Namespace)
	})
	if err != nil {
		return err
	}

	m.registry.Delete(id)
	m.log.Infow("Fleet destroyed", "fleet", id)
	return nil
}

// Status derives the full fleet state from the cluster: best-effort helm
// status, pods, and load-balancer endpoints.
func (m *Manager) Status(ctx context.Context, id string) (*Fleet, error) {
	entry, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return m.statusOn(ctx, entry.ClusterID, entry.Name, entry.Network, entry.CreatedAt)
}

// StatusOn derives fleet state for a fleet addressed directly by cluster and
// network, bypassing the registry. Used for fleets discovered via List.
func (m *Manager) StatusOn(ctx context.Context, clusterID, name string, network Network) (*Fleet, error) {
	if !network.Valid() {
		return nil, fmt.Errorf("unknown network %q", network)
	}
	return m.statusOn(ctx, clusterID, name, network, time.Time{})
}

func (m *Manager) statusOn(ctx context.Context, clusterID, name string, network Network, createdAt time.Time) (*Fleet, error) {
	cfg := network.Config()
	resp := &Fleet{
		ID:        FleetID(name, network),
		Name:      name,
		ClusterID: clusterID,
		Network:   network,
		Namespace: cfg.Namespace,
		CreatedAt: createdAt,
	}

	err := m.withDeployer(ctx, clusterID, func(d Deployer) error {
		helmKnown := false
		if release, err := d.Status(ctx, network.ReleaseName(), cfg.Namespace); err == nil {
			resp.HelmRevision = release.Revision
			helmKnown = true
		} else if !errors.Is(err, bnerrors.ErrReleaseNotFound) {
			m.log.Debugw("Helm status unavailable", "fleet", resp.ID, zap.Error(err))
		}

		pods, err := d.GetPods(ctx, cfg.Namespace, podLabelSelector)
		if err != nil {
			return err
		}
		total := len(pods)
		ready := 0
		for _, p := range pods {
			if p.Ready {
				ready++
			}
		}

		if total == 0 && !helmKnown {
			resp.Status = StatusError
			resp.Error = "no fleet found (no helm release or pods)"
			return nil
		}

		services, err := d.GetServices(ctx, cfg.Namespace)
		if err == nil {
			for _, svc := range services {
				for _, ip := range svc.ExternalIPs {
					if ip == "" {
						continue
					}
					for _, port := range svc.Ports {
						switch port.Port {
						case cfg.HTTPPort:
							resp.RPCEndpoint = fmt.Sprintf("http://%s:%d", ip, cfg.HTTPPort)
						case cfg.StakingPort:
							resp.StakingEndpoint = fmt.Sprintf("%s:%d", ip, cfg.StakingPort)
						}
					}
				}
			}
		}

		sort.Slice(pods, func(i, j int) bool { return pods[i].Name < pods[j].Name })
		for i, p := range pods {
			state := NodeUnhealthy
			switch {
			case p.Status == "Pending":
				state = NodePending
			case strings.HasPrefix(p.Status, "Init"):
				state = NodeInit
			case p.Ready:
				state = NodeHealthy
			}
			resp.Nodes = append(resp.Nodes, NodeInfo{
				PodName:     p.Name,
				PodIndex:    i,
				Status:      state,
				ExternalIP:  p.IP,
				HTTPPort:    cfg.HTTPPort,
				StakingPort: cfg.StakingPort,
			})
		}

		resp.Replicas = total
		resp.ReadyReplicas = ready
		resp.Status = aggregateStatus(ready, total)
		return nil
	})
	if err != nil {
		resp.Status = StatusError
		resp.Error = err.Error()
	}
	return resp, nil
}

// aggregateStatus maps pod readiness counts to a fleet status.
func aggregateStatus(ready, total int) Status {
	switch {
	case total == 0:
		return StatusDeploying
	case ready == total:
		return StatusRunning
	case ready > 0:
		return StatusDegraded
	default:
		return StatusError
	}
}

// List discovers fleets on one cluster: helm releases named luxd-* first,
// then StatefulSet discovery in each network namespace not already covered,
// which catches fleets applied with raw kubectl.
func (m *Manager) List(ctx context.Context, clusterID string) ([]Fleet, error) {
	var fleets []Fleet

	err := m.withDeployer(ctx, clusterID, func(d Deployer) error {
		seen := map[string]bool{}

		releases, err := d.ListReleases(ctx, "", true, "^luxd-")
		if err != nil {
			m.log.Debugw("Helm release listing failed, falling back to statefulsets", "cluster", clusterID, zap.Error(err))
		}
		for _, r := range releases {
			network := Network(strings.TrimPrefix(r.Name, "luxd-"))
			if !network.Valid() {
				continue
			}
			pods, err := d.GetPods(ctx, r.Namespace, podLabelSelector)
			if err != nil {
				continue
			}
			seen[r.Namespace] = true
			ready := 0
			for _, p := range pods {
				if p.Ready {
					ready++
				}
			}
			fleets = append(fleets, Fleet{
				ID:            fmt.Sprintf("%s:%s", clusterID, r.Name),
				Name:          r.Name,
				ClusterID:     clusterID,
				Network:       network,
				Status:        aggregateStatus(ready, len(pods)),
				Replicas:      len(pods),
				ReadyReplicas: ready,
				Namespace:     r.Namespace,
				HelmRevision:  r.Revision,
			})
		}

		for _, network := range Networks() {
			cfg := network.Config()
			if seen[cfg.Namespace] {
				continue
			}
			sets, err := d.GetStatefulSets(ctx, cfg.Namespace)
			if err != nil {
				continue
			}
			for _, sts := range sets {
				if sts.Name != "luxd" {
					continue
				}
				fleets = append(fleets, Fleet{
					ID:            fmt.Sprintf("%s:%s", clusterID, network.ReleaseName()),
					Name:          network.ReleaseName(),
					ClusterID:     clusterID,
					Network:       network,
					Status:        aggregateStatus(sts.ReadyReplicas, sts.Replicas),
					Replicas:      sts.Replicas,
					ReadyReplicas: sts.ReadyReplicas,
					Namespace:     cfg.Namespace,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fleets, nil
}

// Registered returns the cached registry view across clusters.
func (m *Manager) Registered() []Fleet {
	items := m.registry.Items()
	fleets := make([]Fleet, 0, len(items))
	for id, item := range items {
		e := item.Object.(registryEntry)
		fleets = append(fleets, Fleet{
			ID:        id,
			Name:      e.Name,
			ClusterID: e.ClusterID,
			Network:   e.Network,
			Namespace: e.Network.Config().Namespace,
			CreatedAt: e.CreatedAt,
		})
	}
	sort.Slice(fleets, func(i, j int) bool { return fleets[i].ID < fleets[j].ID })
	return fleets
}

// Stats aggregates fleet and node counts across every cluster that has a
// registered fleet.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		FleetsByNetwork: map[string]int{},
		FleetsByStatus:  map[string]int{},
	}

	clusters := map[string]bool{}
	for _, f := range m.Registered() {
		clusters[f.ClusterID] = true
	}
	for clusterID := range clusters {
		fleets, err := m.List(ctx, clusterID)
		if err != nil {
			m.log.Warnw("Failed to list fleets for stats", "cluster", clusterID, zap.Error(err))
			continue
		}
		for _, f := range fleets {
			stats.TotalFleets++
			stats.TotalNodes += f.Replicas
			stats.HealthyNodes += f.ReadyReplicas
			stats.FleetsByNetwork[string(f.Network)]++
			stats.FleetsByStatus[string(f.Status)]++
		}
	}
	return stats, nil
}

// PodLogs fetches the last tail lines from one pod of a fleet.
func (m *Manager) PodLogs(ctx context.Context, id, pod string, tail int) (string, error) {
	entry, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	if !helm.ValidateDNSLabel(pod) {
		return "", fmt.Errorf("invalid pod name %q", pod)
	}
	var logs string
	err = m.withDeployer(ctx, entry.ClusterID, func(d Deployer) error {
		out, err := d.GetPodLogs(ctx, pod, entry.Network.Config().Namespace, tail, "")
		logs = out
		return err
	})
	return logs, err
}

// RollingRestart deletes pods one at a time in lexicographic order, waiting
// for each replacement to report ready before moving on. The StatefulSet uses
// the OnDelete update strategy, so exactly one pod is in flight at a time.
// On poll timeout it proceeds to the next pod; the restart is best effort.
func (m *Manager) RollingRestart(ctx context.Context, id string) ([]string, error) {
	entry, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	cfg := entry.Network.Config()

	var restarted []string
	err = m.withDeployer(ctx, entry.ClusterID, func(d Deployer) error {
		pods, err := d.GetPods(ctx, cfg.Namespace, podLabelSelector)
		if err != nil {
			return err
		}
		sort.Slice(pods, func(i, j int) bool { return pods[i].Name < pods[j].Name })

		for _, pod := range pods {
			m.log.Infow("Rolling restart: deleting pod", "fleet", id, "pod", pod.Name)
			if err := d.DeletePod(ctx, pod.Name, cfg.Namespace); err != nil {
				return err
			}
			restarted = append(restarted, pod.Name)

			for i := 0; i < m.pollTries; i++ {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(m.pollEvery):
				}
				current, err := d.GetPods(ctx, cfg.Namespace, podLabelSelector)
				if err != nil {
					continue
				}
				replaced := false
				for _, p := range current {
					if p.Name == pod.Name && p.Ready {
						replaced = true
						break
					}
				}
				if replaced {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return restarted, err
	}
	return restarted, nil
}

// HealthProbe is the result of probing one pod from inside the cluster.
type HealthProbe struct {
	Healthy      bool   `json:"healthy"`
	CChainHeight *int64 `json:"c_chain_height"`
}

// ProbeNodeHealth execs wget inside the pod against the node's health and
// C-chain RPC endpoints. Either probe failing is non-fatal; the other value
// is still reported.
func (m *Manager) ProbeNodeHealth(ctx context.Context, id, pod string) (*HealthProbe, error) {
	entry, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	cfg := entry.Network.Config()
	probe := &HealthProbe{}

	err = m.withDeployer(ctx, entry.ClusterID, func(d Deployer) error {
		if out, err := d.ExecPod(ctx, pod, cfg.Namespace, []string{
			"wget", "-qO-", fmt.Sprintf("http://localhost:%d/ext/health", cfg.HTTPPort),
		}, 0); err == nil {
			var health struct {
				Healthy bool `json:"healthy"`
			}
			if json.Unmarshal([]byte(out), &health) == nil {
				probe.Healthy = health.Healthy
			}
		}

		if out, err := d.ExecPod(ctx, pod, cfg.Namespace, []string{
			"wget", "-qO-",
			"--header=Content-Type: application/json",
			`--post-data={"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`,
			fmt.Sprintf("http://localhost:%d/ext/bc/C/rpc", cfg.HTTPPort),
		}, 0); err == nil {
			var rpc struct {
				Result string `json:"result"`
			}
			if json.Unmarshal([]byte(out), &rpc) == nil && rpc.Result != "" {
				if height, err := strconv.ParseInt(strings.TrimPrefix(rpc.Result, "0x"), 16, 64); err == nil {
					probe.CChainHeight = &height
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return probe, nil
}
