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

package helm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// podList mirrors the fields we read from `kubectl get pods -o json`.
type podList struct {
	Items []struct {
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
		Spec struct {
			NodeName string `json:"nodeName"`
		} `json:"spec"`
		Status struct {
			Phase string `json:"phase"`
			PodIP string `json:"podIP"`
			Conditions []struct {
				Type   string `json:"type"`
				Status string `json:"status"`
			} `json:"conditions"`
			ContainerStatuses []struct {
				RestartCount int `json:"restartCount"`
			} `json:"containerStatuses"`
		} `json:"status"`
	} `json:"items"`
}

// GetPods lists pods in a namespace, optionally filtered by a label selector.
// A pod is ready when it carries a Ready=True condition.
func (d *Deployer) GetPods(ctx context.Context, namespace, labelSelector string) ([]Pod, error) {
	args := []string{"get", "pods", "-n", namespace, "-o", "json"}
	if labelSelector != "" {
		args = append(args, "-l", labelSelector)
	}
	out, err := d.run(ctx, 0, "kubectl", d.kubectlArgs(args...)...)
	if err != nil {
		return nil, err
	}

	var list podList
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, fmt.Errorf("failed to parse pod list: %w", err)
	}

	pods := make([]Pod, 0, len(list.Items))
	for _, item := range list.Items {
		ready := false
		for _, c := range item.Status.Conditions {
			if c.Type == "Ready" && c.Status == "True" {
				ready = true
				break
			}
		}
		restarts := 0
		for _, cs := range item.Status.ContainerStatuses {
			restarts += cs.RestartCount
		}
		pods = append(pods, Pod{
			Name:     item.Metadata.Name,
			Ready:    ready,
			Status:   item.Status.Phase,
			Restarts: restarts,
			Node:     item.Spec.NodeName,
			IP:       item.Status.PodIP,
		})
	}
	return pods, nil
}

// GetServices lists services in a namespace. External IPs come from the
// load balancer ingress entries (ip or hostname).
func (d *Deployer) GetServices(ctx context.Context, namespace string) ([]Service, error) {
	out, err := d.run(ctx, 0, "kubectl", d.kubectlArgs("get", "services", "-n", namespace, "-o", "json")...)
	if err != nil {
		return nil, err
	}

	var list struct {
		Items []struct {
			Metadata struct {
				Name string `json:"name"`
			} `json:"metadata"`
			Spec struct {
				Type      string `json:"type"`
				ClusterIP string `json:"clusterIP"`
				Ports     []struct {
					Name       string          `json:"name"`
					Port       int             `json:"port"`
					TargetPort json.RawMessage `json:"targetPort"`
					NodePort   int             `json:"nodePort"`
				} `json:"ports"`
			} `json:"spec"`
			Status struct {
				LoadBalancer struct {
					Ingress []struct {
						IP       string `json:"ip"`
						Hostname string `json:"hostname"`
					} `json:"ingress"`
				} `json:"loadBalancer"`
			} `json:"status"`
		} `json:"items"`
	}
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, fmt.Errorf("failed to parse service list: %w", err)
	}

	services := make([]Service, 0, len(list.Items))
	for _, item := range list.Items {
		svc := Service{
			Name:      item.Metadata.Name,
			Type:      item.Spec.Type,
			ClusterIP: item.Spec.ClusterIP,
		}
		for _, ing := range item.Status.LoadBalancer.Ingress {
			if ing.IP != "" {
				svc.ExternalIPs = append(svc.ExternalIPs, ing.IP)
			} else if ing.Hostname != "" {
				svc.ExternalIPs = append(svc.ExternalIPs, ing.Hostname)
			}
		}
		for _, p := range item.Spec.Ports {
			svc.Ports = append(svc.Ports, ServicePort{
				Name:       p.Name,
				Port:       p.Port,
				TargetPort: string(p.TargetPort),
				NodePort:   p.NodePort,
			})
		}
		services = append(services, svc)
	}
	return services, nil
}

// StatefulSet is a condensed view of one StatefulSet from kubectl output.
type StatefulSet struct {
	Name          string `json:"name"`
	Replicas      int    `json:"replicas"`
	ReadyReplicas int    `json:"ready_replicas"`
}

// GetStatefulSets lists statefulsets in a namespace.
func (d *Deployer) GetStatefulSets(ctx context.Context, namespace string) ([]StatefulSet, error) {
	out, err := d.run(ctx, 0, "kubectl", d.kubectlArgs("get", "statefulsets", "-n", namespace, "-o", "json")...)
	if err != nil {
		return nil, err
	}

	var list struct {
		Items []struct {
			Metadata struct {
				Name string `json:"name"`
			} `json:"metadata"`
			Spec struct {
				Replicas int `json:"replicas"`
			} `json:"spec"`
			Status struct {
				ReadyReplicas int `json:"readyReplicas"`
			} `json:"status"`
		} `json:"items"`
	}
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, fmt.Errorf("failed to parse statefulset list: %w", err)
	}

	sets := make([]StatefulSet, 0, len(list.Items))
	for _, item := range list.Items {
		sets = append(sets, StatefulSet{
			Name:          item.Metadata.Name,
			Replicas:      item.Spec.Replicas,
			ReadyReplicas: item.Status.ReadyReplicas,
		})
	}
	return sets, nil
}

// GetPodLogs fetches the last tail lines of a pod's logs.
func (d *Deployer) GetPodLogs(ctx context.Context, pod, namespace string, tail int, container string) (string, error) {
	args := []string{"logs", pod, "-n", namespace, "--tail", fmt.Sprintf("%d", tail)}
	if container != "" {
		args = append(args, "-c", container)
	}
	return d.run(ctx, 0, "kubectl", d.kubectlArgs(args...)...)
}

// DeletePod deletes one pod. The owning StatefulSet recreates it.
func (d *Deployer) DeletePod(ctx context.Context, pod, namespace string) error {
	_, err := d.run(ctx, 0, "kubectl", d.kubectlArgs("delete", "pod", pod, "-n", namespace)...)
	return err
}

// ExecPod runs argv inside a pod. Pod and namespace are validated against the
// DNS-label pattern before being placed on the command line.
func (d *Deployer) ExecPod(ctx context.Context, pod, namespace string, argv []string, timeout time.Duration) (string, error) {
	if !ValidateDNSLabel(pod) {
		return "", fmt.Errorf("invalid pod name %q", pod)
	}
	if !ValidateDNSLabel(namespace) {
		return "", fmt.Errorf("invalid namespace %q", namespace)
	}
	if timeout == 0 {
		timeout = execTimeout
	}
	args := append([]string{"exec", pod, "-n", namespace, "--"}, argv...)
	return d.run(ctx, timeout, "kubectl", d.kubectlArgs(args...)...)
}

// ApplyManifest pipes a rendered manifest into `kubectl apply -f -`.
func (d *Deployer) ApplyManifest(ctx context.Context, manifest string) (string, error) {
	return d.runWithStdin(ctx, manifest, "kubectl", d.kubectlArgs("apply", "-f", "-")...)
}

// DeleteResource deletes a named resource, tolerating absence.
func (d *Deployer) DeleteResource(ctx context.Context, kind, name, namespace string) error {
	args := []string{"delete", kind, name, "--ignore-not-found"}
	if namespace != "" {
		args = append(args, "-n", namespace)
	}
	_, err := d.run(ctx, 0, "kubectl", d.kubectlArgs(args...)...)
	return err
}

// ScaleDeployment sets the replica count of a deployment.
func (d *Deployer) ScaleDeployment(ctx context.Context, name, namespace string, replicas int) error {
	_, err := d.run(ctx, 0, "kubectl", d.kubectlArgs(
		"scale", "deployment", name, "-n", namespace, fmt.Sprintf("--replicas=%d", replicas))...)
	return err
}
