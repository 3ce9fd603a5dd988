// Copyright 2023 Greptime Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kube wraps the typed client-go clientsets the node agent needs:
// node lifecycle, lease renewal, pod watch/status-patch and CRD-presence
// checks. Unlike the teacher's generic-manifest client this package never
// touches unstructured objects - every caller in this repo knows its types
// up front, so the dynamic and discovery clients (and the cli-runtime
// builder they supported) have no job left to do.
package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	apiextensionsclientset "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	coordinationv1 "k8s.io/api/coordination/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// Client bundles the typed clientsets the node agent talks to the cluster
// with. It never touches unstructured objects: every caller already knows
// the concrete type of what it is creating, patching or watching.
type Client struct {
	kubeClient kubernetes.Interface
	crdClient  apiextensionsclientset.Interface
}

// NewClient builds a Client from a kubeconfig path. When kubeconfig is
// empty it uses the in-cluster configuration if one is available and
// otherwise falls back to $HOME/.kube/config, as the teacher's NewClient
// resolved its kubeconfig.
func NewClient(kubeconfig string) (*Client, error) {
	config, err := buildRestConfig(kubeconfig)
	if err != nil {
		return nil, err
	}

	kubeClient, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes client: %w", err)
	}

	crdClient, err := apiextensionsclientset.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("build apiextensions client: %w", err)
	}

	return &Client{kubeClient: kubeClient, crdClient: crdClient}, nil
}

// NewClientFromConfig wraps an already-built rest.Config, used by tests and
// by in-cluster deployments that assemble their own config.
func NewClientFromConfig(config *rest.Config) (*Client, error) {
	kubeClient, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes client: %w", err)
	}

	crdClient, err := apiextensionsclientset.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("build apiextensions client: %w", err)
	}

	return &Client{kubeClient: kubeClient, crdClient: crdClient}, nil
}

func buildRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if config, err := rest.InClusterConfig(); err == nil {
			return config, nil
		}
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		} else {
			return nil, fmt.Errorf("kubeconfig not found")
		}
	}

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig %q: %w", kubeconfig, err)
	}
	return config, nil
}

// NewClientForTesting wraps an already-constructed kubernetes.Interface
// (typically k8s.io/client-go/kubernetes/fake) for use by other packages'
// tests; the CRD client is left nil since fakes for it are rarely needed
// outside pkg/kube itself.
func NewClientForTesting(kubeClient kubernetes.Interface) *Client {
	return &Client{kubeClient: kubeClient}
}

// NewClientForTestingWithCRDs is NewClientForTesting plus a fake
// apiextensions clientset, for tests (e.g. pkg/provider/stackable's) that
// exercise CRDExists.
func NewClientForTestingWithCRDs(kubeClient kubernetes.Interface, crdClient apiextensionsclientset.Interface) *Client {
	return &Client{kubeClient: kubeClient, crdClient: crdClient}
}

// Interface returns the underlying kubernetes.Interface, for callers
// (pkg/watch, pkg/runner) that need raw access to a resource's typed
// client rather than the curried helpers below.
func (c *Client) Interface() kubernetes.Interface {
	return c.kubeClient
}

// CreateOrPatchNode creates the node object, or, if one with this name
// already exists, merge-patches its mutable fields (labels, taints,
// capacity, node info) in place - spec.md's "create(provider, config)"
// node-create-or-patch operation.
func (c *Client) CreateOrPatchNode(ctx context.Context, node *corev1.Node) error {
	_, err := c.kubeClient.CoreV1().Nodes().Create(ctx, node, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create node %q: %w", node.Name, err)
	}

	patch, err := json.Marshal(map[string]interface{}{
		"metadata": map[string]interface{}{
			"labels": node.Labels,
		},
		"spec": map[string]interface{}{
			"taints": node.Spec.Taints,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal node patch for %q: %w", node.Name, err)
	}

	if _, err := c.kubeClient.CoreV1().Nodes().Patch(ctx, node.Name, types.MergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return fmt.Errorf("patch node %q: %w", node.Name, err)
	}

	statusPatch, err := json.Marshal(map[string]interface{}{
		"status": node.Status,
	})
	if err != nil {
		return fmt.Errorf("marshal node status patch for %q: %w", node.Name, err)
	}
	if _, err := c.kubeClient.CoreV1().Nodes().Patch(ctx, node.Name, types.MergePatchType, statusPatch, metav1.PatchOptions{}, "status"); err != nil {
		return fmt.Errorf("patch node status for %q: %w", node.Name, err)
	}
	return nil
}

// SetNodeReady patches the node's Ready condition, used by renew (True)
// and drain (False, reason NodeShutdown).
func (c *Client) SetNodeReady(ctx context.Context, nodeName string, ready bool, reason, message string) error {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}

	now := metav1.Now()
	condition := corev1.NodeCondition{
		Type:               corev1.NodeReady,
		Status:             status,
		Reason:             reason,
		Message:            message,
		LastHeartbeatTime:  now,
		LastTransitionTime: now,
	}

	patch, err := json.Marshal(map[string]interface{}{
		"status": map[string]interface{}{
			"conditions": []corev1.NodeCondition{condition},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal node status patch for %q: %w", nodeName, err)
	}

	_, err = c.kubeClient.CoreV1().Nodes().Patch(ctx, nodeName, types.MergePatchType, patch, metav1.PatchOptions{}, "status")
	if err != nil {
		return fmt.Errorf("patch node status for %q: %w", nodeName, err)
	}
	return nil
}

// MarkNodeUnschedulable sets .spec.unschedulable, the first step of drain.
func (c *Client) MarkNodeUnschedulable(ctx context.Context, nodeName string, unschedulable bool) error {
	patch, err := json.Marshal(map[string]interface{}{
		"spec": map[string]interface{}{
			"unschedulable": unschedulable,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal unschedulable patch for %q: %w", nodeName, err)
	}

	if _, err := c.kubeClient.CoreV1().Nodes().Patch(ctx, nodeName, types.MergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return fmt.Errorf("patch node unschedulable for %q: %w", nodeName, err)
	}
	return nil
}

// RenewLease creates the node's Lease object on first call and thereafter
// bumps RenewTime, the cluster-side heartbeat spec.md's renew() relies on.
func (c *Client) RenewLease(ctx context.Context, nodeName string, leaseDurationSeconds int32) error {
	leases := c.kubeClient.CoordinationV1().Leases(corev1.NamespaceNodeLease)
	now := metav1.NowMicro()

	existing, err := leases.Get(ctx, nodeName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		holder := nodeName
		lease := &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{Name: nodeName},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:       &holder,
				LeaseDurationSeconds: &leaseDurationSeconds,
				RenewTime:            &now,
			},
		}
		if _, err := leases.Create(ctx, lease, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create lease %q: %w", nodeName, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get lease %q: %w", nodeName, err)
	}

	existing.Spec.RenewTime = &now
	existing.Spec.LeaseDurationSeconds = &leaseDurationSeconds
	if _, err := leases.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("renew lease %q: %w", nodeName, err)
	}
	return nil
}

// ListPodsForNode lists every pod scheduled to nodeName, used for the
// watch adapter's reconcile-after-Restarted diff.
func (c *Client) ListPodsForNode(ctx context.Context, nodeName string) (*corev1.PodList, error) {
	return c.kubeClient.CoreV1().Pods(corev1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", nodeName).String(),
	})
}

// WatchPodsForNode opens a watch restricted to nodeName via the same field
// selector as ListPodsForNode, resuming from resourceVersion when non-empty.
func (c *Client) WatchPodsForNode(ctx context.Context, nodeName, resourceVersion string) (watch.Interface, error) {
	return c.kubeClient.CoreV1().Pods(corev1.NamespaceAll).Watch(ctx, metav1.ListOptions{
		FieldSelector:   fields.OneTermEqualSelector("spec.nodeName", nodeName).String(),
		ResourceVersion: resourceVersion,
		Watch:           true,
	})
}

// PatchPodStatus merge-patches a pod's status subresource, used by the
// runner to report phase/container-status transitions.
func (c *Client) PatchPodStatus(ctx context.Context, namespace, name string, patch []byte) error {
	_, err := c.kubeClient.CoreV1().Pods(namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{}, "status")
	if err != nil {
		return fmt.Errorf("patch pod status %s/%s: %w", namespace, name, err)
	}
	return nil
}

// DeletePod forwards a pod deletion, e.g. after a runner observes its
// container process exit and the pod's deletion timestamp is already set.
func (c *Client) DeletePod(ctx context.Context, namespace, name string, gracePeriodSeconds int64) error {
	err := c.kubeClient.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &gracePeriodSeconds,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s/%s: %w", namespace, name, err)
	}
	return nil
}

// CRDExists reports whether the named CustomResourceDefinition is
// registered with the cluster, used by providers (e.g. pkg/provider/stackable)
// for a startup Misconfiguration check.
func (c *Client) CRDExists(ctx context.Context, name string) (bool, error) {
	_, err := c.crdClient.ApiextensionsV1().CustomResourceDefinitions().Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get crd %q: %w", name, err)
	}
	return true, nil
}
