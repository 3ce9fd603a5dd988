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

// Package node is the C5 node controller: building the node object a
// Provider advertises to the cluster, and the create/renew/drain
// operations spec.md §4.5 names.
package node

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Config is the subset of CLI configuration the node object is built
// from: name, network identity and advertised capacity.
type Config struct {
	NodeName string
	Hostname string
	NodeIP   string
	Port     int32
	MaxPods  int64
}

// Builder accumulates a node object's mutable fields before it is
// serialized and sent to the cluster. Provider.NodeCustomize is given a
// *Builder once at startup, single-threaded, to add provider-specific
// labels/annotations/capacity before Build is called.
type Builder struct {
	name        string
	arch        string
	labels      map[string]string
	annotations map[string]string
	taints      []corev1.Taint
	addresses   []corev1.NodeAddress
	capacity    corev1.ResourceList
	daemonPort  int32
}

// NewBuilder seeds a Builder with the fields spec.md §6 fixes: name from
// config, the architecture taints from §4.5, and capacity from config.
func NewBuilder(cfg Config, arch string) *Builder {
	b := &Builder{
		name: cfg.NodeName,
		arch: arch,
		labels: map[string]string{
			"beta.kubernetes.io/arch": arch,
			"kubernetes.io/role":      "agent",
		},
		annotations: map[string]string{},
		taints: []corev1.Taint{
			{Key: "kubernetes.io/arch", Value: arch, Effect: corev1.TaintEffectNoSchedule},
			{Key: "kubernetes.io/arch", Value: arch, Effect: corev1.TaintEffectNoExecute},
		},
		capacity: corev1.ResourceList{
			corev1.ResourcePods: *resource.NewQuantity(cfg.MaxPods, resource.DecimalSI),
		},
		daemonPort: cfg.Port,
	}
	if cfg.NodeIP != "" {
		b.addresses = append(b.addresses, corev1.NodeAddress{Type: corev1.NodeInternalIP, Address: cfg.NodeIP})
	}
	if cfg.Hostname != "" {
		b.addresses = append(b.addresses, corev1.NodeAddress{Type: corev1.NodeHostName, Address: cfg.Hostname})
	}
	return b
}

// AddLabel sets an additional label on the node object, for Provider.NodeCustomize.
func (b *Builder) AddLabel(key, value string) *Builder {
	b.labels[key] = value
	return b
}

// AddAnnotation sets an additional annotation on the node object.
func (b *Builder) AddAnnotation(key, value string) *Builder {
	b.annotations[key] = value
	return b
}

// AddCapacity merges an additional advertised resource capacity, e.g. a
// provider-specific countable resource.
func (b *Builder) AddCapacity(name corev1.ResourceName, quantity resource.Quantity) *Builder {
	b.capacity[name] = quantity
	return b
}

// Build renders the accumulated fields into a node object ready to POST
// or PATCH, per spec.md §6's "Node object contents".
func (b *Builder) Build() *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:        b.name,
			Labels:      b.labels,
			Annotations: b.annotations,
		},
		Spec: corev1.NodeSpec{
			Taints: b.taints,
		},
		Status: corev1.NodeStatus{
			NodeInfo: corev1.NodeSystemInfo{
				Architecture: b.arch,
			},
			Addresses:  b.addresses,
			Capacity:   b.capacity,
			Allocatable: b.capacity,
			DaemonEndpoints: corev1.NodeDaemonEndpoints{
				KubeletEndpoint: corev1.DaemonEndpoint{Port: b.daemonPort},
			},
			Conditions: []corev1.NodeCondition{
				{
					Type:               corev1.NodeReady,
					Status:             corev1.ConditionTrue,
					Reason:             "KubeletReady",
					Message:            "node agent is ready",
					LastHeartbeatTime:  metav1.Now(),
					LastTransitionTime: metav1.Now(),
				},
			},
		},
	}
}
