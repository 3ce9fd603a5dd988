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

package pod

import corev1 "k8s.io/api/core/v1"

// Snapshot is an immutable view of the last-observed pod object. Runners
// receive a fresh Snapshot on every watch update and never mutate it in
// place; a new watch event always produces a new Snapshot value.
type Snapshot struct {
	pod *corev1.Pod
}

// NewSnapshot wraps a pod object read from the cluster. The caller must not
// retain a mutable reference to obj afterwards - NewSnapshot takes a deep
// copy so later mutation by the caller cannot leak into the snapshot.
func NewSnapshot(obj *corev1.Pod) *Snapshot {
	return &Snapshot{pod: obj.DeepCopy()}
}

// Key returns the snapshot's PodKey.
func (s *Snapshot) Key() Key {
	return Key{Namespace: s.pod.Namespace, Name: s.pod.Name}
}

// UID returns the pod's cluster-assigned UID, used to key the persisted
// state layout under --data-dir.
func (s *Snapshot) UID() string {
	return string(s.pod.UID)
}

// Pod returns the wrapped pod object. Callers must treat the result as
// read-only; DeepCopy it before mutating.
func (s *Snapshot) Pod() *corev1.Pod {
	return s.pod
}

// DeletionRequested reports whether the cluster has marked this pod for
// deletion (a non-nil DeletionTimestamp).
func (s *Snapshot) DeletionRequested() bool {
	return s.pod.DeletionTimestamp != nil
}

// Containers returns the pod spec's container list.
func (s *Snapshot) Containers() []corev1.Container {
	return s.pod.Spec.Containers
}
