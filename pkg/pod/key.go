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

// Package pod holds the data model shared by the watch adapter, dispatcher
// and runner: pod identity, the immutable snapshot runners observe, tagged
// watch events, and the edge-triggered per-pod change notifier.
package pod

import "fmt"

// Key identifies a pod within the cluster. It is the sole map key used to
// address a pod anywhere in the dispatcher or runner.
type Key struct {
	Namespace string
	Name      string
}

// String renders the key as "namespace/name", the form used in log lines.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Namespace, k.Name)
}
