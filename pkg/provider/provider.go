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

// Package provider declares the C7 contract: what a state-machine plugin
// must supply. The core (pkg/state, pkg/runner, pkg/queue, pkg/watch,
// pkg/node, pkg/supervisor) depends only on this package, never on a
// concrete provider such as pkg/provider/stackable.
package provider

import (
	"context"
	"io"

	"github.com/soenkeliebau/stackable-krustlet/pkg/node"
	"github.com/soenkeliebau/stackable-krustlet/pkg/pod"
	"github.com/soenkeliebau/stackable-krustlet/pkg/state"
)

// PodState is the per-pod, Provider-owned mutable bag: handles, backoff
// counters, resolved packages. Created once when a runner starts;
// AsyncDrop runs exactly once when the runner exits, and must be
// idempotent and complete in bounded time - no unbounded waits on
// external systems.
type PodState interface {
	AsyncDrop(ctx context.Context)
}

// Provider is the pluggable implementer of workload-specific logic for pod
// state type PS. It is held by many runner goroutines concurrently and
// must be treated as immutable shared state; any internal mutation must go
// through its own synchronization.
type Provider[PS PodState] interface {
	// Arch is the constant architecture string used in node registration
	// labels and the scheduling taint (spec.md §4.5/§6).
	Arch() string

	// InitialState returns a fresh instance of the state a new pod
	// starts its run in.
	InitialState() state.State[PS]

	// TerminatedState returns a fresh instance of the state a runner is
	// redirected to once termination has been requested, per spec.md
	// §4.2 step 5's "graceful redirect".
	TerminatedState() state.State[PS]

	// NodeCustomize is called once at startup, single-threaded, before
	// the node object is serialized and sent to the cluster.
	NodeCustomize(b *node.Builder)

	// InitializePodState may perform I/O and may fail; failure aborts
	// runner startup and is reported as a terminal pod status.
	InitializePodState(ctx context.Context, snapshot *pod.Snapshot, changed *pod.Notifier) (*PS, error)

	// Logs may be invoked concurrently with the pod's runner; providers
	// must make this side effect safe.
	Logs(ctx context.Context, namespace, podName, container string, w io.Writer) error
}
