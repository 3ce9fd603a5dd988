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

// Package runner is the C2 pod runner: it owns one pod for the lifetime of
// its dispatcher-assigned goroutine, builds the Provider's PodState and
// initial state, drives the C1 kernel against them, and tears the pod down
// on exit. It is the bridge between the untyped queue.RunnerFunc the
// dispatcher (C3) calls and the generic, PS-typed pkg/state kernel.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soenkeliebau/stackable-krustlet/pkg/kube"
	"github.com/soenkeliebau/stackable-krustlet/pkg/logger"
	"github.com/soenkeliebau/stackable-krustlet/pkg/pod"
	"github.com/soenkeliebau/stackable-krustlet/pkg/provider"
	"github.com/soenkeliebau/stackable-krustlet/pkg/queue"
	"github.com/soenkeliebau/stackable-krustlet/pkg/state"
)

// DefaultDrainGrace bounds how long a runner waits for PodState.AsyncDrop
// before tearing down regardless, per spec.md §4.9's 30s default.
const DefaultDrainGrace = 30 * time.Second

// New builds a queue.RunnerFunc that drives prov's state machine for every
// pod the dispatcher assigns it. client is used to publish pod.status;
// shutdown is the process-wide monotonic flag the supervisor owns. A zero
// drainGrace uses DefaultDrainGrace.
func New[PS provider.PodState](prov provider.Provider[PS], client *kube.Client, shutdown *atomic.Bool, log logger.Logger, drainGrace time.Duration) queue.RunnerFunc {
	if drainGrace <= 0 {
		drainGrace = DefaultDrainGrace
	}
	return func(ctx context.Context, key pod.Key, initial *pod.Snapshot, events <-chan pod.Event) {
		run(ctx, key, initial, events, prov, client, shutdown, log, drainGrace)
	}
}

func run[PS provider.PodState](
	ctx context.Context,
	key pod.Key,
	initial *pod.Snapshot,
	events <-chan pod.Event,
	prov provider.Provider[PS],
	client *kube.Client,
	shutdown *atomic.Bool,
	log logger.Logger,
	drainGrace time.Duration,
) {
	notifier := pod.NewNotifier()

	ps, err := prov.InitializePodState(ctx, initial, notifier)
	if err != nil {
		log.Errorf("runner %s: initialize pod state: %v", key, err)
		return
	}

	snapshots := newLatestSnapshot(initial)
	var terminationRequested atomic.Bool

	intakeCtx, cancelIntake := context.WithCancel(ctx)
	defer cancelIntake()
	go intake(intakeCtx, events, snapshots, notifier, &terminationRequested)

	publisher := newStatusPublisher(client, key, log)

	// Termination is requested either by a Deleted event for this pod or
	// by the shared shutdown flag - read both here rather than inside
	// intake, since intake stops running once its events channel closes
	// and must not be the only thing standing between the shutdown flag
	// and the kernel noticing it.
	opts := state.RunOptions[PS]{
		TerminationRequested: func() bool {
			return terminationRequested.Load() || shutdown.Load()
		},
		TerminatedState: prov.TerminatedState,
	}
	if err := state.Run[PS](ctx, prov.InitialState(), ps, snapshots, publisher.publish, opts); err != nil {
		log.Errorf("runner %s: %v", key, err)
	}

	awaitAsyncDrop(ps, drainGrace, log, key)
}

// intake applies events to the latest-snapshot slot and signals notifier
// on every change. The shared shutdown flag is not observed here: it is
// read directly by the termination check in run, since intake exits once
// its events channel closes and must not be the sole path by which the
// kernel learns the node is draining.
func intake(
	ctx context.Context,
	events <-chan pod.Event,
	snapshots *latestSnapshot,
	notifier *pod.Notifier,
	terminationRequested *atomic.Bool,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case pod.Applied:
				snapshots.set(ev.Pod)
			case pod.Deleted:
				terminationRequested.Store(true)
				if ev.Pod != nil {
					snapshots.set(ev.Pod)
				}
			}
			notifier.Signal()
		}
	}
}

// latestSnapshot is the state.SnapshotSource the kernel reads from: the
// most recently observed pod snapshot, coalescing any updates the intake
// loop has not yet been asked for.
type latestSnapshot struct {
	mu      sync.Mutex
	current *pod.Snapshot
}

func newLatestSnapshot(initial *pod.Snapshot) *latestSnapshot {
	return &latestSnapshot{current: initial}
}

func (s *latestSnapshot) set(snap *pod.Snapshot) {
	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()
}

func (s *latestSnapshot) Latest(ctx context.Context) (*pod.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

var _ state.SnapshotSource = (*latestSnapshot)(nil)

// statusPublisher PATCHes a pod's status sub-resource, rate-limited to one
// publish per distinct status payload - spec.md §4.2 step 3's "at most one
// publish per state change and per external pod-changed edge", since a
// state that re-reports the same status on every pod-changed wakeup would
// otherwise PATCH the cluster on every edge regardless of whether
// anything actually changed.
type statusPublisher struct {
	client *kube.Client
	key    pod.Key
	log    logger.Logger

	mu   sync.Mutex
	last []byte
}

func newStatusPublisher(client *kube.Client, key pod.Key, log logger.Logger) *statusPublisher {
	return &statusPublisher{client: client, key: key, log: log}
}

func (p *statusPublisher) publish(status json.RawMessage) error {
	p.mu.Lock()
	if bytes.Equal(p.last, status) {
		p.mu.Unlock()
		return nil
	}
	p.last = append([]byte(nil), status...)
	p.mu.Unlock()

	patch, err := json.Marshal(map[string]json.RawMessage{"status": status})
	if err != nil {
		return fmt.Errorf("marshal status patch for %s: %w", p.key, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.PatchPodStatus(ctx, p.key.Namespace, p.key.Name, patch); err != nil {
		p.log.Warnf("runner %s: publish status: %v", p.key, err)
		return nil
	}
	return nil
}

// awaitAsyncDrop waits for ps's AsyncDrop hook, bounded by grace
// regardless of whether AsyncDrop itself respects its context - a
// misbehaving Provider must never hang the dispatcher's cleanup forever.
func awaitAsyncDrop[PS provider.PodState](ps *PS, grace time.Duration, log logger.Logger, key pod.Key) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		(*ps).AsyncDrop(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warnf("runner %s: AsyncDrop did not complete within %s grace period", key, grace)
	}
}
