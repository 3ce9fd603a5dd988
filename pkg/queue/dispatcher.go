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

package queue

import (
	"context"
	"sync"

	"github.com/soenkeliebau/stackable-krustlet/pkg/logger"
	"github.com/soenkeliebau/stackable-krustlet/pkg/pod"
)

// RunnerFunc drives one pod to completion. It is called in its own
// goroutine by the dispatcher with the pod's dedicated event queue; it
// must return once events stops yielding values (the queue was closed) or
// the pod reaches a terminal state. initial is the snapshot that caused
// the runner to be spawned.
type RunnerFunc func(ctx context.Context, key pod.Key, initial *pod.Snapshot, events <-chan pod.Event)

// Dispatcher is the C3 pod queue: PodKey -> single-consumer event queue,
// with at most one live runner per key at any moment.
type Dispatcher struct {
	mu       sync.Mutex
	entries  map[pod.Key]*dispatchEntry
	capacity int
	runner   RunnerFunc
	log      logger.Logger
}

type dispatchEntry struct {
	queue  *podQueue
	ch     chan pod.Event
	cancel context.CancelFunc
}

// NewDispatcher returns a Dispatcher that spawns runner for the first
// Applied event seen for each pod key.
func NewDispatcher(runner RunnerFunc, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		entries:  map[pod.Key]*dispatchEntry{},
		capacity: DefaultCapacity,
		runner:   runner,
		log:      log,
	}
}

// Len reports the number of pods with a live runner, for tests asserting
// the at-most-one-runner-per-key invariant.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Enqueue routes a single Applied/Deleted event to its pod's queue,
// spawning a runner lazily on the first Applied for a key. A Restarted
// event is handed to Resync with its list.
func (d *Dispatcher) Enqueue(ctx context.Context, ev pod.Event) {
	if ev.Kind == pod.Restarted {
		d.Resync(ctx, ev.List)
		return
	}

	key := ev.Pod.Key()

	d.mu.Lock()
	entry, exists := d.entries[key]
	if !exists {
		if ev.Kind == pod.Deleted {
			// Nothing to delete; no runner was ever started for this key.
			d.mu.Unlock()
			return
		}
		entry = d.startLocked(ctx, key, ev.Pod)
	}
	d.mu.Unlock()

	entry.queue.push(ev)
}

// startLocked creates a queue+channel bridge and spawns the runner
// goroutine for key. Caller must hold d.mu.
func (d *Dispatcher) startLocked(ctx context.Context, key pod.Key, initial *pod.Snapshot) *dispatchEntry {
	runnerCtx, cancel := context.WithCancel(ctx)
	q := newPodQueue(d.capacity)
	ch := make(chan pod.Event)
	entry := &dispatchEntry{queue: q, ch: ch, cancel: cancel}
	d.entries[key] = entry

	go d.bridge(runnerCtx, q, ch)
	go d.runPod(runnerCtx, key, initial, entry, ch)

	return entry
}

// bridge drains the bounded podQueue into a plain channel, which is the
// shape RunnerFunc consumes; this keeps the drop-oldest-except-Deleted
// policy internal to podQueue while giving runners an ordinary <-chan.
func (d *Dispatcher) bridge(ctx context.Context, q *podQueue, ch chan<- pod.Event) {
	defer close(ch)
	for {
		ev, ok := q.pop(ctx)
		if !ok {
			return
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// runPod invokes the configured RunnerFunc and removes the dispatcher
// entry on completion, using compare-and-remove so a racing re-add (a
// fresh Applied arriving just as this runner finishes) is never lost.
func (d *Dispatcher) runPod(ctx context.Context, key pod.Key, initial *pod.Snapshot, mine *dispatchEntry, ch <-chan pod.Event) {
	defer mine.cancel()
	d.runner(ctx, key, initial, ch)

	d.mu.Lock()
	if current, ok := d.entries[key]; ok && current == mine {
		delete(d.entries, key)
	}
	d.mu.Unlock()
}

// Resync reconciles the known pod set against list, the authoritative
// live set a Restarted event carries. Pods in list not yet known are
// started; known pods absent from list are synthesized a Deleted event
// and shut down. Pods present in both continue uninterrupted.
func (d *Dispatcher) Resync(ctx context.Context, list []*pod.Snapshot) {
	live := make(map[pod.Key]*pod.Snapshot, len(list))
	for _, s := range list {
		live[s.Key()] = s
	}

	d.mu.Lock()
	var toStart []*pod.Snapshot
	var toDelete []*dispatchEntry
	for key, snap := range live {
		if _, ok := d.entries[key]; !ok {
			toStart = append(toStart, snap)
		}
	}
	for key, entry := range d.entries {
		if _, ok := live[key]; !ok {
			toDelete = append(toDelete, entry)
		}
	}
	for _, snap := range toStart {
		d.startLocked(ctx, snap.Key(), snap)
	}
	d.mu.Unlock()

	for _, snap := range toStart {
		d.Enqueue(ctx, pod.NewApplied(snap))
	}
	for _, entry := range toDelete {
		entry.queue.push(pod.Event{Kind: pod.Deleted})
	}
}

// Shutdown closes every pod's queue so no further Applied events are
// accepted; in-flight runners observe their channel closing and must
// reach a terminal state on their own (driven by the shared shutdown
// flag, not by this call).
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, entry := range d.entries {
		entry.queue.close()
	}
}
