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

// Package queue is the C3 per-pod dispatcher: it maps pod identity to a
// single-consumer event queue, guarantees at-most-one runner per pod, and
// implements the Restarted-driven resync spec.md §4.3 describes.
package queue

import (
	"container/list"
	"context"
	"sync"

	"github.com/soenkeliebau/stackable-krustlet/pkg/pod"
)

// DefaultCapacity is the bound spec.md §4.3 calls "typical" for a per-pod
// event buffer.
const DefaultCapacity = 16

// podQueue is a bounded, single-pod event buffer with the overflow policy
// spec.md §4.3 requires: on overflow the oldest unread event is dropped,
// except that a Deleted event is never dropped and always has room made
// for it.
type podQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	buf      *list.List
	capacity int
	closed   bool
}

func newPodQueue(capacity int) *podQueue {
	q := &podQueue{buf: list.New(), capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// push enqueues ev, applying the drop-oldest-except-Deleted policy if the
// queue is already at capacity.
func (q *podQueue) push(ev pod.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	if q.buf.Len() >= q.capacity && !q.dropOneLocked() && ev.Kind != pod.Deleted {
		// Every pending event is a Deleted, so the incoming event is the
		// one dropped.
		return
	}
	q.buf.PushBack(ev)
	q.notEmpty.Signal()
}

// dropOneLocked removes the oldest pending event that is not a Deleted to
// make room, reporting whether it removed one. It never removes a pending
// Deleted event: when every pending event is a Deleted it removes nothing,
// push then discards an incoming non-Deleted event, and an incoming
// Deleted is queued beyond capacity.
func (q *podQueue) dropOneLocked() bool {
	for e := q.buf.Front(); e != nil; e = e.Next() {
		if e.Value.(pod.Event).Kind != pod.Deleted {
			q.buf.Remove(e)
			return true
		}
	}
	return false
}

// pop blocks until an event is available, the queue is closed, or ctx is
// done. ok is false once the queue is closed and drained.
func (q *podQueue) pop(ctx context.Context) (ev pod.Event, ok bool) {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		close(done)
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.buf.Len() == 0 && !q.closed {
		select {
		case <-done:
			return pod.Event{}, false
		default:
		}
		q.notEmpty.Wait()
	}
	if q.buf.Len() == 0 {
		return pod.Event{}, false
	}
	front := q.buf.Front()
	q.buf.Remove(front)
	return front.Value.(pod.Event), true
}

// close marks the queue closed; pending pop calls return ok=false once
// drained.
func (q *podQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}
