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

import "context"

// Notifier is an edge-triggered, single-slot wakeup channel. Exactly one
// signal may be pending at a time; a Signal while one is already pending
// coalesces into the same pending slot rather than queuing. Given to every
// pod's PodState as pod_changed.
type Notifier struct {
	ch chan struct{}
}

// NewNotifier returns a Notifier with no signal pending.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Signal marks the notifier as pending. Non-blocking: if a signal is
// already pending this is a no-op, by construction of the buffered channel.
func (n *Notifier) Signal() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until a signal is pending, draining it, or ctx is done.
// Callers that are about to wait and must not miss a signal produced just
// before the wait began should call Drain first and only Wait if it
// reported nothing pending - see the Notifier doc on coalescing signals.
func (n *Notifier) Wait(ctx context.Context) error {
	select {
	case <-n.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain consumes a pending signal if one exists, reporting whether it did.
// States must call this before waiting, so a signal raised between the
// state's last read and the call to Wait is not missed.
func (n *Notifier) Drain() bool {
	select {
	case <-n.ch:
		return true
	default:
		return false
	}
}
