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

// Package state is the typed transition-graph kernel (C1): a generic
// per-pod state machine that runs a current state to completion. Illegal
// transitions are not representable once registered - Go has no
// trait-witness mechanism to enforce this at compile time, so the edge
// set is built explicitly at package-init time and checked at
// construction, exactly per Design Note 9's guidance for such languages.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/soenkeliebau/stackable-krustlet/pkg/pod"
)

// State is an opaque value implementing the state capability parameterized
// over a Provider-chosen PodState type PS.
type State[PS any] interface {
	// Next advances the state machine. It owns self by convention: callers
	// must not reuse the receiver after calling Next.
	Next(ctx context.Context, ps *PS, snapshot *pod.Snapshot) Transition[PS]
	// Status renders the state's current view of the pod for publishing.
	Status(ps *PS, snapshot *pod.Snapshot) (json.RawMessage, error)
}

type transitionKind int

const (
	kindNext transitionKind = iota
	kindCompleteOk
	kindCompleteErr
)

// Transition is the result of a call to Next: either a move to a declared
// successor state, or a terminal completion (ok or error).
type Transition[PS any] struct {
	kind transitionKind
	next State[PS]
	err  error
}

// IsNext reports whether this transition moves to another state.
func (t Transition[PS]) IsNext() bool { return t.kind == kindNext }

// IsComplete reports whether this transition ends the run, successfully or not.
func (t Transition[PS]) IsComplete() bool { return t.kind != kindNext }

// Err returns the terminal error, if any; nil for IsNext and for a
// successful completion.
func (t Transition[PS]) Err() error { return t.err }

// NextState builds a Transition moving from `from` to `to`. It panics if
// `to`'s concrete type was never declared a legal successor of `from`'s
// concrete type via RegisterEdges - a construction-time failure, the Go
// equivalent of the source language's compile-time witness check.
func NextState[PS any](from State[PS], to State[PS]) Transition[PS] {
	if !isLegalEdge(from, to) {
		panic(fmt.Sprintf("state: illegal transition %s -> %s: not registered via RegisterEdges",
			typeName(from), typeName(to)))
	}
	return Transition[PS]{kind: kindNext, next: to}
}

// Complete builds a terminal Transition. err == nil means success.
func Complete[PS any](err error) Transition[PS] {
	if err != nil {
		return Transition[PS]{kind: kindCompleteErr, err: err}
	}
	return Transition[PS]{kind: kindCompleteOk}
}

var (
	edgesMu sync.RWMutex
	edges   = map[reflect.Type]map[reflect.Type]bool{}
)

// RegisterEdges declares that `from`'s concrete type may transition to each
// of `to`'s concrete types. Called from a state package's init(); the
// state values passed in are used only for their dynamic type, never
// invoked. Registration is cumulative: repeated calls for the same `from`
// type add edges rather than replacing the set.
func RegisterEdges[PS any](from State[PS], to ...State[PS]) {
	edgesMu.Lock()
	defer edgesMu.Unlock()

	fromType := reflect.TypeOf(from)
	set, ok := edges[fromType]
	if !ok {
		set = map[reflect.Type]bool{}
		edges[fromType] = set
	}
	for _, t := range to {
		set[reflect.TypeOf(t)] = true
	}
}

func isLegalEdge[PS any](from, to State[PS]) bool {
	edgesMu.RLock()
	defer edgesMu.RUnlock()

	set, ok := edges[reflect.TypeOf(from)]
	if !ok {
		return false
	}
	return set[reflect.TypeOf(to)]
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "<nil>"
	}
	return t.String()
}

// Publisher emits a state's rendered status to the cluster. The runner
// supplies an implementation that rate-limits and PATCHes pod.status;
// the kernel itself performs no I/O.
type Publisher func(status json.RawMessage) error

// SnapshotSource yields the latest available pod snapshot, coalescing
// multiple pending updates into the most recent one. The runner's event
// intake loop is the only writer; Run is the only reader.
type SnapshotSource interface {
	Latest(ctx context.Context) (*pod.Snapshot, error)
}

// RunOptions carries the kernel-level termination redirect spec.md §4.2
// step 5 describes: once TerminationRequested reports true, the next
// state is forced to whatever TerminatedState returns, unless the state
// the Provider chose already is one. Both may be left nil, in which case
// Run never redirects - used by callers (tests, and any future driver
// without termination semantics) that don't need it.
type RunOptions[PS any] struct {
	TerminationRequested func() bool
	TerminatedState      func() State[PS]
}

// Run drives `initial` to completion against `ps`, publishing status after
// every transition and before every Next call, per spec.md §4.1. It
// performs no I/O of its own beyond calling `snapshots.Latest` and
// `publish`; all domain I/O lives inside state implementations.
func Run[PS any](ctx context.Context, initial State[PS], ps *PS, snapshots SnapshotSource, publish Publisher, opts RunOptions[PS]) error {
	current := initial

	for {
		snap, err := snapshots.Latest(ctx)
		if err != nil {
			return err
		}

		status, err := current.Status(ps, snap)
		if err != nil {
			return fmt.Errorf("render status for %s: %w", typeName(current), err)
		}
		if err := publish(status); err != nil {
			return fmt.Errorf("publish status for %s: %w", typeName(current), err)
		}

		transition := current.Next(ctx, ps, snap)
		switch {
		case transition.IsNext():
			current = redirectIfTerminating(transition.next, opts)
		case transition.Err() != nil:
			return transition.Err()
		default:
			return nil
		}
	}
}

// redirectIfTerminating applies the graceful-redirect policy: once
// termination has been requested, every transition target other than the
// terminated state itself is overridden. This bypasses the declared-edge
// registry deliberately - it is a kernel invariant, not a Provider-declared
// transition.
func redirectIfTerminating[PS any](next State[PS], opts RunOptions[PS]) State[PS] {
	if opts.TerminationRequested == nil || opts.TerminatedState == nil || !opts.TerminationRequested() {
		return next
	}
	terminated := opts.TerminatedState()
	if typeName(next) == typeName(terminated) {
		return next
	}
	return terminated
}
