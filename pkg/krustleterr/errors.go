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

// Package krustleterr classifies errors by where they are handled, per
// spec.md §7: Misconfiguration errors abort startup, cluster-transient
// errors are the API client's problem and never reach here, pod-scoped
// errors surface on pod.status and end the runner, and provider-invariant
// violations are programmer errors that should never occur.
package krustleterr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error by how the supervisor or runner must react.
type Kind int

const (
	// Misconfiguration is fatal at startup: bad flags, missing required
	// CRDs. The process exits before the supervisor starts.
	Misconfiguration Kind = iota
	// PodScoped errors are recorded on the pod's status and end the
	// runner; the pod remains in the cluster for operator action.
	PodScoped
	// ProviderInvariant marks a violation that should be unrepresentable
	// by construction (a state returning an undeclared target, an
	// async-drop panic). If one occurs it is logged and the runner tears
	// down; it is never retried.
	ProviderInvariant
)

func (k Kind) String() string {
	switch k {
	case Misconfiguration:
		return "Misconfiguration"
	case PodScoped:
		return "PodScoped"
	case ProviderInvariant:
		return "ProviderInvariant"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with the Kind that determines how it
// propagates. Cluster-transient and shutdown conditions are deliberately
// not represented here: spec.md §7 treats the former as the API client's
// responsibility (never surfaced to runners) and the latter as not an
// error at all.
type Error struct {
	Kind  Kind
	Cause error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, for callers that need to branch on classification.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
