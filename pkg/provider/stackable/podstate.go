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

package stackable

import (
	"context"
	"os/exec"
	"sync"

	"github.com/soenkeliebau/stackable-krustlet/pkg/backoff"
	"github.com/soenkeliebau/stackable-krustlet/pkg/config"
	"github.com/soenkeliebau/stackable-krustlet/pkg/kube"
	"github.com/soenkeliebau/stackable-krustlet/pkg/pod"
)

// PodState is this provider's per-pod mutable bag: the running process
// handle, if any, and the backoff counter a failed download advances.
type PodState struct {
	client          *kube.Client
	cfg             *config.Config
	notifier        *pod.Notifier
	repositories    []Repository
	downloadBackoff *backoff.ExponentialBackoffStrategy
	unregister      func()

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error
}

// AsyncDrop kills the running process, if any, and waits for it to be
// reaped before returning, so no orphaned process outlives its pod.
func (ps *PodState) AsyncDrop(ctx context.Context) {
	ps.mu.Lock()
	cmd, exited := ps.cmd, ps.exited
	ps.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if exited != nil {
		<-exited
	}

	if ps.unregister != nil {
		ps.unregister()
	}
}
