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
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/soenkeliebau/stackable-krustlet/pkg/backoff"
	"github.com/soenkeliebau/stackable-krustlet/pkg/config"
	"github.com/soenkeliebau/stackable-krustlet/pkg/kube"
	"github.com/soenkeliebau/stackable-krustlet/pkg/krustleterr"
	"github.com/soenkeliebau/stackable-krustlet/pkg/logger"
	"github.com/soenkeliebau/stackable-krustlet/pkg/node"
	"github.com/soenkeliebau/stackable-krustlet/pkg/pod"
	"github.com/soenkeliebau/stackable-krustlet/pkg/provider"
	"github.com/soenkeliebau/stackable-krustlet/pkg/state"
)

// Arch is the architecture string this provider advertises in node labels
// and scheduling taints.
const Arch = "stackable-linux"

// RequiredCRDs are the CustomResourceDefinitions the cluster must already
// have registered before this provider will start; their absence is a
// Misconfiguration, checked once at New.
var RequiredCRDs = []string{"repositories.stable.stackable.de"}

// Provider runs a pod's single container as a natively-installed product
// release. It is held by many runner goroutines concurrently (per
// provider.Provider's contract); podUIDs is its only mutable field and is
// guarded by mu accordingly.
type Provider struct {
	client       *kube.Client
	cfg          *config.Config
	repositories []Repository
	log          logger.Logger

	mu      sync.RWMutex
	podUIDs map[pod.Key]string
}

var _ provider.Provider[PodState] = (*Provider)(nil)

// New checks that every RequiredCRDs entry is registered with the cluster
// and, if so, returns a Provider backed by repositories.
func New(ctx context.Context, client *kube.Client, cfg *config.Config, repositories []Repository, log logger.Logger) (*Provider, error) {
	var missing []string
	for _, crd := range RequiredCRDs {
		ok, err := client.CRDExists(ctx, crd)
		if err != nil {
			return nil, fmt.Errorf("stackable: check crd %s: %w", crd, err)
		}
		if !ok {
			missing = append(missing, crd)
		}
	}
	if len(missing) > 0 {
		return nil, krustleterr.New(krustleterr.Misconfiguration, "stackable: required CRDs not registered: %v", missing)
	}

	return &Provider{
		client:       client,
		cfg:          cfg,
		repositories: repositories,
		log:          log,
		podUIDs:      map[pod.Key]string{},
	}, nil
}

func (p *Provider) Arch() string { return Arch }

func (p *Provider) InitialState() state.State[PodState] { return downloadingState{} }

func (p *Provider) TerminatedState() state.State[PodState] { return terminatedState{} }

// NodeCustomize advertises this provider under a label so kubectl get
// nodes -l can distinguish stackable-backed nodes from any other provider.
func (p *Provider) NodeCustomize(b *node.Builder) {
	b.AddLabel("stackable.tech/provider", "stackable")
}

func (p *Provider) InitializePodState(ctx context.Context, snapshot *pod.Snapshot, changed *pod.Notifier) (*PodState, error) {
	key := snapshot.Key()

	p.mu.Lock()
	p.podUIDs[key] = snapshot.UID()
	p.mu.Unlock()

	ps := &PodState{
		client:          p.client,
		cfg:             p.cfg,
		notifier:        changed,
		repositories:    p.repositories,
		downloadBackoff: backoff.DefaultExponentialBackoffStrategy(),
		unregister: func() {
			p.mu.Lock()
			delete(p.podUIDs, key)
			p.mu.Unlock()
		},
	}
	return ps, nil
}

// Logs streams the tempfile-backed log for namespace/podName/container.
// Unlike pkg/config's other helpers, this is keyed by namespace+name rather
// than pod UID, since that is all an HTTP logs request carries; podUIDs
// resolves the UID the on-disk path is actually keyed by.
func (p *Provider) Logs(ctx context.Context, namespace, podName, container string, w io.Writer) error {
	key := pod.Key{Namespace: namespace, Name: podName}

	p.mu.RLock()
	uid, ok := p.podUIDs[key]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("stackable: no known pod %s/%s", namespace, podName)
	}

	f, err := os.Open(p.cfg.ContainerLogPath(uid, container))
	if err != nil {
		return fmt.Errorf("stackable: open log for %s/%s/%s: %w", namespace, podName, container, err)
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}
