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

// Package watch is the C4 watch adapter: it consumes the cluster's pod
// list/watch stream, restricted to this node, and translates it into the
// Applied/Deleted/Restarted events pkg/queue's dispatcher consumes,
// exactly the semantics of the original kube_runtime::watcher-based
// start_pod_informer.
package watch

import (
	"context"
	"sync/atomic"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/soenkeliebau/stackable-krustlet/pkg/kube"
	"github.com/soenkeliebau/stackable-krustlet/pkg/logger"
	"github.com/soenkeliebau/stackable-krustlet/pkg/pod"
)

// EnqueueFunc routes a translated event onward; pkg/queue.Dispatcher.Enqueue
// satisfies this signature directly.
type EnqueueFunc func(ctx context.Context, ev pod.Event)

// PodLister lists and watches pods scoped to one node - the subset of
// *kube.Client the adapter needs, narrowed so it can be faked in tests.
type PodLister interface {
	ListPodsForNode(ctx context.Context, nodeName string) (*corev1.PodList, error)
	WatchPodsForNode(ctx context.Context, nodeName, resourceVersion string) (watch.Interface, error)
}

var _ PodLister = (*kube.Client)(nil)

// Adapter bridges the cluster's watch stream into the dispatcher, dropping
// Applied events once the shutdown flag is set while always forwarding
// Deleted and Restarted.
type Adapter struct {
	lister   PodLister
	nodeName string
	shutdown *atomic.Bool
	log      logger.Logger
}

// NewAdapter returns an Adapter scoped to nodeName. shutdown is the
// process-wide monotonic shutdown flag the supervisor owns.
func NewAdapter(lister PodLister, nodeName string, shutdown *atomic.Bool, log logger.Logger) *Adapter {
	return &Adapter{lister: lister, nodeName: nodeName, shutdown: shutdown, log: log}
}

// Run relists and (re-)watches until ctx is done, feeding every event to
// enqueue. It tolerates the watch stream ending (a relist gap) by
// relisting and emitting a fresh Restarted, and returns ctx's error once
// ctx is cancelled.
func (a *Adapter) Run(ctx context.Context, enqueue EnqueueFunc) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resourceVersion, err := a.relist(ctx, enqueue)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Warnf("watch: relist failed, retrying: %v", err)
			continue
		}

		if err := a.watchOnce(ctx, resourceVersion, enqueue); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Warnf("watch: stream ended, relisting: %v", err)
		}
	}
}

// relist lists the authoritative live set and emits it as a Restarted
// event, always forwarded regardless of shutdown state.
func (a *Adapter) relist(ctx context.Context, enqueue EnqueueFunc) (resourceVersion string, err error) {
	list, err := a.lister.ListPodsForNode(ctx, a.nodeName)
	if err != nil {
		return "", err
	}

	snapshots := make([]*pod.Snapshot, 0, len(list.Items))
	for i := range list.Items {
		snapshots = append(snapshots, pod.NewSnapshot(&list.Items[i]))
	}
	enqueue(ctx, pod.NewRestarted(snapshots))
	return list.ResourceVersion, nil
}

// watchOnce consumes a single watch stream until it ends or ctx is done.
func (a *Adapter) watchOnce(ctx context.Context, resourceVersion string, enqueue EnqueueFunc) error {
	w, err := a.lister.WatchPodsForNode(ctx, a.nodeName, resourceVersion)
	if err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.ResultChan():
			if !ok {
				return nil
			}
			a.handle(ctx, ev, enqueue)
		}
	}
}

func (a *Adapter) handle(ctx context.Context, ev watch.Event, enqueue EnqueueFunc) {
	switch ev.Type {
	case watch.Added, watch.Modified:
		p, ok := ev.Object.(*corev1.Pod)
		if !ok {
			return
		}
		if a.shutdown.Load() {
			a.log.Warnf("watch: dropping Applied for %s/%s: node is draining", p.Namespace, p.Name)
			return
		}
		enqueue(ctx, pod.NewApplied(pod.NewSnapshot(p)))
	case watch.Deleted:
		p, ok := ev.Object.(*corev1.Pod)
		if !ok {
			return
		}
		enqueue(ctx, pod.NewDeleted(pod.NewSnapshot(p)))
	case watch.Error:
		a.log.Warnf("watch: stream error event received")
	case watch.Bookmark:
		// No state carried by a bookmark; resourceVersion tracking for
		// resume-after-restart is handled by relist, not mid-stream.
	}
}
