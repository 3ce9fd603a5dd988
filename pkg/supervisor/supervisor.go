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

// Package supervisor is the C6 composition root: it owns the shutdown
// flag, wires C3 (dispatcher) through C5 (node controller) plus the
// external plugin registrar and HTTP callback server, and sequences
// graceful teardown when its context is cancelled, per spec.md §4.6.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soenkeliebau/stackable-krustlet/pkg/httpserver"
	"github.com/soenkeliebau/stackable-krustlet/pkg/kube"
	"github.com/soenkeliebau/stackable-krustlet/pkg/logger"
	"github.com/soenkeliebau/stackable-krustlet/pkg/node"
	"github.com/soenkeliebau/stackable-krustlet/pkg/provider"
	"github.com/soenkeliebau/stackable-krustlet/pkg/queue"
	"github.com/soenkeliebau/stackable-krustlet/pkg/registrar"
	"github.com/soenkeliebau/stackable-krustlet/pkg/runner"
	"github.com/soenkeliebau/stackable-krustlet/pkg/watch"
)

// DefaultDrainTimeout bounds how long Run waits, once its context is
// cancelled, for every runner to reach a terminal state before it stops
// waiting and tears the long-running tasks down anyway.
const DefaultDrainTimeout = 60 * time.Second

// pollInterval is how often drain polls the dispatcher for an empty runner
// set; there is no event to wait on instead, since runner completion is
// only observable through the dispatcher's entry count.
const pollInterval = 200 * time.Millisecond

// Config is the subset of CLI configuration the supervisor needs beyond
// what it hands straight through to node.Builder.
type Config struct {
	Node             node.Config
	PluginSocketPath string
	HTTPAddr         string
	CertFile         string
	KeyFile          string
	DrainTimeout     time.Duration
}

// Supervisor is generic over the Provider's pod-state type, the same way
// pkg/runner and pkg/provider are: one Supervisor instance serves exactly
// one Provider.
type Supervisor[PS provider.PodState] struct {
	nodeController *node.Controller
	builder        *node.Builder
	registrar      *registrar.Registrar
	httpServer     *httpserver.Server
	watchAdapter   *watch.Adapter
	dispatcher     *queue.Dispatcher
	shutdown       *atomic.Bool
	log            logger.Logger
	drainTimeout   time.Duration
}

// New wires every component from cfg, client and prov. NodeCustomize is
// called once here, single-threaded, before the node object is ever built.
func New[PS provider.PodState](cfg Config, client *kube.Client, prov provider.Provider[PS], log logger.Logger) *Supervisor[PS] {
	shutdown := &atomic.Bool{}

	builder := node.NewBuilder(cfg.Node, prov.Arch())
	prov.NodeCustomize(builder)

	run := runner.New[PS](prov, client, shutdown, log, 0)
	dispatcher := queue.NewDispatcher(run, log)

	drainTimeout := cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}

	return &Supervisor[PS]{
		nodeController: node.NewController(client, log, cfg.Node.NodeName),
		builder:        builder,
		registrar:      registrar.New(cfg.PluginSocketPath, log),
		httpServer:     httpserver.New(cfg.HTTPAddr, cfg.CertFile, cfg.KeyFile, prov, log),
		watchAdapter:   watch.NewAdapter(client, cfg.Node.NodeName, shutdown, log),
		dispatcher:     dispatcher,
		shutdown:       shutdown,
		log:            log,
		drainTimeout:   drainTimeout,
	}
}

// Run registers the node, launches the four long-running tasks spec.md
// §4.6 names (plugin registrar, HTTP callback server, node lease renewer,
// watch adapter feeding the dispatcher), and blocks until ctx is
// cancelled. On cancellation it drains: marks the node unschedulable and
// not-ready, closes every pod queue, waits up to drainTimeout for runners
// to finish, then stops the long-running tasks and returns.
func (s *Supervisor[PS]) Run(ctx context.Context) error {
	if err := s.nodeController.Create(ctx, s.builder); err != nil {
		return fmt.Errorf("supervisor: register node: %w", err)
	}

	tasksCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()

	g, tasksCtx := errgroup.WithContext(tasksCtx)
	g.Go(func() error { return s.registrar.Run(tasksCtx) })
	g.Go(func() error { return s.httpServer.Run(tasksCtx) })
	g.Go(func() error { return ignoreCanceled(s.nodeController.Renew(tasksCtx)) })
	g.Go(func() error { return ignoreCanceled(s.watchAdapter.Run(tasksCtx, s.dispatcher.Enqueue)) })

	<-ctx.Done()
	s.drain(tasksCtx)
	cancelTasks()

	return g.Wait()
}

// drain marks the node as shutting down and waits for every runner to
// reach a terminal state, per spec.md §4.6's teardown ordering: stop
// accepting new work before tearing down the long-running tasks that feed
// it.
func (s *Supervisor[PS]) drain(ctx context.Context) {
	s.shutdown.Store(true)
	s.log.V(0).Info("supervisor: draining")

	drainCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()

	if err := s.nodeController.Drain(drainCtx); err != nil {
		s.log.Warnf("supervisor: mark node draining: %v", err)
	}

	s.dispatcher.Shutdown()
	s.awaitRunners(drainCtx)
}

func (s *Supervisor[PS]) awaitRunners(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if s.dispatcher.Len() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			s.log.Warnf("supervisor: drain timed out with %d runner(s) still active", s.dispatcher.Len())
			return
		case <-ticker.C:
		}
	}
}

// ignoreCanceled treats context.Canceled as the expected exit of a
// long-running task stopped by drain, rather than a failure the errgroup
// should report.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
