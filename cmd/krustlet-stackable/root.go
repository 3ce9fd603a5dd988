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

// krustlet-stackable wires the reference pkg/provider/stackable Provider
// into the node agent core, mirroring how the original implementation's
// src/krustlet-stackable.rs wires StackableProvider into Kubelet<P>. It is
// the only buildable binary this repo ships: the core (pkg/supervisor
// through pkg/state) is a library generic over a Provider's pod-state
// type, and has nothing to run standalone without one.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soenkeliebau/stackable-krustlet/pkg/config"
	"github.com/soenkeliebau/stackable-krustlet/pkg/kube"
	"github.com/soenkeliebau/stackable-krustlet/pkg/logger"
	"github.com/soenkeliebau/stackable-krustlet/pkg/node"
	"github.com/soenkeliebau/stackable-krustlet/pkg/provider/stackable"
	"github.com/soenkeliebau/stackable-krustlet/pkg/supervisor"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "krustlet-stackable",
		Short: "krustlet-stackable runs the reference stackable package Provider as a Kubernetes node agent",
		Args:  cobra.NoArgs,
	}

	cfg := config.BindFlags(cmd)

	var githubRepos []string
	cmd.Flags().StringSliceVar(&githubRepos, "github-repository", nil,
		"org/repo pair (repeatable) serving package releases, e.g. stackabletech/zookeeper-operator")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(cfg, githubRepos)
	}

	return cmd
}

func run(cfg *config.Config, githubRepoSpecs []string) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := cfg.EnsureLayout(); err != nil {
		return fmt.Errorf("ensure data-dir layout: %w", err)
	}

	log := logger.FromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := kube.NewClient(cfg.Kubeconfig)
	if err != nil {
		return fmt.Errorf("build kubernetes client: %w", err)
	}

	repos, err := buildRepositories(githubRepoSpecs)
	if err != nil {
		return err
	}

	prov, err := stackable.New(ctx, client, cfg, repos, log)
	if err != nil {
		return fmt.Errorf("build stackable provider: %w", err)
	}

	sup := supervisor.New[stackable.PodState](supervisor.Config{
		Node: node.Config{
			NodeName: cfg.NodeName,
			Hostname: cfg.Hostname,
			NodeIP:   cfg.NodeIP,
			Port:     cfg.Port,
			MaxPods:  cfg.MaxPods,
		},
		PluginSocketPath: cfg.RegistrarSocketPath(),
		HTTPAddr:         fmt.Sprintf(":%d", cfg.Port),
		CertFile:         cfg.CertFile,
		KeyFile:          cfg.KeyFile,
	}, client, prov, log)

	return sup.Run(ctx)
}

// buildRepositories turns each --github-repository org/repo pair into a
// stackable.GitHubRepository, named after the spec string itself so a
// misconfigured repository is easy to spot in logs.
func buildRepositories(specs []string) ([]stackable.Repository, error) {
	repos := make([]stackable.Repository, 0, len(specs))
	for _, spec := range specs {
		org, repo, ok := strings.Cut(spec, "/")
		if !ok {
			return nil, fmt.Errorf("--github-repository %q must be of the form org/repo", spec)
		}
		repos = append(repos, stackable.NewGitHubRepository(spec, org, repo))
	}
	return repos, nil
}
