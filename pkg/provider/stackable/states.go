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

// This file is the state graph itself:
//
//	Downloading    -> Installing, DownloadingBackoff, InvalidPod
//	DownloadingBackoff -> Downloading
//	Installing     -> Configuring, Failed
//	Configuring    -> Running, Failed
//	Running        -> Running, Configuring, Stopping, Failed
//	Stopping       -> Terminated
//	Failed         -> Installing
//	InvalidPod     (complete)
//	Terminated     (complete)
package stackable

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/soenkeliebau/stackable-krustlet/pkg/krustleterr"
	"github.com/soenkeliebau/stackable-krustlet/pkg/pod"
	"github.com/soenkeliebau/stackable-krustlet/pkg/state"
	fileutils "github.com/soenkeliebau/stackable-krustlet/pkg/utils/file"
)

func init() {
	state.RegisterEdges[PodState](downloadingState{}, installingState{}, downloadingBackoffState{}, invalidPodState{})
	state.RegisterEdges[PodState](downloadingBackoffState{}, downloadingState{})
	state.RegisterEdges[PodState](installingState{}, configuringState{}, failedState{})
	state.RegisterEdges[PodState](configuringState{}, runningState{}, failedState{})
	state.RegisterEdges[PodState](runningState{}, runningState{}, configuringState{}, stoppingState{}, failedState{})
	state.RegisterEdges[PodState](stoppingState{}, terminatedState{})
	state.RegisterEdges[PodState](failedState{}, installingState{})
}

type statusPayload struct {
	Phase   corev1.PodPhase `json:"phase"`
	Message string          `json:"message,omitempty"`
}

func makeStatus(phase corev1.PodPhase, message string) (json.RawMessage, error) {
	return json.Marshal(statusPayload{Phase: phase, Message: message})
}

func resolvePackage(snap *pod.Snapshot) (Package, error) {
	containers := snap.Containers()
	if len(containers) != 1 {
		return Package{}, krustleterr.New(krustleterr.PodScoped, "pod %s must declare exactly one container, got %d", snap.Key(), len(containers))
	}
	return ParseImageReference(containers[0].Image)
}

// runningPollInterval bounds how long runningState can sit blocked with
// nothing to report, so a shutdown with no Deleted event of its own to
// wake it is still observed promptly (spec.md §8's <=200ms bound).
const runningPollInterval = 100 * time.Millisecond

func parcelsDir(ps *PodState) string      { return filepath.Join(ps.cfg.DataDir, "parcels") }
func downloadsDir(ps *PodState) string    { return filepath.Join(ps.cfg.DataDir, "downloads") }
func installDirFor(ps *PodState, pkg Package) string {
	return filepath.Join(parcelsDir(ps), pkg.DirectoryName())
}

// downloadingState resolves the pod's container image into a Package and
// decides, based purely on repository availability, whether to proceed
// straight to installation or to back off and retry resolution later.
type downloadingState struct{}

func (downloadingState) Next(ctx context.Context, ps *PodState, snap *pod.Snapshot) state.Transition[PodState] {
	pkg, err := resolvePackage(snap)
	if err != nil {
		return state.NextState[PodState](downloadingState{}, invalidPodState{message: err.Error()})
	}

	repo, err := FindRepository(ctx, ps.repositories, pkg)
	if err != nil {
		return state.Complete[PodState](err)
	}
	if repo == nil {
		return state.NextState[PodState](downloadingState{}, downloadingBackoffState{pkg: pkg})
	}
	return state.NextState[PodState](downloadingState{}, installingState{pkg: pkg})
}

func (downloadingState) Status(*PodState, *pod.Snapshot) (json.RawMessage, error) {
	return makeStatus(corev1.PodPending, "resolving package")
}

// downloadingBackoffState waits out ps.downloadBackoff before returning to
// Downloading for another resolution attempt.
type downloadingBackoffState struct {
	pkg Package
}

func (s downloadingBackoffState) Next(ctx context.Context, ps *PodState, snap *pod.Snapshot) state.Transition[PodState] {
	if err := ps.downloadBackoff.Wait(ctx); err != nil {
		return state.Complete[PodState](err)
	}
	return state.NextState[PodState](s, downloadingState{})
}

func (s downloadingBackoffState) Status(*PodState, *pod.Snapshot) (json.RawMessage, error) {
	return makeStatus(corev1.PodPending, fmt.Sprintf("no repository currently provides %s, backing off before retrying", s.pkg))
}

// installingState downloads and unpacks s.pkg, skipping the download
// entirely if its parcel directory already exists from a previous run.
type installingState struct {
	pkg Package
}

func (s installingState) Next(ctx context.Context, ps *PodState, snap *pod.Snapshot) state.Transition[PodState] {
	installDir := installDirFor(ps, s.pkg)

	if info, err := os.Stat(installDir); err == nil && info.IsDir() {
		ps.downloadBackoff.Reset()
		return state.NextState[PodState](s, configuringState{pkg: s.pkg, installDir: installDir})
	}

	repo, err := FindRepository(ctx, ps.repositories, s.pkg)
	if err != nil {
		return state.NextState[PodState](s, failedState{pkg: s.pkg, message: err.Error()})
	}
	if repo == nil {
		return state.NextState[PodState](s, failedState{pkg: s.pkg, message: fmt.Sprintf("no repository provides %s", s.pkg)})
	}

	if err := fileutils.EnsureDir(downloadsDir(ps)); err != nil {
		return state.NextState[PodState](s, failedState{pkg: s.pkg, message: err.Error()})
	}

	archivePath, err := repo.DownloadPackage(ctx, s.pkg, downloadsDir(ps))
	if err != nil {
		return state.NextState[PodState](s, failedState{pkg: s.pkg, message: err.Error()})
	}

	if err := fileutils.EnsureDir(installDir); err != nil {
		return state.NextState[PodState](s, failedState{pkg: s.pkg, message: err.Error()})
	}
	if err := fileutils.Untar(archivePath, installDir); err != nil {
		return state.NextState[PodState](s, failedState{pkg: s.pkg, message: err.Error()})
	}

	ps.downloadBackoff.Reset()
	return state.NextState[PodState](s, configuringState{pkg: s.pkg, installDir: installDir})
}

func (s installingState) Status(*PodState, *pod.Snapshot) (json.RawMessage, error) {
	return makeStatus(corev1.PodPending, fmt.Sprintf("installing %s", s.pkg))
}

// configuringState renders the pod's ConfigMap-backed volumes to files
// under installDir's config/ subtree, keyed by the container's mount path.
type configuringState struct {
	pkg        Package
	installDir string
}

func (s configuringState) Next(ctx context.Context, ps *PodState, snap *pod.Snapshot) state.Transition[PodState] {
	containers := snap.Containers()
	if len(containers) != 1 {
		return state.NextState[PodState](s, failedState{pkg: s.pkg, message: "pod must declare exactly one container"})
	}
	container := containers[0]

	volumesByName := map[string]corev1.Volume{}
	for _, v := range snap.Pod().Spec.Volumes {
		volumesByName[v.Name] = v
	}

	for _, mount := range container.VolumeMounts {
		vol, ok := volumesByName[mount.Name]
		if !ok || vol.ConfigMap == nil {
			continue
		}

		cm, err := ps.client.Interface().CoreV1().ConfigMaps(snap.Key().Namespace).Get(ctx, vol.ConfigMap.Name, metav1.GetOptions{})
		if err != nil {
			return state.NextState[PodState](s, failedState{pkg: s.pkg, message: fmt.Sprintf("fetch configmap %s: %v", vol.ConfigMap.Name, err)})
		}

		targetDir := filepath.Join(s.installDir, "config", strings.TrimPrefix(mount.MountPath, "/"))
		if err := fileutils.EnsureDir(targetDir); err != nil {
			return state.NextState[PodState](s, failedState{pkg: s.pkg, message: err.Error()})
		}
		for name, content := range cm.Data {
			if err := os.WriteFile(filepath.Join(targetDir, name), []byte(content), 0o644); err != nil {
				return state.NextState[PodState](s, failedState{pkg: s.pkg, message: err.Error()})
			}
		}
	}

	return state.NextState[PodState](s, runningState{pkg: s.pkg, installDir: s.installDir})
}

func (s configuringState) Status(*PodState, *pod.Snapshot) (json.RawMessage, error) {
	return makeStatus(corev1.PodPending, fmt.Sprintf("applying configuration for %s", s.pkg))
}

// runningState launches s.pkg's binary on first entry and then supervises
// it: a pod-changed signal sends the pod back through Configuring to
// re-render its configuration files while the running process is kept (it
// is not restarted), process exit moves to Failed, and a deletion request
// moves to Stopping.
type runningState struct {
	pkg        Package
	installDir string
}

func (s runningState) Next(ctx context.Context, ps *PodState, snap *pod.Snapshot) state.Transition[PodState] {
	if snap.DeletionRequested() {
		return state.NextState[PodState](s, stoppingState{pkg: s.pkg})
	}

	ps.mu.Lock()
	cmd, exited := ps.cmd, ps.exited
	ps.mu.Unlock()

	if cmd == nil {
		launched, exitedCh, err := ps.launchProcess(ctx, s.pkg, s.installDir, snap)
		if err != nil {
			return state.NextState[PodState](s, failedState{pkg: s.pkg, message: err.Error()})
		}
		ps.mu.Lock()
		ps.cmd, ps.exited = launched, exitedCh
		ps.mu.Unlock()
		return state.NextState[PodState](s, runningState{pkg: s.pkg, installDir: s.installDir})
	}

	select {
	case <-ctx.Done():
		return state.Complete[PodState](ctx.Err())

	case <-exited:
		ps.mu.Lock()
		exitErr := ps.exitErr
		ps.cmd, ps.exited = nil, nil
		ps.mu.Unlock()

		message := "process exited"
		if exitErr != nil {
			message = fmt.Sprintf("process exited: %v", exitErr)
		}
		return state.NextState[PodState](s, failedState{pkg: s.pkg, message: message})

	case <-time.After(runningPollInterval):
		if ps.notifier.Drain() {
			return state.NextState[PodState](s, configuringState{pkg: s.pkg, installDir: s.installDir})
		}
		// Nothing changed: return to self so the kernel gets a chance to
		// apply its termination redirect (spec.md §8's "within <=200ms A
		// observes pod_changed" bound for a plain shutdown, with no
		// Deleted event of its own to wake this select).
		return state.NextState[PodState](s, runningState{pkg: s.pkg, installDir: s.installDir})
	}
}

func (s runningState) Status(*PodState, *pod.Snapshot) (json.RawMessage, error) {
	return makeStatus(corev1.PodRunning, fmt.Sprintf("running %s", s.pkg))
}

func (ps *PodState) launchProcess(ctx context.Context, pkg Package, installDir string, snap *pod.Snapshot) (*exec.Cmd, chan struct{}, error) {
	containers := snap.Containers()
	if len(containers) != 1 {
		return nil, nil, krustleterr.New(krustleterr.PodScoped, "pod %s must declare exactly one container", snap.Key())
	}
	container := containers[0]

	binPath := filepath.Join(installDir, "bin", pkg.Product)
	if _, err := os.Stat(binPath); err != nil {
		return nil, nil, fmt.Errorf("stackable: resolve binary for %s: %w", pkg, err)
	}

	logPath := ps.cfg.ContainerLogPath(snap.UID(), container.Name)
	if err := fileutils.EnsureDir(filepath.Dir(logPath)); err != nil {
		return nil, nil, fmt.Errorf("stackable: ensure log directory: %w", err)
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, nil, fmt.Errorf("stackable: create log file %s: %w", logPath, err)
	}

	cmd := exec.CommandContext(ctx, binPath)
	cmd.Dir = installDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	for _, env := range container.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", env.Name, env.Value))
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, nil, fmt.Errorf("stackable: start process %s: %w", binPath, err)
	}

	exited := make(chan struct{})
	go func() {
		waitErr := cmd.Wait()
		logFile.Close()
		ps.mu.Lock()
		ps.exitErr = waitErr
		ps.mu.Unlock()
		close(exited)
	}()

	return cmd, exited, nil
}

// stoppingState kills the supervised process and moves to Terminated.
type stoppingState struct {
	pkg Package
}

func (s stoppingState) Next(ctx context.Context, ps *PodState, snap *pod.Snapshot) state.Transition[PodState] {
	ps.mu.Lock()
	cmd, exited := ps.cmd, ps.exited
	ps.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if exited != nil {
		select {
		case <-exited:
		case <-time.After(5 * time.Second):
		}
	}

	return state.NextState[PodState](s, terminatedState{})
}

func (s stoppingState) Status(*PodState, *pod.Snapshot) (json.RawMessage, error) {
	return makeStatus(corev1.PodRunning, fmt.Sprintf("stopping %s", s.pkg))
}

// failedState records what went wrong, waits out ps.downloadBackoff and then
// retries by returning to Installing - a fresh install attempt re-resolves
// the repository, so a transient download or process failure recovers
// without operator action. If ctx is done during the wait the run ends
// with ctx's error instead.
type failedState struct {
	pkg     Package
	message string
}

func (s failedState) Next(ctx context.Context, ps *PodState, snap *pod.Snapshot) state.Transition[PodState] {
	if err := ps.downloadBackoff.Wait(ctx); err != nil {
		return state.Complete[PodState](err)
	}
	return state.NextState[PodState](s, installingState{pkg: s.pkg})
}

func (s failedState) Status(*PodState, *pod.Snapshot) (json.RawMessage, error) {
	return makeStatus(corev1.PodFailed, s.message)
}

// invalidPodState is a terminal failure for a pod whose spec itself is
// unusable (wrong container count, unparseable image reference) - unlike
// failedState's transient download/process failures, no retry could ever
// fix this, so it ends the run instead of looping back to Installing.
type invalidPodState struct {
	message string
}

func (s invalidPodState) Next(context.Context, *PodState, *pod.Snapshot) state.Transition[PodState] {
	return state.Complete[PodState](nil)
}

func (s invalidPodState) Status(*PodState, *pod.Snapshot) (json.RawMessage, error) {
	return makeStatus(corev1.PodFailed, s.message)
}

// terminatedState is the graceful-redirect target spec.md §4.2 step 5
// names: reached once termination has been requested, it ends the run
// successfully.
type terminatedState struct{}

func (terminatedState) Next(ctx context.Context, ps *PodState, snap *pod.Snapshot) state.Transition[PodState] {
	return state.Complete[PodState](nil)
}

func (terminatedState) Status(*PodState, *pod.Snapshot) (json.RawMessage, error) {
	return makeStatus(corev1.PodSucceeded, "terminated")
}
