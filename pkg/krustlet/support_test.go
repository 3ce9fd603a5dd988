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

package krustlet

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apiextensionsfake "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset/fake"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	"sigs.k8s.io/kind/pkg/log"

	"github.com/soenkeliebau/stackable-krustlet/pkg/config"
	krustletlog "github.com/soenkeliebau/stackable-krustlet/pkg/logger"
	"github.com/soenkeliebau/stackable-krustlet/pkg/kube"
	"github.com/soenkeliebau/stackable-krustlet/pkg/provider/stackable"
	"github.com/soenkeliebau/stackable-krustlet/pkg/queue"
	"github.com/soenkeliebau/stackable-krustlet/pkg/runner"
	watchadapter "github.com/soenkeliebau/stackable-krustlet/pkg/watch"
)

func testLogger() krustletlog.Logger {
	return krustletlog.New(&bytes.Buffer{}, log.Level(0))
}

// fakeRepository is a Repository whose released versions and archives are
// set up by a test before any pod is created, mirroring
// pkg/provider/stackable's own test double of the same shape.
type fakeRepository struct {
	name string

	mu          sync.Mutex
	archives    map[string]string
	downloadErr error
}

func newFakeRepository(name string) *fakeRepository {
	return &fakeRepository{name: name, archives: map[string]string{}}
}

func (f *fakeRepository) Name() string { return f.name }

// addRelease registers version as available, backed by an archive built
// from scriptBody (the product's "bin/<product>" executable).
func (f *fakeRepository) addRelease(product, version, scriptBody string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archives[product+":"+version] = buildArchive(product, scriptBody)
}

func (f *fakeRepository) ProvidesPackage(_ context.Context, pkg stackable.Package) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.archives[pkg.String()]
	return ok, nil
}

func (f *fakeRepository) DownloadPackage(_ context.Context, pkg stackable.Package, destDir string) (string, error) {
	f.mu.Lock()
	archivePath, ok := f.archives[pkg.String()]
	downloadErr := f.downloadErr
	f.mu.Unlock()

	if downloadErr != nil {
		return "", downloadErr
	}
	if !ok {
		return "", fmt.Errorf("fakeRepository: no release for %s", pkg)
	}

	data, err := os.ReadFile(archivePath)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, pkg.FileName())
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", err
	}
	return dest, nil
}

var _ stackable.Repository = (*fakeRepository)(nil)

// buildArchive builds an in-memory tar.gz holding a single executable
// bin/<product> shell script, written to a fresh temp file.
func buildArchive(product, scriptBody string) string {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	body := []byte("#!/bin/sh\n" + scriptBody + "\n")
	Expect(tw.WriteHeader(&tar.Header{
		Name: "bin/" + product,
		Mode: 0o755,
		Size: int64(len(body)),
	})).To(Succeed())
	_, err := tw.Write(body)
	Expect(err).NotTo(HaveOccurred())
	Expect(tw.Close()).To(Succeed())
	Expect(gz.Close()).To(Succeed())

	dir, err := os.MkdirTemp("", "krustlet-e2e-archive")
	Expect(err).NotTo(HaveOccurred())
	path := filepath.Join(dir, product+".tar.gz")
	Expect(os.WriteFile(path, buf.Bytes(), 0o644)).To(Succeed())
	return path
}

// fakeLister is a watchadapter.PodLister whose watch stream the test
// controls directly, used only by the watch-restart scenario to force the
// stream to end without tearing down the whole harness - the same
// watch.NewFake() double pkg/watch's own adapter_test.go uses.
type fakeLister struct {
	mu       sync.Mutex
	pods     []corev1.Pod
	watchers []*watch.FakeWatcher
}

func newFakeLister() *fakeLister {
	return &fakeLister{}
}

func (f *fakeLister) ListPodsForNode(context.Context, string) (*corev1.PodList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]corev1.Pod, len(f.pods))
	copy(items, f.pods)
	return &corev1.PodList{Items: items}, nil
}

func (f *fakeLister) WatchPodsForNode(context.Context, string, string) (watch.Interface, error) {
	w := watch.NewFake()
	f.mu.Lock()
	f.watchers = append(f.watchers, w)
	f.mu.Unlock()
	return w, nil
}

// addPod makes p part of the authoritative list future relists return, and
// broadcasts Added on every currently open watcher.
func (f *fakeLister) addPod(p corev1.Pod) {
	f.mu.Lock()
	f.pods = append(f.pods, p)
	watchers := append([]*watch.FakeWatcher(nil), f.watchers...)
	f.mu.Unlock()

	for _, w := range watchers {
		w.Add(&p)
	}
}

// breakStream stops every currently open watcher, forcing the adapter to
// observe a closed ResultChan and relist.
func (f *fakeLister) breakStream() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.watchers {
		w.Stop()
	}
	f.watchers = nil
}

var _ watchadapter.PodLister = (*fakeLister)(nil)

// harness wires the real watch adapter, dispatcher, runner and stackable
// provider together against a fake clientset, standing in for the
// supervisor that would otherwise own this wiring in production.
type harness struct {
	ctx      context.Context
	cancel   context.CancelFunc
	nodeName string

	clientset *fake.Clientset
	client    *kube.Client
	cfg       *config.Config
	repo      *fakeRepository
	prov      *stackable.Provider
	log       krustletlog.Logger

	shutdown   *atomic.Bool
	dispatcher *queue.Dispatcher
}

func newHarness() *harness {
	clientset := fake.NewSimpleClientset()
	crdClientset := apiextensionsfake.NewSimpleClientset(&apiextensionsv1.CustomResourceDefinition{
		ObjectMeta: metav1.ObjectMeta{Name: stackable.RequiredCRDs[0]},
	})
	client := kube.NewClientForTestingWithCRDs(clientset, crdClientset)

	cfg := &config.Config{DataDir: GinkgoT().TempDir()}
	repo := newFakeRepository("test-repo")
	log := testLogger()

	ctx, cancel := context.WithCancel(context.Background())

	prov, err := stackable.New(ctx, client, cfg, []stackable.Repository{repo}, log)
	Expect(err).NotTo(HaveOccurred())

	shutdown := &atomic.Bool{}
	runnerFn := runner.New[stackable.PodState](prov, client, shutdown, log, 2*time.Second)
	dispatcher := queue.NewDispatcher(runnerFn, log)

	return &harness{
		ctx:        ctx,
		cancel:     cancel,
		nodeName:   "e2e-node",
		clientset:  clientset,
		client:     client,
		cfg:        cfg,
		repo:       repo,
		prov:       prov,
		log:        log,
		shutdown:   shutdown,
		dispatcher: dispatcher,
	}
}

// startWatch launches the watch adapter over lister, feeding the
// harness's dispatcher. Most scenarios watch the harness's own client
// (backed by the fake clientset's reactive watch support); the
// watch-restart scenario supplies a fakeLister instead so the test can
// force the stream to end on demand.
func (h *harness) startWatch(lister watchadapter.PodLister) {
	adapter := watchadapter.NewAdapter(lister, h.nodeName, h.shutdown, h.log)
	go func() { _ = adapter.Run(h.ctx, h.dispatcher.Enqueue) }()
}

func (h *harness) stop() {
	h.cancel()
}

// createPod creates a single-container pod named name in namespace
// "default", with image as its sole container's image reference.
func (h *harness) createPod(name, image string) *corev1.Pod {
	return h.createPodWithContainers(name, []corev1.Container{{Name: "main", Image: image}})
}

// createPodWithContainers creates a pod named name in namespace "default"
// with exactly containers as its container list - used to exercise the
// illegal-image scenario's zero-container pod.
func (h *harness) createPodWithContainers(name string, containers []corev1.Container) *corev1.Pod {
	p := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "default",
			Name:      name,
			UID:       types.UID(name + "-uid"),
		},
		Spec: corev1.PodSpec{
			NodeName:   h.nodeName,
			Containers: containers,
		},
	}
	created, err := h.clientset.CoreV1().Pods("default").Create(h.ctx, p, metav1.CreateOptions{})
	Expect(err).NotTo(HaveOccurred())
	return created
}

// deletePod marks name as deletion-requested, the fake-clientset
// equivalent of `kubectl delete` setting a pod's deletionTimestamp ahead
// of actual removal.
func (h *harness) deletePod(name string) {
	now := metav1.Now()
	p, err := h.clientset.CoreV1().Pods("default").Get(h.ctx, name, metav1.GetOptions{})
	Expect(err).NotTo(HaveOccurred())
	p.DeletionTimestamp = &now
	_, err = h.clientset.CoreV1().Pods("default").Update(h.ctx, p, metav1.UpdateOptions{})
	Expect(err).NotTo(HaveOccurred())
}

func (h *harness) podPhase(name string) corev1.PodPhase {
	p, err := h.clientset.CoreV1().Pods("default").Get(h.ctx, name, metav1.GetOptions{})
	if err != nil {
		return ""
	}
	return p.Status.Phase
}

func (h *harness) podMessage(name string) string {
	p, err := h.clientset.CoreV1().Pods("default").Get(h.ctx, name, metav1.GetOptions{})
	if err != nil {
		return ""
	}
	return p.Status.Message
}
