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
	corev1 "k8s.io/api/core/v1"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("shutdown during run", func() {
	It("terminates a running pod on the shared shutdown flag alone, with no deletion of its own", func() {
		h := newHarness()
		defer h.stop()

		h.repo.addRelease("foo", "1.0", "while true; do sleep 1; done")
		h.startWatch(h.client)

		h.createPod("web", "oci://pkg/foo:1.0")

		Eventually(func() corev1.PodPhase { return h.podPhase("web") }, "2s", "10ms").
			Should(Equal(corev1.PodRunning))

		h.shutdown.Store(true)

		Eventually(func() corev1.PodPhase { return h.podPhase("web") }, "2s", "10ms").
			Should(Equal(corev1.PodSucceeded))
		Eventually(func() int { return h.dispatcher.Len() }, "2s", "10ms").
			Should(Equal(0), "the runner must exit once its pod reaches the terminated state")
	})
})
