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

var _ = Describe("watch restart", func() {
	It("relists and resyncs without starting a second runner for a still-live pod", func() {
		h := newHarness()
		defer h.stop()

		h.repo.addRelease("foo", "1.0", "while true; do sleep 1; done")

		created := h.createPod("web", "oci://pkg/foo:1.0")
		lister := newFakeLister()
		lister.addPod(*created)

		h.startWatch(lister)

		Eventually(func() corev1.PodPhase { return h.podPhase("web") }, "2s", "10ms").
			Should(Equal(corev1.PodRunning))
		Expect(h.dispatcher.Len()).To(Equal(1))

		lister.breakStream()

		Consistently(func() int { return h.dispatcher.Len() }, "300ms", "10ms").
			Should(Equal(1), "a relist-triggered resync must not spawn a second runner for a pod that is still live")
		Eventually(func() corev1.PodPhase { return h.podPhase("web") }, "2s", "10ms").
			Should(Equal(corev1.PodRunning))
	})
})
