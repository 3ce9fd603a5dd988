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

var _ = Describe("illegal image", func() {
	It("fails a zero-container pod without ever retrying", func() {
		h := newHarness()
		defer h.stop()

		h.startWatch(h.client)
		h.createPodWithContainers("web", nil)

		Eventually(func() corev1.PodPhase { return h.podPhase("web") }, "2s", "10ms").
			Should(Equal(corev1.PodFailed))
		Eventually(func() string { return h.podMessage("web") }, "2s", "10ms").
			Should(ContainSubstring("exactly one container"))

		Eventually(func() int { return h.dispatcher.Len() }, "2s", "10ms").
			Should(Equal(0), "the runner must exit rather than retry a structurally invalid pod")

		Consistently(func() corev1.PodPhase { return h.podPhase("web") }, "300ms", "10ms").
			Should(Equal(corev1.PodFailed), "a pod spec error is never retried")
	})
})
