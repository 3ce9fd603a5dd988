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

var _ = Describe("missing package", func() {
	It("backs off instead of failing when no repository provides the requested version", func() {
		h := newHarness()
		defer h.stop()

		// No release registered for foo:999 with any repository.
		h.startWatch(h.client)

		h.createPod("web", "oci://pkg/foo:999")

		Eventually(func() string { return h.podMessage("web") }, "2s", "10ms").
			Should(ContainSubstring("backing off"))
		Expect(h.podPhase("web")).To(Equal(corev1.PodPending))
	})
})
