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
	"bytes"
	"sync"

	corev1 "k8s.io/api/core/v1"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("concurrent log request", func() {
	It("serves many simultaneous log reads without disturbing the running pod", func() {
		h := newHarness()
		defer h.stop()

		h.repo.addRelease("foo", "1.0", "echo hello-from-foo; while true; do sleep 1; done")
		h.startWatch(h.client)

		h.createPod("web", "oci://pkg/foo:1.0")

		Eventually(func() corev1.PodPhase { return h.podPhase("web") }, "2s", "10ms").
			Should(Equal(corev1.PodRunning))
		Eventually(func() (string, error) {
			var buf bytes.Buffer
			err := h.prov.Logs(h.ctx, "default", "web", "main", &buf)
			return buf.String(), err
		}, "2s", "10ms").Should(ContainSubstring("hello-from-foo"))

		const concurrency = 10
		results := make([]string, concurrency)
		errs := make([]error, concurrency)
		var wg sync.WaitGroup
		for i := 0; i < concurrency; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var buf bytes.Buffer
				errs[i] = h.prov.Logs(h.ctx, "default", "web", "main", &buf)
				results[i] = buf.String()
			}(i)
		}
		wg.Wait()

		for i := 0; i < concurrency; i++ {
			Expect(errs[i]).NotTo(HaveOccurred())
			Expect(results[i]).To(ContainSubstring("hello-from-foo"))
		}

		// Nothing about reading logs disturbs the pod's own run.
		Expect(h.podPhase("web")).To(Equal(corev1.PodRunning))
		Expect(h.dispatcher.Len()).To(Equal(1))
	})
})
