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

package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

func TestBuilder_BuildsTaintsAndLabelsFromArch(t *testing.T) {
	b := NewBuilder(Config{NodeName: "agent-1", NodeIP: "10.0.0.5", MaxPods: 50}, "wasm32-wasi")
	n := b.Build()

	assert.Equal(t, "agent-1", n.Name)
	assert.Equal(t, "wasm32-wasi", n.Labels["beta.kubernetes.io/arch"])
	assert.Equal(t, "agent", n.Labels["kubernetes.io/role"])
	require.Len(t, n.Spec.Taints, 2)
	assert.Equal(t, corev1.TaintEffectNoSchedule, n.Spec.Taints[0].Effect)
	assert.Equal(t, corev1.TaintEffectNoExecute, n.Spec.Taints[1].Effect)
	assert.Equal(t, "wasm32-wasi", n.Status.NodeInfo.Architecture)

	qty := n.Status.Capacity[corev1.ResourcePods]
	assert.Equal(t, int64(50), qty.Value())
}

func TestBuilder_NodeCustomizeCanAddLabelsAndCapacity(t *testing.T) {
	b := NewBuilder(Config{NodeName: "agent-1", MaxPods: 10}, "wasm32-wasi")
	b.AddLabel("stackable.tech/provider", "stackable").
		AddCapacity("stackable.tech/packages", *resource.NewQuantity(5, resource.DecimalSI))

	n := b.Build()
	assert.Equal(t, "stackable", n.Labels["stackable.tech/provider"])
	qty := n.Status.Capacity["stackable.tech/packages"]
	assert.Equal(t, int64(5), qty.Value())
}
