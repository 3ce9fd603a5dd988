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

package pod

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func TestSnapshot_KeyAndUID(t *testing.T) {
	obj := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "p1", UID: "abc-123"},
	}
	s := NewSnapshot(obj)

	assert.Equal(t, Key{Namespace: "default", Name: "p1"}, s.Key())
	assert.Equal(t, "abc-123", s.UID())
	assert.Equal(t, "default/p1", s.Key().String())
}

func TestSnapshot_IsIndependentOfSourceMutation(t *testing.T) {
	obj := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "p1"}}
	s := NewSnapshot(obj)

	obj.Name = "mutated"
	assert.Equal(t, "p1", s.Key().Name)
}

func TestSnapshot_DeletionRequested(t *testing.T) {
	obj := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "p1"}}
	s := NewSnapshot(obj)
	require.False(t, s.DeletionRequested())

	now := metav1.NewTime(time.Now())
	obj2 := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "p1", DeletionTimestamp: &now}}
	s2 := NewSnapshot(obj2)
	assert.True(t, s2.DeletionRequested())
}
