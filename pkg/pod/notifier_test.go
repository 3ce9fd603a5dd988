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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_CoalescesMultipleSignals(t *testing.T) {
	n := NewNotifier()
	n.Signal()
	n.Signal()
	n.Signal()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, n.Wait(ctx))

	// Only one signal was pending; a second Wait with a short deadline times out.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	assert.Error(t, n.Wait(ctx2))
}

func TestNotifier_DrainReportsAndClearsPending(t *testing.T) {
	n := NewNotifier()
	assert.False(t, n.Drain())

	n.Signal()
	assert.True(t, n.Drain())
	assert.False(t, n.Drain())
}

func TestNotifier_WaitRespectsContextCancellation(t *testing.T) {
	n := NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Wait(ctx), context.Canceled)
}
