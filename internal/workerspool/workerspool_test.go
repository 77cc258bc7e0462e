// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParallelize(t *testing.T) {
	for _, maxParallelism := range []int{0, 1, 4, -1} {
		pool := New()
		pool.SetMaxParallelism(maxParallelism)
		const n = 100
		var counter atomic.Int64
		seen := make([]bool, n)
		pool.Parallelize(n, func(i int) {
			seen[i] = true
			counter.Add(1)
		})
		require.EqualValues(t, n, counter.Load(), "maxParallelism=%d", maxParallelism)
		for i, ok := range seen {
			require.True(t, ok, "index %d not covered with maxParallelism=%d", i, maxParallelism)
		}
	}
}

func TestWaitToStartCapsParallelism(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)

	var running, maxRunning atomic.Int64
	done := make(chan struct{}, 16)
	for range 16 {
		pool.WaitToStart(func() {
			now := running.Add(1)
			for {
				seen := maxRunning.Load()
				if now <= seen || maxRunning.CompareAndSwap(seen, now) {
					break
				}
			}
			running.Add(-1)
			done <- struct{}{}
		})
	}
	for range 16 {
		<-done
	}
	require.LessOrEqual(t, maxRunning.Load(), int64(2))
}
