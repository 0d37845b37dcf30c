// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool limits the number of goroutines the simulated device uses to execute
// kernel work-groups.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers with a soft limit on parallelism.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int
	mu             sync.Mutex
	numRunning     int
}

// New return a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{}
	w.maxParallelism = runtime.NumCPU()
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is a soft-target for parallelism.
// If set to 0 parallelism is disabled.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// You should only change the parallelism before any workers start running. If changed during the execution
// the behavior is undefined.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with workerPool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// Saturate runs task in as many workers as are available -- at least one -- and waits
// for all of them to finish.
//
// The task is expected to pull its work from a shared source (e.g. a closed channel) until it is
// exhausted. With parallelism disabled, task runs once inline.
// With unlimited parallelism, it runs in runtime.NumCPU() goroutines.
func (w *Pool) Saturate(task func()) {
	if !w.IsEnabled() {
		task()
		return
	}
	numWorkers := w.maxParallelism
	if w.IsUnlimited() {
		numWorkers = runtime.NumCPU()
	}

	var wg sync.WaitGroup
	w.mu.Lock()
	for started := 0; started < numWorkers; started++ {
		if started > 0 && w.lockedIsFull() {
			// Use the workers we already have rather than waiting for others to free up.
			break
		}
		w.numRunning++
		wg.Add(1)
		go func() {
			defer wg.Done()
			task()
			w.mu.Lock()
			w.numRunning--
			w.mu.Unlock()
		}()
	}
	w.mu.Unlock()
	wg.Wait()
}
