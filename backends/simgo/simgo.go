// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simgo implements a simulated device in pure Go: a portable, and not very fast, backend
// that runs the 1x1 convolution kernels ("conv1x1u.s" and the fused "conv1x1u_bias_activ.s") on the CPU.
//
// Kernels are "compiled" by parsing the symbols defined in their compile options, which fix the
// problem shape, the tuning parameters, the fused operations and, as on real devices, the
// positional arguments the kernel expects. Calls with the wrong arguments fail.
//
// Import it for its side effect of registering the "go" backend:
//
//	import _ "github.com/gomlx/fusedconv/backends/simgo"
package simgo

import (
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/fusedconv/backends"
	"github.com/gomlx/fusedconv/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in FUSEDCONV_BACKEND to specify this backend.
const BackendName = "go"

func init() {
	backends.Register(BackendName, New)
}

// New constructs a new simulated device.
//
// The config is a comma-separated list of options:
//
//   - "parallelism=N": maximum number of goroutines executing work-groups. 0 runs them
//     sequentially, -1 means unlimited. The default is runtime.NumCPU().
func New(config string) (backends.Backend, error) {
	b := newBackend()
	for _, option := range strings.Split(config, ",") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		key, value, _ := strings.Cut(option, "=")
		switch key {
		case "parallelism":
			parallelism, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "backend %q: invalid parallelism in config %q", BackendName, config)
			}
			b.workers.SetMaxParallelism(parallelism)
		default:
			return nil, errors.Errorf("backend %q: unknown option %q in config %q", BackendName, key, config)
		}
	}
	klog.V(1).Infof("backend %q: created with parallelism %d", BackendName, b.workers.MaxParallelism())
	return b, nil
}

func newBackend() *Backend {
	return &Backend{workers: workerspool.New()}
}

// Backend implements the backends.Backend interface.
//
// Kernels are executed synchronously when dispatched, so the order of execution is the order of
// dispatch, and Synchronize has nothing to wait for.
type Backend struct {
	// bufferPools are a map to pools of buffers that can be reused.
	// The underlying type is map[int]*sync.Pool, keyed by the byte size.
	bufferPools sync.Map

	// workers execute the work-groups of a kernel.
	workers *workerspool.Pool

	mu        sync.Mutex
	finalized bool
}

// Compile-time check that simgo.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Simulated Go device (1x1 convolution kernels)"
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalized = true
	b.bufferPools.Clear()
}

// IsFinalized returns whether Finalize was called.
func (b *Backend) IsFinalized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalized
}

func (b *Backend) checkOk() error {
	if b.IsFinalized() {
		return errors.Errorf("backend %q has already been finalized", BackendName)
	}
	return nil
}

// Synchronize implements backends.Stream.
func (b *Backend) Synchronize() error {
	return b.checkOk()
}
