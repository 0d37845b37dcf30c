// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simgo

import (
	"github.com/gomlx/fusedconv/backends"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kernel sources the simulated device knows how to run.
const (
	Conv1x1File      = "conv1x1u.s"
	Conv1x1FusedFile = "conv1x1u_bias_activ.s"
)

// kernelSpec is what the kernel is specialized to by its compile options.
type kernelSpec struct {
	batchSize, channels, height, width, outChannels int

	readSize, kMult, chunkSize, nBlocksPerWave, wavesInGroup int

	fp16, fused, bias, activ bool
	activMode                backends.ActivationMode
}

// Kernel is a kernel "compiled" by the simulated device.
type Kernel struct {
	id   string
	info backends.KernelInfo
	spec kernelSpec
}

var _ backends.Kernel = (*Kernel)(nil)

// ID implements backends.Kernel.
func (k *Kernel) ID() string { return k.id }

// Info implements backends.Kernel.
func (k *Kernel) Info() backends.KernelInfo { return k.info }

// arity is the number of positional arguments of the kernel.
func (spec *kernelSpec) arity() int {
	if spec.activ {
		return 8
	}
	return 4
}

// Build implements backends.Stream.
//
// It returns an error wrapping backends.ErrNotImplemented for unknown kernel sources.
func (b *Backend) Build(info backends.KernelInfo) (backends.Kernel, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	var fusedFile bool
	switch info.File {
	case Conv1x1File:
	case Conv1x1FusedFile:
		fusedFile = true
	default:
		return nil, errors.Wrapf(backends.ErrNotImplemented, "backend %q: unknown kernel source %q", BackendName, info.File)
	}
	symbols, err := backends.ParseDefsyms(info.CompOptions)
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q: building %s", BackendName, info.File)
	}
	spec, err := parseSpec(symbols)
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q: building %s", BackendName, info.File)
	}
	if spec.fused != fusedFile {
		return nil, errors.Errorf("backend %q: kernel %s built with fusion_mode=%v", BackendName, info.File, spec.fused)
	}
	if !spec.fused && spec.activ {
		return nil, errors.Errorf("backend %q: activation requires fusion_mode=1 (kernel %s)", BackendName, info.File)
	}
	if info.LocalWorkSize[0] != WaveSize*spec.wavesInGroup {
		return nil, errors.Errorf("backend %q: local work size %v doesn't match %d waves per group",
			BackendName, info.LocalWorkSize, spec.wavesInGroup)
	}
	kernel := &Kernel{id: uuid.NewString(), info: info, spec: spec}
	klog.V(2).Infof("backend %q: built kernel %s from %s", BackendName, kernel.id, info)
	return kernel, nil
}

// WaveSize is the number of work-items of a wave.
const WaveSize = 64

// parseSpec validates the symbols of the kernel and converts them to a kernelSpec.
func parseSpec(symbols map[string]int) (spec kernelSpec, err error) {
	required := func(name string, minValue int) int {
		if err != nil {
			return 0
		}
		value, found := symbols[name]
		if !found {
			err = errors.Errorf("symbol %q not defined", name)
			return 0
		}
		if value < minValue {
			err = errors.Errorf("symbol %s=%d must be >= %d", name, value, minValue)
		}
		return value
	}
	flag := func(name string) bool {
		if err != nil {
			return false
		}
		value := symbols[name]
		if value != 0 && value != 1 {
			err = errors.Errorf("symbol %s=%d must be 0 or 1", name, value)
		}
		return value == 1
	}
	spec.batchSize = required("batch_size", 1)
	spec.height = required("img_h", 1)
	spec.width = required("img_w", 1)
	spec.channels = required("input_channels", 1)
	spec.outChannels = required("output_channels", 1)
	spec.readSize = required("read_size", 1)
	spec.kMult = required("k_mult", 1)
	spec.chunkSize = required("chunk_size", 1)
	spec.nBlocksPerWave = required("n_blocks_per_wave", 1)
	spec.wavesInGroup = required("waves_in_group", 1)
	spec.fp16 = flag("fp16")
	spec.fused = flag("fusion_mode")
	spec.bias = flag("bias_mode")
	spec.activ = flag("enable_activ")
	if err != nil {
		return
	}
	if spec.chunkSize*spec.nBlocksPerWave != WaveSize {
		return spec, errors.Errorf("chunk_size (%d) x n_blocks_per_wave (%d) must be %d",
			spec.chunkSize, spec.nBlocksPerWave, WaveSize)
	}
	if spec.channels%spec.readSize != 0 || spec.outChannels%spec.kMult != 0 {
		return spec, errors.Errorf("read_size %d and k_mult %d must divide input (%d) and output (%d) channels",
			spec.readSize, spec.kMult, spec.channels, spec.outChannels)
	}
	if spec.activ {
		mode, found := symbols["activ_mode"]
		if !found {
			return spec, errors.New("enable_activ=1 requires symbol activ_mode")
		}
		spec.activMode = backends.ActivationMode(mode)
		if !spec.activMode.IsValid() {
			return spec, errors.Errorf("invalid activ_mode=%d", mode)
		}
	}
	return spec, nil
}

// Run implements backends.Stream.
func (b *Backend) Run(kernel backends.Kernel) (backends.KernelFunc, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	k, ok := kernel.(*Kernel)
	if !ok || k == nil {
		return nil, errors.Errorf("kernel (%T) was not built by the %q backend", kernel, BackendName)
	}
	return func(args ...any) error {
		if err := b.checkOk(); err != nil {
			return err
		}
		call, err := k.spec.bind(args)
		if err != nil {
			return errors.WithMessagef(err, "kernel %s (%s)", k.id, k.info.File)
		}
		return b.execute(&k.spec, call)
	}, nil
}
