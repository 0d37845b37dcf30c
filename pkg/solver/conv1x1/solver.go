// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package conv1x1 implements the solver of 1x1 convolutions with unit strides and no padding,
// based on the "conv1x1u.s" assembly kernel.
//
// It's used on its own for single convolutions, and as the base of the fused convolution+bias+activation
// solver (see package fused).
package conv1x1

import (
	"math"

	"github.com/gomlx/fusedconv/backends"
	"github.com/gomlx/fusedconv/pkg/conv"
	"github.com/gomlx/fusedconv/pkg/core/dtypes"
	"github.com/gomlx/fusedconv/pkg/solver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ID of the solver, used to index tuning databases.
const ID = "ConvAsm1x1U"

// KernelFile is the source of the kernel.
const KernelFile = "conv1x1u.s"

// KernelName is the entry point of the kernel.
const KernelName = "gcnAsmConv1x1U"

// Names of the symbols defined in the compile options of the kernel.
const (
	SymBatchSize      = "batch_size"
	SymImgH           = "img_h"
	SymImgW           = "img_w"
	SymInputChannels  = "input_channels"
	SymOutputChannels = "output_channels"
	SymReadSize       = "read_size"
	SymKMult          = "k_mult"
	SymChunkSize      = "chunk_size"
	SymNBlocksPerWave = "n_blocks_per_wave"
	SymWavesInGroup   = "waves_in_group"
	SymFP16           = "fp16"
	SymBiasMode       = "bias_mode"
)

// Solver of 1x1 convolutions. It has no state, the zero value is ready to use.
type Solver struct{}

// New returns a new 1x1 convolution solver.
func New() *Solver { return &Solver{} }

// ID implements solver.TunableSolver.
func (s *Solver) ID() string { return ID }

// IsApplicable returns whether the kernel can run the convolution problem.
func (s *Solver) IsApplicable(cfg solver.Config, problem *conv.Problem) bool {
	if cfg.AsmKernelsDisabled {
		return false
	}
	if !problem.Direction.IsForward() {
		return false
	}
	if problem.Input.Rank() != 4 || problem.Weights.Rank() != 4 || problem.Output.Rank() != 4 {
		return false
	}
	if problem.KernelHeight() != 1 || problem.KernelWidth() != 1 {
		return false
	}
	desc := problem.Conv
	if desc.PadH != 0 || desc.PadW != 0 || desc.StrideH != 1 || desc.StrideW != 1 ||
		desc.DilationH != 1 || desc.DilationW != 1 || desc.GroupCount != 1 {
		return false
	}
	dtype := problem.DType()
	if dtype != dtypes.Float32 && dtype != dtypes.Float16 {
		return false
	}
	if problem.Weights.DType != dtype || problem.OutDType() != dtype {
		return false
	}
	// Offsets are 32 bits in the kernel.
	for _, size := range []int{problem.InSize(), problem.WeightsSize(), problem.OutSize()} {
		if size > math.MaxInt32 {
			return false
		}
	}
	return true
}

// GetDefaultPerformanceConfig implements solver.TunableSolver.
func (s *Solver) GetDefaultPerformanceConfig(problem *conv.Problem) *PerformanceConfig {
	config := &PerformanceConfig{}
	config.HeuristicInit(problem)
	klog.V(1).Infof("%s: heuristic config %s for %s", ID, config, problem)
	return config
}

// IsValidPerformanceConfig implements solver.TunableSolver.
func (s *Solver) IsValidPerformanceConfig(problem *conv.Problem, config *PerformanceConfig) bool {
	return config.IsValidValue() && config.IsValid(problem)
}

// GetSolution implements solver.TunableSolver. It returns a solution with one kernel,
// invoked with *conv.DataInvokeParams.
func (s *Solver) GetSolution(problem *conv.Problem, config *PerformanceConfig) (*solver.Solution, error) {
	if !s.IsValidPerformanceConfig(problem, config) {
		return nil, errors.Wrapf(solver.ErrConfiguration, "%s: config %s is not valid for %s", ID, config, problem)
	}
	info := KernelInfo(problem, config)
	return &solver.Solution{
		Kernels: []backends.KernelInfo{info},
		Invoker: dataInvoker{hasBias: problem.Bias},
		Weight:  1,
	}, nil
}

// KernelInfo returns how to build the kernel for the problem and config: the problem shape and the
// tunable parameters are passed as defined symbols.
func KernelInfo(problem *conv.Problem, config *PerformanceConfig) backends.KernelInfo {
	var options string
	for _, sym := range []struct {
		name  string
		value int
	}{
		{SymBatchSize, problem.BatchSize()},
		{SymImgH, problem.InHeight()},
		{SymImgW, problem.InWidth()},
		{SymInputChannels, problem.InChannels()},
		{SymOutputChannels, problem.OutChannels()},
		{SymReadSize, config.ReadSize},
		{SymKMult, config.KMult},
		{SymChunkSize, config.ChunkSize},
		{SymNBlocksPerWave, config.NBlocksPerWave},
		{SymWavesInGroup, config.WavesInGroup},
	} {
		options = backends.AppendDefsym(options, sym.name, sym.value)
	}
	if problem.OutDType() == dtypes.Float16 {
		options = backends.AppendDefsym(options, SymFP16, 1)
	}
	if problem.Bias {
		options = backends.AppendDefsym(options, SymBiasMode, 1)
	}

	// Each work-group handles one wave's worth of pixels, and KMult*WavesInGroup output channels.
	numPixels := problem.BatchSize() * problem.OutHeight() * problem.OutWidth()
	pixelGroups := ceilDiv(numPixels, WaveSize)
	channelGroups := ceilDiv(problem.OutChannels(), config.KMult*config.WavesInGroup)
	local := config.WorkGroupSize()
	return backends.KernelInfo{
		File:           KernelFile,
		Name:           KernelName,
		CompOptions:    options,
		LocalWorkSize:  [3]int{local, 1, 1},
		GlobalWorkSize: [3]int{local * pixelGroups, channelGroups, 1},
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// dataInvoker dispatches the kernel with (in, out, weights, bias), where bias is nil if the
// problem has no bias.
type dataInvoker struct {
	hasBias bool
}

// Invoke implements solver.Invoker.
func (inv dataInvoker) Invoke(kernels []backends.KernelFunc, params any) error {
	if len(kernels) != 1 {
		return errors.Wrapf(solver.ErrConfiguration, "%s: expected 1 kernel, got %d", ID, len(kernels))
	}
	data, ok := params.(*conv.DataInvokeParams)
	if !ok || data == nil {
		return errors.Wrapf(solver.ErrConfiguration, "%s: invoked with %T, expected *conv.DataInvokeParams", ID, params)
	}
	var bias backends.Buffer
	if inv.hasBias {
		bias = data.Bias
	}
	return kernels[0](data.In, data.Out, data.Weights, bias)
}

// Search times every valid config for the problem on stream, and returns the fastest.
// The problem must be applicable.
func (s *Solver) Search(stream backends.Stream, problem *conv.Problem, opts solver.SearchOptions) (config *PerformanceConfig, err error) {
	if !problem.Direction.IsForward() {
		return nil, errors.Wrapf(solver.ErrUnsupportedDirection, "%s: only inference is supported, got %s", ID, problem.Direction)
	}
	params := &conv.DataInvokeParams{}
	sizes := []int{problem.InSize(), problem.WeightsSize(), problem.OutSize()}
	if problem.Bias {
		sizes = append(sizes, problem.BiasSize)
	}
	buffers := make([]backends.Buffer, 0, len(sizes))
	defer func() {
		for _, buf := range buffers {
			if finalizeErr := stream.BufferFinalize(buf); finalizeErr != nil && err == nil {
				err = errors.WithMessagef(finalizeErr, "%s: releasing search buffers", ID)
			}
		}
	}()
	for _, size := range sizes {
		buf, createErr := stream.Create(size)
		if createErr != nil {
			return nil, errors.WithMessagef(createErr, "%s: allocating search buffers", ID)
		}
		buffers = append(buffers, buf)
	}
	params.In, params.Weights, params.Out = buffers[0], buffers[1], buffers[2]
	if problem.Bias {
		params.Bias = buffers[3]
	}
	return solver.GenericSearch[*conv.Problem, *PerformanceConfig](s, problem, stream, params, opts)
}
