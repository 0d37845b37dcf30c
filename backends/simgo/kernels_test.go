// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simgo

import (
	"math"
	"testing"

	"github.com/gomlx/fusedconv/backends"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// testShape is the problem used by the kernel tests: batch 2, 4 input channels, 3x3 images and
// 4 output channels.
const (
	testN, testC, testH, testW, testK = 2, 4, 3, 3, 4
)

type testOptions struct {
	fused, fp16, bias, activ bool
	activMode                backends.ActivationMode
	readSize, kMult          int
}

func testKernelInfo(opts testOptions) backends.KernelInfo {
	if opts.readSize == 0 {
		opts.readSize = 2
	}
	if opts.kMult == 0 {
		opts.kMult = 2
	}
	var options string
	for _, sym := range []struct {
		name  string
		value int
	}{
		{"batch_size", testN}, {"img_h", testH}, {"img_w", testW},
		{"input_channels", testC}, {"output_channels", testK},
		{"read_size", opts.readSize}, {"k_mult", opts.kMult},
		{"chunk_size", 16}, {"n_blocks_per_wave", 4}, {"waves_in_group", 1},
	} {
		options = backends.AppendDefsym(options, sym.name, sym.value)
	}
	file := Conv1x1File
	if opts.fused {
		file = Conv1x1FusedFile
		options = backends.AppendDefsym(options, "fusion_mode", 1)
	}
	if opts.fp16 {
		options = backends.AppendDefsym(options, "fp16", 1)
	}
	if opts.bias {
		options = backends.AppendDefsym(options, "bias_mode", 1)
	}
	if opts.activ {
		options = backends.AppendDefsym(options, "enable_activ", 1)
		options = backends.AppendDefsym(options, "activ_mode", int(opts.activMode))
	}
	return backends.KernelInfo{
		File:           file,
		Name:           "test",
		CompOptions:    options,
		LocalWorkSize:  [3]int{WaveSize, 1, 1},
		GlobalWorkSize: [3]int{WaveSize, testK / opts.kMult, 1},
	}
}

// testData returns input, weights and bias values with a few negative results.
func testData() (input, weights, bias []float32) {
	input = make([]float32, testN*testC*testH*testW)
	for ii := range input {
		input[ii] = float32(ii%7) - 2
	}
	weights = make([]float32, testK*testC)
	for ii := range weights {
		weights[ii] = float32(ii%5)*0.5 - 1
	}
	bias = []float32{0.5, -1, 2, 0}
	return
}

// referenceConv computes the expected output of the kernel.
func referenceConv(input, weights, bias []float32, activ func(float64) float64) []float32 {
	pixels := testH * testW
	out := make([]float32, testN*testK*pixels)
	for n := range testN {
		for k := range testK {
			for p := range pixels {
				var sum float64
				for c := range testC {
					sum += float64(input[(n*testC+c)*pixels+p]) * float64(weights[k*testC+c])
				}
				if bias != nil {
					sum += float64(bias[k])
				}
				if activ != nil {
					sum = activ(sum)
				}
				out[(n*testK+k)*pixels+p] = float32(sum)
			}
		}
	}
	return out
}

func uploadFloat32(t *testing.T, values []float32) backends.Buffer {
	buf := must.M1(backend.Create(4 * len(values)))
	require.NoError(t, backend.CopyToDevice(buf, EncodeFloat32(values)))
	t.Cleanup(func() { _ = backend.BufferFinalize(buf) })
	return buf
}

func TestBuild(t *testing.T) {
	kernel, err := backend.Build(testKernelInfo(testOptions{}))
	require.NoError(t, err)
	assert.NotEmpty(t, kernel.ID())
	assert.Equal(t, Conv1x1File, kernel.Info().File)

	other, err := backend.Build(testKernelInfo(testOptions{}))
	require.NoError(t, err)
	assert.NotEqual(t, kernel.ID(), other.ID())

	t.Run("unknown source", func(t *testing.T) {
		info := testKernelInfo(testOptions{})
		info.File = "winograd.s"
		_, err := backend.Build(info)
		require.ErrorIs(t, err, backends.ErrNotImplemented)
	})
	t.Run("missing symbol", func(t *testing.T) {
		info := testKernelInfo(testOptions{})
		info.CompOptions = backends.AppendDefsym("", "batch_size", 1)
		_, err := backend.Build(info)
		require.Error(t, err)
	})
	t.Run("fused source without fusion_mode", func(t *testing.T) {
		info := testKernelInfo(testOptions{})
		info.File = Conv1x1FusedFile
		_, err := backend.Build(info)
		require.Error(t, err)
	})
	t.Run("wave not covered", func(t *testing.T) {
		info := testKernelInfo(testOptions{})
		info.CompOptions = backends.AppendDefsym(info.CompOptions, "chunk_size", 8)
		_, err := backend.Build(info)
		require.Error(t, err)
	})
	t.Run("invalid activation", func(t *testing.T) {
		_, err := backend.Build(testKernelInfo(testOptions{fused: true, activ: true, activMode: 42}))
		require.Error(t, err)
	})
}

func TestRunFloat32(t *testing.T) {
	input, weights, bias := testData()
	inBuf, wBuf, biasBuf := uploadFloat32(t, input), uploadFloat32(t, weights), uploadFloat32(t, bias)
	outBuf := must.M1(backend.Create(4 * testN * testK * testH * testW))
	defer func() { must.M(backend.BufferFinalize(outBuf)) }()

	relu := func(x float64) float64 { return backends.ActivationRelu.Apply(x, 0, 0, 0) }
	for _, tc := range []struct {
		name string
		opts testOptions
		args []any
		want []float32
	}{
		{"conv", testOptions{}, []any{inBuf, outBuf, wBuf, nil},
			referenceConv(input, weights, nil, nil)},
		{"conv+bias", testOptions{bias: true}, []any{inBuf, outBuf, wBuf, biasBuf},
			referenceConv(input, weights, bias, nil)},
		{"fused bias ignored without bias_mode", testOptions{fused: true}, []any{inBuf, outBuf, wBuf, biasBuf},
			referenceConv(input, weights, nil, nil)},
		{"fused bias+relu", testOptions{fused: true, bias: true, activ: true, activMode: backends.ActivationRelu},
			[]any{float32(1), float32(0), float32(0), int32(0), inBuf, outBuf, wBuf, biasBuf},
			referenceConv(input, weights, bias, relu)},
		{"read size 1, k mult 4", testOptions{readSize: 1, kMult: 4, bias: true}, []any{inBuf, outBuf, wBuf, biasBuf},
			referenceConv(input, weights, bias, nil)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			kernel := must.M1(backend.Build(testKernelInfo(tc.opts)))
			fn := must.M1(backend.Run(kernel))
			require.NoError(t, fn(tc.args...))
			require.NoError(t, backend.Synchronize())
			got := make([]byte, outBuf.ByteSize())
			require.NoError(t, backend.CopyFromDevice(got, outBuf))
			assert.InDeltaSlice(t, tc.want, DecodeFloat32(got), 1e-4)
		})
	}
}

func TestRunFloat16(t *testing.T) {
	input, weights, bias := testData()
	toHalf := func(values []float32) backends.Buffer {
		halves := make([]float16.Float16, len(values))
		for ii, v := range values {
			halves[ii] = float16.Fromfloat32(v)
		}
		buf := must.M1(backend.Create(2 * len(values)))
		require.NoError(t, backend.CopyToDevice(buf, EncodeFloat16(halves)))
		t.Cleanup(func() { _ = backend.BufferFinalize(buf) })
		return buf
	}
	inBuf, wBuf, biasBuf := toHalf(input), toHalf(weights), toHalf(bias)
	outBuf := must.M1(backend.Create(2 * testN * testK * testH * testW))
	defer func() { must.M(backend.BufferFinalize(outBuf)) }()

	alpha := 0.1
	leaky := func(x float64) float64 {
		return backends.ActivationLeakyRelu.Apply(x, float64(float16.Fromfloat32(float32(alpha)).Float32()), 0, 0)
	}
	kernel := must.M1(backend.Build(testKernelInfo(testOptions{
		fused: true, fp16: true, bias: true, activ: true, activMode: backends.ActivationLeakyRelu})))
	fn := must.M1(backend.Run(kernel))
	half := float16.Fromfloat32
	require.NoError(t, fn(half(float32(alpha)), half(0), half(0), int16(0), inBuf, outBuf, wBuf, biasBuf))

	got := make([]byte, outBuf.ByteSize())
	require.NoError(t, backend.CopyFromDevice(got, outBuf))
	want := referenceConv(input, weights, bias, leaky)
	for ii, v := range DecodeFloat16(got) {
		require.InDelta(t, want[ii], v.Float32(), 1e-2*math.Max(1, math.Abs(float64(want[ii]))), "element %d", ii)
	}
}

func TestRunCallingConvention(t *testing.T) {
	input, weights, bias := testData()
	inBuf, wBuf, biasBuf := uploadFloat32(t, input), uploadFloat32(t, weights), uploadFloat32(t, bias)
	outBuf := uploadFloat32(t, make([]float32, testN*testK*testH*testW))
	small := uploadFloat32(t, []float32{1})

	plain := must.M1(backend.Run(must.M1(backend.Build(testKernelInfo(testOptions{bias: true})))))
	activ := must.M1(backend.Run(must.M1(backend.Build(testKernelInfo(
		testOptions{fused: true, activ: true, activMode: backends.ActivationRelu})))))
	for _, tc := range []struct {
		name string
		fn   backends.KernelFunc
		args []any
	}{
		{"too few arguments", plain, []any{inBuf, outBuf, wBuf}},
		{"activation scalars to a plain kernel", plain,
			[]any{float32(1), float32(0), float32(0), int32(0), inBuf, outBuf, wBuf, biasBuf}},
		{"missing bias", plain, []any{inBuf, outBuf, wBuf, nil}},
		{"buffer too small", plain, []any{inBuf, small, wBuf, biasBuf}},
		{"not a buffer", plain, []any{inBuf, outBuf, "weights", biasBuf}},
		{"missing activation scalars", activ, []any{inBuf, outBuf, wBuf, nil}},
		{"float64 scalars", activ, []any{1.0, 0.0, 0.0, int32(0), inBuf, outBuf, wBuf, nil}},
		{"half scalars on float32 kernel", activ,
			[]any{float16.Fromfloat32(1), float16.Fromfloat32(0), float16.Fromfloat32(0), int16(0), inBuf, outBuf, wBuf, nil}},
		{"int16 unused slot on float32 kernel", activ,
			[]any{float32(1), float32(0), float32(0), int16(0), inBuf, outBuf, wBuf, nil}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.fn(tc.args...))
		})
	}
}
