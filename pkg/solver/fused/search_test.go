// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fused

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/fusedconv/backends"
	"github.com/gomlx/fusedconv/backends/simgo"
	"github.com/gomlx/fusedconv/pkg/conv"
	"github.com/gomlx/fusedconv/pkg/core/dtypes"
	"github.com/gomlx/fusedconv/pkg/core/shapes"
	"github.com/gomlx/fusedconv/pkg/fusion"
	"github.com/gomlx/fusedconv/pkg/solver"
	"github.com/gomlx/fusedconv/pkg/solver/conv1x1"
	"github.com/gomlx/fusedconv/pkg/solver/perfdb"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStream wraps a stream, counting allocations and optionally failing them.
type countingStream struct {
	backends.Stream
	sizes       []int
	numReleased int
	failAt      int
}

func (s *countingStream) Create(byteSize int) (backends.Buffer, error) {
	if s.failAt > 0 && len(s.sizes)+1 == s.failAt {
		return nil, errors.New("out of device memory")
	}
	s.sizes = append(s.sizes, byteSize)
	return s.Stream.Create(byteSize)
}

func (s *countingStream) BufferFinalize(buffer backends.Buffer) error {
	s.numReleased++
	return s.Stream.BufferFinalize(buffer)
}

func newSimBackend(t *testing.T) backends.Backend {
	backend := must.M1(simgo.New(""))
	t.Cleanup(backend.Finalize)
	return backend
}

// smallConvOp is a convolution small enough to search quickly: 1x8x4x4 input, 8 output channels.
func smallConvOp(t *testing.T, dtype dtypes.DType) *fusion.ConvOp {
	return must.M1(fusion.NewConvOp(shapes.Make(dtype, 1, 8, 4, 4), shapes.Make(dtype, 8, 8, 1, 1), conv.DefaultDescriptor()))
}

func TestSearch(t *testing.T) {
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float16} {
		t.Run(dtype.String(), func(t *testing.T) {
			stream := &countingStream{Stream: newSimBackend(t)}
			// No bias in the plan: the kernel still gets a bias slot, and search allocates it.
			plan := fusion.NewPlan(smallConvOp(t, dtype), fusion.NewActivationOp(backends.ActivationRelu, 1, 0, 0, dtype))
			ctx := fusion.NewContext(plan, stream)
			s := New()
			require.True(t, must.M1(s.IsApplicable(solver.Config{}, ctx)))

			var numEvents, numFailed int
			config, err := s.Search(ctx, solver.SearchOptions{Observer: func(e solver.SearchEvent) {
				numEvents++
				if e.Err != nil {
					numFailed++
				}
			}})
			require.NoError(t, err)
			assert.True(t, s.IsValidPerformanceConfig(ctx, config))
			assert.Equal(t, 320, numEvents)
			assert.Equal(t, 0, numFailed)

			elemSize := dtype.Size()
			assert.Equal(t, []int{8 * 16 * elemSize, 8 * 8 * elemSize, 8 * 16 * elemSize, 8 * elemSize}, stream.sizes)
			assert.Equal(t, 4, stream.numReleased, "scratch buffers must be released")
		})
	}
}

func TestSearchBackwardRejected(t *testing.T) {
	stream := &countingStream{Stream: newSimBackend(t)}
	convOp := smallConvOp(t, dtypes.Float32)
	convOp.Direction = conv.BackwardData
	ctx := fusion.NewContext(fusion.NewPlan(convOp, newBias(dtypes.Float32)), stream)
	_, err := New().Search(ctx, solver.SearchOptions{})
	require.ErrorIs(t, err, solver.ErrUnsupportedDirection)
	assert.Empty(t, stream.sizes, "nothing should be allocated")
}

func TestSearchReleasesOnFailure(t *testing.T) {
	stream := &countingStream{Stream: newSimBackend(t), failAt: 3}
	ctx := fusion.NewContext(fusion.NewPlan(smallConvOp(t, dtypes.Float32)), stream)
	_, err := New().Search(ctx, solver.SearchOptions{})
	require.Error(t, err)
	assert.Len(t, stream.sizes, 2)
	assert.Equal(t, 2, stream.numReleased)

	// Every candidate fails to build: search exhausted, buffers still released.
	stream = &countingStream{Stream: newSimBackend(t)}
	ctx = fusion.NewContext(fusion.NewPlan(smallConvOp(t, dtypes.Float32)), stream)
	s := NewWithBase(renamingBase{})
	_, err = s.Search(ctx, solver.SearchOptions{})
	require.ErrorIs(t, err, solver.ErrSearchExhausted)
	assert.Equal(t, 4, stream.numReleased)
}

// renamingBase is the conv1x1 solver with a kernel the simulated device rejects.
type renamingBase struct{}

func (renamingBase) IsApplicable(cfg solver.Config, problem *conv.Problem) bool {
	return conv1x1Base.IsApplicable(cfg, problem)
}

func (renamingBase) GetSolution(problem *conv.Problem, config *conv1x1.PerformanceConfig) (*solver.Solution, error) {
	solution, err := conv1x1Base.GetSolution(problem, config)
	if err != nil {
		return nil, err
	}
	solution.Kernels[0].CompOptions += " -Wa,-defsym,chunk_size=3"
	return solution, nil
}

var conv1x1Base = conv1x1.New()

func TestFindAndRun(t *testing.T) {
	backend := newSimBackend(t)
	const n, c, h, w, k = 1, 8, 4, 4, 8
	f32 := dtypes.Float32
	convOp := smallConvOp(t, f32)
	plan := fusion.NewPlan(convOp, fusion.NewBiasOp(f32, k),
		fusion.NewActivationOp(backends.ActivationClippedRelu, 3, 0, 0, f32))
	ctx := fusion.NewContext(plan, backend)

	dbPath := filepath.Join(t.TempDir(), "perf.json")
	db := must.M1(perfdb.Open(dbPath))
	var numEvents int
	opts := solver.SearchOptions{Observer: func(solver.SearchEvent) { numEvents++ }}
	solution, config, err := New().Find(solver.Config{}, ctx, db, opts)
	require.NoError(t, err)
	assert.Greater(t, numEvents, 0)
	require.NoError(t, db.Save())

	// Tuned config is reused, without searching.
	numEvents = 0
	db = must.M1(perfdb.Open(dbPath))
	_, config2, err := New().Find(solver.Config{}, ctx, db, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, numEvents)
	assert.Equal(t, config.Serialize(), config2.Serialize())

	// Run the fused kernel and compare with the unfused computation.
	input := make([]float32, n*c*h*w)
	for ii := range input {
		input[ii] = float32(ii%5) - 2
	}
	weights := make([]float32, k*c)
	for ii := range weights {
		weights[ii] = float32(ii%3) - 1
	}
	bias := []float32{-1, 0, 1, 2, -2, 0.5, 3, -0.5}
	upload := func(values []float32) backends.Buffer {
		buf := must.M1(backend.Create(4 * len(values)))
		must.M(backend.CopyToDevice(buf, simgo.EncodeFloat32(values)))
		return buf
	}
	out := must.M1(backend.Create(4 * n * k * h * w))
	params := fusion.NewInvokeParams(upload(input), out,
		&fusion.ConvolutionArgs{Weights: upload(weights)},
		&fusion.BiasArgs{Data: upload(bias)},
		&fusion.ActivationArgs{Alpha: 3})
	program := must.M1(solver.Prepare(backend, solution))
	require.NoError(t, program.Run(params))
	require.NoError(t, backend.Synchronize())
	got := make([]byte, out.ByteSize())
	require.NoError(t, backend.CopyFromDevice(got, out))
	results := simgo.DecodeFloat32(got)

	pixels := h * w
	for ki := range k {
		for p := range pixels {
			var sum float32
			for ci := range c {
				sum += input[ci*pixels+p] * weights[ki*c+ci]
			}
			want := min(3, max(0, sum+bias[ki]))
			require.InDelta(t, want, results[ki*pixels+p], 1e-5, "channel %d, pixel %d", ki, p)
		}
	}
}

func TestFindNotApplicable(t *testing.T) {
	convOp := must.M1(fusion.NewConvOp(shapes.Make(dtypes.Float32, 1, 8, 4, 4), shapes.Make(dtypes.Float32, 8, 8, 1, 1),
		conv.DefaultDescriptor().WithStrides(2, 2)))
	ctx := fusion.NewContext(fusion.NewPlan(convOp), newSimBackend(t))
	_, _, err := New().Find(solver.Config{}, ctx, nil, solver.SearchOptions{})
	require.ErrorIs(t, err, solver.ErrNotApplicable)

	_, _, err = New().Find(solver.Config{}, fusion.NewContext(fusion.NewPlan(), nil), nil, solver.SearchOptions{})
	require.ErrorIs(t, err, solver.ErrConfiguration)
}
