// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fused

import (
	"testing"

	"github.com/gomlx/fusedconv/backends"
	"github.com/gomlx/fusedconv/pkg/conv"
	"github.com/gomlx/fusedconv/pkg/core/dtypes"
	"github.com/gomlx/fusedconv/pkg/core/shapes"
	"github.com/gomlx/fusedconv/pkg/fusion"
	"github.com/gomlx/fusedconv/pkg/solver"
	"github.com/gomlx/fusedconv/pkg/solver/conv1x1"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func newConvOp(t *testing.T, dtype dtypes.DType, desc conv.Descriptor) *fusion.ConvOp {
	t.Helper()
	return must.M1(fusion.NewConvOp(shapes.Make(dtype, 1, 16, 8, 8), shapes.Make(dtype, 32, 16, 1, 1), desc))
}

func newBias(dtype dtypes.DType) *fusion.BiasOp { return fusion.NewBiasOp(dtype, 32) }

func newRelu(dtype dtypes.DType) *fusion.ActivationOp {
	return fusion.NewActivationOp(backends.ActivationRelu, 1, 0, 0, dtype)
}

// fakeBase is a BaseSolver with a fixed applicability, returning numKernels copies of the
// conv1x1 kernel.
type fakeBase struct {
	applicable bool
	numKernels int
	err        error
	problems   []*conv.Problem
}

func (b *fakeBase) IsApplicable(_ solver.Config, problem *conv.Problem) bool {
	b.problems = append(b.problems, problem)
	return b.applicable
}

func (b *fakeBase) GetSolution(problem *conv.Problem, config *conv1x1.PerformanceConfig) (*solver.Solution, error) {
	if b.err != nil {
		return nil, b.err
	}
	solution := &solver.Solution{Weight: 1}
	for range b.numKernels {
		solution.Kernels = append(solution.Kernels, conv1x1.KernelInfo(problem, config))
	}
	return solution, nil
}

func TestIsApplicableEmptyPlan(t *testing.T) {
	s := NewWithBase(&fakeBase{applicable: true})
	_, err := s.IsApplicable(solver.Config{}, fusion.NewContext(fusion.NewPlan(), nil))
	require.ErrorIs(t, err, solver.ErrConfiguration)

	// Even if assembly kernels are disabled.
	_, err = s.IsApplicable(solver.Config{AsmKernelsDisabled: true}, fusion.NewContext(fusion.NewPlan(), nil))
	require.ErrorIs(t, err, solver.ErrConfiguration)
}

func TestIsApplicable(t *testing.T) {
	f32 := dtypes.Float32
	desc := conv.DefaultDescriptor()
	convOp := newConvOp(t, f32, desc)
	bias, relu := newBias(f32), newRelu(f32)

	wellFormed := []*fusion.Plan{
		fusion.NewPlan(convOp),
		fusion.NewPlan(convOp, bias),
		fusion.NewPlan(convOp, relu),
		fusion.NewPlan(convOp, bias, relu),
	}
	for _, baseApplicable := range []bool{true, false} {
		for _, plan := range wellFormed {
			base := &fakeBase{applicable: baseApplicable}
			applicable, err := NewWithBase(base).IsApplicable(solver.Config{}, fusion.NewContext(plan, nil))
			require.NoError(t, err)
			assert.Equal(t, baseApplicable, applicable, "plan %s, base applicable=%v", plan, baseApplicable)

			// Base is asked about the forward convolution alone.
			require.Len(t, base.problems, 1)
			assert.Equal(t, conv.Forward, base.problems[0].Direction)
			assert.False(t, base.problems[0].Bias)
		}
	}

	notApplicable := map[string]*fusion.Plan{
		"activation before bias": fusion.NewPlan(convOp, relu, bias),
		"two activations":        fusion.NewPlan(convOp, relu, relu),
		"two biases":             fusion.NewPlan(convOp, bias, bias),
		"bias first":             fusion.NewPlan(bias, convOp),
		"activation first":       fusion.NewPlan(relu),
		"two convolutions":       fusion.NewPlan(convOp, convOp),
		"too many operations":    fusion.NewPlan(convOp, bias, relu, relu),
		"stride 2":               fusion.NewPlan(newConvOp(t, f32, desc.WithStrides(2, 2)), bias, relu),
		"asymmetric stride":      fusion.NewPlan(newConvOp(t, f32, desc.WithStrides(1, 2))),
		"padding":                fusion.NewPlan(newConvOp(t, f32, desc.WithPadding(1, 1)), bias),
		"asymmetric padding":     fusion.NewPlan(newConvOp(t, f32, desc.WithPadding(0, 1))),
		"dilation":               fusion.NewPlan(newConvOp(t, f32, desc.WithDilations(2, 2)), relu),
		"asymmetric dilation":    fusion.NewPlan(newConvOp(t, f32, desc.WithDilations(1, 2))),
	}
	for name, plan := range notApplicable {
		t.Run(name, func(t *testing.T) {
			base := &fakeBase{applicable: true}
			applicable, err := NewWithBase(base).IsApplicable(solver.Config{}, fusion.NewContext(plan, nil))
			require.NoError(t, err)
			assert.False(t, applicable)
			assert.Empty(t, base.problems, "base solver should not be consulted")
		})
	}

	t.Run("disabled", func(t *testing.T) {
		applicable, err := NewWithBase(&fakeBase{applicable: true}).IsApplicable(
			solver.Config{AsmKernelsDisabled: true}, fusion.NewContext(wellFormed[3], nil))
		require.NoError(t, err)
		assert.False(t, applicable)
	})

	t.Run("conv1x1 base", func(t *testing.T) {
		s := New()
		for _, tc := range []struct {
			dtype dtypes.DType
			want  bool
		}{{dtypes.Float32, true}, {dtypes.Float16, true}, {dtypes.Float64, false}} {
			plan := fusion.NewPlan(newConvOp(t, tc.dtype, desc), newBias(tc.dtype), newRelu(tc.dtype))
			applicable, err := s.IsApplicable(solver.Config{}, fusion.NewContext(plan, nil))
			require.NoError(t, err)
			assert.Equal(t, tc.want, applicable, "dtype %s", tc.dtype)
		}
	})
}

func TestPerformanceConfig(t *testing.T) {
	convOp := newConvOp(t, dtypes.Float16, conv.DefaultDescriptor())
	ctx := fusion.NewContext(fusion.NewPlan(convOp, newBias(dtypes.Float16)), nil)
	problem := convOp.Problem(conv.Forward)
	s := New()

	config := s.GetDefaultPerformanceConfig(ctx)
	baseConfig := conv1x1.New().GetDefaultPerformanceConfig(problem)
	assert.Equal(t, baseConfig.Serialize(), config.Serialize())
	assert.True(t, s.IsValidPerformanceConfig(ctx, config))

	// Same enumeration as the base config.
	for {
		require.Equal(t, baseConfig.Serialize(), config.Serialize())
		require.Equal(t, baseConfig.IsValid(problem), config.IsValid(ctx))
		more, baseMore := config.SetNextValue(ctx), baseConfig.SetNextValue(problem)
		require.Equal(t, baseMore, more)
		if !more {
			break
		}
	}

	fresh := s.GetDefaultPerformanceConfig(ctx)
	clone := fresh.Clone()
	require.True(t, clone.SetNextValue(ctx))
	assert.NotEqual(t, fresh.Serialize(), clone.Serialize(), "clones must be independent")

	parsed := &PerformanceConfig{}
	require.NoError(t, parsed.Deserialize("2,4,16,4,1"))
	assert.Equal(t, "2,4,16,4,1", parsed.String())
	assert.Equal(t, "2,4,16,4,1", parsed.Base().Serialize())
	assert.Equal(t, "2,4,16,4,1", NewPerformanceConfig(parsed.Base()).Serialize())
	require.Error(t, parsed.Deserialize("2,4"))

	// Without a convolution there's nothing to tune.
	empty := fusion.NewContext(fusion.NewPlan(), nil)
	config = &PerformanceConfig{}
	config.HeuristicInit(empty)
	assert.Equal(t, conv1x1.MinimalConfig().Serialize(), config.Serialize())
	assert.False(t, config.IsValid(empty))
	assert.False(t, config.SetNextValue(empty))
}

func TestGetSolution(t *testing.T) {
	f32 := dtypes.Float32
	convOp := newConvOp(t, f32, conv.DefaultDescriptor())
	s := New()
	for _, tc := range []struct {
		name              string
		plan              *fusion.Plan
		bias, activ       bool
		wantActivModeFlag int
	}{
		{"conv", fusion.NewPlan(convOp), false, false, 0},
		{"conv+bias", fusion.NewPlan(convOp, newBias(f32)), true, false, 0},
		{"conv+relu", fusion.NewPlan(convOp, newRelu(f32)), false, true, int(backends.ActivationRelu)},
		{"conv+bias+elu", fusion.NewPlan(convOp, newBias(f32),
			fusion.NewActivationOp(backends.ActivationElu, 1, 0, 0, f32)), true, true, int(backends.ActivationElu)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := fusion.NewContext(tc.plan, nil)
			config := s.GetDefaultPerformanceConfig(ctx)
			solution, err := s.GetSolution(ctx, config)
			require.NoError(t, err)
			require.Len(t, solution.Kernels, 1)
			assert.Equal(t, Weight, solution.Weight)
			info := solution.Kernels[0]
			assert.Equal(t, KernelFile, info.File)

			baseInfo := conv1x1.KernelInfo(convOp.Problem(conv.Forward), config.Base())
			assert.Equal(t, baseInfo.LocalWorkSize, info.LocalWorkSize)
			assert.Equal(t, baseInfo.GlobalWorkSize, info.GlobalWorkSize)

			symbols := must.M1(backends.ParseDefsyms(info.CompOptions))
			assert.Equal(t, 1, symbols[SymFusionMode])
			_, hasBias := symbols[SymBiasMode]
			assert.Equal(t, tc.bias, hasBias)
			_, hasActiv := symbols[SymEnableActiv]
			assert.Equal(t, tc.activ, hasActiv)
			activMode, hasActivMode := symbols[SymActivMode]
			assert.Equal(t, tc.activ, hasActivMode)
			assert.Equal(t, tc.wantActivModeFlag, activMode)
		})
	}

	t.Run("base kernel count", func(t *testing.T) {
		ctx := fusion.NewContext(fusion.NewPlan(convOp, newBias(f32)), nil)
		for _, numKernels := range []int{0, 2} {
			s := NewWithBase(&fakeBase{applicable: true, numKernels: numKernels})
			_, err := s.GetSolution(ctx, s.GetDefaultPerformanceConfig(ctx))
			require.ErrorIs(t, err, solver.ErrConfiguration, "base returned %d kernels", numKernels)
		}
		s := NewWithBase(&fakeBase{applicable: true, numKernels: 1})
		_, err := s.GetSolution(ctx, s.GetDefaultPerformanceConfig(ctx))
		require.NoError(t, err)
	})

	t.Run("base error", func(t *testing.T) {
		ctx := fusion.NewContext(fusion.NewPlan(convOp), nil)
		baseErr := errors.New("out of registers")
		s := NewWithBase(&fakeBase{err: baseErr})
		_, err := s.GetSolution(ctx, s.GetDefaultPerformanceConfig(ctx))
		require.ErrorIs(t, err, baseErr)
	})

	t.Run("empty plan", func(t *testing.T) {
		ctx := fusion.NewContext(fusion.NewPlan(), nil)
		_, err := s.GetSolution(ctx, NewPerformanceConfig(conv1x1.MinimalConfig()))
		require.ErrorIs(t, err, solver.ErrConfiguration)
	})
}
