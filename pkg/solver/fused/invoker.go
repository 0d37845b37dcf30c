// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fused

import (
	"github.com/gomlx/fusedconv/backends"
	"github.com/gomlx/fusedconv/pkg/fusion"
	"github.com/gomlx/fusedconv/pkg/solver"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// invocationPlan is the Invoker of the fused kernel. It holds only what's needed to map an
// argument bag to the kernel's positional arguments, which are fixed by its compile options:
//
//   - no activation: (in, out, weights, bias)
//   - activation: (alpha, beta, gamma, unused, in, out, weights, bias)
//
// bias is nil if the plan has no bias. The activation scalars are float16.Float16 (and the unused
// slot an int16) for half outputs, float32 (and int32) otherwise.
type invocationPlan struct {
	hasBias     bool
	activIdx    int
	halfScalars bool
}

var _ solver.Invoker = invocationPlan{}

// arity returns the number of positional arguments of the kernel.
func (p invocationPlan) arity() int {
	if p.activIdx < 0 {
		return 4
	}
	return 8
}

// Arguments returns the positional arguments of the kernel for the argument bag params.
// It returns an error wrapping fusion.ErrTypeMismatch if params is not a *fusion.InvokeParams, or
// if one of its entries is not of the expected kind.
func (p invocationPlan) Arguments(params any) ([]any, error) {
	bag, ok := params.(*fusion.InvokeParams)
	if !ok || bag == nil {
		return nil, errors.Wrapf(fusion.ErrTypeMismatch, "%s invoked with %T, expected *fusion.InvokeParams", ID, params)
	}
	convArgs, err := fusion.ArgsAt[*fusion.ConvolutionArgs](bag, 0)
	if err != nil {
		return nil, err
	}
	var bias backends.Buffer
	if p.hasBias {
		biasArgs, err := fusion.ArgsAt[*fusion.BiasArgs](bag, 1)
		if err != nil {
			return nil, err
		}
		bias = biasArgs.Data
	}

	args := make([]any, 0, p.arity())
	if p.activIdx >= 0 {
		activArgs, err := fusion.ArgsAt[*fusion.ActivationArgs](bag, p.activIdx)
		if err != nil {
			return nil, err
		}
		if p.halfScalars {
			args = append(args,
				float16.Fromfloat32(float32(activArgs.Alpha)),
				float16.Fromfloat32(float32(activArgs.Beta)),
				float16.Fromfloat32(float32(activArgs.Gamma)),
				int16(0))
		} else {
			args = append(args,
				float32(activArgs.Alpha),
				float32(activArgs.Beta),
				float32(activArgs.Gamma),
				int32(0))
		}
	}
	args = append(args, bag.In, bag.Out, convArgs.Weights, bias)
	return args, nil
}

// Invoke implements solver.Invoker.
func (p invocationPlan) Invoke(kernels []backends.KernelFunc, params any) error {
	if len(kernels) != 1 {
		return errors.Wrapf(solver.ErrConfiguration, "%s expects only one kernel, got %d", ID, len(kernels))
	}
	args, err := p.Arguments(params)
	if err != nil {
		return err
	}
	return kernels[0](args...)
}
