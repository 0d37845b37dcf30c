// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fused implements the solver of fused convolution+bias+activation plans, that runs a
// 1x1 convolution, an optional bias and an optional activation in one dispatch of the
// "conv1x1u_bias_activ.s" kernel.
//
// It's built on top of the 1x1 convolution solver (package conv1x1): applicability, tuning
// and kernel build are those of the plan's convolution, and the fused operations are enabled with
// extra compile options, which also change the kernel's calling convention.
package fused

import (
	"github.com/gomlx/fusedconv/backends"
	"github.com/gomlx/fusedconv/pkg/conv"
	"github.com/gomlx/fusedconv/pkg/core/dtypes"
	"github.com/gomlx/fusedconv/pkg/fusion"
	"github.com/gomlx/fusedconv/pkg/solver"
	"github.com/gomlx/fusedconv/pkg/solver/conv1x1"
	"github.com/gomlx/fusedconv/pkg/solver/perfdb"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ID of the solver, used to index tuning databases.
const ID = "ConvBiasActivAsm1x1U"

// KernelFile is the source of the fused kernel.
const KernelFile = "conv1x1u_bias_activ.s"

// Weight of the fused solutions, relative to other solutions of the same plan.
const Weight float32 = 50

// Names of the symbols the fused solver adds to the compile options of the base kernel.
const (
	SymFusionMode  = "fusion_mode"
	SymBiasMode    = "bias_mode"
	SymEnableActiv = "enable_activ"
	SymActivMode   = "activ_mode"
)

// BaseSolver is the solver of the plan's convolution alone: conv1x1.Solver, or a replacement in tests.
type BaseSolver interface {
	IsApplicable(cfg solver.Config, problem *conv.Problem) bool
	GetSolution(problem *conv.Problem, config *conv1x1.PerformanceConfig) (*solver.Solution, error)
}

// Solver of fused convolution+bias+activation plans.
type Solver struct {
	Base BaseSolver
}

var _ solver.SearchableSolver[*fusion.Context, *PerformanceConfig] = (*Solver)(nil)

// New returns a fused solver based on conv1x1.Solver.
func New() *Solver {
	return NewWithBase(conv1x1.New())
}

// NewWithBase returns a fused solver based on the given solver of 1x1 convolutions.
func NewWithBase(base BaseSolver) *Solver {
	return &Solver{Base: base}
}

// ID implements solver.TunableSolver.
func (s *Solver) ID() string { return ID }

func notApplicable(format string, args ...any) (bool, error) {
	if klog.V(2).Enabled() {
		klog.Infof(ID+": not applicable: "+format, args...)
	}
	return false, nil
}

// IsApplicable returns whether the solver can run the plan of ctx in one dispatch.
//
// The plan must be a convolution, optionally followed by a bias, optionally followed by an
// activation. The convolution must have no padding, unit strides and no dilation, and be
// supported by the base solver.
//
// An empty plan is a caller error: it returns an error wrapping solver.ErrConfiguration.
func (s *Solver) IsApplicable(cfg solver.Config, ctx *fusion.Context) (bool, error) {
	plan := ctx.Plan()
	if plan == nil || plan.IsEmpty() {
		return false, errors.Wrapf(solver.ErrConfiguration, "%s: empty fusion plan", ID)
	}
	if cfg.AsmKernelsDisabled {
		return notApplicable("assembly kernels disabled")
	}
	ops := plan.Ops
	if len(ops) > fusion.MaxOps {
		return notApplicable("%d operations", len(ops))
	}
	if ops[0].Kind() != fusion.OpConvolution {
		return notApplicable("plan starts with %s", ops[0].Kind())
	}
	if len(ops) >= 2 {
		if kind := ops[1].Kind(); kind != fusion.OpBias && kind != fusion.OpActivation {
			return notApplicable("%s after the convolution", kind)
		}
	}
	if len(ops) == 3 {
		if ops[2].Kind() != fusion.OpActivation || ops[1].Kind() == fusion.OpActivation {
			return notApplicable("plan %s is not convolution, bias, activation", plan)
		}
	}

	convOp, _ := plan.Conv()
	desc := convOp.Conv
	switch {
	case desc.PadH != desc.PadW || desc.PadH != 0:
		return notApplicable("padding %dx%d", desc.PadH, desc.PadW)
	case desc.StrideH != desc.StrideW || desc.StrideH != 1:
		return notApplicable("strides %dx%d", desc.StrideH, desc.StrideW)
	case desc.DilationH != desc.DilationW || desc.DilationH != 1:
		return notApplicable("dilations %dx%d", desc.DilationH, desc.DilationW)
	}
	if !s.Base.IsApplicable(cfg, convOp.Problem(conv.Forward)) {
		return notApplicable("base solver not applicable to %s", convOp)
	}
	return true, nil
}

// GetDefaultPerformanceConfig implements solver.TunableSolver.
func (s *Solver) GetDefaultPerformanceConfig(ctx *fusion.Context) *PerformanceConfig {
	config := &PerformanceConfig{}
	config.HeuristicInit(ctx)
	klog.V(1).Infof("%s: heuristic config %s for %s", ID, config, ctx.Plan())
	return config
}

// IsValidPerformanceConfig implements solver.TunableSolver.
func (s *Solver) IsValidPerformanceConfig(ctx *fusion.Context, config *PerformanceConfig) bool {
	return config.IsValidValue() && config.IsValid(ctx)
}

// GetSolution implements solver.TunableSolver.
//
// It takes the single kernel of the base solution for the plan's convolution, switches it to the
// fused kernel source and enables the fused operations in its compile options.
// The solution is invoked with *fusion.InvokeParams.
func (s *Solver) GetSolution(ctx *fusion.Context, config *PerformanceConfig) (*solver.Solution, error) {
	problem, err := convProblem(ctx)
	if err != nil {
		return nil, errors.Wrapf(solver.ErrConfiguration, "%s: %v", ID, err)
	}
	baseSolution, err := s.Base.GetSolution(problem, config.Base())
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: base solution", ID)
	}
	if len(baseSolution.Kernels) != 1 {
		return nil, errors.Wrapf(solver.ErrConfiguration, "%s expects only one kernel from the base solver, got %d",
			ID, len(baseSolution.Kernels))
	}

	plan := ctx.Plan()
	invoker := invocationPlan{
		hasBias:     plan.HasBias(),
		activIdx:    plan.ActivationIndex(),
		halfScalars: problem.OutDType() == dtypes.Float16,
	}
	info := baseSolution.Kernels[0]
	info.File = KernelFile
	info.CompOptions = backends.AppendDefsym(info.CompOptions, SymFusionMode, 1)
	if invoker.hasBias {
		info.CompOptions = backends.AppendDefsym(info.CompOptions, SymBiasMode, 1)
	}
	if invoker.activIdx >= 0 {
		activOp, ok := plan.Ops[invoker.activIdx].(*fusion.ActivationOp)
		if !ok {
			return nil, errors.Wrapf(solver.ErrConfiguration, "%s: operation %d of %s is not an activation",
				ID, invoker.activIdx, plan)
		}
		info.CompOptions = backends.AppendDefsym(info.CompOptions, SymEnableActiv, 1)
		info.CompOptions = backends.AppendDefsym(info.CompOptions, SymActivMode, int(activOp.Mode))
	}
	return &solver.Solution{
		Kernels: []backends.KernelInfo{info},
		Invoker: invoker,
		Weight:  Weight,
	}, nil
}

// Find returns the solution for the plan of ctx, tuned with the config stored in db, or searched
// if there is none (see solver.FindSolution). db can be nil.
//
// It returns an error wrapping solver.ErrNotApplicable if the solver can't handle the plan.
func (s *Solver) Find(cfg solver.Config, ctx *fusion.Context, db *perfdb.DB, opts solver.SearchOptions) (*solver.Solution, *PerformanceConfig, error) {
	applicable, err := s.IsApplicable(cfg, ctx)
	if err != nil {
		return nil, nil, err
	}
	if !applicable {
		return nil, nil, errors.Wrapf(solver.ErrNotApplicable, "%s: plan %s", ID, ctx.Plan())
	}
	key, err := ctx.Key()
	if err != nil {
		return nil, nil, errors.Wrapf(solver.ErrConfiguration, "%s: %v", ID, err)
	}
	return solver.FindSolution[*fusion.Context, *PerformanceConfig](s, ctx, key, db, opts)
}
