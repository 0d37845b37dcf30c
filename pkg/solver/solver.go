// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package solver holds the infrastructure shared by kernel solvers: their configuration,
// the Solution they produce, how a Solution is prepared and run on a device stream, and the
// generic autotuning search over performance configs.
//
// A solver maps a problem and a performance config to a Solution: the kernels to build, and
// an Invoker that maps the per-call arguments to the kernels' positional arguments.
// Applicability is a plain boolean ("can't handle it, try another solver"), contract violations
// are reported as errors wrapping ErrConfiguration.
package solver

import (
	"os"
	"strconv"

	"github.com/gomlx/fusedconv/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AsmKernelsEnvVar is the environment variable that enables/disables the assembly kernel
// solvers. Set it to a false value ("0", "false") to disable them.
const AsmKernelsEnvVar = "FUSEDCONV_DEBUG_ASM_KERNELS"

// Config holds the process-wide toggles for solvers.
//
// It is passed explicitly to the applicability checks, so it can be set per call.
type Config struct {
	// AsmKernelsDisabled disables every solver based on assembly kernels.
	AsmKernelsDisabled bool
}

// ConfigFromEnv returns the Config set by the environment variables (see AsmKernelsEnvVar).
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if value, found := os.LookupEnv(AsmKernelsEnvVar); found && value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return cfg, errors.Wrapf(err, "invalid value for $%s", AsmKernelsEnvVar)
		}
		cfg.AsmKernelsDisabled = !enabled
		klog.V(1).Infof("$%s=%q: assembly kernels enabled=%v", AsmKernelsEnvVar, value, enabled)
	}
	return cfg, nil
}

// Invoker maps the arguments of one call to the positional arguments of the solution's kernels,
// and dispatches them. kernels are in the same order as Solution.Kernels.
//
// Invokers hold no mutable state: they can be used concurrently, as long as each call has its own params.
type Invoker interface {
	Invoke(kernels []backends.KernelFunc, params any) error
}

// InvokerFunc implements Invoker with a function.
type InvokerFunc func(kernels []backends.KernelFunc, params any) error

// Invoke implements Invoker.
func (fn InvokerFunc) Invoke(kernels []backends.KernelFunc, params any) error {
	return fn(kernels, params)
}

// Solution is what a solver produces for a problem and a performance config: the kernels to build,
// how to invoke them, and a relative cost weight used to rank solutions of different solvers.
//
// It's immutable once returned by the solver.
type Solution struct {
	Kernels []backends.KernelInfo
	Invoker Invoker
	Weight  float32
}

// Program is a Solution whose kernels were built on a stream, ready to be run.
//
// It's safe to Run a Program concurrently, each call with its own params.
type Program struct {
	solution *Solution
	kernels  []backends.Kernel
	funcs    []backends.KernelFunc
}

// Prepare builds the kernels of solution on stream.
func Prepare(stream backends.Stream, solution *Solution) (*Program, error) {
	if solution.Invoker == nil {
		return nil, errors.Wrap(ErrConfiguration, "solution has no invoker")
	}
	p := &Program{
		solution: solution,
		kernels:  make([]backends.Kernel, 0, len(solution.Kernels)),
		funcs:    make([]backends.KernelFunc, 0, len(solution.Kernels)),
	}
	for _, info := range solution.Kernels {
		kernel, err := stream.Build(info)
		if err != nil {
			return nil, errors.WithMessagef(err, "building kernel %s", info)
		}
		fn, err := stream.Run(kernel)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading kernel %s", info)
		}
		p.kernels = append(p.kernels, kernel)
		p.funcs = append(p.funcs, fn)
	}
	return p, nil
}

// Kernels returns the compiled kernels of the program.
func (p *Program) Kernels() []backends.Kernel { return p.kernels }

// Solution the program was prepared from.
func (p *Program) Solution() *Solution { return p.solution }

// Run dispatches the program with the given call arguments. It doesn't wait for the
// kernels to finish, see backends.Stream.Synchronize.
func (p *Program) Run(params any) error {
	return p.solution.Invoker.Invoke(p.funcs, params)
}
