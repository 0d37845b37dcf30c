// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fused

import (
	"github.com/gomlx/fusedconv/pkg/conv"
	"github.com/gomlx/fusedconv/pkg/fusion"
	"github.com/gomlx/fusedconv/pkg/solver/conv1x1"
)

// PerformanceConfig of the fused solver. Bias and activation don't change the tunable
// parameters, only the compile options: it holds a 1x1 convolution config, and forwards every
// problem-dependent call to it with the forward convolution problem of the fusion context.
type PerformanceConfig struct {
	base conv1x1.PerformanceConfig
}

// NewPerformanceConfig returns a fused config with a copy of the base config.
func NewPerformanceConfig(base *conv1x1.PerformanceConfig) *PerformanceConfig {
	return &PerformanceConfig{base: *base.Clone()}
}

// Base returns a copy of the 1x1 convolution config.
func (c *PerformanceConfig) Base() *conv1x1.PerformanceConfig {
	return c.base.Clone()
}

// convProblem returns the forward convolution problem of the plan.
func convProblem(ctx *fusion.Context) (*conv.Problem, error) {
	return ctx.ConvProblem(conv.Forward)
}

// HeuristicInit sets the config to the base heuristic for the plan's convolution.
// If the plan has no convolution, it's set to the minimal config.
func (c *PerformanceConfig) HeuristicInit(ctx *fusion.Context) {
	problem, err := convProblem(ctx)
	if err != nil {
		c.base = *conv1x1.MinimalConfig()
		return
	}
	c.base.HeuristicInit(problem)
}

// SetNextValue advances the base config, see conv1x1.PerformanceConfig.SetNextValue.
func (c *PerformanceConfig) SetNextValue(ctx *fusion.Context) bool {
	problem, err := convProblem(ctx)
	if err != nil {
		return false
	}
	return c.base.SetNextValue(problem)
}

// IsValid returns whether the base config is valid for the plan's convolution.
func (c *PerformanceConfig) IsValid(ctx *fusion.Context) bool {
	problem, err := convProblem(ctx)
	if err != nil {
		return false
	}
	return c.base.IsValid(problem)
}

// IsValidValue implements solver.PerformanceConfig.
func (c *PerformanceConfig) IsValidValue() bool { return c.base.IsValidValue() }

// Serialize implements solver.PerformanceConfig.
func (c *PerformanceConfig) Serialize() string { return c.base.Serialize() }

// Deserialize implements solver.PerformanceConfig.
func (c *PerformanceConfig) Deserialize(value string) error { return c.base.Deserialize(value) }

// String implements fmt.Stringer.
func (c *PerformanceConfig) String() string { return c.base.String() }

// Clone implements solver.PerformanceConfig.
func (c *PerformanceConfig) Clone() *PerformanceConfig {
	return &PerformanceConfig{base: *c.base.Clone()}
}
