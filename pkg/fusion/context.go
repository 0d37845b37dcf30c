// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"strings"

	"github.com/gomlx/fusedconv/backends"
	"github.com/gomlx/fusedconv/pkg/conv"
	"github.com/pkg/errors"
)

// Context binds a fusion plan to the device stream it will run on.
//
// It is immutable: solvers derive new problems from it, they never change it.
type Context struct {
	plan   *Plan
	stream backends.Stream
}

// NewContext binds plan to stream.
func NewContext(plan *Plan, stream backends.Stream) *Context {
	return &Context{plan: plan, stream: stream}
}

// Plan returns the fusion plan.
func (c *Context) Plan() *Plan { return c.plan }

// Stream returns the device stream.
func (c *Context) Stream() backends.Stream { return c.stream }

// ConvProblem returns the problem of the plan's convolution alone, in the given direction.
// It fails if the plan doesn't start with a convolution.
func (c *Context) ConvProblem(direction conv.Direction) (*conv.Problem, error) {
	convOp, ok := c.plan.Conv()
	if !ok {
		if c.plan.IsEmpty() {
			return nil, errors.New("fusion plan is empty")
		}
		return nil, errors.Errorf("fusion plan starts with %s, not a convolution", c.plan.Ops[0].Kind())
	}
	return convOp.Problem(direction), nil
}

// InSize returns the byte size of the input buffer, or 0 if the plan has no convolution.
func (c *Context) InSize() int {
	if convOp, ok := c.plan.Conv(); ok {
		return convOp.Input.Memory()
	}
	return 0
}

// WeightsSize returns the byte size of the weights buffer, or 0 if the plan has no convolution.
func (c *Context) WeightsSize() int {
	if convOp, ok := c.plan.Conv(); ok {
		return convOp.Weights.Memory()
	}
	return 0
}

// OutSize returns the byte size of the output buffer, or 0 if the plan has no convolution.
func (c *Context) OutSize() int {
	if convOp, ok := c.plan.Conv(); ok {
		return convOp.Output.Memory()
	}
	return 0
}

// BiasSize returns the byte size of a bias buffer for the plan's convolution -- one element per
// output channel --, whether the plan has a bias or not. It is 0 if the plan has no convolution.
func (c *Context) BiasSize() int {
	if convOp, ok := c.plan.Conv(); ok {
		return convOp.Output.Dim(1) * convOp.DType().Size()
	}
	return 0
}

// Key returns a stable string identifying the problem: the convolution problem and the kinds
// (and activation mode) of the fused operations.
func (c *Context) Key() (string, error) {
	convOp, ok := c.plan.Conv()
	if !ok {
		_, err := c.ConvProblem(conv.Forward)
		return "", err
	}
	parts := []string{convOp.Problem(convOp.Direction).Key()}
	for _, op := range c.plan.Ops[1:] {
		switch typedOp := op.(type) {
		case *ActivationOp:
			parts = append(parts, "activ_"+typedOp.Mode.String())
		default:
			parts = append(parts, strings.ToLower(op.Kind().String()))
		}
	}
	return strings.Join(parts, "+"), nil
}
