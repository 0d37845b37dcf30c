// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fusion describes fusion plans: short chains of operations -- a convolution followed by
// an optional bias and an optional activation -- that a fused kernel executes in one dispatch.
//
// A Plan is bound to a device stream by a Context, which is what solvers consume. The runtime
// buffers and coefficients for each dispatch are given in an InvokeParams argument bag.
package fusion

import (
	"fmt"

	"github.com/gomlx/fusedconv/backends"
	"github.com/gomlx/fusedconv/pkg/conv"
	"github.com/gomlx/fusedconv/pkg/core/dtypes"
	"github.com/gomlx/fusedconv/pkg/core/shapes"
)

// OpKind enumerates the kinds of operations of a fusion plan.
type OpKind int

const (
	// OpConvolution is the primary transform, always the first operation of a plan.
	OpConvolution OpKind = iota

	// OpBias adds one value per output channel.
	OpBias

	// OpActivation applies an element-wise activation function.
	OpActivation
)

// String implements fmt.Stringer.
func (k OpKind) String() string {
	switch k {
	case OpConvolution:
		return "Convolution"
	case OpBias:
		return "Bias"
	case OpActivation:
		return "Activation"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// Op is one operation of a fusion plan. It is a closed set: *ConvOp, *BiasOp or *ActivationOp.
type Op interface {
	Kind() OpKind
	String() string

	// isOp closes the set of implementations to this package.
	isOp()
}

// ConvOp is a convolution of an NCHW input with KCYX weights.
type ConvOp struct {
	Input, Weights, Output shapes.Shape
	Conv                   conv.Descriptor
	Direction              conv.Direction
}

// NewConvOp creates a forward convolution operation, deriving its output shape.
func NewConvOp(input, weights shapes.Shape, desc conv.Descriptor) (*ConvOp, error) {
	output, err := desc.OutputShape(input, weights)
	if err != nil {
		return nil, err
	}
	return &ConvOp{
		Input:     input.Clone(),
		Weights:   weights.Clone(),
		Output:    output,
		Conv:      desc,
		Direction: conv.Forward,
	}, nil
}

// Kind implements Op.
func (op *ConvOp) Kind() OpKind { return OpConvolution }

func (op *ConvOp) isOp() {}

// String implements Op.
func (op *ConvOp) String() string {
	return fmt.Sprintf("Conv[%s](in=%s, w=%s, %s)", op.Direction, op.Input, op.Weights, op.Conv)
}

// DType of the convolution output.
func (op *ConvOp) DType() dtypes.DType { return op.Output.DType }

// Problem returns the single convolution problem of op, in the given direction.
func (op *ConvOp) Problem(direction conv.Direction) *conv.Problem {
	return &conv.Problem{
		Input:     op.Input.Clone(),
		Weights:   op.Weights.Clone(),
		Output:    op.Output.Clone(),
		Conv:      op.Conv,
		Direction: direction,
	}
}

// BiasOp adds a bias with one element per output channel.
type BiasOp struct {
	Shape shapes.Shape
}

// NewBiasOp creates a bias operation for the given number of output channels.
func NewBiasOp(dtype dtypes.DType, outChannels int) *BiasOp {
	return &BiasOp{Shape: shapes.Make(dtype, outChannels)}
}

// Kind implements Op.
func (op *BiasOp) Kind() OpKind { return OpBias }

func (op *BiasOp) isOp() {}

// String implements Op.
func (op *BiasOp) String() string { return fmt.Sprintf("Bias(%s)", op.Shape) }

// ByteSize of the bias buffer: output channels x element size.
func (op *BiasOp) ByteSize() int { return op.Shape.Memory() }

// ActivationOp applies the activation Mode with coefficients Alpha, Beta and Gamma.
// DType is the element type the coefficients are interpreted with.
type ActivationOp struct {
	Mode               backends.ActivationMode
	Alpha, Beta, Gamma float64
	DType              dtypes.DType
}

// NewActivationOp creates an activation operation.
func NewActivationOp(mode backends.ActivationMode, alpha, beta, gamma float64, dtype dtypes.DType) *ActivationOp {
	return &ActivationOp{Mode: mode, Alpha: alpha, Beta: beta, Gamma: gamma, DType: dtype}
}

// Kind implements Op.
func (op *ActivationOp) Kind() OpKind { return OpActivation }

func (op *ActivationOp) isOp() {}

// String implements Op.
func (op *ActivationOp) String() string {
	return fmt.Sprintf("Activation(%s, alpha=%g, beta=%g, gamma=%g)", op.Mode, op.Alpha, op.Beta, op.Gamma)
}
