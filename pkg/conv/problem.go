// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package conv describes 2D convolution problems: the convolution attributes, the tensor
// shapes and the runtime buffers of a single convolution.
package conv

import (
	"fmt"

	"github.com/gomlx/fusedconv/pkg/core/dtypes"
	"github.com/gomlx/fusedconv/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Direction of a convolution.
type Direction int

const (
	// Forward is the inference direction: y = conv(x, w).
	Forward Direction = iota

	// BackwardData computes the gradient with respect to the input.
	BackwardData

	// BackwardWeights computes the gradient with respect to the weights.
	BackwardWeights
)

// IsForward returns whether d is the Forward (inference) direction.
func (d Direction) IsForward() bool { return d == Forward }

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case Forward:
		return "fwd"
	case BackwardData:
		return "bwd"
	case BackwardWeights:
		return "wrw"
	default:
		return "unknown"
	}
}

// Descriptor holds the convolution attributes. Every spatial attribute is given as a
// (height, width) pair.
type Descriptor struct {
	PadH, PadW           int
	StrideH, StrideW     int
	DilationH, DilationW int
	GroupCount           int
}

// DefaultDescriptor returns an unpadded, unit-stride, undilated, ungrouped convolution.
func DefaultDescriptor() Descriptor {
	return Descriptor{StrideH: 1, StrideW: 1, DilationH: 1, DilationW: 1, GroupCount: 1}
}

// WithPadding returns a copy of the descriptor with the given padding.
func (d Descriptor) WithPadding(padH, padW int) Descriptor {
	d.PadH, d.PadW = padH, padW
	return d
}

// WithStrides returns a copy of the descriptor with the given strides.
func (d Descriptor) WithStrides(strideH, strideW int) Descriptor {
	d.StrideH, d.StrideW = strideH, strideW
	return d
}

// WithDilations returns a copy of the descriptor with the given dilations.
func (d Descriptor) WithDilations(dilationH, dilationW int) Descriptor {
	d.DilationH, d.DilationW = dilationH, dilationW
	return d
}

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	return fmt.Sprintf("p%dx%d-s%dx%d-d%dx%d-g%d",
		d.PadH, d.PadW, d.StrideH, d.StrideW, d.DilationH, d.DilationW, d.GroupCount)
}

// Validate checks that the attributes are in range.
func (d Descriptor) Validate() error {
	if d.PadH < 0 || d.PadW < 0 {
		return errors.Errorf("convolution padding must be >= 0, got %dx%d", d.PadH, d.PadW)
	}
	if d.StrideH < 1 || d.StrideW < 1 {
		return errors.Errorf("convolution strides must be >= 1, got %dx%d", d.StrideH, d.StrideW)
	}
	if d.DilationH < 1 || d.DilationW < 1 {
		return errors.Errorf("convolution dilations must be >= 1, got %dx%d", d.DilationH, d.DilationW)
	}
	if d.GroupCount < 1 {
		return errors.Errorf("convolution group count must be >= 1, got %d", d.GroupCount)
	}
	return nil
}

// OutputShape returns the NCHW output shape of the convolution of an NCHW input with KCYX weights.
func (d Descriptor) OutputShape(input, weights shapes.Shape) (shapes.Shape, error) {
	if err := d.Validate(); err != nil {
		return shapes.Invalid(), err
	}
	if input.Rank() != 4 || weights.Rank() != 4 {
		return shapes.Invalid(), errors.Errorf("convolution requires rank-4 NCHW input and KCYX weights, got input %s and weights %s",
			input, weights)
	}
	if input.DType != weights.DType {
		return shapes.Invalid(), errors.Errorf("convolution input and weights dtypes differ: %s vs %s", input.DType, weights.DType)
	}
	if input.Dim(1) != weights.Dim(1)*d.GroupCount {
		return shapes.Invalid(), errors.Errorf("convolution input channels (%d) don't match weights input channels (%d) x groups (%d)",
			input.Dim(1), weights.Dim(1), d.GroupCount)
	}
	outH := outputSize(input.Dim(2), weights.Dim(2), d.PadH, d.StrideH, d.DilationH)
	outW := outputSize(input.Dim(3), weights.Dim(3), d.PadW, d.StrideW, d.DilationW)
	if outH <= 0 || outW <= 0 {
		return shapes.Invalid(), errors.Errorf("convolution of input %s with weights %s (%s) has an empty output", input, weights, d)
	}
	return shapes.Make(input.DType, input.Dim(0), weights.Dim(0), outH, outW), nil
}

func outputSize(inSize, filterSize, pad, stride, dilation int) int {
	return (inSize+2*pad-dilation*(filterSize-1)-1)/stride + 1
}

// Problem is a single convolution: the Transform-only view of a problem.
type Problem struct {
	Input, Weights, Output shapes.Shape
	Conv                   Descriptor
	Direction              Direction

	// Bias marks that the kernel receives a bias buffer of BiasSize bytes.
	Bias     bool
	BiasSize int
}

// NewProblem creates a convolution problem for the given NCHW input and KCYX weights.
func NewProblem(input, weights shapes.Shape, desc Descriptor, direction Direction) (*Problem, error) {
	output, err := desc.OutputShape(input, weights)
	if err != nil {
		return nil, err
	}
	return &Problem{
		Input:     input.Clone(),
		Weights:   weights.Clone(),
		Output:    output,
		Conv:      desc,
		Direction: direction,
	}, nil
}

// WithBias returns a copy of the problem marked as having a bias buffer, with one element per
// output channel.
func (p *Problem) WithBias() *Problem {
	p2 := *p
	p2.Bias = true
	p2.BiasSize = p.OutChannels() * p.OutDType().Size()
	return &p2
}

// BatchSize (N) of the input.
func (p *Problem) BatchSize() int { return p.Input.Dim(0) }

// InChannels (C) of the input.
func (p *Problem) InChannels() int { return p.Input.Dim(1) }

// InHeight of the input.
func (p *Problem) InHeight() int { return p.Input.Dim(2) }

// InWidth of the input.
func (p *Problem) InWidth() int { return p.Input.Dim(3) }

// OutChannels (K) of the output.
func (p *Problem) OutChannels() int { return p.Weights.Dim(0) }

// OutHeight of the output.
func (p *Problem) OutHeight() int { return p.Output.Dim(2) }

// OutWidth of the output.
func (p *Problem) OutWidth() int { return p.Output.Dim(3) }

// KernelHeight (Y) of the weights.
func (p *Problem) KernelHeight() int { return p.Weights.Dim(2) }

// KernelWidth (X) of the weights.
func (p *Problem) KernelWidth() int { return p.Weights.Dim(3) }

// DType of the input.
func (p *Problem) DType() dtypes.DType { return p.Input.DType }

// OutDType is the element type of the output.
func (p *Problem) OutDType() dtypes.DType { return p.Output.DType }

// InSize is the byte size of the input buffer.
func (p *Problem) InSize() int { return p.Input.Memory() }

// WeightsSize is the byte size of the weights buffer.
func (p *Problem) WeightsSize() int { return p.Weights.Memory() }

// OutSize is the byte size of the output buffer.
func (p *Problem) OutSize() int { return p.Output.Memory() }

// Key returns a stable string that identifies the problem, used to index tuning databases.
func (p *Problem) Key() string {
	key := fmt.Sprintf("%dx%dx%dx%d-%dx%dx%dx%d-%s-%s-%s",
		p.BatchSize(), p.InChannels(), p.InHeight(), p.InWidth(),
		p.OutChannels(), p.Weights.Dim(1), p.KernelHeight(), p.KernelWidth(),
		p.Conv, p.DType(), p.Direction)
	if p.Bias {
		key += "-bias"
	}
	return key
}

// String implements fmt.Stringer.
func (p *Problem) String() string {
	return fmt.Sprintf("conv(%s, in=%s, w=%s, out=%s, %s)", p.Direction, p.Input, p.Weights, p.Output, p.Conv)
}
