// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"github.com/gomlx/fusedconv/backends"
	"github.com/pkg/errors"
)

// ErrTypeMismatch is returned when an entry of the argument bag is not of the kind the fused
// kernel expects at that position.
var ErrTypeMismatch = errors.New("fusion argument type mismatch")

// OpArgs are the runtime arguments of one operation of the plan.
// It is a closed set: *ConvolutionArgs, *BiasArgs or *ActivationArgs.
type OpArgs interface {
	Kind() OpKind
	isOpArgs()
}

// ConvolutionArgs holds the runtime weights of a convolution.
type ConvolutionArgs struct {
	Weights backends.Buffer
}

// Kind implements OpArgs.
func (a *ConvolutionArgs) Kind() OpKind { return OpConvolution }
func (a *ConvolutionArgs) isOpArgs()    {}

// BiasArgs holds the runtime bias buffer.
type BiasArgs struct {
	Data backends.Buffer
}

// Kind implements OpArgs.
func (a *BiasArgs) Kind() OpKind { return OpBias }
func (a *BiasArgs) isOpArgs()    {}

// ActivationArgs holds the runtime activation coefficients.
type ActivationArgs struct {
	Alpha, Beta, Gamma float64
}

// Kind implements OpArgs.
func (a *ActivationArgs) Kind() OpKind { return OpActivation }
func (a *ActivationArgs) isOpArgs()    {}

// InvokeParams is the argument bag of one dispatch of a fused plan: the plan's input and output
// buffers, and one OpArgs per operation, at the same position the operation has in the plan.
//
// It's created fresh by the caller for each dispatch, and only read by the invokers.
type InvokeParams struct {
	In, Out backends.Buffer
	Args    []OpArgs
}

// NewInvokeParams returns an argument bag with the given input and output buffers and the
// arguments for each operation, in plan order.
func NewInvokeParams(in, out backends.Buffer, args ...OpArgs) *InvokeParams {
	return &InvokeParams{In: in, Out: out, Args: args}
}

// ArgsAt returns the arguments at position idx, which must be of type T.
//
// It returns an error wrapping ErrTypeMismatch if there is no entry at idx, or if it is of another kind.
func ArgsAt[T OpArgs](params *InvokeParams, idx int) (T, error) {
	var zero T
	if idx < 0 || idx >= len(params.Args) {
		return zero, errors.Wrapf(ErrTypeMismatch, "argument bag has %d entries, no entry at position %d for %s",
			len(params.Args), idx, zero.Kind())
	}
	entry := params.Args[idx]
	typed, ok := entry.(T)
	if !ok || any(typed) == any(zero) {
		var got string
		if entry == nil {
			got = "nil"
		} else {
			got = entry.Kind().String()
		}
		return zero, errors.Wrapf(ErrTypeMismatch, "argument bag entry %d is %s, expected %s", idx, got, zero.Kind())
	}
	return typed, nil
}
