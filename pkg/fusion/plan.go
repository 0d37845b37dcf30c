// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"strings"

	"github.com/pkg/errors"
)

// MaxOps is the maximum number of operations in a fusion plan.
const MaxOps = 3

// Plan is the ordered list of operations fused into one dispatch.
//
// A well-formed plan starts with a convolution, has at most one bias and at most one
// activation, and the activation (if present) is the last operation -- see Validate.
// Ill-formed plans can still be built, solvers simply won't be applicable to them.
type Plan struct {
	Ops []Op
}

// NewPlan returns a plan with the given operations.
func NewPlan(ops ...Op) *Plan {
	return &Plan{Ops: ops}
}

// AddOp appends op to the plan and returns the plan itself, so calls can be chained.
func (p *Plan) AddOp(op Op) *Plan {
	p.Ops = append(p.Ops, op)
	return p
}

// Len returns the number of operations in the plan.
func (p *Plan) Len() int { return len(p.Ops) }

// IsEmpty returns whether the plan has no operations.
func (p *Plan) IsEmpty() bool { return len(p.Ops) == 0 }

// Conv returns the first operation if it is a convolution.
func (p *Plan) Conv() (*ConvOp, bool) {
	if p.IsEmpty() {
		return nil, false
	}
	convOp, ok := p.Ops[0].(*ConvOp)
	return convOp, ok
}

// HasBias returns whether the operation right after the convolution is a bias.
func (p *Plan) HasBias() bool {
	return len(p.Ops) >= 2 && p.Ops[1].Kind() == OpBias
}

// ActivationIndex returns the position of the activation operation, or -1 if there is none.
func (p *Plan) ActivationIndex() int {
	for idx, op := range p.Ops {
		if op.Kind() == OpActivation {
			return idx
		}
	}
	return -1
}

// Activation returns the activation operation, if any.
func (p *Plan) Activation() (*ActivationOp, bool) {
	idx := p.ActivationIndex()
	if idx < 0 {
		return nil, false
	}
	return p.Ops[idx].(*ActivationOp), true
}

// Validate checks the structure of the plan and returns an error describing the first
// violation found.
func (p *Plan) Validate() error {
	if p.IsEmpty() {
		return errors.New("fusion plan is empty")
	}
	if len(p.Ops) > MaxOps {
		return errors.Errorf("fusion plan has %d operations, at most %d are supported", len(p.Ops), MaxOps)
	}
	if p.Ops[0].Kind() != OpConvolution {
		return errors.Errorf("fusion plan must start with a convolution, got %s", p.Ops[0].Kind())
	}
	var numBias, numActivations int
	for idx, op := range p.Ops[1:] {
		switch op.Kind() {
		case OpBias:
			numBias++
		case OpActivation:
			numActivations++
			if idx+1 != len(p.Ops)-1 {
				return errors.Errorf("activation must be the last operation of the fusion plan, got it at position %d of %d",
					idx+1, len(p.Ops))
			}
		default:
			return errors.Errorf("fusion plan can only have one %s, at position 0, got another at position %d",
				OpConvolution, idx+1)
		}
	}
	if numBias > 1 || numActivations > 1 {
		return errors.Errorf("fusion plan can have at most one bias and one activation, got %d and %d",
			numBias, numActivations)
	}
	return nil
}

// String implements fmt.Stringer.
func (p *Plan) String() string {
	parts := make([]string, 0, len(p.Ops))
	for _, op := range p.Ops {
		parts = append(parts, op.String())
	}
	return "[" + strings.Join(parts, " -> ") + "]"
}
