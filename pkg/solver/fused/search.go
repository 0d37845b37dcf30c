// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fused

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/fusedconv/backends"
	"github.com/gomlx/fusedconv/pkg/fusion"
	"github.com/gomlx/fusedconv/pkg/solver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Search times every valid config for the plan of ctx on its stream, and returns the fastest.
//
// Only inference is supported: it returns an error wrapping solver.ErrUnsupportedDirection if the
// plan's convolution is not forward, before allocating anything.
//
// The caller's buffers are not available at search time, so it allocates scratch input, weights,
// output and bias buffers, released before returning. The bias buffer is always allocated, since the
// kernel has a bias slot whether the plan has a bias or not.
func (s *Solver) Search(ctx *fusion.Context, opts solver.SearchOptions) (best *PerformanceConfig, err error) {
	plan := ctx.Plan()
	convOp, ok := plan.Conv()
	if !ok {
		return nil, errors.Wrapf(solver.ErrConfiguration, "%s: plan %s doesn't start with a convolution", ID, plan)
	}
	if !convOp.Direction.IsForward() {
		return nil, errors.Wrapf(solver.ErrUnsupportedDirection, "%s: only inference is supported, got %s",
			ID, convOp.Direction)
	}
	stream := ctx.Stream()
	if stream == nil {
		return nil, errors.Wrapf(solver.ErrConfiguration, "%s: fusion context has no stream", ID)
	}
	problem := convOp.Problem(convOp.Direction).WithBias()

	sizes := []int{problem.InSize(), problem.WeightsSize(), problem.OutSize(), problem.BiasSize}
	var total uint64
	for _, size := range sizes {
		total += uint64(size)
	}
	klog.V(1).Infof("%s: allocating %s of scratch buffers to search %s", ID, humanize.Bytes(total), plan)

	buffers := make([]backends.Buffer, 0, len(sizes))
	defer func() {
		for _, buf := range buffers {
			if finalizeErr := stream.BufferFinalize(buf); finalizeErr != nil && err == nil {
				err = errors.WithMessagef(finalizeErr, "%s: releasing scratch buffers", ID)
			}
		}
	}()
	for _, size := range sizes {
		buf, createErr := stream.Create(size)
		if createErr != nil {
			return nil, errors.WithMessagef(createErr, "%s: allocating scratch buffer of %s", ID,
				humanize.Bytes(uint64(size)))
		}
		buffers = append(buffers, buf)
	}
	in, weights, out, bias := buffers[0], buffers[1], buffers[2], buffers[3]

	// Argument bag with the scratch buffers, and the plan's activation coefficients.
	args := make([]fusion.OpArgs, 0, plan.Len())
	for _, op := range plan.Ops {
		switch typedOp := op.(type) {
		case *fusion.ConvOp:
			args = append(args, &fusion.ConvolutionArgs{Weights: weights})
		case *fusion.BiasOp:
			args = append(args, &fusion.BiasArgs{Data: bias})
		case *fusion.ActivationOp:
			args = append(args, &fusion.ActivationArgs{Alpha: typedOp.Alpha, Beta: typedOp.Beta, Gamma: typedOp.Gamma})
		}
	}
	params := fusion.NewInvokeParams(in, out, args...)
	return solver.GenericSearch[*fusion.Context, *PerformanceConfig](s, ctx, stream, params, opts)
}
