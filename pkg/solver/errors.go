// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package solver

import "github.com/pkg/errors"

var (
	// ErrConfiguration flags a violation of a solver's contract by its caller or collaborators,
	// e.g. an empty fusion plan, or a base solver returning an unexpected number of kernels.
	// It's a programming error: it should not be retried.
	ErrConfiguration = errors.New("solver configuration error")

	// ErrUnsupportedDirection is returned when a solver is asked to search or build a solution
	// for a convolution direction it doesn't support.
	ErrUnsupportedDirection = errors.New("unsupported convolution direction")

	// ErrSearchExhausted is returned when a search enumerated every performance config without
	// finding one that is valid and runs.
	ErrSearchExhausted = errors.New("no valid performance config found")
)

// ErrNotApplicable is returned by the helpers that find a solution when the solver can't handle the
// problem. Applicability checks themselves return false instead.
var ErrNotApplicable = errors.New("solver not applicable")
