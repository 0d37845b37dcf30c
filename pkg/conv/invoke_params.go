// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import "github.com/gomlx/fusedconv/backends"

// DataInvokeParams are the runtime buffers of a single convolution.
// Bias is nil for convolutions without bias.
type DataInvokeParams struct {
	In, Weights, Out, Bias backends.Buffer
}
