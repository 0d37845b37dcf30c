// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "fmt"

// KernelInfo describes how to build one device kernel: its source file, its entry point,
// its compile options and its launch grid.
type KernelInfo struct {
	// File is the name of the kernel source, e.g. "conv1x1u.s".
	File string

	// Name of the kernel entry point.
	Name string

	// CompOptions are appended to the kernel compiler command line.
	// Symbols are defined with AppendDefsym.
	CompOptions string

	LocalWorkSize  [3]int
	GlobalWorkSize [3]int
}

// String implements fmt.Stringer.
func (info KernelInfo) String() string {
	return fmt.Sprintf("%s:%s(local=%v, global=%v, options=%q)",
		info.File, info.Name, info.LocalWorkSize, info.GlobalWorkSize, info.CompOptions)
}

// Kernel is a compiled kernel artifact, returned by Stream.Build.
type Kernel interface {
	// ID uniquely identifies the compiled artifact, it's used for logging.
	ID() string

	// Info returns the KernelInfo the kernel was built from.
	Info() KernelInfo
}

// KernelFunc dispatches a compiled kernel with its positional arguments.
//
// Arguments are either Buffer values (nil for an absent buffer) or scalars, whose Go types
// must match what the compiled kernel expects (e.g. float32 or float16.Float16).
// The number of arguments is fixed by the compile options the kernel was built with.
type KernelFunc func(args ...any) error
