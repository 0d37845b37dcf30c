// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

// Buffer is an opaque handle to device memory.
//
// A nil Buffer is passed to kernels to fill an argument slot of an absent buffer
// (e.g. the bias of a convolution without bias).
type Buffer interface {
	// ByteSize of the device allocation.
	ByteSize() int
}

// Stream is the Backend's sub-interface with the device execution queue.
//
// Host-side calls are synchronous, but kernel execution may be asynchronous with respect to the
// host: use Synchronize to block until all dispatched kernels are finished.
type Stream interface {
	// Create allocates a device buffer with the given size in bytes.
	// The contents of a newly created buffer are undefined.
	Create(byteSize int) (Buffer, error)

	// BufferFinalize allows the client to inform backend that buffer is no longer needed and associated resources can be
	// freed immediately -- as opposed to waiting for a GC.
	//
	// A finalized buffer should never be used again.
	BufferFinalize(buffer Buffer) error

	// CopyToDevice copies the host bytes in src to the device buffer dst.
	// len(src) must be equal to dst.ByteSize().
	CopyToDevice(dst Buffer, src []byte) error

	// CopyFromDevice copies the device buffer src to the host bytes dst.
	// len(dst) must be equal to src.ByteSize(). It implicitly synchronizes the stream.
	CopyFromDevice(dst []byte, src Buffer) error

	// Build compiles the kernel described by info.
	Build(info KernelInfo) (Kernel, error)

	// Run returns the function that dispatches the compiled kernel with its positional arguments.
	Run(kernel Kernel) (KernelFunc, error)

	// Synchronize blocks until every kernel dispatched so far has finished.
	Synchronize() error
}
