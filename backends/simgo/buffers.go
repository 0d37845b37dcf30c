// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simgo

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusedconv/backends"
	"github.com/pkg/errors"
)

// Buffer of the simulated device: it owns its bytes, taken from a pool of the backend.
type Buffer struct {
	data  []byte
	valid bool
}

// ByteSize implements backends.Buffer.
func (buf *Buffer) ByteSize() int { return len(buf.data) }

// bytes returns the device memory of the buffer. It panics if the buffer was finalized, since that
// is always a bug in the caller.
func (buf *Buffer) bytes() []byte {
	if !buf.valid {
		exceptions.Panicf("simgo.Buffer(%p) used after being finalized", buf)
	}
	return buf.data
}

// getBufferPool for the given byte size.
func (b *Backend) getBufferPool(byteSize int) *sync.Pool {
	poolInterface, ok := b.bufferPools.Load(byteSize)
	if !ok {
		poolInterface, _ = b.bufferPools.LoadOrStore(byteSize, &sync.Pool{
			New: func() any {
				return &Buffer{data: make([]byte, byteSize)}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// Create implements backends.Stream.
func (b *Backend) Create(byteSize int) (backends.Buffer, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	if byteSize <= 0 {
		return nil, errors.Errorf("backend %q: cannot create a buffer of %d bytes", BackendName, byteSize)
	}
	buf := b.getBufferPool(byteSize).Get().(*Buffer)
	buf.valid = true
	return buf, nil
}

// BufferFinalize implements backends.Stream. The buffer is returned to the pool for reuse.
func (b *Backend) BufferFinalize(buffer backends.Buffer) error {
	buf, err := b.toBuffer(buffer)
	if err != nil {
		return err
	}
	if !buf.valid {
		return errors.Errorf("BufferFinalize(%p): buffer was already finalized", buf)
	}
	buf.valid = false
	b.getBufferPool(len(buf.data)).Put(buf)
	return nil
}

// toBuffer converts a backends.Buffer to a non-nil simgo Buffer.
func (b *Backend) toBuffer(buffer backends.Buffer) (*Buffer, error) {
	buf, ok := buffer.(*Buffer)
	if !ok || buf == nil {
		return nil, errors.Errorf("buffer (%T) is not a %q backend buffer", buffer, BackendName)
	}
	return buf, nil
}

// CopyToDevice implements backends.Stream.
func (b *Backend) CopyToDevice(dst backends.Buffer, src []byte) error {
	if err := b.checkOk(); err != nil {
		return err
	}
	buf, err := b.toBuffer(dst)
	if err != nil {
		return err
	}
	if len(src) != buf.ByteSize() {
		return errors.Errorf("CopyToDevice: source has %d bytes, buffer has %d", len(src), buf.ByteSize())
	}
	copy(buf.bytes(), src)
	return nil
}

// CopyFromDevice implements backends.Stream.
func (b *Backend) CopyFromDevice(dst []byte, src backends.Buffer) error {
	if err := b.checkOk(); err != nil {
		return err
	}
	buf, err := b.toBuffer(src)
	if err != nil {
		return err
	}
	if len(dst) != buf.ByteSize() {
		return errors.Errorf("CopyFromDevice: destination has %d bytes, buffer has %d", len(dst), buf.ByteSize())
	}
	copy(dst, buf.bytes())
	return nil
}
