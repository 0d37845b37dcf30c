// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simgo

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// kernelCall holds the arguments of one dispatch, bound to the kernel's calling convention.
type kernelCall struct {
	in, out, weights, bias []byte
	alpha, beta, gamma     float64
}

// bind checks the positional arguments against the calling convention fixed by the compile
// options: (in, out, weights, bias), preceded by (alpha, beta, gamma, unused) if the activation
// is enabled. Scalars must be float16.Float16 (and int16) for half kernels, float32 (and int32)
// otherwise.
func (spec *kernelSpec) bind(args []any) (call kernelCall, err error) {
	if len(args) != spec.arity() {
		return call, errors.Errorf("expected %d arguments, got %d", spec.arity(), len(args))
	}
	if spec.activ {
		var scalars [3]float64
		for ii := range scalars {
			if spec.fp16 {
				v, ok := args[ii].(float16.Float16)
				if !ok {
					return call, errors.Errorf("argument #%d must be float16.Float16, got %T", ii, args[ii])
				}
				scalars[ii] = float64(v.Float32())
			} else {
				v, ok := args[ii].(float32)
				if !ok {
					return call, errors.Errorf("argument #%d must be float32, got %T", ii, args[ii])
				}
				scalars[ii] = float64(v)
			}
		}
		if spec.fp16 {
			if _, ok := args[3].(int16); !ok {
				return call, errors.Errorf("argument #3 must be int16, got %T", args[3])
			}
		} else if _, ok := args[3].(int32); !ok {
			return call, errors.Errorf("argument #3 must be int32, got %T", args[3])
		}
		call.alpha, call.beta, call.gamma = scalars[0], scalars[1], scalars[2]
		args = args[4:]
	}

	elementSize := 4
	if spec.fp16 {
		elementSize = 2
	}
	pixels := spec.height * spec.width
	buffers := []struct {
		name     string
		dst      *[]byte
		size     int
		optional bool
	}{
		{"input", &call.in, spec.batchSize * spec.channels * pixels, false},
		{"output", &call.out, spec.batchSize * spec.outChannels * pixels, false},
		{"weights", &call.weights, spec.outChannels * spec.channels, false},
		{"bias", &call.bias, spec.outChannels, !spec.bias},
	}
	for ii, arg := range args {
		desc := buffers[ii]
		if arg == nil {
			if desc.optional {
				continue
			}
			return call, errors.Errorf("%s buffer is nil", desc.name)
		}
		buf, ok := arg.(*Buffer)
		if !ok || buf == nil {
			if desc.optional {
				// The kernel doesn't read it: anything goes, as on a device.
				continue
			}
			return call, errors.Errorf("%s argument must be a %q backend buffer, got %T", desc.name, BackendName, arg)
		}
		if buf.ByteSize() < desc.size*elementSize {
			return call, errors.Errorf("%s buffer has %d bytes, kernel requires %d", desc.name, buf.ByteSize(), desc.size*elementSize)
		}
		if !desc.optional {
			*desc.dst = buf.bytes()
		}
	}
	return call, nil
}

// elementCodec reads and writes elements of device memory as float32.
type elementCodec struct {
	load  func(data []byte, idx int) float32
	store func(data []byte, idx int, value float32)
}

var (
	float32Codec = elementCodec{
		load: func(data []byte, idx int) float32 {
			return math.Float32frombits(binary.LittleEndian.Uint32(data[4*idx:]))
		},
		store: func(data []byte, idx int, value float32) {
			binary.LittleEndian.PutUint32(data[4*idx:], math.Float32bits(value))
		},
	}
	float16Codec = elementCodec{
		load: func(data []byte, idx int) float32 {
			return float16.Frombits(binary.LittleEndian.Uint16(data[2*idx:])).Float32()
		},
		store: func(data []byte, idx int, value float32) {
			binary.LittleEndian.PutUint16(data[2*idx:], float16.Fromfloat32(value).Bits())
		},
	}
)

// workGroup is the unit of work: one wave's worth of pixels, for a range of output channels.
type workGroup struct {
	firstPixel, firstChannel int
}

// execute runs the 1x1 convolution (+bias)(+activation), NCHW input, KC11 weights and NKHW output.
//
// Work-groups are distributed among the backend's workers: each handles WaveSize consecutive
// pixels (in NBlocksPerWave chunks of ChunkSize) and KMult*WavesInGroup output channels, reading
// ReadSize input channels at a time.
func (b *Backend) execute(spec *kernelSpec, call kernelCall) error {
	codec := float32Codec
	if spec.fp16 {
		codec = float16Codec
	}
	pixelsPerImage := spec.height * spec.width
	numPixels := spec.batchSize * pixelsPerImage
	channelsPerGroup := spec.kMult * spec.wavesInGroup

	work := make(chan workGroup, 64)
	go func() {
		for firstPixel := 0; firstPixel < numPixels; firstPixel += WaveSize {
			for firstChannel := 0; firstChannel < spec.outChannels; firstChannel += channelsPerGroup {
				work <- workGroup{firstPixel: firstPixel, firstChannel: firstChannel}
			}
		}
		close(work)
	}()

	b.workers.Saturate(func() {
		acc := make([]float32, spec.readSize)
		for group := range work {
			lastChannel := min(group.firstChannel+channelsPerGroup, spec.outChannels)
			for block := 0; block < spec.nBlocksPerWave; block++ {
				for lane := 0; lane < spec.chunkSize; lane++ {
					pixel := group.firstPixel + block*spec.chunkSize + lane
					if pixel >= numPixels {
						break
					}
					n, p := pixel/pixelsPerImage, pixel%pixelsPerImage
					for k := group.firstChannel; k < lastChannel; k++ {
						var sum float32
						for c0 := 0; c0 < spec.channels; c0 += spec.readSize {
							for r := range acc {
								channel := c0 + r
								acc[r] = codec.load(call.in, (n*spec.channels+channel)*pixelsPerImage+p) *
									codec.load(call.weights, k*spec.channels+channel)
							}
							for _, v := range acc {
								sum += v
							}
						}
						if spec.bias {
							sum += codec.load(call.bias, k)
						}
						if spec.activ {
							sum = float32(spec.activMode.Apply(float64(sum), call.alpha, call.beta, call.gamma))
						}
						codec.store(call.out, (n*spec.outChannels+k)*pixelsPerImage+p, sum)
					}
				}
			}
		}
	})
	return nil
}
