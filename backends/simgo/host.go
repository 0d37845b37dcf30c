// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simgo

import "github.com/x448/float16"

// EncodeFloat32 returns the device representation of values, to use with CopyToDevice.
func EncodeFloat32(values []float32) []byte {
	data := make([]byte, 4*len(values))
	for ii, v := range values {
		float32Codec.store(data, ii, v)
	}
	return data
}

// DecodeFloat32 converts device memory, as returned by CopyFromDevice, to float32 values.
func DecodeFloat32(data []byte) []float32 {
	values := make([]float32, len(data)/4)
	for ii := range values {
		values[ii] = float32Codec.load(data, ii)
	}
	return values
}

// EncodeFloat16 returns the device representation of half values.
func EncodeFloat16(values []float16.Float16) []byte {
	data := make([]byte, 2*len(values))
	for ii, v := range values {
		float16Codec.store(data, ii, v.Float32())
	}
	return data
}

// DecodeFloat16 converts device memory to half values.
func DecodeFloat16(data []byte) []float16.Float16 {
	values := make([]float16.Float16, len(data)/2)
	for ii := range values {
		values[ii] = float16.Fromfloat32(float16Codec.load(data, ii))
	}
	return values
}
