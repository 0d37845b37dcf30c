// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv1x1

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/fusedconv/pkg/conv"
	"github.com/gomlx/fusedconv/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// WaveSize is the number of work-items of a wave.
const WaveSize = 64

// MaxWorkGroupSize is the maximum number of work-items in a work-group.
const MaxWorkGroupSize = 256

// Values each tunable parameter can take, in enumeration order.
var (
	readSizes       = []int{1, 2, 3, 4}
	kMults          = []int{1, 2, 4, 8, 16}
	chunkSizes      = []int{1, 2, 4, 8, 16, 32, 64}
	nBlocksPerWaves = []int{1, 2, 4, 8}
	wavesInGroups   = []int{1, 2, 3, 4}
)

// numParams is the number of tunable parameters.
const numParams = 5

// PerformanceConfig holds the tunable parameters of the 1x1 convolution kernel.
//
// Configs are enumerated (see SetNextValue) as an odometer: ReadSize changes fastest, WavesInGroup slowest.
// The enumeration wraps around and stops when it gets back to the value the config started from,
// so it visits every value exactly once whatever the starting point.
type PerformanceConfig struct {
	// ReadSize is the number of input channels read at once by each work-item.
	ReadSize int

	// KMult is the number of output channels computed by each wave.
	KMult int

	// ChunkSize is the number of consecutive pixels of a block processed by a wave.
	ChunkSize int

	// NBlocksPerWave is the number of pixel blocks processed by a wave. ChunkSize*NBlocksPerWave
	// must be WaveSize.
	NBlocksPerWave int

	// WavesInGroup is the number of waves in a work-group, each handling other KMult output channels.
	WavesInGroup int

	// origin is where the enumeration started, and where it stops.
	origin    [numParams]int
	hasOrigin bool
}

// NewPerformanceConfig returns the config with the given values.
func NewPerformanceConfig(readSize, kMult, chunkSize, nBlocksPerWave, wavesInGroup int) *PerformanceConfig {
	c := &PerformanceConfig{
		ReadSize:       readSize,
		KMult:          kMult,
		ChunkSize:      chunkSize,
		NBlocksPerWave: nBlocksPerWave,
		WavesInGroup:   wavesInGroup,
	}
	c.resetOrigin()
	return c
}

// MinimalConfig returns the config with the smallest values, valid for any supported problem.
func MinimalConfig() *PerformanceConfig {
	return NewPerformanceConfig(1, 1, WaveSize, 1, 1)
}

func (c *PerformanceConfig) values() [numParams]int {
	return [numParams]int{c.ReadSize, c.KMult, c.ChunkSize, c.NBlocksPerWave, c.WavesInGroup}
}

func (c *PerformanceConfig) setValues(values [numParams]int) {
	c.ReadSize, c.KMult, c.ChunkSize, c.NBlocksPerWave, c.WavesInGroup = values[0], values[1], values[2], values[3], values[4]
}

func (c *PerformanceConfig) resetOrigin() {
	c.origin = c.values()
	c.hasOrigin = true
}

// HeuristicInit sets the config to a good guess for the problem: the widest reads and the most
// output channels per wave that divide the problem's channels.
func (c *PerformanceConfig) HeuristicInit(problem *conv.Problem) {
	c.ReadSize = 1
	for _, readSize := range []int{4, 2} {
		if problem.InChannels()%readSize == 0 {
			c.ReadSize = readSize
			break
		}
	}
	c.KMult = 1
	for _, kMult := range slices.Backward(kMults) {
		if problem.OutChannels()%kMult == 0 {
			c.KMult = kMult
			break
		}
	}
	c.ChunkSize = 16
	c.NBlocksPerWave = WaveSize / c.ChunkSize
	c.WavesInGroup = 1
	if !c.IsValid(problem) {
		*c = *MinimalConfig()
	}
	c.resetOrigin()
}

// SetNextValue advances the config to the next value with valid ranges (see IsValidValue).
// It returns false, leaving the config unchanged, when there are no more values to visit before
// getting back to where the enumeration started, or if the config holds values out of range.
func (c *PerformanceConfig) SetNextValue(_ *conv.Problem) bool {
	if !c.hasOrigin {
		c.resetOrigin()
	}
	sets := [numParams][]int{readSizes, kMults, chunkSizes, nBlocksPerWaves, wavesInGroups}
	var indices [numParams]int
	for ii, value := range c.values() {
		indices[ii] = slices.Index(sets[ii], value)
		if indices[ii] < 0 {
			return false
		}
	}
	for {
		// Odometer increment, wrapping around.
		for ii := range indices {
			indices[ii]++
			if indices[ii] < len(sets[ii]) {
				break
			}
			indices[ii] = 0
		}
		var next [numParams]int
		for ii, idx := range indices {
			next[ii] = sets[ii][idx]
		}
		if next == c.origin {
			return false
		}
		candidate := PerformanceConfig{}
		candidate.setValues(next)
		if candidate.IsValidValue() {
			c.setValues(next)
			return true
		}
	}
}

// IsValidValue returns whether every parameter is within its range, and the chunks of a wave
// cover exactly one wave.
func (c *PerformanceConfig) IsValidValue() bool {
	return slices.Contains(readSizes, c.ReadSize) &&
		slices.Contains(kMults, c.KMult) &&
		slices.Contains(chunkSizes, c.ChunkSize) &&
		slices.Contains(nBlocksPerWaves, c.NBlocksPerWave) &&
		slices.Contains(wavesInGroups, c.WavesInGroup) &&
		c.ChunkSize*c.NBlocksPerWave == WaveSize
}

// IsValid returns whether the config can be used for the problem.
func (c *PerformanceConfig) IsValid(problem *conv.Problem) bool {
	if !c.IsValidValue() {
		return false
	}
	k, channels := problem.OutChannels(), problem.InChannels()
	if k%c.KMult != 0 || channels%c.ReadSize != 0 {
		return false
	}
	if problem.DType() == dtypes.Float16 && c.ReadSize != 1 && c.ReadSize%2 != 0 {
		// Half values are read in pairs.
		return false
	}
	if c.KMult*c.WavesInGroup > k {
		return false
	}
	return c.WorkGroupSize() <= MaxWorkGroupSize
}

// WorkGroupSize is the number of work-items of a work-group.
func (c *PerformanceConfig) WorkGroupSize() int {
	return WaveSize * c.WavesInGroup
}

// Serialize returns "read_size,k_mult,chunk_size,n_blocks_per_wave,waves_in_group".
func (c *PerformanceConfig) Serialize() string {
	return fmt.Sprintf("%d,%d,%d,%d,%d", c.ReadSize, c.KMult, c.ChunkSize, c.NBlocksPerWave, c.WavesInGroup)
}

// Deserialize parses the output of Serialize. The config is left unchanged on error.
// The enumeration restarts from the deserialized value.
func (c *PerformanceConfig) Deserialize(value string) error {
	parts := strings.Split(value, ",")
	if len(parts) != numParams {
		return errors.Errorf("conv1x1 performance config %q: expected %d comma-separated values, got %d",
			value, numParams, len(parts))
	}
	var values [numParams]int
	for ii, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return errors.Wrapf(err, "conv1x1 performance config %q: value #%d", value, ii)
		}
		values[ii] = v
	}
	c.setValues(values)
	c.resetOrigin()
	return nil
}

// String implements fmt.Stringer.
func (c *PerformanceConfig) String() string { return c.Serialize() }

// Clone returns a copy of the config, including where its enumeration started.
func (c *PerformanceConfig) Clone() *PerformanceConfig {
	c2 := *c
	return &c2
}
