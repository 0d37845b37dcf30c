// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package solver

import (
	"fmt"
	"time"

	"github.com/gomlx/fusedconv/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PerformanceConfig is a discrete set of tuning parameters of a solver, for problems of type Ctx.
//
// Configs are enumerated in a fixed order with SetNextValue, and C is the concrete config type
// (usually a pointer), returned by Clone.
type PerformanceConfig[Ctx any, C any] interface {
	// HeuristicInit sets the config to a good guess for the problem.
	HeuristicInit(ctx Ctx)

	// SetNextValue advances the config to the next value of the enumeration.
	// It returns false, leaving the config unchanged, when the enumeration is exhausted.
	SetNextValue(ctx Ctx) bool

	// IsValid returns whether the config can be used for the problem.
	IsValid(ctx Ctx) bool

	// IsValidValue returns whether the values are within their ranges, regardless of any problem.
	IsValidValue() bool

	// Serialize returns a stable string representation of the values, that Deserialize accepts.
	Serialize() string
	Deserialize(value string) error

	// Clone returns an independent copy of the config.
	Clone() C

	fmt.Stringer
}

// TunableSolver is a solver whose solution depends on a performance config of type C.
type TunableSolver[Ctx any, C PerformanceConfig[Ctx, C]] interface {
	// ID is a stable name of the solver, used to index tuning databases.
	ID() string

	// GetDefaultPerformanceConfig returns the heuristic config for the problem.
	GetDefaultPerformanceConfig(ctx Ctx) C

	// IsValidPerformanceConfig returns whether config can be used for the problem.
	IsValidPerformanceConfig(ctx Ctx, config C) bool

	// GetSolution returns the solution for the problem with the given config.
	GetSolution(ctx Ctx, config C) (*Solution, error)
}

// now is the clock used to time candidates.
var now = time.Now

// SearchEvent reports the evaluation of one candidate config during a search.
type SearchEvent struct {
	// Index of the candidate in the enumeration, starting at 0 with the heuristic config.
	Index int

	// Config is the serialized candidate.
	Config string

	// Valid is false for candidates skipped because they are not valid for the problem.
	Valid bool

	// Elapsed is the measured execution time of the candidate, if it ran.
	Elapsed time.Duration

	// Err is set if the candidate failed to build or run.
	Err error

	// IsBest is set if the candidate is the fastest so far.
	IsBest bool
}

// SearchOptions configure GenericSearch.
type SearchOptions struct {
	// Observer, if not nil, is called after each candidate is evaluated.
	Observer func(event SearchEvent)
}

func (opts SearchOptions) notify(event SearchEvent) {
	if opts.Observer != nil {
		opts.Observer(event)
	}
}

// GenericSearch times every valid performance config of solver s for problem ctx, and returns
// the fastest one.
//
// The enumeration starts at the solver's heuristic config and advances with SetNextValue until it is
// exhausted. Each valid candidate is built on stream, run once to warm up, and then run and timed,
// synchronizing the stream before stopping the clock. params are the arguments given to the
// candidate solutions' invokers.
//
// Candidates are evaluated one at a time, since they share the same buffers and device queue.
// Candidates that fail to build or run are skipped, except for errors wrapping ErrConfiguration,
// which are returned immediately. Ties are resolved in favor of the earliest candidate.
// If no candidate was valid and ran, it returns an error wrapping ErrSearchExhausted.
func GenericSearch[Ctx any, C PerformanceConfig[Ctx, C]](s TunableSolver[Ctx, C], ctx Ctx,
	stream backends.Stream, params any, opts SearchOptions) (C, error) {
	var best C
	var bestTime time.Duration
	var found bool
	var numValid, numFailed int

	searchStart := time.Now()
	candidate := s.GetDefaultPerformanceConfig(ctx)
	for idx := 0; ; idx++ {
		event := SearchEvent{Index: idx, Config: candidate.Serialize()}
		if s.IsValidPerformanceConfig(ctx, candidate) {
			event.Valid = true
			numValid++
			elapsed, err := measure(s, ctx, candidate, stream, params)
			if err != nil {
				if errors.Is(err, ErrConfiguration) {
					var zero C
					return zero, err
				}
				numFailed++
				event.Err = err
				klog.Warningf("%s: skipping config %s: %+v", s.ID(), candidate, err)
			} else {
				event.Elapsed = elapsed
				klog.V(2).Infof("%s: config %s: %s", s.ID(), candidate, elapsed)
				if !found || elapsed < bestTime {
					best, bestTime, found = candidate.Clone(), elapsed, true
					event.IsBest = true
				}
			}
		}
		opts.notify(event)
		if !candidate.SetNextValue(ctx) {
			break
		}
	}

	if !found {
		var zero C
		return zero, errors.Wrapf(ErrSearchExhausted, "%s: %d valid candidates, %d failed", s.ID(), numValid, numFailed)
	}
	klog.V(1).Infof("%s: best config %s (%s), %d valid candidates (%d failed) searched in %s",
		s.ID(), best, bestTime, numValid, numFailed, time.Since(searchStart))
	return best, nil
}

// measure builds and runs the solution for one candidate, and returns the execution time of the
// second run.
func measure[Ctx any, C PerformanceConfig[Ctx, C]](s TunableSolver[Ctx, C], ctx Ctx, candidate C,
	stream backends.Stream, params any) (time.Duration, error) {
	solution, err := s.GetSolution(ctx, candidate.Clone())
	if err != nil {
		return 0, err
	}
	program, err := Prepare(stream, solution)
	if err != nil {
		return 0, err
	}
	if err = program.Run(params); err != nil {
		return 0, err
	}
	if err = stream.Synchronize(); err != nil {
		return 0, err
	}
	start := now()
	if err = program.Run(params); err != nil {
		return 0, err
	}
	if err = stream.Synchronize(); err != nil {
		return 0, err
	}
	return now().Sub(start), nil
}
