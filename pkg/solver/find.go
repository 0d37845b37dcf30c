// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package solver

import (
	"github.com/gomlx/fusedconv/pkg/solver/perfdb"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SearchableSolver is a TunableSolver that knows how to run its own search.
type SearchableSolver[Ctx any, C PerformanceConfig[Ctx, C]] interface {
	TunableSolver[Ctx, C]
	Search(ctx Ctx, opts SearchOptions) (C, error)
}

// FindSolution returns the solution of s for the problem, using the tuned performance config.
//
// The config is loaded from db under (s.ID(), key); if it's missing or no longer valid, a search
// is run and its result stored in db. db can be nil, in which case the search is always run.
// Saving db to disk is left to the caller.
//
// Applicability is not checked: it's up to the caller to only use applicable solvers.
func FindSolution[Ctx any, C PerformanceConfig[Ctx, C]](s SearchableSolver[Ctx, C], ctx Ctx, key string,
	db *perfdb.DB, opts SearchOptions) (*Solution, C, error) {
	if db != nil {
		if serialized, found := db.Load(s.ID(), key); found {
			config := s.GetDefaultPerformanceConfig(ctx)
			err := config.Deserialize(serialized)
			valid := err == nil && s.IsValidPerformanceConfig(ctx, config)
			if valid {
				klog.V(1).Infof("%s: using tuned config %s for %s", s.ID(), config, key)
				solution, err := s.GetSolution(ctx, config)
				return solution, config, err
			}
			klog.Warningf("%s: ignoring tuned config %q for %s: valid=%v, err=%v",
				s.ID(), serialized, key, valid, err)
		}
	}

	config, err := s.Search(ctx, opts)
	if err != nil {
		var zero C
		return nil, zero, errors.WithMessagef(err, "%s: searching config for %s", s.ID(), key)
	}
	if db != nil {
		db.Store(s.ID(), key, config.Serialize())
	}
	solution, err := s.GetSolution(ctx, config)
	return solution, config, err
}
