// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/fusedconv/backends"
	"github.com/gomlx/fusedconv/pkg/fusion"
	"github.com/gomlx/fusedconv/pkg/solver"
)

var (
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func problemTable(backend backends.Backend, ctx *fusion.Context, key string) *lgtable.Table {
	table := newPlainTable()
	table.Row("backend", fmt.Sprintf("%s (%s)", backend.Name(), backend.Description()))
	table.Row("plan", ctx.Plan().String())
	table.Row("key", key)
	table.Row("input", humanBytes(ctx.InSize()))
	table.Row("weights", humanBytes(ctx.WeightsSize()))
	table.Row("output", humanBytes(ctx.OutSize()))
	table.Row("bias", humanBytes(ctx.BiasSize()))
	return table
}

func solutionTable(config string, solution *solver.Solution, tuning *tuningProgress, elapsed time.Duration) *lgtable.Table {
	table := newPlainTable()
	table.Row("config", config)
	if tuning.numEvaluated > 0 {
		table.Row("searched", fmt.Sprintf("%s configs, %s valid, %s failed",
			humanize.Comma(int64(tuning.numEvaluated)), humanize.Comma(int64(tuning.numValid)),
			humanize.Comma(int64(tuning.numFailed))))
		table.Row("best search time", tuning.best.Elapsed.String())
	} else {
		table.Row("searched", "no, config from tuning database")
	}
	for ii, info := range solution.Kernels {
		table.Row(fmt.Sprintf("kernel #%d", ii), fmt.Sprintf("%s:%s", info.File, info.Name))
		table.Row("options", strings.Join(strings.Fields(info.CompOptions), "\n"))
		table.Row("work sizes", fmt.Sprintf("local=%v global=%v", info.LocalWorkSize, info.GlobalWorkSize))
	}
	table.Row("weight", fmt.Sprintf("%g", solution.Weight))
	if elapsed > 0 {
		table.Row("time per run", elapsed.String())
	}
	return table
}
