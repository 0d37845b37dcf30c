// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// fusedconv_tune builds a fused convolution+bias+activation plan from its flags, finds the
// tuned solution of the fused 1x1 solver on a backend, and prints the chosen performance config,
// the kernel compile options and the measured execution time.
//
// Tuned configs are stored in the database given by -db, so later runs reuse them.
//
// Example:
//
//	fusedconv_tune -c=64 -k=128 -hw=28 -bias -activ=relu -db=~/.cache/fusedconv/perf.json
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/fusedconv/backends"
	_ "github.com/gomlx/fusedconv/backends/simgo"
	"github.com/gomlx/fusedconv/pkg/conv"
	"github.com/gomlx/fusedconv/pkg/core/dtypes"
	"github.com/gomlx/fusedconv/pkg/core/shapes"
	"github.com/gomlx/fusedconv/pkg/fusion"
	"github.com/gomlx/fusedconv/pkg/solver"
	"github.com/gomlx/fusedconv/pkg/solver/fused"
	"github.com/gomlx/fusedconv/pkg/solver/perfdb"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagBackend = flag.String("backend", "", fmt.Sprintf(
		"Backend configuration, formatted as \"<name>:<config>\". If empty, $%s is used, or the first registered backend.",
		backends.ConfigEnvVar))
	flagDType = flag.String("dtype", "float32", "Element type of the tensors: float32 or float16.")
	flagN     = flag.Int("n", 1, "Batch size.")
	flagC     = flag.Int("c", 64, "Input channels.")
	flagHW    = flag.Int("hw", 14, "Height and width of the input images.")
	flagK     = flag.Int("k", 64, "Output channels.")
	flagPad   = flag.Int("pad", 0, "Padding of the convolution, the fused solver only supports 0.")
	flagStr   = flag.Int("stride", 1, "Stride of the convolution, the fused solver only supports 1.")
	flagBias  = flag.Bool("bias", false, "Add a bias after the convolution.")
	flagActiv = flag.String("activ", "", "Activation after the convolution (and bias): one of "+
		"passthrough, logistic, tanh, relu, softrelu, abs, power, clippedrelu, leakyrelu or elu. Empty for none.")
	flagAlpha  = flag.Float64("alpha", 1, "Activation coefficient alpha.")
	flagBeta   = flag.Float64("beta", 0, "Activation coefficient beta.")
	flagGamma  = flag.Float64("gamma", 0, "Activation coefficient gamma.")
	flagDB     = flag.String("db", "", "Path to the tuning database. If empty, configs are searched and not stored.")
	flagRetune = flag.Bool("retune", false, "Ignore the config stored in the database, and search again.")
	flagRepeat = flag.Int("repeat", 10, "Number of times to run the tuned solution to measure it. 0 to skip.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		klog.Errorf("fusedconv_tune: %+v", err)
		os.Exit(1)
	}
}

func newBackend() (backends.Backend, error) {
	if *flagBackend != "" {
		return backends.NewWithConfig(*flagBackend)
	}
	return backends.New()
}

// buildPlan creates the fusion plan described by the flags.
func buildPlan() (*fusion.Plan, error) {
	dtype, err := dtypes.Parse(*flagDType)
	if err != nil {
		return nil, err
	}
	if dtype != dtypes.Float32 && dtype != dtypes.Float16 {
		return nil, errors.Errorf("-dtype=%s not supported, use float32 or float16", dtype)
	}
	desc := conv.DefaultDescriptor().WithPadding(*flagPad, *flagPad).WithStrides(*flagStr, *flagStr)
	convOp, err := fusion.NewConvOp(
		shapes.Make(dtype, *flagN, *flagC, *flagHW, *flagHW),
		shapes.Make(dtype, *flagK, *flagC, 1, 1),
		desc)
	if err != nil {
		return nil, err
	}
	plan := fusion.NewPlan(convOp)
	if *flagBias {
		plan.AddOp(fusion.NewBiasOp(dtype, *flagK))
	}
	if *flagActiv != "" {
		mode, err := backends.ParseActivationMode(*flagActiv)
		if err != nil {
			return nil, err
		}
		plan.AddOp(fusion.NewActivationOp(mode, *flagAlpha, *flagBeta, *flagGamma, dtype))
	}
	return plan, plan.Validate()
}

func openDB() (*perfdb.DB, error) {
	if *flagDB == "" {
		return nil, nil
	}
	path := *flagDB
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "resolving home directory for -db")
		}
		path = filepath.Join(home, path[2:])
	}
	return perfdb.Open(path)
}

func run() error {
	cfg, err := solver.ConfigFromEnv()
	if err != nil {
		return err
	}
	plan, err := buildPlan()
	if err != nil {
		return err
	}
	backend, err := newBackend()
	if err != nil {
		return err
	}
	defer backend.Finalize()
	ctx := fusion.NewContext(plan, backend)
	key, err := ctx.Key()
	if err != nil {
		return err
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	if db != nil && *flagRetune {
		db.Remove(fused.ID, key)
	}

	fmt.Println(titleStyle.Render("Problem"))
	fmt.Println(problemTable(backend, ctx, key))

	s := fused.New()
	tuning := newTuningProgress()
	solution, config, err := s.Find(cfg, ctx, db, solver.SearchOptions{Observer: tuning.observe})
	tuning.done()
	if err != nil {
		return err
	}
	if db != nil {
		if err = db.Save(); err != nil {
			return err
		}
	}

	var elapsed time.Duration
	if *flagRepeat > 0 {
		elapsed, err = measure(backend, ctx, solution, *flagRepeat)
		if err != nil {
			return err
		}
	}
	fmt.Println(titleStyle.Render("Solution"))
	fmt.Println(solutionTable(config.Serialize(), solution, tuning, elapsed))
	return nil
}

// tuningProgress shows a spinner while the configs are searched, and collects statistics.
type tuningProgress struct {
	output       *termenv.Output
	bar          *progressbar.ProgressBar
	numEvaluated int
	numValid     int
	numFailed    int
	best         solver.SearchEvent
}

func newTuningProgress() *tuningProgress {
	return &tuningProgress{output: termenv.NewOutput(os.Stdout)}
}

func (p *tuningProgress) observe(event solver.SearchEvent) {
	if p.bar == nil {
		p.output.HideCursor()
		p.bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("tuning "+fused.ID),
			progressbar.OptionSetWriter(os.Stdout),
			progressbar.OptionSetItsString("configs"),
			progressbar.OptionShowIts(),
			progressbar.OptionShowCount(),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
		)
	}
	p.numEvaluated++
	if event.Valid {
		p.numValid++
	}
	if event.Err != nil {
		p.numFailed++
	}
	if event.IsBest {
		p.best = event
	}
	_ = p.bar.Add(1)
}

func (p *tuningProgress) done() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	p.output.ShowCursor()
	fmt.Println()
}

// measure runs the solution repeat times with scratch buffers, and returns the average time.
func measure(backend backends.Backend, ctx *fusion.Context, solution *solver.Solution, repeat int) (elapsed time.Duration, err error) {
	plan := ctx.Plan()
	var buffers []backends.Buffer
	defer func() {
		for _, buf := range buffers {
			must.M(backend.BufferFinalize(buf))
		}
	}()
	newBuffer := func(size int) backends.Buffer {
		buf := must.M1(backend.Create(size))
		buffers = append(buffers, buf)
		return buf
	}
	args := []fusion.OpArgs{&fusion.ConvolutionArgs{Weights: newBuffer(ctx.WeightsSize())}}
	for _, op := range plan.Ops[1:] {
		switch typedOp := op.(type) {
		case *fusion.BiasOp:
			args = append(args, &fusion.BiasArgs{Data: newBuffer(typedOp.ByteSize())})
		case *fusion.ActivationOp:
			args = append(args, &fusion.ActivationArgs{Alpha: typedOp.Alpha, Beta: typedOp.Beta, Gamma: typedOp.Gamma})
		}
	}
	params := fusion.NewInvokeParams(newBuffer(ctx.InSize()), newBuffer(ctx.OutSize()), args...)
	program, err := solver.Prepare(backend, solution)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	for range repeat {
		if err = program.Run(params); err != nil {
			return 0, err
		}
	}
	if err = backend.Synchronize(); err != nil {
		return 0, err
	}
	return time.Since(start) / time.Duration(repeat), nil
}

// humanBytes formats a byte size for the tables.
func humanBytes(size int) string {
	return humanize.IBytes(uint64(size))
}
