package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"

	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
	"git.home.luguber.info/inful/kernelforge/internal/logfields"
	"git.home.luguber.info/inful/kernelforge/internal/toolchain"
	"git.home.luguber.info/inful/kernelforge/internal/unit"
)

// Join selects how a batch reacts to its first failure.
type Join string

const (
	JoinDrain    Join = "drain"
	JoinFailFast Join = "fail-fast"
)

// ParseJoin maps a configuration value to a Join. The empty string is JoinDrain.
func ParseJoin(s string) (Join, error) {
	switch Join(s) {
	case "", JoinDrain:
		return JoinDrain, nil
	case JoinFailFast:
		return JoinFailFast, nil
	}
	return "", fmt.Errorf("unknown join discipline %q (want %q or %q)", s, JoinDrain, JoinFailFast)
}

// DefaultJobs is the number of physical cores, or the logical CPU count when
// the physical count cannot be detected.
func DefaultJobs() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Options configures a Dispatcher for a single build.
type Options struct {
	// Jobs bounds concurrent compiler processes. Zero or less means DefaultJobs.
	Jobs   int
	Join   Join
	Runner toolchain.Runner
	// Observe, when set, is called from worker goroutines with every finished
	// outcome. It must be safe for concurrent use.
	Observe func(Outcome)
}

// Dispatcher compiles kernel units through external processes.
type Dispatcher struct {
	jobs    int
	join    Join
	runner  toolchain.Runner
	observe func(Outcome)
}

// New creates a Dispatcher. Its lifetime is one build invocation.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		jobs:    opts.Jobs,
		join:    opts.Join,
		runner:  opts.Runner,
		observe: opts.Observe,
	}
	if d.jobs <= 0 {
		d.jobs = DefaultJobs()
	}
	if d.join == "" {
		d.join = JoinDrain
	}
	if d.runner == nil {
		d.runner = toolchain.OSRunner{}
	}
	return d
}

// Jobs returns the effective concurrency bound.
func (d *Dispatcher) Jobs() int { return d.jobs }

// CompileFunc builds the compiler invocation for one unit.
type CompileFunc func(u unit.Kernel) toolchain.CommandSpec

// Outcome is the result of compiling one unit.
type Outcome struct {
	Unit     unit.Kernel
	Command  string
	Result   toolchain.Result
	Duration time.Duration
	Err      error
}

// Report aggregates a batch.
type Report struct {
	// Compiled lists the units that compiled successfully, in unit order.
	Compiled []unit.Kernel
	Outcomes []Outcome
	// Changed is true when at least one unit was recompiled.
	Changed bool
}

// Compile runs one process per unit with at most Jobs in flight. Any unit
// failure fails the batch; the returned Report still describes the units that
// were compiled.
func (d *Dispatcher) Compile(ctx context.Context, units []unit.Kernel, fn CompileFunc) (Report, error) {
	if len(units) == 0 {
		return Report{}, nil
	}
	slog.Debug("Dispatching compile batch",
		logfields.Count(len(units)),
		logfields.Jobs(d.jobs),
		slog.String("join", string(d.join)))

	var (
		outcomes []Outcome
		err      error
	)
	if d.join == JoinFailFast {
		outcomes, err = d.compileFailFast(ctx, units, fn)
	} else {
		outcomes, err = d.compileDrain(ctx, units, fn)
	}

	rep := Report{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Command != "" && o.Err == nil {
			rep.Compiled = append(rep.Compiled, o.Unit)
		}
	}
	rep.Changed = len(rep.Compiled) > 0
	return rep, err
}

func (d *Dispatcher) compileDrain(ctx context.Context, units []unit.Kernel, fn CompileFunc) ([]Outcome, error) {
	sem := make(chan struct{}, d.jobs)
	var abandoned atomic.Bool
	pending := make([]chan Outcome, len(units))
	for i := range pending {
		pending[i] = make(chan Outcome, 1)
	}

	// Processes start in unit order; a slot frees up when one exits.
	go func() {
		for i, u := range units {
			sem <- struct{}{}
			if abandoned.Load() {
				<-sem
				pending[i] <- Outcome{Unit: u}
				continue
			}
			go func() {
				defer func() { <-sem }()
				pending[i] <- d.run(ctx, u, fn(u))
			}()
		}
	}()

	outcomes := make([]Outcome, len(units))
	var first error
	for i := range units {
		outcomes[i] = <-pending[i]
		if first == nil && outcomes[i].Err != nil {
			first = outcomes[i].Err
			abandoned.Store(true)
		}
	}
	return outcomes, first
}

func (d *Dispatcher) compileFailFast(ctx context.Context, units []unit.Kernel, fn CompileFunc) ([]Outcome, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.jobs)
	outcomes := make([]Outcome, len(units))
	for i, u := range units {
		outcomes[i] = Outcome{Unit: u}
	}

	for i, u := range units {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			outcomes[i] = d.run(gctx, u, fn(u))
			return outcomes[i].Err
		})
	}
	err := g.Wait()
	return outcomes, err
}

func (d *Dispatcher) run(ctx context.Context, u unit.Kernel, spec toolchain.CommandSpec) Outcome {
	start := time.Now()
	res, err := toolchain.Run(ctx, d.runner, spec)
	o := Outcome{
		Unit:     u,
		Command:  spec.String(),
		Result:   res,
		Duration: time.Since(start),
	}

	switch {
	case err != nil:
		o.Err = processError(err, spec, u.Source)
	case !res.Success():
		o.Err = ferrors.CompileError(fmt.Sprintf("nvcc error while compiling %s", u.Source)).
			WithCause(&toolchain.ExitError{Command: o.Command, Result: res}).
			WithContext("unit", u.Source).
			WithContext("command", o.Command).
			WithContext("exit_code", res.ExitCode).
			Build()
	}

	if o.Err != nil {
		slog.Debug("Compile failed", logfields.Unit(u.Source), logfields.ExitCode(res.ExitCode), logfields.Error(o.Err))
	} else {
		slog.Debug("Compiled unit", logfields.Unit(u.Source), logfields.Output(u.Output), logfields.DurationMS(float64(o.Duration.Milliseconds())))
	}
	if d.observe != nil {
		d.observe(o)
	}
	return o
}

// Archive runs the library step once. It must only be called after Compile
// has returned.
func (d *Dispatcher) Archive(ctx context.Context, spec toolchain.CommandSpec) error {
	res, err := toolchain.Run(ctx, d.runner, spec)
	if err != nil {
		return processError(err, spec, "")
	}
	if !res.Success() {
		cmd := spec.String()
		return ferrors.LinkError("nvcc error while linking").
			WithCause(&toolchain.ExitError{Command: cmd, Result: res}).
			WithContext("command", cmd).
			WithContext("exit_code", res.ExitCode).
			Build()
	}
	slog.Debug("Archived objects", logfields.Command(spec.String()))
	return nil
}

func processError(err error, spec toolchain.CommandSpec, src string) error {
	var launchErr *toolchain.LaunchError
	if errors.As(err, &launchErr) {
		b := ferrors.ToolchainError("failed to start nvcc, ensure it is in PATH").
			WithCause(err).
			WithContext("command", launchErr.Command)
		if src != "" {
			b = b.WithContext("unit", src)
		}
		return b.Build()
	}
	return ferrors.WrapError(err, ferrors.CategoryRuntime, "compiler process did not complete").
		Fatal().
		WithContext("command", spec.String()).
		Build()
}
