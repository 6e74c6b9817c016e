package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/kernelforge/internal/bindings"
	"git.home.luguber.info/inful/kernelforge/internal/capability"
	"git.home.luguber.info/inful/kernelforge/internal/config"
	"git.home.luguber.info/inful/kernelforge/internal/dispatch"
	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
	"git.home.luguber.info/inful/kernelforge/internal/journal"
	"git.home.luguber.info/inful/kernelforge/internal/logfields"
	"git.home.luguber.info/inful/kernelforge/internal/metrics"
	"git.home.luguber.info/inful/kernelforge/internal/notify"
	"git.home.luguber.info/inful/kernelforge/internal/observability"
	"git.home.luguber.info/inful/kernelforge/internal/staleness"
	"git.home.luguber.info/inful/kernelforge/internal/toolchain"
	"git.home.luguber.info/inful/kernelforge/internal/unit"
)

// ArchResolver determines the compute capability for a build.
type ArchResolver func(ctx context.Context, cfg config.BuildConfiguration, runner toolchain.Runner) (int, error)

// Journal records finished builds.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) (journal.Entry, error)
}

// DefaultService is the standard implementation of Service.
type DefaultService struct {
	runner    toolchain.Runner
	resolve   ArchResolver
	clock     clockwork.Clock
	recorder  metrics.Recorder
	journal   Journal
	publisher notify.Publisher
	getenv    func(string) string
	roots     []string
}

// NewService creates a DefaultService that runs the real toolchain.
func NewService() *DefaultService {
	return &DefaultService{
		runner:    toolchain.OSRunner{},
		resolve:   resolveArch,
		clock:     clockwork.NewRealClock(),
		recorder:  metrics.NoopRecorder{},
		publisher: notify.NoopPublisher{},
		getenv:    os.Getenv,
		roots:     toolchain.DefaultRoots,
	}
}

func resolveArch(ctx context.Context, cfg config.BuildConfiguration, runner toolchain.Runner) (int, error) {
	r := capability.Resolver{
		Runner:   runner,
		Override: cfg.ComputeCap,
		NVCCBin:  cfg.NVCC,
		SMIBin:   cfg.SMI,
	}
	return r.Resolve(ctx)
}

// WithRunner sets the process runner (a toolchain.FakeRunner in tests).
func (s *DefaultService) WithRunner(r toolchain.Runner) *DefaultService {
	s.runner = r
	return s
}

// WithArchResolver replaces compute capability resolution.
func (s *DefaultService) WithArchResolver(fn ArchResolver) *DefaultService {
	s.resolve = fn
	return s
}

// WithClock sets the clock used for build timing.
func (s *DefaultService) WithClock(c clockwork.Clock) *DefaultService {
	s.clock = c
	return s
}

// WithRecorder sets the metrics recorder.
func (s *DefaultService) WithRecorder(r metrics.Recorder) *DefaultService {
	s.recorder = r
	return s
}

// WithJournal records every finished build in j.
func (s *DefaultService) WithJournal(j Journal) *DefaultService {
	s.journal = j
	return s
}

// WithPublisher publishes every finished build on p.
func (s *DefaultService) WithPublisher(p notify.Publisher) *DefaultService {
	s.publisher = p
	return s
}

// WithEnvironment sets the environment lookup and candidate CUDA roots used
// to locate the toolkit.
func (s *DefaultService) WithEnvironment(getenv func(string) string, roots []string) *DefaultService {
	s.getenv = getenv
	s.roots = roots
	return s
}

type run struct {
	ctx context.Context
	cfg config.BuildConfiguration
	res *Result
}

func (s *DefaultService) begin(ctx context.Context, mode Mode, req Request) *run {
	res := &Result{
		BuildID:      observability.NewBuildID(),
		Mode:         mode,
		StartTime:    s.clock.Now(),
		BindingsPath: req.Config.BindingsPath,
	}
	ctx = observability.WithBuildID(ctx, res.BuildID)
	ctx = observability.WithMode(ctx, string(mode))
	return &run{ctx: ctx, cfg: req.Config, res: res}
}

// BuildPTX implements Service.
func (s *DefaultService) BuildPTX(ctx context.Context, req Request) (*Result, error) {
	r := s.begin(ctx, ModePTX, req)
	res, cfg := r.res, r.cfg

	sources, includes, err := s.gather(r, req)
	if err != nil {
		return s.finish(r, err)
	}

	candidates := s.roots
	if cfg.CUDARoot != "" {
		candidates = append([]string{cfg.CUDARoot}, s.roots...)
	}
	root, ok := toolchain.LocateRoot(s.getenv, candidates)
	if !ok {
		return s.finish(r, ferrors.WrapError(ErrNoCUDARoot, ferrors.CategoryConfig,
			"cannot find the CUDA toolkit, set CUDA_ROOT or toolchain.cuda_root").
			Fatal().
			UserAction().
			WithContext("env", strings.Join(toolchain.RootEnvVars, ",")).
			Build())
	}
	res.CUDARoot = root
	res.IncludeDir = toolchain.IncludeDir(root)
	observability.DebugContext(r.ctx, "Located CUDA toolkit", logfields.Path(root))

	kernels, nvcc, err := s.prepare(r, sources, includes, bindings.DefaultExt)
	if err != nil {
		return s.finish(r, err)
	}

	var stale []unit.Kernel
	err = s.stage(r, "staleness", func() error {
		var ferr error
		stale, ferr = staleness.Tracker{Granularity: cfg.MTimeGranularity}.Filter(kernels)
		return ferr
	})
	if err != nil {
		return s.finish(r, err)
	}
	res.Stale = stale
	s.recorder.SetStaleUnits(len(stale))

	report, err := s.dispatch(r, stale, func(u unit.Kernel) toolchain.CommandSpec {
		return nvcc.PTXCommand(u.Source, cfg.OutDir)
	})
	res.Compiled = report.Compiled
	if err != nil {
		return s.finish(r, err)
	}
	res.Changed = report.Changed

	stems := make([]string, len(kernels))
	for i, k := range kernels {
		stems[i] = k.Stem()
	}
	res.Bindings = bindings.New(stems, report.Changed)

	if cfg.BindingsPath != "" {
		err = s.stage(r, "bindings", func() error {
			emitter := bindings.Emitter{
				Format:      cfg.BindingsFormat,
				Package:     cfg.BindingsPackage,
				ArtifactDir: cfg.OutDir,
			}
			wrote, werr := emitter.Write(res.Bindings, cfg.BindingsPath)
			res.BindingsWritten = wrote
			return werr
		})
		if err != nil {
			return s.finish(r, err)
		}
		if res.BindingsWritten {
			observability.InfoContext(r.ctx, "Wrote bindings", logfields.Path(cfg.BindingsPath), logfields.Count(len(stems)))
		}
	}

	for _, k := range kernels {
		res.ArtifactBytes += fileSize(k.Output)
	}
	return s.finish(r, nil)
}

// BuildLibrary implements Service.
func (s *DefaultService) BuildLibrary(ctx context.Context, req Request) (*Result, error) {
	r := s.begin(ctx, ModeLibrary, req)
	res, cfg := r.res, r.cfg

	res.Archive = req.Archive
	if res.Archive == "" {
		res.Archive = cfg.ArchivePath()
	}

	sources, includes, err := s.gather(r, req)
	if err != nil {
		return s.finish(r, err)
	}
	kernels, nvcc, err := s.prepare(r, sources, includes, "o")
	if err != nil {
		return s.finish(r, err)
	}

	var stale bool
	err = s.stage(r, "staleness", func() error {
		var berr error
		stale, berr = staleness.Tracker{Granularity: cfg.MTimeGranularity}.BatchStale(kernels, res.Archive)
		return berr
	})
	if err != nil {
		return s.finish(r, err)
	}
	if !stale {
		s.recorder.SetStaleUnits(0)
		res.ArtifactBytes = fileSize(res.Archive)
		return s.finish(r, nil)
	}
	res.Stale = kernels
	s.recorder.SetStaleUnits(len(kernels))

	report, err := s.dispatch(r, kernels, func(u unit.Kernel) toolchain.CommandSpec {
		return nvcc.ObjectCommand(u.Source, u.Output)
	})
	res.Compiled = report.Compiled
	if err != nil {
		return s.finish(r, err)
	}

	err = s.stage(r, "archive", func() error {
		return s.dispatcher(r).Archive(r.ctx, nvcc.ArchiveCommand(res.Archive, unit.Outputs(kernels)))
	})
	if err != nil {
		return s.finish(r, err)
	}
	res.Changed = true
	res.ArtifactBytes = fileSize(res.Archive)
	observability.InfoContext(r.ctx, "Archived library", logfields.Output(res.Archive), logfields.Count(len(kernels)))
	return s.finish(r, nil)
}

// gather discovers the kernel sources and includes and records them as the
// build's inputs, so a build that fails later still reports what to watch.
func (s *DefaultService) gather(r *run, req Request) (sources, includes []string, err error) {
	cfg := r.cfg
	err = s.stage(r, "discover", func() error {
		var cerr error
		if sources, cerr = collect(cfg.Root, req.Kernels, cfg.KernelPatterns); cerr != nil {
			return cerr
		}
		includes = req.Includes
		if includes == nil {
			if includes, cerr = collect(cfg.Root, nil, cfg.IncludePatterns); cerr != nil {
				return cerr
			}
		}
		r.res.Inputs = append(append([]string(nil), sources...), includes...)
		return nil
	})
	return sources, includes, err
}

// prepare resolves the compute capability, creates the output directory,
// builds the units and stages the includes.
func (s *DefaultService) prepare(r *run, sources, includes []string, ext string) ([]unit.Kernel, toolchain.NVCC, error) {
	cfg, res := r.cfg, r.res
	var nvcc toolchain.NVCC

	err := s.stage(r, "resolve", func() error {
		arch, err := s.resolve(r.ctx, cfg, s.runner)
		res.ComputeCap = arch
		return err
	})
	if err != nil {
		return nil, nvcc, err
	}
	observability.DebugContext(r.ctx, "Target compute capability", logfields.Arch(res.ComputeCap))

	var kernels []unit.Kernel
	var includeDirs []string
	err = s.stage(r, "prepare", func() error {
		if len(sources) == 0 {
			return ferrors.WrapError(ErrNoKernels, ferrors.CategoryValidation, "no kernel sources matched").
				Fatal().
				UserAction().
				WithContext("patterns", strings.Join(cfg.KernelPatterns, ",")).
				Build()
		}
		if err := os.MkdirAll(cfg.OutDir, 0o750); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryFileSystem, fmt.Sprintf("failed to create output directory %s", cfg.OutDir)).
				Fatal().
				WithContext("path", cfg.OutDir).
				Build()
		}

		var err error
		if kernels, err = unit.NewKernels(sources, cfg.OutDir, ext); err != nil {
			return err
		}
		incs := make([]unit.Include, len(includes))
		for i, p := range includes {
			incs[i] = unit.Include{Source: p}
		}
		if includeDirs, err = unit.StageIncludes(cfg.OutDir, incs); err != nil {
			return err
		}
		res.Units = kernels
		return nil
	})
	if err != nil {
		return nil, nvcc, err
	}

	nvcc = toolchain.NVCC{
		Bin:             cfg.NVCC,
		ComputeCap:      res.ComputeCap,
		IncludeDirs:     includeDirs,
		ExtraArgs:       cfg.ExtraArgs,
		CCBin:           cfg.CCBin,
		PerThreadStream: cfg.PerThreadStream,
	}
	return kernels, nvcc, nil
}

func collect(root string, explicit, patterns []string) ([]string, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	if len(patterns) == 0 {
		return nil, nil
	}
	found, err := unit.Discover(root, patterns...)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, fmt.Sprintf("failed to discover sources under %s", root)).
			Fatal().
			WithContext("root", root).
			WithContext("patterns", strings.Join(patterns, ",")).
			Build()
	}
	return found, nil
}

func (s *DefaultService) dispatcher(r *run) *dispatch.Dispatcher {
	return dispatch.New(dispatch.Options{
		Jobs:    r.cfg.Jobs,
		Join:    r.cfg.Join,
		Runner:  s.runner,
		Observe: s.observeUnit,
	})
}

func (s *DefaultService) dispatch(r *run, units []unit.Kernel, fn dispatch.CompileFunc) (dispatch.Report, error) {
	d := s.dispatcher(r)
	s.recorder.SetDispatchConcurrency(d.Jobs())
	if len(units) == 0 {
		observability.InfoContext(r.ctx, "All units up to date", logfields.Count(len(r.res.Units)))
		return dispatch.Report{}, nil
	}
	observability.InfoContext(r.ctx, "Compiling stale units",
		logfields.Count(len(units)),
		logfields.Jobs(d.Jobs()),
		logfields.Arch(r.res.ComputeCap))

	var report dispatch.Report
	err := s.stage(r, "dispatch", func() error {
		var derr error
		report, derr = d.Compile(r.ctx, units, fn)
		return derr
	})
	return report, err
}

func (s *DefaultService) observeUnit(o dispatch.Outcome) {
	result := metrics.ResultSuccess
	switch {
	case o.Command == "":
		result = metrics.ResultSkipped
	case o.Err != nil:
		result = metrics.ResultFailed
	}
	if o.Command != "" {
		s.recorder.ObserveUnitDuration(o.Duration, result)
	}
	s.recorder.IncUnitResult(result)
}

func (s *DefaultService) stage(r *run, name string, fn func() error) error {
	start := s.clock.Now()
	ctx := observability.WithStage(r.ctx, name)
	observability.DebugContext(ctx, "Stage started")
	err := fn()
	s.recorder.ObserveStageDuration(name, s.clock.Since(start))
	if err != nil {
		observability.DebugContext(ctx, "Stage failed", logfields.Error(err))
	}
	return err
}

func (s *DefaultService) finish(r *run, err error) (*Result, error) {
	res := r.res
	res.EndTime = s.clock.Now()
	res.Duration = res.EndTime.Sub(res.StartTime)

	outcome := metrics.BuildOutcomeSuccess
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || r.ctx.Err() != nil):
		res.Status = StatusCancelled
		outcome = metrics.BuildOutcomeCanceled
	case err != nil:
		res.Status = StatusFailed
		outcome = metrics.BuildOutcomeFailed
	case len(res.Compiled) > 0 || res.Changed:
		res.Status = StatusSuccess
	default:
		res.Status = StatusUpToDate
		outcome = metrics.BuildOutcomeUpToDate
	}
	s.recorder.IncBuildOutcome(string(res.Mode), outcome)
	s.recorder.ObserveBuildDuration(string(res.Mode), res.Duration)

	attrs := []slog.Attr{
		slog.String("status", string(res.Status)),
		logfields.Count(len(res.Compiled)),
		logfields.DurationMS(float64(res.Duration.Milliseconds())),
	}
	if err != nil {
		observability.ErrorContext(r.ctx, "Build failed", append(attrs, logfields.Error(err))...)
	} else {
		observability.InfoContext(r.ctx, "Build complete", attrs...)
	}

	// Bookkeeping must not be skipped because the build context was cancelled.
	ctx := context.WithoutCancel(r.ctx)
	s.record(ctx, res, err)
	s.publish(ctx, res, err)
	return res, err
}

func (s *DefaultService) record(ctx context.Context, res *Result, buildErr error) {
	if s.journal == nil {
		return
	}
	entry := journal.Entry{
		BuildID:       res.BuildID,
		Mode:          string(res.Mode),
		Status:        string(res.Status),
		ComputeCap:    res.ComputeCap,
		Units:         len(res.Units),
		Stale:         len(res.Stale),
		Compiled:      len(res.Compiled),
		Changed:       res.Changed,
		ArtifactBytes: res.ArtifactBytes,
		Duration:      res.Duration,
	}
	if buildErr != nil {
		entry.Error = summarize(buildErr)
	}
	if _, err := s.journal.Record(ctx, entry); err != nil {
		observability.WarnContext(ctx, "Failed to record build in journal", logfields.Error(err))
	}
}

func (s *DefaultService) publish(ctx context.Context, res *Result, buildErr error) {
	ev := notify.Event{
		BuildID:    res.BuildID,
		Mode:       string(res.Mode),
		Status:     string(res.Status),
		ComputeCap: res.ComputeCap,
		Compiled:   unit.Sources(res.Compiled),
		Changed:    res.Changed,
		Archive:    res.Archive,
		DurationMS: res.Duration.Milliseconds(),
		Timestamp:  res.EndTime,
	}
	if res.BindingsWritten {
		ev.Bindings = res.BindingsPath
	}
	if buildErr != nil {
		ev.Error = summarize(buildErr)
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		observability.WarnContext(ctx, "Failed to publish build event", logfields.Error(err))
	}
}

// summarize keeps the first line of an error; compiler output stays in the log.
func summarize(err error) string {
	msg := err.Error()
	if ce, ok := ferrors.AsClassified(err); ok {
		msg = ce.Message()
	}
	first, _, _ := strings.Cut(msg, "\n")
	return first
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
