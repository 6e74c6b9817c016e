// Package commands implements the kernelforge command line.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"

	"git.home.luguber.info/inful/kernelforge/internal/build"
	"git.home.luguber.info/inful/kernelforge/internal/config"
	"git.home.luguber.info/inful/kernelforge/internal/journal"
	"git.home.luguber.info/inful/kernelforge/internal/logfields"
	"git.home.luguber.info/inful/kernelforge/internal/metrics"
	"git.home.luguber.info/inful/kernelforge/internal/notify"
	"git.home.luguber.info/inful/kernelforge/internal/observability"
	"git.home.luguber.info/inful/kernelforge/internal/toolchain"
)

// Global is shared by every subcommand.
type Global struct {
	Logger *slog.Logger
	Out    io.Writer
	Runner toolchain.Runner
}

func (g *Global) out() io.Writer {
	if g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

func (g *Global) runner() toolchain.Runner {
	if g.Runner == nil {
		return toolchain.OSRunner{}
	}
	return g.Runner
}

// CLI definition & global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"kernelforge.yaml" env:"KERNELFORGE_CONFIG"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Build   BuildCmd   `cmd:"" default:"withargs" help:"Compile stale kernels to PTX and refresh the bindings"`
	Lib     LibCmd     `cmd:"" help:"Compile kernels to objects and archive them into a static library"`
	Arch    ArchCmd    `cmd:"" help:"Print the compute capability builds will target"`
	Watch   WatchCmd   `cmd:"" help:"Rebuild whenever a kernel source or include changes"`
	History HistoryCmd `cmd:"" help:"Show recent builds from the journal"`
	Init    InitCmd    `cmd:"" help:"Write an example configuration file"`
}

// AfterApply runs after flag parsing; .env files are loaded before the
// logger is set up so KERNELFORGE_LOG_LEVEL may come from them.
func (c *CLI) AfterApply(g *Global) error {
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}
	g.Logger = observability.Setup(os.Stderr, observability.ParseLevel(c.Verbose, os.Getenv(config.EnvLogLevel)))
	return nil
}

// BuildFlags override the configuration for commands that compile.
type BuildFlags struct {
	OutDir     string `name:"out-dir" short:"o" help:"Directory for compiled artifacts"`
	ComputeCap string `name:"compute-cap" help:"Target compute capability, e.g. 86 or 8.6"`
	Jobs       int    `short:"j" help:"Maximum concurrent nvcc processes (0 uses the configured value)"`
	Join       string `help:"What to do after a failed compile: drain or fail-fast"`
	CCBin      string `name:"ccbin" help:"Host compiler passed to nvcc"`
}

func (f BuildFlags) apply(cfg *config.Config) {
	if f.OutDir != "" {
		cfg.OutDir = f.OutDir
	}
	if f.ComputeCap != "" {
		cfg.Toolchain.ComputeCap = f.ComputeCap
	}
	if f.Jobs > 0 {
		cfg.Build.Jobs = f.Jobs
	}
	if f.Join != "" {
		cfg.Build.Join = f.Join
	}
	if f.CCBin != "" {
		cfg.Toolchain.CCBin = f.CCBin
	}
}

// LoadConfiguration resolves the file, environment and flags, in increasing
// order of precedence.
func LoadConfiguration(path string, verbose bool, flags BuildFlags) (config.BuildConfiguration, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.BuildConfiguration{}, err
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return config.BuildConfiguration{}, err
	}
	flags.apply(cfg)

	bc, err := cfg.Resolve()
	if err != nil {
		return config.BuildConfiguration{}, err
	}
	if !verbose {
		observability.Setup(os.Stderr, observability.ParseLevel(false, bc.LogLevel))
	}
	return bc, nil
}

// newService wires the optional journal, publisher and metrics export around
// the build service. None of them can fail a build: each one that cannot be
// set up is logged and skipped. The returned func releases them and must
// always be called.
func newService(g *Global, bc config.BuildConfiguration) (*build.DefaultService, func()) {
	svc := build.NewService().WithRunner(g.runner())
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if bc.MetricsTextfile != "" {
		rec := metrics.NewPrometheusRecorder(nil)
		svc.WithRecorder(rec)
		closers = append(closers, func() {
			if err := rec.WriteTextfile(bc.MetricsTextfile); err != nil {
				slog.Warn("Failed to write metrics", logfields.Path(bc.MetricsTextfile), logfields.Error(err))
			}
		})
	}

	if bc.JournalPath != "" {
		j, err := journal.Open(bc.JournalPath)
		if err != nil {
			slog.Warn("Build history disabled", logfields.Path(bc.JournalPath), logfields.Error(err))
		} else {
			svc.WithJournal(j)
			closers = append(closers, func() { _ = j.Close() })
		}
	}

	if bc.NATSURL != "" {
		p, err := notify.NewNATSPublisher(bc.NATSURL, bc.NATSSubject)
		if err != nil {
			slog.Warn("Build events disabled", slog.String("url", bc.NATSURL), logfields.Error(err))
		} else {
			svc.WithPublisher(p)
			closers = append(closers, func() { _ = p.Close() })
		}
	}
	return svc, closeAll
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printResult(w io.Writer, res *build.Result) {
	switch res.Status {
	case build.StatusUpToDate:
		_, _ = fmt.Fprintf(w, "%d kernels up to date (sm_%d)\n", len(res.Units), res.ComputeCap)
	case build.StatusSuccess:
		_, _ = fmt.Fprintf(w, "Compiled %d of %d kernels for sm_%d in %s (%s)\n",
			len(res.Compiled), len(res.Units), res.ComputeCap,
			res.Duration.Round(time.Millisecond), humanize.Bytes(uint64(max(res.ArtifactBytes, 0))))
	default:
		return
	}
	if res.BindingsWritten {
		_, _ = fmt.Fprintf(w, "Wrote %s\n", res.BindingsPath)
	}
	if res.Mode == build.ModeLibrary && res.Archive != "" {
		_, _ = fmt.Fprintf(w, "Library %s\n", res.Archive)
	}
}
