package build

import (
	"context"
	"time"

	"git.home.luguber.info/inful/kernelforge/internal/bindings"
	"git.home.luguber.info/inful/kernelforge/internal/config"
	"git.home.luguber.info/inful/kernelforge/internal/unit"
)

// Service is the canonical interface for executing kernel builds.
type Service interface {
	// BuildPTX compiles every stale unit to PTX and, when a bindings path is
	// configured, rewrites the bindings if the artifact set changed.
	BuildPTX(ctx context.Context, req Request) (*Result, error)
	// BuildLibrary compiles every unit to an object and archives them when
	// any source is newer than the archive.
	BuildLibrary(ctx context.Context, req Request) (*Result, error)
}

// Mode is the kind of artifact a build produces.
type Mode string

const (
	ModePTX     Mode = "ptx"
	ModeLibrary Mode = "lib"
)

// Request contains all inputs of one build.
type Request struct {
	Config config.BuildConfiguration

	// Kernels lists kernel sources explicitly. When empty they are
	// discovered from Config.KernelPatterns under Config.Root.
	Kernels []string

	// Includes lists include files explicitly. When nil they are discovered
	// from Config.IncludePatterns.
	Includes []string

	// Archive overrides the library path of library mode.
	Archive string
}

// Result contains the outcome of a build.
type Result struct {
	BuildID string
	Mode    Mode
	Status  Status

	ComputeCap int
	CUDARoot   string
	IncludeDir string

	// Units are all configured units, Stale the subset that needed
	// compiling, Compiled the units compiled by this run.
	Units    []unit.Kernel
	Stale    []unit.Kernel
	Compiled []unit.Kernel
	Changed  bool

	// Bindings is set in PTX mode. It has already been written when
	// BindingsWritten is true or a bindings path was configured.
	Bindings        *bindings.Bindings
	BindingsPath    string
	BindingsWritten bool

	Archive       string
	ArtifactBytes int64

	// Inputs are the source and include paths the build depends on; a change
	// to any of them warrants another build.
	Inputs []string

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}

// Status represents the outcome of a build execution.
type Status string

const (
	// StatusSuccess indicates at least one unit was compiled.
	StatusSuccess Status = "success"

	// StatusUpToDate indicates nothing was stale.
	StatusUpToDate Status = "up_to_date"

	// StatusFailed indicates the build encountered an error.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the build was cancelled.
	StatusCancelled Status = "cancelled"
)

// IsSuccess returns true if the build completed without error.
func (s Status) IsSuccess() bool {
	return s == StatusSuccess || s == StatusUpToDate
}
