package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"git.home.luguber.info/inful/kernelforge/internal/bindings"
	"git.home.luguber.info/inful/kernelforge/internal/dispatch"
	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
)

// BuildConfiguration is the validated, flattened form of Config. It is
// produced once per invocation and not modified afterwards.
type BuildConfiguration struct {
	Root            string
	KernelPatterns  []string
	IncludePatterns []string
	OutDir          string

	NVCC       string
	SMI        string
	CUDARoot   string
	ComputeCap string
	CCBin      string

	Jobs             int
	Join             dispatch.Join
	ExtraArgs        []string
	PerThreadStream  bool
	MTimeGranularity time.Duration

	BindingsPath    string
	BindingsFormat  bindings.Format
	BindingsPackage string
	Archive         string

	JournalPath     string
	NATSURL         string
	NATSSubject     string
	MetricsTextfile string

	Debounce     time.Duration
	PollInterval time.Duration
	LogLevel     string
}

// ArchivePath is the library archive inside OutDir.
func (b BuildConfiguration) ArchivePath() string {
	if filepath.IsAbs(b.Archive) {
		return b.Archive
	}
	return filepath.Join(b.OutDir, b.Archive)
}

// Resolve validates c and flattens it into a BuildConfiguration. All problems
// are reported together as one validation error.
func (c *Config) Resolve() (BuildConfiguration, error) {
	var problems []string
	addf := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	bc := BuildConfiguration{
		Root:            valueOr(c.Root, "."),
		KernelPatterns:  append([]string(nil), c.Kernels...),
		IncludePatterns: append([]string(nil), c.Includes...),
		OutDir:          strings.TrimSpace(c.OutDir),
		NVCC:            valueOr(c.Toolchain.NVCC, "nvcc"),
		SMI:             valueOr(c.Toolchain.SMI, "nvidia-smi"),
		CUDARoot:        c.Toolchain.CUDARoot,
		ComputeCap:      strings.TrimSpace(c.Toolchain.ComputeCap),
		CCBin:           c.Toolchain.CCBin,
		Jobs:            c.Build.Jobs,
		ExtraArgs:       append([]string(nil), c.Build.ExtraArgs...),
		PerThreadStream: c.Build.PerThreadStream == nil || *c.Build.PerThreadStream,
		BindingsPath:    c.Bindings.Path,
		BindingsPackage: valueOr(c.Bindings.Package, "kernels"),
		Archive:         valueOr(c.Library.Archive, "libkernels.a"),
		JournalPath:     c.Journal.Path,
		NATSURL:         c.Notify.URL,
		NATSSubject:     valueOr(c.Notify.Subject, "kernelforge.builds"),
		MetricsTextfile: c.Metrics.Textfile,
		LogLevel:        valueOr(c.Logging.Level, "info"),
	}

	if c.Version != CurrentVersion {
		addf("version must be %q, got %q", CurrentVersion, c.Version)
	}
	if len(bc.KernelPatterns) == 0 {
		addf("at least one kernel source or pattern is required")
	}
	if bc.OutDir == "" {
		addf("out_dir is required")
	}
	if bc.Jobs < 0 {
		addf("build.jobs must be >= 0, got %d", bc.Jobs)
	}

	join, err := dispatch.ParseJoin(strings.ToLower(strings.TrimSpace(c.Build.Join)))
	if err != nil {
		addf("build.join: %v", err)
	}
	bc.Join = join

	switch f := bindings.Format(strings.ToLower(strings.TrimSpace(c.Bindings.Format))); f {
	case "", bindings.FormatGo:
		bc.BindingsFormat = bindings.FormatGo
	case bindings.FormatRust:
		bc.BindingsFormat = bindings.FormatRust
	default:
		addf("bindings.format must be %q or %q, got %q", bindings.FormatGo, bindings.FormatRust, f)
	}

	bc.MTimeGranularity = parseDuration("build.mtime_granularity", c.Build.MTimeGranularity, 0, addf)
	bc.Debounce = parseDuration("watch.debounce", c.Watch.Debounce, 500*time.Millisecond, addf)
	bc.PollInterval = parseDuration("watch.poll_interval", c.Watch.PollInterval, 0, addf)

	switch strings.ToLower(bc.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		addf("logging.level must be one of debug, info, warn, error; got %q", bc.LogLevel)
	}

	if len(problems) > 0 {
		return BuildConfiguration{}, ferrors.ValidationError("configuration validation failed: " + strings.Join(problems, "; ")).
			WithContext("problems", len(problems)).
			Build()
	}
	return bc, nil
}

func parseDuration(field, raw string, def time.Duration, addf func(string, ...any)) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		addf("%s must be a non-negative duration, got %q", field, raw)
		return def
	}
	return d
}

func valueOr(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
