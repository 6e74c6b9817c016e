// Package config loads the kernelforge configuration: an optional YAML file,
// .env files, environment overrides and command-line flags, resolved once
// into an immutable BuildConfiguration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
)

// CurrentVersion is the only configuration file version understood.
const CurrentVersion = "1"

// DefaultPath is the configuration file looked up when none is given.
const DefaultPath = "kernelforge.yaml"

// Config is the on-disk configuration format.
type Config struct {
	Version string `yaml:"version"`
	// Root is the directory kernel and include patterns are relative to.
	Root      string          `yaml:"root,omitempty"`
	Kernels   []string        `yaml:"kernels,omitempty"`
	Includes  []string        `yaml:"includes,omitempty"`
	OutDir    string          `yaml:"out_dir,omitempty"`
	Toolchain ToolchainConfig `yaml:"toolchain"`
	Build     BuildConfig     `yaml:"build"`
	Bindings  BindingsConfig  `yaml:"bindings"`
	Library   LibraryConfig   `yaml:"library,omitempty"`
	Journal   JournalConfig   `yaml:"journal,omitempty"`
	Notify    NotifyConfig    `yaml:"notify,omitempty"`
	Metrics   MetricsConfig   `yaml:"metrics,omitempty"`
	Watch     WatchConfig     `yaml:"watch,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
}

// ToolchainConfig locates and parameterizes the CUDA tools.
type ToolchainConfig struct {
	NVCC       string `yaml:"nvcc,omitempty"`        // nvcc binary
	SMI        string `yaml:"nvidia_smi,omitempty"`  // nvidia-smi binary
	CUDARoot   string `yaml:"cuda_root,omitempty"`   // toolkit root, searched when empty
	ComputeCap string `yaml:"compute_cap,omitempty"` // e.g. "86" or "8.6"; queried from the device when empty
	CCBin      string `yaml:"ccbin,omitempty"`       // host compiler override
}

// BuildConfig controls compilation.
type BuildConfig struct {
	Jobs             int      `yaml:"jobs,omitempty"`              // 0 = physical cores
	Join             string   `yaml:"join,omitempty"`              // drain|fail-fast
	ExtraArgs        []string `yaml:"extra_args,omitempty"`        // appended to every nvcc call, in order
	PerThreadStream  *bool    `yaml:"per_thread_stream,omitempty"` // --default-stream per-thread
	MTimeGranularity string   `yaml:"mtime_granularity,omitempty"` // e.g. "1s" on coarse filesystems
}

// BindingsConfig controls the generated source file.
type BindingsConfig struct {
	Path    string `yaml:"path,omitempty"`
	Format  string `yaml:"format,omitempty"` // go|rust
	Package string `yaml:"package,omitempty"`
}

// LibraryConfig controls library mode.
type LibraryConfig struct {
	Archive string `yaml:"archive,omitempty"`
}

// JournalConfig enables the sqlite build history when Path is set.
type JournalConfig struct {
	Path string `yaml:"path,omitempty"`
}

// NotifyConfig enables NATS build events when URL is set.
type NotifyConfig struct {
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// MetricsConfig enables the Prometheus textfile export when Textfile is set.
type MetricsConfig struct {
	Textfile string `yaml:"textfile,omitempty"`
}

// WatchConfig tunes watch mode.
type WatchConfig struct {
	Debounce     string `yaml:"debounce,omitempty"`
	PollInterval string `yaml:"poll_interval,omitempty"` // empty disables the polling fallback
}

// LoggingConfig sets the log level.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	perThread := true
	return &Config{
		Version:  CurrentVersion,
		Root:     ".",
		Kernels:  []string{"src/**/*.cu"},
		Includes: []string{"src/**/*.cuh"},
		OutDir:   "target/kernels",
		Toolchain: ToolchainConfig{
			NVCC: "nvcc",
			SMI:  "nvidia-smi",
		},
		Build: BuildConfig{
			Join:            "drain",
			PerThreadStream: &perThread,
		},
		Bindings: BindingsConfig{
			Format:  "go",
			Package: "kernels",
		},
		Library: LibraryConfig{Archive: "libkernels.a"},
		Notify:  NotifyConfig{Subject: "kernelforge.builds"},
		Watch:   WatchConfig{Debounce: "500ms"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the configuration file at path over Default. When path is
// DefaultPath and the file does not exist, the defaults are returned.
// ${VAR} references in the file are expanded from the environment.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()

	data, err := os.ReadFile(path) // #nosec G304 -- path is provided by the user
	if errors.Is(err, fs.ErrNotExist) && path == DefaultPath {
		return cfg, nil
	}
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, fmt.Sprintf("failed to read config file %s", path)).
			Fatal().
			UserAction().
			WithContext("path", path).
			Build()
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, fmt.Sprintf("failed to parse config file %s", path)).
			Fatal().
			UserAction().
			WithContext("path", path).
			Build()
	}
	if cfg.Version != CurrentVersion {
		return nil, ferrors.ConfigError(fmt.Sprintf("unsupported configuration version: %q (expected %q)", cfg.Version, CurrentVersion)).
			WithContext("path", path).
			Build()
	}
	return cfg, nil
}

// Init writes an example configuration file.
func Init(path string, force bool) error {
	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err == nil && !force {
		return ferrors.ConfigError(fmt.Sprintf("configuration file already exists: %s (use --force to overwrite)", path)).
			WithContext("path", path).
			Build()
	}

	example := Default()
	example.Toolchain.ComputeCap = "${CUDA_COMPUTE_CAP}"
	example.Build.ExtraArgs = []string{"-O3", "--use_fast_math"}
	example.Bindings.Path = "target/kernels/kernels.go"
	example.Journal.Path = ".kernelforge/history.db"

	data, err := yaml.Marshal(example)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	// #nosec G306 -- configuration is not secret
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, fmt.Sprintf("failed to write config file %s", path)).
			Fatal().
			WithContext("path", path).
			Build()
	}
	return nil
}
