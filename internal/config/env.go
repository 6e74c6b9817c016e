package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
)

// Environment variables read by ApplyEnv.
const (
	EnvComputeCap = "CUDA_COMPUTE_CAP"
	EnvCCBin      = "NVCC_CCBIN"
	EnvJobs       = "KERNELFORGE_JOBS"
	EnvOutDir     = "OUT_DIR"
	EnvLogLevel   = "KERNELFORGE_LOG_LEVEL"
	EnvNATSURL    = "KERNELFORGE_NATS_URL"
)

// EnvFiles are loaded, when present, by LoadEnvFiles.
var EnvFiles = []string{".env", ".env.local"}

// LoadEnvFiles loads KEY=VALUE pairs from the files in EnvFiles that exist.
// Variables already set in the process environment are never overwritten.
func LoadEnvFiles() error {
	for _, path := range EnvFiles {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryConfig, fmt.Sprintf("failed to load %s", path)).
				Fatal().
				UserAction().
				WithContext("path", path).
				Build()
		}
		slog.Debug("Loaded environment file", slog.String("path", path))
	}
	return nil
}

// ApplyEnv overlays environment settings onto c. A nil getenv uses os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvComputeCap)); v != "" {
		c.Toolchain.ComputeCap = v
	}
	if v := strings.TrimSpace(getenv(EnvCCBin)); v != "" {
		c.Toolchain.CCBin = v
	}
	if v := strings.TrimSpace(getenv(EnvOutDir)); v != "" {
		c.OutDir = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(getenv(EnvNATSURL)); v != "" {
		c.Notify.URL = v
	}
	if v := strings.TrimSpace(getenv(EnvJobs)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return ferrors.ConfigError(fmt.Sprintf("%s must be a non-negative integer", EnvJobs)).
				WithContext("value", v).
				Build()
		}
		c.Build.Jobs = n
	}
	return nil
}
