package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/kernelforge/internal/bindings"
	"git.home.luguber.info/inful/kernelforge/internal/dispatch"
	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefault_Resolves(t *testing.T) {
	bc, err := Default().Resolve()
	require.NoError(t, err)

	assert.Equal(t, []string{"src/**/*.cu"}, bc.KernelPatterns)
	assert.Equal(t, "target/kernels", bc.OutDir)
	assert.Equal(t, dispatch.JoinDrain, bc.Join)
	assert.Equal(t, bindings.FormatGo, bc.BindingsFormat)
	assert.True(t, bc.PerThreadStream)
	assert.Equal(t, 500*time.Millisecond, bc.Debounce)
	assert.Equal(t, filepath.Join("target/kernels", "libkernels.a"), bc.ArchivePath())
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryConfig))
}

func TestLoad_ExpandsEnvAndOverlaysDefaults(t *testing.T) {
	t.Setenv("KF_TEST_CCBIN", "/usr/bin/gcc-12")
	path := filepath.Join(t.TempDir(), "kernelforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`version: "1"
kernels:
  - kernels/*.cu
toolchain:
  ccbin: ${KF_TEST_CCBIN}
build:
  jobs: 6
  join: fail-fast
  extra_args: ["-O3", "--use_fast_math"]
  per_thread_stream: false
bindings:
  format: rust
  path: out/bindings.rs
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	bc, err := cfg.Resolve()
	require.NoError(t, err)

	assert.Equal(t, []string{"kernels/*.cu"}, bc.KernelPatterns)
	assert.Equal(t, []string{"src/**/*.cuh"}, bc.IncludePatterns, "unset keys keep defaults")
	assert.Equal(t, "/usr/bin/gcc-12", bc.CCBin)
	assert.Equal(t, 6, bc.Jobs)
	assert.Equal(t, dispatch.JoinFailFast, bc.Join)
	assert.Equal(t, []string{"-O3", "--use_fast_math"}, bc.ExtraArgs)
	assert.False(t, bc.PerThreadStream)
	assert.Equal(t, bindings.FormatRust, bc.BindingsFormat)
}

func TestLoad_RejectsVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernelforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"2.0\"\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported configuration version")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(env(map[string]string{
		EnvComputeCap: "8.6",
		EnvCCBin:      "/opt/gcc/bin/g++",
		EnvJobs:       "3",
		EnvOutDir:     "/tmp/out",
		EnvLogLevel:   "debug",
	})))

	assert.Equal(t, "8.6", cfg.Toolchain.ComputeCap)
	assert.Equal(t, "/opt/gcc/bin/g++", cfg.Toolchain.CCBin)
	assert.Equal(t, 3, cfg.Build.Jobs)
	assert.Equal(t, "/tmp/out", cfg.OutDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyEnv_InvalidJobs(t *testing.T) {
	err := Default().ApplyEnv(env(map[string]string{EnvJobs: "many"}))
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryConfig))
}

func TestResolve_CollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Kernels = nil
	cfg.Build.Jobs = -1
	cfg.Build.Join = "sometimes"
	cfg.Bindings.Format = "python"
	cfg.Watch.Debounce = "soon"

	_, err := cfg.Resolve()
	require.Error(t, err)
	ce, ok := ferrors.AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.CategoryValidation, ce.Category())
	for _, want := range []string{"kernel source", "build.jobs", "build.join", "bindings.format", "watch.debounce"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadEnvFiles_DoesNotOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvComputeCap, "90")
	require.NoError(t, os.WriteFile(".env", []byte("CUDA_COMPUTE_CAP=80\nKF_TEST_FROM_DOTENV=yes\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("KF_TEST_FROM_DOTENV") })

	require.NoError(t, LoadEnvFiles())
	assert.Equal(t, "90", os.Getenv(EnvComputeCap))
	assert.Equal(t, "yes", os.Getenv("KF_TEST_FROM_DOTENV"))
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernelforge.yaml")
	require.NoError(t, Init(path, false))

	t.Setenv(EnvComputeCap, "86")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "86", cfg.Toolchain.ComputeCap)
	_, err = cfg.Resolve()
	require.NoError(t, err)

	err = Init(path, false)
	require.Error(t, err)
	require.NoError(t, Init(path, true))
}
