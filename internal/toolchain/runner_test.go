package toolchain

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandSpec_String(t *testing.T) {
	spec := CommandSpec{Name: "nvcc", Args: []string{"--ptx", "-I/opt/my include", "a.cu"}}
	assert.Equal(t, `nvcc --ptx "-I/opt/my include" a.cu`, spec.String())
}

func TestOSRunner_LaunchFailure(t *testing.T) {
	_, err := Run(context.Background(), OSRunner{}, CommandSpec{Name: "kernelforge-definitely-missing-binary"})
	require.Error(t, err)

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Contains(t, launchErr.Command, "kernelforge-definitely-missing-binary")
	assert.ErrorIs(t, err, exec.ErrNotFound)
}

func TestOSRunner_CapturesStreamsAndExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	spec := CommandSpec{Name: "/bin/sh", Args: []string{"-c", "echo out; echo 'syntax error' >&2; exit 3"}}

	res, err := Run(context.Background(), OSRunner{}, spec)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Success())
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "syntax error\n", string(res.Stderr))
}

func TestOutput_NonZeroExitCarriesDiagnostics(t *testing.T) {
	runner := &FakeRunner{Handle: func(CommandSpec) (Result, error) {
		return Result{ExitCode: 1, Stdout: []byte("partial"), Stderr: []byte("syntax error")}, nil
	}}

	_, err := Output(context.Background(), runner, CommandSpec{Name: "nvcc", Args: []string{"a.cu"}})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	msg := err.Error()
	for _, want := range []string{"nvcc a.cu", "exit status 1", "# stdout\npartial", "# stderr\nsyntax error"} {
		assert.Contains(t, msg, want)
	}
}

func TestFakeRunner_RecordsCallsAndLaunchFailures(t *testing.T) {
	runner := &FakeRunner{Handle: func(spec CommandSpec) (Result, error) {
		if spec.Name == "missing" {
			return Result{}, exec.ErrNotFound
		}
		return Result{Stdout: []byte("ok")}, nil
	}}

	out, err := Output(context.Background(), runner, CommandSpec{Name: "nvcc"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	_, err = Output(context.Background(), runner, CommandSpec{Name: "missing"})
	assert.True(t, errors.Is(err, exec.ErrNotFound))
	assert.Len(t, runner.Calls(), 2)
}

func TestNVCC_PTXCommand(t *testing.T) {
	n := NVCC{
		ComputeCap:      86,
		IncludeDirs:     []string{"src/common", "src/kernels"},
		ExtraArgs:       []string{"-O3", "--use_fast_math"},
		CCBin:           "/usr/bin/gcc-12",
		PerThreadStream: true,
	}

	spec := n.PTXCommand("src/attention.cu", "out")
	assert.Equal(t, "nvcc", spec.Name)
	assert.Equal(t, []string{
		"--gpu-architecture=sm_86", "--ptx", "--output-directory", "out",
		"--default-stream", "per-thread",
		"-O3", "--use_fast_math",
		"-Isrc/common", "-Isrc/kernels",
		"-allow-unsupported-compiler", "-ccbin", "/usr/bin/gcc-12",
		"src/attention.cu",
	}, spec.Args)
}

func TestNVCC_ObjectAndArchiveCommands(t *testing.T) {
	n := NVCC{Bin: "/cuda/bin/nvcc", ComputeCap: 90}

	obj := n.ObjectCommand("src/a.cu", "out/a.o")
	assert.Equal(t, "/cuda/bin/nvcc", obj.Name)
	assert.Equal(t, []string{"--gpu-architecture=sm_90", "-c", "-o", "out/a.o", "src/a.cu"}, obj.Args)

	lib := n.ArchiveCommand("out/libkernels.a", []string{"out/a.o", "out/b.o"})
	assert.Equal(t, []string{"--lib", "-o", "out/libkernels.a", "out/a.o", "out/b.o"}, lib.Args)
}

func TestQueryCommands(t *testing.T) {
	assert.Equal(t, "nvcc --list-gpu-code", ListGPUCodeCommand("").String())
	assert.Equal(t, "nvidia-smi --query-gpu=compute_cap --format=csv", DeviceQueryCommand("").String())
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "attention.ptx"), OutputPath("src/attention.cu", "out", "ptx"))
	assert.Equal(t, filepath.Join("out", "flash.attention.o"), OutputPath("src/flash.attention.cu", "out", ".o"))
}

func TestLocateRoot(t *testing.T) {
	withHeader := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(withHeader, "include"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(withHeader, "include", "cuda.h"), nil, 0o644))
	empty := t.TempDir()

	env := map[string]string{"CUDA_PATH": empty, "CUDA_ROOT": withHeader}
	getenv := func(k string) string { return env[k] }

	root, ok := LocateRoot(getenv, nil)
	require.True(t, ok)
	assert.Equal(t, withHeader, root)
	assert.True(t, strings.HasSuffix(IncludeDir(root), "include"))

	_, ok = LocateRoot(func(string) string { return "" }, []string{empty})
	assert.False(t, ok)

	root, ok = LocateRoot(func(string) string { return "" }, []string{empty, withHeader})
	require.True(t, ok)
	assert.Equal(t, withHeader, root)
}
