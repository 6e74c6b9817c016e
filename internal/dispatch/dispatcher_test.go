package dispatch

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
	"git.home.luguber.info/inful/kernelforge/internal/toolchain"
	"git.home.luguber.info/inful/kernelforge/internal/unit"
)

func units(n int) []unit.Kernel {
	out := make([]unit.Kernel, n)
	for i := range out {
		out[i] = unit.Kernel{
			Source: fmt.Sprintf("src/k%d.cu", i),
			Output: fmt.Sprintf("out/k%d.ptx", i),
		}
	}
	return out
}

func ptx(u unit.Kernel) toolchain.CommandSpec {
	return toolchain.NVCC{ComputeCap: 86}.PTXCommand(u.Source, "out")
}

func source(spec toolchain.CommandSpec) string {
	return spec.Args[len(spec.Args)-1]
}

func TestParseJoin(t *testing.T) {
	j, err := ParseJoin("")
	require.NoError(t, err)
	assert.Equal(t, JoinDrain, j)

	j, err = ParseJoin("fail-fast")
	require.NoError(t, err)
	assert.Equal(t, JoinFailFast, j)

	_, err = ParseJoin("eventually")
	require.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	d := New(Options{})
	assert.Equal(t, DefaultJobs(), d.Jobs())
	assert.Positive(t, d.Jobs())
	assert.Equal(t, JoinDrain, d.join)
}

func TestCompile_AllUnitsDispatched(t *testing.T) {
	for _, join := range []Join{JoinDrain, JoinFailFast} {
		t.Run(string(join), func(t *testing.T) {
			runner := &toolchain.FakeRunner{}
			var observed sync.Map
			d := New(Options{Jobs: 2, Join: join, Runner: runner, Observe: func(o Outcome) {
				observed.Store(o.Unit.Source, true)
			}})

			in := units(3)
			rep, err := d.Compile(context.Background(), in, ptx)
			require.NoError(t, err)
			assert.True(t, rep.Changed)
			assert.Equal(t, in, rep.Compiled)
			assert.Len(t, runner.Calls(), 3)
			for _, u := range in {
				_, ok := observed.Load(u.Source)
				assert.True(t, ok, u.Source)
			}
		})
	}
}

func TestCompile_EmptyBatch(t *testing.T) {
	runner := &toolchain.FakeRunner{}
	rep, err := New(Options{Runner: runner}).Compile(context.Background(), nil, ptx)
	require.NoError(t, err)
	assert.False(t, rep.Changed)
	assert.Empty(t, runner.Calls())
}

func TestCompile_RespectsJobsBound(t *testing.T) {
	runner := &toolchain.FakeRunner{Delay: func(toolchain.CommandSpec) time.Duration { return 20 * time.Millisecond }}
	d := New(Options{Jobs: 3, Runner: runner})

	_, err := d.Compile(context.Background(), units(12), ptx)
	require.NoError(t, err)
	assert.LessOrEqual(t, runner.MaxConcurrent(), 3)
	assert.Len(t, runner.Calls(), 12)
}

func TestCompile_FailureCarriesDiagnostics(t *testing.T) {
	for _, join := range []Join{JoinDrain, JoinFailFast} {
		t.Run(string(join), func(t *testing.T) {
			runner := &toolchain.FakeRunner{Handle: func(spec toolchain.CommandSpec) (toolchain.Result, error) {
				if source(spec) == "src/k1.cu" {
					return toolchain.Result{ExitCode: 1, Stderr: []byte("syntax error")}, nil
				}
				return toolchain.Result{}, nil
			}}
			d := New(Options{Jobs: 1, Join: join, Runner: runner})

			_, err := d.Compile(context.Background(), units(3), ptx)
			require.Error(t, err)
			assert.True(t, ferrors.HasCategory(err, ferrors.CategoryCompile))
			assert.Contains(t, err.Error(), "syntax error")
			assert.Contains(t, err.Error(), "src/k1.cu")
			assert.Contains(t, err.Error(), "--gpu-architecture=sm_86")
		})
	}
}

func TestCompile_DrainReportsFirstFailureInUnitOrder(t *testing.T) {
	// k0 fails slowly, k2 fails fast; k0 must be the one reported.
	runner := &toolchain.FakeRunner{
		Handle: func(spec toolchain.CommandSpec) (toolchain.Result, error) {
			switch source(spec) {
			case "src/k0.cu", "src/k2.cu":
				return toolchain.Result{ExitCode: 2, Stderr: []byte("error in " + source(spec))}, nil
			}
			return toolchain.Result{}, nil
		},
		Delay: func(spec toolchain.CommandSpec) time.Duration {
			if source(spec) == "src/k0.cu" {
				return 50 * time.Millisecond
			}
			return 0
		},
	}
	d := New(Options{Jobs: 4, Join: JoinDrain, Runner: runner})

	rep, err := d.Compile(context.Background(), units(4), ptx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error in src/k0.cu")
	assert.NotContains(t, err.Error(), "src/k2.cu")

	// Everything already spawned was drained, not orphaned.
	require.Len(t, rep.Outcomes, 4)
	for _, o := range rep.Outcomes {
		assert.NotEmpty(t, o.Command)
	}
}

func TestCompile_DrainAbandonsUnspawnedUnits(t *testing.T) {
	runner := &toolchain.FakeRunner{Handle: func(spec toolchain.CommandSpec) (toolchain.Result, error) {
		if source(spec) == "src/k0.cu" {
			return toolchain.Result{ExitCode: 1}, nil
		}
		return toolchain.Result{}, nil
	}, Delay: func(spec toolchain.CommandSpec) time.Duration {
		if source(spec) == "src/k0.cu" {
			return 0
		}
		return 10 * time.Millisecond
	}}
	d := New(Options{Jobs: 1, Join: JoinDrain, Runner: runner})

	_, err := d.Compile(context.Background(), units(8), ptx)
	require.Error(t, err)
	assert.Less(t, len(runner.Calls()), 8)
}

func TestCompile_FailFastCancelsSiblings(t *testing.T) {
	runner := &toolchain.FakeRunner{
		Handle: func(spec toolchain.CommandSpec) (toolchain.Result, error) {
			if source(spec) == "src/k0.cu" {
				return toolchain.Result{ExitCode: 1, Stderr: []byte("syntax error")}, nil
			}
			return toolchain.Result{}, nil
		},
		Delay: func(spec toolchain.CommandSpec) time.Duration {
			if source(spec) == "src/k0.cu" {
				return 0
			}
			return time.Minute
		},
	}
	d := New(Options{Jobs: 4, Join: JoinFailFast, Runner: runner})

	start := time.Now()
	rep, err := d.Compile(context.Background(), units(4), ptx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 30*time.Second)
	assert.Contains(t, err.Error(), "src/k0.cu")
	assert.False(t, rep.Changed)
}

func TestCompile_LaunchFailureIsToolchainError(t *testing.T) {
	runner := &toolchain.FakeRunner{Handle: func(toolchain.CommandSpec) (toolchain.Result, error) {
		return toolchain.Result{}, exec.ErrNotFound
	}}
	_, err := New(Options{Runner: runner}).Compile(context.Background(), units(1), ptx)
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryToolchain))
	assert.ErrorIs(t, err, exec.ErrNotFound)
	assert.Contains(t, err.Error(), "nvcc --gpu-architecture=sm_86")
}

func TestArchive(t *testing.T) {
	spec := toolchain.NVCC{}.ArchiveCommand("out/libk.a", []string{"out/a.o", "out/b.o"})

	ok := &toolchain.FakeRunner{}
	require.NoError(t, New(Options{Runner: ok}).Archive(context.Background(), spec))
	require.Len(t, ok.Calls(), 1)
	assert.Equal(t, "nvcc --lib -o out/libk.a out/a.o out/b.o", ok.Calls()[0].String())

	failing := &toolchain.FakeRunner{Handle: func(toolchain.CommandSpec) (toolchain.Result, error) {
		return toolchain.Result{ExitCode: 1, Stderr: []byte("undefined symbol")}, nil
	}}
	err := New(Options{Runner: failing}).Archive(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryLink))
	assert.True(t, strings.Contains(err.Error(), "nvcc error while linking"))
	assert.Contains(t, err.Error(), "undefined symbol")
}
