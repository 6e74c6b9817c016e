package unit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNewKernels(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "src", "attention.cu")
	b := filepath.Join(dir, "src", "flash.attention.cu")
	writeFile(t, a, "")
	writeFile(t, b, "")

	ks, err := NewKernels([]string{a, b, a}, filepath.Join(dir, "out"), "ptx")
	require.NoError(t, err)
	require.Len(t, ks, 2)
	assert.Equal(t, filepath.Join(dir, "out", "attention.ptx"), ks[0].Output)
	assert.Equal(t, "flash.attention", ks[1].Stem())
	assert.Equal(t, []string{a, b}, Sources(ks))
	assert.Equal(t, []string{ks[0].Output, ks[1].Output}, Outputs(ks))
}

func TestNewKernels_ReportsAllMissing(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "ok.cu")
	writeFile(t, present, "")

	_, err := NewKernels([]string{"missing_a.cu", present, "missing_b.cu"}, dir, "ptx")
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryFileSystem))
	assert.Contains(t, err.Error(), "missing_a.cu")
	assert.Contains(t, err.Error(), "missing_b.cu")
}

func TestNewKernels_RejectsOutputCollision(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "src", "a", "gemm.cu")
	b := filepath.Join(dir, "src", "b", "gemm.cu")
	writeFile(t, a, "")
	writeFile(t, b, "")

	ks, err := NewKernels([]string{a, b}, filepath.Join(dir, "out"), "ptx")
	require.Error(t, err)
	assert.Nil(t, ks)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))
	assert.Contains(t, err.Error(), a)
	assert.Contains(t, err.Error(), b)
	assert.Contains(t, err.Error(), filepath.Join(dir, "out", "gemm.ptx"))
}

func TestStageIncludes(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(out, 0o755))

	incs := []Include{
		{Source: filepath.Join(dir, "src", "kernels", "b.cuh")},
		{Source: filepath.Join(dir, "src", "common", "a.cuh")},
		{Source: filepath.Join(dir, "src", "kernels", "c.cuh")},
	}
	for _, inc := range incs {
		writeFile(t, inc.Source, "#pragma once\n")
	}

	dirs, err := StageIncludes(out, incs)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "src", "common"),
		filepath.Join(dir, "src", "kernels"),
	}, dirs)

	staged, err := os.ReadFile(filepath.Join(out, "b.cuh"))
	require.NoError(t, err)
	assert.Equal(t, "#pragma once\n", string(staged))
}

func TestStageIncludes_MissingSource(t *testing.T) {
	out := t.TempDir()
	_, err := StageIncludes(out, []Include{{Source: filepath.Join(out, "nope", "x.cuh")}})
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryFileSystem))
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"src/**/*.cu", "src/a.cu", true},
		{"src/**/*.cu", "src/nested/deep/a.cu", true},
		{"src/**/*.cu", "src/a.cuh", false},
		{"src/*.cu", "src/nested/a.cu", false},
		{"**/*.cuh", "a.cuh", true},
		{"kernels/[ab].cu", "kernels/b.cu", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.name), "%s vs %s", tt.pattern, tt.name)
	}
}

func TestPatternBase(t *testing.T) {
	tests := map[string]string{
		"src/**/*.cu":          "src",
		"src/*.cu":             "src",
		"kernels/gemm/[ab].cu": "kernels/gemm",
		"kernels/*/x/*.cu":     "kernels",
		"**/*.cuh":             ".",
		"gemm.cu":              ".",
		"src/gemm.cu":          "src",
	}
	for pattern, want := range tests {
		assert.Equal(t, want, PatternBase(pattern), pattern)
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, rel := range []string{"src/b.cu", "src/nested/a.cu", "src/nested/a.cuh", ".git/x.cu", "other/c.cu"} {
		writeFile(t, filepath.Join(dir, filepath.FromSlash(rel)), "")
	}

	got, err := Discover(dir, DefaultKernelPattern)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "src", "b.cu"),
		filepath.Join(dir, "src", "nested", "a.cu"),
	}, got)

	got, err = Discover(dir, DefaultKernelPattern, "**/*.cu")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
