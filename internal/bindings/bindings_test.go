package bindings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
)

func writeArtifacts(t *testing.T, dir string, stems ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, s := range stems {
		require.NoError(t, os.WriteFile(filepath.Join(dir, s+".ptx"), []byte("//ptx"), 0o644))
	}
}

func TestIdentifier(t *testing.T) {
	assert.Equal(t, "ATTENTION", Identifier("attention"))
	assert.Equal(t, "FLASH_ATTENTION", Identifier("flash.attention"))
	assert.Equal(t, "A_B_C", Identifier("a.b.c"))
}

func TestRender_Rust(t *testing.T) {
	got, err := Emitter{Format: FormatRust}.Render([]string{"attention", "flash.attention"}, "bindings.rs")
	require.NoError(t, err)
	assert.Equal(t,
		"pub const ATTENTION: &str = include_str!(concat!(env!(\"OUT_DIR\"), \"/attention.ptx\"));\n"+
			"pub const FLASH_ATTENTION: &str = include_str!(concat!(env!(\"OUT_DIR\"), \"/flash.attention.ptx\"));\n",
		string(got))
}

func TestRender_Go(t *testing.T) {
	dir := t.TempDir()
	e := Emitter{Package: "kernels", ArtifactDir: filepath.Join(dir, "ptx")}

	got, err := e.Render([]string{"attention", "flash.attention"}, filepath.Join(dir, "kernels.go"))
	require.NoError(t, err)
	assert.Equal(t, `// Code generated by kernelforge. DO NOT EDIT.

package kernels

import _ "embed"

//go:embed ptx/attention.ptx
var ATTENTION string

//go:embed ptx/flash.attention.ptx
var FLASH_ATTENTION string
`, string(got))
}

func TestRender_GoRejectsArtifactsOutsideDestination(t *testing.T) {
	dir := t.TempDir()
	e := Emitter{ArtifactDir: filepath.Join(dir, "target")}
	_, err := e.Render([]string{"a"}, filepath.Join(dir, "pkg", "kernels.go"))
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))
}

func TestRender_GoRejectsInvalidIdentifiers(t *testing.T) {
	dir := t.TempDir()
	e := Emitter{ArtifactDir: filepath.Join(dir, "ptx")}

	for _, stems := range [][]string{
		{"my-kernel"},
		{"3conv"},
		{"a.b", "a_b"},
	} {
		_, err := e.Render(stems, filepath.Join(dir, "kernels.go"))
		require.Error(t, err, "%v", stems)
		assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))
	}

	// The rust form is not a Go source file and keeps the plain mapping.
	_, err := Emitter{Format: FormatRust}.Render([]string{"my-kernel"}, "bindings.rs")
	require.NoError(t, err)
}

func TestWrite_ChangedWrites(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, "a", "b", "c")
	dest := filepath.Join(dir, "kernels.go")

	wrote, err := Emitter{ArtifactDir: dir}.Write(New([]string{"a", "b", "c"}, true), dest)
	require.NoError(t, err)
	assert.True(t, wrote)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(content), "//go:embed c.ptx\nvar C string\n")
}

func TestWrite_UnchangedLeavesDestinationUntouched(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, "a", "b", "c")
	dest := filepath.Join(dir, "kernels.go")
	require.NoError(t, os.WriteFile(dest, []byte("previous"), 0o644))

	e := Emitter{ArtifactDir: dir}
	for range 2 {
		wrote, err := e.Write(New([]string{"a", "b", "c"}, false), dest)
		require.NoError(t, err)
		assert.False(t, wrote)

		content, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, "previous", string(content))
	}
}

func TestWrite_Idempotent(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, "attention", "flash.attention")
	dest := filepath.Join(dir, "bindings.rs")
	e := Emitter{Format: FormatRust, ArtifactDir: dir}

	_, err := e.Write(New([]string{"attention", "flash.attention"}, true), dest)
	require.NoError(t, err)
	first, err := os.ReadFile(dest)
	require.NoError(t, err)

	_, err = e.Write(New([]string{"attention", "flash.attention"}, true), dest)
	require.NoError(t, err)
	second, err := os.ReadFile(dest)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestWrite_RemovedUnitForcesRewrite(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, "a", "b", "removed")
	dest := filepath.Join(dir, "bindings.rs")
	require.NoError(t, os.WriteFile(dest, []byte("stale"), 0o644))

	wrote, err := Emitter{Format: FormatRust, ArtifactDir: dir}.Write(New([]string{"a", "b"}, false), dest)
	require.NoError(t, err)
	assert.True(t, wrote)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "REMOVED")
	assert.Contains(t, string(content), "pub const B: &str")
}

func TestWrite_IsWriteOnce(t *testing.T) {
	dir := t.TempDir()
	b := New([]string{"a"}, true)
	e := Emitter{Format: FormatRust, ArtifactDir: dir}

	_, err := e.Write(b, filepath.Join(dir, "bindings.rs"))
	require.NoError(t, err)
	_, err = e.Write(b, filepath.Join(dir, "bindings.rs"))
	assert.ErrorIs(t, err, ErrConsumed)
}

func TestCountArtifacts(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, "a", "b")
	writeArtifacts(t, filepath.Join(dir, "nested"), "c")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cuh"), nil, 0o644))

	n, err := CountArtifacts(dir, "ptx")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = CountArtifacts(filepath.Join(dir, "missing"), ".ptx")
	require.NoError(t, err)
	assert.Zero(t, n)
}
