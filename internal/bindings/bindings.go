// Package bindings writes the generated source file that exposes compiled
// PTX artifacts to a host program as named constants.
package bindings

import (
	"bytes"
	"errors"
	"fmt"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
)

// Format selects the generated language.
type Format string

const (
	FormatGo   Format = "go"
	FormatRust Format = "rust"
)

// DefaultExt is the artifact extension referenced by generated bindings.
const DefaultExt = "ptx"

// ErrConsumed is returned when a Bindings value is written a second time.
var ErrConsumed = errors.New("bindings already written")

// Identifier derives the constant name for a unit stem: upper-cased, with
// every '.' replaced by '_'.
func Identifier(stem string) string {
	return strings.ToUpper(strings.ReplaceAll(stem, ".", "_"))
}

// Bindings is the ordered list of unit stems produced by one build together
// with the build's change signal. It can be written once.
type Bindings struct {
	stems    []string
	changed  bool
	consumed atomic.Bool
}

// New captures stems in order.
func New(stems []string, changed bool) *Bindings {
	return &Bindings{stems: append([]string(nil), stems...), changed: changed}
}

// Stems returns the unit stems in order.
func (b *Bindings) Stems() []string { return append([]string(nil), b.stems...) }

// Changed reports the build's change signal.
func (b *Bindings) Changed() bool { return b.changed }

// Emitter renders Bindings into a destination file.
type Emitter struct {
	Format Format
	// Package is the Go package clause for FormatGo.
	Package string
	// ArtifactDir holds the compiled artifacts. For FormatGo it must be the
	// destination's directory or below it, since go:embed cannot reach
	// parent directories.
	ArtifactDir string
	Ext         string
}

func (e Emitter) ext() string {
	if e.Ext == "" {
		return DefaultExt
	}
	return strings.TrimPrefix(e.Ext, ".")
}

// Write (re)creates dest when the bindings changed, or when fewer units are
// configured than artifacts exist under ArtifactDir (a unit was removed).
// Otherwise dest is left untouched. It reports whether dest was written.
func (e Emitter) Write(b *Bindings, dest string) (bool, error) {
	if !b.consumed.CompareAndSwap(false, true) {
		return false, ErrConsumed
	}

	changed := b.changed
	if !changed {
		n, err := CountArtifacts(e.ArtifactDir, e.ext())
		if err != nil {
			return false, err
		}
		changed = len(b.stems) < n
	}
	if !changed {
		return false, nil
	}

	content, err := e.Render(b.stems, dest)
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(dest, content, 0o644); err != nil { // #nosec G306 -- generated source is meant to be readable
		return false, ferrors.WrapError(err, ferrors.CategoryFileSystem, fmt.Sprintf("failed to write bindings %s", dest)).
			Fatal().
			WithContext("path", dest).
			Build()
	}
	return true, nil
}

// Render produces the bindings file content for stems.
func (e Emitter) Render(stems []string, dest string) ([]byte, error) {
	switch e.Format {
	case FormatRust:
		return e.renderRust(stems), nil
	case "", FormatGo:
		return e.renderGo(stems, dest)
	}
	return nil, ferrors.ValidationError(fmt.Sprintf("unknown bindings format %q", e.Format)).
		WithContext("format", string(e.Format)).
		Build()
}

func (e Emitter) renderRust(stems []string) []byte {
	var buf bytes.Buffer
	for _, stem := range stems {
		fmt.Fprintf(&buf, "pub const %s: &str = include_str!(concat!(env!(\"OUT_DIR\"), \"/%s.%s\"));\n",
			Identifier(stem), stem, e.ext())
	}
	return buf.Bytes()
}

func (e Emitter) renderGo(stems []string, dest string) ([]byte, error) {
	rel, err := filepath.Rel(filepath.Dir(dest), e.ArtifactDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, ferrors.ValidationError("artifact directory must be inside the bindings directory for go:embed").
			WithContext("artifact_dir", e.ArtifactDir).
			WithContext("bindings", dest).
			Build()
	}
	rel = filepath.ToSlash(rel)

	pkg := e.Package
	if pkg == "" {
		pkg = "kernels"
	}

	seen := make(map[string]string, len(stems))
	var invalid []string
	for _, stem := range stems {
		id := Identifier(stem)
		switch prev, dup := seen[id]; {
		case !token.IsIdentifier(id):
			invalid = append(invalid, fmt.Sprintf("%q is not a Go identifier (from %s)", id, stem))
		case dup:
			invalid = append(invalid, fmt.Sprintf("%q is produced by both %s and %s", id, prev, stem))
		}
		seen[id] = stem
	}
	if len(invalid) > 0 {
		return nil, ferrors.ValidationError("cannot generate Go bindings: " + strings.Join(invalid, "; ")).
			WithContext("bindings", dest).
			Build()
	}

	var buf bytes.Buffer
	buf.WriteString("// Code generated by kernelforge. DO NOT EDIT.\n\n")
	fmt.Fprintf(&buf, "package %s\n\nimport _ \"embed\"\n", pkg)
	for _, stem := range stems {
		name := stem + "." + e.ext()
		if rel != "." {
			name = rel + "/" + name
		}
		fmt.Fprintf(&buf, "\n//go:embed %s\nvar %s string\n", name, Identifier(stem))
	}
	return buf.Bytes(), nil
}

// CountArtifacts counts files with extension ext under dir, recursively.
// A missing dir counts as zero.
func CountArtifacts(dir, ext string) (int, error) {
	suffix := "." + strings.TrimPrefix(ext, ".")
	n := 0
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			n++
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, ferrors.WrapError(err, ferrors.CategoryFileSystem, fmt.Sprintf("failed to scan artifacts in %s", dir)).
			Fatal().
			WithContext("path", dir).
			Build()
	}
	return n, nil
}
