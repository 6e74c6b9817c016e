// Package unit models the kernel and include sources that make up a build.
package unit

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
	"git.home.luguber.info/inful/kernelforge/internal/toolchain"
)

// Kernel is one device source file and the artifact it compiles to.
type Kernel struct {
	Source string
	Output string
}

// Stem is the source file name without its extension.
func (k Kernel) Stem() string {
	base := filepath.Base(k.Source)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// NewKernels builds one Kernel per source with its output in outDir using ext.
// Duplicate sources are dropped, keeping the first occurrence. Every missing
// source is reported in a single filesystem error. Distinct sources that would
// compile to the same output (same stem in different directories) are a
// validation error naming both.
func NewKernels(sources []string, outDir, ext string) ([]Kernel, error) {
	seen := make(map[string]struct{}, len(sources))
	kernels := make([]Kernel, 0, len(sources))
	var missing []string
	for _, src := range sources {
		if _, dup := seen[src]; dup {
			continue
		}
		seen[src] = struct{}{}
		if !isFile(src) {
			missing = append(missing, src)
			continue
		}
		kernels = append(kernels, Kernel{Source: src, Output: toolchain.OutputPath(src, outDir, ext)})
	}
	if len(missing) > 0 {
		return nil, ferrors.FileSystemError(fmt.Sprintf("kernel sources not found: %s", strings.Join(missing, ", "))).
			WithContext("missing", missing).
			Build()
	}

	owner := make(map[string]string, len(kernels))
	var clashes []string
	for _, k := range kernels {
		if prev, ok := owner[k.Output]; ok {
			clashes = append(clashes, fmt.Sprintf("%s and %s both compile to %s", prev, k.Source, k.Output))
			continue
		}
		owner[k.Output] = k.Source
	}
	if len(clashes) > 0 {
		return nil, ferrors.ValidationError("kernel outputs collide: " + strings.Join(clashes, "; ")).
			WithContext("collisions", len(clashes)).
			Build()
	}
	return kernels, nil
}

// Sources returns the source paths of ks in order.
func Sources(ks []Kernel) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = k.Source
	}
	return out
}

// Outputs returns the output paths of ks in order.
func Outputs(ks []Kernel) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = k.Output
	}
	return out
}

// Include is a header staged into the output directory before compilation.
type Include struct {
	Source string
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
