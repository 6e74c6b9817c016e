// Package staleness decides which kernel units need recompiling by comparing
// source and artifact modification times.
package staleness

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
	"git.home.luguber.info/inful/kernelforge/internal/unit"
)

// Tracker compares modification times. Both sides of every comparison come
// from os.Stat and are truncated to Granularity, so a filesystem with coarse
// timestamps cannot make an output look older than its source.
type Tracker struct {
	// Granularity truncates both timestamps before comparing. Zero keeps
	// full resolution.
	Granularity time.Duration
}

// IsStale reports whether u must be recompiled: its output is missing, or
// the output is not strictly newer than the source. Equal times count as
// stale.
func (t Tracker) IsStale(u unit.Kernel) (bool, error) {
	src, err := t.modTime(u.Source)
	if err != nil {
		return false, sourceError(u.Source, err)
	}
	out, err := t.modTime(u.Output)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, outputError(u.Output, err)
	}
	return !out.After(src), nil
}

// Filter returns the stale units of units, preserving their order.
func (t Tracker) Filter(units []unit.Kernel) ([]unit.Kernel, error) {
	var stale []unit.Kernel
	for _, u := range units {
		ok, err := t.IsStale(u)
		if err != nil {
			return nil, err
		}
		if ok {
			stale = append(stale, u)
		}
	}
	return stale, nil
}

// BatchStale makes a single decision for a library build: the batch is stale
// when archive is missing or is not strictly newer than any unit source.
// Per-unit objects are not consulted.
func (t Tracker) BatchStale(units []unit.Kernel, archive string) (bool, error) {
	lib, err := t.modTime(archive)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, outputError(archive, err)
	}
	for _, u := range units {
		src, err := t.modTime(u.Source)
		if err != nil {
			return false, sourceError(u.Source, err)
		}
		if !lib.After(src) {
			return true, nil
		}
	}
	return false, nil
}

func (t Tracker) modTime(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	mt := fi.ModTime()
	if t.Granularity > 0 {
		mt = mt.Truncate(t.Granularity)
	}
	return mt, nil
}

func sourceError(path string, err error) error {
	return ferrors.WrapError(err, ferrors.CategoryFileSystem, fmt.Sprintf("cannot stat kernel source %s", path)).
		Fatal().
		WithContext("path", path).
		Build()
}

func outputError(path string, err error) error {
	return ferrors.WrapError(err, ferrors.CategoryFileSystem, fmt.Sprintf("cannot stat artifact %s", path)).
		Fatal().
		WithContext("path", path).
		Build()
}
