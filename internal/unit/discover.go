package unit

import (
	"io/fs"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// DefaultKernelPattern and DefaultIncludePattern are used when a
// configuration names no sources.
const (
	DefaultKernelPattern  = "src/**/*.cu"
	DefaultIncludePattern = "src/**/*.cuh"
)

// Discover expands glob patterns relative to root. Besides the path.Match
// syntax a "**" segment matches zero or more directories. Results are
// sorted, deduplicated and returned with root prefixed.
func Discover(root string, patterns ...string) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range patterns {
			if MatchPattern(pattern, rel) {
				matches = append(matches, p)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(matches)
	return slices.Compact(matches), nil
}

// MatchPattern reports whether the slash-separated name matches pattern.
func MatchPattern(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			for i := 0; i <= len(name); i++ {
				if matchSegments(rest, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], name[0])
		if err != nil || !ok {
			return false
		}
		pattern, name = pattern[1:], name[1:]
	}
	return len(name) == 0
}

// PatternBase returns the directory prefix of pattern that contains no
// wildcards. Every match of pattern lies below it. "src/**/*.cu" yields
// "src" and a pattern without a directory yields ".".
func PatternBase(pattern string) string {
	segs := strings.Split(pattern, "/")
	base := segs[:len(segs)-1]
	for i, s := range base {
		if strings.ContainsAny(s, "*?[") {
			base = base[:i]
			break
		}
	}
	if len(base) == 0 {
		return "."
	}
	return path.Join(base...)
}
