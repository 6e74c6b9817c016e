package unit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
)

// StageIncludes copies every include into outDir and returns the directories
// that contained them, deduplicated and sorted, for use as -I flags.
// outDir must already exist.
func StageIncludes(outDir string, includes []Include) ([]string, error) {
	var dirs []string
	for _, inc := range includes {
		dst := filepath.Join(outDir, filepath.Base(inc.Source))
		if err := copyFile(inc.Source, dst); err != nil {
			return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, fmt.Sprintf("failed to stage include %s", inc.Source)).
				Fatal().
				WithContext("source", inc.Source).
				WithContext("destination", dst).
				Build()
		}
		dirs = append(dirs, filepath.Dir(inc.Source))
	}
	slices.Sort(dirs)
	return slices.Compact(dirs), nil
}

func copyFile(src, dst string) error {
	if same, err := samePath(src, dst); err == nil && same {
		return nil
	}
	in, err := os.Open(src) // #nosec G304 -- include paths come from the build configuration
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst) // #nosec G304 -- destination is inside the output directory
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func samePath(a, b string) (bool, error) {
	if !exists(b) {
		return false, nil
	}
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(ai, bi), nil
}
