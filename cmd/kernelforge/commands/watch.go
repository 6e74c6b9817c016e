package commands

import (
	"context"
	"path/filepath"

	"git.home.luguber.info/inful/kernelforge/internal/build"
	"git.home.luguber.info/inful/kernelforge/internal/config"
	"git.home.luguber.info/inful/kernelforge/internal/unit"
	"git.home.luguber.info/inful/kernelforge/internal/watch"
)

// WatchCmd implements the 'watch' command.
type WatchCmd struct {
	BuildFlags `embed:""`

	Lib     bool     `help:"Build the static library instead of PTX"`
	Kernels []string `arg:"" optional:"" name:"kernel" help:"Kernel sources; discovered from the configured patterns when omitted"`
}

func (w *WatchCmd) Run(g *Global, root *CLI) error {
	bc, err := LoadConfiguration(root.Config, root.Verbose, w.BuildFlags)
	if err != nil {
		return err
	}
	svc, release := newService(g, bc)
	defer release()

	req := build.Request{Config: bc, Kernels: w.Kernels}
	run := svc.BuildPTX
	if w.Lib {
		run = svc.BuildLibrary
	}

	ctx, cancel := signalContext()
	defer cancel()
	watcher := watch.New(watch.Options{
		Debounce:     bc.Debounce,
		PollInterval: bc.PollInterval,
		Roots:        watchRoots(bc),
		Exclude:      []string{bc.OutDir},
		Build: func(ctx context.Context) ([]string, error) {
			res, err := run(ctx, req)
			if res == nil {
				return nil, err
			}
			if err == nil {
				printResult(g.out(), res)
			}
			return res.Inputs, err
		},
	})
	return watcher.Run(ctx)
}

// watchRoots returns the project root and the static base of every kernel
// and include pattern.
func watchRoots(bc config.BuildConfiguration) []string {
	roots := []string{bc.Root}
	for _, p := range append(append([]string(nil), bc.KernelPatterns...), bc.IncludePatterns...) {
		roots = append(roots, filepath.Join(bc.Root, filepath.FromSlash(unit.PatternBase(p))))
	}
	return roots
}
