package commands

import (
	"git.home.luguber.info/inful/kernelforge/internal/build"
)

// LibCmd implements the 'lib' command.
type LibCmd struct {
	BuildFlags `embed:""`

	Archive string   `short:"a" help:"Library path, relative to the output directory unless absolute"`
	Kernels []string `arg:"" optional:"" name:"kernel" help:"Kernel sources; discovered from the configured patterns when omitted"`
}

func (l *LibCmd) Run(g *Global, root *CLI) error {
	bc, err := LoadConfiguration(root.Config, root.Verbose, l.BuildFlags)
	if err != nil {
		return err
	}
	svc, release := newService(g, bc)
	defer release()

	ctx, cancel := signalContext()
	defer cancel()
	res, err := svc.BuildLibrary(ctx, build.Request{Config: bc, Kernels: l.Kernels, Archive: l.Archive})
	if err != nil {
		return err
	}
	printResult(g.out(), res)
	return nil
}
