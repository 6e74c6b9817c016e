package commands

import (
	"git.home.luguber.info/inful/kernelforge/internal/build"
)

// BuildCmd implements the 'build' command.
type BuildCmd struct {
	BuildFlags `embed:""`

	Bindings string   `name:"bindings" help:"Path of the generated bindings file"`
	Kernels  []string `arg:"" optional:"" name:"kernel" help:"Kernel sources; discovered from the configured patterns when omitted"`
}

func (b *BuildCmd) Run(g *Global, root *CLI) error {
	bc, err := LoadConfiguration(root.Config, root.Verbose, b.BuildFlags)
	if err != nil {
		return err
	}
	if b.Bindings != "" {
		bc.BindingsPath = b.Bindings
	}

	svc, release := newService(g, bc)
	defer release()

	ctx, cancel := signalContext()
	defer cancel()
	res, err := svc.BuildPTX(ctx, build.Request{Config: bc, Kernels: b.Kernels})
	if err != nil {
		return err
	}
	printResult(g.out(), res)
	return nil
}
