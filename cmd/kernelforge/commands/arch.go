package commands

import (
	"fmt"

	"git.home.luguber.info/inful/kernelforge/internal/capability"
	"git.home.luguber.info/inful/kernelforge/internal/toolchain"
)

// ArchCmd implements the 'arch' command.
type ArchCmd struct {
	ComputeCap string `name:"compute-cap" help:"Validate this compute capability instead of querying the device"`
}

func (a *ArchCmd) Run(g *Global, root *CLI) error {
	bc, err := LoadConfiguration(root.Config, root.Verbose, BuildFlags{ComputeCap: a.ComputeCap})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	cc, err := capability.Resolver{
		Runner:   g.runner(),
		Override: bc.ComputeCap,
		NVCCBin:  bc.NVCC,
		SMIBin:   bc.SMI,
	}.Resolve(ctx)
	if err != nil {
		return err
	}

	w := g.out()
	_, _ = fmt.Fprintf(w, "sm_%d\n", cc)
	roots := toolchain.DefaultRoots
	if bc.CUDARoot != "" {
		roots = append([]string{bc.CUDARoot}, roots...)
	}
	if root, ok := toolchain.LocateRoot(nil, roots); ok {
		_, _ = fmt.Fprintf(w, "cuda %s\n", root)
	}
	return nil
}
