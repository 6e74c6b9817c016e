package main

import (
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/kernelforge/cmd/kernelforge/commands"
	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
	"git.home.luguber.info/inful/kernelforge/internal/toolchain"
	"git.home.luguber.info/inful/kernelforge/internal/version"
)

func main() {
	cli := &commands.CLI{}
	global := &commands.Global{Out: os.Stdout, Runner: toolchain.OSRunner{}}
	parser := kong.Parse(cli,
		kong.Name("kernelforge"),
		kong.Description("Compile CUDA kernels to PTX or a static library, rebuilding only what changed."),
		kong.UsageOnError(),
		kong.Vars{"version": version.String()},
		kong.Bind(global, cli),
	)

	err := parser.Run()
	ferrors.NewCLIErrorAdapter(cli.Verbose, global.Logger).HandleError(err)
}
