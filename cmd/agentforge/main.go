// Command agentforge serves and runs declaratively defined agents.
package main

import (
	"os"

	"github.com/alecthomas/kong"
)

func main() {
	var cli CLI

	cli.out = os.Stdout

	ctx := kong.Parse(&cli,
		kong.Name("agentforge"),
		kong.Description("Declarative multi-agent execution service."),
		kong.UsageOnError(),
		kongVars(),
	)

	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
