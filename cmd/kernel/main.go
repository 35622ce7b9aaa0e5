// cmd/kernel is the command-line interface for booting and inspecting the kernel core against a
// device tree blob.
package main

import (
	"context"
	"os"

	"github.com/mseaver/pikernel/internal/cli"
	"github.com/mseaver/pikernel/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Boot(),
	cmd.Inspect(),
}

func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
