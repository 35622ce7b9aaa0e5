package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mseaver/pikernel/internal/boot"
	"github.com/mseaver/pikernel/internal/cli"
	"github.com/mseaver/pikernel/internal/log"
)

// Inspect is the "inspect" subcommand: boots the kernel against a device tree blob and prints a
// summary of the resulting memory layout, interrupt sources, and window manager state, without
// running the idle loop.
func Inspect() cli.Command {
	return new(inspectCmd)
}

type inspectCmd struct{}

func (inspectCmd) Description() string {
	return "print a device tree's resulting kernel layout"
}

func (inspectCmd) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `inspect device-tree.dtb

Boots the kernel against a device tree blob and prints the memory banks, selected interrupt
controller, whether a DMA channel allocator was built, and the framebuffer size.`)

	return err
}

func (inspectCmd) FlagSet() *cli.FlagSet {
	return flag.NewFlagSet("inspect", flag.ExitOnError)
}

func (inspectCmd) Run(_ context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if len(args) == 0 {
		fmt.Fprintln(out, "inspect: a device tree blob path is required")
		return 1
	}

	blob, err := os.ReadFile(args[0])
	if err != nil {
		logger.Error("inspect: cannot read device tree blob", "path", args[0], "err", err)
		return 1
	}

	k, err := boot.Boot(blob, logger)
	if err != nil {
		logger.Error("inspect: boot failed", "err", err)
		return 1
	}

	banks, _ := k.Tree.MemoryBanks()

	fmt.Fprintf(out, "memory banks:\n")

	for _, b := range banks {
		fmt.Fprintf(out, "  %s: %#x + %#x\n", b.Name, b.Start, b.Size)
	}

	if k.IRQController != nil {
		fmt.Fprintf(out, "interrupt controller: %T\n", k.IRQController)
	} else {
		fmt.Fprintf(out, "interrupt controller: none matched\n")
	}

	if k.DMAChannels != nil {
		fmt.Fprintf(out, "DMA channel allocator: present\n")
	} else {
		fmt.Fprintf(out, "DMA channel allocator: none (no dma node found)\n")
	}

	if k.WM != nil {
		fmt.Fprintf(out, "window manager: %dx%d framebuffer\n", k.Screen.Width, k.Screen.Height)
	}

	return 0
}
