package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mseaver/pikernel/internal/boot"
	"github.com/mseaver/pikernel/internal/cli"
	"github.com/mseaver/pikernel/internal/log"
)

// Boot is the "boot" subcommand: parses a flattened device tree blob and runs the kernel's
// startup sequence against it, reporting what came up.
func Boot() cli.Command {
	return &bootCmd{log: log.DefaultLogger()}
}

type bootCmd struct {
	logLevel slog.Level
	ticks    int
	log      *log.Logger
}

func (bootCmd) Description() string {
	return "boot the kernel against a device tree blob"
}

func (bootCmd) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `boot device-tree.dtb [payload.elf]

Parses a flattened device tree blob, brings up memory management, interrupts, the scheduler, and
the window manager, and runs the idle loop for a fixed number of ticks. If an ELF payload path is
given, it is loaded and spawned as a child of the idle task before the idle loop runs.`)

	return err
}

func (b *bootCmd) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)
	fs.Func("loglevel", "set log `level`", func(s string) error {
		return b.logLevel.UnmarshalText([]byte(s))
	})
	fs.IntVar(&b.ticks, "ticks", 100, "number of scheduler ticks to run after boot")

	return fs
}

// Run executes the boot sequence.
func (b *bootCmd) Run(_ context.Context, args []string, out io.Writer, logger *log.Logger) int {
	log.LogLevel.Set(b.logLevel)

	if len(args) == 0 {
		fmt.Fprintln(out, "boot: a device tree blob path is required")
		return 1
	}

	blob, err := os.ReadFile(args[0])
	if err != nil {
		logger.Error("boot: cannot read device tree blob", "path", args[0], "err", err)
		return 1
	}

	k, err := boot.Boot(blob, logger)
	if err != nil {
		logger.Error("boot failed", "err", err)
		return 1
	}

	fmt.Fprintf(out, "booted: %d memory banks, ASID-0 kernel space, idle task PID %d\n",
		memoryBankCount(k), k.Idle.PID)

	if k.IRQController != nil {
		fmt.Fprintf(out, "IRQ controller selected from device tree\n")
	} else {
		fmt.Fprintf(out, "no IRQ controller matched, timer-driven scheduling disabled\n")
	}

	if len(args) > 1 {
		image, err := os.ReadFile(args[1])
		if err != nil {
			logger.Error("boot: cannot read ELF payload", "path", args[1], "err", err)
			return 1
		}

		child, err := k.Spawn(args[1], image)
		if err != nil {
			logger.Error("boot: cannot spawn ELF payload", "path", args[1], "err", err)
			return 1
		}

		fmt.Fprintf(out, "spawned %q as PID %d\n", args[1], child.PID)
	}

	k.Run(b.ticks)

	fmt.Fprintf(out, "ran %d ticks, idle task elapsed ticks: %d\n", b.ticks, k.Idle.ElapsedTicks())

	return 0
}

func memoryBankCount(k *boot.Kernel) int {
	if k.Tree == nil {
		return 0
	}

	banks, err := k.Tree.MemoryBanks()
	if err != nil {
		return 0
	}

	return len(banks)
}
