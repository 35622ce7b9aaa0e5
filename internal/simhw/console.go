package simhw

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/mseaver/pikernel/internal/input"
)

// ErrNoTTY is returned when standard input is not a terminal.
var ErrNoTTY = errors.New("simhw: not a TTY")

// Console adapts the host terminal to the kernel's keyboard device, for running the kernel
// against a real keyboard without real hardware underneath it. Host bytes are forwarded to
// input.Keyboard.HandleScancode one at a time; there is no attempt to decode multi-byte terminal
// escape sequences into arrow/function keys, since the kernel's own scancode space (§6) has no
// equivalent.
type Console struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State
	keyCh chan byte
}

// NewConsole puts sin into raw mode and returns a Console writing to sout. Callers must call
// Restore to return the terminal to cooked mode.
func NewConsole(sin, sout *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTTY, err)
	}

	cons := &Console{
		fd:    fd,
		in:    sin,
		out:   term.NewTerminal(sout, ""),
		state: saved,
		keyCh: make(chan byte, 16),
	}

	if err := cons.setTerminalParams(1, 0); err != nil {
		return nil, err
	}

	return cons, nil
}

// Writer returns an io.Writer over the console's output stream, for a framebuffer-less textual
// fallback (diagnostics, the kernel log) alongside the compositor's own pixel output.
func (c *Console) Writer() io.Writer { return c.out }

// Restore returns the terminal to its initial cooked state and unblocks any in-progress read.
func (c *Console) Restore() {
	_ = c.in.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	return c.in.SetReadDeadline(time.Time{})
}

// Run reads bytes from the terminal until ctx is cancelled or the stream ends, feeding each one
// to keyboard as a press immediately followed by a release (a real PS/2-style controller reports
// these as separate scancodes; a terminal gives us only the one byte, so both edges are
// synthesized here).
func (c *Console) Run(ctx context.Context, keyboard *input.Keyboard) {
	go c.readLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.keyCh:
			keyboard.HandleScancode(uint16(b), true)
			keyboard.HandleScancode(uint16(b), false)
		}
	}
}

func (c *Console) readLoop(ctx context.Context) {
	buf := bufio.NewReader(c.in)

	_ = syscall.SetNonblock(c.fd, false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			b, err := buf.ReadByte()
			if err != nil {
				return
			}

			c.keyCh <- b
		}
	}
}
