package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/agvlink/internal/link"
)

const consoleHelp = "w forward | s stop | t turn | <digits> enter: raw byte | q quit"

func newConsoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console <id>",
		Short: "Drive an AGV from the keyboard",
		Long: `Connect to an AGV and send a command per key press:

  w / f      forward
  s / space  stop
  t          turn around
  0-9        type a byte (decimal, or 0x.. hex), send it with enter
  q / Ctrl+C quit

Notifications from the AGV are printed as they arrive.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd, args[0])
		},
	}
}

func runConsole(cmd *cobra.Command, id string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if err := s.connect(ctx, id); err != nil {
		return err
	}
	defer s.disconnect()

	eol := "\n"
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		old, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return fmt.Errorf("failed to switch terminal to raw mode: %w", err)
		}
		defer func() { _ = term.Restore(int(f.Fd()), old) }()
		eol = "\r\n"
	}

	events, unsubscribe := s.mgr.Subscribe()
	defer unsubscribe()

	keys := make(chan byte, 64)
	go readKeys(ctx, in, keys)

	c := &console{s: s, eol: eol}
	dimColor.Fprint(s.out, consoleHelp+eol)
	return c.loop(ctx, keys, events)
}

func readKeys(ctx context.Context, r io.Reader, keys chan<- byte) {
	defer close(keys)
	buf := make([]byte, 16)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			select {
			case keys <- b:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

type console struct {
	s     *session
	eol   string
	input []byte
}

func (c *console) loop(ctx context.Context, keys <-chan byte, events <-chan link.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case key, ok := <-keys:
			if !ok {
				return nil
			}
			if quit := c.handleKey(key); quit {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				return link.ErrClosed
			}
			switch e := ev.(type) {
			case link.NotificationReceived:
				printNotification(c.s.out, e.Notification, c.eol)
			case link.WriteFailed:
				errColor.Fprintf(c.s.out, "write failed: %v%s", e.Err, c.eol)
			case link.LinkLost:
				return fmt.Errorf("%w: %v", ErrLinkLost, e.Err)
			}
		}
	}
}

// handleKey reports whether the console should quit.
func (c *console) handleKey(key byte) bool {
	typing := len(c.input) > 0
	switch {
	case key == 'q' || key == 0x03 || key == 0x04:
		return true
	case typing && (isHexDigit(key) || key == 'x'), key >= '0' && key <= '9':
		c.input = append(c.input, key)
		fmt.Fprintf(c.s.out, "%c", key)
	case key == 'w' || key == 'f':
		c.send(link.OpForward)
	case key == 's' || key == ' ':
		c.send(link.OpStop)
	case key == 't':
		c.send(link.OpTurnAround)
	case key == 0x7f || key == 0x08:
		if len(c.input) > 0 {
			c.input = c.input[:len(c.input)-1]
			fmt.Fprint(c.s.out, "\b \b")
		}
	case key == '\r' || key == '\n':
		if len(c.input) == 0 {
			return false
		}
		text := string(c.input)
		c.input = c.input[:0]
		fmt.Fprint(c.s.out, c.eol)
		op, err := link.ParseOpcode(text)
		if err != nil {
			errColor.Fprintf(c.s.out, "%v%s", err, c.eol)
			return false
		}
		c.send(op)
	}
	return false
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

func (c *console) send(op link.Opcode) {
	if err := c.s.mgr.SendCommand(op); err != nil {
		errColor.Fprintf(c.s.out, "%s: %v%s", op, err, c.eol)
		return
	}
	okColor.Fprintf(c.s.out, "-> %s%s", op, c.eol)
}
