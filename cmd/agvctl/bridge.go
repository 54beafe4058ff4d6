package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/srg/agvlink/internal/link"
	"github.com/srg/agvlink/internal/ptyio"
)

type bridgeOptions struct {
	link  string
	text  bool
	rate  float64
	burst int
}

func newBridgeCmd() *cobra.Command {
	opts := &bridgeOptions{}
	cmd := &cobra.Command{
		Use:   "bridge <id>",
		Short: "Expose the AGV command link as a PTY",
		Long: `Connect to an AGV and create a pseudo-terminal that other programs can
open like a serial port.

Every byte written to the PTY is sent to the AGV as one command. With
--text, each line is parsed as a command name or number instead
("forward", "0x10"). Notifications from the AGV are written back as
lines of hex. Commands are paced to --rate per second.

Example:
  agvctl bridge AA:BB:CC:DD:EE:FF --link /tmp/agv
  printf '\x01' > /tmp/agv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.link, "link", "", "Create a symlink to the PTY device (e.g. /tmp/agv)")
	cmd.Flags().BoolVar(&opts.text, "text", false, "Read line-based text commands instead of raw bytes")
	cmd.Flags().Float64Var(&opts.rate, "rate", 0, "Commands per second (default from config, 20; 0 in config disables pacing)")
	cmd.Flags().IntVar(&opts.burst, "burst", 0, "Commands allowed back to back (default from config)")
	return cmd
}

func runBridge(cmd *cobra.Command, opts *bridgeOptions, id string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if cmd.Flags().Changed("rate") {
		s.cfg.BridgeRate = opts.rate
	}
	if cmd.Flags().Changed("burst") {
		s.cfg.BridgeBurst = opts.burst
	}
	if s.cfg.BridgeRate < 0 || s.cfg.BridgeBurst <= 0 {
		return fmt.Errorf("invalid pacing: rate %v, burst %d", s.cfg.BridgeRate, s.cfg.BridgeBurst)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if err := s.connect(ctx, id); err != nil {
		return err
	}
	defer s.disconnect()

	port, err := ptyio.Open(ptyio.Options{Link: opts.link}, s.logger)
	if err != nil {
		return err
	}
	defer port.Close()

	name := port.Name()
	if port.Link() != "" {
		name = fmt.Sprintf("%s -> %s", port.Link(), port.Name())
	}
	okColor.Fprintf(s.out, "Bridge ready: %s\n", name)
	dimColor.Fprintln(s.out, "Press Ctrl+C to stop")

	b := newCommandBridge(s.mgr, s.logger, s.cfg.BridgeRate, s.cfg.BridgeBurst, opts.text)
	err = b.run(ctx, port)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// port is the side of the bridge facing other programs.
type port interface {
	io.Writer
	OnData(func([]byte))
}

var _ port = (*ptyio.PTY)(nil)

// commandBridge pumps bytes from a port into AGV commands and notifications
// back into the port.
type commandBridge struct {
	mgr     *link.Manager
	logger  *logrus.Logger
	limiter *rate.Limiter
	text    bool
}

func newCommandBridge(mgr *link.Manager, logger *logrus.Logger, perSecond float64, burst int, text bool) *commandBridge {
	limit := rate.Limit(perSecond)
	if perSecond == 0 {
		limit = rate.Inf
	}
	return &commandBridge{
		mgr:     mgr,
		logger:  logger,
		limiter: rate.NewLimiter(limit, burst),
		text:    text,
	}
}

const bridgeQueueSize = 256

func (b *commandBridge) run(ctx context.Context, p port) error {
	events, unsubscribe := b.mgr.Subscribe()
	defer unsubscribe()

	ops := make(chan link.Opcode, bridgeQueueSize)
	var pending bytes.Buffer
	p.OnData(func(data []byte) {
		for _, op := range b.decode(&pending, data, p) {
			select {
			case ops <- op:
			default:
				b.logger.WithField("opcode", op.String()).Warn("Bridge queue full, command dropped")
			}
		}
	})
	defer p.OnData(nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case op := <-ops:
				if err := b.limiter.Wait(gctx); err != nil {
					return err
				}
				if err := b.mgr.SendCommand(op); err != nil {
					return fmt.Errorf("bridge command %s: %w", op, err)
				}
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ev, ok := <-events:
				if !ok {
					return link.ErrClosed
				}
				switch e := ev.(type) {
				case link.NotificationReceived:
					if _, err := fmt.Fprintf(p, "%x\n", e.Notification.Value); err != nil {
						return fmt.Errorf("bridge write: %w", err)
					}
				case link.WriteFailed:
					b.logger.WithField("error", e.Err).Warn("Bridge command not acknowledged")
				case link.LinkLost:
					return fmt.Errorf("%w: %v", ErrLinkLost, e.Err)
				}
			}
		}
	})

	return g.Wait()
}

// decode turns port input into opcodes. In text mode partial lines are
// kept in pending until their newline arrives; bad lines are reported back
// on the port.
func (b *commandBridge) decode(pending *bytes.Buffer, data []byte, w io.Writer) []link.Opcode {
	if !b.text {
		ops := make([]link.Opcode, len(data))
		for i, c := range data {
			ops[i] = link.Opcode(c)
		}
		return ops
	}

	pending.Write(data)
	var ops []link.Opcode
	for {
		i := bytes.IndexByte(pending.Bytes(), '\n')
		if i < 0 {
			return ops
		}
		line := string(bytes.TrimRight(pending.Next(i+1), "\r\n"))
		if line == "" {
			continue
		}
		op, err := link.ParseOpcode(line)
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
			continue
		}
		ops = append(ops, op)
	}
}

