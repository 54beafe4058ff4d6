package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/agvlink/internal/link"
)

type driveOptions struct {
	delay time.Duration
}

func newDriveCmd() *cobra.Command {
	opts := &driveOptions{}
	cmd := &cobra.Command{
		Use:   "drive <id> <command>...",
		Short: "Send a sequence of commands to an AGV",
		Long: `Connect to an AGV, send each command in order and disconnect.

A command is a name (stop, forward, turn) or a byte in decimal or hex
(0x..). Bytes without a name are sent as they are. Each command waits
for the AGV to acknowledge the write.

Example:
  agvctl drive AA:BB:CC:DD:EE:FF forward --delay 2s stop
  agvctl drive AA:BB:CC:DD:EE:FF turn 0x10`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrive(cmd, opts, args[0], args[1:])
		},
	}
	cmd.Flags().DurationVar(&opts.delay, "delay", 500*time.Millisecond, "Pause between commands")
	return cmd
}

func runDrive(cmd *cobra.Command, opts *driveOptions, id string, commands []string) error {
	ops := make([]link.Opcode, 0, len(commands))
	for _, c := range commands {
		op, err := link.ParseOpcode(c)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}

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

	events, unsubscribe := s.mgr.Subscribe()
	defer unsubscribe()

	for i, op := range ops {
		if i > 0 && opts.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.delay):
			}
		}
		if err := s.sendAndWait(ctx, events, op); err != nil {
			errColor.Fprintf(s.out, "x %s\n", op)
			return fmt.Errorf("command %d of %d: %w", i+1, len(ops), err)
		}
		okColor.Fprintf(s.out, "-> %s\n", op)
	}
	return nil
}
