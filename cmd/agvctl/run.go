package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/agvlink/internal/link"
	"github.com/srg/agvlink/internal/mission"
)

type runOptions struct {
	noStop bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <id> <script.lua>",
		Short: "Run a Lua mission script",
		Long: `Connect to an AGV and run a Lua mission script against it.

The script drives the AGV through the global agv table:

  agv.forward()  agv.stop()  agv.turn()
  agv.send(n)          -- any byte 0-255 or a command name
  agv.sleep(ms)
  agv.state()          -- adapter, phase, ready, id, name, notifying
  agv.notifications()  -- hex strings received since the last call

A stop command is sent when the script ends, fails or is interrupted,
unless --no-stop is given.

Example:
  agvctl run AA:BB:CC:DD:EE:FF square.lua`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMission(cmd, opts, args[0], args[1])
		},
	}
	cmd.Flags().BoolVar(&opts.noStop, "no-stop", false, "Do not send stop after the script ends")
	return cmd
}

func runMission(cmd *cobra.Command, opts *runOptions, id, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("mission script: %w", err)
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

	engine := mission.NewEngine(s.mgr, s.logger)
	outDone := make(chan struct{})
	outCtx, stopOutput := context.WithCancel(context.Background())
	go func() {
		defer close(outDone)
		for {
			select {
			case o := <-engine.Output():
				printMissionOutput(s, o)
			case <-outCtx.Done():
				for {
					select {
					case o := <-engine.Output():
						printMissionOutput(s, o)
					default:
						return
					}
				}
			}
		}
	}()

	runErr := engine.RunFile(ctx, path)
	stopOutput()
	<-outDone

	if !opts.noStop && s.mgr.State().Ready() {
		s.finalStop()
	}

	if runErr != nil && errors.Is(runErr, context.Canceled) {
		return nil
	}
	if runErr == nil {
		okColor.Fprintln(s.out, "Mission completed")
	}
	return runErr
}

func printMissionOutput(s *session, o mission.Output) {
	if o.Source == "stderr" {
		errColor.Fprintln(s.errOut, o.Content)
		return
	}
	fmt.Fprintln(s.out, o.Content)
}

// finalStop sends stop and waits briefly for the acknowledgement so the
// disconnect that follows cannot overtake it.
func (s *session) finalStop() {
	events, unsubscribe := s.mgr.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), finalStopWait)
	defer cancel()
	if err := s.sendAndWait(ctx, events, link.OpStop); err != nil {
		s.logger.WithField("error", err).Warn("Failed to send final stop")
	}
}

const finalStopWait = 2 * time.Second
