package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/agvlink/internal/link"
	"github.com/srg/agvlink/internal/radio"
	"github.com/srg/agvlink/internal/radio/goble"
	"github.com/srg/agvlink/pkg/config"
)

// radioFactory builds the radio backend; tests replace it with a fake.
var radioFactory = func(cfg *config.Config, logger *logrus.Logger) radio.Radio {
	return goble.New(cfg.RadioConfig(), logger)
}

// adapterWait bounds the wait for the adapter to report a settled state.
var adapterWait = 10 * time.Second

var (
	okColor   = color.New(color.FgGreen)
	errColor  = color.New(color.FgRed)
	infoColor = color.New(color.FgCyan)
	dimColor  = color.New(color.Faint)
)

// session is the manager plus everything a command needs around it.
type session struct {
	cfg    *config.Config
	logger *logrus.Logger
	mgr    *link.Manager
	out    io.Writer
	errOut io.Writer
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func newSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	mgr, err := link.NewManager(radioFactory(cfg, logger), cfg.LinkOptions(), logger)
	if err != nil {
		return nil, err
	}
	return &session{
		cfg:    cfg,
		logger: logger,
		mgr:    mgr,
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
	}, nil
}

func (s *session) Close() {
	if err := s.mgr.Close(); err != nil {
		s.logger.WithField("error", err).Warn("Failed to close radio")
	}
}

// signalContext is cmd's context, cancelled on Ctrl+C or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func (s *session) awaitAdapter(ctx context.Context) error {
	actx, cancel := context.WithTimeout(ctx, adapterWait)
	defer cancel()

	state, err := s.mgr.AwaitAdapter(actx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: adapter still %s after %s", link.ErrAdapterNotReady, state.Description(), adapterWait)
	}
	return err
}

// connect scans until id shows up, stops scanning and brings the link to Ready.
func (s *session) connect(ctx context.Context, id string) error {
	progress := startProgress(s.errOut, "Connecting to "+id, "waiting for Bluetooth")
	defer progress.Stop()

	if err := s.awaitAdapter(ctx); err != nil {
		return err
	}

	progress.SetPhase("scanning")
	if err := s.mgr.StartScan(); err != nil {
		return err
	}

	sctx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.ScanDuration > 0 {
		sctx, cancel = context.WithTimeout(ctx, s.cfg.ScanDuration)
	}
	p, err := s.mgr.AwaitPeripheral(sctx, id)
	cancel()
	s.mgr.StopScan()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return &link.ConnectError{
				ID:  id,
				Err: fmt.Errorf("%w: not advertising within %s", link.ErrUnknownPeripheral, s.cfg.ScanDuration),
			}
		}
		return err
	}

	progress.SetPhase("connecting")
	if err := s.mgr.ConnectReady(ctx, id); err != nil {
		return err
	}
	progress.Stop()

	okColor.Fprintf(s.out, "Connected to %s (%s)\n", p.DisplayName(), p.ID)
	return nil
}

// disconnect tears the link down and waits for the radio to confirm.
func (s *session) disconnect() {
	if s.mgr.State().Phase == link.PhaseDisconnected {
		return
	}
	s.mgr.Disconnect()

	wait := s.cfg.DisconnectTimeout + time.Second
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if _, err := s.mgr.WaitFor(ctx, func(st link.State) bool { return st.Phase == link.PhaseDisconnected }); err != nil {
		s.logger.WithField("error", err).Warn("Disconnect not confirmed")
		return
	}
	dimColor.Fprintln(s.out, "Disconnected")
}

// sendAndWait writes op and waits for its acknowledgement on events, which
// must have been subscribed before the call. Notifications that arrive in
// the meantime are printed.
func (s *session) sendAndWait(ctx context.Context, events <-chan link.Event, op link.Opcode) error {
	if err := s.mgr.SendCommand(op); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return link.ErrClosed
			}
			switch e := ev.(type) {
			case link.CommandWritten:
				if e.Opcode == op {
					return nil
				}
			case link.WriteFailed:
				return e.Err
			case link.LinkLost:
				return fmt.Errorf("%w: %v", ErrLinkLost, e.Err)
			case link.NotificationReceived:
				printNotification(s.out, e.Notification, "\n")
			}
		}
	}
}

func printNotification(w io.Writer, n link.Notification, eol string) {
	infoColor.Fprintf(w, "<- % x%s", n.Value, eol)
}
