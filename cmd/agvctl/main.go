package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agvctl",
		Short: "Drive an AGV over Bluetooth Low Energy",
		Long: `Command-line controller for AGVs that expose a single-byte command
characteristic (service FFE0, notify FFE1, command FFE2):

- Scan for nearby AGVs
- Send stop / forward / turn-around commands or raw opcode bytes
- Drive interactively from the keyboard
- Bridge the command link to a PTY for other programs
- Run Lua mission scripts`,
		Version:       formatVersion(version),
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("agvctl {{.Version}} (commit %s, built %s)\n", commit, date))

	root.PersistentFlags().String("config", "", "YAML configuration file")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("verbose", false, "Shortcut for --log-level=debug")
	root.Flags().BoolP("version", "v", false, "Show version information")

	root.AddCommand(
		newScanCmd(),
		newDriveCmd(),
		newConsoleCmd(),
		newBridgeCmd(),
		newRunCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
