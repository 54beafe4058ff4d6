package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/agvlink/internal/link"
)

type scanOptions struct {
	duration time.Duration
	format   string
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for AGVs",
		Long: `Scan for Bluetooth Low Energy peripherals and list them with their
ID, name and signal strength. Use the ID with the other commands.

Example:
  agvctl scan
  agvctl scan --duration 10s --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, opts)
		},
	}
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Scan duration (default from config, 5s)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "Output format (table, json; default from config)")
	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions) error {
	if opts.format != "" && opts.format != "table" && opts.format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", opts.format)
	}
	if opts.duration < 0 {
		return fmt.Errorf("invalid duration %s: must not be negative", opts.duration)
	}

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	duration := s.cfg.ScanDuration
	if cmd.Flags().Changed("duration") {
		duration = opts.duration
	}
	format := s.cfg.OutputFormat
	if opts.format != "" {
		format = opts.format
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if err := s.awaitAdapter(ctx); err != nil {
		return err
	}
	if err := s.mgr.StartScan(); err != nil {
		return err
	}

	progress := startProgress(s.errOut, "Scanning for AGVs", "scanning")
	select {
	case <-ctx.Done():
	case <-time.After(duration):
	}
	progress.Stop()
	s.mgr.StopScan()

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	found := sortByRSSI(s.mgr.State().Discovered)

	if format == "json" {
		return displayPeripheralsJSON(s.out, found)
	}
	return displayPeripheralsTable(s.out, found)
}

// sortByRSSI returns a copy of ps, strongest signal first.
func sortByRSSI(ps []link.Peripheral) []link.Peripheral {
	sorted := slices.Clone(ps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].RSSI > sorted[j].RSSI })
	return sorted
}

type peripheralJSON struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RSSI        int       `json:"rssi"`
	Connectable bool      `json:"connectable"`
	LastSeen    time.Time `json:"last_seen"`
}

func displayPeripheralsJSON(w io.Writer, found []link.Peripheral) error {
	list := make([]peripheralJSON, len(found))
	for i, p := range found {
		list[i] = peripheralJSON{
			ID:          p.ID,
			Name:        p.Name,
			RSSI:        p.RSSI,
			Connectable: p.Connectable,
			LastSeen:    p.LastSeen,
		}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(list)
}

func displayPeripheralsTable(w io.Writer, found []link.Peripheral) error {
	if len(found) == 0 {
		fmt.Fprintln(w, "No devices discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tID\tRSSI\tCONNECTABLE\tLAST SEEN")
	fmt.Fprintln(tw, strings.Repeat("-", 72))
	for _, p := range found {
		name := p.DisplayName()
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		connectable := "no"
		if p.Connectable {
			connectable = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, p.ID, p.RSSI, connectable, time.Since(p.LastSeen).Truncate(time.Second))
	}
	return tw.Flush()
}
