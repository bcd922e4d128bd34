package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"mkflash/constraint"
	"mkflash/drive"
	"mkflash/image"
)

func (a *app) driveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Inspect attached drives",
	}
	cmd.AddCommand(a.driveListCmd(), a.driveWatchCmd())
	return cmd
}

func (a *app) driveListCmd() *cobra.Command {
	var (
		imagePath string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drives, optionally judged against an image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scanner := drive.NewScanner(drive.NewSystemEnumerator(), drive.WithLogger(a.log))
			if _, err := scanner.Poll(cmd.Context()); err != nil {
				return err
			}
			devices := scanner.Snapshot()
			if imagePath == "" {
				return a.printDevices(devices, asJSON)
			}
			meta, err := image.Inspect(imagePath, image.WithRecommendedMinSize(int64(a.opts.MinimumSize)))
			if err != nil {
				return err
			}
			return a.printCandidates(constraint.Candidates(devices, meta), asJSON)
		},
	}
	cmd.Flags().StringVar(&imagePath, "image", "", "judge each drive against this image")
	cmd.Flags().StringVar(&a.flags.minSize, "min-size", "", "smallest acceptable drive, e.g. 4GB")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *app) printDevices(devices []drive.Device, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(a.stdout).Encode(devices)
	}
	if len(devices) == 0 {
		fmt.Fprintln(a.stdout, "No drives found")
		return nil
	}
	for _, d := range devices {
		kind := "removable"
		if d.System {
			kind = "fixed"
		}
		fmt.Fprintf(a.stdout, "%-24s %10s  %-9s %s\n", d.Path, humanize.Bytes(uint64(d.Size)), kind, d.Description)
		if len(d.Mountpoints) > 0 {
			fmt.Fprintf(a.stdout, "%-24s mounted at %s\n", "", strings.Join(d.Mountpoints, ", "))
		}
	}
	return nil
}

func (a *app) printCandidates(cands []constraint.Candidate, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(a.stdout).Encode(cands)
	}
	if len(cands) == 0 {
		fmt.Fprintln(a.stdout, "No drives found")
		return nil
	}
	for _, c := range cands {
		fmt.Fprintf(a.stdout, "%-14s %s\n", c.Verdict, c.Label)
	}
	return nil
}

func (a *app) driveWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print drives as they are attached and removed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			scanner := drive.NewScanner(drive.NewSystemEnumerator(),
				drive.WithInterval(a.opts.PollInterval),
				drive.WithLogger(a.log))
			return a.watch(ctx, scanner)
		},
	}
}

// watch prints scanner events until ctx ends. An interrupt is a normal way
// out, not a failure.
func (a *app) watch(ctx context.Context, scanner *drive.Scanner) error {
	events := scanner.Subscribe(ctx)
	go scanner.Run(ctx)
	enc := json.NewEncoder(a.stdout)
	for ev := range events {
		if a.opts.RobotMode {
			_ = enc.Encode(robotMessage{Command: "drive", Data: watchEvent{Type: ev.Type.String(), Device: ev.Device}})
			continue
		}
		fmt.Fprintf(a.stdout, "%-8s %s (%s) %s\n", ev.Type, ev.Device.Path, humanize.Bytes(uint64(ev.Device.Size)), ev.Device.Description)
	}
	return nil
}

type watchEvent struct {
	Type   string       `json:"type"`
	Device drive.Device `json:"device"`
}
