package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mkflash/api"
	"mkflash/drive"
	"mkflash/fault"
	"mkflash/flasher"
	"mkflash/image"
	"mkflash/orchestrator"
	"mkflash/selection"
	"mkflash/tui"
)

func (a *app) flashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flash <image>",
		Short: "Write an image to a drive and verify it",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fault.New(fault.KindInvalidInput, "", "expected exactly one image path, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.flash(cmd.Context(), args[0])
		},
	}
	f := cmd.Flags()
	f.BoolVar(&a.flags.robot, "robot", false, "machine-readable JSON output; requires --drive")
	f.BoolVarP(&a.flags.yes, "yes", "y", false, "skip confirmation prompts")
	f.BoolVar(&a.flags.unmount, "unmount", true, "unmount the drive after flashing")
	f.BoolVar(&a.flags.check, "check", true, "read the drive back and verify it")
	f.StringVarP(&a.flags.drive, "drive", "d", "", "target drive path (e.g. /dev/sdb, /dev/disk2, \\\\.\\PhysicalDrive1)")
	f.StringVar(&a.flags.minSize, "min-size", "", "smallest acceptable drive, e.g. 4GB")
	f.StringVar(&a.flags.checksum, "checksum", "crc32", "crc32|sha256")
	f.StringVar(&a.flags.chunkSize, "chunk-size", "1MiB", "write/read chunk size")
	f.StringVar(&a.flags.listen, "listen", "", "serve a status API on this address, e.g. 127.0.0.1:8642")
	return cmd
}

func (a *app) flash(parent context.Context, imagePath string) error {
	opts := a.opts
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	scanner := drive.NewScanner(drive.NewSystemEnumerator(),
		drive.WithInterval(opts.PollInterval),
		drive.WithLogger(a.log))
	engine := flasher.NewEngine(
		flasher.WithUnmounter(drive.NewSystemUnmounter(a.log)),
		flasher.WithLogger(a.log),
		flasher.WithChunkSize(int(opts.ChunkSize)),
		flasher.WithProgressInterval(opts.ProgressInterval),
		flasher.WithChecksum(opts.Checksum))

	var status *api.Server
	if opts.Listen != "" {
		status = api.New(a.log)
		status.SetDevices(scanner)
		go func() {
			if err := status.ListenAndServe(ctx, opts.Listen); err != nil {
				a.log.Warn("status api stopped", zap.Error(err))
			}
		}()
	}

	var ui *tui.UI
	if !opts.RobotMode {
		var err error
		if ui, err = tui.New(); err != nil {
			a.log.Debug("no terminal UI", zap.Error(err))
			ui = nil
		} else {
			defer ui.Close()
			go func() {
				select {
				case <-ui.Stopped():
					cancel()
				case <-ctx.Done():
				}
			}()
		}
	}

	var out printer = &humanPrinter{out: a.stdout, ui: ui}
	if opts.RobotMode {
		out = newRobotPrinter(a.stdout, a.stderr)
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(a.log),
		orchestrator.WithStartHook(func(meta image.Metadata, d drive.Device) {
			if ui != nil {
				ui.StartFlash(meta, d, opts.ValidateAfterWrite)
			}
		}),
	}
	if ui != nil {
		orchOpts = append(orchOpts, orchestrator.WithPrompter(ui))
	}
	if status != nil {
		orchOpts = append(orchOpts, orchestrator.WithCoordinatorHook(func(c *selection.Coordinator) {
			status.SetCandidates(c)
		}))
	}
	orch := orchestrator.New(opts, scanner, engine, orchOpts...)

	progress := make(chan flasher.ProgressEvent)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range progress {
			out.progress(ev)
			if status != nil {
				status.Observe(ev)
			}
		}
	}()

	res, err := orch.Flash(ctx, imagePath, progress)
	close(progress)
	<-drained
	if status != nil {
		status.Finish(res, err)
	}
	if ui != nil {
		ui.Close()
	}
	if err != nil {
		return err
	}
	out.done(res)
	return nil
}
