// mkflash writes disk images to removable drives and verifies them.
//
// Build:
//
//	go build -o mkflash .
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	prettyconsole "github.com/thessem/zap-prettyconsole"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mkflash/config"
	"mkflash/fault"
)

// Process exit codes.
const (
	exitSuccess         = 0
	exitGeneralError    = 1
	exitValidationError = 2
)

// app carries what every command shares: resolved options, the logger and
// the output streams.
type app struct {
	stdout io.Writer
	stderr io.Writer

	opts *config.Options
	log  *zap.Logger

	configPath string
	flags      flagValues
}

// flagValues backs the CLI flags; a value only overrides the config file
// when its flag was set explicitly.
type flagValues struct {
	logLevel  string
	robot     bool
	yes       bool
	unmount   bool
	check     bool
	drive     string
	minSize   string
	checksum  string
	chunkSize string
	listen    string
}

func main() {
	a := &app{stdout: os.Stdout, stderr: os.Stderr, opts: config.Default(), log: zap.NewNop()}
	err := a.rootCmd().Execute()
	os.Exit(a.finish(err))
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mkflash",
		Short:         "Flash disk images to removable drives",
		Long:          "Write a disk image to a USB stick or SD card, then read it back to verify the write",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fault.Wrap(fault.KindInvalidInput, "", err, "invalid flags")
	})
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML options file")
	root.PersistentFlags().StringVar(&a.flags.logLevel, "log-level", "info", "debug|info|warn|error")

	root.AddCommand(a.flashCmd(), a.driveCmd(), a.imageCmd())
	return root
}

// setup loads the config file, applies explicit flags over it and builds
// the logger.
func (a *app) setup(cmd *cobra.Command) error {
	opts, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := a.applyFlags(cmd, opts); err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	a.opts = opts

	log, err := newLogger(opts.RobotMode, opts.LogLevel)
	if err != nil {
		return fault.Wrap(fault.KindInvalidInput, "", err, "logger")
	}
	a.log = log
	return nil
}

func (a *app) applyFlags(cmd *cobra.Command, opts *config.Options) error {
	fs := cmd.Flags()
	v := a.flags
	if fs.Changed("log-level") {
		opts.LogLevel = v.logLevel
	}
	if fs.Changed("robot") {
		opts.RobotMode = v.robot
	}
	if fs.Changed("yes") {
		opts.SkipConfirmation = v.yes
	}
	if fs.Changed("unmount") {
		opts.UnmountOnSuccess = v.unmount
	}
	if fs.Changed("check") {
		opts.ValidateAfterWrite = v.check
	}
	if fs.Changed("drive") {
		opts.ExplicitDevicePath = v.drive
	}
	if fs.Changed("checksum") {
		opts.Checksum = v.checksum
	}
	if fs.Changed("listen") {
		opts.Listen = v.listen
	}
	if err := sizeFlag(cmd, "min-size", v.minSize, &opts.MinimumSize); err != nil {
		return err
	}
	if err := sizeFlag(cmd, "chunk-size", v.chunkSize, &opts.ChunkSize); err != nil {
		return err
	}
	return nil
}

func sizeFlag(cmd *cobra.Command, name, raw string, dst *config.ByteSize) error {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fault.Wrap(fault.KindInvalidInput, "", err, "--"+name)
	}
	*dst = config.ByteSize(n)
	return nil
}

// newLogger logs JSON in robot mode so stderr stays machine-readable, and
// pretty console lines otherwise. Both write to stderr.
func newLogger(robot bool, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if !robot {
		return prettyconsole.NewLogger(lvl), nil
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// finish reports err and maps it to an exit code.
func (a *app) finish(err error) int {
	defer func() { _ = a.log.Sync() }()
	if err == nil {
		return exitSuccess
	}
	if a.opts.RobotMode || a.flags.robot {
		newRobotPrinter(a.stdout, a.stderr).fail(err)
	} else {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitSuccess
	case fault.IsValidation(err):
		return exitValidationError
	default:
		return exitGeneralError
	}
}
