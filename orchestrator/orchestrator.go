// Package orchestrator sequences a flash run: image metadata, device
// discovery, selection and confirmation, then write and verify.
package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"mkflash/config"
	"mkflash/drive"
	"mkflash/fault"
	"mkflash/flasher"
	"mkflash/image"
	"mkflash/selection"
)

// Confirmation questions.
const (
	EraseQuestion = "This will erase the selected drive. Are you sure?"
	FixedQuestion = "You have selected a NON REMOVABLE DRIVE. Do you want to continue?"
)

// Prompter is the interactive presentation layer.
type Prompter interface {
	// SelectDrive lets the user pick one of coord's candidates and returns
	// its path.
	SelectDrive(ctx context.Context, coord *selection.Coordinator) (string, error)
	Confirm(ctx context.Context, question string) (bool, error)
	// Warn shows a non-fatal problem, such as a choice that became invalid.
	Warn(msg string)
}

// Flasher runs write jobs. *flasher.Engine implements it.
type Flasher interface {
	Run(ctx context.Context, job flasher.Job, progress chan<- flasher.ProgressEvent) (flasher.Result, error)
	Algorithm() string
}

type Orchestrator struct {
	opts     *config.Options
	scanner  *drive.Scanner
	engine   Flasher
	prompter Prompter
	log      *zap.Logger
	observe  func(*selection.Coordinator)
	onStart  func(image.Metadata, drive.Device)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithPrompter(p Prompter) Option {
	return func(o *Orchestrator) { o.prompter = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithCoordinatorHook is called with the coordinator once it exists, so
// other surfaces can show the same candidate list.
func WithCoordinatorHook(fn func(*selection.Coordinator)) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

// WithStartHook is called right before the write begins.
func WithStartHook(fn func(image.Metadata, drive.Device)) Option {
	return func(o *Orchestrator) { o.onStart = fn }
}

func New(opts *config.Options, scanner *drive.Scanner, engine Flasher, options ...Option) *Orchestrator {
	o := &Orchestrator{
		opts:    opts,
		scanner: scanner,
		engine:  engine,
		log:     zap.NewNop(),
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Flash writes the image at imagePath to the configured or chosen drive.
// Any failure aborts the remaining stages; nothing is retried.
func (o *Orchestrator) Flash(ctx context.Context, imagePath string, progress chan<- flasher.ProgressEvent) (flasher.Result, error) {
	if o.opts.RobotMode && o.opts.ExplicitDevicePath == "" {
		return flasher.Result{}, fault.New(fault.KindInvalidInput, "", "robot mode requires --drive")
	}

	meta, err := image.Inspect(imagePath, image.WithRecommendedMinSize(int64(o.opts.MinimumSize)))
	if err != nil {
		return flasher.Result{}, err
	}
	o.log.Info("image",
		zap.String("path", meta.Path),
		zap.Int64("size", meta.Size),
		zap.String("partitionTable", meta.PartitionTable))

	scanCtx, stopScan := context.WithCancel(ctx)
	defer stopScan()
	// the first poll's failure is already logged and the loop retries
	_, _ = o.scanner.Poll(scanCtx)
	go o.scanner.Run(scanCtx)

	coord := selection.New(o.scanner, meta,
		selection.WithLogger(o.log),
		selection.WithConfirmTimeout(o.opts.ConfirmTimeout))
	go coord.Follow(scanCtx, o.scanner.Subscribe(scanCtx))
	if o.observe != nil {
		o.observe(coord)
	}

	var dev drive.Device
	if o.opts.ExplicitDevicePath != "" {
		dev, err = o.explicit(ctx, coord, o.opts.ExplicitDevicePath)
	} else {
		dev, err = o.interactive(ctx, coord)
	}
	if err != nil {
		return flasher.Result{}, err
	}

	src, err := image.Open(imagePath)
	if err != nil {
		return flasher.Result{}, err
	}
	defer src.Close()

	job := flasher.Job{
		Device:             dev,
		Source:             src,
		Size:               meta.Size,
		UnmountOnSuccess:   o.opts.UnmountOnSuccess,
		ValidateAfterWrite: o.opts.ValidateAfterWrite,
	}
	if meta.Checksum != nil && meta.Checksum.Algorithm == o.engine.Algorithm() {
		job.ExpectedChecksum = meta.Checksum.Value
	}
	if o.onStart != nil {
		o.onStart(meta, dev)
	}
	return o.engine.Run(ctx, job, progress)
}

// explicit validates a drive given up front, once.
func (o *Orchestrator) explicit(ctx context.Context, coord *selection.Coordinator, path string) (drive.Device, error) {
	t, err := coord.Begin(path)
	if err != nil {
		return drive.Device{}, err
	}
	confirmed, err := o.confirm(ctx, t)
	if err != nil {
		return drive.Device{}, err
	}
	return coord.Commit(t, confirmed)
}

// interactive lets the user pick until a choice survives commit. Validation
// failures send the user back to the list.
func (o *Orchestrator) interactive(ctx context.Context, coord *selection.Coordinator) (drive.Device, error) {
	if o.prompter == nil {
		return drive.Device{}, fault.New(fault.KindInvalidInput, "", "no drive given and no terminal to choose one")
	}
	for {
		path, err := o.prompter.SelectDrive(ctx, coord)
		if err != nil {
			return drive.Device{}, err
		}
		t, err := coord.Begin(path)
		if err == nil {
			var confirmed bool
			if confirmed, err = o.confirm(ctx, t); err != nil {
				return drive.Device{}, err
			}
			var dev drive.Device
			if dev, err = coord.Commit(t, confirmed); err == nil {
				return dev, nil
			}
		}
		if !fault.IsValidation(err) {
			return drive.Device{}, err
		}
		o.log.Warn("selection rejected", zap.Error(err))
		o.prompter.Warn(err.Error())
	}
}

// confirm asks the erase question and, for fixed drives, the fixed-drive
// question. It reports whether writing to a fixed drive was confirmed:
// robot mode and --yes count as confirmed, otherwise only a yes to the
// fixed-drive question does. Declining either question cancels.
func (o *Orchestrator) confirm(ctx context.Context, t *selection.Tentative) (bool, error) {
	if o.opts.RobotMode || o.opts.SkipConfirmation {
		return true, nil
	}
	if o.prompter == nil {
		return false, fault.New(fault.KindInvalidInput, t.Device.Path, "confirmation required; pass --yes to skip it")
	}
	questions := []string{EraseQuestion}
	if t.RequiresConfirmation() {
		questions = append(questions, FixedQuestion)
	}
	for _, q := range questions {
		ok, err := o.prompter.Confirm(ctx, q)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fault.New(fault.KindCancelled, t.Device.Path, "aborted by user")
		}
	}
	return t.RequiresConfirmation(), nil
}
