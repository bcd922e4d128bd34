package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"

	"mkflash/fault"
	"mkflash/flasher"
	"mkflash/tui"
)

// printer renders a flash run for one audience.
type printer interface {
	progress(ev flasher.ProgressEvent)
	done(res flasher.Result)
}

type robotMessage struct {
	Command string `json:"command"`
	Data    any    `json:"data"`
}

type robotProgress struct {
	Type       flasher.Phase `json:"type"`
	Percentage int           `json:"percentage"`
	ETA        int           `json:"eta"`
	Speed      int           `json:"speed"`
}

type robotDone struct {
	SourceChecksum string `json:"sourceChecksum,omitempty"`
}

type robotError struct {
	Message     string     `json:"message"`
	Description string     `json:"description,omitempty"`
	Stacktrace  string     `json:"stacktrace,omitempty"`
	Code        fault.Kind `json:"code"`
}

// robotPrinter writes one JSON object per line: progress and done on
// stdout, errors on stderr.
type robotPrinter struct {
	mu     sync.Mutex
	stdout *json.Encoder
	stderr *json.Encoder
}

func newRobotPrinter(stdout, stderr io.Writer) *robotPrinter {
	return &robotPrinter{stdout: json.NewEncoder(stdout), stderr: json.NewEncoder(stderr)}
}

func (p *robotPrinter) emit(enc *json.Encoder, command string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = enc.Encode(robotMessage{Command: command, Data: data})
}

func (p *robotPrinter) progress(ev flasher.ProgressEvent) {
	p.emit(p.stdout, "progress", robotProgress{
		Type:       ev.Phase,
		Percentage: int(math.Floor(ev.Percentage)),
		ETA:        int(math.Round(ev.ETASeconds)),
		Speed:      int(math.Floor(ev.BytesPerSecond)),
	})
}

func (p *robotPrinter) done(res flasher.Result) {
	p.emit(p.stdout, "done", robotDone{SourceChecksum: res.SourceChecksum})
}

func (p *robotPrinter) fail(err error) {
	p.emit(p.stderr, "error", robotError{
		Message:     err.Error(),
		Description: describe(fault.KindOf(err)),
		Stacktrace:  fmt.Sprintf("%+v", err),
		Code:        fault.KindOf(err),
	})
}

func describe(k fault.Kind) string {
	switch k {
	case fault.KindDeviceNotFound:
		return "The selected drive is no longer attached."
	case fault.KindNotEligible:
		return "The selected drive cannot take this image."
	case fault.KindDeviceIO:
		return "The drive failed while it was being written or read. It may have been removed."
	case fault.KindChecksumMismatch:
		return "The data read back from the drive does not match the image."
	case fault.KindCancelled:
		return "The operation was cancelled."
	case fault.KindDeviceBusy:
		return "Another flash is already running on this drive."
	case fault.KindSourceIO:
		return "The image could not be read."
	case fault.KindInvalidInput:
		return "Check the command line and options."
	default:
		return ""
	}
}

// humanPrinter draws on the full-screen UI when there is one and falls
// back to a single rewritten line.
type humanPrinter struct {
	out  io.Writer
	ui   *tui.UI
	last flasher.Phase
}

func (p *humanPrinter) progress(ev flasher.ProgressEvent) {
	if p.ui != nil {
		p.ui.ShowProgress(ev)
		return
	}
	if p.last != "" && p.last != ev.Phase {
		fmt.Fprintln(p.out)
	}
	p.last = ev.Phase
	fmt.Fprintf(p.out, "\r%s", tui.FormatProgress(ev, 30))
}

func (p *humanPrinter) done(res flasher.Result) {
	if p.ui == nil && p.last != "" {
		fmt.Fprintln(p.out)
	}
	fmt.Fprintln(p.out, "Your flash is complete!")
	if res.SourceChecksum != "" {
		fmt.Fprintf(p.out, "Checksum: %s\n", res.SourceChecksum)
	}
	if res.UnmountErr != nil {
		fmt.Fprintf(p.out, "Warning: %v\n", res.UnmountErr)
	}
}
