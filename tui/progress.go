package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"mkflash/drive"
	"mkflash/flasher"
	"mkflash/image"
)

// PhaseLabel is the user-facing name of a phase.
func PhaseLabel(p flasher.Phase) string {
	if p == flasher.PhaseCheck {
		return "Validating"
	}
	return "Flashing"
}

// Bar renders pct (0-100) as a fixed-width bar.
func Bar(width int, pct float64) string {
	if width < 1 {
		return ""
	}
	pct = min(max(pct, 0), 100)
	filled := int(pct / 100 * float64(width))
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

// FormatProgress renders one progress line, e.g.
// "Flashing   [####......]  40% 12 MB/s ETA 5s".
func FormatProgress(ev flasher.ProgressEvent, width int) string {
	line := fmt.Sprintf("%-10s %s %3d%%", PhaseLabel(ev.Phase), Bar(width, ev.Percentage), int(ev.Percentage))
	if ev.BytesPerSecond > 0 {
		line += fmt.Sprintf(" %s/s", humanize.Bytes(uint64(ev.BytesPerSecond)))
	}
	if ev.ETASeconds > 0 {
		line += " ETA " + (time.Duration(ev.ETASeconds) * time.Second).String()
	}
	return line
}

// StartFlash switches the screen to the progress view for one job.
func (u *UI) StartFlash(img image.Metadata, d drive.Device, validate bool) {
	u.SetTitle(" mkflash ")
	u.SetSummaryLines(
		fmt.Sprintf("Image: %s (%s)", img.Name, humanize.Bytes(uint64(img.Size))),
		fmt.Sprintf("Drive: %s (%s) - %s", d.Path, humanize.Bytes(uint64(d.Size)), d.Description),
	)
	phases := []string{PhaseLabel(flasher.PhaseWrite)}
	if validate {
		phases = append(phases, PhaseLabel(flasher.PhaseCheck))
	}
	u.SetPhases(phases...)
	u.setBody(nil)
	u.SetStatusLines("Press q to cancel")
	u.Draw()
}

// ShowProgress renders a progress event.
func (u *UI) ShowProgress(ev flasher.ProgressEvent) {
	if ev.Phase == flasher.PhaseCheck {
		u.SetPhaseDone(PhaseLabel(flasher.PhaseWrite))
	}
	if ev.TotalBytes > 0 && ev.BytesProcessed >= ev.TotalBytes {
		u.SetPhaseDone(PhaseLabel(ev.Phase))
	}
	w, _ := u.size()
	u.setBody([]string{
		FormatProgress(ev, max(10, w-40)),
		fmt.Sprintf("%s of %s", humanize.Bytes(uint64(ev.BytesProcessed)), humanize.Bytes(uint64(ev.TotalBytes))),
	})
	u.Draw()
}

func (u *UI) size() (int, int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.s == nil {
		return 0, 0
	}
	return u.s.Size()
}
