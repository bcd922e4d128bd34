package tui

import (
	"context"
	"slices"

	"github.com/gdamore/tcell/v2"

	"mkflash/constraint"
	"mkflash/fault"
	"mkflash/selection"
)

const cursorMark = "> "

// SelectDrive shows the live candidate list and returns the chosen path.
// Too-small drives are listed but cannot be highlighted.
func (u *UI) SelectDrive(ctx context.Context, coord *selection.Coordinator) (string, error) {
	u.setModal(true)
	defer u.setModal(false)
	u.SetTitle(" Select drive ")
	u.SetPhases()
	u.SetSummaryLines()

	var cursor string
	for {
		cands := coord.AllCandidates()
		var selectable []string
		for _, c := range cands {
			if c.Verdict.Selectable() {
				selectable = append(selectable, c.Device.Path)
			}
		}
		if !slices.Contains(selectable, cursor) {
			cursor = ""
			if len(selectable) > 0 {
				cursor = selectable[0]
			}
		}
		u.renderList(cands, cursor)

		select {
		case <-ctx.Done():
			return "", fault.Wrap(fault.KindCancelled, "", ctx.Err(), "drive selection")
		case <-u.stop:
			return "", fault.New(fault.KindCancelled, "", "drive selection aborted")
		case <-coord.Updates():
		case ev := <-u.keys:
			i := slices.Index(selectable, cursor)
			switch {
			case ev.Key() == tcell.KeyUp || (ev.Key() == tcell.KeyRune && ev.Rune() == 'k'):
				if i > 0 {
					cursor = selectable[i-1]
				}
			case ev.Key() == tcell.KeyDown || (ev.Key() == tcell.KeyRune && ev.Rune() == 'j'):
				if i >= 0 && i < len(selectable)-1 {
					cursor = selectable[i+1]
				}
			case ev.Key() == tcell.KeyEnter:
				if cursor != "" {
					u.clearWarning()
					return cursor, nil
				}
			case ev.Key() == tcell.KeyEscape || (ev.Key() == tcell.KeyRune && (ev.Rune() == 'q' || ev.Rune() == 'Q')):
				return "", fault.New(fault.KindCancelled, "", "drive selection aborted")
			}
		}
	}
}

func (u *UI) renderList(cands []constraint.Candidate, cursor string) {
	lines := make([]string, 0, len(cands))
	for _, c := range cands {
		prefix := "  "
		if c.Device.Path == cursor {
			prefix = cursorMark
		}
		if !c.Verdict.Selectable() {
			prefix = "  - "
		}
		lines = append(lines, prefix+c.Label)
	}
	if len(lines) == 0 {
		lines = append(lines, "  Waiting for drives...")
	}
	u.setBody(lines)

	u.mu.Lock()
	u.status = []string{"↑/↓ move  Enter select  q quit"}
	if u.warning != "" {
		u.status = append(u.status, "! "+u.warning)
	}
	u.mu.Unlock()
	u.Draw()
}

// Confirm asks a yes/no question, defaulting to no.
func (u *UI) Confirm(ctx context.Context, question string) (bool, error) {
	u.setModal(true)
	defer u.setModal(false)
	u.setBody([]string{question + " [y/N]"})
	u.SetStatusLines("y yes  n no")
	u.Draw()

	for {
		select {
		case <-ctx.Done():
			return false, fault.Wrap(fault.KindCancelled, "", ctx.Err(), "confirmation")
		case <-u.stop:
			return false, fault.New(fault.KindCancelled, "", "confirmation aborted")
		case ev := <-u.keys:
			switch {
			case ev.Key() == tcell.KeyRune && (ev.Rune() == 'y' || ev.Rune() == 'Y'):
				return true, nil
			case ev.Key() == tcell.KeyEnter || ev.Key() == tcell.KeyEscape,
				ev.Key() == tcell.KeyRune && (ev.Rune() == 'n' || ev.Rune() == 'N'):
				return false, nil
			}
		}
	}
}

// Warn keeps msg visible under the drive list until the next selection.
func (u *UI) Warn(msg string) {
	u.mu.Lock()
	u.warning = msg
	u.mu.Unlock()
}

func (u *UI) clearWarning() { u.Warn("") }
