// Package tui is the terminal front end: a full-screen progress view and the
// interactive drive picker with its confirmations.
package tui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
)

// UI owns the terminal screen. All drawing goes through its mutex; key
// presses go to the active modal (picker or question) when there is one,
// otherwise q, Esc and Ctrl-C request a stop.
type UI struct {
	s    tcell.Screen
	stop chan struct{}
	once sync.Once
	keys chan *tcell.EventKey

	mu        sync.Mutex
	modal     bool
	title     string
	phases    []string
	phaseDone map[string]bool
	summary   []string
	body      []string
	status    []string
	warning   string
}

// New opens the controlling terminal.
func New() (*UI, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, err
	}
	return NewWithScreen(s)
}

// NewWithScreen initializes s and starts the event loop.
func NewWithScreen(s tcell.Screen) (*UI, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	s.DisableMouse()
	u := &UI{
		s:         s,
		stop:      make(chan struct{}),
		keys:      make(chan *tcell.EventKey, 16),
		phaseDone: make(map[string]bool),
	}
	go u.eventLoop()
	return u, nil
}

// Close restores the terminal.
func (u *UI) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.s == nil {
		return
	}
	u.s.Fini()
	u.s = nil
}

// RequestStop signals that the user wants out. Safe to call repeatedly.
func (u *UI) RequestStop() {
	u.once.Do(func() {
		close(u.stop)
	})
}

// Stopped is closed once a stop was requested.
func (u *UI) Stopped() <-chan struct{} { return u.stop }

func (u *UI) IsStopped() bool {
	select {
	case <-u.stop:
		return true
	default:
		return false
	}
}

func putStr(s tcell.Screen, x, y int, str string, style tcell.Style) {
	w, _ := s.Size()
	for i, r := range []rune(str) {
		pos := x + i
		if pos >= w {
			break
		}
		s.SetContent(pos, y, r, nil, style)
	}
}

// Draw redraws the whole screen from the current state.
func (u *UI) Draw() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.drawLocked()
}

func (u *UI) drawLocked() {
	if u.s == nil {
		return
	}
	s := u.s
	s.Clear()
	w, h := s.Size()
	y := 0

	if u.title != "" {
		putStr(s, 0, y, strings.Repeat("═", w), tcell.StyleDefault)
		putStr(s, max(0, (w-len([]rune(u.title)))/2), y, u.title, tcell.StyleDefault.Bold(true))
		y++
	}
	for _, line := range u.summary {
		if y >= h {
			break
		}
		putStr(s, 0, y, line, tcell.StyleDefault)
		y++
	}
	for _, line := range u.body {
		if y >= h {
			break
		}
		style := tcell.StyleDefault
		if strings.HasPrefix(line, cursorMark) {
			style = style.Reverse(true)
		}
		putStr(s, 0, y, line, style)
		y++
	}

	if len(u.phases) > 0 && y < h {
		putStr(s, 0, y, strings.Repeat("─", w), tcell.StyleDefault)
		putStr(s, 2, y, " Phase ", tcell.StyleDefault)
		y++
		var b strings.Builder
		for i, p := range u.phases {
			if i > 0 {
				b.WriteByte(' ')
			}
			mark := ' '
			if u.phaseDone[strings.ToLower(p)] {
				mark = '✓'
			}
			fmt.Fprintf(&b, "[%c]%s", mark, p)
		}
		putStr(s, 0, y, b.String(), tcell.StyleDefault)
		y++
	}

	if len(u.status) > 0 && y < h {
		putStr(s, 0, y, strings.Repeat("─", w), tcell.StyleDefault)
		putStr(s, 2, y, " Status ", tcell.StyleDefault)
		y++
		for _, line := range u.status {
			if y >= h {
				break
			}
			putStr(s, 0, y, line, tcell.StyleDefault)
			y++
		}
	}
	s.Show()
}

func (u *UI) SetTitle(t string) {
	u.mu.Lock()
	u.title = t
	u.mu.Unlock()
}

// SetPhases sets the phases shown with checkmarks.
func (u *UI) SetPhases(labels ...string) {
	u.mu.Lock()
	u.phases = append([]string(nil), labels...)
	u.mu.Unlock()
}

// SetPhaseDone ticks a phase, case-insensitively.
func (u *UI) SetPhaseDone(p string) {
	u.mu.Lock()
	u.phaseDone[strings.ToLower(p)] = true
	u.mu.Unlock()
}

func (u *UI) SetSummaryLines(lines ...string) {
	u.mu.Lock()
	u.summary = append([]string(nil), lines...)
	u.mu.Unlock()
}

func (u *UI) setBody(lines []string) {
	u.mu.Lock()
	u.body = lines
	u.mu.Unlock()
}

func (u *UI) SetStatusLines(lines ...string) {
	u.mu.Lock()
	u.status = append([]string(nil), lines...)
	u.mu.Unlock()
}

func (u *UI) setModal(on bool) {
	u.mu.Lock()
	u.modal = on
	u.mu.Unlock()
	if !on {
		// drop keys typed after the modal closed
		for {
			select {
			case <-u.keys:
			default:
				return
			}
		}
	}
}

func (u *UI) eventLoop() {
	for {
		u.mu.Lock()
		s := u.s
		u.mu.Unlock()
		if s == nil {
			return
		}
		switch ev := s.PollEvent().(type) {
		case *tcell.EventKey:
			if ev.Key() == tcell.KeyCtrlC {
				u.RequestStop()
				continue
			}
			u.mu.Lock()
			modal := u.modal
			u.mu.Unlock()
			if modal {
				select {
				case u.keys <- ev:
				default:
				}
				continue
			}
			if ev.Key() == tcell.KeyEscape || (ev.Key() == tcell.KeyRune && (ev.Rune() == 'q' || ev.Rune() == 'Q')) {
				u.RequestStop()
			}
		case *tcell.EventResize:
			s.Sync()
			u.Draw()
		case nil:
			return
		}
	}
}
