// Package constraint decides whether a device may take an image.
package constraint

import (
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"

	"mkflash/drive"
	"mkflash/image"
)

// Verdict is the eligibility of one device for one image.
type Verdict int

const (
	Eligible Verdict = iota
	TooSmall
	UnsafeFixedUnconfirmed
)

func (v Verdict) String() string {
	switch v {
	case Eligible:
		return "eligible"
	case TooSmall:
		return "too-small"
	case UnsafeFixedUnconfirmed:
		return "unsafe-fixed-unconfirmed"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

func (v Verdict) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// Selectable reports whether a device with this verdict can be offered for
// selection. Fixed drives are offered and confirmed later; too-small ones
// never are.
func (v Verdict) Selectable() bool { return v != TooSmall }

// Evaluate applies the rules in order: size first, then fixed-drive safety.
func Evaluate(d drive.Device, img image.Metadata, confirmedUnsafe bool) Verdict {
	switch {
	case d.Size < img.MinimumRequiredSize():
		return TooSmall
	case d.System && !confirmedUnsafe:
		return UnsafeFixedUnconfirmed
	default:
		return Eligible
	}
}

// Reason is the human-readable disqualification for a verdict, empty when
// eligible.
func Reason(v Verdict, d drive.Device, img image.Metadata) string {
	switch v {
	case TooSmall:
		return fmt.Sprintf("too small for image: %s available, %s required",
			humanize.Bytes(uint64(d.Size)), humanize.Bytes(uint64(img.MinimumRequiredSize())))
	case UnsafeFixedUnconfirmed:
		return "non-removable drive needs explicit confirmation"
	default:
		return ""
	}
}

// Candidate is a device annotated with its current verdict.
type Candidate struct {
	Device  drive.Device `json:"device"`
	Verdict Verdict      `json:"verdict"`
	Reason  string       `json:"reason,omitempty"`
	Label   string       `json:"label"`
}

// NewCandidate evaluates d without confirmation.
func NewCandidate(d drive.Device, img image.Metadata) Candidate {
	v := Evaluate(d, img, false)
	return Candidate{Device: d, Verdict: v, Reason: Reason(v, d, img), Label: Label(d, v)}
}

// Label renders "<device> (<size>) - <description>", flagged for fixed and
// too-small drives.
func Label(d drive.Device, v Verdict) string {
	label := fmt.Sprintf("%s (%s) - %s", d.Path, humanize.Bytes(uint64(d.Size)), d.Description)
	if d.System {
		label += " FIXED DRIVE"
	}
	if v == TooSmall {
		label += " TOO SMALL FOR IMAGE"
	}
	return label
}

// Compare orders removable devices before fixed ones, then by ascending size.
func Compare(a, b drive.Device) int {
	if a.System != b.System {
		if !a.System {
			return -1
		}
		return 1
	}
	switch {
	case a.Size < b.Size:
		return -1
	case a.Size > b.Size:
		return 1
	}
	return 0
}

// Candidates evaluates and orders every device. Equal keys keep input order.
func Candidates(devices []drive.Device, img image.Metadata) []Candidate {
	sorted := slices.Clone(devices)
	slices.SortStableFunc(sorted, Compare)
	out := make([]Candidate, 0, len(sorted))
	for _, d := range sorted {
		out = append(out, NewCandidate(d, img))
	}
	return out
}

// Selectable drops candidates that can never be chosen.
func Selectable(cands []Candidate) []Candidate {
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Verdict.Selectable() {
			out = append(out, c)
		}
	}
	return out
}
