// Package fault holds the closed set of failure kinds reported by the flashing
// core. Callers use the kind to pick between validation and general exit
// behaviour; the core itself never decides exit codes.
package fault

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure.
type Kind string

const (
	KindUnknown          Kind = "unknown"
	KindDeviceNotFound   Kind = "device-not-found"
	KindNotEligible      Kind = "not-eligible"
	KindDeviceIO         Kind = "device-io"
	KindChecksumMismatch Kind = "checksum-mismatch"
	KindCancelled        Kind = "cancelled"
	KindUnmountFailed    Kind = "unmount-failed"
	KindDeviceBusy       Kind = "device-busy"
	KindSourceIO         Kind = "source-io"
	KindInvalidInput     Kind = "invalid-input"
)

// Class groups kinds for exit signalling.
type Class int

const (
	ClassGeneral Class = iota
	ClassValidation
)

// Class reports whether the kind is a user/input/environment problem.
func (k Kind) Class() Class {
	switch k {
	case KindDeviceNotFound, KindNotEligible, KindInvalidInput:
		return ClassValidation
	default:
		return ClassGeneral
	}
}

// Error is a failure carrying a Kind.
type Error struct {
	Kind Kind
	// Path is the device path the failure concerns, if any.
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", e.Path, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, fault.Cancelled) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Path == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons by kind.
var (
	DeviceNotFound   = &Error{Kind: KindDeviceNotFound}
	NotEligible      = &Error{Kind: KindNotEligible}
	DeviceIO         = &Error{Kind: KindDeviceIO}
	ChecksumMismatch = &Error{Kind: KindChecksumMismatch}
	Cancelled        = &Error{Kind: KindCancelled}
	UnmountFailed    = &Error{Kind: KindUnmountFailed}
	DeviceBusy       = &Error{Kind: KindDeviceBusy}
	SourceIO         = &Error{Kind: KindSourceIO}
	InvalidInput     = &Error{Kind: KindInvalidInput}
)

// New returns a stack-annotated failure of the given kind.
func New(kind Kind, path, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: kind, Path: path, Msg: fmt.Sprintf(format, args...)})
}

// Wrap attaches a kind to cause. A nil cause yields nil.
func Wrap(kind Kind, path string, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return errors.WithStack(&Error{Kind: kind, Path: path, Msg: msg, Err: cause})
}

// KindOf returns the outermost kind found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsValidation reports whether err belongs to the validation class.
func IsValidation(err error) bool {
	return err != nil && KindOf(err).Class() == ClassValidation
}
