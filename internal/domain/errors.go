package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can branch without inspecting
// message text.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindPackaging is a missing bundled resource. Needs a new build.
	KindPackaging
	// KindSetup is a runtime bootstrap that finished without a usable installer.
	KindSetup
	KindNetwork
	KindTimeout
	// KindExternalTool is a subprocess that failed to start or exited non-zero.
	KindExternalTool
	KindNotInstalled
	KindNotFound
	KindUnauthorized
	KindForbidden
	KindChecksum
	KindAlreadyRunning
)

var kindNames = map[ErrorKind]string{
	KindUnknown:        "unknown",
	KindPackaging:      "packaging",
	KindSetup:          "setup",
	KindNetwork:        "network",
	KindTimeout:        "timeout",
	KindExternalTool:   "external tool",
	KindNotInstalled:   "not installed",
	KindNotFound:       "not found",
	KindUnauthorized:   "unauthorized",
	KindForbidden:      "forbidden",
	KindChecksum:       "checksum mismatch",
	KindAlreadyRunning: "already running",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a failure tagged with its kind and the operation that raised it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + e.Kind.String()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the bare kind sentinels below, so errors.Is(err, ErrTimeout)
// holds for any timeout error however deeply wrapped.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrPackaging      = &Error{Kind: KindPackaging}
	ErrSetup          = &Error{Kind: KindSetup}
	ErrNetwork        = &Error{Kind: KindNetwork}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrExternalTool   = &Error{Kind: KindExternalTool}
	ErrNotInstalled   = &Error{Kind: KindNotInstalled}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrUnauthorized   = &Error{Kind: KindUnauthorized}
	ErrForbidden      = &Error{Kind: KindForbidden}
	ErrChecksum       = &Error{Kind: KindChecksum}
	ErrAlreadyRunning = &Error{Kind: KindAlreadyRunning}
)

// E builds a tagged error. A nil err produces a kind-only message.
func E(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a tagged error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost tagged error in the chain.
func KindOf(err error) ErrorKind {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return KindUnknown
		}
		if e.Kind != KindUnknown {
			return e.Kind
		}
		err = e.Err
	}
	return KindUnknown
}
