// Package errcode carries the numeric error codes reported to the job source
// alongside a failed file or an errored end of session.
package errcode

import (
	"fmt"

	"github.com/pkg/errors"
)

type Code int

const (
	OK Code = iota
	Internal
	TapeRead
	TapeWrite
	TapePosition
	DiskOpen
	DiskWrite
	DiskRead
	Incomplete
	WrongDirection
	Communication
	Consistency
	Shutdown
)

var names = map[Code]string{
	OK:             "ok",
	Internal:       "internal",
	TapeRead:       "tape-read",
	TapeWrite:      "tape-write",
	TapePosition:   "tape-position",
	DiskOpen:       "disk-open",
	DiskWrite:      "disk-write",
	DiskRead:       "disk-read",
	Incomplete:     "incomplete",
	WrongDirection: "wrong-direction",
	Communication:  "communication",
	Consistency:    "consistency",
	Shutdown:       "shutdown",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is an error tagged with a Code.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.cause.Error()
}

func (e *Error) Cause() error  { return e.cause }
func (e *Error) Unwrap() error { return e.cause }

// New returns a coded error without a cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap tags err with code. A nil err returns nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: errors.WithStack(err)}
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, code Code, format string, args ...any) error {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// CodeOf returns the outermost Code found in err's chain, Internal when none
// is present and OK for a nil error.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return Internal
}
