package blksnap

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/blksnap-go/blksnap/internal/diffarea"
	"github.com/blksnap-go/blksnap/internal/diffstorage"
	"github.com/blksnap-go/blksnap/internal/snapshot"
	"github.com/blksnap-go/blksnap/internal/tracker"
)

// Error is a structured engine error carrying the failed operation,
// the device it concerns, and a high-level category for programmatic
// handling (spec.md §7).
type Error struct {
	Op     string
	Device DeviceID
	Code   ErrorCode
	Errno  syscall.Errno
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Device != (DeviceID{}) {
		parts = append(parts, fmt.Sprintf("dev=%d:%d", e.Device.Major, e.Device.Minor))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("blksnap: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("blksnap: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison against another *Error by Code.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode is a high-level error category, stable across engine
// versions even as the underlying message text changes.
type ErrorCode string

const (
	CodeNotFound          ErrorCode = "not found"
	CodeBusy              ErrorCode = "busy"
	CodeAlreadyTaken      ErrorCode = "already taken"
	CodeNotTaken          ErrorCode = "not taken"
	CodeInvalidParameters ErrorCode = "invalid parameters"
	CodeNoSpace           ErrorCode = "diff storage exhausted"
	CodeCorrupted         ErrorCode = "diff area corrupted"
	CodeWouldBlock        ErrorCode = "would block"
	CodePermissionDenied  ErrorCode = "permission denied"
	CodeInsufficientMemory ErrorCode = "insufficient memory"
	CodeIOError           ErrorCode = "I/O error"
	CodeTimeout           ErrorCode = "timeout"
)

// NewError creates a structured error for an operation not tied to a
// specific device.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewDeviceError creates a structured error for a device-scoped
// operation.
func NewDeviceError(op string, dev DeviceID, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Device: dev, Code: code, Msg: msg}
}

// WrapError wraps err with operation context, classifying it by
// known internal sentinel errors, syscall.Errno, or a generic I/O
// category if neither applies. Returns nil if err is nil.
func WrapError(op string, dev DeviceID, err error) *Error {
	if err == nil {
		return nil
	}

	if se, ok := err.(*Error); ok {
		return &Error{Op: op, Device: se.Device, Code: se.Code, Errno: se.Errno, Msg: se.Msg, Inner: se.Inner}
	}

	if code, ok := classifyKnownError(err); ok {
		return &Error{Op: op, Device: dev, Code: code, Msg: err.Error(), Inner: err}
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &Error{Op: op, Device: dev, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: err}
	}

	return &Error{Op: op, Device: dev, Code: CodeIOError, Msg: err.Error(), Inner: err}
}

// classifyKnownError maps the internal packages' sentinel errors to a
// stable public ErrorCode.
func classifyKnownError(err error) (ErrorCode, bool) {
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		return CodeNotFound, true
	case errors.Is(err, snapshot.ErrBusy), errors.Is(err, tracker.ErrBusy):
		return CodeBusy, true
	case errors.Is(err, snapshot.ErrAlreadyTaken):
		return CodeAlreadyTaken, true
	case errors.Is(err, snapshot.ErrNotTaken):
		return CodeNotTaken, true
	case errors.Is(err, diffstorage.ErrNoSpace):
		return CodeNoSpace, true
	case errors.Is(err, diffarea.ErrWouldBlock), errors.Is(err, tracker.ErrWouldBlock):
		return CodeWouldBlock, true
	default:
		return "", false
	}
}

// mapErrnoToCode maps a kernel errno to a high-level error category.
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT:
		return CodeNotFound
	case syscall.EBUSY:
		return CodeBusy
	case syscall.EINVAL, syscall.E2BIG:
		return CodeInvalidParameters
	case syscall.EPERM, syscall.EACCES:
		return CodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return CodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return CodeTimeout
	default:
		return CodeIOError
	}
}

// IsCode reports whether err is a *Error (directly or via Unwrap)
// with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno reports whether err is a *Error carrying the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
