package kernos

import (
	"errors"
	"fmt"

	"github.com/behrlich/kernos/internal/kerr"
)

// Errno is re-exported from the internal errno package so callers can
// match kernel errors without reaching into internal paths.
type Errno = kerr.Errno

const (
	EPERM        = kerr.EPERM
	ENOENT       = kerr.ENOENT
	ESRCH        = kerr.ESRCH
	EINTR        = kerr.EINTR
	EIO          = kerr.EIO
	ENXIO        = kerr.ENXIO
	EBADF        = kerr.EBADF
	ECHILD       = kerr.ECHILD
	EAGAIN       = kerr.EAGAIN
	ENOMEM       = kerr.ENOMEM
	EACCES       = kerr.EACCES
	EFAULT       = kerr.EFAULT
	EBUSY        = kerr.EBUSY
	EEXIST       = kerr.EEXIST
	ENODEV       = kerr.ENODEV
	ENOTDIR      = kerr.ENOTDIR
	EISDIR       = kerr.EISDIR
	EINVAL       = kerr.EINVAL
	ENFILE       = kerr.ENFILE
	ENOTTY       = kerr.ENOTTY
	EFBIG        = kerr.EFBIG
	ENOSPC       = kerr.ENOSPC
	EPIPE        = kerr.EPIPE
	ERANGE       = kerr.ERANGE
	ENAMETOOLONG = kerr.ENAMETOOLONG
	ENOTEMPTY    = kerr.ENOTEMPTY
	ENOTSUP      = kerr.ENOTSUP
	EADDRINUSE   = kerr.EADDRINUSE
	ENETUNREACH  = kerr.ENETUNREACH
	ECONNRESET   = kerr.ECONNRESET
	ENOTCONN     = kerr.ENOTCONN
	ETIMEDOUT    = kerr.ETIMEDOUT
	ECONNREFUSED = kerr.ECONNREFUSED

	ERESTARTSYS    = kerr.ERESTARTSYS
	ERESTARTNOINTR = kerr.ERESTARTNOINTR
	ERESTARTNOHAND = kerr.ERESTARTNOHAND
)

// Error is a structured kernel error carrying the failing operation and
// device context alongside the underlying errno.
type Error struct {
	Op    string // Operation that failed (e.g., "mount", "bread")
	Dev   string // Device name ("" if not applicable)
	Errno Errno  // Kernel errno (0 if not applicable)
	Msg   string // Human-readable message
	Inner error  // Wrapped error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Errno != 0 {
		msg = e.Errno.Error()
	}

	switch {
	case e.Op != "" && e.Dev != "":
		return fmt.Sprintf("kernos: %s (op=%s dev=%s)", msg, e.Op, e.Dev)
	case e.Op != "":
		return fmt.Sprintf("kernos: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("kernos: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	if e.Inner != nil {
		return e.Inner
	}
	if e.Errno != 0 {
		return e.Errno
	}
	return nil
}

// Is supports matching against both *Error and bare Errno targets.
func (e *Error) Is(target error) bool {
	if errno, ok := target.(Errno); ok {
		return e.Errno == errno
	}
	if te, ok := target.(*Error); ok {
		return e.Errno == te.Errno && (te.Op == "" || te.Op == e.Op)
	}
	return false
}

// NewError creates a new structured error.
func NewError(op string, errno Errno, msg string) *Error {
	return &Error{Op: op, Errno: errno, Msg: msg}
}

// NewDeviceError creates a new device-scoped error.
func NewDeviceError(op, dev string, errno Errno, msg string) *Error {
	return &Error{Op: op, Dev: dev, Errno: errno, Msg: msg}
}

// WrapError wraps an existing error with kernel context. Errnos pass
// through so errors.Is keeps working on the wrapped value.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ke, ok := inner.(*Error); ok {
		return &Error{Op: op, Dev: ke.Dev, Errno: ke.Errno, Msg: ke.Msg, Inner: ke.Inner}
	}

	if errno, ok := inner.(Errno); ok {
		return &Error{Op: op, Errno: errno, Inner: inner}
	}

	return &Error{Op: op, Errno: EIO, Msg: inner.Error(), Inner: inner}
}

// IsErrno checks whether err carries the given errno, directly or wrapped.
func IsErrno(err error, errno Errno) bool {
	if err == nil {
		return false
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Errno == errno
	}
	return errors.Is(err, errno)
}

// ToErrno extracts the errno from err, defaulting to EIO for foreign
// errors so syscall returns always have something sensible to encode.
func ToErrno(err error) Errno {
	if err == nil {
		return 0
	}
	var ke *Error
	if errors.As(err, &ke) && ke.Errno != 0 {
		return ke.Errno
	}
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	return EIO
}
