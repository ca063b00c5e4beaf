package reactor

import (
	"errors"
	"fmt"
	"syscall"

	berrors "github.com/brickingsoft/errors"
)

// Error is a kernel failure attached to an operation record.
type Error struct {
	Op    Kind          // Operation that failed
	FD    int           // Descriptor the operation targeted
	Code  ErrorCode     // Category used for errors.Is
	Errno syscall.Errno // Kernel errno
	Msg   string        // Human-readable message, a diagnostic for writes
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	return fmt.Sprintf("reactor: %s (op=%s fd=%d errno=%d)", msg, e.Op, e.FD, int(e.Errno))
}

// Unwrap exposes the errno so errors.Is(err, syscall.EBADF) works.
func (e *Error) Unwrap() error {
	if e.Errno == 0 {
		return nil
	}
	return e.Errno
}

// Is matches an ErrorCode sentinel or another *Error with the same code.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case ErrorCode:
		return e.Code == t
	case *Error:
		return e.Code == t.Code
	}
	return false
}

// ErrorCode is the category of a kernel failure. The codes are themselves
// errors so they can be used as errors.Is targets.
type ErrorCode string

func (c ErrorCode) Error() string {
	return "reactor: " + string(c)
}

const (
	ErrBadFileDescriptor ErrorCode = "bad file descriptor"
	ErrInvalidArgument   ErrorCode = "invalid argument"
	ErrTimeout           ErrorCode = "timeout"
	ErrConnectionReset   ErrorCode = "connection reset by peer"
	ErrNotConnected      ErrorCode = "transport endpoint is not connected"
	ErrCancelled         ErrorCode = "operation cancelled"
	ErrGeneric           ErrorCode = "I/O error"
)

// Failures of the reactor's own control calls. Unlike ErrorCode failures
// these are returned directly from the call that hit them.
var (
	ErrSubmissionQueueFull = berrors.Define("reactor: submission queue is full")
	ErrSubmit              = berrors.Define("reactor: submit failed")
	ErrWait                = berrors.Define("reactor: waiting for a completion failed")
	ErrClosed              = berrors.Define("reactor: closed")
	ErrKernelNotSupported  = berrors.Define("reactor: kernel does not support io_uring timeouts (5.4+)")
	ErrNotSupported        = berrors.Define("reactor: operation not supported by this kernel")
)

// NewError creates an error for a failed operation
func NewError(op Kind, fd int, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		FD:    fd,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// IsCode checks if an error carries a specific error code
func IsCode(err error, code ErrorCode) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsErrno checks if an error carries a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Errno == errno
	}
	return false
}

// IsClosed reports whether err comes from a reactor that was closed.
func IsClosed(err error) bool {
	return berrors.Is(err, ErrClosed)
}

// controlError wraps a ring failure under one of the control sentinels.
func controlError(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}
