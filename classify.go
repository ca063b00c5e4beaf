package reactor

import (
	"fmt"
	"strconv"
	"syscall"
)

// classify maps a kernel errno for an operation of kind on fd to a typed
// error. It returns nil when the failure is an expected outcome: anything on
// a nop, and a vanished or unconnected descriptor or a cancellation seen by
// close, cancel or shutdown while racing teardown.
func classify(kind Kind, fd int, errno syscall.Errno, writeBuf []byte) error {
	if kind == KindNop {
		return nil
	}

	var code ErrorCode
	switch errno {
	case syscall.EBADF, syscall.ENOENT:
		code = ErrBadFileDescriptor
	case syscall.EINVAL:
		code = ErrInvalidArgument
	case syscall.ETIME, syscall.ETIMEDOUT:
		code = ErrTimeout
	case syscall.ECONNRESET:
		code = ErrConnectionReset
	case syscall.ENOTCONN:
		code = ErrNotConnected
	case syscall.ECANCELED:
		code = ErrCancelled
	default:
		code = ErrGeneric
	}

	if teardownKind(kind) {
		switch code {
		case ErrBadFileDescriptor, ErrNotConnected, ErrCancelled:
			return nil
		}
	}

	e := NewError(kind, fd, code, errno)
	if code == ErrGeneric && kind == KindWrite {
		e.Msg = explainWrite(fd, writeBuf, errno)
	}
	return e
}

func teardownKind(kind Kind) bool {
	switch kind {
	case KindClose, KindCancel, KindShutdown:
		return true
	}
	return false
}

// maxExplainBytes bounds how much of a failed write's payload is quoted.
const maxExplainBytes = 32

// explainWrite describes a failed write the way strace prints the call.
func explainWrite(fd int, buf []byte, errno syscall.Errno) string {
	shown := buf
	suffix := ""
	if len(shown) > maxExplainBytes {
		shown = shown[:maxExplainBytes]
		suffix = "..."
	}
	return fmt.Sprintf("write(%d, %s%s, %d) failed, %s: %s",
		fd, strconv.Quote(string(shown)), suffix, len(buf), errnoName(errno), errno.Error())
}

var errnoNames = map[syscall.Errno]string{
	syscall.EPIPE:        "EPIPE",
	syscall.EAGAIN:       "EAGAIN",
	syscall.EFAULT:       "EFAULT",
	syscall.EFBIG:        "EFBIG",
	syscall.EINTR:        "EINTR",
	syscall.EIO:          "EIO",
	syscall.ENOSPC:       "ENOSPC",
	syscall.EDQUOT:       "EDQUOT",
	syscall.EPERM:        "EPERM",
	syscall.EACCES:       "EACCES",
	syscall.ENOBUFS:      "ENOBUFS",
	syscall.EHOSTUNREACH: "EHOSTUNREACH",
	syscall.ENETDOWN:     "ENETDOWN",
	syscall.ENETUNREACH:  "ENETUNREACH",
	syscall.EOPNOTSUPP:   "EOPNOTSUPP",
}

func errnoName(errno syscall.Errno) string {
	if name, ok := errnoNames[errno]; ok {
		return name
	}
	return "errno " + strconv.Itoa(int(errno))
}
