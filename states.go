package reactor

import (
	"fmt"
	"net"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-reactor/internal/pool"
)

// Kind identifies the operation a record tracks. The values are carried in
// the completion token and must fit in eight bits.
type Kind uint8

const (
	KindAccept Kind = iota + 1
	KindRead
	KindWrite
	KindCancel
	KindClose
	KindTimeout
	KindShutdown
	KindNop
	KindSocket
)

var kindNames = [...]string{
	KindAccept:   "ACCEPT",
	KindRead:     "READ",
	KindWrite:    "WRITE",
	KindCancel:   "CANCEL",
	KindClose:    "CLOSE",
	KindTimeout:  "TIMEOUT",
	KindShutdown: "SHUTDOWN",
	KindNop:      "NOP",
	KindSocket:   "SOCKET",
}

func (k Kind) String() string {
	if k >= KindAccept && k <= KindSocket {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Record is the state of one queued operation. A record returned by the
// reactor belongs to the caller until it is passed to Reactor.Release.
type Record interface {
	// ID is the pool identity, unique among borrowed records of one kind.
	ID() uint64
	Kind() Kind
	// FD is the descriptor the operation targeted, or for a completed
	// accept the new connection.
	FD() int
	// Err is the classified kernel failure, nil on success or when the
	// failure was an expected teardown race.
	Err() error
	Reset()

	base() *state
}

// state holds the fields every record shares.
type state struct {
	id  uint64
	fd  int
	err error
}

func (s *state) ID() uint64   { return s.id }
func (s *state) FD() int      { return s.fd }
func (s *state) Err() error   { return s.err }
func (s *state) base() *state { return s }

func (s *state) reset() {
	s.fd = -1
	s.err = nil
}

// AcceptState tracks an accept on a listening socket.
type AcceptState struct {
	state
	addr      unix.RawSockaddrAny
	addrLen   uint32
	listener  int
	multishot bool
}

func newAcceptState(id uint64) *AcceptState {
	s := &AcceptState{state: state{id: id}}
	s.Reset()
	return s
}

func (s *AcceptState) Kind() Kind { return KindAccept }

// Listener returns the listening socket the accept was queued on.
func (s *AcceptState) Listener() int { return s.listener }

// Multishot reports whether the kernel may still post completions for this
// record. Such a record cannot be released.
func (s *AcceptState) Multishot() bool { return s.multishot }

// RemoteAddr decodes the peer address the kernel stored for the accepted
// connection. It returns nil for an unset or non-IP address.
func (s *AcceptState) RemoteAddr() net.Addr {
	if s.addrLen == 0 {
		return nil
	}
	switch s.addr.Addr.Family {
	case unix.AF_INET:
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(&s.addr))
		ip := make(net.IP, net.IPv4len)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: networkPort(&sa.Port)}
	case unix.AF_INET6:
		sa := (*unix.RawSockaddrInet6)(unsafe.Pointer(&s.addr))
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: networkPort(&sa.Port)}
	}
	return nil
}

func (s *AcceptState) Reset() {
	s.reset()
	s.addr = unix.RawSockaddrAny{}
	s.addrLen = 0
	s.listener = -1
	s.multishot = false
}

func (s *AcceptState) prepare(listener int, multishot bool) {
	s.listener = listener
	s.multishot = multishot
	s.addrLen = unix.SizeofSockaddrAny
}

// networkPort reads a big-endian port field.
func networkPort(p *uint16) int {
	b := (*[2]byte)(unsafe.Pointer(p))
	return int(b[0])<<8 | int(b[1])
}

// ReadState tracks a read into a buffer owned by the record. The buffer is
// kept across reuse and only replaced when a longer read is requested.
type ReadState struct {
	state
	buf    []byte
	length int
	n      int
}

func newReadState(id uint64) *ReadState {
	s := &ReadState{state: state{id: id}}
	s.Reset()
	return s
}

func (s *ReadState) Kind() Kind { return KindRead }

// Len returns the requested length, -1 when unset.
func (s *ReadState) Len() int { return s.length }

// N returns the number of bytes read, -1 until a successful completion.
func (s *ReadState) N() int { return s.n }

// Bytes returns the bytes the kernel filled in. The slice is only valid
// until the record is released.
func (s *ReadState) Bytes() []byte {
	if s.n <= 0 {
		return nil
	}
	return s.buf[:s.n]
}

// Buffer returns the whole read buffer at the requested length.
func (s *ReadState) Buffer() []byte { return s.buf }

func (s *ReadState) Reset() {
	s.reset()
	s.buf = s.buf[:0]
	s.length = -1
	s.n = -1
}

// Discard hands the buffer back to the shared buffer pool. Only called by
// the record pool once the record itself is dropped.
func (s *ReadState) Discard() {
	if s.buf != nil {
		pool.PutBuffer(s.buf)
		s.buf = nil
	}
}

func (s *ReadState) prepare(fd, length int) {
	s.fd = fd
	s.length = length
	if cap(s.buf) < length {
		if s.buf != nil {
			pool.PutBuffer(s.buf)
		}
		s.buf = pool.GetBuffer(length)
	}
	s.buf = s.buf[:length]
	clear(s.buf)
}

// WriteState tracks a write of caller-owned bytes. The bytes are referenced,
// not copied, and must stay untouched until the completion arrives.
type WriteState struct {
	state
	buf    []byte
	length int
	n      int
}

func newWriteState(id uint64) *WriteState {
	s := &WriteState{state: state{id: id}}
	s.Reset()
	return s
}

func (s *WriteState) Kind() Kind { return KindWrite }

// Len returns the requested length, -1 when unset.
func (s *WriteState) Len() int { return s.length }

// N returns the number of bytes written, -1 until a successful completion.
func (s *WriteState) N() int { return s.n }

// Buffer returns the bytes passed to QueueWrite.
func (s *WriteState) Buffer() []byte { return s.buf }

// Remaining returns the bytes a short write left unwritten.
func (s *WriteState) Remaining() []byte {
	if s.n < 0 || s.n >= len(s.buf) {
		return nil
	}
	return s.buf[s.n:]
}

func (s *WriteState) Reset() {
	s.reset()
	s.buf = nil
	s.length = -1
	s.n = -1
}

func (s *WriteState) prepare(fd int, b []byte) {
	s.fd = fd
	s.buf = b
	s.length = len(b)
}

// TimeoutState tracks a relative timeout. The timespec lives inside the
// record, which stays reachable from its pool while the kernel may read it.
type TimeoutState struct {
	state
	ts    syscall.Timespec
	fired bool
}

func newTimeoutState(id uint64) *TimeoutState {
	s := &TimeoutState{state: state{id: id}}
	s.Reset()
	return s
}

func (s *TimeoutState) Kind() Kind { return KindTimeout }

// Duration returns the requested timeout.
func (s *TimeoutState) Duration() time.Duration {
	return time.Duration(s.ts.Nano())
}

// Fired reports whether the timeout expired.
func (s *TimeoutState) Fired() bool { return s.fired }

func (s *TimeoutState) Reset() {
	s.reset()
	s.ts = syscall.Timespec{}
	s.fired = false
}

func (s *TimeoutState) prepare(d time.Duration) {
	s.ts = syscall.NsecToTimespec(d.Nanoseconds())
}

// ShutdownState tracks a shutdown(2) of one or both directions.
type ShutdownState struct {
	state
	how int
}

func newShutdownState(id uint64) *ShutdownState {
	s := &ShutdownState{state: state{id: id}}
	s.Reset()
	return s
}

func (s *ShutdownState) Kind() Kind { return KindShutdown }

// How returns unix.SHUT_RD, unix.SHUT_WR or unix.SHUT_RDWR.
func (s *ShutdownState) How() int { return s.how }

func (s *ShutdownState) Reset() {
	s.reset()
	s.how = -1
}

// SocketState tracks socket creation. FD stays -1; the new descriptor is
// reported by Socket.
type SocketState struct {
	state
	domain int
	typ    int
	proto  int
	socket int
}

func newSocketState(id uint64) *SocketState {
	s := &SocketState{state: state{id: id}}
	s.Reset()
	return s
}

func (s *SocketState) Kind() Kind { return KindSocket }

// Socket returns the created descriptor, -1 until a successful completion.
func (s *SocketState) Socket() int { return s.socket }

// Domain, Type and Protocol return the socket(2) arguments.
func (s *SocketState) Domain() int   { return s.domain }
func (s *SocketState) Type() int     { return s.typ }
func (s *SocketState) Protocol() int { return s.proto }

func (s *SocketState) Reset() {
	s.reset()
	s.domain, s.typ, s.proto = 0, 0, 0
	s.socket = -1
}

// CancelState tracks cancellation of every request on a descriptor.
type CancelState struct{ state }

func newCancelState(id uint64) *CancelState {
	s := &CancelState{state: state{id: id}}
	s.Reset()
	return s
}

func (s *CancelState) Kind() Kind { return KindCancel }
func (s *CancelState) Reset()     { s.reset() }

// CloseState tracks a close(2).
type CloseState struct{ state }

func newCloseState(id uint64) *CloseState {
	s := &CloseState{state: state{id: id}}
	s.Reset()
	return s
}

func (s *CloseState) Kind() Kind { return KindClose }
func (s *CloseState) Reset()     { s.reset() }

// NopState tracks a no-op, useful to wake a blocked waiter.
type NopState struct{ state }

func newNopState(id uint64) *NopState {
	s := &NopState{state: state{id: id}}
	s.Reset()
	return s
}

func (s *NopState) Kind() Kind { return KindNop }
func (s *NopState) Reset()     { s.reset() }

var (
	_ Record = (*AcceptState)(nil)
	_ Record = (*ReadState)(nil)
	_ Record = (*WriteState)(nil)
	_ Record = (*TimeoutState)(nil)
	_ Record = (*ShutdownState)(nil)
	_ Record = (*SocketState)(nil)
	_ Record = (*CancelState)(nil)
	_ Record = (*CloseState)(nil)
	_ Record = (*NopState)(nil)
)
