package uring

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrNoCompletion is returned by FakeRing.WaitCQE when nothing is queued,
// where a real ring would block forever.
var ErrNoCompletion = errors.New("uring: fake ring has no completion to wait for")

// Opcode identifies the request shape a FakeRing entry was prepared with.
type Opcode uint8

const (
	OpNop Opcode = iota + 1
	OpAccept
	OpMultishotAccept
	OpRead
	OpWrite
	OpClose
	OpShutdown
	OpCancelFD
	OpTimeout
	OpSocket
)

var opcodeNames = map[Opcode]string{
	OpNop:             "NOP",
	OpAccept:          "ACCEPT",
	OpMultishotAccept: "ACCEPT_MULTISHOT",
	OpRead:            "READ",
	OpWrite:           "WRITE",
	OpClose:           "CLOSE",
	OpShutdown:        "SHUTDOWN",
	OpCancelFD:        "ASYNC_CANCEL",
	OpTimeout:         "TIMEOUT",
	OpSocket:          "SOCKET",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Opcode(%d)", uint8(o))
}

// Request records what a FakeRing entry was prepared with.
type Request struct {
	Op       Opcode
	FD       int
	UserData uint64
	Buf      []byte
	Addr     *unix.RawSockaddrAny
	AddrLen  *uint32
	How      int
	Flags    uint32
	Timeout  *syscall.Timespec
	Domain   int
	Type     int
	Proto    int
}

// FakeRing is an in-memory Ring for tests. Completions are injected with
// Complete and consumed through the normal peek/wait/advance calls.
type FakeRing struct {
	Capacity  int   // submission slots, 0 for unlimited
	SubmitErr error // returned by Submit and SubmitAndWait when set
	WaitErr   error // returned by WaitCQE when set

	// OnWait runs when a blocking call finds no completion, letting a test
	// play the kernel.
	OnWait func(f *FakeRing)

	Prepared    []*Request
	Submitted   []*Request
	SubmitCalls int
	Closed      bool

	cq   []CQE
	head int
}

// NewFakeRing creates an empty fake ring.
func NewFakeRing() *FakeRing {
	return &FakeRing{}
}

// Complete queues a completion.
func (f *FakeRing) Complete(userData uint64, res int32, flags uint32) {
	f.cq = append(f.cq, CQE{UserData: userData, Res: res, Flags: flags})
}

// Ready returns the number of unconsumed completions.
func (f *FakeRing) Ready() int {
	return len(f.cq) - f.head
}

// Requests returns submitted entries followed by prepared ones.
func (f *FakeRing) Requests() []*Request {
	all := make([]*Request, 0, len(f.Submitted)+len(f.Prepared))
	all = append(all, f.Submitted...)
	return append(all, f.Prepared...)
}

// Last returns the most recently prepared entry, or nil.
func (f *FakeRing) Last() *Request {
	all := f.Requests()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func (f *FakeRing) GetSQE() SQE {
	if f.Capacity > 0 && len(f.Prepared) >= f.Capacity {
		return nil
	}
	req := &Request{}
	f.Prepared = append(f.Prepared, req)
	return (*fakeSQE)(req)
}

func (f *FakeRing) Submit() (uint, error) {
	if f.SubmitErr != nil {
		return 0, f.SubmitErr
	}
	n := len(f.Prepared)
	f.Submitted = append(f.Submitted, f.Prepared...)
	f.Prepared = nil
	f.SubmitCalls++
	return uint(n), nil
}

func (f *FakeRing) SubmitAndWait(waitNr uint32) (uint, error) {
	n, err := f.Submit()
	if err != nil {
		return n, err
	}
	if uint32(f.Ready()) < waitNr && f.OnWait != nil {
		f.OnWait(f)
	}
	return n, nil
}

func (f *FakeRing) PeekCQE() (CQE, bool, error) {
	if f.Ready() == 0 {
		return CQE{}, false, nil
	}
	return f.cq[f.head], true, nil
}

func (f *FakeRing) PeekBatchCQE(cqes []CQE) uint32 {
	n := copy(cqes, f.cq[f.head:])
	return uint32(n)
}

func (f *FakeRing) WaitCQE() (CQE, error) {
	if f.WaitErr != nil {
		return CQE{}, f.WaitErr
	}
	if f.Ready() == 0 && f.OnWait != nil {
		f.OnWait(f)
	}
	if f.Ready() == 0 {
		return CQE{}, ErrNoCompletion
	}
	return f.cq[f.head], nil
}

func (f *FakeRing) CQAdvance(n uint32) {
	f.head += int(n)
	if f.head >= len(f.cq) {
		f.cq = f.cq[:0]
		f.head = 0
	}
}

func (f *FakeRing) Close() error {
	f.Closed = true
	return nil
}

type fakeSQE Request

func (s *fakeSQE) PrepareNop() {
	*s = fakeSQE{Op: OpNop, FD: -1}
}

func (s *fakeSQE) PrepareAccept(fd int, addr *unix.RawSockaddrAny, addrLen *uint32) {
	*s = fakeSQE{Op: OpAccept, FD: fd, Addr: addr, AddrLen: addrLen}
}

func (s *fakeSQE) PrepareMultishotAccept(fd int, addr *unix.RawSockaddrAny, addrLen *uint32) {
	*s = fakeSQE{Op: OpMultishotAccept, FD: fd, Addr: addr, AddrLen: addrLen}
}

func (s *fakeSQE) PrepareRead(fd int, buf []byte) {
	*s = fakeSQE{Op: OpRead, FD: fd, Buf: buf}
}

func (s *fakeSQE) PrepareWrite(fd int, buf []byte) {
	*s = fakeSQE{Op: OpWrite, FD: fd, Buf: buf}
}

func (s *fakeSQE) PrepareClose(fd int) {
	*s = fakeSQE{Op: OpClose, FD: fd}
}

func (s *fakeSQE) PrepareShutdown(fd int, how int) {
	*s = fakeSQE{Op: OpShutdown, FD: fd, How: how}
}

func (s *fakeSQE) PrepareCancelFD(fd int, flags uint32) {
	*s = fakeSQE{Op: OpCancelFD, FD: fd, Flags: flags}
}

func (s *fakeSQE) PrepareTimeout(ts *syscall.Timespec) {
	*s = fakeSQE{Op: OpTimeout, FD: -1, Timeout: ts}
}

func (s *fakeSQE) PrepareSocket(domain, typ, proto int) {
	*s = fakeSQE{Op: OpSocket, FD: -1, Domain: domain, Type: typ, Proto: proto}
}

func (s *fakeSQE) SetData64(data uint64) {
	s.UserData = data
}

var (
	_ Ring = (*FakeRing)(nil)
	_ SQE  = (*fakeSQE)(nil)
)
