//go:build linux

package uring

import (
	"errors"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-reactor/internal/logging"
)

// giouringRing adapts a giouring ring to Ring.
type giouringRing struct {
	ring    *giouring.Ring
	scratch []*giouring.CompletionQueueEvent
}

func newPlatformRing(config Config) (Ring, error) {
	if config.AttachWQ >= 0 {
		logging.Default().Warn("attaching to a shared worker pool is not supported, creating a private one",
			"attach_wq", config.AttachWQ)
	}

	ring, err := giouring.CreateRing(config.Entries)
	if err != nil {
		return nil, err
	}
	return &giouringRing{ring: ring}, nil
}

func (r *giouringRing) GetSQE() SQE {
	e := r.ring.GetSQE()
	if e == nil {
		return nil
	}
	return (*giouringSQE)(e)
}

// Submit retries io_uring_enter when a signal interrupts it. The Go runtime
// preempts with signals, so EINTR is routine rather than a failure.
func (r *giouringRing) Submit() (uint, error) {
	for {
		n, err := r.ring.Submit()
		if !errors.Is(err, syscall.EINTR) {
			return n, err
		}
	}
}

func (r *giouringRing) SubmitAndWait(waitNr uint32) (uint, error) {
	for {
		n, err := r.ring.SubmitAndWait(waitNr)
		if !errors.Is(err, syscall.EINTR) {
			return n, err
		}
	}
}

func (r *giouringRing) PeekCQE() (CQE, bool, error) {
	cqe, err := r.ring.PeekCQE()
	switch {
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		return CQE{}, false, nil
	case err != nil:
		return CQE{}, false, err
	case cqe == nil:
		return CQE{}, false, nil
	}
	return copyCQE(cqe), true, nil
}

func (r *giouringRing) PeekBatchCQE(cqes []CQE) uint32 {
	if cap(r.scratch) < len(cqes) {
		r.scratch = make([]*giouring.CompletionQueueEvent, len(cqes))
	}
	scratch := r.scratch[:len(cqes)]

	n := r.ring.PeekBatchCQE(scratch)
	for i := uint32(0); i < n; i++ {
		cqes[i] = copyCQE(scratch[i])
	}
	return n
}

func (r *giouringRing) WaitCQE() (CQE, error) {
	for {
		cqe, err := r.ring.WaitCQE()
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if err != nil {
			return CQE{}, err
		}
		return copyCQE(cqe), nil
	}
}

func (r *giouringRing) CQAdvance(n uint32) {
	r.ring.CQAdvance(n)
}

func (r *giouringRing) Close() error {
	r.ring.QueueExit()
	return nil
}

func copyCQE(cqe *giouring.CompletionQueueEvent) CQE {
	return CQE{UserData: cqe.UserData, Res: cqe.Res, Flags: cqe.Flags}
}

// giouringSQE exposes a giouring submission entry as an SQE without boxing.
type giouringSQE giouring.SubmissionQueueEntry

func (s *giouringSQE) entry() *giouring.SubmissionQueueEntry {
	return (*giouring.SubmissionQueueEntry)(s)
}

func (s *giouringSQE) PrepareNop() {
	s.entry().PrepareNop()
}

func (s *giouringSQE) PrepareAccept(fd int, addr *unix.RawSockaddrAny, addrLen *uint32) {
	s.entry().PrepareAccept(fd, uintptr(unsafe.Pointer(addr)), uint64(uintptr(unsafe.Pointer(addrLen))), 0)
}

func (s *giouringSQE) PrepareMultishotAccept(fd int, addr *unix.RawSockaddrAny, addrLen *uint32) {
	s.entry().PrepareMultishotAccept(fd, uintptr(unsafe.Pointer(addr)), uint64(uintptr(unsafe.Pointer(addrLen))), 0)
}

func (s *giouringSQE) PrepareRead(fd int, buf []byte) {
	s.entry().PrepareRead(fd, uintptr(unsafe.Pointer(unsafe.SliceData(buf))), uint32(len(buf)), 0)
}

func (s *giouringSQE) PrepareWrite(fd int, buf []byte) {
	s.entry().PrepareWrite(fd, uintptr(unsafe.Pointer(unsafe.SliceData(buf))), uint32(len(buf)), 0)
}

func (s *giouringSQE) PrepareClose(fd int) {
	s.entry().PrepareClose(fd)
}

func (s *giouringSQE) PrepareShutdown(fd int, how int) {
	s.entry().PrepareShutdown(fd, how)
}

func (s *giouringSQE) PrepareCancelFD(fd int, flags uint32) {
	s.entry().PrepareCancelFd(fd, flags)
}

// PrepareTimeout arms a relative timeout that completes with -ETIME when it
// fires.
func (s *giouringSQE) PrepareTimeout(ts *syscall.Timespec) {
	s.entry().PrepareTimeout(ts, 0, 0)
}

func (s *giouringSQE) PrepareSocket(domain, typ, proto int) {
	s.entry().PrepareSocket(domain, typ, proto, 0)
}

func (s *giouringSQE) SetData64(data uint64) {
	s.entry().SetData64(data)
}
