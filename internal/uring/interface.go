// Package uring provides the io_uring ring capability used by the reactor
package uring

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-reactor/internal/logging"
)

// CQEFMore is set on a completion when a multishot request will post more.
const CQEFMore uint32 = 1 << 1

// AsyncCancelAll makes a cancel match every request on the target fd.
const AsyncCancelAll uint32 = 1 << 0

// Ring is the subset of io_uring the reactor drives. Implementations are not
// safe for concurrent use.
type Ring interface {
	// GetSQE returns the next free submission entry, or nil when the
	// submission queue is full.
	GetSQE() SQE

	// Submit hands every prepared entry to the kernel.
	Submit() (uint, error)

	// SubmitAndWait submits and blocks until waitNr completions are ready.
	SubmitAndWait(waitNr uint32) (uint, error)

	// PeekCQE returns the next completion without blocking. ok is false
	// when none is ready.
	PeekCQE() (cqe CQE, ok bool, err error)

	// PeekBatchCQE fills cqes with ready completions and returns the count.
	PeekBatchCQE(cqes []CQE) uint32

	// WaitCQE blocks until a completion is ready.
	WaitCQE() (CQE, error)

	// CQAdvance marks n completions as consumed.
	CQAdvance(n uint32)

	// Close tears the ring down.
	Close() error
}

// SQE is one submission entry. Every Prepare method overwrites the entry.
type SQE interface {
	PrepareNop()
	PrepareAccept(fd int, addr *unix.RawSockaddrAny, addrLen *uint32)
	PrepareMultishotAccept(fd int, addr *unix.RawSockaddrAny, addrLen *uint32)
	PrepareRead(fd int, buf []byte)
	PrepareWrite(fd int, buf []byte)
	PrepareClose(fd int)
	PrepareShutdown(fd int, how int)
	PrepareCancelFD(fd int, flags uint32)
	PrepareTimeout(ts *syscall.Timespec)
	PrepareSocket(domain, typ, proto int)
	SetData64(data uint64)
}

// CQE is a copied-out completion.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// More reports whether a multishot request will post further completions.
func (c CQE) More() bool {
	return c.Flags&CQEFMore != 0
}

// Config contains configuration for creating a ring
type Config struct {
	Entries  uint32 // Number of submission entries
	AttachWQ int    // Ring fd whose async worker pool to share, -1 for none
}

// NewRing creates the production ring for this platform.
func NewRing(config Config) (Ring, error) {
	logger := logging.Default().WithRing(config.Entries)
	logger.Debug("creating io_uring", "entries", config.Entries, "attach_wq", config.AttachWQ)

	ring, err := newPlatformRing(config)
	if err != nil {
		logger.Error("failed to create io_uring", "error", err)
		return nil, err
	}

	logger.Info("created io_uring", "entries", config.Entries)
	return ring, nil
}
