package reactor

import (
	"syscall"

	"github.com/ehrlich-b/go-reactor/internal/token"
	"github.com/ehrlich-b/go-reactor/internal/uring"
)

// Request describes a submission entry the Simulator saw prepared.
type Request = uring.Request

// Opcode identifies a simulated request shape.
type Opcode = uring.Opcode

const (
	OpNop             = uring.OpNop
	OpAccept          = uring.OpAccept
	OpMultishotAccept = uring.OpMultishotAccept
	OpRead            = uring.OpRead
	OpWrite           = uring.OpWrite
	OpClose           = uring.OpClose
	OpShutdown        = uring.OpShutdown
	OpCancelFD        = uring.OpCancelFD
	OpTimeout         = uring.OpTimeout
	OpSocket          = uring.OpSocket
)

// Simulator stands in for the kernel behind a reactor. It records every
// prepared entry and lets a test post completions for them, which makes it
// useful for unit testing code built on the reactor without io_uring.
type Simulator struct {
	ring *uring.FakeRing
}

// NewSimulated creates a reactor backed by a Simulator. features decides
// which code paths the reactor takes, for example one-shot accepts.
func NewSimulated(cfg Config, features Features, opts *Options) (*Reactor, *Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if opts == nil {
		opts = &Options{}
	}
	ring := uring.NewFakeRing()
	return newReactor(cfg, ring, features, opts), &Simulator{ring: ring}, nil
}

// SetCapacity limits the number of entries that may be prepared between
// flushes. 0 removes the limit.
func (s *Simulator) SetCapacity(n int) { s.ring.Capacity = n }

// FailSubmit makes every following submit fail with err, nil to recover.
func (s *Simulator) FailSubmit(err error) { s.ring.SubmitErr = err }

// FailWait makes every following blocking wait fail with err, nil to recover.
func (s *Simulator) FailWait(err error) { s.ring.WaitErr = err }

// OnWait registers fn to run when the reactor would block with nothing
// ready. fn typically posts the completions the kernel would have produced.
func (s *Simulator) OnWait(fn func(*Simulator)) {
	if fn == nil {
		s.ring.OnWait = nil
		return
	}
	s.ring.OnWait = func(*uring.FakeRing) { fn(s) }
}

// Complete posts a completion for rec with the raw kernel result res.
// Negative results are errnos, as the kernel reports them.
func (s *Simulator) Complete(rec Record, res int32) {
	s.CompleteToken(Token(rec), res, 0)
}

// CompleteErrno posts a failed completion for rec.
func (s *Simulator) CompleteErrno(rec Record, errno syscall.Errno) {
	s.Complete(rec, -int32(errno))
}

// CompleteMore posts a multishot completion that keeps the request armed.
func (s *Simulator) CompleteMore(rec Record, res int32) {
	s.CompleteToken(Token(rec), res, uring.CQEFMore)
}

// CompleteToken posts a completion carrying an arbitrary token.
func (s *Simulator) CompleteToken(tok uint64, res int32, flags uint32) {
	s.ring.Complete(tok, res, flags)
}

// Ready returns the number of posted completions not yet drained.
func (s *Simulator) Ready() int { return s.ring.Ready() }

// Requests returns every entry prepared so far, submitted ones first.
func (s *Simulator) Requests() []*Request { return s.ring.Requests() }

// Last returns the most recently prepared entry, or nil.
func (s *Simulator) Last() *Request { return s.ring.Last() }

// Prepared returns the entries queued since the last submit.
func (s *Simulator) Prepared() []*Request { return s.ring.Prepared }

// Submitted returns the entries handed to the simulated kernel.
func (s *Simulator) Submitted() []*Request { return s.ring.Submitted }

// SubmitCalls returns how many submits reached the simulated kernel.
func (s *Simulator) SubmitCalls() int { return s.ring.SubmitCalls }

// Closed reports whether the reactor tore the ring down.
func (s *Simulator) Closed() bool { return s.ring.Closed }

// Token returns the completion token identifying rec.
func Token(rec Record) uint64 {
	return token.Encode(uint8(rec.Kind()), rec.ID())
}
