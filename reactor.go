// Package reactor is an io_uring completion reactor. Callers queue
// operations against file descriptors, flush them to the kernel and drain
// completions as records that carry each operation's result or typed error.
//
// A Reactor is driven by a single goroutine. It holds no locks; all
// asynchrony comes from the kernel ring.
package reactor

import (
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-reactor/internal/constants"
	"github.com/ehrlich-b/go-reactor/internal/logging"
	"github.com/ehrlich-b/go-reactor/internal/pool"
	"github.com/ehrlich-b/go-reactor/internal/token"
	"github.com/ehrlich-b/go-reactor/internal/uring"
)

// Config holds reactor sizing
type Config struct {
	QueueDepth     uint32 // Ring submission entries
	ReadBufferSize int    // Read length used when QueueRead is given 0
	PoolPrealloc   int    // Accept, read and write records created up front
	PoolRetention  int    // Idle records kept per kind
	BatchSize      int    // Completions peeked per round trip
	MaxBatch       int    // Completions one drain call may process
	AttachWQ       int    // Ring fd whose async workers to share, -1 for none
}

// DefaultConfig returns the default reactor sizing
func DefaultConfig() Config {
	return Config{
		QueueDepth:     constants.DefaultQueueDepth,
		ReadBufferSize: constants.DefaultReadBufferSize,
		PoolPrealloc:   constants.DefaultPoolPrealloc,
		PoolRetention:  constants.DefaultPoolRetention,
		BatchSize:      constants.DefaultBatchSize,
		MaxBatch:       constants.MaxBatchCeiling,
		AttachWQ:       -1,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch {
	case c.QueueDepth == 0 || c.QueueDepth > 32768:
		return fmt.Errorf("queue depth must be 1..32768, got %d", c.QueueDepth)
	case c.ReadBufferSize <= 0:
		return fmt.Errorf("read buffer size must be positive, got %d", c.ReadBufferSize)
	case c.PoolPrealloc < 0 || c.PoolRetention < 0:
		return fmt.Errorf("pool sizes must not be negative")
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.MaxBatch <= 0 || c.MaxBatch > constants.MaxBatchCeiling:
		return fmt.Errorf("max batch must be 1..%d, got %d", constants.MaxBatchCeiling, c.MaxBatch)
	}
	return nil
}

// Logger is the structured logger the reactor writes to
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options contains optional collaborators
type Options struct {
	// Logger for debug/info messages (if nil, uses the package default)
	Logger Logger

	// Observer for metrics collection (if nil, uses no-op observer)
	Observer Observer

	// Features overrides kernel detection, for example to force one-shot
	// accepts (if nil, detected from the running kernel)
	Features *Features
}

// Reactor owns one io_uring and the record pools feeding it.
type Reactor struct {
	cfg      Config
	ring     uring.Ring
	features Features
	logger   Logger
	observer Observer

	pending int
	closed  bool

	accepts   *pool.Pool[*AcceptState]
	reads     *pool.Pool[*ReadState]
	writes    *pool.Pool[*WriteState]
	cancels   *pool.Pool[*CancelState]
	closes    *pool.Pool[*CloseState]
	timeouts  *pool.Pool[*TimeoutState]
	shutdowns *pool.Pool[*ShutdownState]
	nops      *pool.Pool[*NopState]
	sockets   *pool.Pool[*SocketState]

	// listeners maps a listening fd to its armed accept record. Only
	// registered listeners are re-armed.
	listeners map[int]*AcceptState

	cqes []uring.CQE
}

// New creates a reactor on a fresh ring.
func New(cfg Config, opts *Options) (*Reactor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts == nil {
		opts = &Options{}
	}

	var features Features
	if opts.Features != nil {
		features = *opts.Features
	} else {
		f, v, err := uring.DetectFeatures()
		if err != nil {
			return nil, fmt.Errorf("detect kernel features: %w", err)
		}
		logging.Debug("detected kernel", "version", v.String())
		features = f
	}
	if !features.Timeout {
		return nil, ErrKernelNotSupported
	}

	ring, err := uring.NewRing(uring.Config{Entries: cfg.QueueDepth, AttachWQ: cfg.AttachWQ})
	if err != nil {
		return nil, fmt.Errorf("create ring: %w", err)
	}
	return newReactor(cfg, ring, features, opts), nil
}

func newReactor(cfg Config, ring uring.Ring, features Features, opts *Options) *Reactor {
	r := &Reactor{
		cfg:       cfg,
		ring:      ring,
		features:  features,
		logger:    opts.Logger,
		observer:  opts.Observer,
		accepts:   pool.New(newAcceptState, cfg.PoolRetention),
		reads:     pool.New(newReadState, cfg.PoolRetention),
		writes:    pool.New(newWriteState, cfg.PoolRetention),
		cancels:   pool.New(newCancelState, cfg.PoolRetention),
		closes:    pool.New(newCloseState, cfg.PoolRetention),
		timeouts:  pool.New(newTimeoutState, cfg.PoolRetention),
		shutdowns: pool.New(newShutdownState, cfg.PoolRetention),
		nops:      pool.New(newNopState, cfg.PoolRetention),
		sockets:   pool.New(newSocketState, cfg.PoolRetention),
		listeners: make(map[int]*AcceptState),
		cqes:      make([]uring.CQE, cfg.MaxBatch),
	}
	if r.logger == nil {
		r.logger = logging.Default()
	}
	if r.observer == nil {
		r.observer = NoOpObserver{}
	}

	r.accepts.Prefill(cfg.PoolPrealloc)
	r.reads.Prefill(cfg.PoolPrealloc)
	r.writes.Prefill(cfg.PoolPrealloc)
	r.timeouts.Prefill(1)
	r.sockets.Prefill(1)

	r.logger.Info("reactor ready",
		"queue_depth", cfg.QueueDepth,
		"multishot_accept", features.MultishotAccept,
		"submit_all", features.SubmitAll)
	return r
}

// Features returns the capability snapshot taken at construction.
func (r *Reactor) Features() Features { return r.features }

// Pending returns the number of entries queued since the last flush.
func (r *Reactor) Pending() int { return r.pending }

// PoolStat is the occupancy of one record pool.
type PoolStat struct {
	Borrowed int
	Unused   int
}

// Stats returns the occupancy of every record pool.
func (r *Reactor) Stats() map[Kind]PoolStat {
	stats := make(map[Kind]PoolStat, numKinds-1)
	for k := KindAccept; k <= KindSocket; k++ {
		b, u := r.PoolStats(k)
		stats[k] = PoolStat{Borrowed: b, Unused: u}
	}
	return stats
}

// PoolStats returns how many records of kind are borrowed and idle.
func (r *Reactor) PoolStats(kind Kind) (borrowed, unused int) {
	switch kind {
	case KindAccept:
		return r.accepts.Borrowed(), r.accepts.Unused()
	case KindRead:
		return r.reads.Borrowed(), r.reads.Unused()
	case KindWrite:
		return r.writes.Borrowed(), r.writes.Unused()
	case KindCancel:
		return r.cancels.Borrowed(), r.cancels.Unused()
	case KindClose:
		return r.closes.Borrowed(), r.closes.Unused()
	case KindTimeout:
		return r.timeouts.Borrowed(), r.timeouts.Unused()
	case KindShutdown:
		return r.shutdowns.Borrowed(), r.shutdowns.Unused()
	case KindNop:
		return r.nops.Borrowed(), r.nops.Unused()
	case KindSocket:
		return r.sockets.Borrowed(), r.sockets.Unused()
	}
	return 0, 0
}

// sqe reserves a submission entry.
func (r *Reactor) sqe() (uring.SQE, error) {
	if r.closed {
		return nil, ErrClosed
	}
	s := r.ring.GetSQE()
	if s == nil {
		return nil, ErrSubmissionQueueFull
	}
	return s, nil
}

// queued tags a prepared entry with the record's token.
func (r *Reactor) queued(rec Record, s uring.SQE) {
	s.SetData64(token.Encode(uint8(rec.Kind()), rec.ID()))
	r.pending++
	r.observer.ObserveSubmit(rec.Kind())
}

// QueueAccept starts accepting on a listening socket. The reactor keeps an
// accept armed on it until StopAccept is called or the socket fails; each
// connection arrives as its own AcceptState.
//
// A terminating completion re-arms the listener unless it failed with
// EBADF, ENOTSOCK or EINVAL. Those mean the listener itself is unusable, so
// the listener is dropped instead of being re-armed into a loop of the same
// error; call QueueAccept again to resume.
func (r *Reactor) QueueAccept(listener int) (*AcceptState, error) {
	return r.armAccept(listener)
}

func (r *Reactor) armAccept(listener int) (*AcceptState, error) {
	s, err := r.sqe()
	if err != nil {
		return nil, err
	}
	rec := r.accepts.Borrow()
	rec.prepare(listener, r.features.MultishotAccept)
	if rec.multishot {
		s.PrepareMultishotAccept(listener, &rec.addr, &rec.addrLen)
	} else {
		s.PrepareAccept(listener, &rec.addr, &rec.addrLen)
	}
	r.queued(rec, s)
	r.listeners[listener] = rec
	return rec, nil
}

// StopAccept stops re-arming accepts on listener and cancels the armed one.
// If the cancel cannot be queued the listener stays registered.
func (r *Reactor) StopAccept(listener int) (*CancelState, error) {
	c, err := r.QueueCancel(listener)
	if err != nil {
		return nil, err
	}
	// The cancel cannot complete before the next drain, so re-arming is
	// already off when its completion is seen.
	delete(r.listeners, listener)
	return c, nil
}

// QueueRead reads up to n bytes from fd into a record-owned buffer. n <= 0
// uses the configured read buffer size.
func (r *Reactor) QueueRead(fd, n int) (*ReadState, error) {
	if n <= 0 {
		n = r.cfg.ReadBufferSize
	}
	s, err := r.sqe()
	if err != nil {
		return nil, err
	}
	rec := r.reads.Borrow()
	rec.prepare(fd, n)
	s.PrepareRead(fd, rec.buf)
	r.queued(rec, s)
	return rec, nil
}

// QueueWrite writes b to fd. b is not copied and must not be modified until
// the completion has been drained.
func (r *Reactor) QueueWrite(fd int, b []byte) (*WriteState, error) {
	s, err := r.sqe()
	if err != nil {
		return nil, err
	}
	rec := r.writes.Borrow()
	rec.prepare(fd, b)
	s.PrepareWrite(fd, b)
	r.queued(rec, s)
	return rec, nil
}

// QueueCancel cancels requests in flight on fd. The cancelled requests
// complete on their own records, in no particular order relative to this one.
func (r *Reactor) QueueCancel(fd int) (*CancelState, error) {
	if !r.features.CancelFD {
		return nil, fmt.Errorf("cancel by descriptor: %w", ErrNotSupported)
	}
	s, err := r.sqe()
	if err != nil {
		return nil, err
	}
	var flags uint32
	if r.features.CancelAll {
		flags |= uring.AsyncCancelAll
	}
	rec := r.cancels.Borrow()
	rec.fd = fd
	s.PrepareCancelFD(fd, flags)
	r.queued(rec, s)
	return rec, nil
}

// QueueClose closes fd.
func (r *Reactor) QueueClose(fd int) (*CloseState, error) {
	s, err := r.sqe()
	if err != nil {
		return nil, err
	}
	rec := r.closes.Borrow()
	rec.fd = fd
	s.PrepareClose(fd)
	r.queued(rec, s)
	return rec, nil
}

// QueueTimeout completes after d. A fired timeout is a success: Err stays
// nil and Fired reports true.
func (r *Reactor) QueueTimeout(d time.Duration) (*TimeoutState, error) {
	if d < 0 {
		d = 0
	}
	s, err := r.sqe()
	if err != nil {
		return nil, err
	}
	rec := r.timeouts.Borrow()
	rec.prepare(d)
	s.PrepareTimeout(&rec.ts)
	r.queued(rec, s)
	return rec, nil
}

// QueueShutdown shuts down part of a full-duplex connection.
func (r *Reactor) QueueShutdown(fd, how int) (*ShutdownState, error) {
	if !r.features.Shutdown {
		return nil, fmt.Errorf("shutdown: %w", ErrNotSupported)
	}
	s, err := r.sqe()
	if err != nil {
		return nil, err
	}
	rec := r.shutdowns.Borrow()
	rec.fd = fd
	rec.how = how
	s.PrepareShutdown(fd, how)
	r.queued(rec, s)
	return rec, nil
}

// QueueNop queues a request that completes immediately. fd is only carried
// on the record for the caller's bookkeeping.
func (r *Reactor) QueueNop(fd int) (*NopState, error) {
	s, err := r.sqe()
	if err != nil {
		return nil, err
	}
	rec := r.nops.Borrow()
	rec.fd = fd
	s.PrepareNop()
	r.queued(rec, s)
	return rec, nil
}

// QueueSocket creates a socket. The descriptor is reported by
// SocketState.Socket once the completion is drained.
func (r *Reactor) QueueSocket(domain, typ, proto int) (*SocketState, error) {
	if !r.features.CreateSocket {
		return nil, fmt.Errorf("socket: %w", ErrNotSupported)
	}
	s, err := r.sqe()
	if err != nil {
		return nil, err
	}
	rec := r.sockets.Borrow()
	rec.domain, rec.typ, rec.proto = domain, typ, proto
	s.PrepareSocket(domain, typ, proto)
	r.queued(rec, s)
	return rec, nil
}

// Flush submits every queued entry.
func (r *Reactor) Flush() error {
	if r.closed {
		return ErrClosed
	}
	n, err := r.ring.Submit()
	r.observer.ObserveFlush(n, err == nil)
	if err != nil {
		return controlError(ErrSubmit, err)
	}
	r.pending = 0
	return nil
}

// FlushIfPending flushes only when something was queued.
func (r *Reactor) FlushIfPending() error {
	if r.pending == 0 {
		return nil
	}
	return r.Flush()
}

// PollOne returns the next completed record without blocking, or nil when
// nothing is ready.
func (r *Reactor) PollOne() (Record, error) {
	if r.closed {
		return nil, ErrClosed
	}
	for {
		cqe, ok, err := r.ring.PeekCQE()
		if err != nil {
			return nil, controlError(ErrWait, err)
		}
		if !ok {
			return nil, nil
		}
		rec, err := r.complete(cqe)
		r.ring.CQAdvance(1)
		if rec != nil || err != nil {
			return rec, err
		}
	}
}

// WaitOne blocks until a record completes.
func (r *Reactor) WaitOne() (Record, error) {
	if r.closed {
		return nil, ErrClosed
	}
	for {
		cqe, err := r.ring.WaitCQE()
		if err != nil {
			return nil, controlError(ErrWait, err)
		}
		rec, err := r.complete(cqe)
		r.ring.CQAdvance(1)
		if rec != nil || err != nil {
			return rec, err
		}
	}
}

// PollBatch appends ready records to dst without blocking. It peeks up to
// batchSize completions per round trip (the configured BatchSize when
// batchSize <= 0), stops after a round trip that comes back short, and never
// processes more than the configured MaxBatch completions in one call.
//
// A returned error is a control failure hit while re-arming or flushing;
// the records in dst are still valid and must be released.
func (r *Reactor) PollBatch(dst []Record, batchSize int) ([]Record, error) {
	if r.closed {
		return dst, ErrClosed
	}
	if batchSize <= 0 {
		batchSize = r.cfg.BatchSize
	}

	start := len(dst)
	processed := 0
	var firstErr error
	for processed < r.cfg.MaxBatch {
		want := min(batchSize, r.cfg.MaxBatch-processed)
		filled := r.ring.PeekBatchCQE(r.cqes[:want])
		if filled == 0 {
			break
		}
		for _, cqe := range r.cqes[:filled] {
			rec, err := r.complete(cqe)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if rec != nil {
				dst = append(dst, rec)
			}
		}
		r.ring.CQAdvance(filled)
		processed += int(filled)
		if int(filled) < want {
			break
		}
	}

	r.observer.ObserveBatch(len(dst) - start)
	return dst, firstErr
}

// SubmitAndWait flushes, blocks until at least one completion is ready and
// drains a batch into dst.
func (r *Reactor) SubmitAndWait(dst []Record) ([]Record, error) {
	if r.closed {
		return dst, ErrClosed
	}
	n, err := r.ring.SubmitAndWait(1)
	r.observer.ObserveFlush(n, err == nil)
	if err != nil {
		return dst, controlError(ErrSubmit, err)
	}
	r.pending = 0
	return r.PollBatch(dst, r.cfg.BatchSize)
}

// complete resolves one completion to its record. A nil record with a nil
// error means the token matched nothing borrowed.
func (r *Reactor) complete(cqe uring.CQE) (Record, error) {
	k, id := token.Decode(cqe.UserData)
	kind := Kind(k)

	rec, ok := r.lookup(kind, id)
	if !ok {
		r.observer.ObserveUnknown(cqe.UserData)
		r.logger.Warn("completion for unknown record", "kind", kind.String(), "id", id, "res", cqe.Res)
		return nil, nil
	}

	var ctlErr error
	if acc, ok := rec.(*AcceptState); ok {
		rec, ctlErr = r.completeAccept(acc, cqe)
	}

	var failed, ignored bool
	if cqe.Res < 0 {
		errno := syscall.Errno(-cqe.Res)
		if t, ok := rec.(*TimeoutState); ok && errno == syscall.ETIME {
			t.fired = true
		} else {
			var err error
			failed, err = r.fail(rec, errno)
			ignored = !failed
			if err != nil && ctlErr == nil {
				ctlErr = err
			}
		}
	} else {
		succeed(rec, cqe.Res)
	}

	r.observer.ObserveCompletion(kind, cqe.Res, failed, ignored)
	return rec, ctlErr
}

// completeAccept applies the re-arm policy before the result is examined.
// A completion flagged more-to-come is delivered on a fresh record so the
// armed one keeps its buffers; any other completion ends the armed request
// and, while the listener is registered, a new accept is armed.
func (r *Reactor) completeAccept(armed *AcceptState, cqe uring.CQE) (*AcceptState, error) {
	listener := armed.listener

	if armed.multishot && cqe.More() {
		out := r.accepts.Borrow()
		out.listener = listener
		out.addr = armed.addr
		out.addrLen = armed.addrLen
		armed.addrLen = unix.SizeofSockaddrAny
		return out, nil
	}

	armed.multishot = false
	current, registered := r.listeners[listener]
	if current == armed {
		delete(r.listeners, listener)
	}
	if !registered {
		return armed, nil
	}

	if cqe.Res < 0 {
		switch syscall.Errno(-cqe.Res) {
		case syscall.EBADF, syscall.ENOTSOCK, syscall.EINVAL:
			delete(r.listeners, listener)
			r.logger.Warn("listener failed, accept not re-armed", "fd", listener, "errno", -cqe.Res)
			return armed, nil
		}
	}
	if current != armed {
		// Another accept is already armed on this listener.
		return armed, nil
	}

	if _, err := r.armAccept(listener); err != nil {
		r.logger.Error("failed to re-arm accept", "fd", listener, "error", err)
		return armed, fmt.Errorf("re-arm accept on fd %d: %w", listener, err)
	}
	r.observer.ObserveRearm(listener)
	r.logger.Debug("accept re-armed", "fd", listener, "multishot", r.features.MultishotAccept)
	return armed, nil
}

// fail classifies a kernel failure onto rec. On kernels where one submit
// may leave entries behind, a typed error triggers an immediate flush.
func (r *Reactor) fail(rec Record, errno syscall.Errno) (bool, error) {
	var buf []byte
	fd := rec.FD()
	switch v := rec.(type) {
	case *WriteState:
		buf = v.buf
	case *AcceptState:
		fd = v.listener
	}

	err := classify(rec.Kind(), fd, errno, buf)
	if err == nil {
		return false, nil
	}
	rec.base().err = err

	if !r.features.SubmitAll {
		r.observer.ObserveEagerFlush()
		r.logger.Debug("flushing after error", "kind", rec.Kind().String(), "errno", int(errno))
		if ferr := r.Flush(); ferr != nil {
			return true, ferr
		}
	}
	return true, nil
}

func succeed(rec Record, res int32) {
	switch v := rec.(type) {
	case *AcceptState:
		v.fd = int(res)
	case *ReadState:
		v.n = int(res)
	case *WriteState:
		v.n = int(res)
	case *SocketState:
		v.socket = int(res)
	case *TimeoutState:
		v.fired = true
	}
}

func (r *Reactor) lookup(kind Kind, id uint64) (Record, bool) {
	switch kind {
	case KindAccept:
		return find(r.accepts, id)
	case KindRead:
		return find(r.reads, id)
	case KindWrite:
		return find(r.writes, id)
	case KindCancel:
		return find(r.cancels, id)
	case KindClose:
		return find(r.closes, id)
	case KindTimeout:
		return find(r.timeouts, id)
	case KindShutdown:
		return find(r.shutdowns, id)
	case KindNop:
		return find(r.nops, id)
	case KindSocket:
		return find(r.sockets, id)
	}
	return nil, false
}

func find[T Record](p *pool.Pool[T], id uint64) (Record, bool) {
	rec, ok := p.Get(id)
	if !ok {
		return nil, false
	}
	return rec, true
}

// Release hands a drained record back to its pool. An accept record whose
// multishot request is still armed stays with the reactor and false is
// returned, as it is for a record that is not currently borrowed.
func (r *Reactor) Release(rec Record) bool {
	switch v := rec.(type) {
	case *AcceptState:
		if v.multishot {
			return false
		}
		return r.accepts.Return(v)
	case *ReadState:
		return r.reads.Return(v)
	case *WriteState:
		return r.writes.Return(v)
	case *CancelState:
		return r.cancels.Return(v)
	case *CloseState:
		return r.closes.Return(v)
	case *TimeoutState:
		return r.timeouts.Return(v)
	case *ShutdownState:
		return r.shutdowns.Return(v)
	case *NopState:
		return r.nops.Return(v)
	case *SocketState:
		return r.sockets.Return(v)
	}
	return false
}

// ReleaseAll releases every record in recs and returns how many went back.
func (r *Reactor) ReleaseAll(recs []Record) int {
	n := 0
	for _, rec := range recs {
		if r.Release(rec) {
			n++
		}
	}
	return n
}

// Close tears the ring down. Records still borrowed become unusable;
// descriptors they refer to are not closed.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.listeners = make(map[int]*AcceptState)
	if err := r.ring.Close(); err != nil {
		return fmt.Errorf("close ring: %w", err)
	}
	r.logger.Info("reactor closed")
	return nil
}
