// Package echo is a TCP echo server driven by a single reactor.
package echo

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"syscall"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	reactor "github.com/ehrlich-b/go-reactor"
	"github.com/ehrlich-b/go-reactor/internal/logging"
)

type Config struct {
	Address   string
	Backlog   int
	ReadSize  int
	Heartbeat time.Duration // how often the loop wakes to check for Stop
	Reactor   reactor.Config
	Features  *reactor.Features // nil detects from the kernel
	Logger    *logging.Logger
	Observer  reactor.Observer
}

// Stats is a snapshot of the runner's counters.
type Stats struct {
	Accepted    uint64
	Active      int64
	BytesEchoed uint64
}

// Runner accepts connections and echoes whatever they send.
type Runner struct {
	cfg      Config
	r        *reactor.Reactor
	listenFD int
	logger   *logging.Logger

	running  atomic.Bool
	accepted atomic.Uint64
	active   atomic.Int64
	echoed   atomic.Uint64

	// Owned by the loop goroutine.
	conns map[int]*conn
	ops   map[reactor.Record]*conn
	batch []reactor.Record

	done chan struct{}
}

// conn is one accepted connection. At most one read and one write are in
// flight at a time; payloads read while a write is outstanding wait in
// pending.
type conn struct {
	fd      int
	pending *queue.Queue
	writing bool
	closing bool
}

// NewRunner opens the listening socket and the reactor.
func NewRunner(config Config) (*Runner, error) {
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}

	fd, err := listen(config.Address, config.Backlog)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", config.Address, err)
	}
	logger.Debug("listening", "address", config.Address, "fd", fd)

	r, err := reactor.New(config.Reactor, &reactor.Options{
		Logger:   logger,
		Observer: config.Observer,
		Features: config.Features,
	})
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("create reactor: %w", err)
	}

	return newRunner(config, r, fd), nil
}

func newRunner(config Config, r *reactor.Reactor, listenFD int) *Runner {
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if config.ReadSize <= 0 {
		config.ReadSize = config.Reactor.ReadBufferSize
	}
	if config.Heartbeat <= 0 {
		config.Heartbeat = 500 * time.Millisecond
	}
	return &Runner{
		cfg:      config,
		r:        r,
		listenFD: listenFD,
		logger:   logger.WithFD(listenFD),
		conns:    make(map[int]*conn),
		ops:      make(map[reactor.Record]*conn),
		done:     make(chan struct{}),
	}
}

// Addr returns the address the listener is bound to.
func (rt *Runner) Addr() string {
	return localAddr(rt.listenFD)
}

// Start arms the listener and runs the I/O loop on its own goroutine.
func (rt *Runner) Start() error {
	if err := rt.prime(); err != nil {
		return fmt.Errorf("prime: %w", err)
	}
	go rt.ioLoop()
	return nil
}

// prime queues the accept and the first heartbeat.
func (rt *Runner) prime() error {
	rt.running.Store(true)
	if _, err := rt.r.QueueAccept(rt.listenFD); err != nil {
		return err
	}
	if _, err := rt.r.QueueTimeout(rt.cfg.Heartbeat); err != nil {
		return err
	}
	return rt.r.Flush()
}

// Stop asks the loop to finish and waits for it, at most until ctx is done.
func (rt *Runner) Stop(ctx context.Context) error {
	rt.running.Store(false)
	select {
	case <-rt.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop and releases the reactor and the listener.
func (rt *Runner) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*rt.cfg.Heartbeat)
	defer cancel()
	if err := rt.Stop(ctx); err != nil {
		rt.logger.Warn("I/O loop did not stop in time", "error", err)
	}

	err := rt.r.Close()
	if rt.listenFD >= 0 {
		unix.Close(rt.listenFD)
		rt.listenFD = -1
	}
	return err
}

// Stats returns the runner's counters. Safe to call from any goroutine.
func (rt *Runner) Stats() Stats {
	return Stats{
		Accepted:    rt.accepted.Load(),
		Active:      rt.active.Load(),
		BytesEchoed: rt.echoed.Load(),
	}
}

// ioLoop is the main I/O processing loop
func (rt *Runner) ioLoop() {
	// The reactor is single-threaded; keep it on one OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(rt.done)

	rt.logger.Info("I/O loop started")
	for rt.running.Load() {
		if err := rt.step(); err != nil {
			rt.logger.Error("I/O loop failed", "error", err)
			break
		}
	}
	rt.teardown()
	rt.logger.Info("I/O loop stopped", "accepted", rt.accepted.Load())
}

// step flushes, waits for at least one completion and handles a batch.
func (rt *Runner) step() error {
	recs, err := rt.r.SubmitAndWait(rt.batch[:0])
	for _, rec := range recs {
		rt.handle(rec)
	}
	rt.r.ReleaseAll(recs)
	rt.batch = recs[:0]
	if err != nil && !errors.Is(err, syscall.EINTR) {
		return err
	}
	return nil
}

func (rt *Runner) handle(rec reactor.Record) {
	switch v := rec.(type) {
	case *reactor.AcceptState:
		rt.onAccept(v)
	case *reactor.ReadState:
		rt.onRead(v)
	case *reactor.WriteState:
		rt.onWrite(v)
	case *reactor.TimeoutState:
		rt.onHeartbeat(v)
	default:
		delete(rt.ops, rec)
		if err := rec.Err(); err != nil {
			rt.logger.Warn("teardown failed", "op", rec.Kind().String(), "fd", rec.FD(), "error", err)
		}
	}
}

func (rt *Runner) onAccept(a *reactor.AcceptState) {
	if err := a.Err(); err != nil {
		if !errors.Is(err, reactor.ErrCancelled) {
			rt.logger.Warn("accept failed", "error", err)
		}
		return
	}
	if !rt.running.Load() {
		unix.Close(a.FD())
		return
	}

	c := &conn{fd: a.FD(), pending: queue.New()}
	rt.conns[c.fd] = c
	rt.accepted.Inc()
	rt.active.Inc()
	rt.logger.Debug("connection accepted", "conn", c.fd, "remote", fmt.Sprint(a.RemoteAddr()))
	rt.read(c)
}

func (rt *Runner) onRead(rd *reactor.ReadState) {
	c := rt.ops[rd]
	delete(rt.ops, rd)
	if c == nil || c.closing {
		return
	}
	if err := rd.Err(); err != nil || rd.N() == 0 {
		if err != nil && !errors.Is(err, reactor.ErrConnectionReset) {
			rt.logger.Warn("read failed", "conn", c.fd, "error", err)
		}
		rt.closeConn(c)
		return
	}

	// The read buffer goes back to the pool with the record.
	payload := make([]byte, rd.N())
	copy(payload, rd.Bytes())
	if c.writing {
		c.pending.Add(payload)
	} else {
		rt.write(c, payload)
	}
	rt.read(c)
}

func (rt *Runner) onWrite(wr *reactor.WriteState) {
	c := rt.ops[wr]
	delete(rt.ops, wr)
	if c == nil {
		return
	}
	c.writing = false
	if c.closing {
		return
	}
	if err := wr.Err(); err != nil {
		rt.logger.Warn("write failed", "conn", c.fd, "error", err)
		rt.closeConn(c)
		return
	}

	rt.echoed.Add(uint64(wr.N()))
	if rest := wr.Remaining(); len(rest) > 0 {
		rt.write(c, rest)
		return
	}
	if c.pending.Length() > 0 {
		rt.write(c, c.pending.Remove().([]byte))
	}
}

func (rt *Runner) onHeartbeat(t *reactor.TimeoutState) {
	if err := t.Err(); err != nil {
		rt.logger.Warn("heartbeat failed", "error", err)
	}
	if !rt.running.Load() {
		return
	}
	if _, err := queueRetry(rt, func() (*reactor.TimeoutState, error) {
		return rt.r.QueueTimeout(rt.cfg.Heartbeat)
	}); err != nil {
		rt.logger.Error("failed to queue heartbeat", "error", err)
		rt.running.Store(false)
	}
}

func (rt *Runner) read(c *conn) {
	rec, err := queueRetry(rt, func() (*reactor.ReadState, error) {
		return rt.r.QueueRead(c.fd, rt.cfg.ReadSize)
	})
	if err != nil {
		rt.logger.Warn("failed to queue read", "conn", c.fd, "error", err)
		rt.closeConn(c)
		return
	}
	rt.ops[rec] = c
}

func (rt *Runner) write(c *conn, payload []byte) {
	rec, err := queueRetry(rt, func() (*reactor.WriteState, error) {
		return rt.r.QueueWrite(c.fd, payload)
	})
	if err != nil {
		rt.logger.Warn("failed to queue write", "conn", c.fd, "error", err)
		rt.closeConn(c)
		return
	}
	c.writing = true
	rt.ops[rec] = c
}

// closeConn shuts the connection down and closes it. Operations still in
// flight complete on their own and are dropped.
func (rt *Runner) closeConn(c *conn) {
	if c.closing {
		return
	}
	c.closing = true
	delete(rt.conns, c.fd)
	rt.active.Dec()

	if _, err := rt.r.QueueShutdown(c.fd, unix.SHUT_RDWR); err != nil && !errors.Is(err, reactor.ErrNotSupported) {
		rt.logger.Warn("failed to queue shutdown", "conn", c.fd, "error", err)
	}
	if _, err := queueRetry(rt, func() (*reactor.CloseState, error) {
		return rt.r.QueueClose(c.fd)
	}); err != nil {
		rt.logger.Warn("failed to queue close, closing directly", "conn", c.fd, "error", err)
		unix.Close(c.fd)
	}
	rt.logger.Debug("connection closed", "conn", c.fd)
}

// teardown stops accepting and closes every open connection.
func (rt *Runner) teardown() {
	stop := func() (*reactor.CancelState, error) { return rt.r.StopAccept(rt.listenFD) }
	if _, err := queueRetry(rt, stop); err != nil && !errors.Is(err, reactor.ErrNotSupported) {
		rt.logger.Warn("failed to cancel accept", "error", err)
	}
	for _, c := range rt.conns {
		rt.closeConn(c)
	}
	if err := rt.r.Flush(); err != nil {
		rt.logger.Warn("final flush failed", "error", err)
	}
}

// queueRetry flushes once and retries when the submission queue is full.
func queueRetry[T reactor.Record](rt *Runner, queueFn func() (T, error)) (T, error) {
	rec, err := queueFn()
	if !errors.Is(err, reactor.ErrSubmissionQueueFull) {
		return rec, err
	}
	if ferr := rt.r.Flush(); ferr != nil {
		return rec, ferr
	}
	return queueFn()
}
