package reactor

import (
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-reactor/internal/kernel"
	"github.com/ehrlich-b/go-reactor/internal/token"
	"github.com/ehrlich-b/go-reactor/internal/uring"
)

func modernKernel() Features {
	return uring.FeaturesFor(kernel.Version{Major: 6, Minor: 1})
}

func legacyKernel() Features {
	return uring.FeaturesFor(kernel.Version{Major: 5, Minor: 10})
}

func newTestReactor(t *testing.T, features Features, mutate ...func(*Config)) (*Reactor, *Simulator) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PoolPrealloc = 4
	cfg.PoolRetention = 16
	for _, m := range mutate {
		m(&cfg)
	}
	r, sim, err := NewSimulated(cfg, features, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, sim
}

func drain(t *testing.T, r *Reactor) []Record {
	t.Helper()
	recs, err := r.PollBatch(nil, 0)
	require.NoError(t, err)
	return recs
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero queue depth", func(c *Config) { c.QueueDepth = 0 }},
		{"zero read buffer", func(c *Config) { c.ReadBufferSize = 0 }},
		{"negative retention", func(c *Config) { c.PoolRetention = -1 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"max batch above ceiling", func(c *Config) { c.MaxBatch = MaxBatchCeiling + 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
			_, _, err := NewSimulated(cfg, modernKernel(), nil)
			assert.Error(t, err)
		})
	}
}

func TestNewRejectsOldKernel(t *testing.T) {
	_, err := New(DefaultConfig(), &Options{Features: &Features{}})
	assert.True(t, errors.Is(err, ErrKernelNotSupported))
}

func TestMultishotAcceptDeliversEachConnection(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())

	acc, err := r.QueueAccept(3)
	require.NoError(t, err)
	require.Equal(t, OpMultishotAccept, sim.Last().Op)
	assert.Equal(t, 3, sim.Last().FD)
	assert.True(t, acc.Multishot())
	require.NoError(t, r.Flush())

	sim.CompleteMore(acc, 7)
	sim.CompleteMore(acc, 8)
	recs := drain(t, r)
	require.Len(t, recs, 2)

	for i, want := range []int{7, 8} {
		conn, ok := recs[i].(*AcceptState)
		require.True(t, ok)
		assert.NotSame(t, acc, conn)
		assert.Equal(t, want, conn.FD())
		assert.Equal(t, 3, conn.Listener())
		assert.False(t, conn.Multishot())
		assert.NoError(t, conn.Err())
		assert.True(t, r.Release(conn))
	}

	// Still armed, nothing re-queued and the armed record stays put.
	assert.Len(t, sim.Requests(), 1)
	assert.Equal(t, 0, r.Pending())
	assert.False(t, r.Release(acc))

	// A completion without the more flag ends the request and re-arms.
	sim.Complete(acc, 9)
	recs = drain(t, r)
	require.Len(t, recs, 1)
	assert.Same(t, acc, recs[0])
	assert.Equal(t, 9, acc.FD())
	assert.False(t, acc.Multishot())

	require.Len(t, sim.Requests(), 2)
	assert.Equal(t, OpMultishotAccept, sim.Last().Op)
	assert.Equal(t, 3, sim.Last().FD)
	assert.Equal(t, 1, r.Pending())
	assert.True(t, r.Release(acc))
}

func TestOneShotAcceptRearmsAfterEveryCompletion(t *testing.T) {
	r, sim := newTestReactor(t, legacyKernel())

	acc, err := r.QueueAccept(3)
	require.NoError(t, err)
	require.Equal(t, OpAccept, sim.Last().Op)
	require.NoError(t, r.Flush())

	for i, fd := range []int32{10, 11, 12} {
		sim.Complete(acc, fd)
		rec, err := r.PollOne()
		require.NoError(t, err)
		require.Same(t, acc, rec)
		assert.Equal(t, int(fd), acc.FD())

		require.Len(t, sim.Requests(), i+2)
		next := sim.Last()
		assert.Equal(t, OpAccept, next.Op)
		assert.Equal(t, 3, next.FD)
		require.True(t, r.Release(acc))

		k, id := token.Decode(next.UserData)
		require.Equal(t, uint8(KindAccept), k)
		armed, ok := r.accepts.Get(id)
		require.True(t, ok)
		acc = armed
		require.NoError(t, r.Flush())
	}
}

func TestAcceptNotRearmedOnListenerFailure(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.EBADF, syscall.ENOTSOCK, syscall.EINVAL} {
		t.Run(errno.Error(), func(t *testing.T) {
			r, sim := newTestReactor(t, modernKernel())
			acc, err := r.QueueAccept(3)
			require.NoError(t, err)
			require.NoError(t, r.Flush())

			sim.CompleteErrno(acc, errno)
			rec, err := r.PollOne()
			require.NoError(t, err)
			require.Same(t, acc, rec)
			assert.Error(t, acc.Err())
			assert.Equal(t, -1, acc.FD())
			assert.Len(t, sim.Requests(), 1)
			assert.True(t, r.Release(acc))
		})
	}
}

func TestAcceptRearmedOnConnectionError(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())
	acc, err := r.QueueAccept(3)
	require.NoError(t, err)
	require.NoError(t, r.Flush())

	sim.CompleteErrno(acc, syscall.ECONNABORTED)
	rec, err := r.PollOne()
	require.NoError(t, err)
	assert.True(t, IsCode(rec.Err(), ErrGeneric))
	assert.Len(t, sim.Requests(), 2)
}

func TestStopAccept(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())
	acc, err := r.QueueAccept(3)
	require.NoError(t, err)
	require.NoError(t, r.Flush())

	cancel, err := r.StopAccept(3)
	require.NoError(t, err)
	req := sim.Last()
	assert.Equal(t, OpCancelFD, req.Op)
	assert.Equal(t, 3, req.FD)
	assert.NotZero(t, req.Flags&uring.AsyncCancelAll)
	require.NoError(t, r.Flush())

	sim.CompleteErrno(acc, syscall.ECANCELED)
	sim.Complete(cancel, 0)
	recs := drain(t, r)
	require.Len(t, recs, 2)

	assert.True(t, IsCode(acc.Err(), ErrCancelled))
	assert.NoError(t, cancel.Err())
	assert.Len(t, sim.Requests(), 2, "cancelled accept must not be re-armed")
	assert.Equal(t, 2, r.ReleaseAll(recs))
}

func TestStopAcceptFailureKeepsListener(t *testing.T) {
	t.Run("no cancel support", func(t *testing.T) {
		r, sim := newTestReactor(t, legacyKernel())
		acc, err := r.QueueAccept(3)
		require.NoError(t, err)
		require.NoError(t, r.Flush())

		_, err = r.StopAccept(3)
		assert.True(t, errors.Is(err, ErrNotSupported))

		sim.Complete(acc, 9)
		drain(t, r)
		assert.Len(t, sim.Requests(), 2, "listener still re-armed")
	})

	t.Run("queue full", func(t *testing.T) {
		r, sim := newTestReactor(t, modernKernel())
		acc, err := r.QueueAccept(3)
		require.NoError(t, err)
		sim.SetCapacity(1)

		_, err = r.StopAccept(3)
		assert.True(t, errors.Is(err, ErrSubmissionQueueFull))
		require.NoError(t, r.Flush())

		sim.Complete(acc, 9)
		drain(t, r)
		reqs := sim.Requests()
		require.Len(t, reqs, 2)
		assert.Equal(t, OpMultishotAccept, reqs[1].Op)
	})
}

func TestTeardownErrorsIgnored(t *testing.T) {
	errnos := []syscall.Errno{syscall.EBADF, syscall.ENOENT, syscall.ENOTCONN, syscall.ECANCELED}
	queue := map[string]func(*Reactor) (Record, error){
		"close":    func(r *Reactor) (Record, error) { return r.QueueClose(5) },
		"cancel":   func(r *Reactor) (Record, error) { return r.QueueCancel(5) },
		"shutdown": func(r *Reactor) (Record, error) { return r.QueueShutdown(5, unix.SHUT_RDWR) },
	}

	for name, q := range queue {
		for _, errno := range errnos {
			t.Run(name+"/"+errno.Error(), func(t *testing.T) {
				r, sim := newTestReactor(t, modernKernel())
				rec, err := q(r)
				require.NoError(t, err)
				sim.CompleteErrno(rec, errno)

				got, err := r.PollOne()
				require.NoError(t, err)
				require.Same(t, rec, got)
				assert.NoError(t, got.Err())
			})
		}
	}
}

func TestTeardownOtherErrorsReported(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())
	rec, err := r.QueueClose(5)
	require.NoError(t, err)
	sim.CompleteErrno(rec, syscall.EIO)

	_, err = r.PollOne()
	require.NoError(t, err)
	assert.True(t, IsCode(rec.Err(), ErrGeneric))
	assert.True(t, IsErrno(rec.Err(), syscall.EIO))
}

func TestNopErrorsIgnored(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())
	nop, err := r.QueueNop(-1)
	require.NoError(t, err)
	assert.Equal(t, OpNop, sim.Last().Op)
	sim.CompleteErrno(nop, syscall.EINVAL)

	_, err = r.PollOne()
	require.NoError(t, err)
	assert.NoError(t, nop.Err())
}

func TestReadOnClosedDescriptor(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())
	rd, err := r.QueueRead(99, 4096)
	require.NoError(t, err)
	assert.Len(t, sim.Last().Buf, 4096)

	sim.CompleteErrno(rd, syscall.EBADF)
	rec, err := r.PollOne()
	require.NoError(t, err)
	require.Same(t, rd, rec)

	assert.True(t, IsCode(rd.Err(), ErrBadFileDescriptor))
	assert.True(t, errors.Is(rd.Err(), ErrBadFileDescriptor))
	assert.True(t, errors.Is(rd.Err(), syscall.EBADF))
	assert.Equal(t, -1, rd.N())
	assert.Equal(t, 4096, rd.Len())
	assert.Equal(t, 99, rd.FD())
	assert.Nil(t, rd.Bytes())
}

func TestReadDefaultLength(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())
	rd, err := r.QueueRead(4, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultReadBufferSize, rd.Len())

	copy(sim.Last().Buf, "hello")
	sim.Complete(rd, 5)
	_, err = r.PollOne()
	require.NoError(t, err)
	assert.Equal(t, 5, rd.N())
	assert.Equal(t, "hello", string(rd.Bytes()))
}

func TestReadRecordReuseClearsState(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel(), func(c *Config) {
		c.PoolPrealloc = 1
	})
	rd, err := r.QueueRead(4, 16)
	require.NoError(t, err)
	copy(sim.Last().Buf, "stale")
	sim.Complete(rd, 5)
	_, err = r.PollOne()
	require.NoError(t, err)
	require.True(t, r.Release(rd))

	again, err := r.QueueRead(6, 8)
	require.NoError(t, err)
	assert.Same(t, rd, again)
	assert.Equal(t, -1, again.N())
	assert.Equal(t, 6, again.FD())
	assert.Equal(t, make([]byte, 8), again.Buffer())
}

func TestWriteCompletion(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())
	payload := []byte("0123456789")

	wr, err := r.QueueWrite(5, payload)
	require.NoError(t, err)
	assert.Equal(t, OpWrite, sim.Last().Op)
	assert.Equal(t, payload, sim.Last().Buf)

	sim.Complete(wr, 10)
	_, err = r.PollOne()
	require.NoError(t, err)
	assert.NoError(t, wr.Err())
	assert.Equal(t, 10, wr.N())
	assert.Equal(t, 10, wr.Len())
	assert.Nil(t, wr.Remaining())

	short, err := r.QueueWrite(5, payload)
	require.NoError(t, err)
	sim.Complete(short, 4)
	_, err = r.PollOne()
	require.NoError(t, err)
	assert.Equal(t, "456789", string(short.Remaining()))
}

func TestWriteFailureDiagnostic(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())
	wr, err := r.QueueWrite(5, []byte("hello"))
	require.NoError(t, err)
	sim.CompleteErrno(wr, syscall.EPIPE)

	_, err = r.PollOne()
	require.NoError(t, err)
	require.Error(t, wr.Err())
	assert.True(t, IsCode(wr.Err(), ErrGeneric))
	assert.Contains(t, wr.Err().Error(), `write(5, "hello", 5) failed, EPIPE`)
	assert.Equal(t, -1, wr.N())
}

func TestTimeout(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())

	tm, err := r.QueueTimeout(500 * time.Millisecond)
	require.NoError(t, err)
	req := sim.Last()
	require.Equal(t, OpTimeout, req.Op)
	assert.Equal(t, int64(0), int64(req.Timeout.Sec))
	assert.Equal(t, int64(500_000_000), int64(req.Timeout.Nsec))
	assert.Equal(t, 500*time.Millisecond, tm.Duration())

	sim.CompleteErrno(tm, syscall.ETIME)
	_, err = r.PollOne()
	require.NoError(t, err)
	assert.True(t, tm.Fired())
	assert.NoError(t, tm.Err())
	require.True(t, r.Release(tm))

	cancelled, err := r.QueueTimeout(time.Second)
	require.NoError(t, err)
	sim.CompleteErrno(cancelled, syscall.ECANCELED)
	_, err = r.PollOne()
	require.NoError(t, err)
	assert.False(t, cancelled.Fired())
	assert.True(t, IsCode(cancelled.Err(), ErrCancelled))
}

func TestShutdownAndSocket(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())

	sh, err := r.QueueShutdown(7, unix.SHUT_WR)
	require.NoError(t, err)
	assert.Equal(t, OpShutdown, sim.Last().Op)
	assert.Equal(t, unix.SHUT_WR, sim.Last().How)
	assert.Equal(t, unix.SHUT_WR, sh.How())

	sock, err := r.QueueSocket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	req := sim.Last()
	assert.Equal(t, OpSocket, req.Op)
	assert.Equal(t, unix.AF_INET, req.Domain)
	assert.Equal(t, unix.SOCK_STREAM, req.Type)

	sim.Complete(sh, 0)
	sim.Complete(sock, 12)
	recs := drain(t, r)
	require.Len(t, recs, 2)
	assert.NoError(t, sh.Err())
	assert.Equal(t, 12, sock.Socket())
	assert.Equal(t, -1, sock.FD())
	assert.Equal(t, unix.AF_INET, sock.Domain())
}

func TestUnsupportedOperations(t *testing.T) {
	r, sim := newTestReactor(t, legacyKernel())

	_, err := r.QueueShutdown(5, unix.SHUT_RDWR)
	assert.True(t, errors.Is(err, ErrNotSupported))
	_, err = r.QueueSocket(unix.AF_INET, unix.SOCK_STREAM, 0)
	assert.True(t, errors.Is(err, ErrNotSupported))
	_, err = r.QueueCancel(5)
	assert.True(t, errors.Is(err, ErrNotSupported))

	assert.Empty(t, sim.Requests())
	assert.Equal(t, 0, r.Pending())
}

func TestPoolRetentionCap(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel(), func(c *Config) {
		c.PoolRetention = 2
	})

	var nops []Record
	for i := 0; i < 3; i++ {
		nop, err := r.QueueNop(-1)
		require.NoError(t, err)
		sim.Complete(nop, 0)
		nops = append(nops, nop)
	}
	recs := drain(t, r)
	require.Len(t, recs, 3)

	borrowed, _ := r.PoolStats(KindNop)
	assert.Equal(t, 3, borrowed)
	assert.Equal(t, 3, r.ReleaseAll(nops))

	borrowed, unused := r.PoolStats(KindNop)
	assert.Equal(t, 0, borrowed)
	assert.Equal(t, 2, unused)
}

func TestReleaseRejectsDoubleRelease(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())
	nop, err := r.QueueNop(-1)
	require.NoError(t, err)
	sim.Complete(nop, 0)
	_, err = r.PollOne()
	require.NoError(t, err)

	assert.True(t, r.Release(nop))
	assert.False(t, r.Release(nop))
	assert.False(t, r.Release(nil))
}

func TestEagerFlushWithoutSubmitAll(t *testing.T) {
	r, sim := newTestReactor(t, legacyKernel())

	rd, err := r.QueueRead(4, 0)
	require.NoError(t, err)
	require.NoError(t, r.Flush())
	require.Equal(t, 1, sim.SubmitCalls())

	_, err = r.QueueNop(-1)
	require.NoError(t, err)
	require.Equal(t, 1, r.Pending())

	sim.CompleteErrno(rd, syscall.ECONNRESET)
	_, err = r.PollOne()
	require.NoError(t, err)
	assert.True(t, IsCode(rd.Err(), ErrConnectionReset))
	assert.Equal(t, 2, sim.SubmitCalls())
	assert.Equal(t, 0, r.Pending())
}

func TestNoEagerFlushWithSubmitAll(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())

	rd, err := r.QueueRead(4, 0)
	require.NoError(t, err)
	require.NoError(t, r.Flush())
	_, err = r.QueueNop(-1)
	require.NoError(t, err)

	sim.CompleteErrno(rd, syscall.ECONNRESET)
	_, err = r.PollOne()
	require.NoError(t, err)
	assert.Equal(t, 1, sim.SubmitCalls())
	assert.Equal(t, 1, r.Pending())
}

func TestSubmissionQueueFull(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())
	sim.SetCapacity(1)

	_, err := r.QueueNop(-1)
	require.NoError(t, err)

	_, err = r.QueueRead(4, 0)
	assert.True(t, errors.Is(err, ErrSubmissionQueueFull))
	borrowed, _ := r.PoolStats(KindRead)
	assert.Equal(t, 0, borrowed)
	assert.Equal(t, 1, r.Pending())

	require.NoError(t, r.Flush())
	_, err = r.QueueRead(4, 0)
	assert.NoError(t, err)
}

func TestFlushIfPending(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())
	require.NoError(t, r.FlushIfPending())
	assert.Equal(t, 0, sim.SubmitCalls())

	_, err := r.QueueNop(-1)
	require.NoError(t, err)
	require.NoError(t, r.FlushIfPending())
	assert.Equal(t, 1, sim.SubmitCalls())
	assert.Len(t, sim.Submitted(), 1)
	assert.Empty(t, sim.Prepared())
}

func TestSubmitFailure(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())
	_, err := r.QueueNop(-1)
	require.NoError(t, err)

	sim.FailSubmit(syscall.EBUSY)
	err = r.Flush()
	assert.True(t, errors.Is(err, ErrSubmit))
	assert.True(t, errors.Is(err, syscall.EBUSY))
	assert.Equal(t, 1, r.Pending())

	sim.FailSubmit(nil)
	assert.NoError(t, r.Flush())
	assert.Equal(t, 0, r.Pending())
}

func TestPollBatchLimits(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel(), func(c *Config) {
		c.BatchSize = 4
		c.MaxBatch = 10
	})

	for i := 0; i < 25; i++ {
		nop, err := r.QueueNop(-1)
		require.NoError(t, err)
		sim.Complete(nop, 0)
	}
	require.NoError(t, r.Flush())

	recs := drain(t, r)
	assert.Len(t, recs, 10)
	assert.Equal(t, 15, sim.Ready())

	recs, err := r.PollBatch(recs[:0], 2)
	require.NoError(t, err)
	assert.Len(t, recs, 10)
	assert.Equal(t, 5, sim.Ready())

	recs = drain(t, r)
	assert.Len(t, recs, 5)
	assert.Equal(t, 0, sim.Ready())

	assert.Empty(t, drain(t, r))
}

func TestPollOneEmpty(t *testing.T) {
	r, _ := newTestReactor(t, modernKernel())
	rec, err := r.PollOne()
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUnknownTokenSkipped(t *testing.T) {
	m := NewMetrics()
	cfg := DefaultConfig()
	r, sim, err := NewSimulated(cfg, modernKernel(), &Options{Observer: NewMetricsObserver(m)})
	require.NoError(t, err)
	defer r.Close()

	sim.CompleteToken(token.Encode(uint8(KindRead), 999), 0, 0)
	sim.CompleteToken(token.Encode(0xEE, 1), 0, 0)
	nop, err := r.QueueNop(-1)
	require.NoError(t, err)
	sim.Complete(nop, 0)

	rec, err := r.PollOne()
	require.NoError(t, err)
	assert.Same(t, nop, rec)
	assert.Equal(t, uint64(2), m.Snapshot().UnknownCompletions)
}

func TestWaitOneAndSubmitAndWait(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())

	nop, err := r.QueueNop(-1)
	require.NoError(t, err)
	sim.OnWait(func(s *Simulator) { s.Complete(nop, 0) })

	recs, err := r.SubmitAndWait(nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Same(t, nop, recs[0])
	assert.Equal(t, 0, r.Pending())
	require.True(t, r.Release(nop))

	tm, err := r.QueueTimeout(time.Millisecond)
	require.NoError(t, err)
	sim.OnWait(func(s *Simulator) { s.CompleteErrno(tm, syscall.ETIME) })
	rec, err := r.WaitOne()
	require.NoError(t, err)
	assert.Same(t, tm, rec)
	assert.True(t, tm.Fired())

	sim.OnWait(nil)
	sim.FailWait(syscall.EINTR)
	_, err = r.WaitOne()
	assert.True(t, errors.Is(err, ErrWait))
}

func TestClosedReactor(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.True(t, sim.Closed())

	_, err := r.QueueNop(-1)
	assert.True(t, IsClosed(err))
	assert.True(t, errors.Is(r.Flush(), ErrClosed))
	_, err = r.PollOne()
	assert.True(t, IsClosed(err))
	_, err = r.PollBatch(nil, 0)
	assert.True(t, IsClosed(err))
	_, err = r.WaitOne()
	assert.True(t, IsClosed(err))
}

func TestTokensCarryKind(t *testing.T) {
	r, sim := newTestReactor(t, modernKernel())
	_, err := r.QueueRead(4, 0)
	require.NoError(t, err)
	_, err = r.QueueWrite(4, []byte("x"))
	require.NoError(t, err)
	_, err = r.QueueClose(4)
	require.NoError(t, err)

	var kinds []string
	for _, req := range sim.Requests() {
		k, _ := token.Decode(req.UserData)
		kinds = append(kinds, Kind(k).String())
	}
	assert.Equal(t, "READ,WRITE,CLOSE", strings.Join(kinds, ","))
}
