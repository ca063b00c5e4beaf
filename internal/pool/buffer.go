package pool

import "sync"

// Read buffers are drawn from size-bucketed pools (4KB, 16KB, 64KB, 256KB).
// Requests above the largest bucket get an exact, unpooled allocation.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.

// Buffer size thresholds
const (
	size4k   = 4 * 1024
	size16k  = 16 * 1024
	size64k  = 64 * 1024
	size256k = 256 * 1024
)

// buffers is the process-wide read buffer pool shared by every reactor.
var buffers = struct {
	pool4k   sync.Pool
	pool16k  sync.Pool
	pool64k  sync.Pool
	pool256k sync.Pool
}{
	pool4k:   sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool16k:  sync.Pool{New: func() any { b := make([]byte, size16k); return &b }},
	pool64k:  sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	pool256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
}

// GetBuffer returns a buffer of length size. Contents are not zeroed.
// Caller should call PutBuffer once no kernel operation references it.
func GetBuffer(size int) []byte {
	switch {
	case size <= size4k:
		return (*buffers.pool4k.Get().(*[]byte))[:size]
	case size <= size16k:
		return (*buffers.pool16k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*buffers.pool64k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*buffers.pool256k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer hands a buffer back. Its capacity selects the bucket; buffers
// with a non-bucket capacity are left to the garbage collector.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size4k:
		buffers.pool4k.Put(&buf)
	case size16k:
		buffers.pool16k.Put(&buf)
	case size64k:
		buffers.pool64k.Put(&buf)
	case size256k:
		buffers.pool256k.Put(&buf)
	}
}
