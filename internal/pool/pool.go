// Package pool provides the identity-keyed object pools that back operation
// state records, and the shared read-buffer pool.
package pool

import (
	"fmt"

	"github.com/ehrlich-b/go-reactor/internal/token"
)

// Object is a poolable record. The identity is fixed by the constructor
// passed to New and never changes afterwards.
type Object interface {
	ID() uint64
	Reset()
}

// Discarder is implemented by objects that hold resources worth handing back
// when the pool drops them instead of retaining them.
type Discarder interface {
	Discard()
}

// Pool hands out objects with identities that are unique among borrowed
// objects. It is not safe for concurrent use.
type Pool[T Object] struct {
	newFn     func(id uint64) T
	borrowed  map[uint64]T
	unused    []T
	maxUnused int
	nextID    uint64
	freeIDs   []uint64 // identities of discarded objects, reused before nextID
}

// New creates a pool that retains at most maxUnused idle objects.
func New[T Object](newFn func(id uint64) T, maxUnused int) *Pool[T] {
	if maxUnused < 0 {
		maxUnused = 0
	}
	return &Pool[T]{
		newFn:     newFn,
		borrowed:  make(map[uint64]T),
		maxUnused: maxUnused,
	}
}

// Prefill materialises n objects onto the free stack.
func (p *Pool[T]) Prefill(n int) {
	for i := 0; i < n; i++ {
		p.unused = append(p.unused, p.create())
	}
}

// Borrow returns an idle object, creating max(borrowed/2, 1) new ones first
// when none are idle.
func (p *Pool[T]) Borrow() T {
	if len(p.unused) == 0 {
		p.Prefill(max(len(p.borrowed)/2, 1))
	}

	last := len(p.unused) - 1
	obj := p.unused[last]
	var zero T
	p.unused[last] = zero
	p.unused = p.unused[:last]

	p.borrowed[obj.ID()] = obj
	return obj
}

// Get looks up a borrowed object by identity.
func (p *Pool[T]) Get(id uint64) (T, bool) {
	obj, ok := p.borrowed[id]
	return obj, ok
}

// Return resets obj and takes it back. The object is kept for reuse while the
// free stack is below capacity and dropped otherwise. It reports false when
// obj is not currently borrowed from this pool.
func (p *Pool[T]) Return(obj T) bool {
	id := obj.ID()
	cur, ok := p.borrowed[id]
	if !ok || any(cur) != any(obj) {
		return false
	}
	delete(p.borrowed, id)

	obj.Reset()
	if len(p.unused) < p.maxUnused {
		p.unused = append(p.unused, obj)
		return true
	}

	if d, ok := any(obj).(Discarder); ok {
		d.Discard()
	}
	p.freeIDs = append(p.freeIDs, id)
	return true
}

// Borrowed returns the number of objects currently lent out.
func (p *Pool[T]) Borrowed() int { return len(p.borrowed) }

// Unused returns the number of idle objects on the free stack.
func (p *Pool[T]) Unused() int { return len(p.unused) }

// Cap returns the retention cap.
func (p *Pool[T]) Cap() int { return p.maxUnused }

func (p *Pool[T]) create() T {
	var id uint64
	if n := len(p.freeIDs); n > 0 {
		id = p.freeIDs[n-1]
		p.freeIDs = p.freeIDs[:n-1]
	} else {
		if p.nextID > token.MaxID {
			panic(fmt.Sprintf("pool: identity space exhausted at %d", p.nextID))
		}
		id = p.nextID
		p.nextID++
	}
	return p.newFn(id)
}
