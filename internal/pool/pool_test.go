package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	id        uint64
	value     int
	resets    int
	discarded bool
}

func (i *item) ID() uint64 { return i.id }
func (i *item) Reset()     { i.value = 0; i.resets++ }
func (i *item) Discard()   { i.discarded = true }

func newItemPool(maxUnused int) *Pool[*item] {
	return New(func(id uint64) *item { return &item{id: id} }, maxUnused)
}

func TestBorrowOnEmptyPool(t *testing.T) {
	p := newItemPool(8)
	require.Equal(t, 0, p.Unused())

	it := p.Borrow()
	require.NotNil(t, it)
	assert.Equal(t, 1, p.Borrowed())

	got, ok := p.Get(it.ID())
	require.True(t, ok)
	assert.Same(t, it, got)
}

func TestBorrowedIdentitiesAreUnique(t *testing.T) {
	p := newItemPool(16)
	seen := make(map[uint64]bool)

	var live []*item
	for i := 0; i < 100; i++ {
		it := p.Borrow()
		require.False(t, seen[it.ID()], "identity %d handed out twice", it.ID())
		seen[it.ID()] = true
		live = append(live, it)
	}

	// Return half, borrow again: no live identity may be duplicated.
	for _, it := range live[:50] {
		require.True(t, p.Return(it))
		delete(seen, it.ID())
	}
	for i := 0; i < 50; i++ {
		it := p.Borrow()
		require.False(t, seen[it.ID()], "identity %d handed out twice", it.ID())
		seen[it.ID()] = true
	}
	assert.Equal(t, 100, p.Borrowed())
}

func TestGrowthIsHalfOfBorrowed(t *testing.T) {
	p := newItemPool(100)
	for p.Borrowed() < 10 || p.Unused() > 0 {
		p.Borrow()
	}
	borrowed := p.Borrowed()

	// Free stack is empty: the next borrow creates borrowed/2 records and
	// takes one of them.
	p.Borrow()
	assert.Equal(t, borrowed/2-1, p.Unused())
	assert.Equal(t, borrowed+1, p.Borrowed())
}

func TestReturnRemovesFromBorrowed(t *testing.T) {
	p := newItemPool(4)
	it := p.Borrow()
	it.value = 42

	require.True(t, p.Return(it))
	_, ok := p.Get(it.ID())
	assert.False(t, ok)
	assert.Equal(t, 0, it.value)
	assert.Equal(t, 1, it.resets)
}

func TestReturnTwiceIsRejected(t *testing.T) {
	p := newItemPool(4)
	it := p.Borrow()

	require.True(t, p.Return(it))
	assert.False(t, p.Return(it))
	assert.Equal(t, 1, p.Unused())
}

func TestReturnForeignObjectIsRejected(t *testing.T) {
	p := newItemPool(4)
	it := p.Borrow()
	impostor := &item{id: it.ID()}

	assert.False(t, p.Return(impostor))
	assert.Equal(t, 1, p.Borrowed())
}

func TestRetentionCap(t *testing.T) {
	p := newItemPool(2)
	items := []*item{p.Borrow(), p.Borrow(), p.Borrow()}

	for _, it := range items {
		require.True(t, p.Return(it))
	}

	assert.Equal(t, 2, p.Unused())
	assert.Equal(t, 0, p.Borrowed())
	assert.False(t, items[0].discarded)
	assert.False(t, items[1].discarded)
	assert.True(t, items[2].discarded)
}

func TestDiscardedIdentitiesAreReused(t *testing.T) {
	p := newItemPool(0)

	for round := 0; round < 1000; round++ {
		it := p.Borrow()
		require.True(t, p.Return(it))
	}
	// Nothing is ever retained, yet identities stay bounded by the peak
	// live population.
	it := p.Borrow()
	assert.Equal(t, uint64(0), it.ID())
}

func TestPrefill(t *testing.T) {
	p := newItemPool(8)
	p.Prefill(3)
	assert.Equal(t, 3, p.Unused())

	a, b := p.Borrow(), p.Borrow()
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 1, p.Unused())
}
