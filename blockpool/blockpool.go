// Package blockpool implements the fixed-capacity KV block handle
// allocator described as BlockPool: a free-list over a pre-sized
// arena of block handles plus capacity accounting. Blocks are owned
// by exactly one of the free list, a RadixCache node, or an in-flight
// request's pending-write buffer; blockpool itself only tracks the
// free/used boundary, never block contents.
package blockpool

import (
	"fmt"

	"github.com/minicore/cpucore/types/errtypes"
)

// Handle is an opaque index into the pool's backing arena.
type Handle = uint32

// Pool is a fixed-capacity allocator of Handles.
type Pool struct {
	capacity int
	pageSize int
	free     []Handle
}

// New creates a Pool of the given capacity (number of blocks) with
// the given page size (tokens per block), pre-populating the free
// list with every handle.
func New(capacity int, pageSize int) *Pool {
	if pageSize <= 0 {
		pageSize = 1
	}
	free := make([]Handle, capacity)
	for i := range free {
		free[i] = Handle(capacity - 1 - i)
	}
	return &Pool{capacity: capacity, pageSize: pageSize, free: free}
}

// PageSize returns the number of tokens held per block.
func (p *Pool) PageSize() int {
	return p.pageSize
}

// Capacity returns the total number of blocks the pool was created
// with.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Free returns the number of currently unallocated blocks.
func (p *Pool) Free() int {
	return len(p.free)
}

// Used returns the number of currently allocated blocks.
func (p *Pool) Used() int {
	return p.capacity - len(p.free)
}

// Allocate removes n handles from the free list and returns them, or
// returns ok=false (and allocates nothing) if fewer than n are free.
func (p *Pool) Allocate(n int) (handles []Handle, ok bool) {
	if n == 0 {
		return nil, true
	}
	if n > len(p.free) {
		return nil, false
	}
	start := len(p.free) - n
	handles = append(handles, p.free[start:]...)
	p.free = p.free[:start]
	return handles, true
}

// Release returns handles to the free list. It does not check for
// duplicate release; callers (RadixCache, RequestTable) are the
// single owner of any given handle at a time and are responsible for
// never releasing a handle twice.
func (p *Pool) Release(handles ...Handle) {
	p.free = append(p.free, handles...)
}

// CheckIntegrity verifies the free-list length plus claimed "used"
// count reconcile with capacity. used is supplied by the caller
// (typically RadixCache.SizeInfo().Total blocks plus in-flight
// pending-write blocks) since the pool itself does not track which
// non-free handles are owned by which subsystem. A mismatch is an
// *errtypes.IntegrityError, fatal per spec.md §7, the same as a
// RadixCache.CheckIntegrity violation.
func (p *Pool) CheckIntegrity(used int) error {
	if used+len(p.free) != p.capacity {
		return &errtypes.IntegrityError{Reason: fmt.Sprintf("blockpool: accounting mismatch: used=%d free=%d capacity=%d", used, len(p.free), p.capacity)}
	}
	return nil
}
