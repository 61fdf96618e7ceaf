// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package centralcache

import (
	"sync"
	"unsafe"

	"github.com/cloudfly/tcmalloc/internal/block"
	"github.com/cloudfly/tcmalloc/internal/pagecache"
	"github.com/cloudfly/tcmalloc/internal/sizeclass"
)

// Locked is the mutex-and-condvar central cache, grounded on the C++
// source's CentralCache_Lock.h: one mutex and one condition variable per
// size class, not one global lock, so a thread blocked on an exhausted
// class never waits behind unrelated classes' traffic.
type Locked struct {
	pc *pagecache.Cache

	mu   []sync.Mutex
	cond []*sync.Cond
	head []unsafe.Pointer

	book *spanBook
}

// NewLocked constructs a lock-based central cache backed by pc.
func NewLocked(pc *pagecache.Cache) *Locked {
	lc := &Locked{
		pc:   pc,
		mu:   make([]sync.Mutex, sizeclass.FreeListSize),
		cond: make([]*sync.Cond, sizeclass.FreeListSize),
		head: make([]unsafe.Pointer, sizeclass.FreeListSize),
		book: newSpanBook(),
	}
	for i := range lc.cond {
		lc.cond[i] = sync.NewCond(&lc.mu[i])
	}
	return lc
}

// FetchRange implements Cache. It holds the class mutex for the whole
// operation, including the page-cache refill on a miss, matching the
// C++ source's behavior: concurrent misses on the same class serialize
// behind a slow page-cache path. See DESIGN.md.
func (lc *Locked) FetchRange(class, batch int) (unsafe.Pointer, bool) {
	if class < 0 || class >= len(lc.head) || batch <= 0 {
		return nil, false
	}
	size := sizeclass.BlockSize(class)

	lc.mu[class].Lock()
	defer lc.mu[class].Unlock()

	for {
		if head, _, rest, count := block.Walk(lc.head[class], batch); count == batch {
			lc.head[class] = rest
			lc.book.incrementLive(head, batch)
			return head, true
		}

		chainHead, total, ok := lc.refillLocked(class, size)
		if !ok {
			lc.cond[class].Wait()
			continue
		}
		if lc.head[class] == nil {
			lc.head[class] = chainHead
		} else {
			block.SetNext(lastOf(lc.head[class]), chainHead)
		}
		_ = total
		// Loop back around: the list now has at least `total` more
		// blocks than it did, so the Walk above will make progress.
	}
}

// refillLocked requests a span from the page cache sized by spanPages
// and slices it into size-byte blocks, returning the resulting chain and
// its length. Caller holds mu[class].
func (lc *Locked) refillLocked(class int, size uintptr) (head unsafe.Pointer, total int, ok bool) {
	pages := spanPages(size)
	addr, allocated := lc.pc.AllocateSpan(pages)
	if !allocated {
		return nil, 0, false
	}

	total = int((pages * pagecache.PageSize) / size)
	h, _ := block.BuildChain(unsafe.Pointer(addr), size, total)

	// live starts at 0: every freshly sliced block is published straight
	// onto the central free list, not handed to anyone yet. See
	// incrementLive.
	rec := &spanRecord{start: addr, numPages: pages, blockLen: size}
	lc.book.register(rec)

	return h, total, true
}

// ReturnRange implements Cache: splice the chain onto the class's list
// and wake exactly one waiter, mirroring CentralCache_Lock.h's
// returnRange.
func (lc *Locked) ReturnRange(head unsafe.Pointer, totalBytes uintptr, class int) {
	if head == nil || class < 0 || class >= len(lc.head) {
		return
	}
	size := sizeclass.BlockSize(class)
	n := int(totalBytes / size)

	lc.book.decrementLive(head, n)

	lc.mu[class].Lock()
	block.SetNext(lastOf(head), lc.head[class])
	lc.head[class] = head
	lc.mu[class].Unlock()

	lc.cond[class].Signal()
}

// Compact releases any span backing class whose blocks have all drained
// back onto the central free list. See spanbook.go and DESIGN.md for why
// this is a distinct, never-automatic operation rather than something
// ReturnRange triggers inline.
func (lc *Locked) Compact(class int) {
	if class < 0 || class >= len(lc.head) {
		return
	}

	lc.mu[class].Lock()
	var keepHead, keepTail unsafe.Pointer
	drained := map[*spanRecord]struct{}{}
	for cur := lc.head[class]; cur != nil; {
		next := block.Next(cur)
		if rec := lc.book.lookup(uintptr(cur)); rec != nil && atomicLoadLive(rec) == 0 {
			drained[rec] = struct{}{}
		} else {
			block.SetNext(cur, nil)
			if keepTail != nil {
				block.SetNext(keepTail, cur)
			} else {
				keepHead = cur
			}
			keepTail = cur
		}
		cur = next
	}
	lc.head[class] = keepHead
	lc.mu[class].Unlock()

	for rec := range drained {
		lc.book.forget(rec)
		lc.pc.DeallocateSpan(rec.start, rec.numPages)
	}
}
