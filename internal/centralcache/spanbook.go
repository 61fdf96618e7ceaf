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

// spanRecord tracks how many blocks sliced from one page-cache span are
// currently off the central free list: in a thread cache or in the
// user's hands. When live reaches zero every block the span was cut
// into is sitting on the central free list; that is what "a span
// becomes wholly free" means in this implementation.
type spanRecord struct {
	start    uintptr
	numPages uintptr
	blockLen uintptr
	live     int32
}

// spanBook maps any block address back to the span it was cut from, the
// same role Go's runtime plays with its arena-indexed span lookup
// (mheap.spans) and the C++ source plays with spanMap_. It is keyed at
// page granularity, so an O(numPages) insert buys an O(1) lookup for any
// block address in the span, not just the span's own base address.
type spanBook struct {
	mu    sync.Mutex
	pages map[uintptr]*spanRecord
}

func newSpanBook() *spanBook {
	return &spanBook{pages: make(map[uintptr]*spanRecord)}
}

func (b *spanBook) register(rec *spanRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for pg := rec.start; pg < rec.start+rec.numPages*pagecache.PageSize; pg += pagecache.PageSize {
		b.pages[pg] = rec
	}
}

func (b *spanBook) forget(rec *spanRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for pg := rec.start; pg < rec.start+rec.numPages*pagecache.PageSize; pg += pagecache.PageSize {
		delete(b.pages, pg)
	}
}

func (b *spanBook) lookup(blockAddr uintptr) *spanRecord {
	pg := blockAddr &^ (pagecache.PageSize - 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pages[pg]
}

// decrementLive walks n blocks of a chain, crediting each one's owning
// span a return. Called from ReturnRange before the blocks are spliced
// onto the visible free list.
func (b *spanBook) decrementLive(head unsafe.Pointer, n int) {
	cur := head
	for i := 0; i < n && cur != nil; i++ {
		next := block.Next(cur)
		if rec := b.lookup(uintptr(cur)); rec != nil {
			atomic.AddInt32(&rec.live, -1)
		}
		cur = next
	}
}

// incrementLive walks n blocks of a chain, crediting each one's owning
// span: these blocks just left the central free list, handed to a
// caller, so they no longer count toward "this span is fully drained".
// Called from FetchRange for every block it detaches, whether freshly
// sliced or recycled from an earlier return.
func (b *spanBook) incrementLive(head unsafe.Pointer, n int) {
	cur := head
	for i := 0; i < n && cur != nil; i++ {
		next := block.Next(cur)
		if rec := b.lookup(uintptr(cur)); rec != nil {
			atomic.AddInt32(&rec.live, 1)
		}
		cur = next
	}
}

func atomicLoadLive(rec *spanRecord) int32 {
	return atomic.LoadInt32(&rec.live)
}

// spanPages computes how many pages to request from the page cache to
// refill size-class blocks of size s: the default SpanPages envelope
// unless s itself doesn't fit in it.
func spanPages(s uintptr) uintptr {
	if s <= sizeclass.SpanPages*sizeclass.PageSize {
		return sizeclass.SpanPages
	}
	return (s + sizeclass.PageSize - 1) / sizeclass.PageSize
}

// lastOf walks a non-nil chain to its tail.
func lastOf(head unsafe.Pointer) unsafe.Pointer {
	cur := head
	for {
		next := block.Next(cur)
		if next == nil {
			return cur
		}
		cur = next
	}
}
