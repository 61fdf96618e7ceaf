// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package threadcache implements the fast-path tier: a per-owner set of
// free lists, one per size class, that serves most allocations and
// deallocations with no locking and no central-cache traffic at all.
//
// The C++ original keys this tier by OS thread (thread_local ThreadCache*).
// Go goroutines have no stable per-goroutine identity a library can pin
// to, so a Cache is instead checked out of a sync.Pool for the duration
// of one Allocate/Deallocate call and returned immediately after. See
// tcache.go for where the Pool lives.
package threadcache

import (
	"unsafe"

	"github.com/cloudfly/tcmalloc/internal/block"
	"github.com/cloudfly/tcmalloc/internal/sizeclass"
)

// Refiller is the subset of the central cache a thread cache needs: a
// batch source to refill from and a batch sink to return excess to.
type Refiller interface {
	FetchRange(class, batch int) (head unsafe.Pointer, ok bool)
	ReturnRange(head unsafe.Pointer, totalBytes uintptr, class int)
}

// Cache is one owner's set of per-size-class free lists. The zero value
// is not usable; construct with New.
type Cache struct {
	central Refiller

	head  []unsafe.Pointer
	count []int
}

// New constructs a thread cache that refills from and spills excess to
// central.
func New(central Refiller) *Cache {
	return &Cache{
		central: central,
		head:    make([]unsafe.Pointer, sizeclass.FreeListSize),
		count:   make([]int, sizeclass.FreeListSize),
	}
}

// Allocate returns a block of at least n bytes, or ok=false if n doesn't
// fit the tiered cache (the caller must fall back to an oversize path)
// or the central cache reports out-of-memory on a refill.
func (c *Cache) Allocate(n uintptr) (unsafe.Pointer, bool) {
	if !sizeclass.Fits(n) {
		return nil, false
	}
	class := sizeclass.Index(sizeclass.RoundUp(n))

	if c.head[class] == nil {
		if !c.refill(class) {
			return nil, false
		}
	}

	p := c.head[class]
	c.head[class] = block.Next(p)
	c.count[class]--
	return p, true
}

// Deallocate returns a block of size n (the same size requested from
// Allocate) to the free list for its class, spilling half of it to the
// central cache once the list has grown past 2x one refill batch's
// worth. See DESIGN.md. The threshold is checked on every call.
func (c *Cache) Deallocate(ptr unsafe.Pointer, n uintptr) {
	class := sizeclass.Index(sizeclass.RoundUp(n))
	size := sizeclass.BlockSize(class)

	block.SetNext(ptr, c.head[class])
	c.head[class] = ptr
	c.count[class]++

	batch := sizeclass.BatchSize(size)
	if c.count[class] > 2*batch {
		c.spillHalf(class, size, batch)
	}
}

// refill fetches one batch from the central cache and prepends it to the
// class's free list.
func (c *Cache) refill(class int) bool {
	size := sizeclass.BlockSize(class)
	batch := sizeclass.BatchSize(size)

	head, ok := c.central.FetchRange(class, batch)
	if !ok {
		return false
	}
	c.head[class] = head
	c.count[class] = batch
	return true
}

// spillHalf detaches roughly half the class's free list and returns it
// to the central cache, leaving the other half to absorb the next burst
// of deallocates without immediately refilling again.
func (c *Cache) spillHalf(class int, size uintptr, batch int) {
	give := c.count[class] / 2
	if give < batch {
		give = batch
	}
	if give >= c.count[class] {
		return
	}

	head, _, rest, n := block.Walk(c.head[class], give)
	if n == 0 {
		return
	}
	c.head[class] = rest
	c.count[class] -= n

	c.central.ReturnRange(head, uintptr(n)*size, class)
}

// Drain returns every block currently cached for every class back to the
// central cache. tcache.go installs it as a finalizer, so it runs on a
// best-effort basis once the pool has dropped a Cache and it is garbage
// collected; it is
// never required for correctness, only for keeping idle capacity from
// sitting in one goroutine's hands indefinitely. See DESIGN.md, "thread
// cache drain on exit".
func (c *Cache) Drain() {
	for class, head := range c.head {
		if head == nil {
			continue
		}
		size := sizeclass.BlockSize(class)
		c.central.ReturnRange(head, uintptr(c.count[class])*size, class)
		c.head[class] = nil
		c.count[class] = 0
	}
}
