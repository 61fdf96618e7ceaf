// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package threadcache

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/cloudfly/tcmalloc/internal/block"
	"github.com/cloudfly/tcmalloc/internal/sizeclass"
)

// fakeCentral is an in-memory stand-in for the central cache: a single
// free list per class backed by real memory, guarded by a mutex. It lets
// thread-cache tests assert on refill/spill behavior without pulling in
// the page cache.
type fakeCentral struct {
	mu    sync.Mutex
	head  []unsafe.Pointer
	slabs [][]byte
}

func newFakeCentral() *fakeCentral {
	return &fakeCentral{head: make([]unsafe.Pointer, sizeclass.FreeListSize)}
}

func (f *fakeCentral) FetchRange(class, batch int) (unsafe.Pointer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if head, _, rest, count := block.Walk(f.head[class], batch); count == batch {
		f.head[class] = rest
		return head, true
	}

	size := sizeclass.BlockSize(class)
	slab := make([]byte, int(size)*batch)
	f.slabs = append(f.slabs, slab)
	head, _ := block.BuildChain(unsafe.Pointer(&slab[0]), size, batch)
	return head, true
}

func (f *fakeCentral) ReturnRange(head unsafe.Pointer, totalBytes uintptr, class int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tail := head
	for block.Next(tail) != nil {
		tail = block.Next(tail)
	}
	block.SetNext(tail, f.head[class])
	f.head[class] = head
}

func (f *fakeCentral) countOf(class int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for cur := f.head[class]; cur != nil; cur = block.Next(cur) {
		n++
	}
	return n
}

func TestAllocateRefillsFromCentral(t *testing.T) {
	central := newFakeCentral()
	c := New(central)

	p, ok := c.Allocate(16)
	if !ok || p == nil {
		t.Fatalf("Allocate(16) = %p, %v; want non-nil, true", p, ok)
	}
}

func TestAllocateRejectsOversizeRequest(t *testing.T) {
	c := New(newFakeCentral())
	if _, ok := c.Allocate(sizeclass.MaxBytes + 1); ok {
		t.Fatal("Allocate accepted a request larger than MaxBytes")
	}
}

func TestDeallocateReusesBlock(t *testing.T) {
	central := newFakeCentral()
	c := New(central)

	p, ok := c.Allocate(16)
	if !ok {
		t.Fatal("Allocate failed")
	}
	c.Deallocate(p, 16)

	p2, ok := c.Allocate(16)
	if !ok {
		t.Fatal("second Allocate failed")
	}
	if p2 != p {
		t.Fatalf("Allocate after Deallocate returned %p, want the freed block %p", p2, p)
	}
}

func TestDeallocateSpillsExcessToCentral(t *testing.T) {
	central := newFakeCentral()
	c := New(central)

	const class = 0 // smallest class, 8-byte blocks
	size := sizeclass.BlockSize(class)
	batch := sizeclass.BatchSize(size)

	// Allocate and immediately free 2*batch+1 blocks: this should push the
	// free list over the 2*batch spill threshold at least once.
	blocks := make([]unsafe.Pointer, 0, 2*batch+1)
	for i := 0; i < 2*batch+1; i++ {
		p, ok := c.Allocate(size)
		if !ok {
			t.Fatalf("Allocate #%d failed", i)
		}
		blocks = append(blocks, p)
	}
	for _, p := range blocks {
		c.Deallocate(p, size)
	}

	if got := central.countOf(class); got == 0 {
		t.Fatal("Deallocate never spilled any blocks back to the central cache")
	}
}

func TestDrainReturnsEverything(t *testing.T) {
	central := newFakeCentral()
	c := New(central)

	const class = 1
	size := sizeclass.BlockSize(class)
	p, ok := c.Allocate(size)
	if !ok {
		t.Fatal("Allocate failed")
	}
	c.Deallocate(p, size)

	before := central.countOf(class)
	c.Drain()
	after := central.countOf(class)
	if after <= before {
		t.Fatalf("Drain did not return the cached block: central count %d -> %d", before, after)
	}
	if c.head[class] != nil {
		t.Fatal("Drain left blocks on the local free list")
	}
}
