// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tcache

import (
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/cloudfly/tcmalloc/internal/pagecache"
)

// fakeSystemAllocator backs the page cache with ordinary Go memory during
// tests, so nothing here depends on the host's mmap behavior.
type fakeSystemAllocator struct {
	mu   sync.Mutex
	slab []byte
	next uintptr
}

func newFakeSystemAllocator(totalPages int) *fakeSystemAllocator {
	size := totalPages * pagecache.PageSize
	slab := make([]byte, size+pagecache.PageSize)
	base := uintptr(unsafe.Pointer(&slab[0]))
	aligned := (base + pagecache.PageSize - 1) &^ (pagecache.PageSize - 1)
	return &fakeSystemAllocator{slab: slab, next: aligned}
}

func (f *fakeSystemAllocator) Alloc(pages uintptr) (uintptr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr := f.next
	f.next += pages * pagecache.PageSize
	return addr, true
}

func (f *fakeSystemAllocator) Free(uintptr, uintptr) {}

func newTestAllocator(variant Variant) *Allocator {
	return New(
		WithCentralCacheVariant(variant),
		WithSystemAllocator(newFakeSystemAllocator(4096)),
	)
}

func TestAllocateDeallocateSmall(t *testing.T) {
	for _, v := range []Variant{Locked, LockFree} {
		a := newTestAllocator(v)
		p := a.Allocate(24)
		if p == nil {
			t.Fatal("Allocate(24) returned nil")
		}
		a.Deallocate(p, 24)
	}
}

func TestAllocateOversizeGoesToPageCache(t *testing.T) {
	a := newTestAllocator(Locked)
	const n = 1 << 20 // well over MaxBytes
	p := a.Allocate(n)
	if p == nil {
		t.Fatal("Allocate(oversize) returned nil")
	}
	a.Deallocate(p, n)
}

func TestAllocateZeroRoundsUp(t *testing.T) {
	a := newTestAllocator(Locked)
	p := a.Allocate(0)
	if p == nil {
		t.Fatal("Allocate(0) returned nil")
	}
	a.Deallocate(p, 0)
}

func TestCompactDoesNotPanic(t *testing.T) {
	a := newTestAllocator(Locked)
	p := a.Allocate(32)
	a.Deallocate(p, 32)
	a.Compact()
}

func TestConcurrentAllocateDeallocate(t *testing.T) {
	for _, v := range []Variant{Locked, LockFree} {
		a := newTestAllocator(v)
		const goroutines = 16
		const iterations = 500

		var wg sync.WaitGroup
		wg.Add(goroutines)
		for g := 0; g < goroutines; g++ {
			go func(seed int) {
				defer wg.Done()
				for i := 0; i < iterations; i++ {
					size := uintptr(8 + (seed+i)%256)
					p := a.Allocate(size)
					if p == nil {
						t.Error("Allocate returned nil under concurrency")
						return
					}
					*(*byte)(p) = byte(i)
					a.Deallocate(p, size)
				}
			}(g)
		}
		wg.Wait()
	}
}

func TestScavengeLoopStopsCleanly(t *testing.T) {
	a := New(
		WithSystemAllocator(newFakeSystemAllocator(4096)),
		WithScavengeInterval(time.Hour), // effectively never fires during the test
	)
	a.Close()
}
