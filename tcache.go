// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tcache is a thread-caching allocator in the tcmalloc family: a
// three-tier small-object allocator with a lock-free fast path, a
// process-wide central free list per size class, and a page-level span
// allocator backed directly by the OS. Requests too large for the tiered
// cache go straight to the page cache.
//
// The public surface is deliberately small: New constructs an Allocator,
// and Allocate/Deallocate are the only operations most callers need.
// Everything else (size classes, the two central-cache variants, span
// coalescing) is an internal collaborator, the same shape as the single
// package runtime exposes for Go's own allocator.
package tcache

import (
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/cloudfly/tcmalloc/internal/centralcache"
	"github.com/cloudfly/tcmalloc/internal/pagecache"
	"github.com/cloudfly/tcmalloc/internal/sizeclass"
	"github.com/cloudfly/tcmalloc/internal/threadcache"
)

// Variant selects which central-cache implementation an Allocator runs.
// Exactly one is active per Allocator; there is no per-call switch.
type Variant int

const (
	// Locked is the mutex-and-condvar central cache. It is the default:
	// simpler to reason about and, absent heavy contention on a single
	// size class, not measurably slower than LockFree.
	Locked Variant = iota
	// LockFree is the CAS-based central cache.
	LockFree
)

// Option configures an Allocator at construction time.
type Option func(*config)

type config struct {
	variant          Variant
	logger           pagecache.Logger
	sys              pagecache.SystemAllocator
	scavengeInterval time.Duration
}

// WithCentralCacheVariant selects the central-cache implementation.
func WithCentralCacheVariant(v Variant) Option {
	return func(c *config) { c.variant = v }
}

// WithLogger routes the page cache's span-growth and OS-escalation log
// lines through l instead of the default logger.
func WithLogger(l pagecache.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithSystemAllocator overrides the OS boundary the page cache allocates
// from. Intended for tests.
func WithSystemAllocator(s pagecache.SystemAllocator) Option {
	return func(c *config) { c.sys = s }
}

// WithScavengeInterval starts a background goroutine that calls Compact
// across every size class every d. The zero value (the default) disables
// it: compaction is opt-in, never automatic, matching the "no automatic
// reclamation" scope this allocator holds itself to.
func WithScavengeInterval(d time.Duration) Option {
	return func(c *config) { c.scavengeInterval = d }
}

// Allocator is a complete thread-caching allocator instance. The zero
// value is not usable; construct with New.
type Allocator struct {
	pc      *pagecache.Cache
	central centralcache.Cache
	pool    sync.Pool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs an Allocator. With no options it runs the locked central
// cache against an mmap-backed page cache and never scavenges.
func New(opts ...Option) *Allocator {
	cfg := config{variant: Locked}
	for _, opt := range opts {
		opt(&cfg)
	}

	var pcOpts []pagecache.Option
	if cfg.logger != nil {
		pcOpts = append(pcOpts, pagecache.WithLogger(cfg.logger))
	}
	if cfg.sys != nil {
		pcOpts = append(pcOpts, pagecache.WithSystemAllocator(cfg.sys))
	}
	pc := pagecache.New(pcOpts...)

	var central centralcache.Cache
	switch cfg.variant {
	case LockFree:
		central = centralcache.NewLockFree(pc)
	default:
		central = centralcache.NewLocked(pc)
	}

	a := &Allocator{pc: pc, central: central}
	a.pool.New = func() any {
		tc := threadcache.New(central)
		// Best-effort drain when a pooled cache is never reused and
		// becomes garbage: Go has no "goroutine exiting" hook to drain
		// on, so this is the closest approximation (see DESIGN.md).
		runtime.SetFinalizer(tc, (*threadcache.Cache).Drain)
		return tc
	}

	if cfg.scavengeInterval > 0 {
		a.stop = make(chan struct{})
		a.wg.Add(1)
		go a.scavengeLoop(cfg.scavengeInterval)
	}
	return a
}

// Allocate returns a block of at least n bytes. It returns nil only when
// the underlying OS allocation primitive itself fails (out of memory);
// a zero-length request is rounded up to the smallest size class, the
// same as the C++ source treats malloc(0).
func (a *Allocator) Allocate(n uintptr) unsafe.Pointer {
	if !sizeclass.Fits(n) {
		addr, ok := a.pc.AllocateSpan(oversizePages(n))
		if !ok {
			return nil
		}
		return unsafe.Pointer(addr)
	}

	tc := a.pool.Get().(*threadcache.Cache)
	p, ok := tc.Allocate(n)
	a.pool.Put(tc)
	if !ok {
		return nil
	}
	return p
}

// Deallocate returns a block previously obtained from Allocate. The
// caller must pass the same n given to Allocate; this allocator has no
// per-block header to recover the size from, so a mismatched n corrupts
// the relevant free list the same way it would in the C++ source.
func (a *Allocator) Deallocate(ptr unsafe.Pointer, n uintptr) {
	if ptr == nil {
		return
	}
	if !sizeclass.Fits(n) {
		a.pc.DeallocateSpan(uintptr(ptr), oversizePages(n))
		return
	}

	tc := a.pool.Get().(*threadcache.Cache)
	tc.Deallocate(ptr, n)
	a.pool.Put(tc)
}

// Compact releases every size class's fully-drained spans back to the
// page cache. Exported so a caller can invoke it directly instead of (or
// in addition to) WithScavengeInterval's background loop.
func (a *Allocator) Compact() {
	for class := 0; class < sizeclass.FreeListSize; class++ {
		a.central.Compact(class)
	}
}

// Close stops the background scavenger started by WithScavengeInterval,
// if any. It is a no-op otherwise.
func (a *Allocator) Close() {
	if a.stop == nil {
		return
	}
	close(a.stop)
	a.wg.Wait()
}

func (a *Allocator) scavengeLoop(interval time.Duration) {
	defer a.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			a.Compact()
		case <-a.stop:
			return
		}
	}
}

// oversizePages rounds a request too large for the tiered cache up to a
// whole number of pages for a direct page-cache allocation.
func oversizePages(n uintptr) uintptr {
	return (n + pagecache.PageSize - 1) / pagecache.PageSize
}
