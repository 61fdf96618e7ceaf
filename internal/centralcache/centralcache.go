// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package centralcache implements the process-wide central cache tier:
// per-size-class free lists that amortize page-cache access and mediate
// cross-thread-cache contention.
//
// Two independent implementations of the Cache interface are provided,
// grounded on the C++ original's CentralCache_Lock.h and
// CentralCache_LockFree.h respectively. An allocator wires in exactly
// one, but both are complete and independently testable; see locked.go
// and lockfree.go.
package centralcache

import "unsafe"

// Cache is the central-cache contract a thread cache refills from and
// returns excess batches to.
type Cache interface {
	// FetchRange returns a nil-terminated chain of exactly batch blocks
	// of size class class. ok is false only for an out-of-range class or
	// a non-positive batch; when the page cache is out of memory, Locked
	// waits for a ReturnRange on the class and LockFree keeps retrying.
	FetchRange(class int, batch int) (head unsafe.Pointer, ok bool)

	// ReturnRange splices a well-formed chain of class-sized blocks back
	// onto the central free list for class. totalBytes is the chain's
	// combined size, used to recover the block count.
	ReturnRange(head unsafe.Pointer, totalBytes uintptr, class int)

	// Compact releases any span backing class whose blocks have all
	// been returned to the central free list back to the page cache.
	// It is never called automatically; an allocator wires it to an
	// optional, opt-in scavenger loop. See DESIGN.md, Open Question
	// "page-cache deallocateSpan invocation site".
	Compact(class int)
}
