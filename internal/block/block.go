// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package block encapsulates the one unsafe contract the whole allocator
// leans on: a free block stores the address of the next free block of the
// same size class in its own first 8 bytes. Every tier (thread cache,
// central cache, both central-cache variants) goes through Next/SetNext
// rather than doing its own pointer arithmetic, the same way runtime/malloc.go
// keeps gclinkptr's load/store behind two tiny methods.
package block

import "unsafe"

// Next reads the next-pointer embedded in the first machine word of the
// free block at p. p must be at least sizeclass.Alignment bytes and must
// not currently be in use by the caller: a free block's payload doubles
// as this pointer until the block is handed back out.
func Next(p unsafe.Pointer) unsafe.Pointer {
	return *(*unsafe.Pointer)(p)
}

// SetNext overwrites the next-pointer embedded in the first machine word
// of the free block at p.
func SetNext(p unsafe.Pointer, next unsafe.Pointer) {
	*(*unsafe.Pointer)(p) = next
}

// BuildChain links a run of numBlocks blockSize-byte blocks starting at
// base into a singly-linked, nil-terminated free list and returns its
// head and tail. Used by both the central cache (slicing a freshly-fetched span)
// and tests that need a synthetic chain.
func BuildChain(base unsafe.Pointer, blockSize uintptr, numBlocks int) (head, tail unsafe.Pointer) {
	if numBlocks <= 0 {
		return nil, nil
	}
	head = base
	cur := base
	for i := 1; i < numBlocks; i++ {
		next := unsafe.Add(cur, blockSize)
		SetNext(cur, next)
		cur = next
	}
	SetNext(cur, nil)
	return head, cur
}

// Walk detaches up to n blocks from the front of the chain headed by
// head, returning the detached sub-chain (newHead..newTail, nil
// terminated) and the remainder of the original chain (rest). If the
// chain is shorter than n, count reports how many were actually found
// and rest is nil.
func Walk(head unsafe.Pointer, n int) (newHead, newTail unsafe.Pointer, rest unsafe.Pointer, count int) {
	cur := head
	var prev unsafe.Pointer
	for cur != nil && count < n {
		prev = cur
		cur = Next(cur)
		count++
	}
	if count == n && prev != nil {
		SetNext(prev, nil)
	}
	return head, prev, cur, count
}
