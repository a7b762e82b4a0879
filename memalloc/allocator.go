// Package memalloc implements the bump page allocator the hypervisor
// uses to carve host-backing memory out of a single anonymous mmap
// arena: guest RAM, the guest DTB scratch region, and per-vCPU host
// stacks all come from here.
package memalloc

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// PageSize is the page granularity every allocation is rounded up to.
const PageSize = 4096

// Allocator hands out zeroed, page-aligned regions from a fixed-size
// anonymous mapping. It never frees individual pages; the whole arena
// is released by Close.
type Allocator struct {
	mu     sync.Mutex
	arena  []byte
	offset int
}

// New mmaps a size-byte anonymous, read-write arena and returns an
// Allocator over it. size is rounded up to a page boundary.
func New(size int) (*Allocator, error) {
	if size <= 0 {
		return nil, fmt.Errorf("memalloc: invalid arena size %d", size)
	}
	size = alignUp(size, PageSize)
	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("memalloc: mmap %d bytes: %w", size, err)
	}
	return &Allocator{arena: arena}, nil
}

// Alloc returns a zeroed slice of at least n bytes, backed by pages
// from the arena. n is rounded up to a whole number of pages, so the
// bump offset always stays on a page boundary and every returned slice
// starts page-aligned within the page-aligned mmap arena.
func (a *Allocator) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("memalloc: invalid allocation size %d", n)
	}
	n = alignUp(n, PageSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.offset+n > len(a.arena) {
		return nil, fmt.Errorf("memalloc: arena exhausted: have %d bytes free, want %d", len(a.arena)-a.offset, n)
	}
	region := a.arena[a.offset : a.offset+n]
	a.offset += n
	return region, nil
}

// HostAddr returns the host virtual address backing buf's first byte,
// for use as the host-physical side of a G-stage mapping.
func HostAddr(buf []byte) uint64 {
	return sliceAddr(buf)
}

// Close unmaps the whole arena. Any slice previously returned by Alloc
// becomes invalid.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.arena == nil {
		return nil
	}
	err := unix.Munmap(a.arena)
	a.arena = nil
	return err
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
