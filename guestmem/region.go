// Package guestmem implements the guest memory regions the hypervisor
// exposes to a single VS-mode guest: the 64 MiB RAM region and the
// 64 KiB device-tree blob region.
package guestmem

import (
	"encoding/binary"
	"fmt"

	"rvhv/gstage"
	"rvhv/memalloc"
)

// Region is a fixed-size, page-aligned host-backed buffer exposed to
// the guest at a fixed guest-physical base address.
type Region struct {
	Base uint64
	Data []byte
}

// New carves a size-byte region out of alloc, to be mapped at base.
func New(alloc *memalloc.Allocator, base uint64, size int) (*Region, error) {
	buf, err := alloc.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("guestmem: allocating region at 0x%x: %w", base, err)
	}
	return &Region{Base: base, Data: buf}, nil
}

// Contains reports whether [addr, addr+n) lies entirely within r.
func (r *Region) Contains(addr uint64, n int) bool {
	if addr < r.Base {
		return false
	}
	end := r.Base + uint64(len(r.Data))
	return addr >= r.Base && addr+uint64(n) <= end
}

// offset returns addr's byte offset into r.Data, validating bounds.
func (r *Region) offset(addr uint64, n int) (int, error) {
	if !r.Contains(addr, n) {
		return 0, fmt.Errorf("guestmem: access [0x%x, 0x%x) out of bounds for region [0x%x, 0x%x)",
			addr, addr+uint64(n), r.Base, r.Base+uint64(len(r.Data)))
	}
	return int(addr - r.Base), nil
}

// ReadBytes copies n bytes starting at guest address addr.
func (r *Region) ReadBytes(addr uint64, n int) ([]byte, error) {
	off, err := r.offset(addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.Data[off:off+n])
	return out, nil
}

// WriteBytes copies src into the region starting at guest address addr.
func (r *Region) WriteBytes(addr uint64, src []byte) error {
	off, err := r.offset(addr, len(src))
	if err != nil {
		return err
	}
	copy(r.Data[off:off+len(src)], src)
	return nil
}

// Read8/16/32/64 read little-endian integers at a guest address.
func (r *Region) Read8(addr uint64) (uint8, error) {
	b, err := r.ReadBytes(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Region) Read16(addr uint64) (uint16, error) {
	b, err := r.ReadBytes(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Region) Read32(addr uint64) (uint32, error) {
	b, err := r.ReadBytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Region) Read64(addr uint64) (uint64, error) {
	b, err := r.ReadBytes(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Write8/16/32/64 write little-endian integers at a guest address.
func (r *Region) Write8(addr uint64, v uint8) error {
	return r.WriteBytes(addr, []byte{v})
}

func (r *Region) Write16(addr uint64, v uint16) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return r.WriteBytes(addr, b)
}

func (r *Region) Write32(addr uint64, v uint32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return r.WriteBytes(addr, b)
}

func (r *Region) Write64(addr uint64, v uint64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return r.WriteBytes(addr, b)
}

// WriteAndMap copies src to the start of the region, then maps every
// page of the *whole* region (not just the copied prefix) into t with
// the given flags. This mirrors the G-stage mapping invariant that a
// guest's view of RAM is fully mapped even past the loaded kernel's
// tail, reading back as zero rather than faulting.
func (r *Region) WriteAndMap(t *gstage.Table, src []byte, flags gstage.Flags) error {
	if len(src) > len(r.Data) {
		return fmt.Errorf("guestmem: payload of %d bytes exceeds region size %d", len(src), len(r.Data))
	}
	copy(r.Data, src)
	for off := 0; off < len(r.Data); off += memalloc.PageSize {
		guestAddr := r.Base + uint64(off)
		hostAddr := memalloc.HostAddr(r.Data[off:])
		if err := t.Map(guestAddr, hostAddr, flags); err != nil {
			return fmt.Errorf("guestmem: mapping page at 0x%x: %w", guestAddr, err)
		}
	}
	return nil
}
