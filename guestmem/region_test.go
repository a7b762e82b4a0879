package guestmem_test

import (
	"testing"

	"rvhv/gstage"
	"rvhv/guestmem"
	"rvhv/memalloc"
)

func newTestRegion(t *testing.T, base uint64, size int) (*guestmem.Region, *memalloc.Allocator) {
	t.Helper()
	a, err := memalloc.New(size + memalloc.PageSize)
	if err != nil {
		t.Fatalf("memalloc.New: %v", err)
	}
	r, err := guestmem.New(a, base, size)
	if err != nil {
		t.Fatalf("guestmem.New: %v", err)
	}
	return r, a
}

func TestReadWriteRoundTrip(t *testing.T) {
	r, a := newTestRegion(t, 0x8000_0000, 64*1024)
	defer a.Close()

	if err := r.Write32(0x8000_0010, 0xdeadbeef); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	got, err := r.Read32(0x8000_0010)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("Read32 = 0x%x, want 0xdeadbeef", got)
	}
}

func TestOutOfBoundsAccessFails(t *testing.T) {
	r, a := newTestRegion(t, 0x8000_0000, 4096)
	defer a.Close()

	if _, err := r.Read8(0x7fff_ffff); err == nil {
		t.Fatalf("expected error reading below region base")
	}
	if _, err := r.Read8(0x8000_1000); err == nil {
		t.Fatalf("expected error reading past region end")
	}
}

func TestWriteAndMapCoversWholeRegion(t *testing.T) {
	alloc, err := memalloc.New(1 << 20)
	if err != nil {
		t.Fatalf("memalloc.New: %v", err)
	}
	defer alloc.Close()

	table := gstage.New(alloc)
	r, err := guestmem.New(alloc, 0x8000_0000, 3*memalloc.PageSize)
	if err != nil {
		t.Fatalf("guestmem.New: %v", err)
	}

	payload := []byte("kernel-image-bytes")
	if err := r.WriteAndMap(table, payload, gstage.FlagR|gstage.FlagW|gstage.FlagX); err != nil {
		t.Fatalf("WriteAndMap: %v", err)
	}

	// Every page of the region must be mapped, including the two pages
	// past the short payload.
	for off := uint64(0); off < 3*memalloc.PageSize; off += memalloc.PageSize {
		if _, _, ok := table.Translate(r.Base + off); !ok {
			t.Fatalf("page at offset 0x%x was not mapped", off)
		}
	}

	got, err := r.ReadBytes(r.Base, len(payload))
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("ReadBytes = %q, want %q", got, payload)
	}

	// Bytes past the payload within the same page must read back zero.
	zero, err := r.Read8(r.Base + uint64(len(payload)))
	if err != nil {
		t.Fatalf("Read8: %v", err)
	}
	if zero != 0 {
		t.Fatalf("byte past payload tail = %d, want 0", zero)
	}
}
