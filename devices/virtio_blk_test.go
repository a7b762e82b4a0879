package devices_test

import (
	"testing"

	"rvhv/devices"
	"rvhv/guestmem"
	"rvhv/memalloc"
)

const (
	descTableAddr = 0x8010_0000
	availAddr     = 0x8010_1000
	usedAddr      = 0x8010_2000
	reqHeaderAddr = 0x8010_3000
	dataAddr      = 0x8010_4000
	statusAddr    = 0x8010_5000
)

func newTestVirtioBlk(t *testing.T) (*devices.VirtioBlk, *guestmem.Region, *devices.PLIC, *memalloc.Allocator) {
	t.Helper()
	alloc, err := memalloc.New(2 << 20)
	if err != nil {
		t.Fatalf("memalloc.New: %v", err)
	}
	mem, err := guestmem.New(alloc, 0x8000_0000, 2<<20)
	if err != nil {
		t.Fatalf("guestmem.New: %v", err)
	}
	plic := devices.NewPLIC()
	disk := []byte("0123456789abcdef")
	blk := devices.NewVirtioBlk(mem, disk, plic, 1)
	return blk, mem, plic, alloc
}

func writeDesc(t *testing.T, mem *guestmem.Region, idx uint16, addr uint64, length uint32, flags, next uint16) {
	t.Helper()
	base := descTableAddr + uint64(idx)*16
	if err := mem.Write64(base, addr); err != nil {
		t.Fatal(err)
	}
	if err := mem.Write32(base+8, length); err != nil {
		t.Fatal(err)
	}
	if err := mem.Write16(base+12, flags); err != nil {
		t.Fatal(err)
	}
	if err := mem.Write16(base+14, next); err != nil {
		t.Fatal(err)
	}
}

func TestVirtioBlkMagicAndIdentity(t *testing.T) {
	blk, _, _, alloc := newTestVirtioBlk(t)
	defer alloc.Close()

	magic, err := blk.HandleRead(0x000, 4)
	if err != nil {
		t.Fatalf("HandleRead magic: %v", err)
	}
	if magic != 0x74726976 {
		t.Fatalf("magic = 0x%x, want 0x74726976", magic)
	}
	devID, _ := blk.HandleRead(0x008, 4)
	if devID != 2 {
		t.Fatalf("device id = %d, want 2 (block device)", devID)
	}
}

func TestVirtioBlkProcessesReadRequest(t *testing.T) {
	blk, mem, plic, alloc := newTestVirtioBlk(t)
	defer alloc.Close()

	const virtqDescFNext = 1
	writeDesc(t, mem, 0, reqHeaderAddr, 16, virtqDescFNext, 1)
	writeDesc(t, mem, 1, dataAddr, 8, virtqDescFNext, 2)
	writeDesc(t, mem, 2, statusAddr, 1, 0, 0)

	// Request header: type=0 (IN), reserved=0, sector=0.
	if err := mem.Write32(reqHeaderAddr, 0); err != nil {
		t.Fatal(err)
	}
	if err := mem.Write64(reqHeaderAddr+8, 0); err != nil {
		t.Fatal(err)
	}

	// avail ring: idx=1, ring[0]=0 (descriptor chain head).
	if err := mem.Write16(availAddr+2, 1); err != nil {
		t.Fatal(err)
	}
	if err := mem.Write16(availAddr+4, 0); err != nil {
		t.Fatal(err)
	}

	if err := blk.HandleWrite(0x038, 4, 8); err != nil { // regQueueNum
		t.Fatalf("negotiate queue size: %v", err)
	}
	if err := blk.HandleWrite(0x080, 4, descTableAddr&0xffff_ffff); err != nil {
		t.Fatalf("set desc low: %v", err)
	}
	if err := blk.HandleWrite(0x090, 4, availAddr&0xffff_ffff); err != nil {
		t.Fatalf("set avail low: %v", err)
	}
	if err := blk.HandleWrite(0x0a0, 4, usedAddr&0xffff_ffff); err != nil {
		t.Fatalf("set used low: %v", err)
	}

	if err := blk.HandleWrite(0x050, 4, 0); err != nil { // queue notify
		t.Fatalf("HandleWrite notify: %v", err)
	}

	got, err := mem.ReadBytes(dataAddr, 8)
	if err != nil {
		t.Fatalf("ReadBytes data: %v", err)
	}
	if string(got) != "01234567" {
		t.Fatalf("data = %q, want %q", got, "01234567")
	}

	status, err := mem.Read8(statusAddr)
	if err != nil {
		t.Fatalf("Read8 status: %v", err)
	}
	if status != 0 {
		t.Fatalf("status = %d, want 0 (VIRTIO_BLK_S_OK)", status)
	}

	if !plic.HasPendingIRQ() {
		t.Fatalf("expected IRQ to be raised after completing request")
	}

	usedIdx, err := mem.Read16(usedAddr + 2)
	if err != nil {
		t.Fatal(err)
	}
	if usedIdx != 1 {
		t.Fatalf("used.idx = %d, want 1", usedIdx)
	}
}

func TestVirtioBlkProcessesQueueWrappingPastNegotiatedSize(t *testing.T) {
	blk, mem, plic, alloc := newTestVirtioBlk(t)
	defer alloc.Close()

	const virtqDescFNext = 1
	const negotiatedQueueNum = 4

	// A single valid read-request descriptor chain, at descriptor
	// indices that don't include 0: index 0 is left unwritten
	// (all-zero), so if ring-slot arithmetic ever wraps against the
	// wrong modulus and reads a slot nobody populated, the resulting
	// descIdx 0 points at an invalid all-zero chain whose header
	// address (0) is outside guest RAM, and the request fails loudly
	// instead of silently misbehaving.
	const chainHead = 10
	writeDesc(t, mem, chainHead, reqHeaderAddr, 16, virtqDescFNext, chainHead+1)
	writeDesc(t, mem, chainHead+1, dataAddr, 8, virtqDescFNext, chainHead+2)
	writeDesc(t, mem, chainHead+2, statusAddr, 1, 0, 0)

	if err := mem.Write32(reqHeaderAddr, 0); err != nil { // type=IN
		t.Fatal(err)
	}
	if err := mem.Write64(reqHeaderAddr+8, 0); err != nil { // sector=0
		t.Fatal(err)
	}

	// Populate every ring slot the negotiated queue actually has
	// (0..negotiatedQueueNum-1) with the one valid chain.
	for slot := uint16(0); slot < negotiatedQueueNum; slot++ {
		if err := mem.Write16(availAddr+4+uint64(slot)*2, chainHead); err != nil {
			t.Fatal(err)
		}
	}
	// avail.idx advances past the ring's negotiated size, forcing a
	// wraparound: requests 4 and 5 must land back on slots 0 and 1.
	const availIdx = negotiatedQueueNum + 2
	if err := mem.Write16(availAddr+2, availIdx); err != nil {
		t.Fatal(err)
	}

	if err := blk.HandleWrite(0x038, 4, negotiatedQueueNum); err != nil { // regQueueNum
		t.Fatalf("negotiate queue size: %v", err)
	}
	if err := blk.HandleWrite(0x080, 4, descTableAddr&0xffff_ffff); err != nil {
		t.Fatalf("set desc low: %v", err)
	}
	if err := blk.HandleWrite(0x090, 4, availAddr&0xffff_ffff); err != nil {
		t.Fatalf("set avail low: %v", err)
	}
	if err := blk.HandleWrite(0x0a0, 4, usedAddr&0xffff_ffff); err != nil {
		t.Fatalf("set used low: %v", err)
	}

	if err := blk.HandleWrite(0x050, 4, 0); err != nil { // queue notify
		t.Fatalf("HandleWrite notify: %v", err)
	}

	usedIdx, err := mem.Read16(usedAddr + 2)
	if err != nil {
		t.Fatal(err)
	}
	if usedIdx != availIdx {
		t.Fatalf("used.idx = %d, want %d (all %d requests processed)", usedIdx, availIdx, availIdx)
	}
	if !plic.HasPendingIRQ() {
		t.Fatalf("expected IRQ to be raised after completing requests")
	}
}

func TestVirtioBlkRejectsWriteRequest(t *testing.T) {
	blk, mem, _, alloc := newTestVirtioBlk(t)
	defer alloc.Close()

	const virtqDescFNext = 1
	writeDesc(t, mem, 0, reqHeaderAddr, 16, virtqDescFNext, 1)
	writeDesc(t, mem, 1, dataAddr, 8, virtqDescFNext, 2)
	writeDesc(t, mem, 2, statusAddr, 1, 0, 0)

	const virtioBlkTypeOut = 1
	if err := mem.Write32(reqHeaderAddr, virtioBlkTypeOut); err != nil {
		t.Fatal(err)
	}

	if err := mem.Write16(availAddr+2, 1); err != nil {
		t.Fatal(err)
	}
	if err := mem.Write16(availAddr+4, 0); err != nil {
		t.Fatal(err)
	}

	blk.HandleWrite(0x038, 4, 8) // regQueueNum
	blk.HandleWrite(0x080, 4, descTableAddr&0xffff_ffff)
	blk.HandleWrite(0x090, 4, availAddr&0xffff_ffff)
	blk.HandleWrite(0x0a0, 4, usedAddr&0xffff_ffff)

	if err := blk.HandleWrite(0x050, 4, 0); err == nil {
		t.Fatalf("expected error servicing a write request against a read-only device")
	}
}
