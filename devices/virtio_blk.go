package devices

import (
	"fmt"
	"sync"

	"rvhv/guestmem"
)

// VirtIO-MMIO register offsets this device answers, per the version 2
// (VirtIO 1.x) MMIO transport layout.
const (
	regMagic            = 0x000
	regVersion          = 0x004
	regDeviceID         = 0x008
	regVendorID         = 0x00c
	regDeviceFeatures   = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures   = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel         = 0x030
	regQueueNumMax      = 0x034
	regQueueNum         = 0x038
	regQueueReady       = 0x044
	regQueueNotify      = 0x050
	regInterruptStatus  = 0x060
	regInterruptAck     = 0x064
	regStatus           = 0x070
	regQueueDescLow     = 0x080
	regQueueDescHigh    = 0x084
	regQueueAvailLow    = 0x090
	regQueueAvailHigh   = 0x094
	regQueueUsedLow     = 0x0a0
	regQueueUsedHigh    = 0x0a4
	regConfigGenCount   = 0x0fc
	regBlkCapacityLow   = 0x100
	regBlkCapacityHigh  = 0x104
)

const (
	virtioMagicValue = 0x74726976 // "virt"
	virtioVersion    = 2
	virtioDeviceIDBlk = 2
	virtioVendorID   = 0x554d4551 // "QEMU" vendor id, matching the convention the guest driver expects
	virtioFeatureVersion1 = 1 << 0
	queueNumMax      = 256
)

// VirtIO block request/descriptor wire layout, matching the standard
// virtio-blk legacy descriptor and request header layout.
const (
	virtqDescSize      = 16 // addr(8) + len(4) + flags(2) + next(2)
	virtqDescFNext     = 1
	virtioBlkTypeIn    = 0
	virtioBlkReqHeaderSize = 16 // type(4) + reserved(4) + sector(8)
	virtioBlkStatusOK  = 0
	sectorSize         = 512
)

// VirtioBlk is a read-only VirtIO-MMIO block device backed by an
// embedded disk image. It supports exactly one request type,
// VIRTIO_BLK_T_IN (read); any other request type is a fatal guest bug.
type VirtioBlk struct {
	mu   sync.Mutex
	mem  *guestmem.Region
	disk []byte
	plic *PLIC
	irq  uint32

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    [2]uint32
	queueSel          uint32
	deviceStatus      uint32
	queueNum          uint32
	queueReady        uint32
	queueDesc         uint64
	queueAvail        uint64
	queueUsed         uint64
	interruptStatus   uint32
	lastUsedIdx       uint16
}

// NewVirtioBlk creates a block device serving disk over mem, raising
// irq on plic whenever a request completes.
func NewVirtioBlk(mem *guestmem.Region, disk []byte, plic *PLIC, irq uint32) *VirtioBlk {
	return &VirtioBlk{mem: mem, disk: disk, plic: plic, irq: irq}
}

func capacitySectors(disk []byte) uint64 {
	return uint64(len(disk) / sectorSize)
}

// HandleRead implements MMIODevice.
func (d *VirtioBlk) HandleRead(offset uint64, width int) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case regMagic:
		return virtioMagicValue, nil
	case regVersion:
		return virtioVersion, nil
	case regDeviceID:
		return virtioDeviceIDBlk, nil
	case regVendorID:
		return virtioVendorID, nil
	case regDeviceFeatures:
		if d.deviceFeaturesSel == 1 {
			return virtioFeatureVersion1, nil
		}
		return 0, nil
	case regDriverFeatures:
		if d.driverFeaturesSel < 2 {
			return uint64(d.driverFeatures[d.driverFeaturesSel]), nil
		}
		return 0, nil
	case regQueueNumMax:
		return queueNumMax, nil
	case regQueueNum:
		return uint64(d.queueNum), nil
	case regQueueReady:
		return uint64(d.queueReady), nil
	case regStatus:
		return uint64(d.deviceStatus), nil
	case regQueueDescLow:
		return lowWord(d.queueDesc), nil
	case regQueueDescHigh:
		return highWord(d.queueDesc), nil
	case regQueueAvailLow:
		return lowWord(d.queueAvail), nil
	case regQueueAvailHigh:
		return highWord(d.queueAvail), nil
	case regQueueUsedLow:
		return lowWord(d.queueUsed), nil
	case regQueueUsedHigh:
		return highWord(d.queueUsed), nil
	case regBlkCapacityLow:
		return lowWord(capacitySectors(d.disk)), nil
	case regBlkCapacityHigh:
		return highWord(capacitySectors(d.disk)), nil
	case regInterruptStatus:
		return uint64(d.interruptStatus), nil
	case regConfigGenCount:
		return 0, nil
	default:
		return 0, fmt.Errorf("devices: virtio-blk: unhandled MMIO read at offset 0x%x", offset)
	}
}

// HandleWrite implements MMIODevice.
func (d *VirtioBlk) HandleWrite(offset uint64, width int, value uint64) error {
	d.mu.Lock()
	switch offset {
	case regDeviceFeaturesSel:
		d.deviceFeaturesSel = uint32(value)
	case regDriverFeatures:
		if d.driverFeaturesSel < 2 {
			d.driverFeatures[d.driverFeaturesSel] = uint32(value)
		}
	case regDriverFeaturesSel:
		d.driverFeaturesSel = uint32(value)
	case regQueueSel:
		d.queueSel = uint32(value)
	case regQueueNum:
		d.queueNum = uint32(value)
	case regQueueReady:
		d.queueReady = uint32(value)
	case regQueueDescLow:
		d.queueDesc = setLowWord(d.queueDesc, value)
	case regQueueDescHigh:
		d.queueDesc = setHighWord(d.queueDesc, value)
	case regQueueAvailLow:
		d.queueAvail = setLowWord(d.queueAvail, value)
	case regQueueAvailHigh:
		d.queueAvail = setHighWord(d.queueAvail, value)
	case regQueueUsedLow:
		d.queueUsed = setLowWord(d.queueUsed, value)
	case regQueueUsedHigh:
		d.queueUsed = setHighWord(d.queueUsed, value)
	case regInterruptAck:
		d.interruptStatus &^= uint32(value)
	case regStatus:
		d.deviceStatus = uint32(value)
	case regQueueNotify:
		d.mu.Unlock()
		return d.processQueue()
	default:
		d.mu.Unlock()
		return fmt.Errorf("devices: virtio-blk: unhandled MMIO write at offset 0x%x (value 0x%x)", offset, value)
	}
	d.mu.Unlock()
	return nil
}

// virtqueue wire structures, read field-by-field out of guest memory
// rather than mapped with unsafe.Pointer, since guestmem.Region already
// provides bounds-checked little-endian accessors.
type virtqDesc struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func (d *VirtioBlk) readDesc(tableAddr uint64, idx uint16) (virtqDesc, error) {
	base := tableAddr + uint64(idx)*virtqDescSize
	addr, err := d.mem.Read64(base)
	if err != nil {
		return virtqDesc{}, err
	}
	length, err := d.mem.Read32(base + 8)
	if err != nil {
		return virtqDesc{}, err
	}
	flags, err := d.mem.Read16(base + 12)
	if err != nil {
		return virtqDesc{}, err
	}
	next, err := d.mem.Read16(base + 14)
	if err != nil {
		return virtqDesc{}, err
	}
	return virtqDesc{addr: addr, len: length, flags: flags, next: next}, nil
}

// processQueue walks every new entry in the avail ring since the last
// notification, services each as a VIRTIO_BLK_T_IN read request against
// the embedded disk image, and publishes the result on the used ring.
func (d *VirtioBlk) processQueue() error {
	d.mu.Lock()
	descTable, availAddr, usedAddr := d.queueDesc, d.queueAvail, d.queueUsed
	d.mu.Unlock()

	availIdx, err := d.mem.Read16(availAddr + 2)
	if err != nil {
		return fmt.Errorf("devices: virtio-blk: reading avail.idx: %w", err)
	}

	for d.lastUsedIdx != availIdx {
		ringSlot := d.lastUsedIdx % uint16(d.queueNum)
		descIdx, err := d.mem.Read16(availAddr + 4 + uint64(ringSlot)*2)
		if err != nil {
			return fmt.Errorf("devices: virtio-blk: reading avail.ring[%d]: %w", ringSlot, err)
		}

		copied, err := d.serviceRequest(descTable, descIdx)
		if err != nil {
			return err
		}

		if err := d.publishUsed(usedAddr, uint32(descIdx), copied); err != nil {
			return err
		}
		d.lastUsedIdx++
	}

	d.mu.Lock()
	d.interruptStatus |= 1
	d.mu.Unlock()
	d.plic.AddPendingIRQ(d.irq)
	return nil
}

// serviceRequest follows the descriptor chain headDescIdx -> [header]
// -> [data] -> [status], validates the request is a read, copies from
// the embedded disk image into the data descriptor, and writes
// VIRTIO_BLK_S_OK into the status descriptor's single status byte.
func (d *VirtioBlk) serviceRequest(descTable uint64, headDescIdx uint16) (uint32, error) {
	headerDesc, err := d.readDesc(descTable, headDescIdx)
	if err != nil {
		return 0, err
	}
	reqType, err := d.mem.Read32(headerDesc.addr)
	if err != nil {
		return 0, err
	}
	sector, err := d.mem.Read64(headerDesc.addr + 8)
	if err != nil {
		return 0, err
	}
	if reqType != virtioBlkTypeIn {
		return 0, fmt.Errorf("devices: virtio-blk: unsupported request type %d (device is read-only)", reqType)
	}
	if headerDesc.flags&virtqDescFNext == 0 {
		return 0, fmt.Errorf("devices: virtio-blk: malformed request, header descriptor has no next")
	}

	dataDesc, err := d.readDesc(descTable, headerDesc.next)
	if err != nil {
		return 0, err
	}
	if dataDesc.flags&virtqDescFNext == 0 {
		return 0, fmt.Errorf("devices: virtio-blk: malformed request, data descriptor has no next")
	}
	statusDesc, err := d.readDesc(descTable, dataDesc.next)
	if err != nil {
		return 0, err
	}

	offset := sector * sectorSize
	n := int(dataDesc.len)
	if offset > uint64(len(d.disk)) {
		n = 0
	} else if remaining := len(d.disk) - int(offset); n > remaining {
		n = remaining
	}

	buf := make([]byte, dataDesc.len)
	if n > 0 {
		copy(buf, d.disk[offset:offset+uint64(n)])
	}
	if err := d.mem.WriteBytes(dataDesc.addr, buf); err != nil {
		return 0, fmt.Errorf("devices: virtio-blk: writing data descriptor: %w", err)
	}
	// Write 0 (VIRTIO_BLK_S_OK) into the status byte.
	if err := d.mem.Write8(statusDesc.addr, virtioBlkStatusOK); err != nil {
		return 0, fmt.Errorf("devices: virtio-blk: writing status byte: %w", err)
	}
	return dataDesc.len, nil
}

func (d *VirtioBlk) publishUsed(usedAddr uint64, descIdx, length uint32) error {
	usedIdx, err := d.mem.Read16(usedAddr + 2)
	if err != nil {
		return err
	}
	slot := uint64(usedIdx) % uint64(d.queueNum)
	elemAddr := usedAddr + 4 + slot*8
	if err := d.mem.Write32(elemAddr, descIdx); err != nil {
		return err
	}
	if err := d.mem.Write32(elemAddr+4, length); err != nil {
		return err
	}
	return d.mem.Write16(usedAddr+2, usedIdx+1)
}

func lowWord(v uint64) uint64  { return uint64(uint32(v)) }
func highWord(v uint64) uint64 { return uint64(uint32(v >> 32)) }

func setLowWord(v, low uint64) uint64 {
	return (v &^ 0xffff_ffff) | uint64(uint32(low))
}

func setHighWord(v, high uint64) uint64 {
	return (v & 0xffff_ffff) | (uint64(uint32(high)) << 32)
}
