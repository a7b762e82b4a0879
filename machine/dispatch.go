package machine

import (
	"errors"
	"unsafe"

	"rvhv/csr"
	"rvhv/devices"
	"rvhv/vcpu"
)

// scause cause codes this dispatcher recognizes: local aliases of the
// constants package csr names for the asm trap stub's benefit.
const (
	causeVSEcall          = csr.CauseVirtualSupervisorEcall
	causeGuestLoadFault   = csr.CauseGuestLoadPageFault
	causeGuestStoreFault  = csr.CauseGuestStorePageFault
)

// handleTrapFromASM is the function installed as csr.TrapHandler. It
// recovers the concrete *vcpu.VCPU from the opaque pointer the naked
// trap stub passes and hands off to dispatch, then re-enters the
// guest — this call never returns under normal operation.
func (m *Machine) handleTrapFromASM(ptr unsafe.Pointer) {
	v := (*vcpu.VCPU)(ptr)
	m.dispatch(v, csr.ReadSCAUSE(), csr.ReadSEPC(), csr.ReadSTVAL())
	m.cpu.Enter()
}

// dispatch decodes one trap and routes it to the SBI front end, the
// MMIO bus, or fatalf. It is pure Go and independently testable,
// separate from the asm-only path that reaches it from real hardware.
func (m *Machine) dispatch(v *vcpu.VCPU, scause, sepc, stval uint64) {
	switch scause {
	case causeVSEcall:
		m.handleSBICall(v)
		v.Sepc = sepc + 4 // skip past the ecall instruction
	case causeGuestLoadFault, causeGuestStoreFault:
		m.handleGuestMMIOFault(v, scause, sepc, stval)
	default:
		m.fatalf("unhandled scause %d at sepc=0x%x stval=0x%x", scause, sepc, stval)
	}
}

func (m *Machine) handleSBICall(v *vcpu.VCPU) {
	res := m.sbi.Call(v.A7, v.A6, v.A0)
	if res.Err != 0 {
		v.A0 = uint64(res.Err)
		return
	}
	v.A0 = 0
	v.A1 = res.Value
}

// handleGuestMMIOFault decodes htval/htinst to recover the faulting
// guest-physical address and access width, then dispatches the load
// or store to the device bus.
func (m *Machine) handleGuestMMIOFault(v *vcpu.VCPU, scause, sepc, stval uint64) {
	htval := csr.ReadHTVAL()
	htinst := csr.ReadHTINST()

	guestAddr := (htval << 2) | (stval & 0b11)
	width := decodeWidth(htinst)

	isCompressed := htinst&2 == 0
	instLen := uint64(4)
	if isCompressed {
		instLen = 2
	}

	switch scause {
	case causeGuestStoreFault:
		rs2 := uint32((htinst >> 20) & 0x1f)
		m.resolveMMIOWrite(guestAddr, width, v.GPR(rs2))
	case causeGuestLoadFault:
		rd := uint32((htinst >> 7) & 0x1f)
		v.SetGPR(rd, m.resolveMMIORead(guestAddr, width))
	}

	v.Sepc = sepc + instLen
}

func (m *Machine) writeMMIO(addr uint64, width int, value uint64) error {
	return m.bus.Write(addr, width, value)
}

func (m *Machine) readMMIO(addr uint64, width int) (uint64, error) {
	return m.bus.Read(addr, width)
}

// resolveMMIORead performs a guest MMIO load, defaulting to 0 and
// logging rather than halting when the address isn't mapped to any
// device; a known device rejecting its own access stays fatal.
func (m *Machine) resolveMMIORead(addr uint64, width int) uint64 {
	val, err := m.readMMIO(addr, width)
	if err == nil {
		return val
	}
	if errors.Is(err, devices.ErrUnmapped) {
		m.debugf("machine: ignoring MMIO read from unmapped address 0x%x: %v", addr, err)
		return 0
	}
	m.fatalf("MMIO read failed: %v", err)
	return 0
}

// resolveMMIOWrite performs a guest MMIO store, logging and continuing
// when the address isn't mapped to any device; a known device
// rejecting its own access stays fatal.
func (m *Machine) resolveMMIOWrite(addr uint64, width int, value uint64) {
	if err := m.writeMMIO(addr, width, value); err != nil {
		if errors.Is(err, devices.ErrUnmapped) {
			m.debugf("machine: ignoring MMIO write to unmapped address 0x%x: %v", addr, err)
			return
		}
		m.fatalf("MMIO write failed: %v", err)
	}
}

// decodeWidth maps htinst's (opcode, funct3) bits to an access width
// in bytes, per the RISC-V load/store instruction encodings; unknown
// encodings default to a 4-byte access, matching hardware's documented
// fallback for htinst values it cannot synthesize precisely.
func decodeWidth(htinst uint64) int {
	opcode := htinst & 0x7f
	funct3 := (htinst >> 12) & 0x7

	const (
		opLoad  = 0b0000011
		opStore = 0b0100011
	)

	switch opcode {
	case opLoad:
		switch funct3 {
		case 0b000, 0b100: // lb, lbu
			return 1
		case 0b001, 0b101: // lh, lhu
			return 2
		case 0b010, 0b110: // lw, lwu
			return 4
		case 0b011: // ld
			return 8
		}
	case opStore:
		switch funct3 {
		case 0b000: // sb
			return 1
		case 0b001: // sh
			return 2
		case 0b010: // sw
			return 4
		case 0b011: // sd
			return 8
		}
	}
	return 4
}
