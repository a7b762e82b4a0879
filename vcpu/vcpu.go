// Package vcpu models the single virtual CPU this hypervisor runs the
// guest on: its saved general-purpose registers, the hypervisor CSR
// shadows loaded on every entry, and the host stack it traps back onto.
package vcpu

import (
	"fmt"
	"unsafe"

	"rvhv/csr"
	"rvhv/gstage"
	"rvhv/memalloc"
)

// hostStackSize is the size of the stack the host runs on once control
// returns from the guest via a trap.
const hostStackSize = 512 * 1024

// VCPU holds all per-core state that crosses the VS-mode boundary.
// Field order is load-bearing: the naked trap stub in package csr
// addresses these fields purely by byte offset (see csr.Off*), so this
// layout must never be reordered or have fields inserted without
// updating those offsets in lockstep.
type VCPU struct {
	HostSP  uint64
	Hstatus uint64
	Hgatp   uint64
	Sstatus uint64
	Sepc    uint64

	Ra, Sp, Gp, Tp uint64
	T0, T1, T2     uint64
	S0, S1         uint64
	A0, A1, A2, A3, A4, A5, A6, A7 uint64
	S2, S3, S4, S5, S6, S7, S8, S9, S10, S11 uint64
	T3, T4, T5, T6 uint64
}

// New allocates a host stack for the vCPU and computes the hstatus/
// sstatus values needed to enter VS-mode at guestEntry with the given
// G-stage table installed, per the H-extension entry contract: VSXL=2
// (VS-mode is 64-bit), SPV=1 (the trap-return target is VS-mode), and
// SPP=1 (sret raises to supervisor, not user, privilege).
func New(alloc *memalloc.Allocator, table *gstage.Table, guestEntry uint64) (*VCPU, error) {
	stack, err := alloc.Alloc(hostStackSize)
	if err != nil {
		return nil, fmt.Errorf("vcpu: allocating host stack: %w", err)
	}
	hostSP := memalloc.HostAddr(stack) + uint64(len(stack))

	v := &VCPU{
		HostSP:  hostSP,
		Hstatus: csr.HstatusVSXL64 | csr.HstatusSPV,
		Hgatp:   table.Hgatp(),
		Sstatus: csr.SstatusSPP,
		Sepc:    guestEntry,
	}
	return v, nil
}

// Enter transitions the host into VS-mode at v.Sepc. It does not
// return under normal operation: the next time Go code runs on this
// goroutine is when a trap routes back through csr.TrapHandler.
func (v *VCPU) Enter() {
	csr.Enter(unsafe.Pointer(v), v.Hstatus, v.Sstatus, v.Hgatp, v.Sepc)
}

// GPR returns the value of GPR index i (1=ra ... 31=t6, matching the
// RISC-V integer register numbering used by htinst's rd/rs2 fields; 0
// is the hard-wired zero register and always reads as 0).
func (v *VCPU) GPR(i uint32) uint64 {
	switch i {
	case 0:
		return 0
	case 1:
		return v.Ra
	case 2:
		return v.Sp
	case 3:
		return v.Gp
	case 4:
		return v.Tp
	case 5:
		return v.T0
	case 6:
		return v.T1
	case 7:
		return v.T2
	case 8:
		return v.S0
	case 9:
		return v.S1
	case 10:
		return v.A0
	case 11:
		return v.A1
	case 12:
		return v.A2
	case 13:
		return v.A3
	case 14:
		return v.A4
	case 15:
		return v.A5
	case 16:
		return v.A6
	case 17:
		return v.A7
	case 18:
		return v.S2
	case 19:
		return v.S3
	case 20:
		return v.S4
	case 21:
		return v.S5
	case 22:
		return v.S6
	case 23:
		return v.S7
	case 24:
		return v.S8
	case 25:
		return v.S9
	case 26:
		return v.S10
	case 27:
		return v.S11
	case 28:
		return v.T3
	case 29:
		return v.T4
	case 30:
		return v.T5
	case 31:
		return v.T6
	default:
		panic(fmt.Sprintf("vcpu: invalid GPR index %d", i))
	}
}

// SetGPR writes GPR index i, matching the same numbering as GPR.
// Writes to index 0 are silently discarded, matching hardware.
func (v *VCPU) SetGPR(i uint32, val uint64) {
	switch i {
	case 0:
		// x0 is hard-wired to zero.
	case 1:
		v.Ra = val
	case 2:
		v.Sp = val
	case 3:
		v.Gp = val
	case 4:
		v.Tp = val
	case 5:
		v.T0 = val
	case 6:
		v.T1 = val
	case 7:
		v.T2 = val
	case 8:
		v.S0 = val
	case 9:
		v.S1 = val
	case 10:
		v.A0 = val
	case 11:
		v.A1 = val
	case 12:
		v.A2 = val
	case 13:
		v.A3 = val
	case 14:
		v.A4 = val
	case 15:
		v.A5 = val
	case 16:
		v.A6 = val
	case 17:
		v.A7 = val
	case 18:
		v.S2 = val
	case 19:
		v.S3 = val
	case 20:
		v.S4 = val
	case 21:
		v.S5 = val
	case 22:
		v.S6 = val
	case 23:
		v.S7 = val
	case 24:
		v.S8 = val
	case 25:
		v.S9 = val
	case 26:
		v.S10 = val
	case 27:
		v.S11 = val
	case 28:
		v.T3 = val
	case 29:
		v.T4 = val
	case 30:
		v.T5 = val
	case 31:
		v.T6 = val
	default:
		panic(fmt.Sprintf("vcpu: invalid GPR index %d", i))
	}
}
