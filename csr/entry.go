package csr

import "unsafe"

// TrapHandler is invoked by trapTrampoline once the naked trap stub has
// spilled every guest GPR into the current VCPU and switched onto the
// host stack. It is set once by package machine during initialization;
// a nil handler at trap time is a fatal configuration error, not
// something this package can recover from.
var TrapHandler func(vcpu unsafe.Pointer)

//go:noescape
func sret()

// trapTrampoline is the Go-side landing pad the assembly trap stub
// calls with a0 = *vcpu.VCPU. It exists only so the naked stub's CALL
// target can be an ordinary Go function with a real ABI, instead of
// hand-writing the Go calling convention directly in trapentry_riscv64.s.
func trapTrampoline(vcpu unsafe.Pointer) {
	if TrapHandler == nil {
		panic("csr: trap taken with no TrapHandler installed")
	}
	TrapHandler(vcpu)
}

// InstallTrapVector points stvec at the naked trap entry stub. Must be
// called once before the first Enter.
func InstallTrapVector() {
	WriteSTVEC(trapEntryAddr())
}

//go:noescape
func trapEntryAddr() uint64

// Enter writes vcpuPtr into sscratch, loads hstatus/sstatus/hgatp/sepc
// from the values passed by the caller (package vcpu, which knows the
// concrete field layout), and executes sret. It never returns under normal operation: control comes back
// into Go only through the trap vector calling TrapHandler.
func Enter(vcpuPtr unsafe.Pointer, hstatus, sstatus, hgatp, sepc uint64) {
	WriteSSCRATCH(uint64(uintptr(vcpuPtr)))
	WriteHSTATUS(hstatus)
	WriteSSTATUS(sstatus)
	WriteHGATP(hgatp)
	WriteSEPC(sepc)
	sret()
}
