// Package csr provides the raw CSR accessors and the naked trap
// entry/exit assembly the hypervisor uses to enter and leave VS-mode.
// This is the one package in the module that steps outside ordinary Go:
// the trap stub has no prologue or epilogue and addresses a *vcpu.VCPU
// purely by constant field offsets, the same discipline the original
// offset_of!-based naked trap handler uses.
package csr

// Field offsets into vcpu.VCPU, in bytes, for the naked trap stub in
// trapentry_riscv64.s. These must be kept in sync with the field order
// declared in package vcpu; vcpu_test.go asserts the two agree.
const (
	OffHostSP  = 0 * 8
	OffHstatus = 1 * 8
	OffHgatp   = 2 * 8
	OffSstatus = 3 * 8
	OffSepc    = 4 * 8
	OffRa      = 5 * 8
	OffSp      = 6 * 8
	OffGp      = 7 * 8
	OffTp      = 8 * 8
	OffT0      = 9 * 8
	OffT1      = 10 * 8
	OffT2      = 11 * 8
	OffS0      = 12 * 8
	OffS1      = 13 * 8
	OffA0      = 14 * 8
	OffA1      = 15 * 8
	OffA2      = 16 * 8
	OffA3      = 17 * 8
	OffA4      = 18 * 8
	OffA5      = 19 * 8
	OffA6      = 20 * 8
	OffA7      = 21 * 8
	OffS2      = 22 * 8
	OffS3      = 23 * 8
	OffS4      = 24 * 8
	OffS5      = 25 * 8
	OffS6      = 26 * 8
	OffS7      = 27 * 8
	OffS8      = 28 * 8
	OffS9      = 29 * 8
	OffS10     = 30 * 8
	OffS11     = 31 * 8
	OffT3      = 32 * 8
	OffT4      = 33 * 8
	OffT5      = 34 * 8
	OffT6      = 35 * 8
)

// scause cause codes this hypervisor dispatches on. See
// machine.dispatch for the full table, named here so both packages
// agree on the numeric constants coming out of ReadSCAUSE.
const (
	CauseVirtualSupervisorEcall  = 10
	CauseGuestLoadPageFault      = 21
	CauseGuestStorePageFault     = 23
)

// Hstatus / Sstatus bit constructors, matching the fields vcpu.New
// computes once per vCPU and csr.Enter loads on every guest entry.
const (
	HstatusVSXLShift = 32
	HstatusVSXL64    = 2 << HstatusVSXLShift
	HstatusSPV       = 1 << 7

	SstatusSPP = 1 << 8
)
