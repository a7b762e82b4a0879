// Package boot provides the hart's reset-vector entry stub. It exists
// only to be linked at a fixed address by the firmware's linker
// script; nothing in this module calls it directly from Go.
package boot

// boot is implemented in boot_riscv64.s.
func boot()
