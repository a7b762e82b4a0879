// Package loader validates and loads an unmodified RISC-V Linux kernel
// image and its generated device tree into guest memory, and maps both
// into the G-stage table.
package loader

import (
	"fmt"
	"log"

	"rvhv/gstage"
	"rvhv/guestmem"
)

// Guest device layout constants, matching the addresses the firmware
// contract and the generated device tree both agree on.
const (
	GuestBase     = 0x8000_0000
	GuestDTBBase  = 0x7000_0000
	GuestPLICBase = 0x0c00_0000
	GuestPLICSize = 0x0400_0000
	GuestVirtioBase = 0x1000_0000
	GuestVirtioSize = 0x0000_1000
	VirtioIRQ     = 1

	DefaultBootArgs = "console=hvc earlycon=sbi panic=-1 root=/dev/vda init=/bin/catsay"
)

// Load validates kernel's Image header, copies the kernel into ram,
// builds and copies the device tree into dtb, maps both regions into
// table, and returns the guest-physical entry point sepc should start
// at.
func Load(table *gstage.Table, ram, dtb *guestmem.Region, kernel []byte) (entry uint64, err error) {
	header, err := parseImageHeader(kernel)
	if err != nil {
		return 0, fmt.Errorf("loader: %w", err)
	}

	if err := ram.WriteAndMap(table, kernel, gstage.FlagR|gstage.FlagW|gstage.FlagX); err != nil {
		return 0, fmt.Errorf("loader: mapping kernel into guest RAM: %w", err)
	}

	fdtBytes := BuildFDT(FDTConfig{
		BootArgs:   DefaultBootArgs,
		MemoryBase: GuestBase,
		MemorySize: uint64(len(ram.Data)),
		PLICBase:   GuestPLICBase,
		PLICSize:   GuestPLICSize,
		VirtioBase: GuestVirtioBase,
		VirtioSize: GuestVirtioSize,
		VirtioIRQ:  VirtioIRQ,
	})
	if err := dtb.WriteAndMap(table, fdtBytes, gstage.FlagR); err != nil {
		return 0, fmt.Errorf("loader: mapping device tree: %w", err)
	}

	log.Printf("loader: loaded kernel image: %d bytes (declared size %d, text offset 0x%x)",
		len(kernel), header.imageSize, header.textOffset)

	return GuestBase, nil
}
