// Package machine wires together guest memory, the G-stage table, the
// vCPU, the device bus, and the SBI front end into a single runnable
// guest, and implements the trap dispatcher that routes every VS-mode
// exit back to the right piece of software.
package machine

import (
	"fmt"
	"log"

	"rvhv/csr"
	"rvhv/devices"
	"rvhv/gstage"
	"rvhv/guestmem"
	"rvhv/loader"
	"rvhv/memalloc"
	"rvhv/sbi"
	"rvhv/vcpu"
)

const (
	defaultMemorySize = 64 << 20 // 64 MiB, per the guest RAM region invariant
	defaultDTBSize    = 64 * 1024
	arenaOverhead     = 8 << 20 // headroom for the host stack
)

// Config configures a Machine. Zero values take the documented
// defaults.
type Config struct {
	MemorySize int // guest RAM size in bytes; 0 means defaultMemorySize
	Kernel     []byte
	Disk       []byte // nil means devices.DefaultDiskImage
	Debug      bool
	ConsoleOut func(line string) // nil means log via "[guest] %s"
}

// Machine owns every piece of hypervisor state for the single guest
// this process runs: guest memory, the G-stage table, the one vCPU,
// the MMIO device bus, and the SBI console front end.
type Machine struct {
	cfg Config

	alloc *memalloc.Allocator
	table *gstage.Table
	ram   *guestmem.Region
	dtb   *guestmem.Region
	cpu   *vcpu.VCPU
	bus   *devices.MMIOBus
	plic  *devices.PLIC
	blk   *devices.VirtioBlk
	sbi   *sbi.FrontEnd

	Debug bool
}

// New builds a Machine per cfg: allocates guest memory, loads the
// kernel and device tree, constructs the device model, and prepares
// the one vCPU to enter the guest at the loaded kernel's base address.
func New(cfg Config) (*Machine, error) {
	if cfg.MemorySize == 0 {
		cfg.MemorySize = defaultMemorySize
	}
	if cfg.Disk == nil {
		cfg.Disk = devices.DefaultDiskImage
	}
	if len(cfg.Kernel) == 0 {
		return nil, fmt.Errorf("machine: no kernel image supplied")
	}

	alloc, err := memalloc.New(cfg.MemorySize + defaultDTBSize + arenaOverhead)
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	table := gstage.New(alloc)

	ram, err := guestmem.New(alloc, loader.GuestBase, cfg.MemorySize)
	if err != nil {
		alloc.Close()
		return nil, fmt.Errorf("machine: allocating guest RAM: %w", err)
	}
	dtb, err := guestmem.New(alloc, loader.GuestDTBBase, defaultDTBSize)
	if err != nil {
		alloc.Close()
		return nil, fmt.Errorf("machine: allocating guest DTB region: %w", err)
	}

	entry, err := loader.Load(table, ram, dtb, cfg.Kernel)
	if err != nil {
		alloc.Close()
		return nil, fmt.Errorf("machine: %w", err)
	}

	cpu, err := vcpu.New(alloc, table, entry)
	if err != nil {
		alloc.Close()
		return nil, fmt.Errorf("machine: %w", err)
	}

	plic := devices.NewPLIC()
	blk := devices.NewVirtioBlk(ram, cfg.Disk, plic, loader.VirtioIRQ)
	bus := devices.NewMMIOBus()
	bus.Register(loader.GuestPLICBase, loader.GuestPLICSize, plic)
	bus.Register(loader.GuestVirtioBase, loader.GuestVirtioSize, blk)

	front := sbi.New(cfg.ConsoleOut)

	m := &Machine{
		cfg:   cfg,
		alloc: alloc,
		table: table,
		ram:   ram,
		dtb:   dtb,
		cpu:   cpu,
		bus:   bus,
		plic:  plic,
		blk:   blk,
		sbi:   front,
		Debug: cfg.Debug,
	}

	csr.TrapHandler = m.handleTrapFromASM
	csr.InstallTrapVector()

	return m, nil
}

// Close releases the guest memory arena.
func (m *Machine) Close() error {
	return m.alloc.Close()
}

func (m *Machine) debugf(format string, args ...any) {
	if m.Debug {
		log.Printf(format, args...)
	}
}

// fatalf logs the vCPU's CSR shadows and a subset of its GPRs (a0, a1,
// a6, a7, ra, sp) and panics. Used for any
// guest behavior this hypervisor does not and will not emulate.
func (m *Machine) fatalf(format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	log.Printf("machine: fatal trap: %s", reason)
	log.Printf("machine: sepc=0x%x hstatus=0x%x sstatus=0x%x hgatp=0x%x",
		m.cpu.Sepc, m.cpu.Hstatus, m.cpu.Sstatus, m.cpu.Hgatp)
	log.Printf("machine: a0=0x%x a1=0x%x a6=0x%x a7=0x%x ra=0x%x sp=0x%x",
		m.cpu.A0, m.cpu.A1, m.cpu.A6, m.cpu.A7, m.cpu.Ra, m.cpu.Sp)
	panic(reason)
}

// RunGuest enters the guest. It does not return: each trap is serviced
// by handleTrapFromASM, which re-enters the guest itself, and there is
// no clean-halt path; any unrecoverable condition reaches fatalf.
func (m *Machine) RunGuest() {
	m.cpu.Enter()
}
