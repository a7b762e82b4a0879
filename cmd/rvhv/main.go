// Command rvhv is the hypervisor's entry point: it loads a kernel
// image and optional disk image from disk, builds a Machine, and
// enters the guest.
package main

import (
	"flag"
	"log"
	"os"

	"rvhv/devices"
	"rvhv/machine"
)

func main() {
	kernelPath := flag.String("kernel", "", "path to a raw RISC-V Linux Image")
	diskPath := flag.String("disk", "", "path to a raw disk image (defaults to the embedded placeholder)")
	debug := flag.Bool("debug", false, "enable verbose trap/device logging")
	flag.Parse()

	if *kernelPath == "" {
		log.Fatal("rvhv: -kernel is required")
	}

	kernel, err := os.ReadFile(*kernelPath)
	if err != nil {
		log.Fatalf("rvhv: reading kernel image: %v", err)
	}

	disk := devices.DefaultDiskImage
	if *diskPath != "" {
		disk, err = os.ReadFile(*diskPath)
		if err != nil {
			log.Fatalf("rvhv: reading disk image: %v", err)
		}
	}

	m, err := machine.New(machine.Config{
		Kernel: kernel,
		Disk:   disk,
		Debug:  *debug,
	})
	if err != nil {
		log.Fatalf("rvhv: %v", err)
	}
	defer m.Close()

	m.RunGuest()
}
