package loader

import (
	"encoding/binary"
	"fmt"
)

// imageHeaderSize is the size of the RISC-V Linux Image header this
// loader validates before copying the kernel into guest memory.
const imageHeaderSize = 64

// imageMagic2 is the little-endian "RSC\x05" magic at offset 56 every
// RISC-V Image has carried since the header format stabilized.
const imageMagic2 = 0x05435352

// imageHeader is the subset of the RISC-V Image header this
// hypervisor cares about: enough to validate the magic and report the
// kernel's declared size.
type imageHeader struct {
	textOffset uint64
	imageSize  uint64
	flags      uint64
	version    uint32
	magic2     uint32
}

// parseImageHeader validates image's RISC-V Image header and extracts
// the fields the loader needs.
func parseImageHeader(image []byte) (imageHeader, error) {
	if len(image) < imageHeaderSize {
		return imageHeader{}, fmt.Errorf("loader: kernel image too small for an Image header (%d bytes, need at least %d)", len(image), imageHeaderSize)
	}

	h := imageHeader{
		textOffset: binary.LittleEndian.Uint64(image[8:16]),
		imageSize:  binary.LittleEndian.Uint64(image[16:24]),
		flags:      binary.LittleEndian.Uint64(image[24:32]),
		version:    binary.LittleEndian.Uint32(image[32:36]),
		magic2:     binary.LittleEndian.Uint32(image[56:60]),
	}
	if h.magic2 != imageMagic2 {
		return imageHeader{}, fmt.Errorf("loader: bad Image header magic 0x%08x, want 0x%08x", h.magic2, imageMagic2)
	}
	return h, nil
}
