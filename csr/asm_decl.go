package csr

// The functions below are implemented in csr_riscv64.s.

//go:noescape
func ReadSCAUSE() uint64

//go:noescape
func ReadSEPC() uint64

//go:noescape
func ReadSTVAL() uint64

//go:noescape
func ReadHTVAL() uint64

//go:noescape
func ReadHTINST() uint64

//go:noescape
func WriteSTVEC(addr uint64)

//go:noescape
func WriteSEPC(v uint64)

//go:noescape
func WriteHSTATUS(v uint64)

//go:noescape
func WriteSSTATUS(v uint64)

//go:noescape
func WriteHGATP(v uint64)

//go:noescape
func WriteSSCRATCH(v uint64)
