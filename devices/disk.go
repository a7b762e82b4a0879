package devices

import _ "embed"

// DefaultDiskImage is the read-only block device backing store shipped
// with the hypervisor binary. assets/disk.img is a placeholder root
// filesystem image; a real deployment replaces it at build time.
//
//go:embed assets/disk.img
var DefaultDiskImage []byte
