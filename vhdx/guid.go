package vhdx

import (
	"crypto/rand"
	"fmt"
)

// guid is a raw 16-byte VHDX identifier. Region and metadata-item GUIDs are
// compared byte-for-byte against the fixed constants below, never
// byte-swapped before comparison; String only reinterprets them as the
// canonical mixed-endian hex form for trace output.
type guid [16]byte

func (g guid) String() string {
	return fmt.Sprintf("%08X-%04X-%04X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		uint32(g[3])<<24|uint32(g[2])<<16|uint32(g[1])<<8|uint32(g[0]),
		uint16(g[5])<<8|uint16(g[4]),
		uint16(g[7])<<8|uint16(g[6]),
		g[8], g[9], g[10], g[11], g[12], g[13], g[14], g[15])
}

func (g guid) isZero() bool {
	return g == guid{}
}

// newRandomGUID produces a fresh v4-variant GUID for FileWriteGuid,
// DataWriteGuid, and LogGuid values.
func newRandomGUID() (guid, error) {
	var g guid
	if _, err := rand.Read(g[:]); err != nil {
		return guid{}, err
	}
	g[7] = (g[7] & 0x0F) | 0x40
	g[8] = (g[8] & 0x3F) | 0x80
	return g, nil
}

// Region and metadata-item GUIDs, in on-disk byte order.
var (
	guidBAT      = guid{0x66, 0x77, 0xC2, 0x2D, 0x23, 0xF6, 0x00, 0x42, 0x9D, 0x64, 0x11, 0x5E, 0x9B, 0xFD, 0x4A, 0x08}
	guidMetadata = guid{0x06, 0xA2, 0x7C, 0x8B, 0x90, 0x47, 0x9A, 0x4B, 0xB8, 0xFE, 0x57, 0x5F, 0x05, 0x0F, 0x88, 0x6E}

	guidFileParameters    = guid{0x37, 0x67, 0xA1, 0xCA, 0x36, 0xFA, 0x43, 0x4D, 0xB3, 0xB6, 0x33, 0xF0, 0xAA, 0x44, 0xE7, 0x6B}
	guidVirtualDiskSize   = guid{0x24, 0x42, 0xA5, 0x2F, 0x1B, 0xCD, 0x76, 0x48, 0xB2, 0x11, 0x5D, 0xBE, 0xD8, 0x3B, 0xF4, 0xB8}
	guidVirtualDiskID     = guid{0xAB, 0x12, 0xCA, 0xBE, 0xE6, 0xB2, 0x23, 0x45, 0x93, 0xEF, 0xC3, 0x09, 0xE0, 0x00, 0xC7, 0x46}
	guidLogicalSectorSize = guid{0x1D, 0xBF, 0x41, 0x81, 0x6F, 0xA9, 0x09, 0x47, 0xBA, 0x47, 0xF2, 0x33, 0xA8, 0xFA, 0xAB, 0x5F}

	guidPhysicalSectorSize = guid{0xC7, 0x48, 0xA3, 0xCD, 0x5D, 0x44, 0x71, 0x44, 0x9C, 0xC9, 0xE9, 0x88, 0x52, 0x51, 0xC5, 0x56}
	guidParentLocator      = guid{0x2D, 0x5F, 0xD3, 0xA8, 0x0B, 0xB3, 0x4D, 0x45, 0xAB, 0xF7, 0xD3, 0xD8, 0x48, 0x34, 0xAB, 0x0C}
)
