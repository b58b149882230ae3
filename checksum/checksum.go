// Package checksum centralizes the two block-integrity checks this module
// depends on: the Fletcher-64 checksum APFS stores in every object header,
// and the CRC-32 variants GPT and VHDX use to protect their own
// structures, shared by every reader that validates on-disk blocks.
package checksum

import "hash/crc32"

// Fletcher64 computes the Fletcher-64 checksum over data, a slice of
// little-endian uint32 words, continuing from the given initial state.
// Callers pass init=0 for a fresh computation and reuse the returned
// value to extend an existing one.
func Fletcher64(data []uint32, init uint64) uint64 {
	sum1 := init & 0xFFFFFFFF
	sum2 := init >> 32

	for _, word := range data {
		sum1 = sum1 + uint64(word)
		sum2 = sum2 + sum1
	}

	sum1 = sum1 % 0xFFFFFFFF
	sum2 = sum2 % 0xFFFFFFFF

	return sum2<<32 | sum1
}

// Fletcher64VerifyBlock implements APFS's two-phase verification: a
// block's first 8 bytes hold the stored checksum as two little-endian
// uint32 words; recomputing Fletcher-64 over the remainder with an
// initial state of zero, then extending with those first two words, must
// yield zero. A checksum field of all-zeroes or all-ones is treated as
// unchecked and verification fails.
func Fletcher64VerifyBlock(words []uint32) bool {
	if len(words) < 2 {
		return false
	}

	storedLow := uint64(words[0])
	storedHigh := uint64(words[1])
	stored := storedHigh<<32 | storedLow

	if stored == 0 || stored == 0xFFFFFFFFFFFFFFFF {
		return false
	}

	cs := Fletcher64(words[2:], 0)
	cs = Fletcher64(words[:2], cs)

	return cs == 0
}

// table is the CRC-32C (Castagnoli) table VHDX uses.
var table = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the VHDX CRC-32C of data. VHDX structures are
// checksummed with the field itself zeroed in the serialized image.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, table)
}

// CRC32GPT computes the CRC-32 (IEEE 802.3, polynomial 0xEDB88320
// reflected) used by GPT headers and partition-entry arrays.
func CRC32GPT(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
