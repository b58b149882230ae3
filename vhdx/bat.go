package vhdx

import (
	"encoding/binary"
	"fmt"
	"io"
)

// BatState is the 3-bit state a BAT entry's low bits encode.
type BatState uint8

const (
	BatPayloadNotPresent BatState = 0
	BatUndefined         BatState = 1
	BatZero              BatState = 2
	BatUnmapped          BatState = 3
	BatFullyPresent      BatState = 6
	BatPartiallyPresent  BatState = 7
)

// String renders the state names as they appear in the format document,
// for trace lines and the BAT diagnostic dump.
func (s BatState) String() string {
	switch s {
	case BatPayloadNotPresent:
		return "PAYLOAD_BLOCK_NOT_PRESENT"
	case BatUndefined:
		return "UNDEFINED"
	case BatZero:
		return "ZERO"
	case BatUnmapped:
		return "UNMAPPED"
	case BatFullyPresent:
		return "FULLY_PRESENT"
	case BatPartiallyPresent:
		return "PARTIALLY_PRESENT"
	default:
		return "UNKNOWN"
	}
}

const batEntryStateMask = 0x7
const batEntryOffsetMask = 0xFFFFFFFFFFF00000

func batEntryState(raw uint64) BatState {
	return BatState(raw & batEntryStateMask)
}

func batEntryFileOffset(raw uint64) int64 {
	return int64(raw & batEntryOffsetMask)
}

func makeBatEntry(fileOffset int64, state BatState) uint64 {
	return uint64(fileOffset)&batEntryOffsetMask | uint64(state)
}

// batGeometry holds the quantities derived from block size and disk
// size: the chunk ratio, payload block count, sector-bitmap block count,
// and total BAT entry count.
type batGeometry struct {
	blockSize          int64
	chunkRatio         int64
	dataBlocks         int64
	sectorBitmapBlocks int64
	batEntries         int64
}

func computeBatGeometry(blockSize int64, logicalSectorSize int64, diskSize int64) batGeometry {
	chunkRatio := (logicalSectorSize << 23) / blockSize
	dataBlocks := (diskSize + blockSize - 1) / blockSize
	sectorBitmapBlocks := (dataBlocks + chunkRatio - 1) / chunkRatio
	batEntries := dataBlocks + (dataBlocks-1)/chunkRatio

	return batGeometry{
		blockSize:          blockSize,
		chunkRatio:         chunkRatio,
		dataBlocks:         dataBlocks,
		sectorBitmapBlocks: sectorBitmapBlocks,
		batEntries:         batEntries,
	}
}

// payloadBatIndex returns the BAT slot for payload block number block,
// accounting for one interleaved sector-bitmap entry every chunk_ratio
// payload entries.
func (g batGeometry) payloadBatIndex(block int64) int64 {
	return block + block/g.chunkRatio
}

// sectorBitmapBatIndex returns the BAT slot holding the sector-bitmap
// entry for the chunk containing block.
func (g batGeometry) sectorBitmapBatIndex(block int64) int64 {
	chunk := block / g.chunkRatio
	return chunk*g.chunkRatio + chunk + g.chunkRatio
}

// readBAT reads g.batEntries little-endian uint64 entries from the BAT
// region.
func readBAT(src Source, batOffset int64, g batGeometry) ([]uint64, error) {
	raw := make([]byte, g.batEntries*8)
	if err := src.ReadAt(raw, batOffset); err != nil {
		return nil, err
	}

	entries := make([]uint64, g.batEntries)
	for i := range entries {
		entries[i] = binary.LittleEndian.Uint64(raw[i*8 : i*8+8])
	}

	return entries, nil
}

// writeBATEntry writes a single 8-byte BAT entry at its slot, bypassing
// the write-ahead log. Nothing in this package calls it: mutateBATEntry
// journals and writes whole 4 KiB BAT pages, and log replay writes the
// reconstructed pages itself.
func writeBATEntry(dst Source, batOffset int64, index int64, raw uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, raw)
	return dst.WriteAt(buf, batOffset+index*8)
}

// DumpEntries writes one line per payload block to w, in the style of
// gpt.DumpEntries: block index, payload state, file offset (when present),
// and the state of the sector-bitmap entry covering its chunk. This is
// the VHDX analogue of the GPT --list diagnostic.
func DumpEntries(w io.Writer, vw *Writer) error {
	g := vw.batGeom

	if _, err := fmt.Fprintf(w, "%d payload blocks, %d sector-bitmap blocks\n",
		g.dataBlocks, g.sectorBitmapBlocks); err != nil {
		return err
	}

	for block := int64(0); block < g.dataBlocks; block++ {
		payload := vw.batEntries[g.payloadBatIndex(block)]
		payloadState := batEntryState(payload)

		line := fmt.Sprintf("%6d  payload=%s offset=%d", block, payloadState, batEntryFileOffset(payload))

		// A sector-bitmap slot only exists in the BAT for completed
		// chunks; the final, possibly-partial chunk has none, so
		// bounds-check before reading.
		if idx := g.sectorBitmapBatIndex(block); idx < int64(len(vw.batEntries)) {
			line += fmt.Sprintf("  bitmap=%s", batEntryState(vw.batEntries[idx]))
		}

		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}

	return nil
}

// roundUp1MiB rounds n up to the next multiple of 1 MiB, the alignment
// the BAT region is laid out on.
func roundUp1MiB(n int64) int64 {
	const mib = 1 << 20
	if n&(mib-1) != 0 {
		return (n + mib) &^ (mib - 1)
	}
	return n
}
