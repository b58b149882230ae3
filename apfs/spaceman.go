package apfs

import (
	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// smDeviceMain is the index of the main storage device within a
// spaceman_phys_t's sm_dev array (SD_MAIN). This module never deals with
// a Fusion drive's secondary tier.
const smDeviceMain = 0

// spacemanDevice mirrors spaceman_device_t (48 bytes).
type spacemanDevice struct {
	BlockCount uint64
	ChunkCount uint64
	CibCount   uint32
	CabCount   uint32
	FreeCount  uint64
	AddrOffset uint32
	Reserved   uint32
	Reserved2  uint64
}

// spacemanPrefix mirrors spaceman_phys_t from its start through sm_dev,
// which is as far as this scanner needs to read.
type spacemanPrefix struct {
	Obj            objPhysHeader
	BlockSize      uint32
	BlocksPerChunk uint32
	ChunksPerCib   uint32
	CibsPerCab     uint32
	Dev            [2]spacemanDevice
}

const spacemanPrefixSize = 144

// chunkInfo mirrors chunk_info_t (32 bytes).
type chunkInfo struct {
	Xid        uint64
	Addr       uint64
	BlockCount uint32
	FreeCount  uint32
	BitmapAddr uint64
}

const chunkInfoSize = 32

// cibHeader mirrors chunk_info_block_t's fixed header, ahead of its
// variable-length cib_chunk_info array.
type cibHeader struct {
	Obj        objPhysHeader
	Index      uint32
	ChunkCount uint32
}

const cibHeaderSize = 40

// byteRange is a used extent in absolute byte offsets within the
// container, as block addresses converted by c.blockSize.
type byteRange struct {
	Offset int64
	Length int64
}

// collectUsedRanges reads and verifies the space manager, rejects a
// CAB-based layout as unsupported, and walks every chunk-info block to
// produce the set of used byte ranges.
func collectUsedRanges(c *container) (ranges []byteRange, err error) {
	defer wrapRecover(&err)

	smBuf := make([]byte, c.spacemanCount)
	log.PanicIf(c.src.ReadAt(smBuf, c.spacemanOff))

	if !verifyFletcher64(smBuf) {
		panic(ErrInvalidData)
	}

	var sm spacemanPrefix
	log.PanicIf(restruct.Unpack(smBuf[:spacemanPrefixSize], binary.LittleEndian, &sm))

	dev := sm.Dev[smDeviceMain]
	if dev.CabCount > 0 {
		panic(ErrNotSupported)
	}

	addrArrayOff := c.spacemanOff + int64(dev.AddrOffset)
	addrBuf := make([]byte, int64(dev.CibCount)*8)
	log.PanicIf(c.src.ReadAt(addrBuf, addrArrayOff))

	for i := uint32(0); i < dev.CibCount; i++ {
		cibAddr := binary.LittleEndian.Uint64(addrBuf[i*8 : i*8+8])

		cibBlock, readErr := readBlock(c.src, cibAddr, c.blockSize)
		log.PanicIf(readErr)

		if !verifyFletcher64(cibBlock) {
			panic(ErrInvalidData)
		}

		var hdr cibHeader
		log.PanicIf(restruct.Unpack(cibBlock[:cibHeaderSize], binary.LittleEndian, &hdr))

		for j := uint32(0); j < hdr.ChunkCount; j++ {
			raw := cibBlock[cibHeaderSize+int(j)*chunkInfoSize : cibHeaderSize+int(j+1)*chunkInfoSize]

			var ci chunkInfo
			log.PanicIf(restruct.Unpack(raw, binary.LittleEndian, &ci))

			chunkRanges, chunkErr := resolveChunkRanges(c, ci)
			log.PanicIf(chunkErr)

			ranges = append(ranges, chunkRanges...)
		}
	}

	return ranges, nil
}

// resolveChunkRanges makes the per-chunk decision:
// a fully-free chunk contributes nothing, a fully-used chunk contributes
// itself whole, and a partially-used chunk is resolved bit by bit against
// its allocation bitmap.
func resolveChunkRanges(c *container, ci chunkInfo) ([]byteRange, error) {
	if ci.FreeCount == ci.BlockCount {
		return nil, nil
	}

	if ci.FreeCount == 0 {
		return []byteRange{{
			Offset: int64(ci.Addr) * c.blockSize,
			Length: int64(ci.BlockCount) * c.blockSize,
		}}, nil
	}

	bitmapBlocks := int64((ci.BlockCount + 7) / 8)
	bitmapBlocks = (bitmapBlocks + c.blockSize - 1) / c.blockSize
	if bitmapBlocks < 1 {
		bitmapBlocks = 1
	}

	bitmap := make([]byte, bitmapBlocks*c.blockSize)
	if err := c.src.ReadAt(bitmap, int64(ci.BitmapAddr)*c.blockSize); err != nil {
		return nil, err
	}

	return coalesceBitmap(bitmap, ci.Addr, ci.BlockCount, c.blockSize), nil
}

// coalesceBitmap scans bits 0..blockCount-1 of bitmap in LSB-first order
// (byte[i] >> (bit & 7) & 1) and coalesces maximal contiguous runs of set
// bits into byte ranges anchored at chunkAddr.
func coalesceBitmap(bitmap []byte, chunkAddr uint64, blockCount uint32, blockSize int64) []byteRange {
	var ranges []byteRange

	runStart := int64(-1)

	flush := func(end int64) {
		if runStart < 0 {
			return
		}
		ranges = append(ranges, byteRange{
			Offset: (int64(chunkAddr) + runStart) * blockSize,
			Length: (end - runStart) * blockSize,
		})
		runStart = -1
	}

	for bit := int64(0); bit < int64(blockCount); bit++ {
		byteIdx := bit / 8
		bitIdx := uint(bit % 8)

		set := (bitmap[byteIdx]>>bitIdx)&1 == 1

		if set && runStart < 0 {
			runStart = bit
		} else if !set {
			flush(bit)
		}
	}

	flush(int64(blockCount))

	return ranges
}
