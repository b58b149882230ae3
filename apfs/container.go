// Package apfs implements the used-block scanner for Apple File System
// containers: it reads the container superblock, finds the
// latest checkpoint, locates the space manager, and walks its chunk-info
// blocks and allocation bitmaps to emit the set of byte ranges a
// container actually uses.
package apfs

import (
	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"

	"github.com/dsoprea/go-fsdump/checksum"
)

// Source is the byte-addressable random-access abstraction this package
// needs from both the device being scanned and the image being written.
// It mirrors the root package's Source interface structurally so callers
// can pass their own Source values in without this package importing the
// root package.
type Source interface {
	ReadAt(buf []byte, off int64) error
	WriteAt(buf []byte, off int64) error
	Size() int64
	SectorSize() int
	SetWindow(start, length int64) error
}

const (
	nxMagic = 0x4253584E // "NXSB", little-endian uint32

	nxDefaultBlockSize = 4096
	nxXPDescBlocksMask = 0x7FFFFFFF

	objectTypeMask     = 0x0000FFFF
	objectTypeSpaceman = 0x00000005
)

// objPhysHeader mirrors obj_phys_t's leading fields (the checksum itself
// occupies the first 8 bytes of every APFS object).
type objPhysHeader struct {
	Checksum uint64
	Oid      uint64
	Xid      uint64
	Type     uint32
	Subtype  uint32
}

// nxSuperblockPrefix mirrors nx_superblock_t from its start through
// nx_xp_data_len — every field this scanner needs to locate the
// checkpoint rings and the active checkpoint.
type nxSuperblockPrefix struct {
	Obj                      objPhysHeader
	Magic                    uint32
	BlockSize                uint32
	BlockCount               uint64
	Features                 uint64
	ReadonlyCompatFeatures   uint64
	IncompatibleFeatures     uint64
	UUID                     [16]byte
	NextOid                  uint64
	NextXid                  uint64
	XPDescBlocks             uint32
	XPDataBlocks             uint32
	XPDescBase               uint64
	XPDataBase               uint64
	XPDescNext               uint32
	XPDataNext               uint32
	XPDescIndex              uint32
	XPDescLen                uint32
	XPDataIndex              uint32
	XPDataLen                uint32
}

const nxSuperblockPrefixSize = 152

// checkpointMapping mirrors checkpoint_mapping_t (40 bytes).
type checkpointMapping struct {
	Type    uint32
	Subtype uint32
	Size    uint32
	Pad     uint32
	FsOid   uint64
	Oid     uint64
	Paddr   uint64
}

const checkpointMappingSize = 40

// checkpointMapPrefix mirrors checkpoint_map_phys_t's fixed header, ahead
// of its variable-length cpm_map array.
type checkpointMapPrefix struct {
	Obj   objPhysHeader
	Flags uint32
	Count uint32
}

const checkpointMapPrefixSize = 40

// container holds the decoded state a scanner needs across the
// container-superblock, checkpoint, and space-manager steps.
type container struct {
	src Source

	blockSize int64

	active nxSuperblockPrefix

	spacemanOff   int64
	spacemanCount int64 // byte length of the spaceman object, from its checkpoint mapping
}

// readBlock reads one block's worth of raw bytes at the given block
// address. Block addresses are block indices, not byte offsets.
func readBlock(src Source, blockAddr uint64, blockSize int64) ([]byte, error) {
	buf := make([]byte, blockSize)
	if err := src.ReadAt(buf, int64(blockAddr)*blockSize); err != nil {
		return nil, err
	}
	return buf, nil
}

// verifyFletcher64 checks the Fletcher-64 checksum stored in a block's
// first 8 bytes against the rest of the block.
func verifyFletcher64(block []byte) bool {
	if len(block)%4 != 0 {
		return false
	}

	words := make([]uint32, len(block)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(block[i*4 : i*4+4])
	}

	return checksum.Fletcher64VerifyBlock(words)
}

// decodeSuperblockPrefix parses the leading fields of an nx_superblock_t
// out of a raw block.
func decodeSuperblockPrefix(block []byte) (sb nxSuperblockPrefix, err error) {
	defer func() {
		if state := recover(); state != nil {
			if e, ok := state.(error); ok == true {
				err = e
			} else {
				err = log.Errorf("apfs: panic decoding superblock: %v", state)
			}
		}
	}()

	log.PanicIf(restruct.Unpack(block[:nxSuperblockPrefixSize], binary.LittleEndian, &sb))
	return sb, nil
}

// openContainer reads and verifies block 0, copies the
// checkpoint-descriptor and data rings through dst unconditionally,
// finds the latest committed superblock by walking the descriptor ring,
// and resolves the space manager's location via the active superblock's
// checkpoint map.
func openContainer(src, dst Source) (c *container, err error) {
	defer wrapRecover(&err)

	initial := make([]byte, nxDefaultBlockSize)
	log.PanicIf(src.ReadAt(initial, 0))

	if !verifyFletcher64(initial) {
		panic(ErrInvalidData)
	}

	sb0, decodeErr := decodeSuperblockPrefix(initial)
	log.PanicIf(decodeErr)

	if sb0.Magic != nxMagic {
		panic(ErrInvalidData)
	}

	blockSize := int64(sb0.BlockSize)
	if blockSize != nxDefaultBlockSize {
		reread := make([]byte, blockSize)
		log.PanicIf(src.ReadAt(reread, 0))

		if !verifyFletcher64(reread) {
			panic(ErrInvalidData)
		}

		sb0, decodeErr = decodeSuperblockPrefix(reread)
		log.PanicIf(decodeErr)

		initial = reread
	}

	log.PanicIf(dst.WriteAt(initial, 0))

	xpDescBlocks := int64(sb0.XPDescBlocks & nxXPDescBlocksMask)
	xpDataBlocks := int64(sb0.XPDataBlocks & nxXPDescBlocksMask)

	copyRing := func(base uint64, blocks int64) {
		if blocks == 0 {
			return
		}

		buf := make([]byte, blocks*blockSize)
		log.PanicIf(src.ReadAt(buf, int64(base)*blockSize))
		log.PanicIf(dst.WriteAt(buf, int64(base)*blockSize))
	}

	copyRing(sb0.XPDescBase, xpDescBlocks)
	copyRing(sb0.XPDataBase, xpDataBlocks)

	active := sb0
	maxXid := sb0.Obj.Xid
	idx := sb0.XPDescIndex

	for i := int64(0); i < xpDescBlocks; i++ {
		idx = uint32((int64(idx) + int64(active.XPDescLen) - 1 + xpDescBlocks) % xpDescBlocks)

		candidateBlock, readErr := readBlock(src, sb0.XPDescBase+uint64(idx), blockSize)
		log.PanicIf(readErr)

		if !verifyFletcher64(candidateBlock) {
			panic(ErrInvalidData)
		}

		candidate, decErr := decodeSuperblockPrefix(candidateBlock)
		log.PanicIf(decErr)

		if candidate.Magic != nxMagic {
			break
		}

		if candidate.Obj.Xid <= maxXid {
			break
		}

		maxXid = candidate.Obj.Xid
		active = candidate
	}

	mapBlock, readErr := readBlock(src, sb0.XPDescBase+uint64(active.XPDescIndex), blockSize)
	log.PanicIf(readErr)

	if !verifyFletcher64(mapBlock) {
		panic(ErrInvalidData)
	}

	var mapHdr checkpointMapPrefix
	log.PanicIf(restruct.Unpack(mapBlock[:checkpointMapPrefixSize], binary.LittleEndian, &mapHdr))

	var spacemanPaddr uint64
	var spacemanSize uint32
	found := false

	for i := uint32(0); i < mapHdr.Count; i++ {
		raw := mapBlock[checkpointMapPrefixSize+int(i)*checkpointMappingSize : checkpointMapPrefixSize+int(i+1)*checkpointMappingSize]

		var m checkpointMapping
		log.PanicIf(restruct.Unpack(raw, binary.LittleEndian, &m))

		if m.Type&objectTypeMask == objectTypeSpaceman {
			spacemanPaddr = m.Paddr
			spacemanSize = m.Size
			found = true
			break
		}
	}

	if !found {
		panic(ErrInvalidData)
	}

	c = &container{
		src:           src,
		blockSize:     blockSize,
		active:        active,
		spacemanOff:   int64(spacemanPaddr) * blockSize,
		spacemanCount: int64(spacemanSize),
	}

	return c, nil
}
