package fsdump

import (
	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// MBREntry mirrors one 16-byte classic MBR partition-table entry.
type MBREntry struct {
	Status   uint8
	CHSStart [3]byte
	Type     uint8
	CHSEnd   [3]byte
	LBAStart uint32
	LBASize  uint32
}

// ByteRange returns the partition's (offset, length) in bytes.
func (e MBREntry) ByteRange(sectorSize int) (offset, length int64) {
	offset = int64(e.LBAStart) * int64(sectorSize)
	length = int64(e.LBASize) * int64(sectorSize)
	return offset, length
}

// IsEmpty reports whether this entry is unused.
func (e MBREntry) IsEmpty() bool {
	return e.LBAStart == 0 && e.LBASize == 0
}

// MBRPartitionMap holds the four classic MBR entries.
type MBRPartitionMap struct {
	Entries    [4]MBREntry
	SectorSize int
}

// DecodeMBR reads sector 0 of src, verifies the 0x55AA signature at offset
// 0x1FE, and decodes the four partition-table entries at offset 0x1BE.
func DecodeMBR(src Source) (pm *MBRPartitionMap, err error) {
	defer wrapRecover(&err)

	sectorSize := src.SectorSize()
	buf := make([]byte, 512)
	log.PanicIf(src.ReadAt(buf, 0))

	if buf[510] != 0x55 || buf[511] != 0xAA {
		panic(ErrInvalidData)
	}

	pm = &MBRPartitionMap{SectorSize: sectorSize}

	for i := 0; i < 4; i++ {
		raw := buf[0x1BE+i*16 : 0x1BE+(i+1)*16]

		var e MBREntry
		log.PanicIf(restruct.Unpack(raw, binary.LittleEndian, &e))

		pm.Entries[i] = e
	}

	return pm, nil
}
