package fsdump

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/go-restruct/restruct"

	"github.com/dsoprea/go-fsdump/checksum"
)

const (
	gptSignature          = 0x5452415020494645 // "EFI PART"
	gptRevision           = 0x00010000
	gptPartitionEntrySize = 128

	gptHeaderFixedSize = 92
)

// GUID is a mixed-endian 128-bit identifier: the first three fields are
// little-endian, the trailing 8 bytes are big-endian.
type GUID struct {
	TimeLow uint32
	TimeMid uint16
	TimeHi  uint16
	SeqHi   byte
	SeqLo   byte
	Node    [6]byte
}

// APFSTypeGUID is the canonical APFS partition type GUID
// (7C3457EF-0000-11AA-AA11-00306543ECAC).
var APFSTypeGUID = GUID{
	TimeLow: 0x7C3457EF,
	TimeMid: 0x0000,
	TimeHi:  0x11AA,
	SeqHi:   0xAA,
	SeqLo:   0x11,
	Node:    [6]byte{0x00, 0x30, 0x65, 0x43, 0xEC, 0xAC},
}

// Bytes returns the mixed-endian on-disk encoding of g.
func (g GUID) Bytes() [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:4], g.TimeLow)
	binary.LittleEndian.PutUint16(b[4:6], g.TimeMid)
	binary.LittleEndian.PutUint16(b[6:8], g.TimeHi)
	b[8] = g.SeqHi
	b[9] = g.SeqLo
	copy(b[10:16], g.Node[:])
	return b
}

// guidFromBytes decodes the mixed-endian on-disk representation.
func guidFromBytes(b []byte) GUID {
	var g GUID
	g.TimeLow = binary.LittleEndian.Uint32(b[0:4])
	g.TimeMid = binary.LittleEndian.Uint16(b[4:6])
	g.TimeHi = binary.LittleEndian.Uint16(b[6:8])
	g.SeqHi = b[8]
	g.SeqLo = b[9]
	copy(g.Node[:], b[10:16])
	return g
}

// String renders the canonical hyphenated hex form.
func (g GUID) String() string {
	return fmt.Sprintf("%08X-%04X-%04X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		g.TimeLow, g.TimeMid, g.TimeHi, g.SeqHi, g.SeqLo,
		g.Node[0], g.Node[1], g.Node[2], g.Node[3], g.Node[4], g.Node[5])
}

// GPTHeader mirrors the fixed 92-byte portion of the UEFI GPT header.
type GPTHeader struct {
	Signature                uint64
	Revision                 uint32
	HeaderSize               uint32
	HeaderCRC32              uint32
	Reserved                 uint32
	MyLBA                    uint64
	AlternateLBA             uint64
	FirstUsableLBA           uint64
	LastUsableLBA            uint64
	DiskGUID                 [16]byte
	PartitionEntryLBA        uint64
	NumberOfPartitionEntries uint32
	SizeOfPartitionEntry     uint32
	PartitionEntryArrayCRC32 uint32
}

// GPTEntry mirrors one 128-byte GPT partition entry.
type GPTEntry struct {
	PartitionTypeGUID   [16]byte
	UniquePartitionGUID [16]byte
	StartingLBA         uint64
	EndingLBA           uint64
	Attributes          uint64
	PartitionName       [36]uint16
}

// TypeGUID returns the entry's partition type as a GUID.
func (e GPTEntry) TypeGUID() GUID {
	return guidFromBytes(e.PartitionTypeGUID[:])
}

// IsTerminator reports whether this entry marks the end of the partition
// list (starting and ending LBAs both zero).
func (e GPTEntry) IsTerminator() bool {
	return e.StartingLBA == 0 && e.EndingLBA == 0
}

// ByteRange returns the partition's (offset, length) in bytes.
func (e GPTEntry) ByteRange(sectorSize int) (offset, length int64) {
	offset = int64(e.StartingLBA) * int64(sectorSize)
	length = (int64(e.EndingLBA) - int64(e.StartingLBA) + 1) * int64(sectorSize)
	return offset, length
}

// GPTPartitionMap holds a verified primary GPT header and its entry array.
type GPTPartitionMap struct {
	Header     GPTHeader
	Entries    []GPTEntry
	SectorSize int
}

// DecodeGPT reads and CRC-validates the primary GPT header and partition
// entry array from src. Header and entry-array CRC mismatches,
// a bad signature/revision, or an entry size other than 128 bytes return
// ErrInvalidData; the caller (the orchestrator) treats that as a
// non-fatal signal to fall back to MBR.
func DecodeGPT(src Source) (pm *GPTPartitionMap, err error) {
	defer wrapRecover(&err)

	sectorSize := src.SectorSize()

	headerSector := make([]byte, sectorSize)
	log.PanicIf(src.ReadAt(headerSector, int64(sectorSize)))

	var hdr GPTHeader
	log.PanicIf(restruct.Unpack(headerSector[:gptHeaderFixedSize], binary.LittleEndian, &hdr))

	if hdr.Signature != gptSignature {
		panic(ErrInvalidData)
	}
	if hdr.Revision != gptRevision {
		panic(ErrInvalidData)
	}
	if int(hdr.HeaderSize) > sectorSize {
		panic(ErrInvalidData)
	}
	if hdr.SizeOfPartitionEntry != gptPartitionEntrySize {
		panic(ErrInvalidData)
	}

	storedHeaderCRC := hdr.HeaderCRC32
	headerForCRC := make([]byte, hdr.HeaderSize)
	copy(headerForCRC, headerSector[:hdr.HeaderSize])
	// HeaderCRC32 sits at byte offset 16 within the header.
	binary.LittleEndian.PutUint32(headerForCRC[16:20], 0)
	if checksum.CRC32GPT(headerForCRC) != storedHeaderCRC {
		panic(ErrInvalidData)
	}

	entryArraySize := uint64(hdr.NumberOfPartitionEntries) * uint64(hdr.SizeOfPartitionEntry)
	roundedSize := roundUpToSector(entryArraySize, int64(sectorSize))

	entryData := make([]byte, roundedSize)
	log.PanicIf(src.ReadAt(entryData, int64(hdr.PartitionEntryLBA)*int64(sectorSize)))

	if checksum.CRC32GPT(entryData[:entryArraySize]) != hdr.PartitionEntryArrayCRC32 {
		panic(ErrInvalidData)
	}

	entries := make([]GPTEntry, 0, hdr.NumberOfPartitionEntries)
	for i := uint32(0); i < hdr.NumberOfPartitionEntries; i++ {
		raw := entryData[uint64(i)*gptPartitionEntrySize : uint64(i+1)*gptPartitionEntrySize]

		var e GPTEntry
		log.PanicIf(restruct.Unpack(raw, binary.LittleEndian, &e))

		if e.IsTerminator() {
			break
		}

		entries = append(entries, e)
	}

	pm = &GPTPartitionMap{
		Header:     hdr,
		Entries:    entries,
		SectorSize: sectorSize,
	}

	return pm, nil
}

// DumpEntries writes one line per non-terminator partition entry to w:
// index, type GUID, unique GUID, and the partition's byte range.
func DumpEntries(w io.Writer, pm *GPTPartitionMap) error {
	for i, e := range pm.Entries {
		off, length := e.ByteRange(pm.SectorSize)
		_, err := fmt.Fprintf(w, "%3d  type=%s  guid=%s  offset=%s  length=%s\n",
			i, e.TypeGUID(), guidFromBytes(e.UniquePartitionGUID[:]),
			humanize.Bytes(uint64(off)), humanize.Bytes(uint64(length)))
		if err != nil {
			return err
		}
	}
	return nil
}

// roundUpToSector rounds n up to the next multiple of sectorSize.
func roundUpToSector(n uint64, sectorSize int64) uint64 {
	ss := uint64(sectorSize)
	return (n + ss - 1) / ss * ss
}

// CopyGPT duplicates the protective MBR sector, the primary header and
// entry array, and the alternate header and entry array from src to dst.
func CopyGPT(src, dst Source, pm *GPTPartitionMap) (err error) {
	defer wrapRecover(&err)

	sectorSize := pm.SectorSize
	hdr := pm.Header

	copySector := func(lba uint64) {
		buf := make([]byte, sectorSize)
		log.PanicIf(src.ReadAt(buf, int64(lba)*int64(sectorSize)))
		log.PanicIf(dst.WriteAt(buf, int64(lba)*int64(sectorSize)))
	}

	copyRange := func(off, size int64) {
		buf := make([]byte, size)
		log.PanicIf(src.ReadAt(buf, off))
		log.PanicIf(dst.WriteAt(buf, off))
	}

	// Sector 0: the protective MBR. Sector 1: the primary GPT header.
	copySector(0)
	copySector(1)

	primaryEntriesOff := int64(hdr.PartitionEntryLBA) * int64(sectorSize)
	primaryEntriesSize := int64(roundUpToSector(uint64(hdr.NumberOfPartitionEntries)*uint64(hdr.SizeOfPartitionEntry), int64(sectorSize)))
	copyRange(primaryEntriesOff, primaryEntriesSize)

	copySector(hdr.AlternateLBA)

	altHeaderSector := make([]byte, sectorSize)
	log.PanicIf(src.ReadAt(altHeaderSector, int64(hdr.AlternateLBA)*int64(sectorSize)))

	var altHdr GPTHeader
	log.PanicIf(restruct.Unpack(altHeaderSector[:gptHeaderFixedSize], binary.LittleEndian, &altHdr))

	altEntriesOff := int64(altHdr.PartitionEntryLBA) * int64(sectorSize)
	altEntriesSize := int64(roundUpToSector(uint64(altHdr.NumberOfPartitionEntries)*uint64(altHdr.SizeOfPartitionEntry), int64(sectorSize)))
	copyRange(altEntriesOff, altEntriesSize)

	return nil
}
