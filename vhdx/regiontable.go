package vhdx

import (
	"encoding/binary"

	"github.com/dsoprea/go-fsdump/checksum"
)

const (
	regionTableHeaderSize = 16
	regionTableEntrySize  = 32

	regiFlagRequired = 0x00000001
)

// regionTableHeader mirrors VHDX_REGION_TABLE_HEADER.
type regionTableHeader struct {
	Signature  uint32
	Checksum   uint32
	EntryCount uint32
	Reserved   uint32
}

// regionTableEntry mirrors VHDX_REGION_TABLE_ENTRY.
type regionTableEntry struct {
	Guid       guid
	FileOffset uint64
	Length     uint32
	Flags      uint32
}

// regionTable is the decoded contents of one 64 KiB region table slot.
type regionTable struct {
	entries []regionTableEntry
}

// find pulls a single entry out of the table by its region GUID.
func (t regionTable) find(id guid) (regionTableEntry, bool) {
	for _, e := range t.entries {
		if e.Guid == id {
			return e, true
		}
	}
	return regionTableEntry{}, false
}

func decodeRegionTableEntry(raw []byte) regionTableEntry {
	var e regionTableEntry
	copy(e.Guid[:], raw[0:16])
	e.FileOffset = binary.LittleEndian.Uint64(raw[16:24])
	e.Length = binary.LittleEndian.Uint32(raw[24:28])
	e.Flags = binary.LittleEndian.Uint32(raw[28:32])
	return e
}

func encodeRegionTableEntry(e regionTableEntry) []byte {
	raw := make([]byte, regionTableEntrySize)
	copy(raw[0:16], e.Guid[:])
	binary.LittleEndian.PutUint64(raw[16:24], e.FileOffset)
	binary.LittleEndian.PutUint32(raw[24:28], e.Length)
	binary.LittleEndian.PutUint32(raw[28:32], e.Flags)
	return raw
}

// readRegionTableSlot reads, CRC-verifies, and decodes one 64 KiB region
// table slot. Like readHeaderSlot, a bad signature or CRC is reported via
// ok=false so the caller can fall back to the other slot.
func readRegionTableSlot(src Source, slotOffset int64) (t regionTable, ok bool, err error) {
	raw := make([]byte, regionSlotSize)
	if err := src.ReadAt(raw, slotOffset); err != nil {
		return regionTable{}, false, err
	}

	var hdr regionTableHeader
	hdr.Signature = binary.LittleEndian.Uint32(raw[0:4])
	hdr.Checksum = binary.LittleEndian.Uint32(raw[4:8])
	hdr.EntryCount = binary.LittleEndian.Uint32(raw[8:12])
	hdr.Reserved = binary.LittleEndian.Uint32(raw[12:16])

	if hdr.Signature != sigRegi {
		return regionTable{}, false, nil
	}

	check := make([]byte, len(raw))
	copy(check, raw)
	binary.LittleEndian.PutUint32(check[4:8], 0)

	if checksum.CRC32C(check) != hdr.Checksum {
		return regionTable{}, false, nil
	}

	t.entries = make([]regionTableEntry, 0, hdr.EntryCount)
	for i := uint32(0); i < hdr.EntryCount; i++ {
		off := regionTableHeaderSize + int(i)*regionTableEntrySize
		if off+regionTableEntrySize > len(raw) {
			break
		}
		t.entries = append(t.entries, decodeRegionTableEntry(raw[off:off+regionTableEntrySize]))
	}

	return t, true, nil
}

// readActiveRegionTable picks the region table slot matching the active
// header's slot index. VHDX keeps the two region tables in lockstep with
// the two headers, so the slot index carries over directly.
func readActiveRegionTable(src Source, activeHeaderSlot int) (regionTable, error) {
	slotOffset := regionTable0Off
	if activeHeaderSlot == 1 {
		slotOffset = regionTable1Off
	}

	t, ok, err := readRegionTableSlot(src, int64(slotOffset))
	if err != nil {
		return regionTable{}, err
	}
	if !ok {
		other := regionTable1Off
		if activeHeaderSlot == 1 {
			other = regionTable0Off
		}
		t, ok, err = readRegionTableSlot(src, int64(other))
		if err != nil {
			return regionTable{}, err
		}
		if !ok {
			return regionTable{}, ErrInvalidData
		}
	}

	return t, nil
}

// requireEntries resolves BAT and Metadata out of t, failing with
// ErrNotSupported if either is missing or if any other entry is flagged
// required with a GUID this package doesn't recognize.
func (t regionTable) requireEntries() (bat, meta regionTableEntry, err error) {
	bat, ok := t.find(guidBAT)
	if !ok {
		return regionTableEntry{}, regionTableEntry{}, ErrNotSupported
	}
	meta, ok = t.find(guidMetadata)
	if !ok {
		return regionTableEntry{}, regionTableEntry{}, ErrNotSupported
	}

	for _, e := range t.entries {
		if e.Flags&regiFlagRequired == 0 {
			continue
		}
		if e.Guid != guidBAT && e.Guid != guidMetadata {
			return regionTableEntry{}, regionTableEntry{}, ErrNotSupported
		}
	}

	return bat, meta, nil
}

// writeRegionTableSlot serializes and writes a BAT+Metadata region table
// into one 64 KiB slot.
func writeRegionTableSlot(dst Source, slotOffset int64, t regionTable) error {
	raw := make([]byte, regionSlotSize)

	binary.LittleEndian.PutUint32(raw[0:4], sigRegi)
	binary.LittleEndian.PutUint32(raw[8:12], uint32(len(t.entries)))

	for i, e := range t.entries {
		off := regionTableHeaderSize + i*regionTableEntrySize
		copy(raw[off:off+regionTableEntrySize], encodeRegionTableEntry(e))
	}

	crc := checksum.CRC32C(raw)
	binary.LittleEndian.PutUint32(raw[4:8], crc)

	return dst.WriteAt(raw, slotOffset)
}
