package vhdx

import "encoding/binary"

const (
	metadataTableHeaderSize = 32
	metadataTableEntrySize  = 32

	metaFlagIsRequired = 0x00000002

	// File parameter flag bits, per the published VHDX layout (bits 0/1).
	fileParamFlagLeaveBlocksAllocated = 1 << 0
	fileParamFlagHasParent            = 1 << 1
)

// metadataTableHeader mirrors VHDX_METADATA_TABLE_HEADER.
type metadataTableHeader struct {
	Signature  uint64
	EntryCount uint16
}

// metadataTableEntry mirrors VHDX_METADATA_TABLE_ENTRY.
type metadataTableEntry struct {
	ItemID guid
	Offset uint32
	Length uint32
	Flags  uint32
}

// fileParameters collects the metadata items an open needs: block size,
// virtual disk geometry, and the two flags (the latter both expected
// false; has_parent=true means differencing disks, which this package
// does not support).
type fileParameters struct {
	BlockSize            uint32
	LeaveBlocksAllocated bool
	HasParent            bool

	VirtualDiskSize int64
	VirtualDiskID   guid

	LogicalSectorSize  uint32
	PhysicalSectorSize uint32
}

func decodeMetadataTableEntry(raw []byte) metadataTableEntry {
	var e metadataTableEntry
	copy(e.ItemID[:], raw[0:16])
	e.Offset = binary.LittleEndian.Uint32(raw[16:20])
	e.Length = binary.LittleEndian.Uint32(raw[20:24])
	e.Flags = binary.LittleEndian.Uint32(raw[24:28])
	return e
}

func encodeMetadataTableEntry(e metadataTableEntry) []byte {
	raw := make([]byte, metadataTableEntrySize)
	copy(raw[0:16], e.ItemID[:])
	binary.LittleEndian.PutUint32(raw[16:20], e.Offset)
	binary.LittleEndian.PutUint32(raw[20:24], e.Length)
	binary.LittleEndian.PutUint32(raw[24:28], e.Flags)
	return raw
}

// readFileParameters reads the metadata region at metaOffset/metaLength
// (relative to the region table entry resolved in regiontable.go),
// decodes the table header and entries, and pulls out the five items
// this package understands. Non-required items this package doesn't
// recognize (e.g. a vendor-specific extension) are skipped.
func readFileParameters(src Source, metaOffset int64, metaLength uint32) (fp fileParameters, err error) {
	raw := make([]byte, metaLength)
	if err := src.ReadAt(raw, metaOffset); err != nil {
		return fileParameters{}, err
	}

	var hdr metadataTableHeader
	hdr.Signature = binary.LittleEndian.Uint64(raw[0:8])
	hdr.EntryCount = binary.LittleEndian.Uint16(raw[8:10])

	if hdr.Signature != sigMetadataTable {
		return fileParameters{}, ErrInvalidData
	}

	haveFileParams := false
	haveDiskSize := false
	haveDiskID := false
	haveLogical := false
	havePhysical := false

	for i := uint16(0); i < hdr.EntryCount; i++ {
		off := metadataTableHeaderSize + int(i)*metadataTableEntrySize
		if off+metadataTableEntrySize > len(raw) {
			break
		}
		e := decodeMetadataTableEntry(raw[off : off+metadataTableEntrySize])

		itemOff := int(e.Offset)
		itemEnd := itemOff + int(e.Length)
		if itemOff < 0 || itemEnd > len(raw) {
			continue
		}
		item := raw[itemOff:itemEnd]

		switch e.ItemID {
		case guidFileParameters:
			if len(item) < 8 {
				continue
			}
			fp.BlockSize = binary.LittleEndian.Uint32(item[0:4])
			flags := binary.LittleEndian.Uint32(item[4:8])
			fp.LeaveBlocksAllocated = flags&fileParamFlagLeaveBlocksAllocated != 0
			fp.HasParent = flags&fileParamFlagHasParent != 0
			haveFileParams = true
		case guidVirtualDiskSize:
			if len(item) < 8 {
				continue
			}
			fp.VirtualDiskSize = int64(binary.LittleEndian.Uint64(item[0:8]))
			haveDiskSize = true
		case guidVirtualDiskID:
			if len(item) < 16 {
				continue
			}
			copy(fp.VirtualDiskID[:], item[0:16])
			haveDiskID = true
		case guidLogicalSectorSize:
			if len(item) < 4 {
				continue
			}
			fp.LogicalSectorSize = binary.LittleEndian.Uint32(item[0:4])
			haveLogical = true
		case guidPhysicalSectorSize:
			if len(item) < 4 {
				continue
			}
			fp.PhysicalSectorSize = binary.LittleEndian.Uint32(item[0:4])
			havePhysical = true
		default:
			if e.Flags&metaFlagIsRequired != 0 {
				return fileParameters{}, ErrNotSupported
			}
		}
	}

	if !haveFileParams || !haveDiskSize || !haveDiskID || !haveLogical || !havePhysical {
		return fileParameters{}, ErrInvalidData
	}

	if fp.HasParent {
		return fileParameters{}, ErrNotSupported
	}

	return fp, nil
}

const sigMetadataTable = 0x617461646174656D // "metadata"

// writeFileParameters serializes the metadata table plus its five known
// items into a single metaLength-byte region.
func writeFileParameters(dst Source, metaOffset int64, metaLength int64, fp fileParameters) error {
	raw := make([]byte, metaLength)

	binary.LittleEndian.PutUint64(raw[0:8], sigMetadataTable)
	binary.LittleEndian.PutUint16(raw[8:10], 5)

	type item struct {
		id   guid
		data []byte
	}

	fileParamsData := make([]byte, 8)
	binary.LittleEndian.PutUint32(fileParamsData[0:4], fp.BlockSize)
	var flags uint32
	if fp.LeaveBlocksAllocated {
		flags |= fileParamFlagLeaveBlocksAllocated
	}
	if fp.HasParent {
		flags |= fileParamFlagHasParent
	}
	binary.LittleEndian.PutUint32(fileParamsData[4:8], flags)

	diskSizeData := make([]byte, 8)
	binary.LittleEndian.PutUint64(diskSizeData[0:8], uint64(fp.VirtualDiskSize))

	diskIDData := make([]byte, 16)
	copy(diskIDData, fp.VirtualDiskID[:])

	logicalData := make([]byte, 4)
	binary.LittleEndian.PutUint32(logicalData[0:4], fp.LogicalSectorSize)

	physicalData := make([]byte, 4)
	binary.LittleEndian.PutUint32(physicalData[0:4], fp.PhysicalSectorSize)

	items := []item{
		{guidFileParameters, fileParamsData},
		{guidVirtualDiskSize, diskSizeData},
		{guidVirtualDiskID, diskIDData},
		{guidLogicalSectorSize, logicalData},
		{guidPhysicalSectorSize, physicalData},
	}

	entryBase := metadataTableHeaderSize
	dataOff := entryBase + len(items)*metadataTableEntrySize
	// Items are 8-byte aligned within the metadata region.
	if dataOff%8 != 0 {
		dataOff += 8 - dataOff%8
	}

	for i, it := range items {
		entryOff := entryBase + i*metadataTableEntrySize
		e := metadataTableEntry{
			ItemID: it.id,
			Offset: uint32(dataOff),
			Length: uint32(len(it.data)),
			Flags:  metaFlagIsRequired,
		}
		copy(raw[entryOff:entryOff+metadataTableEntrySize], encodeMetadataTableEntry(e))

		copy(raw[dataOff:dataOff+len(it.data)], it.data)
		dataOff += len(it.data)
		if dataOff%8 != 0 {
			dataOff += 8 - dataOff%8
		}
	}

	return dst.WriteAt(raw, metaOffset)
}
