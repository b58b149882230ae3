package vhdx

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"

	"github.com/dsoprea/go-fsdump/checksum"
)

const (
	sigFileIdentifier = 0x656C696678646876 // "vhdxfile", little-endian u64
	sigHead           = 0x64616568         // "head"
	sigRegi           = 0x69676572         // "regi"
	sigLoge           = 0x65676F6C         // "loge"
	sigZero           = 0x6F72657A         // "zero"
	sigDesc           = 0x63736564         // "desc"
	sigData           = 0x61746164         // "data"

	regionSlotSize = 0x10000 // each of identifier/header/region-table occupies a 64 KiB slot
	headerSize     = 4096

	identifierOffset = 0
	header0Offset    = 0x10000
	header1Offset    = 0x20000
	regionTable0Off  = 0x30000
	regionTable1Off  = 0x40000
	logDefaultOffset = 0x100000
	logDefaultLength = 0x100000 // 1 MiB
	metaDefaultOff   = 0x200000
	metaDefaultLen   = 0x100000 // 1 MiB
	batDefaultOff    = 0x300000
)

// fileIdentifier mirrors VHDX_FILE_IDENTIFIER at offset 0.
type fileIdentifier struct {
	Signature uint64
	Creator   [256]uint16
}

const fileIdentifierSize = 8 + 256*2

// header mirrors VHDX_HEADER. Checksum is computed over exactly these 4096
// bytes with the field itself zeroed, matching the published VHDX
// structure size (CRCing the whole 0x10000 on-disk slot instead would
// also fold in the slot's trailing, otherwise-untracked padding; this
// package sticks to the structure's own 4096 bytes so the checksum only
// ever covers defined fields).
type header struct {
	Signature      uint32
	Checksum       uint32
	SequenceNumber uint64
	FileWriteGuid  guid
	DataWriteGuid  guid
	LogGuid        guid
	LogVersion     uint16
	Version        uint16
	LogLength      uint32
	LogOffset      uint64
	Reserved       [4016]byte
}

func (h *header) pack() ([]byte, error) {
	return restruct.Pack(binary.LittleEndian, h)
}

func unpackHeader(raw []byte) (h header, err error) {
	err = restruct.Unpack(raw, binary.LittleEndian, &h)
	return h, err
}

// headerCRC returns the CRC-32C of h with its Checksum field zeroed.
func headerCRC(h header) (uint32, error) {
	h.Checksum = 0
	raw, err := h.pack()
	if err != nil {
		return 0, err
	}
	return checksum.CRC32C(raw), nil
}

// readHeaderSlot reads and validates the header at a fixed 64 KiB slot
// offset. A bad signature or CRC mismatch is reported via ok=false rather
// than an error, since readActiveHeader must tolerate one of the two
// slots being garbage (e.g. on a file that crashed mid-flip).
func readHeaderSlot(src Source, slotOffset int64) (h header, ok bool, err error) {
	raw := make([]byte, headerSize)
	if err := src.ReadAt(raw, slotOffset); err != nil {
		return header{}, false, err
	}

	h, unpackErr := unpackHeader(raw)
	if unpackErr != nil {
		return header{}, false, unpackErr
	}

	if h.Signature != sigHead {
		return header{}, false, nil
	}

	want := h.Checksum
	got, crcErr := headerCRC(h)
	if crcErr != nil {
		return header{}, false, crcErr
	}
	if got != want {
		return header{}, false, nil
	}

	return h, true, nil
}

func writeHeaderSlot(dst Source, slotOffset int64, h header) error {
	crc, err := headerCRC(h)
	if err != nil {
		return err
	}
	h.Checksum = crc

	raw, err := h.pack()
	if err != nil {
		return err
	}

	padded := make([]byte, regionSlotSize)
	copy(padded, raw)

	return dst.WriteAt(padded, slotOffset)
}

// readActiveHeader reads both header slots and returns whichever one has a
// valid signature and CRC with the higher SequenceNumber. At least one
// slot must be valid or open fails with ErrInvalidData.
func readActiveHeader(src Source) (active header, activeSlot int, err error) {
	h0, ok0, err0 := readHeaderSlot(src, header0Offset)
	if err0 != nil {
		return header{}, 0, err0
	}
	h1, ok1, err1 := readHeaderSlot(src, header1Offset)
	if err1 != nil {
		return header{}, 0, err1
	}

	switch {
	case ok0 && ok1:
		if h1.SequenceNumber > h0.SequenceNumber {
			return h1, 1, nil
		}
		return h0, 0, nil
	case ok0:
		return h0, 0, nil
	case ok1:
		return h1, 1, nil
	default:
		return header{}, 0, ErrInvalidData
	}
}

func headerSlotOffset(slot int) int64 {
	if slot == 0 {
		return header0Offset
	}
	return header1Offset
}

// flipHeader writes mutate's result into the inactive slot with a bumped
// sequence number, and returns the new active slot index. A header GUID
// update is itself a header flip, and clearing LogGuid takes two flips;
// both reduce to repeated calls of this primitive.
func flipHeader(dst Source, current header, currentSlot int, mutate func(*header)) (next header, nextSlot int, err error) {
	next = current
	mutate(&next)
	next.SequenceNumber = current.SequenceNumber + 1

	nextSlot = 1 - currentSlot

	if err := writeHeaderSlot(dst, headerSlotOffset(nextSlot), next); err != nil {
		return header{}, 0, err
	}

	return next, nextSlot, nil
}

// writeFileIdentifier writes the VHDX_FILE_IDENTIFIER region at offset 0.
func writeFileIdentifier(dst Source) error {
	ident := fileIdentifier{Signature: sigFileIdentifier}
	creator := []rune("go-fsdump")
	for i, r := range creator {
		if i >= len(ident.Creator) {
			break
		}
		ident.Creator[i] = uint16(r)
	}

	raw, err := restruct.Pack(binary.LittleEndian, &ident)
	if err != nil {
		return err
	}

	padded := make([]byte, regionSlotSize)
	copy(padded, raw)

	return dst.WriteAt(padded, identifierOffset)
}

func readFileIdentifier(src Source) error {
	raw := make([]byte, fileIdentifierSize)
	if err := src.ReadAt(raw, identifierOffset); err != nil {
		return err
	}

	var ident fileIdentifier
	if err := restruct.Unpack(raw, binary.LittleEndian, &ident); err != nil {
		return err
	}

	if ident.Signature != sigFileIdentifier {
		return ErrInvalidData
	}

	return nil
}
