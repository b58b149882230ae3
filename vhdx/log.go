package vhdx

import (
	"encoding/binary"
	"sort"

	"github.com/dsoprea/go-logging"

	"github.com/dsoprea/go-fsdump/checksum"
)

const (
	logEntryHeaderSize = 64
	logDescriptorSize  = 32
	logDataSectorSize  = 4096
	logSectorSize      = 4096

	logDataMiddleSize = logDataSectorSize - 4 - 4 - 4 // signature + seq-high + seq-low
)

// logEntryHeader mirrors VHDX_LOG_ENTRY_HEADER: a 64-byte header in
// front of descriptor_count fixed descriptors and their referenced 4 KiB
// data sectors.
type logEntryHeader struct {
	Signature         uint32
	Checksum          uint32
	EntryLength       uint32
	Tail              uint32
	SequenceNumber    uint64
	DescriptorCount   uint32
	Reserved          uint32
	LogGuid           guid
	FlushedFileOffset uint64
	LastFileOffset    uint64
}

func decodeLogEntryHeader(raw []byte) logEntryHeader {
	var h logEntryHeader
	h.Signature = binary.LittleEndian.Uint32(raw[0:4])
	h.Checksum = binary.LittleEndian.Uint32(raw[4:8])
	h.EntryLength = binary.LittleEndian.Uint32(raw[8:12])
	h.Tail = binary.LittleEndian.Uint32(raw[12:16])
	h.SequenceNumber = binary.LittleEndian.Uint64(raw[16:24])
	h.DescriptorCount = binary.LittleEndian.Uint32(raw[24:28])
	h.Reserved = binary.LittleEndian.Uint32(raw[28:32])
	copy(h.LogGuid[:], raw[32:48])
	h.FlushedFileOffset = binary.LittleEndian.Uint64(raw[48:56])
	h.LastFileOffset = binary.LittleEndian.Uint64(raw[56:64])
	return h
}

func encodeLogEntryHeader(h logEntryHeader) []byte {
	raw := make([]byte, logEntryHeaderSize)
	binary.LittleEndian.PutUint32(raw[0:4], h.Signature)
	binary.LittleEndian.PutUint32(raw[4:8], h.Checksum)
	binary.LittleEndian.PutUint32(raw[8:12], h.EntryLength)
	binary.LittleEndian.PutUint32(raw[12:16], h.Tail)
	binary.LittleEndian.PutUint64(raw[16:24], h.SequenceNumber)
	binary.LittleEndian.PutUint32(raw[24:28], h.DescriptorCount)
	binary.LittleEndian.PutUint32(raw[28:32], h.Reserved)
	copy(raw[32:48], h.LogGuid[:])
	binary.LittleEndian.PutUint64(raw[48:56], h.FlushedFileOffset)
	binary.LittleEndian.PutUint64(raw[56:64], h.LastFileOffset)
	return raw
}

// logDescriptor mirrors VHDX_LOG_DESCRIPTOR. A "desc" (data) descriptor
// carries the target 4 KiB page's first 8 and last 4 bytes inline so the
// referenced data sector (logDataSector) never needs to embed them; a
// "zero" descriptor reuses the same 32 bytes with LeadingBytes
// reinterpreted as a little-endian ZeroLength.
type logDescriptor struct {
	Signature      uint32
	TrailingBytes  [4]byte
	LeadingBytes   [8]byte
	FileOffset     uint64
	SequenceNumber uint64
}

func decodeLogDescriptor(raw []byte) logDescriptor {
	var d logDescriptor
	d.Signature = binary.LittleEndian.Uint32(raw[0:4])
	copy(d.TrailingBytes[:], raw[4:8])
	copy(d.LeadingBytes[:], raw[8:16])
	d.FileOffset = binary.LittleEndian.Uint64(raw[16:24])
	d.SequenceNumber = binary.LittleEndian.Uint64(raw[24:32])
	return d
}

func encodeLogDescriptor(d logDescriptor) []byte {
	raw := make([]byte, logDescriptorSize)
	binary.LittleEndian.PutUint32(raw[0:4], d.Signature)
	copy(raw[4:8], d.TrailingBytes[:])
	copy(raw[8:16], d.LeadingBytes[:])
	binary.LittleEndian.PutUint64(raw[16:24], d.FileOffset)
	binary.LittleEndian.PutUint64(raw[24:32], d.SequenceNumber)
	return raw
}

func (d logDescriptor) zeroLength() uint64 {
	return binary.LittleEndian.Uint64(d.LeadingBytes[:])
}

// logDataSector mirrors VHDX_LOG_DATA_SECTOR: the referenced 4 KiB page's
// own first 8 and last 4 bytes are pulled out into the descriptor (above)
// so this sector's signature/sequence framing never collides with real
// page content.
type logDataSector struct {
	SequenceHigh uint32
	Middle       [logDataMiddleSize]byte
	SequenceLow  uint32
}

func decodeLogDataSector(raw []byte) (s logDataSector, ok bool) {
	if binary.LittleEndian.Uint32(raw[0:4]) != sigData {
		return logDataSector{}, false
	}
	s.SequenceHigh = binary.LittleEndian.Uint32(raw[4:8])
	copy(s.Middle[:], raw[8:8+logDataMiddleSize])
	s.SequenceLow = binary.LittleEndian.Uint32(raw[8+logDataMiddleSize : logDataSectorSize])
	return s, true
}

func encodeLogDataSector(s logDataSector) []byte {
	raw := make([]byte, logDataSectorSize)
	binary.LittleEndian.PutUint32(raw[0:4], sigData)
	binary.LittleEndian.PutUint32(raw[4:8], s.SequenceHigh)
	copy(raw[8:8+logDataMiddleSize], s.Middle[:])
	binary.LittleEndian.PutUint32(raw[8+logDataMiddleSize:logDataSectorSize], s.SequenceLow)
	return raw
}

func dataSectorForPage(page [4096]byte, sequenceNumber uint64) (logDescriptor, logDataSector) {
	var d logDescriptor
	d.Signature = sigDesc
	copy(d.TrailingBytes[:], page[4092:4096])
	copy(d.LeadingBytes[:], page[0:8])
	d.SequenceNumber = sequenceNumber

	var s logDataSector
	s.SequenceHigh = uint32(sequenceNumber >> 32)
	s.SequenceLow = uint32(sequenceNumber)
	copy(s.Middle[:], page[8:8+logDataMiddleSize])

	return d, s
}

// reconstructPage undoes dataSectorForPage: the descriptor's leading
// bytes, the data sector's middle bytes, and the descriptor's trailing
// bytes concatenate back into the original 4 KiB page.
func reconstructPage(d logDescriptor, s logDataSector) [4096]byte {
	var page [4096]byte
	copy(page[0:8], d.LeadingBytes[:])
	copy(page[8:8+logDataMiddleSize], s.Middle[:])
	copy(page[4092:4096], d.TrailingBytes[:])
	return page
}

// logTxn is the single in-flight write-ahead-log transaction a Writer may
// hold at a time. tail/head are byte offsets relative to the start of the
// log region.
type logTxn struct {
	tail           int64
	head           int64
	sequenceNumber uint64
	descriptors    []logDescriptor
	dataSectors    [][]byte // pre-encoded logDataSector bytes, one per data descriptor, in order
}

// logStart begins a new transaction: it installs a fresh LogGuid on the
// active header via a header flip and resets the in-memory log entry to
// the current tail.
func (w *Writer) logStart() (err error) {
	guidVal, guidErr := newRandomGUID()
	if guidErr != nil {
		return guidErr
	}

	if flipErr := w.flipActive(func(h *header) { h.LogGuid = guidVal }); flipErr != nil {
		return flipErr
	}
	if syncErr := w.raw.sync(); syncErr != nil {
		return syncErr
	}

	w.logSequence++
	w.txn = &logTxn{
		tail:           w.logHead,
		head:           w.logHead,
		sequenceNumber: w.logSequence,
	}

	return nil
}

// logWrite appends one data descriptor and its referenced data sector to
// the open transaction.
func (w *Writer) logWrite(targetOffset int64, page [4096]byte) {
	d, s := dataSectorForPage(page, w.txn.sequenceNumber)
	d.FileOffset = uint64(targetOffset)

	w.txn.descriptors = append(w.txn.descriptors, d)
	w.txn.dataSectors = append(w.txn.dataSectors, encodeLogDataSector(s))
	w.txn.head += logDataSectorSize
}

// logCommit finalizes the open transaction's header, CRC-32Cs the whole
// run of descriptors and data sectors, and writes it into the circular
// log region, followed by a flush.
func (w *Writer) logCommit() (err error) {
	txn := w.txn

	entryLen := logEntryHeaderSize + len(txn.descriptors)*logDescriptorSize
	for _, ds := range txn.dataSectors {
		entryLen += len(ds)
	}
	entryLen = roundUpLogSector(entryLen)

	body := make([]byte, entryLen)
	for i, d := range txn.descriptors {
		copy(body[logEntryHeaderSize+i*logDescriptorSize:], encodeLogDescriptor(d))
	}
	dataOff := logEntryHeaderSize + len(txn.descriptors)*logDescriptorSize
	for _, ds := range txn.dataSectors {
		copy(body[dataOff:], ds)
		dataOff += len(ds)
	}

	hdr := logEntryHeader{
		Signature:         sigLoge,
		EntryLength:       uint32(entryLen),
		Tail:              uint32(txn.tail),
		SequenceNumber:    txn.sequenceNumber,
		DescriptorCount:   uint32(len(txn.descriptors)),
		LogGuid:           w.active.LogGuid,
		FlushedFileOffset: uint64(w.fileSize),
		LastFileOffset:    uint64(w.fileSize),
	}
	copy(body[0:logEntryHeaderSize], encodeLogEntryHeader(hdr))

	crc := checksum.CRC32C(body)
	binary.LittleEndian.PutUint32(body[4:8], crc)

	if err := writeCircular(w.raw, w.logOffset, w.logLength, txn.tail, body); err != nil {
		return err
	}

	return w.raw.sync()
}

// logComplete performs the in-place writes' bookkeeping: it advances the
// log tail to the head and clears LogGuid via two header flips, so a
// later open sees a clean log and skips replay.
func (w *Writer) logComplete() (err error) {
	w.logTail = w.txn.head
	w.logHead = w.txn.head
	w.txn = nil

	return w.clearLogGuid()
}

func (w *Writer) clearLogGuid() error {
	if err := w.flipActive(func(h *header) { h.LogGuid = guid{} }); err != nil {
		return err
	}
	if err := w.raw.sync(); err != nil {
		return err
	}
	if err := w.flipActive(func(h *header) { h.LogGuid = guid{} }); err != nil {
		return err
	}
	return w.raw.sync()
}

// flipActive wraps flipHeader against the Writer's current active header
// and slot, updating both in place.
func (w *Writer) flipActive(mutate func(*header)) error {
	next, nextSlot, err := flipHeader(w.raw, w.active, w.activeSlot, mutate)
	if err != nil {
		return err
	}
	w.active = next
	w.activeSlot = nextSlot
	return nil
}

func roundUpLogSector(n int) int {
	if n%logSectorSize != 0 {
		n += logSectorSize - n%logSectorSize
	}
	return n
}

// writeCircular writes data into [logOffset, logOffset+logLength) starting
// at regionOff (relative to logOffset), wrapping around to the start of
// the region when it runs past the end.
func writeCircular(raw *rawFile, logOffset, logLength, regionOff int64, data []byte) error {
	first := regionOff % logLength
	remaining := int64(len(data))
	src := data

	for remaining > 0 {
		chunk := logLength - first
		if chunk > remaining {
			chunk = remaining
		}

		if err := raw.WriteAt(src[:chunk], logOffset+first); err != nil {
			return err
		}

		src = src[chunk:]
		remaining -= chunk
		first = 0
	}

	return nil
}

func readCircular(raw *rawFile, logOffset, logLength, regionOff int64, n int) ([]byte, error) {
	out := make([]byte, n)
	first := regionOff % logLength
	remaining := int64(n)
	dst := out

	for remaining > 0 {
		chunk := logLength - first
		if chunk > remaining {
			chunk = remaining
		}

		if err := raw.ReadAt(dst[:chunk], logOffset+first); err != nil {
			return nil, err
		}

		dst = dst[chunk:]
		remaining -= chunk
		first = 0
	}

	return out, nil
}

// replayLog scans the log region at 4 KiB stride for entries whose
// CRC-32C verifies and whose LogGuid matches active's, applies their
// descriptors in sequence-number order, then clears LogGuid on the
// active header so a later open sees a clean log.
func replayLog(raw *rawFile, active header, logOffset, logLength int64) (err error) {
	defer wrapRecover(&err)

	type foundEntry struct {
		hdr  logEntryHeader
		body []byte
	}

	var found []foundEntry

	strideCount := int(logLength / logSectorSize)
	for i := 0; i < strideCount; i++ {
		off := logOffset + int64(i)*logSectorSize

		hdrRaw := make([]byte, logEntryHeaderSize)
		if readErr := raw.ReadAt(hdrRaw, off); readErr != nil {
			return readErr
		}

		hdr := decodeLogEntryHeader(hdrRaw)
		if hdr.Signature != sigLoge {
			continue
		}
		if hdr.LogGuid != active.LogGuid {
			continue
		}
		if int64(hdr.EntryLength) < logEntryHeaderSize || int64(hdr.EntryLength) > logLength {
			continue
		}

		body, readErr := readCircular(raw, logOffset, logLength, off-logOffset, int(hdr.EntryLength))
		if readErr != nil {
			return readErr
		}

		check := make([]byte, len(body))
		copy(check, body)
		binary.LittleEndian.PutUint32(check[4:8], 0)
		if checksum.CRC32C(check) != hdr.Checksum {
			continue
		}

		found = append(found, foundEntry{hdr: hdr, body: body})
	}

	if len(found) == 0 {
		return nil
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].hdr.SequenceNumber < found[j].hdr.SequenceNumber
	})

	for _, fe := range found {
		log.PanicIf(applyLogEntry(raw, fe.hdr, fe.body))
	}

	active.LogGuid = guid{}
	return writeHeaderSlotDirect(raw, active)
}

// writeHeaderSlotDirect re-writes active at whichever slot its
// SequenceNumber indicates it occupies, without bumping the sequence
// number. Replay repairs the current state in place rather than flipping
// to a new slot.
func writeHeaderSlotDirect(raw *rawFile, active header) error {
	h0, ok0, err := readHeaderSlot(raw, header0Offset)
	if err != nil {
		return err
	}
	slot := 1
	if ok0 && h0.SequenceNumber == active.SequenceNumber {
		slot = 0
	}
	return writeHeaderSlot(raw, headerSlotOffset(slot), active)
}

func applyLogEntry(raw *rawFile, hdr logEntryHeader, body []byte) error {
	off := logEntryHeaderSize
	dataOff := logEntryHeaderSize + int(hdr.DescriptorCount)*logDescriptorSize

	for i := uint32(0); i < hdr.DescriptorCount; i++ {
		d := decodeLogDescriptor(body[off : off+logDescriptorSize])
		off += logDescriptorSize

		switch d.Signature {
		case sigZero:
			length := d.zeroLength()
			zeros := make([]byte, length)
			if err := raw.WriteAt(zeros, int64(d.FileOffset)); err != nil {
				return err
			}
		case sigDesc:
			if dataOff+logDataSectorSize > len(body) {
				return ErrInvalidData
			}
			s, ok := decodeLogDataSector(body[dataOff : dataOff+logDataSectorSize])
			if !ok {
				return ErrInvalidData
			}
			dataOff += logDataSectorSize

			page := reconstructPage(d, s)
			if err := raw.WriteAt(page[:], int64(d.FileOffset)); err != nil {
				return err
			}
		default:
			return ErrInvalidData
		}
	}

	return nil
}
