// Package vhdx implements a sparse image writer over the Microsoft VHDX
// container format: a file identifier, two alternating headers, two
// region tables, a metadata table, a block allocation table, and a
// write-ahead log protecting BAT and metadata mutations.
package vhdx

import (
	"os"

	"github.com/dsoprea/go-logging"

	"github.com/dsoprea/go-fsdump/ferrors"
)

// Source is the byte-addressable random-access abstraction this package's
// header/region-table/metadata/BAT/log helpers need. It mirrors the root
// package's Source interface structurally so callers can pass their own
// Source values in without this package importing the root package (the
// same pattern the apfs package uses).
type Source interface {
	ReadAt(buf []byte, off int64) error
	WriteAt(buf []byte, off int64) error
	Size() int64
	SectorSize() int
	SetWindow(start, length int64) error
}

// rawFile is the unwindowed, absolute-offset adapter the header/region
// table/metadata/BAT/log helpers in this package read and write through.
// It implements Source structurally but never restricts offsets to a
// window; the Writer itself is the Source a caller sees, and is
// responsible for translating its own logical (block-addressed) window
// down to the absolute offsets rawFile expects.
type rawFile struct {
	f *os.File
}

func (r *rawFile) ReadAt(buf []byte, off int64) error {
	total := 0
	for total < len(buf) {
		n, err := r.f.ReadAt(buf[total:], off+int64(total))
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *rawFile) WriteAt(buf []byte, off int64) error {
	total := 0
	for total < len(buf) {
		n, err := r.f.WriteAt(buf[total:], off+int64(total))
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *rawFile) Size() int64 {
	fi, err := r.f.Stat()
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (r *rawFile) SectorSize() int { return 512 }

func (r *rawFile) SetWindow(start, length int64) error { return nil }

func (r *rawFile) sync() error { return r.f.Sync() }

// Writer is a Source backed by a VHDX file. Its logical address space is
// the virtual disk size from the file-parameters metadata item; reads and
// writes are translated through the block allocation table into payload
// blocks, with every BAT mutation journaled through the write-ahead log.
type Writer struct {
	raw      *rawFile
	writable bool

	active     header
	activeSlot int

	blockSize  int64
	diskSize   int64
	sectorSize int

	batOffset  int64
	batGeom    batGeometry
	batEntries []uint64

	logOffset   int64
	logLength   int64
	logTail     int64
	logHead     int64
	logSequence uint64
	txn         *logTxn

	fileSize int64

	firstWriteDone   bool
	firstBatMutation bool

	winStart, winLen int64
}

// Create lays out a brand-new VHDX file of the given logical size: file
// identifier, two headers with sequence numbers 1 and 2, two region
// tables, a 1 MiB log, a 1 MiB metadata region, and a BAT sized for
// blockSize-byte payload blocks.
func Create(path string, diskSize, blockSize int64, logicalSectorSize, physicalSectorSize uint32) (w *Writer, err error) {
	defer wrapRecover(&err)

	f, openErr := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	log.PanicIf(openErr)

	raw := &rawFile{f: f}

	log.PanicIf(writeFileIdentifier(raw))

	geom := computeBatGeometry(blockSize, int64(logicalSectorSize), diskSize)
	batLength := roundUp1MiB(geom.batEntries * 8)

	diskID, guidErr := newRandomGUID()
	log.PanicIf(guidErr)

	fileWriteGuid, fwErr := newRandomGUID()
	log.PanicIf(fwErr)
	dataWriteGuid, dwErr := newRandomGUID()
	log.PanicIf(dwErr)

	fp := fileParameters{
		BlockSize:          uint32(blockSize),
		VirtualDiskSize:    diskSize,
		VirtualDiskID:      diskID,
		LogicalSectorSize:  logicalSectorSize,
		PhysicalSectorSize: physicalSectorSize,
	}

	log.PanicIf(writeFileParameters(raw, metaDefaultOff, metaDefaultLen, fp))

	rt := regionTable{entries: []regionTableEntry{
		{Guid: guidBAT, FileOffset: uint64(batDefaultOff), Length: uint32(batLength), Flags: regiFlagRequired},
		{Guid: guidMetadata, FileOffset: uint64(metaDefaultOff), Length: uint32(metaDefaultLen), Flags: regiFlagRequired},
	}}
	log.PanicIf(writeRegionTableSlot(raw, regionTable0Off, rt))
	log.PanicIf(writeRegionTableSlot(raw, regionTable1Off, rt))

	h0 := header{
		Signature:      sigHead,
		SequenceNumber: 1,
		FileWriteGuid:  fileWriteGuid,
		DataWriteGuid:  dataWriteGuid,
		LogLength:      uint32(logDefaultLength),
		LogOffset:      uint64(logDefaultOffset),
	}
	h1 := h0
	h1.SequenceNumber = 2

	log.PanicIf(writeHeaderSlot(raw, header0Offset, h0))
	log.PanicIf(writeHeaderSlot(raw, header1Offset, h1))

	batEntries := make([]uint64, geom.batEntries)
	zeroPage := make([]byte, 1<<20)
	for off := int64(0); off < batLength; off += int64(len(zeroPage)) {
		n := int64(len(zeroPage))
		if off+n > batLength {
			n = batLength - off
		}
		log.PanicIf(raw.WriteAt(zeroPage[:n], batDefaultOff+off))
	}

	log.PanicIf(raw.sync())

	w = &Writer{
		raw:        raw,
		writable:   true,
		active:     h1,
		activeSlot: 1,
		blockSize:  blockSize,
		diskSize:   diskSize,
		sectorSize: int(physicalSectorSize),
		batOffset:  batDefaultOff,
		batGeom:    geom,
		batEntries: batEntries,
		logOffset:  logDefaultOffset,
		logLength:  logDefaultLength,
		fileSize:   batDefaultOff + batLength,
		winStart:   0,
		winLen:     diskSize,
	}

	return w, nil
}

// Open reads the file identifier, resolves the active header, replays the
// log if required, resolves the BAT and metadata regions, and loads the
// BAT into memory.
func Open(path string, writable bool) (w *Writer, err error) {
	defer wrapRecover(&err)

	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}

	f, openErr := os.OpenFile(path, flag, 0)
	log.PanicIf(openErr)

	raw := &rawFile{f: f}

	log.PanicIf(readFileIdentifier(raw))

	active, activeSlot, activeErr := readActiveHeader(raw)
	log.PanicIf(activeErr)

	if !active.LogGuid.isZero() {
		if !writable {
			f.Close()
			panic(ferrors.ErrReadOnlyMedia)
		}

		log.PanicIf(replayLog(raw, active, int64(active.LogOffset), int64(active.LogLength)))

		active, activeSlot, activeErr = readActiveHeader(raw)
		log.PanicIf(activeErr)
	}

	rt, rtErr := readActiveRegionTable(raw, activeSlot)
	log.PanicIf(rtErr)

	batRegion, metaRegion, reqErr := rt.requireEntries()
	log.PanicIf(reqErr)

	fp, fpErr := readFileParameters(raw, int64(metaRegion.FileOffset), metaRegion.Length)
	log.PanicIf(fpErr)

	geom := computeBatGeometry(int64(fp.BlockSize), int64(fp.LogicalSectorSize), fp.VirtualDiskSize)

	entries, batErr := readBAT(raw, int64(batRegion.FileOffset), geom)
	log.PanicIf(batErr)

	fi, statErr := f.Stat()
	log.PanicIf(statErr)

	w = &Writer{
		raw:        raw,
		writable:   writable,
		active:     active,
		activeSlot: activeSlot,
		blockSize:  int64(fp.BlockSize),
		diskSize:   fp.VirtualDiskSize,
		sectorSize: int(fp.PhysicalSectorSize),
		batOffset:  int64(batRegion.FileOffset),
		batGeom:    geom,
		batEntries: entries,
		logOffset:  int64(active.LogOffset),
		logLength:  int64(active.LogLength),
		fileSize:   fi.Size(),
		winStart:   0,
		winLen:     fp.VirtualDiskSize,
	}

	return w, nil
}

// ReadAt implements Source: an unmapped, not-present, zero, or undefined
// BAT entry reads as logical zero; a fully-present entry reads from its
// stored file offset.
func (w *Writer) ReadAt(buf []byte, off int64) (err error) {
	defer wrapRecover(&err)

	absOff, n, checkErr := w.translate(off, int64(len(buf)))
	log.PanicIf(checkErr)

	out := buf[:n]
	for len(out) > 0 {
		block := absOff / w.blockSize
		offInBlock := absOff % w.blockSize

		chunk := w.blockSize - offInBlock
		if chunk > int64(len(out)) {
			chunk = int64(len(out))
		}

		entry := w.batEntries[w.batGeom.payloadBatIndex(block)]
		state := batEntryState(entry)

		switch state {
		case BatFullyPresent:
			log.PanicIf(w.raw.ReadAt(out[:chunk], batEntryFileOffset(entry)+offInBlock))
		case BatPartiallyPresent:
			panic(ferrors.ErrNotSupported)
		default:
			for i := int64(0); i < chunk; i++ {
				out[i] = 0
			}
		}

		out = out[chunk:]
		absOff += chunk
	}

	return nil
}

// WriteAt implements Source, allocating a fresh payload block (and
// journaling the BAT mutation that records it) the first time any byte
// within an unmapped block is written.
func (w *Writer) WriteAt(buf []byte, off int64) (err error) {
	defer wrapRecover(&err)

	if !w.writable {
		panic(ferrors.ErrPermissionDenied)
	}

	absOff, n, checkErr := w.translate(off, int64(len(buf)))
	log.PanicIf(checkErr)

	if !w.firstWriteDone {
		log.PanicIf(w.bumpDataWriteGuid())
		w.firstWriteDone = true
	}

	in := buf[:n]
	for len(in) > 0 {
		block := absOff / w.blockSize
		offInBlock := absOff % w.blockSize

		chunk := w.blockSize - offInBlock
		if chunk > int64(len(in)) {
			chunk = int64(len(in))
		}

		idx := w.batGeom.payloadBatIndex(block)
		entry := w.batEntries[idx]

		if batEntryState(entry) != BatFullyPresent {
			blockOff := w.fileSize
			w.fileSize += w.blockSize

			log.PanicIf(w.mutateBATEntry(idx, makeBatEntry(blockOff, BatFullyPresent)))
			entry = w.batEntries[idx]
		}

		log.PanicIf(w.raw.WriteAt(in[:chunk], batEntryFileOffset(entry)+offInBlock))

		in = in[chunk:]
		absOff += chunk
	}

	return nil
}

// mutateBATEntry journals and applies a single BAT entry update: the page
// containing index is read, the one entry changed, and the resulting page
// is journaled, committed, written in place, and completed. Every BAT
// page mutation traverses the log; crash safety depends on it.
func (w *Writer) mutateBATEntry(index int64, raw uint64) (err error) {
	if !w.firstBatMutation {
		if guidErr := w.bumpFileWriteGuid(); guidErr != nil {
			return guidErr
		}
		w.firstBatMutation = true
	}

	pageEntries := int64(logDataSectorSize / 8)
	pageStart := (index / pageEntries) * pageEntries
	pageOffset := w.batOffset + pageStart*8

	var page [4096]byte
	if err := w.raw.ReadAt(page[:], pageOffset); err != nil {
		return err
	}

	slot := index - pageStart
	putUint64LE(page[slot*8:slot*8+8], raw)

	if err := w.logStart(); err != nil {
		return err
	}
	w.logWrite(pageOffset, page)
	if err := w.logCommit(); err != nil {
		return err
	}
	if err := w.raw.WriteAt(page[:], pageOffset); err != nil {
		return err
	}
	if err := w.logComplete(); err != nil {
		return err
	}

	w.batEntries[index] = raw

	return nil
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

// bumpDataWriteGuid and bumpFileWriteGuid commit a fresh GUID via two
// successive header flips, so either header slot alone already reflects
// the post-mutation state.
func (w *Writer) bumpDataWriteGuid() error {
	guidVal, err := newRandomGUID()
	if err != nil {
		return err
	}
	return w.flipTwice(func(h *header) { h.DataWriteGuid = guidVal })
}

func (w *Writer) bumpFileWriteGuid() error {
	guidVal, err := newRandomGUID()
	if err != nil {
		return err
	}
	return w.flipTwice(func(h *header) { h.FileWriteGuid = guidVal })
}

func (w *Writer) flipTwice(mutate func(*header)) error {
	if err := w.flipActive(mutate); err != nil {
		return err
	}
	if err := w.raw.sync(); err != nil {
		return err
	}
	if err := w.flipActive(mutate); err != nil {
		return err
	}
	return w.raw.sync()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() (err error) {
	defer wrapRecover(&err)

	if w.writable {
		log.PanicIf(w.raw.sync())
	}

	return w.raw.f.Close()
}

// Size implements Source.
func (w *Writer) Size() int64 { return w.winLen }

// DiskSize returns the image's whole logical size, unaffected by the
// current window. Callers that need to reset a window to "the whole
// source" after narrowing it (the orchestrator's resetWindows) need this
// rather than Size(), which tracks the current window only.
func (w *Writer) DiskSize() int64 { return w.diskSize }

// SectorSize implements Source.
func (w *Writer) SectorSize() int { return w.sectorSize }

// SetWindow implements Source.
func (w *Writer) SetWindow(start, length int64) (err error) {
	defer wrapRecover(&err)

	if start < 0 || length < 0 || start+length > w.diskSize {
		panic(ferrors.ErrInvalidArgument)
	}

	w.winStart = start
	w.winLen = length

	return nil
}

func (w *Writer) translate(off, length int64) (absOff int64, n int64, err error) {
	if off < 0 || length < 0 || off+length > w.winLen {
		return 0, 0, ferrors.ErrInvalidArgument
	}
	return w.winStart + off, length, nil
}
