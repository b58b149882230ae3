// Package sparseimage implements the Apple sparseimage band-indexed
// container format: a fixed-size logical address space
// backed by a sparse file that only grows as bands are actually written.
package sparseimage

import (
	"encoding/binary"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"

	"github.com/dsoprea/go-fsdump/ferrors"
)

const (
	nodeSize   = 4096
	sectorSize = 512
	bandSize   = 1 << 20 // 1 MiB

	sectorsPerBand = bandSize / sectorSize

	headerBandSlots = 1008
	indexBandSlots  = 1010

	signature = 0x73707273 // 'sprs'
	version   = 3
)

// headerNode mirrors the first 4 KiB node of a sparseimage file.
type headerNode struct {
	Signature           uint32
	Version             uint32
	SectorsPerBand      uint32
	Flags               uint32
	TotalSectorsLow     uint32
	NextIndexNodeOffset uint64
	TotalSectors        uint64
	Pad                 [28]byte
	BandID              [headerBandSlots]uint32
}

// indexNode mirrors every subsequent 4 KiB node in the chain.
type indexNode struct {
	Signature           uint32
	IndexNodeNr         uint32
	Flags               uint32
	NextIndexNodeOffset uint64
	Pad                 [36]byte
	BandID              [indexBandSlots]uint32
}

// Writer is a Source backed by an Apple sparseimage file. Band offsets
// are tracked entirely in memory. A node is written to disk when it fills
// up and a new index node takes over, and the active node (the header, or
// the most recently allocated index node) is written at Close; a new band
// allocation by itself writes no node.
type Writer struct {
	f        *os.File
	writable bool

	logicalSize int64
	bandOffset  []int64 // band id -> file offset; 0 means unallocated

	fileSize int64

	// currentNodeOffset is 0 while the header is still the active node;
	// otherwise it is the byte offset of the active index node.
	currentNodeOffset int64
	nextIndexNodeNr   uint32
	nextFreeSlot      int

	header headerNode
	index  indexNode

	winStart int64
	winLen   int64
}

// Create truncates path and writes a single header node describing a
// logical device of the given size, with no bands allocated.
func Create(path string, logicalSize int64) (w *Writer, err error) {
	defer wrapRecover(&err)

	f, openErr := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	log.PanicIf(openErr)

	totalSectors := uint64(logicalSize / sectorSize)

	w = &Writer{
		f:           f,
		writable:    true,
		logicalSize: logicalSize,
		bandOffset:  make([]int64, (logicalSize+bandSize-1)/bandSize),
		fileSize:    nodeSize,
		winStart:    0,
		winLen:      logicalSize,
	}

	w.header = headerNode{
		Signature:       signature,
		Version:         version,
		SectorsPerBand:  sectorsPerBand,
		Flags:           1,
		TotalSectorsLow: uint32(totalSectors & 0xFFFFFFFF),
		TotalSectors:    totalSectors,
	}

	log.PanicIf(w.writeHeader())

	return w, nil
}

// Open reads the header node, validates the 'sprs' magic, and
// reconstructs the band_id -> file_offset map by traversing the header's
// band IDs followed by the chain of index nodes.
func Open(path string, writable bool) (w *Writer, err error) {
	defer wrapRecover(&err)

	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}

	f, openErr := os.OpenFile(path, flag, 0)
	log.PanicIf(openErr)

	w = &Writer{f: f, writable: writable}

	raw := make([]byte, nodeSize)
	log.PanicIf(readFullAt(f, raw, 0))
	log.PanicIf(restruct.Unpack(raw, binary.BigEndian, &w.header))

	if w.header.Signature != signature {
		f.Close()
		panic(ferrors.ErrInvalidData)
	}

	bandSz := int64(w.header.SectorsPerBand) * sectorSize
	w.logicalSize = int64(w.header.TotalSectors) * sectorSize
	w.winStart = 0
	w.winLen = w.logicalSize
	w.bandOffset = make([]int64, (w.logicalSize+bandSz-1)/bandSz)

	offset := int64(nodeSize)

	slot := 0
	for ; slot < headerBandSlots; slot++ {
		id := w.header.BandID[slot]
		if id == 0 {
			break
		}
		w.bandOffset[id-1] = offset
		offset += bandSz
	}
	w.nextFreeSlot = slot

	nodeOffset := int64(w.header.NextIndexNodeOffset)
	for nodeOffset != 0 {
		w.currentNodeOffset = nodeOffset

		idxRaw := make([]byte, nodeSize)
		log.PanicIf(readFullAt(f, idxRaw, nodeOffset))
		log.PanicIf(restruct.Unpack(idxRaw, binary.BigEndian, &w.index))

		offset += nodeSize

		slot = 0
		for ; slot < indexBandSlots; slot++ {
			id := w.index.BandID[slot]
			if id == 0 {
				break
			}
			w.bandOffset[id-1] = offset
			offset += bandSz
		}
		w.nextFreeSlot = slot
		w.nextIndexNodeNr = w.index.IndexNodeNr + 1

		nodeOffset = int64(w.index.NextIndexNodeOffset)
	}

	w.fileSize = offset

	return w, nil
}

// ReadAt implements Source: for each band the requested range spans, an
// unallocated band zero-fills its slice; otherwise the underlying bytes
// are read from the band's file offset.
func (w *Writer) ReadAt(buf []byte, off int64) (err error) {
	defer wrapRecover(&err)

	absOff, n, checkErr := w.translate(off, int64(len(buf)))
	log.PanicIf(checkErr)

	bandSz := int64(sectorsPerBand) * sectorSize
	out := buf[:n]

	for len(out) > 0 {
		bandID := absOff / bandSz
		offInBand := absOff % bandSz

		chunk := bandSz - offInBand
		if chunk > int64(len(out)) {
			chunk = int64(len(out))
		}

		bandOff := w.bandOffset[bandID]
		if bandOff == 0 {
			for i := int64(0); i < chunk; i++ {
				out[i] = 0
			}
		} else {
			log.PanicIf(readFullAt(w.f, out[:chunk], bandOff+offInBand))
		}

		out = out[chunk:]
		absOff += chunk
	}

	return nil
}

// WriteAt implements Source, allocating a new band the first time any
// byte within it is written.
func (w *Writer) WriteAt(buf []byte, off int64) (err error) {
	defer wrapRecover(&err)

	if !w.writable {
		panic(ferrors.ErrPermissionDenied)
	}

	absOff, n, checkErr := w.translate(off, int64(len(buf)))
	log.PanicIf(checkErr)

	bandSz := int64(sectorsPerBand) * sectorSize
	in := buf[:n]

	for len(in) > 0 {
		bandID := absOff / bandSz
		offInBand := absOff % bandSz

		chunk := bandSz - offInBand
		if chunk > int64(len(in)) {
			chunk = int64(len(in))
		}

		bandOff := w.bandOffset[bandID]
		if bandOff == 0 {
			allocated, allocErr := w.allocBand(bandID)
			log.PanicIf(allocErr)
			bandOff = allocated
		}

		log.PanicIf(writeFullAt(w.f, in[:chunk], bandOff+offInBand))

		in = in[chunk:]
		absOff += chunk
	}

	return nil
}

// allocBand assigns bandID its own band at the current end of file,
// rolling over to a freshly-allocated index node when the active node's
// slots are exhausted.
func (w *Writer) allocBand(bandID int64) (int64, error) {
	capacity := headerBandSlots
	if w.currentNodeOffset != 0 {
		capacity = indexBandSlots
	}

	if w.nextFreeSlot >= capacity {
		if err := w.flushActiveNode(w.fileSize); err != nil {
			return 0, err
		}

		w.currentNodeOffset = w.fileSize
		w.index = indexNode{
			Signature:   signature,
			IndexNodeNr: w.nextIndexNodeNr,
			Flags:       1,
		}
		w.nextIndexNodeNr++
		w.nextFreeSlot = 0
		w.fileSize += nodeSize
	}

	off := w.fileSize
	w.fileSize += bandSize

	if w.currentNodeOffset == 0 {
		w.header.BandID[w.nextFreeSlot] = uint32(bandID) + 1
	} else {
		w.index.BandID[w.nextFreeSlot] = uint32(bandID) + 1
	}
	w.nextFreeSlot++

	w.bandOffset[bandID] = off

	return off, nil
}

// flushActiveNode writes the header or the current index node back to
// disk, recording nextOffset as its successor.
func (w *Writer) flushActiveNode(nextOffset int64) error {
	if w.currentNodeOffset == 0 {
		w.header.NextIndexNodeOffset = uint64(nextOffset)
		return w.writeHeader()
	}

	w.index.NextIndexNodeOffset = uint64(nextOffset)
	return w.writeIndex(w.currentNodeOffset)
}

func (w *Writer) writeHeader() error {
	raw, err := restruct.Pack(binary.BigEndian, &w.header)
	if err != nil {
		return err
	}
	return writeFullAt(w.f, raw, 0)
}

func (w *Writer) writeIndex(offset int64) error {
	raw, err := restruct.Pack(binary.BigEndian, &w.index)
	if err != nil {
		return err
	}
	return writeFullAt(w.f, raw, offset)
}

// Close flushes whichever node (header or index) is currently active,
// unchanged otherwise, and closes the underlying file.
func (w *Writer) Close() (err error) {
	defer wrapRecover(&err)

	if w.writable {
		if w.currentNodeOffset == 0 {
			log.PanicIf(w.writeHeader())
		} else {
			log.PanicIf(w.writeIndex(w.currentNodeOffset))
		}
	}

	return w.f.Close()
}

// Size implements Source.
func (w *Writer) Size() int64 {
	return w.winLen
}

// LogicalSize returns the image's whole logical size, unaffected by the
// current window. Callers that need to reset a window to "the whole
// source" after narrowing it (the orchestrator's resetWindows) need this
// rather than Size(), which tracks the current window only.
func (w *Writer) LogicalSize() int64 {
	return w.logicalSize
}

// SectorSize implements Source.
func (w *Writer) SectorSize() int {
	return sectorSize
}

// SetWindow implements Source.
func (w *Writer) SetWindow(start, length int64) (err error) {
	defer wrapRecover(&err)

	if start < 0 || length < 0 || start+length > w.logicalSize {
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

func readFullAt(f *os.File, buf []byte, off int64) error {
	total := 0
	for total < len(buf) {
		n, err := f.ReadAt(buf[total:], off+int64(total))
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}

func writeFullAt(f *os.File, buf []byte, off int64) error {
	total := 0
	for total < len(buf) {
		n, err := f.WriteAt(buf[total:], off+int64(total))
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}

func wrapRecover(errp *error) {
	if state := recover(); state != nil {
		if err, ok := state.(error); ok == true {
			*errp = log.Wrap(err)
		} else {
			*errp = log.Errorf("sparseimage: panic: %v", state)
		}
	}
}
