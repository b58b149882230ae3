package fsdump

import "github.com/dsoprea/go-logging"

// rawCopyChunkSize bounds how much is read into memory per iteration of
// a whole-range copy, matching the APFS scanner's own range-copy chunk.
const rawCopyChunkSize = 4 * 1024 * 1024

// CopyWholeRange copies every byte of src's current window to dst's,
// unconditionally. It backs the FAT path and the NTFS stub; a partition
// whose filesystem is not recognized is skipped by the orchestrator and
// never reaches this copy.
func CopyWholeRange(src, dst Source) (err error) {
	defer wrapRecover(&err)

	size := src.Size()
	buf := make([]byte, rawCopyChunkSize)

	for off := int64(0); off < size; off += int64(len(buf)) {
		n := int64(len(buf))
		if off+n > size {
			n = size - off
		}

		log.PanicIf(src.ReadAt(buf[:n], off))
		log.PanicIf(dst.WriteAt(buf[:n], off))
	}

	return nil
}

// NTFSScanner stands in for a real NTFS used-block walker. Recognizing
// the `NTFS    ` OEM ID is enough to route here; CopyUsed degrades to a
// whole-partition copy rather than inspecting the MFT's allocation
// bitmap.
type NTFSScanner struct {
	src, dst Source
}

// NewNTFSScanner binds src and dst for a later CopyUsed call.
func NewNTFSScanner(src, dst Source) *NTFSScanner {
	return &NTFSScanner{src: src, dst: dst}
}

// CopyUsed implements Scanner by copying the entire partition window.
func (s *NTFSScanner) CopyUsed() error {
	return CopyWholeRange(s.src, s.dst)
}

// RawScanner copies a partition's entire window regardless of filesystem.
// It backs the FAT path, including a FAT boot sector found by the
// orchestrator's whole-device fallback.
type RawScanner struct {
	src, dst Source
}

// NewRawScanner binds src and dst for a later CopyUsed call.
func NewRawScanner(src, dst Source) *RawScanner {
	return &RawScanner{src: src, dst: dst}
}

// CopyUsed implements Scanner.
func (s *RawScanner) CopyUsed() error {
	return CopyWholeRange(s.src, s.dst)
}
