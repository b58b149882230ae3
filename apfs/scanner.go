package apfs

import "github.com/dsoprea/go-logging"

// maxRangeCopyChunk bounds how much of a single used range is read into
// memory per iteration.
const maxRangeCopyChunk = 4 * 1024 * 1024

// Scanner copies an APFS container's used blocks from src to dst. Both
// are bound once at construction, since every step here already needs to
// write through to dst as it reads from src.
type Scanner struct {
	src, dst Source
}

// NewScanner binds src and dst for a later CopyUsed call.
func NewScanner(src, dst Source) *Scanner {
	return &Scanner{src: src, dst: dst}
}

// CopyUsed reads the container superblock, copies checkpoint metadata
// through dst unconditionally, resolves the space manager, and copies
// every used byte range the chunk-info blocks and allocation bitmaps
// describe. A Fletcher-64 failure or a CAB-based spaceman aborts with
// ErrInvalidData / ErrNotSupported respectively; partial progress may
// already be written to dst in that case.
func (s *Scanner) CopyUsed() (err error) {
	defer wrapRecover(&err)

	c, openErr := openContainer(s.src, s.dst)
	log.PanicIf(openErr)

	ranges, rangesErr := collectUsedRanges(c)
	log.PanicIf(rangesErr)

	for _, r := range ranges {
		log.PanicIf(copyRange(s.src, s.dst, r))
	}

	return nil
}

// copyRange copies length bytes starting at offset from src to dst,
// reading no more than maxRangeCopyChunk bytes per iteration.
func copyRange(src, dst Source, r byteRange) error {
	buf := make([]byte, maxRangeCopyChunk)

	remaining := r.Length
	off := r.Offset

	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}

		if err := src.ReadAt(buf[:n], off); err != nil {
			return err
		}
		if err := dst.WriteAt(buf[:n], off); err != nil {
			return err
		}

		off += n
		remaining -= n
	}

	return nil
}
