package fsdump

import (
	"io"
	"os"

	"github.com/dsoprea/go-logging"
)

// Source is the byte-addressable random-access abstraction that both the
// source device and the destination image writers implement.
// Everything above this layer — the partition decoder, the filesystem
// scanners, the orchestrator — only ever talks to a Source.
type Source interface {
	// ReadAt reads len(buf) bytes at offset off, relative to the current
	// window. It loops internally until buf is full or a non-nil error
	// occurs; a short read without an error never escapes this interface.
	ReadAt(buf []byte, off int64) error

	// WriteAt writes len(buf) bytes at offset off, relative to the current
	// window.
	WriteAt(buf []byte, off int64) error

	// Size returns the length of the current window in bytes.
	Size() int64

	// SectorSize returns the device's native sector size.
	SectorSize() int

	// SetWindow restricts all further ReadAt/WriteAt offsets to
	// [start, start+length) of the underlying storage. Passing the
	// underlying size resets to the whole source.
	SetWindow(start, length int64) error
}

// FileSource is a Source backed by a regular file or a raw block device.
type FileSource struct {
	f *os.File

	// fullSize and fullSectorSize describe the whole underlying device,
	// queried once at open time; winStart/winLen narrow the visible range.
	fullSize       int64
	fullSectorSize int

	winStart int64
	winLen   int64

	writable bool
}

// OpenFileSource opens path as a Source. If writable is false, WriteAt
// always fails with ErrPermissionDenied. Block devices get their size and
// sector size through platform ioctls (see source_linux.go); regular
// files fall back to st_size and a 512-byte sector.
func OpenFileSource(path string, writable bool) (fs *FileSource, err error) {
	defer wrapRecover(&err)

	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}

	f, openErr := os.OpenFile(path, flag, 0)
	log.PanicIf(openErr)

	size, sectorSize, probeErr := probeDeviceGeometry(f)
	if probeErr != nil {
		f.Close()
		log.PanicIf(probeErr)
	}

	fs = &FileSource{
		f:              f,
		fullSize:       size,
		fullSectorSize: sectorSize,
		winStart:       0,
		winLen:         size,
		writable:       writable,
	}

	return fs, nil
}

// NewFileSourceFromHandle wraps an already-open file whose size and sector
// size are already known, skipping device probing. Used by tests and by
// callers that have already created/truncated the file themselves.
func NewFileSourceFromHandle(f *os.File, size int64, sectorSize int, writable bool) *FileSource {
	return &FileSource{
		f:              f,
		fullSize:       size,
		fullSectorSize: sectorSize,
		winStart:       0,
		winLen:         size,
		writable:       writable,
	}
}

// ReadAt implements Source.
func (fs *FileSource) ReadAt(buf []byte, off int64) (err error) {
	defer wrapRecover(&err)

	absOff, n, checkErr := fs.translate(off, int64(len(buf)))
	log.PanicIf(checkErr)

	return readFullAt(fs.f, buf[:n], absOff)
}

// WriteAt implements Source.
func (fs *FileSource) WriteAt(buf []byte, off int64) (err error) {
	defer wrapRecover(&err)

	if fs.writable == false {
		panic(ErrPermissionDenied)
	}

	absOff, n, checkErr := fs.translate(off, int64(len(buf)))
	log.PanicIf(checkErr)

	return writeFullAt(fs.f, buf[:n], absOff)
}

// translate validates a window-relative (off, length) pair and returns
// the absolute underlying offset. A window is either the whole source or
// a sub-range entirely within it; accesses past the window's length are
// rejected.
func (fs *FileSource) translate(off, length int64) (absOff int64, n int64, err error) {
	if off < 0 || length < 0 || off+length > fs.winLen {
		return 0, 0, ErrInvalidArgument
	}

	return fs.winStart + off, length, nil
}

// Size implements Source.
func (fs *FileSource) Size() int64 {
	return fs.winLen
}

// SectorSize implements Source.
func (fs *FileSource) SectorSize() int {
	return fs.fullSectorSize
}

// SetWindow implements Source.
func (fs *FileSource) SetWindow(start, length int64) (err error) {
	defer wrapRecover(&err)

	if start < 0 || length < 0 || start+length > fs.fullSize {
		panic(ErrInvalidArgument)
	}

	fs.winStart = start
	fs.winLen = length

	return nil
}

// Close closes the underlying file.
func (fs *FileSource) Close() error {
	return fs.f.Close()
}

// readFullAt loops ReadAt calls against ra until buf is full; short
// counts without an error keep the loop going.
func readFullAt(ra io.ReaderAt, buf []byte, off int64) error {
	total := 0
	for total < len(buf) {
		n, err := ra.ReadAt(buf[total:], off+int64(total))
		total += n
		if err != nil {
			if err == io.EOF && total == len(buf) {
				return nil
			}
			return err
		}
	}
	return nil
}

// writeFullAt loops WriteAt calls against wa until buf is fully written.
func writeFullAt(wa io.WriterAt, buf []byte, off int64) error {
	total := 0
	for total < len(buf) {
		n, err := wa.WriteAt(buf[total:], off+int64(total))
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}
