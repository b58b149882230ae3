package fsdump

import (
	"errors"
	"fmt"
	"io"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"

	"github.com/dsoprea/go-fsdump/apfs"
	"github.com/dsoprea/go-fsdump/sparseimage"
	"github.com/dsoprea/go-fsdump/vhdx"
)

// Scanner inspects one partition's metadata and copies its used byte
// ranges from the (already window-narrowed) source to the destination.
type Scanner interface {
	CopyUsed() error
}

// Trace, when non-nil, receives informational progress lines.
var Trace io.Writer

func trace(format string, args ...interface{}) {
	if Trace == nil {
		return
	}
	fmt.Fprintf(Trace, format+"\n", args...)
}

// Dump drives a whole-device dump: it opens the
// partition map (GPT first, MBR as fallback, a single raw partition as the
// last resort), copies the partition-table metadata itself through dst,
// and dispatches each partition to the filesystem scanner its boot sector
// identifies.
func Dump(src, dst Source) (err error) {
	defer wrapRecover(&err)

	if pm, gptErr := DecodeGPT(src); gptErr == nil {
		trace("found GPT with %d partitions", len(pm.Entries))

		log.PanicIf(CopyGPT(src, dst, pm))

		for i, entry := range pm.Entries {
			off, length := entry.ByteRange(pm.SectorSize)
			trace("partition %d: %s at %s, length %s", i, entry.TypeGUID(), humanize.Bytes(uint64(off)), humanize.Bytes(uint64(length)))

			log.PanicIf(dumpPartition(src, dst, off, length))
		}

		return nil
	}

	if pm, mbrErr := DecodeMBR(src); mbrErr == nil {
		trace("found MBR with up to 4 partitions")

		for i, entry := range pm.Entries {
			if entry.IsEmpty() {
				continue
			}

			off, length := entry.ByteRange(pm.SectorSize)
			trace("partition %d: type 0x%02X at %s, length %s", i, entry.Type, humanize.Bytes(uint64(off)), humanize.Bytes(uint64(length)))

			log.PanicIf(dumpPartition(src, dst, off, length))
		}

		return nil
	}

	trace("no partition map recognized, treating device as a single raw partition")

	log.PanicIf(dumpPartition(src, dst, 0, src.Size()))

	return nil
}

// dumpPartition narrows src and dst to [off, off+length), sniffs the
// filesystem signature, and dispatches to the matching scanner. A
// recoverable scanner error (ErrInvalidData, ErrNotSupported) is logged
// and swallowed, skipping the partition; any other error is fatal and
// propagates out of Dump.
func dumpPartition(src, dst Source, off, length int64) (err error) {
	defer wrapRecover(&err)

	log.PanicIf(src.SetWindow(off, length))
	log.PanicIf(dst.SetWindow(off, length))
	defer resetWindows(src, dst)

	kind, sniffErr := sniff(src)
	if sniffErr != nil {
		trace("  could not sniff partition: %s", sniffErr.Error())
		return nil
	}

	var scanner Scanner

	switch kind {
	case filesystemAPFS:
		scanner = apfs.NewScanner(src, dst)
	case filesystemFAT:
		scanner = NewRawScanner(src, dst)
	case filesystemNTFS:
		scanner = NewNTFSScanner(src, dst)
	default:
		trace("  unrecognized filesystem, skipping partition")
		return nil
	}

	copyErr := scanner.CopyUsed()
	if copyErr == nil {
		return nil
	}

	if errors.Is(copyErr, ErrInvalidData) || errors.Is(copyErr, ErrNotSupported) {
		trace("  scanner error, skipping partition: %s", copyErr.Error())
		return nil
	}

	log.PanicIf(copyErr)
	return nil
}

func resetWindows(src, dst Source) error {
	if err := src.SetWindow(0, fullSourceSize(src)); err != nil {
		return err
	}
	return dst.SetWindow(0, fullSourceSize(dst))
}

// fullSourceSize recovers the whole-device (or whole-image) size a Source
// tracked before any window was applied. Size() itself always reports the
// *current* window's length, not the underlying size, for every
// implementation (FileSource, sparseimage.Writer, vhdx.Writer alike), so
// each concrete type is asked for its own immutable size field instead.
func fullSourceSize(s Source) int64 {
	switch v := s.(type) {
	case *FileSource:
		return v.fullSize
	case *sparseimage.Writer:
		return v.LogicalSize()
	case *vhdx.Writer:
		return v.DiskSize()
	}
	return s.Size()
}

type filesystemKind int

const (
	filesystemUnknown filesystemKind = iota
	filesystemAPFS
	filesystemFAT
	filesystemNTFS
)

// sniff reads the first sector of the (already window-narrowed)
// partition and classifies it by signature bytes: NXSB at offset 32 for
// APFS, an OEM ID of "MSDOS5.0" or "BSD  4.4" at offset 3 for FAT,
// "NTFS    " at offset 3 for NTFS.
func sniff(src Source) (filesystemKind, error) {
	buf := make([]byte, 64)
	if err := src.ReadAt(buf, 0); err != nil {
		return filesystemUnknown, err
	}

	if string(buf[32:36]) == "NXSB" {
		return filesystemAPFS, nil
	}

	oem := string(buf[3:11])
	if oem == "MSDOS5.0" || oem == "BSD  4.4" {
		return filesystemFAT, nil
	}
	if oem == "NTFS    " {
		return filesystemNTFS, nil
	}

	return filesystemUnknown, nil
}
