package fsdump

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testMBRSectorSize = 512

// buildMBRImage lays out a classic 0x55AA-signed MBR with a single
// partition entry tagged with a given boot-sector OEM ID at its first
// sector, the way real NTFS/FAT media identify themselves.
func buildMBRImage(t *testing.T, oemID string, totalSectors, partitionLBA, partitionSectors int64) (*FileSource, *FileSource) {
	t.Helper()

	srcPath := filepath.Join(t.TempDir(), "disk.img")
	srcFile, err := os.OpenFile(srcPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	require.NoError(t, srcFile.Truncate(totalSectors*testMBRSectorSize))

	mbrSector := make([]byte, testMBRSectorSize)
	// One partition entry at offset 0x1BE: status, 3 CHS bytes, type,
	// 3 CHS bytes, LBA start (LE32), LBA size (LE32).
	entry := mbrSector[0x1BE : 0x1BE+16]
	entry[4] = 0x07 // type byte, arbitrary non-zero
	putLE32(entry[8:12], uint32(partitionLBA))
	putLE32(entry[12:16], uint32(partitionSectors))
	mbrSector[510] = 0x55
	mbrSector[511] = 0xAA

	_, err = srcFile.WriteAt(mbrSector, 0)
	require.NoError(t, err)

	bootSector := make([]byte, testMBRSectorSize)
	copy(bootSector[3:11], oemID)

	_, err = srcFile.WriteAt(bootSector, partitionLBA*testMBRSectorSize)
	require.NoError(t, err)

	src := NewFileSourceFromHandle(srcFile, totalSectors*testMBRSectorSize, testMBRSectorSize, true)

	dstPath := filepath.Join(t.TempDir(), "dest.img")
	dstFile, err := os.OpenFile(dstPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	require.NoError(t, dstFile.Truncate(totalSectors*testMBRSectorSize))

	dst := NewFileSourceFromHandle(dstFile, totalSectors*testMBRSectorSize, testMBRSectorSize, true)

	return src, dst
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// TestDump_MBRFallback_NTFSWholeCopy confirms Dump falls back to the MBR
// decoder when no GPT is present, routes an "NTFS    "-tagged partition to
// the NTFS stub, and that the stub's whole-range copy lands the
// partition's bytes in dst while leaving bytes outside the partition
// untouched.
func TestDump_MBRFallback_NTFSWholeCopy(t *testing.T) {
	const totalSectors = 64
	const partitionLBA = 8
	const partitionSectors = 16

	src, dst := buildMBRImage(t, "NTFS    ", totalSectors, partitionLBA, partitionSectors)
	defer src.Close()
	defer dst.Close()

	require.NoError(t, Dump(src, dst))

	partitionOff := int64(partitionLBA * testMBRSectorSize)
	partitionLen := int64(partitionSectors * testMBRSectorSize)

	srcBuf := make([]byte, partitionLen)
	require.NoError(t, src.ReadAt(srcBuf, partitionOff))

	dstBuf := make([]byte, partitionLen)
	require.NoError(t, dst.ReadAt(dstBuf, partitionOff))

	require.Equal(t, srcBuf, dstBuf)

	// The destination was never asked to copy the MBR sector itself (only
	// GPT metadata is replicated); it stays zeroed.
	untouched := make([]byte, testMBRSectorSize)
	dstMBR := make([]byte, testMBRSectorSize)
	require.NoError(t, dst.ReadAt(dstMBR, 0))
	require.Equal(t, untouched, dstMBR)
}

// TestDump_RawFallback confirms that when neither GPT nor MBR is
// recognized, Dump treats the whole device as a single raw partition and
// sniffs its boot sector directly.
func TestDump_RawFallback(t *testing.T) {
	const totalSectors = 8

	srcPath := filepath.Join(t.TempDir(), "raw.img")
	srcFile, err := os.OpenFile(srcPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	require.NoError(t, srcFile.Truncate(totalSectors*testMBRSectorSize))

	payload := make([]byte, testMBRSectorSize)
	copy(payload[3:11], "MSDOS5.0")
	for i := 32; i < testMBRSectorSize; i++ {
		payload[i] = byte(i)
	}
	_, err = srcFile.WriteAt(payload, 0)
	require.NoError(t, err)

	src := NewFileSourceFromHandle(srcFile, totalSectors*testMBRSectorSize, testMBRSectorSize, true)
	defer src.Close()

	dstPath := filepath.Join(t.TempDir(), "rawdst.img")
	dstFile, err := os.OpenFile(dstPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	require.NoError(t, dstFile.Truncate(totalSectors*testMBRSectorSize))

	dst := NewFileSourceFromHandle(dstFile, totalSectors*testMBRSectorSize, testMBRSectorSize, true)
	defer dst.Close()

	require.NoError(t, Dump(src, dst))

	got := make([]byte, totalSectors*testMBRSectorSize)
	require.NoError(t, dst.ReadAt(got, 0))

	want := make([]byte, totalSectors*testMBRSectorSize)
	require.NoError(t, src.ReadAt(want, 0))

	require.True(t, bytes.Equal(want, got))
}

func TestSniff(t *testing.T) {
	cases := []struct {
		name string
		oem  string
		nxsb bool
		want filesystemKind
	}{
		{"apfs", "", true, filesystemAPFS},
		{"fat-msdos", "MSDOS5.0", false, filesystemFAT},
		{"fat-bsd", "BSD  4.4", false, filesystemFAT},
		{"ntfs", "NTFS    ", false, filesystemNTFS},
		{"unknown", "????????", false, filesystemUnknown},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sniff.img")
			f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
			require.NoError(t, err)

			require.NoError(t, f.Truncate(testMBRSectorSize))

			buf := make([]byte, testMBRSectorSize)
			if c.nxsb {
				copy(buf[32:36], "NXSB")
			} else {
				copy(buf[3:11], c.oem)
			}
			_, err = f.WriteAt(buf, 0)
			require.NoError(t, err)

			src := NewFileSourceFromHandle(f, testMBRSectorSize, testMBRSectorSize, true)
			defer src.Close()

			kind, err := sniff(src)
			require.NoError(t, err)
			require.Equal(t, c.want, kind)
		})
	}
}
