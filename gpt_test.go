package fsdump

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-restruct/restruct"
	"github.com/stretchr/testify/require"

	"github.com/dsoprea/go-fsdump/checksum"
)

const testGPTSectorSize = 512

// buildGPTImage lays out a minimal, CRC-valid primary GPT header plus a
// single real partition entry (the rest are zero terminators) backed by a
// temp file, the way a real disk would carry it.
func buildGPTImage(t *testing.T) *FileSource {
	t.Helper()

	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)

	const totalSectors = 64

	require.NoError(t, f.Truncate(totalSectors*testGPTSectorSize))

	entries := make([]GPTEntry, 4)
	entries[0] = GPTEntry{
		PartitionTypeGUID:   APFSTypeGUID.Bytes(),
		UniquePartitionGUID: APFSTypeGUID.Bytes(),
		StartingLBA:         34,
		EndingLBA:           40,
	}

	entryArray := make([]byte, 0, len(entries)*gptPartitionEntrySize)
	for _, e := range entries {
		raw, packErr := restruct.Pack(binary.LittleEndian, &e)
		require.NoError(t, packErr)
		entryArray = append(entryArray, raw...)
	}
	entryArraySize := uint64(len(entries)) * gptPartitionEntrySize
	entryArrayCRC := checksum.CRC32GPT(entryArray[:entryArraySize])

	hdr := GPTHeader{
		Signature:                gptSignature,
		Revision:                 gptRevision,
		HeaderSize:               gptHeaderFixedSize,
		MyLBA:                    1,
		AlternateLBA:             totalSectors - 1,
		FirstUsableLBA:           34,
		LastUsableLBA:            totalSectors - 34,
		PartitionEntryLBA:        2,
		NumberOfPartitionEntries: uint32(len(entries)),
		SizeOfPartitionEntry:     gptPartitionEntrySize,
		PartitionEntryArrayCRC32: entryArrayCRC,
	}

	raw, packErr := restruct.Pack(binary.LittleEndian, &hdr)
	require.NoError(t, packErr)
	hdr.HeaderCRC32 = checksum.CRC32GPT(raw)

	raw, packErr = restruct.Pack(binary.LittleEndian, &hdr)
	require.NoError(t, packErr)

	headerSector := make([]byte, testGPTSectorSize)
	copy(headerSector, raw)
	_, err = f.WriteAt(headerSector, 1*testGPTSectorSize)
	require.NoError(t, err)

	_, err = f.WriteAt(entryArray, 2*testGPTSectorSize)
	require.NoError(t, err)

	return NewFileSourceFromHandle(f, totalSectors*testGPTSectorSize, testGPTSectorSize, true)
}

func TestDecodeGPT_ValidImage(t *testing.T) {
	src := buildGPTImage(t)
	defer src.Close()

	pm, err := DecodeGPT(src)
	require.NoError(t, err)
	require.Len(t, pm.Entries, 1)
	require.Equal(t, APFSTypeGUID, pm.Entries[0].TypeGUID())

	off, length := pm.Entries[0].ByteRange(testGPTSectorSize)
	require.Equal(t, int64(34*testGPTSectorSize), off)
	require.Equal(t, int64(7*testGPTSectorSize), length)
}

// TestDecodeGPT_CorruptionDetected flips a byte inside the header's
// AlternateLBA field (covered by HeaderCRC32) and confirms DecodeGPT
// rejects the image rather than silently trusting stale bytes.
func TestDecodeGPT_CorruptionDetected(t *testing.T) {
	src := buildGPTImage(t)
	defer src.Close()

	buf := make([]byte, 4)
	require.NoError(t, src.ReadAt(buf, 1*testGPTSectorSize+32))
	buf[0] ^= 0xFF
	require.NoError(t, src.WriteAt(buf, 1*testGPTSectorSize+32))

	_, err := DecodeGPT(src)
	require.Error(t, err)
}

func TestGUID_String(t *testing.T) {
	require.Equal(t, "7C3457EF-0000-11AA-AA11-00306543ECAC", APFSTypeGUID.String())
}
