package vhdx

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testBlockSize = 1 << 20 // 1 MiB, small enough to keep test fixtures tiny

// TestWriter_RoundTrip writes into two blocks, closes, reopens, and
// confirms both the written blocks and an untouched block in between read
// back correctly after a clean close and reopen.
func TestWriter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.vhdx")

	w, err := Create(path, 4*testBlockSize, testBlockSize, 512, 512)
	require.NoError(t, err)

	blockA := bytes.Repeat([]byte{0xAB}, 512)
	blockB := bytes.Repeat([]byte{0xCD}, 512)

	require.NoError(t, w.WriteAt(blockA, 0))
	require.NoError(t, w.WriteAt(blockB, 3*testBlockSize))

	require.NoError(t, w.Close())

	r, err := Open(path, false)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, int64(4*testBlockSize), r.Size())

	got := make([]byte, 512)

	require.NoError(t, r.ReadAt(got, 0))
	require.Equal(t, blockA, got)

	require.NoError(t, r.ReadAt(got, 3*testBlockSize))
	require.Equal(t, blockB, got)

	zeros := make([]byte, 512)
	require.NoError(t, r.ReadAt(got, testBlockSize))
	require.Equal(t, zeros, got)
}

// TestWriter_LogReplay simulates a crash between log_commit and the
// in-place BAT write it protects: it runs log_start/log_write/log_commit
// directly without the final write or log_complete, leaving LogGuid set
// on the active header, then reopens the file and confirms Open's replay
// path applies the pending mutation and clears LogGuid.
func TestWriter_LogReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.vhdx")

	w, err := Create(path, 4*testBlockSize, testBlockSize, 512, 512)
	require.NoError(t, err)

	pageOffset := w.batOffset

	var page [4096]byte
	require.NoError(t, w.raw.ReadAt(page[:], pageOffset))

	entry := makeBatEntry(w.fileSize, BatFullyPresent)
	putUint64LE(page[0:8], entry)

	require.NoError(t, w.logStart())
	require.False(t, w.active.LogGuid.isZero())

	w.logWrite(pageOffset, page)
	require.NoError(t, w.logCommit())

	require.NoError(t, w.raw.sync())
	require.NoError(t, w.raw.f.Close())

	r, err := Open(path, true)
	require.NoError(t, err)
	defer r.Close()

	require.True(t, r.active.LogGuid.isZero())

	var replayed [4096]byte
	require.NoError(t, r.raw.ReadAt(replayed[:], pageOffset))
	require.Equal(t, page, replayed)
	require.Equal(t, entry, r.batEntries[0])
}

// TestDumpEntries confirms the BAT diagnostic dump reports a written
// block as FULLY_PRESENT and an untouched one as PAYLOAD_BLOCK_NOT_PRESENT
// (the --inspect-vhdx CLI path's underlying report).
func TestDumpEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inspect.vhdx")

	w, err := Create(path, 4*testBlockSize, testBlockSize, 512, 512)
	require.NoError(t, err)

	require.NoError(t, w.WriteAt(bytes.Repeat([]byte{0x42}, 512), 0))
	require.NoError(t, w.Close())

	r, err := Open(path, false)
	require.NoError(t, err)
	defer r.Close()

	var buf bytes.Buffer
	require.NoError(t, DumpEntries(&buf, r))

	out := buf.String()
	require.Contains(t, out, "payload blocks")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.True(t, len(lines) >= 5)

	require.Contains(t, lines[1], "payload=FULLY_PRESENT")
	require.Contains(t, lines[2], "payload=PAYLOAD_BLOCK_NOT_PRESENT")
}

func TestWriter_SetWindowRejectsOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "window.vhdx")

	w, err := Create(path, 4*testBlockSize, testBlockSize, 512, 512)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.SetWindow(testBlockSize, testBlockSize))
	require.Error(t, w.SetWindow(testBlockSize, 4*testBlockSize))
}
