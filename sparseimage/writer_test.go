package sparseimage

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestWriter_RoundTrip writes into two widely separated bands, closes and
// reopens the image, and confirms both the written bands and the
// untouched bands in between read back correctly: a written region reads
// back unchanged, an unwritten region reads back as zero without ever
// touching the file.
func TestWriter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.sparseimage")

	logicalSize := int64(8 * bandSize)

	w, err := Create(path, logicalSize)
	require.NoError(t, err)

	bandA := bytes.Repeat([]byte{0xAB}, 4096)
	bandB := bytes.Repeat([]byte{0xCD}, 4096)

	require.NoError(t, w.WriteAt(bandA, 1*bandSize))
	require.NoError(t, w.WriteAt(bandB, 6*bandSize+bandSize-4096))

	require.NoError(t, w.Close())

	r, err := Open(path, false)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, logicalSize, r.Size())

	got := make([]byte, 4096)

	require.NoError(t, r.ReadAt(got, 1*bandSize))
	require.Equal(t, bandA, got)

	require.NoError(t, r.ReadAt(got, 6*bandSize+bandSize-4096))
	require.Equal(t, bandB, got)

	zeros := make([]byte, 4096)
	require.NoError(t, r.ReadAt(got, 3*bandSize))
	require.Equal(t, zeros, got)
}

// TestWriter_SetWindow confirms a window narrows ReadAt/WriteAt exactly as
// the root Source contract requires.
func TestWriter_SetWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "windowed.sparseimage")

	w, err := Create(path, 4*bandSize)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.SetWindow(bandSize, bandSize))
	require.Equal(t, int64(bandSize), w.Size())

	payload := bytes.Repeat([]byte{0x11}, 512)
	require.NoError(t, w.WriteAt(payload, 0))

	require.Error(t, w.WriteAt(payload, bandSize))
}
