package checksum

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checksumWords derives the two stored checksum words such that appending
// them (in order) to a Fletcher64 run over payload drives both running
// sums to zero, the same derivation a checksum writer performs when
// sealing a block.
func checksumWords(payload []uint32) []uint32 {
	const m = 0xFFFFFFFF

	cs := Fletcher64(payload, 0)
	sum1 := cs & m
	sum2 := cs >> 32

	d1 := (m - (sum1+sum2)%m) % m
	d2 := sum2 % m

	return []uint32{uint32(d1), uint32(d2)}
}

// TestFletcher64VerifyBlock_RoundTrip builds a sealed block and confirms
// Fletcher64VerifyBlock accepts it.
func TestFletcher64VerifyBlock_RoundTrip(t *testing.T) {
	payload := make([]uint32, 100)
	for i := range payload {
		payload[i] = uint32(i*7 + 3)
	}

	words := append(checksumWords(payload), payload...)

	require.True(t, Fletcher64VerifyBlock(words))
}

func TestFletcher64VerifyBlock_RejectsAllZeroOrAllOnes(t *testing.T) {
	words := make([]uint32, 10)
	assert.False(t, Fletcher64VerifyBlock(words))

	for i := range words {
		words[i] = 0xFFFFFFFF
	}
	assert.False(t, Fletcher64VerifyBlock(words))
}

func TestFletcher64VerifyBlock_CorruptionDetected(t *testing.T) {
	payload := make([]uint32, 50)
	for i := range payload {
		payload[i] = uint32(i * 11)
	}

	words := append(checksumWords(payload), payload...)
	require.True(t, Fletcher64VerifyBlock(words))

	words[5] ^= 1
	assert.False(t, Fletcher64VerifyBlock(words))
}

func TestCRC32C_ZeroedFieldConvention(t *testing.T) {
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = byte(i)
	}
	binary.LittleEndian.PutUint32(buf[4:8], 0)

	crc := CRC32C(buf)

	check := make([]byte, len(buf))
	copy(check, buf)
	binary.LittleEndian.PutUint32(check[4:8], 0)

	assert.Equal(t, crc, CRC32C(check))
}

func TestCRC32GPT_KnownVector(t *testing.T) {
	// "123456789" is the standard CRC-32/IEEE check vector.
	assert.Equal(t, uint32(0xCBF43926), CRC32GPT([]byte("123456789")))
}
