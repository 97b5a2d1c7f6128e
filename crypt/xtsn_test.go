package crypt

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testXTSN(t *testing.T) *XTSN {
	t.Helper()
	cryptKey := make([]byte, 16)
	tweakKey := make([]byte, 16)
	_, err := rand.Read(cryptKey)
	require.NoError(t, err)
	_, err = rand.Read(tweakKey)
	require.NoError(t, err)

	xtsn, err := NewXTSN(cryptKey, tweakKey)
	require.NoError(t, err)
	return xtsn
}

func TestXTSNRoundTrip(t *testing.T) {
	xtsn := testXTSN(t)

	plain := make([]byte, 0x100)
	_, err := rand.Read(plain)
	require.NoError(t, err)

	data := append([]byte(nil), plain...)
	xtsn.EncryptAt(data, 0)
	assert.NotEqual(t, plain, data)

	xtsn.DecryptAt(data, 0)
	assert.Equal(t, plain, data)
}

func TestXTSNSectorBoundary(t *testing.T) {
	xtsn := testXTSN(t)
	xtsn.SectorSize = 0x40

	plain := make([]byte, 0x100)
	_, err := rand.Read(plain)
	require.NoError(t, err)

	whole := append([]byte(nil), plain...)
	xtsn.EncryptAt(whole, 0)

	// Encrypting in misaligned pieces must produce the same stream.
	pieces := append([]byte(nil), plain...)
	xtsn.EncryptAt(pieces[:0x30], 0)
	xtsn.EncryptAt(pieces[0x30:0x90], 0x30)
	xtsn.EncryptAt(pieces[0x90:], 0x90)
	assert.Equal(t, whole, pieces)

	// Distinct sectors must not share a keystream.
	same := make([]byte, 0x40)
	other := make([]byte, 0x40)
	xtsn.EncryptAt(same, 0)
	xtsn.EncryptAt(other, 0x40)
	assert.NotEqual(t, same, other)
}

func TestParseBISKeyDumpOld(t *testing.T) {
	dump := `device id: 1234
BIS KEY 0 (crypt): 000102030405060708090A0B0C0D0E0F
BIS KEY 0 (tweak): 0F0E0D0C0B0A09080706050403020100
BIS KEY 2 (crypt): 101112131415161718191A1B1C1D1E1F
BIS KEY 2 (tweak): 1F1E1D1C1B1A19181716151413121110
`
	keys, err := ParseBISKeyDump(dump)
	require.NoError(t, err)

	assert.Equal(t, mustHex(t, "000102030405060708090a0b0c0d0e0f"), keys[0][0])
	assert.Equal(t, mustHex(t, "0f0e0d0c0b0a09080706050403020100"), keys[0][1])

	_, err = keys.Cipher(0)
	assert.NoError(t, err)
	_, err = keys.Cipher(2)
	assert.NoError(t, err)
	_, err = keys.Cipher(1)
	assert.Error(t, err, "unset key pairs must be rejected")
}

func TestParseBISKeyDumpNew(t *testing.T) {
	dump := `bis_kek_source = 34C1A0C48258F8B4FA9E5E6ADAFC7E4F
bis_key_00 = 000102030405060708090A0B0C0D0E0F0F0E0D0C0B0A09080706050403020100
bis_key_03 = 101112131415161718191A1B1C1D1E1F1F1E1D1C1B1A19181716151413121110
bis_key_source_00 = F1E1C7A645CB15D32595F85E4A97F362
`
	keys, err := ParseBISKeyDump(dump)
	require.NoError(t, err)

	assert.Equal(t, mustHex(t, "000102030405060708090a0b0c0d0e0f"), keys[0][0])
	assert.Equal(t, mustHex(t, "0f0e0d0c0b0a09080706050403020100"), keys[0][1])
	assert.Equal(t, mustHex(t, "101112131415161718191a1b1c1d1e1f"), keys[3][0])

	_, err = keys.Cipher(3)
	assert.NoError(t, err)
}
