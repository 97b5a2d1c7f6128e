package ninvfs

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecompressCode(t *testing.T) {
	// One control byte of literals, then a 16-byte self-referential
	// back-reference extending the 8-byte period.
	code, err := hex.DecodeString("05d0804142434445464748001400000804000000")
	require.NoError(t, err)

	decompressed, err := DecompressCode(code)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCDEFGHABCDEFGHABCDEFGH"), decompressed)
}

func TestDecompressCodeStored(t *testing.T) {
	// A zero compressed size marks the code as stored: the data is
	// returned as-is, footer included.
	code := append([]byte("plain code"), make([]byte, 8)...)

	decompressed, err := DecompressCode(code)
	require.NoError(t, err)
	assert.Equal(t, code, decompressed)
}

func TestDecompressCodeErrors(t *testing.T) {
	_, err := DecompressCode([]byte{1, 2, 3})
	assert.Error(t, err, "footer cannot fit")

	// Absurd growth in the footer.
	code := make([]byte, 0x20)
	binary.LittleEndian.PutUint32(code[0x18:], 0x08000020)
	binary.LittleEndian.PutUint32(code[0x1C:], 0x7FFFFFFF)
	_, err = DecompressCode(code)
	assert.Error(t, err)

	// Compressed end before the region start.
	binary.LittleEndian.PutUint32(code[0x18:], 0xC0000004)
	binary.LittleEndian.PutUint32(code[0x1C:], 0)
	_, err = DecompressCode(code)
	assert.Error(t, err)
}
