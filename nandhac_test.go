package ninvfs

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connesc/ninvfs/crypt"
)

const hacTestKeyDump = `bis_key_00 = 000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f
bis_key_01 = 202122232425262728292a2b2c2d2e2f303132333435363738393a3b3c3d3e3f
bis_key_02 = 404142434445464748494a4b4c4d4e4f505152535455565758595a5b5c5d5e5f
bis_key_03 = 606162636465666768696a6b6c6d6e6f707172737475767778797a7b7c7d7e7f
`

// buildHACNAND assembles a small Switch NAND: GPT at LBA 1, entries at LBA 2,
// an encrypted PRODINFO and a raw BCPKG2 partition, and the backup header.
func buildHACNAND(t *testing.T, prodinfo []byte) []byte {
	t.Helper()

	img := make([]byte, 0x8000)

	entries := img[0x400:0x500]
	entry := entries[0:0x80]
	binary.LittleEndian.PutUint64(entry[0x20:], 8) // 0x1000
	binary.LittleEndian.PutUint64(entry[0x28:], 0xF)
	copy(entry[0x38:], utf16Name(t, "PRODINFO"))
	entry = entries[0x80:0x100]
	binary.LittleEndian.PutUint64(entry[0x20:], 0x10) // 0x2000
	binary.LittleEndian.PutUint64(entry[0x28:], 0x17)
	copy(entry[0x38:], utf16Name(t, "BCPKG2-1-Normal-Main"))

	header := img[0x200 : 0x200+0x5C]
	copy(header[0:8], "EFI PART")
	binary.LittleEndian.PutUint64(header[0x20:], 0x20) // backup at 0x4000
	binary.LittleEndian.PutUint64(header[0x48:], 2)    // entries LBA
	binary.LittleEndian.PutUint32(header[0x50:], 2)    // entry count
	binary.LittleEndian.PutUint32(header[0x54:], 0x80) // entry size
	binary.LittleEndian.PutUint32(header[0x58:], crc32.ChecksumIEEE(entries))
	binary.LittleEndian.PutUint32(header[0x10:], crc32.ChecksumIEEE(header))

	copy(img[0x4000:], "EFI PART")

	keys, err := crypt.ParseBISKeyDump(hacTestKeyDump)
	require.NoError(t, err)
	cipher, err := keys.Cipher(0)
	require.NoError(t, err)
	enc := append([]byte(nil), prodinfo...)
	cipher.EncryptAt(enc, 0)
	copy(img[0x1000:], enc)

	copy(img[0x2000:], "raw bcpkg2 content")

	return img
}

func TestOpenNANDHAC(t *testing.T) {
	prodinfo := []byte("CAL0 prodinfo plaintext, 32 byte")
	img := buildHACNAND(t, prodinfo)

	fs, err := OpenNANDHAC(bytes.NewReader(img), nil, hacTestKeyDump, true)
	require.NoError(t, err)

	require.Len(t, fs.Partitions, 2)
	assert.Equal(t, "PRODINFO", fs.Partitions[0].Name)
	assert.Equal(t, int64(0x1000), fs.Partitions[0].Offset)
	assert.Equal(t, int64(0x1000), fs.Partitions[0].Size)
	assert.Equal(t, 0, fs.Partitions[0].BISKey)
	assert.Equal(t, "BCPKG2-1-Normal-Main", fs.Partitions[1].Name)
	assert.Equal(t, -1, fs.Partitions[1].BISKey)

	buf := make([]byte, 32)
	_, err = fs.ReadAt("PRODINFO.img", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, prodinfo, buf)

	buf = make([]byte, 18)
	_, err = fs.ReadAt("BCPKG2-1-Normal-Main.img", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "raw bcpkg2 content", string(buf))

	_, err = fs.WriteAt("PRODINFO.img", []byte("x"), 0)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestNANDHACWrite(t *testing.T) {
	prodinfo := []byte("CAL0 prodinfo plaintext, 32 byte")
	file := &memFile{data: buildHACNAND(t, prodinfo)}

	fs, err := OpenNANDHAC(file, file, hacTestKeyDump, false)
	require.NoError(t, err)

	// Misaligned write, then read it back decrypted.
	_, err = fs.WriteAt("PRODINFO.img", []byte("PATCH"), 7)
	require.NoError(t, err)

	buf := make([]byte, 32)
	_, err = fs.ReadAt("PRODINFO.img", buf, 0)
	require.NoError(t, err)
	expected := append([]byte(nil), prodinfo...)
	copy(expected[7:], "PATCH")
	assert.Equal(t, expected, buf)
}

func TestOpenNANDHACInvalid(t *testing.T) {
	var invalid *InvalidHeaderError
	prodinfo := make([]byte, 32)

	// Corrupt header CRC.
	img := buildHACNAND(t, prodinfo)
	img[0x210]++
	_, err := OpenNANDHAC(bytes.NewReader(img), nil, hacTestKeyDump, true)
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "header crc32")

	// Corrupt an entry: the entries CRC no longer matches.
	img = buildHACNAND(t, prodinfo)
	img[0x400]++
	_, err = OpenNANDHAC(bytes.NewReader(img), nil, hacTestKeyDump, true)
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "entries crc32")

	// Truncated image without the backup header.
	img = buildHACNAND(t, prodinfo)
	copy(img[0x4000:], make([]byte, 8))
	_, err = OpenNANDHAC(bytes.NewReader(img), nil, hacTestKeyDump, true)
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "backup")
}
