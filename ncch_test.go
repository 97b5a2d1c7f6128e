package ninvfs

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connesc/ninvfs/crypt"
)

const (
	ncchTestPartitionID = 0x0004000000112233
	ncchTestSize        = 0x1000
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	raw, err := hex.DecodeString(s)
	require.NoError(t, err)
	return raw
}

// buildNCCHImage assembles a plaintext NCCH: extheader, an ExeFS holding an
// icon and a bare Level 3 RomFS.
func buildNCCHImage(t *testing.T, keyY []byte, flags7 uint8, method uint8) []byte {
	t.Helper()

	img := make([]byte, ncchTestSize)
	header := img[:0x200]

	copy(header[0x0:0x10], keyY)
	copy(header[0x100:], "NCCH")
	binary.LittleEndian.PutUint32(header[0x104:], ncchTestSize/ncchMediaUnit)
	binary.LittleEndian.PutUint64(header[0x108:], ncchTestPartitionID)
	binary.LittleEndian.PutUint64(header[0x118:], ncchTestPartitionID)
	copy(header[0x150:], "CTR-P-TEST")
	binary.LittleEndian.PutUint32(header[0x180:], 0x400)
	header[0x188+3] = method
	header[0x188+5] = 0x02 // executable
	header[0x188+7] = flags7
	binary.LittleEndian.PutUint32(header[0x1A0:], 5) // exefs at 0xA00
	binary.LittleEndian.PutUint32(header[0x1A4:], 2)
	binary.LittleEndian.PutUint32(header[0x1B0:], 7) // romfs at 0xE00
	binary.LittleEndian.PutUint32(header[0x1B4:], 1)

	extheader := img[0x200:0xA00]
	for i := range extheader {
		extheader[i] = byte(i * 5)
	}
	extheader[0xD] = 0 // .code not compressed

	copy(img[0xA00:], buildExeFS(t, [2][]byte{[]byte("icon"), []byte("icon contents")}))
	copy(img[0xE00:], buildRomFSLv3(t))
	return img
}

// encryptNCCHRegion applies the CTR keystream of one section in place.
func encryptNCCHRegion(t *testing.T, engine *crypt.Engine, slot crypt.Keyslot, img []byte, off, size int64, tag uint8) {
	t.Helper()

	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv, ncchTestPartitionID)
	iv[8] = tag

	stream, err := engine.CTRAt(slot, iv, 0)
	require.NoError(t, err)
	stream.XORKeyStream(img[off:off+size], img[off:off+size])
}

func TestOpenNCCH(t *testing.T) {
	keyX := mustHex(t, "0123456789abcdef0123456789abcdef")
	keyY := mustHex(t, "fedcba9876543210fedcba9876543210")

	plain := buildNCCHImage(t, keyY, 0, 0)
	img := append([]byte(nil), plain...)

	encEngine := crypt.NewEngine(false)
	encEngine.SetKeyX(crypt.KeyslotNCCH, keyX)
	encEngine.SetKeyY(crypt.KeyslotNCCH, keyY)
	encryptNCCHRegion(t, encEngine, crypt.KeyslotNCCH, img, 0x200, 0x800, 1)
	encryptNCCHRegion(t, encEngine, crypt.KeyslotNCCH, img, 0xA00, 0x400, 2)
	encryptNCCHRegion(t, encEngine, crypt.KeyslotNCCH, img, 0xE00, 0x200, 3)

	engine := crypt.NewEngine(false)
	engine.SetKeyX(crypt.KeyslotNCCH, keyX)

	fs, err := OpenNCCH(bytes.NewReader(img), engine)
	require.NoError(t, err)

	assert.Equal(t, Hex(keyY), fs.KeyY)
	assert.Equal(t, int64(ncchTestSize), fs.ContentSize)
	assert.Equal(t, Hex64(ncchTestPartitionID), fs.PartitionID)
	assert.Equal(t, "CTR-P-TEST", fs.ProductCode)
	assert.True(t, fs.Flags.Executable)
	assert.False(t, fs.Flags.NoCrypto)
	assert.Equal(t, int64(0xA00), fs.ExeFSRegion.Offset)

	buf := make([]byte, 0x800)
	_, err = fs.ReadAt("extheader.bin", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, plain[0x200:0xA00], buf)

	buf = make([]byte, 13)
	_, err = fs.ReadAt("exefs/icon.bin", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "icon contents", string(buf))

	buf = make([]byte, 5)
	_, err = fs.ReadAt("romfs/hello.txt", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestNCCHFullDecrypted(t *testing.T) {
	keyX := mustHex(t, "0123456789abcdef0123456789abcdef")
	keyY := mustHex(t, "fedcba9876543210fedcba9876543210")

	plain := buildNCCHImage(t, keyY, 0, 0)
	img := append([]byte(nil), plain...)

	encEngine := crypt.NewEngine(false)
	encEngine.SetKeyX(crypt.KeyslotNCCH, keyX)
	encEngine.SetKeyY(crypt.KeyslotNCCH, keyY)
	encryptNCCHRegion(t, encEngine, crypt.KeyslotNCCH, img, 0x200, 0x800, 1)
	encryptNCCHRegion(t, encEngine, crypt.KeyslotNCCH, img, 0xA00, 0x400, 2)
	encryptNCCHRegion(t, encEngine, crypt.KeyslotNCCH, img, 0xE00, 0x200, 3)

	engine := crypt.NewEngine(false)
	engine.SetKeyX(crypt.KeyslotNCCH, keyX)

	fs, err := OpenNCCH(bytes.NewReader(img), engine)
	require.NoError(t, err)

	attr, err := fs.GetAttr("decrypted.cxi")
	require.NoError(t, err)
	require.Equal(t, int64(ncchTestSize), attr.Size)

	decrypted := make([]byte, ncchTestSize)
	_, err = fs.ReadAt("decrypted.cxi", decrypted, 0)
	require.NoError(t, err)

	// The decrypted mirror matches the plaintext except for the crypto
	// flags, which mark it as unencrypted.
	expected := append([]byte(nil), plain...)
	expected[0x188+3] = 0
	expected[0x188+7] = 0x4
	assert.Equal(t, expected, decrypted)
}

func TestOpenNCCHSeed(t *testing.T) {
	keyX := mustHex(t, "0123456789abcdef0123456789abcdef")
	keyX70 := mustHex(t, "00112233445566778899aabbccddeeff")
	keyY := mustHex(t, "fedcba9876543210fedcba9876543210")
	seed := mustHex(t, "000102030405060708090a0b0c0d0e0f")

	plain := buildNCCHImage(t, keyY, 0x20, 0x01)

	programID := make([]byte, 8)
	binary.LittleEndian.PutUint64(programID, ncchTestPartitionID)
	verify := sha256.Sum256(append(append([]byte(nil), seed...), programID...))
	copy(plain[0x114:0x118], verify[0:4])

	seeded := sha256.Sum256(append(append([]byte(nil), keyY...), seed...))

	img := append([]byte(nil), plain...)
	encEngine := crypt.NewEngine(false)
	encEngine.SetKeyX(crypt.KeyslotNCCH, keyX)
	encEngine.SetKeyY(crypt.KeyslotNCCH, keyY)
	encEngine.SetKeyX(crypt.KeyslotNCCH70, keyX70)
	encEngine.SetKeyY(crypt.KeyslotNCCH70, seeded[0:16])
	encryptNCCHRegion(t, encEngine, crypt.KeyslotNCCH, img, 0x200, 0x800, 1)
	// The ExeFS file table and icon both keep the original NCCH key.
	encryptNCCHRegion(t, encEngine, crypt.KeyslotNCCH, img, 0xA00, 0x400, 2)
	encryptNCCHRegion(t, encEngine, crypt.KeyslotNCCH70, img, 0xE00, 0x200, 3)

	engine := crypt.NewEngine(false)
	engine.SetKeyX(crypt.KeyslotNCCH, keyX)
	engine.SetKeyX(crypt.KeyslotNCCH70, keyX70)
	engine.SetSeed(ncchTestPartitionID, seed)

	fs, err := OpenNCCH(bytes.NewReader(img), engine)
	require.NoError(t, err)
	assert.True(t, fs.Flags.UsesSeed)

	buf := make([]byte, 13)
	_, err = fs.ReadAt("exefs/icon.bin", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "icon contents", string(buf))

	buf = make([]byte, 5)
	_, err = fs.ReadAt("romfs/hello.txt", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	// A wrong seed fails the verify hash.
	bad := crypt.NewEngine(false)
	bad.SetKeyX(crypt.KeyslotNCCH, keyX)
	bad.SetKeyX(crypt.KeyslotNCCH70, keyX70)
	bad.SetSeed(ncchTestPartitionID, make([]byte, 16))
	_, err = OpenNCCH(bytes.NewReader(img), bad)
	var invalid *InvalidHeaderError
	require.ErrorAs(t, err, &invalid)
}

func TestOpenNCCHNoCrypto(t *testing.T) {
	keyY := mustHex(t, "fedcba9876543210fedcba9876543210")
	img := buildNCCHImage(t, keyY, 0x4, 0)

	// No key material needed at all.
	fs, err := OpenNCCH(bytes.NewReader(img), crypt.NewEngine(false))
	require.NoError(t, err)
	assert.True(t, fs.Flags.NoCrypto)

	buf := make([]byte, 13)
	_, err = fs.ReadAt("exefs/icon.bin", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "icon contents", string(buf))
}

func TestOpenNCCHBadMagic(t *testing.T) {
	_, err := OpenNCCH(bytes.NewReader(make([]byte, 0x200)), crypt.NewEngine(false))
	var invalid *InvalidHeaderError
	require.ErrorAs(t, err, &invalid)
}
