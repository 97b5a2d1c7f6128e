package ninvfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connesc/ninvfs/crypt"
)

func TestOpenCDN(t *testing.T) {
	dir := t.TempDir()

	titleKey := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	plainContent := []byte("plain cdn content, 32 bytes here")
	encPlaintext := []byte("secret cdn content, also 32 byte")

	// Encrypted content: CBC with the content index as IV.
	block, err := aes.NewCipher(titleKey)
	require.NoError(t, err)
	iv := make([]byte, 16)
	binary.BigEndian.PutUint16(iv, 1)
	encContent := make([]byte, len(encPlaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encContent, encPlaintext)

	plainHash := sha256.Sum256(plainContent)
	encHash := sha256.Sum256(encPlaintext)
	contents := []TMDContent{
		{ID: 0x00000000, Index: 0, Type: 0x0, Size: 32, Hash: Hex(plainHash[:])},
		{ID: 0x000000AB, Index: 1, Type: 0x1, Size: 32, Hash: Hex(encHash[:])},
		{ID: 0x000000FE, Index: 2, Type: 0x0, Size: 8, Hash: make(Hex, 0x20)},
	}

	tmd := buildTMD(t, 0x0004000000112233, contents)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tmd"), tmd, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00000000"), plainContent, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000000AB"), encContent, 0o644))
	// Content fe is deliberately absent.

	fs, err := OpenCDN(dir, crypt.NewEngine(false), titleKey)
	require.NoError(t, err)
	defer fs.Close()

	assert.Equal(t, Hex64(0x0004000000112233), fs.TMD.TitleID)

	buf := make([]byte, 32)
	_, err = fs.ReadAt("0000.00000000.ncch", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, plainContent, buf)

	_, err = fs.ReadAt("0001.000000ab.ncch", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, encPlaintext, buf)

	// Random access into an encrypted content matches its plaintext slice.
	inner := make([]byte, 16)
	_, err = fs.ReadAt("0001.000000ab.ncch", inner, 9)
	require.NoError(t, err)
	assert.Equal(t, encPlaintext[9:25], inner)

	// The missing content is skipped, not fatal.
	var notFound *SectionNotFoundError
	_, err = fs.GetAttr("0002.000000fe.ncch")
	require.ErrorAs(t, err, &notFound)

	require.NoError(t, fs.VerifyContents())
}

func TestCDNVerifyMismatch(t *testing.T) {
	dir := t.TempDir()

	content := []byte("0123456789abcdef")
	records := []TMDContent{
		{ID: 0, Index: 0, Type: 0x0, Size: 16, Hash: make(Hex, 0x20)},
	}
	tmd := buildTMD(t, 0x0004000000112233, records)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tmd"), tmd, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00000000"), content, 0o644))

	fs, err := OpenCDN(dir, crypt.NewEngine(false), nil)
	require.NoError(t, err)
	defer fs.Close()

	assert.ErrorContains(t, fs.VerifyContents(), "hash mismatch")
}

func TestOpenCDNNoTMD(t *testing.T) {
	_, err := OpenCDN(t.TempDir(), crypt.NewEngine(false), nil)
	assert.Error(t, err)
}
