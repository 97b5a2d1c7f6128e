package ninvfs

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"path"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connesc/ninvfs/crypt"
)

const testID1 = "abcdef0123456789abcdef0123456789"

// newTestSD builds an in-memory SD contents directory and mounts it.
func newTestSD(t *testing.T, readOnly bool) (*SD, afero.Fs, string) {
	t.Helper()

	keyY := make([]byte, 16)
	for i := range keyY {
		keyY[i] = byte(0x30 + i)
	}
	movable := make([]byte, 0x120)
	copy(movable[0x110:], keyY)

	digest := sha256.Sum256(keyY)
	id0 := fmt.Sprintf("%08x%08x%08x%08x",
		binary.LittleEndian.Uint32(digest[0:4]), binary.LittleEndian.Uint32(digest[4:8]),
		binary.LittleEndian.Uint32(digest[8:12]), binary.LittleEndian.Uint32(digest[12:16]))

	fsys := afero.NewMemMapFs()
	dir := "/card/Nintendo 3DS"
	id1Dir := path.Join(dir, id0, testID1)
	require.NoError(t, fsys.MkdirAll(id1Dir, 0o755))

	engine := crypt.NewEngine(false)
	engine.SetKeyX(crypt.KeyslotSD, make([]byte, 16))

	sd, err := OpenSD(fsys, dir, movable, engine, readOnly)
	require.NoError(t, err)
	assert.Equal(t, id0, sd.RootDir)
	return sd, fsys, id1Dir
}

func TestOpenSDErrors(t *testing.T) {
	engine := crypt.NewEngine(false)

	_, err := OpenSD(afero.NewMemMapFs(), "/card", make([]byte, 0x10), engine, true)
	var invalid *InvalidHeaderError
	require.ErrorAs(t, err, &invalid)

	// Valid movable.sed but no matching ID0 directory.
	_, err = OpenSD(afero.NewMemMapFs(), "/card", make([]byte, 0x120), engine, true)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "SD", invalid.Format)
}

func TestSDReadWrite(t *testing.T) {
	sd, fsys, id1Dir := newTestSD(t, false)

	filePath := path.Join(id1Dir, "title", "00000001.sav")
	require.NoError(t, fsys.MkdirAll(path.Dir(filePath), 0o755))
	require.NoError(t, afero.WriteFile(fsys, filePath, make([]byte, 64), 0o644))

	virtual := "/" + testID1 + "/title/00000001.sav"
	plain := []byte("savegame contents, 32 bytes long")

	n, err := sd.WriteAt(virtual, plain, 0)
	require.NoError(t, err)
	assert.Equal(t, len(plain), n)

	// The backing bytes must be ciphertext under the derived per-file
	// counter.
	stored, err := afero.ReadFile(fsys, filePath)
	require.NoError(t, err)
	assert.NotEqual(t, plain, stored[:len(plain)])

	counter, err := sd.counter(virtual)
	require.NoError(t, err)
	stream, err := sd.engine.CTRAt(crypt.KeyslotSD, counter, 0)
	require.NoError(t, err)
	expected := make([]byte, len(plain))
	stream.XORKeyStream(expected, plain)
	assert.Equal(t, expected, stored[:len(plain)])

	buf := make([]byte, len(plain))
	_, err = sd.ReadAt(virtual, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, plain, buf)

	// Misaligned reads and writes realign the keystream.
	buf = make([]byte, 10)
	_, err = sd.ReadAt(virtual, buf, 11)
	require.NoError(t, err)
	assert.Equal(t, plain[11:21], buf)

	_, err = sd.WriteAt(virtual, []byte("PATCH"), 17)
	require.NoError(t, err)
	buf = make([]byte, len(plain))
	_, err = sd.ReadAt(virtual, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("PATCH"), buf[17:22])
	assert.Equal(t, plain[:17], buf[:17])
	assert.Equal(t, plain[22:], buf[22:])
}

func TestSDCounter(t *testing.T) {
	sd, _, _ := newTestSD(t, true)

	virtual := "/" + testID1 + "/Title/File.BIN"
	counter, err := sd.counter(virtual)
	require.NoError(t, err)

	// Lowercased UTF-16LE path below ID1, null terminated, halves XORed.
	encoded, encErr := utf16LE.NewEncoder().Bytes([]byte("/title/file.bin"))
	require.NoError(t, encErr)
	digest := sha256.Sum256(append(encoded, 0, 0))
	expected := make([]byte, 16)
	for i := range expected {
		expected[i] = digest[i] ^ digest[16+i]
	}
	assert.Equal(t, expected, counter)

	_, err = sd.counter("/short")
	assert.Error(t, err)
}

func TestSDPlaintextFiles(t *testing.T) {
	sd, fsys, id1Dir := newTestSD(t, false)

	content := []byte("plain contents")
	dotfile := path.Join(id1Dir, ".hidden")
	require.NoError(t, afero.WriteFile(fsys, dotfile, content, 0o644))

	dsiware := path.Join(id1Dir, "Nintendo DSiWare", "export.bin")
	require.NoError(t, fsys.MkdirAll(path.Dir(dsiware), 0o755))
	require.NoError(t, afero.WriteFile(fsys, dsiware, content, 0o644))

	buf := make([]byte, len(content))
	_, err := sd.ReadAt("/"+testID1+"/.hidden", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, content, buf)

	_, err = sd.ReadAt("/"+testID1+"/Nintendo DSiWare/export.bin", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, content, buf)
}

func TestSDReadOnly(t *testing.T) {
	sd, fsys, id1Dir := newTestSD(t, true)
	require.NoError(t, afero.WriteFile(fsys, path.Join(id1Dir, "f"), []byte("x"), 0o644))

	_, err := sd.WriteAt("/"+testID1+"/f", []byte("y"), 0)
	assert.ErrorIs(t, err, ErrReadOnly)

	attr, err := sd.GetAttr("/" + testID1 + "/f")
	require.NoError(t, err)
	assert.True(t, attr.ReadOnly)
	assert.Equal(t, int64(1), attr.Size)

	entries, err := sd.ReadDir("/" + testID1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = sd.ReadDir("/nope")
	var notFound *SectionNotFoundError
	assert.ErrorAs(t, err, &notFound)
}
