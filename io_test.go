package ninvfs

import (
	"bytes"
	"crypto/rand"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connesc/ninvfs/crypt"
)

// memFile is an in-memory io.ReaderAt plus io.WriterAt backing for section
// tests.
type memFile struct {
	data []byte
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(len(f.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(f.data[off:], p), nil
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func sectionEngine(t *testing.T, slot crypt.Keyslot) *crypt.Engine {
	t.Helper()
	engine := crypt.NewEngine(false)
	engine.SetNormalKey(slot, randomBytes(t, 16))
	return engine
}

func TestCTRSection(t *testing.T) {
	engine := sectionEngine(t, crypt.KeyslotNCCH)
	counter := randomBytes(t, 16)
	plain := randomBytes(t, 0x100)

	encrypted := make([]byte, len(plain))
	stream, err := engine.CTR(crypt.KeyslotNCCH, counter)
	require.NoError(t, err)
	stream.XORKeyStream(encrypted, plain)

	backing := &memFile{data: encrypted}
	section := &ctrSection{
		parent:  backing,
		writer:  backing,
		mu:      new(sync.Mutex),
		engine:  engine,
		slot:    crypt.KeyslotNCCH,
		counter: counter,
		size:    int64(len(plain)),
	}

	// Aligned and misaligned reads.
	buf := make([]byte, 0x40)
	_, err = section.ReadAt(buf, 0x40)
	require.NoError(t, err)
	assert.Equal(t, plain[0x40:0x80], buf)

	buf = make([]byte, 33)
	_, err = section.ReadAt(buf, 7)
	require.NoError(t, err)
	assert.Equal(t, plain[7:40], buf)

	// Reads crossing the end are truncated with io.EOF.
	buf = make([]byte, 0x20)
	n, err := section.ReadAt(buf, 0xF8)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, plain[0xF8:], buf[:n])

	// A misaligned write reads back, and leaves its neighbors alone.
	patch := []byte("patched!")
	_, err = section.WriteAt(patch, 0x23)
	require.NoError(t, err)

	buf = make([]byte, 0x40)
	_, err = section.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, plain[:0x23], buf[:0x23])
	assert.Equal(t, patch, buf[0x23:0x2B])
	assert.Equal(t, plain[0x2B:0x40], buf[0x2B:0x40])
}

func TestCTRSectionOffset(t *testing.T) {
	engine := sectionEngine(t, crypt.KeyslotNCCH)
	counter := randomBytes(t, 16)
	plain := randomBytes(t, 0x100)

	// The counter counts blocks from the container start, the section is
	// an inner window.
	encrypted := make([]byte, len(plain))
	stream, err := engine.CTR(crypt.KeyslotNCCH, counter)
	require.NoError(t, err)
	stream.XORKeyStream(encrypted, plain)

	section := &ctrSection{
		parent:  &memFile{data: encrypted},
		engine:  engine,
		slot:    crypt.KeyslotNCCH,
		counter: counter,
		start:   0x30,
		size:    0x80,
	}

	buf := make([]byte, 0x20)
	_, err = section.ReadAt(buf, 0x05)
	require.NoError(t, err)
	assert.Equal(t, plain[0x35:0x55], buf)

	assert.False(t, section.Writable())
	_, err = section.WriteAt([]byte{0}, 0)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestCTRSectionConcurrentWrites(t *testing.T) {
	engine := sectionEngine(t, crypt.KeyslotNCCH)
	counter := randomBytes(t, 16)

	backing := &memFile{data: make([]byte, 16)}
	section := &ctrSection{
		parent:  backing,
		writer:  backing,
		mu:      new(sync.Mutex),
		engine:  engine,
		slot:    crypt.KeyslotNCCH,
		counter: counter,
		size:    16,
	}

	// Concurrent single-byte writes into the same AES block: each one is
	// a read-modify-write of the whole block, so without serialization
	// one of the pair gets lost.
	for i := 0; i < 500; i++ {
		a, b := byte(i), byte(i+1)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := section.WriteAt([]byte{a}, 0)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := section.WriteAt([]byte{b}, 8)
			assert.NoError(t, err)
		}()
		wg.Wait()

		buf := make([]byte, 16)
		_, err := section.ReadAt(buf, 0)
		require.NoError(t, err)
		assert.Equal(t, a, buf[0])
		assert.Equal(t, b, buf[8])
	}
}

func TestRangedCTRSection(t *testing.T) {
	slotA := crypt.KeyslotNCCH
	slotB := crypt.KeyslotNCCH70
	engine := sectionEngine(t, slotA)
	engine.SetNormalKey(slotB, randomBytes(t, 16))

	counter := randomBytes(t, 16)
	plain := randomBytes(t, 0x60)

	// Blocks share the counter progression but switch keys across the
	// middle range.
	slotAt := func(off int64) crypt.Keyslot {
		if off >= 0x20 && off < 0x40 {
			return slotB
		}
		return slotA
	}
	encrypted := make([]byte, len(plain))
	for off := int64(0); off < int64(len(plain)); off += 16 {
		stream, err := engine.CTRAt(slotAt(off), counter, off)
		require.NoError(t, err)
		stream.XORKeyStream(encrypted[off:off+16], plain[off:off+16])
	}

	section := &rangedCTRSection{
		ctrSection: ctrSection{
			parent:  &memFile{data: encrypted},
			engine:  engine,
			slot:    slotA,
			counter: counter,
			size:    int64(len(plain)),
		},
		ranges: []keyRange{{start: 0x20, end: 0x40, slot: slotB}},
	}

	buf := make([]byte, len(plain))
	n, err := section.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, plain, buf[:n])

	// A read crossing a key boundary mid-buffer.
	buf = make([]byte, 0x30)
	_, err = section.ReadAt(buf, 0x18)
	require.NoError(t, err)
	assert.Equal(t, plain[0x18:0x48], buf)
}

func TestCBCSection(t *testing.T) {
	engine := sectionEngine(t, crypt.KeyslotDecryptedTitlekey)
	iv := randomBytes(t, 16)
	plain := randomBytes(t, 0x60)

	enc, err := engine.CBCEncrypter(crypt.KeyslotDecryptedTitlekey, iv)
	require.NoError(t, err)
	encrypted := make([]byte, len(plain))
	enc.CryptBlocks(encrypted, plain)

	section := &cbcSection{
		parent: &memFile{data: encrypted},
		engine: engine,
		slot:   crypt.KeyslotDecryptedTitlekey,
		iv:     iv,
		size:   int64(len(plain)),
	}

	buf := make([]byte, len(plain))
	_, err = section.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, plain, buf)

	// Inner reads recover the IV from the previous ciphertext block.
	buf = make([]byte, 0x21)
	_, err = section.ReadAt(buf, 0x11)
	require.NoError(t, err)
	assert.Equal(t, plain[0x11:0x32], buf)

	assert.False(t, section.Writable())
}

func TestXTSSection(t *testing.T) {
	xtsn, err := crypt.NewXTSN(randomBytes(t, 16), randomBytes(t, 16))
	require.NoError(t, err)

	plain := randomBytes(t, 0x100)
	encrypted := append([]byte(nil), plain...)
	xtsn.EncryptAt(encrypted, 0)

	backing := &memFile{data: encrypted}
	section := &xtsSection{
		parent: backing,
		writer: backing,
		mu:     new(sync.Mutex),
		cipher: xtsn,
		size:   int64(len(plain)),
	}

	buf := make([]byte, 0x33)
	_, err = section.ReadAt(buf, 0x0D)
	require.NoError(t, err)
	assert.Equal(t, plain[0x0D:0x40], buf)

	patch := randomBytes(t, 24)
	_, err = section.WriteAt(patch, 0x71)
	require.NoError(t, err)

	buf = make([]byte, len(plain))
	_, err = section.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, patch, buf[0x71:0x89])
	assert.Equal(t, plain[:0x71], buf[:0x71])
	assert.Equal(t, plain[0x89:], buf[0x89:])
}

func TestCompositeSection(t *testing.T) {
	section := &compositeSection{
		size: 16,
		segments: []segment{
			{off: 4, size: 4, src: newBytesSection([]byte("ABCDEF")), srcOff: 2},
		},
		fallback: newBytesSection(bytes.Repeat([]byte("x"), 16)),
	}

	buf := make([]byte, 16)
	_, err := section.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "xxxxCDEFxxxxxxxx", string(buf))

	// Segments shorter than their span read as zeros past their end.
	short := &compositeSection{
		size: 8,
		segments: []segment{
			{off: 0, size: 8, src: newBytesSection([]byte("AB")), srcOff: 0},
		},
		fallback: newBytesSection(nil),
	}
	_, err = short.ReadAt(buf[:8], 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{'A', 'B', 0, 0, 0, 0, 0, 0}, buf[:8])
}
