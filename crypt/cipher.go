package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

func (e *Engine) blockCipher(slot Keyslot) (cipher.Block, error) {
	key, err := e.Key(slot)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: keyslot 0x%02X: %w", uint8(slot), err)
	}
	return block, nil
}

// CTR creates an AES-CTR stream for the given keyslot and initial counter.
// Keyslots on the DSi half of the engine transparently get the reversed block
// ordering of the TWL AES engine.
func (e *Engine) CTR(slot Keyslot, counter []byte) (cipher.Stream, error) {
	block, err := e.blockCipher(slot)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(block, counter)
	if twlKeyslot(slot) {
		stream = &twlStream{inner: stream}
	}
	return stream, nil
}

// CTRAt creates an AES-CTR stream like CTR, advanced to the given block
// offset. The offset must be a multiple of the AES block size.
func (e *Engine) CTRAt(slot Keyslot, counter []byte, offset int64) (cipher.Stream, error) {
	advanced := make([]byte, 16)
	copy(advanced, counter)
	AddCounter(advanced, uint64(offset)/16)
	return e.CTR(slot, advanced)
}

// CBCDecrypter creates an AES-CBC decrypter for the given keyslot.
func (e *Engine) CBCDecrypter(slot Keyslot, iv []byte) (cipher.BlockMode, error) {
	block, err := e.blockCipher(slot)
	if err != nil {
		return nil, err
	}
	return cipher.NewCBCDecrypter(block, iv), nil
}

// CBCEncrypter creates an AES-CBC encrypter for the given keyslot.
func (e *Engine) CBCEncrypter(slot Keyslot, iv []byte) (cipher.BlockMode, error) {
	block, err := e.blockCipher(slot)
	if err != nil {
		return nil, err
	}
	return cipher.NewCBCEncrypter(block, iv), nil
}

// ECBDecrypter creates an AES-ECB decrypter for the given keyslot.
func (e *Engine) ECBDecrypter(slot Keyslot) (cipher.BlockMode, error) {
	block, err := e.blockCipher(slot)
	if err != nil {
		return nil, err
	}
	return &ecbMode{block: block, decrypt: true}, nil
}

// ECBEncrypter creates an AES-ECB encrypter for the given keyslot.
func (e *Engine) ECBEncrypter(slot Keyslot) (cipher.BlockMode, error) {
	block, err := e.blockCipher(slot)
	if err != nil {
		return nil, err
	}
	return &ecbMode{block: block}, nil
}

// DecryptTitlekey decrypts an encrypted ticket titlekey using the common key
// with the given index. The IV is the title id followed by zeros.
func (e *Engine) DecryptTitlekey(titlekey []byte, index int, titleID uint64) ([]byte, error) {
	if err := e.SetCommonKey(index); err != nil {
		return nil, err
	}

	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv, titleID)

	cbc, err := e.CBCDecrypter(KeyslotCommon, iv)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 16)
	cbc.CryptBlocks(out, titlekey[:16])
	return out, nil
}

// AddCounter adds n to the big-endian 16-byte counter in place.
func AddCounter(counter []byte, n uint64) {
	lo := binary.BigEndian.Uint64(counter[8:16])
	sum := lo + n
	binary.BigEndian.PutUint64(counter[8:16], sum)
	if sum < lo {
		binary.BigEndian.PutUint64(counter[0:8], binary.BigEndian.Uint64(counter[0:8])+1)
	}
}

// SubCounter subtracts n from the big-endian 16-byte counter in place.
func SubCounter(counter []byte, n uint64) {
	lo := binary.BigEndian.Uint64(counter[8:16])
	diff := lo - n
	binary.BigEndian.PutUint64(counter[8:16], diff)
	if diff > lo {
		binary.BigEndian.PutUint64(counter[0:8], binary.BigEndian.Uint64(counter[0:8])-1)
	}
}

// ecbMode implements ECB, which crypto/cipher deliberately leaves out.
type ecbMode struct {
	block   cipher.Block
	decrypt bool
}

func (m *ecbMode) BlockSize() int {
	return m.block.BlockSize()
}

func (m *ecbMode) CryptBlocks(dst, src []byte) {
	size := m.block.BlockSize()
	if len(src)%size != 0 {
		panic("crypt: input not full blocks")
	}
	for len(src) > 0 {
		if m.decrypt {
			m.block.Decrypt(dst, src)
		} else {
			m.block.Encrypt(dst, src)
		}
		src = src[size:]
		dst = dst[size:]
	}
}

// twlStream adapts a CTR stream to the byte order of the TWL AES engine,
// which processes each 16-byte block in reverse. Inputs must be block
// aligned.
type twlStream struct {
	inner cipher.Stream
}

func (s *twlStream) XORKeyStream(dst, src []byte) {
	if len(src)%16 != 0 {
		panic("crypt: TWL crypto requires full blocks")
	}
	buf := make([]byte, len(src))
	for i := 0; i < len(src); i += 16 {
		reverse16(buf[i:i+16], src[i:i+16])
	}
	s.inner.XORKeyStream(buf, buf)
	for i := 0; i < len(buf); i += 16 {
		reverse16(dst[i:i+16], buf[i:i+16])
	}
}

func reverse16(dst, src []byte) {
	for i := 0; i < 16; i++ {
		dst[i] = src[15-i]
	}
}
