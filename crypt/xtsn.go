package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// XTSN implements the AES-XTS variant used for Switch NAND partitions.
//
// It differs from standard XTS in that the sector number is serialized
// big-endian before being encrypted into the initial tweak, so x/crypto/xts
// cannot be used.
type XTSN struct {
	crypt cipher.Block
	tweak cipher.Block

	// SectorSize in bytes. Defaults to 0x4000, the size used by NAND
	// partitions.
	SectorSize int64
}

// NewXTSN creates an XTSN cipher from a crypt key and a tweak key.
func NewXTSN(cryptKey, tweakKey []byte) (*XTSN, error) {
	crypt, err := aes.NewCipher(cryptKey)
	if err != nil {
		return nil, fmt.Errorf("crypt: XTSN crypt key: %w", err)
	}
	tweak, err := aes.NewCipher(tweakKey)
	if err != nil {
		return nil, fmt.Errorf("crypt: XTSN tweak key: %w", err)
	}
	return &XTSN{crypt: crypt, tweak: tweak, SectorSize: 0x4000}, nil
}

// DecryptAt decrypts data in place. The offset is relative to the start of
// the encrypted region and must be a multiple of the AES block size, as must
// the data length.
func (x *XTSN) DecryptAt(data []byte, offset int64) {
	x.crypt2(data, offset, true)
}

// EncryptAt encrypts data in place with the same alignment rules as
// DecryptAt.
func (x *XTSN) EncryptAt(data []byte, offset int64) {
	x.crypt2(data, offset, false)
}

func (x *XTSN) crypt2(data []byte, offset int64, decrypt bool) {
	if offset%16 != 0 || int64(len(data))%16 != 0 {
		panic("crypt: XTSN requires block alignment")
	}

	sector := uint64(offset / x.SectorSize)
	skipped := offset % x.SectorSize

	var tweak [16]byte
	pos := int64(0)
	remaining := int64(len(data))
	for remaining > 0 {
		x.initTweak(&tweak, sector)
		start := int64(0)
		if skipped > 0 {
			for i := int64(0); i < skipped/16; i++ {
				updateTweak(&tweak)
			}
			start = skipped
			skipped = 0
		}

		for at := start; at < x.SectorSize && remaining > 0; at += 16 {
			block := data[pos : pos+16]
			xorBlock(block, tweak[:])
			if decrypt {
				x.crypt.Decrypt(block, block)
			} else {
				x.crypt.Encrypt(block, block)
			}
			xorBlock(block, tweak[:])
			updateTweak(&tweak)
			pos += 16
			remaining -= 16
		}
		sector++
	}
}

func (x *XTSN) initTweak(tweak *[16]byte, sector uint64) {
	binary.BigEndian.PutUint64(tweak[0:8], 0)
	binary.BigEndian.PutUint64(tweak[8:16], sector)
	x.tweak.Encrypt(tweak[:], tweak[:])
}

// updateTweak multiplies the tweak by x in GF(2^128), interpreting the bytes
// little-endian.
func updateTweak(tweak *[16]byte) {
	flag := tweak[15]&0x80 != 0
	for i := 15; i > 0; i-- {
		tweak[i] = tweak[i]<<1 | tweak[i-1]>>7
	}
	tweak[0] <<= 1
	if flag {
		tweak[0] ^= 0x87
	}
}

func xorBlock(block, tweak []byte) {
	for i := range block {
		block[i] ^= tweak[i]
	}
}

// BISKeys holds the per-partition crypt and tweak key pairs of a console.
type BISKeys [4][2][]byte

// ParseBISKeyDump parses the text output of biskeydump or lockpick, in
// either the old "BIS KEY n (crypt)" format or the new "bis_key_0n" format.
func ParseBISKeyDump(text string) (*BISKeys, error) {
	var keys BISKeys
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "BIS KEY"):
			fields := strings.Fields(line)[2:]
			if len(fields) < 3 {
				return nil, fmt.Errorf("crypt: malformed BIS key line: %q", line)
			}
			index, err := strconv.Atoi(fields[0])
			if err != nil || index < 0 || index > 3 {
				return nil, fmt.Errorf("crypt: bad BIS key index in %q", line)
			}
			keyType := strings.Trim(fields[1], "():")
			key, err := hex.DecodeString(fields[2])
			if err != nil {
				return nil, fmt.Errorf("crypt: bad BIS key in %q: %w", line, err)
			}
			switch keyType {
			case "crypt":
				keys[index][0] = key
			case "tweak":
				keys[index][1] = key
			default:
				return nil, fmt.Errorf("crypt: unknown BIS key type %q", keyType)
			}

		case strings.HasPrefix(line, "bis_key"):
			name, value, found := strings.Cut(line, " = ")
			if !found {
				continue
			}
			parts := strings.Split(name, "_")
			if len(parts) != 3 {
				continue
			}
			index, err := strconv.Atoi(parts[2])
			if err != nil {
				// lines such as bis_key_source_XX
				continue
			}
			if index < 0 || index > 3 || len(value) < 64 {
				return nil, fmt.Errorf("crypt: malformed BIS key line: %q", line)
			}
			crypt, err := hex.DecodeString(value[:32])
			if err != nil {
				return nil, fmt.Errorf("crypt: bad BIS key in %q: %w", line, err)
			}
			tweak, err := hex.DecodeString(value[32:64])
			if err != nil {
				return nil, fmt.Errorf("crypt: bad BIS key in %q: %w", line, err)
			}
			keys[index][0] = crypt
			keys[index][1] = tweak
		}
	}
	return &keys, nil
}

// Cipher creates the XTSN cipher for the given BIS key index.
func (k *BISKeys) Cipher(index int) (*XTSN, error) {
	if index < 0 || index > 3 || k[index][0] == nil || k[index][1] == nil {
		return nil, fmt.Errorf("crypt: BIS key %d is not set", index)
	}
	return NewXTSN(k[index][0], k[index][1])
}
