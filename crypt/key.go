package crypt

import (
	"encoding/binary"
	"math/bits"
)

// Key128 is a 128-bit key interpreted as a big integer, as used by the AES
// keyscrambler.
type Key128 struct {
	Hi, Lo uint64
}

// Key128FromBytes interprets the given 16 bytes as a big-endian integer.
func Key128FromBytes(b []byte) Key128 {
	return Key128{
		Hi: binary.BigEndian.Uint64(b[0:8]),
		Lo: binary.BigEndian.Uint64(b[8:16]),
	}
}

// Key128FromBytesLE interprets the given 16 bytes as a little-endian integer,
// which is how the DSi keyslots expose their key material.
func Key128FromBytesLE(b []byte) Key128 {
	return Key128{
		Hi: binary.LittleEndian.Uint64(b[8:16]),
		Lo: binary.LittleEndian.Uint64(b[0:8]),
	}
}

// Bytes returns the big-endian representation of the key.
func (k Key128) Bytes() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], k.Hi)
	binary.BigEndian.PutUint64(b[8:16], k.Lo)
	return b
}

// Xor returns k ^ other.
func (k Key128) Xor(other Key128) Key128 {
	return Key128{Hi: k.Hi ^ other.Hi, Lo: k.Lo ^ other.Lo}
}

// Add returns (k + other) mod 2^128.
func (k Key128) Add(other Key128) Key128 {
	lo, carry := bits.Add64(k.Lo, other.Lo, 0)
	hi, _ := bits.Add64(k.Hi, other.Hi, carry)
	return Key128{Hi: hi, Lo: lo}
}

// Rol returns k rotated left by n bits.
func (k Key128) Rol(n uint) Key128 {
	n %= 128
	if n >= 64 {
		k.Hi, k.Lo = k.Lo, k.Hi
		n -= 64
	}
	if n == 0 {
		return k
	}
	return Key128{
		Hi: k.Hi<<n | k.Lo>>(64-n),
		Lo: k.Lo<<n | k.Hi>>(64-n),
	}
}

var (
	scramblerCTR = Key128{Hi: 0x1FF9E9AAC5FE0408, Lo: 0x024591DC5D52768A}
	scramblerTWL = Key128{Hi: 0xFFFEFB4E29590258, Lo: 0x2A680F5F1A4F3E79}
)

// Scramble derives a normal key from a key pair using the CTR keyscrambler:
// rol((rol(keyX, 2) ^ keyY) + C, 87).
func Scramble(keyX, keyY Key128) []byte {
	return keyX.Rol(2).Xor(keyY).Add(scramblerCTR).Rol(87).Bytes()
}

// ScrambleTWL derives a normal key from a key pair using the TWL keyscrambler:
// rol((keyX ^ keyY) + C, 42).
//
// The result would normally be serialized little-endian then reversed per
// 16-byte block for the AES engine, which cancels out to plain big-endian.
func ScrambleTWL(keyX, keyY Key128) []byte {
	return keyX.Xor(keyY).Add(scramblerTWL).Rol(42).Bytes()
}
