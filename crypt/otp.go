package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

var otpMagic = []byte{0x0F, 0xB0, 0xAD, 0xDE}

// SetupOTP derives the console-unique keyslots from an OTP dump. Both
// encrypted and decrypted dumps are accepted; decrypted dumps start with the
// OTP magic.
//
// Bootrom key material must have been loaded first.
func (e *Engine) SetupOTP(otp []byte) error {
	if !e.b9Loaded {
		return fmt.Errorf("crypt: boot9 required before OTP setup")
	}
	if len(otp) != 0x100 {
		return fmt.Errorf("crypt: OTP must be 0x100 bytes, got %d", len(otp))
	}

	block, err := aes.NewCipher(e.otpKey)
	if err != nil {
		return fmt.Errorf("crypt: OTP cipher: %w", err)
	}

	var otpEnc, otpDec []byte
	if bytes.Equal(otp[0:4], otpMagic) {
		otpDec = otp
		otpEnc = make([]byte, 0x100)
		cipher.NewCBCEncrypter(block, e.otpIV).CryptBlocks(otpEnc, otp)
	} else {
		otpEnc = otp
		otpDec = make([]byte, 0x100)
		cipher.NewCBCDecrypter(block, e.otpIV).CryptBlocks(otpDec, otp)
	}

	expected := otpDec[0xE0:0x100]
	actual := sha256.Sum256(otpDec[0:0xE0])
	if !bytes.Equal(actual[:], expected) {
		return &CorruptOTPError{
			Expected: append([]byte(nil), expected...),
			Actual:   actual[:],
		}
	}

	keysectHash := sha256.Sum256(otpEnc[0:0x90])
	e.SetKeyX(KeyslotNewKeySector, keysectHash[0:0x10])
	e.SetKeyY(KeyslotNewKeySector, keysectHash[0:0x10])

	// TWL console-unique KeyX from the console id
	cidLo := binary.LittleEndian.Uint32(otpDec[0x08:0x0C])
	cidHi := binary.LittleEndian.Uint32(otpDec[0x0C:0x10])
	cidLo ^= 0xB358A6AF
	cidLo |= 0x80000000
	cidHi ^= 0x08C267B7
	twlKeyX := make([]byte, 0, 16)
	twlKeyX = binary.LittleEndian.AppendUint32(twlKeyX, cidLo)
	twlKeyX = append(twlKeyX, "NINTENDO"...)
	twlKeyX = binary.LittleEndian.AppendUint32(twlKeyX, cidHi)
	e.SetKeyX(KeyslotTWLNAND, twlKeyX)

	consoleKeyXY := sha256.Sum256(append(append([]byte(nil), otpDec[0x90:0xAC]...), e.b9ExtdataOTP...))
	e.SetKeyX(KeyslotConsoleUnique, consoleKeyXY[0:0x10])
	e.SetKeyY(KeyslotConsoleUnique, consoleKeyXY[0x10:0x20])

	// Console-unique keygen chain: each round takes an IV from the bootrom
	// extdata and encrypts the next 64 bytes of it with the console-unique
	// keyslot.
	extdataOff := 0
	gen := func(skip int) []byte {
		extdataOff += 36
		iv := e.b9ExtdataKeygen[extdataOff : extdataOff+16]
		extdataOff += 16

		key, _ := e.Key(KeyslotConsoleUnique)
		block, _ := aes.NewCipher(key)
		out := make([]byte, 64)
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, e.b9ExtdataKeygen[extdataOff:extdataOff+64])

		extdataOff += skip
		return out
	}

	a := gen(64)
	for slot := Keyslot(0x04); slot < 0x08; slot++ {
		e.SetKeyX(slot, a[0:16])
	}
	for slot := Keyslot(0x08); slot < 0x0C; slot++ {
		e.SetKeyX(slot, a[16:32])
	}
	for slot := Keyslot(0x0C); slot < 0x10; slot++ {
		e.SetKeyX(slot, a[32:48])
	}
	e.SetKeyX(0x10, a[48:64])

	b := gen(16)
	for i, slot := 0, Keyslot(0x14); slot < 0x18; i, slot = i+16, slot+1 {
		e.SetKeyX(slot, b[i:i+16])
	}

	c := gen(64)
	for slot := Keyslot(0x18); slot < 0x1C; slot++ {
		e.SetKeyX(slot, c[0:16])
	}
	for slot := Keyslot(0x1C); slot < 0x20; slot++ {
		e.SetKeyX(slot, c[16:32])
	}
	for slot := Keyslot(0x20); slot < 0x24; slot++ {
		e.SetKeyX(slot, c[32:48])
	}
	e.SetKeyX(0x24, c[48:64])

	d := gen(16)
	for i, slot := 0, Keyslot(0x28); slot < 0x2C; i, slot = i+16, slot+1 {
		e.SetKeyX(slot, d[i:i+16])
	}

	return nil
}
