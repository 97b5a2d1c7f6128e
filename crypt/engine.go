package crypt

import (
	"fmt"
)

// Keyslot identifies one of the AES engine keyslots.
type Keyslot uint8

// Keyslots with a known fixed purpose.
const (
	KeyslotTWLNAND       Keyslot = 0x03
	KeyslotCTRNANDOld    Keyslot = 0x04
	KeyslotCTRNANDNew    Keyslot = 0x05
	KeyslotFIRM          Keyslot = 0x06
	KeyslotAGB           Keyslot = 0x07
	KeyslotNewKeySector  Keyslot = 0x11
	KeyslotNCCH93        Keyslot = 0x18
	KeyslotNCCH96        Keyslot = 0x1B
	KeyslotNCCH70        Keyslot = 0x25
	KeyslotNCCH          Keyslot = 0x2C
	KeyslotSD            Keyslot = 0x34
	KeyslotCommon        Keyslot = 0x3D
	KeyslotConsoleUnique Keyslot = 0x3F

	// KeyslotDecryptedTitlekey is a virtual slot beyond the hardware
	// range, holding an unwrapped titlekey as a normal key.
	KeyslotDecryptedTitlekey Keyslot = 0x40
)

// twlKeyslot reports whether the keyslot belongs to the DSi half of the AES
// engine, which uses the TWL keyscrambler and little-endian key material.
func twlKeyslot(slot Keyslot) bool {
	return slot < 0x04
}

// FixedSystemKey is the fixed normal key used by system titles flagged for
// fixed-key crypto. Other fixed-key titles use an all-zero key.
var FixedSystemKey = Key128{Hi: 0x527CE630A9CA305F, Lo: 0x3696F3CDE954194B}.Bytes()

// baseKeyX holds the NCCH extra keyslot KeyX constants, retail then dev.
var baseKeyX = map[Keyslot][2]Key128{
	KeyslotNCCH93: {
		{Hi: 0x82E9C9BEBFB8BDB8, Lo: 0x75ECC0A07D474374},
		{Hi: 0x304BF1468372EE64, Lo: 0x115EBD4093D84276},
	},
	KeyslotNCCH96: {
		{Hi: 0x45AD04953992C7C8, Lo: 0x93724A9A7BCE6182},
		{Hi: 0x6C8B2944A0726035, Lo: 0xF941DFC018524FB6},
	},
	KeyslotNCCH70: {
		{Hi: 0xCEE7D8AB30C00DAE, Lo: 0x850EF5E382AC5AF3},
		{Hi: 0x81907A4B6F1B4732, Lo: 0x3A677974CE4AD71B},
	},
}

// commonKeyY holds the ticket common key KeyY table, retail then dev.
var commonKeyY = [6][2]Key128{
	// eShop
	{
		{Hi: 0xD07B337F9CA43859, Lo: 0x32A2E25723232EB9},
		{Hi: 0x85215E96CB95A9EC, Lo: 0xA4B4DE601CB562C7},
	},
	// System
	{
		{Hi: 0x0C767230F0998F1C, Lo: 0x46828202FAACBE4C},
		{Hi: 0x0C767230F0998F1C, Lo: 0x46828202FAACBE4C},
	},
	{
		{Hi: 0xC475CB3AB8C788BB, Lo: 0x575E12A10907B8A4},
		{Hi: 0xC475CB3AB8C788BB, Lo: 0x575E12A10907B8A4},
	},
	{
		{Hi: 0xE486EEE3D0C09C90, Lo: 0x2F6686D4C06F649F},
		{Hi: 0xE486EEE3D0C09C90, Lo: 0x2F6686D4C06F649F},
	},
	{
		{Hi: 0xED31BA9C04B06750, Lo: 0x6C4497A35B7804FC},
		{Hi: 0xED31BA9C04B06750, Lo: 0x6C4497A35B7804FC},
	},
	{
		{Hi: 0x5E66998AB4E89316, Lo: 0x06850FD7A16DD755},
		{Hi: 0x5E66998AB4E89316, Lo: 0x06850FD7A16DD755},
	},
}

// Engine holds AES keyslot state and derives normal keys with the hardware
// keyscrambler rules.
//
// A zero-value Engine has no keys: use NewEngine, then LoadBoot9/SetupBoot9
// and optionally SetupOTP to populate the console keyslots.
type Engine struct {
	// Dev selects development-unit key constants.
	Dev bool

	keyX   map[Keyslot]Key128
	keyY   map[Keyslot]Key128
	normal map[Keyslot][]byte

	b9Loaded        bool
	b9ExtdataOTP    []byte
	b9ExtdataKeygen []byte
	otpKey          []byte
	otpIV           []byte

	seeds map[uint64][]byte
}

// NewEngine creates an Engine preloaded with the publicly known key
// constants.
func NewEngine(dev bool) *Engine {
	e := &Engine{
		Dev: dev,
		keyX: map[Keyslot]Key128{},
		keyY: map[Keyslot]Key128{
			KeyslotTWLNAND:    {Hi: 0xE1A00005202DDD1D, Lo: 0xBD4DC4D30AB9DC76},
			KeyslotCTRNANDNew: {Hi: 0x4D804F4E99901946, Lo: 0x13A204AC584460BE},
		},
		normal: map[Keyslot][]byte{},
		seeds:  map[uint64][]byte{},
	}

	devIndex := 0
	if dev {
		devIndex = 1
	}
	for slot, keys := range baseKeyX {
		e.keyX[slot] = keys[devIndex]
	}

	return e
}

// Clone returns an independent copy of the engine, so that containers that
// reconfigure keyslots do not disturb each other.
func (e *Engine) Clone() *Engine {
	clone := &Engine{
		Dev:             e.Dev,
		keyX:            make(map[Keyslot]Key128, len(e.keyX)),
		keyY:            make(map[Keyslot]Key128, len(e.keyY)),
		normal:          make(map[Keyslot][]byte, len(e.normal)),
		b9Loaded:        e.b9Loaded,
		b9ExtdataOTP:    e.b9ExtdataOTP,
		b9ExtdataKeygen: e.b9ExtdataKeygen,
		otpKey:          e.otpKey,
		otpIV:           e.otpIV,
		seeds:           e.seeds,
	}
	for slot, key := range e.keyX {
		clone.keyX[slot] = key
	}
	for slot, key := range e.keyY {
		clone.keyY[slot] = key
	}
	for slot, key := range e.normal {
		clone.normal[slot] = key
	}
	return clone
}

// SetKeyX sets the KeyX of a keyslot from 16 raw bytes and rescrambles the
// normal key if the matching KeyY is known.
func (e *Engine) SetKeyX(slot Keyslot, key []byte) {
	e.keyX[slot] = e.keyFromBytes(slot, key)
	e.scramble(slot)
}

// SetKeyY sets the KeyY of a keyslot from 16 raw bytes and rescrambles the
// normal key if the matching KeyX is known.
func (e *Engine) SetKeyY(slot Keyslot, key []byte) {
	e.keyY[slot] = e.keyFromBytes(slot, key)
	e.scramble(slot)
}

// SetNormalKey sets the normal key of a keyslot directly, bypassing the
// keyscrambler.
func (e *Engine) SetNormalKey(slot Keyslot, key []byte) {
	e.normal[slot] = append([]byte(nil), key[:16]...)
}

// Key returns the normal key of a keyslot, deriving it from the key pair if
// needed.
func (e *Engine) Key(slot Keyslot) ([]byte, error) {
	if key, ok := e.normal[slot]; ok {
		return key, nil
	}
	return nil, &MissingKeyError{Keyslot: slot}
}

// KeyX returns the KeyX of a keyslot as a big integer.
func (e *Engine) KeyX(slot Keyslot) (Key128, bool) {
	key, ok := e.keyX[slot]
	return key, ok
}

// SetCommonKey loads the ticket common key with the given index into the
// common keyslot.
func (e *Engine) SetCommonKey(index int) error {
	if index < 0 || index >= len(commonKeyY) {
		return fmt.Errorf("crypt: common key index %d out of range", index)
	}
	devIndex := 0
	if e.Dev {
		devIndex = 1
	}
	e.keyY[KeyslotCommon] = commonKeyY[index][devIndex]
	e.scramble(KeyslotCommon)
	return nil
}

func (e *Engine) keyFromBytes(slot Keyslot, key []byte) Key128 {
	if twlKeyslot(slot) {
		return Key128FromBytesLE(key)
	}
	return Key128FromBytes(key)
}

func (e *Engine) scramble(slot Keyslot) {
	keyX, okX := e.keyX[slot]
	keyY, okY := e.keyY[slot]
	if !okX || !okY {
		return
	}
	if twlKeyslot(slot) {
		e.normal[slot] = ScrambleTWL(keyX, keyY)
	} else {
		e.normal[slot] = Scramble(keyX, keyY)
	}
}
