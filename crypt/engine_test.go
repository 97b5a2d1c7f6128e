package crypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineScramble(t *testing.T) {
	keyX := Key128{Hi: 0x0123456789ABCDEF, Lo: 0x0123456789ABCDEF}
	keyY := Key128{Hi: 0xFEDCBA9876543210, Lo: 0xFEDCBA9876543210}

	engine := NewEngine(false)
	engine.SetKeyX(KeyslotSD, keyX.Bytes())

	_, err := engine.Key(KeyslotSD)
	require.Error(t, err, "half a key pair must not derive a normal key")

	engine.SetKeyY(KeyslotSD, keyY.Bytes())
	key, err := engine.Key(KeyslotSD)
	require.NoError(t, err)
	assert.Equal(t, Scramble(keyX, keyY), key)
}

func TestEngineScrambleTWL(t *testing.T) {
	keyX := Key128{Hi: 0x0123456789ABCDEF, Lo: 0x0123456789ABCDEF}
	keyY := Key128{Hi: 0xFEDCBA9876543210, Lo: 0xFEDCBA9876543210}

	// DSi keyslots take their key material little-endian.
	reverse := func(b []byte) []byte {
		out := make([]byte, len(b))
		for i := range b {
			out[i] = b[len(b)-1-i]
		}
		return out
	}

	engine := NewEngine(false)
	engine.SetKeyX(Keyslot(0x02), reverse(keyX.Bytes()))
	engine.SetKeyY(Keyslot(0x02), reverse(keyY.Bytes()))

	key, err := engine.Key(Keyslot(0x02))
	require.NoError(t, err)
	assert.Equal(t, ScrambleTWL(keyX, keyY), key)
}

func TestEngineSetNormalKey(t *testing.T) {
	raw := make([]byte, 16)
	for i := range raw {
		raw[i] = byte(i)
	}

	engine := NewEngine(false)
	engine.SetNormalKey(KeyslotDecryptedTitlekey, raw)

	key, err := engine.Key(KeyslotDecryptedTitlekey)
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	// The engine must keep its own copy.
	raw[0] = 0xFF
	assert.EqualValues(t, 0x00, key[0])
}

func TestEngineMissingKey(t *testing.T) {
	engine := NewEngine(false)

	_, err := engine.Key(KeyslotConsoleUnique)
	var missing *MissingKeyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, KeyslotConsoleUnique, missing.Keyslot)
}

func TestEngineClone(t *testing.T) {
	engine := NewEngine(false)
	engine.SetNormalKey(KeyslotSD, make([]byte, 16))

	clone := engine.Clone()
	clone.SetNormalKey(KeyslotNCCH, make([]byte, 16))

	_, err := engine.Key(KeyslotNCCH)
	assert.Error(t, err, "clone keyslots must not leak back")

	_, err = clone.Key(KeyslotSD)
	assert.NoError(t, err)
}

func TestEngineCommonKey(t *testing.T) {
	engine := NewEngine(false)

	assert.Error(t, engine.SetCommonKey(-1))
	assert.Error(t, engine.SetCommonKey(6))
	assert.NoError(t, engine.SetCommonKey(0))
}
