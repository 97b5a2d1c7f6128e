package ninvfs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connesc/ninvfs/crypt"
)

// buildTicket assembles a signed ticket with the given titlekey.
func buildTicket(t *testing.T, titleID uint64, keyIndex uint8, titleKey []byte) []byte {
	t.Helper()

	body := make([]byte, 0x210)
	copy(body, "Root-CA00000003-XS0000000c")
	copy(body[0x7F:0x8F], titleKey)
	binary.BigEndian.PutUint64(body[0x90:], 0x0123456789ABCDEF)
	binary.BigEndian.PutUint32(body[0x98:], 0xCAFEBABE)
	binary.BigEndian.PutUint64(body[0x9C:], titleID)
	body[0xB1] = keyIndex

	var ticket []byte
	ticket = binary.BigEndian.AppendUint32(ticket, 0x10004)
	ticket = append(ticket, make([]byte, 0x100+0x3C)...)
	ticket = append(ticket, body...)
	return ticket
}

func TestParseTicket(t *testing.T) {
	titleKey := make([]byte, 16)
	for i := range titleKey {
		titleKey[i] = byte(0xA0 + i)
	}
	raw := buildTicket(t, 0x0004000000055D00, 0, titleKey)

	ticket, err := ParseTicket(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, "Root-CA00000003-XS0000000c", ticket.Issuer)
	assert.Equal(t, Hex64(0x0123456789ABCDEF), ticket.TicketID)
	assert.Equal(t, Hex32(0xCAFEBABE), ticket.ConsoleID)
	assert.Equal(t, Hex64(0x0004000000055D00), ticket.TitleID)
	assert.EqualValues(t, 0, ticket.CommonKeyIndex)
	assert.Equal(t, Hex(titleKey), ticket.TitleKey)
	assert.Equal(t, raw, ticket.Raw)
}

func TestParseTicketBadSignatureType(t *testing.T) {
	raw := buildTicket(t, 1, 0, make([]byte, 16))
	raw[0] = 0xFF

	_, err := ParseTicket(bytes.NewReader(raw))
	var invalid *InvalidHeaderError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "ticket", invalid.Format)
}

func TestTicketDecryptTitleKey(t *testing.T) {
	titleID := uint64(0x0004000000055D00)
	plainKey := make([]byte, 16)
	for i := range plainKey {
		plainKey[i] = byte(i)
	}

	// Wrap the titlekey the way the ticket stores it: CBC under the
	// common key with the title id as IV.
	engine := crypt.NewEngine(false)
	engine.SetKeyX(crypt.KeyslotCommon, make([]byte, 16))
	require.NoError(t, engine.SetCommonKey(0))

	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv, titleID)
	enc, err := engine.CBCEncrypter(crypt.KeyslotCommon, iv)
	require.NoError(t, err)
	wrapped := make([]byte, 16)
	enc.CryptBlocks(wrapped, plainKey)

	ticket, err := ParseTicket(bytes.NewReader(buildTicket(t, titleID, 0, wrapped)))
	require.NoError(t, err)

	decrypted, err := ticket.DecryptTitleKey(engine)
	require.NoError(t, err)
	assert.Equal(t, plainKey, decrypted)

	// Without common key material the unwrap must fail loudly.
	_, err = ticket.DecryptTitleKey(crypt.NewEngine(false))
	assert.Error(t, err)
}
