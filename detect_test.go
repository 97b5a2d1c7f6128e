package ninvfs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect(t *testing.T) {
	image := func(build func(h []byte)) []byte {
		h := make([]byte, 0x400)
		build(h)
		return h
	}

	tests := []struct {
		name     string
		data     []byte
		expected Format
	}{
		{
			name: "ncch",
			data: image(func(h []byte) {
				copy(h[0x100:], "NCCH")
			}),
			expected: FormatNCCH,
		},
		{
			name: "cci",
			data: image(func(h []byte) {
				copy(h[0x100:], "NCSD")
				binary.LittleEndian.PutUint64(h[0x108:], 0xDEADBEEF)
			}),
			expected: FormatCCI,
		},
		{
			name: "nandctr",
			data: image(func(h []byte) {
				copy(h[0x100:], "NCSD")
			}),
			expected: FormatNANDCTR,
		},
		{
			name: "romfs ivfc",
			data: image(func(h []byte) {
				copy(h, "IVFC")
			}),
			expected: FormatRomFS,
		},
		{
			name: "romfs lv3",
			data: image(func(h []byte) {
				binary.LittleEndian.PutUint32(h, romFSLv3HeaderSize)
			}),
			expected: FormatRomFS,
		},
		{
			name: "cia",
			data: image(func(h []byte) {
				copy(h, ciaHeaderMagic)
			}),
			expected: FormatCIA,
		},
		{
			name: "srl",
			data: image(func(h []byte) {
				copy(h[0xC0:], srlLogoMagic)
			}),
			expected: FormatSRL,
		},
		{
			name: "nandtwl",
			data: image(func(h []byte) {
				copy(h[0x220:], twlStage2Magic)
			}),
			expected: FormatNANDTWL,
		},
		{
			name: "nandhac",
			data: image(func(h []byte) {
				copy(h[0x200:], "EFI PART")
			}),
			expected: FormatNANDHAC,
		},
		{
			name:     "exefs",
			data:     image(func(h []byte) { copy(h, "icon\x00\x00\x00\x00") }),
			expected: FormatExeFS,
		},
		{
			name: "unknown",
			data: image(func(h []byte) {
				h[0] = 0xFF
			}),
			expected: FormatUnknown,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			format := Detect(bytes.NewReader(test.data), int64(len(test.data)))
			assert.Equal(t, test.expected, format)
		})
	}
}

func TestDetectBB(t *testing.T) {
	// iQue NAND has no magic at all, only its fixed size.
	data := make([]byte, 0x400)
	data[0] = 0xFF
	assert.Equal(t, FormatNANDBB, Detect(bytes.NewReader(data), bbNANDSize))
}

func TestDetectTruncated(t *testing.T) {
	assert.Equal(t, FormatUnknown, Detect(bytes.NewReader(make([]byte, 0x80)), 0x80))
}

func TestFormatString(t *testing.T) {
	assert.Equal(t, "cia", FormatCIA.String())
	assert.Equal(t, "unknown", FormatUnknown.String())
	assert.Equal(t, "Format(99)", Format(99).String())
}
