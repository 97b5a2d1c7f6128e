package ninvfs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/connesc/ninvfs/ctrutil"
)

// Format identifies a container format supported by this package.
type Format int

const (
	FormatUnknown Format = iota
	FormatNCCH
	FormatCCI
	FormatNANDCTR
	FormatNANDTWL
	FormatNANDHAC
	FormatNANDBB
	FormatRomFS
	FormatExeFS
	FormatCIA
	FormatSRL
)

var formatNames = map[Format]string{
	FormatUnknown: "unknown",
	FormatNCCH:    "ncch",
	FormatCCI:     "cci",
	FormatNANDCTR: "nandctr",
	FormatNANDTWL: "nandtwl",
	FormatNANDHAC: "nandhac",
	FormatNANDBB:  "nandbb",
	FormatRomFS:   "romfs",
	FormatExeFS:   "exefs",
	FormatCIA:     "cia",
	FormatSRL:     "srl",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ciaHeaderMagic is the fixed start of every CIA: header size, type,
// version, and the certificate chain and ticket sizes.
var ciaHeaderMagic = []byte{
	0x20, 0x20, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x0A, 0x00, 0x00, 0x50, 0x03, 0x00, 0x00,
}

// srlLogoMagic is the start of the Nintendo logo at 0xC0 of every ROM.
var srlLogoMagic = []byte{0x24, 0xFF, 0xAE, 0x51, 0x69, 0x9A, 0xA2, 0x21}

// twlStage2Magic is part of the DSi NAND bootloader info blocks, constant
// across consoles.
var twlStage2Magic = []byte{
	0x00, 0x08, 0x00, 0x00, 0x10, 0x64, 0x02, 0x00,
	0x00, 0x80, 0x7B, 0x03, 0x00, 0x66, 0x02, 0x00,
	0x00, 0x6E, 0x02, 0x00, 0x88, 0x75, 0x02, 0x00,
	0x00, 0x80, 0x7B, 0x03, 0x00, 0x76, 0x02, 0x00,
}

// Detect guesses the container format of backing from its first bytes and
// its size. Encrypted NAND images are recognized by size and plaintext
// landmarks, so a wrong guess is still possible for exotic images.
func Detect(backing io.ReaderAt, size int64) Format {
	header := make([]byte, 0x400)
	if n, err := backing.ReadAt(header, 0); err != nil && err != io.EOF {
		return FormatUnknown
	} else if n < 0x200 {
		return FormatUnknown
	}

	switch {
	case bytes.Equal(header[0x100:0x104], []byte("NCCH")):
		return FormatNCCH
	case bytes.Equal(header[0x100:0x104], []byte("NCSD")):
		if ctrutil.LE64(header, 0x108) == 0 {
			return FormatNANDCTR
		}
		return FormatCCI
	case bytes.Equal(header[0:4], []byte("IVFC")),
		ctrutil.LE32(header, 0) == romFSLv3HeaderSize:
		return FormatRomFS
	case bytes.Equal(header[0:0x10], ciaHeaderMagic):
		return FormatCIA
	case bytes.Equal(header[0xC0:0xC8], srlLogoMagic):
		return FormatSRL
	case bytes.Equal(header[0x220:0x240], twlStage2Magic):
		return FormatNANDTWL
	case bytes.Equal(header[0x200:0x208], []byte("EFI PART")):
		return FormatNANDHAC
	case size == bbNANDSize:
		return FormatNANDBB
	}

	// ExeFS has no magic, but every official name is ASCII.
	for off := 0; off < 0xA0; off += 0x10 {
		for _, b := range header[off : off+8] {
			if b >= 0x80 {
				return FormatUnknown
			}
		}
	}
	return FormatExeFS
}
