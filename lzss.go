package ninvfs

import (
	"encoding/binary"
	"fmt"
)

// codeMaxSize bounds both compressed and decompressed .code sizes.
const codeMaxSize = 0x2300000

// DecompressCode decompresses an ExeFS .code section, which uses a backward
// LZSS scheme: a footer at the end of the data gives the compressed region
// size and the number of bytes the output grows by, and decompression runs
// from the end towards the start.
func DecompressCode(code []byte) ([]byte, error) {
	codeLen := len(code)
	if codeLen < 8 {
		return nil, fmt.Errorf("exefs: compressed code too short: %d bytes", codeLen)
	}
	if codeLen > codeMaxSize {
		return nil, fmt.Errorf("exefs: compressed code too large: %d bytes", codeLen)
	}

	offSizeComp := binary.LittleEndian.Uint32(code[codeLen-8:])
	addSize := int(binary.LittleEndian.Uint32(code[codeLen-4:]))

	compSize := int(offSizeComp & 0xFFFFFF)
	compEnd := compSize - int(offSizeComp>>24)%0xFF
	decSize := codeLen + addSize

	compStart := 0
	if compSize <= codeLen {
		compStart = codeLen - compSize
	}

	if compEnd < 0 {
		return nil, fmt.Errorf("exefs: invalid code footer: compressed end before start")
	}
	if decSize > codeMaxSize {
		return nil, fmt.Errorf("exefs: decompressed code too large: %d bytes", decSize)
	}

	dec := make([]byte, codeLen+addSize)
	copy(dec, code)

	dataEnd := compStart + decSize
	ptrIn := compStart + compEnd
	ptrOut := decSize

	for ptrIn > compStart && ptrOut > compStart {
		if ptrOut < ptrIn {
			return nil, fmt.Errorf("exefs: code decompression overlap")
		}

		ptrIn--
		ctrl := dec[ptrIn]
		for i := 7; i >= 0; i-- {
			if ptrIn <= compStart || ptrOut <= compStart {
				break
			}

			if (ctrl>>uint(i))&1 != 0 {
				ptrIn -= 2
				if ptrIn < compStart {
					return nil, fmt.Errorf("exefs: code decompression underrun")
				}
				segCode := int(binary.LittleEndian.Uint16(dec[ptrIn : ptrIn+2]))
				segOff := (segCode & 0x0FFF) + 2
				segLen := ((segCode >> 12) & 0xF) + 3

				if ptrOut-segLen < compStart {
					return nil, fmt.Errorf("exefs: code segment out of range")
				}
				if ptrOut+segOff >= dataEnd {
					return nil, fmt.Errorf("exefs: code segment offset out of range")
				}

				for c := 0; c < segLen; c++ {
					b := dec[ptrOut+segOff]
					ptrOut--
					dec[ptrOut] = b
				}
			} else {
				if ptrOut == compStart || ptrIn == compStart {
					return nil, fmt.Errorf("exefs: code decompression underrun")
				}
				ptrOut--
				ptrIn--
				dec[ptrOut] = dec[ptrIn]
			}
		}
	}

	if ptrIn != compStart || ptrOut != compStart {
		return nil, fmt.Errorf("exefs: code decompression did not converge")
	}

	return dec, nil
}
