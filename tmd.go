package ninvfs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/connesc/ninvfs/ctrutil"
)

// signatureSizes maps a signature type to the signature length and the
// padding that follows it.
var signatureSizes = map[uint32]struct {
	Size    int
	Padding int
}{
	0x10000: {Size: 0x200, Padding: 0x3C}, // RSA-4096 SHA-1
	0x10001: {Size: 0x100, Padding: 0x3C}, // RSA-2048 SHA-1
	0x10002: {Size: 0x3C, Padding: 0x40},  // ECDSA SHA-1
	0x10003: {Size: 0x200, Padding: 0x3C}, // RSA-4096 SHA-256
	0x10004: {Size: 0x100, Padding: 0x3C}, // RSA-2048 SHA-256
	0x10005: {Size: 0x3C, Padding: 0x40},  // ECDSA SHA-256
}

// TMD holds a parsed title metadata file.
type TMD struct {
	Issuer       string
	TitleID      Hex64
	TitleVersion uint16
	Contents     []TMDContent

	// ChunkRecords is the raw content chunk record region, exposed as its
	// own file by the container mounts.
	ChunkRecords []byte `json:"-"`
}

// TMDContent describes one content entry of a TMD.
type TMDContent struct {
	ID    Hex32
	Index Hex16
	Type  Hex16
	Size  int64
	Hash  Hex
}

// tmdContentEncrypted marks contents stored with CBC titlekey crypto.
const tmdContentEncrypted = 0x1

// Encrypted reports whether the content is stored encrypted with the
// titlekey.
func (c TMDContent) Encrypted() bool {
	return c.Type&tmdContentEncrypted != 0
}

// ParseTMD reads a TMD and validates its embedded content record hashes.
func ParseTMD(input io.Reader) (*TMD, error) {
	reader := ctrutil.NewReader(input)

	sigType := make([]byte, 4)
	if _, err := io.ReadFull(reader, sigType); err != nil {
		return nil, fmt.Errorf("tmd: failed to read signature type: %w", err)
	}

	sig, ok := signatureSizes[ctrutil.BE32(sigType, 0)]
	if !ok {
		return nil, &InvalidHeaderError{
			Format: "tmd",
			Reason: fmt.Sprintf("unknown signature type 0x%08X", ctrutil.BE32(sigType, 0)),
		}
	}

	if err := reader.Discard(int64(sig.Size + sig.Padding)); err != nil {
		return nil, fmt.Errorf("tmd: failed to skip signature: %w", err)
	}

	header := make([]byte, 0xC4)
	if _, err := io.ReadFull(reader, header); err != nil {
		return nil, fmt.Errorf("tmd: failed to read header: %w", err)
	}

	issuer := string(bytes.TrimRight(header[:0x40], "\x00"))
	titleID := ctrutil.BE64(header, 0x4C)
	titleVersion := ctrutil.BE16(header, 0x9C)
	contentCount := ctrutil.BE16(header, 0x9E)

	contentInfoRecords := make([]byte, 0x900)
	if _, err := io.ReadFull(reader, contentInfoRecords); err != nil {
		return nil, fmt.Errorf("tmd: failed to read content info records: %w", err)
	}

	if !bytes.Equal(sha256Hash(contentInfoRecords), header[0xA4:0xC4]) {
		return nil, &InvalidHeaderError{Format: "tmd", Reason: "invalid hash for content info records"}
	}

	chunkRecords := make([]byte, 0x30*int(contentCount))
	if _, err := io.ReadFull(reader, chunkRecords); err != nil {
		return nil, fmt.Errorf("tmd: failed to read content chunk records: %w", err)
	}

	contents := make([]TMDContent, 0, contentCount)
	for infoIndex := 0; infoIndex < 64; infoIndex++ {
		infoRecord := contentInfoRecords[infoIndex*0x24 : (infoIndex+1)*0x24]

		firstChunk := len(contents)
		count := int(ctrutil.BE16(infoRecord, 0x2))
		if count == 0 {
			continue
		}
		if firstChunk+count > int(contentCount) {
			return nil, &InvalidHeaderError{Format: "tmd", Reason: "content info records exceed content count"}
		}

		records := chunkRecords[0x30*firstChunk : 0x30*(firstChunk+count)]
		if !bytes.Equal(sha256Hash(records), infoRecord[0x04:0x24]) {
			return nil, &InvalidHeaderError{
				Format: "tmd",
				Reason: fmt.Sprintf("invalid hash for content chunk records %d to %d", firstChunk, firstChunk+count-1),
			}
		}

		for chunkIndex := 0; chunkIndex < count; chunkIndex++ {
			record := records[chunkIndex*0x30 : (chunkIndex+1)*0x30]

			contents = append(contents, TMDContent{
				ID:    Hex32(ctrutil.BE32(record, 0x0)),
				Index: Hex16(ctrutil.BE16(record, 0x4)),
				Type:  Hex16(ctrutil.BE16(record, 0x6)),
				Size:  int64(ctrutil.BE64(record, 0x8)),
				Hash:  Hex(append([]byte(nil), record[0x10:0x30]...)),
			})
		}
	}

	return &TMD{
		Issuer:       issuer,
		TitleID:      Hex64(titleID),
		TitleVersion: titleVersion,
		Contents:     contents,
		ChunkRecords: chunkRecords,
	}, nil
}
