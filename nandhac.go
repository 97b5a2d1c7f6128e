package ninvfs

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"sync"

	"golang.org/x/text/encoding/unicode"

	"github.com/connesc/ninvfs/crypt"
	"github.com/connesc/ninvfs/ctrutil"
)

// hacBISKeyIDs maps GPT partition names to their BIS key index. Partitions
// not listed here are exposed raw.
var hacBISKeyIDs = map[string]int{
	"PRODINFO":  0,
	"PRODINFOF": 0,
	"SAFE":      1,
	"SYSTEM":    2,
	"USER":      3,
}

// HACPartition describes one GPT partition of a Switch NAND image.
type HACPartition struct {
	Name   string
	Offset int64
	Size   int64
	BISKey int
}

// NANDHAC exposes a Switch NAND image as one decrypted file per GPT
// partition, using the console's BIS keys for the encrypted ones.
type NANDHAC struct {
	Partitions []HACPartition

	backing  io.ReaderAt
	writer   io.WriterAt
	mu       sync.Mutex
	tree     *dirTree
	size     int64
	readOnly bool
}

var _ FS = &NANDHAC{}

// OpenNANDHAC mounts a Switch NAND image. keyDump is the text output of
// biskeydump or lockpick.
func OpenNANDHAC(backing io.ReaderAt, writer io.WriterAt, keyDump string, readOnly bool) (*NANDHAC, error) {
	keys, err := crypt.ParseBISKeyDump(keyDump)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0x5C)
	if _, err := backing.ReadAt(header, 0x200); err != nil {
		return nil, fmt.Errorf("hacnand: failed to read GPT header: %w", err)
	}
	if !bytes.Equal(header[0:8], []byte("EFI PART")) {
		return nil, &InvalidHeaderError{Format: "HAC NAND", Reason: "GPT header magic not found"}
	}

	// The CRC field is zeroed for the header checksum.
	hashed := make([]byte, len(header))
	copy(hashed, header)
	hashed[0x10], hashed[0x11], hashed[0x12], hashed[0x13] = 0, 0, 0, 0
	if got := crc32.ChecksumIEEE(hashed); got != ctrutil.LE32(header, 0x10) {
		return nil, &InvalidHeaderError{
			Format: "HAC NAND",
			Reason: fmt.Sprintf("GPT header crc32 mismatch (expected %08x, got %08x)", ctrutil.LE32(header, 0x10), got),
		}
	}

	backupLBA := int64(ctrutil.LE64(header, 0x20))
	backup := make([]byte, 8)
	if _, err := backing.ReadAt(backup, backupLBA*0x200); err != nil || !bytes.Equal(backup, []byte("EFI PART")) {
		return nil, &InvalidHeaderError{Format: "HAC NAND", Reason: "GPT backup header not found, the image is likely incomplete"}
	}

	entriesLBA := int64(ctrutil.LE64(header, 0x48))
	entryCount := int(ctrutil.LE32(header, 0x50))
	entrySize := int(ctrutil.LE32(header, 0x54))

	entries := make([]byte, entryCount*entrySize)
	if _, err := backing.ReadAt(entries, entriesLBA*0x200); err != nil {
		return nil, fmt.Errorf("hacnand: failed to read GPT entries: %w", err)
	}
	if got := crc32.ChecksumIEEE(entries); got != ctrutil.LE32(header, 0x58) {
		return nil, &InvalidHeaderError{
			Format: "HAC NAND",
			Reason: fmt.Sprintf("GPT entries crc32 mismatch (expected %08x, got %08x)", ctrutil.LE32(header, 0x58), got),
		}
	}

	fs := &NANDHAC{
		backing:  backing,
		writer:   writer,
		tree:     newDirTree(),
		readOnly: readOnly || writer == nil,
	}

	utf16Decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	for i := 0; i < entryCount; i++ {
		entry := entries[i*entrySize : (i+1)*entrySize]
		rawName, err := utf16Decoder.Bytes(entry[0x38:])
		if err != nil {
			continue
		}
		name := strings.TrimRight(string(rawName), "\x00")
		if name == "" {
			continue
		}

		part := HACPartition{
			Name:   name,
			Offset: int64(ctrutil.LE64(entry, 0x20)) * 0x200,
			BISKey: -1,
		}
		part.Size = (int64(ctrutil.LE64(entry, 0x28))+1)*0x200 - part.Offset
		if id, ok := hacBISKeyIDs[name]; ok {
			part.BISKey = id
		}
		fs.Partitions = append(fs.Partitions, part)
		if end := part.Offset + part.Size; end > fs.size {
			fs.size = end
		}

		if err := fs.addPartition(part, keys); err != nil {
			return nil, err
		}
	}

	return fs, nil
}

func (fs *NANDHAC) addPartition(part HACPartition, keys *crypt.BISKeys) error {
	writer := fs.writer
	if fs.readOnly {
		writer = nil
	}

	fileName := part.Name + ".img"
	var section Section
	if part.BISKey >= 0 {
		cipher, err := keys.Cipher(part.BISKey)
		if err != nil {
			return err
		}
		section = &xtsSection{
			parent:     fs.backing,
			writer:     writer,
			mu:         &fs.mu,
			cipher:     cipher,
			cryptoBase: part.Offset,
			start:      part.Offset,
			size:       part.Size,
		}
	} else {
		section = newPlainWritable(fs.backing, writer, part.Offset, part.Size)
	}
	fs.tree.addFile(fileName, fileName, section)
	return nil
}

func (fs *NANDHAC) GetAttr(path string) (Attr, error) {
	return fs.tree.getAttr(path, fs.readOnly)
}

func (fs *NANDHAC) ReadDir(path string) ([]DirEntry, error) {
	return fs.tree.readDir(path)
}

func (fs *NANDHAC) ReadAt(path string, p []byte, off int64) (int, error) {
	return fs.tree.readAt(path, p, off)
}

func (fs *NANDHAC) WriteAt(path string, p []byte, off int64) (int, error) {
	return fs.tree.writeAt(path, p, off, fs.readOnly)
}

func (fs *NANDHAC) StatFS(path string) (StatFS, error) {
	return statFromSize(fs.size, fs.tree.fileCount()), nil
}
