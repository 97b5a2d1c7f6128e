package ninvfs

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/connesc/ninvfs/ctrutil"
)

// ExeFSEntry describes one file of an ExeFS image.
type ExeFSEntry struct {
	Name   string
	Offset int64
	Size   int64
	Hash   Hex
}

// ExeFS mounts an executable filesystem image. Entries appear as files named
// after the file table, with the leading dot stripped and a ".bin" suffix,
// so ".code" becomes "code.bin".
//
// When the image contains a compressed ".code", a synthesized
// "code-decompressed.bin" entry holds the decompressed copy.
type ExeFS struct {
	Entries []*ExeFSEntry

	backing io.ReaderAt
	tree    *dirTree
	size    int64
}

var _ FS = &ExeFS{}

const exeFSHeaderSize = 0x200

// OpenExeFS parses the file table of a decrypted ExeFS image and mounts it.
// When decompressCode is true and the image holds a ".code" entry, the code
// is decompressed eagerly; failures are logged and the synthesized entry is
// skipped.
func OpenExeFS(backing io.ReaderAt, decompressCode bool) (*ExeFS, error) {
	header := make([]byte, exeFSHeaderSize)
	if _, err := backing.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("exefs: failed to read header: %w", err)
	}

	empty := true
	for _, b := range header {
		if b != header[0] {
			empty = false
			break
		}
	}
	if empty {
		return nil, &InvalidHeaderError{Format: "exefs", Reason: "empty header"}
	}

	fs := &ExeFS{
		backing: backing,
		tree:    newDirTree(),
	}

	for i := 0; i < 10; i++ {
		raw := header[i*0x10 : (i+1)*0x10]
		if bytes.Equal(raw, make([]byte, 0x10)) {
			continue
		}

		name := string(bytes.TrimRight(raw[0:8], "\x00"))
		entry := &ExeFSEntry{
			Name:   name,
			Offset: int64(ctrutil.LE32(raw, 0x8)),
			Size:   int64(ctrutil.LE32(raw, 0xC)),
			Hash:   Hex(append([]byte(nil), header[0x1E0-i*0x20:0x200-i*0x20]...)),
		}
		fs.Entries = append(fs.Entries, entry)
		fs.size += entry.Size

		fileName := entry.fileName()
		section := newPlainSection(backing, exeFSHeaderSize+entry.Offset, entry.Size)
		fs.tree.addFile(fileName, fileName, section)
	}

	fs.initCode(decompressCode)
	return fs, nil
}

func (e *ExeFSEntry) fileName() string {
	name := e.Name
	if len(name) > 0 && name[0] == '.' {
		name = name[1:]
	}
	return name + ".bin"
}

// initCode synthesizes the code-decompressed.bin entry.
func (fs *ExeFS) initCode(decompress bool) {
	var code *ExeFSEntry
	for _, entry := range fs.Entries {
		if entry.Name == ".code" {
			code = entry
			break
		}
	}
	if code == nil {
		return
	}

	if !decompress {
		// Already decompressed, alias the raw entry.
		section := newPlainSection(fs.backing, exeFSHeaderSize+code.Offset, code.Size)
		fs.tree.addFile("code-decompressed.bin", "code-decompressed.bin", section)
		return
	}

	raw := make([]byte, code.Size)
	if _, err := fs.backing.ReadAt(raw, exeFSHeaderSize+code.Offset); err != nil {
		slog.Warn("exefs: failed to read .code", "error", err)
		return
	}

	decompressed, err := DecompressCode(raw)
	if err != nil {
		slog.Warn("exefs: failed to decompress .code", "error", err)
		return
	}

	fs.tree.addFile("code-decompressed.bin", "code-decompressed.bin", newBytesSection(decompressed))
}

// Entry returns the file table entry with the given name, such as ".code".
func (fs *ExeFS) Entry(name string) (*ExeFSEntry, bool) {
	for _, entry := range fs.Entries {
		if entry.Name == name {
			return entry, true
		}
	}
	return nil, false
}

func (fs *ExeFS) GetAttr(path string) (Attr, error) {
	return fs.tree.getAttr(path, true)
}

func (fs *ExeFS) ReadDir(path string) ([]DirEntry, error) {
	return fs.tree.readDir(path)
}

func (fs *ExeFS) ReadAt(path string, p []byte, off int64) (int, error) {
	return fs.tree.readAt(path, p, off)
}

func (fs *ExeFS) WriteAt(path string, p []byte, off int64) (int, error) {
	return 0, ErrReadOnly
}

func (fs *ExeFS) StatFS(path string) (StatFS, error) {
	return statFromSize(fs.size, fs.tree.fileCount()), nil
}
