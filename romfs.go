package ninvfs

import (
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"

	"github.com/connesc/ninvfs/ctrutil"
)

const (
	ivfcHeaderSize     = 0x5C
	ivfcRomFSMagicNum  = 0x10000
	romFSLv3HeaderSize = 0x28
)

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// romFSRegion is one offset/size pair of the Level 3 header.
type romFSRegion struct {
	Offset int64
	Size   int64
}

// RomFS mounts a RomFS Level 3 partition, with or without its IVFC wrapper.
// Paths resolve case-insensitively while listings keep the original names.
type RomFS struct {
	backing io.ReaderAt
	tree    *dirTree
	size    int64
}

var _ FS = &RomFS{}

// OpenRomFS parses a decrypted RomFS image and mounts its file tree. Images
// that start directly at the Level 3 header, as some early tools produced,
// are accepted too.
func OpenRomFS(backing io.ReaderAt) (*RomFS, error) {
	header := make([]byte, ivfcHeaderSize)
	if _, err := backing.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("romfs: failed to read header: %w", err)
	}

	var lv3Offset int64
	if string(header[0:4]) == "IVFC" {
		if ctrutil.LE32(header, 0x4) != ivfcRomFSMagicNum {
			return nil, &InvalidHeaderError{Format: "romfs", Reason: "invalid IVFC magic number"}
		}
		masterHashSize := int64(ctrutil.LE32(header, 0x8))
		lv3BlockSize := ctrutil.LE32(header, 0x4C)
		lv3Offset = ctrutil.RoundUp(0x60+masterHashSize, 1<<lv3BlockSize)
	}

	lv3 := make([]byte, romFSLv3HeaderSize)
	if _, err := backing.ReadAt(lv3, lv3Offset); err != nil {
		return nil, fmt.Errorf("romfs: failed to read lv3 header: %w", err)
	}

	headerLength := int64(ctrutil.LE32(lv3, 0x0))
	dirhash := romFSRegion{Offset: int64(ctrutil.LE32(lv3, 0x4)), Size: int64(ctrutil.LE32(lv3, 0x8))}
	dirmeta := romFSRegion{Offset: int64(ctrutil.LE32(lv3, 0xC)), Size: int64(ctrutil.LE32(lv3, 0x10))}
	filehash := romFSRegion{Offset: int64(ctrutil.LE32(lv3, 0x14)), Size: int64(ctrutil.LE32(lv3, 0x18))}
	filemeta := romFSRegion{Offset: int64(ctrutil.LE32(lv3, 0x1C)), Size: int64(ctrutil.LE32(lv3, 0x20))}
	filedataOffset := int64(ctrutil.LE32(lv3, 0x24))

	switch {
	case headerLength != romFSLv3HeaderSize:
		return nil, &InvalidHeaderError{Format: "romfs", Reason: "lv3 header length is not 0x28"}
	case dirhash.Offset < headerLength:
		return nil, &InvalidHeaderError{Format: "romfs", Reason: "directory hash region overlaps lv3 header"}
	case dirmeta.Offset < dirhash.Offset+dirhash.Size:
		return nil, &InvalidHeaderError{Format: "romfs", Reason: "directory metadata region overlaps directory hash region"}
	case filehash.Offset < dirmeta.Offset+dirmeta.Size:
		return nil, &InvalidHeaderError{Format: "romfs", Reason: "file hash region overlaps directory metadata region"}
	case filemeta.Offset < filehash.Offset+filehash.Size:
		return nil, &InvalidHeaderError{Format: "romfs", Reason: "file metadata region overlaps file hash region"}
	case filedataOffset < filemeta.Offset+filemeta.Size:
		return nil, &InvalidHeaderError{Format: "romfs", Reason: "file data overlaps file metadata region"}
	}

	rawDirmeta := make([]byte, dirmeta.Size)
	if _, err := backing.ReadAt(rawDirmeta, lv3Offset+dirmeta.Offset); err != nil {
		return nil, fmt.Errorf("romfs: failed to read directory metadata: %w", err)
	}
	rawFilemeta := make([]byte, filemeta.Size)
	if _, err := backing.ReadAt(rawFilemeta, lv3Offset+filemeta.Offset); err != nil {
		return nil, fmt.Errorf("romfs: failed to read file metadata: %w", err)
	}

	fs := &RomFS{
		backing: backing,
		tree:    newDirTree(),
	}

	walker := &romFSWalker{
		fs:         fs,
		dirmeta:    rawDirmeta,
		filemeta:   rawFilemeta,
		dataOffset: lv3Offset + filedataOffset,
		// The metadata regions bound how many entries can exist, so any
		// walk past these counts is following a pointer loop.
		dirsLeft:  len(rawDirmeta)/0x18 + 1,
		filesLeft: len(rawFilemeta) / 0x20,
	}
	if err := walker.walkDir(0, ""); err != nil {
		return nil, err
	}

	return fs, nil
}

type romFSWalker struct {
	fs         *RomFS
	dirmeta    []byte
	filemeta   []byte
	dataOffset int64
	dirsLeft   int
	filesLeft  int
}

const romFSNoEntry = 0xFFFFFFFF

// walkDir recurses through a directory metadata entry, registering children.
func (w *romFSWalker) walkDir(offset uint32, path string) error {
	w.dirsLeft--
	if w.dirsLeft < 0 {
		return &InvalidHeaderError{Format: "romfs", Reason: "directory metadata contains a loop"}
	}

	meta, err := w.entry(w.dirmeta, offset, 0x18)
	if err != nil {
		return err
	}

	if first := ctrutil.LE32(meta, 0x8); first != romFSNoEntry {
		for next := first; next != romFSNoEntry; {
			child, err := w.entry(w.dirmeta, next, 0x18)
			if err != nil {
				return err
			}
			name, err := w.name(w.dirmeta, next+0x18, ctrutil.LE32(child, 0x14))
			if err != nil {
				return err
			}

			childPath := path + "/" + name
			w.fs.tree.addDir(childPath[1:], name)
			if err := w.walkDir(next, childPath); err != nil {
				return err
			}

			next = ctrutil.LE32(child, 0x4)
		}
	}

	if first := ctrutil.LE32(meta, 0xC); first != romFSNoEntry {
		for next := first; next != romFSNoEntry; {
			w.filesLeft--
			if w.filesLeft < 0 {
				return &InvalidHeaderError{Format: "romfs", Reason: "file metadata contains a loop"}
			}

			child, err := w.entry(w.filemeta, next, 0x20)
			if err != nil {
				return err
			}
			name, err := w.name(w.filemeta, next+0x20, ctrutil.LE32(child, 0x1C))
			if err != nil {
				return err
			}

			offset := int64(ctrutil.LE64(child, 0x8))
			size := int64(ctrutil.LE64(child, 0x10))
			section := newPlainSection(w.fs.backing, w.dataOffset+offset, size)
			w.fs.tree.addFile((path + "/" + name)[1:], name, section)
			w.fs.size += size

			next = ctrutil.LE32(child, 0x4)
		}
	}

	return nil
}

func (w *romFSWalker) entry(meta []byte, offset uint32, size uint32) ([]byte, error) {
	if int64(offset)+int64(size) > int64(len(meta)) {
		return nil, &InvalidHeaderError{Format: "romfs", Reason: "metadata entry out of range"}
	}
	return meta[offset : offset+size], nil
}

func (w *romFSWalker) name(meta []byte, offset, length uint32) (string, error) {
	if int64(offset)+int64(length) > int64(len(meta)) {
		return "", &InvalidHeaderError{Format: "romfs", Reason: "metadata name out of range"}
	}
	name, err := utf16LE.NewDecoder().Bytes(meta[offset : offset+length])
	if err != nil {
		return "", fmt.Errorf("romfs: failed to decode name: %w", err)
	}
	return string(name), nil
}

func (fs *RomFS) GetAttr(path string) (Attr, error) {
	return fs.tree.getAttr(path, true)
}

func (fs *RomFS) ReadDir(path string) ([]DirEntry, error) {
	return fs.tree.readDir(path)
}

func (fs *RomFS) ReadAt(path string, p []byte, off int64) (int, error) {
	return fs.tree.readAt(path, p, off)
}

func (fs *RomFS) WriteAt(path string, p []byte, off int64) (int, error) {
	return 0, ErrReadOnly
}

func (fs *RomFS) StatFS(path string) (StatFS, error) {
	return statFromSize(fs.size, fs.tree.fileCount()), nil
}
