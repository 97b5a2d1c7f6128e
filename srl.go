package ninvfs

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/text/encoding/japanese"

	"github.com/connesc/ninvfs/ctrutil"
)

const (
	srlHeaderSize = 0x1000
	srlRootDirID  = 0xF000
	srlArm9Footer = 0xDEC00621
)

// srlBannerSizes maps the banner version to its total size.
var srlBannerSizes = map[uint16]int64{
	0x0001: 0x0840,
	0x0002: 0x0940,
	0x0003: 0x1240,
	0x0103: 0x23C0,
}

// SRL exposes the contents of a Nintendo DS or DSi ROM image: the header,
// the ARM9/ARM7 binaries and overlays, the banner, and the file tree from
// the name and allocation tables under data/.
type SRL struct {
	Title     string
	GameCode  string
	MakerCode string
	UnitCode  uint8
	TitleID   Hex64
	TotalSize int64

	backing io.ReaderAt
	tree    *dirTree
}

var _ FS = &SRL{}

// OpenSRL parses the ROM header of backing and builds the virtual tree.
func OpenSRL(backing io.ReaderAt) (*SRL, error) {
	header := make([]byte, srlHeaderSize)
	if _, err := backing.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("srl: failed to read header: %w", err)
	}

	fs := &SRL{
		Title:     strings.TrimRight(string(header[0x00:0x0C]), "\x00"),
		GameCode:  string(header[0x0C:0x10]),
		MakerCode: string(header[0x10:0x12]),
		UnitCode:  header[0x12],
		TitleID:   Hex64(ctrutil.LE64(header, 0x230)),
		TotalSize: 0x20000 << header[0x14],
		backing:   backing,
		tree:      newDirTree(),
	}

	fs.initBinaries(header)

	if fntOffset := int64(ctrutil.LE32(header, 0x40)); fntOffset != 0 {
		fntSize := int64(ctrutil.LE32(header, 0x44))
		fatOffset := int64(ctrutil.LE32(header, 0x48))
		fatSize := int64(ctrutil.LE32(header, 0x4C))
		if err := fs.initData(fntOffset, fntSize, fatOffset, fatSize); err != nil {
			slog.Warn("srl: failed to parse file tables", "error", err)
		}
	}

	return fs, nil
}

func (fs *SRL) initBinaries(header []byte) {
	headerSize := int64(0x200)
	if fs.UnitCode != 0 {
		headerSize = srlHeaderSize
	}
	fs.addRegion("header.bin", 0, headerSize)

	if off := int64(ctrutil.LE32(header, 0x30)); off != 0 {
		fs.addRegion("arm7.bin", off, int64(ctrutil.LE32(header, 0x3C)))
	}
	if off := int64(ctrutil.LE32(header, 0x20)); off != 0 {
		size := int64(ctrutil.LE32(header, 0x2C))
		// A secure area HMAC may follow the ARM9 binary.
		footer := make([]byte, 4)
		if _, err := fs.backing.ReadAt(footer, off+size); err == nil {
			if ctrutil.LE32(footer, 0) == srlArm9Footer {
				size += 0xC
			}
		}
		fs.addRegion("arm9.bin", off, size)
	}
	if off := int64(ctrutil.LE32(header, 0x1D0)); off != 0 {
		fs.addRegion("arm7i.bin", off, int64(ctrutil.LE32(header, 0x1DC)))
	}
	if off := int64(ctrutil.LE32(header, 0x1C0)); off != 0 {
		fs.addRegion("arm9i.bin", off, int64(ctrutil.LE32(header, 0x1CC)))
	}
	if off := int64(ctrutil.LE32(header, 0x50)); off != 0 {
		fs.addRegion("arm9overlay.bin", off, int64(ctrutil.LE32(header, 0x54)))
	}
	if off := int64(ctrutil.LE32(header, 0x58)); off != 0 {
		fs.addRegion("arm7overlay.bin", off, int64(ctrutil.LE32(header, 0x5C)))
	}
	if off := int64(ctrutil.LE32(header, 0x68)); off != 0 {
		version := make([]byte, 2)
		if _, err := fs.backing.ReadAt(version, off); err == nil {
			size, ok := srlBannerSizes[ctrutil.LE16(version, 0)]
			if !ok {
				// Unknown versions still carry at least the base banner.
				size = srlBannerSizes[0x0001]
				slog.Warn("srl: unknown banner version", "version", Hex16(ctrutil.LE16(version, 0)))
			}
			fs.addRegion("banner.bin", off, size)
		}
	}
}

func (fs *SRL) addRegion(name string, offset, size int64) {
	fs.tree.addFile(name, name, newPlainSection(fs.backing, offset, size))
}

// srlDir is one directory entry of the name table while the tree is built.
type srlDir struct {
	name           string
	parent         uint16
	subTableOffset uint32
	firstFileID    uint16
	children       []uint16
	files          []srlFile
}

type srlFile struct {
	name string
	id   uint16
}

// initData walks the FNT (name table) and FAT (allocation table) of the ROM
// and mounts the resulting hierarchy under data/.
func (fs *SRL) initData(fntOffset, fntSize, fatOffset, fatSize int64) error {
	fnt := make([]byte, fntSize)
	if _, err := fs.backing.ReadAt(fnt, fntOffset); err != nil {
		return fmt.Errorf("srl: failed to read fnt: %w", err)
	}
	fat := make([]byte, fatSize)
	if _, err := fs.backing.ReadAt(fat, fatOffset); err != nil {
		return fmt.Errorf("srl: failed to read fat: %w", err)
	}

	if len(fnt) < 8 {
		return &InvalidHeaderError{Format: "SRL", Reason: "name table too small"}
	}
	dirCount := int(ctrutil.LE16(fnt, 6))
	if dirCount*8 > len(fnt) {
		return &InvalidHeaderError{Format: "SRL", Reason: "name table truncated"}
	}

	dirs := make(map[uint16]*srlDir, dirCount)
	for i := 0; i < dirCount; i++ {
		id := uint16(srlRootDirID + i)
		dirs[id] = &srlDir{
			subTableOffset: ctrutil.LE32(fnt, i*8),
			firstFileID:    ctrutil.LE16(fnt, i*8+4),
			parent:         ctrutil.LE16(fnt, i*8+6),
		}
	}

	decoder := japanese.ShiftJIS.NewDecoder()
	for _, dir := range dirs {
		offset := int(dir.subTableOffset)
		fileID := dir.firstFileID
		for {
			if offset >= len(fnt) {
				return &InvalidHeaderError{Format: "SRL", Reason: "name table truncated"}
			}
			typeLen := fnt[offset]
			if typeLen == 0 {
				break
			}
			nameLen := int(typeLen & 0x7F)
			offset++
			if offset+nameLen > len(fnt) {
				return &InvalidHeaderError{Format: "SRL", Reason: "name table truncated"}
			}
			name, err := decoder.String(string(fnt[offset : offset+nameLen]))
			if err != nil {
				name = string(fnt[offset : offset+nameLen])
			}
			offset += nameLen

			if typeLen&0x80 != 0 {
				childID := ctrutil.LE16(fnt, offset)
				offset += 2
				child, ok := dirs[childID]
				if !ok {
					return &InvalidHeaderError{Format: "SRL", Reason: "name table references unknown directory"}
				}
				child.name = name
				dir.children = append(dir.children, childID)
			} else {
				dir.files = append(dir.files, srlFile{name: name, id: fileID})
				fileID++
			}
		}
	}

	fs.tree.addDir("data", "data")
	fs.mountDir(dirs, srlRootDirID, "data", fat)
	return nil
}

func (fs *SRL) mountDir(dirs map[uint16]*srlDir, id uint16, path string, fat []byte) {
	dir := dirs[id]
	for _, file := range dir.files {
		entOff := int(file.id) * 8
		if entOff+8 > len(fat) {
			slog.Warn("srl: file outside allocation table", "name", file.name)
			continue
		}
		start := int64(ctrutil.LE32(fat, entOff))
		end := int64(ctrutil.LE32(fat, entOff+4))
		childPath := path + "/" + file.name
		fs.tree.addFile(childPath, file.name, newPlainSection(fs.backing, start, end-start))
	}
	for _, childID := range dir.children {
		child := dirs[childID]
		childPath := path + "/" + child.name
		fs.tree.addDir(childPath, child.name)
		fs.mountDir(dirs, childID, childPath, fat)
	}
}

func (fs *SRL) GetAttr(path string) (Attr, error) {
	return fs.tree.getAttr(path, true)
}

func (fs *SRL) ReadDir(path string) ([]DirEntry, error) {
	return fs.tree.readDir(path)
}

func (fs *SRL) ReadAt(path string, p []byte, off int64) (int, error) {
	return fs.tree.readAt(path, p, off)
}

func (fs *SRL) WriteAt(path string, p []byte, off int64) (int, error) {
	return 0, ErrReadOnly
}

func (fs *SRL) StatFS(path string) (StatFS, error) {
	return statFromSize(fs.TotalSize, fs.tree.fileCount()), nil
}
