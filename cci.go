package ninvfs

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/connesc/ninvfs/crypt"
	"github.com/connesc/ninvfs/ctrutil"
)

var cciPartitionNames = [8]string{
	"game", "manual", "dlp", "unk", "unk", "unk", "update_n3ds", "update_o3ds",
}

// CCIPartition describes one slot of the NCSD partition table.
type CCIPartition struct {
	Index  int
	Name   string
	Offset int64
	Size   int64
}

// CCI exposes a CTR Cart Image (".3ds" dump) as a virtual filesystem with
// one NCCH mount per populated partition.
type CCI struct {
	MediaID    Hex64
	Size       int64
	Partitions []CCIPartition

	engine  *crypt.Engine
	backing io.ReaderAt
	tree    *dirTree
}

var _ FS = &CCI{}

// OpenCCI parses the NCSD header of backing and mounts its partitions. Cart
// images carry a non-zero media ID, which distinguishes them from NAND NCSD.
func OpenCCI(backing io.ReaderAt, engine *crypt.Engine) (*CCI, error) {
	header := make([]byte, 0x100)
	if _, err := backing.ReadAt(header, 0x100); err != nil {
		return nil, fmt.Errorf("cci: failed to read NCSD header: %w", err)
	}
	if !bytes.Equal(header[0:4], []byte("NCSD")) {
		return nil, &InvalidHeaderError{Format: "CCI", Reason: "NCSD magic not found"}
	}

	mediaID := ctrutil.LE64(header, 0x8)
	if mediaID == 0 {
		return nil, &InvalidHeaderError{Format: "CCI", Reason: "media ID is zero, this is a NAND image"}
	}

	fs := &CCI{
		MediaID: Hex64(mediaID),
		Size:    int64(ctrutil.LE32(header, 0x4)) * ncchMediaUnit,
		engine:  engine,
		backing: backing,
		tree:    newDirTree(),
	}

	fs.tree.addFile("ncsd.bin", "ncsd.bin", newPlainSection(backing, 0, 0x200))
	fs.tree.addFile("cardinfo.bin", "cardinfo.bin", newPlainSection(backing, 0x200, 0x1000))
	fs.tree.addFile("devinfo.bin", "devinfo.bin", newPlainSection(backing, 0x1200, 0x300))

	for i := 0; i < 8; i++ {
		offset := int64(ctrutil.LE32(header, 0x20+i*8)) * ncchMediaUnit
		size := int64(ctrutil.LE32(header, 0x24+i*8)) * ncchMediaUnit
		if offset == 0 {
			continue
		}
		part := CCIPartition{Index: i, Name: cciPartitionNames[i], Offset: offset, Size: size}
		fs.Partitions = append(fs.Partitions, part)

		base := fmt.Sprintf("content%d.%s", i, part.Name)
		section := newPlainSection(backing, offset, size)
		fs.tree.addFile(base+".ncch", base+".ncch", section)

		nested, err := OpenNCCH(section, engine.Clone())
		if err != nil {
			slog.Warn("cci: failed to mount partition", "name", base, "error", err)
			continue
		}
		fs.tree.addDir(base, base)
		fs.tree.setNested(base, nested)
	}

	return fs, nil
}

// Partition returns the populated partition at the given table index.
func (fs *CCI) Partition(index int) (CCIPartition, bool) {
	for _, part := range fs.Partitions {
		if part.Index == index {
			return part, true
		}
	}
	return CCIPartition{}, false
}

func (fs *CCI) GetAttr(path string) (Attr, error) {
	return fs.tree.getAttr(path, true)
}

func (fs *CCI) ReadDir(path string) ([]DirEntry, error) {
	return fs.tree.readDir(path)
}

func (fs *CCI) ReadAt(path string, p []byte, off int64) (int, error) {
	return fs.tree.readAt(path, p, off)
}

func (fs *CCI) WriteAt(path string, p []byte, off int64) (int, error) {
	return 0, ErrReadOnly
}

func (fs *CCI) StatFS(path string) (StatFS, error) {
	return statFromSize(fs.Size, fs.tree.fileCount()), nil
}
