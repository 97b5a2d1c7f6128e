package ninvfs

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/connesc/ninvfs/ctrutil"
)

const (
	bbNANDSize   = 0x4000000
	bbBlockSize  = 0x4000
	bbFSFirst    = 0xFF0
	bbFSBlocks   = 0x10
	bbFSChecksum = 0xCAD7
	bbFATEntries = 0x1000
	bbEntriesOff = 0x2000
	bbHeaderOff  = 0x3FF4
	bbEntrySize  = 0x14
)

// NANDBB exposes an iQue Player NAND image as the files recorded in the
// newest BBFS block. The filesystem is not encrypted.
type NANDBB struct {
	SeqNo uint32

	backing io.ReaderAt
	tree    *dirTree
	used    int64
}

var _ FS = &NANDBB{}

// OpenNANDBB mounts an iQue Player NAND image of the given size.
func OpenNANDBB(backing io.ReaderAt, size int64) (*NANDBB, error) {
	if size != bbNANDSize {
		return nil, &InvalidHeaderError{
			Format: "BB NAND",
			Reason: fmt.Sprintf("image size is %#x, expected %#x", size, bbNANDSize),
		}
	}

	fs := &NANDBB{
		backing: backing,
		tree:    newDirTree(),
	}

	block, err := fs.newestBlock()
	if err != nil {
		return nil, err
	}

	fat := make([]int16, bbFATEntries)
	for i := range fat {
		fat[i] = int16(ctrutil.BE16(block, i*2))
	}

	for off := bbEntriesOff; off < bbHeaderOff; off += bbEntrySize {
		entry := block[off : off+bbEntrySize]
		start := int16(ctrutil.BE16(entry, 12))
		if entry[11] == 0 || start == -1 {
			continue
		}

		name := string(bytes.TrimRight(entry[0:8], "\x00"))
		if ext := string(bytes.TrimRight(entry[8:11], "\x00")); ext != "" {
			name += "." + ext
		}
		fileSize := int64(ctrutil.BE32(entry, 16))

		blocks, err := fs.walkChain(fat, start, fileSize)
		if err != nil {
			slog.Warn("bbnand: skipping file with broken block chain", "name", name, "error", err)
			continue
		}

		fs.tree.addFile(name, name, &bbfsSection{
			parent: backing,
			blocks: blocks,
			size:   fileSize,
		})
		fs.used += fileSize / bbBlockSize
	}

	return fs, nil
}

// newestBlock returns the BBFS block with the highest sequence number.
func (fs *NANDBB) newestBlock() ([]byte, error) {
	var newest []byte
	found := false

	for i := 0; i < bbFSBlocks; i++ {
		block := make([]byte, bbBlockSize)
		if _, err := fs.backing.ReadAt(block, int64(bbFSFirst+i)*bbBlockSize); err != nil {
			return nil, fmt.Errorf("bbnand: failed to read BBFS block %d: %w", i, err)
		}

		magic := string(block[bbHeaderOff : bbHeaderOff+4])
		if magic == "\x00\x00\x00\x00" {
			continue
		}
		if magic != "BBFS" && magic != "BBFL" {
			return nil, &InvalidHeaderError{
				Format: "BB NAND",
				Reason: fmt.Sprintf("invalid BBFS magic %q in block %d", magic, i),
			}
		}

		var sum uint32
		for off := 0; off < bbBlockSize; off += 2 {
			sum += uint32(ctrutil.BE16(block, off))
		}
		if sum&0xFFFF != bbFSChecksum {
			return nil, &InvalidHeaderError{
				Format: "BB NAND",
				Reason: fmt.Sprintf("BBFS block %d has an invalid checksum", i),
			}
		}

		seqNo := ctrutil.BE32(block, bbHeaderOff+4)
		if !found || seqNo > fs.SeqNo {
			fs.SeqNo = seqNo
			newest = block
			found = true
		}
	}

	if !found {
		return nil, &InvalidHeaderError{Format: "BB NAND", Reason: "all BBFS blocks are blank"}
	}
	return newest, nil
}

// walkChain follows the FAT chain from start until the end marker.
func (fs *NANDBB) walkChain(fat []int16, start int16, size int64) ([]int16, error) {
	var blocks []int16
	block := start
	for {
		if block < 0 || int(block) >= len(fat) {
			return nil, fmt.Errorf("bbnand: block %d out of range", block)
		}
		blocks = append(blocks, block)
		if len(blocks) > bbFATEntries {
			return nil, fmt.Errorf("bbnand: block chain loops")
		}

		block = fat[block]
		if block == -1 {
			break
		}
		if block == 0 || block == -2 || block == -3 {
			return nil, fmt.Errorf("bbnand: chain hits reserved block %d", block)
		}
	}
	if int64(len(blocks))*bbBlockSize < size {
		return nil, fmt.Errorf("bbnand: chain shorter than file size")
	}
	return blocks, nil
}

// bbfsSection reads a file scattered across NAND blocks by its FAT chain.
type bbfsSection struct {
	parent io.ReaderAt
	blocks []int16
	size   int64
}

func (s *bbfsSection) Size() int64 {
	return s.size
}

func (s *bbfsSection) Writable() bool {
	return false
}

func (s *bbfsSection) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= s.size {
		return 0, io.EOF
	}
	var eof error
	if max := s.size - off; int64(len(p)) > max {
		p = p[:max]
		eof = io.EOF
	}

	total := 0
	for len(p) > 0 {
		index := off / bbBlockSize
		inner := off % bbBlockSize

		chunk := p
		if max := bbBlockSize - inner; max < int64(len(chunk)) {
			chunk = chunk[:max]
		}
		abs := int64(s.blocks[index])*bbBlockSize + inner
		if _, err := s.parent.ReadAt(chunk, abs); err != nil {
			return total, err
		}

		total += len(chunk)
		p = p[len(chunk):]
		off += int64(len(chunk))
	}
	return total, eof
}

func (fs *NANDBB) GetAttr(path string) (Attr, error) {
	return fs.tree.getAttr(path, true)
}

func (fs *NANDBB) ReadDir(path string) ([]DirEntry, error) {
	return fs.tree.readDir(path)
}

func (fs *NANDBB) ReadAt(path string, p []byte, off int64) (int, error) {
	return fs.tree.readAt(path, p, off)
}

func (fs *NANDBB) WriteAt(path string, p []byte, off int64) (int, error) {
	return 0, ErrReadOnly
}

func (fs *NANDBB) StatFS(path string) (StatFS, error) {
	stat := statFromSize(int64(bbFSFirst-0x40)*bbBlockSize, fs.tree.fileCount())
	return stat, nil
}
