package ninvfs

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/connesc/ninvfs/crypt"
	"github.com/connesc/ninvfs/ctrutil"
)

const (
	twlNANDMinSize   = 0xF000000
	twlNocashMagic   = "DSi eMMC CID/CPU"
	twlNocashBlkSize = 0x40
	twlMBROffset     = 0x1BE
	twlMBRSignature  = 0x55AA
)

// twlNANDCounterXor masks the known header bytes used to recover the
// counter from the image itself.
var twlNANDCounterXor = crypt.Key128{Hi: 0x1804060FE03B7708, Lo: 0x0000896F06000002}

// twlNANDCounterCheck is the known plaintext of the header block at 0x1D0.
var twlNANDCounterCheck = []byte{
	0xCE, 0x3C, 0x06, 0x0F, 0xE0, 0xBE, 0x4D, 0x78,
	0x06, 0x00, 0xB3, 0x05, 0x01, 0x00, 0x00, 0x02,
}

var twlPartitionNames = [4]string{"twl_main", "twl_photo", "twl_unk2", "twl_unk3"}

// NANDTWLOptions carries the console-unique inputs of a DSi NAND mount.
type NANDTWLOptions struct {
	// ConsoleID is the 8-byte console ID. When nil it is taken from the
	// nocash footer appended by common dumpers.
	ConsoleID []byte

	// CID is the 16-byte eMMC CID. When nil the counter is recovered
	// from known plaintext, or from the nocash footer.
	CID []byte

	ReadOnly bool
}

// NANDTWL exposes a DSi NAND image as decrypted files: the bootloader
// stages, the diagnostics area, and one image per MBR partition.
type NANDTWL struct {
	Size int64

	engine   *crypt.Engine
	backing  io.ReaderAt
	writer   io.WriterAt
	mu       sync.Mutex
	tree     *dirTree
	counter  []byte
	readOnly bool
}

var _ FS = &NANDTWL{}

// OpenNANDTWL mounts a DSi NAND image of the given size. The NAND keys are
// console-unique, so no bootrom is needed.
func OpenNANDTWL(backing io.ReaderAt, size int64, writer io.WriterAt, engine *crypt.Engine, opts NANDTWLOptions) (*NANDTWL, error) {
	if size < twlNANDMinSize {
		return nil, &InvalidHeaderError{Format: "TWL NAND", Reason: "image too small"}
	}

	fs := &NANDTWL{
		Size:     size,
		engine:   engine,
		backing:  backing,
		writer:   writer,
		tree:     newDirTree(),
		readOnly: opts.ReadOnly || writer == nil,
	}

	consoleID, cid, nocash, err := fs.resolveIDs(opts)
	if err != nil {
		return nil, err
	}
	fs.setupKeys(consoleID)

	if err := fs.setupCounter(cid); err != nil {
		return nil, err
	}

	header, err := fs.decryptHeader()
	if err != nil {
		return nil, err
	}

	fs.init(header, nocash)
	return fs, nil
}

// resolveIDs picks the console ID and CID from the options or the nocash
// footer written by common NAND dumpers.
func (fs *NANDTWL) resolveIDs(opts NANDTWLOptions) (consoleID, cid []byte, nocash bool, err error) {
	consoleID = opts.ConsoleID
	cid = opts.CID

	if fs.Size&twlNocashBlkSize == twlNocashBlkSize {
		nocash = true
		if consoleID == nil {
			footer := make([]byte, twlNocashBlkSize)
			if _, err := fs.backing.ReadAt(footer, fs.Size-twlNocashBlkSize); err != nil {
				return nil, nil, false, fmt.Errorf("twlnand: failed to read nocash footer: %w", err)
			}
			if !bytes.Equal(footer[0:0x10], []byte(twlNocashMagic)) {
				return nil, nil, false, &InvalidHeaderError{Format: "TWL NAND", Reason: "nocash footer magic not found"}
			}
			blank := true
			for _, b := range footer[0x10:] {
				if b != footer[0x10] {
					blank = false
					break
				}
			}
			if blank {
				return nil, nil, false, &InvalidHeaderError{Format: "TWL NAND", Reason: "nocash footer is empty, provide the console ID"}
			}
			cid = footer[0x10:0x20]
			// Stored reversed in the footer.
			consoleID = make([]byte, 8)
			for i := 0; i < 8; i++ {
				consoleID[i] = footer[0x27-i]
			}
		}
	}
	if consoleID == nil {
		return nil, nil, false, &InvalidHeaderError{Format: "TWL NAND", Reason: "no console ID given and no nocash footer found"}
	}
	return consoleID, cid, nocash, nil
}

// setupKeys derives the NAND KeyX from the console ID.
func (fs *NANDTWL) setupKeys(consoleID []byte) {
	idHi := binary.BigEndian.Uint32(consoleID[4:8])
	idLo := binary.BigEndian.Uint32(consoleID[0:4])

	keyX := make([]byte, 16)
	binary.LittleEndian.PutUint32(keyX[0:4], idHi)
	binary.LittleEndian.PutUint32(keyX[4:8], idHi^0x24EE6906)
	binary.LittleEndian.PutUint32(keyX[8:12], idLo^0xE65B601D)
	binary.LittleEndian.PutUint32(keyX[12:16], idLo)
	fs.engine.SetKeyX(crypt.KeyslotTWLNAND, keyX)
}

func (fs *NANDTWL) setupCounter(cid []byte) error {
	if cid != nil {
		digest := sha1.Sum(cid)
		fs.counter = make([]byte, 16)
		for i := 0; i < 16; i++ {
			fs.counter[i] = digest[15-i]
		}
		return nil
	}

	header := make([]byte, 0x20)
	if _, err := fs.backing.ReadAt(header, 0x1C0); err != nil {
		return fmt.Errorf("twlnand: failed to read header: %w", err)
	}

	ecb, err := fs.engine.ECBDecrypter(crypt.KeyslotTWLNAND)
	if err != nil {
		return err
	}
	xored := crypt.Key128FromBytes(header[0:16]).Xor(twlNANDCounterXor).Bytes()
	reversed := make([]byte, 16)
	for i := 0; i < 16; i++ {
		reversed[i] = xored[15-i]
	}
	counter := make([]byte, 16)
	ecb.CryptBlocks(counter, reversed)
	crypt.SubCounter(counter, 0x1C)

	stream, err := fs.engine.CTRAt(crypt.KeyslotTWLNAND, counter, 0x1D0)
	if err != nil {
		return err
	}
	check := make([]byte, 16)
	stream.XORKeyStream(check, header[16:32])
	if !bytes.Equal(check, twlNANDCounterCheck) {
		return &InvalidHeaderError{Format: "TWL NAND", Reason: "failed to recover counter, check the console ID or provide the CID"}
	}
	fs.counter = counter
	return nil
}

// decryptHeader decrypts the first sector and verifies the MBR signature,
// which doubles as a check of the console ID and CID.
func (fs *NANDTWL) decryptHeader() ([]byte, error) {
	enc := make([]byte, 0x200)
	if _, err := fs.backing.ReadAt(enc, 0); err != nil {
		return nil, fmt.Errorf("twlnand: failed to read header: %w", err)
	}

	stream, err := fs.engine.CTR(crypt.KeyslotTWLNAND, fs.counter)
	if err != nil {
		return nil, err
	}
	header := make([]byte, 0x200)
	stream.XORKeyStream(header, enc)

	if ctrutil.BE16(header, 0x1FE) != twlMBRSignature {
		return nil, &InvalidHeaderError{Format: "TWL NAND", Reason: "MBR signature not found, check the console ID and CID"}
	}
	return header, nil
}

func (fs *NANDTWL) init(header []byte, nocash bool) {
	writer := fs.writer
	if fs.readOnly {
		writer = nil
	}

	fs.addPlain("stage2_infoblk1.bin", 0x200, 0x200, writer)
	fs.addPlain("stage2_infoblk2.bin", 0x400, 0x200, writer)
	fs.addPlain("stage2_infoblk3.bin", 0x600, 0x200, writer)
	fs.addPlain("stage2_bootldr.bin", 0x800, 0x4DC00, writer)
	fs.addPlain("stage2_footer.bin", 0x4E400, 0x400, writer)
	fs.addPlain("diag_area.bin", 0xFFA00, 0x400, writer)
	if nocash {
		fs.addPlain("nocash_blk.bin", fs.Size-twlNocashBlkSize, twlNocashBlkSize, writer)
	}

	for i := 0; i < 4; i++ {
		entry := twlMBROffset + i*16
		offset := int64(ctrutil.LE32(header, entry+8)) * 0x200
		partSize := int64(ctrutil.LE32(header, entry+12)) * 0x200
		if offset == 0 {
			continue
		}
		name := twlPartitionNames[i] + ".img"
		fs.tree.addFile(name, name, &ctrSection{
			parent:  fs.backing,
			writer:  writer,
			mu:      &fs.mu,
			engine:  fs.engine,
			slot:    crypt.KeyslotTWLNAND,
			counter: fs.counter,
			start:   offset,
			size:    partSize,
		})
	}
}

func (fs *NANDTWL) addPlain(name string, offset, size int64, writer io.WriterAt) {
	fs.tree.addFile(name, name, newPlainWritable(fs.backing, writer, offset, size))
}

func (fs *NANDTWL) GetAttr(path string) (Attr, error) {
	return fs.tree.getAttr(path, fs.readOnly)
}

func (fs *NANDTWL) ReadDir(path string) ([]DirEntry, error) {
	return fs.tree.readDir(path)
}

func (fs *NANDTWL) ReadAt(path string, p []byte, off int64) (int, error) {
	return fs.tree.readAt(path, p, off)
}

func (fs *NANDTWL) WriteAt(path string, p []byte, off int64) (int, error) {
	return fs.tree.writeAt(path, p, off, fs.readOnly)
}

func (fs *NANDTWL) StatFS(path string) (StatFS, error) {
	return statFromSize(twlNANDMinSize, fs.tree.fileCount()), nil
}
